/*
store.go - Persistence interface for accounts and heart transactions

PURPOSE:
  Defines the contract between the ledger and the database. The Store
  owns the two serialization points of the economy: per-account balance
  mutation and the ExternalRef uniqueness constraint.

ATOMICITY CONTRACT:
  ApplyDelta performs the balance read-modify-write AND the transaction
  append inside one storage transaction. Implementations must make
  partial application impossible: either both writes commit or neither
  does.

CONCURRENCY CONTRACT:
  Balance mutations for the same user are linearizable; operations on
  different users proceed concurrently. The check-then-act on
  ExternalRef must be race-free under concurrent delivery of the same
  event from two paths (webhook and poll racing): implementations
  enforce it with a uniqueness constraint and map the violation to
  DuplicateReferenceError rather than relying on a prior lookup.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite store
  - ledger/store: in-memory store for tests
*/
package ledger

import "context"

// Store handles persistence of accounts and heart transactions.
type Store interface {
	// Balance returns the user's balance, creating the account with
	// the default starting balance if absent.
	Balance(ctx context.Context, userID UserID) (int64, error)

	// ApplyDelta atomically mutates the balance and appends the
	// transaction row. Fails with InsufficientBalanceError if the
	// resulting balance would be negative, and with
	// DuplicateReferenceError if the ExternalRef already has a counted
	// transaction (completed, refunded, or quarantined).
	//
	// Deltas with Status pending_user_verification only record the
	// transaction; no balance is touched.
	ApplyDelta(ctx context.Context, d Delta) (*ApplyResult, error)

	// Transactions returns the user's transaction history, newest first.
	Transactions(ctx context.Context, userID UserID) ([]HeartTransaction, error)

	// FindByExternalRef returns the counted transaction (completed,
	// refunded, or pending_user_verification) owning the reference, or
	// nil if the reference is unclaimed. This is the idempotency
	// guard's query; ApplyDelta's constraint is its race-free backstop.
	FindByExternalRef(ctx context.Context, externalRef string) (*HeartTransaction, error)

	// RecordPending stores a pending purchase for an ExternalRef the
	// gateway has not yet confirmed. No-op if any transaction already
	// references it. A later ApplyDelta for the same reference promotes
	// the pending row to completed instead of inserting a second row.
	RecordPending(ctx context.Context, tx HeartTransaction) error

	// PendingPurchases returns purchases still awaiting gateway
	// confirmation, oldest first. Used by the reconciliation sweeper.
	PendingPurchases(ctx context.Context) ([]HeartTransaction, error)

	// MarkRefunded flips a completed purchase to refunded. The heart
	// reversal itself is a separate ApplyDelta; the log keeps both.
	MarkRefunded(ctx context.Context, id TransactionID) error
}
