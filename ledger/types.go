/*
Package ledger provides the heart balance ledger: accounts, the
append-only transaction log, and the atomic delta operation that
keeps both in sync.

PURPOSE:
  Hearts are the spendable in-app currency (1 heart per chat message).
  The ledger is the ONLY writer of account balances. Every balance
  change is recorded as a HeartTransaction in the same atomic unit as
  the balance write - a balance that moved without a matching
  transaction row (or vice versa) is the single worst failure mode of
  this system and is structurally impossible here.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: per-user heart balance, lazily created at 150 hearts
  - HeartTransaction: immutable log entry (credit or debit)
  - ExternalRef: the idempotency key for purchases - a gateway charge
    id, merchant order id, or native-platform transaction id

CRITICAL INVARIANTS:
  1. NON-NEGATIVE: heartBalance >= 0 after every operation. A debit
     that would go negative is rejected, never clamped.
  2. EXACTLY-ONCE: at most one counted transaction per ExternalRef
     (completed, refunded, or quarantined), enforced by a storage-level
     uniqueness constraint. A refund does not free the reference.
  3. APPEND-ONLY: transactions are never deleted. Corrections are
     made via refund transactions, not edits.

SEE ALSO:
  - store.go: Store interface (atomicity contract lives there)
  - ledger.go: Ledger operations over a Store
  - errors.go: Error taxonomy
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type CharacterID string
type TransactionID string

// NewTransactionID returns a fresh unique transaction id.
func NewTransactionID() TransactionID {
	return TransactionID(uuid.NewString())
}

// UserUnattributed is the placeholder account for payment events whose
// payer cannot be mapped to a real user. Such events are stored as
// pending_user_verification and surfaced for manual reconciliation;
// the ledger never guesses an identity.
const UserUnattributed UserID = "unattributed"

// DefaultStartingBalance is granted when an account is first referenced.
const DefaultStartingBalance int64 = 150

// =============================================================================
// ACCOUNT
// =============================================================================

// Account holds a user's heart balance. Mutated only by Store.ApplyDelta.
type Account struct {
	UserID       UserID
	HeartBalance int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// =============================================================================
// HEART TRANSACTION - Immutable once completed
// =============================================================================

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusRefunded  TransactionStatus = "refunded"

	// StatusPendingUserVerification marks a payment that was verified
	// but could not be attributed to an account. It counts toward the
	// idempotency guard so a duplicate delivery cannot credit it twice
	// once an operator resolves the user.
	StatusPendingUserVerification TransactionStatus = "pending_user_verification"
)

type TransactionType string

const (
	TxPurchase       TransactionType = "purchase"        // gateway purchase (webhook or poll)
	TxNativePurchase TransactionType = "native_purchase" // in-app purchase receipt
	TxSpend          TransactionType = "spend"           // hearts consumed (chat message)
	TxRefund         TransactionType = "refund"          // compensation for a failed side effect
	TxAdjustment     TransactionType = "adjustment"      // manual operator correction
)

// HeartTransaction is one entry in the append-only heart ledger.
//
// HeartAmount is signed: positive = credit, negative = debit.
// Amount is the paid currency amount and is absent for non-purchase
// entries (spend, refund, adjustment).
type HeartTransaction struct {
	ID            TransactionID
	UserID        UserID
	ExternalRef   string
	Amount        decimal.NullDecimal
	HeartAmount   int64
	Status        TransactionStatus
	Type          TransactionType
	PaymentMethod string
	Reason        string
	PaidAt        *time.Time
	CompletedAt   *time.Time
	RefundedAt    *time.Time
	CreatedAt     time.Time
}

// IsCredit reports whether this transaction adds hearts.
func (t HeartTransaction) IsCredit() bool { return t.HeartAmount > 0 }

// Counted reports whether this transaction occupies its ExternalRef for
// idempotency purposes. Refunded purchases still count: the charge was
// seen and settled, so a redelivery of its payment event must not
// credit it again.
func (t HeartTransaction) Counted() bool {
	if t.ExternalRef == "" {
		return false
	}
	switch t.Status {
	case StatusCompleted, StatusRefunded, StatusPendingUserVerification:
		return true
	}
	return false
}

// =============================================================================
// DELTA - Input to the atomic balance operation
// =============================================================================

// Delta describes one balance change. Status defaults to completed;
// pending_user_verification deltas record the transaction without
// touching any balance.
type Delta struct {
	UserID        UserID
	Hearts        int64
	ExternalRef   string
	Type          TransactionType
	Status        TransactionStatus
	Reason        string
	Amount        decimal.NullDecimal
	PaymentMethod string
	PaidAt        *time.Time
}

// ApplyResult is the outcome of a successful delta.
type ApplyResult struct {
	NewBalance  int64
	Transaction HeartTransaction
}
