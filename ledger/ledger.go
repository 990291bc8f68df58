/*
ledger.go - Ledger operations over a Store

The Ledger is a thin orchestration layer: it validates deltas, delegates
the atomic work to the Store, and publishes a balance-changed
notification for every successful mutation so views stay consistent
without polling.
*/
package ledger

import (
	"context"
	"fmt"
)

// Ledger exposes balance operations. It is the only component other
// parts of the system may use to move hearts.
type Ledger struct {
	store    Store
	notifier *Notifier
}

// New creates a Ledger. The notifier may be nil when notifications are
// not needed (tests, one-shot tools).
func New(store Store, notifier *Notifier) *Ledger {
	return &Ledger{store: store, notifier: notifier}
}

// Balance returns the user's current balance, creating the account
// lazily with the default starting balance.
func (l *Ledger) Balance(ctx context.Context, userID UserID) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("user id required")
	}
	return l.store.Balance(ctx, userID)
}

// ApplyDelta applies one balance change atomically and publishes the
// resulting balance. See Store.ApplyDelta for failure modes.
func (l *Ledger) ApplyDelta(ctx context.Context, d Delta) (*ApplyResult, error) {
	if d.UserID == "" {
		return nil, fmt.Errorf("user id required")
	}
	if d.Type == "" {
		return nil, fmt.Errorf("transaction type required")
	}
	if d.Status == "" {
		d.Status = StatusCompleted
	}

	res, err := l.store.ApplyDelta(ctx, d)
	if err != nil {
		return nil, err
	}

	if l.notifier != nil && d.Status == StatusCompleted {
		l.notifier.Publish(BalanceChange{
			UserID:     d.UserID,
			Delta:      d.Hearts,
			NewBalance: res.NewBalance,
			Reason:     d.Reason,
		})
	}
	return res, nil
}

// History returns the user's transaction log, newest first.
func (l *Ledger) History(ctx context.Context, userID UserID) ([]HeartTransaction, error) {
	return l.store.Transactions(ctx, userID)
}

// FindByExternalRef is the idempotency guard query: has this reference
// already produced a counted transaction (completed, refunded, or
// quarantined)?
func (l *Ledger) FindByExternalRef(ctx context.Context, ref string) (*HeartTransaction, error) {
	if ref == "" {
		return nil, nil
	}
	return l.store.FindByExternalRef(ctx, ref)
}

// Store exposes the underlying store for components that need the
// pending-purchase operations (reconciliation engine, sweeper).
func (l *Ledger) Store() Store { return l.store }
