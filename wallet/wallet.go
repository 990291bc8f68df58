/*
Package wallet is the spend/refund coordinator: the synchronous debit
path invoked by chat (1 heart per message), with saga-style
compensation when the gated side effect fails after the debit.

CALLER PATTERN (required for correctness):
  Debit BEFORE performing the gated side effect. If Spend fails with
  InsufficientBalance, the action must not happen at all. If the side
  effect then fails irrecoverably, the debit is compensated with an
  equal refund - never deleted, never silently dropped. SpendFor wraps
  this pattern.

This is compensation, not two-phase commit: the window between debit
and refund is an accepted, bounded inconsistency.
*/
package wallet

import (
	"context"
	"fmt"
	"log"

	"github.com/niceverygood/heart-engine/ledger"
)

// MessageCost is the heart price of one chat message.
const MessageCost int64 = 1

// Wallet coordinates spends and compensating refunds.
type Wallet struct {
	Ledger *ledger.Ledger
}

func New(led *ledger.Ledger) *Wallet {
	return &Wallet{Ledger: led}
}

// Spend debits hearts. Fails with InsufficientBalance when the balance
// cannot cover it; the caller must not perform the gated action then.
func (w *Wallet) Spend(ctx context.Context, userID ledger.UserID, hearts int64, reason string) (int64, error) {
	if hearts <= 0 {
		return 0, fmt.Errorf("spend amount must be positive, got %d", hearts)
	}
	res, err := w.Ledger.ApplyDelta(ctx, ledger.Delta{
		UserID: userID,
		Hearts: -hearts,
		Type:   ledger.TxSpend,
		Reason: reason,
	})
	if err != nil {
		return 0, err
	}
	return res.NewBalance, nil
}

// Refund credits hearts back, recording a compensation entry.
func (w *Wallet) Refund(ctx context.Context, userID ledger.UserID, hearts int64, reason string) (int64, error) {
	if hearts <= 0 {
		return 0, fmt.Errorf("refund amount must be positive, got %d", hearts)
	}
	res, err := w.Ledger.ApplyDelta(ctx, ledger.Delta{
		UserID: userID,
		Hearts: hearts,
		Type:   ledger.TxRefund,
		Reason: reason,
	})
	if err != nil {
		return 0, err
	}
	return res.NewBalance, nil
}

// SpendFor debits, runs fn, and compensates if fn fails. fn's error is
// returned to the caller either way; the refund keeps the net balance
// unchanged while the log shows the debit and the equal credit.
func (w *Wallet) SpendFor(ctx context.Context, userID ledger.UserID, hearts int64, reason string, fn func(ctx context.Context) error) (int64, error) {
	balance, err := w.Spend(ctx, userID, hearts, reason)
	if err != nil {
		return 0, err
	}

	if err := fn(ctx); err != nil {
		refunded, rerr := w.Refund(ctx, userID, hearts, "compensation: "+reason)
		if rerr != nil {
			// The debit survives uncompensated; this is the one state
			// an operator must resolve by hand.
			log.Printf("[wallet] COMPENSATION FAILED for %s (%d hearts, %s): %v",
				userID, hearts, reason, rerr)
			return balance, fmt.Errorf("side effect failed and compensation failed: %v (original: %w)", rerr, err)
		}
		return refunded, err
	}
	return balance, nil
}
