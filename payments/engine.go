/*
engine.go - The reconciliation engine

Three inbound paths produce candidate credits for the same purchase:

  webhook push  -> CreditFromWebhook   (authenticated, async, >=1 times)
  gateway poll  -> CreditFromPoll      (bounded-wait fallback)
  native receipt-> CreditFromNativeReceipt (self-reported, replay-keyed)

All of them reduce to the same algorithm: validate, normalize to a
CreditRequest, consult the idempotency guard, and apply exactly one
ledger credit. Duplicate deliveries - in any order, from any mix of
paths - return the prior outcome unchanged, without error.
*/
package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/niceverygood/heart-engine/ledger"
)

// Engine orchestrates the credit paths.
type Engine struct {
	Ledger   *ledger.Ledger
	Gateway  Gateway
	Pricing  Pricing
	Verifier *Verifier
}

func NewEngine(led *ledger.Ledger, gw Gateway, pricing Pricing, verifier *Verifier) *Engine {
	return &Engine{Ledger: led, Gateway: gw, Pricing: pricing, Verifier: verifier}
}

// OutcomeStatus summarizes what a credit path concluded.
type OutcomeStatus string

const (
	OutcomeCredited   OutcomeStatus = "credited"
	OutcomeDuplicate  OutcomeStatus = "already_processed"
	OutcomePending    OutcomeStatus = "reconciliation_pending"
	OutcomeQuarantine OutcomeStatus = "pending_user_verification"
	OutcomeIgnored    OutcomeStatus = "ignored"
)

// CreditOutcome is the result of one delivered payment signal.
type CreditOutcome struct {
	Status        OutcomeStatus
	TransactionID ledger.TransactionID
	UserID        ledger.UserID
	Hearts        int64
	NewBalance    int64 // only meaningful when Status == credited
}

// =============================================================================
// WEBHOOK PATH
// =============================================================================

// CreditFromWebhook processes one gateway push. The HTTP layer acks
// 200 regardless of what this returns; errors here are for logging and
// operator follow-up, never for making the gateway retry-storm.
func (e *Engine) CreditFromWebhook(ctx context.Context, body []byte, sigHeader string) (*CreditOutcome, error) {
	if err := e.Verifier.Verify(body, sigHeader); err != nil {
		return nil, err
	}

	ev, err := ParseWebhook(body)
	if err != nil {
		return nil, err
	}

	// Non-paid statuses are acknowledged and ignored; a cancelled or
	// failed charge never credits.
	if ev.Status != GatewayPaid {
		return &CreditOutcome{Status: OutcomeIgnored}, nil
	}

	req, err := ev.CreditRequest(e.Pricing)
	if err != nil {
		return nil, err
	}

	if req.UserID == "" {
		return e.quarantine(ctx, req)
	}
	return e.credit(ctx, req)
}

// =============================================================================
// POLL PATH
// =============================================================================

// CreditFromPoll actively queries the gateway for a purchase the
// webhook has not confirmed yet. The total wait is bounded by the
// gateway's retry policy; on timeout the purchase is recorded as
// pending rather than failed - the webhook may still complete it.
func (e *Engine) CreditFromPoll(ctx context.Context, externalRef string, userID ledger.UserID) (*CreditOutcome, error) {
	if externalRef == "" {
		return nil, fmt.Errorf("external reference required")
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: poll path requires an authenticated user", ledger.ErrUnattributableUser)
	}

	// Guard first: if the webhook already won the race there is no
	// reason to call the gateway at all.
	if prior, err := e.Ledger.FindByExternalRef(ctx, externalRef); err != nil {
		return nil, err
	} else if prior != nil {
		return e.priorOutcome(ctx, prior)
	}

	// No gateway configured: the webhook is the only confirmation path.
	if e.Gateway == nil {
		return e.leavePending(ctx, externalRef, userID)
	}

	info, err := e.Gateway.GetPayment(ctx, externalRef)
	if err != nil {
		if errors.Is(err, ledger.ErrUpstreamUnavailable) {
			return e.leavePending(ctx, externalRef, userID)
		}
		return nil, err
	}

	switch info.Status {
	case GatewayPaid:
		req, err := info.CreditRequest(e.Pricing, userID)
		if err != nil {
			return nil, err
		}
		return e.credit(ctx, req)
	case GatewayCancelled, GatewayFailed:
		return &CreditOutcome{Status: OutcomeIgnored}, nil
	default:
		// ready / virtual-account pending etc: not failed, not paid.
		return e.leavePending(ctx, externalRef, userID)
	}
}

// =============================================================================
// NATIVE RECEIPT PATH
// =============================================================================

// CreditFromNativeReceipt credits a client-reported in-app purchase,
// keyed on the platform transaction id to prevent replay.
func (e *Engine) CreditFromNativeReceipt(ctx context.Context, userID ledger.UserID, receipt NativeReceipt) (*CreditOutcome, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: native receipt without a user", ledger.ErrUnattributableUser)
	}
	req, err := receipt.CreditRequest(userID)
	if err != nil {
		return nil, err
	}
	return e.credit(ctx, req)
}

// =============================================================================
// PURCHASE REFUND
// =============================================================================

// RefundPurchase voids a completed purchase: cancels the charge at the
// gateway, reverses the hearts, and marks the original transaction
// refunded. The reversal is a new ledger entry; the log keeps both.
// The refunded row keeps occupying its reference, so a redelivered
// payment event for the voided charge resolves as a duplicate.
func (e *Engine) RefundPurchase(ctx context.Context, externalRef, reason string) (*ledger.ApplyResult, error) {
	prior, err := e.Ledger.FindByExternalRef(ctx, externalRef)
	if err != nil {
		return nil, err
	}
	if prior == nil || prior.Status != ledger.StatusCompleted {
		return nil, ledger.ErrTransactionNotFound
	}

	if e.Gateway == nil {
		return nil, fmt.Errorf("%w: no gateway configured to cancel %s", ledger.ErrUpstreamUnavailable, externalRef)
	}
	if err := e.Gateway.CancelPayment(ctx, externalRef, reason); err != nil {
		return nil, err
	}

	res, err := e.Ledger.ApplyDelta(ctx, ledger.Delta{
		UserID: prior.UserID,
		Hearts: -prior.HeartAmount,
		Type:   ledger.TxRefund,
		Reason: reason,
	})
	if err != nil {
		// The charge is already voided upstream; this needs an
		// operator, not a silent drop.
		return nil, fmt.Errorf("purchase %s cancelled at gateway but hearts not reversed: %w", externalRef, err)
	}

	if err := e.Ledger.Store().MarkRefunded(ctx, prior.ID); err != nil {
		log.Printf("[payments] failed to mark %s refunded: %v", prior.ID, err)
	}
	return res, nil
}

// =============================================================================
// SHARED CREDIT ALGORITHM
// =============================================================================

// credit applies a normalized request exactly once.
func (e *Engine) credit(ctx context.Context, req CreditRequest) (*CreditOutcome, error) {
	res, err := e.Ledger.ApplyDelta(ctx, ledger.Delta{
		UserID:        req.UserID,
		Hearts:        req.Hearts,
		ExternalRef:   req.ExternalRef,
		Type:          req.Type,
		Reason:        string(req.Source),
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
		PaidAt:        req.PaidAt,
	})
	if err != nil {
		var dup *ledger.DuplicateReferenceError
		if errors.As(err, &dup) {
			prior, ferr := e.Ledger.FindByExternalRef(ctx, req.ExternalRef)
			if ferr != nil || prior == nil {
				return &CreditOutcome{Status: OutcomeDuplicate, TransactionID: dup.ExistingTxID}, nil
			}
			return e.priorOutcome(ctx, prior)
		}
		return nil, err
	}

	return &CreditOutcome{
		Status:        OutcomeCredited,
		TransactionID: res.Transaction.ID,
		UserID:        req.UserID,
		Hearts:        req.Hearts,
		NewBalance:    res.NewBalance,
	}, nil
}

// priorOutcome reports an already-processed reference idempotently.
func (e *Engine) priorOutcome(_ context.Context, prior *ledger.HeartTransaction) (*CreditOutcome, error) {
	status := OutcomeDuplicate
	if prior.Status == ledger.StatusPendingUserVerification {
		status = OutcomeQuarantine
	}
	return &CreditOutcome{
		Status:        status,
		TransactionID: prior.ID,
		UserID:        prior.UserID,
		Hearts:        prior.HeartAmount,
	}, nil
}

// quarantine records a verified payment whose payer is unknown. The
// hearts are NOT credited anywhere; the row waits for an operator.
func (e *Engine) quarantine(ctx context.Context, req CreditRequest) (*CreditOutcome, error) {
	res, err := e.Ledger.ApplyDelta(ctx, ledger.Delta{
		UserID:        ledger.UserUnattributed,
		Hearts:        req.Hearts,
		ExternalRef:   req.ExternalRef,
		Type:          req.Type,
		Status:        ledger.StatusPendingUserVerification,
		Reason:        string(req.Source),
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
		PaidAt:        req.PaidAt,
	})
	if err != nil {
		var dup *ledger.DuplicateReferenceError
		if errors.As(err, &dup) {
			return &CreditOutcome{Status: OutcomeDuplicate, TransactionID: dup.ExistingTxID}, nil
		}
		return nil, err
	}

	log.Printf("[payments] payment %s quarantined for user verification (%d hearts)",
		req.ExternalRef, req.Hearts)
	return &CreditOutcome{
		Status:        OutcomeQuarantine,
		TransactionID: res.Transaction.ID,
		Hearts:        req.Hearts,
	}, nil
}

// leavePending records the purchase as pending and reports that
// reconciliation is still in flight.
func (e *Engine) leavePending(ctx context.Context, externalRef string, userID ledger.UserID) (*CreditOutcome, error) {
	now := time.Now().UTC()
	err := e.Ledger.Store().RecordPending(ctx, ledger.HeartTransaction{
		UserID:      userID,
		ExternalRef: externalRef,
		Type:        ledger.TxPurchase,
		Reason:      string(SourcePoll),
		CreatedAt:   now,
	})
	if err != nil {
		return nil, err
	}
	return &CreditOutcome{Status: OutcomePending, UserID: userID}, nil
}
