/*
errors.go - Centralized error taxonomy for the heart economy

ERROR CATEGORIES:
  1. Business-rule violations (InsufficientBalance) - propagate to the
     caller for user-facing handling, never a 5xx.
  2. Idempotent duplicates (DuplicateReference) - not an error from the
     caller's perspective; components resolve them by returning the
     prior outcome.
  3. Authenticity/attribution failures (UnverifiableEvent,
     UnattributableUser) - logged and quarantined, never auto-resolved
     by guessing.
  4. Upstream failures (UpstreamUnavailable) - retried with bounded
     backoff; if retries exhaust, purchases stay pending for the
     webhook to complete later.

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) {
      // abort the gated action, do not send the message
  }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a debit exceeds the
	// available balance. The caller must not perform the gated action.
	ErrInsufficientBalance = errors.New("insufficient heart balance")

	// ErrDuplicateReference is returned when a completed transaction
	// already references the same ExternalRef. Callers should treat it
	// as "already processed" and return the prior outcome.
	ErrDuplicateReference = errors.New("duplicate external reference")

	// ErrUnverifiableEvent is returned when a webhook or receipt fails
	// its authenticity or completeness check. Never credited.
	ErrUnverifiableEvent = errors.New("unverifiable payment event")

	// ErrUnattributableUser is returned when a payment event cannot be
	// mapped to an account. The event is stored for manual review.
	ErrUnattributableUser = errors.New("payment not attributable to a user")

	// ErrUpstreamUnavailable is returned when the payment gateway
	// cannot be reached or keeps failing within the retry budget.
	ErrUpstreamUnavailable = errors.New("payment gateway unavailable")

	// ErrTransactionNotFound is returned when a referenced transaction
	// does not exist.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports how short the balance was.
type InsufficientBalanceError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %d, requested %d",
		e.UserID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// DuplicateReferenceError identifies the transaction that already owns
// the reference, so callers can return the prior outcome idempotently.
type DuplicateReferenceError struct {
	ExternalRef  string
	ExistingTxID TransactionID
}

func (e *DuplicateReferenceError) Error() string {
	return fmt.Sprintf("external reference %q already processed (tx: %s)",
		e.ExternalRef, e.ExistingTxID)
}

func (e *DuplicateReferenceError) Unwrap() error { return ErrDuplicateReference }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is a business-rule violation
// the caller can handle, as opposed to an infrastructure failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDuplicateReference) ||
		errors.Is(err, ErrUnverifiableEvent) ||
		errors.Is(err, ErrUnattributableUser)
}

// IsRetryable returns true if the operation might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}
