/*
Package payments reconciles external payment signals into heart
credits.

PURPOSE:
  Three independent, unreliable sources can report the same purchase:
  an asynchronous gateway webhook (at-least-once, possibly out of
  order), a synchronous gateway status poll, and a client-reported
  native in-app-purchase receipt. The engine turns each into exactly
  one ledger credit, keyed on the purchase's external reference.

KEY CONCEPTS IN THIS FILE (types.go):
  - WebhookEvent / PollResult / NativeReceipt: the three messy external
    shapes. The parsers here are the ONLY code that touches them.
  - CreditRequest: the canonical normalized form every source reduces
    to before reaching the engine.

SEE ALSO:
  - engine.go: the three credit paths
  - pricing.go: paid amount -> heart mapping
  - verify.go: webhook authenticity
*/
package payments

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/niceverygood/heart-engine/ledger"
)

// Source identifies which path delivered a credit.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
	SourceNative  Source = "native"
)

// GatewayStatus values the gateway reports for a payment.
const (
	GatewayPaid      = "paid"
	GatewayReady     = "ready"
	GatewayFailed    = "failed"
	GatewayCancelled = "cancelled"
)

// =============================================================================
// CREDIT REQUEST - Canonical normalized form
// =============================================================================

// CreditRequest is what every source-specific parser produces. UserID
// may be empty when the payer cannot be determined; the engine then
// quarantines the event instead of guessing.
type CreditRequest struct {
	ExternalRef   string
	UserID        ledger.UserID
	Hearts        int64
	Amount        decimal.NullDecimal
	Source        Source
	Type          ledger.TransactionType
	PaymentMethod string
	PaidAt        *time.Time
}

// =============================================================================
// WEBHOOK EVENT
// =============================================================================

// WebhookEvent is the gateway's asynchronous push payload. Amount is
// kept raw: an unparseable amount makes the whole event unverifiable,
// it is never replaced with a default.
type WebhookEvent struct {
	ExternalRef string          `json:"external_ref"`
	MerchantRef string          `json:"merchant_ref"`
	Status      string          `json:"status"`
	Amount      json.RawMessage `json:"amount"`
	UserID      string          `json:"user_id"`
	PayMethod   string          `json:"pay_method"`
	PaidAt      int64           `json:"paid_at"` // unix seconds, 0 = unknown
}

// ParseWebhook decodes a webhook body. Structural garbage is an
// UnverifiableEvent; authenticity is checked separately (verify.go).
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook body: %v", ledger.ErrUnverifiableEvent, err)
	}
	if ev.ExternalRef == "" && ev.MerchantRef == "" {
		return nil, fmt.Errorf("%w: webhook carries no reference", ledger.ErrUnverifiableEvent)
	}
	return &ev, nil
}

// Ref returns the idempotency key: the gateway charge id when present,
// otherwise the merchant order id.
func (ev *WebhookEvent) Ref() string {
	if ev.ExternalRef != "" {
		return ev.ExternalRef
	}
	return ev.MerchantRef
}

// ParsedAmount parses the raw amount field. A missing or unparseable
// amount is an UnverifiableEvent: crediting a default amount silently
// is exactly the failure this engine refuses to have.
func (ev *WebhookEvent) ParsedAmount() (decimal.Decimal, error) {
	if len(ev.Amount) == 0 || string(ev.Amount) == "null" {
		return decimal.Zero, fmt.Errorf("%w: webhook amount missing", ledger.ErrUnverifiableEvent)
	}
	var d decimal.Decimal
	if err := json.Unmarshal(ev.Amount, &d); err != nil {
		return decimal.Zero, fmt.Errorf("%w: webhook amount unparseable: %v", ledger.ErrUnverifiableEvent, err)
	}
	return d, nil
}

// CreditRequest normalizes a paid webhook into the canonical form.
func (ev *WebhookEvent) CreditRequest(pricing Pricing) (CreditRequest, error) {
	amount, err := ev.ParsedAmount()
	if err != nil {
		return CreditRequest{}, err
	}
	hearts := pricing.Hearts(amount)
	if hearts <= 0 {
		return CreditRequest{}, fmt.Errorf("%w: amount %s maps to no hearts",
			ledger.ErrUnverifiableEvent, amount)
	}

	req := CreditRequest{
		ExternalRef:   ev.Ref(),
		UserID:        ledger.UserID(ev.UserID),
		Hearts:        hearts,
		Amount:        decimal.NewNullDecimal(amount),
		Source:        SourceWebhook,
		Type:          ledger.TxPurchase,
		PaymentMethod: ev.PayMethod,
	}
	if ev.PaidAt > 0 {
		t := time.Unix(ev.PaidAt, 0).UTC()
		req.PaidAt = &t
	}
	return req, nil
}

// =============================================================================
// POLL RESULT
// =============================================================================

// PollResult is the gateway's synchronous getPayment response, already
// decoded by the gateway client.
type PollResult struct {
	ExternalRef string
	MerchantRef string
	Status      string
	Amount      decimal.Decimal
	PayMethod   string
	PaidAt      *time.Time
}

// CreditRequest normalizes a paid poll result for the given user.
func (p *PollResult) CreditRequest(pricing Pricing, userID ledger.UserID) (CreditRequest, error) {
	hearts := pricing.Hearts(p.Amount)
	if hearts <= 0 {
		return CreditRequest{}, fmt.Errorf("%w: amount %s maps to no hearts",
			ledger.ErrUnverifiableEvent, p.Amount)
	}
	return CreditRequest{
		ExternalRef:   p.ExternalRef,
		UserID:        userID,
		Hearts:        hearts,
		Amount:        decimal.NewNullDecimal(p.Amount),
		Source:        SourcePoll,
		Type:          ledger.TxPurchase,
		PaymentMethod: p.PayMethod,
		PaidAt:        p.PaidAt,
	}, nil
}

// =============================================================================
// NATIVE RECEIPT
// =============================================================================

// NativeReceipt is a client-reported in-app-purchase. Self-reported,
// so credited optimistically but keyed on the platform transaction id
// to prevent replay.
type NativeReceipt struct {
	Platform      string          `json:"platform"` // "ios" or "android"
	NativeTxID    string          `json:"native_tx_id"`
	ProductID     string          `json:"product_id"`
	Hearts        int64           `json:"hearts"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PurchasedAtMS int64           `json:"purchased_at_ms"`
}

// Validate checks structural completeness.
func (r *NativeReceipt) Validate() error {
	switch r.Platform {
	case "ios", "android":
	default:
		return fmt.Errorf("%w: unknown platform %q", ledger.ErrUnverifiableEvent, r.Platform)
	}
	if r.NativeTxID == "" {
		return fmt.Errorf("%w: native transaction id missing", ledger.ErrUnverifiableEvent)
	}
	if r.Hearts <= 0 {
		return fmt.Errorf("%w: receipt reports %d hearts", ledger.ErrUnverifiableEvent, r.Hearts)
	}
	return nil
}

// CreditRequest normalizes the receipt. Heart amount comes from the
// receipt's product, not the price table.
func (r *NativeReceipt) CreditRequest(userID ledger.UserID) (CreditRequest, error) {
	if err := r.Validate(); err != nil {
		return CreditRequest{}, err
	}
	req := CreditRequest{
		ExternalRef:   r.NativeTxID,
		UserID:        userID,
		Hearts:        r.Hearts,
		Source:        SourceNative,
		Type:          ledger.TxNativePurchase,
		PaymentMethod: "inapp_" + r.Platform,
	}
	if r.Amount.IsPositive() {
		req.Amount = decimal.NewNullDecimal(r.Amount)
	}
	if r.PurchasedAtMS > 0 {
		t := time.UnixMilli(r.PurchasedAtMS).UTC()
		req.PaidAt = &t
	}
	return req, nil
}
