/*
dto.go - Data Transfer Objects for API requests and responses

These types decouple the internal domain model from the external API
contract. Validation happens in handlers; DTOs are pure data carriers.

NAMING CONVENTION:
  - *DTO: response types returned to clients
  - *Request: request body types from clients
*/
package api

import (
	"time"

	"github.com/niceverygood/heart-engine/ledger"
	"github.com/niceverygood/heart-engine/payments"
	"github.com/niceverygood/heart-engine/progression"
)

// =============================================================================
// HEARTS
// =============================================================================

// BalanceDTO is the balance summary for a user.
type BalanceDTO struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// SpendRequest debits hearts for a gated action.
type SpendRequest struct {
	Hearts int64  `json:"hearts"`
	Reason string `json:"reason"`
}

// RefundRequest credits hearts back as compensation.
type RefundRequest struct {
	Hearts int64  `json:"hearts"`
	Reason string `json:"reason"`
}

// TransactionDTO is one heart ledger entry.
type TransactionDTO struct {
	ID            string `json:"id"`
	ExternalRef   string `json:"external_ref,omitempty"`
	Amount        string `json:"amount,omitempty"`
	HeartAmount   int64  `json:"heart_amount"`
	Status        string `json:"status"`
	Type          string `json:"type"`
	PaymentMethod string `json:"payment_method,omitempty"`
	Reason        string `json:"reason,omitempty"`
	PaidAt        string `json:"paid_at,omitempty"`
	CompletedAt   string `json:"completed_at,omitempty"`
	RefundedAt    string `json:"refunded_at,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func toTransactionDTO(tx ledger.HeartTransaction) TransactionDTO {
	dto := TransactionDTO{
		ID:            string(tx.ID),
		ExternalRef:   tx.ExternalRef,
		HeartAmount:   tx.HeartAmount,
		Status:        string(tx.Status),
		Type:          string(tx.Type),
		PaymentMethod: tx.PaymentMethod,
		Reason:        tx.Reason,
		CreatedAt:     tx.CreatedAt.Format(time.RFC3339),
	}
	if tx.Amount.Valid {
		dto.Amount = tx.Amount.Decimal.String()
	}
	if tx.PaidAt != nil {
		dto.PaidAt = tx.PaidAt.Format(time.RFC3339)
	}
	if tx.CompletedAt != nil {
		dto.CompletedAt = tx.CompletedAt.Format(time.RFC3339)
	}
	if tx.RefundedAt != nil {
		dto.RefundedAt = tx.RefundedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// PAYMENTS
// =============================================================================

// CreditOutcomeDTO reports what a credit path concluded.
type CreditOutcomeDTO struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
	Hearts        int64  `json:"hearts,omitempty"`
	NewBalance    *int64 `json:"new_balance,omitempty"`
}

func toCreditOutcomeDTO(o *payments.CreditOutcome) CreditOutcomeDTO {
	dto := CreditOutcomeDTO{
		Status:        string(o.Status),
		TransactionID: string(o.TransactionID),
		Hearts:        o.Hearts,
	}
	if o.Status == payments.OutcomeCredited {
		b := o.NewBalance
		dto.NewBalance = &b
	}
	return dto
}

// RefundPurchaseRequest voids a completed purchase.
type RefundPurchaseRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// RELATIONS
// =============================================================================

// RelationDTO is the progression state for a (user, character) pair.
type RelationDTO struct {
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`
	Score       int    `json:"score"`
	Stage       int    `json:"stage"`
	StageName   string `json:"stage_name"`
	UpdatedAt   string `json:"updated_at"`
}

func toRelationDTO(rel *progression.Relation) RelationDTO {
	return RelationDTO{
		UserID:      string(rel.UserID),
		CharacterID: string(rel.CharacterID),
		Score:       rel.Score,
		Stage:       rel.Stage,
		StageName:   progression.StageName(rel.Stage),
		UpdatedAt:   rel.UpdatedAt.Format(time.RFC3339),
	}
}

// ApplyEventRequest applies one scored event to a relation.
type ApplyEventRequest struct {
	DeltaScore  int    `json:"delta_score"`
	EventType   string `json:"event_type"`
	Description string `json:"description"`
}

// ApplyEventDTO is the outcome of an applied event.
type ApplyEventDTO struct {
	NewScore     int    `json:"new_score"`
	NewStage     int    `json:"new_stage"`
	StageName    string `json:"stage_name"`
	StageChanged bool   `json:"stage_changed"`
	EventID      string `json:"event_id"`
}

// RelationEventDTO is one relationship log entry.
type RelationEventDTO struct {
	ID          string `json:"id"`
	EventType   string `json:"event_type"`
	DeltaScore  int    `json:"delta_score"`
	Description string `json:"description,omitempty"`
	ScoreAfter  int    `json:"score_after"`
	StageAfter  int    `json:"stage_after"`
	CreatedAt   string `json:"created_at"`
}

func toRelationEventDTO(ev progression.RelationEvent) RelationEventDTO {
	return RelationEventDTO{
		ID:          string(ev.ID),
		EventType:   string(ev.EventType),
		DeltaScore:  ev.DeltaScore,
		Description: ev.Description,
		ScoreAfter:  ev.ScoreAfter,
		StageAfter:  ev.StageAfter,
		CreatedAt:   ev.CreatedAt.Format(time.RFC3339),
	}
}
