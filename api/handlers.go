/*
handlers.go - HTTP handlers for the heart economy and progression API

PURPOSE:
  Exposes the ledger, reconciliation engine, wallet, and progression
  engine over REST. Handles HTTP request/response and JSON
  serialization; all domain rules live in the domain packages.

IDENTITY:
  The identity subsystem (out of scope here) authenticates requests
  and supplies the user id in the X-User-Id header. Handlers trust the
  supplied id and never authenticate themselves.

ERROR HANDLING:
  - 400: malformed input
  - 401: missing identity header
  - 402: insufficient balance (business rule, never a 5xx)
  - 404: unknown transaction/resource
  - 422: unverifiable payment event
  - 502: gateway unavailable
  - 500: everything else
  The webhook endpoint is the exception: it acknowledges with 200 even
  when processing fails, so the gateway never retry-storms us; the
  failure is logged for operator follow-up.

SEE ALSO:
  - dto.go: request/response shapes
  - server.go: router and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/niceverygood/heart-engine/ledger"
	"github.com/niceverygood/heart-engine/payments"
	"github.com/niceverygood/heart-engine/progression"
	"github.com/niceverygood/heart-engine/wallet"
)

// userHeader carries the authenticated user id, set by the identity
// layer in front of this service.
const userHeader = "X-User-Id"

// maxWebhookBody bounds how much of a webhook push we read.
const maxWebhookBody = 1 << 20

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger      *ledger.Ledger
	Wallet      *wallet.Wallet
	Payments    *payments.Engine
	Progression *progression.Engine
}

// NewHandler creates a handler from the assembled domain components.
func NewHandler(led *ledger.Ledger, w *wallet.Wallet, pay *payments.Engine, prog *progression.Engine) *Handler {
	return &Handler{Ledger: led, Wallet: w, Payments: pay, Progression: prog}
}

func (h *Handler) userID(r *http.Request) ledger.UserID {
	return ledger.UserID(r.Header.Get(userHeader))
}

// =============================================================================
// HEART HANDLERS
// =============================================================================

// GetBalance returns the caller's heart balance.
// GET /api/hearts/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Missing "+userHeader+" header", nil)
		return
	}

	balance, err := h.Ledger.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{UserID: string(userID), Balance: balance})
}

// Spend debits hearts before a gated action.
// POST /api/hearts/spend
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Missing "+userHeader+" header", nil)
		return
	}

	var req SpendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Hearts <= 0 {
		req.Hearts = wallet.MessageCost
	}

	balance, err := h.Wallet.Spend(r.Context(), userID, req.Hearts, req.Reason)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			writeError(w, http.StatusPaymentRequired, "Insufficient heart balance", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to spend hearts", err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{UserID: string(userID), Balance: balance})
}

// Refund credits hearts back as compensation for a failed side effect.
// POST /api/hearts/refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Missing "+userHeader+" header", nil)
		return
	}

	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Hearts <= 0 {
		writeError(w, http.StatusBadRequest, "Refund amount must be positive", nil)
		return
	}

	balance, err := h.Wallet.Refund(r.Context(), userID, req.Hearts, req.Reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to refund hearts", err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{UserID: string(userID), Balance: balance})
}

// GetTransactions returns the caller's heart transaction history.
// GET /api/hearts/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Missing "+userHeader+" header", nil)
		return
	}

	txs, err := h.Ledger.History(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// Webhook receives the gateway's asynchronous push.
// POST /api/payments/webhook
//
// Always acknowledges with 200: a 5xx would make the gateway retry
// indefinitely. Failures are logged and the outcome (when any) is
// still returned in the body for debugging.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		log.Printf("[api] webhook body read failed: %v", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "error"})
		return
	}

	outcome, err := h.Payments.CreditFromWebhook(r.Context(), body, r.Header.Get(payments.SignatureHeader))
	if err != nil {
		log.Printf("[api] webhook processing failed: %v", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "error"})
		return
	}

	writeJSON(w, http.StatusOK, toCreditOutcomeDTO(outcome))
}

// VerifyPayment is the poll path: the client asks us to confirm a
// purchase the webhook has not completed yet.
// POST /api/payments/{ref}/verify
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Missing "+userHeader+" header", nil)
		return
	}
	ref := chi.URLParam(r, "ref")

	outcome, err := h.Payments.CreditFromPoll(r.Context(), ref, userID)
	if err != nil {
		writePaymentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditOutcomeDTO(outcome))
}

// NativeReceipt credits a client-reported in-app purchase.
// POST /api/payments/native
func (h *Handler) NativeReceipt(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Missing "+userHeader+" header", nil)
		return
	}

	var receipt payments.NativeReceipt
	if err := json.NewDecoder(r.Body).Decode(&receipt); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid receipt body", err)
		return
	}

	outcome, err := h.Payments.CreditFromNativeReceipt(r.Context(), userID, receipt)
	if err != nil {
		writePaymentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditOutcomeDTO(outcome))
}

// RefundPurchase voids a completed purchase.
// POST /api/payments/{ref}/refund
func (h *Handler) RefundPurchase(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	var req RefundPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Payments.RefundPurchase(r.Context(), ref, req.Reason)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			writeError(w, http.StatusNotFound, "No completed purchase for reference", err)
			return
		}
		writePaymentError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTransactionDTO(res.Transaction))
}

// =============================================================================
// RELATION HANDLERS
// =============================================================================

// GetRelation returns the caller's relation with a character.
// GET /api/relations/{characterId}
func (h *Handler) GetRelation(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Missing "+userHeader+" header", nil)
		return
	}
	characterID := ledger.CharacterID(chi.URLParam(r, "characterId"))

	rel, err := h.Progression.Relation(r.Context(), userID, characterID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get relation", err)
		return
	}
	writeJSON(w, http.StatusOK, toRelationDTO(rel))
}

// ApplyEvent applies one scored event to the caller's relation.
// POST /api/relations/{characterId}/events
func (h *Handler) ApplyEvent(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Missing "+userHeader+" header", nil)
		return
	}
	characterID := ledger.CharacterID(chi.URLParam(r, "characterId"))

	var req ApplyEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Progression.ApplyEvent(r.Context(), userID, characterID,
		req.DeltaScore, progression.EventType(req.EventType), req.Description)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to apply event", err)
		return
	}

	writeJSON(w, http.StatusOK, ApplyEventDTO{
		NewScore:     result.NewScore,
		NewStage:     result.NewStage,
		StageName:    progression.StageName(result.NewStage),
		StageChanged: result.StageChanged,
		EventID:      string(result.Event.ID),
	})
}

// GetRelationEvents returns the relation's event history.
// GET /api/relations/{characterId}/events
func (h *Handler) GetRelationEvents(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Missing "+userHeader+" header", nil)
		return
	}
	characterID := ledger.CharacterID(chi.URLParam(r, "characterId"))

	events, err := h.Progression.Events(r.Context(), userID, characterID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get relation events", err)
		return
	}

	dtos := make([]RelationEventDTO, len(events))
	for i, ev := range events {
		dtos[i] = toRelationEventDTO(ev)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	body := map[string]any{"error": message}
	if err != nil {
		body["detail"] = err.Error()
	}
	writeJSON(w, status, body)
}

// writePaymentError maps payment-path errors to statuses.
func writePaymentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrUnverifiableEvent):
		writeError(w, http.StatusUnprocessableEntity, "Unverifiable payment event", err)
	case errors.Is(err, ledger.ErrUnattributableUser):
		writeError(w, http.StatusUnprocessableEntity, "Payment not attributable to a user", err)
	case errors.Is(err, ledger.ErrUpstreamUnavailable):
		writeError(w, http.StatusBadGateway, "Payment gateway unavailable", err)
	default:
		writeError(w, http.StatusInternalServerError, "Payment processing failed", err)
	}
}
