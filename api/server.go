/*
server.go - HTTP router and middleware configuration

ROUTER: chi
  - Logger:     request logging
  - Recoverer:  panic recovery (500 instead of crash)
  - RequestID:  unique id per request for tracing
  - CORS:       cross-origin requests for the app frontend

ROUTE GROUPS:
  /api/hearts/*     balance, spend, refund, history
  /api/payments/*   webhook, poll verification, native receipts
  /api/relations/*  progression state and event log

The webhook route carries no identity header; the payload itself is
authenticated with the shared-secret signature.

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", userHeader},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Heart routes
		r.Route("/hearts", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Post("/spend", h.Spend)
			r.Post("/refund", h.Refund)
			r.Get("/transactions", h.GetTransactions)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Post("/webhook", h.Webhook)
			r.Post("/native", h.NativeReceipt)
			r.Post("/{ref}/verify", h.VerifyPayment)
			r.Post("/{ref}/refund", h.RefundPurchase)
		})

		// Relation routes
		r.Route("/relations", func(r chi.Router) {
			r.Get("/{characterId}", h.GetRelation)
			r.Post("/{characterId}/events", h.ApplyEvent)
			r.Get("/{characterId}/events", h.GetRelationEvents)
		})
	})

	return r
}
