/*
sweeper.go - Background reconciliation of pending purchases

A purchase can sit pending when the poll path timed out and the webhook
never arrived (or arrived while we were down). The sweeper periodically
re-polls the gateway for every pending purchase and completes the ones
it now reports paid. Completion goes through the same idempotent credit
path as everything else, so a webhook racing the sweep is harmless.
*/
package payments

import (
	"context"
	"log"
	"time"

	"github.com/niceverygood/heart-engine/ledger"
)

// Sweeper re-polls pending purchases on an interval.
type Sweeper struct {
	Engine   *Engine
	Interval time.Duration
}

func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{Engine: engine, Interval: interval}
}

// Run sweeps until the context is cancelled. The first sweep happens
// immediately.
func (s *Sweeper) Run(ctx context.Context) {
	log.Printf("[sweeper] started, interval %v", s.Interval)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ticker.C:
			s.SweepOnce(ctx)
		case <-ctx.Done():
			log.Println("[sweeper] stopped")
			return
		}
	}
}

// SweepOnce processes the current pending set. Returns how many
// purchases were completed.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	pending, err := s.Engine.Ledger.Store().PendingPurchases(ctx)
	if err != nil {
		log.Printf("[sweeper] failed to list pending purchases: %v", err)
		return 0
	}

	completed := 0
	for _, tx := range pending {
		if tx.ExternalRef == "" || tx.UserID == "" || tx.UserID == ledger.UserUnattributed {
			continue
		}

		outcome, err := s.Engine.CreditFromPoll(ctx, tx.ExternalRef, tx.UserID)
		if err != nil {
			log.Printf("[sweeper] %s: %v", tx.ExternalRef, err)
			continue
		}
		if outcome.Status == OutcomeCredited {
			log.Printf("[sweeper] completed %s: +%d hearts for %s",
				tx.ExternalRef, outcome.Hearts, outcome.UserID)
			completed++
		}
	}
	return completed
}
