/*
Package progression maintains the per-(user, character) relationship
score and its seven ordered stages.

PURPOSE:
  Every chat turn applies a small AI-assessed delta; special events
  (gift, date, confession, ...) apply fixed deltas. The engine clamps
  the score to [0,1000], derives the stage from fixed thresholds,
  reports stage transitions exactly once, and appends one immutable
  RelationEvent per applied event.

CRITICAL INVARIANTS:
  1. stage == StageForScore(score), always.
  2. The relation update and the event append commit atomically.
  3. Concurrent events for the same relation serialize; a delta is
     never lost to a read-modify-write race.

SEE ALSO:
  - stages.go: thresholds and the score->stage function
  - engine.go: ApplyEvent
  - events.go: named event deltas
*/
package progression

import (
	"context"
	"time"

	"github.com/niceverygood/heart-engine/ledger"
)

// =============================================================================
// RELATION - One per (user, character)
// =============================================================================

type Relation struct {
	UserID      ledger.UserID
	CharacterID ledger.CharacterID
	Score       int
	Stage       int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// =============================================================================
// RELATION EVENT - Append-only log entry
// =============================================================================

type EventType string

const (
	EventChat       EventType = "chat"
	EventGift       EventType = "gift"
	EventDate       EventType = "date"
	EventConfession EventType = "confession"
	EventProposal   EventType = "proposal"
	EventConflict   EventType = "conflict"
	EventBetrayal   EventType = "betrayal"
	EventDecay      EventType = "decay"
	EventAdjustment EventType = "adjustment"
)

type EventID string

type RelationEvent struct {
	ID          EventID
	UserID      ledger.UserID
	CharacterID ledger.CharacterID
	EventType   EventType
	DeltaScore  int
	Description string
	ScoreAfter  int
	StageAfter  int
	CreatedAt   time.Time
}

// =============================================================================
// STORE - Persistence contract
// =============================================================================

// Store persists relations and their event log.
//
// UpdateRelation is the serialization point: implementations lock the
// relation key, load (or lazily create) the relation, call fn, then
// persist the mutated relation and append the returned event in one
// atomic unit. fn must be pure apart from mutating rel.
type Store interface {
	Relation(ctx context.Context, userID ledger.UserID, characterID ledger.CharacterID) (*Relation, error)

	UpdateRelation(ctx context.Context, userID ledger.UserID, characterID ledger.CharacterID,
		fn func(rel *Relation) (*RelationEvent, error)) (*Relation, error)

	// Events returns the relation's event log, newest first.
	Events(ctx context.Context, userID ledger.UserID, characterID ledger.CharacterID) ([]RelationEvent, error)
}
