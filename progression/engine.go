/*
engine.go - The progression state machine

ApplyEvent is the single write path for relationship scores:

  newScore     = clamp(oldScore + delta, 0, 1000)
  newStage     = StageForScore(newScore)
  stageChanged = newStage != oldStage

The relation row update and the RelationEvent append commit in one
atomic unit inside Store.UpdateRelation, which also serializes
concurrent events for the same relation (two simultaneous chat turns
must not race on oldScore).
*/
package progression

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/niceverygood/heart-engine/ledger"
)

// MaxChatDelta bounds a single AI-assessed chat-turn delta. Named
// events bypass this bound; their deltas are fixed configuration.
const MaxChatDelta = 100

// Engine applies scored events to relations.
type Engine struct {
	store  Store
	deltas EventDeltas
}

func NewEngine(store Store, deltas EventDeltas) *Engine {
	if deltas == nil {
		deltas = DefaultEventDeltas()
	}
	return &Engine{store: store, deltas: deltas}
}

// Result is the outcome of one applied event.
type Result struct {
	NewScore     int
	NewStage     int
	StageChanged bool
	Event        RelationEvent
}

// Relation returns the relation, creating it at score 0 on first
// interaction.
func (e *Engine) Relation(ctx context.Context, userID ledger.UserID, characterID ledger.CharacterID) (*Relation, error) {
	if userID == "" || characterID == "" {
		return nil, fmt.Errorf("user id and character id required")
	}
	return e.store.Relation(ctx, userID, characterID)
}

// ApplyEvent applies one scored event. Chat-turn deltas are clamped to
// [-MaxChatDelta, MaxChatDelta]; named events use their configured
// delta regardless of the caller-supplied one.
func (e *Engine) ApplyEvent(ctx context.Context, userID ledger.UserID, characterID ledger.CharacterID,
	delta int, eventType EventType, description string) (*Result, error) {

	if userID == "" || characterID == "" {
		return nil, fmt.Errorf("user id and character id required")
	}
	if eventType == "" {
		eventType = EventChat
	}

	if fixed, ok := e.deltas.Delta(eventType); ok {
		delta = fixed
	} else if delta > MaxChatDelta {
		delta = MaxChatDelta
	} else if delta < -MaxChatDelta {
		delta = -MaxChatDelta
	}

	var result Result
	_, err := e.store.UpdateRelation(ctx, userID, characterID, func(rel *Relation) (*RelationEvent, error) {
		oldStage := rel.Stage

		rel.Score = ClampScore(rel.Score + delta)
		rel.Stage = StageForScore(rel.Score)
		rel.UpdatedAt = time.Now().UTC()

		ev := RelationEvent{
			ID:          EventID(uuid.NewString()),
			UserID:      userID,
			CharacterID: characterID,
			EventType:   eventType,
			DeltaScore:  delta,
			Description: description,
			ScoreAfter:  rel.Score,
			StageAfter:  rel.Stage,
			CreatedAt:   rel.UpdatedAt,
		}

		result = Result{
			NewScore:     rel.Score,
			NewStage:     rel.Stage,
			StageChanged: rel.Stage != oldStage,
			Event:        ev,
		}
		return &ev, nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Events returns the relation's event log, newest first.
func (e *Engine) Events(ctx context.Context, userID ledger.UserID, characterID ledger.CharacterID) ([]RelationEvent, error) {
	return e.store.Events(ctx, userID, characterID)
}
