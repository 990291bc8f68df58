package progression_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niceverygood/heart-engine/ledger"
	"github.com/niceverygood/heart-engine/progression"
	"github.com/niceverygood/heart-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(t *testing.T) *progression.Engine {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return progression.NewEngine(store, progression.DefaultEventDeltas())
}

// =============================================================================
// APPLY EVENT TESTS
// =============================================================================

func TestApplyEvent_FirstInteractionStartsAtZero(t *testing.T) {
	// GIVEN: A user who has never interacted with the character
	// WHEN: Reading the relation
	// THEN: It exists at score 0, stage 0

	engine := newTestEngine(t)
	ctx := context.Background()

	rel, err := engine.Relation(ctx, "user-1", "char-1")
	require.NoError(t, err)
	assert.Equal(t, 0, rel.Score)
	assert.Equal(t, 0, rel.Stage)
}

func TestApplyEvent_ChatDeltaClamped(t *testing.T) {
	// GIVEN: A fresh relation
	// WHEN: A chat turn reports an absurd delta of 500
	// THEN: The applied delta is bounded to 100

	engine := newTestEngine(t)
	ctx := context.Background()

	res, err := engine.ApplyEvent(ctx, "user-1", "char-1", 500, progression.EventChat, "great talk")
	require.NoError(t, err)
	assert.Equal(t, 100, res.NewScore)
	assert.Equal(t, 100, res.Event.DeltaScore)

	res, err = engine.ApplyEvent(ctx, "user-1", "char-1", -500, progression.EventChat, "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewScore, "negative delta clamps at the score floor")
	assert.Equal(t, -100, res.Event.DeltaScore)
}

func TestApplyEvent_ScoreNeverLeavesRange(t *testing.T) {
	// GIVEN: A relation at score 0
	// WHEN: A betrayal (-150) lands
	// THEN: Score stays at 0, and the event logs what actually happened

	engine := newTestEngine(t)
	ctx := context.Background()

	res, err := engine.ApplyEvent(ctx, "user-1", "char-1", 0, progression.EventBetrayal, "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewScore)
	assert.Equal(t, 0, res.Event.ScoreAfter)
}

func TestApplyEvent_NamedEventOverridesCallerDelta(t *testing.T) {
	// GIVEN: A gift event with a caller-supplied delta of 999
	// WHEN: Applying it
	// THEN: The configured gift delta (30) is used, not the caller's

	engine := newTestEngine(t)
	ctx := context.Background()

	res, err := engine.ApplyEvent(ctx, "user-1", "char-1", 999, progression.EventGift, "flowers")
	require.NoError(t, err)
	assert.Equal(t, 30, res.NewScore)
	assert.Equal(t, 30, res.Event.DeltaScore)
}

func TestApplyEvent_StageTransitionReportedOnce(t *testing.T) {
	// GIVEN: A relation climbing toward the Friend floor (150)
	// WHEN: Crossing it
	// THEN: StageChanged fires on the crossing event only

	engine := newTestEngine(t)
	ctx := context.Background()

	res, err := engine.ApplyEvent(ctx, "user-1", "char-1", 100, progression.EventChat, "")
	require.NoError(t, err)
	assert.Equal(t, 100, res.NewScore)
	assert.False(t, res.StageChanged)

	res, err = engine.ApplyEvent(ctx, "user-1", "char-1", 0, progression.EventDate, "")
	require.NoError(t, err)
	assert.Equal(t, 150, res.NewScore)
	assert.Equal(t, 1, res.NewStage)
	assert.True(t, res.StageChanged, "crossing the floor changes the stage")

	res, err = engine.ApplyEvent(ctx, "user-1", "char-1", 10, progression.EventChat, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewStage)
	assert.False(t, res.StageChanged, "staying inside the stage does not re-fire")
}

func TestApplyEvent_StageAlwaysDerivedFromScore(t *testing.T) {
	// After any sequence of events, stage == StageForScore(score).
	engine := newTestEngine(t)
	ctx := context.Background()

	events := []progression.EventType{
		progression.EventGift, progression.EventDate, progression.EventConfession,
		progression.EventConflict, progression.EventProposal, progression.EventBetrayal,
	}
	for _, et := range events {
		res, err := engine.ApplyEvent(ctx, "user-1", "char-1", 0, et, "")
		require.NoError(t, err)
		assert.Equal(t, progression.StageForScore(res.NewScore), res.NewStage,
			"after %s", et)
	}

	rel, err := engine.Relation(ctx, "user-1", "char-1")
	require.NoError(t, err)
	assert.Equal(t, progression.StageForScore(rel.Score), rel.Stage)
}

func TestApplyEvent_RelationsAreIndependent(t *testing.T) {
	// GIVEN: The same user with two characters
	// WHEN: One relation advances
	// THEN: The other stays untouched

	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.ApplyEvent(ctx, "user-1", "char-a", 0, progression.EventConfession, "")
	require.NoError(t, err)

	relB, err := engine.Relation(ctx, "user-1", "char-b")
	require.NoError(t, err)
	assert.Equal(t, 0, relB.Score)
}

func TestApplyEvent_EventLogMatchesUpdates(t *testing.T) {
	// GIVEN: Three applied events
	// WHEN: Reading the log
	// THEN: One entry per event, each with the post-update score and stage

	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.ApplyEvent(ctx, "user-1", "char-1", 40, progression.EventChat, "hello")
	require.NoError(t, err)
	_, err = engine.ApplyEvent(ctx, "user-1", "char-1", 0, progression.EventGift, "chocolate")
	require.NoError(t, err)
	_, err = engine.ApplyEvent(ctx, "user-1", "char-1", 0, progression.EventDate, "picnic")
	require.NoError(t, err)

	events, err := engine.Events(ctx, "user-1", "char-1")
	require.NoError(t, err)
	require.Len(t, events, 3)

	for _, ev := range events {
		assert.Equal(t, progression.StageForScore(ev.ScoreAfter), ev.StageAfter)
		assert.NotEmpty(t, ev.ID)
	}
}

func TestApplyEvent_ConcurrentEventsAllLand(t *testing.T) {
	// GIVEN: 20 concurrent chat turns of +10 on one relation
	// WHEN: They all complete
	// THEN: The final score is exactly 200 - no delta was lost to a race

	engine := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.ApplyEvent(ctx, "user-1", "char-1", 10, progression.EventChat, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rel, err := engine.Relation(ctx, "user-1", "char-1")
	require.NoError(t, err)
	assert.Equal(t, 200, rel.Score)

	events, err := engine.Events(ctx, "user-1", "char-1")
	require.NoError(t, err)
	assert.Len(t, events, 20)
}

func TestApplyEvent_RequiresIdentity(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.ApplyEvent(ctx, "", "char-1", 10, progression.EventChat, "")
	assert.Error(t, err)
	_, err = engine.ApplyEvent(ctx, "user-1", "", 10, progression.EventChat, "")
	assert.Error(t, err)
}

func TestApplyEvent_ManyUsersOneCharacter(t *testing.T) {
	// Scores are per (user, character) pair, never shared per character.
	engine := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		user := ledger.UserID(fmt.Sprintf("user-%d", i))
		_, err := engine.ApplyEvent(ctx, user, "char-1", (i+1)*10, progression.EventChat, "")
		require.NoError(t, err)
	}

	for i := 0; i < 5; i++ {
		user := ledger.UserID(fmt.Sprintf("user-%d", i))
		rel, err := engine.Relation(ctx, user, "char-1")
		require.NoError(t, err)
		assert.Equal(t, (i+1)*10, rel.Score)
	}
}
