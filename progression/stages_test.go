package progression_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/niceverygood/heart-engine/progression"
)

// =============================================================================
// STAGE THRESHOLD TESTS
// =============================================================================

func TestStageForScore_Boundaries(t *testing.T) {
	// GIVEN: The fixed stage thresholds
	// WHEN: Scoring exactly at and around each floor
	// THEN: Stages are inclusive ranges with no gaps or overlaps

	cases := []struct {
		score int
		stage int
	}{
		{0, 0},
		{149, 0},
		{150, 1},
		{299, 1},
		{300, 2},
		{499, 2},
		{500, 3},
		{699, 3},
		{700, 4},
		{849, 4},
		{850, 5},
		{929, 5},
		{930, 6},
		{1000, 6},
	}
	for _, c := range cases {
		assert.Equal(t, c.stage, progression.StageForScore(c.score),
			"score %d should map to stage %d", c.score, c.stage)
	}
}

func TestStageForScore_Total(t *testing.T) {
	// GIVEN: Scores outside [0,1000]
	// WHEN: Mapping them to stages
	// THEN: They clamp instead of failing

	assert.Equal(t, 0, progression.StageForScore(-50))
	assert.Equal(t, 6, progression.StageForScore(5000))
}

func TestStageForScore_MonotoneOverFullRange(t *testing.T) {
	// Stage never decreases as score increases.
	prev := 0
	for score := 0; score <= 1000; score++ {
		stage := progression.StageForScore(score)
		assert.GreaterOrEqual(t, stage, prev, "stage regressed at score %d", score)
		assert.LessOrEqual(t, stage, progression.MaxStage)
		prev = stage
	}
	assert.Equal(t, progression.MaxStage, prev)
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 0, progression.ClampScore(-1))
	assert.Equal(t, 0, progression.ClampScore(0))
	assert.Equal(t, 500, progression.ClampScore(500))
	assert.Equal(t, 1000, progression.ClampScore(1000))
	assert.Equal(t, 1000, progression.ClampScore(1001))
}

func TestStageName(t *testing.T) {
	assert.Equal(t, "Acquaintance", progression.StageName(0))
	assert.Equal(t, "Married", progression.StageName(6))
	assert.Equal(t, "Unknown", progression.StageName(7))
	assert.Equal(t, "Unknown", progression.StageName(-1))
}
