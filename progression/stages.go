/*
stages.go - Relationship stage thresholds

Stage is a pure function of score. The thresholds are fixed, inclusive
ranges over 0-1000 with no gaps or overlaps:

  0 Acquaintance [0,149]
  1 Friend       [150,299]
  2 Close Friend [300,499]
  3 Crush        [500,699]
  4 Dating       [700,849]
  5 Engaged      [850,929]
  6 Married      [930,1000]
*/
package progression

const (
	MinScore = 0
	MaxScore = 1000

	MinStage = 0
	MaxStage = 6
)

// stageFloors[i] is the lowest score of stage i.
var stageFloors = [7]int{0, 150, 300, 500, 700, 850, 930}

var stageNames = [7]string{
	"Acquaintance",
	"Friend",
	"Close Friend",
	"Crush",
	"Dating",
	"Engaged",
	"Married",
}

// StageForScore maps a score to its stage. Scores outside [0,1000] are
// clamped first, so the function is total.
func StageForScore(score int) int {
	score = ClampScore(score)
	for stage := MaxStage; stage > 0; stage-- {
		if score >= stageFloors[stage] {
			return stage
		}
	}
	return 0
}

// StageName returns the display name for a stage.
func StageName(stage int) string {
	if stage < MinStage || stage > MaxStage {
		return "Unknown"
	}
	return stageNames[stage]
}

// ClampScore bounds a score to [0,1000].
func ClampScore(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
