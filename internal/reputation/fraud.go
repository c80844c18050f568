package reputation

import (
	"time"

	"github.com/parlakisik/x402-trust/internal/model"
)

// Fraud heuristics are advisory. Each triggered heuristic adds to the risk
// score; time manipulation and a long perfect streak are treated as
// high-severity and flag on their own.
const (
	fraudFlagScoreSpike       = "score_spike"
	fraudFlagPerfectStreak    = "perfect_streak"
	fraudFlagCategorySwitching = "rapid_category_switching"
	fraudFlagDisputeRatio     = "high_dispute_ratio"
	fraudFlagTimeManipulation = "time_manipulation"
)

func (e *Engine) detectFraud(rec *model.ReputationRecord, out model.JobOutcome, now time.Time) (int, []string, bool) {
	score := 0
	var flags []string
	anyHigh := false

	// Sudden large upward jump between consecutive snapshots.
	if n := len(rec.PerformanceHistory); n >= 2 {
		prev := rec.PerformanceHistory[n-2].Score
		cur := rec.PerformanceHistory[n-1].Score
		if cur-prev > e.params.SpikeJumpBp {
			score += 25
			flags = append(flags, fraudFlagScoreSpike)
		}
	}

	// Run of perfect scores across many consecutive snapshots.
	if n := len(rec.PerformanceHistory); n >= e.params.PerfectStreakLen {
		streak := true
		for _, snap := range rec.PerformanceHistory[n-e.params.PerfectStreakLen:] {
			if snap.Score < maxScore {
				streak = false
				break
			}
		}
		if streak {
			score += 30
			flags = append(flags, fraudFlagPerfectStreak)
			anyHigh = true
		}
	}

	// Implausibly rapid activity across many categories.
	recent := 0
	for _, cat := range rec.Categories {
		if !cat.LastActivity.IsZero() && now.Sub(cat.LastActivity) <= e.params.RapidCategoryWindow {
			recent++
		}
	}
	if recent >= e.params.RapidCategoryCount {
		score += 20
		flags = append(flags, fraudFlagCategorySwitching)
	}

	// Disputes-against to jobs-completed ratio.
	if rec.JobsCompleted >= e.params.DisputeRatioMinJobs &&
		rec.DisputesAgainst*100 > rec.JobsCompleted*e.params.DisputeRatioPctMax {
		score += 25
		flags = append(flags, fraudFlagDisputeRatio)
	}

	// Job finished implausibly fast relative to its expected duration.
	if out.ExpectedDurationSec > 0 && out.ActualDurationSec > 0 &&
		out.ActualDurationSec*e.params.TimeManipulationDivisor < out.ExpectedDurationSec {
		score += 35
		flags = append(flags, fraudFlagTimeManipulation)
		anyHigh = true
	}

	return score, flags, anyHigh
}
