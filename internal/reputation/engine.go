package reputation

import (
	"errors"
	"time"

	"github.com/parlakisik/x402-trust/internal/model"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidFactors  = errors.New("invalid_factors: factor weights must sum to 100")
	ErrCategoryLimit   = errors.New("category_limit_exceeded")
	ErrSlashExceedsCap = errors.New("slash exceeds maximum reduction")
	ErrSlashFloor      = errors.New("score below minimum slashable floor")
	ErrInvalidStars    = errors.New("star rating must be between 1 and 5")
)

const maxScore = 10000

// Params holds every tunable the engine uses. The fraud thresholds are
// implementation-chosen constants kept overridable rather than hardcoded.
type Params struct {
	// EMA smoothing weight for a new sample, in basis points of the blend.
	AlphaBp int

	// Decay applied to a stale score before blending.
	GracePeriod      time.Duration
	DecayBpPerDay    int
	MinDecayFactorBp int

	// Dispute sub-score values. No dispute scores 10000.
	DisputeFavorableBp   int
	DisputeUnfavorableBp int

	MaxCategories  int
	MaxHistory     int
	FastResponseSec int64

	// Badge thresholds.
	PerfectRatingMinScore  int
	CategoryExpertMinScore int
	CategoryExpertMinJobs  int
	CrossCategoryMinCount  int
	CrossCategoryMinJobs   int
	DisputeResolverMin     int

	// Slashing bounds.
	MaxSlashBp      int
	MinSlashableScore int

	// Fraud heuristics.
	FraudThreshold          int
	SpikeJumpBp             int
	PerfectStreakLen        int
	RapidCategoryCount      int
	RapidCategoryWindow     time.Duration
	DisputeRatioPctMax      int
	DisputeRatioMinJobs     int
	TimeManipulationDivisor int64
}

func DefaultParams() Params {
	return Params{
		AlphaBp:                 1000,
		GracePeriod:             7 * 24 * time.Hour,
		DecayBpPerDay:           10,
		MinDecayFactorBp:        5000,
		DisputeFavorableBp:      8000,
		DisputeUnfavorableBp:    2000,
		MaxCategories:           20,
		MaxHistory:              100,
		FastResponseSec:         300,
		PerfectRatingMinScore:   9400,
		CategoryExpertMinScore:  9000,
		CategoryExpertMinJobs:   50,
		CrossCategoryMinCount:   5,
		CrossCategoryMinJobs:    10,
		DisputeResolverMin:      5,
		MaxSlashBp:              5000,
		MinSlashableScore:       1000,
		FraudThreshold:          50,
		SpikeJumpBp:             3000,
		PerfectStreakLen:        8,
		RapidCategoryCount:      5,
		RapidCategoryWindow:     time.Hour,
		DisputeRatioPctMax:      30,
		DisputeRatioMinJobs:     5,
		TimeManipulationDivisor: 10,
	}
}

// Engine computes reputation updates. Pure and in-memory; persistence is the
// caller's concern.
type Engine struct {
	params Params
	now    func() time.Time
}

func New(params Params) *Engine {
	return &Engine{params: params, now: func() time.Time { return time.Now().UTC() }}
}

// NewWithClock injects a clock for deterministic tests.
func NewWithClock(params Params, now func() time.Time) *Engine {
	return &Engine{params: params, now: now}
}

// Result carries the updated record plus everything advisory: badges earned
// by this update and the fraud signal. A fraud signal never blocks the
// update; acting on it is caller policy.
type Result struct {
	Record         *model.ReputationRecord `json:"record"`
	NewBadges      []model.BadgeType       `json:"new_badges,omitempty"`
	JobScore       int                     `json:"job_score"`
	PreviousScore  int                     `json:"previous_score"`
	FraudDetected  bool                    `json:"fraud_detected"`
	FraudRiskScore int                     `json:"fraud_risk_score"`
	FraudFlags     []string                `json:"fraud_flags,omitempty"`
}

// ApplyOutcome folds one job outcome into the record and returns an updated
// copy. The input record is never mutated; on validation failure it is
// returned untouched by the caller's reference.
func (e *Engine) ApplyOutcome(rec *model.ReputationRecord, out model.JobOutcome) (*Result, error) {
	if rec.Weights.Sum() != 100 {
		return nil, ErrInvalidFactors
	}
	if out.Category != "" {
		if _, seen := rec.Categories[out.Category]; !seen && len(rec.Categories) >= e.params.MaxCategories {
			return nil, ErrCategoryLimit
		}
	}

	now := e.now()
	updated := cloneRecord(rec)
	prevScore := updated.Score
	jobScore := e.jobScore(updated.Weights, out)

	decayed := e.decay(updated.Score, now.Sub(updated.LastUpdated))
	updated.Score = e.blend(decayed, jobScore)

	if out.Completed {
		updated.JobsCompleted++
	}
	if out.HadDispute {
		updated.DisputesAgainst++
		if out.DisputeResolvedFavorably {
			updated.DisputesResolved++
		}
	}
	if out.ResponseTimeSec > 0 {
		if updated.AvgResponseTimeSec == 0 {
			updated.AvgResponseTimeSec = out.ResponseTimeSec
		} else {
			updated.AvgResponseTimeSec = (updated.AvgResponseTimeSec*9 + out.ResponseTimeSec) / 10
		}
	}

	if out.Category != "" {
		e.applyCategory(updated, out, jobScore, now)
	}

	updated.PerformanceHistory = append(updated.PerformanceHistory, model.Snapshot{Score: updated.Score, Timestamp: now})
	if len(updated.PerformanceHistory) > e.params.MaxHistory {
		updated.PerformanceHistory = updated.PerformanceHistory[len(updated.PerformanceHistory)-e.params.MaxHistory:]
	}
	updated.LastUpdated = now

	newBadges := e.awardBadges(updated, out)
	fraudScore, fraudFlags, anyHigh := e.detectFraud(updated, out, now)

	return &Result{
		Record:         updated,
		NewBadges:      newBadges,
		JobScore:       jobScore,
		PreviousScore:  prevScore,
		FraudDetected:  fraudScore > e.params.FraudThreshold || anyHigh,
		FraudRiskScore: fraudScore,
		FraudFlags:     fraudFlags,
	}, nil
}

// StarRating maps a 1-5 star rating onto basis points (1 star = 2000bp,
// 5 stars = 10000bp) and blends it into the current score with the standard
// EMA. No decay is applied.
func (e *Engine) StarRating(current, stars int) (int, error) {
	if stars < 1 || stars > 5 {
		return 0, ErrInvalidStars
	}
	return e.blend(clampScore(current), stars*2000), nil
}

// SlashResult reports the applied penalty.
type SlashResult struct {
	NewScore    int `json:"new_score"`
	SlashAmount int `json:"slash_amount"`
}

// CalculateSlashAmount applies a basis-point penalty to a score. Slashes
// above the cap and slashes of an already-low score are rejected so a
// penalty can never drive reputation negative or wipe it out entirely.
func (e *Engine) CalculateSlashAmount(score, slashBp int) (SlashResult, error) {
	if slashBp < 0 || slashBp > e.params.MaxSlashBp {
		return SlashResult{}, ErrSlashExceedsCap
	}
	if score < e.params.MinSlashableScore {
		return SlashResult{}, ErrSlashFloor
	}
	amount := score * slashBp / 10000
	newScore := score - amount
	if newScore < 0 {
		newScore = 0
	}
	return SlashResult{NewScore: newScore, SlashAmount: amount}, nil
}

// jobScore computes the weighted composite for one outcome, clamped to
// [0, 10000].
func (e *Engine) jobScore(w model.FactorWeights, out model.JobOutcome) int {
	completion := 0
	if out.Completed {
		completion = maxScore
	}
	quality := clampPct(out.QualityRating) * 100
	satisfaction := clampPct(out.CounterpartySatisfaction) * 100
	timeliness := timelinessScore(out.ExpectedDurationSec, out.ActualDurationSec)

	dispute := maxScore
	if out.HadDispute {
		if out.DisputeResolvedFavorably {
			dispute = e.params.DisputeFavorableBp
		} else {
			dispute = e.params.DisputeUnfavorableBp
		}
	}

	total := completion*w.Completion + quality*w.Quality + timeliness*w.Timeliness +
		satisfaction*w.Satisfaction + dispute*w.Dispute
	return clampScore(total / 100)
}

// timelinessScore is 10000 when on time, decaying linearly to 0 as the
// actual duration reaches twice the expected one.
func timelinessScore(expected, actual int64) int {
	if expected <= 0 || actual <= expected {
		return maxScore
	}
	if actual >= 2*expected {
		return 0
	}
	return int(maxScore * (2*expected - actual) / expected)
}

// decay reduces a stale score. No decay inside the grace window, strictly
// monotonic beyond it, floored so old reputation is discounted, not erased.
func (e *Engine) decay(score int, elapsed time.Duration) int {
	if elapsed <= e.params.GracePeriod {
		return score
	}
	days := int((elapsed - e.params.GracePeriod).Hours() / 24)
	factor := 10000 - e.params.DecayBpPerDay*days
	if factor < e.params.MinDecayFactorBp {
		factor = e.params.MinDecayFactorBp
	}
	return score * factor / 10000
}

func (e *Engine) blend(current, sample int) int {
	return clampScore((current*(10000-e.params.AlphaBp) + sample*e.params.AlphaBp) / 10000)
}

func (e *Engine) applyCategory(rec *model.ReputationRecord, out model.JobOutcome, jobScore int, now time.Time) {
	cat := rec.Categories[out.Category]
	decayed := cat.Score
	if !cat.LastActivity.IsZero() {
		decayed = e.decay(cat.Score, now.Sub(cat.LastActivity))
	}
	cat.Score = e.blend(decayed, jobScore)
	if out.Completed {
		cat.JobsCompleted++
		if out.ActualDurationSec > 0 {
			if cat.AvgCompletionTimeSec == 0 {
				cat.AvgCompletionTimeSec = out.ActualDurationSec
			} else {
				cat.AvgCompletionTimeSec = (cat.AvgCompletionTimeSec*int64(cat.JobsCompleted-1) + out.ActualDurationSec) / int64(cat.JobsCompleted)
			}
		}
	}
	cat.QualitySum += int64(clampPct(out.QualityRating))
	cat.QualityCount++
	cat.LastActivity = now
	if out.PaymentAmount != "" {
		if amt, err := decimal.NewFromString(out.PaymentAmount); err == nil {
			total := decimal.Zero
			if cat.TotalEarnings != "" {
				total, _ = decimal.NewFromString(cat.TotalEarnings)
			}
			cat.TotalEarnings = total.Add(amt).String()
		}
	}
	rec.Categories[out.Category] = cat
}

// awardBadges grants milestone badges, once each.
func (e *Engine) awardBadges(rec *model.ReputationRecord, out model.JobOutcome) []model.BadgeType {
	var earned []model.BadgeType
	grant := func(b model.BadgeType, ok bool) {
		if ok && !rec.HasBadge(b) {
			rec.Badges = append(rec.Badges, b)
			earned = append(earned, b)
		}
	}

	grant(model.BadgeFirstJob, rec.JobsCompleted >= 1)
	grant(model.BadgeTenJobs, rec.JobsCompleted >= 10)
	grant(model.BadgeHundredJobs, rec.JobsCompleted >= 100)
	grant(model.BadgeThousandJobs, rec.JobsCompleted >= 1000)
	grant(model.BadgePerfectRating,
		rec.Score >= e.params.PerfectRatingMinScore && out.Completed && out.QualityRating >= 100)
	grant(model.BadgeQuickResponder,
		rec.AvgResponseTimeSec > 0 && rec.AvgResponseTimeSec < e.params.FastResponseSec)
	grant(model.BadgeDisputeResolver, rec.DisputesResolved >= e.params.DisputeResolverMin)

	for _, cat := range rec.Categories {
		if cat.Score >= e.params.CategoryExpertMinScore && cat.JobsCompleted >= e.params.CategoryExpertMinJobs {
			grant(model.BadgeCategoryExpert, true)
			break
		}
	}
	active := 0
	for _, cat := range rec.Categories {
		if cat.JobsCompleted >= e.params.CrossCategoryMinJobs {
			active++
		}
	}
	grant(model.BadgeCrossCategoryMaster, active >= e.params.CrossCategoryMinCount)

	return earned
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > maxScore {
		return maxScore
	}
	return v
}

func clampPct(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func cloneRecord(rec *model.ReputationRecord) *model.ReputationRecord {
	out := *rec
	out.Categories = make(map[string]model.CategoryReputation, len(rec.Categories))
	for k, v := range rec.Categories {
		out.Categories[k] = v
	}
	out.Badges = append([]model.BadgeType(nil), rec.Badges...)
	out.PerformanceHistory = append([]model.Snapshot(nil), rec.PerformanceHistory...)
	return &out
}
