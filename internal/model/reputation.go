package model

import "time"

type BadgeType string

const (
	BadgeFirstJob           BadgeType = "FIRST_JOB"
	BadgeTenJobs            BadgeType = "TEN_JOBS"
	BadgeHundredJobs        BadgeType = "HUNDRED_JOBS"
	BadgeThousandJobs       BadgeType = "THOUSAND_JOBS"
	BadgePerfectRating      BadgeType = "PERFECT_RATING"
	BadgeQuickResponder     BadgeType = "QUICK_RESPONDER"
	BadgeDisputeResolver    BadgeType = "DISPUTE_RESOLVER"
	BadgeCategoryExpert     BadgeType = "CATEGORY_EXPERT"
	BadgeCrossCategoryMaster BadgeType = "CROSS_CATEGORY_MASTER"
)

// FactorWeights are percentages and must sum to exactly 100.
type FactorWeights struct {
	Completion   int `json:"completion" bson:"completion"`
	Quality      int `json:"quality" bson:"quality"`
	Timeliness   int `json:"timeliness" bson:"timeliness"`
	Satisfaction int `json:"satisfaction" bson:"satisfaction"`
	Dispute      int `json:"dispute" bson:"dispute"`
}

func (w FactorWeights) Sum() int {
	return w.Completion + w.Quality + w.Timeliness + w.Satisfaction + w.Dispute
}

// DefaultFactorWeights is the stock weighting applied to new records.
func DefaultFactorWeights() FactorWeights {
	return FactorWeights{Completion: 30, Quality: 25, Timeliness: 20, Satisfaction: 15, Dispute: 10}
}

type CategoryReputation struct {
	Score                int       `json:"score" bson:"score"`
	JobsCompleted        int       `json:"jobs_completed" bson:"jobs_completed"`
	AvgCompletionTimeSec int64     `json:"avg_completion_time_sec" bson:"avg_completion_time_sec"`
	QualitySum           int64     `json:"quality_sum" bson:"quality_sum"`
	QualityCount         int       `json:"quality_count" bson:"quality_count"`
	LastActivity         time.Time `json:"last_activity" bson:"last_activity"`
	TotalEarnings        string    `json:"total_earnings" bson:"total_earnings"`
}

// Snapshot is one point of score history, appended after each update.
type Snapshot struct {
	Score     int       `json:"score" bson:"score"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// ReputationRecord holds a counterparty's earned trust. Scores are basis
// points in [0, 10000]. The reputation engine is the sole writer.
type ReputationRecord struct {
	Counterparty       string                        `json:"counterparty" bson:"counterparty"`
	Score              int                           `json:"score" bson:"score"`
	Weights            FactorWeights                 `json:"factor_weights" bson:"factor_weights"`
	JobsCompleted      int                           `json:"jobs_completed" bson:"jobs_completed"`
	Categories         map[string]CategoryReputation `json:"categories" bson:"categories"`
	Badges             []BadgeType                   `json:"badges" bson:"badges"`
	DisputesAgainst    int                           `json:"disputes_against" bson:"disputes_against"`
	DisputesResolved   int                           `json:"disputes_resolved" bson:"disputes_resolved"`
	AvgResponseTimeSec int64                         `json:"avg_response_time_sec" bson:"avg_response_time_sec"`
	PerformanceHistory []Snapshot                    `json:"performance_history" bson:"performance_history"`
	CreatedAt          time.Time                     `json:"created_at" bson:"created_at"`
	LastUpdated        time.Time                     `json:"last_updated" bson:"last_updated"`
}

func (r *ReputationRecord) HasBadge(b BadgeType) bool {
	for _, have := range r.Badges {
		if have == b {
			return true
		}
	}
	return false
}

// NewReputationRecord seeds a record on a counterparty's first job.
func NewReputationRecord(counterparty string, now time.Time) *ReputationRecord {
	return &ReputationRecord{
		Counterparty: counterparty,
		Score:        0,
		Weights:      DefaultFactorWeights(),
		Categories:   map[string]CategoryReputation{},
		CreatedAt:    now,
		LastUpdated:  now,
	}
}

// JobOutcome is one completed (or abandoned) unit of work. Ephemeral input,
// never persisted.
type JobOutcome struct {
	Completed                bool   `json:"completed"`
	QualityRating            int    `json:"quality_rating"`
	ExpectedDurationSec      int64  `json:"expected_duration_sec"`
	ActualDurationSec        int64  `json:"actual_duration_sec"`
	CounterpartySatisfaction int    `json:"counterparty_satisfaction"`
	HadDispute               bool   `json:"had_dispute"`
	DisputeResolvedFavorably bool   `json:"dispute_resolved_favorably"`
	Category                 string `json:"category"`
	PaymentAmount            string `json:"payment_amount,omitempty"`
	ResponseTimeSec          int64  `json:"response_time_sec,omitempty"`
}
