package model

import "time"

// Window is a trailing interval metrics are computed over.
type Window string

const (
	Window1h  Window = "1h"
	Window6h  Window = "6h"
	Window24h Window = "24h"
	Window3d  Window = "3d"
	Window7d  Window = "7d"
	Window15d Window = "15d"
	Window30d Window = "30d"
	WindowAll Window = "all"
)

// Windows lists every tracked window, shortest first.
func Windows() []Window {
	return []Window{Window1h, Window6h, Window24h, Window3d, Window7d, Window15d, Window30d, WindowAll}
}

// Duration returns the window length; zero for the unbounded "all" window.
func (w Window) Duration() time.Duration {
	switch w {
	case Window1h:
		return time.Hour
	case Window6h:
		return 6 * time.Hour
	case Window24h:
		return 24 * time.Hour
	case Window3d:
		return 3 * 24 * time.Hour
	case Window7d:
		return 7 * 24 * time.Hour
	case Window15d:
		return 15 * 24 * time.Hour
	case Window30d:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

func (w Window) Valid() bool {
	for _, known := range Windows() {
		if w == known {
			return true
		}
	}
	return false
}

// ResourceEvent is one request/payment observation for a resource.
type ResourceEvent struct {
	ResourceID    string    `json:"resource_id" bson:"resource_id"`
	Timestamp     time.Time `json:"timestamp" bson:"timestamp"`
	LatencyMs     int64     `json:"latency_ms" bson:"latency_ms"`
	StatusCode    int       `json:"status_code" bson:"status_code"`
	Success       bool      `json:"success" bson:"success"`
	PaymentAmount string    `json:"payment_amount,omitempty" bson:"payment_amount,omitempty"`
	PayerAddress  string    `json:"payer_address,omitempty" bson:"payer_address,omitempty"`
}

// WindowMetrics is a pure derivation over a resource's events in one window.
// It may be discarded and recomputed at any time.
type WindowMetrics struct {
	ResourceID    string         `json:"resource_id"`
	Window        Window         `json:"window"`
	TotalRequests int            `json:"total_requests"`
	SuccessCount  int            `json:"success_count"`
	FailureCount  int            `json:"failure_count"`
	SuccessRate   float64        `json:"success_rate"`
	LatencyMinMs  int64          `json:"latency_min_ms"`
	LatencyMaxMs  int64          `json:"latency_max_ms"`
	LatencyAvgMs  float64        `json:"latency_avg_ms"`
	LatencyP50Ms  int64          `json:"latency_p50_ms"`
	LatencyP90Ms  int64          `json:"latency_p90_ms"`
	LatencyP99Ms  int64          `json:"latency_p99_ms"`
	StatusClasses map[string]int `json:"status_classes"`
	Outages       int            `json:"outages"`
	// UptimePercent is nil when there were zero requests in the window.
	UptimePercent  *float64  `json:"uptime_percent"`
	PaymentVolume  string    `json:"payment_volume"`
	PaymentAverage string    `json:"payment_average"`
	PaymentCount   int       `json:"payment_count"`
	UniquePayers   int       `json:"unique_payers"`
	ComputedAt     time.Time `json:"computed_at"`
}

// GlobalMetrics aggregates window metrics across every tracked resource.
type GlobalMetrics struct {
	Window        Window  `json:"window"`
	ResourceCount int     `json:"resource_count"`
	TotalRequests int     `json:"total_requests"`
	SuccessCount  int     `json:"success_count"`
	FailureCount  int     `json:"failure_count"`
	SuccessRate   float64 `json:"success_rate"`
	PaymentVolume string  `json:"payment_volume"`
	PaymentCount  int     `json:"payment_count"`
}

// ResourceRanking is one entry of a top-resources listing.
type ResourceRanking struct {
	ResourceID string  `json:"resource_id"`
	Value      float64 `json:"value"`
}
