package metrics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/parlakisik/x402-trust/internal/model"
	"github.com/shopspring/decimal"
)

type Config struct {
	MaxEventsPerWindow int
	OutageThreshold    time.Duration
	SweepInterval      time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxEventsPerWindow: 10000,
		OutageThreshold:    60 * time.Second,
		SweepInterval:      time.Minute,
	}
}

// Aggregator records request/payment events per resource and derives
// time-windowed statistics. Events are bucketed per window with a bounded
// length; window metrics are cached and recomputed lazily.
type Aggregator struct {
	cfg Config
	now func() time.Time

	mu        sync.RWMutex
	resources map[string]*resourceMetrics
}

// resourceMetrics carries its own lock so unrelated resources never contend.
type resourceMetrics struct {
	mu      sync.RWMutex
	buckets map[model.Window][]model.ResourceEvent
	cache   map[model.Window]*model.WindowMetrics
}

func New(cfg Config) *Aggregator {
	return NewWithClock(cfg, func() time.Time { return time.Now().UTC() })
}

func NewWithClock(cfg Config, now func() time.Time) *Aggregator {
	if cfg.MaxEventsPerWindow <= 0 {
		cfg.MaxEventsPerWindow = DefaultConfig().MaxEventsPerWindow
	}
	if cfg.OutageThreshold <= 0 {
		cfg.OutageThreshold = DefaultConfig().OutageThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Aggregator{cfg: cfg, now: now, resources: map[string]*resourceMetrics{}}
}

// RecordEvent appends the event to every window bucket for its resource,
// evicting oldest entries at the cap, and invalidates the affected caches.
// Non-blocking in-memory mutation; never on the critical path of a network
// call.
func (a *Aggregator) RecordEvent(ev model.ResourceEvent) {
	if ev.ResourceID == "" {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = a.now()
	}

	rm := a.resource(ev.ResourceID)
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, w := range model.Windows() {
		bucket := rm.buckets[w]
		if len(bucket) >= a.cfg.MaxEventsPerWindow {
			bucket = bucket[len(bucket)-a.cfg.MaxEventsPerWindow+1:]
		}
		rm.buckets[w] = append(bucket, ev)
		delete(rm.cache, w)
	}
}

func (a *Aggregator) resource(id string) *resourceMetrics {
	a.mu.RLock()
	rm, ok := a.resources[id]
	a.mu.RUnlock()
	if ok {
		return rm
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if rm, ok = a.resources[id]; ok {
		return rm
	}
	rm = &resourceMetrics{
		buckets: map[model.Window][]model.ResourceEvent{},
		cache:   map[model.Window]*model.WindowMetrics{},
	}
	a.resources[id] = rm
	return rm
}

// GetWindowMetrics returns the cached metrics for a resource+window,
// recomputing when invalidated.
func (a *Aggregator) GetWindowMetrics(resourceID string, w model.Window) *model.WindowMetrics {
	if !w.Valid() {
		w = model.WindowAll
	}
	rm := a.resource(resourceID)

	rm.mu.RLock()
	if cached, ok := rm.cache[w]; ok {
		out := *cached
		rm.mu.RUnlock()
		return &out
	}
	rm.mu.RUnlock()

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if cached, ok := rm.cache[w]; ok {
		out := *cached
		return &out
	}
	computed := a.compute(resourceID, w, rm.buckets[w])
	rm.cache[w] = computed
	out := *computed
	return &out
}

func (a *Aggregator) compute(resourceID string, w model.Window, bucket []model.ResourceEvent) *model.WindowMetrics {
	now := a.now()
	var events []model.ResourceEvent
	if d := w.Duration(); d > 0 {
		cutoff := now.Add(-d)
		for _, ev := range bucket {
			if !ev.Timestamp.Before(cutoff) {
				events = append(events, ev)
			}
		}
	} else {
		events = bucket
	}

	wm := &model.WindowMetrics{
		ResourceID:     resourceID,
		Window:         w,
		StatusClasses:  map[string]int{},
		PaymentVolume:  "0",
		PaymentAverage: "0",
		ComputedAt:     now,
	}
	if len(events) == 0 {
		return wm
	}

	var latencies []int64
	var latencySum int64
	var lastSuccess time.Time
	volume := decimal.Zero
	payers := map[string]struct{}{}

	for _, ev := range events {
		wm.TotalRequests++
		if ev.Success {
			wm.SuccessCount++
			if !lastSuccess.IsZero() && ev.Timestamp.Sub(lastSuccess) > a.cfg.OutageThreshold {
				wm.Outages++
			}
			lastSuccess = ev.Timestamp
		} else {
			wm.FailureCount++
		}
		latencies = append(latencies, ev.LatencyMs)
		latencySum += ev.LatencyMs
		wm.StatusClasses[statusClass(ev.StatusCode)]++
		if ev.PaymentAmount != "" {
			if amt, err := decimal.NewFromString(ev.PaymentAmount); err == nil {
				volume = volume.Add(amt)
				wm.PaymentCount++
				if ev.PayerAddress != "" {
					payers[ev.PayerAddress] = struct{}{}
				}
			}
		}
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	wm.LatencyMinMs = latencies[0]
	wm.LatencyMaxMs = latencies[len(latencies)-1]
	wm.LatencyAvgMs = float64(latencySum) / float64(len(latencies))
	wm.LatencyP50Ms = percentile(latencies, 50)
	wm.LatencyP90Ms = percentile(latencies, 90)
	wm.LatencyP99Ms = percentile(latencies, 99)

	wm.SuccessRate = float64(wm.SuccessCount) / float64(wm.TotalRequests)
	outagePenalty := float64(wm.Outages) * 0.01
	if outagePenalty > 0.10 {
		outagePenalty = 0.10
	}
	uptime := (wm.SuccessRate - outagePenalty) * 100
	if uptime < 0 {
		uptime = 0
	}
	wm.UptimePercent = &uptime

	wm.PaymentVolume = volume.String()
	if wm.PaymentCount > 0 {
		wm.PaymentAverage = volume.Div(decimal.NewFromInt(int64(wm.PaymentCount))).Round(6).String()
	}
	wm.UniquePayers = len(payers)
	return wm
}

// percentile uses index = ceil(p/100 * n) - 1, clamped to [0, n-1], over the
// ascending-sorted samples.
func percentile(sorted []int64, p int) int64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := (p*n+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}

// GetGlobalMetrics aggregates across all tracked resources via their
// per-resource caches.
func (a *Aggregator) GetGlobalMetrics(w model.Window) model.GlobalMetrics {
	if !w.Valid() {
		w = model.WindowAll
	}
	out := model.GlobalMetrics{Window: w, PaymentVolume: "0"}
	volume := decimal.Zero
	for _, id := range a.resourceIDs() {
		wm := a.GetWindowMetrics(id, w)
		if wm.TotalRequests == 0 {
			continue
		}
		out.ResourceCount++
		out.TotalRequests += wm.TotalRequests
		out.SuccessCount += wm.SuccessCount
		out.FailureCount += wm.FailureCount
		out.PaymentCount += wm.PaymentCount
		if amt, err := decimal.NewFromString(wm.PaymentVolume); err == nil {
			volume = volume.Add(amt)
		}
	}
	if out.TotalRequests > 0 {
		out.SuccessRate = float64(out.SuccessCount) / float64(out.TotalRequests)
	}
	out.PaymentVolume = volume.String()
	return out
}

// GetTopResources ranks resources in a window by one of: requests, errors,
// latency, payment_volume.
func (a *Aggregator) GetTopResources(w model.Window, metric string, limit int) []model.ResourceRanking {
	if limit <= 0 {
		limit = 10
	}
	var ranked []model.ResourceRanking
	for _, id := range a.resourceIDs() {
		wm := a.GetWindowMetrics(id, w)
		if wm.TotalRequests == 0 {
			continue
		}
		var value float64
		switch metric {
		case "errors":
			value = float64(wm.FailureCount)
		case "latency":
			value = float64(wm.LatencyP99Ms)
		case "payment_volume":
			if amt, err := decimal.NewFromString(wm.PaymentVolume); err == nil {
				value, _ = amt.Float64()
			}
		default: // requests
			value = float64(wm.TotalRequests)
		}
		ranked = append(ranked, model.ResourceRanking{ResourceID: id, Value: value})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Value == ranked[j].Value {
			return ranked[i].ResourceID < ranked[j].ResourceID
		}
		return ranked[i].Value > ranked[j].Value
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

func (a *Aggregator) resourceIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.resources))
	for id := range a.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start runs the periodic retention sweep until ctx is cancelled. The sweep
// is the subsystem's only background timer.
func (a *Aggregator) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(a.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Sweep()
			}
		}
	}()
}

// Sweep prunes events outside their window's retention and invalidates
// affected caches. Buckets are rebuilt and swapped, never mutated in place,
// so concurrent readers always see a consistent slice.
func (a *Aggregator) Sweep() {
	now := a.now()
	swept := 0
	for _, id := range a.resourceIDs() {
		rm := a.resource(id)
		rm.mu.Lock()
		for _, w := range model.Windows() {
			d := w.Duration()
			if d == 0 {
				continue
			}
			cutoff := now.Add(-d)
			bucket := rm.buckets[w]
			kept := bucket[:0:0]
			for _, ev := range bucket {
				if !ev.Timestamp.Before(cutoff) {
					kept = append(kept, ev)
				}
			}
			if len(kept) != len(bucket) {
				swept += len(bucket) - len(kept)
				rm.buckets[w] = kept
				delete(rm.cache, w)
			}
		}
		rm.mu.Unlock()
	}
	if swept > 0 {
		slog.Debug("metrics sweep", "evicted", swept)
	}
}
