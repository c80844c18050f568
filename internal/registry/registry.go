package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parlakisik/x402-trust/internal/model"
	"github.com/parlakisik/x402-trust/internal/store"
)

var (
	ErrExists   = errors.New("facilitator already registered")
	ErrNotFound = errors.New("facilitator not found")
	ErrInvalid  = errors.New("facilitator record is invalid")
)

type Config struct {
	// HealthTTL bounds how long a cached health sample is trusted.
	HealthTTL time.Duration
}

func DefaultConfig() Config {
	return Config{HealthTTL: 60 * time.Second}
}

// Registry holds known payment facilitators and their network/token
// capabilities, plus a TTL cache of the most recent health sample per
// facilitator. The in-memory map is authoritative; writes are mirrored to
// the facilitator store when one is configured.
type Registry struct {
	cfg   Config
	now   func() time.Time
	store store.FacilitatorStore

	mu      sync.RWMutex
	records map[string]model.FacilitatorRecord
	health  map[string]healthEntry
}

type healthEntry struct {
	sample    model.HealthSample
	expiresAt time.Time
}

func New(cfg Config, st store.FacilitatorStore) *Registry {
	return NewWithClock(cfg, st, func() time.Time { return time.Now().UTC() })
}

func NewWithClock(cfg Config, st store.FacilitatorStore, now func() time.Time) *Registry {
	if cfg.HealthTTL <= 0 {
		cfg.HealthTTL = DefaultConfig().HealthTTL
	}
	return &Registry{
		cfg:     cfg,
		now:     now,
		store:   st,
		records: map[string]model.FacilitatorRecord{},
		health:  map[string]healthEntry{},
	}
}

func validate(rec *model.FacilitatorRecord) error {
	if strings.TrimSpace(rec.ID) == "" || strings.TrimSpace(rec.Name) == "" {
		return ErrInvalid
	}
	if rec.Enabled {
		for _, n := range rec.SupportedNetworks {
			if len(rec.Endpoints[n]) == 0 {
				slog.Warn("facilitator lists network without endpoints",
					"facilitator_id", rec.ID,
					"network", string(n),
				)
			}
		}
	}
	return nil
}

func (r *Registry) Register(ctx context.Context, rec model.FacilitatorRecord) error {
	if err := validate(&rec); err != nil {
		return err
	}
	now := r.now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	r.mu.Lock()
	if _, exists := r.records[rec.ID]; exists {
		r.mu.Unlock()
		return ErrExists
	}
	r.records[rec.ID] = rec
	r.mu.Unlock()

	return r.mirror(ctx, rec)
}

func (r *Registry) Update(ctx context.Context, rec model.FacilitatorRecord) error {
	if err := validate(&rec); err != nil {
		return err
	}

	r.mu.Lock()
	existing, ok := r.records[rec.ID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = r.now()
	r.records[rec.ID] = rec
	r.mu.Unlock()

	return r.mirror(ctx, rec)
}

func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.records[id]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.records, id)
	delete(r.health, id)
	r.mu.Unlock()

	if r.store != nil {
		return r.store.DeleteFacilitator(ctx, id)
	}
	return nil
}

func (r *Registry) mirror(ctx context.Context, rec model.FacilitatorRecord) error {
	if r.store == nil {
		return nil
	}
	return r.store.UpsertFacilitator(ctx, rec)
}

func (r *Registry) Get(id string) (model.FacilitatorRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// List returns every record, enabled or not, sorted by id.
func (r *Registry) List() []model.FacilitatorRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.FacilitatorRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetByNetwork returns enabled facilitators supporting the network.
func (r *Registry) GetByNetwork(n model.Network) []model.FacilitatorRecord {
	var out []model.FacilitatorRecord
	for _, rec := range r.List() {
		if rec.Enabled && rec.SupportsNetwork(n) {
			out = append(out, rec)
		}
	}
	return out
}

// GetByToken returns enabled facilitators with an enabled endpoint on the
// network that accepts the token.
func (r *Registry) GetByToken(n model.Network, tokenAddress string) []model.FacilitatorRecord {
	var out []model.FacilitatorRecord
	for _, rec := range r.GetByNetwork(n) {
		if rec.SupportsToken(n, tokenAddress) {
			out = append(out, rec)
		}
	}
	return out
}

// RecordHealth caches the sample for the health TTL. Expired samples are
// treated as absent.
func (r *Registry) RecordHealth(sample model.HealthSample) {
	if sample.FacilitatorID == "" {
		return
	}
	now := r.now()
	if sample.ObservedAt.IsZero() {
		sample.ObservedAt = now
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[sample.FacilitatorID] = healthEntry{sample: sample, expiresAt: now.Add(r.cfg.HealthTTL)}
}

// HealthFor returns the unexpired sample for a facilitator, or nil.
func (r *Registry) HealthFor(id string) *model.HealthSample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.health[id]
	if !ok || !r.now().Before(entry.expiresAt) {
		return nil
	}
	out := entry.sample
	return &out
}

type candidate struct {
	rec    model.FacilitatorRecord
	sample *model.HealthSample
}

// SelectBest picks the healthiest, lowest-latency facilitator matching the
// criteria. Returning nil means no route is available, which is a normal
// outcome the coordinator handles, not an error.
func (r *Registry) SelectBest(criteria model.SelectionCriteria) *model.FacilitatorRecord {
	var pool []model.FacilitatorRecord
	for _, rec := range r.List() {
		if !rec.Enabled {
			continue
		}
		if criteria.Network != "" && !rec.SupportsNetwork(criteria.Network) {
			continue
		}
		if criteria.Network != "" && criteria.TokenAddress != "" &&
			!rec.SupportsToken(criteria.Network, criteria.TokenAddress) {
			continue
		}
		if criteria.RequireDiscovery && rec.DiscoveryURL == "" {
			continue
		}
		pool = append(pool, rec)
	}

	// A preferred list that matches nothing is ignored, not an error.
	if len(criteria.Preferred) > 0 {
		preferred := toSet(criteria.Preferred)
		var narrowed []model.FacilitatorRecord
		for _, rec := range pool {
			if _, ok := preferred[rec.ID]; ok {
				narrowed = append(narrowed, rec)
			}
		}
		if len(narrowed) > 0 {
			pool = narrowed
		}
	}

	excluded := toSet(criteria.Excluded)
	var candidates []candidate
	for _, rec := range pool {
		if _, skip := excluded[rec.ID]; skip {
			continue
		}
		sample := r.HealthFor(rec.ID)
		// The latency bound only drops candidates that have a sample.
		if criteria.MaxLatencyMs > 0 && sample != nil && sample.LatencyMs > criteria.MaxLatencyMs {
			continue
		}
		candidates = append(candidates, candidate{rec: rec, sample: sample})
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := statusRank(candidates[i].sample), statusRank(candidates[j].sample)
		if ri != rj {
			return ri < rj
		}
		// With a sample sorts before without, all else equal.
		hi, hj := candidates[i].sample != nil, candidates[j].sample != nil
		if hi != hj {
			return hi
		}
		if hi && hj && candidates[i].sample.LatencyMs != candidates[j].sample.LatencyMs {
			return candidates[i].sample.LatencyMs < candidates[j].sample.LatencyMs
		}
		return false
	})

	best := candidates[0].rec
	return &best
}

func statusRank(sample *model.HealthSample) int {
	if sample == nil {
		return 2
	}
	switch sample.Status {
	case model.HealthHealthy:
		return 0
	case model.HealthDegraded:
		return 1
	case model.HealthUnhealthy:
		return 3
	default:
		return 2
	}
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
