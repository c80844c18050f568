package compliance

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parlakisik/x402-trust/internal/model"
)

// Config is explicitly constructed and passed in; the screener owns no
// module-level state, so independent instances never share sets or caches.
type Config struct {
	Sanctioned []string
	Mixers     []string
	Scams      []string

	// Allowed means risk below this threshold.
	RiskThreshold int

	CacheTTL     time.Duration
	BlocklistTTL time.Duration

	MixerRiskFloor int
	ScamRiskFloor  int
}

func DefaultConfig() Config {
	return Config{
		RiskThreshold:  70,
		CacheTTL:       time.Hour,
		BlocklistTTL:   365 * 24 * time.Hour,
		MixerRiskFloor: 85,
		ScamRiskFloor:  90,
	}
}

// Screener risk-scores addresses against static sets and an optional
// external risk API. Results are cached until ValidUntil.
type Screener struct {
	cfg  Config
	risk RiskClient
	now  func() time.Time

	sanctioned map[string]struct{}
	mixers     map[string]struct{}
	scams      map[string]struct{}

	mu    sync.RWMutex
	cache map[string]model.ComplianceResult
}

// New builds a screener. A nil risk client disables the external check
// without affecting the rest of screening.
func New(cfg Config, risk RiskClient) *Screener {
	return newScreener(cfg, risk, func() time.Time { return time.Now().UTC() })
}

func NewWithClock(cfg Config, risk RiskClient, now func() time.Time) *Screener {
	return newScreener(cfg, risk, now)
}

func newScreener(cfg Config, risk RiskClient, now func() time.Time) *Screener {
	return &Screener{
		cfg:        cfg,
		risk:       risk,
		now:        now,
		sanctioned: toSet(cfg.Sanctioned),
		mixers:     toSet(cfg.Mixers),
		scams:      toSet(cfg.Scams),
		cache:      map[string]model.ComplianceResult{},
	}
}

// ScreenAddress scores one address. Static sets are checked first, then the
// external API merges in via max. An external failure degrades to the local
// result, it never blocks screening.
func (s *Screener) ScreenAddress(ctx context.Context, addr string) model.ComplianceResult {
	addr = strings.TrimSpace(addr)
	now := s.now()

	s.mu.RLock()
	cached, ok := s.cache[addr]
	s.mu.RUnlock()
	if ok && now.Before(cached.ValidUntil) {
		return cached
	}

	risk := 0
	var flags []model.ComplianceFlag
	if _, hit := s.sanctioned[addr]; hit {
		risk = 100
		flags = append(flags, model.FlagSanctioned)
	}
	if _, hit := s.mixers[addr]; hit {
		risk = maxInt(risk, s.cfg.MixerRiskFloor)
		flags = append(flags, model.FlagMixer)
	}
	if _, hit := s.scams[addr]; hit {
		risk = maxInt(risk, s.cfg.ScamRiskFloor)
		flags = append(flags, model.FlagScam)
	}

	if s.risk != nil {
		extScore, extFlags, err := s.risk.Score(ctx, addr)
		if err != nil {
			slog.WarnContext(ctx, "external risk check failed, using local result",
				"address", addr,
				"error", err,
			)
		} else {
			risk = maxInt(risk, extScore)
			flags = append(flags, extFlags...)
		}
	}

	result := model.ComplianceResult{
		Address:    addr,
		Allowed:    risk < s.cfg.RiskThreshold,
		RiskScore:  risk,
		Flags:      flags,
		CheckedAt:  now,
		ValidUntil: now.Add(s.cfg.CacheTTL),
	}

	s.mu.Lock()
	s.cache[addr] = result
	s.mu.Unlock()
	return result
}

// ScreenPayment screens both sides; allowed requires both to pass. The
// amount is echoed in the result and carries no scoring weight today.
func (s *Screener) ScreenPayment(ctx context.Context, from, to, amount string) model.PaymentScreenResult {
	fromRes := s.ScreenAddress(ctx, from)
	toRes := s.ScreenAddress(ctx, to)
	return model.PaymentScreenResult{
		Allowed:           fromRes.Allowed && toRes.Allowed,
		CombinedRiskScore: maxInt(fromRes.RiskScore, toRes.RiskScore),
		Amount:            amount,
		From:              fromRes,
		To:                toRes,
	}
}

// AddToBlocklist overrides the cache with a long-lived block. Idempotent.
func (s *Screener) AddToBlocklist(addr string) {
	addr = strings.TrimSpace(addr)
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[addr] = model.ComplianceResult{
		Address:    addr,
		Allowed:    false,
		RiskScore:  100,
		Flags:      []model.ComplianceFlag{model.FlagManualBlock},
		CheckedAt:  now,
		ValidUntil: now.Add(s.cfg.BlocklistTTL),
	}
}

// RemoveFromBlocklist drops the manual block so the next screen re-evaluates.
// Idempotent.
func (s *Screener) RemoveFromBlocklist(addr string) {
	addr = strings.TrimSpace(addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache[addr]; ok && hasFlag(cached.Flags, model.FlagManualBlock) {
		delete(s.cache, addr)
	}
}

func hasFlag(flags []model.ComplianceFlag, want model.ComplianceFlag) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func toSet(vals []string) map[string]struct{} {
	set := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
