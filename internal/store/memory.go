package store

import (
	"context"
	"sort"
	"sync"

	"github.com/parlakisik/x402-trust/internal/model"
)

// MemoryStore is the default store when no Mongo URI is configured.
type MemoryStore struct {
	mu           sync.RWMutex
	reputation   map[string]model.ReputationRecord
	settlements  map[string]model.SettlementRecord
	facilitators map[string]model.FacilitatorRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reputation:   map[string]model.ReputationRecord{},
		settlements:  map[string]model.SettlementRecord{},
		facilitators: map[string]model.FacilitatorRecord{},
	}
}

func (s *MemoryStore) GetReputation(ctx context.Context, counterparty string) (*model.ReputationRecord, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.reputation[counterparty]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (s *MemoryStore) UpsertReputation(ctx context.Context, rec model.ReputationRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reputation[rec.Counterparty] = rec
	return nil
}

func (s *MemoryStore) GetSettlement(ctx context.Context, signatureRef string) (*model.SettlementRecord, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.settlements[signatureRef]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (s *MemoryStore) SaveSettlement(ctx context.Context, rec model.SettlementRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settlements[rec.SignatureRef] = rec
	return nil
}

func (s *MemoryStore) UpsertFacilitator(ctx context.Context, rec model.FacilitatorRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facilitators[rec.ID] = rec
	return nil
}

func (s *MemoryStore) DeleteFacilitator(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.facilitators, id)
	return nil
}

func (s *MemoryStore) ListFacilitators(ctx context.Context) ([]model.FacilitatorRecord, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.FacilitatorRecord, 0, len(s.facilitators))
	for _, rec := range s.facilitators {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
