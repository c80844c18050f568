package store

import (
	"context"

	"github.com/parlakisik/x402-trust/internal/model"
)

// ReputationStore persists counterparty reputation records.
type ReputationStore interface {
	GetReputation(ctx context.Context, counterparty string) (*model.ReputationRecord, error)
	UpsertReputation(ctx context.Context, rec model.ReputationRecord) error
}

// SettlementStore persists settlement idempotency records keyed by
// signature ref.
type SettlementStore interface {
	GetSettlement(ctx context.Context, signatureRef string) (*model.SettlementRecord, error)
	SaveSettlement(ctx context.Context, rec model.SettlementRecord) error
}

// FacilitatorStore mirrors the registry's authoritative map.
type FacilitatorStore interface {
	UpsertFacilitator(ctx context.Context, rec model.FacilitatorRecord) error
	DeleteFacilitator(ctx context.Context, id string) error
	ListFacilitators(ctx context.Context) ([]model.FacilitatorRecord, error)
}

// Store is the full persistence surface of the engine.
type Store interface {
	ReputationStore
	SettlementStore
	FacilitatorStore
}
