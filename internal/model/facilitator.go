package model

import "time"

// Network identifies a ledger network a facilitator can settle on.
type Network string

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
	HealthUnknown   HealthStatus = "UNKNOWN"
)

// TokenConfig describes a token an endpoint accepts payment in.
type TokenConfig struct {
	Address  string `json:"address" bson:"address"`
	Symbol   string `json:"symbol,omitempty" bson:"symbol,omitempty"`
	Decimals int    `json:"decimals,omitempty" bson:"decimals,omitempty"`
}

type FacilitatorEndpoint struct {
	Address        string        `json:"address" bson:"address"`
	AcceptedTokens []TokenConfig `json:"accepted_tokens" bson:"accepted_tokens"`
	Enabled        bool          `json:"enabled" bson:"enabled"`
}

type FacilitatorRecord struct {
	ID                string                            `json:"id" bson:"id"`
	Name              string                            `json:"name" bson:"name"`
	SupportedNetworks []Network                         `json:"supported_networks" bson:"supported_networks"`
	Endpoints         map[Network][]FacilitatorEndpoint `json:"endpoints" bson:"endpoints"`
	DiscoveryURL      string                            `json:"discovery_url,omitempty" bson:"discovery_url,omitempty"`
	VerifyURL         string                            `json:"verify_url" bson:"verify_url"`
	SettleURL         string                            `json:"settle_url" bson:"settle_url"`
	Enabled           bool                              `json:"enabled" bson:"enabled"`
	CreatedAt         time.Time                         `json:"created_at" bson:"created_at"`
	UpdatedAt         time.Time                         `json:"updated_at" bson:"updated_at"`
}

// SupportsNetwork reports whether the facilitator lists the network.
func (f *FacilitatorRecord) SupportsNetwork(n Network) bool {
	for _, sn := range f.SupportedNetworks {
		if sn == n {
			return true
		}
	}
	return false
}

// SupportsToken reports whether any enabled endpoint on the network accepts
// the token.
func (f *FacilitatorRecord) SupportsToken(n Network, tokenAddress string) bool {
	for _, ep := range f.Endpoints[n] {
		if !ep.Enabled {
			continue
		}
		for _, tok := range ep.AcceptedTokens {
			if tok.Address == tokenAddress {
				return true
			}
		}
	}
	return false
}

// HealthSample is the most recent health observation for a facilitator,
// supplied by the caller and cached by the registry for a TTL.
type HealthSample struct {
	FacilitatorID string       `json:"facilitator_id" bson:"facilitator_id"`
	Status        HealthStatus `json:"status" bson:"status"`
	LatencyMs     int64        `json:"latency_ms" bson:"latency_ms"`
	ObservedAt    time.Time    `json:"observed_at" bson:"observed_at"`
}

// SelectionCriteria narrows facilitator selection. Zero values mean
// "no constraint".
type SelectionCriteria struct {
	Network          Network  `json:"network,omitempty"`
	TokenAddress     string   `json:"token_address,omitempty"`
	RequireDiscovery bool     `json:"require_discovery,omitempty"`
	Preferred        []string `json:"preferred,omitempty"`
	Excluded         []string `json:"excluded,omitempty"`
	MaxLatencyMs     int64    `json:"max_latency_ms,omitempty"`
}
