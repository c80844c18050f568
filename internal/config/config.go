package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/parlakisik/x402-trust/internal/model"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port string

	MongoURI                     string
	MongoDatabase                string
	MongoCollectionReputation    string
	MongoCollectionSettlements   string
	MongoCollectionFacilitators  string

	LedgerURL     string
	LedgerTimeout time.Duration

	RiskAPIURL     string
	RiskAPIKey     string
	RiskAPITimeout time.Duration

	FacilitatorsFile    string
	FacilitatorTimeout  time.Duration
	HealthTTL           time.Duration
	EventWebhookURL     string

	SanctionedAddresses []string
	MixerAddresses      []string
	ScamAddresses       []string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func Load() Config {
	return Config{
		Port:                        getenv("PORT", "8080"),
		MongoURI:                    strings.TrimSpace(os.Getenv("MONGO_URI")),
		MongoDatabase:               getenv("MONGO_DB", "x402trust"),
		MongoCollectionReputation:   getenv("MONGO_COLLECTION_REPUTATION", "reputation_records"),
		MongoCollectionSettlements:  getenv("MONGO_COLLECTION_SETTLEMENTS", "settlements"),
		MongoCollectionFacilitators: getenv("MONGO_COLLECTION_FACILITATORS", "facilitators"),
		LedgerURL:                   strings.TrimSpace(os.Getenv("LEDGER_URL")),
		LedgerTimeout:               getenvDuration("LEDGER_TIMEOUT", 10*time.Second),
		RiskAPIURL:                  strings.TrimSpace(os.Getenv("RISK_API_URL")),
		RiskAPIKey:                  strings.TrimSpace(os.Getenv("RISK_API_KEY")),
		RiskAPITimeout:              getenvDuration("RISK_API_TIMEOUT", 5*time.Second),
		FacilitatorsFile:            strings.TrimSpace(os.Getenv("FACILITATORS_FILE")),
		FacilitatorTimeout:          getenvDuration("FACILITATOR_TIMEOUT", 10*time.Second),
		HealthTTL:                   getenvDuration("HEALTH_TTL", 60*time.Second),
		EventWebhookURL:             strings.TrimSpace(os.Getenv("EVENT_WEBHOOK_URL")),
		SanctionedAddresses:         getenvList("SANCTIONED_ADDRESSES"),
		MixerAddresses:              getenvList("MIXER_ADDRESSES"),
		ScamAddresses:               getenvList("SCAM_ADDRESSES"),
		ReadTimeout:                 10 * time.Second,
		WriteTimeout:                30 * time.Second,
		IdleTimeout:                 60 * time.Second,
	}
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getenvList(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// facilitatorSeed mirrors the YAML shape of a seeded facilitator entry.
type facilitatorSeed struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	SupportedNetworks []string `yaml:"supported_networks"`
	DiscoveryURL      string   `yaml:"discovery_url"`
	VerifyURL         string   `yaml:"verify_url"`
	SettleURL         string   `yaml:"settle_url"`
	Enabled           *bool    `yaml:"enabled"`
	Endpoints         map[string][]struct {
		Address        string `yaml:"address"`
		Enabled        *bool  `yaml:"enabled"`
		AcceptedTokens []struct {
			Address  string `yaml:"address"`
			Symbol   string `yaml:"symbol"`
			Decimals int    `yaml:"decimals"`
		} `yaml:"accepted_tokens"`
	} `yaml:"endpoints"`
}

type facilitatorsFile struct {
	Facilitators []facilitatorSeed `yaml:"facilitators"`
}

// LoadFacilitators reads the YAML seed list of known facilitators.
func LoadFacilitators(path string) ([]model.FacilitatorRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read facilitators file: %w", err)
	}
	var parsed facilitatorsFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse facilitators file: %w", err)
	}

	out := make([]model.FacilitatorRecord, 0, len(parsed.Facilitators))
	for i, seed := range parsed.Facilitators {
		if strings.TrimSpace(seed.ID) == "" {
			return nil, fmt.Errorf("facilitators[%d]: id is required", i)
		}
		rec := model.FacilitatorRecord{
			ID:           seed.ID,
			Name:         seed.Name,
			DiscoveryURL: seed.DiscoveryURL,
			VerifyURL:    seed.VerifyURL,
			SettleURL:    seed.SettleURL,
			Enabled:      seed.Enabled == nil || *seed.Enabled,
			Endpoints:    map[model.Network][]model.FacilitatorEndpoint{},
		}
		for _, n := range seed.SupportedNetworks {
			rec.SupportedNetworks = append(rec.SupportedNetworks, model.Network(n))
		}
		for network, eps := range seed.Endpoints {
			for _, ep := range eps {
				endpoint := model.FacilitatorEndpoint{
					Address: ep.Address,
					Enabled: ep.Enabled == nil || *ep.Enabled,
				}
				for _, tok := range ep.AcceptedTokens {
					endpoint.AcceptedTokens = append(endpoint.AcceptedTokens, model.TokenConfig{
						Address:  tok.Address,
						Symbol:   tok.Symbol,
						Decimals: tok.Decimals,
					})
				}
				rec.Endpoints[model.Network(network)] = append(rec.Endpoints[model.Network(network)], endpoint)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}
