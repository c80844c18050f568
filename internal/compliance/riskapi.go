package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parlakisik/x402-trust/internal/httpclient"
	"github.com/parlakisik/x402-trust/internal/model"
)

// RiskClient is the optional external risk source.
type RiskClient interface {
	Score(ctx context.Context, addr string) (int, []model.ComplianceFlag, error)
}

// riskResponse is the typed shape of the external API's answer. Unknown
// fields land in Extra so a newer API never breaks decoding.
type riskResponse struct {
	RiskScore int            `json:"risk_score"`
	Flags     []string       `json:"flags"`
	Extra     map[string]any `json:"-"`
}

func (r *riskResponse) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["risk_score"]; ok {
		if err := json.Unmarshal(v, &r.RiskScore); err != nil {
			return fmt.Errorf("risk_score: %w", err)
		}
		delete(raw, "risk_score")
	}
	if v, ok := raw["flags"]; ok {
		if err := json.Unmarshal(v, &r.Flags); err != nil {
			return fmt.Errorf("flags: %w", err)
		}
		delete(raw, "flags")
	}
	if len(raw) > 0 {
		r.Extra = make(map[string]any, len(raw))
		for k, v := range raw {
			var val any
			_ = json.Unmarshal(v, &val)
			r.Extra[k] = val
		}
	}
	return nil
}

// HTTPRiskClient talks to a configured risk-scoring API.
type HTTPRiskClient struct {
	client  *httpclient.Client
	baseURL string
	apiKey  string
}

func NewHTTPRiskClient(baseURL, apiKey string, timeout time.Duration) *HTTPRiskClient {
	return &HTTPRiskClient{
		client:  httpclient.New("risk-api", timeout),
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

func (c *HTTPRiskClient) Score(ctx context.Context, addr string) (int, []model.ComplianceFlag, error) {
	var resp riskResponse
	url := fmt.Sprintf("%s/v1/addresses/%s/risk", c.baseURL, addr)
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}
	if err := c.client.GetJSON(ctx, url, headers, &resp); err != nil {
		return 0, nil, fmt.Errorf("risk api: %w", err)
	}
	if resp.RiskScore < 0 {
		resp.RiskScore = 0
	}
	if resp.RiskScore > 100 {
		resp.RiskScore = 100
	}
	flags := make([]model.ComplianceFlag, 0, len(resp.Flags))
	for _, f := range resp.Flags {
		flags = append(flags, model.ComplianceFlag(f))
	}
	if len(flags) == 0 && resp.RiskScore >= 70 {
		flags = append(flags, model.FlagHighRiskScore)
	}
	return resp.RiskScore, flags, nil
}
