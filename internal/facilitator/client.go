package facilitator

import (
	"context"
	"fmt"
	"time"

	"github.com/parlakisik/x402-trust/internal/httpclient"
	"github.com/parlakisik/x402-trust/internal/model"
)

// Client talks to a facilitator's declared verify/settle/discovery
// endpoints. Request and response bodies mirror the engine's own
// verify/settle contracts.
type Client struct {
	http *httpclient.Client
}

func NewClient(timeout time.Duration) *Client {
	return &Client{http: httpclient.New("facilitator", timeout)}
}

type verifyRequest struct {
	X402Version        string                   `json:"x402Version"`
	PaymentHeader      string                   `json:"paymentHeader"`
	PaymentRequirement model.PaymentRequirement `json:"paymentRequirements"`
}

// Verify calls the facilitator's verify endpoint. A transport failure is a
// retryable lookup failure, not a definitive rejection.
func (c *Client) Verify(ctx context.Context, rec *model.FacilitatorRecord, paymentHeader string, req model.PaymentRequirement) model.VerificationResult {
	body := verifyRequest{X402Version: model.X402Version, PaymentHeader: paymentHeader, PaymentRequirement: req}
	var result model.VerificationResult
	if err := c.http.PostJSON(ctx, rec.VerifyURL, nil, body, &result); err != nil {
		return model.VerificationResult{
			State:     model.StateRejected,
			Reason:    model.ReasonLookupFailed,
			Message:   fmt.Sprintf("facilitator %s verify unreachable: %v", rec.ID, err),
			Retryable: true,
		}
	}
	return result
}

// Settle calls the facilitator's settle endpoint.
func (c *Client) Settle(ctx context.Context, rec *model.FacilitatorRecord, paymentHeader string, req model.PaymentRequirement) model.SettlementResult {
	body := verifyRequest{X402Version: model.X402Version, PaymentHeader: paymentHeader, PaymentRequirement: req}
	var result model.SettlementResult
	if err := c.http.PostJSON(ctx, rec.SettleURL, nil, body, &result); err != nil {
		return model.SettlementResult{
			State:     model.StateSettlementFailed,
			Reason:    model.ReasonLookupFailed,
			Message:   fmt.Sprintf("facilitator %s settle unreachable: %v", rec.ID, err),
			Retryable: true,
		}
	}
	return result
}

// Discover fetches and validates the facilitator's advertised payment
// requirements.
func (c *Client) Discover(ctx context.Context, rec *model.FacilitatorRecord) ([]model.PaymentRequirement, error) {
	if rec.DiscoveryURL == "" {
		return nil, fmt.Errorf("facilitator %s has no discovery endpoint", rec.ID)
	}
	var resp model.PaymentRequirementsResponse
	if err := c.http.GetJSON(ctx, rec.DiscoveryURL, nil, &resp); err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	if err := resp.Validate(); err != nil {
		return nil, fmt.Errorf("discovery response invalid: %w", err)
	}
	return resp.Accepts, nil
}
