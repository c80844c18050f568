package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parlakisik/x402-trust/internal/events"
	"github.com/parlakisik/x402-trust/internal/model"
	"github.com/parlakisik/x402-trust/internal/reputation"
)

// PaymentRequest is one inbound payment to decide on.
type PaymentRequest struct {
	PaymentHeader string                   `json:"payment_header"`
	Requirement   model.PaymentRequirement `json:"requirement"`
	PayerAddress  string                   `json:"payer_address"`
	// Criteria narrows facilitator selection beyond what the requirement
	// implies. Network and token default from the requirement.
	Criteria model.SelectionCriteria `json:"criteria,omitempty"`
	// Counterparty is the reputation subject; defaults to the payer.
	Counterparty string `json:"counterparty,omitempty"`
	// Outcome, when set, marks this payment as concluding a job whose
	// result feeds the reputation engine.
	Outcome *model.JobOutcome `json:"outcome,omitempty"`
}

// PaymentDecision is the full result of one payment lifecycle.
type PaymentDecision struct {
	Allowed       bool                       `json:"allowed"`
	FacilitatorID string                     `json:"facilitator_id,omitempty"`
	Compliance    *model.PaymentScreenResult `json:"compliance,omitempty"`
	Verification  model.VerificationResult   `json:"verification"`
	Settlement    *model.SettlementResult    `json:"settlement,omitempty"`
	NewBadges     []model.BadgeType          `json:"new_badges,omitempty"`
	FraudDetected bool                       `json:"fraud_detected,omitempty"`
}

// ProcessPayment runs the whole lifecycle: screen both parties, select a
// facilitator, verify, settle, then record metrics and reputation. Exactly
// one resource event is recorded per payment, after the network result
// returns. Cancellation aborts the waiting step without partially applying
// reputation or metrics.
func (c *Coordinator) ProcessPayment(ctx context.Context, req PaymentRequest) (PaymentDecision, error) {
	if err := req.Requirement.Validate(); err != nil {
		return PaymentDecision{}, fmt.Errorf("invalid requirement: %w", err)
	}
	start := c.now()
	resource := req.Requirement.Resource
	if resource == "" {
		resource = req.Requirement.PayTo
	}

	decision := PaymentDecision{}

	screen := c.screener.ScreenPayment(ctx, req.PayerAddress, req.Requirement.PayTo, req.Requirement.MaxAmountRequired)
	decision.Compliance = &screen
	if !screen.Allowed {
		decision.Verification = rejected(model.ReasonComplianceBlocked, "party failed compliance screening", false)
		c.emitVerification(ctx, decision.Verification, req.Requirement)
		c.record(req, resource, start, 403, false, "")
		return decision, nil
	}

	criteria := req.Criteria
	if criteria.Network == "" {
		criteria.Network = req.Requirement.Network
	}
	if criteria.TokenAddress == "" {
		criteria.TokenAddress = req.Requirement.Asset
	}
	selected := c.registry.SelectBest(criteria)
	if selected == nil {
		// No route is a normal, reportable outcome, not a crash.
		decision.Verification = rejected(model.ReasonNoRoute, "no facilitator available for criteria", false)
		c.emitVerification(ctx, decision.Verification, req.Requirement)
		c.record(req, resource, start, 503, false, "")
		return decision, nil
	}
	decision.FacilitatorID = selected.ID

	verification := c.routeVerify(ctx, selected, req.PaymentHeader, req.Requirement)
	decision.Verification = verification
	if ctx.Err() != nil {
		// Aborted mid-wait; leave reputation and metrics untouched.
		return decision, ctx.Err()
	}
	if !verification.Verified() {
		c.record(req, resource, start, 402, false, "")
		return decision, nil
	}

	settlement, err := c.routeSettle(ctx, selected, req.PaymentHeader, req.Requirement, verification)
	if err != nil {
		return decision, err
	}
	decision.Settlement = &settlement
	if ctx.Err() != nil {
		return decision, ctx.Err()
	}
	if !settlement.Settled() {
		c.record(req, resource, start, 402, false, "")
		return decision, nil
	}

	decision.Allowed = true
	amount := req.Requirement.MaxAmountRequired
	if verification.Receipt != nil {
		amount = verification.Receipt.Amount
	}
	c.record(req, resource, start, 200, true, amount)
	c.applyReputation(ctx, req, &decision)
	return decision, nil
}

// routeVerify prefers the selected facilitator's verify endpoint and falls
// back to the local ledger state machine when no client is wired.
func (c *Coordinator) routeVerify(ctx context.Context, selected *model.FacilitatorRecord, header string, req model.PaymentRequirement) model.VerificationResult {
	if c.facilitators != nil && selected.VerifyURL != "" {
		result := c.facilitators.Verify(ctx, selected, header, req)
		c.emitVerification(ctx, result, req)
		return result
	}
	result := c.verify(ctx, header, req)
	c.emitVerification(ctx, result, req)
	return result
}

func (c *Coordinator) routeSettle(ctx context.Context, selected *model.FacilitatorRecord, header string, req model.PaymentRequirement, verification model.VerificationResult) (model.SettlementResult, error) {
	if c.facilitators != nil && selected.SettleURL != "" {
		sigRef, _, _ := c.parseHeader(header)
		unlock := c.settleLocks.Lock(sigRef)
		defer unlock()
		if prior, err := c.settlements.GetSettlement(ctx, sigRef); err == nil && prior != nil {
			return model.SettlementResult{
				State:          model.StateSettled,
				TransactionRef: prior.TransactionRef,
				SettledAt:      prior.SettledAt,
			}, nil
		}
		result := c.facilitators.Settle(ctx, selected, header, req)
		if result.Settled() {
			amount := req.MaxAmountRequired
			if verification.Receipt != nil {
				amount = verification.Receipt.Amount
			}
			record := model.SettlementRecord{
				SignatureRef:   sigRef,
				TransactionRef: result.TransactionRef,
				PayTo:          req.PayTo,
				Asset:          req.Asset,
				Network:        req.Network,
				Amount:         amount,
				FacilitatorID:  selected.ID,
				SettledAt:      result.SettledAt,
			}
			if err := c.settlements.SaveSettlement(ctx, record); err != nil {
				slog.WarnContext(ctx, "settlement record not persisted",
					"signature_ref", sigRef,
					"error", err,
				)
			}
		}
		c.emitSettlement(ctx, result, req, sigRef)
		return result, nil
	}
	return c.Settle(ctx, header, req)
}

// record logs exactly one resource event for the payment. It runs after the
// network result, never before.
func (c *Coordinator) record(req PaymentRequest, resource string, start time.Time, status int, success bool, amount string) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordEvent(model.ResourceEvent{
		ResourceID:    resource,
		Timestamp:     c.now(),
		LatencyMs:     c.now().Sub(start).Milliseconds(),
		StatusCode:    status,
		Success:       success,
		PaymentAmount: amount,
		PayerAddress:  req.PayerAddress,
	})
}

// applyReputation folds the job outcome into the counterparty's record when
// the payment concludes a job. Failures here never unwind a settled
// payment; they are logged and surfaced as advisory only.
func (c *Coordinator) applyReputation(ctx context.Context, req PaymentRequest, decision *PaymentDecision) {
	if req.Outcome == nil || c.reputation == nil || c.repStore == nil {
		return
	}
	counterparty := req.Counterparty
	if counterparty == "" {
		counterparty = req.PayerAddress
	}

	result, err := c.RecordOutcome(ctx, counterparty, *req.Outcome)
	if err != nil {
		slog.WarnContext(ctx, "reputation update failed", "counterparty", counterparty, "error", err)
		return
	}
	decision.NewBadges = result.NewBadges
	decision.FraudDetected = result.FraudDetected
}

// RecordOutcome folds one job outcome into the counterparty's stored record.
// The load-apply-save sequence is serialized per counterparty so two
// concurrent payments concluding jobs for the same counterparty cannot
// overwrite each other's outcomes.
func (c *Coordinator) RecordOutcome(ctx context.Context, counterparty string, outcome model.JobOutcome) (*reputation.Result, error) {
	unlock := c.repLocks.Lock(counterparty)
	defer unlock()

	rec, err := c.repStore.GetReputation(ctx, counterparty)
	if err != nil {
		return nil, fmt.Errorf("reputation load: %w", err)
	}
	if rec == nil {
		rec = model.NewReputationRecord(counterparty, c.now())
	}

	result, err := c.reputation.ApplyOutcome(rec, outcome)
	if err != nil {
		return nil, err
	}
	if err := c.repStore.UpsertReputation(ctx, *result.Record); err != nil {
		return nil, fmt.Errorf("reputation save: %w", err)
	}

	c.publishReputation(ctx, counterparty, result)
	return result, nil
}

// Slash applies a basis-point penalty under the same per-counterparty lock
// as outcome recording. A nil record with a nil error means the
// counterparty is unknown.
func (c *Coordinator) Slash(ctx context.Context, counterparty string, slashBp int) (*model.ReputationRecord, reputation.SlashResult, error) {
	unlock := c.repLocks.Lock(counterparty)
	defer unlock()

	rec, err := c.repStore.GetReputation(ctx, counterparty)
	if err != nil {
		return nil, reputation.SlashResult{}, fmt.Errorf("reputation load: %w", err)
	}
	if rec == nil {
		return nil, reputation.SlashResult{}, nil
	}

	result, err := c.reputation.CalculateSlashAmount(rec.Score, slashBp)
	if err != nil {
		return rec, reputation.SlashResult{}, err
	}
	rec.Score = result.NewScore
	rec.LastUpdated = c.now()
	if err := c.repStore.UpsertReputation(ctx, *rec); err != nil {
		return rec, reputation.SlashResult{}, fmt.Errorf("reputation save: %w", err)
	}
	return rec, result, nil
}

func (c *Coordinator) publishReputation(ctx context.Context, counterparty string, result *reputation.Result) {
	if c.bus != nil {
		c.bus.Publish(ctx, events.EventReputationUpdated, events.ReputationUpdatedData{
			Counterparty:  counterparty,
			PreviousScore: result.PreviousScore,
			NewScore:      result.Record.Score,
			JobScore:      result.JobScore,
		})
		for _, badge := range result.NewBadges {
			c.bus.Publish(ctx, events.EventBadgeAwarded, events.BadgeAwardedData{
				Counterparty: counterparty,
				Badge:        badge,
			})
		}
		if result.FraudDetected {
			c.bus.Publish(ctx, events.EventFraudSignal, events.FraudSignalData{
				Counterparty:   counterparty,
				FraudRiskScore: result.FraudRiskScore,
				Flags:          result.FraudFlags,
			})
		}
	}
}
