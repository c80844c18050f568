package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parlakisik/x402-trust/internal/compliance"
	"github.com/parlakisik/x402-trust/internal/events"
	"github.com/parlakisik/x402-trust/internal/ledger"
	"github.com/parlakisik/x402-trust/internal/metrics"
	"github.com/parlakisik/x402-trust/internal/model"
	"github.com/parlakisik/x402-trust/internal/registry"
	"github.com/parlakisik/x402-trust/internal/reputation"
	"github.com/parlakisik/x402-trust/internal/store"
	"github.com/shopspring/decimal"
)

type Params struct {
	// MinHeaderLength rejects obviously malformed headers before any ledger
	// lookup is attempted.
	MinHeaderLength int
}

func DefaultParams() Params {
	return Params{MinHeaderLength: 16}
}

// FacilitatorAPI is the external verify/settle surface of a selected
// facilitator.
type FacilitatorAPI interface {
	Verify(ctx context.Context, rec *model.FacilitatorRecord, paymentHeader string, req model.PaymentRequirement) model.VerificationResult
	Settle(ctx context.Context, rec *model.FacilitatorRecord, paymentHeader string, req model.PaymentRequirement) model.SettlementResult
}

// Coordinator drives one payment through screen -> select -> verify ->
// settle and reports the outcome to the reputation and metrics engines.
type Coordinator struct {
	params       Params
	ledger       ledger.Ledger
	screener     *compliance.Screener
	registry     *registry.Registry
	facilitators FacilitatorAPI
	metrics      *metrics.Aggregator
	reputation   *reputation.Engine
	repStore     store.ReputationStore
	settlements  store.SettlementStore
	bus          *events.Bus
	now          func() time.Time

	// Per-key locks serializing load-apply-save sequences so concurrent
	// payments cannot erase each other's writes.
	repLocks    store.KeyMutex
	settleLocks store.KeyMutex
}

type Deps struct {
	Ledger       ledger.Ledger
	Screener     *compliance.Screener
	Registry     *registry.Registry
	Facilitators FacilitatorAPI
	Metrics      *metrics.Aggregator
	Reputation   *reputation.Engine
	RepStore     store.ReputationStore
	Settlements  store.SettlementStore
	Bus          *events.Bus
}

func New(params Params, deps Deps) *Coordinator {
	if params.MinHeaderLength <= 0 {
		params.MinHeaderLength = DefaultParams().MinHeaderLength
	}
	return &Coordinator{
		params:       params,
		ledger:       deps.Ledger,
		screener:     deps.Screener,
		registry:     deps.Registry,
		facilitators: deps.Facilitators,
		metrics:      deps.Metrics,
		reputation:   deps.Reputation,
		repStore:     deps.RepStore,
		settlements:  deps.Settlements,
		bus:          deps.Bus,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// parseHeader splits an x402 payment header into its signature ref and
// payload. Headers shorter than the minimum or missing the delimiter are
// malformed.
func (c *Coordinator) parseHeader(header string) (sigRef, payload string, ok bool) {
	if len(header) < c.params.MinHeaderLength {
		return "", "", false
	}
	i := strings.IndexByte(header, ':')
	if i <= 0 || i == len(header)-1 {
		return "", "", false
	}
	return header[:i], header[i+1:], true
}

// Verify runs the verification state machine against the ledger capability.
// Requirement schema violations surface as an error; protocol rejections
// come back as a typed result callers branch on.
func (c *Coordinator) Verify(ctx context.Context, paymentHeader string, req model.PaymentRequirement) (model.VerificationResult, error) {
	if err := req.Validate(); err != nil {
		return model.VerificationResult{}, fmt.Errorf("invalid requirement: %w", err)
	}
	result := c.verify(ctx, paymentHeader, req)
	c.emitVerification(ctx, result, req)
	return result, nil
}

func (c *Coordinator) verify(ctx context.Context, paymentHeader string, req model.PaymentRequirement) model.VerificationResult {
	sigRef, _, ok := c.parseHeader(paymentHeader)
	if !ok {
		return rejected(model.ReasonInvalidHeader, "malformed payment header", false)
	}

	receipt, err := c.ledger.LookupTransfer(ctx, sigRef)
	if err != nil {
		// Lookup failures, timeouts included, are retryable; finality checks
		// legitimately need retry-with-backoff.
		return rejected(model.ReasonLookupFailed, fmt.Sprintf("ledger lookup: %v", err), true)
	}
	if !receipt.Finalized {
		return rejected(model.ReasonLookupFailed, "transfer not finalized", true)
	}

	required, err := decimal.NewFromString(req.MaxAmountRequired)
	if err != nil {
		return rejected(model.ReasonUnknown, "unparsable required amount", false)
	}
	paid, err := decimal.NewFromString(receipt.Amount)
	if err != nil {
		return rejected(model.ReasonUnknown, "unparsable receipt amount", false)
	}

	// Checks run in a fixed order so the first failure is deterministic.
	switch {
	case paid.LessThan(required):
		return rejected(model.ReasonInsufficientPayment,
			fmt.Sprintf("paid %s, required %s", paid, required), false)
	case receipt.Recipient != req.PayTo:
		return rejected(model.ReasonRecipientMismatch, "receipt recipient does not match payTo", false)
	case receipt.Asset != req.Asset:
		return rejected(model.ReasonAssetMismatch, "receipt asset does not match requirement", false)
	case receipt.Network != req.Network:
		return rejected(model.ReasonNetworkMismatch, "receipt network does not match requirement", false)
	}

	return model.VerificationResult{State: model.StateVerified, Receipt: receipt}
}

// Settle re-verifies and marks the transfer settled. Settling an
// already-settled signature returns the prior success instead of erroring.
func (c *Coordinator) Settle(ctx context.Context, paymentHeader string, req model.PaymentRequirement) (model.SettlementResult, error) {
	if err := req.Validate(); err != nil {
		return model.SettlementResult{}, fmt.Errorf("invalid requirement: %w", err)
	}

	sigRef, _, ok := c.parseHeader(paymentHeader)
	if !ok {
		result := settlementFailed(model.ReasonInvalidHeader, "malformed payment header", false)
		c.emitSettlement(ctx, result, req, "")
		return result, nil
	}

	unlock := c.settleLocks.Lock(sigRef)
	defer unlock()

	if prior, err := c.settlements.GetSettlement(ctx, sigRef); err != nil {
		return model.SettlementResult{}, fmt.Errorf("settlement lookup: %w", err)
	} else if prior != nil {
		return model.SettlementResult{
			State:          model.StateSettled,
			TransactionRef: prior.TransactionRef,
			SettledAt:      prior.SettledAt,
		}, nil
	}

	verification := c.verify(ctx, paymentHeader, req)
	if !verification.Verified() {
		result := settlementFailed(verification.Reason, verification.Message, verification.Retryable)
		c.emitSettlement(ctx, result, req, sigRef)
		return result, nil
	}

	record := model.SettlementRecord{
		SignatureRef:   sigRef,
		TransactionRef: "stl_" + uuid.NewString(),
		PayTo:          req.PayTo,
		Asset:          req.Asset,
		Network:        req.Network,
		Amount:         verification.Receipt.Amount,
		SettledAt:      c.now(),
	}
	if err := c.settlements.SaveSettlement(ctx, record); err != nil {
		return model.SettlementResult{}, fmt.Errorf("save settlement: %w", err)
	}

	result := model.SettlementResult{
		State:          model.StateSettled,
		TransactionRef: record.TransactionRef,
		SettledAt:      record.SettledAt,
	}
	c.emitSettlement(ctx, result, req, sigRef)
	return result, nil
}

func rejected(reason model.RejectReason, message string, retryable bool) model.VerificationResult {
	return model.VerificationResult{
		State:     model.StateRejected,
		Reason:    reason,
		Message:   message,
		Retryable: retryable,
	}
}

func settlementFailed(reason model.RejectReason, message string, retryable bool) model.SettlementResult {
	return model.SettlementResult{
		State:     model.StateSettlementFailed,
		Reason:    reason,
		Message:   message,
		Retryable: retryable,
	}
}

func (c *Coordinator) emitVerification(ctx context.Context, result model.VerificationResult, req model.PaymentRequirement) {
	if c.bus == nil {
		return
	}
	if result.Verified() {
		c.bus.Publish(ctx, events.EventPaymentVerified, events.PaymentVerifiedData{
			SignatureRef: result.Receipt.SignatureRef,
			Resource:     req.Resource,
			Network:      req.Network,
			Amount:       result.Receipt.Amount,
			PayTo:        req.PayTo,
		})
		return
	}
	c.bus.Publish(ctx, events.EventPaymentRejected, events.PaymentRejectedData{
		Resource:  req.Resource,
		Network:   req.Network,
		Reason:    result.Reason,
		Retryable: result.Retryable,
	})
}

func (c *Coordinator) emitSettlement(ctx context.Context, result model.SettlementResult, req model.PaymentRequirement, sigRef string) {
	if c.bus == nil {
		return
	}
	if result.Settled() {
		c.bus.Publish(ctx, events.EventPaymentSettled, events.PaymentSettledData{
			SignatureRef:   sigRef,
			TransactionRef: result.TransactionRef,
			Resource:       req.Resource,
			Network:        req.Network,
			SettledAt:      result.SettledAt,
		})
		return
	}
	c.bus.Publish(ctx, events.EventPaymentRejected, events.PaymentRejectedData{
		SignatureRef: sigRef,
		Resource:     req.Resource,
		Network:      req.Network,
		Reason:       result.Reason,
		Retryable:    result.Retryable,
	})
}
