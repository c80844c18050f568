package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlakisik/x402-trust/internal/compliance"
	"github.com/parlakisik/x402-trust/internal/events"
	"github.com/parlakisik/x402-trust/internal/metrics"
	"github.com/parlakisik/x402-trust/internal/model"
	"github.com/parlakisik/x402-trust/internal/registry"
	"github.com/parlakisik/x402-trust/internal/reputation"
	"github.com/parlakisik/x402-trust/internal/store"
)

const (
	testNetwork = model.Network("base")
	testAsset   = "0xusdc"
	testPayTo   = "0xmerchant"
	testHeader  = "sig-transfer-001:payload-data"
	testSigRef  = "sig-transfer-001"
)

var coordNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeLedger struct {
	receipts map[string]*model.TransferReceipt
	err      error
	onLookup func()
}

func (f *fakeLedger) LookupTransfer(ctx context.Context, sigRef string) (*model.TransferReceipt, error) {
	if f.onLookup != nil {
		f.onLookup()
	}
	if f.err != nil {
		return nil, f.err
	}
	receipt, ok := f.receipts[sigRef]
	if !ok {
		return nil, errors.New("transfer not found")
	}
	return receipt, nil
}

func goodReceipt(amount string) *model.TransferReceipt {
	return &model.TransferReceipt{
		SignatureRef: testSigRef,
		Amount:       amount,
		Recipient:    testPayTo,
		Asset:        testAsset,
		Network:      testNetwork,
		Finalized:    true,
	}
}

func requirement() model.PaymentRequirement {
	return model.PaymentRequirement{
		Scheme:            model.SchemeExact,
		Network:           testNetwork,
		MaxAmountRequired: "1.000000",
		Resource:          "api/quote",
		PayTo:             testPayTo,
		Asset:             testAsset,
	}
}

type fixture struct {
	coord  *Coordinator
	ledger *fakeLedger
	store  *store.MemoryStore
	agg    *metrics.Aggregator
	reg    *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	led := &fakeLedger{receipts: map[string]*model.TransferReceipt{}}
	mem := store.NewMemoryStore()
	clock := func() time.Time { return coordNow }
	agg := metrics.NewWithClock(metrics.DefaultConfig(), clock)

	screenerCfg := compliance.DefaultConfig()
	screenerCfg.Sanctioned = []string{"0xbad"}
	screener := compliance.NewWithClock(screenerCfg, nil, clock)

	reg := registry.NewWithClock(registry.DefaultConfig(), nil, clock)
	rec := model.FacilitatorRecord{
		ID:                "fac-a",
		Name:              "Facilitator A",
		SupportedNetworks: []model.Network{testNetwork},
		Endpoints: map[model.Network][]model.FacilitatorEndpoint{
			testNetwork: {{
				Address:        "0xfac",
				AcceptedTokens: []model.TokenConfig{{Address: testAsset}},
				Enabled:        true,
			}},
		},
		Enabled: true,
	}
	require.NoError(t, reg.Register(context.Background(), rec))

	coord := New(DefaultParams(), Deps{
		Ledger:      led,
		Screener:    screener,
		Registry:    reg,
		Metrics:     agg,
		Reputation:  reputation.NewWithClock(reputation.DefaultParams(), clock),
		RepStore:    mem,
		Settlements: mem,
		Bus:         events.NewBus("test"),
	})
	return &fixture{coord: coord, ledger: led, store: mem, agg: agg, reg: reg}
}

func TestVerifyExactPayment(t *testing.T) {
	f := newFixture(t)
	f.ledger.receipts[testSigRef] = goodReceipt("1.000000")

	result, err := f.coord.Verify(context.Background(), testHeader, requirement())
	require.NoError(t, err)
	assert.Equal(t, model.StateVerified, result.State)
	require.NotNil(t, result.Receipt)
	assert.Equal(t, "1.000000", result.Receipt.Amount)
}

func TestVerifyRejections(t *testing.T) {
	tests := []struct {
		name          string
		header        string
		receipt       *model.TransferReceipt
		ledgerErr     error
		wantReason    model.RejectReason
		wantRetryable bool
	}{
		{
			name:       "header too short",
			header:     "a:b",
			wantReason: model.ReasonInvalidHeader,
		},
		{
			name:       "header missing delimiter",
			header:     "sig-transfer-001-payload",
			wantReason: model.ReasonInvalidHeader,
		},
		{
			name:          "ledger unreachable",
			header:        testHeader,
			ledgerErr:     errors.New("connection refused"),
			wantReason:    model.ReasonLookupFailed,
			wantRetryable: true,
		},
		{
			name:          "transfer unknown",
			header:        testHeader,
			wantReason:    model.ReasonLookupFailed,
			wantRetryable: true,
		},
		{
			name:   "transfer not finalized",
			header: testHeader,
			receipt: func() *model.TransferReceipt {
				r := goodReceipt("1.000000")
				r.Finalized = false
				return r
			}(),
			wantReason:    model.ReasonLookupFailed,
			wantRetryable: true,
		},
		{
			name:       "one unit short",
			header:     testHeader,
			receipt:    goodReceipt("0.999999"),
			wantReason: model.ReasonInsufficientPayment,
		},
		{
			name:   "wrong recipient",
			header: testHeader,
			receipt: func() *model.TransferReceipt {
				r := goodReceipt("1.000000")
				r.Recipient = "0xattacker"
				return r
			}(),
			wantReason: model.ReasonRecipientMismatch,
		},
		{
			name:   "wrong asset",
			header: testHeader,
			receipt: func() *model.TransferReceipt {
				r := goodReceipt("1.000000")
				r.Asset = "0xother"
				return r
			}(),
			wantReason: model.ReasonAssetMismatch,
		},
		{
			name:   "wrong network",
			header: testHeader,
			receipt: func() *model.TransferReceipt {
				r := goodReceipt("1.000000")
				r.Network = "solana"
				return r
			}(),
			wantReason: model.ReasonNetworkMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.ledger.err = tt.ledgerErr
			if tt.receipt != nil {
				f.ledger.receipts[testSigRef] = tt.receipt
			}

			result, err := f.coord.Verify(context.Background(), tt.header, requirement())
			require.NoError(t, err)
			assert.Equal(t, model.StateRejected, result.State)
			assert.Equal(t, tt.wantReason, result.Reason)
			assert.Equal(t, tt.wantRetryable, result.Retryable)
		})
	}
}

func TestVerifyInvalidRequirement(t *testing.T) {
	f := newFixture(t)
	req := requirement()
	req.PayTo = ""

	_, err := f.coord.Verify(context.Background(), testHeader, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payTo")
}

func TestInsufficientOverpaymentAccepted(t *testing.T) {
	f := newFixture(t)
	f.ledger.receipts[testSigRef] = goodReceipt("2.000000")

	result, err := f.coord.Verify(context.Background(), testHeader, requirement())
	require.NoError(t, err)
	assert.Equal(t, model.StateVerified, result.State)
}

func TestSettleIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.receipts[testSigRef] = goodReceipt("1.000000")

	first, err := f.coord.Settle(ctx, testHeader, requirement())
	require.NoError(t, err)
	require.Equal(t, model.StateSettled, first.State)
	require.NotEmpty(t, first.TransactionRef)

	second, err := f.coord.Settle(ctx, testHeader, requirement())
	require.NoError(t, err)
	assert.Equal(t, model.StateSettled, second.State)
	assert.Equal(t, first.TransactionRef, second.TransactionRef)
	assert.Equal(t, first.SettledAt, second.SettledAt)
}

func TestSettleMalformedHeader(t *testing.T) {
	f := newFixture(t)

	result, err := f.coord.Settle(context.Background(), "bad", requirement())
	require.NoError(t, err)
	assert.Equal(t, model.StateSettlementFailed, result.State)
	assert.Equal(t, model.ReasonInvalidHeader, result.Reason)
}

func TestSettleFailsOnRejectedVerification(t *testing.T) {
	f := newFixture(t)
	f.ledger.receipts[testSigRef] = goodReceipt("0.500000")

	result, err := f.coord.Settle(context.Background(), testHeader, requirement())
	require.NoError(t, err)
	assert.Equal(t, model.StateSettlementFailed, result.State)
	assert.Equal(t, model.ReasonInsufficientPayment, result.Reason)

	saved, err := f.store.GetSettlement(context.Background(), testSigRef)
	require.NoError(t, err)
	assert.Nil(t, saved, "rejected settlement must not persist")
}

func TestProcessPaymentEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.receipts[testSigRef] = goodReceipt("1.000000")

	outcome := model.JobOutcome{
		Completed:                true,
		QualityRating:            100,
		ExpectedDurationSec:      3600,
		ActualDurationSec:        3600,
		CounterpartySatisfaction: 100,
	}
	decision, err := f.coord.ProcessPayment(ctx, PaymentRequest{
		PaymentHeader: testHeader,
		Requirement:   requirement(),
		PayerAddress:  "0xpayer",
		Outcome:       &outcome,
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, "fac-a", decision.FacilitatorID)
	require.NotNil(t, decision.Settlement)
	assert.Equal(t, model.StateSettled, decision.Settlement.State)
	assert.Contains(t, decision.NewBadges, model.BadgeFirstJob)

	// Exactly one resource event, a success carrying the paid amount.
	wm := f.agg.GetWindowMetrics("api/quote", model.Window24h)
	assert.Equal(t, 1, wm.TotalRequests)
	assert.Equal(t, 1, wm.SuccessCount)
	assert.Equal(t, "1.000000", wm.PaymentVolume)

	// Reputation applied once.
	rec, err := f.store.GetReputation(ctx, "0xpayer")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1000, rec.Score)
	assert.Equal(t, 1, rec.JobsCompleted)
}

func TestProcessPaymentInsufficient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.receipts[testSigRef] = goodReceipt("0.999999")

	decision, err := f.coord.ProcessPayment(ctx, PaymentRequest{
		PaymentHeader: testHeader,
		Requirement:   requirement(),
		PayerAddress:  "0xpayer",
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, model.ReasonInsufficientPayment, decision.Verification.Reason)
	assert.Nil(t, decision.Settlement)

	wm := f.agg.GetWindowMetrics("api/quote", model.Window24h)
	assert.Equal(t, 1, wm.TotalRequests)
	assert.Equal(t, 1, wm.FailureCount)
	assert.Equal(t, 1, wm.StatusClasses["4xx"])

	saved, err := f.store.GetSettlement(ctx, testSigRef)
	require.NoError(t, err)
	assert.Nil(t, saved)
}

func TestProcessPaymentComplianceBlocked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.receipts[testSigRef] = goodReceipt("1.000000")

	decision, err := f.coord.ProcessPayment(ctx, PaymentRequest{
		PaymentHeader: testHeader,
		Requirement:   requirement(),
		PayerAddress:  "0xbad",
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, model.ReasonComplianceBlocked, decision.Verification.Reason)
	require.NotNil(t, decision.Compliance)
	assert.False(t, decision.Compliance.Allowed)
	assert.Empty(t, decision.FacilitatorID, "no route selection after a compliance block")

	wm := f.agg.GetWindowMetrics("api/quote", model.Window24h)
	assert.Equal(t, 1, wm.StatusClasses["4xx"])
}

func TestProcessPaymentNoRoute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.receipts[testSigRef] = goodReceipt("1.000000")

	req := requirement()
	req.Network = "polygon"
	decision, err := f.coord.ProcessPayment(ctx, PaymentRequest{
		PaymentHeader: testHeader,
		Requirement:   req,
		PayerAddress:  "0xpayer",
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, model.ReasonNoRoute, decision.Verification.Reason)

	wm := f.agg.GetWindowMetrics("api/quote", model.Window24h)
	assert.Equal(t, 1, wm.StatusClasses["5xx"])
}

func TestProcessPaymentCancelledMidVerify(t *testing.T) {
	f := newFixture(t)
	f.ledger.receipts[testSigRef] = goodReceipt("1.000000")

	ctx, cancel := context.WithCancel(context.Background())
	f.ledger.onLookup = cancel

	_, err := f.coord.ProcessPayment(ctx, PaymentRequest{
		PaymentHeader: testHeader,
		Requirement:   requirement(),
		PayerAddress:  "0xpayer",
	})
	require.ErrorIs(t, err, context.Canceled)

	// No metrics or reputation side effects after an abort.
	wm := f.agg.GetWindowMetrics("api/quote", model.Window24h)
	assert.Equal(t, 0, wm.TotalRequests)
	rec, err := f.store.GetReputation(context.Background(), "0xpayer")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRecordOutcomeConcurrentSameCounterparty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	outcome := model.JobOutcome{
		Completed:                true,
		QualityRating:            100,
		CounterpartySatisfaction: 100,
	}

	const workers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.coord.RecordOutcome(ctx, "0xpayer", outcome)
		}(i)
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	rec, err := f.store.GetReputation(ctx, "0xpayer")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, workers, rec.JobsCompleted, "every concurrent outcome must be counted")
	assert.Len(t, rec.PerformanceHistory, workers)
}

func TestProcessPaymentConcurrentOutcomesBothCounted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const payments = 2
	headers := make([]string, payments)
	for i := 0; i < payments; i++ {
		sigRef := fmt.Sprintf("sig-transfer-%03d", i+1)
		headers[i] = sigRef + ":payload-data"
		r := goodReceipt("1.000000")
		r.SignatureRef = sigRef
		f.ledger.receipts[sigRef] = r
	}
	outcome := model.JobOutcome{
		Completed:                true,
		QualityRating:            100,
		CounterpartySatisfaction: 100,
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	decisions := make([]PaymentDecision, payments)
	errs := make([]error, payments)
	for i := 0; i < payments; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			decisions[i], errs[i] = f.coord.ProcessPayment(ctx, PaymentRequest{
				PaymentHeader: headers[i],
				Requirement:   requirement(),
				PayerAddress:  "0xpayer",
				Outcome:       &outcome,
			})
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < payments; i++ {
		require.NoError(t, errs[i])
		assert.True(t, decisions[i].Allowed)
	}
	rec, err := f.store.GetReputation(ctx, "0xpayer")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, payments, rec.JobsCompleted, "neither payment's outcome may overwrite the other")
}

func TestSettleConcurrentSameSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.receipts[testSigRef] = goodReceipt("1.000000")

	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]model.SettlementResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.coord.Settle(ctx, testHeader, requirement())
		}(i)
	}
	close(start)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, model.StateSettled, results[0].State)
	assert.Equal(t, model.StateSettled, results[1].State)
	assert.Equal(t, results[0].TransactionRef, results[1].TransactionRef,
		"concurrent settles of one signature must agree on a single transaction ref")
}

type fakeFacilitatorAPI struct {
	verifyResult model.VerificationResult
	settleResult model.SettlementResult
	verifyCalls  int
	settleCalls  int
}

func (f *fakeFacilitatorAPI) Verify(ctx context.Context, rec *model.FacilitatorRecord, header string, req model.PaymentRequirement) model.VerificationResult {
	f.verifyCalls++
	return f.verifyResult
}

func (f *fakeFacilitatorAPI) Settle(ctx context.Context, rec *model.FacilitatorRecord, header string, req model.PaymentRequirement) model.SettlementResult {
	f.settleCalls++
	return f.settleResult
}

func TestProcessPaymentRoutesThroughFacilitator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Facilitator endpoints take priority over the local ledger machine.
	remote := &fakeFacilitatorAPI{
		verifyResult: model.VerificationResult{State: model.StateVerified, Receipt: goodReceipt("1.000000")},
		settleResult: model.SettlementResult{State: model.StateSettled, TransactionRef: "stl_remote", SettledAt: coordNow},
	}
	f.coord.facilitators = remote

	rec, ok := f.reg.Get("fac-a")
	require.True(t, ok)
	rec.VerifyURL = "https://fac-a.example/verify"
	rec.SettleURL = "https://fac-a.example/settle"
	require.NoError(t, f.reg.Update(ctx, rec))

	decision, err := f.coord.ProcessPayment(ctx, PaymentRequest{
		PaymentHeader: testHeader,
		Requirement:   requirement(),
		PayerAddress:  "0xpayer",
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, remote.verifyCalls)
	assert.Equal(t, 1, remote.settleCalls)

	// Remote settlements persist for idempotency like local ones.
	saved, err := f.store.GetSettlement(ctx, testSigRef)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "stl_remote", saved.TransactionRef)
	assert.Equal(t, "fac-a", saved.FacilitatorID)

	// A replay settles from the stored record without another remote call.
	decision, err = f.coord.ProcessPayment(ctx, PaymentRequest{
		PaymentHeader: testHeader,
		Requirement:   requirement(),
		PayerAddress:  "0xpayer",
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, remote.settleCalls)
	assert.Equal(t, "stl_remote", decision.Settlement.TransactionRef)
}
