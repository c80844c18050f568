package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlakisik/x402-trust/internal/compliance"
	"github.com/parlakisik/x402-trust/internal/coordinator"
	"github.com/parlakisik/x402-trust/internal/metrics"
	"github.com/parlakisik/x402-trust/internal/model"
	"github.com/parlakisik/x402-trust/internal/registry"
	"github.com/parlakisik/x402-trust/internal/reputation"
	"github.com/parlakisik/x402-trust/internal/store"
)

type stubLedger struct {
	receipt *model.TransferReceipt
}

func (s *stubLedger) LookupTransfer(ctx context.Context, sigRef string) (*model.TransferReceipt, error) {
	if s.receipt == nil {
		return nil, errors.New("transfer not found")
	}
	return s.receipt, nil
}

func newTestServer(t *testing.T, led *stubLedger) (http.Handler, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	screener := compliance.New(compliance.DefaultConfig(), nil)
	reg := registry.New(registry.DefaultConfig(), nil)
	agg := metrics.New(metrics.DefaultConfig())
	engine := reputation.New(reputation.DefaultParams())

	coord := coordinator.New(coordinator.DefaultParams(), coordinator.Deps{
		Ledger:      led,
		Screener:    screener,
		Registry:    reg,
		Metrics:     agg,
		Reputation:  engine,
		RepStore:    mem,
		Settlements: mem,
	})
	return NewRouter(New(coord, screener, reg, mem, agg, nil)), mem
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := newTestServer(t, &stubLedger{})
	rr := doJSON(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rr.Body.String())
}

func TestVerifyEndpoint(t *testing.T) {
	led := &stubLedger{receipt: &model.TransferReceipt{
		SignatureRef: "sig-transfer-001",
		Amount:       "1.000000",
		Recipient:    "0xmerchant",
		Asset:        "0xusdc",
		Network:      "base",
		Finalized:    true,
	}}
	h, _ := newTestServer(t, led)

	body := map[string]any{
		"payment_header": "sig-transfer-001:payload",
		"requirement": map[string]any{
			"scheme":            "exact",
			"network":           "base",
			"maxAmountRequired": "1.000000",
			"payTo":             "0xmerchant",
			"asset":             "0xusdc",
		},
	}
	rr := doJSON(t, h, http.MethodPost, "/v1/payments/verify", body)
	require.Equal(t, http.StatusOK, rr.Code)

	var result model.VerificationResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, model.StateVerified, result.State)
}

func TestVerifyEndpointBadRequirement(t *testing.T) {
	h, _ := newTestServer(t, &stubLedger{})
	body := map[string]any{
		"payment_header": "sig-transfer-001:payload",
		"requirement":    map[string]any{"network": "base"},
	}
	rr := doJSON(t, h, http.MethodPost, "/v1/payments/verify", body)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestFacilitatorLifecycleEndpoints(t *testing.T) {
	h, _ := newTestServer(t, &stubLedger{})

	rec := map[string]any{
		"id":                 "fac-a",
		"name":               "Facilitator A",
		"supported_networks": []string{"base"},
		"enabled":            true,
	}
	rr := doJSON(t, h, http.MethodPost, "/v1/facilitators", rec)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/v1/facilitators", rec)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/v1/facilitators", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var listing struct {
		Facilitators []model.FacilitatorRecord `json:"facilitators"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listing))
	require.Len(t, listing.Facilitators, 1)

	rr = doJSON(t, h, http.MethodPost, "/v1/facilitators/fac-a/health", map[string]any{
		"status":     "HEALTHY",
		"latency_ms": 40,
	})
	assert.Equal(t, http.StatusAccepted, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/v1/facilitators/ghost/health", map[string]any{
		"status": "HEALTHY",
	})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/v1/facilitators/select", map[string]any{"network": "base"})
	require.Equal(t, http.StatusOK, rr.Code)
	var selection struct {
		Selected *model.FacilitatorRecord `json:"selected"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &selection))
	require.NotNil(t, selection.Selected)
	assert.Equal(t, "fac-a", selection.Selected.ID)

	rr = doJSON(t, h, http.MethodDelete, "/v1/facilitators/fac-a", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = doJSON(t, h, http.MethodDelete, "/v1/facilitators/fac-a", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSelectEndpointNoRoute(t *testing.T) {
	h, _ := newTestServer(t, &stubLedger{})
	rr := doJSON(t, h, http.MethodPost, "/v1/facilitators/select", map[string]any{"network": "base"})
	require.Equal(t, http.StatusOK, rr.Code)
	var selection struct {
		Selected *model.FacilitatorRecord `json:"selected"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &selection))
	assert.Nil(t, selection.Selected)
}

func TestReputationEndpoints(t *testing.T) {
	h, mem := newTestServer(t, &stubLedger{})

	rr := doJSON(t, h, http.MethodGet, "/v1/reputation/agent-1", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/v1/reputation/outcomes", map[string]any{
		"counterparty": "agent-1",
		"outcome": map[string]any{
			"completed":                 true,
			"quality_rating":            100,
			"counterparty_satisfaction": 100,
		},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var result reputation.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, 1000, result.Record.Score)

	rr = doJSON(t, h, http.MethodGet, "/v1/reputation/agent-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/v1/reputation/agent-1/slash", map[string]any{
		"slash_basis_points": 1000,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var slash reputation.SlashResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &slash))
	assert.Equal(t, 900, slash.NewScore)
	assert.Equal(t, 100, slash.SlashAmount)

	rec, err := mem.GetReputation(context.Background(), "agent-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 900, rec.Score)

	// Below the slashable floor now.
	rr = doJSON(t, h, http.MethodPost, "/v1/reputation/agent-1/slash", map[string]any{
		"slash_basis_points": 1000,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestRecordOutcomeRequiresCounterparty(t *testing.T) {
	h, _ := newTestServer(t, &stubLedger{})
	rr := doJSON(t, h, http.MethodPost, "/v1/reputation/outcomes", map[string]any{
		"outcome": map[string]any{"completed": true},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRecordOutcomeEndpointConcurrent(t *testing.T) {
	h, mem := newTestServer(t, &stubLedger{})

	body, err := json.Marshal(map[string]any{
		"counterparty": "0xworker",
		"outcome": map[string]any{
			"completed":                 true,
			"quality_rating":            100,
			"counterparty_satisfaction": 100,
		},
	})
	require.NoError(t, err)

	const workers = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	codes := make([]int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			req := httptest.NewRequest(http.MethodPost, "/v1/reputation/outcomes", bytes.NewReader(body))
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			codes[i] = rr.Code
		}(i)
	}
	close(start)
	wg.Wait()

	for _, code := range codes {
		require.Equal(t, http.StatusOK, code)
	}
	rec, err := mem.GetReputation(context.Background(), "0xworker")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, workers, rec.JobsCompleted, "every posted outcome must land in the record")
}

func TestComplianceEndpoints(t *testing.T) {
	h, _ := newTestServer(t, &stubLedger{})

	rr := doJSON(t, h, http.MethodPost, "/v1/compliance/screen", map[string]any{"address": "0xclean"})
	require.Equal(t, http.StatusOK, rr.Code)
	var single model.ComplianceResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &single))
	assert.True(t, single.Allowed)

	rr = doJSON(t, h, http.MethodPost, "/v1/compliance/blocklist", map[string]any{"address": "0xclean"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/v1/compliance/screen", map[string]any{
		"from": "0xclean",
		"to":   "0xother",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var pair model.PaymentScreenResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pair))
	assert.False(t, pair.Allowed)

	rr = doJSON(t, h, http.MethodDelete, "/v1/compliance/blocklist/0xclean", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/v1/compliance/screen", map[string]any{"address": "0xclean"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &single))
	assert.True(t, single.Allowed)

	rr = doJSON(t, h, http.MethodPost, "/v1/compliance/screen", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMetricsEndpoints(t *testing.T) {
	h, _ := newTestServer(t, &stubLedger{})

	rr := doJSON(t, h, http.MethodGet, "/v1/metrics/resources/api%2Fquote?window=24h", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var wm model.WindowMetrics
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &wm))
	assert.Equal(t, 0, wm.TotalRequests)
	assert.Nil(t, wm.UptimePercent)

	rr = doJSON(t, h, http.MethodGet, "/v1/metrics/resources/api%2Fquote?window=2h", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/v1/metrics/global", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/v1/metrics/top?metric=requests&limit=5", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestProcessEndpoint(t *testing.T) {
	led := &stubLedger{receipt: &model.TransferReceipt{
		SignatureRef: "sig-transfer-001",
		Amount:       "1.000000",
		Recipient:    "0xmerchant",
		Asset:        "0xusdc",
		Network:      "base",
		Finalized:    true,
	}}
	h, _ := newTestServer(t, led)

	// Register a facilitator so routing succeeds.
	rr := doJSON(t, h, http.MethodPost, "/v1/facilitators", map[string]any{
		"id":                 "fac-a",
		"name":               "Facilitator A",
		"supported_networks": []string{"base"},
		"enabled":            true,
		"endpoints": map[string]any{
			"base": []map[string]any{{
				"address":         "0xfac",
				"enabled":         true,
				"accepted_tokens": []map[string]any{{"address": "0xusdc"}},
			}},
		},
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/v1/payments/process", map[string]any{
		"payment_header": "sig-transfer-001:payload",
		"payer_address":  "0xpayer",
		"requirement": map[string]any{
			"scheme":            "exact",
			"network":           "base",
			"maxAmountRequired": "1.000000",
			"resource":          "api/quote",
			"payTo":             "0xmerchant",
			"asset":             "0xusdc",
		},
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var decision coordinator.PaymentDecision
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decision))
	assert.True(t, decision.Allowed)
	assert.Equal(t, "fac-a", decision.FacilitatorID)
	require.NotNil(t, decision.Settlement)
	assert.Equal(t, model.StateSettled, decision.Settlement.State)

	// The resource now shows one successful request.
	rr = doJSON(t, h, http.MethodGet, "/v1/metrics/resources/api%2Fquote?window=24h", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var wm model.WindowMetrics
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &wm))
	assert.Equal(t, 1, wm.TotalRequests)
}
