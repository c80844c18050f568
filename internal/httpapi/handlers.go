package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/parlakisik/x402-trust/internal/compliance"
	"github.com/parlakisik/x402-trust/internal/coordinator"
	"github.com/parlakisik/x402-trust/internal/events"
	"github.com/parlakisik/x402-trust/internal/metrics"
	"github.com/parlakisik/x402-trust/internal/model"
	"github.com/parlakisik/x402-trust/internal/registry"
	"github.com/parlakisik/x402-trust/internal/reputation"
	"github.com/parlakisik/x402-trust/internal/store"
)

// Service exposes the engine over HTTP.
type Service struct {
	coord    *coordinator.Coordinator
	screener *compliance.Screener
	registry *registry.Registry
	repStore store.ReputationStore
	metrics  *metrics.Aggregator
	bus      *events.Bus
}

func New(coord *coordinator.Coordinator, screener *compliance.Screener, reg *registry.Registry,
	repStore store.ReputationStore, agg *metrics.Aggregator, bus *events.Bus) *Service {
	return &Service{
		coord:    coord,
		screener: screener,
		registry: reg,
		repStore: repStore,
		metrics:  agg,
		bus:      bus,
	}
}

type paymentCall struct {
	PaymentHeader string                   `json:"payment_header"`
	Requirement   model.PaymentRequirement `json:"requirement"`
}

func (s *Service) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req paymentCall
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	result, err := s.coord.Verify(r.Context(), req.PaymentHeader, req.Requirement)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) HandleSettle(w http.ResponseWriter, r *http.Request) {
	var req paymentCall
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	result, err := s.coord.Settle(r.Context(), req.PaymentHeader, req.Requirement)
	if err != nil {
		slog.ErrorContext(r.Context(), "settle failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) HandleProcessPayment(w http.ResponseWriter, r *http.Request) {
	var req coordinator.PaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	decision, err := s.coord.ProcessPayment(r.Context(), req)
	if err != nil {
		if strings.Contains(err.Error(), "invalid requirement") {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.ErrorContext(r.Context(), "process payment failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type screenRequest struct {
	Address string `json:"address,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Amount  string `json:"amount,omitempty"`
}

func (s *Service) HandleScreen(w http.ResponseWriter, r *http.Request) {
	var req screenRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	switch {
	case req.Address != "":
		writeJSON(w, http.StatusOK, s.screener.ScreenAddress(r.Context(), req.Address))
	case req.From != "" && req.To != "":
		writeJSON(w, http.StatusOK, s.screener.ScreenPayment(r.Context(), req.From, req.To, req.Amount))
	default:
		http.Error(w, "address or from/to is required", http.StatusBadRequest)
	}
}

func (s *Service) HandleAddBlocklist(w http.ResponseWriter, r *http.Request) {
	var req screenRequest
	if err := decodeJSON(r, &req); err != nil || req.Address == "" {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}
	s.screener.AddToBlocklist(req.Address)
	writeJSON(w, http.StatusOK, map[string]any{"blocked": true, "address": req.Address})
}

func (s *Service) HandleRemoveBlocklist(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	if addr == "" {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}
	s.screener.RemoveFromBlocklist(addr)
	writeJSON(w, http.StatusOK, map[string]any{"blocked": false, "address": addr})
}

type outcomeRequest struct {
	Counterparty string           `json:"counterparty"`
	Outcome      model.JobOutcome `json:"outcome"`
}

func (s *Service) HandleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req outcomeRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Counterparty) == "" {
		http.Error(w, "counterparty is required", http.StatusBadRequest)
		return
	}

	result, err := s.coord.RecordOutcome(ctx, req.Counterparty, req.Outcome)
	if err != nil {
		switch {
		case errors.Is(err, reputation.ErrInvalidFactors):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, reputation.ErrCategoryLimit):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) HandleGetReputation(w http.ResponseWriter, r *http.Request) {
	counterparty := r.PathValue("counterparty")
	if counterparty == "" {
		http.Error(w, "counterparty is required", http.StatusBadRequest)
		return
	}
	rec, err := s.repStore.GetReputation(r.Context(), counterparty)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type slashRequest struct {
	SlashBasisPoints int `json:"slash_basis_points"`
}

func (s *Service) HandleSlash(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counterparty := r.PathValue("counterparty")
	var req slashRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	rec, result, err := s.coord.Slash(ctx, counterparty, req.SlashBasisPoints)
	switch {
	case err != nil && (errors.Is(err, reputation.ErrSlashExceedsCap) || errors.Is(err, reputation.ErrSlashFloor)):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	case rec == nil:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) HandleResourceMetrics(w http.ResponseWriter, r *http.Request) {
	resourceID := r.PathValue("id")
	if resourceID == "" {
		http.Error(w, "resource id is required", http.StatusBadRequest)
		return
	}
	window := model.Window(r.URL.Query().Get("window"))
	if window == "" {
		window = model.Window24h
	}
	if !window.Valid() {
		http.Error(w, "unknown window", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.GetWindowMetrics(resourceID, window))
}

func (s *Service) HandleGlobalMetrics(w http.ResponseWriter, r *http.Request) {
	window := model.Window(r.URL.Query().Get("window"))
	if window == "" {
		window = model.Window24h
	}
	if !window.Valid() {
		http.Error(w, "unknown window", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.GetGlobalMetrics(window))
}

func (s *Service) HandleTopResources(w http.ResponseWriter, r *http.Request) {
	window := model.Window(r.URL.Query().Get("window"))
	if window == "" {
		window = model.Window24h
	}
	if !window.Valid() {
		http.Error(w, "unknown window", http.StatusBadRequest)
		return
	}
	metric := r.URL.Query().Get("metric")
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window":    window,
		"metric":    metric,
		"resources": s.metrics.GetTopResources(window, metric, limit),
	})
}

func (s *Service) HandleListFacilitators(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"facilitators": s.registry.List()})
}

func (s *Service) HandleRegisterFacilitator(w http.ResponseWriter, r *http.Request) {
	var rec model.FacilitatorRecord
	if err := decodeJSON(r, &rec); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	err := s.registry.Register(r.Context(), rec)
	switch {
	case errors.Is(err, registry.ErrExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, registry.ErrInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusCreated, rec)
	}
}

func (s *Service) HandleUpdateFacilitator(w http.ResponseWriter, r *http.Request) {
	var rec model.FacilitatorRecord
	if err := decodeJSON(r, &rec); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	rec.ID = r.PathValue("id")
	err := s.registry.Update(r.Context(), rec)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, registry.ErrInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Service) HandleRemoveFacilitator(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.registry.Remove(r.Context(), id)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"removed": id})
	}
}

func (s *Service) HandleRecordHealth(w http.ResponseWriter, r *http.Request) {
	var sample model.HealthSample
	if err := decodeJSON(r, &sample); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	sample.FacilitatorID = r.PathValue("id")
	if _, ok := s.registry.Get(sample.FacilitatorID); !ok {
		http.Error(w, "facilitator not found", http.StatusNotFound)
		return
	}
	s.registry.RecordHealth(sample)
	if s.bus != nil {
		s.bus.Publish(r.Context(), events.EventFacilitatorHealth, events.FacilitatorHealthData{
			FacilitatorID: sample.FacilitatorID,
			Status:        sample.Status,
			LatencyMs:     sample.LatencyMs,
		})
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"recorded": true})
}

func (s *Service) HandleSelectFacilitator(w http.ResponseWriter, r *http.Request) {
	var criteria model.SelectionCriteria
	if err := decodeJSON(r, &criteria); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	selected := s.registry.SelectBest(criteria)
	if selected == nil {
		// Absence of a route is a normal outcome, reported as such.
		writeJSON(w, http.StatusOK, map[string]any{"selected": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"selected": selected})
}

func (s *Service) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	defer func() { _ = r.Body.Close() }()
	return json.Unmarshal(body, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
