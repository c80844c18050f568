package httpapi

import (
	"net/http"
)

func NewRouter(s *Service) http.Handler {
	mux := http.NewServeMux()

	// Payments
	mux.HandleFunc("POST /v1/payments/verify", s.HandleVerify)
	mux.HandleFunc("POST /v1/payments/settle", s.HandleSettle)
	mux.HandleFunc("POST /v1/payments/process", s.HandleProcessPayment)

	// Compliance
	mux.HandleFunc("POST /v1/compliance/screen", s.HandleScreen)
	mux.HandleFunc("POST /v1/compliance/blocklist", s.HandleAddBlocklist)
	mux.HandleFunc("DELETE /v1/compliance/blocklist/{address}", s.HandleRemoveBlocklist)

	// Reputation
	mux.HandleFunc("POST /v1/reputation/outcomes", s.HandleRecordOutcome)
	mux.HandleFunc("GET /v1/reputation/{counterparty}", s.HandleGetReputation)
	mux.HandleFunc("POST /v1/reputation/{counterparty}/slash", s.HandleSlash)

	// Metrics
	mux.HandleFunc("GET /v1/metrics/resources/{id}", s.HandleResourceMetrics)
	mux.HandleFunc("GET /v1/metrics/global", s.HandleGlobalMetrics)
	mux.HandleFunc("GET /v1/metrics/top", s.HandleTopResources)

	// Facilitator registry
	mux.HandleFunc("GET /v1/facilitators", s.HandleListFacilitators)
	mux.HandleFunc("POST /v1/facilitators", s.HandleRegisterFacilitator)
	mux.HandleFunc("PUT /v1/facilitators/{id}", s.HandleUpdateFacilitator)
	mux.HandleFunc("DELETE /v1/facilitators/{id}", s.HandleRemoveFacilitator)
	mux.HandleFunc("POST /v1/facilitators/{id}/health", s.HandleRecordHealth)
	mux.HandleFunc("POST /v1/facilitators/select", s.HandleSelectFacilitator)

	// Health
	mux.HandleFunc("GET /health", s.HandleHealth)

	return mux
}
