package events

import (
	"time"

	"github.com/parlakisik/x402-trust/internal/model"
)

// Event type constants.
const (
	EventPaymentVerified   = "payment.verified"
	EventPaymentSettled    = "payment.settled"
	EventPaymentRejected   = "payment.rejected"
	EventReputationUpdated = "reputation.updated"
	EventBadgeAwarded      = "reputation.badge_awarded"
	EventFraudSignal       = "reputation.fraud_signal"
	EventFacilitatorHealth = "facilitator.health"
)

// Envelope wraps every published event.
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	SchemaVersion string    `json:"schema_version"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	Data          any       `json:"data"`
}

type PaymentVerifiedData struct {
	SignatureRef  string        `json:"signature_ref"`
	Resource      string        `json:"resource,omitempty"`
	Network       model.Network `json:"network"`
	Amount        string        `json:"amount"`
	PayTo         string        `json:"pay_to"`
	FacilitatorID string        `json:"facilitator_id,omitempty"`
	LatencyMs     int64         `json:"latency_ms"`
}

type PaymentSettledData struct {
	SignatureRef   string        `json:"signature_ref"`
	TransactionRef string        `json:"transaction_ref"`
	Resource       string        `json:"resource,omitempty"`
	Network        model.Network `json:"network"`
	Amount         string        `json:"amount"`
	FacilitatorID  string        `json:"facilitator_id,omitempty"`
	SettledAt      time.Time     `json:"settled_at"`
}

type PaymentRejectedData struct {
	SignatureRef string             `json:"signature_ref,omitempty"`
	Resource     string             `json:"resource,omitempty"`
	Network      model.Network      `json:"network,omitempty"`
	Reason       model.RejectReason `json:"reason"`
	Retryable    bool               `json:"retryable"`
}

type ReputationUpdatedData struct {
	Counterparty  string `json:"counterparty"`
	PreviousScore int    `json:"previous_score"`
	NewScore      int    `json:"new_score"`
	JobScore      int    `json:"job_score"`
}

type BadgeAwardedData struct {
	Counterparty string            `json:"counterparty"`
	Badge        model.BadgeType   `json:"badge"`
}

type FraudSignalData struct {
	Counterparty   string   `json:"counterparty"`
	FraudRiskScore int      `json:"fraud_risk_score"`
	Flags          []string `json:"flags,omitempty"`
}

type FacilitatorHealthData struct {
	FacilitatorID string             `json:"facilitator_id"`
	Status        model.HealthStatus `json:"status"`
	LatencyMs     int64              `json:"latency_ms"`
}
