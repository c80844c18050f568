package model

import (
	"fmt"
	"strings"
	"time"
)

// X402Version is the protocol version this engine speaks.
const X402Version = "1.0"

type PaymentScheme string

const (
	SchemeExact  PaymentScheme = "exact"
	SchemeUpTo   PaymentScheme = "upto"
	SchemeBase   PaymentScheme = "base"
	SchemeTiered PaymentScheme = "tiered"
)

// PaymentRequirement describes what a resource server is owed for one request.
type PaymentRequirement struct {
	Scheme            PaymentScheme  `json:"scheme" bson:"scheme"`
	Network           Network        `json:"network" bson:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired" bson:"max_amount_required"`
	Resource          string         `json:"resource,omitempty" bson:"resource,omitempty"`
	PayTo             string         `json:"payTo" bson:"pay_to"`
	Asset             string         `json:"asset" bson:"asset"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds,omitempty" bson:"max_timeout_seconds,omitempty"`
	Extra             map[string]any `json:"extra,omitempty" bson:"extra,omitempty"`
}

// Validate checks the fields a conforming requirement must carry.
func (r *PaymentRequirement) Validate() error {
	if r.Network == "" {
		return fmt.Errorf("network is required")
	}
	if strings.TrimSpace(r.MaxAmountRequired) == "" {
		return fmt.Errorf("maxAmountRequired is required")
	}
	if strings.TrimSpace(r.PayTo) == "" {
		return fmt.Errorf("payTo is required")
	}
	if strings.TrimSpace(r.Asset) == "" {
		return fmt.Errorf("asset is required")
	}
	return nil
}

// PaymentRequirementsResponse is the 402 response envelope.
type PaymentRequirementsResponse struct {
	X402Version string               `json:"x402Version"`
	Accepts     []PaymentRequirement `json:"accepts"`
	Error       string               `json:"error,omitempty"`
}

// Validate checks the envelope: a conforming response carries a non-empty
// accepts array and every entry validates independently. Errors name the
// offending index.
func (p *PaymentRequirementsResponse) Validate() error {
	if p.X402Version == "" {
		return fmt.Errorf("x402Version is required")
	}
	if len(p.Accepts) == 0 {
		return fmt.Errorf("accepts must be non-empty")
	}
	for i := range p.Accepts {
		if err := p.Accepts[i].Validate(); err != nil {
			return fmt.Errorf("accepts[%d]: %w", i, err)
		}
	}
	return nil
}

// TransferReceipt is what the ledger capability reports for a finalized
// transfer.
type TransferReceipt struct {
	SignatureRef string  `json:"signature_ref" bson:"signature_ref"`
	Amount       string  `json:"amount" bson:"amount"`
	Recipient    string  `json:"recipient" bson:"recipient"`
	Asset        string  `json:"asset" bson:"asset"`
	Network      Network `json:"network" bson:"network"`
	Finalized    bool    `json:"finalized" bson:"finalized"`
}

type PaymentState string

const (
	StatePending          PaymentState = "PENDING"
	StateVerifying        PaymentState = "VERIFYING"
	StateVerified         PaymentState = "VERIFIED"
	StateRejected         PaymentState = "REJECTED"
	StateSettling         PaymentState = "SETTLING"
	StateSettled          PaymentState = "SETTLED"
	StateSettlementFailed PaymentState = "SETTLEMENT_FAILED"
)

// RejectReason is the machine-readable code callers branch on.
type RejectReason string

const (
	ReasonNone                RejectReason = ""
	ReasonInvalidHeader       RejectReason = "invalid_header"
	ReasonLookupFailed        RejectReason = "lookup_failed"
	ReasonInsufficientPayment RejectReason = "insufficient_payment"
	ReasonRecipientMismatch   RejectReason = "recipient_mismatch"
	ReasonAssetMismatch       RejectReason = "asset_mismatch"
	ReasonNetworkMismatch     RejectReason = "network_mismatch"
	ReasonComplianceBlocked   RejectReason = "compliance_blocked"
	ReasonNoRoute             RejectReason = "no_route"
	ReasonUnknown             RejectReason = "unknown"
)

type VerificationResult struct {
	State     PaymentState     `json:"state"`
	Reason    RejectReason     `json:"reason,omitempty"`
	Message   string           `json:"message,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`
	Receipt   *TransferReceipt `json:"receipt,omitempty"`
}

func (v VerificationResult) Verified() bool { return v.State == StateVerified }

type SettlementResult struct {
	State          PaymentState `json:"state"`
	Reason         RejectReason `json:"reason,omitempty"`
	Message        string       `json:"message,omitempty"`
	Retryable      bool         `json:"retryable,omitempty"`
	TransactionRef string       `json:"transaction_ref,omitempty"`
	SettledAt      time.Time    `json:"settled_at,omitempty"`
}

func (s SettlementResult) Settled() bool { return s.State == StateSettled }

// SettlementRecord is the persisted idempotency record for a settled
// signature.
type SettlementRecord struct {
	SignatureRef   string    `json:"signature_ref" bson:"signature_ref"`
	TransactionRef string    `json:"transaction_ref" bson:"transaction_ref"`
	PayTo          string    `json:"pay_to" bson:"pay_to"`
	Asset          string    `json:"asset" bson:"asset"`
	Network        Network   `json:"network" bson:"network"`
	Amount         string    `json:"amount" bson:"amount"`
	FacilitatorID  string    `json:"facilitator_id,omitempty" bson:"facilitator_id,omitempty"`
	SettledAt      time.Time `json:"settled_at" bson:"settled_at"`
}
