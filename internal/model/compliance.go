package model

import "time"

type ComplianceFlag string

const (
	FlagSanctioned    ComplianceFlag = "SANCTIONED"
	FlagMixer         ComplianceFlag = "MIXER"
	FlagScam          ComplianceFlag = "SCAM"
	FlagManualBlock   ComplianceFlag = "MANUAL_BLOCK"
	FlagExternalRisk  ComplianceFlag = "EXTERNAL_RISK"
	FlagHighRiskScore ComplianceFlag = "HIGH_RISK_SCORE"
)

// ComplianceResult is the screening verdict for one address, cached until
// ValidUntil.
type ComplianceResult struct {
	Address    string           `json:"address" bson:"address"`
	Allowed    bool             `json:"allowed" bson:"allowed"`
	RiskScore  int              `json:"risk_score" bson:"risk_score"`
	Flags      []ComplianceFlag `json:"flags,omitempty" bson:"flags,omitempty"`
	CheckedAt  time.Time        `json:"checked_at" bson:"checked_at"`
	ValidUntil time.Time        `json:"valid_until" bson:"valid_until"`
}

// PaymentScreenResult covers both sides of a payment.
type PaymentScreenResult struct {
	Allowed           bool             `json:"allowed"`
	CombinedRiskScore int              `json:"combined_risk_score"`
	Amount            string           `json:"amount,omitempty"`
	From              ComplianceResult `json:"from"`
	To                ComplianceResult `json:"to"`
}
