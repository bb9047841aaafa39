package models

import (
	"fmt"
	"time"

	"github.com/koprogo/greengrid/pkg/griderr"
)

// CreditStatus represents the lifecycle of a carbon credit
type CreditStatus string

const (
	CreditStatusPending   CreditStatus = "pending"
	CreditStatusConfirmed CreditStatus = "confirmed"
	CreditStatusRedeemed  CreditStatus = "redeemed"
)

// CreditPolicy fixes how carbon savings become euros and how they are split
type CreditPolicy struct {
	PricePerKgEUR    float64 // euro value of one kg CO2 avoided
	CooperativeShare float64 // fraction routed to the cooperative fund
}

// DefaultCreditPolicy returns the cooperative's policy: €25 per tonne CO2,
// 30% to the solidarity fund and 70% to the node operator.
func DefaultCreditPolicy() CreditPolicy {
	return CreditPolicy{
		PricePerKgEUR:    0.025,
		CooperativeShare: 0.30,
	}
}

// Validate checks the policy keeps the node in the majority
func (p CreditPolicy) Validate() error {
	if p.PricePerKgEUR < 0 {
		return fmt.Errorf("price per kg cannot be negative")
	}
	if p.CooperativeShare < 0 || p.CooperativeShare >= 0.5 {
		return fmt.Errorf("cooperative share must be in [0, 0.5), got %v", p.CooperativeShare)
	}
	return nil
}

// CarbonCredit is the quantified benefit derived from one green proof
type CarbonCredit struct {
	ID                  string       `json:"id"`
	NodeID              string       `json:"node_id"`
	TaskID              string       `json:"task_id"`
	ProofID             string       `json:"proof_id"`
	KgCO2               float64      `json:"kg_co2"`
	EuroValue           float64      `json:"euro_value"`
	Status              CreditStatus `json:"status"`
	NodeShareEUR        float64      `json:"node_share_eur"`
	CooperativeShareEUR float64      `json:"cooperative_share_eur"`
	CreatedAt           time.Time    `json:"created_at"`
	ConfirmedAt         *time.Time   `json:"confirmed_at,omitempty"`
	RedeemedAt          *time.Time   `json:"redeemed_at,omitempty"`
}

// NewCarbonCredit prices the proof's carbon savings and splits the value.
// The node share is the remainder so both shares always sum to the total.
func NewCarbonCredit(id string, proof *GreenProof, policy CreditPolicy, now time.Time) (*CarbonCredit, error) {
	kg := proof.Energy.CarbonSavedKg
	if kg < 0 {
		return nil, fmt.Errorf("carbon saved cannot be negative")
	}
	euro := kg * policy.PricePerKgEUR
	coop := euro * policy.CooperativeShare

	return &CarbonCredit{
		ID:                  id,
		NodeID:              proof.NodeID,
		TaskID:              proof.TaskID,
		ProofID:             proof.ID,
		KgCO2:               kg,
		EuroValue:           euro,
		Status:              CreditStatusPending,
		NodeShareEUR:        euro - coop,
		CooperativeShareEUR: coop,
		CreatedAt:           now,
	}, nil
}

// Confirm verifies a pending credit
func (c *CarbonCredit) Confirm(now time.Time) error {
	if c.Status != CreditStatusPending {
		return griderr.Errorf("credit.Confirm", griderr.InvalidTransition,
			"cannot confirm credit in status %s", c.Status)
	}
	c.Status = CreditStatusConfirmed
	c.ConfirmedAt = &now
	return nil
}

// Redeem redeems a confirmed credit; redeemed credits are immutable
func (c *CarbonCredit) Redeem(now time.Time) error {
	if c.Status != CreditStatusConfirmed {
		return griderr.Errorf("credit.Redeem", griderr.InvalidTransition,
			"cannot redeem credit in status %s", c.Status)
	}
	c.Status = CreditStatusRedeemed
	c.RedeemedAt = &now
	return nil
}

// CreditStats aggregates the credits of one node
type CreditStats struct {
	NodeID              string  `json:"node_id"`
	TotalCredits        int64   `json:"total_credits"`
	TotalKgCO2          float64 `json:"total_kg_co2"`
	TotalEuroValue      float64 `json:"total_euro_value"`
	NodeShareEUR        float64 `json:"node_share_eur"`
	CooperativeShareEUR float64 `json:"cooperative_share_eur"`
}
