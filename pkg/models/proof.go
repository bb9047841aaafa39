package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// GenesisHash stands in for the previous hash of the first proof
	GenesisHash = "genesis"

	// GridCarbonIntensityKgPerKWh is the Belgian grid carbon intensity
	GridCarbonIntensityKgPerKWh = 0.18
)

// EnergyMetrics describes the energy characteristics of a completed task
type EnergyMetrics struct {
	EnergyUsedWh        float64 `json:"energy_used_wh"`
	SolarContributionWh float64 `json:"solar_contribution_wh"`
	CarbonSavedKg       float64 `json:"carbon_saved_kg"`
}

// ValidateEnergy checks reported energy figures
func ValidateEnergy(energyUsedWh, solarWh float64) error {
	if energyUsedWh < 0 {
		return fmt.Errorf("energy used cannot be negative")
	}
	if solarWh < 0 {
		return fmt.Errorf("solar contribution cannot be negative")
	}
	if solarWh > energyUsedWh {
		return fmt.Errorf("solar contribution cannot exceed total energy used")
	}
	return nil
}

// NewEnergyMetrics validates the figures and derives the carbon saved by the
// solar share at the given grid intensity (kg CO2 per kWh).
func NewEnergyMetrics(energyUsedWh, solarWh, intensityKgPerKWh float64) (EnergyMetrics, error) {
	if err := ValidateEnergy(energyUsedWh, solarWh); err != nil {
		return EnergyMetrics{}, err
	}
	return EnergyMetrics{
		EnergyUsedWh:        energyUsedWh,
		SolarContributionWh: solarWh,
		CarbonSavedKg:       solarWh / 1000 * intensityKgPerKWh,
	}, nil
}

// GreenPercentage returns the share of energy that came from solar
func (e EnergyMetrics) GreenPercentage() float64 {
	if e.EnergyUsedWh == 0 {
		return 0
	}
	return e.SolarContributionWh / e.EnergyUsedWh * 100
}

// GreenProof is an immutable, hash-chained attestation of completed work
type GreenProof struct {
	ID           string        `json:"id"`
	Sequence     int64         `json:"sequence"`
	TaskID       string        `json:"task_id"`
	NodeID       string        `json:"node_id"`
	Energy       EnergyMetrics `json:"energy"`
	Hash         string        `json:"hash"`
	PreviousHash string        `json:"previous_hash,omitempty"` // empty for genesis
	CreatedAt    time.Time     `json:"created_at"`
}

// ComputeProofHash is the chain's portable hash contract:
// hex(sha256("taskID:nodeID:energyWh:solarWh:carbonKg:previous")) where
// previous is the predecessor's hash or "genesis".
func ComputeProofHash(taskID, nodeID string, e EnergyMetrics, previousHash string) string {
	if previousHash == "" {
		previousHash = GenesisHash
	}
	data := strings.Join([]string{
		taskID,
		nodeID,
		formatFloat(e.EnergyUsedWh),
		formatFloat(e.SolarContributionWh),
		formatFloat(e.CarbonSavedKg),
		previousHash,
	}, ":")
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// ExpectedHash recomputes the proof's hash from its stored fields
func (p *GreenProof) ExpectedHash() string {
	return ComputeProofHash(p.TaskID, p.NodeID, p.Energy, p.PreviousHash)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
