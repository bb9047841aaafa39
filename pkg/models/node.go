package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// NodeStatus represents the liveness state of a compute node
type NodeStatus string

const (
	NodeStatusActive  NodeStatus = "active"  // heartbeating and accepting work
	NodeStatusIdle    NodeStatus = "idle"    // paused until its next heartbeat
	NodeStatusOffline NodeStatus = "offline" // no heartbeat within the liveness window
)

const (
	// LivenessWindow is how long a node stays live without a heartbeat
	LivenessWindow = 5 * time.Minute

	// MaxCPUCores is the largest core count a node may register with
	MaxCPUCores = 256

	// SolarFullScaleWatts is the solar output treated as a full contribution
	SolarFullScaleWatts = 1000.0
)

// Node represents a volunteer compute contributor in the grid
type Node struct {
	ID                 string     `json:"id"`
	Sequence           int64      `json:"sequence"` // registration order, assigned by the store
	Name               string     `json:"name"`
	CPUCores           int        `json:"cpu_cores"`
	HasSolar           bool       `json:"has_solar"`
	Location           string     `json:"location"`
	Status             NodeStatus `json:"status"`
	EcoScore           float64    `json:"eco_score"`
	LastCPUUsage       float64    `json:"last_cpu_usage_percent"`
	LastSolarWatts     float64    `json:"last_solar_watts"`
	TotalEnergySavedWh float64    `json:"total_energy_saved_wh"`
	TotalCarbonCredits float64    `json:"total_carbon_credits"` // kg CO2 accrued
	LastHeartbeat      time.Time  `json:"last_heartbeat"`
	RegisteredAt       time.Time  `json:"registered_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// NodeRegistration represents a node registration request
type NodeRegistration struct {
	Name     string `json:"name"`
	CPUCores int    `json:"cpu_cores"`
	HasSolar bool   `json:"has_solar"`
	Location string `json:"location"`
}

// Validate checks the registration parameters
func (r *NodeRegistration) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("node name cannot be empty")
	}
	if r.CPUCores <= 0 {
		return fmt.Errorf("cpu cores must be greater than 0")
	}
	if r.CPUCores > MaxCPUCores {
		return fmt.Errorf("cpu cores cannot exceed %d", MaxCPUCores)
	}
	if strings.TrimSpace(r.Location) == "" {
		return fmt.Errorf("location cannot be empty")
	}
	return nil
}

// NodeCredentials is returned once on registration. Token authenticates the
// node's later heartbeats and task reports when the coordinator runs with
// auth enabled.
type NodeCredentials struct {
	Node  *Node  `json:"node"`
	Token string `json:"token,omitempty"`
}

// NodeHeartbeat carries the live metrics a node reports
type NodeHeartbeat struct {
	CPUUsagePercent float64 `json:"cpu_usage_percent"`
	SolarWatts      float64 `json:"solar_watts"`
}

// ComputeEcoScore blends CPU idleness and solar availability into [0,1]:
// 0.5 * idle_fraction + 0.5 * normalized_solar.
func ComputeEcoScore(cpuUsagePercent, solarWatts float64) float64 {
	idle := clamp01(1 - cpuUsagePercent/100)
	solar := math.Min(math.Max(solarWatts, 0)/SolarFullScaleWatts, 1)
	return clamp01(0.5*idle + 0.5*solar)
}

// ApplyHeartbeat records a heartbeat, recomputes the eco score and marks the node active
func (n *Node) ApplyHeartbeat(hb NodeHeartbeat, now time.Time) {
	n.LastCPUUsage = hb.CPUUsagePercent
	n.LastSolarWatts = hb.SolarWatts
	n.EcoScore = ComputeEcoScore(hb.CPUUsagePercent, hb.SolarWatts)
	n.LastHeartbeat = now
	n.Status = NodeStatusActive
	n.UpdatedAt = now
}

// IsStale reports whether the node's last heartbeat is outside the liveness window
func (n *Node) IsStale(now time.Time, window time.Duration) bool {
	if n.LastHeartbeat.IsZero() {
		return true
	}
	return now.Sub(n.LastHeartbeat) > window
}

// IsLive reports whether the node can receive work
func (n *Node) IsLive(now time.Time, window time.Duration) bool {
	return n.Status == NodeStatusActive && !n.IsStale(now, window)
}

// AddEnergySaved accrues solar energy saved by the node
func (n *Node) AddEnergySaved(wh float64) {
	if wh > 0 {
		n.TotalEnergySavedWh += wh
	}
}

// AddCarbonCredits accrues carbon credits (kg CO2) earned by the node
func (n *Node) AddCarbonCredits(kg float64) {
	if kg > 0 {
		n.TotalCarbonCredits += kg
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
