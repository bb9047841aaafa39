package models

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeEcoScore(t *testing.T) {
	tests := []struct {
		name  string
		cpu   float64
		solar float64
		want  float64
	}{
		{"idle with full sun", 0, 1000, 1.0},
		{"busy in the dark", 100, 0, 0.0},
		{"light load half sun", 20, 500, 0.65},
		{"heavy load half sun", 80, 500, 0.35},
		{"solar above full scale", 0, 5000, 1.0},
		{"negative solar ignored", 50, -200, 0.25},
		{"cpu above 100 clamps", 150, 0, 0.0},
		{"negative cpu clamps", -20, 0, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeEcoScore(tt.cpu, tt.solar)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func TestNodeRegistrationValidate(t *testing.T) {
	tests := []struct {
		name    string
		reg     NodeRegistration
		wantErr bool
	}{
		{"valid", NodeRegistration{Name: "n", CPUCores: 4, Location: "Brussels"}, false},
		{"blank name", NodeRegistration{Name: "  ", CPUCores: 4, Location: "Brussels"}, true},
		{"zero cores", NodeRegistration{Name: "n", CPUCores: 0, Location: "Brussels"}, true},
		{"too many cores", NodeRegistration{Name: "n", CPUCores: 257, Location: "Brussels"}, true},
		{"max cores", NodeRegistration{Name: "n", CPUCores: 256, Location: "Brussels"}, false},
		{"blank location", NodeRegistration{Name: "n", CPUCores: 4}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.reg.Validate()
			assert.Equal(t, tt.wantErr, err != nil, "Validate() error = %v", err)
		})
	}
}

func TestNodeLiveness(t *testing.T) {
	now := time.Now()
	n := &Node{Status: NodeStatusActive, LastHeartbeat: now.Add(-4 * time.Minute)}
	assert.True(t, n.IsLive(now, LivenessWindow))

	n.LastHeartbeat = now.Add(-6 * time.Minute)
	assert.True(t, n.IsStale(now, LivenessWindow))
	assert.False(t, n.IsLive(now, LivenessWindow))

	n.ApplyHeartbeat(NodeHeartbeat{CPUUsagePercent: 20, SolarWatts: 500}, now)
	assert.True(t, n.IsLive(now, LivenessWindow))
	assert.InDelta(t, 0.65, n.EcoScore, 1e-9)

	n.Status = NodeStatusIdle
	assert.False(t, n.IsLive(now, LivenessWindow))
}

func TestNewTaskValidation(t *testing.T) {
	now := time.Now()

	_, err := NewTask("t", TaskRequest{Type: "mining", DataURL: "u", DeadlineMinutes: 1}, now)
	assert.Error(t, err)
	_, err = NewTask("t", TaskRequest{Type: "render", DataURL: "", DeadlineMinutes: 1}, now)
	assert.Error(t, err)
	_, err = NewTask("t", TaskRequest{Type: "render", DataURL: "u", DeadlineMinutes: 0}, now)
	assert.Error(t, err)
	for _, minutes := range []int64{MaxDeadlineMinutes + 1, 200000000000, math.MaxInt64} {
		if _, err := NewTask("t", TaskRequest{Type: "render", DataURL: "u", DeadlineMinutes: minutes}, now); err == nil {
			t.Errorf("NewTask with deadline %d minutes should fail", minutes)
		}
	}
	far, err := NewTask("t", TaskRequest{Type: "render", DataURL: "u", DeadlineMinutes: MaxDeadlineMinutes}, now)
	require.NoError(t, err)
	assert.True(t, far.Deadline.After(now))

	task, err := NewTask("t", TaskRequest{Type: " Render ", DataURL: "u", DeadlineMinutes: 30}, now)
	require.NoError(t, err)
	assert.Equal(t, TaskTypeRender, task.Type)
	assert.Equal(t, TaskStatusPending, task.Status)
	assert.Equal(t, now.Add(30*time.Minute), task.Deadline)
	assert.InDelta(t, 0.03, task.EstimatedReward(), 1e-9)
	assert.False(t, task.IsExpired(now))
	assert.True(t, task.IsExpired(now.Add(31*time.Minute)))
}

func TestTaskClone(t *testing.T) {
	now := time.Now()
	task, err := NewTask("t", TaskRequest{Type: "render", DataURL: "u", DeadlineMinutes: 5,
		Payload: map[string]string{"frames": "10"}}, now)
	require.NoError(t, err)
	require.NoError(t, task.Assign("n1", now))

	c := task.Clone()
	c.Payload["frames"] = "20"
	c.Transitions[0].Reason = "changed"

	assert.Equal(t, "10", task.Payload["frames"])
	assert.NotEqual(t, "changed", task.Transitions[0].Reason)
}

func TestComputeProofHash(t *testing.T) {
	e := EnergyMetrics{EnergyUsedWh: 100, SolarContributionWh: 80, CarbonSavedKg: 0.0144}

	sum := sha256.Sum256([]byte("task-1:node-1:100:80:0.0144:genesis"))
	assert.Equal(t, hex.EncodeToString(sum[:]), ComputeProofHash("task-1", "node-1", e, ""))

	sum = sha256.Sum256([]byte("task-2:node-1:100:80:0.0144:deadbeef"))
	assert.Equal(t, hex.EncodeToString(sum[:]), ComputeProofHash("task-2", "node-1", e, "deadbeef"))

	// every field participates
	base := ComputeProofHash("task-1", "node-1", e, "")
	e2 := e
	e2.EnergyUsedWh = 100.5
	assert.NotEqual(t, base, ComputeProofHash("task-1", "node-1", e2, ""))
	assert.NotEqual(t, base, ComputeProofHash("task-1", "node-2", e, ""))
}

func TestNewEnergyMetrics(t *testing.T) {
	e, err := NewEnergyMetrics(100, 80, GridCarbonIntensityKgPerKWh)
	require.NoError(t, err)
	assert.InDelta(t, 0.0144, e.CarbonSavedKg, 1e-12)
	assert.InDelta(t, 80.0, e.GreenPercentage(), 1e-9)

	_, err = NewEnergyMetrics(10, 20, GridCarbonIntensityKgPerKWh)
	assert.Error(t, err)

	zero := EnergyMetrics{}
	assert.Equal(t, 0.0, zero.GreenPercentage())
}

func TestNewCarbonCreditSplit(t *testing.T) {
	proof := &GreenProof{ID: "p1", TaskID: "t1", NodeID: "n1",
		Energy: EnergyMetrics{EnergyUsedWh: 100, SolarContributionWh: 80, CarbonSavedKg: 0.0144}}

	c, err := NewCarbonCredit("c1", proof, DefaultCreditPolicy(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, CreditStatusPending, c.Status)
	assert.InDelta(t, 0.0144, c.KgCO2, 1e-12)
	assert.InDelta(t, 0.00036, c.EuroValue, 1e-12)
	assert.InDelta(t, 0.000108, c.CooperativeShareEUR, 1e-12)
	assert.InDelta(t, 0.000252, c.NodeShareEUR, 1e-12)
	assert.InDelta(t, c.EuroValue, c.NodeShareEUR+c.CooperativeShareEUR, 1e-15)
	assert.Greater(t, c.NodeShareEUR, c.CooperativeShareEUR)
}

func TestCarbonCreditSharesSumToValue(t *testing.T) {
	for _, kg := range []float64{0, 0.001, 0.0144, 1.7, 123.456789, math.Pi} {
		proof := &GreenProof{Energy: EnergyMetrics{CarbonSavedKg: kg}}
		c, err := NewCarbonCredit("c", proof, DefaultCreditPolicy(), time.Now())
		require.NoError(t, err)
		assert.InDelta(t, c.EuroValue, c.NodeShareEUR+c.CooperativeShareEUR, 1e-12, "kg=%v", kg)
	}
}

func TestCarbonCreditStatusMachine(t *testing.T) {
	c := &CarbonCredit{ID: "c1", Status: CreditStatusPending}
	now := time.Now()

	assert.Error(t, c.Redeem(now))
	require.NoError(t, c.Confirm(now))
	assert.Error(t, c.Confirm(now))
	require.NoError(t, c.Redeem(now))
	assert.NotNil(t, c.RedeemedAt)
	assert.Error(t, c.Redeem(now))
}

func TestCreditPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultCreditPolicy().Validate())
	assert.Error(t, CreditPolicy{PricePerKgEUR: -1, CooperativeShare: 0.3}.Validate())
	assert.Error(t, CreditPolicy{PricePerKgEUR: 1, CooperativeShare: 0.5}.Validate())
}
