package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koprogo/greengrid/pkg/logging"
	"github.com/koprogo/greengrid/pkg/models"
	"github.com/koprogo/greengrid/pkg/registry"
	"github.com/koprogo/greengrid/pkg/store"
)

type fakeTokens struct {
	revoked []string
	expired int
}

func (f *fakeTokens) RevokeToken(nodeID string) { f.revoked = append(f.revoked, nodeID) }

func (f *fakeTokens) CleanupExpiredTokens() int { return f.expired }

func TestCleanupPrunesLongOfflineNodes(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	st := store.NewMemoryStore()
	reg := registry.New(st, st, registry.Config{LivenessWindow: 5 * time.Minute, Now: clock}, logging.Nop())

	register := func(name string) *models.Node {
		n, err := reg.Register(ctx, models.NodeRegistration{Name: name, CPUCores: 2, Location: "Liège"})
		require.NoError(t, err)
		return n
	}
	gone := register("gone")
	busy := register("busy")
	alive := register("alive")

	task, err := models.NewTask("t-1", models.TaskRequest{Type: "data_hash", DataURL: "s3://bucket/in", DeadlineMinutes: 60}, now)
	require.NoError(t, err)
	task.Status = models.TaskStatusAssigned
	task.AssignedNodeID = busy.ID
	require.NoError(t, st.CreateTask(ctx, task))

	now = now.Add(8 * 24 * time.Hour)
	_, err = reg.Heartbeat(ctx, alive.ID, models.NodeHeartbeat{CPUUsagePercent: 10})
	require.NoError(t, err)
	marked, err := reg.MarkStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, marked)

	tokens := &fakeTokens{expired: 3}
	cm := NewCleanupManager(DefaultConfig(), reg, tokens, logging.Nop())
	cm.now = clock

	assert.Equal(t, 1, cm.CleanupNow(ctx))
	assert.Equal(t, []string{gone.ID}, tokens.revoked)

	_, err = reg.Get(ctx, gone.ID)
	assert.Error(t, err)
	_, err = reg.Get(ctx, busy.ID)
	assert.NoError(t, err, "node with in-flight work must be kept")

	stats := cm.GetStats()
	assert.Equal(t, int64(1), stats.TotalNodesPruned)
	assert.Equal(t, int64(3), stats.TotalTokensPurged)
	assert.Equal(t, int64(1), stats.Runs)
}

func TestCleanupDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cm := NewCleanupManager(cfg, nil, nil, logging.Nop())
	cm.Start(context.Background())
	cm.Stop()
	if cm.GetStats().Runs != 0 {
		t.Errorf("disabled manager ran")
	}
}
