package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koprogo/greengrid/pkg/models"
	"github.com/koprogo/greengrid/pkg/store"
)

func TestSweepRunsEveryPass(t *testing.T) {
	g := newGrid(t)
	ctx := context.Background()

	quiet := g.node(t, "quiet", 4, 0, 1000)
	held := g.task(t)
	_, err := g.dist.AssignTask(ctx, held.ID)
	require.NoError(t, err)
	short, err := g.tasks.Create(ctx, models.TaskRequest{Type: "data_hash", DataURL: "u", DeadlineMinutes: 1}, false)
	require.NoError(t, err)

	g.clock.Advance(6 * time.Minute)
	fresh := g.node(t, "fresh", 4, 50, 0)
	queued := g.task(t)

	sw := NewSweeper(g.registry, g.tasks, g.dist, g.credits, DefaultSweeperConfig(), nil)
	report := sw.Sweep(ctx)

	assert.Equal(t, 1, report.MarkedOffline)
	assert.Equal(t, 1, report.Expired)
	require.NotNil(t, report.Rebalance)
	assert.Equal(t, 1, report.Rebalance.Reassigned)
	assert.Equal(t, 1, report.Assigned)
	assert.Zero(t, report.Errors)

	node, _ := g.registry.Get(ctx, quiet.ID)
	assert.Equal(t, models.NodeStatusOffline, node.Status)

	task, _ := g.tasks.Get(ctx, short.ID)
	assert.Equal(t, models.ReasonDeadlineExceeded, task.FailureReason)

	for _, id := range []string{held.ID, queued.ID} {
		task, _ := g.tasks.Get(ctx, id)
		assert.Equal(t, fresh.ID, task.AssignedNodeID)
	}

	again := sw.Sweep(ctx)
	assert.Zero(t, again.MarkedOffline+again.Expired+again.Assigned+again.Reconciled)
}

func TestSweeperStopsOnCancel(t *testing.T) {
	g := newGrid(t)
	sw := NewSweeper(g.registry, g.tasks, g.dist, nil, SweeperConfig{Interval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sw.Start(ctx)
	sw.Start(ctx) // second start is a no-op
	time.Sleep(20 * time.Millisecond)
	cancel()

	stopped := make(chan struct{})
	go func() {
		sw.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	sw.Stop() // idempotent
}

func TestSweepOnSQLite(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "grid.db"))
	require.NoError(t, err)
	defer st.Close()

	g := newGridWithStore(t, st)
	ctx := context.Background()
	n := g.node(t, "n", 2, 10, 600)
	task := g.task(t)

	sw := NewSweeper(g.registry, g.tasks, g.dist, g.credits, DefaultSweeperConfig(), nil)
	report := sw.Sweep(ctx)
	assert.Equal(t, 1, report.Assigned)

	_, err = g.tasks.Start(ctx, task.ID, n.ID)
	require.NoError(t, err)
	res, err := g.tasks.Complete(ctx, task.ID, n.ID, models.TaskReport{ResultHash: "r", EnergyUsedWh: 50, SolarContributionWh: 50})
	require.NoError(t, err)
	assert.NotNil(t, res.Credit)

	ok, err := g.proofs.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
