package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koprogo/greengrid/pkg/events"
	"github.com/koprogo/greengrid/pkg/griderr"
	"github.com/koprogo/greengrid/pkg/logging"
	"github.com/koprogo/greengrid/pkg/models"
	"github.com/koprogo/greengrid/pkg/store"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func newProofLedger(repo store.ProofRepository) *ProofLedger {
	return NewProofLedger(repo, ProofConfig{CarbonIntensity: 0.18, HeadRetries: 3, Now: fixedNow}, logging.Nop())
}

func energy(t *testing.T, used, solar float64) models.EnergyMetrics {
	t.Helper()
	e, err := models.NewEnergyMetrics(used, solar, models.GridCarbonIntensityKgPerKWh)
	require.NoError(t, err)
	return e
}

func appendN(t *testing.T, l *ProofLedger, n int) []*models.GreenProof {
	t.Helper()
	out := make([]*models.GreenProof, 0, n)
	for i := 0; i < n; i++ {
		p, err := l.Append(context.Background(), fmt.Sprintf("task-%d", i), "node-1", energy(t, 1000, float64(i*10)))
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func TestAppendLinksToHead(t *testing.T) {
	l := newProofLedger(store.NewMemoryStore())
	ctx := context.Background()

	_, err := l.Latest(ctx)
	assert.True(t, griderr.Is(err, griderr.NotFound))

	proofs := appendN(t, l, 3)
	assert.Empty(t, proofs[0].PreviousHash)
	assert.Equal(t, models.ComputeProofHash("task-0", "node-1", proofs[0].Energy, models.GenesisHash), proofs[0].Hash)
	assert.Equal(t, proofs[0].Hash, proofs[1].PreviousHash)
	assert.Equal(t, proofs[1].Hash, proofs[2].PreviousHash)
	assert.Equal(t, []int64{0, 1, 2}, []int64{proofs[0].Sequence, proofs[1].Sequence, proofs[2].Sequence})

	head, err := l.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, proofs[2].ID, head.ID)

	byTask, err := l.FindByTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, proofs[1].ID, byTask.ID)

	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAppendValidation(t *testing.T) {
	l := newProofLedger(store.NewMemoryStore())
	ctx := context.Background()

	tests := []struct {
		name   string
		task   string
		node   string
		energy models.EnergyMetrics
	}{
		{"missing task", "", "n", models.EnergyMetrics{}},
		{"missing node", "t", " ", models.EnergyMetrics{}},
		{"negative energy", "t", "n", models.EnergyMetrics{EnergyUsedWh: -1}},
		{"solar above total", "t", "n", models.EnergyMetrics{EnergyUsedWh: 10, SolarContributionWh: 20}},
		{"negative carbon", "t", "n", models.EnergyMetrics{EnergyUsedWh: 10, CarbonSavedKg: -0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Append(ctx, tt.task, tt.node, tt.energy)
			assert.True(t, griderr.Is(err, griderr.InvalidInput), "got %v", err)
		})
	}
}

func TestVerifyChainIntact(t *testing.T) {
	l := newProofLedger(store.NewMemoryStore())

	ok, err := l.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "empty chain verifies")

	appendN(t, l, 25)
	ok, err = l.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

// tamperedRepo rewrites proofs as they are scanned
type tamperedRepo struct {
	store.ProofRepository
	mutate func(*models.GreenProof)
}

func (r *tamperedRepo) ScanProofs(ctx context.Context, fn func(*models.GreenProof) error) error {
	return r.ProofRepository.ScanProofs(ctx, func(p *models.GreenProof) error {
		r.mutate(p)
		return fn(p)
	})
}

func TestVerifyDetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.GreenProof)
	}{
		{"energy", func(p *models.GreenProof) { p.Energy.EnergyUsedWh += 1 }},
		{"solar", func(p *models.GreenProof) { p.Energy.SolarContributionWh = 0.5 }},
		{"carbon", func(p *models.GreenProof) { p.Energy.CarbonSavedKg *= 2 }},
		{"task id", func(p *models.GreenProof) { p.TaskID = "forged" }},
		{"node id", func(p *models.GreenProof) { p.NodeID = "forged" }},
		{"hash", func(p *models.GreenProof) { p.Hash = "00" }},
		{"previous hash", func(p *models.GreenProof) { p.PreviousHash = "00" }},
		{"sequence gap", func(p *models.GreenProof) { p.Sequence += 10 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemoryStore()
			appendN(t, newProofLedger(mem), 5)

			repo := &tamperedRepo{ProofRepository: mem, mutate: func(p *models.GreenProof) {
				if p.Sequence == 3 {
					tt.mutate(p)
				}
			}}
			l := newProofLedger(repo)

			ok, err := l.VerifyChain(context.Background())
			require.NoError(t, err)
			assert.False(t, ok)

			err = l.Verify(context.Background())
			assert.True(t, griderr.Is(err, griderr.ChainIntegrity), "got %v", err)
			assert.Contains(t, err.Error(), "3")
		})
	}
}

func TestVerifyDetectsRowEditInSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.db")
	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	l := newProofLedger(s)
	appendN(t, l, 4)
	ok, err := l.VerifyChain(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	raw, err := sql.Open("sqlite3", path+"?_busy_timeout=10000")
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Exec(`UPDATE proofs SET energy_used_wh = 1 WHERE seq = 2`)
	require.NoError(t, err)

	ok, err = l.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyPublishesChainBroken(t *testing.T) {
	mem := store.NewMemoryStore()
	appendN(t, newProofLedger(mem), 2)

	l := newProofLedger(&tamperedRepo{ProofRepository: mem, mutate: func(p *models.GreenProof) { p.NodeID = "x" }})
	bus := events.NewBus()
	sub, cancel := bus.Subscribe(1)
	defer cancel()
	l.SetEventPublisher(bus)

	require.Error(t, l.Verify(context.Background()))
	assert.Equal(t, events.ChainBroken, (<-sub).Type)
}

func TestConcurrentAppendsNeverFork(t *testing.T) {
	mem := store.NewMemoryStore()
	l := newProofLedger(mem)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(context.Background(), fmt.Sprintf("t-%d", i), "n", models.EnergyMetrics{EnergyUsedWh: 10})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	n, err := l.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, n)
	ok, err := l.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTwoLedgersShareOneChain(t *testing.T) {
	// two writers over one repository, as two processes over one database
	mem := store.NewMemoryStore()
	cfg := ProofConfig{HeadRetries: 10, Now: fixedNow}
	a := NewProofLedger(mem, cfg, logging.Nop())
	b := NewProofLedger(mem, cfg, logging.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := a.Append(context.Background(), fmt.Sprintf("a-%d", i), "n", models.EnergyMetrics{EnergyUsedWh: 1})
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := b.Append(context.Background(), fmt.Sprintf("b-%d", i), "n", models.EnergyMetrics{EnergyUsedWh: 1})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	ok, err := a.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListPaginates(t *testing.T) {
	l := newProofLedger(store.NewMemoryStore())
	appendN(t, l, 7)

	page, err := l.List(context.Background(), 3, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(3), page[0].Sequence)
	assert.Equal(t, int64(5), page[2].Sequence)

	_, err = l.List(context.Background(), -1, 0)
	assert.True(t, griderr.Is(err, griderr.InvalidInput))
}

// Credit ledger

func newCreditLedger(t *testing.T, s store.Store) *CreditLedger {
	t.Helper()
	l, err := NewCreditLedger(s, s, CreditConfig{Policy: models.DefaultCreditPolicy(), Now: fixedNow}, logging.Nop())
	require.NoError(t, err)
	return l
}

func registerNode(t *testing.T, s store.Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateNode(context.Background(), &models.Node{
		ID: id, Name: id, CPUCores: 4, Location: "Brussels",
		Status: models.NodeStatusActive, LastHeartbeat: testNow, RegisteredAt: testNow, UpdatedAt: testNow,
	}))
}

func TestIssueSplitsValue(t *testing.T) {
	s := store.NewMemoryStore()
	registerNode(t, s, "node-1")
	proofs := newProofLedger(s)
	credits := newCreditLedger(t, s)
	ctx := context.Background()

	p, err := proofs.Append(ctx, "task-1", "node-1", energy(t, 100, 80))
	require.NoError(t, err)

	c, err := credits.Issue(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, models.CreditStatusPending, c.Status)
	assert.InDelta(t, 0.0144, c.KgCO2, 1e-12)
	assert.InDelta(t, 0.00036, c.EuroValue, 1e-12)
	assert.InDelta(t, 0.000108, c.CooperativeShareEUR, 1e-12)
	assert.InDelta(t, 0.000252, c.NodeShareEUR, 1e-12)
	assert.InDelta(t, c.EuroValue, c.NodeShareEUR+c.CooperativeShareEUR, 1e-6)

	node, err := s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.InDelta(t, 80, node.TotalEnergySavedWh, 1e-9)
	assert.InDelta(t, 0.0144, node.TotalCarbonCredits, 1e-12)

	fund, err := credits.CooperativeFund(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.000108, fund, 1e-12)
}

func TestIssueIsOncePerProof(t *testing.T) {
	s := store.NewMemoryStore()
	registerNode(t, s, "node-1")
	proofs := newProofLedger(s)
	credits := newCreditLedger(t, s)
	ctx := context.Background()

	p, err := proofs.Append(ctx, "task-1", "node-1", energy(t, 100, 100))
	require.NoError(t, err)

	first, err := credits.Issue(ctx, p)
	require.NoError(t, err)
	second, err := credits.Issue(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	stats, err := credits.NodeStats(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalCredits)

	node, _ := s.GetNode(ctx, "node-1")
	assert.InDelta(t, 100, node.TotalEnergySavedWh, 1e-9)
}

func TestFundEqualsSumOfShares(t *testing.T) {
	s := store.NewMemoryStore()
	registerNode(t, s, "a")
	registerNode(t, s, "b")
	proofs := newProofLedger(s)
	credits := newCreditLedger(t, s)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			node := "a"
			if i%3 == 0 {
				node = "b"
			}
			p, err := proofs.Append(ctx, fmt.Sprintf("t-%d", i), node, models.EnergyMetrics{
				EnergyUsedWh: float64(100 + i), SolarContributionWh: float64(i), CarbonSavedKg: float64(i) / 1000 * 0.18,
			})
			if !assert.NoError(t, err) {
				return
			}
			_, err = credits.Issue(ctx, p)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	audit, err := credits.AuditFund(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30, audit.Credits)
	assert.True(t, audit.Balanced, "%+v", audit)
	assert.InDelta(t, audit.SumOfShares, audit.Accumulated, 1e-9)

	a, _ := credits.NodeStats(ctx, "a")
	b, _ := credits.NodeStats(ctx, "b")
	assert.Equal(t, int64(30), a.TotalCredits+b.TotalCredits)
	assert.InDelta(t, audit.Accumulated, a.CooperativeShareEUR+b.CooperativeShareEUR, 1e-9)
}

func TestNodeStatsForUnknownNodeIsZero(t *testing.T) {
	credits := newCreditLedger(t, store.NewMemoryStore())
	stats, err := credits.NodeStats(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, &models.CreditStats{NodeID: "nobody"}, stats)
}

func TestConfirmAndRedeem(t *testing.T) {
	s := store.NewMemoryStore()
	registerNode(t, s, "node-1")
	proofs := newProofLedger(s)
	credits := newCreditLedger(t, s)
	ctx := context.Background()

	p, err := proofs.Append(ctx, "task-1", "node-1", energy(t, 10, 10))
	require.NoError(t, err)
	c, err := credits.Issue(ctx, p)
	require.NoError(t, err)

	_, err = credits.Redeem(ctx, c.ID)
	assert.True(t, griderr.Is(err, griderr.InvalidTransition), "pending credits cannot be redeemed")

	c, err = credits.Confirm(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CreditStatusConfirmed, c.Status)
	require.NotNil(t, c.ConfirmedAt)

	c, err = credits.Redeem(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CreditStatusRedeemed, c.Status)

	_, err = credits.Confirm(ctx, c.ID)
	assert.True(t, griderr.Is(err, griderr.InvalidTransition))

	stored, err := credits.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CreditStatusRedeemed, stored.Status)

	_, err = credits.Confirm(ctx, "missing")
	assert.True(t, griderr.Is(err, griderr.NotFound))
}

func TestReconcileIssuesMissingCredits(t *testing.T) {
	s := store.NewMemoryStore()
	registerNode(t, s, "node-1")
	proofs := newProofLedger(s)
	credits := newCreditLedger(t, s)
	ctx := context.Background()

	appended := appendN(t, proofs, 4)
	_, err := credits.Issue(ctx, appended[1])
	require.NoError(t, err)

	issued, err := credits.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, issued)

	issued, err = credits.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, issued)

	all, err := credits.ListByNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestCreditLedgerOnSQLite(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "grid.db"))
	require.NoError(t, err)
	defer s.Close()
	registerNode(t, s, "node-1")

	proofs := newProofLedger(s)
	credits := newCreditLedger(t, s)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		p, err := proofs.Append(ctx, fmt.Sprintf("t-%d", i), "node-1", energy(t, 200, 150))
		require.NoError(t, err)
		_, err = credits.Issue(ctx, p)
		require.NoError(t, err)
	}

	audit, err := credits.AuditFund(ctx)
	require.NoError(t, err)
	assert.True(t, audit.Balanced)
	assert.InDelta(t, 5*150.0/1000*0.18*0.025*0.3, audit.Accumulated, 1e-12)
}

func TestNewCreditLedgerRejectsBadPolicy(t *testing.T) {
	_, err := NewCreditLedger(store.NewMemoryStore(), nil, CreditConfig{
		Policy: models.CreditPolicy{PricePerKgEUR: 0.025, CooperativeShare: 0.6},
	}, nil)
	assert.True(t, griderr.Is(err, griderr.InvalidInput))
}
