package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/koprogo/greengrid/pkg/models"
)

// The contract tests run against every backend. They only assume the IDs
// they create themselves so they also work on a shared PostgreSQL database.

func newNode(name string) *models.Node {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Node{
		ID:            uuid.New().String(),
		Name:          name,
		CPUCores:      4,
		HasSolar:      true,
		Location:      "Liège",
		Status:        models.NodeStatusActive,
		LastHeartbeat: now,
		RegisteredAt:  now,
		UpdatedAt:     now,
	}
}

func newPendingTask(t *testing.T) *models.Task {
	t.Helper()
	task, err := models.NewTask(uuid.New().String(), models.TaskRequest{
		Type:            "render",
		DataURL:         "s3://bucket/scene.blend",
		DeadlineMinutes: 30,
		Payload:         map[string]string{"frames": "1-24"},
	}, time.Now().UTC().Truncate(time.Microsecond))
	if err != nil {
		t.Fatalf("NewTask() error = %v", err)
	}
	return task
}

func testNodeOperations(t *testing.T, s Store) {
	ctx := context.Background()

	first := newNode("first")
	second := newNode("second")
	if err := s.CreateNode(ctx, first); err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}
	if err := s.CreateNode(ctx, second); err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}
	if second.Sequence <= first.Sequence {
		t.Errorf("sequence not increasing: %d then %d", first.Sequence, second.Sequence)
	}

	got, err := s.GetNode(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetNode() error = %v", err)
	}
	if got.Name != "first" || got.CPUCores != 4 || !got.HasSolar || got.Location != "Liège" {
		t.Errorf("GetNode() = %+v", got)
	}

	if _, err := s.GetNode(ctx, "missing"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("GetNode(missing) error = %v, want ErrNodeNotFound", err)
	}

	got.ApplyHeartbeat(models.NodeHeartbeat{CPUUsagePercent: 20, SolarWatts: 500}, time.Now().UTC())
	got.TotalCarbonCredits = 999 // counters are not written by UpdateNode
	if err := s.UpdateNode(ctx, got); err != nil {
		t.Fatalf("UpdateNode() error = %v", err)
	}
	got, _ = s.GetNode(ctx, first.ID)
	if got.EcoScore < 0.649 || got.EcoScore > 0.651 {
		t.Errorf("EcoScore = %v, want 0.65", got.EcoScore)
	}
	if got.TotalCarbonCredits != 0 {
		t.Errorf("TotalCarbonCredits = %v, want 0", got.TotalCarbonCredits)
	}

	// stale relative to a cutoff in the future
	marked, err := s.MarkNodeOffline(ctx, second.ID, time.Now().Add(time.Hour))
	if err != nil || !marked {
		t.Fatalf("MarkNodeOffline() = %v, %v", marked, err)
	}
	marked, err = s.MarkNodeOffline(ctx, second.ID, time.Now().Add(time.Hour))
	if err != nil || marked {
		t.Errorf("second MarkNodeOffline() = %v, %v, want false", marked, err)
	}
	marked, _ = s.MarkNodeOffline(ctx, first.ID, time.Now().Add(-time.Hour))
	if marked {
		t.Error("fresh node should not be marked offline")
	}

	nodes, err := s.ListNodes(ctx)
	if err != nil {
		t.Fatalf("ListNodes() error = %v", err)
	}
	var idxFirst, idxSecond = -1, -1
	for i, n := range nodes {
		switch n.ID {
		case first.ID:
			idxFirst = i
		case second.ID:
			idxSecond = i
			if n.Status != models.NodeStatusOffline {
				t.Errorf("second node status = %v, want offline", n.Status)
			}
		}
	}
	if idxFirst < 0 || idxSecond < 0 || idxFirst > idxSecond {
		t.Errorf("ListNodes() order: first at %d, second at %d", idxFirst, idxSecond)
	}

	if err := s.DeleteNode(ctx, second.ID); err != nil {
		t.Fatalf("DeleteNode() error = %v", err)
	}
	if err := s.DeleteNode(ctx, second.ID); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("DeleteNode() twice error = %v, want ErrNodeNotFound", err)
	}
}

func testTaskOperations(t *testing.T, s Store) {
	ctx := context.Background()

	task := newPendingTask(t)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Type != models.TaskTypeRender || got.Payload["frames"] != "1-24" || got.Status != models.TaskStatusPending {
		t.Errorf("GetTask() = %+v", got)
	}

	now := time.Now().UTC()
	if err := got.Assign("node-x", now); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateTaskIf(ctx, got, models.TaskStatusPending); err != nil {
		t.Fatalf("UpdateTaskIf() error = %v", err)
	}

	// a second writer that read the task while pending loses
	stale := task.Clone()
	_ = stale.Assign("node-y", now)
	if err := s.UpdateTaskIf(ctx, stale, models.TaskStatusPending); !errors.Is(err, ErrStatusConflict) {
		t.Errorf("UpdateTaskIf() on moved task error = %v, want ErrStatusConflict", err)
	}
	if err := s.UpdateTaskIf(ctx, &models.Task{ID: "missing"}, models.TaskStatusPending); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("UpdateTaskIf(missing) error = %v, want ErrTaskNotFound", err)
	}

	got, _ = s.GetTask(ctx, task.ID)
	if got.AssignedNodeID != "node-x" || len(got.Transitions) != 1 {
		t.Errorf("stored task = %+v", got)
	}

	byNode, err := s.FindTasksByNode(ctx, "node-x")
	if err != nil {
		t.Fatalf("FindTasksByNode() error = %v", err)
	}
	found := false
	for _, bt := range byNode {
		found = found || bt.ID == task.ID
	}
	if !found {
		t.Error("FindTasksByNode() did not return the assigned task")
	}

	counts, err := s.CountTasksByStatus(ctx)
	if err != nil {
		t.Fatalf("CountTasksByStatus() error = %v", err)
	}
	if counts[models.TaskStatusAssigned] < 1 {
		t.Errorf("counts = %v", counts)
	}
}

func testFindNextPendingOrder(t *testing.T, s Store) {
	ctx := context.Background()

	older := newPendingTask(t)
	newer := newPendingTask(t)
	newer.CreatedAt = older.CreatedAt // identical timestamps fall back to insertion order
	if err := s.CreateTask(ctx, older); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTask(ctx, newer); err != nil {
		t.Fatal(err)
	}

	pending, err := s.ListTasks(ctx, TaskFilter{Status: models.TaskStatusPending})
	if err != nil {
		t.Fatal(err)
	}
	idx := map[string]int{}
	for i, p := range pending {
		idx[p.ID] = i
	}
	if idx[older.ID] > idx[newer.ID] {
		t.Errorf("pending order: older at %d, newer at %d", idx[older.ID], idx[newer.ID])
	}

	next, err := s.FindNextPending(ctx)
	if err != nil {
		t.Fatalf("FindNextPending() error = %v", err)
	}
	if next.Status != models.TaskStatusPending {
		t.Errorf("FindNextPending() status = %v", next.Status)
	}
}

func headHash(t *testing.T, s ProofRepository) string {
	t.Helper()
	head, err := s.LatestProof(context.Background())
	if errors.Is(err, ErrProofNotFound) {
		return ""
	}
	if err != nil {
		t.Fatalf("LatestProof() error = %v", err)
	}
	return head.Hash
}

func makeProof(taskID, previous string) *models.GreenProof {
	e := models.EnergyMetrics{EnergyUsedWh: 100, SolarContributionWh: 80, CarbonSavedKg: 0.0144}
	return &models.GreenProof{
		ID:           uuid.New().String(),
		TaskID:       taskID,
		NodeID:       "node-1",
		Energy:       e,
		Hash:         models.ComputeProofHash(taskID, "node-1", e, previous),
		PreviousHash: previous,
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
}

func testProofOperations(t *testing.T, s ProofRepository) {
	ctx := context.Background()

	before, err := s.CountProofs(ctx)
	if err != nil {
		t.Fatalf("CountProofs() error = %v", err)
	}

	prev := headHash(t, s)
	first := makeProof(uuid.New().String(), prev)
	if err := s.AppendProof(ctx, first); err != nil {
		t.Fatalf("AppendProof() error = %v", err)
	}
	if first.Sequence != int64(before) {
		t.Errorf("Sequence = %d, want %d", first.Sequence, before)
	}

	// appending against a stale head is rejected
	if err := s.AppendProof(ctx, makeProof(uuid.New().String(), prev)); !errors.Is(err, ErrChainHeadMoved) {
		t.Errorf("AppendProof() stale head error = %v, want ErrChainHeadMoved", err)
	}

	second := makeProof(uuid.New().String(), first.Hash)
	if err := s.AppendProof(ctx, second); err != nil {
		t.Fatalf("AppendProof() error = %v", err)
	}

	latest, err := s.LatestProof(ctx)
	if err != nil {
		t.Fatalf("LatestProof() error = %v", err)
	}
	if latest.ID != second.ID || latest.PreviousHash != first.Hash {
		t.Errorf("LatestProof() = %+v", latest)
	}

	byTask, err := s.GetProofByTask(ctx, first.TaskID)
	if err != nil || byTask.ID != first.ID {
		t.Errorf("GetProofByTask() = %+v, %v", byTask, err)
	}
	if _, err := s.GetProofByTask(ctx, "missing"); !errors.Is(err, ErrProofNotFound) {
		t.Errorf("GetProofByTask(missing) error = %v", err)
	}

	page, err := s.ListProofs(ctx, 2, before)
	if err != nil {
		t.Fatalf("ListProofs() error = %v", err)
	}
	if len(page) != 2 || page[0].ID != first.ID || page[1].ID != second.ID {
		t.Errorf("ListProofs() = %d proofs", len(page))
	}

	// a huge limit must not wrap the page bounds
	tail, err := s.ListProofs(ctx, math.MaxInt, before+1)
	if err != nil {
		t.Fatalf("ListProofs(MaxInt) error = %v", err)
	}
	if len(tail) != 1 || tail[0].ID != second.ID {
		t.Errorf("ListProofs(MaxInt, %d) = %d proofs, want 1", before+1, len(tail))
	}
	if past, err := s.ListProofs(ctx, 2, before+10); err != nil || len(past) != 0 {
		t.Errorf("ListProofs() past the head = %d proofs, %v", len(past), err)
	}

	var scanned int
	var lastSeq int64 = -1
	err = s.ScanProofs(ctx, func(p *models.GreenProof) error {
		if p.Sequence <= lastSeq {
			return fmt.Errorf("sequence %d after %d", p.Sequence, lastSeq)
		}
		lastSeq = p.Sequence
		scanned++
		return nil
	})
	if err != nil {
		t.Fatalf("ScanProofs() error = %v", err)
	}
	if scanned != before+2 {
		t.Errorf("ScanProofs() visited %d, want %d", scanned, before+2)
	}
}

func testCreditOperations(t *testing.T, s Store) {
	ctx := context.Background()

	node := newNode("earner")
	if err := s.CreateNode(ctx, node); err != nil {
		t.Fatal(err)
	}
	fundBefore, err := s.CooperativeFund(ctx)
	if err != nil {
		t.Fatalf("CooperativeFund() error = %v", err)
	}

	proof := makeProof(uuid.New().String(), "")
	proof.NodeID = node.ID
	credit, err := models.NewCarbonCredit(uuid.New().String(), proof, models.DefaultCreditPolicy(), time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}

	issued, created, err := s.IssueCredit(ctx, credit, proof.Energy.SolarContributionWh)
	if err != nil || !created || issued.ID != credit.ID {
		t.Fatalf("IssueCredit() = %v, %v, %v", issued, created, err)
	}

	dup := *credit
	dup.ID = uuid.New().String()
	again, created, err := s.IssueCredit(ctx, &dup, proof.Energy.SolarContributionWh)
	if err != nil || created || again.ID != credit.ID {
		t.Fatalf("duplicate IssueCredit() = %v, %v, %v", again, created, err)
	}

	fundAfter, _ := s.CooperativeFund(ctx)
	if diff := fundAfter - fundBefore - credit.CooperativeShareEUR; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("fund moved by %v, want %v", fundAfter-fundBefore, credit.CooperativeShareEUR)
	}

	stored, _ := s.GetNode(ctx, node.ID)
	if stored.TotalEnergySavedWh != 80 {
		t.Errorf("TotalEnergySavedWh = %v, want 80", stored.TotalEnergySavedWh)
	}
	if d := stored.TotalCarbonCredits - credit.KgCO2; d > 1e-12 || d < -1e-12 {
		t.Errorf("TotalCarbonCredits = %v, want %v", stored.TotalCarbonCredits, credit.KgCO2)
	}

	byNode, err := s.ListCreditsByNode(ctx, node.ID)
	if err != nil || len(byNode) != 1 {
		t.Fatalf("ListCreditsByNode() = %d, %v", len(byNode), err)
	}

	if err := credit.Confirm(time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateCreditStatus(ctx, credit, models.CreditStatusPending); err != nil {
		t.Fatalf("UpdateCreditStatus() error = %v", err)
	}
	if err := s.UpdateCreditStatus(ctx, credit, models.CreditStatusPending); !errors.Is(err, ErrStatusConflict) {
		t.Errorf("UpdateCreditStatus() stale error = %v, want ErrStatusConflict", err)
	}
	got, err := s.GetCreditByProof(ctx, proof.ID)
	if err != nil || got.Status != models.CreditStatusConfirmed || got.ConfirmedAt == nil {
		t.Errorf("GetCreditByProof() = %+v, %v", got, err)
	}
	if _, err := s.GetCredit(ctx, "missing"); !errors.Is(err, ErrCreditNotFound) {
		t.Errorf("GetCredit(missing) error = %v", err)
	}
}

func testConcurrentCreditIssue(t *testing.T, s Store) {
	ctx := context.Background()
	proof := makeProof(uuid.New().String(), "")
	fundBefore, _ := s.CooperativeFund(ctx)

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			credit, _ := models.NewCarbonCredit(uuid.New().String(), proof, models.DefaultCreditPolicy(), time.Now().UTC())
			_, created, err := s.IssueCredit(ctx, credit, 80)
			if err != nil {
				t.Errorf("IssueCredit() error = %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("created %d credits for one proof, want 1", createdCount)
	}
	fundAfter, _ := s.CooperativeFund(ctx)
	want := 0.0144 * 0.025 * 0.30
	if d := fundAfter - fundBefore - want; d > 1e-12 || d < -1e-12 {
		t.Errorf("fund moved by %v, want %v", fundAfter-fundBefore, want)
	}
}

func runStoreContract(t *testing.T, s Store) {
	t.Run("NodeOperations", func(t *testing.T) { testNodeOperations(t, s) })
	t.Run("TaskOperations", func(t *testing.T) { testTaskOperations(t, s) })
	t.Run("FindNextPendingOrder", func(t *testing.T) { testFindNextPendingOrder(t, s) })
	t.Run("ProofOperations", func(t *testing.T) { testProofOperations(t, s) })
	t.Run("CreditOperations", func(t *testing.T) { testCreditOperations(t, s) })
	t.Run("ConcurrentCreditIssue", func(t *testing.T) { testConcurrentCreditIssue(t, s) })
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	task := newPendingTask(t)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	got.Status = models.TaskStatusFailed
	got.Payload["frames"] = "other"

	again, _ := s.GetTask(ctx, task.ID)
	if again.Status != models.TaskStatusPending || again.Payload["frames"] != "1-24" {
		t.Errorf("mutating a returned task leaked into the store: %+v", again)
	}
}

func TestNewStoreUnsupported(t *testing.T) {
	if _, err := NewStore(Config{Type: "oracle"}); !errors.Is(err, ErrUnsupportedDatabase) {
		t.Errorf("NewStore() error = %v, want ErrUnsupportedDatabase", err)
	}
}
