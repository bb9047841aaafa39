package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/koprogo/greengrid/pkg/events"
	"github.com/koprogo/greengrid/pkg/griderr"
	"github.com/koprogo/greengrid/pkg/logging"
	"github.com/koprogo/greengrid/pkg/models"
	"github.com/koprogo/greengrid/pkg/registry"
	"github.com/koprogo/greengrid/pkg/store"
	"github.com/koprogo/greengrid/pkg/tracing"
)

// SelectionPolicy picks a node for a task among live candidates. Candidates
// arrive best eco score first; returning nil means none is suitable.
type SelectionPolicy interface {
	Select(task *models.Task, candidates []*models.Node) *models.Node
}

// EcoScorePolicy picks the highest eco score, ties going to the node that
// registered first
type EcoScorePolicy struct{}

// Select implements SelectionPolicy
func (EcoScorePolicy) Select(_ *models.Task, candidates []*models.Node) *models.Node {
	var best *models.Node
	for _, n := range candidates {
		if best == nil || n.EcoScore > best.EcoScore ||
			(n.EcoScore == best.EcoScore && n.Sequence < best.Sequence) {
			best = n
		}
	}
	return best
}

// DistributorConfig holds distributor settings
type DistributorConfig struct {
	Policy SelectionPolicy
	Now    func() time.Time
}

// Distributor assigns pending tasks to the best live node and moves work
// off nodes that went away or are overloaded
type Distributor struct {
	registry *registry.Registry
	tasks    store.TaskRepository
	policy   SelectionPolicy
	now      func() time.Time
	locks    *keyedMutex
	logger   *logging.Logger
	events   events.Publisher
}

// NewDistributor creates a distributor over the registry and task store
func NewDistributor(reg *registry.Registry, tasks store.TaskRepository, config DistributorConfig, logger *logging.Logger) *Distributor {
	if config.Policy == nil {
		config.Policy = EcoScorePolicy{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Distributor{
		registry: reg,
		tasks:    tasks,
		policy:   config.Policy,
		now:      config.Now,
		locks:    newKeyedMutex(),
		logger:   logger.WithField("component", "distributor"),
	}
}

// SetEventPublisher attaches an event sink
func (d *Distributor) SetEventPublisher(p events.Publisher) {
	d.events = p
}

// FindBestNode returns the node the policy prefers for task among live
// nodes, skipping exclude. It returns nil when no node qualifies.
func (d *Distributor) FindBestNode(ctx context.Context, task *models.Task, exclude ...string) (*models.Node, error) {
	active, err := d.registry.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	candidates := active[:0:0]
	for _, n := range active {
		if !contains(exclude, n.ID) {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	best := d.policy.Select(task, candidates)
	if best != nil && best.Status != models.NodeStatusActive {
		// never hand out a node outside the live set
		return nil, nil
	}
	return best, nil
}

// AssignTask hands a pending task to the best live node and returns its ID.
// Concurrent calls for the same task are serialized; the loser sees
// InvalidTransition.
func (d *Distributor) AssignTask(ctx context.Context, taskID string) (nodeID string, err error) {
	const op = "scheduler.AssignTask"
	ctx, span := tracing.StartSpan(ctx, "scheduler.assign_task", attribute.String("task.id", taskID))
	defer func() { tracing.End(span, err) }()

	unlock := d.locks.Lock(taskID)
	defer unlock()

	task, err := d.tasks.GetTask(ctx, taskID)
	if err != nil {
		return "", store.AsGridError(op, err)
	}
	if task.Status != models.TaskStatusPending {
		return "", griderr.Errorf(op, griderr.InvalidTransition,
			"task %s is %s, not pending", taskID, task.Status)
	}
	node, err := d.assignLocked(ctx, op, task, models.TaskStatusPending)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("node.id", node.ID))
	return node.ID, nil
}

// assignLocked picks a node for a task already moved to pending in memory
// and persists the assignment if the stored status is still expected.
// The caller holds the task lock.
func (d *Distributor) assignLocked(ctx context.Context, op string, task *models.Task, expected models.TaskStatus, exclude ...string) (*models.Node, error) {
	node, err := d.FindBestNode(ctx, task, exclude...)
	if err != nil {
		return nil, store.AsGridError(op, err)
	}
	if node == nil {
		return nil, griderr.Errorf(op, griderr.NoCapacity, "no live node available for task %s", task.ID)
	}
	if err := task.Assign(node.ID, d.now()); err != nil {
		return nil, err
	}
	if err := d.tasks.UpdateTaskIf(ctx, task, expected); err != nil {
		return nil, store.AsGridError(op, err)
	}

	d.logger.Info("Task assigned", logging.Fields{
		"task_id":   task.ID,
		"task_type": task.Type,
		"node_id":   node.ID,
		"eco_score": node.EcoScore,
	})
	events.Publish(d.events, events.TaskAssigned, task)
	return node, nil
}

// AssignPending assigns pending tasks oldest first until none are left or
// no node is available. Returns how many were assigned.
func (d *Distributor) AssignPending(ctx context.Context) (int, error) {
	pending, err := d.tasks.ListTasks(ctx, store.TaskFilter{Status: models.TaskStatusPending})
	if err != nil {
		return 0, store.AsGridError("scheduler.AssignPending", err)
	}
	assigned := 0
	for _, t := range pending {
		if ctx.Err() != nil {
			return assigned, ctx.Err()
		}
		_, err := d.AssignTask(ctx, t.ID)
		switch {
		case err == nil:
			assigned++
		case griderr.Is(err, griderr.NoCapacity):
			return assigned, nil
		case griderr.Is(err, griderr.InvalidTransition):
			// picked up concurrently
		default:
			d.logger.Warn("Failed to assign pending task", logging.Fields{"task_id": t.ID, "error": err})
		}
	}
	return assigned, nil
}

// NextTaskForNode returns work for a polling node: a task already assigned
// to it, or the oldest pending task if the policy hands it to this node.
// NotFound means there is nothing for the node right now.
func (d *Distributor) NextTaskForNode(ctx context.Context, nodeID string) (*models.Task, error) {
	const op = "scheduler.NextTaskForNode"
	if _, err := d.registry.Get(ctx, nodeID); err != nil {
		return nil, err
	}

	assigned, err := d.tasks.ListTasks(ctx, store.TaskFilter{Status: models.TaskStatusAssigned, NodeID: nodeID, Limit: 1})
	if err != nil {
		return nil, store.AsGridError(op, err)
	}
	if len(assigned) > 0 {
		return assigned[0], nil
	}

	next, err := d.tasks.FindNextPending(ctx)
	if errors.Is(err, store.ErrTaskNotFound) {
		return nil, griderr.Errorf(op, griderr.NotFound, "no task for node %s", nodeID)
	}
	if err != nil {
		return nil, store.AsGridError(op, err)
	}
	chosen, err := d.AssignTask(ctx, next.ID)
	if err != nil {
		if griderr.Is(err, griderr.NoCapacity) || griderr.Is(err, griderr.InvalidTransition) {
			return nil, griderr.Errorf(op, griderr.NotFound, "no task for node %s", nodeID)
		}
		return nil, err
	}
	if chosen != nodeID {
		return nil, griderr.Errorf(op, griderr.NotFound, "no task for node %s", nodeID)
	}
	task, err := d.tasks.GetTask(ctx, next.ID)
	if err != nil {
		return nil, store.AsGridError(op, err)
	}
	return task, nil
}

// Move records one rebalance decision
type Move struct {
	TaskID   string `json:"task_id"`
	FromNode string `json:"from_node"`
	ToNode   string `json:"to_node,omitempty"` // empty when the task failed
	Reason   string `json:"reason"`
}

// RebalanceReport summarizes one rebalance pass
type RebalanceReport struct {
	Scanned    int    `json:"scanned"`
	Reassigned int    `json:"reassigned"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Moves      []Move `json:"moves,omitempty"`
}

const (
	reasonNodeOffline    = "node_offline"
	reasonNodeOverloaded = "node_overloaded"
)

// Rebalance moves in-flight tasks off nodes that are offline, stale or gone,
// and assigned-but-not-started tasks off nodes holding more tasks than
// cores. A task leaving an unavailable node is reassigned or failed with
// node_unavailable; a task on an overloaded node only moves if another live
// node can take it.
func (d *Distributor) Rebalance(ctx context.Context) (report *RebalanceReport, err error) {
	const op = "scheduler.Rebalance"
	ctx, span := tracing.StartSpan(ctx, "scheduler.rebalance")
	defer func() { tracing.End(span, err) }()

	nodes, err := d.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	var inFlight []*models.Task
	for _, status := range []models.TaskStatus{models.TaskStatusAssigned, models.TaskStatusRunning} {
		tasks, err := d.tasks.ListTasks(ctx, store.TaskFilter{Status: status})
		if err != nil {
			return nil, store.AsGridError(op, err)
		}
		inFlight = append(inFlight, tasks...)
	}
	load := make(map[string]int)
	for _, t := range inFlight {
		load[t.AssignedNodeID]++
	}

	now := d.now()
	window := d.registry.LivenessWindow()
	report = &RebalanceReport{Scanned: len(inFlight)}
	for _, t := range inFlight {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		node, known := byID[t.AssignedNodeID]
		switch {
		case !known || node.Status == models.NodeStatusOffline || node.IsStale(now, window):
			d.moveTask(ctx, report, t, reasonNodeOffline, true)
		case t.Status == models.TaskStatusAssigned && load[node.ID] > node.CPUCores:
			if d.moveTask(ctx, report, t, reasonNodeOverloaded, false) {
				load[node.ID]--
			}
		}
	}

	span.SetAttributes(
		attribute.Int("rebalance.scanned", report.Scanned),
		attribute.Int("rebalance.reassigned", report.Reassigned),
		attribute.Int("rebalance.failed", report.Failed),
	)
	if report.Reassigned+report.Failed > 0 {
		d.logger.Info("Rebalance completed", logging.Fields{
			"scanned":    report.Scanned,
			"reassigned": report.Reassigned,
			"failed":     report.Failed,
			"skipped":    report.Skipped,
		})
	}
	return report, nil
}

// moveTask releases one task from its node and reassigns it. When the node
// is unavailable and no other node can take the task it is failed instead.
// Returns whether the task left its node.
func (d *Distributor) moveTask(ctx context.Context, report *RebalanceReport, snapshot *models.Task, reason string, unavailable bool) bool {
	const op = "scheduler.Rebalance"
	unlock := d.locks.Lock(snapshot.ID)
	defer unlock()

	task, err := d.tasks.GetTask(ctx, snapshot.ID)
	if err != nil {
		d.logger.Warn("Rebalance: failed to reload task", logging.Fields{"task_id": snapshot.ID, "error": err})
		report.Skipped++
		return false
	}
	from, expected := task.AssignedNodeID, task.Status
	if from != snapshot.AssignedNodeID || !models.IsInFlight(expected) {
		report.Skipped++
		return false
	}

	if !unavailable {
		other, err := d.FindBestNode(ctx, task, from)
		if err != nil || other == nil {
			report.Skipped++
			return false
		}
	}

	now := d.now()
	if err := task.Release(reason, now); err != nil {
		report.Skipped++
		return false
	}
	released := map[string]string{"task_id": task.ID, "node_id": from, "reason": reason}

	node, err := d.assignLocked(ctx, op, task, expected, from)
	if err == nil {
		events.Publish(d.events, events.TaskReleased, released)
		report.Reassigned++
		report.Moves = append(report.Moves, Move{TaskID: task.ID, FromNode: from, ToNode: node.ID, Reason: reason})
		return true
	}
	if !griderr.Is(err, griderr.NoCapacity) || !unavailable {
		d.logger.Warn("Rebalance: reassignment failed", logging.Fields{"task_id": task.ID, "error": err})
		report.Skipped++
		return false
	}

	if err := task.Fail(models.ReasonNodeUnavailable, now); err != nil {
		report.Skipped++
		return false
	}
	if err := d.tasks.UpdateTaskIf(ctx, task, expected); err != nil {
		d.logger.Warn("Rebalance: failed to fail task", logging.Fields{"task_id": task.ID, "error": err})
		report.Skipped++
		return false
	}
	d.logger.Warn("Task failed, no node available", logging.Fields{
		"task_id":   task.ID,
		"from_node": from,
		"reason":    models.ReasonNodeUnavailable,
	})
	events.Publish(d.events, events.TaskReleased, released)
	events.Publish(d.events, events.TaskFailed, task)
	report.Failed++
	report.Moves = append(report.Moves, Move{TaskID: task.ID, FromNode: from, Reason: models.ReasonNodeUnavailable})
	return true
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// keyedMutex serializes work per key, dropping idle keys
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key and returns its release function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
