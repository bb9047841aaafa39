package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/koprogo/greengrid/pkg/events"
	"github.com/koprogo/greengrid/pkg/griderr"
	"github.com/koprogo/greengrid/pkg/ledger"
	"github.com/koprogo/greengrid/pkg/logging"
	"github.com/koprogo/greengrid/pkg/models"
	"github.com/koprogo/greengrid/pkg/store"
	"github.com/koprogo/greengrid/pkg/tracing"
)

// TaskManager owns the task lifecycle outside of assignment: creation,
// start, completion reporting with its ledger entries, failure and
// deadline expiry. It shares the distributor's per-task locks.
type TaskManager struct {
	tasks   store.TaskRepository
	dist    *Distributor
	proofs  *ledger.ProofLedger
	credits *ledger.CreditLedger
	now     func() time.Time
	logger  *logging.Logger
	events  events.Publisher
}

// NewTaskManager wires the task lifecycle to the distributor and both ledgers
func NewTaskManager(tasks store.TaskRepository, dist *Distributor, proofs *ledger.ProofLedger, credits *ledger.CreditLedger, logger *logging.Logger) *TaskManager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &TaskManager{
		tasks:   tasks,
		dist:    dist,
		proofs:  proofs,
		credits: credits,
		now:     dist.now,
		logger:  logger.WithField("component", "tasks"),
	}
}

// SetEventPublisher attaches an event sink
func (m *TaskManager) SetEventPublisher(p events.Publisher) {
	m.events = p
}

// Create validates and stores a new pending task. With assign set it is
// handed to a node straight away; a lack of capacity leaves it pending.
func (m *TaskManager) Create(ctx context.Context, req models.TaskRequest, assign bool) (*models.Task, error) {
	const op = "scheduler.CreateTask"
	task, err := models.NewTask(uuid.New().String(), req, m.now())
	if err != nil {
		return nil, griderr.E(op, griderr.InvalidInput, err)
	}
	if err := m.tasks.CreateTask(ctx, task); err != nil {
		return nil, store.AsGridError(op, err)
	}

	m.logger.Info("Task created", logging.Fields{
		"task_id":   task.ID,
		"task_type": task.Type,
		"deadline":  task.Deadline.Format(time.RFC3339),
	})
	events.Publish(m.events, events.TaskCreated, task)

	if !assign {
		return task, nil
	}
	if _, err := m.dist.AssignTask(ctx, task.ID); err != nil {
		if !griderr.Is(err, griderr.NoCapacity) {
			return nil, err
		}
		m.logger.Info("No node available, task stays pending", logging.Fields{"task_id": task.ID})
		return task, nil
	}
	return m.Get(ctx, task.ID)
}

// Get returns a task by ID
func (m *TaskManager) Get(ctx context.Context, id string) (*models.Task, error) {
	task, err := m.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, store.AsGridError("scheduler.GetTask", err)
	}
	return task, nil
}

// List returns tasks matching filter
func (m *TaskManager) List(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error) {
	tasks, err := m.tasks.ListTasks(ctx, filter)
	if err != nil {
		return nil, store.AsGridError("scheduler.ListTasks", err)
	}
	return tasks, nil
}

// Counts returns the number of tasks per status
func (m *TaskManager) Counts(ctx context.Context) (map[models.TaskStatus]int, error) {
	counts, err := m.tasks.CountTasksByStatus(ctx)
	if err != nil {
		return nil, store.AsGridError("scheduler.Counts", err)
	}
	return counts, nil
}

// Start marks an assigned task as running. nodeID, when set, must be the
// node the task is assigned to.
func (m *TaskManager) Start(ctx context.Context, id, nodeID string) (*models.Task, error) {
	const op = "scheduler.StartTask"
	unlock := m.dist.locks.Lock(id)
	defer unlock()

	task, err := m.loadOwned(ctx, op, id, nodeID)
	if err != nil {
		return nil, err
	}
	if err := task.Start(m.now()); err != nil {
		return nil, err
	}
	if err := m.tasks.UpdateTaskIf(ctx, task, models.TaskStatusAssigned); err != nil {
		return nil, store.AsGridError(op, err)
	}
	m.logger.Info("Task started", logging.Fields{"task_id": id, "node_id": task.AssignedNodeID})
	events.Publish(m.events, events.TaskStarted, task)
	return task, nil
}

// Completion is the outcome of a completion report
type Completion struct {
	Task   *models.Task         `json:"task"`
	Proof  *models.GreenProof   `json:"proof"`
	Credit *models.CarbonCredit `json:"credit,omitempty"`
}

// Complete records a running task's result, appends its green proof and
// issues the carbon credit. If the proof cannot be appended the task goes
// back to running. A failed credit issue leaves the proof in place for
// CreditLedger.Reconcile and is reported as Internal. The rollback and the
// credit issue outlive cancellation of ctx.
func (m *TaskManager) Complete(ctx context.Context, id, nodeID string, report models.TaskReport) (result *Completion, err error) {
	const op = "scheduler.CompleteTask"
	ctx, span := tracing.StartSpan(ctx, "scheduler.complete_task", attribute.String("task.id", id))
	defer func() { tracing.End(span, err) }()

	unlock := m.dist.locks.Lock(id)
	defer unlock()

	task, err := m.loadOwned(ctx, op, id, nodeID)
	if err != nil {
		return nil, err
	}
	running := task.Clone()
	if err := task.Complete(report, m.now()); err != nil {
		return nil, err
	}
	energy, err := models.NewEnergyMetrics(report.EnergyUsedWh, report.SolarContributionWh, m.proofs.CarbonIntensity())
	if err != nil {
		return nil, griderr.E(op, griderr.InvalidInput, err)
	}
	if err := m.tasks.UpdateTaskIf(ctx, task, models.TaskStatusRunning); err != nil {
		return nil, store.AsGridError(op, err)
	}

	// a report whose caller went away must still end consistent
	detached := context.WithoutCancel(ctx)

	proof, err := m.proofs.Append(ctx, task.ID, task.AssignedNodeID, energy)
	if err != nil {
		if rbErr := m.tasks.UpdateTaskIf(detached, running, models.TaskStatusCompleted); rbErr != nil {
			m.logger.Error("Failed to roll back task completion", logging.Fields{
				"task_id": id,
				"error":   rbErr,
			})
		} else {
			m.logger.Warn("Task completion rolled back, proof append failed", logging.Fields{
				"task_id": id,
				"error":   err,
			})
		}
		return nil, err
	}
	result = &Completion{Task: task, Proof: proof}
	span.SetAttributes(attribute.Int64("proof.sequence", proof.Sequence))

	credit, err := m.credits.Issue(detached, proof)
	if err != nil {
		m.logger.Error("Credit issue failed, left for reconciliation", logging.Fields{
			"task_id":  id,
			"proof_id": proof.ID,
			"error":    err,
		})
		return result, griderr.E(op, griderr.Internal, err)
	}
	result.Credit = credit

	m.logger.Info("Task completed", logging.Fields{
		"task_id":   id,
		"node_id":   task.AssignedNodeID,
		"energy_wh": report.EnergyUsedWh,
		"solar_wh":  report.SolarContributionWh,
		"green_pct": energy.GreenPercentage(),
		"proof_id":  proof.ID,
		"credit_id": credit.ID,
	})
	events.Publish(m.events, events.TaskCompleted, task)
	return result, nil
}

// Fail moves a non-terminal task to failed with the given reason. No ledger
// entry is created.
func (m *TaskManager) Fail(ctx context.Context, id, reason string) (*models.Task, error) {
	const op = "scheduler.FailTask"
	if reason == "" {
		reason = "failed"
	}
	unlock := m.dist.locks.Lock(id)
	defer unlock()

	task, err := m.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, store.AsGridError(op, err)
	}
	if err := m.failLocked(ctx, op, task, reason); err != nil {
		return nil, err
	}
	return task, nil
}

func (m *TaskManager) failLocked(ctx context.Context, op string, task *models.Task, reason string) error {
	from := task.Status
	if err := task.Fail(reason, m.now()); err != nil {
		return err
	}
	if err := m.tasks.UpdateTaskIf(ctx, task, from); err != nil {
		return store.AsGridError(op, err)
	}
	m.logger.Warn("Task failed", logging.Fields{
		"task_id": task.ID,
		"from":    from,
		"node_id": task.AssignedNodeID,
		"reason":  reason,
	})
	events.Publish(m.events, events.TaskFailed, task)
	return nil
}

// ExpireOverdue fails every non-terminal task past its deadline with
// deadline_exceeded. Per-task failures are logged and skipped.
func (m *TaskManager) ExpireOverdue(ctx context.Context) (int, error) {
	const op = "scheduler.ExpireOverdue"
	now := m.now()
	expired := 0
	for _, status := range []models.TaskStatus{models.TaskStatusPending, models.TaskStatusAssigned, models.TaskStatusRunning} {
		tasks, err := m.tasks.ListTasks(ctx, store.TaskFilter{Status: status})
		if err != nil {
			return expired, store.AsGridError(op, err)
		}
		for _, t := range tasks {
			if !t.IsExpired(now) {
				continue
			}
			if m.expire(ctx, op, t.ID, now) {
				expired++
			}
		}
	}
	return expired, nil
}

func (m *TaskManager) expire(ctx context.Context, op, id string, now time.Time) bool {
	unlock := m.dist.locks.Lock(id)
	defer unlock()

	task, err := m.tasks.GetTask(ctx, id)
	if err != nil {
		m.logger.Warn("Deadline sweep: failed to reload task", logging.Fields{"task_id": id, "error": err})
		return false
	}
	if models.IsTerminalState(task.Status) || !task.IsExpired(now) {
		return false
	}
	if err := m.failLocked(ctx, op, task, models.ReasonDeadlineExceeded); err != nil {
		m.logger.Warn("Deadline sweep: failed to expire task", logging.Fields{"task_id": id, "error": err})
		return false
	}
	return true
}

func (m *TaskManager) loadOwned(ctx context.Context, op, id, nodeID string) (*models.Task, error) {
	task, err := m.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, store.AsGridError(op, err)
	}
	if nodeID != "" && task.AssignedNodeID != nodeID {
		return nil, griderr.Errorf(op, griderr.InvalidInput,
			"task %s is not assigned to node %s", id, nodeID)
	}
	return task, nil
}
