package models

import (
	"fmt"
	"strings"
	"time"
)

// TaskType identifies the kind of distributable work
type TaskType string

const (
	TaskTypeMLTrain        TaskType = "ml_train"        // machine learning training
	TaskTypeDataProcessing TaskType = "data_processing" // batch data processing
	TaskTypeDataHash       TaskType = "data_hash"       // data hashing/verification
	TaskTypeRender         TaskType = "render"          // image/video rendering
	TaskTypeScientific     TaskType = "scientific"      // scientific computation
)

var taskRewards = map[TaskType]float64{
	TaskTypeMLTrain:        0.05,
	TaskTypeDataProcessing: 0.02,
	TaskTypeDataHash:       0.01,
	TaskTypeRender:         0.03,
	TaskTypeScientific:     0.04,
}

// ParseTaskType validates a task type string
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := taskRewards[t]; !ok {
		return "", fmt.Errorf("unknown task type %q", s)
	}
	return t, nil
}

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// ParseTaskStatus validates a task status string
func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case TaskStatusPending, TaskStatusAssigned, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Failure reasons recorded by the grid itself
const (
	ReasonDeadlineExceeded = "deadline_exceeded"
	ReasonNodeUnavailable  = "node_unavailable"
)

// Task represents a unit of distributable work
type Task struct {
	ID                  string            `json:"id"`
	Type                TaskType          `json:"task_type"`
	Payload             map[string]string `json:"payload,omitempty"`
	DataURL             string            `json:"data_url"`
	Deadline            time.Time         `json:"deadline"`
	Status              TaskStatus        `json:"status"`
	AssignedNodeID      string            `json:"assigned_node_id,omitempty"`
	ResultHash          string            `json:"result_hash,omitempty"`
	EnergyUsedWh        float64           `json:"energy_used_wh"`
	SolarContributionWh float64           `json:"solar_contribution_wh"`
	FailureReason       string            `json:"failure_reason,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	Transitions         []StateTransition `json:"state_transitions,omitempty"`
}

// TaskRequest represents a request to create a new task
type TaskRequest struct {
	Type            string            `json:"task_type"`
	DataURL         string            `json:"data_url"`
	DeadlineMinutes int64             `json:"deadline_minutes"`
	Payload         map[string]string `json:"payload,omitempty"`
}

// TaskReport carries the result a node reports for a running task
type TaskReport struct {
	ResultHash          string  `json:"result_hash"`
	EnergyUsedWh        float64 `json:"energy_used_wh"`
	SolarContributionWh float64 `json:"solar_contribution_wh"`
}

// StateTransition tracks task state changes with timestamps
type StateTransition struct {
	From      TaskStatus `json:"from"`
	To        TaskStatus `json:"to"`
	Timestamp time.Time  `json:"timestamp"`
	Reason    string     `json:"reason,omitempty"`
}

// NewTask validates a request and builds a pending task whose deadline is
// deadlineMinutes after now.
func NewTask(id string, req TaskRequest, now time.Time) (*Task, error) {
	taskType, err := ParseTaskType(req.Type)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.DataURL) == "" {
		return nil, fmt.Errorf("data url cannot be empty")
	}
	if req.DeadlineMinutes <= 0 {
		return nil, fmt.Errorf("deadline must be in the future")
	}
	if req.DeadlineMinutes > MaxDeadlineMinutes {
		return nil, fmt.Errorf("deadline must be within %d minutes", MaxDeadlineMinutes)
	}

	return &Task{
		ID:        id,
		Type:      taskType,
		Payload:   req.Payload,
		DataURL:   req.DataURL,
		Deadline:  now.Add(time.Duration(req.DeadlineMinutes) * time.Minute),
		Status:    TaskStatusPending,
		CreatedAt: now,
	}, nil
}

// MaxDeadlineMinutes bounds TaskRequest.DeadlineMinutes to one year
const MaxDeadlineMinutes = 365 * 24 * 60

// EstimatedReward returns the indicative euro reward for the task type
func (t *Task) EstimatedReward() float64 {
	return taskRewards[t.Type]
}

// IsExpired reports whether the deadline has passed
func (t *Task) IsExpired(now time.Time) bool {
	return now.After(t.Deadline)
}

// Clone returns a deep copy of the task
func (t *Task) Clone() *Task {
	c := *t
	if t.Payload != nil {
		c.Payload = make(map[string]string, len(t.Payload))
		for k, v := range t.Payload {
			c.Payload[k] = v
		}
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		s := *t.CompletedAt
		c.CompletedAt = &s
	}
	c.Transitions = append([]StateTransition(nil), t.Transitions...)
	return &c
}
