package models

import (
	"testing"
	"time"

	"github.com/koprogo/greengrid/pkg/griderr"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    TaskStatus
		to      TaskStatus
		wantErr bool
	}{
		// Valid transitions
		{"Pending to Assigned", TaskStatusPending, TaskStatusAssigned, false},
		{"Pending to Failed", TaskStatusPending, TaskStatusFailed, false},
		{"Assigned to Running", TaskStatusAssigned, TaskStatusRunning, false},
		{"Assigned to Failed", TaskStatusAssigned, TaskStatusFailed, false},
		{"Assigned to Pending", TaskStatusAssigned, TaskStatusPending, false},
		{"Running to Completed", TaskStatusRunning, TaskStatusCompleted, false},
		{"Running to Failed", TaskStatusRunning, TaskStatusFailed, false},
		{"Running to Pending", TaskStatusRunning, TaskStatusPending, false},

		// Invalid transitions
		{"Pending to Running", TaskStatusPending, TaskStatusRunning, true},
		{"Pending to Completed", TaskStatusPending, TaskStatusCompleted, true},
		{"Assigned to Completed", TaskStatusAssigned, TaskStatusCompleted, true},
		{"Completed to Running", TaskStatusCompleted, TaskStatusRunning, true},
		{"Completed to Failed", TaskStatusCompleted, TaskStatusFailed, true},
		{"Failed to Pending", TaskStatusFailed, TaskStatusPending, true},
		{"Unknown source", TaskStatus("bogus"), TaskStatusPending, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminalState(t *testing.T) {
	tests := []struct {
		state    TaskStatus
		expected bool
	}{
		{TaskStatusCompleted, true},
		{TaskStatusFailed, true},
		{TaskStatusPending, false},
		{TaskStatusAssigned, false},
		{TaskStatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := IsTerminalState(tt.state); got != tt.expected {
				t.Errorf("IsTerminalState(%v) = %v, want %v", tt.state, got, tt.expected)
			}
		})
	}
}

func newTestTask(t *testing.T) *Task {
	t.Helper()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	task, err := NewTask("task-1", TaskRequest{
		Type:            "ml_train",
		DataURL:         "https://example.org/data.csv",
		DeadlineMinutes: 60,
	}, now)
	if err != nil {
		t.Fatalf("NewTask() error = %v", err)
	}
	return task
}

func TestTaskLifecycleHappyPath(t *testing.T) {
	task := newTestTask(t)
	now := task.CreatedAt

	if err := task.Assign("node-1", now); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if task.AssignedNodeID != "node-1" {
		t.Errorf("AssignedNodeID = %q, want node-1", task.AssignedNodeID)
	}
	if err := task.Start(now.Add(time.Second)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if task.StartedAt == nil {
		t.Error("StartedAt should be set")
	}

	report := TaskReport{ResultHash: "abc", EnergyUsedWh: 100, SolarContributionWh: 80}
	if err := task.Complete(report, now.Add(time.Minute)); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if task.Status != TaskStatusCompleted {
		t.Errorf("Status = %v, want completed", task.Status)
	}
	if task.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}
	if len(task.Transitions) != 3 {
		t.Errorf("len(Transitions) = %d, want 3", len(task.Transitions))
	}
}

func TestTaskIllegalMoves(t *testing.T) {
	now := time.Now()

	task := newTestTask(t)
	if err := task.Start(now); !griderr.Is(err, griderr.InvalidTransition) {
		t.Errorf("Start() on pending: got %v, want InvalidTransition", err)
	}
	if err := task.Complete(TaskReport{ResultHash: "x"}, now); !griderr.Is(err, griderr.InvalidTransition) {
		t.Errorf("Complete() on pending: got %v, want InvalidTransition", err)
	}
	if err := task.Assign("", now); !griderr.Is(err, griderr.InvalidInput) {
		t.Errorf("Assign(\"\"): got %v, want InvalidInput", err)
	}

	if err := task.Fail(ReasonDeadlineExceeded, now); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if task.FailureReason != ReasonDeadlineExceeded {
		t.Errorf("FailureReason = %q", task.FailureReason)
	}
	if err := task.Fail("again", now); !griderr.Is(err, griderr.InvalidTransition) {
		t.Errorf("Fail() on failed: got %v, want InvalidTransition", err)
	}
	if err := task.Assign("node-1", now); !griderr.Is(err, griderr.InvalidTransition) {
		t.Errorf("Assign() on failed: got %v, want InvalidTransition", err)
	}
}

func TestTaskCompleteValidatesReport(t *testing.T) {
	tests := []struct {
		name   string
		report TaskReport
		kind   griderr.Kind
	}{
		{"empty hash", TaskReport{ResultHash: " ", EnergyUsedWh: 10}, griderr.InvalidInput},
		{"negative energy", TaskReport{ResultHash: "h", EnergyUsedWh: -1}, griderr.InvalidInput},
		{"negative solar", TaskReport{ResultHash: "h", EnergyUsedWh: 1, SolarContributionWh: -1}, griderr.InvalidInput},
		{"solar exceeds energy", TaskReport{ResultHash: "h", EnergyUsedWh: 10, SolarContributionWh: 11}, griderr.InvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := newTestTask(t)
			now := time.Now()
			_ = task.Assign("node-1", now)
			_ = task.Start(now)

			err := task.Complete(tt.report, now)
			if !griderr.Is(err, tt.kind) {
				t.Fatalf("Complete() error = %v, want kind %v", err, tt.kind)
			}
			if task.Status != TaskStatusRunning {
				t.Errorf("Status = %v, want running after rejected report", task.Status)
			}
		})
	}
}

func TestTaskRelease(t *testing.T) {
	task := newTestTask(t)
	now := time.Now()

	if err := task.Release("rebalance", now); !griderr.Is(err, griderr.InvalidTransition) {
		t.Errorf("Release() on pending: got %v, want InvalidTransition", err)
	}

	_ = task.Assign("node-1", now)
	_ = task.Start(now)
	if err := task.Release("node offline", now); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if task.Status != TaskStatusPending || task.AssignedNodeID != "" || task.StartedAt != nil {
		t.Errorf("released task = %+v", task)
	}
}
