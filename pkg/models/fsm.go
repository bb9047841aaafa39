package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/koprogo/greengrid/pkg/griderr"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusPending: {
		TaskStatusAssigned: true, // Pending → Assigned (distributor picks a node)
		TaskStatusFailed:   true, // Pending → Failed (deadline passed before assignment)
	},
	TaskStatusAssigned: {
		TaskStatusRunning: true, // Assigned → Running (node starts execution)
		TaskStatusFailed:  true, // Assigned → Failed
		TaskStatusPending: true, // Assigned → Pending (released by rebalance)
	},
	TaskStatusRunning: {
		TaskStatusCompleted: true, // Running → Completed (result reported)
		TaskStatusFailed:    true, // Running → Failed
		TaskStatusPending:   true, // Running → Pending (released by rebalance)
	},
	// Terminal states (no transitions allowed)
	TaskStatusCompleted: {},
	TaskStatusFailed:    {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to TaskStatus) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowedStates[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state TaskStatus) bool {
	return state == TaskStatusCompleted || state == TaskStatusFailed
}

// IsInFlight returns true if the task is held by a node
func IsInFlight(state TaskStatus) bool {
	return state == TaskStatusAssigned || state == TaskStatusRunning
}

func (t *Task) transition(op string, to TaskStatus, reason string, now time.Time) error {
	if err := ValidateTransition(t.Status, to); err != nil {
		return griderr.E(op, griderr.InvalidTransition, fmt.Errorf("task %s: %w", t.ID, err))
	}
	t.Transitions = append(t.Transitions, StateTransition{
		From:      t.Status,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	t.Status = to
	return nil
}

// Assign hands a pending task to a node
func (t *Task) Assign(nodeID string, now time.Time) error {
	if t.Status != TaskStatusPending {
		return griderr.Errorf("task.Assign", griderr.InvalidTransition,
			"cannot assign task %s in status %s", t.ID, t.Status)
	}
	if nodeID == "" {
		return griderr.Errorf("task.Assign", griderr.InvalidInput, "node id is required")
	}
	if err := t.transition("task.Assign", TaskStatusAssigned, "assigned to node "+nodeID, now); err != nil {
		return err
	}
	t.AssignedNodeID = nodeID
	return nil
}

// Start marks an assigned task as running
func (t *Task) Start(now time.Time) error {
	if t.Status != TaskStatusAssigned {
		return griderr.Errorf("task.Start", griderr.InvalidTransition,
			"cannot start task %s in status %s", t.ID, t.Status)
	}
	if err := t.transition("task.Start", TaskStatusRunning, "", now); err != nil {
		return err
	}
	t.StartedAt = &now
	return nil
}

// Complete records the result of a running task
func (t *Task) Complete(report TaskReport, now time.Time) error {
	if t.Status != TaskStatusRunning {
		return griderr.Errorf("task.Complete", griderr.InvalidTransition,
			"cannot complete task %s in status %s", t.ID, t.Status)
	}
	if strings.TrimSpace(report.ResultHash) == "" {
		return griderr.Errorf("task.Complete", griderr.InvalidInput, "result hash cannot be empty")
	}
	if err := ValidateEnergy(report.EnergyUsedWh, report.SolarContributionWh); err != nil {
		return griderr.E("task.Complete", griderr.InvalidInput, err)
	}
	if err := t.transition("task.Complete", TaskStatusCompleted, "", now); err != nil {
		return err
	}
	t.ResultHash = report.ResultHash
	t.EnergyUsedWh = report.EnergyUsedWh
	t.SolarContributionWh = report.SolarContributionWh
	t.CompletedAt = &now
	return nil
}

// Fail moves a non-terminal task to failed, recording the reason
func (t *Task) Fail(reason string, now time.Time) error {
	if IsTerminalState(t.Status) {
		return griderr.Errorf("task.Fail", griderr.InvalidTransition,
			"cannot fail task %s in status %s", t.ID, t.Status)
	}
	if err := t.transition("task.Fail", TaskStatusFailed, reason, now); err != nil {
		return err
	}
	t.FailureReason = reason
	t.CompletedAt = &now
	return nil
}

// Release returns an in-flight task to pending so it can be reassigned
func (t *Task) Release(reason string, now time.Time) error {
	if !IsInFlight(t.Status) {
		return griderr.Errorf("task.Release", griderr.InvalidTransition,
			"cannot release task %s in status %s", t.ID, t.Status)
	}
	if err := t.transition("task.Release", TaskStatusPending, reason, now); err != nil {
		return err
	}
	t.AssignedNodeID = ""
	t.StartedAt = nil
	return nil
}
