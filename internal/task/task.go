// Package task defines the core domain model shared by the store, the approval gate,
// the planner and the execution engine: tasks, their status machine, plans and steps.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	TaskStatus string
	Task       struct {
		ID          string     `json:"id"`
		Title       string     `json:"title"`
		Description string     `json:"description"`
		Chain       string     `json:"chain,omitempty"`
		Status      TaskStatus `json:"status"`
		Plan        *Plan      `json:"plan,omitempty"`
		Result      []Output   `json:"result,omitempty"`
		Error       string     `json:"error,omitempty"`
		CreatedAt   time.Time  `json:"created_at"`
		UpdatedAt   time.Time  `json:"updated_at"`
	}
)

const (
	StatusPending          TaskStatus = "pending"
	StatusPlanning         TaskStatus = "planning"
	StatusAwaitingApproval TaskStatus = "awaiting_approval"
	StatusApproved         TaskStatus = "approved"
	StatusExecuting        TaskStatus = "executing"
	StatusCompleted        TaskStatus = "completed"
	StatusFailed           TaskStatus = "failed"
)

var ErrInvalidTransition = errors.New("invalid status transition")

func NewTask(title, description, chain string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		Chain:       chain,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s TaskStatus) String() string {
	return string(s)
}

func (s TaskStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusPlanning, StatusAwaitingApproval, StatusApproved,
		StatusExecuting, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether a task in status s may move to target.
// Rewriting the current non-terminal status is allowed so that a retried tick
// can repeat its write. Nothing ever moves back to pending.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	if s == target {
		return !s.IsTerminal()
	}

	switch s {
	case StatusPending:
		return target == StatusPlanning
	case StatusPlanning:
		return target == StatusAwaitingApproval || target == StatusFailed
	case StatusAwaitingApproval:
		return target == StatusApproved || target == StatusFailed
	case StatusApproved:
		return target == StatusExecuting || target == StatusFailed
	case StatusExecuting:
		return target == StatusCompleted || target == StatusFailed
	default:
		return false
	}
}

// ValidateTransition wraps ErrInvalidTransition with the offending pair.
func ValidateTransition(from, to TaskStatus) error {
	if !to.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	return nil
}

func (t *Task) HasPlan() bool {
	return t.Plan != nil && len(t.Plan.Steps) > 0
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func TaskFromJSON(data string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}

	return &t, nil
}
