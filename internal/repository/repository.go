// Package repository declares the persistence contracts of the orchestration engine.
// The backing store is the only state shared between invocations, so every
// mutation the engine performs goes through these narrow operations.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nadmax/autopilot/internal/repository/models"
	"github.com/nadmax/autopilot/internal/task"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned by conditional writes whose precondition no
	// longer holds, and by inserts that would violate a uniqueness rule.
	ErrConflict = errors.New("conflicting write")
)

type TaskFilter struct {
	Statuses     []task.TaskStatus
	UpdatedSince time.Time
	Limit        int
	NewestFirst  bool
}

type TaskRepository interface {
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	// UpdateTask overwrites the stored task. When expected is non-empty the
	// write only happens if the stored status is one of them.
	UpdateTask(ctx context.Context, t *task.Task, expected ...task.TaskStatus) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error)
}

type ApprovalRepository interface {
	CreateApproval(ctx context.Context, r *task.ApprovalRequest) error
	GetApproval(ctx context.Context, requestID string) (*task.ApprovalRequest, error)
	UpdateApprovalStatus(ctx context.Context, requestID string, from, to task.ApprovalStatus, respondedAt time.Time) error
	// ListApprovals filters by task and status; empty values match everything.
	ListApprovals(ctx context.Context, taskID string, status task.ApprovalStatus) ([]*task.ApprovalRequest, error)
}

type OutcomeRepository interface {
	InsertOutcome(ctx context.Context, r *models.OutcomeRecord) error
	// OutcomeStats aggregates per skill over records created after since. An
	// empty skill aggregates every skill.
	OutcomeStats(ctx context.Context, since time.Time, skill string) ([]models.SkillStats, error)
	ListOutcomes(ctx context.Context, actionID string, limit int) ([]models.OutcomeRecord, error)
}

type DailyPostRepository interface {
	HasDailyPost(ctx context.Context, postType, day string) (bool, error)
	InsertDailyPost(ctx context.Context, p models.DailyPost) error
}

type ProjectRepository interface {
	SaveCompletedProject(ctx context.Context, p models.CompletedProject) error
	ListCompletedProjects(ctx context.Context, limit int) ([]models.CompletedProject, error)
}
