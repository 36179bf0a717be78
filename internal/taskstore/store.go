// Package taskstore is the single place tasks are created and mutated. Every
// status change is validated against the task status machine and written
// conditionally, so two invocations racing on the same task cannot both win.
package taskstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/nadmax/autopilot/internal/metrics"
	"github.com/nadmax/autopilot/internal/repository"
	"github.com/nadmax/autopilot/internal/task"
)

var (
	// ErrTransitionConflict means the stored status was not the one the caller
	// expected: another invocation got there first.
	ErrTransitionConflict = errors.New("task status changed concurrently")
	ErrInvalidTask        = errors.New("invalid task")
)

// Patch lists the fields to change. Nil fields are left alone.
type Patch struct {
	Title       *string
	Description *string
	Chain       *string
	Status      *task.TaskStatus
	Plan        *task.Plan
	Result      []task.Output
	Error       *string
}

func StatusPatch(s task.TaskStatus) Patch {
	return Patch{Status: &s}
}

func (p Patch) WithError(msg string) Patch {
	p.Error = &msg
	return p
}

type Store struct {
	repo   repository.TaskRepository
	logger *slog.Logger
	now    func() time.Time
}

func New(repo repository.TaskRepository, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Store) Create(ctx context.Context, title, description, chain string) (*task.Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidTask)
	}

	t := task.NewTask(title, strings.TrimSpace(description), strings.TrimSpace(chain))
	t.CreatedAt = s.now().UTC()
	t.UpdatedAt = t.CreatedAt

	if err := s.repo.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	metrics.RecordTaskCreated()
	s.logger.Info("Task created", "task_id", t.ID, "title", t.Title)

	return t, nil
}

func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.repo.GetTask(ctx, id)
}

// Update merges patch into the task. An unknown id returns
// repository.ErrNotFound; callers treat that as the task having vanished.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (*task.Task, error) {
	return s.Transition(ctx, id, nil, patch)
}

// Transition applies patch only if the stored status is one of from (any
// status when from is empty). A lost race returns ErrTransitionConflict.
func (s *Store) Transition(ctx context.Context, id string, from []task.TaskStatus, patch Patch) (*task.Task, error) {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if len(from) > 0 && !slices.Contains(from, t.Status) {
		return nil, fmt.Errorf("%w: task %s is %s, expected one of %v", ErrTransitionConflict, id, t.Status, from)
	}

	previous := t.Status
	if patch.Status != nil {
		if err := task.ValidateTransition(previous, *patch.Status); err != nil {
			return nil, fmt.Errorf("task %s: %w", id, err)
		}
	}

	apply(t, patch)
	t.UpdatedAt = s.now().UTC()

	if err := s.repo.UpdateTask(ctx, t, previous); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: %v", ErrTransitionConflict, err)
		}
		return nil, fmt.Errorf("failed to update task %s: %w", id, err)
	}

	if t.Status != previous {
		metrics.RecordTransition(previous, t.Status)
		s.logger.Info("Task status changed", "task_id", id, "from", previous, "to", t.Status)
	}

	return t, nil
}

// GetPendingTasks returns tasks waiting on the dispatcher, oldest first.
func (s *Store) GetPendingTasks(ctx context.Context) ([]*task.Task, error) {
	return s.repo.ListTasks(ctx, repository.TaskFilter{
		Statuses: []task.TaskStatus{task.StatusPending, task.StatusApproved},
	})
}

// GetApprovedTasks returns tasks that are ready to run or were interrupted
// mid-run, oldest first.
func (s *Store) GetApprovedTasks(ctx context.Context) ([]*task.Task, error) {
	return s.repo.ListTasks(ctx, repository.TaskFilter{
		Statuses: []task.TaskStatus{task.StatusApproved, task.StatusExecuting},
	})
}

func (s *Store) List(ctx context.Context, filter repository.TaskFilter) ([]*task.Task, error) {
	return s.repo.ListTasks(ctx, filter)
}

func (s *Store) CompletedSince(ctx context.Context, since time.Time) ([]*task.Task, error) {
	return s.repo.ListTasks(ctx, repository.TaskFilter{
		Statuses:     []task.TaskStatus{task.StatusCompleted},
		UpdatedSince: since,
	})
}

func (s *Store) CountByStatus(ctx context.Context) (map[task.TaskStatus]int, error) {
	tasks, err := s.repo.ListTasks(ctx, repository.TaskFilter{})
	if err != nil {
		return nil, err
	}

	counts := make(map[task.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
	}

	return counts, nil
}

func apply(t *task.Task, patch Patch) {
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Chain != nil {
		t.Chain = *patch.Chain
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.Plan != nil {
		t.Plan = patch.Plan
	}
	if patch.Result != nil {
		t.Result = patch.Result
	}
	if patch.Error != nil {
		t.Error = *patch.Error
	}
}
