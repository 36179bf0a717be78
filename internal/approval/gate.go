// Package approval gates every plan behind a human decision. A task may have
// at most one pending request at a time; the repository enforces it with a
// unique index and the gate translates the violation.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nadmax/autopilot/internal/metrics"
	"github.com/nadmax/autopilot/internal/repository"
	"github.com/nadmax/autopilot/internal/task"
	"github.com/nadmax/autopilot/internal/taskstore"
)

type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

const (
	RejectedReason  = "plan rejected"
	CancelledReason = "cancelled by operator"
)

var (
	ErrAlreadyResolved = errors.New("approval request already resolved")
	ErrPendingExists   = errors.New("task already has a pending approval request")
	ErrInvalidAction   = errors.New("invalid approval action")
)

func (a Action) IsValid() bool {
	return a == ActionApprove || a == ActionReject
}

type Gate struct {
	repo   repository.ApprovalRepository
	tasks  *taskstore.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewGate(repo repository.ApprovalRepository, tasks *taskstore.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}

	return &Gate{
		repo:   repo,
		tasks:  tasks,
		logger: logger,
		now:    time.Now,
	}
}

// Open creates the pending request for plan. The request shares the plan id.
func (g *Gate) Open(ctx context.Context, t *task.Task, plan *task.Plan) (*task.ApprovalRequest, error) {
	req := task.NewApprovalRequest(plan)
	req.TaskID = t.ID
	req.SentAt = g.now().UTC()

	if err := g.repo.CreateApproval(ctx, req); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: task %s", ErrPendingExists, t.ID)
		}
		return nil, fmt.Errorf("failed to open approval request: %w", err)
	}

	g.logger.Info("Approval request opened", "request_id", req.ID, "task_id", t.ID)
	return req, nil
}

// Resolve applies a human decision. Resolving a request twice reports
// ErrAlreadyResolved with the prior status and changes nothing.
func (g *Gate) Resolve(ctx context.Context, requestID string, action Action) (*task.ApprovalRequest, error) {
	if !action.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	req, err := g.repo.GetApproval(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != task.ApprovalPending {
		return req, fmt.Errorf("%w: request %s is %s", ErrAlreadyResolved, requestID, req.Status)
	}

	target := task.ApprovalApproved
	if action == ActionReject {
		target = task.ApprovalRejected
	}

	respondedAt := g.now().UTC()
	if err := g.repo.UpdateApprovalStatus(ctx, requestID, task.ApprovalPending, target, respondedAt); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			if current, getErr := g.repo.GetApproval(ctx, requestID); getErr == nil {
				req = current
			}
			return req, fmt.Errorf("%w: request %s is %s", ErrAlreadyResolved, requestID, req.Status)
		}
		return nil, fmt.Errorf("failed to resolve approval request: %w", err)
	}

	req.Status = target
	req.RespondedAt = &respondedAt
	metrics.RecordApprovalResolved(string(action))

	patch := taskstore.StatusPatch(task.StatusApproved)
	if action == ActionReject {
		patch = taskstore.StatusPatch(task.StatusFailed).WithError(RejectedReason)
	}

	_, err = g.tasks.Transition(ctx, req.TaskID, []task.TaskStatus{task.StatusAwaitingApproval}, patch)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotFound):
		g.logger.Warn("Approved task vanished", "request_id", requestID, "task_id", req.TaskID)
	case errors.Is(err, taskstore.ErrTransitionConflict):
		g.logger.Warn("Task was not awaiting approval", "request_id", requestID, "task_id", req.TaskID, "error", err)
	default:
		return req, fmt.Errorf("failed to update task after %s: %w", action, err)
	}

	g.logger.Info("Approval request resolved", "request_id", requestID, "task_id", req.TaskID, "action", action)
	return req, nil
}

// Cancel fails a task and rejects any request still pending for it, so a late
// decision cannot revive the task.
func (g *Gate) Cancel(ctx context.Context, taskID, reason string) (*task.Task, error) {
	t, err := g.tasks.Transition(ctx, taskID, nil, taskstore.StatusPatch(task.StatusFailed).WithError(reason))
	if err != nil {
		return nil, err
	}

	requests, err := g.repo.ListApprovals(ctx, taskID, task.ApprovalPending)
	if err != nil {
		return t, fmt.Errorf("failed to list pending approvals: %w", err)
	}

	respondedAt := g.now().UTC()
	for _, req := range requests {
		err := g.repo.UpdateApprovalStatus(ctx, req.ID, task.ApprovalPending, task.ApprovalRejected, respondedAt)
		if err != nil && !errors.Is(err, repository.ErrConflict) {
			return t, fmt.Errorf("failed to reject request %s: %w", req.ID, err)
		}
		g.logger.Info("Approval request withdrawn", "request_id", req.ID, "task_id", taskID)
	}

	return t, nil
}

func (g *Gate) HasPendingRequest(ctx context.Context, taskID string) (bool, error) {
	requests, err := g.repo.ListApprovals(ctx, taskID, task.ApprovalPending)
	if err != nil {
		return false, fmt.Errorf("failed to check pending approvals: %w", err)
	}

	return len(requests) > 0, nil
}

// MarkExecuted closes an approved request once its plan has run.
func (g *Gate) MarkExecuted(ctx context.Context, requestID string) error {
	err := g.repo.UpdateApprovalStatus(ctx, requestID, task.ApprovalApproved, task.ApprovalExecuted, g.now().UTC())
	if err != nil && errors.Is(err, repository.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrAlreadyResolved, err)
	}

	return err
}

func (g *Gate) Get(ctx context.Context, requestID string) (*task.ApprovalRequest, error) {
	return g.repo.GetApproval(ctx, requestID)
}

func (g *Gate) ListPending(ctx context.Context) ([]*task.ApprovalRequest, error) {
	return g.repo.ListApprovals(ctx, "", task.ApprovalPending)
}
