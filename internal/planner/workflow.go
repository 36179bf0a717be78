// Package planner turns a pending task into a plan awaiting human approval.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nadmax/autopilot/internal/approval"
	"github.com/nadmax/autopilot/internal/ledger"
	"github.com/nadmax/autopilot/internal/metrics"
	"github.com/nadmax/autopilot/internal/repository"
	"github.com/nadmax/autopilot/internal/repository/models"
	"github.com/nadmax/autopilot/internal/task"
	"github.com/nadmax/autopilot/internal/taskstore"
)

// ErrAlreadyPlanned is returned for tasks that are past pending, already carry
// a plan, or are waiting on an approval decision.
var ErrAlreadyPlanned = errors.New("task already planned")

// Context is the ambient knowledge handed to the generator alongside the task.
type Context struct {
	Goals             []string
	CompletedProjects []models.CompletedProject
	Insights          string
}

type Generator interface {
	Generate(ctx context.Context, t *task.Task, pc Context) (*task.Plan, error)
}

// InsightSource supplies an optional free-form digest, such as recent outcome
// statistics, for the prompt.
type InsightSource interface {
	Insights(ctx context.Context) (string, error)
}

type Notifier interface {
	NotifyPlanReady(ctx context.Context, t *task.Task, plan *task.Plan, req *task.ApprovalRequest) error
}

type Config struct {
	Goals          []string `yaml:"goals"`
	ProjectHistory int      `yaml:"project_history"`
}

type Workflow struct {
	tasks     *taskstore.Store
	gate      *approval.Gate
	projects  repository.ProjectRepository
	generator Generator
	notifier  Notifier
	insights  InsightSource
	config    Config
	logger    *slog.Logger
}

func NewWorkflow(
	tasks *taskstore.Store,
	gate *approval.Gate,
	projects repository.ProjectRepository,
	generator Generator,
	notifier Notifier,
	config Config,
	logger *slog.Logger,
) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ProjectHistory <= 0 {
		config.ProjectHistory = 5
	}

	return &Workflow{
		tasks:     tasks,
		gate:      gate,
		projects:  projects,
		generator: generator,
		notifier:  notifier,
		config:    config,
		logger:    logger,
	}
}

func (w *Workflow) SetInsightSource(src InsightSource) {
	w.insights = src
}

// GeneratePlan drafts a plan for a pending task and opens its approval
// request. Only generation failures are returned; a failed request or
// notification is logged and left for Reconcile.
func (w *Workflow) GeneratePlan(ctx context.Context, taskID string) (*task.Plan, error) {
	t, err := w.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusPending || t.HasPlan() {
		return nil, fmt.Errorf("%w: task %s is %s", ErrAlreadyPlanned, taskID, t.Status)
	}

	pending, err := w.gate.HasPendingRequest(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, fmt.Errorf("%w: task %s has a pending approval request", ErrAlreadyPlanned, taskID)
	}

	t, err = w.tasks.Transition(ctx, taskID, []task.TaskStatus{task.StatusPending}, taskstore.StatusPatch(task.StatusPlanning))
	if err != nil {
		if errors.Is(err, taskstore.ErrTransitionConflict) {
			return nil, fmt.Errorf("%w: %v", ErrAlreadyPlanned, err)
		}
		return nil, err
	}

	w.logger.Info("Generating plan", "task_id", taskID, "title", t.Title)

	plan, err := w.generator.Generate(ctx, t, w.buildContext(ctx))
	if err == nil {
		if plan == nil {
			err = &ledger.UpstreamError{Op: "generate plan", Class: models.ErrorValidation, Err: task.ErrEmptyPlan}
		} else if prepErr := plan.Prepare(taskID); prepErr != nil {
			err = &ledger.UpstreamError{Op: "generate plan", Class: models.ErrorValidation, Err: prepErr}
		}
	} else {
		var upstream *ledger.UpstreamError
		if !errors.As(err, &upstream) {
			err = ledger.NewUpstreamError("generate plan", err)
		}
	}
	if err != nil {
		metrics.RecordPlanGenerated("failure")
		w.fail(ctx, taskID, err)
		return nil, err
	}

	status := task.StatusAwaitingApproval
	t, err = w.tasks.Transition(ctx, taskID, []task.TaskStatus{task.StatusPlanning}, taskstore.Patch{
		Status: &status,
		Plan:   plan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store plan for task %s: %w", taskID, err)
	}

	metrics.RecordPlanGenerated("success")
	w.logger.Info("Plan generated", "task_id", taskID, "plan_id", plan.ID, "steps", len(plan.Steps))

	w.openAndNotify(ctx, t, plan)
	return plan, nil
}

// Reconcile repairs a task left in awaiting_approval without a matching
// request. It reports whether anything was changed.
func (w *Workflow) Reconcile(ctx context.Context, taskID string) (bool, error) {
	t, err := w.tasks.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if t.Status != task.StatusAwaitingApproval || !t.HasPlan() {
		return false, nil
	}

	req, err := w.gate.Get(ctx, t.Plan.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return false, err
	case req.Status == task.ApprovalPending:
		return false, nil
	default:
		return w.syncDecision(ctx, t, req)
	}

	w.logger.Warn("Task awaiting approval has no request, reopening", "task_id", taskID, "plan_id", t.Plan.ID)
	return w.openAndNotify(ctx, t, t.Plan), nil
}

// syncDecision applies a decision that was recorded on the request but never
// reached the task.
func (w *Workflow) syncDecision(ctx context.Context, t *task.Task, req *task.ApprovalRequest) (bool, error) {
	patch := taskstore.StatusPatch(task.StatusApproved)
	if req.Status == task.ApprovalRejected {
		patch = taskstore.StatusPatch(task.StatusFailed).WithError(approval.RejectedReason)
	}

	_, err := w.tasks.Transition(ctx, t.ID, []task.TaskStatus{task.StatusAwaitingApproval}, patch)
	if err != nil {
		if errors.Is(err, taskstore.ErrTransitionConflict) {
			return false, nil
		}
		return false, err
	}

	w.logger.Warn("Applied approval decision that had not reached the task", "task_id", t.ID, "decision", req.Status)
	return true, nil
}

func (w *Workflow) openAndNotify(ctx context.Context, t *task.Task, plan *task.Plan) bool {
	req, err := w.gate.Open(ctx, t, plan)
	if err != nil {
		w.logger.Error("Failed to open approval request", "task_id", t.ID, "plan_id", plan.ID, "error", err)
		return false
	}

	if w.notifier != nil {
		if err := w.notifier.NotifyPlanReady(ctx, t, plan, req); err != nil {
			w.logger.Error("Failed to send approval notification", "task_id", t.ID, "request_id", req.ID, "error", err)
		}
	}

	return true
}

func (w *Workflow) buildContext(ctx context.Context) Context {
	pc := Context{Goals: w.config.Goals}

	if w.projects != nil {
		projects, err := w.projects.ListCompletedProjects(ctx, w.config.ProjectHistory)
		if err != nil {
			w.logger.Warn("Failed to load completed projects", "error", err)
		}
		pc.CompletedProjects = projects
	}

	if w.insights != nil {
		insights, err := w.insights.Insights(ctx)
		if err != nil {
			w.logger.Warn("Failed to load insights", "error", err)
		}
		pc.Insights = insights
	}

	return pc
}

func (w *Workflow) fail(ctx context.Context, taskID string, cause error) {
	patch := taskstore.StatusPatch(task.StatusFailed).WithError(cause.Error())
	if _, err := w.tasks.Transition(ctx, taskID, []task.TaskStatus{task.StatusPlanning}, patch); err != nil {
		w.logger.Error("Failed to mark task failed", "task_id", taskID, "error", err)
	}
	w.logger.Error("Plan generation failed", "task_id", taskID, "error", cause)
}
