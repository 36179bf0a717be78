// Package executor runs approved plans. Steps run in ascending order, each one
// dispatched to its collaborator and recorded in the outcome ledger, and the
// task result is persisted after every step so an interrupted run can resume.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/nadmax/autopilot/internal/approval"
	"github.com/nadmax/autopilot/internal/ledger"
	"github.com/nadmax/autopilot/internal/metrics"
	"github.com/nadmax/autopilot/internal/poll"
	"github.com/nadmax/autopilot/internal/repository"
	"github.com/nadmax/autopilot/internal/repository/models"
	"github.com/nadmax/autopilot/internal/task"
	"github.com/nadmax/autopilot/internal/taskstore"
)

const taskSkill = "task_execution"

var (
	ErrNoPlan              = errors.New("task has no plan")
	ErrMissingCollaborator = errors.New("no collaborator for step")
	ErrReverted            = errors.New("transaction reverted")
)

type Config struct {
	// BestEffortKinds lists step kinds whose failure is recorded but does not
	// stop the plan.
	BestEffortKinds []task.ActionKind `yaml:"best_effort_kinds"`
	ReceiptPolling  poll.Config       `yaml:"receipt_polling"`
}

type Engine struct {
	tasks    *taskstore.Store
	gate     *approval.Gate
	projects repository.ProjectRepository
	ledger   *ledger.Ledger
	collab   Collaborators
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewEngine(
	tasks *taskstore.Store,
	gate *approval.Gate,
	projects repository.ProjectRepository,
	l *ledger.Ledger,
	collab Collaborators,
	config Config,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		tasks:    tasks,
		gate:     gate,
		projects: projects,
		ledger:   l,
		collab:   collab,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// Execute runs the task's plan. A step failure fails the task and is returned
// along with the failed task; steps after it are never dispatched.
func (e *Engine) Execute(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusApproved && t.Status != task.StatusExecuting {
		return nil, fmt.Errorf("%w: task %s is %s", task.ErrInvalidTransition, taskID, t.Status)
	}
	if !t.HasPlan() {
		return nil, fmt.Errorf("%w: %s", ErrNoPlan, taskID)
	}

	resumed := t.Status == task.StatusExecuting
	t, err = e.tasks.Transition(ctx, taskID,
		[]task.TaskStatus{task.StatusApproved, task.StatusExecuting},
		taskstore.StatusPatch(task.StatusExecuting))
	if err != nil {
		return nil, err
	}

	plan := *t.Plan
	plan.Steps = slices.Clone(t.Plan.Steps)
	plan.SortSteps()

	e.logger.Info("Executing plan", "task_id", taskID, "plan_id", plan.ID, "steps", len(plan.Steps), "resumed", resumed)
	started := e.now()
	results := slices.Clone(t.Result)

	for _, step := range plan.Steps {
		if completedStep(results, step.Order) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return t, err
		}

		out, ran, stepErr := e.runStep(ctx, t, &plan, step)
		if stepErr != nil {
			if slices.Contains(e.config.BestEffortKinds, step.Action.Kind()) {
				e.logger.Warn("Best-effort step failed, continuing",
					"task_id", taskID, "step", step.Order, "kind", step.Action.Kind(), "error", stepErr)
				continue
			}
			return e.failTask(ctx, t, step, stepErr, started)
		}
		if !ran {
			continue
		}

		results = append(results, out)
		t, err = e.tasks.Update(ctx, taskID, taskstore.Patch{Result: results})
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				e.logger.Warn("Task vanished during execution", "task_id", taskID, "step", step.Order)
			}
			return nil, fmt.Errorf("failed to persist result of step %d: %w", step.Order, err)
		}
	}

	return e.completeTask(ctx, t, started)
}

// runStep dispatches one step. ran is false when the step was skipped.
func (e *Engine) runStep(ctx context.Context, t *task.Task, plan *task.Plan, step task.Step) (task.Output, bool, error) {
	action := step.Action
	skill := action.Skill()

	if action.Kind() == task.KindPost && e.ledger.ShouldSuppress(ctx, skill) {
		e.logger.Warn("Skill suppressed by recent failures, skipping step",
			"task_id", t.ID, "step", step.Order, "skill", skill)
		return task.Output{}, false, nil
	}

	start := e.now()
	out, err := action.Accept(ctx, e)
	duration := e.now().Sub(start)

	if err != nil {
		var upstream *ledger.UpstreamError
		if !errors.As(err, &upstream) {
			err = ledger.NewUpstreamError(string(action.Kind()), err)
		}
	}

	metrics.RecordStep(action.Kind(), err == nil, duration)

	rec := models.OutcomeRecord{
		ActionType: action.ActionType(),
		ActionID:   t.ID,
		Skill:      skill,
		Context: map[string]any{
			"plan_id":     plan.ID,
			"step":        step.Order,
			"description": step.Description,
		},
	}
	if err == nil {
		if out.Data == nil {
			out.Data = map[string]any{}
		}
		out.Data["step"] = step.Order
		rec.Outcome = map[string]any{"type": out.Type, "url": out.URL}
	}
	e.ledger.RecordResult(ctx, rec, err, duration)

	return out, true, err
}

func (e *Engine) failTask(ctx context.Context, t *task.Task, step task.Step, cause error, started time.Time) (*task.Task, error) {
	stepErr := fmt.Errorf("step %d (%s) failed: %w", step.Order, step.Action.Kind(), cause)

	failed, err := e.tasks.Transition(ctx, t.ID, []task.TaskStatus{task.StatusExecuting},
		taskstore.StatusPatch(task.StatusFailed).WithError(stepErr.Error()))
	if err != nil {
		e.logger.Error("Failed to mark task failed", "task_id", t.ID, "error", err)
		failed = t
	}

	e.recordTask(ctx, t, stepErr, started)
	e.logger.Error("Plan execution failed", "task_id", t.ID, "step", step.Order, "error", cause)

	return failed, stepErr
}

func (e *Engine) completeTask(ctx context.Context, t *task.Task, started time.Time) (*task.Task, error) {
	completed, err := e.tasks.Transition(ctx, t.ID, []task.TaskStatus{task.StatusExecuting},
		taskstore.StatusPatch(task.StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("failed to complete task %s: %w", t.ID, err)
	}

	e.recordTask(ctx, completed, nil, started)

	if e.projects != nil {
		project := models.CompletedProject{
			TaskID:      completed.ID,
			Title:       completed.Title,
			Summary:     completed.Plan.Summary,
			CompletedAt: e.now().UTC(),
		}
		for _, out := range completed.Result {
			if out.URL != "" {
				project.Outputs = append(project.Outputs, out.URL)
			}
		}
		if err := e.projects.SaveCompletedProject(ctx, project); err != nil {
			e.logger.Warn("Failed to save completed project", "task_id", completed.ID, "error", err)
		}
	}

	if err := e.gate.MarkExecuted(ctx, completed.Plan.ID); err != nil {
		e.logger.Warn("Failed to mark approval request executed", "task_id", completed.ID, "plan_id", completed.Plan.ID, "error", err)
	}

	e.logger.Info("Plan executed", "task_id", completed.ID, "outputs", len(completed.Result))
	return completed, nil
}

func (e *Engine) recordTask(ctx context.Context, t *task.Task, err error, started time.Time) {
	e.ledger.RecordResult(ctx, models.OutcomeRecord{
		ActionType: models.ActionTask,
		ActionID:   t.ID,
		Skill:      taskSkill,
		Context:    map[string]any{"plan_id": t.Plan.ID, "title": t.Title},
	}, err, e.now().Sub(started))
}

func completedStep(results []task.Output, order int) bool {
	for _, out := range results {
		switch v := out.Data["step"].(type) {
		case int:
			if v == order {
				return true
			}
		case float64:
			if int(v) == order {
				return true
			}
		}
	}

	return false
}
