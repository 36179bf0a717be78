// Package dispatcher is the periodic entry point. Each tick advances at most
// one task through planning and at most one through execution, then fires the
// calendar jobs that are due.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nadmax/autopilot/internal/dedup"
	"github.com/nadmax/autopilot/internal/executor"
	"github.com/nadmax/autopilot/internal/ledger"
	"github.com/nadmax/autopilot/internal/metrics"
	"github.com/nadmax/autopilot/internal/planner"
	"github.com/nadmax/autopilot/internal/repository"
	"github.com/nadmax/autopilot/internal/repository/models"
	"github.com/nadmax/autopilot/internal/task"
	"github.com/nadmax/autopilot/internal/taskstore"
)

var ErrUnknownJob = errors.New("unknown job")

const (
	DefaultWindow        = 5 * time.Minute
	DefaultStalePlanning = 30 * time.Minute
)

type Planner interface {
	GeneratePlan(ctx context.Context, taskID string) (*task.Plan, error)
	Reconcile(ctx context.Context, taskID string) (bool, error)
}

type Executor interface {
	Execute(ctx context.Context, taskID string) (*task.Task, error)
}

type Config struct {
	// Window is how long after its scheduled minute a job stays due. It should
	// be at least the tick interval.
	Window time.Duration `yaml:"window"`
	// StalePlanning is how long a task may sit in planning before reconcile
	// treats its invocation as dead and fails it.
	StalePlanning time.Duration `yaml:"stale_planning"`
}

type Dispatcher struct {
	tasks    *taskstore.Store
	planner  Planner
	executor Executor
	guard    *dedup.Guard
	ledger   *ledger.Ledger
	jobs     []Job
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

func New(
	tasks *taskstore.Store,
	p Planner,
	e Executor,
	guard *dedup.Guard,
	l *ledger.Ledger,
	config Config,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.StalePlanning <= 0 {
		config.StalePlanning = DefaultStalePlanning
	}

	return &Dispatcher{
		tasks:    tasks,
		planner:  p,
		executor: e,
		guard:    guard,
		ledger:   l,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

func (d *Dispatcher) Register(jobs ...Job) {
	d.jobs = append(d.jobs, jobs...)
}

func (d *Dispatcher) Jobs() []Job {
	return d.jobs
}

type TickReport struct {
	Planned    string      `json:"planned,omitempty"`
	Executed   string      `json:"executed,omitempty"`
	Reconciled string      `json:"reconciled,omitempty"`
	Jobs       []JobResult `json:"jobs,omitempty"`
	Errors     []string    `json:"errors,omitempty"`
}

// Tick runs one dispatch cycle. A failing part is reported and never stops
// the parts after it.
func (d *Dispatcher) Tick(ctx context.Context) TickReport {
	start := d.now()
	var report TickReport

	collect := func(part string, err error) {
		if err != nil {
			d.logger.Error("Dispatch part failed", "part", part, "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", part, err))
		}
	}

	var err error
	report.Planned, err = d.RunPlanGeneration(ctx)
	collect("plan", err)

	report.Executed, err = d.RunExecution(ctx)
	collect("execute", err)

	report.Reconciled, err = d.RunReconcile(ctx)
	collect("reconcile", err)

	for _, job := range d.jobs {
		result, err := d.RunJob(ctx, job.Key, false)
		if result.Status != JobNotDue {
			report.Jobs = append(report.Jobs, result)
		}
		collect("job "+job.Key, err)
	}

	if counts, err := d.tasks.CountByStatus(ctx); err == nil {
		metrics.UpdateTaskGauges(counts)
	} else {
		d.logger.Warn("Failed to refresh task gauges", "error", err)
	}

	metrics.RecordTick(d.now().Sub(start))
	return report
}

// RunPlanGeneration plans the oldest pending task without a plan and returns
// its id. Newer tasks wait for later ticks.
func (d *Dispatcher) RunPlanGeneration(ctx context.Context) (string, error) {
	tasks, err := d.tasks.GetPendingTasks(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list pending tasks: %w", err)
	}

	for _, t := range tasks {
		if t.Status != task.StatusPending || t.HasPlan() {
			continue
		}

		_, err := d.planner.GeneratePlan(ctx, t.ID)
		switch {
		case errors.Is(err, planner.ErrAlreadyPlanned):
			d.logger.Info("Task planned concurrently, skipping", "task_id", t.ID)
			return "", nil
		case errors.Is(err, repository.ErrNotFound):
			d.logger.Warn("Task vanished before planning", "task_id", t.ID)
			return "", nil
		}

		return t.ID, err
	}

	return "", nil
}

// RunExecution executes the oldest approved or interrupted task. A task that
// can never run, such as one approved without a plan, is failed so it does not
// hold up the tasks behind it.
func (d *Dispatcher) RunExecution(ctx context.Context) (string, error) {
	tasks, err := d.tasks.GetApprovedTasks(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list approved tasks: %w", err)
	}

	for _, t := range tasks {
		_, err := d.executor.Execute(ctx, t.ID)
		switch {
		case err == nil:
			return t.ID, nil
		case errors.Is(err, taskstore.ErrTransitionConflict), errors.Is(err, repository.ErrNotFound):
			d.logger.Info("Task changed before execution, skipping", "task_id", t.ID, "error", err)
			continue
		case errors.Is(err, executor.ErrNoPlan), errors.Is(err, task.ErrInvalidTransition):
			d.abandon(ctx, t.ID, []task.TaskStatus{task.StatusApproved, task.StatusExecuting}, "not executable: "+err.Error())
			continue
		}

		return t.ID, err
	}

	return "", nil
}

// RunReconcile repairs at most one stuck task. A planning task untouched for
// longer than StalePlanning is failed; otherwise an awaiting_approval task
// without a pending request gets a fresh one.
func (d *Dispatcher) RunReconcile(ctx context.Context) (string, error) {
	planning, err := d.tasks.List(ctx, repository.TaskFilter{
		Statuses: []task.TaskStatus{task.StatusPlanning},
	})
	if err != nil {
		return "", fmt.Errorf("failed to list planning tasks: %w", err)
	}

	cutoff := d.now().Add(-d.config.StalePlanning)
	for _, t := range planning {
		if !t.UpdatedAt.Before(cutoff) {
			continue
		}
		reason := fmt.Sprintf("plan generation did not finish within %s", d.config.StalePlanning)
		if d.abandon(ctx, t.ID, []task.TaskStatus{task.StatusPlanning}, reason) {
			return t.ID, nil
		}
	}

	tasks, err := d.tasks.List(ctx, repository.TaskFilter{
		Statuses: []task.TaskStatus{task.StatusAwaitingApproval},
	})
	if err != nil {
		return "", fmt.Errorf("failed to list tasks awaiting approval: %w", err)
	}

	for _, t := range tasks {
		healed, err := d.planner.Reconcile(ctx, t.ID)
		if err != nil {
			return t.ID, err
		}
		if healed {
			return t.ID, nil
		}
	}

	return "", nil
}

// abandon fails a task the dispatcher cannot advance. It reports false when
// the task moved on in the meantime.
func (d *Dispatcher) abandon(ctx context.Context, id string, from []task.TaskStatus, reason string) bool {
	_, err := d.tasks.Transition(ctx, id, from, taskstore.StatusPatch(task.StatusFailed).WithError(reason))
	if err != nil {
		d.logger.Warn("Could not fail stuck task", "task_id", id, "error", err)
		return false
	}

	metrics.RecordTaskAbandoned()
	d.logger.Warn("Failed stuck task", "task_id", id, "reason", reason)
	return true
}

type JobStatus string

const (
	JobRan           JobStatus = "ran"
	JobNotDue        JobStatus = "not_due"
	JobAlreadyPosted JobStatus = "already_posted"
	JobEmpty         JobStatus = "empty"
	JobFailed        JobStatus = "failed"
)

type JobResult struct {
	Key           string    `json:"key"`
	Status        JobStatus `json:"status"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// RunJob runs one scheduled job. force skips the schedule check but never the
// once-per-day guard.
func (d *Dispatcher) RunJob(ctx context.Context, key string, force bool) (JobResult, error) {
	job, ok := d.job(key)
	if !ok {
		return JobResult{Key: key}, fmt.Errorf("%w: %s", ErrUnknownJob, key)
	}

	result := JobResult{Key: key}
	now := d.now().UTC()

	if !force && !job.DueAt(now, d.config.Window) {
		result.Status = JobNotDue
		return result, nil
	}
	if d.guard.HasPostedToday(ctx, key) {
		result.Status = JobAlreadyPosted
		metrics.RecordCronJob(key, string(JobAlreadyPosted))
		return result, nil
	}

	start := d.now()
	correlationID, err := job.Run(ctx)
	duration := d.now().Sub(start)

	if errors.Is(err, ErrNothingToPost) {
		result.Status = JobEmpty
		metrics.RecordCronJob(key, string(JobEmpty))
		d.logger.Info("Job had nothing to publish", "job", key)
		return result, nil
	}

	d.ledger.RecordResult(ctx, models.OutcomeRecord{
		ActionType: models.ActionCron,
		ActionID:   key + "|" + dedup.Day(now),
		Skill:      key,
		Context:    map[string]any{"forced": force},
		Outcome:    map[string]any{"correlation_id": correlationID},
	}, err, duration)

	if err != nil {
		result.Status = JobFailed
		result.Error = err.Error()
		metrics.RecordCronJob(key, string(JobFailed))
		return result, fmt.Errorf("job %s failed: %w", key, err)
	}

	if err := d.guard.RecordDailyPost(ctx, key, correlationID); err != nil {
		d.logger.Warn("Failed to record daily post", "job", key, "error", err)
	}

	result.Status = JobRan
	result.CorrelationID = correlationID
	metrics.RecordCronJob(key, string(JobRan))
	d.logger.Info("Job ran", "job", key, "correlation_id", correlationID)

	return result, nil
}

func (d *Dispatcher) job(key string) (Job, bool) {
	for _, j := range d.jobs {
		if j.Key == key {
			return j, true
		}
	}

	return Job{}, false
}
