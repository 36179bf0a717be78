package planner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nadmax/autopilot/internal/approval"
	"github.com/nadmax/autopilot/internal/ledger"
	"github.com/nadmax/autopilot/internal/repository"
	"github.com/nadmax/autopilot/internal/repository/models"
	"github.com/nadmax/autopilot/internal/task"
	"github.com/nadmax/autopilot/internal/taskstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	seen  []Context
	plan  func() *task.Plan
	err   error
	delay time.Duration
}

func (g *fakeGenerator) Generate(ctx context.Context, t *task.Task, pc Context) (*task.Plan, error) {
	g.mu.Lock()
	g.calls++
	g.seen = append(g.seen, pc)
	g.mu.Unlock()

	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.err != nil {
		return nil, g.err
	}
	return g.plan(), nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	requests []string
	err      error
}

func (n *fakeNotifier) NotifyPlanReady(ctx context.Context, t *task.Task, plan *task.Plan, req *task.ApprovalRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.requests = append(n.requests, req.ID)
	return n.err
}

func threeStepPlan() *task.Plan {
	return &task.Plan{
		Summary: "Build, deploy and announce the landing page",
		Steps: []task.Step{
			{Order: 3, Action: task.PostAction{Platforms: []string{"x"}, Text: "We shipped!"}, Description: "announce"},
			{Order: 1, Action: task.CodeAction{Repo: "acme/landing", NewRepo: true}, Description: "scaffold"},
			{Order: 2, Action: task.DeployAction{Target: "vercel", Project: "landing"}, Description: "deploy"},
		},
	}
}

type fixture struct {
	workflow  *Workflow
	store     *taskstore.Store
	gate      *approval.Gate
	repo      *repository.MockPostgresRepository
	generator *fakeGenerator
	notifier  *fakeNotifier
}

func setupWorkflow(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := repository.NewMockPostgresRepository()
	store := taskstore.New(repo, logger)
	gate := approval.NewGate(repo, store, logger)
	gen := &fakeGenerator{plan: threeStepPlan}
	notifier := &fakeNotifier{}

	w := NewWorkflow(store, gate, repo, gen, notifier, Config{Goals: []string{"grow the user base"}}, logger)

	return &fixture{workflow: w, store: store, gate: gate, repo: repo, generator: gen, notifier: notifier}
}

func (f *fixture) createTask(t *testing.T) *task.Task {
	t.Helper()

	created, err := f.store.Create(context.Background(), "Ship landing page", "", "")
	require.NoError(t, err)
	return created
}

func TestGeneratePlan(t *testing.T) {
	f := setupWorkflow(t)
	created := f.createTask(t)
	f.repo.Projects = []models.CompletedProject{{TaskID: "old", Title: "Docs site"}}

	plan, err := f.workflow.GeneratePlan(context.Background(), created.ID)
	require.NoError(t, err)

	assert.NotEmpty(t, plan.ID)
	assert.Equal(t, created.ID, plan.TaskID)
	require.Len(t, plan.Steps, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{plan.Steps[0].Order, plan.Steps[1].Order, plan.Steps[2].Order})

	stored, err := f.store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusAwaitingApproval, stored.Status)
	assert.Equal(t, plan.ID, stored.Plan.ID)

	req, err := f.gate.Get(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ApprovalPending, req.Status)
	assert.Equal(t, []string{plan.ID}, f.notifier.requests)

	require.Len(t, f.generator.seen, 1)
	assert.Equal(t, []string{"grow the user base"}, f.generator.seen[0].Goals)
	assert.Len(t, f.generator.seen[0].CompletedProjects, 1)
}

func TestGeneratePlanSkipsPlannedTasks(t *testing.T) {
	f := setupWorkflow(t)
	created := f.createTask(t)

	_, err := f.workflow.GeneratePlan(context.Background(), created.ID)
	require.NoError(t, err)

	_, err = f.workflow.GeneratePlan(context.Background(), created.ID)
	assert.ErrorIs(t, err, ErrAlreadyPlanned)
	assert.Equal(t, 1, f.generator.calls)
	assert.Equal(t, 1, f.repo.PendingApprovalCount(created.ID))
}

func TestGeneratePlanSkipsTaskWithPendingRequest(t *testing.T) {
	f := setupWorkflow(t)
	created := f.createTask(t)
	require.NoError(t, f.repo.CreateApproval(context.Background(), &task.ApprovalRequest{
		ID: "stale-plan", TaskID: created.ID, Status: task.ApprovalPending,
	}))

	_, err := f.workflow.GeneratePlan(context.Background(), created.ID)
	assert.ErrorIs(t, err, ErrAlreadyPlanned)
	assert.Equal(t, 0, f.generator.calls)
}

func TestConcurrentGeneratePlanOpensOneRequest(t *testing.T) {
	f := setupWorkflow(t)
	f.generator.delay = 10 * time.Millisecond
	created := f.createTask(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.workflow.GeneratePlan(context.Background(), created.ID)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, f.repo.PendingApprovalCount(created.ID), 1)
	assert.Equal(t, 1, f.generator.calls)
}

func TestGeneratePlanGeneratorFailure(t *testing.T) {
	f := setupWorkflow(t)
	f.generator.err = errors.New("openai: 503 Service Unavailable")
	created := f.createTask(t)

	_, err := f.workflow.GeneratePlan(context.Background(), created.ID)

	var upstream *ledger.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, models.ErrorExternalService, upstream.Class)

	stored, getErr := f.store.Get(context.Background(), created.ID)
	require.NoError(t, getErr)
	assert.Equal(t, task.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "503")
	assert.Equal(t, 0, f.repo.PendingApprovalCount(created.ID))
}

func TestGeneratePlanEmptyPlan(t *testing.T) {
	f := setupWorkflow(t)
	f.generator.plan = func() *task.Plan { return &task.Plan{Summary: "nothing to do"} }
	created := f.createTask(t)

	_, err := f.workflow.GeneratePlan(context.Background(), created.ID)

	var upstream *ledger.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, models.ErrorValidation, upstream.Class)
	assert.ErrorIs(t, err, task.ErrEmptyPlan)

	status, _ := f.repo.GetTaskStatus(created.ID)
	assert.Equal(t, task.StatusFailed, status)
}

func TestGeneratePlanNotifyFailureIsNotFatal(t *testing.T) {
	f := setupWorkflow(t)
	f.notifier.err = errors.New("sendgrid: 401 Unauthorized")
	created := f.createTask(t)

	plan, err := f.workflow.GeneratePlan(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.repo.PendingApprovalCount(created.ID))
	assert.NotNil(t, plan)
}

func TestGeneratePlanApprovalFailureLeavesOrphan(t *testing.T) {
	f := setupWorkflow(t)
	f.repo.CreateApprovalErr = errors.New("connection reset")
	created := f.createTask(t)

	_, err := f.workflow.GeneratePlan(context.Background(), created.ID)
	require.NoError(t, err)

	status, _ := f.repo.GetTaskStatus(created.ID)
	assert.Equal(t, task.StatusAwaitingApproval, status)
	assert.Empty(t, f.notifier.requests)

	f.repo.CreateApprovalErr = nil
	healed, err := f.workflow.Reconcile(context.Background(), created.ID)
	require.NoError(t, err)
	assert.True(t, healed)
	assert.Equal(t, 1, f.repo.PendingApprovalCount(created.ID))
	assert.Len(t, f.notifier.requests, 1)

	healed, err = f.workflow.Reconcile(context.Background(), created.ID)
	require.NoError(t, err)
	assert.False(t, healed, "a task with a pending request needs nothing")
}

func TestReconcileAppliesRecordedDecision(t *testing.T) {
	f := setupWorkflow(t)
	created := f.createTask(t)

	plan, err := f.workflow.GeneratePlan(context.Background(), created.ID)
	require.NoError(t, err)
	require.NoError(t, f.repo.UpdateApprovalStatus(context.Background(), plan.ID,
		task.ApprovalPending, task.ApprovalApproved, time.Now()))

	healed, err := f.workflow.Reconcile(context.Background(), created.ID)
	require.NoError(t, err)
	assert.True(t, healed)

	status, _ := f.repo.GetTaskStatus(created.ID)
	assert.Equal(t, task.StatusApproved, status)
}

func TestReconcileIgnoresOtherStatuses(t *testing.T) {
	f := setupWorkflow(t)
	created := f.createTask(t)

	healed, err := f.workflow.Reconcile(context.Background(), created.ID)
	require.NoError(t, err)
	assert.False(t, healed)

	_, err = f.workflow.Reconcile(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
