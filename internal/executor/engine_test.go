package executor

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
	"github.com/nadmax/autopilot/internal/poll"
	"github.com/nadmax/autopilot/internal/repository"
	"github.com/nadmax/autopilot/internal/repository/models"
	"github.com/nadmax/autopilot/internal/task"
	"github.com/nadmax/autopilot/internal/taskstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCollab struct {
	mu        sync.Mutex
	calls     []task.ActionKind
	failKinds map[task.ActionKind]error
	receipts  []*Receipt
	receiptN  int
}

func (f *fakeCollab) record(kind task.ActionKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, kind)
	return f.failKinds[kind]
}

func (f *fakeCollab) Push(ctx context.Context, a task.CodeAction) (task.Output, error) {
	if err := f.record(task.KindCode); err != nil {
		return task.Output{}, err
	}
	return task.Output{Type: "repo", URL: "https://github.com/" + a.Repo}, nil
}

func (f *fakeCollab) Deploy(ctx context.Context, a task.DeployAction) (task.Output, error) {
	if err := f.record(task.KindDeploy); err != nil {
		return task.Output{}, err
	}
	return task.Output{Type: "deployment", URL: "https://" + a.Project + ".vercel.app"}, nil
}

func (f *fakeCollab) Post(ctx context.Context, a task.PostAction) (task.Output, error) {
	if err := f.record(task.KindPost); err != nil {
		return task.Output{}, err
	}
	return task.Output{Type: "post", URL: "https://x.com/acme/status/1"}, nil
}

func (f *fakeCollab) Submit(ctx context.Context, a task.ContractAction) (string, error) {
	if err := f.record(task.KindContract); err != nil {
		return "", err
	}
	return "0xabc", nil
}

func (f *fakeCollab) Receipt(ctx context.Context, chain, txHash string) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.receiptN >= len(f.receipts) {
		return nil, nil
	}
	r := f.receipts[f.receiptN]
	f.receiptN++
	return r, nil
}

func (f *fakeCollab) kinds() []task.ActionKind {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]task.ActionKind(nil), f.calls...)
}

type fixture struct {
	engine *Engine
	store  *taskstore.Store
	gate   *approval.Gate
	repo   *repository.MockPostgresRepository
	collab *fakeCollab
}

func setupEngine(t *testing.T, config Config) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := repository.NewMockPostgresRepository()
	store := taskstore.New(repo, logger)
	gate := approval.NewGate(repo, store, logger)
	l := ledger.New(repo, ledger.DefaultConfig(), logger)
	collab := &fakeCollab{failKinds: map[task.ActionKind]error{}}

	if config.ReceiptPolling.Interval == 0 {
		config.ReceiptPolling = poll.Config{Interval: time.Millisecond, MaxAttempts: 5, Timeout: time.Second}
	}

	engine := NewEngine(store, gate, repo, l, Collaborators{
		Code:     collab,
		Deploy:   collab,
		Contract: collab,
		Post:     collab,
		Other: map[string]OtherHandler{
			"noop": func(ctx context.Context, a task.OtherAction) (task.Output, error) {
				return task.Output{Type: "noop"}, nil
			},
		},
	}, config, logger)

	return &fixture{engine: engine, store: store, gate: gate, repo: repo, collab: collab}
}

func landingSteps() []task.Step {
	return []task.Step{
		{Order: 1, Action: task.CodeAction{Repo: "acme/landing", NewRepo: true}, Description: "scaffold"},
		{Order: 2, Action: task.DeployAction{Target: "vercel", Project: "landing"}, Description: "deploy"},
		{Order: 3, Action: task.PostAction{Platforms: []string{"x"}, Text: "We shipped!"}, Description: "announce"},
	}
}

// approvedTask walks a task through planning and approval.
func (f *fixture) approvedTask(t *testing.T, steps []task.Step) *task.Task {
	t.Helper()
	ctx := context.Background()

	created, err := f.store.Create(ctx, "Ship landing page", "", "")
	require.NoError(t, err)

	plan := &task.Plan{Summary: "Build, deploy and announce", Steps: steps}
	require.NoError(t, plan.Prepare(created.ID))

	_, err = f.store.Update(ctx, created.ID, taskstore.StatusPatch(task.StatusPlanning))
	require.NoError(t, err)
	status := task.StatusAwaitingApproval
	awaiting, err := f.store.Update(ctx, created.ID, taskstore.Patch{Status: &status, Plan: plan})
	require.NoError(t, err)

	_, err = f.gate.Open(ctx, awaiting, plan)
	require.NoError(t, err)
	_, err = f.gate.Resolve(ctx, plan.ID, approval.ActionApprove)
	require.NoError(t, err)

	approved, err := f.store.Get(ctx, created.ID)
	require.NoError(t, err)
	return approved
}

func TestExecuteCompletes(t *testing.T) {
	f := setupEngine(t, Config{})
	approved := f.approvedTask(t, landingSteps())

	done, err := f.engine.Execute(context.Background(), approved.ID)
	require.NoError(t, err)

	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, []task.ActionKind{task.KindCode, task.KindDeploy, task.KindPost}, f.collab.kinds())
	require.Len(t, done.Result, 3)
	assert.Equal(t, "https://github.com/acme/landing", done.Result[0].URL)

	req, err := f.gate.Get(context.Background(), approved.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ApprovalExecuted, req.Status)

	require.Len(t, f.repo.Projects, 1)
	assert.Len(t, f.repo.Projects[0].Outputs, 3)

	records := f.repo.OutcomesFor(approved.ID)
	require.Len(t, records, 4)
	assert.Equal(t, "code_generation", records[0].Skill)
	assert.Equal(t, models.ActionPR, records[0].ActionType)
	assert.Equal(t, "vercel_deploy", records[1].Skill)
	assert.Equal(t, "x_post", records[2].Skill)
	assert.Equal(t, models.ActionTask, records[3].ActionType)
	assert.True(t, records[3].Success)
}

func TestExecuteStopsOnFirstFailure(t *testing.T) {
	f := setupEngine(t, Config{})
	f.collab.failKinds[task.KindDeploy] = errors.New("vercel: 503 Service Unavailable")
	approved := f.approvedTask(t, landingSteps())

	failed, err := f.engine.Execute(context.Background(), approved.ID)
	require.Error(t, err)

	var upstream *ledger.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, models.ErrorExternalService, upstream.Class)

	assert.Equal(t, task.StatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "step 2 (deploy) failed")
	require.Len(t, failed.Result, 1, "partial results are kept")
	assert.Equal(t, "repo", failed.Result[0].Type)
	assert.Equal(t, []task.ActionKind{task.KindCode, task.KindDeploy}, f.collab.kinds(), "step 3 is never dispatched")

	records := f.repo.OutcomesFor(approved.ID)
	require.Len(t, records, 3)
	assert.True(t, records[0].Success)
	assert.False(t, records[1].Success)
	assert.Equal(t, models.ErrorExternalService, records[1].ErrorClass)
	assert.Equal(t, models.ActionTask, records[2].ActionType)
	assert.False(t, records[2].Success)

	req, err := f.gate.Get(context.Background(), approved.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ApprovalApproved, req.Status, "failed runs do not mark the request executed")
}

func TestExecuteBestEffortKinds(t *testing.T) {
	f := setupEngine(t, Config{BestEffortKinds: []task.ActionKind{task.KindPost}})
	f.collab.failKinds[task.KindPost] = errors.New("x: 429 Too Many Requests")
	steps := landingSteps()
	steps[2].Order = 2
	steps[1].Order = 3
	approved := f.approvedTask(t, steps)

	done, err := f.engine.Execute(context.Background(), approved.ID)
	require.NoError(t, err)

	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, []task.ActionKind{task.KindCode, task.KindPost, task.KindDeploy}, f.collab.kinds())
	assert.Len(t, done.Result, 2)

	records := f.repo.OutcomesFor(approved.ID)
	require.Len(t, records, 4)
	assert.Equal(t, models.ErrorRateLimit, records[1].ErrorClass)
}

func TestExecuteRequiresApproval(t *testing.T) {
	f := setupEngine(t, Config{})
	created, err := f.store.Create(context.Background(), "Ship landing page", "", "")
	require.NoError(t, err)

	_, err = f.engine.Execute(context.Background(), created.ID)
	assert.ErrorIs(t, err, task.ErrInvalidTransition)
	assert.Empty(t, f.collab.kinds())

	_, err = f.engine.Execute(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestExecuteResumesAfterInterruption(t *testing.T) {
	f := setupEngine(t, Config{})
	approved := f.approvedTask(t, landingSteps())
	ctx := context.Background()

	status := task.StatusExecuting
	_, err := f.store.Update(ctx, approved.ID, taskstore.Patch{
		Status: &status,
		Result: []task.Output{{Type: "repo", URL: "https://github.com/acme/landing", Data: map[string]any{"step": float64(1)}}},
	})
	require.NoError(t, err)

	done, err := f.engine.Execute(ctx, approved.ID)
	require.NoError(t, err)

	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, []task.ActionKind{task.KindDeploy, task.KindPost}, f.collab.kinds())
	assert.Len(t, done.Result, 3)
}

func TestExecuteMissingCollaborator(t *testing.T) {
	f := setupEngine(t, Config{})
	approved := f.approvedTask(t, []task.Step{
		{Order: 1, Action: task.OtherAction{Name: "mint_nft"}, Description: "mint"},
	})

	failed, err := f.engine.Execute(context.Background(), approved.ID)
	assert.ErrorIs(t, err, ErrMissingCollaborator)
	assert.Equal(t, task.StatusFailed, failed.Status)

	records := f.repo.OutcomesFor(approved.ID)
	require.NotEmpty(t, records)
	assert.Equal(t, models.ErrorValidation, records[0].ErrorClass)
	assert.Equal(t, "mint_nft", records[0].Skill)
}

func TestExecuteOtherHandler(t *testing.T) {
	f := setupEngine(t, Config{})
	approved := f.approvedTask(t, []task.Step{
		{Order: 1, Action: task.OtherAction{Name: "noop"}, Description: "nothing"},
	})

	done, err := f.engine.Execute(context.Background(), approved.ID)
	require.NoError(t, err)
	assert.Equal(t, "noop", done.Result[0].Type)
}

func TestExecuteContractWaitsForReceipt(t *testing.T) {
	f := setupEngine(t, Config{})
	f.collab.receipts = []*Receipt{nil, nil, {TxHash: "0xabc", Success: true, BlockNumber: 42, ExplorerURL: "https://basescan.org/tx/0xabc"}}
	approved := f.approvedTask(t, []task.Step{
		{Order: 1, Action: task.ContractAction{Chain: "base", Method: "mint"}, Description: "mint"},
	})

	done, err := f.engine.Execute(context.Background(), approved.ID)
	require.NoError(t, err)

	require.Len(t, done.Result, 1)
	assert.Equal(t, "contract", done.Result[0].Type)
	assert.Equal(t, "https://basescan.org/tx/0xabc", done.Result[0].URL)
	assert.Equal(t, "0xabc", done.Result[0].Data["tx_hash"])
}

func TestExecuteContractReceiptNeverArrives(t *testing.T) {
	f := setupEngine(t, Config{ReceiptPolling: poll.Config{Interval: time.Millisecond, MaxAttempts: 3, Timeout: time.Second}})
	approved := f.approvedTask(t, []task.Step{
		{Order: 1, Action: task.ContractAction{Chain: "base", Method: "mint"}, Description: "mint"},
	})

	_, err := f.engine.Execute(context.Background(), approved.ID)
	assert.ErrorIs(t, err, poll.ErrExhausted)

	records := f.repo.OutcomesFor(approved.ID)
	require.NotEmpty(t, records)
	assert.Equal(t, models.ErrorTimeout, records[0].ErrorClass)
}

func TestExecuteContractReverted(t *testing.T) {
	f := setupEngine(t, Config{})
	f.collab.receipts = []*Receipt{{TxHash: "0xabc", Success: false}}
	approved := f.approvedTask(t, []task.Step{
		{Order: 1, Action: task.ContractAction{Chain: "base", Method: "mint"}, Description: "mint"},
	})

	_, err := f.engine.Execute(context.Background(), approved.ID)
	assert.ErrorIs(t, err, ErrReverted)
}

func TestExecuteSkipsSuppressedPosts(t *testing.T) {
	f := setupEngine(t, Config{})
	now := time.Now().UTC()
	for i := 0; i < 6; i++ {
		f.repo.Outcomes = append(f.repo.Outcomes, models.OutcomeRecord{
			Skill: "x_post", ActionType: models.ActionPost, ErrorClass: models.ErrorAuth, CreatedAt: now,
		})
	}
	approved := f.approvedTask(t, landingSteps())

	done, err := f.engine.Execute(context.Background(), approved.ID)
	require.NoError(t, err)

	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, []task.ActionKind{task.KindCode, task.KindDeploy}, f.collab.kinds())
	assert.Len(t, done.Result, 2)
}
