// Package app assembles the engine from configuration. Both binaries share it
// so the server's manual triggers and the worker's schedule act on the same
// components.
package app

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nadmax/autopilot/internal/approval"
	"github.com/nadmax/autopilot/internal/config"
	"github.com/nadmax/autopilot/internal/dashboard"
	"github.com/nadmax/autopilot/internal/dedup"
	"github.com/nadmax/autopilot/internal/dispatcher"
	"github.com/nadmax/autopilot/internal/executor"
	"github.com/nadmax/autopilot/internal/ledger"
	"github.com/nadmax/autopilot/internal/notify"
	"github.com/nadmax/autopilot/internal/planner"
	"github.com/nadmax/autopilot/internal/repository/postgres"
	"github.com/nadmax/autopilot/internal/taskstore"
)

type App struct {
	Tasks      *taskstore.Store
	Gate       *approval.Gate
	Ledger     *ledger.Ledger
	Workflow   *planner.Workflow
	Engine     *executor.Engine
	Dispatcher *dispatcher.Dispatcher
	Dashboard  *dashboard.Dashboard

	redis *dedup.RedisCache
}

func Build(cfg *config.Config, db *sql.DB, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tasks := taskstore.New(postgres.NewTaskRepository(db), logger.With("component", "taskstore"))
	gate := approval.NewGate(postgres.NewApprovalRepository(db), tasks, logger.With("component", "approval"))
	l := ledger.New(postgres.NewOutcomeRepository(db), cfg.Ledger, logger.With("component", "ledger"))
	projects := postgres.NewProjectRepository(db)

	a := &App{Tasks: tasks, Gate: gate, Ledger: l}

	var cache dedup.Cache = dedup.NewMemoryCache(cfg.DedupCache)
	if cfg.RedisAddr != "" {
		rc, err := dedup.NewRedisCache(cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		a.redis = rc
		cache = rc
	}
	guard := dedup.NewGuard(cache, postgres.NewDailyPostRepository(db), logger.With("component", "dedup"))

	var (
		notifier planner.Notifier
		mailer   dispatcher.Mailer
	)
	if cfg.EmailAPIKey != "" {
		sg := notify.NewSendGridNotifier(notify.Config{
			APIKey:          cfg.EmailAPIKey,
			FromName:        cfg.FromName,
			FromAddress:     cfg.FromAddress,
			ApproverEmail:   cfg.ApproverEmail,
			ApprovalBaseURL: cfg.ApprovalBaseURL,
		}, logger.With("component", "notify"))
		notifier = sg
		mailer = sg
	} else {
		logger.Warn("EMAIL_API_KEY not set, approval requests will not be emailed")
	}

	generator := planner.NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
	a.Workflow = planner.NewWorkflow(tasks, gate, projects, generator, notifier, cfg.Planner, logger.With("component", "planner"))
	a.Workflow.SetInsightSource(planner.LedgerInsights{Ledger: l, WindowDays: cfg.Ledger.SuppressWindowDays})

	collab := executor.NewWebhook(cfg.Webhooks).Collaborators()
	a.Engine = executor.NewEngine(tasks, gate, projects, l, collab, cfg.Executor, logger.With("component", "executor"))

	a.Dispatcher = dispatcher.New(tasks, a.Workflow, a.Engine, guard, l, cfg.Dispatcher, logger.With("component", "dispatcher"))

	reports := &dispatcher.Reports{
		Tasks:     tasks,
		Ledger:    l,
		Projects:  projects,
		Poster:    collab.Post,
		Platforms: cfg.Platforms,
		Mailer:    mailer,
		Logger:    logger.With("component", "reports"),
	}
	jobs, err := reports.Jobs(cfg.Jobs)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to build jobs: %w", err), a.Close())
	}
	a.Dispatcher.Register(jobs...)

	a.Dashboard = dashboard.NewDashboard(tasks, l)

	return a, nil
}

func (a *App) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}

	return nil
}
