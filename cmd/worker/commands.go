package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/autopilot/internal/app"
	"github.com/nadmax/autopilot/internal/config"
	"github.com/nadmax/autopilot/internal/repository/postgres"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

type options struct {
	configFile string
	logLevel   string
}

type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB
	app    *app.App
}

func (o *options) open(ctx context.Context, migrate bool) (*runtime, error) {
	cfg, err := config.LoadWithFile(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		if _, err := config.ParseLevel(o.logLevel); err != nil {
			return nil, err
		}
		cfg.LogLevel = o.logLevel
	}
	logger := cfg.Logger()

	db, err := postgres.Open(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	a, err := app.Build(cfg, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &runtime{cfg: cfg, logger: logger, db: db, app: a}, nil
}

func (r *runtime) close() {
	if err := r.app.Close(); err != nil {
		r.logger.Warn("Failed to close dedup cache", "error", err)
	}
	if err := r.db.Close(); err != nil {
		r.logger.Warn("Failed to close Postgres connection", "error", err)
	}
}

func runCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the dispatcher on the configured cron schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := opts.open(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close()

			cl := cronLogger{rt.logger.With("component", "cron")}
			c := cron.New(
				cron.WithLocation(time.UTC),
				cron.WithLogger(cl),
				cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			)

			if _, err := c.AddFunc(rt.cfg.CronSchedule, func() {
				report := rt.app.Dispatcher.Tick(ctx)
				rt.logger.Info("Tick finished",
					"planned", report.Planned,
					"executed", report.Executed,
					"reconciled", report.Reconciled,
					"jobs", len(report.Jobs),
					"errors", len(report.Errors))
			}); err != nil {
				return fmt.Errorf("invalid cron schedule %q: %w", rt.cfg.CronSchedule, err)
			}

			rt.logger.Info("Worker starting", "schedule", rt.cfg.CronSchedule, "jobs", len(rt.app.Dispatcher.Jobs()))
			c.Start()

			<-ctx.Done()
			rt.logger.Info("Shutting down worker...")
			<-c.Stop().Done()

			return nil
		},
	}
}

func tickCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a single dispatch cycle and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.close()

			return printJSON(cmd, rt.app.Dispatcher.Tick(cmd.Context()))
		},
	}
}

func jobCmd(opts *options) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "job [key]",
		Short: "Run one scheduled job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.close()

			result, err := rt.app.Dispatcher.RunJob(cmd.Context(), args[0], force)
			if printErr := printJSON(cmd, result); printErr != nil {
				return printErr
			}

			return err
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Ignore the schedule (the once-per-day guard still applies)")

	return cmd
}

func migrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.close()

			fmt.Fprintln(cmd.OutOrStdout(), "Schema applied")
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

var _ cron.Logger = cronLogger{}
