package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/autopilot/internal/api"
	"github.com/nadmax/autopilot/internal/app"
	"github.com/nadmax/autopilot/internal/config"
	"github.com/nadmax/autopilot/internal/middleware"
	"github.com/nadmax/autopilot/internal/repository/postgres"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := cfg.Logger()

	db, err := postgres.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("failed to close Postgres connection: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal(err)
	}

	a, err := app.Build(cfg, db, logger)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("failed to close dedup cache: %v", err)
		}
	}()

	apiHandler := api.NewAPI(api.Deps{
		Tasks:      a.Tasks,
		Gate:       a.Gate,
		Planner:    a.Workflow,
		Executor:   a.Engine,
		Dispatcher: a.Dispatcher,
		Dashboard:  a.Dashboard,
		Logger:     logger.With("component", "api"),
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", apiHandler)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           middleware.MetricsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go startMetricsCollector(ctx, a.Tasks, logger)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("failed to shut down server: %v", err)
		}
	}()

	logger.Info("Server starting", "port", cfg.Port, "redis", cfg.RedisAddr != "")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("server error: %v", err)
		os.Exit(1)
	}

	logger.Info("Server stopped")
}
