package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/nadmax/autopilot/internal/metrics"
	"github.com/nadmax/autopilot/internal/taskstore"
)

func startMetricsCollector(ctx context.Context, tasks *taskstore.Store, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateTaskMetrics(ctx, tasks, logger)
		}
	}
}

func updateTaskMetrics(ctx context.Context, tasks *taskstore.Store, logger *slog.Logger) {
	counts, err := tasks.CountByStatus(ctx)
	if err != nil {
		logger.Warn("Failed to count tasks for metrics", "error", err)
		return
	}

	metrics.UpdateTaskGauges(counts)
}
