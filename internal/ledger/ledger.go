// Package ledger is the append-only outcome ledger. Every action the engine takes is
// recorded here with a normalized error class, and the read side aggregates those
// records per skill so callers can adapt (for example, stop using a skill that keeps
// failing).
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/autopilot/internal/metrics"
	"github.com/nadmax/autopilot/internal/repository"
	"github.com/nadmax/autopilot/internal/repository/models"
)

type Config struct {
	// SuppressWindowDays, SuppressMinSamples and SuppressBelowRate drive
	// ShouldSuppress. A zero MinSamples disables suppression.
	SuppressWindowDays int     `yaml:"suppress_window_days"`
	SuppressMinSamples int     `yaml:"suppress_min_samples"`
	SuppressBelowRate  float64 `yaml:"suppress_below_rate"`
}

func DefaultConfig() Config {
	return Config{
		SuppressWindowDays: 7,
		SuppressMinSamples: 5,
		SuppressBelowRate:  0.2,
	}
}

type Ledger struct {
	repo   repository.OutcomeRepository
	config Config
	logger *slog.Logger
	now    func() time.Time
}

func New(repo repository.OutcomeRepository, config Config, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}

	return &Ledger{
		repo:   repo,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Record appends an outcome. It never fails: the ledger is observability and
// must not break the pipeline that writes to it.
func (l *Ledger) Record(ctx context.Context, rec models.OutcomeRecord) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordOutcomeWriteFailure()
			l.logger.Error("Outcome ledger write panicked", "skill", rec.Skill, "panic", r)
		}
	}()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now().UTC()
	}
	if !rec.Success && rec.ErrorClass == "" {
		rec.ErrorClass = models.ErrorLogic
	}

	if err := l.repo.InsertOutcome(ctx, &rec); err != nil {
		metrics.RecordOutcomeWriteFailure()
		l.logger.Warn("Failed to record outcome",
			"action_type", rec.ActionType,
			"action_id", rec.ActionID,
			"skill", rec.Skill,
			"error", err)
		return
	}

	metrics.RecordOutcome(string(rec.ActionType), rec.Success)
}

// RecordResult builds the record from a call's error and duration.
func (l *Ledger) RecordResult(ctx context.Context, rec models.OutcomeRecord, err error, duration time.Duration) {
	rec.Success = err == nil
	rec.DurationMs = duration.Milliseconds()
	if err != nil {
		rec.ErrorClass = Classify(err).Class
		rec.ErrorMessage = err.Error()
	}

	l.Record(ctx, rec)
}

func (l *Ledger) SkillStats(ctx context.Context, skill string, windowDays int) (models.SkillStats, error) {
	stats, err := l.repo.OutcomeStats(ctx, l.windowStart(windowDays), skill)
	if err != nil {
		return models.SkillStats{}, fmt.Errorf("failed to load stats for %s: %w", skill, err)
	}

	for _, s := range stats {
		if s.Skill == skill {
			return s, nil
		}
	}

	return models.SkillStats{Skill: skill}, nil
}

func (l *Ledger) Summary(ctx context.Context, windowDays int) (models.OutcomeSummary, error) {
	stats, err := l.repo.OutcomeStats(ctx, l.windowStart(windowDays), "")
	if err != nil {
		return models.OutcomeSummary{}, fmt.Errorf("failed to load outcome summary: %w", err)
	}

	summary := models.OutcomeSummary{WindowDays: windowDays, Skills: stats}
	for _, s := range stats {
		summary.Total += s.Total
		summary.Successes += s.Successes
	}
	if summary.Total > 0 {
		summary.SuccessRate = float64(summary.Successes) / float64(summary.Total)
	}
	if summary.Skills == nil {
		summary.Skills = []models.SkillStats{}
	}

	return summary, nil
}

// ShouldSuppress reports whether a skill has failed often enough recently that
// it should not be attempted. Lookup errors never suppress.
func (l *Ledger) ShouldSuppress(ctx context.Context, skill string) bool {
	if l.config.SuppressMinSamples <= 0 {
		return false
	}

	stats, err := l.SkillStats(ctx, skill, l.config.SuppressWindowDays)
	if err != nil {
		l.logger.Warn("Skill stats unavailable, not suppressing", "skill", skill, "error", err)
		return false
	}

	return stats.Total >= l.config.SuppressMinSamples && stats.SuccessRate < l.config.SuppressBelowRate
}

func (l *Ledger) windowStart(windowDays int) time.Time {
	if windowDays <= 0 {
		windowDays = 1
	}

	return l.now().UTC().Add(-time.Duration(windowDays) * 24 * time.Hour)
}
