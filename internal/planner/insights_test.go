package planner

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nadmax/autopilot/internal/ledger"
	"github.com/nadmax/autopilot/internal/repository"
	"github.com/nadmax/autopilot/internal/repository/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerInsights(t *testing.T) {
	repo := repository.NewMockPostgresRepository()
	l := ledger.New(repo, ledger.DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	src := LedgerInsights{Ledger: l, WindowDays: 7}

	empty, err := src.Insights(context.Background())
	require.NoError(t, err)
	assert.Empty(t, empty)

	now := time.Now().UTC()
	repo.Outcomes = append(repo.Outcomes,
		models.OutcomeRecord{Skill: "x_post", Success: false, ErrorClass: models.ErrorRateLimit, CreatedAt: now},
		models.OutcomeRecord{Skill: "x_post", Success: true, CreatedAt: now},
	)

	insights, err := src.Insights(context.Background())
	require.NoError(t, err)
	assert.Contains(t, insights, "2 actions, 50% succeeded")
	assert.Contains(t, insights, "x_post: 1/2 ok, mostly failing with rate_limit")
}
