// Package dedup keeps recurring jobs from posting twice on the same UTC day.
// A cache answers the common case and the durable daily_posts table settles
// everything else.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nadmax/autopilot/internal/metrics"
	"github.com/nadmax/autopilot/internal/repository"
	"github.com/nadmax/autopilot/internal/repository/models"
)

const dayLayout = "2006-01-02"

type Guard struct {
	cache  Cache
	store  repository.DailyPostRepository
	logger *slog.Logger
	now    func() time.Time
}

func NewGuard(cache Cache, store repository.DailyPostRepository, logger *slog.Logger) *Guard {
	if cache == nil {
		cache = NewMemoryCache(0)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Guard{
		cache:  cache,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the clock used to pick the current UTC day.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// HasPostedToday never errors. When the store cannot be read it answers
// false so a broken store delays nothing; a cache hit still wins.
func (g *Guard) HasPostedToday(ctx context.Context, key string) bool {
	day := Day(g.now())
	cacheKey := key + "|" + day

	posted, err := g.cache.Get(ctx, cacheKey)
	if err != nil {
		g.logger.Warn("Dedup cache read failed", "key", key, "error", err)
	}
	if posted {
		metrics.RecordDedupCheck("cache", true)
		return true
	}

	posted, err = g.store.HasDailyPost(ctx, key, day)
	if err != nil {
		g.logger.Warn("Dedup store read failed, assuming not posted", "key", key, "day", day, "error", err)
		metrics.RecordDedupCheck("store_error", false)
		return false
	}

	metrics.RecordDedupCheck("store", posted)
	if posted {
		if err := g.cache.Set(ctx, cacheKey, NextDay(g.now())); err != nil {
			g.logger.Warn("Dedup cache warm failed", "key", key, "error", err)
		}
	}

	return posted
}

// RecordDailyPost marks key as posted for today. The cache is written first so
// a store failure still suppresses repeats within this process. The returned
// error is informational.
func (g *Guard) RecordDailyPost(ctx context.Context, key, correlationID string) error {
	now := g.now().UTC()
	day := Day(now)

	if err := g.cache.Set(ctx, key+"|"+day, NextDay(now)); err != nil {
		g.logger.Warn("Dedup cache write failed", "key", key, "error", err)
	}

	err := g.store.InsertDailyPost(ctx, models.DailyPost{
		PostType:      key,
		Day:           day,
		CorrelationID: correlationID,
		PostedAt:      now,
	})
	if err != nil {
		return fmt.Errorf("failed to record daily post %s: %w", key, err)
	}

	return nil
}

// Day is the UTC calendar day of t.
func Day(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// NextDay is the next 00:00 UTC after t.
func NextDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// ContentKey derives a dedup key from post text, ignoring case and whitespace runs.
func ContentKey(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return "content:" + hex.EncodeToString(sum[:])
}
