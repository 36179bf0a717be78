package postgres

import (
	"context"
	"database/sql"

	"github.com/nadmax/autopilot/internal/repository/models"
)

type DailyPostRepository struct {
	db *sql.DB
}

func NewDailyPostRepository(db *sql.DB) *DailyPostRepository {
	return &DailyPostRepository{db: db}
}

func (r *DailyPostRepository) HasDailyPost(ctx context.Context, postType, day string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM daily_posts WHERE post_type = $1 AND day = $2)`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, postType, day).Scan(&exists); err != nil {
		return false, err
	}

	return exists, nil
}

// InsertDailyPost keeps the first record of the day.
func (r *DailyPostRepository) InsertDailyPost(ctx context.Context, p models.DailyPost) error {
	query := `
		INSERT INTO daily_posts (post_type, day, correlation_id, posted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (post_type, day) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query, p.PostType, p.Day, nullString(p.CorrelationID), p.PostedAt)
	return err
}
