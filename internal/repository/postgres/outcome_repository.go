package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nadmax/autopilot/internal/repository/models"
)

type OutcomeRepository struct {
	db *sql.DB
}

func NewOutcomeRepository(db *sql.DB) *OutcomeRepository {
	return &OutcomeRepository{db: db}
}

func (r *OutcomeRepository) InsertOutcome(ctx context.Context, rec *models.OutcomeRecord) error {
	outcomeCtx, err := marshalOptional(rec.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}
	outcome, err := marshalOptional(rec.Outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	query := `
		INSERT INTO outcome_ledger (
			id, action_type, action_id, skill, success, error_class,
			error_message, context, outcome, duration_ms, retry_count, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = r.db.ExecContext(
		ctx,
		query,
		rec.ID,
		rec.ActionType,
		nullString(rec.ActionID),
		rec.Skill,
		rec.Success,
		nullString(string(rec.ErrorClass)),
		nullString(rec.ErrorMessage),
		outcomeCtx,
		outcome,
		rec.DurationMs,
		rec.RetryCount,
		rec.CreatedAt,
	)

	return err
}

func (r *OutcomeRepository) OutcomeStats(ctx context.Context, since time.Time, skill string) ([]models.SkillStats, error) {
	query := `
		SELECT
			skill,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE success) AS successes,
			COALESCE(mode() WITHIN GROUP (ORDER BY error_class) FILTER (WHERE NOT success), '') AS common_error,
			COALESCE(AVG(duration_ms), 0) AS avg_duration_ms,
			MAX(created_at) AS last_attempted_at
		FROM outcome_ledger
		WHERE created_at > $1 AND ($2 = '' OR skill = $2)
		GROUP BY skill
		ORDER BY skill
	`

	rows, err := r.db.QueryContext(ctx, query, since, skill)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var stats []models.SkillStats
	for rows.Next() {
		var s models.SkillStats
		var lastAttempted sql.NullTime
		if err := rows.Scan(
			&s.Skill,
			&s.Total,
			&s.Successes,
			&s.CommonErrorClass,
			&s.AvgDurationMs,
			&lastAttempted,
		); err != nil {
			return nil, err
		}

		s.Failures = s.Total - s.Successes
		if s.Total > 0 {
			s.SuccessRate = float64(s.Successes) / float64(s.Total)
		}
		if lastAttempted.Valid {
			s.LastAttemptedAt = &lastAttempted.Time
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *OutcomeRepository) ListOutcomes(ctx context.Context, actionID string, limit int) ([]models.OutcomeRecord, error) {
	query := `
		SELECT
			id, action_type, COALESCE(action_id, ''), skill, success,
			COALESCE(error_class, ''), COALESCE(error_message, ''),
			context, outcome, duration_ms, retry_count, created_at
		FROM outcome_ledger
		WHERE ($1 = '' OR action_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, actionID, limit)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var records []models.OutcomeRecord
	for rows.Next() {
		var rec models.OutcomeRecord
		var outcomeCtx, outcome []byte

		if err := rows.Scan(
			&rec.ID,
			&rec.ActionType,
			&rec.ActionID,
			&rec.Skill,
			&rec.Success,
			&rec.ErrorClass,
			&rec.ErrorMessage,
			&outcomeCtx,
			&outcome,
			&rec.DurationMs,
			&rec.RetryCount,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		if len(outcomeCtx) > 0 {
			if err := json.Unmarshal(outcomeCtx, &rec.Context); err != nil {
				return nil, fmt.Errorf("failed to unmarshal context: %w", err)
			}
		}
		if len(outcome) > 0 {
			if err := json.Unmarshal(outcome, &rec.Outcome); err != nil {
				return nil, fmt.Errorf("failed to unmarshal outcome: %w", err)
			}
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

func marshalOptional(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}

	return json.Marshal(m)
}
