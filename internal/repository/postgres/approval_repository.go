package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nadmax/autopilot/internal/repository"
	"github.com/nadmax/autopilot/internal/task"
)

type ApprovalRepository struct {
	db *sql.DB
}

func NewApprovalRepository(db *sql.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// CreateApproval relies on the partial unique index over pending requests, so
// a second pending request for the same task fails with ErrConflict.
func (r *ApprovalRepository) CreateApproval(ctx context.Context, req *task.ApprovalRequest) error {
	query := `
		INSERT INTO approval_requests (id, task_id, status, sent_at, responded_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.ExecContext(ctx, query, req.ID, req.TaskID, req.Status, req.SentAt, req.RespondedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: approval request for task %s", repository.ErrConflict, req.TaskID)
	}

	return err
}

func (r *ApprovalRepository) GetApproval(ctx context.Context, requestID string) (*task.ApprovalRequest, error) {
	query := `
		SELECT id, task_id, status, sent_at, responded_at
		FROM approval_requests
		WHERE id = $1
	`

	req, err := scanApproval(r.db.QueryRowContext(ctx, query, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: approval request %s", repository.ErrNotFound, requestID)
	}

	return req, err
}

func (r *ApprovalRepository) UpdateApprovalStatus(ctx context.Context, requestID string, from, to task.ApprovalStatus, respondedAt time.Time) error {
	query := `
		UPDATE approval_requests
		SET status = $1,
		    responded_at = COALESCE(responded_at, $2)
		WHERE id = $3 AND status = $4
	`

	res, err := r.db.ExecContext(ctx, query, to, respondedAt, requestID, from)
	if err != nil {
		return fmt.Errorf("failed to update approval request: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	current, err := r.GetApproval(ctx, requestID)
	if err != nil {
		return err
	}

	return fmt.Errorf("%w: approval request %s is %s", repository.ErrConflict, requestID, current.Status)
}

func (r *ApprovalRepository) ListApprovals(ctx context.Context, taskID string, status task.ApprovalStatus) ([]*task.ApprovalRequest, error) {
	var (
		conditions []string
		args       []any
	)

	if taskID != "" {
		args = append(args, taskID)
		conditions = append(conditions, fmt.Sprintf("task_id = $%d", len(args)))
	}
	if status != "" {
		args = append(args, status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT id, task_id, status, sent_at, responded_at FROM approval_requests`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY sent_at ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var requests []*task.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}

		requests = append(requests, req)
	}

	return requests, rows.Err()
}

func scanApproval(row rowScanner) (*task.ApprovalRequest, error) {
	var req task.ApprovalRequest
	var respondedAt sql.NullTime

	if err := row.Scan(
		&req.ID,
		&req.TaskID,
		&req.Status,
		&req.SentAt,
		&respondedAt,
	); err != nil {
		return nil, err
	}

	if respondedAt.Valid {
		req.RespondedAt = &respondedAt.Time
	}

	return &req, nil
}
