package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/lib/pq"
	"github.com/nadmax/autopilot/internal/repository"
	"github.com/nadmax/autopilot/internal/task"
)

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

const taskColumns = `id, title, description, chain, status, plan, result, error, created_at, updated_at`

func (r *TaskRepository) CreateTask(ctx context.Context, t *task.Task) error {
	plan, result, err := marshalTaskJSON(t)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = r.db.ExecContext(
		ctx,
		query,
		t.ID,
		t.Title,
		t.Description,
		t.Chain,
		t.Status,
		plan,
		result,
		t.Error,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: task %s already exists", repository.ErrConflict, t.ID)
	}

	return err
}

func (r *TaskRepository) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	t, err := scanTask(r.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", repository.ErrNotFound, taskID)
	}

	return t, err
}

func (r *TaskRepository) UpdateTask(ctx context.Context, t *task.Task, expected ...task.TaskStatus) error {
	plan, result, err := marshalTaskJSON(t)
	if err != nil {
		return err
	}

	query := `
		UPDATE tasks
		SET title = $2,
		    description = $3,
		    chain = $4,
		    status = $5,
		    plan = $6,
		    result = $7,
		    error = $8,
		    updated_at = $9
		WHERE id = $1
	`
	args := []any{t.ID, t.Title, t.Description, t.Chain, t.Status, plan, result, t.Error, t.UpdatedAt}
	if len(expected) > 0 {
		query += ` AND status = ANY($10)`
		args = append(args, pq.Array(statusStrings(expected)))
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	current, err := r.GetTask(ctx, t.ID)
	if err != nil {
		return err
	}

	return fmt.Errorf("%w: task %s is %s, expected one of %v", repository.ErrConflict, t.ID, current.Status, expected)
}

func (r *TaskRepository) ListTasks(ctx context.Context, filter repository.TaskFilter) ([]*task.Task, error) {
	var (
		conditions []string
		args       []any
	)

	if len(filter.Statuses) > 0 {
		args = append(args, pq.Array(statusStrings(filter.Statuses)))
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if !filter.UpdatedSince.IsZero() {
		args = append(args, filter.UpdatedSince)
		conditions = append(conditions, fmt.Sprintf("updated_at >= $%d", len(args)))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	if filter.NewestFirst {
		query += ` ORDER BY created_at DESC, id DESC`
	} else {
		query += ` ORDER BY created_at ASC, id ASC`
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var plan, result []byte

	if err := row.Scan(
		&t.ID,
		&t.Title,
		&t.Description,
		&t.Chain,
		&t.Status,
		&plan,
		&result,
		&t.Error,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if len(plan) > 0 && string(plan) != "null" {
		var p task.Plan
		if err := json.Unmarshal(plan, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
		}
		t.Plan = &p
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}

	return &t, nil
}

func marshalTaskJSON(t *task.Task) (plan, result any, err error) {
	if t.Plan != nil {
		data, err := json.Marshal(t.Plan)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal plan: %w", err)
		}
		plan = data
	}
	if len(t.Result) > 0 {
		data, err := json.Marshal(t.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		result = data
	}

	return plan, result, nil
}

func statusStrings(statuses []task.TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}

	return out
}
