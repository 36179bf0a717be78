package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nadmax/autopilot/internal/repository/models"
)

type ProjectRepository struct {
	db *sql.DB
}

func NewProjectRepository(db *sql.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

func (r *ProjectRepository) SaveCompletedProject(ctx context.Context, p models.CompletedProject) error {
	outputs, err := json.Marshal(p.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}

	query := `
		INSERT INTO completed_projects (task_id, title, summary, outputs, completed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id) DO UPDATE SET
			summary = EXCLUDED.summary,
			outputs = EXCLUDED.outputs,
			completed_at = EXCLUDED.completed_at
	`

	_, err = r.db.ExecContext(ctx, query, p.TaskID, p.Title, p.Summary, outputs, p.CompletedAt)
	return err
}

func (r *ProjectRepository) ListCompletedProjects(ctx context.Context, limit int) ([]models.CompletedProject, error) {
	query := `
		SELECT task_id, title, summary, outputs, completed_at
		FROM completed_projects
		ORDER BY completed_at DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var projects []models.CompletedProject
	for rows.Next() {
		var p models.CompletedProject
		var outputs []byte

		if err := rows.Scan(&p.TaskID, &p.Title, &p.Summary, &outputs, &p.CompletedAt); err != nil {
			return nil, err
		}

		if len(outputs) > 0 {
			if err := json.Unmarshal(outputs, &p.Outputs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal outputs: %w", err)
			}
		}

		projects = append(projects, p)
	}

	return projects, rows.Err()
}
