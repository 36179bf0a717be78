package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/nadmax/autopilot/internal/repository"
	"github.com/nadmax/autopilot/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var approvalRowColumns = []string{"id", "task_id", "status", "sent_at", "responded_at"}

func TestCreateApproval(t *testing.T) {
	db, mock := setupMockDB(t)
	defer func() { _ = db.Close() }()

	repo := NewApprovalRepository(db)
	ctx := context.Background()
	req := &task.ApprovalRequest{ID: "plan-1", TaskID: "task-1", Status: task.ApprovalPending, SentAt: time.Now().UTC()}

	t.Run("first pending request", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO approval_requests").
			WithArgs(req.ID, req.TaskID, req.Status, req.SentAt, nil).
			WillReturnResult(sqlmock.NewResult(1, 1))

		require.NoError(t, repo.CreateApproval(ctx, req))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second pending request violates index", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO approval_requests").
			WillReturnError(&pq.Error{Code: "23505"})

		err := repo.CreateApproval(ctx, req)
		assert.ErrorIs(t, err, repository.ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetApproval(t *testing.T) {
	db, mock := setupMockDB(t)
	defer func() { _ = db.Close() }()

	repo := NewApprovalRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("found", func(t *testing.T) {
		mock.ExpectQuery("SELECT .* FROM approval_requests WHERE id").
			WithArgs("plan-1").
			WillReturnRows(sqlmock.NewRows(approvalRowColumns).AddRow("plan-1", "task-1", "approved", now, now))

		req, err := repo.GetApproval(ctx, "plan-1")
		require.NoError(t, err)
		assert.Equal(t, task.ApprovalApproved, req.Status)
		require.NotNil(t, req.RespondedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT .* FROM approval_requests WHERE id").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.GetApproval(ctx, "missing")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUpdateApprovalStatus(t *testing.T) {
	db, mock := setupMockDB(t)
	defer func() { _ = db.Close() }()

	repo := NewApprovalRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("pending to approved", func(t *testing.T) {
		mock.ExpectExec("UPDATE approval_requests SET status").
			WithArgs(task.ApprovalApproved, now, "plan-1", task.ApprovalPending).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.UpdateApprovalStatus(ctx, "plan-1", task.ApprovalPending, task.ApprovalApproved, now))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already resolved", func(t *testing.T) {
		mock.ExpectExec("UPDATE approval_requests SET status").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT .* FROM approval_requests WHERE id").
			WithArgs("plan-1").
			WillReturnRows(sqlmock.NewRows(approvalRowColumns).AddRow("plan-1", "task-1", "rejected", now, now))

		err := repo.UpdateApprovalStatus(ctx, "plan-1", task.ApprovalPending, task.ApprovalApproved, now)
		assert.ErrorIs(t, err, repository.ErrConflict)
		assert.Contains(t, err.Error(), "rejected")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestListApprovals(t *testing.T) {
	db, mock := setupMockDB(t)
	defer func() { _ = db.Close() }()

	repo := NewApprovalRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM approval_requests WHERE task_id = \$1 AND status = \$2 ORDER BY sent_at ASC`).
		WithArgs("task-1", task.ApprovalPending).
		WillReturnRows(sqlmock.NewRows(approvalRowColumns).AddRow("plan-1", "task-1", "pending", now, nil))

	requests, err := repo.ListApprovals(ctx, "task-1", task.ApprovalPending)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Nil(t, requests[0].RespondedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
