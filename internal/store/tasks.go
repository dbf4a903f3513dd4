package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/formscout/controlplane/internal/domain"
)

// InsertTask persists a new pending AgentTask, mirroring the teacher's
// INSERT ... ON CONFLICT DO UPDATE idempotent-write pattern.
func (s *Store) InsertTask(ctx context.Context, t domain.AgentTask) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO agent_tasks
		(task_id, company_id, user_id, task_type, parameters, status, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET status=excluded.status, result=excluded.result,
		error=excluded.error, updated_at=excluded.updated_at`,
		t.TaskID, t.CompanyID, t.UserID, t.TaskType, t.Parameters, t.Status, t.Result, t.Error,
		t.CreatedAt.Format(time.RFC3339), t.UpdatedAt.Format(time.RFC3339))
	return err
}

func scanTask(row interface{ Scan(...any) error }) (domain.AgentTask, error) {
	var t domain.AgentTask
	var created, updated string
	err := row.Scan(&t.TaskID, &t.CompanyID, &t.UserID, &t.TaskType, &t.Parameters,
		&t.Status, &t.Result, &t.Error, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, created)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (domain.AgentTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT task_id, company_id, user_id, task_type, parameters,
		status, result, error, created_at, updated_at FROM agent_tasks WHERE task_id = ?`, taskID)
	return scanTask(row)
}

// UpdateTaskStatus persists a terminal (or running) status transition.
// Callers are responsible for checking domain.TaskStatus.CanTransition
// before calling this.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, result []byte, errMsg string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agent_tasks SET status = ?, result = ?, error = ?, updated_at = ?
		WHERE task_id = ?`, status, result, errMsg, at.Format(time.RFC3339), taskID)
	return err
}
