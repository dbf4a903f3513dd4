package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/formscout/controlplane/internal/domain"
)

func (s *Store) GetAgentByUserID(ctx context.Context, userID string) (domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT agent_id, user_id, company_id, api_key,
		last_heartbeat, status, current_task_id, current_crawl_session_id
		FROM agents WHERE user_id = ?`, userID)
	return scanAgent(row)
}

func scanAgent(row interface{ Scan(...any) error }) (domain.Agent, error) {
	var a domain.Agent
	var hb string
	err := row.Scan(&a.AgentID, &a.UserID, &a.CompanyID, &a.APIKey, &hb, &a.Status,
		&a.CurrentTaskID, &a.CurrentCrawlSessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.LastHeartbeat, _ = time.Parse(time.RFC3339, hb)
	return a, nil
}

// RegisterAgent atomically invalidates any prior api_key for this user
// and installs the new one, matching the "at most one live api_key"
// invariant.
func (s *Store) RegisterAgent(ctx context.Context, a domain.Agent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	// A user has at most one agent row (UNIQUE on user_id); deleting
	// any other agent_id that previously held this user_id, before the
	// insert, covers a Register from a machine with a new agent_id.
	if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE user_id = ? AND agent_id != ?`, a.UserID, a.AgentID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO agents
		(agent_id, user_id, company_id, api_key, last_heartbeat, status, current_task_id, current_crawl_session_id)
		VALUES (?, ?, ?, ?, ?, ?, '', '')
		ON CONFLICT(agent_id) DO UPDATE SET api_key=excluded.api_key, last_heartbeat=excluded.last_heartbeat,
		status=excluded.status`,
		a.AgentID, a.UserID, a.CompanyID, a.APIKey, a.LastHeartbeat.Format(time.RFC3339), a.Status); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) UpdateHeartbeat(ctx context.Context, userID string, status domain.AgentStatus, taskID, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET last_heartbeat = ?, status = ?,
		current_task_id = ?, current_crawl_session_id = ? WHERE user_id = ?`,
		at.Format(time.RFC3339), status, taskID, sessionID, userID)
	return err
}

// IsAPIKeyCurrent reports whether apiKey is still the live key for
// userID, used to detect a superseded agent (session_invalidated).
func (s *Store) IsAPIKeyCurrent(ctx context.Context, userID, apiKey string) (bool, error) {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT api_key FROM agents WHERE user_id = ?`, userID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return current == apiKey, nil
}
