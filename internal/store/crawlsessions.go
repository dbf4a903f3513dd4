package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/formscout/controlplane/internal/domain"
)

func (s *Store) CreateCrawlSession(ctx context.Context, cs domain.CrawlSession) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO crawl_sessions
		(id, company_id, product_id, project_id, network_id, user_id, status,
		 pages_crawled, forms_found, error_code, error_message, started_at, completed_at, cancel_requested)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, '', '', ?, NULL, 0)`,
		cs.ID, cs.CompanyID, cs.ProductID, cs.ProjectID, cs.NetworkID, cs.UserID, cs.Status,
		cs.StartedAt.Format(time.RFC3339))
	return err
}

func scanCrawlSession(row interface{ Scan(...any) error }) (domain.CrawlSession, error) {
	var cs domain.CrawlSession
	var started string
	var completed sql.NullString
	err := row.Scan(&cs.ID, &cs.CompanyID, &cs.ProductID, &cs.ProjectID, &cs.NetworkID, &cs.UserID,
		&cs.Status, &cs.PagesCrawled, &cs.FormsFound, &cs.ErrorCode, &cs.ErrorMessage, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return cs, ErrNotFound
	}
	if err != nil {
		return cs, err
	}
	cs.StartedAt, _ = time.Parse(time.RFC3339, started)
	if completed.Valid && completed.String != "" {
		t, _ := time.Parse(time.RFC3339, completed.String)
		cs.CompletedAt = &t
	}
	return cs, nil
}

func (s *Store) GetCrawlSession(ctx context.Context, id string) (domain.CrawlSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, company_id, product_id, project_id, network_id, user_id,
		status, pages_crawled, forms_found, error_code, error_message, started_at, completed_at
		FROM crawl_sessions WHERE id = ?`, id)
	return scanCrawlSession(row)
}

func (s *Store) UpdateCrawlProgress(ctx context.Context, id string, pagesCrawled, formsFound int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE crawl_sessions SET pages_crawled = ?, forms_found = ?
		WHERE id = ?`, pagesCrawled, formsFound, id)
	return err
}

// FinishCrawlSession transitions to a terminal status. No-op (but not
// an error) if the session is already terminal, matching the cancel
// idempotence invariant.
func (s *Store) FinishCrawlSession(ctx context.Context, id string, status domain.CrawlSessionStatus, errCode, errMsg string, at time.Time) error {
	cur, err := s.GetCrawlSession(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status.Terminal() {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `UPDATE crawl_sessions SET status = ?, error_code = ?, error_message = ?,
		completed_at = ? WHERE id = ?`, status, errCode, errMsg, at.Format(time.RFC3339), id)
	return err
}

// RequestCancel finishes a pending session as cancelled (USER_CANCELLED)
// at once, and otherwise sets the cancel flag read by the agent's next
// heartbeat. A no-op on an already-terminal session.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	cur, err := s.GetCrawlSession(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status.Terminal() {
		return nil
	}
	if cur.Status == domain.CrawlPending {
		return s.FinishCrawlSession(ctx, id, domain.CrawlCancelled, "USER_CANCELLED", "cancelled before dispatch", time.Now())
	}
	_, err = s.db.ExecContext(ctx, `UPDATE crawl_sessions SET cancel_requested = 1 WHERE id = ?`, id)
	return err
}

func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM crawl_sessions WHERE id = ?`, id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return flag == 1, err
}

// MarkDisconnectedIfStale lazily transitions a running session to
// failed(AGENT_DISCONNECTED) if its agent's heartbeat is older than
// timeout, per spec.md's "no background sweeper required" design.
func (s *Store) MarkDisconnectedIfStale(ctx context.Context, id string, lastHeartbeat time.Time, timeout time.Duration) error {
	cur, err := s.GetCrawlSession(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status != domain.CrawlRunning {
		return nil
	}
	if time.Since(lastHeartbeat) <= timeout {
		return nil
	}
	return s.FinishCrawlSession(ctx, id, domain.CrawlFailed, "AGENT_DISCONNECTED", "agent heartbeat lapsed", time.Now())
}
