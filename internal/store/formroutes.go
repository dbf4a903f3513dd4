package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/formscout/controlplane/internal/domain"
)

// InsertFormPageRoute writes a route once. Unique(project_id, url)
// enforces the "unique within project" invariant at the storage layer.
func (s *Store) InsertFormPageRoute(ctx context.Context, r domain.FormPageRoute) error {
	steps, err := json.Marshal(r.NavigationSteps)
	if err != nil {
		return err
	}
	idFields, err := json.Marshal(r.IDFields)
	if err != nil {
		return err
	}
	parentFields, err := json.Marshal(r.ParentFields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO form_page_routes
		(id, project_id, network_id, crawl_session_id, form_name, url, login_url, username,
		 navigation_steps, id_fields, parent_fields, is_root, parent_form_route_id,
		 verification_attempts, last_verified_at, discovery_method, depth)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		r.ID, r.ProjectID, r.NetworkID, r.CrawlSessionID, r.FormName, r.URL, r.LoginURL, r.Username,
		steps, idFields, parentFields, boolToInt(r.IsRoot), r.ParentFormRouteID,
		r.VerificationAttempts, r.DiscoveryMethod, r.Depth)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanFormPageRoute(row interface{ Scan(...any) error }) (domain.FormPageRoute, error) {
	var r domain.FormPageRoute
	var steps, idFields, parentFields []byte
	var isRoot int
	var lastVerified sql.NullString
	err := row.Scan(&r.ID, &r.ProjectID, &r.NetworkID, &r.CrawlSessionID, &r.FormName, &r.URL,
		&r.LoginURL, &r.Username, &steps, &idFields, &parentFields, &isRoot, &r.ParentFormRouteID,
		&r.VerificationAttempts, &lastVerified, &r.DiscoveryMethod, &r.Depth)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.IsRoot = isRoot == 1
	_ = json.Unmarshal(steps, &r.NavigationSteps)
	_ = json.Unmarshal(idFields, &r.IDFields)
	_ = json.Unmarshal(parentFields, &r.ParentFields)
	if lastVerified.Valid && lastVerified.String != "" {
		t, _ := time.Parse(time.RFC3339, lastVerified.String)
		r.LastVerifiedAt = &t
	}
	return r, nil
}

const formRouteColumns = `id, project_id, network_id, crawl_session_id, form_name, url, login_url, username,
		navigation_steps, id_fields, parent_fields, is_root, parent_form_route_id,
		verification_attempts, last_verified_at, discovery_method, depth`

func (s *Store) GetFormPageRoute(ctx context.Context, id string) (domain.FormPageRoute, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+formRouteColumns+` FROM form_page_routes WHERE id = ?`, id)
	return scanFormPageRoute(row)
}

func (s *Store) ListFormPageRoutesBySession(ctx context.Context, crawlSessionID string) ([]domain.FormPageRoute, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+formRouteColumns+` FROM form_page_routes WHERE crawl_session_id = ?`, crawlSessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.FormPageRoute
	for rows.Next() {
		r, err := scanFormPageRoute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateVerification(ctx context.Context, id string, attempts int, verifiedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE form_page_routes SET verification_attempts = ?, last_verified_at = ?
		WHERE id = ?`, attempts, verifiedAt.Format(time.RFC3339), id)
	return err
}

func (s *Store) SetParentFormRoute(ctx context.Context, id, parentID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE form_page_routes SET parent_form_route_id = ? WHERE id = ?`, parentID, id)
	return err
}

// ReplaceProjectHierarchy atomically rebuilds a project's form forest,
// matching spec.md's "rebuilt atomically after each crawl completes".
func (s *Store) ReplaceProjectHierarchy(ctx context.Context, projectID string, edges []domain.ProjectFormHierarchy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM project_form_hierarchy WHERE project_id = ?`, projectID); err != nil {
		return err
	}
	for _, e := range edges {
		if _, err := tx.ExecContext(ctx, `INSERT INTO project_form_hierarchy (project_id, form_id, parent_form_id)
			VALUES (?, ?, ?)`, e.ProjectID, e.FormID, e.ParentFormID); err != nil {
			return err
		}
	}
	return tx.Commit()
}
