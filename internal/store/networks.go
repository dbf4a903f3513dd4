package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/formscout/controlplane/internal/domain"
)

func (s *Store) GetNetwork(ctx context.Context, id string) (domain.Network, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, project_id, company_id, name, base_url, username, password,
		login_stages, logout_stages, use_vision FROM networks WHERE id = ?`, id)
	return scanNetwork(row)
}

func scanNetwork(row interface{ Scan(...any) error }) (domain.Network, error) {
	var n domain.Network
	var loginStages, logoutStages []byte
	var useVision int
	err := row.Scan(&n.ID, &n.ProjectID, &n.CompanyID, &n.Name, &n.BaseURL, &n.Username, &n.Password,
		&loginStages, &logoutStages, &useVision)
	if errors.Is(err, sql.ErrNoRows) {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	_ = json.Unmarshal(loginStages, &n.LoginStages)
	_ = json.Unmarshal(logoutStages, &n.LogoutStages)
	n.UseVision = useVision == 1
	return n, nil
}

func (s *Store) UpsertNetwork(ctx context.Context, n domain.Network) error {
	loginStages, err := json.Marshal(n.LoginStages)
	if err != nil {
		return err
	}
	logoutStages, err := json.Marshal(n.LogoutStages)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO networks
		(id, project_id, company_id, name, base_url, username, password, login_stages, logout_stages, use_vision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET project_id=excluded.project_id, company_id=excluded.company_id,
		name=excluded.name, base_url=excluded.base_url, username=excluded.username, password=excluded.password,
		login_stages=excluded.login_stages, logout_stages=excluded.logout_stages, use_vision=excluded.use_vision`,
		n.ID, n.ProjectID, n.CompanyID, n.Name, n.BaseURL, n.Username, n.Password,
		loginStages, logoutStages, boolToInt(n.UseVision))
	return err
}
