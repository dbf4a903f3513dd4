package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/formscout/controlplane/internal/domain"
)

var ErrNotFound = errors.New("store: not found")

func scanCompany(row interface{ Scan(...any) error }) (domain.Company, error) {
	var c domain.Company
	var lastReset string
	var trialStart sql.NullString
	err := row.Scan(&c.ID, &c.AccessModel, &c.AccessStatus, &c.DailyAIBudget,
		&c.AIUsedToday, &lastReset, &trialStart, &c.TrialDaysTotal)
	if err != nil {
		return c, err
	}
	c.LastUsageResetDate, _ = time.Parse(time.RFC3339, lastReset)
	if trialStart.Valid && trialStart.String != "" {
		t, _ := time.Parse(time.RFC3339, trialStart.String)
		c.TrialStartDate = &t
	}
	return c, nil
}

func (s *Store) GetCompany(ctx context.Context, id string) (domain.Company, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, access_model, access_status, daily_ai_budget,
		ai_used_today, last_usage_reset_date, trial_start_date, trial_days_total
		FROM companies WHERE id = ?`, id)
	c, err := scanCompany(row)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

// GetCompanyForUpdate reads a Company inside tx, intended to be called
// after a BEGIN IMMEDIATE acquires the row lock for this company.
func GetCompanyForUpdate(ctx context.Context, tx *ImmediateTx, id string) (domain.Company, error) {
	row := tx.QueryRowContext(ctx, `SELECT id, access_model, access_status, daily_ai_budget,
		ai_used_today, last_usage_reset_date, trial_start_date, trial_days_total
		FROM companies WHERE id = ?`, id)
	c, err := scanCompany(row)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

func (s *Store) UpsertCompany(ctx context.Context, c domain.Company) error {
	var trialStart any
	if c.TrialStartDate != nil {
		trialStart = c.TrialStartDate.Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO companies
		(id, access_model, access_status, daily_ai_budget, ai_used_today, last_usage_reset_date, trial_start_date, trial_days_total)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET access_model=excluded.access_model, access_status=excluded.access_status,
		daily_ai_budget=excluded.daily_ai_budget, ai_used_today=excluded.ai_used_today,
		last_usage_reset_date=excluded.last_usage_reset_date, trial_start_date=excluded.trial_start_date,
		trial_days_total=excluded.trial_days_total`,
		c.ID, c.AccessModel, c.AccessStatus, c.DailyAIBudget, c.AIUsedToday,
		c.LastUsageResetDate.Format(time.RFC3339), trialStart, c.TrialDaysTotal)
	return err
}

// UpdateDailyUsage writes back ai_used_today and last_usage_reset_date
// inside tx, the Budget Gate's post-record write for early_access mode.
func UpdateDailyUsage(ctx context.Context, tx *ImmediateTx, companyID string, used float64, resetDate time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE companies SET ai_used_today = ?, last_usage_reset_date = ? WHERE id = ?`,
		used, resetDate.Format(time.RFC3339), companyID)
	return err
}
