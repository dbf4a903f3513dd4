package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/formscout/controlplane/internal/domain"
)

func scanSubscription(row interface{ Scan(...any) error }) (domain.Subscription, error) {
	var sub domain.Subscription
	var resetDate string
	err := row.Scan(&sub.CompanyID, &sub.ProductID, &sub.MonthlyClaudeBudget,
		&sub.ClaudeUsedThisMonth, &resetDate, &sub.CustomerClaudeAPIKey)
	if err != nil {
		return sub, err
	}
	sub.BudgetResetDate, _ = time.Parse(time.RFC3339, resetDate)
	return sub, nil
}

func (s *Store) GetSubscription(ctx context.Context, companyID, productID string) (domain.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT company_id, product_id, monthly_claude_budget,
		claude_used_this_month, budget_reset_date, customer_claude_api_key
		FROM subscriptions WHERE company_id = ? AND product_id = ?`, companyID, productID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sub, ErrNotFound
	}
	return sub, err
}

func GetSubscriptionForUpdate(ctx context.Context, tx *ImmediateTx, companyID, productID string) (domain.Subscription, error) {
	row := tx.QueryRowContext(ctx, `SELECT company_id, product_id, monthly_claude_budget,
		claude_used_this_month, budget_reset_date, customer_claude_api_key
		FROM subscriptions WHERE company_id = ? AND product_id = ?`, companyID, productID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sub, ErrNotFound
	}
	return sub, err
}

func (s *Store) UpsertSubscription(ctx context.Context, sub domain.Subscription) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO subscriptions
		(company_id, product_id, monthly_claude_budget, claude_used_this_month, budget_reset_date, customer_claude_api_key)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(company_id, product_id) DO UPDATE SET
		monthly_claude_budget=excluded.monthly_claude_budget,
		claude_used_this_month=excluded.claude_used_this_month,
		budget_reset_date=excluded.budget_reset_date,
		customer_claude_api_key=excluded.customer_claude_api_key`,
		sub.CompanyID, sub.ProductID, sub.MonthlyClaudeBudget, sub.ClaudeUsedThisMonth,
		sub.BudgetResetDate.Format(time.RFC3339), sub.CustomerClaudeAPIKey)
	return err
}

func UpdateMonthlyUsage(ctx context.Context, tx *ImmediateTx, companyID, productID string, used float64, resetDate time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE subscriptions SET claude_used_this_month = ?, budget_reset_date = ?
		WHERE company_id = ? AND product_id = ?`, used, resetDate.Format(time.RFC3339), companyID, productID)
	return err
}

