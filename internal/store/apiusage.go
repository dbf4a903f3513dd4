package store

import (
	"context"
	"time"

	"github.com/formscout/controlplane/internal/domain"
)

// InsertUsage appends one ApiUsage row inside the caller's ImmediateTx.
// For budgeted companies that tx also carries the budget counter update,
// so the two writes commit atomically; BYOK usage rows are written with
// no counter update.
func InsertUsage(ctx context.Context, tx *ImmediateTx, u domain.ApiUsage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO api_usage
		(company_id, product_id, user_id, crawl_session_id, operation_type, tokens_used, api_cost, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.CompanyID, u.ProductID, u.UserID, u.CrawlSessionID, u.OperationType, u.TokensUsed, u.APICost,
		u.Timestamp.Format(time.RFC3339))
	return err
}

func (s *Store) SumUsageForSession(ctx context.Context, crawlSessionID string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(api_cost), 0) FROM api_usage WHERE crawl_session_id = ?`,
		crawlSessionID).Scan(&total)
	return total, err
}
