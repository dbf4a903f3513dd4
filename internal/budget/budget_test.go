package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/formscout/controlplane/internal/apierrors"
	"github.com/formscout/controlplane/internal/cache"
	"github.com/formscout/controlplane/internal/domain"
	"github.com/formscout/controlplane/internal/store"
)

func newTestGate(t *testing.T) (*Gate, *store.Store) {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewGate(s, cache.NewMemory(), nil), s
}

func TestCheck_LegacyWithinBudget(t *testing.T) {
	g, s := newTestGate(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertCompany(ctx, domain.Company{
		ID: "c1", AccessModel: domain.AccessLegacy, AccessStatus: domain.AccessActive,
		LastUsageResetDate: time.Now(),
	}))
	require.NoError(t, s.UpsertSubscription(ctx, domain.Subscription{
		CompanyID: "c1", ProductID: "p1", MonthlyClaudeBudget: 10, ClaudeUsedThisMonth: 0,
		BudgetResetDate: time.Now().AddDate(0, 1, 0),
	}))
	allowed, remaining, total, err := g.Check(ctx, "c1", "p1", 0.5)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, 10.0, total)
	require.Equal(t, 10.0, remaining)
}

func TestCheck_BudgetExactlyUsedIsDenied(t *testing.T) {
	g, s := newTestGate(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertCompany(ctx, domain.Company{
		ID: "c1", AccessModel: domain.AccessLegacy, AccessStatus: domain.AccessActive,
		LastUsageResetDate: time.Now(),
	}))
	require.NoError(t, s.UpsertSubscription(ctx, domain.Subscription{
		CompanyID: "c1", ProductID: "p1", MonthlyClaudeBudget: 10, ClaudeUsedThisMonth: 10,
		BudgetResetDate: time.Now().AddDate(0, 1, 0),
	}))
	allowed, remaining, _, err := g.Check(ctx, "c1", "p1", 0.0001)
	require.Error(t, err)
	require.False(t, allowed)
	require.Equal(t, 0.0, remaining)
	var be *apierrors.BudgetExceeded
	require.ErrorAs(t, err, &be)
}

func TestCheck_TrialExpiredExactlyNow(t *testing.T) {
	g, s := newTestGate(t)
	ctx := context.Background()
	start := time.Now().AddDate(0, 0, -7)
	require.NoError(t, s.UpsertCompany(ctx, domain.Company{
		ID: "c1", AccessModel: domain.AccessEarlyAccess, AccessStatus: domain.AccessActive,
		TrialStartDate: &start, TrialDaysTotal: 7, DailyAIBudget: 1, LastUsageResetDate: time.Now(),
	}))
	allowed, _, _, err := g.Check(ctx, "c1", "p1", 0.01)
	require.Error(t, err)
	require.False(t, allowed)
	var ad *apierrors.AccessDenied
	require.ErrorAs(t, err, &ad)
	require.Equal(t, apierrors.CodeTrialExpired, ad.Code())
}

func TestCheck_BYOKUnlimited(t *testing.T) {
	g, s := newTestGate(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertCompany(ctx, domain.Company{
		ID: "c1", AccessModel: domain.AccessBYOK, AccessStatus: domain.AccessActive,
		LastUsageResetDate: time.Now(),
	}))
	require.NoError(t, s.UpsertSubscription(ctx, domain.Subscription{
		CompanyID: "c1", ProductID: "p1", CustomerClaudeAPIKey: "ciphertext",
		BudgetResetDate: time.Now().AddDate(0, 1, 0),
	}))
	allowed, remaining, total, err := g.Check(ctx, "c1", "p1", 1000)
	require.NoError(t, err)
	require.True(t, allowed)
	require.True(t, remaining > 1e300)
	require.True(t, total > 1e300)
}

func TestRecordUsage_MonotoneCounterAcrossConcurrentCalls(t *testing.T) {
	g, s := newTestGate(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertCompany(ctx, domain.Company{
		ID: "c1", AccessModel: domain.AccessLegacy, AccessStatus: domain.AccessActive,
		LastUsageResetDate: time.Now(),
	}))
	require.NoError(t, s.UpsertSubscription(ctx, domain.Subscription{
		CompanyID: "c1", ProductID: "p1", MonthlyClaudeBudget: 1000, ClaudeUsedThisMonth: 0,
		BudgetResetDate: time.Now().AddDate(0, 1, 0),
	}))

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := g.RecordUsage(ctx, "c1", "p1", "u1", OpFormMapperAnalyze, 1_000_000, 0, "")
			errs <- err
		}()
	}
	var total float64
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	sub, err := s.GetSubscription(ctx, "c1", "p1")
	require.NoError(t, err)
	total = sub.ClaudeUsedThisMonth
	require.InDelta(t, float64(n)*3.0, total, 1e-6)
}

func TestCost_Model(t *testing.T) {
	p := DefaultPricing()
	require.InDelta(t, 3.0, p.TextCost(1_000_000, 0), 1e-9)
	require.InDelta(t, 15.0, p.TextCost(0, 1_000_000), 1e-9)
}
