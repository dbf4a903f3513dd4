package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/formscout/controlplane/internal/apierrors"
	"github.com/formscout/controlplane/internal/cache"
	"github.com/formscout/controlplane/internal/domain"
	"github.com/formscout/controlplane/internal/logging"
	"github.com/formscout/controlplane/internal/notifications"
	"github.com/formscout/controlplane/internal/store"
)

const accessCacheTTL = 60 * time.Second

// Gate is the Budget Gate (C1).
type Gate struct {
	store   *store.Store
	cache   cache.Cache
	pricing Pricing
	notify  notifications.EmailNotifier
	log     logging.Logger
}

func NewGate(s *store.Store, c cache.Cache, notify notifications.EmailNotifier) *Gate {
	return &Gate{store: s, cache: c, pricing: DefaultPricing(), notify: notify, log: logging.Component("budget")}
}

// accessClassification is what the 60s access cache stores.
type accessClassification struct {
	Mode   domain.AccessModel `json:"mode"`
	Status domain.AccessStatus `json:"status"`
}

func accessCacheKey(companyID string) string { return "access:" + companyID }

func (g *Gate) classify(ctx context.Context, companyID string) (accessClassification, domain.Company, error) {
	if raw, ok, err := g.cache.Get(ctx, accessCacheKey(companyID)); err == nil && ok {
		var ac accessClassification
		if json.Unmarshal([]byte(raw), &ac) == nil {
			// Cached classification still needs a fresh Company row for
			// budget math (access cache only memoizes mode/status).
			c, err := g.store.GetCompany(ctx, companyID)
			if err != nil {
				return ac, c, err
			}
			return ac, c, nil
		}
	}
	c, err := g.store.GetCompany(ctx, companyID)
	if err != nil {
		return accessClassification{}, c, err
	}
	ac := accessClassification{Mode: c.AccessModel, Status: c.AccessStatus}
	raw, _ := json.Marshal(ac)
	_ = g.cache.Set(ctx, accessCacheKey(companyID), string(raw), accessCacheTTL)
	return ac, c, nil
}

// Check runs the admission algorithm of spec.md §4.1 and returns
// (allowed, remaining, total). BYOK returns (true, +Inf, +Inf).
func (g *Gate) Check(ctx context.Context, companyID, productID string, estimatedCost float64) (bool, float64, float64, error) {
	ac, company, err := g.classify(ctx, companyID)
	if err != nil {
		if err == store.ErrNotFound {
			return false, 0, 0, &apierrors.AccessDenied{Reason: apierrors.CodeCompanyNotFound}
		}
		return false, 0, 0, err
	}
	if ac.Status == domain.AccessPending {
		return false, 0, 0, &apierrors.AccessDenied{Reason: apierrors.CodeAccessPending}
	}
	if ac.Status == domain.AccessRevoked {
		return false, 0, 0, &apierrors.AccessDenied{Reason: apierrors.CodeAccessDenied}
	}

	switch ac.Mode {
	case domain.AccessBYOK:
		sub, err := g.store.GetSubscription(ctx, companyID, productID)
		if err != nil || !sub.IsBYOK() {
			return false, 0, 0, &apierrors.AccessDenied{Reason: apierrors.CodeNoAPIKey}
		}
		return true, math.Inf(1), math.Inf(1), nil

	case domain.AccessEarlyAccess:
		if company.TrialStartDate == nil {
			return false, 0, 0, &apierrors.AccessDenied{Reason: apierrors.CodeTrialExpired}
		}
		trialEnd := company.TrialStartDate.AddDate(0, 0, company.TrialDaysTotal)
		if !trialEnd.After(time.Now()) {
			return false, 0, 0, &apierrors.AccessDenied{Reason: apierrors.CodeTrialExpired}
		}
		used := company.AIUsedToday
		if time.Since(company.LastUsageResetDate) >= 24*time.Hour {
			used = 0
		}
		remaining := company.DailyAIBudget - used
		if remaining < estimatedCost {
			if g.notify != nil {
				_ = g.notify.NotifyBudgetExhausted(companyID, used, company.DailyAIBudget)
			}
			return false, remaining, company.DailyAIBudget, &apierrors.BudgetExceeded{
				CompanyID: companyID, Total: company.DailyAIBudget, Used: used,
			}
		}
		return true, remaining, company.DailyAIBudget, nil

	case domain.AccessLegacy:
		sub, err := g.store.GetSubscription(ctx, companyID, productID)
		if err != nil {
			return false, 0, 0, &apierrors.AccessDenied{Reason: apierrors.CodeCompanyNotFound}
		}
		used := sub.ClaudeUsedThisMonth
		if !sub.BudgetResetDate.After(time.Now()) {
			used = 0
		}
		remaining := sub.MonthlyClaudeBudget - used
		if remaining < estimatedCost {
			if g.notify != nil {
				_ = g.notify.NotifyBudgetExhausted(companyID, used, sub.MonthlyClaudeBudget)
			}
			return false, remaining, sub.MonthlyClaudeBudget, &apierrors.BudgetExceeded{
				CompanyID: companyID, Total: sub.MonthlyClaudeBudget, Used: used,
			}
		}
		return true, remaining, sub.MonthlyClaudeBudget, nil

	default:
		return false, 0, 0, &apierrors.AccessDenied{Reason: apierrors.CodeAccessDenied, Detail: "unrecognized access_model"}
	}
}

// UsageResult is RecordUsage's return value.
type UsageResult struct {
	Tokens    int64
	Cost      float64
	Remaining float64
}

// RecordUsage atomically updates the right counter and appends an
// ApiUsage row, then invalidates the access cache entry. BYOK companies
// get the ApiUsage row only: no counter update and no cache invalidation.
func (g *Gate) RecordUsage(ctx context.Context, companyID, productID, userID string, op OperationType, inputTokens, outputTokens int64, crawlSessionID string) (UsageResult, error) {
	cost := g.pricing.CostFor(op, inputTokens, outputTokens)
	tokens := inputTokens + outputTokens

	ac, _, err := g.classify(ctx, companyID)
	if err != nil {
		return UsageResult{}, err
	}
	if ac.Mode == domain.AccessBYOK {
		// BYOK still gets an ApiUsage row for reporting, but no counter.
		tx, err := g.store.BeginImmediate(ctx)
		if err != nil {
			return UsageResult{}, err
		}
		if err := store.InsertUsage(ctx, tx, domain.ApiUsage{
			CompanyID: companyID, ProductID: productID, UserID: userID, CrawlSessionID: crawlSessionID,
			OperationType: string(op), TokensUsed: tokens, APICost: cost, Timestamp: time.Now(),
		}); err != nil {
			tx.Rollback(ctx)
			return UsageResult{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return UsageResult{}, err
		}
		return UsageResult{Tokens: tokens, Cost: cost, Remaining: math.Inf(1)}, nil
	}

	tx, err := g.store.BeginImmediate(ctx)
	if err != nil {
		return UsageResult{}, err
	}
	var remaining float64
	if ac.Mode == domain.AccessEarlyAccess {
		company, err := store.GetCompanyForUpdate(ctx, tx, companyID)
		if err != nil {
			tx.Rollback(ctx)
			return UsageResult{}, err
		}
		used := company.AIUsedToday
		resetDate := company.LastUsageResetDate
		if time.Since(resetDate) >= 24*time.Hour {
			used = 0
			resetDate = time.Now()
		}
		used += cost
		if err := store.UpdateDailyUsage(ctx, tx, companyID, used, resetDate); err != nil {
			tx.Rollback(ctx)
			return UsageResult{}, err
		}
		remaining = company.DailyAIBudget - used
	} else {
		sub, err := store.GetSubscriptionForUpdate(ctx, tx, companyID, productID)
		if err != nil {
			tx.Rollback(ctx)
			return UsageResult{}, err
		}
		used := sub.ClaudeUsedThisMonth
		resetDate := sub.BudgetResetDate
		if !resetDate.After(time.Now()) {
			used = 0
			resetDate = firstOfNextMonth(time.Now())
		}
		used += cost
		if err := store.UpdateMonthlyUsage(ctx, tx, companyID, productID, used, resetDate); err != nil {
			tx.Rollback(ctx)
			return UsageResult{}, err
		}
		remaining = sub.MonthlyClaudeBudget - used
	}

	if err := store.InsertUsage(ctx, tx, domain.ApiUsage{
		CompanyID: companyID, ProductID: productID, UserID: userID, CrawlSessionID: crawlSessionID,
		OperationType: string(op), TokensUsed: tokens, APICost: cost, Timestamp: time.Now(),
	}); err != nil {
		tx.Rollback(ctx)
		return UsageResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return UsageResult{}, err
	}
	_ = g.cache.Delete(ctx, accessCacheKey(companyID))
	return UsageResult{Tokens: tokens, Cost: cost, Remaining: remaining}, nil
}

func firstOfNextMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, t.Location())
}

// BatchEntry is one RecordBatch item.
type BatchEntry struct {
	CompanyID      string
	ProductID      string
	UserID         string
	Op             OperationType
	InputTokens    int64
	OutputTokens   int64
	CrawlSessionID string
}

// RecordBatch groups entries by (company_id, product_id) and acquires
// locks in ascending (company_id, product_id) order to avoid deadlock,
// per spec.md §4.1. Each group commits as one transaction: a single
// counter update carrying the group's summed cost, and one ApiUsage row
// insert per entry.
func (g *Gate) RecordBatch(ctx context.Context, entries []BatchEntry) error {
	type key struct{ company, product string }
	groups := make(map[key][]BatchEntry)
	for _, e := range entries {
		k := key{e.CompanyID, e.ProductID}
		groups[k] = append(groups[k], e)
	}
	keys := make([]key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].company != keys[j].company {
			return keys[i].company < keys[j].company
		}
		return keys[i].product < keys[j].product
	})
	for _, k := range keys {
		if err := g.recordGroup(ctx, k.company, k.product, groups[k]); err != nil {
			return fmt.Errorf("budget: record batch for %s/%s: %w", k.company, k.product, err)
		}
	}
	return nil
}

// recordGroup books every entry sharing one (company_id, product_id)
// pair inside a single transaction.
func (g *Gate) recordGroup(ctx context.Context, companyID, productID string, entries []BatchEntry) error {
	ac, _, err := g.classify(ctx, companyID)
	if err != nil {
		return err
	}

	tx, err := g.store.BeginImmediate(ctx)
	if err != nil {
		return err
	}

	if ac.Mode != domain.AccessBYOK {
		var total float64
		for _, e := range entries {
			total += g.pricing.CostFor(e.Op, e.InputTokens, e.OutputTokens)
		}
		if ac.Mode == domain.AccessEarlyAccess {
			company, err := store.GetCompanyForUpdate(ctx, tx, companyID)
			if err != nil {
				tx.Rollback(ctx)
				return err
			}
			used := company.AIUsedToday
			resetDate := company.LastUsageResetDate
			if time.Since(resetDate) >= 24*time.Hour {
				used = 0
				resetDate = time.Now()
			}
			used += total
			if err := store.UpdateDailyUsage(ctx, tx, companyID, used, resetDate); err != nil {
				tx.Rollback(ctx)
				return err
			}
		} else {
			sub, err := store.GetSubscriptionForUpdate(ctx, tx, companyID, productID)
			if err != nil {
				tx.Rollback(ctx)
				return err
			}
			used := sub.ClaudeUsedThisMonth
			resetDate := sub.BudgetResetDate
			if !resetDate.After(time.Now()) {
				used = 0
				resetDate = firstOfNextMonth(time.Now())
			}
			used += total
			if err := store.UpdateMonthlyUsage(ctx, tx, companyID, productID, used, resetDate); err != nil {
				tx.Rollback(ctx)
				return err
			}
		}
	}

	for _, e := range entries {
		cost := g.pricing.CostFor(e.Op, e.InputTokens, e.OutputTokens)
		if err := store.InsertUsage(ctx, tx, domain.ApiUsage{
			CompanyID: companyID, ProductID: productID, UserID: e.UserID, CrawlSessionID: e.CrawlSessionID,
			OperationType: string(e.Op), TokensUsed: e.InputTokens + e.OutputTokens, APICost: cost, Timestamp: time.Now(),
		}); err != nil {
			tx.Rollback(ctx)
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	if ac.Mode != domain.AccessBYOK {
		_ = g.cache.Delete(ctx, accessCacheKey(companyID))
	}
	return nil
}
