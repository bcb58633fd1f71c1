// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package budget projects request costs against balances and spending
// limits. The tracker is read-only: it fetches balance and spending figures
// through a narrow Fetcher and decides locally; the ledger and the backing
// store own the actual balances. Every ambiguous lookup fails closed.
package budget

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tollgate/platform/shared/logger"
)

// Fetcher retrieves budget figures from the backing store. Implementations
// must be safe for concurrent use.
type Fetcher interface {
	FetchAvailableBalance(ctx context.Context, principalID, projectID string) (float64, error)
	FetchBudgetStatus(ctx context.Context, principalID, projectID string) (*Status, error)
	FetchSpending(ctx context.Context, principalID, projectID string, period Period) (float64, error)
	FetchAnalytics(ctx context.Context, principalID, projectID string, period Period, start, end time.Time) (*Analytics, error)
}

// DefaultCacheTTL bounds how stale a cached budget status may be. Budgets
// move with every settlement, so the window is short.
const DefaultCacheTTL = 30 * time.Second

type statusEntry struct {
	status   *Status
	cachedAt time.Time
}

// Options configures a Tracker.
type Options struct {
	CacheTTL time.Duration
}

// Tracker checks balances and spending limits for the decision pipeline.
type Tracker struct {
	fetcher  Fetcher
	log      *logger.Logger
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]statusEntry
}

// NewTracker creates a budget tracker over the given fetcher.
func NewTracker(fetcher Fetcher, opts Options) *Tracker {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Tracker{
		fetcher:  fetcher,
		log:      logger.New("budget-tracker"),
		cacheTTL: ttl,
		now:      time.Now,
		cache:    make(map[string]statusEntry),
	}
}

// AvailableBalance returns the current available balance.
func (t *Tracker) AvailableBalance(ctx context.Context, principalID, projectID string) (float64, error) {
	balance, err := t.fetcher.FetchAvailableBalance(ctx, principalID, projectID)
	if err != nil {
		return 0, fmt.Errorf("fetch balance for %s/%s: %w", principalID, projectID, err)
	}
	return balance, nil
}

// CheckSufficient reports whether the principal can cover the amount. A
// lookup failure yields an insufficient result, never an approval.
func (t *Tracker) CheckSufficient(ctx context.Context, principalID, projectID string, amount float64) *Check {
	available, err := t.AvailableBalance(ctx, principalID, projectID)
	if err != nil {
		t.log.Error(principalID, "", "budget check failed", map[string]interface{}{
			"project_id": projectID,
			"error":      err.Error(),
		})
		check := NewCheck(false, 0, amount)
		check.Message = fmt.Sprintf("Budget check error: %v", err)
		return check
	}
	return NewCheck(available >= amount, available, amount)
}

// Status returns the full budget status, served from a short-lived cache
// unless useCache is false.
func (t *Tracker) Status(ctx context.Context, principalID, projectID string, useCache bool) (*Status, error) {
	key := principalID + ":" + projectID

	if useCache {
		t.mu.RLock()
		entry, ok := t.cache[key]
		t.mu.RUnlock()
		if ok && t.now().Sub(entry.cachedAt) < t.cacheTTL {
			return entry.status, nil
		}
	}

	status, err := t.fetcher.FetchBudgetStatus(ctx, principalID, projectID)
	if err != nil {
		return nil, fmt.Errorf("fetch budget status for %s/%s: %w", principalID, projectID, err)
	}
	status.PrincipalID = principalID
	status.ProjectID = projectID
	if status.Currency == "" {
		status.Currency = "USDC"
	}
	if status.CheckedAt.IsZero() {
		status.CheckedAt = t.now().UTC()
	}
	status.deriveFlags()

	t.mu.Lock()
	t.cache[key] = statusEntry{status: status, cachedAt: t.now()}
	t.mu.Unlock()

	return status, nil
}

// Spending returns total spending for the period.
func (t *Tracker) Spending(ctx context.Context, principalID, projectID string, period Period) (float64, error) {
	spent, err := t.fetcher.FetchSpending(ctx, principalID, projectID, period)
	if err != nil {
		return 0, fmt.Errorf("fetch %s spending for %s/%s: %w", period, principalID, projectID, err)
	}
	return spent, nil
}

// Analytics returns the spending breakdown for a period. Zero start/end
// default to the period's trailing window ending now.
func (t *Tracker) Analytics(ctx context.Context, principalID, projectID string, period Period, start, end time.Time) (*Analytics, error) {
	if end.IsZero() {
		end = t.now().UTC()
	}
	if start.IsZero() {
		start = end.Add(-periodWindow(period))
	}

	analytics, err := t.fetcher.FetchAnalytics(ctx, principalID, projectID, period, start, end)
	if err != nil {
		return nil, fmt.Errorf("fetch analytics for %s/%s: %w", principalID, projectID, err)
	}
	analytics.PrincipalID = principalID
	analytics.ProjectID = projectID
	analytics.Period = period
	analytics.StartDate = start
	analytics.EndDate = end
	return analytics, nil
}

func periodWindow(period Period) time.Duration {
	switch period {
	case PeriodHourly:
		return time.Hour
	case PeriodDaily:
		return 24 * time.Hour
	case PeriodWeekly:
		return 7 * 24 * time.Hour
	case PeriodYearly:
		return 365 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// CheckAgainstPolicy projects the amount against the available balance and
// every configured limit, accumulating all violations. Any lookup failure
// fails closed with the error as the single violation.
func (t *Tracker) CheckAgainstPolicy(ctx context.Context, principalID, projectID string, amount float64, limits Limits) *PolicyCheck {
	status, err := t.Status(ctx, principalID, projectID, true)
	if err != nil {
		t.log.Error(principalID, "", "budget policy check failed", map[string]interface{}{
			"project_id": projectID,
			"error":      err.Error(),
		})
		return &PolicyCheck{
			Available:     false,
			EstimatedCost: amount,
			Violations:    []string{fmt.Sprintf("Budget policy check error: %v", err)},
			CheckedAt:     t.now().UTC(),
		}
	}

	var violations []string
	if amount > status.AvailableBalance {
		violations = append(violations,
			fmt.Sprintf("Insufficient balance: need $%.4f, have $%.4f", amount, status.AvailableBalance))
	}
	if limits.PerRequestLimit > 0 && amount > limits.PerRequestLimit {
		violations = append(violations,
			fmt.Sprintf("Exceeds per-request limit: $%.4f > $%.4f", amount, limits.PerRequestLimit))
	}
	if limits.DailyLimit > 0 {
		if projected := status.SpentToday + amount; projected > limits.DailyLimit {
			violations = append(violations,
				fmt.Sprintf("Would exceed daily limit: $%.4f > $%.4f", projected, limits.DailyLimit))
		}
	}
	if limits.MonthlyLimit > 0 {
		if projected := status.SpentThisMonth + amount; projected > limits.MonthlyLimit {
			violations = append(violations,
				fmt.Sprintf("Would exceed monthly limit: $%.4f > $%.4f", projected, limits.MonthlyLimit))
		}
	}

	check := &PolicyCheck{
		Available:      len(violations) == 0,
		CurrentBalance: status.AvailableBalance,
		EstimatedCost:  amount,
		Violations:     violations,
		CheckedAt:      t.now().UTC(),
	}
	if check.Available {
		check.RemainingBudget = status.AvailableBalance - amount
	}
	return check
}

// ClearCache drops cached statuses. With both arguments empty the whole
// cache is cleared; with only a principal, that principal's entries go.
func (t *Tracker) ClearCache(principalID, projectID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case principalID != "" && projectID != "":
		delete(t.cache, principalID+":"+projectID)
	case principalID != "":
		prefix := principalID + ":"
		for key := range t.cache {
			if strings.HasPrefix(key, prefix) {
				delete(t.cache, key)
			}
		}
	default:
		t.cache = make(map[string]statusEntry)
	}
}
