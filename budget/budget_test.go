// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	balance      float64
	balanceErr   error
	status       Status
	statusErr    error
	spending     float64
	spendingErr  error
	analytics    Analytics
	analyticsErr error

	balanceCalls   int
	statusCalls    int
	analyticsCalls int
}

func (f *fakeFetcher) FetchAvailableBalance(_ context.Context, _, _ string) (float64, error) {
	f.balanceCalls++
	return f.balance, f.balanceErr
}

func (f *fakeFetcher) FetchBudgetStatus(_ context.Context, _, _ string) (*Status, error) {
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	status := f.status
	return &status, nil
}

func (f *fakeFetcher) FetchSpending(_ context.Context, _, _ string, _ Period) (float64, error) {
	return f.spending, f.spendingErr
}

func (f *fakeFetcher) FetchAnalytics(_ context.Context, _, _ string, _ Period, start, end time.Time) (*Analytics, error) {
	f.analyticsCalls++
	if f.analyticsErr != nil {
		return nil, f.analyticsErr
	}
	analytics := f.analytics
	analytics.StartDate = start
	analytics.EndDate = end
	return &analytics, nil
}

func TestNewCheckMessages(t *testing.T) {
	pass := NewCheck(true, 10.0, 2.0)
	assert.True(t, pass.Sufficient)
	assert.Equal(t, "Budget check passed: $10.0000 available", pass.Message)
	assert.Zero(t, pass.Shortfall)
	assert.Equal(t, "USDC", pass.Currency)

	fail := NewCheck(false, 0.5, 2.0)
	assert.False(t, fail.Sufficient)
	assert.Equal(t, "Insufficient budget: need $2.0000, have $0.5000", fail.Message)
	assert.InDelta(t, 1.5, fail.Shortfall, 1e-9)
}

func TestCheckSufficient(t *testing.T) {
	fetcher := &fakeFetcher{balance: 5.0}
	tracker := NewTracker(fetcher, Options{})

	check := tracker.CheckSufficient(context.Background(), "prin-1", "proj-1", 2.0)
	assert.True(t, check.Sufficient)
	assert.Equal(t, 5.0, check.AvailableBalance)

	check = tracker.CheckSufficient(context.Background(), "prin-1", "proj-1", 7.5)
	assert.False(t, check.Sufficient)
	assert.InDelta(t, 2.5, check.Shortfall, 1e-9)
}

func TestCheckSufficientFailsClosedOnError(t *testing.T) {
	fetcher := &fakeFetcher{balanceErr: errors.New("store unreachable")}
	tracker := NewTracker(fetcher, Options{})

	check := tracker.CheckSufficient(context.Background(), "prin-1", "proj-1", 1.0)
	assert.False(t, check.Sufficient)
	assert.Zero(t, check.AvailableBalance)
	assert.Contains(t, check.Message, "Budget check error")
	assert.Contains(t, check.Message, "store unreachable")
}

func TestStatusDerivesFlags(t *testing.T) {
	fetcher := &fakeFetcher{status: Status{
		TotalBalance:     100,
		AvailableBalance: 15,
		SpentToday:       12,
		SpentThisMonth:   85,
		DailyLimit:       10,
		MonthlyLimit:     100,
	}}
	tracker := NewTracker(fetcher, Options{})

	status, err := tracker.Status(context.Background(), "prin-1", "proj-1", false)
	require.NoError(t, err)
	assert.Equal(t, "prin-1", status.PrincipalID)
	assert.Equal(t, "proj-1", status.ProjectID)
	assert.Equal(t, "USDC", status.Currency)
	assert.True(t, status.DailyLimitReached)
	assert.False(t, status.MonthlyLimitReached)
	assert.True(t, status.LowBalanceWarning)
	assert.False(t, status.CheckedAt.IsZero())
	assert.Equal(t, 0.0, status.RemainingToday())
	assert.InDelta(t, 15.0, status.RemainingThisMonth(), 1e-9)
}

func TestStatusNoLimitsNoFlags(t *testing.T) {
	fetcher := &fakeFetcher{status: Status{
		TotalBalance:     100,
		AvailableBalance: 90,
		SpentToday:       500,
		SpentThisMonth:   500,
	}}
	tracker := NewTracker(fetcher, Options{})

	status, err := tracker.Status(context.Background(), "prin-1", "proj-1", false)
	require.NoError(t, err)
	assert.False(t, status.DailyLimitReached)
	assert.False(t, status.MonthlyLimitReached)
	assert.False(t, status.LowBalanceWarning)
	assert.Equal(t, -1.0, status.RemainingToday())
	assert.Equal(t, -1.0, status.RemainingThisMonth())
}

func TestStatusCache(t *testing.T) {
	fetcher := &fakeFetcher{status: Status{AvailableBalance: 50}}
	tracker := NewTracker(fetcher, Options{CacheTTL: 30 * time.Second})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return base }

	_, err := tracker.Status(context.Background(), "prin-1", "proj-1", true)
	require.NoError(t, err)
	_, err = tracker.Status(context.Background(), "prin-1", "proj-1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.statusCalls)

	// A different project misses the cache.
	_, err = tracker.Status(context.Background(), "prin-1", "proj-2", true)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.statusCalls)

	// Bypassing the cache always fetches.
	_, err = tracker.Status(context.Background(), "prin-1", "proj-1", false)
	require.NoError(t, err)
	assert.Equal(t, 3, fetcher.statusCalls)

	// Expiry forces a refetch.
	tracker.now = func() time.Time { return base.Add(31 * time.Second) }
	_, err = tracker.Status(context.Background(), "prin-1", "proj-1", true)
	require.NoError(t, err)
	assert.Equal(t, 4, fetcher.statusCalls)
}

func TestClearCache(t *testing.T) {
	fetcher := &fakeFetcher{status: Status{AvailableBalance: 50}}
	tracker := NewTracker(fetcher, Options{})

	ctx := context.Background()
	for _, key := range [][2]string{{"prin-1", "proj-1"}, {"prin-1", "proj-2"}, {"prin-2", "proj-1"}} {
		_, err := tracker.Status(ctx, key[0], key[1], true)
		require.NoError(t, err)
	}
	require.Equal(t, 3, fetcher.statusCalls)

	tracker.ClearCache("prin-1", "proj-1")
	_, err := tracker.Status(ctx, "prin-1", "proj-1", true)
	require.NoError(t, err)
	assert.Equal(t, 4, fetcher.statusCalls)

	_, err = tracker.Status(ctx, "prin-1", "proj-2", true)
	require.NoError(t, err)
	assert.Equal(t, 4, fetcher.statusCalls, "other entries stay cached")

	tracker.ClearCache("prin-1", "")
	_, err = tracker.Status(ctx, "prin-1", "proj-2", true)
	require.NoError(t, err)
	assert.Equal(t, 5, fetcher.statusCalls)

	_, err = tracker.Status(ctx, "prin-2", "proj-1", true)
	require.NoError(t, err)
	assert.Equal(t, 5, fetcher.statusCalls, "other principals unaffected")

	tracker.ClearCache("", "")
	_, err = tracker.Status(ctx, "prin-2", "proj-1", true)
	require.NoError(t, err)
	assert.Equal(t, 6, fetcher.statusCalls)
}

func TestCheckAgainstPolicy(t *testing.T) {
	tests := []struct {
		name           string
		status         Status
		amount         float64
		limits         Limits
		wantAvailable  bool
		wantViolations []string
	}{
		{
			name:          "within all limits",
			status:        Status{AvailableBalance: 100, SpentToday: 1, SpentThisMonth: 10},
			amount:        2.0,
			limits:        Limits{PerRequestLimit: 5, DailyLimit: 20, MonthlyLimit: 200},
			wantAvailable: true,
		},
		{
			name:          "insufficient balance",
			status:        Status{AvailableBalance: 0.5},
			amount:        2.0,
			wantAvailable: false,
			wantViolations: []string{
				"Insufficient balance: need $2.0000, have $0.5000",
			},
		},
		{
			name:          "per-request limit",
			status:        Status{AvailableBalance: 100},
			amount:        6.0,
			limits:        Limits{PerRequestLimit: 5},
			wantAvailable: false,
			wantViolations: []string{
				"Exceeds per-request limit: $6.0000 > $5.0000",
			},
		},
		{
			name:          "daily limit projection",
			status:        Status{AvailableBalance: 100, SpentToday: 19},
			amount:        2.0,
			limits:        Limits{DailyLimit: 20},
			wantAvailable: false,
			wantViolations: []string{
				"Would exceed daily limit: $21.0000 > $20.0000",
			},
		},
		{
			name:          "monthly limit projection",
			status:        Status{AvailableBalance: 100, SpentThisMonth: 199},
			amount:        2.0,
			limits:        Limits{MonthlyLimit: 200},
			wantAvailable: false,
			wantViolations: []string{
				"Would exceed monthly limit: $201.0000 > $200.0000",
			},
		},
		{
			name:          "multiple violations accumulate",
			status:        Status{AvailableBalance: 0.5, SpentToday: 19, SpentThisMonth: 199},
			amount:        6.0,
			limits:        Limits{PerRequestLimit: 5, DailyLimit: 20, MonthlyLimit: 200},
			wantAvailable: false,
			wantViolations: []string{
				"Insufficient balance: need $6.0000, have $0.5000",
				"Exceeds per-request limit: $6.0000 > $5.0000",
				"Would exceed daily limit: $25.0000 > $20.0000",
				"Would exceed monthly limit: $205.0000 > $200.0000",
			},
		},
		{
			name:          "zero limits mean unlimited",
			status:        Status{AvailableBalance: 1000, SpentToday: 900, SpentThisMonth: 900},
			amount:        50.0,
			wantAvailable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &fakeFetcher{status: tt.status}
			tracker := NewTracker(fetcher, Options{})

			check := tracker.CheckAgainstPolicy(context.Background(), "prin-1", "proj-1", tt.amount, tt.limits)
			assert.Equal(t, tt.wantAvailable, check.Available)
			assert.Equal(t, tt.wantViolations, check.Violations)
			if tt.wantAvailable {
				assert.InDelta(t, tt.status.AvailableBalance-tt.amount, check.RemainingBudget, 1e-9)
			}
		})
	}
}

func TestCheckAgainstPolicyFailsClosed(t *testing.T) {
	fetcher := &fakeFetcher{statusErr: errors.New("store unreachable")}
	tracker := NewTracker(fetcher, Options{})

	check := tracker.CheckAgainstPolicy(context.Background(), "prin-1", "proj-1", 1.0, Limits{})
	assert.False(t, check.Available)
	require.Len(t, check.Violations, 1)
	assert.Contains(t, check.Violations[0], "store unreachable")
}

func TestAnalyticsDefaultWindow(t *testing.T) {
	fetcher := &fakeFetcher{analytics: Analytics{TotalSpent: 90}}
	tracker := NewTracker(fetcher, Options{})

	end := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return end }

	analytics, err := tracker.Analytics(context.Background(), "prin-1", "proj-1", PeriodMonthly, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, end, analytics.EndDate)
	assert.Equal(t, end.Add(-30*24*time.Hour), analytics.StartDate)
	assert.Equal(t, PeriodMonthly, analytics.Period)
	assert.InDelta(t, 3.0, analytics.DailyAverage(), 1e-9)
}
