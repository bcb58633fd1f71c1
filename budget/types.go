// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package budget

import (
	"fmt"
	"time"
)

// Period is a time window for spending analysis.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	PeriodYearly  Period = "yearly"
)

// Check is the result of a balance sufficiency check.
type Check struct {
	Sufficient       bool      `json:"sufficient"`
	AvailableBalance float64   `json:"available_balance"`
	RequestedAmount  float64   `json:"requested_amount"`
	Currency         string    `json:"currency"`
	CheckedAt        time.Time `json:"checked_at"`
	Shortfall        float64   `json:"shortfall,omitempty"`
	Message          string    `json:"message"`
}

// NewCheck builds a Check, deriving the shortfall and message.
func NewCheck(sufficient bool, available, requested float64) *Check {
	c := &Check{
		Sufficient:       sufficient,
		AvailableBalance: available,
		RequestedAmount:  requested,
		Currency:         "USDC",
		CheckedAt:        time.Now().UTC(),
	}
	if sufficient {
		c.Message = fmt.Sprintf("Budget check passed: $%.4f available", available)
	} else {
		c.Shortfall = requested - available
		c.Message = fmt.Sprintf("Insufficient budget: need $%.4f, have $%.4f", requested, available)
	}
	return c
}

// Status is the full budget picture for one principal/project. Zero limits
// mean no limit is configured.
type Status struct {
	PrincipalID      string  `json:"principal_id"`
	ProjectID        string  `json:"project_id"`
	TotalBalance     float64 `json:"total_balance"`
	AvailableBalance float64 `json:"available_balance"`
	ReservedAmount   float64 `json:"reserved_amount"`
	Currency         string  `json:"currency"`

	SpentToday     float64 `json:"spent_today"`
	SpentThisMonth float64 `json:"spent_this_month"`
	SpentTotal     float64 `json:"spent_total"`

	DailyLimit      float64 `json:"daily_limit,omitempty"`
	MonthlyLimit    float64 `json:"monthly_limit,omitempty"`
	PerRequestLimit float64 `json:"per_request_limit,omitempty"`

	DailyLimitReached   bool `json:"daily_limit_reached"`
	MonthlyLimitReached bool `json:"monthly_limit_reached"`
	LowBalanceWarning   bool `json:"low_balance_warning"`

	CheckedAt time.Time `json:"checked_at"`
}

// deriveFlags recomputes the threshold flags from the raw figures. The low
// balance warning fires once 80% of the total balance is consumed.
func (s *Status) deriveFlags() {
	if s.DailyLimit > 0 {
		s.DailyLimitReached = s.SpentToday >= s.DailyLimit
	}
	if s.MonthlyLimit > 0 {
		s.MonthlyLimitReached = s.SpentThisMonth >= s.MonthlyLimit
	}
	if s.TotalBalance > 0 {
		usage := (s.TotalBalance - s.AvailableBalance) / s.TotalBalance
		s.LowBalanceWarning = usage >= 0.8
	}
}

// RemainingToday returns what is left under the daily limit, or -1 when no
// daily limit is configured.
func (s *Status) RemainingToday() float64 {
	if s.DailyLimit <= 0 {
		return -1
	}
	remaining := s.DailyLimit - s.SpentToday
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingThisMonth returns what is left under the monthly limit, or -1
// when no monthly limit is configured.
func (s *Status) RemainingThisMonth() float64 {
	if s.MonthlyLimit <= 0 {
		return -1
	}
	remaining := s.MonthlyLimit - s.SpentThisMonth
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Limits are the spending caps a policy imposes. Zero means no limit.
type Limits struct {
	PerRequestLimit float64 `json:"per_request_limit,omitempty"`
	DailyLimit      float64 `json:"daily_limit,omitempty"`
	MonthlyLimit    float64 `json:"monthly_limit,omitempty"`
}

// PolicyCheck is the result of projecting a request against policy limits.
type PolicyCheck struct {
	Available       bool      `json:"available"`
	CurrentBalance  float64   `json:"current_balance"`
	EstimatedCost   float64   `json:"estimated_cost"`
	RemainingBudget float64   `json:"remaining_budget"`
	Violations      []string  `json:"violations,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

// Analytics is a spending breakdown for one period.
type Analytics struct {
	PrincipalID string    `json:"principal_id"`
	ProjectID   string    `json:"project_id"`
	Period      Period    `json:"period"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`

	TotalSpent        float64 `json:"total_spent"`
	RequestCount      int     `json:"request_count"`
	AveragePerRequest float64 `json:"average_per_request"`

	SpendingByProvider map[string]float64 `json:"spending_by_provider,omitempty"`
	RequestsByProvider map[string]int     `json:"requests_by_provider,omitempty"`
	SpendingByModel    map[string]float64 `json:"spending_by_model,omitempty"`
	RequestsByModel    map[string]int     `json:"requests_by_model,omitempty"`

	SpendingTrend   string `json:"spending_trend,omitempty"`
	AnomalyDetected bool   `json:"anomaly_detected"`
	AnomalyDetails  string `json:"anomaly_details,omitempty"`
}

// DailyAverage returns average spending per day across the analytics
// window, or 0 when the window is empty.
func (a *Analytics) DailyAverage() float64 {
	days := a.EndDate.Sub(a.StartDate).Hours() / 24
	if days < 1 {
		days = 1
	}
	if a.TotalSpent <= 0 {
		return 0
	}
	return a.TotalSpent / days
}
