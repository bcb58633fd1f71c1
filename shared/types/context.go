// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package types

import "time"

// AccountStatus is the standing of a principal's account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountFrozen    AccountStatus = "frozen"
)

// IsActive reports whether the account may spend.
func (s AccountStatus) IsActive() bool {
	return s == AccountActive || s == ""
}

// UserPolicy is the per principal+project rule document. Allow-lists are
// closed: an empty allowed set means nothing is allowed. Zero-valued limits
// mean the limit is not configured.
type UserPolicy struct {
	PrincipalID string `json:"principal_id"`
	ProjectID   string `json:"project_id"`
	PolicyID    string `json:"policy_id,omitempty"`

	AllowedProviders    []string            `json:"allowed_providers"`
	AllowedModels       map[string][]string `json:"allowed_models"`
	ForbiddenProviders  []string            `json:"forbidden_providers,omitempty"`
	ForbiddenOperations []string            `json:"forbidden_operations,omitempty"`

	PerRequestLimit float64 `json:"per_request_limit"`
	DailyBudget     float64 `json:"daily_budget"`
	MonthlyBudget   float64 `json:"monthly_budget"`

	RateLimitPerMinute int `json:"rate_limit_per_minute"`
	RateLimitPerHour   int `json:"rate_limit_per_hour"`
	RateLimitPerDay    int `json:"rate_limit_per_day"`

	// Nil means unrestricted. Hours are UTC 0-23; days use 0=Monday through
	// 6=Sunday.
	AllowedHours []int `json:"allowed_hours,omitempty"`
	AllowedDays  []int `json:"allowed_days,omitempty"`

	MaxRiskScore             float64 `json:"max_risk_score"`
	AutoApproveRiskThreshold float64 `json:"auto_approve_risk_threshold"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// NewUserPolicy builds a policy with the platform defaults. The allow-lists
// start empty, which denies everything until configured.
func NewUserPolicy(principalID, projectID string) *UserPolicy {
	return &UserPolicy{
		PrincipalID:              principalID,
		ProjectID:                projectID,
		AllowedModels:            make(map[string][]string),
		PerRequestLimit:          10.0,
		DailyBudget:              100.0,
		MonthlyBudget:            3000.0,
		RateLimitPerMinute:       10,
		RateLimitPerHour:         100,
		RateLimitPerDay:          1000,
		MaxRiskScore:             7.0,
		AutoApproveRiskThreshold: 3.0,
		IsActive:                 true,
	}
}

// SystemPolicy is the platform-wide rule document. It is enforced before any
// user policy and cannot be overridden.
type SystemPolicy struct {
	PolicyID    string `json:"policy_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	BlockedProviders  []string `json:"blocked_providers,omitempty"`
	BlockedModels     []string `json:"blocked_models,omitempty"`
	BlockedOperations []string `json:"blocked_operations,omitempty"`

	MaxPerRequestLimit float64 `json:"max_per_request_limit"`
	MaxDailyLimit      float64 `json:"max_daily_limit"`
	MaxRatePerMinute   int     `json:"max_rate_per_minute"`

	RequireVerification bool `json:"require_verification"`
	AuditAllRequests    bool `json:"audit_all_requests"`
	RetentionDays       int  `json:"retention_days"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// DefaultSystemPolicy returns the platform defaults used when no system
// policy is configured in the backend.
func DefaultSystemPolicy() *SystemPolicy {
	return &SystemPolicy{
		PolicyID:            "sys_default",
		Name:                "Default System Policy",
		Description:         "Platform-wide policies",
		MaxPerRequestLimit:  100.0,
		MaxDailyLimit:       10000.0,
		MaxRatePerMinute:    100,
		RequireVerification: true,
		AuditAllRequests:    true,
		RetentionDays:       365,
		IsActive:            true,
	}
}

// PrincipalContext aggregates everything known about a principal+project at
// pipeline start: the embedded policy, spending history and behavioral
// signals. It is fetched once per request and discarded after the decision.
type PrincipalContext struct {
	PrincipalID string      `json:"principal_id"`
	ProjectID   string      `json:"project_id"`
	Policy      *UserPolicy `json:"policy"`

	Agents []string `json:"agents,omitempty"`

	TotalSpentToday        float64 `json:"total_spent_today"`
	TotalSpentThisMonth    float64 `json:"total_spent_this_month"`
	TotalRequestsToday     int     `json:"total_requests_today"`
	TotalRequestsThisMonth int     `json:"total_requests_this_month"`

	RecentRequests   []string `json:"recent_requests,omitempty"`
	RecentRejections int      `json:"recent_rejections"`

	AverageRequestCost    float64  `json:"average_request_cost"`
	AverageRequestsPerDay float64  `json:"average_requests_per_day"`
	TypicalProviders      []string `json:"typical_providers,omitempty"`
	TypicalRequestTimes   []int    `json:"typical_request_times,omitempty"`

	AccountStatus AccountStatus `json:"account_status"`
	IsVerified    bool          `json:"is_verified"`

	CreatedAt    time.Time `json:"created_at,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// RemainingDailyBudget returns what is left of the policy's daily budget.
func (c *PrincipalContext) RemainingDailyBudget() float64 {
	if c.Policy == nil {
		return 0
	}
	remaining := c.Policy.DailyBudget - c.TotalSpentToday
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingMonthlyBudget returns what is left of the policy's monthly budget.
func (c *PrincipalContext) RemainingMonthlyBudget() float64 {
	if c.Policy == nil {
		return 0
	}
	remaining := c.Policy.MonthlyBudget - c.TotalSpentThisMonth
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsWithinBudget reports whether the amount fits both the daily and monthly
// policy budgets.
func (c *PrincipalContext) IsWithinBudget(amount float64) bool {
	if c.Policy == nil {
		return false
	}
	dailyOK := c.TotalSpentToday+amount <= c.Policy.DailyBudget
	monthlyOK := c.TotalSpentThisMonth+amount <= c.Policy.MonthlyBudget
	return dailyOK && monthlyOK
}

// KnownAgent reports whether the agent id has been seen for this principal.
func (c *PrincipalContext) KnownAgent(agentID string) bool {
	for _, id := range c.Agents {
		if id == agentID {
			return true
		}
	}
	return false
}
