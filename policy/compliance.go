// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package policy

import (
	"fmt"
	"time"

	"tollgate/platform/shared/types"
)

// CheckAllowList evaluates the closed provider/model allow-lists. The deny
// list is consulted first, then the allow sets; absence of an entry denies.
// Returns nil when the request is authorized.
func CheckAllowList(provider, model string, policy *types.UserPolicy) *Violation {
	for _, forbidden := range policy.ForbiddenProviders {
		if provider == forbidden {
			return &Violation{
				PolicyName:    "provider_whitelist",
				ViolationType: "forbidden_provider",
				Details:       fmt.Sprintf("Provider '%s' is explicitly forbidden", provider),
				Severity:      SeverityCritical,
			}
		}
	}

	if len(policy.AllowedProviders) == 0 {
		return &Violation{
			PolicyName:    "provider_whitelist",
			ViolationType: "no_providers_configured",
			Details:       "No providers configured in policy",
			Severity:      SeverityCritical,
		}
	}
	if !containsString(policy.AllowedProviders, provider) {
		return &Violation{
			PolicyName:    "provider_whitelist",
			ViolationType: "unauthorized_provider",
			Details: fmt.Sprintf("Provider '%s' not in allowed list. Allowed: %v",
				provider, policy.AllowedProviders),
			Severity: SeverityCritical,
		}
	}

	allowedModels := policy.AllowedModels[provider]
	if len(allowedModels) == 0 {
		return &Violation{
			PolicyName:    "model_whitelist",
			ViolationType: "no_models_configured",
			Details:       fmt.Sprintf("No models configured for provider '%s'", provider),
			Severity:      SeverityCritical,
		}
	}
	if !containsString(allowedModels, model) {
		return &Violation{
			PolicyName:    "model_whitelist",
			ViolationType: "unauthorized_model",
			Details: fmt.Sprintf("Model '%s' not allowed for provider '%s'. Allowed: %v",
				model, provider, allowedModels),
			Severity: SeverityCritical,
		}
	}
	return nil
}

// CheckCompliance evaluates the request against both policy layers. The
// system layer short-circuits on its first violation; within the user layer
// the allow-list checks short-circuit and every other check accumulates, so
// the caller learns all problems at once.
func (m *Manager) CheckCompliance(req *types.Request, user *types.UserPolicy, system *types.SystemPolicy) *ComplianceResult {
	result := NewComplianceResult()
	result.Timestamp = m.now().UTC()

	if system != nil {
		result.checked("system_policy")
		if v := checkSystemLayer(req, system); v != nil {
			result.Violations = append(result.Violations, *v)
			result.Compliant = false
			m.logOutcome(req, result)
			return result
		}
	}

	result.checked("user_policy")

	result.checked("provider_whitelist")
	if v := CheckAllowList(req.Provider, req.Model, user); v != nil {
		if v.PolicyName == "model_whitelist" {
			result.checked("model_whitelist")
		}
		result.Violations = append(result.Violations, *v)
		result.Compliant = false
		m.logOutcome(req, result)
		return result
	}
	result.checked("model_whitelist")

	result.checked("forbidden_operations")
	operationKey := fmt.Sprintf("%s.%s.%s", req.Provider, req.Model, req.Operation)
	if containsString(user.ForbiddenOperations, operationKey) {
		result.AddViolation("forbidden_operations", "operation_blocked",
			fmt.Sprintf("Operation %s is explicitly forbidden", operationKey), SeverityHigh)
	}

	result.checked("per_request_limit")
	if user.PerRequestLimit > 0 && req.EstimatedCost > user.PerRequestLimit {
		result.AddViolation("per_request_limit", "cost_exceeded",
			fmt.Sprintf("Request cost $%.4f exceeds limit $%.4f", req.EstimatedCost, user.PerRequestLimit),
			SeverityHigh)
	}

	result.checked("policy_status")
	if !user.IsActive {
		result.AddViolation("policy_status", "inactive_policy",
			fmt.Sprintf("Policy for principal %s is inactive", req.PrincipalID), SeverityCritical)
	}

	result.checked("time_restrictions")
	m.checkTimeRestrictions(user, result)

	m.logOutcome(req, result)
	return result
}

func checkSystemLayer(req *types.Request, system *types.SystemPolicy) *Violation {
	if containsString(system.BlockedProviders, req.Provider) {
		return &Violation{
			PolicyName:    "system_policy",
			ViolationType: "blocked_provider",
			Details:       fmt.Sprintf("Provider '%s' is blocked by platform policy", req.Provider),
			Severity:      SeverityCritical,
		}
	}

	modelKey := fmt.Sprintf("%s/%s", req.Provider, req.Model)
	if containsString(system.BlockedModels, modelKey) {
		return &Violation{
			PolicyName:    "system_policy",
			ViolationType: "blocked_model",
			Details:       fmt.Sprintf("Model '%s' is blocked by platform policy", modelKey),
			Severity:      SeverityCritical,
		}
	}

	operationKey := fmt.Sprintf("%s.%s.%s", req.Provider, req.Model, req.Operation)
	if containsString(system.BlockedOperations, operationKey) {
		return &Violation{
			PolicyName:    "system_policy",
			ViolationType: "blocked_operation",
			Details:       fmt.Sprintf("Operation '%s' is blocked by platform policy", operationKey),
			Severity:      SeverityCritical,
		}
	}

	if system.MaxPerRequestLimit > 0 && req.EstimatedCost > system.MaxPerRequestLimit {
		return &Violation{
			PolicyName:    "system_policy",
			ViolationType: "exceeds_system_limit",
			Details: fmt.Sprintf("Request cost $%.2f exceeds platform limit $%.2f",
				req.EstimatedCost, system.MaxPerRequestLimit),
			Severity: SeverityCritical,
		}
	}
	return nil
}

// checkTimeRestrictions validates the UTC hour and weekday windows. Weekdays
// use 0=Monday through 6=Sunday; a nil list means unrestricted.
func (m *Manager) checkTimeRestrictions(user *types.UserPolicy, result *ComplianceResult) {
	now := m.now().UTC()

	if len(user.AllowedHours) > 0 && !containsInt(user.AllowedHours, now.Hour()) {
		result.AddViolation("time_restrictions", "outside_allowed_hours",
			fmt.Sprintf("Requests only allowed during hours: %v. Current hour: %d",
				user.AllowedHours, now.Hour()),
			SeverityMedium)
	}

	if len(user.AllowedDays) > 0 {
		day := mondayIndexed(now.Weekday())
		if !containsInt(user.AllowedDays, day) {
			result.AddViolation("time_restrictions", "outside_allowed_days",
				fmt.Sprintf("Requests only allowed on specified days. Current: %s", now.Weekday()),
				SeverityMedium)
		}
	}
}

// CheckRateLimits evaluates the policy's rate-limit predicates against the
// caller-supplied counters in the principal context. The core keeps no
// counter store, so crossings surface as advisory warnings rather than
// rejections.
func (m *Manager) CheckRateLimits(pc *types.PrincipalContext, user *types.UserPolicy) []string {
	var warnings []string
	if user.RateLimitPerDay > 0 && pc.TotalRequestsToday >= user.RateLimitPerDay {
		warnings = append(warnings, fmt.Sprintf("Daily request count %d at or over rate limit %d",
			pc.TotalRequestsToday, user.RateLimitPerDay))
	}
	if user.RateLimitPerHour > 0 && len(pc.RecentRequests) >= user.RateLimitPerHour {
		warnings = append(warnings, fmt.Sprintf("Recent request count %d at or over hourly rate limit %d",
			len(pc.RecentRequests), user.RateLimitPerHour))
	}
	return warnings
}

func (m *Manager) logOutcome(req *types.Request, result *ComplianceResult) {
	if result.Compliant {
		m.log.Info(req.PrincipalID, req.RequestID, "request passed all policy checks", map[string]interface{}{
			"policies_checked": result.PoliciesChecked,
		})
		return
	}
	m.log.Warn(req.PrincipalID, req.RequestID, "request failed policy checks", map[string]interface{}{
		"violations": result.ViolationDetails(),
	})
}

// mondayIndexed converts Go's Sunday-first weekday to the 0=Monday scheme
// used by policy documents.
func mondayIndexed(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
