// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package policy loads and enforces the layered rule documents: the
// platform-wide system policy and the per principal+project user policy.
// The system layer is checked first and cannot be overridden; allow-lists
// are closed, so an empty allowed set denies everything.
package policy

import (
	"fmt"
	"time"

	"tollgate/platform/shared/types"
)

// Severity grades a violation. The highest severity present drives the
// human-readable rejection reason.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Violation is one failed policy check.
type Violation struct {
	PolicyName    string   `json:"policy_name"`
	ViolationType string   `json:"violation_type"`
	Details       string   `json:"details"`
	Severity      Severity `json:"severity"`
}

// RejectionType maps the violation to the stable rejection code carried on
// the decision.
func (v Violation) RejectionType() types.RejectionType {
	switch v.ViolationType {
	case "no_providers_configured":
		return types.RejectionNoProvidersConfigured
	case "forbidden_provider", "unauthorized_provider":
		return types.RejectionUnauthorizedProvider
	case "no_models_configured":
		return types.RejectionNoModelsConfigured
	case "unauthorized_model":
		return types.RejectionUnauthorizedModel
	case "blocked_provider", "blocked_model", "blocked_operation", "exceeds_system_limit":
		return types.RejectionSystemDeny
	case "inactive_policy":
		return types.RejectionInactivePolicy
	case "operation_blocked":
		return types.RejectionForbiddenOperation
	case "cost_exceeded":
		return types.RejectionPerRequestLimit
	case "outside_allowed_hours":
		return types.RejectionOutsideAllowedHours
	case "outside_allowed_days":
		return types.RejectionOutsideAllowedDays
	default:
		return types.RejectionSystemError
	}
}

// ComplianceResult is the outcome of a layered policy evaluation. Every
// check appends its name to PoliciesChecked whether or not it fired.
type ComplianceResult struct {
	Compliant       bool        `json:"compliant"`
	Violations      []Violation `json:"violations,omitempty"`
	Warnings        []string    `json:"warnings,omitempty"`
	PoliciesChecked []string    `json:"policies_checked"`
	Timestamp       time.Time   `json:"timestamp"`
}

// NewComplianceResult starts a compliant result.
func NewComplianceResult() *ComplianceResult {
	return &ComplianceResult{
		Compliant: true,
		Timestamp: time.Now().UTC(),
	}
}

// AddViolation records a failed check and marks the result non-compliant.
func (r *ComplianceResult) AddViolation(policyName, violationType, details string, severity Severity) {
	r.Violations = append(r.Violations, Violation{
		PolicyName:    policyName,
		ViolationType: violationType,
		Details:       details,
		Severity:      severity,
	})
	r.Compliant = false
}

// AddWarning records a non-blocking advisory.
func (r *ComplianceResult) AddWarning(message string) {
	r.Warnings = append(r.Warnings, message)
}

func (r *ComplianceResult) checked(name string) {
	r.PoliciesChecked = append(r.PoliciesChecked, name)
}

// TopViolation returns the first violation of the highest severity present,
// or nil when compliant.
func (r *ComplianceResult) TopViolation() *Violation {
	var top *Violation
	for i := range r.Violations {
		v := &r.Violations[i]
		if top == nil || severityRank(v.Severity) > severityRank(top.Severity) {
			top = v
		}
	}
	return top
}

// RejectionReason renders the human-readable reason from the top violation.
func (r *ComplianceResult) RejectionReason() string {
	top := r.TopViolation()
	if top == nil {
		return ""
	}
	if top.Severity == SeverityCritical {
		return fmt.Sprintf("Critical violation: %s", top.Details)
	}
	return fmt.Sprintf("Policy violation: %s", top.Details)
}

// Results maps each checked policy name to whether it passed.
func (r *ComplianceResult) Results() map[string]bool {
	results := make(map[string]bool, len(r.PoliciesChecked))
	for _, name := range r.PoliciesChecked {
		results[name] = true
	}
	for _, v := range r.Violations {
		results[v.PolicyName] = false
	}
	return results
}

// ViolationDetails returns the detail strings of all violations, in
// insertion order, for the decision record.
func (r *ComplianceResult) ViolationDetails() []string {
	if len(r.Violations) == 0 {
		return nil
	}
	details := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		details = append(details, v.Details)
	}
	return details
}
