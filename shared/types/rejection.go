// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package types

// RejectionType is the stable machine-readable code attached to every
// rejected decision. The names are part of the audit wire format and must
// not change.
type RejectionType string

const (
	RejectionNoProvidersConfigured  RejectionType = "NO_PROVIDERS_CONFIGURED"
	RejectionUnauthorizedProvider   RejectionType = "UNAUTHORIZED_PROVIDER"
	RejectionNoModelsConfigured     RejectionType = "NO_MODELS_CONFIGURED"
	RejectionUnauthorizedModel      RejectionType = "UNAUTHORIZED_MODEL"
	RejectionInsufficientBudget     RejectionType = "INSUFFICIENT_BUDGET"
	RejectionPerRequestLimit        RejectionType = "PER_REQUEST_LIMIT_EXCEEDED"
	RejectionSystemDeny             RejectionType = "SYSTEM_DENY"
	RejectionInactivePolicy         RejectionType = "INACTIVE_POLICY"
	RejectionForbiddenOperation     RejectionType = "FORBIDDEN_OPERATION"
	RejectionOutsideAllowedHours    RejectionType = "OUTSIDE_ALLOWED_HOURS"
	RejectionOutsideAllowedDays     RejectionType = "OUTSIDE_ALLOWED_DAYS"
	RejectionRiskTooHigh            RejectionType = "RISK_TOO_HIGH"
	RejectionSystemError            RejectionType = "SYSTEM_ERROR"
)

// Valid reports whether the code is one of the enumerated rejection types.
func (r RejectionType) Valid() bool {
	switch r {
	case RejectionNoProvidersConfigured, RejectionUnauthorizedProvider,
		RejectionNoModelsConfigured, RejectionUnauthorizedModel,
		RejectionInsufficientBudget, RejectionPerRequestLimit,
		RejectionSystemDeny, RejectionInactivePolicy,
		RejectionForbiddenOperation, RejectionOutsideAllowedHours,
		RejectionOutsideAllowedDays, RejectionRiskTooHigh,
		RejectionSystemError:
		return true
	}
	return false
}
