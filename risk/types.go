// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package risk scores requests for fraud patterns and unusual activity on a
// 1-10 scale. The detector is read-only: it compares the request against the
// principal's behavioral baseline and context counters; it never blocks on
// its own, the decision engine acts on the score.
package risk

import (
	"fmt"
	"time"
)

// Category buckets a risk score.
type Category string

const (
	CategoryVeryLow  Category = "very_low"
	CategoryLow      Category = "low"
	CategoryMedium   Category = "medium"
	CategoryHigh     Category = "high"
	CategoryCritical Category = "critical"
)

// CategoryFromScore derives the category from a score using the fixed
// thresholds. Derived fields must always equal this derivation.
func CategoryFromScore(score float64) Category {
	switch {
	case score <= 2.0:
		return CategoryVeryLow
	case score <= 4.0:
		return CategoryLow
	case score <= 6.0:
		return CategoryMedium
	case score <= 8.0:
		return CategoryHigh
	default:
		return CategoryCritical
	}
}

// Action is the detector's recommendation to the decision engine.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReview  Action = "review"
	ActionReject  Action = "reject"
)

// ActionFromScore derives the recommended action from a score.
func ActionFromScore(score float64) Action {
	switch {
	case score <= 6.0:
		return ActionApprove
	case score <= 8.0:
		return ActionReview
	default:
		return ActionReject
	}
}

// AnomalyType names a detected anomaly pattern.
type AnomalyType string

const (
	AnomalyCostSpike          AnomalyType = "cost_spike"
	AnomalyRateSpike          AnomalyType = "rate_spike"
	AnomalyUnusualProvider    AnomalyType = "unusual_provider"
	AnomalyUnusualModel       AnomalyType = "unusual_model"
	AnomalyUnusualTime        AnomalyType = "unusual_time"
	AnomalyNewAgent           AnomalyType = "new_agent"
	AnomalyRepeatedRejections AnomalyType = "repeated_rejections"
	AnomalyBudgetExhaustion   AnomalyType = "budget_exhaustion"
)

// Severity grades an individual risk factor.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Factor is one contribution to the overall risk score.
type Factor struct {
	Type         string                 `json:"type"`
	Description  string                 `json:"description"`
	Contribution float64                `json:"contribution"`
	Severity     Severity               `json:"severity"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// Assessment is the scored result for one request.
type Assessment struct {
	RequestID   string `json:"request_id"`
	PrincipalID string `json:"principal_id"`
	ProjectID   string `json:"project_id"`

	Score    float64  `json:"score"`
	Category Category `json:"category"`

	Factors   []Factor      `json:"factors,omitempty"`
	Anomalies []AnomalyType `json:"anomalies,omitempty"`

	RecommendedAction Action  `json:"recommended_action"`
	Confidence        float64 `json:"confidence"`

	BaselineUsed bool      `json:"baseline_used"`
	AssessedAt   time.Time `json:"assessed_at"`
}

// IsHighRisk reports whether the score falls in the high or critical bands.
func (a *Assessment) IsHighRisk() bool {
	return a.Score >= 7.0
}

// FactorTypes returns the factor type names in detection order.
func (a *Assessment) FactorTypes() []string {
	if len(a.Factors) == 0 {
		return nil
	}
	names := make([]string, 0, len(a.Factors))
	for _, f := range a.Factors {
		names = append(names, f.Type)
	}
	return names
}

// Summary renders the one-line human-readable form.
func (a *Assessment) Summary() string {
	return fmt.Sprintf("Risk: %s (%.1f/10) - %s", a.Category, a.Score, a.RecommendedAction)
}
