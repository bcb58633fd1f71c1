// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tollgate/platform/shared/logger"
)

// DefaultLookbackDays is the baseline window used when the caller does not
// specify one.
const DefaultLookbackDays = 30

// Baseline summarizes a principal's historical usage over a lookback window.
// All monetary figures are USDC.
type Baseline struct {
	PrincipalID string `json:"principal_id"`
	ProjectID   string `json:"project_id"`

	AverageRequestCost float64 `json:"average_request_cost"`
	MedianRequestCost  float64 `json:"median_request_cost"`
	MaxRequestCost     float64 `json:"max_request_cost"`
	CostStdDev         float64 `json:"cost_std_dev"`

	AverageRequestsPerDay  float64 `json:"average_requests_per_day"`
	AverageRequestsPerHour float64 `json:"average_requests_per_hour"`
	PeakRequestTimes       []int   `json:"peak_request_times,omitempty"`

	TypicalProviders     []string           `json:"typical_providers,omitempty"`
	ProviderDistribution map[string]float64 `json:"provider_distribution,omitempty"`
	TypicalModels        []string           `json:"typical_models,omitempty"`
	ModelDistribution    map[string]float64 `json:"model_distribution,omitempty"`

	TypicalDays  []int `json:"typical_days,omitempty"`
	TypicalHours []int `json:"typical_hours,omitempty"`

	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	SampleSize  int       `json:"sample_size"`
	LastUpdated time.Time `json:"last_updated"`
}

// IsCostAnomaly reports whether a cost is anomalous against the baseline.
// With a usable standard deviation the threshold is mean + multiplier*stddev,
// otherwise it falls back to a simple multiple of the mean.
func (b *Baseline) IsCostAnomaly(cost, multiplier float64) bool {
	if multiplier <= 0 {
		multiplier = 3.0
	}
	if b.CostStdDev > 0 {
		return cost > b.AverageRequestCost+multiplier*b.CostStdDev
	}
	return b.AverageRequestCost > 0 && cost > b.AverageRequestCost*3.0
}

// IsVolumeAnomaly reports whether an hourly request rate is anomalous.
func (b *Baseline) IsVolumeAnomaly(hourlyRate, multiplier float64) bool {
	if multiplier <= 0 {
		multiplier = 2.0
	}
	return b.AverageRequestsPerHour > 0 && hourlyRate > b.AverageRequestsPerHour*multiplier
}

// WindowDays returns the length of the observation window in whole days,
// never less than one.
func (b *Baseline) WindowDays() int {
	days := int(b.PeriodEnd.Sub(b.PeriodStart).Hours() / 24)
	if days < 1 {
		days = 1
	}
	return days
}

// Quality grades how trustworthy a baseline is for scoring.
type Quality struct {
	SufficientData     bool   `json:"sufficient_data"`
	HasCostData        bool   `json:"has_cost_data"`
	HasProviderPattern bool   `json:"has_provider_patterns"`
	HasModelPattern    bool   `json:"has_model_patterns"`
	HasTimePattern     bool   `json:"has_time_patterns"`
	ConfidenceLevel    string `json:"confidence_level"`
	CompletenessScore  int    `json:"completeness_score"`
}

// BaselineFetcher loads a stored baseline for a principal and project.
type BaselineFetcher interface {
	FetchBaseline(ctx context.Context, principalID, projectID string, lookbackDays int) (*Baseline, error)
}

// Tracker wraps a BaselineFetcher with the fail-open semantics the detector
// needs: a missing or unfetchable baseline degrades scoring, it never blocks
// a request.
type Tracker struct {
	fetcher BaselineFetcher
	log     *logger.Logger
}

// NewTracker builds a Tracker over the given fetcher.
func NewTracker(fetcher BaselineFetcher) *Tracker {
	return &Tracker{
		fetcher: fetcher,
		log:     logger.New("baseline-tracker"),
	}
}

// Get returns the baseline for a principal and project, or nil when none is
// available. Fetch failures are logged and swallowed.
func (t *Tracker) Get(ctx context.Context, principalID, projectID string, lookbackDays int) *Baseline {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	baseline, err := t.fetcher.FetchBaseline(ctx, principalID, projectID, lookbackDays)
	if err != nil {
		t.log.Warn(principalID, "", "baseline unavailable, scoring without it", map[string]interface{}{
			"project_id":    projectID,
			"lookback_days": lookbackDays,
			"error":         err.Error(),
		})
		return nil
	}
	return baseline
}

// AnalyzeQuality grades a baseline. A nil baseline grades as insufficient.
func (t *Tracker) AnalyzeQuality(b *Baseline) Quality {
	if b == nil {
		return Quality{ConfidenceLevel: "insufficient"}
	}

	q := Quality{
		SufficientData:     b.SampleSize >= 10,
		HasCostData:        b.AverageRequestCost > 0,
		HasProviderPattern: len(b.TypicalProviders) > 0,
		HasModelPattern:    len(b.TypicalModels) > 0,
		HasTimePattern:     len(b.TypicalHours) > 0,
	}

	switch {
	case b.SampleSize >= 100:
		q.ConfidenceLevel = "high"
	case b.SampleSize >= 30:
		q.ConfidenceLevel = "medium"
	case b.SampleSize >= 10:
		q.ConfidenceLevel = "low"
	default:
		q.ConfidenceLevel = "insufficient"
	}

	for _, has := range []bool{q.HasCostData, q.HasProviderPattern, q.HasModelPattern, q.HasTimePattern} {
		if has {
			q.CompletenessScore += 25
		}
	}
	return q
}

// Summarize renders a one-line description of a baseline for logs and
// operator tooling.
func (t *Tracker) Summarize(b *Baseline) string {
	if b == nil {
		return "No baseline available"
	}
	q := t.AnalyzeQuality(b)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Baseline: %d requests over %d days | Avg cost: $%.4f | Avg requests/day: %.1f | Confidence: %s | Completeness: %d%%",
		b.SampleSize, b.WindowDays(), b.AverageRequestCost, b.AverageRequestsPerDay, q.ConfidenceLevel, q.CompletenessScore)

	if len(b.TypicalProviders) > 0 {
		shown := b.TypicalProviders
		if len(shown) > 3 {
			shown = shown[:3]
		}
		fmt.Fprintf(&sb, " | Providers: %s", strings.Join(shown, ", "))
	}
	if len(b.TypicalModels) > 0 {
		fmt.Fprintf(&sb, " | Models: %d", len(b.TypicalModels))
	}
	return sb.String()
}

// Comparison is the result of checking one observed value against its
// baseline counterpart.
type Comparison struct {
	Deviation float64 `json:"deviation"`
	Anomalous bool    `json:"anomalous"`
	Severity  string  `json:"severity"`
}

// Compare measures how far a value deviates from a baseline value. Deviation
// is expressed as a fraction of the baseline. A zero baseline cannot be
// compared proportionally, so only clearly large values flag as anomalous.
func Compare(value, baseline float64) Comparison {
	if baseline <= 0 {
		return Comparison{
			Anomalous: value > 10,
			Severity:  "unknown",
		}
	}

	deviation := (value - baseline) / baseline
	c := Comparison{
		Deviation: deviation,
		Anomalous: deviation > 2.0,
	}
	switch {
	case deviation > 5.0:
		c.Severity = "critical"
	case deviation > 3.0:
		c.Severity = "high"
	case deviation > 2.0:
		c.Severity = "medium"
	case deviation > 1.0:
		c.Severity = "low"
	default:
		c.Severity = "normal"
	}
	return c
}
