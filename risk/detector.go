// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package risk

import (
	"context"
	"fmt"
	"time"

	"tollgate/platform/shared/logger"
	"tollgate/platform/shared/types"
)

const (
	baseScore         = 1.0
	maxScore          = 10.0
	defaultConfidence = 0.9
)

// anomalyForFactor maps factor types to the anomaly flags surfaced on the
// assessment.
var anomalyForFactor = map[string]AnomalyType{
	"cost_spike":          AnomalyCostSpike,
	"high_cost":           AnomalyCostSpike,
	"rate_spike":          AnomalyRateSpike,
	"unusual_provider":    AnomalyUnusualProvider,
	"unusual_model":       AnomalyUnusualModel,
	"unusual_time":        AnomalyUnusualTime,
	"new_agent":           AnomalyNewAgent,
	"repeated_rejections": AnomalyRepeatedRejections,
	"budget_exhaustion":   AnomalyBudgetExhaustion,
}

// Options tunes a Detector.
type Options struct {
	// LookbackDays is the baseline window requested from the tracker.
	// Zero means DefaultLookbackDays.
	LookbackDays int
}

// Detector scores requests. Scores start at 1.0, each detected factor adds
// its contribution, and the total is clipped at 10.0. Scoring is additive on
// purpose so that every factor remains visible in the result.
type Detector struct {
	baselines    *Tracker
	lookbackDays int
	log          *logger.Logger
	now          func() time.Time
}

// NewDetector builds a Detector. A nil tracker is allowed; scoring then runs
// without baseline-derived factors.
func NewDetector(baselines *Tracker, opts *Options) *Detector {
	if opts == nil {
		opts = &Options{}
	}
	lookback := opts.LookbackDays
	if lookback <= 0 {
		lookback = DefaultLookbackDays
	}
	return &Detector{
		baselines:    baselines,
		lookbackDays: lookback,
		log:          logger.New("risk-detector"),
		now:          time.Now,
	}
}

// Assess scores one request against the principal's context and baseline.
// It never fails: an unavailable baseline only removes the baseline-derived
// factors from consideration.
func (d *Detector) Assess(ctx context.Context, req *types.Request, pc *types.PrincipalContext) *Assessment {
	var baseline *Baseline
	if d.baselines != nil {
		baseline = d.baselines.Get(ctx, req.PrincipalID, req.ProjectID, d.lookbackDays)
	}

	a := &Assessment{
		RequestID:    req.RequestID,
		PrincipalID:  req.PrincipalID,
		ProjectID:    req.ProjectID,
		Confidence:   defaultConfidence,
		BaselineUsed: baseline != nil,
		AssessedAt:   d.now().UTC(),
	}

	checks := []func() *Factor{
		func() *Factor { return d.checkCostAnomaly(req, baseline) },
		func() *Factor { return d.checkRateAnomaly(pc, baseline) },
		func() *Factor { return d.checkUnusualProvider(req, baseline) },
		func() *Factor { return d.checkUnusualModel(req, baseline) },
		func() *Factor { return d.checkUnusualTime(baseline) },
		func() *Factor { return d.checkNewAgent(req, pc) },
		func() *Factor { return d.checkRepeatedRejections(pc) },
		func() *Factor { return d.checkBudgetExhaustion(pc) },
	}

	score := baseScore
	for _, check := range checks {
		factor := check()
		if factor == nil {
			continue
		}
		score += factor.Contribution
		a.Factors = append(a.Factors, *factor)
		if anomaly, ok := anomalyForFactor[factor.Type]; ok {
			a.Anomalies = append(a.Anomalies, anomaly)
		}
	}
	if score > maxScore {
		score = maxScore
	}

	a.Score = score
	a.Category = CategoryFromScore(score)
	a.RecommendedAction = ActionFromScore(score)

	fields := map[string]interface{}{
		"score":         a.Score,
		"category":      string(a.Category),
		"factors":       a.FactorTypes(),
		"baseline_used": a.BaselineUsed,
	}
	if a.IsHighRisk() {
		d.log.Warn(req.PrincipalID, req.RequestID, "high risk request", fields)
	} else {
		d.log.Debug(req.PrincipalID, req.RequestID, "risk assessment complete", fields)
	}
	return a
}

// checkCostAnomaly compares the estimated cost against the principal's
// average. Without a usable baseline only very expensive requests register.
func (d *Detector) checkCostAnomaly(req *types.Request, baseline *Baseline) *Factor {
	if baseline == nil || baseline.AverageRequestCost <= 0 {
		if req.EstimatedCost > 10.0 {
			return &Factor{
				Type:         "high_cost",
				Description:  "High cost request without baseline",
				Contribution: 2.0,
				Severity:     SeverityMedium,
				Details: map[string]interface{}{
					"estimated_cost": req.EstimatedCost,
				},
			}
		}
		return nil
	}

	deviation := (req.EstimatedCost - baseline.AverageRequestCost) / baseline.AverageRequestCost
	if deviation <= 2.0 {
		return nil
	}

	factor := &Factor{
		Type:        "cost_spike",
		Description: fmt.Sprintf("Cost is %.1fx higher than the principal's average", deviation),
		Details: map[string]interface{}{
			"estimated_cost": req.EstimatedCost,
			"average_cost":   baseline.AverageRequestCost,
			"deviation":      deviation,
		},
	}
	if deviation > 3.0 {
		factor.Contribution = deviation
		if factor.Contribution > 3.0 {
			factor.Contribution = 3.0
		}
		factor.Severity = SeverityHigh
	} else {
		factor.Contribution = 1.5
		factor.Severity = SeverityMedium
	}
	return factor
}

// checkRateAnomaly flags unusually heavy request volume for the day.
func (d *Detector) checkRateAnomaly(pc *types.PrincipalContext, baseline *Baseline) *Factor {
	if pc.TotalRequestsToday <= 100 {
		return nil
	}
	if baseline != nil && float64(pc.TotalRequestsToday) <= baseline.AverageRequestsPerDay*3 {
		return nil
	}

	details := map[string]interface{}{
		"requests_today": pc.TotalRequestsToday,
	}
	if baseline != nil {
		details["average_per_day"] = baseline.AverageRequestsPerDay
	}
	return &Factor{
		Type:         "rate_spike",
		Description:  "Unusual spike in request volume",
		Contribution: 2.0,
		Severity:     SeverityHigh,
		Details:      details,
	}
}

func (d *Detector) checkUnusualProvider(req *types.Request, baseline *Baseline) *Factor {
	if baseline == nil || len(baseline.TypicalProviders) == 0 {
		return nil
	}
	if containsString(baseline.TypicalProviders, req.Provider) {
		return nil
	}
	return &Factor{
		Type:         "unusual_provider",
		Description:  fmt.Sprintf("Provider '%s' not in principal's typical usage", req.Provider),
		Contribution: 1.0,
		Severity:     SeverityLow,
		Details: map[string]interface{}{
			"provider":          req.Provider,
			"typical_providers": baseline.TypicalProviders,
		},
	}
}

func (d *Detector) checkUnusualModel(req *types.Request, baseline *Baseline) *Factor {
	if baseline == nil || len(baseline.TypicalModels) == 0 {
		return nil
	}
	modelKey := fmt.Sprintf("%s/%s", req.Provider, req.Model)
	if containsString(baseline.TypicalModels, modelKey) {
		return nil
	}
	return &Factor{
		Type:         "unusual_model",
		Description:  fmt.Sprintf("Model '%s' not in principal's typical usage", req.Model),
		Contribution: 0.5,
		Severity:     SeverityLow,
		Details: map[string]interface{}{
			"model": modelKey,
		},
	}
}

func (d *Detector) checkUnusualTime(baseline *Baseline) *Factor {
	if baseline == nil || len(baseline.TypicalHours) == 0 {
		return nil
	}
	hour := d.now().UTC().Hour()
	if containsInt(baseline.TypicalHours, hour) {
		return nil
	}
	return &Factor{
		Type:         "unusual_time",
		Description:  fmt.Sprintf("Request at unusual hour (%d:00) for this principal", hour),
		Contribution: 0.5,
		Severity:     SeverityLow,
		Details: map[string]interface{}{
			"hour":          hour,
			"typical_hours": baseline.TypicalHours,
		},
	}
}

func (d *Detector) checkNewAgent(req *types.Request, pc *types.PrincipalContext) *Factor {
	if req.AgentID == "" || pc.KnownAgent(req.AgentID) {
		return nil
	}
	return &Factor{
		Type:         "new_agent",
		Description:  fmt.Sprintf("Request from new agent: %s", req.AgentID),
		Contribution: 1.5,
		Severity:     SeverityMedium,
		Details: map[string]interface{}{
			"agent_id": req.AgentID,
		},
	}
}

func (d *Detector) checkRepeatedRejections(pc *types.PrincipalContext) *Factor {
	switch {
	case pc.RecentRejections >= 5:
		return &Factor{
			Type:         "repeated_rejections",
			Description:  "Multiple recent rejections detected",
			Contribution: 2.0,
			Severity:     SeverityHigh,
			Details: map[string]interface{}{
				"recent_rejections": pc.RecentRejections,
			},
		}
	case pc.RecentRejections >= 3:
		return &Factor{
			Type:         "repeated_rejections",
			Description:  "Several recent rejections detected",
			Contribution: 1.0,
			Severity:     SeverityMedium,
			Details: map[string]interface{}{
				"recent_rejections": pc.RecentRejections,
			},
		}
	}
	return nil
}

// checkBudgetExhaustion flags principals burning through their daily budget
// at high request volume.
func (d *Detector) checkBudgetExhaustion(pc *types.PrincipalContext) *Factor {
	if pc.Policy == nil || pc.Policy.DailyBudget <= 0 {
		return nil
	}
	usagePercent := pc.TotalSpentToday / pc.Policy.DailyBudget * 100
	if usagePercent <= 90 || pc.TotalRequestsToday <= 50 {
		return nil
	}
	return &Factor{
		Type:         "budget_exhaustion",
		Description:  fmt.Sprintf("Rapid budget consumption (%.0f%% used)", usagePercent),
		Contribution: 1.5,
		Severity:     SeverityMedium,
		Details: map[string]interface{}{
			"usage_percent":  usagePercent,
			"requests_today": pc.TotalRequestsToday,
		},
	}
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func containsInt(list []int, value int) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
