// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package decision

import (
	"context"
	"fmt"
	"time"

	"tollgate/platform/adjudicator"
	"tollgate/platform/audit"
	"tollgate/platform/budget"
	"tollgate/platform/metrics"
	"tollgate/platform/policy"
	"tollgate/platform/pricing"
	"tollgate/platform/risk"
	"tollgate/platform/shared/logger"
	"tollgate/platform/shared/types"
)

// ContextFetcher loads the principal aggregate at pipeline start.
type ContextFetcher interface {
	FetchPrincipalContext(ctx context.Context, principalID, projectID string) (*types.PrincipalContext, error)
}

// Tier routing caps. Requests under both go to the FAST evaluator.
const (
	DefaultFastCostCap = 1.0
	DefaultFastRiskCap = 5.0
)

// Options tunes the Engine.
type Options struct {
	// FastCostCap and FastRiskCap bound the FAST tier. Zero means the
	// defaults.
	FastCostCap float64
	FastRiskCap float64
}

// Deps are the pipeline collaborators. All are required except Fast and
// Deep, which may share one adjudicator.
type Deps struct {
	Contexts ContextFetcher
	Policies *policy.Manager
	Budgets  *budget.Tracker
	Prices   *pricing.Engine
	Risks    *risk.Detector
	Fast     adjudicator.Adjudicator
	Deep     adjudicator.Adjudicator
	Audit    *audit.Logger
}

// Engine runs the decision pipeline. It is safe for concurrent use; all
// mutable state lives in the collaborators.
type Engine struct {
	contexts ContextFetcher
	policies *policy.Manager
	budgets  *budget.Tracker
	prices   *pricing.Engine
	risks    *risk.Detector
	fast     adjudicator.Adjudicator
	deep     adjudicator.Adjudicator
	auditor  *audit.Logger
	log      *logger.Logger

	fastCostCap float64
	fastRiskCap float64
	now         func() time.Time
}

// NewEngine builds the pipeline over its collaborators.
func NewEngine(deps Deps, opts Options) *Engine {
	costCap := opts.FastCostCap
	if costCap <= 0 {
		costCap = DefaultFastCostCap
	}
	riskCap := opts.FastRiskCap
	if riskCap <= 0 {
		riskCap = DefaultFastRiskCap
	}
	fast := deps.Fast
	deep := deps.Deep
	if deep == nil {
		deep = fast
	}
	return &Engine{
		contexts:    deps.Contexts,
		policies:    deps.Policies,
		budgets:     deps.Budgets,
		prices:      deps.Prices,
		risks:       deps.Risks,
		fast:        fast,
		deep:        deep,
		auditor:     deps.Audit,
		log:         logger.New("decision-engine"),
		fastCostCap: costCap,
		fastRiskCap: riskCap,
		now:         time.Now,
	}
}

// Process runs the full pipeline and always returns a decision: rejections
// and internal failures come back as REJECTED/ERROR decisions, never as a
// panic or error to the caller. Payment and execution are the caller's job;
// they continue the same request-id audit chain.
func (e *Engine) Process(ctx context.Context, req *types.Request) (dec *Decision) {
	if req == nil {
		req = &types.Request{}
	}
	start := e.now()
	last := start
	lap := func(stage string) {
		now := e.now()
		metrics.DecisionStageDuration.WithLabelValues(stage).
			Observe(float64(now.Sub(last).Microseconds()) / 1000.0)
		last = now
	}
	defer func() {
		if r := recover(); r != nil {
			dec = e.finish(req, e.fail(req, fmt.Errorf("panic in decision pipeline: %v", r)), start, nil)
		}
	}()

	// Step 1: structure. Fails before any network traffic.
	req.Status = types.StatusValidating
	if serr := ValidateStructure(req); serr != nil {
		e.audit(e.auditor.LogError(req.RequestID, req.PrincipalID, req.ProjectID,
			fmt.Sprintf("Invalid request: %s: %s", serr.Field, serr.Reason),
			map[string]interface{}{"validation_error": serr.Error()}))

		d := e.rejected(req, "", fmt.Sprintf("Invalid request: %s: %s", serr.Field, serr.Reason),
			"Request validation failed")
		return e.finish(req, d, start, nil)
	}

	// Step 2: context and policies. Lookup failure is a hard error.
	pc, err := e.contexts.FetchPrincipalContext(ctx, req.PrincipalID, req.ProjectID)
	if err != nil {
		return e.finish(req, e.fail(req, fmt.Errorf("load principal context: %w", err)), start, nil)
	}
	system, err := e.policies.LoadSystem(ctx)
	if err != nil {
		return e.finish(req, e.fail(req, fmt.Errorf("load system policy: %w", err)), start, nil)
	}
	user := pc.Policy
	if user == nil {
		if user, err = e.policies.LoadUser(ctx, req.PrincipalID, req.ProjectID); err != nil {
			return e.finish(req, e.fail(req, fmt.Errorf("load user policy: %w", err)), start, nil)
		}
	}
	lap("context_load")

	// Step 3: allow-lists, checked here so whitelist violations are flagged
	// crisply before the general policy pass.
	allowListPolicies := []string{"provider_whitelist", "model_whitelist"}
	if v := policy.CheckAllowList(req.Provider, req.Model, user); v != nil {
		e.audit(e.auditor.LogPolicyCheck(req.RequestID, req.PrincipalID, req.ProjectID,
			allowListPolicies, map[string]interface{}{"validation": v.Details}, false))

		d := e.rejected(req, v.RejectionType(), v.Details, "Provider or model not in the principal's allow-lists")
		d.PoliciesChecked = allowListPolicies
		d.Violations = []string{v.Details}
		return e.finish(req, d, start, nil)
	}
	e.audit(e.auditor.LogPolicyCheck(req.RequestID, req.PrincipalID, req.ProjectID,
		allowListPolicies, map[string]interface{}{"validation": "passed"}, true))
	lap("allow_list")

	// Step 4: cost estimate, stamped on the request for every later step.
	estimate, err := e.prices.EstimateCost(ctx, req.Provider, req.Model, pricing.EstimateParams{
		InputTokens: req.EstimatedTokens,
	})
	if err != nil {
		return e.finish(req, e.fail(req, fmt.Errorf("estimate cost for %s/%s: %w", req.Provider, req.Model, err)), start, nil)
	}
	req.EstimatedCost = estimate.TotalCost
	lap("cost_estimate")

	// Step 5: budget. The tracker fails closed, so an error surfaces here as
	// an insufficient check.
	check := e.budgets.CheckSufficient(ctx, req.PrincipalID, req.ProjectID, req.EstimatedCost)
	e.audit(e.auditor.LogBudgetCheck(req.RequestID, req.PrincipalID, req.ProjectID,
		req.EstimatedCost, check.AvailableBalance, check.Sufficient))
	if !check.Sufficient {
		d := e.rejected(req, types.RejectionInsufficientBudget,
			fmt.Sprintf("Insufficient budget: $%.2f available, $%.2f required", check.AvailableBalance, req.EstimatedCost),
			"Budget check failed")
		d.CostEstimate = req.EstimatedCost
		return e.finish(req, d, start, nil)
	}
	lap("budget_check")

	// Step 6: layered policy compliance. The allow-list verdict from step 3
	// is replayed inside for a complete audit record.
	compliance := e.policies.CheckCompliance(req, user, system)
	if !compliance.Compliant {
		e.audit(e.auditor.LogPolicyCheck(req.RequestID, req.PrincipalID, req.ProjectID,
			compliance.PoliciesChecked, complianceResults(compliance), false))

		top := compliance.TopViolation()
		d := e.rejected(req, top.RejectionType(), compliance.RejectionReason(), "Policy compliance check failed")
		d.PoliciesChecked = compliance.PoliciesChecked
		d.Violations = compliance.ViolationDetails()
		d.CostEstimate = req.EstimatedCost
		return e.finish(req, d, start, nil)
	}
	warnings := append(compliance.Warnings, e.policies.CheckRateLimits(pc, user)...)
	lap("policy_check")

	// Step 7: risk. Never blocks on its own; the score gates below.
	assessment := e.risks.Assess(ctx, req, pc)
	e.audit(e.auditor.LogRiskAssessment(req.RequestID, req.PrincipalID, req.ProjectID,
		assessment.Score, map[string]interface{}{
			"factors":            assessment.FactorTypes(),
			"anomalies":          assessment.Anomalies,
			"recommended_action": string(assessment.RecommendedAction),
			"baseline_used":      assessment.BaselineUsed,
		}, string(assessment.Category)))
	lap("risk_assessment")

	if user.MaxRiskScore > 0 && assessment.Score > user.MaxRiskScore {
		d := e.rejected(req, types.RejectionRiskTooHigh,
			fmt.Sprintf("Risk score %.1f exceeds policy maximum %.1f", assessment.Score, user.MaxRiskScore),
			"Risk score above the policy ceiling")
		d.RiskScore = assessment.Score
		d.CostEstimate = req.EstimatedCost
		d.PoliciesChecked = compliance.PoliciesChecked
		return e.finish(req, d, start, nil)
	}

	// Step 8: tier routing and adjudication.
	tier, adj := TierFast, e.fast
	if req.EstimatedCost >= e.fastCostCap || assessment.Score >= e.fastRiskCap {
		tier, adj = TierDeep, e.deep
	}
	e.log.Debug(req.PrincipalID, req.RequestID, "routing to adjudicator tier", map[string]interface{}{
		"tier":           string(tier),
		"estimated_cost": req.EstimatedCost,
		"risk_score":     assessment.Score,
	})

	verdict, err := adj.Evaluate(ctx, &adjudicator.Review{
		Request:          req,
		EstimatedCost:    req.EstimatedCost,
		AvailableBalance: check.AvailableBalance,
		SpentToday:       pc.TotalSpentToday,
		RiskScore:        assessment.Score,
		RiskCategory:     string(assessment.Category),
		RiskFactors:      factorDescriptions(assessment),
		BaselineUsed:     assessment.BaselineUsed,
		PoliciesChecked:  compliance.PoliciesChecked,
	})
	if err != nil {
		return e.finish(req, e.fail(req, fmt.Errorf("adjudicate (%s tier): %w", tier, err)), start, nil)
	}
	lap("adjudication")

	d := e.newDecision(req)
	d.Tier = tier
	d.Reasoning = verdict.Reasoning
	d.Confidence = verdict.Confidence
	d.AgentID = verdict.AgentID
	d.RiskScore = assessment.Score
	d.CostEstimate = req.EstimatedCost
	d.PoliciesChecked = compliance.PoliciesChecked
	if verdict.Outcome == adjudicator.OutcomeApprove {
		d.Outcome = OutcomeApproved
		req.Status = types.StatusApproved
	} else {
		d.Outcome = OutcomeRejected
		d.RejectionReason = verdict.Reasoning
		req.Status = types.StatusRejected
	}

	// Steps 9-10: decision record and return.
	details := map[string]interface{}{}
	if len(warnings) > 0 {
		details["warnings"] = warnings
	}
	return e.finish(req, d, start, details)
}

func (e *Engine) newDecision(req *types.Request) *Decision {
	return &Decision{
		DecisionID: types.NewDecisionID(),
		RequestID:  req.RequestID,
		ReceiptID:  types.NewReceiptID(),
		Timestamp:  e.now().UTC(),
	}
}

// rejected builds a deterministic SYSTEM-tier rejection.
func (e *Engine) rejected(req *types.Request, code types.RejectionType, reason, reasoning string) *Decision {
	d := e.newDecision(req)
	d.Outcome = OutcomeRejected
	d.Tier = TierSystem
	d.Confidence = 1.0
	d.RejectionType = code
	d.RejectionReason = reason
	d.Reasoning = reasoning
	req.Status = types.StatusRejected
	return d
}

// fail converts an internal error into a SYSTEM-tier ERROR decision and puts
// the failure on the audit trail.
func (e *Engine) fail(req *types.Request, err error) *Decision {
	e.log.ErrorWithCode(req.PrincipalID, req.RequestID, "decision pipeline failed", "DECISION_PIPELINE", err, nil)
	e.audit(e.auditor.LogError(req.RequestID, req.PrincipalID, req.ProjectID, err.Error(), nil))

	d := e.newDecision(req)
	d.Outcome = OutcomeError
	d.Tier = TierSystem
	d.Confidence = 0
	d.RejectionType = types.RejectionSystemError
	d.RejectionReason = fmt.Sprintf("System error: %v", err)
	d.Reasoning = "Decision engine encountered an error"
	req.Status = types.StatusFailed
	return d
}

// finish writes the decision record, bumps the counters and returns the
// decision. Every terminal path funnels through here exactly once.
func (e *Engine) finish(req *types.Request, d *Decision, start time.Time, details map[string]interface{}) *Decision {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["risk_score"] = d.RiskScore
	details["estimated_cost"] = d.CostEstimate
	details["approval_confidence"] = d.Confidence
	if d.RejectionType != "" {
		details["rejection_type"] = string(d.RejectionType)
	}
	agentID := d.AgentID
	if agentID == "" {
		agentID = "system"
	}
	e.audit(e.auditor.LogAgentDecision(req.RequestID, req.PrincipalID, req.ProjectID,
		agentID, string(d.Tier), string(d.Outcome), d.Reasoning, details))

	metrics.RequestsTotal.WithLabelValues(string(d.Outcome)).Inc()
	if d.Outcome == OutcomeRejected && d.RejectionType != "" {
		metrics.RejectionsTotal.WithLabelValues(string(d.RejectionType)).Inc()
	}
	if d.Tier == TierFast || d.Tier == TierDeep {
		metrics.AdjudicationsTotal.WithLabelValues(string(d.Tier), string(d.Outcome)).Inc()
	}

	elapsedMS := float64(e.now().Sub(start).Microseconds()) / 1000.0
	metrics.DecisionStageDuration.WithLabelValues("total").Observe(elapsedMS)
	e.log.InfoWithDuration(req.PrincipalID, req.RequestID, "decision completed", elapsedMS, map[string]interface{}{
		"decision_id": d.DecisionID,
		"outcome":     string(d.Outcome),
		"tier":        string(d.Tier),
	})
	return d
}

// audit records a failed audit write without letting it alter the decision.
func (e *Engine) audit(err error) {
	if err != nil {
		e.log.Warn("", "", "audit write failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func complianceResults(result *policy.ComplianceResult) map[string]interface{} {
	out := map[string]interface{}{
		"results": result.Results(),
	}
	if details := result.ViolationDetails(); len(details) > 0 {
		out["violations"] = details
	}
	if len(result.Warnings) > 0 {
		out["warnings"] = result.Warnings
	}
	return out
}

func factorDescriptions(a *risk.Assessment) []string {
	if len(a.Factors) == 0 {
		return nil
	}
	out := make([]string, 0, len(a.Factors))
	for _, f := range a.Factors {
		out = append(out, f.Description)
	}
	return out
}
