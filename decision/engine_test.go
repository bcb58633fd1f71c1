// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package decision

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/platform/adjudicator"
	"tollgate/platform/audit"
	"tollgate/platform/budget"
	"tollgate/platform/policy"
	"tollgate/platform/pricing"
	"tollgate/platform/risk"
	"tollgate/platform/shared/types"
)

type fakeContexts struct {
	pc    *types.PrincipalContext
	err   error
	calls int
}

func (f *fakeContexts) FetchPrincipalContext(_ context.Context, principalID, projectID string) (*types.PrincipalContext, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.pc, nil
}

type fakePolicyFetcher struct {
	system *types.SystemPolicy
	user   *types.UserPolicy
	sysErr error
}

func (f *fakePolicyFetcher) FetchSystemPolicy(_ context.Context) (*types.SystemPolicy, error) {
	if f.sysErr != nil {
		return nil, f.sysErr
	}
	return f.system, nil
}

func (f *fakePolicyFetcher) FetchUserPolicy(_ context.Context, principalID, projectID string) (*types.UserPolicy, error) {
	return f.user, nil
}

type fakePriceFetcher struct {
	pricing *pricing.Pricing
	err     error
}

func (f *fakePriceFetcher) FetchPricing(_ context.Context, provider, model string) (*pricing.Pricing, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pricing, nil
}

func (f *fakePriceFetcher) FetchPricingHistory(_ context.Context, provider, model string, days int) ([]*pricing.Pricing, error) {
	return nil, nil
}

type fakeBudgetFetcher struct {
	balance float64
	err     error
}

func (f *fakeBudgetFetcher) FetchAvailableBalance(_ context.Context, principalID, projectID string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.balance, nil
}

func (f *fakeBudgetFetcher) FetchBudgetStatus(_ context.Context, principalID, projectID string) (*budget.Status, error) {
	return &budget.Status{PrincipalID: principalID, ProjectID: projectID, AvailableBalance: f.balance}, nil
}

func (f *fakeBudgetFetcher) FetchSpending(_ context.Context, principalID, projectID string, period budget.Period) (float64, error) {
	return 0, nil
}

func (f *fakeBudgetFetcher) FetchAnalytics(_ context.Context, principalID, projectID string, period budget.Period, start, end time.Time) (*budget.Analytics, error) {
	return &budget.Analytics{}, nil
}

type fakeBaselineFetcher struct {
	baseline *risk.Baseline
	err      error
}

func (f *fakeBaselineFetcher) FetchBaseline(_ context.Context, principalID, projectID string, lookbackDays int) (*risk.Baseline, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.baseline, nil
}

type fakeAdjudicator struct {
	verdict *adjudicator.Verdict
	err     error
	calls   int
	last    *adjudicator.Review
}

func (f *fakeAdjudicator) Evaluate(_ context.Context, review *adjudicator.Review) (*adjudicator.Verdict, error) {
	f.calls++
	f.last = review
	if f.err != nil {
		return nil, f.err
	}
	return f.verdict, nil
}

func approveVerdict(agentID string) *adjudicator.Verdict {
	return &adjudicator.Verdict{
		Outcome:    adjudicator.OutcomeApprove,
		Reasoning:  "Routine request within budget and policy",
		Confidence: 0.92,
		AgentID:    agentID,
	}
}

// harness wires an Engine over fakes for everything but the audit logger,
// which runs for real against a temp directory so event sequences and hash
// chains can be asserted.
type harness struct {
	engine   *Engine
	contexts *fakeContexts
	budgets  *fakeBudgetFetcher
	prices   *fakePriceFetcher
	fast     *fakeAdjudicator
	deep     *fakeAdjudicator
	auditor  *audit.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	auditor, err := audit.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditor.Close() })

	user := types.NewUserPolicy("user-1", "proj-1")
	user.AllowedProviders = []string{"openai"}
	user.AllowedModels = map[string][]string{"openai": {"gpt-4o-mini"}}

	contexts := &fakeContexts{pc: &types.PrincipalContext{
		PrincipalID: "user-1",
		ProjectID:   "proj-1",
		Policy:      user,
	}}
	budgets := &fakeBudgetFetcher{balance: 100}
	prices := &fakePriceFetcher{pricing: &pricing.Pricing{
		Provider:     "openai",
		ModelName:    "gpt-4o-mini",
		PricingModel: pricing.ModelTokenBased,
		InputPer1K:   0.0005,
		OutputPer1K:  0.0015,
		Currency:     "USD",
	}}
	fast := &fakeAdjudicator{verdict: approveVerdict("sentinel-fast-1")}
	deep := &fakeAdjudicator{verdict: approveVerdict("sentinel-deep-1")}

	eng := NewEngine(Deps{
		Contexts: contexts,
		Policies: policy.NewManager(&fakePolicyFetcher{system: types.DefaultSystemPolicy(), user: user}, policy.Options{}),
		Budgets:  budget.NewTracker(budgets, budget.Options{}),
		Prices:   pricing.NewEngine(prices, pricing.Options{}),
		Risks:    risk.NewDetector(risk.NewTracker(&fakeBaselineFetcher{}), nil),
		Fast:     fast,
		Deep:     deep,
		Audit:    auditor,
	}, Options{})

	return &harness{
		engine:   eng,
		contexts: contexts,
		budgets:  budgets,
		prices:   prices,
		fast:     fast,
		deep:     deep,
		auditor:  auditor,
	}
}

func chatRequest() *types.Request {
	return types.NewRequest("user-1", "proj-1", "openai", "gpt-4o-mini", types.OperationChat)
}

func eventTypes(t *testing.T, auditor *audit.Logger, requestID string) []audit.EventType {
	t.Helper()
	trail, err := auditor.GetTrail(requestID)
	require.NoError(t, err)
	out := make([]audit.EventType, 0, len(trail.Events))
	for _, e := range trail.Events {
		out = append(out, e.EventType)
	}
	return out
}

func TestProcessApprovesRoutineRequest(t *testing.T) {
	h := newHarness(t)
	req := chatRequest()

	d := h.engine.Process(context.Background(), req)

	assert.Equal(t, OutcomeApproved, d.Outcome)
	assert.Equal(t, TierFast, d.Tier)
	assert.True(t, d.IsApproved())

	// 1000 input + 500 assumed output at the configured per-1K rates, plus
	// the 5% platform fee.
	assert.InDelta(t, 0.0013125, d.CostEstimate, 1e-9)
	assert.InDelta(t, 0.0013125, req.EstimatedCost, 1e-9)
	assert.InDelta(t, 1.0, d.RiskScore, 1e-9)

	assert.Equal(t, "sentinel-fast-1", d.AgentID)
	assert.InDelta(t, 0.92, d.Confidence, 1e-9)
	assert.Empty(t, d.RejectionType)
	assert.Equal(t, req.RequestID, d.RequestID)
	assert.True(t, len(d.DecisionID) > 4 && d.DecisionID[:4] == "dec_")
	assert.True(t, len(d.ReceiptID) > 5 && d.ReceiptID[:5] == "rcpt_")
	assert.Equal(t, types.StatusApproved, req.Status)
	assert.Contains(t, d.PoliciesChecked, "provider_whitelist")
	assert.Contains(t, d.PoliciesChecked, "time_restrictions")

	assert.Equal(t, 1, h.fast.calls)
	assert.Equal(t, 0, h.deep.calls)
	require.NotNil(t, h.fast.last)
	assert.InDelta(t, 0.0013125, h.fast.last.EstimatedCost, 1e-9)
	assert.InDelta(t, 100.0, h.fast.last.AvailableBalance, 1e-9)
	assert.False(t, h.fast.last.BaselineUsed)

	assert.Equal(t, []audit.EventType{
		audit.EventPolicyCheck,
		audit.EventBudgetCheck,
		audit.EventRiskAssessment,
		audit.EventAgentDecision,
	}, eventTypes(t, h.auditor, req.RequestID))
}

func TestProcessRejectsUnlistedProvider(t *testing.T) {
	h := newHarness(t)
	req := chatRequest()
	req.Provider = "anthropic"

	d := h.engine.Process(context.Background(), req)

	assert.Equal(t, OutcomeRejected, d.Outcome)
	assert.Equal(t, TierSystem, d.Tier)
	assert.Equal(t, types.RejectionUnauthorizedProvider, d.RejectionType)
	assert.Contains(t, d.RejectionReason, "anthropic")
	assert.InDelta(t, 1.0, d.Confidence, 1e-9)
	assert.Equal(t, []string{"provider_whitelist", "model_whitelist"}, d.PoliciesChecked)
	assert.Equal(t, types.StatusRejected, req.Status)

	// Rejected before pricing, budget, risk or adjudication ran.
	assert.Zero(t, req.EstimatedCost)
	assert.Equal(t, 0, h.fast.calls)
	assert.Equal(t, 0, h.deep.calls)
	assert.Equal(t, []audit.EventType{
		audit.EventPolicyCheck,
		audit.EventAgentDecision,
	}, eventTypes(t, h.auditor, req.RequestID))
}

func TestProcessRejectsUnlistedModel(t *testing.T) {
	h := newHarness(t)
	req := chatRequest()
	req.Model = "gpt-4o"

	d := h.engine.Process(context.Background(), req)

	assert.Equal(t, OutcomeRejected, d.Outcome)
	assert.Equal(t, types.RejectionUnauthorizedModel, d.RejectionType)
	assert.Contains(t, d.RejectionReason, "gpt-4o")
	assert.Equal(t, 0, h.fast.calls)
}

func TestProcessRejectsInsufficientBudget(t *testing.T) {
	h := newHarness(t)
	h.budgets.balance = 0.50
	// 1000 input + 500 output at $1/$2 per 1K is $2.00 base, $2.10 with fee.
	h.prices.pricing.InputPer1K = 1.0
	h.prices.pricing.OutputPer1K = 2.0
	req := chatRequest()

	d := h.engine.Process(context.Background(), req)

	assert.Equal(t, OutcomeRejected, d.Outcome)
	assert.Equal(t, TierSystem, d.Tier)
	assert.Equal(t, types.RejectionInsufficientBudget, d.RejectionType)
	assert.Equal(t, "Insufficient budget: $0.50 available, $2.10 required", d.RejectionReason)
	assert.InDelta(t, 2.10, d.CostEstimate, 1e-9)
	assert.Equal(t, 0, h.fast.calls)

	// Risk never ran; the budget check itself is on the trail.
	assert.Equal(t, []audit.EventType{
		audit.EventPolicyCheck,
		audit.EventBudgetCheck,
		audit.EventAgentDecision,
	}, eventTypes(t, h.auditor, req.RequestID))
}

func TestProcessFailsClosedWhenBalanceUnavailable(t *testing.T) {
	h := newHarness(t)
	h.budgets.err = errors.New("ledger offline")
	req := chatRequest()

	d := h.engine.Process(context.Background(), req)

	assert.Equal(t, OutcomeRejected, d.Outcome)
	assert.Equal(t, types.RejectionInsufficientBudget, d.RejectionType)
	assert.Equal(t, 0, h.fast.calls)
}

func TestProcessRejectsPolicyViolation(t *testing.T) {
	h := newHarness(t)
	user := h.contexts.pc.Policy
	user.ForbiddenOperations = []string{"openai.gpt-4o-mini.chat"}
	req := chatRequest()

	d := h.engine.Process(context.Background(), req)

	assert.Equal(t, OutcomeRejected, d.Outcome)
	assert.Equal(t, types.RejectionForbiddenOperation, d.RejectionType)
	assert.Contains(t, d.RejectionReason, "explicitly forbidden")
	assert.NotEmpty(t, d.Violations)
	assert.Equal(t, 0, h.fast.calls)

	// The compliance failure is recorded as a second policy_check event after
	// the allow-list pass.
	assert.Equal(t, []audit.EventType{
		audit.EventPolicyCheck,
		audit.EventBudgetCheck,
		audit.EventPolicyCheck,
		audit.EventAgentDecision,
	}, eventTypes(t, h.auditor, req.RequestID))
}

func TestProcessRejectsWhenRiskExceedsPolicyCeiling(t *testing.T) {
	h := newHarness(t)
	h.contexts.pc.Policy.MaxRiskScore = 2.0
	h.contexts.pc.RecentRejections = 5 // +2.0 on the base score of 1.0
	req := chatRequest()

	d := h.engine.Process(context.Background(), req)

	assert.Equal(t, OutcomeRejected, d.Outcome)
	assert.Equal(t, types.RejectionRiskTooHigh, d.RejectionType)
	assert.Equal(t, "Risk score 3.0 exceeds policy maximum 2.0", d.RejectionReason)
	assert.InDelta(t, 3.0, d.RiskScore, 1e-9)
	assert.Equal(t, 0, h.fast.calls)
	assert.Equal(t, 0, h.deep.calls)

	assert.Equal(t, []audit.EventType{
		audit.EventPolicyCheck,
		audit.EventBudgetCheck,
		audit.EventRiskAssessment,
		audit.EventAgentDecision,
	}, eventTypes(t, h.auditor, req.RequestID))
}

func TestProcessSkipsRiskCeilingWhenUnset(t *testing.T) {
	h := newHarness(t)
	h.contexts.pc.Policy.MaxRiskScore = 0 // disabled
	h.contexts.pc.RecentRejections = 5
	req := chatRequest()

	d := h.engine.Process(context.Background(), req)

	assert.Equal(t, OutcomeApproved, d.Outcome)
	assert.InDelta(t, 3.0, d.RiskScore, 1e-9)
}

func TestProcessRoutesByCostAndRisk(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(h *harness)
		mutate   func(req *types.Request)
		wantTier Tier
	}{
		{
			name:     "cheap and quiet goes fast",
			setup:    func(h *harness) {},
			wantTier: TierFast,
		},
		{
			name: "costly request goes deep",
			setup: func(h *harness) {
				h.prices.pricing.InputPer1K = 1.0
				h.prices.pricing.OutputPer1K = 2.0
			},
			wantTier: TierDeep,
		},
		{
			name: "moderate risk stays fast",
			setup: func(h *harness) {
				h.contexts.pc.Policy.MaxRiskScore = 0
				h.contexts.pc.RecentRejections = 5 // base 1.0 + 2.0 = 3.0, under the cap
			},
			wantTier: TierFast,
		},
		{
			name: "risky request goes deep",
			setup: func(h *harness) {
				// Base 1.0 + rejections 2.0 + new agent 1.5 + exhaustion 1.5 = 6.0.
				h.contexts.pc.Policy.MaxRiskScore = 0
				h.contexts.pc.RecentRejections = 5
				h.contexts.pc.TotalSpentToday = 95
				h.contexts.pc.TotalRequestsToday = 51
			},
			mutate: func(req *types.Request) {
				req.AgentID = "agent-unseen"
			},
			wantTier: TierDeep,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			req := chatRequest()
			if tt.mutate != nil {
				tt.mutate(req)
			}

			d := h.engine.Process(context.Background(), req)

			require.Equal(t, OutcomeApproved, d.Outcome)
			assert.Equal(t, tt.wantTier, d.Tier)
			if tt.wantTier == TierDeep {
				assert.Equal(t, 0, h.fast.calls)
				assert.Equal(t, 1, h.deep.calls)
				assert.Equal(t, "sentinel-deep-1", d.AgentID)
			} else {
				assert.Equal(t, 1, h.fast.calls)
				assert.Equal(t, 0, h.deep.calls)
			}
		})
	}
}

func TestNewEngineSharesFastAdjudicatorWhenDeepMissing(t *testing.T) {
	h := newHarness(t)
	h.prices.pricing.InputPer1K = 1.0
	h.prices.pricing.OutputPer1K = 2.0

	// Rebuild with only the fast adjudicator wired.
	eng := NewEngine(Deps{
		Contexts: h.contexts,
		Policies: policy.NewManager(&fakePolicyFetcher{system: types.DefaultSystemPolicy()}, policy.Options{}),
		Budgets:  budget.NewTracker(h.budgets, budget.Options{}),
		Prices:   pricing.NewEngine(h.prices, pricing.Options{}),
		Risks:    risk.NewDetector(risk.NewTracker(&fakeBaselineFetcher{}), nil),
		Fast:     h.fast,
		Audit:    h.auditor,
	}, Options{})

	d := eng.Process(context.Background(), chatRequest())

	assert.Equal(t, OutcomeApproved, d.Outcome)
	assert.Equal(t, TierDeep, d.Tier)
	assert.Equal(t, 1, h.fast.calls)
}

func TestProcessHonorsAdjudicatorRejection(t *testing.T) {
	h := newHarness(t)
	h.fast.verdict = &adjudicator.Verdict{
		Outcome:    adjudicator.OutcomeReject,
		Reasoning:  "Spending pattern inconsistent with recent history",
		Confidence: 0.81,
		AgentID:    "sentinel-fast-1",
	}
	req := chatRequest()

	d := h.engine.Process(context.Background(), req)

	assert.Equal(t, OutcomeRejected, d.Outcome)
	assert.Equal(t, TierFast, d.Tier)
	assert.Equal(t, "Spending pattern inconsistent with recent history", d.RejectionReason)
	assert.Empty(t, d.RejectionType)
	assert.Equal(t, types.StatusRejected, req.Status)
}

func TestProcessRejectsMalformedRequests(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(req *types.Request)
		wantField string
	}{
		{
			name:      "missing provider",
			mutate:    func(req *types.Request) { req.Provider = "" },
			wantField: "provider",
		},
		{
			name:      "missing principal",
			mutate:    func(req *types.Request) { req.PrincipalID = "" },
			wantField: "principal_id",
		},
		{
			name:      "negative tokens",
			mutate:    func(req *types.Request) { req.EstimatedTokens = -1 },
			wantField: "estimated_tokens",
		},
		{
			name:      "tokens beyond maximum",
			mutate:    func(req *types.Request) { req.EstimatedTokens = types.MaxEstimatedTokens + 1 },
			wantField: "estimated_tokens",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := chatRequest()
			tt.mutate(req)

			d := h.engine.Process(context.Background(), req)

			assert.Equal(t, OutcomeRejected, d.Outcome)
			assert.Equal(t, TierSystem, d.Tier)
			assert.InDelta(t, 1.0, d.Confidence, 1e-9)
			assert.Empty(t, d.RejectionType)
			assert.Contains(t, d.RejectionReason, tt.wantField)
			assert.Equal(t, types.StatusRejected, req.Status)

			// Nothing downstream ran.
			assert.Equal(t, 0, h.contexts.calls)
			assert.Equal(t, 0, h.fast.calls)

			evts := eventTypes(t, h.auditor, req.RequestID)
			require.Len(t, evts, 2)
			assert.Equal(t, audit.EventError, evts[0])
			assert.Equal(t, audit.EventAgentDecision, evts[1])
		})
	}
}

func TestProcessHandlesNilRequest(t *testing.T) {
	h := newHarness(t)

	d := h.engine.Process(context.Background(), nil)

	require.NotNil(t, d)
	assert.Equal(t, OutcomeRejected, d.Outcome)
	assert.Equal(t, 0, h.contexts.calls)
}

func TestProcessTurnsInternalFailuresIntoErrorDecisions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{
			name:  "context load failure",
			setup: func(h *harness) { h.contexts.err = errors.New("store unavailable") },
		},
		{
			name:  "pricing lookup failure",
			setup: func(h *harness) { h.prices.err = errors.New("no pricing row") },
		},
		{
			name:  "adjudicator failure",
			setup: func(h *harness) { h.fast.err = errors.New("model timeout") },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			req := chatRequest()

			d := h.engine.Process(context.Background(), req)

			assert.Equal(t, OutcomeError, d.Outcome)
			assert.Equal(t, TierSystem, d.Tier)
			assert.Equal(t, types.RejectionSystemError, d.RejectionType)
			assert.Contains(t, d.RejectionReason, "System error:")
			assert.Zero(t, d.Confidence)
			assert.Equal(t, types.StatusFailed, req.Status)

			trail, err := h.auditor.GetTrail(req.RequestID)
			require.NoError(t, err)
			errs := trail.EventsByType(audit.EventError)
			require.Len(t, errs, 1)
			assert.Equal(t, audit.EventAgentDecision, trail.Events[len(trail.Events)-1].EventType)
		})
	}
}

func TestProcessKeepsAuditChainVerifiable(t *testing.T) {
	h := newHarness(t)
	req := chatRequest()

	d := h.engine.Process(context.Background(), req)
	require.Equal(t, OutcomeApproved, d.Outcome)

	trail, err := h.auditor.GetTrail(req.RequestID)
	require.NoError(t, err)
	require.NoError(t, trail.Verify())
	assert.True(t, trail.VerifyIntegrity())

	// The decision record carries the evidence the verdict rests on.
	final := trail.Events[len(trail.Events)-1]
	require.Equal(t, audit.EventAgentDecision, final.EventType)
	assert.Equal(t, "sentinel-fast-1", final.AgentID)
	assert.Equal(t, string(OutcomeApproved), final.Details["decision"])
	assert.Equal(t, string(TierFast), final.Details["agent_tier"])
}

func TestProcessIsDeterministicBeforeAdjudication(t *testing.T) {
	run := func() *Decision {
		h := newHarness(t)
		req := chatRequest()
		req.RequestID = "req_fixed000000000"
		return h.engine.Process(context.Background(), req)
	}

	first, second := run(), run()

	assert.Equal(t, first.Outcome, second.Outcome)
	assert.Equal(t, first.Tier, second.Tier)
	assert.Equal(t, first.CostEstimate, second.CostEstimate)
	assert.Equal(t, first.RiskScore, second.RiskScore)
	assert.Equal(t, first.PoliciesChecked, second.PoliciesChecked)
}

func TestValidateStructure(t *testing.T) {
	t.Run("accepts complete request", func(t *testing.T) {
		assert.Nil(t, ValidateStructure(chatRequest()))
	})

	t.Run("reports first missing field", func(t *testing.T) {
		serr := ValidateStructure(&types.Request{})
		require.NotNil(t, serr)
		assert.Equal(t, "request_id", serr.Field)
		assert.EqualError(t, serr, "invalid request: request_id: missing required field")
	})

	t.Run("bounds token estimates", func(t *testing.T) {
		req := chatRequest()
		req.EstimatedTokens = types.MaxEstimatedTokens + 1
		serr := ValidateStructure(req)
		require.NotNil(t, serr)
		assert.Equal(t, "estimated_tokens", serr.Field)
		assert.Contains(t, serr.Reason, fmt.Sprintf("%d", types.MaxEstimatedTokens))
	})
}
