// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package adjudicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/platform/shared/types"
)

func sampleReview() *Review {
	return &Review{
		Request: &types.Request{
			RequestID:   "req_1",
			PrincipalID: "user-1",
			ProjectID:   "proj-1",
			AgentID:     "agent-7",
			Provider:    "openai",
			Model:       "gpt-4o",
			Operation:   types.OperationChat,
		},
		EstimatedCost:    0.0123,
		AvailableBalance: 42.5,
		SpentToday:       1.25,
		RiskScore:        3.5,
		RiskCategory:     "medium",
		RiskFactors:      []string{"Request frequency 4.0x the baseline"},
		BaselineUsed:     false,
		PoliciesChecked:  []string{"provider_whitelist", "budget_limits"},
	}
}

func TestPromptRendersEvidence(t *testing.T) {
	prompt := Prompt(sampleReview())

	assert.Contains(t, prompt, "- Provider: openai")
	assert.Contains(t, prompt, "- Model: gpt-4o")
	assert.Contains(t, prompt, "- Submitted by agent: agent-7")
	assert.Contains(t, prompt, "- Estimated cost: $0.0123 USDC")
	assert.Contains(t, prompt, "- Available balance: $42.5000 USDC")
	assert.Contains(t, prompt, "- Spent today: $1.2500 USDC")
	assert.Contains(t, prompt, "- Policies passed: provider_whitelist, budget_limits")
	assert.Contains(t, prompt, "- Score: 3.5/10 (medium)")
	assert.Contains(t, prompt, "No behavioral baseline was available")
	assert.Contains(t, prompt, "Request frequency 4.0x the baseline")
	assert.Contains(t, prompt, `Respond with ONLY a JSON object`)
}

func TestPromptOmitsBaselineNoteWhenUsed(t *testing.T) {
	review := sampleReview()
	review.BaselineUsed = true
	review.Request.AgentID = ""

	prompt := Prompt(review)

	assert.NotContains(t, prompt, "No behavioral baseline was available")
	assert.NotContains(t, prompt, "Submitted by agent")
}

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		name           string
		raw            string
		wantOutcome    Outcome
		wantConfidence float64
		wantReasoning  string
	}{
		{
			name:           "bare approve token",
			raw:            "APPROVE",
			wantOutcome:    OutcomeApprove,
			wantConfidence: 0.5,
			wantReasoning:  "APPROVE",
		},
		{
			name:           "bare reject token lowercase",
			raw:            "reject",
			wantOutcome:    OutcomeReject,
			wantConfidence: 0.5,
			wantReasoning:  "reject",
		},
		{
			name:           "json with surrounding prose",
			raw:            `Here is my judgment: {"outcome":"approve","reasoning":"Within budget and policy","confidence":0.85} Thank you.`,
			wantOutcome:    OutcomeApprove,
			wantConfidence: 0.85,
			wantReasoning:  "Within budget and policy",
		},
		{
			name:           "missing confidence defaults to half",
			raw:            `{"outcome":"REJECT","reasoning":"Cost disproportionate"}`,
			wantOutcome:    OutcomeReject,
			wantConfidence: 0.5,
			wantReasoning:  "Cost disproportionate",
		},
		{
			name:           "confidence clamped high",
			raw:            `{"outcome":"APPROVE","reasoning":"ok","confidence":1.7}`,
			wantOutcome:    OutcomeApprove,
			wantConfidence: 1.0,
			wantReasoning:  "ok",
		},
		{
			name:           "confidence clamped low",
			raw:            `{"outcome":"APPROVE","reasoning":"ok","confidence":-0.2}`,
			wantOutcome:    OutcomeApprove,
			wantConfidence: 0.0,
			wantReasoning:  "ok",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := ParseVerdict(tc.raw, "adjudicator-test")
			require.NoError(t, err)
			assert.Equal(t, tc.wantOutcome, v.Outcome)
			assert.InDelta(t, tc.wantConfidence, v.Confidence, 1e-9)
			assert.Equal(t, tc.wantReasoning, v.Reasoning)
			assert.Equal(t, "adjudicator-test", v.AgentID)
		})
	}
}

func TestParseVerdictRejectsGarbage(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty response", ""},
		{"whitespace only", "   \n "},
		{"prose without json", "I think this request should probably go through."},
		{"malformed json", `{"outcome": }`},
		{"invalid outcome", `{"outcome":"MAYBE","reasoning":"unsure"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseVerdict(tc.raw, "adjudicator-test")
			assert.Error(t, err)
		})
	}
}
