// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package adjudicator renders APPROVE/REJECT judgments on requests that
// cleared the deterministic pipeline checks. The FAST and DEEP tiers are two
// instances of the same client differing only in the model they call; the
// wire protocol, prompt, and verdict parsing are identical.
package adjudicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tollgate/platform/shared/types"
)

// Outcome is the adjudicator's judgment.
type Outcome string

const (
	OutcomeApprove Outcome = "APPROVE"
	OutcomeReject  Outcome = "REJECT"
)

// Verdict is one adjudication result. Reasoning is recorded verbatim in the
// audit trail.
type Verdict struct {
	Outcome    Outcome `json:"outcome"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
	AgentID    string  `json:"agent_id"`
}

// Review is the evidence bundle the decision engine hands to an adjudicator:
// the request plus the flattened results of the deterministic checks.
type Review struct {
	Request *types.Request

	EstimatedCost    float64
	AvailableBalance float64
	SpentToday       float64

	RiskScore    float64
	RiskCategory string
	RiskFactors  []string
	BaselineUsed bool

	PoliciesChecked []string
}

// Adjudicator is the opaque judgment function the engine invokes after tier
// routing.
type Adjudicator interface {
	Evaluate(ctx context.Context, review *Review) (*Verdict, error)
}

// Prompt renders the evidence bundle into the adjudication instruction.
func Prompt(review *Review) string {
	var sb strings.Builder
	sb.WriteString("You are the payment adjudicator for an autonomous API gateway.\n")
	sb.WriteString("Decide whether the gateway should pay for and forward this request.\n\n")

	req := review.Request
	sb.WriteString("REQUEST:\n")
	fmt.Fprintf(&sb, "- Provider: %s\n", req.Provider)
	fmt.Fprintf(&sb, "- Model: %s\n", req.Model)
	fmt.Fprintf(&sb, "- Operation: %s\n", req.Operation)
	if req.AgentID != "" {
		fmt.Fprintf(&sb, "- Submitted by agent: %s\n", req.AgentID)
	}
	fmt.Fprintf(&sb, "- Estimated cost: $%.4f USDC\n\n", review.EstimatedCost)

	sb.WriteString("PRINCIPAL:\n")
	fmt.Fprintf(&sb, "- Available balance: $%.4f USDC\n", review.AvailableBalance)
	fmt.Fprintf(&sb, "- Spent today: $%.4f USDC\n", review.SpentToday)
	if len(review.PoliciesChecked) > 0 {
		fmt.Fprintf(&sb, "- Policies passed: %s\n", strings.Join(review.PoliciesChecked, ", "))
	}

	sb.WriteString("\nRISK:\n")
	fmt.Fprintf(&sb, "- Score: %.1f/10 (%s)\n", review.RiskScore, review.RiskCategory)
	if !review.BaselineUsed {
		sb.WriteString("- No behavioral baseline was available\n")
	}
	for _, factor := range review.RiskFactors {
		fmt.Fprintf(&sb, "- %s\n", factor)
	}

	sb.WriteString("\nCRITERIA:\n")
	sb.WriteString("1. APPROVE IF the request is consistent with the principal's history and policies, and the cost is proportionate to the task.\n")
	sb.WriteString("2. REJECT IF the request looks fraudulent or wasteful, or the risk factors outweigh the principal's intent.\n\n")

	sb.WriteString(`INSTRUCTION: Respond with ONLY a JSON object of the form {"outcome": "APPROVE" or "REJECT", "reasoning": "<one or two sentences>", "confidence": <number between 0.0 and 1.0>}. Do not explain outside the JSON.`)
	return sb.String()
}

// ParseVerdict extracts a Verdict from a raw model response. A bare APPROVE
// or REJECT token is accepted; otherwise the first JSON object in the text
// is parsed. Anything else is an error, never a silent approval.
func ParseVerdict(raw, agentID string) (*Verdict, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("empty adjudicator response")
	}

	switch Outcome(strings.ToUpper(trimmed)) {
	case OutcomeApprove, OutcomeReject:
		return &Verdict{
			Outcome:    Outcome(strings.ToUpper(trimmed)),
			Reasoning:  trimmed,
			Confidence: 0.5,
			AgentID:    agentID,
		}, nil
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no verdict object in adjudicator response %.120q", trimmed)
	}

	var payload struct {
		Outcome    string   `json:"outcome"`
		Reasoning  string   `json:"reasoning"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("parse adjudicator response: %w", err)
	}

	outcome := Outcome(strings.ToUpper(strings.TrimSpace(payload.Outcome)))
	if outcome != OutcomeApprove && outcome != OutcomeReject {
		return nil, fmt.Errorf("invalid adjudicator outcome %q", payload.Outcome)
	}

	confidence := 0.5
	if payload.Confidence != nil {
		confidence = *payload.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
	}

	return &Verdict{
		Outcome:    outcome,
		Reasoning:  payload.Reasoning,
		Confidence: confidence,
		AgentID:    agentID,
	}, nil
}
