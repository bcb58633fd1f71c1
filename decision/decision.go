// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package decision orchestrates the payment decision pipeline: structural
// validation, context load, allow-lists, cost estimation, budget, layered
// policy compliance, risk scoring and tier adjudication, in that fixed
// order. Process never fails to the caller; whatever goes wrong inside
// becomes a SYSTEM-tier decision with the failure on the audit trail.
package decision

import (
	"time"

	"tollgate/platform/shared/types"
)

// Outcome is the terminal disposition of a request.
type Outcome string

const (
	OutcomeApproved  Outcome = "APPROVED"
	OutcomeRejected  Outcome = "REJECTED"
	OutcomeEscalated Outcome = "ESCALATED"
	OutcomeError     Outcome = "ERROR"
)

// Tier identifies which evaluator produced the decision. SYSTEM marks
// decisions made deterministically without an adjudicator.
type Tier string

const (
	TierFast   Tier = "FAST"
	TierDeep   Tier = "DEEP"
	TierSystem Tier = "SYSTEM"
)

// Decision is the immutable record of one pipeline run. Nothing mutates it
// after Process returns; execution results live on the payment records.
type Decision struct {
	DecisionID string  `json:"decision_id"`
	RequestID  string  `json:"request_id"`
	Outcome    Outcome `json:"outcome"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
	Tier       Tier    `json:"tier"`

	RejectionReason string              `json:"rejection_reason,omitempty"`
	RejectionType   types.RejectionType `json:"rejection_type,omitempty"`

	RiskScore    float64 `json:"risk_score,omitempty"`
	CostEstimate float64 `json:"cost_estimate,omitempty"`

	PoliciesChecked []string `json:"policies_checked,omitempty"`
	Violations      []string `json:"violations,omitempty"`

	AgentID   string    `json:"agent_id,omitempty"`
	ReceiptID string    `json:"receipt_id"`
	TxRef     string    `json:"tx_ref,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsApproved reports whether the request may proceed to payment and
// execution.
func (d *Decision) IsApproved() bool {
	return d.Outcome == OutcomeApproved
}

// IsRejected reports whether the request was turned down by policy, budget,
// risk or an adjudicator.
func (d *Decision) IsRejected() bool {
	return d.Outcome == OutcomeRejected
}
