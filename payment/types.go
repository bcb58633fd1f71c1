// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package payment executes the pay-estimated model for approved requests.
// The principal pays the estimated amount in a single ledger transaction at
// reserve time; settlement records the actual cost and the variance but
// never writes to the ledger again. Overpayments are not refunded on-ledger,
// that would double the transaction fees.
package payment

import (
	"fmt"
	"time"
)

const defaultCurrency = "USDC"

// Status of a payment transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReserved  Status = "reserved"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
	StatusCancelled Status = "cancelled"
)

// Reservation is the single on-ledger payment for one request. The estimated
// amount is what the principal actually pays.
type Reservation struct {
	ReservationID string `json:"reservation_id"`
	RequestID     string `json:"request_id"`
	PrincipalID   string `json:"principal_id"`
	ProjectID     string `json:"project_id"`

	EstimatedAmount float64 `json:"estimated_amount"`
	Currency        string  `json:"currency"`

	Status     Status    `json:"status"`
	ReservedAt time.Time `json:"reserved_at"`

	TxRef       string `json:"tx_ref,omitempty"`
	BlockNumber int64  `json:"block_number,omitempty"`
}

// Result is the settlement record for one reservation. The tx_ref is the
// reserve transaction; settlement itself is ledger-free.
type Result struct {
	PaymentID     string `json:"payment_id"`
	RequestID     string `json:"request_id"`
	ReservationID string `json:"reservation_id"`

	EstimatedAmount float64 `json:"estimated_amount"`
	ActualAmount    float64 `json:"actual_amount"`
	VarianceAmount  float64 `json:"variance_amount"`
	VariancePercent float64 `json:"variance_percent"`
	Currency        string  `json:"currency"`

	Status   Status `json:"status"`
	Provider string `json:"provider"`

	InitiatedAt time.Time `json:"initiated_at"`
	CompletedAt time.Time `json:"completed_at"`

	TxRef       string `json:"tx_ref,omitempty"`
	BlockNumber int64  `json:"block_number,omitempty"`

	Error string `json:"error,omitempty"`
}

// VarianceNote renders the estimate accuracy for logs and audit details.
func (r *Result) VarianceNote() string {
	switch {
	case r.VarianceAmount > 0:
		return fmt.Sprintf("saved $%.4f (%.1f%%)", r.VarianceAmount, r.VariancePercent)
	case r.VarianceAmount < 0:
		return fmt.Sprintf("over by $%.4f (%.1f%%)", -r.VarianceAmount, -r.VariancePercent)
	default:
		return "exact estimate"
	}
}

// Commit is the reconciliation record sent to the ledger at settlement.
type Commit struct {
	ReservationID   string  `json:"reservation_id"`
	RequestID       string  `json:"request_id"`
	EstimatedAmount float64 `json:"estimated_amount"`
	ActualAmount    float64 `json:"actual_amount"`
	VarianceAmount  float64 `json:"variance_amount"`
	VariancePercent float64 `json:"variance_percent"`
	Provider        string  `json:"provider"`
	Currency        string  `json:"currency"`
}

// ComputeVariance derives the variance fields from an estimate and an actual
// cost. Positive variance means the principal overpaid, negative means the
// estimate ran short. A zero estimate yields a zero percentage.
func ComputeVariance(estimated, actual float64) (amount, percent float64) {
	amount = estimated - actual
	if estimated > 0 {
		percent = amount / estimated * 100
	}
	return amount, percent
}
