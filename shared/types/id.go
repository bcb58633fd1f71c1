// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package types

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Identifier prefixes. Every id the core generates is prefix + hex so that a
// bare id string in a log line or audit event is self-describing.
const (
	requestIDPrefix     = "req_"
	decisionIDPrefix    = "dec_"
	receiptIDPrefix     = "rcpt_"
	logIDPrefix         = "log_"
	reservationIDPrefix = "res_"
	paymentIDPrefix     = "pay_"
)

// NewRequestID returns a fresh request id (req_ + 16 hex chars).
func NewRequestID() string { return newID(requestIDPrefix, 16) }

// NewDecisionID returns a fresh decision id (dec_ + 16 hex chars).
func NewDecisionID() string { return newID(decisionIDPrefix, 16) }

// NewReceiptID returns a fresh receipt id (rcpt_ + 12 hex chars).
func NewReceiptID() string { return newID(receiptIDPrefix, 12) }

// NewLogID returns a fresh audit log id (log_ + 16 hex chars).
func NewLogID() string { return newID(logIDPrefix, 16) }

// NewReservationID returns a fresh payment reservation id (res_ + 16 hex chars).
func NewReservationID() string { return newID(reservationIDPrefix, 16) }

// NewPaymentID returns a fresh payment id (pay_ + 16 hex chars).
func NewPaymentID() string { return newID(paymentIDPrefix, 16) }

func newID(prefix string, n int) string {
	u := uuid.New()
	return prefix + hex.EncodeToString(u[:])[:n]
}
