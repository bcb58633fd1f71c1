// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package mongo

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tollgate/platform/payment"
)

func TestReservationDocMapping(t *testing.T) {
	reservedAt := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	doc := reservationDoc{
		ReservationID:   "res_abc",
		RequestID:       "req_123",
		PrincipalID:     "agent-1",
		ProjectID:       "proj-a",
		EstimatedAmount: 2.5,
		Currency:        "USDC",
		Status:          string(payment.StatusReserved),
		TxRef:           "0xdeadbeef",
		ReservedAt:      reservedAt,
	}

	res := doc.toReservation()

	assert.Equal(t, "res_abc", res.ReservationID)
	assert.Equal(t, "req_123", res.RequestID)
	assert.Equal(t, "agent-1", res.PrincipalID)
	assert.Equal(t, "proj-a", res.ProjectID)
	assert.Equal(t, 2.5, res.EstimatedAmount)
	assert.Equal(t, payment.StatusReserved, res.Status)
	assert.Equal(t, "0xdeadbeef", res.TxRef)
	assert.Equal(t, reservedAt, res.ReservedAt)
}

func TestNewTxRef(t *testing.T) {
	ref := newTxRef()

	assert.True(t, strings.HasPrefix(ref, "0x"))
	assert.Len(t, ref, 2+32)
	assert.NotEqual(t, ref, newTxRef())
}
