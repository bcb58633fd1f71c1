// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package payment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	reserveErr error
	commitErr  error
	statusErr  error
	status     map[string]interface{}

	reserveCalls int
	commitCalls  int
	lastCommit   Commit
}

func (f *fakeLedger) CreateReservation(ctx context.Context, requestID, principalID, projectID string, estimatedAmount float64) (*Reservation, error) {
	f.reserveCalls++
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	return &Reservation{
		ReservationID: fmt.Sprintf("rsv-%d", f.reserveCalls),
		TxRef:         fmt.Sprintf("0xabc%d", f.reserveCalls),
		BlockNumber:   1204577,
	}, nil
}

func (f *fakeLedger) CommitPayment(ctx context.Context, commit Commit) (string, error) {
	f.commitCalls++
	f.lastCommit = commit
	if f.commitErr != nil {
		return "", f.commitErr
	}
	return fmt.Sprintf("pay-%d", f.commitCalls), nil
}

func (f *fakeLedger) FetchPaymentStatus(ctx context.Context, paymentID string) (map[string]interface{}, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

func newTestExecutor(ledger Ledger) *Executor {
	e := NewExecutor(ledger)
	e.now = func() time.Time {
		return time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	}
	return e
}

func TestReserveStampsReservation(t *testing.T) {
	ledger := &fakeLedger{}
	executor := newTestExecutor(ledger)

	res, err := executor.Reserve(context.Background(), "req-1", "prin-1", "proj-1", 0.002)
	require.NoError(t, err)

	assert.Equal(t, "rsv-1", res.ReservationID)
	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, "prin-1", res.PrincipalID)
	assert.Equal(t, "proj-1", res.ProjectID)
	assert.Equal(t, 0.002, res.EstimatedAmount)
	assert.Equal(t, "USDC", res.Currency)
	assert.Equal(t, StatusReserved, res.Status)
	assert.Equal(t, "0xabc1", res.TxRef)
	assert.Equal(t, int64(1204577), res.BlockNumber)
	assert.False(t, res.ReservedAt.IsZero())
}

func TestReserveReplaySkipsLedger(t *testing.T) {
	ledger := &fakeLedger{}
	executor := newTestExecutor(ledger)

	first, err := executor.Reserve(context.Background(), "req-1", "prin-1", "proj-1", 0.002)
	require.NoError(t, err)

	again, err := executor.Reserve(context.Background(), "req-1", "prin-1", "proj-1", 0.002)
	require.NoError(t, err)

	assert.Same(t, first, again)
	assert.Equal(t, 1, ledger.reserveCalls)
}

func TestReserveInsufficientFunds(t *testing.T) {
	ledger := &fakeLedger{reserveErr: ErrInsufficientFunds}
	executor := newTestExecutor(ledger)

	_, err := executor.Reserve(context.Background(), "req-1", "prin-1", "proj-1", 2.0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.Contains(t, err.Error(), "prin-1")

	// a refused reserve is not cached, a topped-up retry reaches the ledger
	ledger.reserveErr = nil
	_, err = executor.Reserve(context.Background(), "req-1", "prin-1", "proj-1", 2.0)
	require.NoError(t, err)
	assert.Equal(t, 2, ledger.reserveCalls)
}

func TestReserveLedgerFailure(t *testing.T) {
	ledger := &fakeLedger{reserveErr: errors.New("ledger timeout")}
	executor := newTestExecutor(ledger)

	_, err := executor.Reserve(context.Background(), "req-1", "prin-1", "proj-1", 0.002)
	require.Error(t, err)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "reserve", perr.Op)
	assert.False(t, errors.Is(err, ErrInsufficientFunds))
}

func TestSettleComputesVariance(t *testing.T) {
	cases := []struct {
		name         string
		estimated    float64
		actual       float64
		wantVariance float64
		wantPercent  float64
		wantNote     string
	}{
		{"underestimate", 0.002, 0.0025, -0.0005, -25.0, "over by $0.0005 (25.0%)"},
		{"overestimate", 0.002, 0.0015, 0.0005, 25.0, "saved $0.0005 (25.0%)"},
		{"exact", 0.002, 0.002, 0, 0, "exact estimate"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ledger := &fakeLedger{}
			executor := newTestExecutor(ledger)

			res, err := executor.Reserve(context.Background(), "req-1", "prin-1", "proj-1", tc.estimated)
			require.NoError(t, err)

			result, err := executor.Settle(context.Background(), res, tc.actual, "openai")
			require.NoError(t, err)

			assert.Equal(t, "pay-1", result.PaymentID)
			assert.Equal(t, StatusCommitted, result.Status)
			assert.InDelta(t, tc.wantVariance, result.VarianceAmount, 1e-12)
			assert.InDelta(t, tc.wantPercent, result.VariancePercent, 1e-9)
			assert.Equal(t, tc.wantNote, result.VarianceNote())
			assert.Equal(t, res.TxRef, result.TxRef)
			assert.Equal(t, res.BlockNumber, result.BlockNumber)
			assert.Equal(t, "openai", result.Provider)

			assert.InDelta(t, tc.wantVariance, ledger.lastCommit.VarianceAmount, 1e-12)
			assert.Equal(t, "USDC", ledger.lastCommit.Currency)
		})
	}
}

func TestSettleReplaySkipsLedger(t *testing.T) {
	ledger := &fakeLedger{}
	executor := newTestExecutor(ledger)

	res, err := executor.Reserve(context.Background(), "req-1", "prin-1", "proj-1", 0.002)
	require.NoError(t, err)

	first, err := executor.Settle(context.Background(), res, 0.0025, "openai")
	require.NoError(t, err)

	again, err := executor.Settle(context.Background(), res, 0.0025, "openai")
	require.NoError(t, err)

	assert.Same(t, first, again)
	assert.Equal(t, 1, ledger.commitCalls)
}

func TestSettleRetriesAfterLedgerFailure(t *testing.T) {
	ledger := &fakeLedger{commitErr: errors.New("backend 503")}
	executor := newTestExecutor(ledger)

	res, err := executor.Reserve(context.Background(), "req-1", "prin-1", "proj-1", 0.002)
	require.NoError(t, err)

	_, err = executor.Settle(context.Background(), res, 0.0025, "openai")
	require.Error(t, err)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "settle", perr.Op)

	ledger.commitErr = nil
	result, err := executor.Settle(context.Background(), res, 0.0025, "openai")
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, result.Status)
	assert.Equal(t, 2, ledger.commitCalls)
}

func TestSettleNilReservation(t *testing.T) {
	executor := newTestExecutor(&fakeLedger{})

	_, err := executor.Settle(context.Background(), nil, 0.0025, "openai")
	require.Error(t, err)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "settle", perr.Op)
}

func TestStatusLookup(t *testing.T) {
	ledger := &fakeLedger{status: map[string]interface{}{"status": "committed", "tx_ref": "0xabc1"}}
	executor := newTestExecutor(ledger)

	status := executor.Status(context.Background(), "pay-1")
	assert.Equal(t, "committed", status["status"])

	ledger.statusErr = errors.New("backend down")
	status = executor.Status(context.Background(), "pay-1")
	assert.Equal(t, "unknown", status["status"])
	assert.Contains(t, status["error"], "backend down")
}

func TestComputeVariance(t *testing.T) {
	amount, percent := ComputeVariance(0.002, 0.0025)
	assert.InDelta(t, -0.0005, amount, 1e-12)
	assert.InDelta(t, -25.0, percent, 1e-9)

	amount, percent = ComputeVariance(0, 0.001)
	assert.InDelta(t, -0.001, amount, 1e-12)
	assert.Equal(t, 0.0, percent)
}
