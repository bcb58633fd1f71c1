// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tollgate/platform/shared/logger"
)

// Ledger executes the on-ledger side of payments. The backend owns the
// blockchain transactions; this interface is its brain-facing surface.
// CreateReservation must be idempotent per request id and CommitPayment per
// reservation id, so a crashed caller can replay safely.
type Ledger interface {
	CreateReservation(ctx context.Context, requestID, principalID, projectID string, estimatedAmount float64) (*Reservation, error)
	CommitPayment(ctx context.Context, commit Commit) (paymentID string, err error)
	FetchPaymentStatus(ctx context.Context, paymentID string) (map[string]interface{}, error)
}

// Executor drives the reserve-then-settle flow. It guards the single-ledger-
// write invariant in-process by replaying completed calls from memory; the
// ledger's own idempotency covers replays across restarts.
type Executor struct {
	ledger Ledger
	log    *logger.Logger
	now    func() time.Time

	mu           sync.Mutex
	reservations map[string]*Reservation
	settlements  map[string]*Result
}

// NewExecutor builds an Executor over the given ledger.
func NewExecutor(ledger Ledger) *Executor {
	return &Executor{
		ledger:       ledger,
		log:          logger.New("payment-executor"),
		now:          time.Now,
		reservations: make(map[string]*Reservation),
		settlements:  make(map[string]*Result),
	}
}

// Reserve pays the estimated amount for a request in a single ledger
// transaction. Replaying a request id returns the original reservation
// without touching the ledger again. Insufficient balance surfaces as
// ErrInsufficientFunds; any other ledger failure as *Error.
func (e *Executor) Reserve(ctx context.Context, requestID, principalID, projectID string, estimatedAmount float64) (*Reservation, error) {
	e.mu.Lock()
	if cached, ok := e.reservations[requestID]; ok {
		e.mu.Unlock()
		e.log.Debug(principalID, requestID, "reservation replayed from memory", map[string]interface{}{
			"reservation_id": cached.ReservationID,
		})
		return cached, nil
	}
	e.mu.Unlock()

	reservation, err := e.ledger.CreateReservation(ctx, requestID, principalID, projectID, estimatedAmount)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			e.log.Warn(principalID, requestID, "payment refused, insufficient funds", map[string]interface{}{
				"estimated_amount": estimatedAmount,
			})
			return nil, fmt.Errorf("insufficient funds for %s: %w", principalID, ErrInsufficientFunds)
		}
		e.log.ErrorWithCode(principalID, requestID, "payment reservation failed", "PAYMENT_RESERVE", err, nil)
		return nil, &Error{Op: "reserve", Err: err}
	}

	reservation.RequestID = requestID
	reservation.PrincipalID = principalID
	reservation.ProjectID = projectID
	reservation.EstimatedAmount = estimatedAmount
	reservation.Status = StatusReserved
	if reservation.Currency == "" {
		reservation.Currency = defaultCurrency
	}
	if reservation.ReservedAt.IsZero() {
		reservation.ReservedAt = e.now().UTC()
	}

	e.mu.Lock()
	e.reservations[requestID] = reservation
	e.mu.Unlock()

	e.log.Info(principalID, requestID, "payment executed", map[string]interface{}{
		"estimated_amount": estimatedAmount,
		"currency":         reservation.Currency,
		"tx_ref":           reservation.TxRef,
	})
	return reservation, nil
}

// Settle records the actual cost against a reservation. No second ledger
// transaction happens; the reconciliation record goes to the backend for
// estimator improvement. Replaying a reservation id returns the original
// result. A failed reconciliation write is retryable.
func (e *Executor) Settle(ctx context.Context, reservation *Reservation, actualAmount float64, provider string) (*Result, error) {
	if reservation == nil {
		return nil, &Error{Op: "settle", Err: errors.New("nil reservation")}
	}

	e.mu.Lock()
	if cached, ok := e.settlements[reservation.ReservationID]; ok {
		e.mu.Unlock()
		e.log.Debug(reservation.PrincipalID, reservation.RequestID, "settlement replayed from memory", map[string]interface{}{
			"payment_id": cached.PaymentID,
		})
		return cached, nil
	}
	e.mu.Unlock()

	variance, variancePercent := ComputeVariance(reservation.EstimatedAmount, actualAmount)

	paymentID, err := e.ledger.CommitPayment(ctx, Commit{
		ReservationID:   reservation.ReservationID,
		RequestID:       reservation.RequestID,
		EstimatedAmount: reservation.EstimatedAmount,
		ActualAmount:    actualAmount,
		VarianceAmount:  variance,
		VariancePercent: variancePercent,
		Provider:        provider,
		Currency:        defaultCurrency,
	})
	if err != nil {
		e.log.ErrorWithCode(reservation.PrincipalID, reservation.RequestID, "payment reconciliation failed", "PAYMENT_COMMIT", err, map[string]interface{}{
			"reservation_id": reservation.ReservationID,
		})
		return nil, &Error{Op: "settle", Err: err}
	}

	now := e.now().UTC()
	result := &Result{
		PaymentID:       paymentID,
		RequestID:       reservation.RequestID,
		ReservationID:   reservation.ReservationID,
		EstimatedAmount: reservation.EstimatedAmount,
		ActualAmount:    actualAmount,
		VarianceAmount:  variance,
		VariancePercent: variancePercent,
		Currency:        defaultCurrency,
		Status:          StatusCommitted,
		Provider:        provider,
		InitiatedAt:     reservation.ReservedAt,
		CompletedAt:     now,
		TxRef:           reservation.TxRef,
		BlockNumber:     reservation.BlockNumber,
	}

	e.mu.Lock()
	e.settlements[reservation.ReservationID] = result
	e.mu.Unlock()

	e.log.Info(reservation.PrincipalID, reservation.RequestID, "payment completed", map[string]interface{}{
		"estimated_amount": reservation.EstimatedAmount,
		"actual_amount":    actualAmount,
		"variance":         result.VarianceNote(),
		"provider":         provider,
		"tx_ref":           result.TxRef,
	})
	return result, nil
}

// Status looks up a payment transaction on the backend. Lookup failures are
// reported in-band so callers can render the status without error plumbing.
func (e *Executor) Status(ctx context.Context, paymentID string) map[string]interface{} {
	status, err := e.ledger.FetchPaymentStatus(ctx, paymentID)
	if err != nil {
		e.log.Warn("", "", "payment status lookup failed", map[string]interface{}{
			"payment_id": paymentID,
			"error":      err.Error(),
		})
		return map[string]interface{}{
			"status": "unknown",
			"error":  err.Error(),
		}
	}
	return status
}
