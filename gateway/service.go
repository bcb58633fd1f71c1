// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package gateway hosts the platform over HTTP: the Brain that carries
// approved requests through payment and the upstream call, the route
// handlers, bearer-token auth and server assembly.
package gateway

import (
	"context"
	"fmt"
	"time"

	"tollgate/platform/audit"
	"tollgate/platform/decision"
	"tollgate/platform/metrics"
	"tollgate/platform/payment"
	"tollgate/platform/provider"
	"tollgate/platform/shared/logger"
	"tollgate/platform/shared/types"
)

// Decider runs the decision pipeline. Satisfied by *decision.Engine.
type Decider interface {
	Process(ctx context.Context, req *types.Request) *decision.Decision
}

// Result is the complete answer for one processed request: the decision,
// and, when the request was approved and executed, the upstream response and
// the settled payment.
type Result struct {
	Success  bool               `json:"success"`
	Decision *decision.Decision `json:"decision,omitempty"`
	Response *provider.Response `json:"response,omitempty"`
	Payment  *payment.Result    `json:"payment,omitempty"`
	Message  string             `json:"message"`
	Error    string             `json:"error,omitempty"`
}

// Service is the Brain: it receives requests, delegates the verdict to the
// decision pipeline and executes approved requests (reserve payment, call the
// provider, settle against actual cost), keeping every step on the request's
// audit chain.
type Service struct {
	decider  Decider
	executor *payment.Executor
	upstream provider.Gateway
	auditor  *audit.Logger
	log      *logger.Logger
	now      func() time.Time
}

// NewService wires the Brain over its collaborators.
func NewService(decider Decider, executor *payment.Executor, upstream provider.Gateway, auditor *audit.Logger) *Service {
	return &Service{
		decider:  decider,
		executor: executor,
		upstream: upstream,
		auditor:  auditor,
		log:      logger.New("gateway"),
		now:      time.Now,
	}
}

// Handle processes one request end to end. The returned Result always carries
// the decision; Response and Payment are set only when the request was
// approved and execution succeeded.
func (s *Service) Handle(ctx context.Context, req *types.Request, source string) *Result {
	start := s.now()
	req.ApplyDefaults()
	if source == "" {
		source = "user"
	}

	s.audit(s.auditor.LogRequestReceived(req.RequestID, req.PrincipalID, req.ProjectID, req.AgentID,
		map[string]interface{}{
			"provider":         req.Provider,
			"model":            req.Model,
			"endpoint":         req.Endpoint,
			"estimated_tokens": req.EstimatedTokens,
			"source":           source,
			"fingerprint":      req.Fingerprint(),
		}))

	dec := s.decider.Process(ctx, req)
	defer metrics.AuditChainLength.Set(float64(s.auditor.ChainLength()))

	if !dec.IsApproved() {
		msg := dec.RejectionReason
		if msg == "" {
			msg = dec.Reasoning
		}
		s.log.Info(req.PrincipalID, req.RequestID, "request not executed", map[string]interface{}{
			"outcome": string(dec.Outcome),
			"message": msg,
		})
		return &Result{Success: false, Decision: dec, Message: msg}
	}

	resp, pay, err := s.execute(ctx, req)
	if err != nil {
		return &Result{
			Success:  false,
			Decision: dec,
			Response: resp,
			Error:    err.Error(),
			Message:  "Error processing request",
		}
	}

	s.log.InfoWithDuration(req.PrincipalID, req.RequestID, "request executed",
		float64(s.now().Sub(start).Microseconds())/1000.0, map[string]interface{}{
			"estimated_amount": pay.EstimatedAmount,
			"actual_amount":    pay.ActualAmount,
			"variance":         pay.VarianceNote(),
		})
	return &Result{
		Success:  true,
		Decision: dec,
		Response: resp,
		Payment:  pay,
		Message:  "Request approved and executed successfully",
	}
}

// execute runs the pay-estimated / call / reconcile-actual sequence for an
// approved request. Exactly one ledger write happens: the reservation. The
// settlement records variance without a second transaction.
func (s *Service) execute(ctx context.Context, req *types.Request) (*provider.Response, *payment.Result, error) {
	req.Status = types.StatusExecuting

	reservation, err := s.executor.Reserve(ctx, req.RequestID, req.PrincipalID, req.ProjectID, req.EstimatedCost)
	if err != nil {
		metrics.PaymentFailuresTotal.Inc()
		s.audit(s.auditor.LogError(req.RequestID, req.PrincipalID, req.ProjectID,
			fmt.Sprintf("Payment reservation failed: %v", err),
			map[string]interface{}{"stage": "payment_reserved"}))
		req.Status = types.StatusFailed
		return nil, nil, fmt.Errorf("reserve payment: %w", err)
	}
	s.audit(s.auditor.LogPaymentReserved(req.RequestID, req.PrincipalID, req.ProjectID,
		reservation.EstimatedAmount, reservation.TxRef, reservation.ReservationID))

	resp, err := s.upstream.Call(ctx, &provider.Call{
		RequestID:       req.RequestID,
		Provider:        req.Provider,
		Model:           req.Model,
		Endpoint:        req.Endpoint,
		Parameters:      req.Parameters,
		EstimatedTokens: req.EstimatedTokens,
		EstimatedCost:   req.EstimatedCost,
	})
	if err != nil {
		s.audit(s.auditor.LogAPICallFailed(req.RequestID, req.PrincipalID, req.ProjectID,
			req.Provider, req.Model, err.Error()))
		req.Status = types.StatusFailed
		return nil, nil, fmt.Errorf("call %s/%s: %w", req.Provider, req.Model, err)
	}

	req.ActualCost = resp.ActualCost
	if req.ActualCost <= 0 {
		req.ActualCost = req.EstimatedCost
	}
	tokens := resp.TokensUsed
	if tokens <= 0 {
		tokens = req.EstimatedTokens
	}
	s.audit(s.auditor.LogAPICallSuccess(req.RequestID, req.PrincipalID, req.ProjectID,
		req.Provider, req.Model, req.ActualCost, map[string]interface{}{
			"tokens": tokens,
			"status": "success",
		}))

	pay, err := s.executor.Settle(ctx, reservation, req.ActualCost, req.Provider)
	if err != nil {
		metrics.PaymentFailuresTotal.Inc()
		s.audit(s.auditor.LogError(req.RequestID, req.PrincipalID, req.ProjectID,
			fmt.Sprintf("Payment settlement failed: %v", err),
			map[string]interface{}{"reservation_id": reservation.ReservationID}))
		req.Status = types.StatusFailed
		return resp, nil, fmt.Errorf("settle payment: %w", err)
	}
	s.audit(s.auditor.LogPaymentCompleted(req.RequestID, req.PrincipalID, req.ProjectID,
		pay.EstimatedAmount, pay.ActualAmount, pay.VarianceAmount))
	metrics.PaymentVariancePercent.Observe(pay.VariancePercent)

	req.Status = types.StatusExecuted
	return resp, pay, nil
}

// audit records a failed audit write without letting it abort the request.
func (s *Service) audit(err error) {
	if err != nil {
		s.log.Warn("", "", "audit write failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
