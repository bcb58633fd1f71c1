// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package metrics exposes the gateway's Prometheus collectors. Counters are
// incremented where the outcome is decided: the decision engine owns the
// request/rejection/adjudication counters, the host owns the payment and
// audit gauges.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RequestsTotal counts processed requests by decision outcome.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_requests_total",
			Help: "Total number of requests processed, by decision outcome",
		},
		[]string{"outcome"},
	)

	// RejectionsTotal counts rejections by stable rejection code.
	RejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_rejections_total",
			Help: "Total number of rejected requests, by rejection code",
		},
		[]string{"reason"},
	)

	// AdjudicationsTotal counts tier evaluator invocations by tier and verdict.
	AdjudicationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_adjudications_total",
			Help: "Total number of adjudicator verdicts, by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	// PaymentFailuresTotal counts reserve and settle failures.
	PaymentFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tollgate_payment_failures_total",
			Help: "Total number of payment reserve/settle failures",
		},
	)

	// DecisionStageDuration tracks per-stage pipeline latency.
	DecisionStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tollgate_decision_duration_milliseconds",
			Help:    "Decision pipeline duration in milliseconds, by stage",
			Buckets: []float64{1, 5, 10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"stage"},
	)

	// PaymentVariancePercent tracks estimated-vs-actual reconciliation spread.
	PaymentVariancePercent = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tollgate_payment_variance_percent",
			Help:    "Payment variance percent (positive means overpaid)",
			Buckets: []float64{-100, -50, -25, -10, -5, 0, 5, 10, 25, 50, 100},
		},
	)

	// AuditChainLength mirrors the per-process audit hash-chain length.
	AuditChainLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tollgate_audit_chain_length",
			Help: "Number of audit events written by this process",
		},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RejectionsTotal)
	prometheus.MustRegister(AdjudicationsTotal)
	prometheus.MustRegister(PaymentFailuresTotal)
	prometheus.MustRegister(DecisionStageDuration)
	prometheus.MustRegister(PaymentVariancePercent)
	prometheus.MustRegister(AuditChainLength)
}
