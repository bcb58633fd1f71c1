// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package audit

import (
	"errors"
	"time"
)

// ErrTrailNotFound is returned when no audit events exist for a request id.
var ErrTrailNotFound = errors.New("audit trail not found")

// IntegrityReport is the result of verifying one request's hash chain.
type IntegrityReport struct {
	RequestID           string `json:"request_id"`
	Valid               bool   `json:"valid"`
	EventsChecked       int    `json:"events_checked"`
	FirstDivergentLogID string `json:"first_divergent_log_id,omitempty"`
	FirstDivergentIndex int    `json:"first_divergent_index,omitempty"`
	Reason              string `json:"reason,omitempty"`
}

// VerifyTrail checks a trail's hash chain and reports the first divergent
// event when verification fails.
func VerifyTrail(t *Trail) *IntegrityReport {
	report := &IntegrityReport{
		RequestID:     t.RequestID,
		Valid:         true,
		EventsChecked: len(t.Events),
	}
	if err := t.Verify(); err != nil {
		report.Valid = false
		var ierr *IntegrityError
		if errors.As(err, &ierr) {
			report.FirstDivergentLogID = ierr.LogID
			report.FirstDivergentIndex = ierr.Index
			report.Reason = ierr.Reason
		} else {
			report.Reason = err.Error()
		}
	}
	return report
}

// RequestSummary bundles the events recorded for one request within a
// compliance report window.
type RequestSummary struct {
	RequestID string   `json:"request_id"`
	Events    []*Event `json:"events"`
}

// ComplianceReport aggregates audit activity for one principal over a time
// window.
type ComplianceReport struct {
	PrincipalID      string            `json:"principal_id"`
	ProjectID        string            `json:"project_id,omitempty"`
	StartDate        time.Time         `json:"start_date"`
	EndDate          time.Time         `json:"end_date"`
	TotalRequests    int               `json:"total_requests"`
	ApprovedRequests int               `json:"approved_requests"`
	RejectedRequests int               `json:"rejected_requests"`
	TotalSpending    float64           `json:"total_spending"`
	PolicyViolations int               `json:"policy_violations"`
	RiskAlerts       int               `json:"risk_alerts"`
	PaymentFailures  int               `json:"payment_failures"`
	APIFailures      int               `json:"api_failures"`
	Requests         []*RequestSummary `json:"requests"`
}

// GenerateComplianceReport scans the day files and aggregates all events for
// the principal inside [start, end], optionally restricted to one project.
// Spending is the sum of reserved amounts; risk alerts count assessments at
// high or critical level; payment failures count error events classified as
// payment failures.
func (l *Logger) GenerateComplianceReport(principalID string, start, end time.Time, projectID string) (*ComplianceReport, error) {
	report := &ComplianceReport{
		PrincipalID: principalID,
		ProjectID:   projectID,
		StartDate:   start,
		EndDate:     end,
	}

	summaries := make(map[string]*RequestSummary)
	var order []string

	err := l.scanFiles(func(e *Event) {
		if e.PrincipalID != principalID {
			return
		}
		if e.Timestamp.Before(start) || e.Timestamp.After(end) {
			return
		}
		if projectID != "" && e.ProjectID != projectID {
			return
		}

		summary, ok := summaries[e.RequestID]
		if !ok {
			summary = &RequestSummary{RequestID: e.RequestID}
			summaries[e.RequestID] = summary
			order = append(order, e.RequestID)
		}
		summary.Events = append(summary.Events, e)

		switch e.EventType {
		case EventRequestReceived:
			report.TotalRequests++
		case EventPolicyCheck:
			if e.Result == ResultFailure {
				report.PolicyViolations++
			}
		case EventRiskAssessment:
			if level, _ := e.Details["risk_level"].(string); level == "high" || level == "critical" {
				report.RiskAlerts++
			}
		case EventAgentDecision:
			switch decision, _ := e.Details["decision"].(string); decision {
			case "APPROVED":
				report.ApprovedRequests++
			case "REJECTED":
				report.RejectedRequests++
			}
		case EventPaymentReserved:
			if amount, ok := e.Details["amount"].(float64); ok {
				report.TotalSpending += amount
			}
		case EventAPICallFailed:
			report.APIFailures++
		case EventError:
			if errType, _ := e.Details["error_type"].(string); errType == "payment_failure" {
				report.PaymentFailures++
			}
		}
	})
	if err != nil {
		return nil, err
	}

	for _, id := range order {
		report.Requests = append(report.Requests, summaries[id])
	}
	return report, nil
}

// VerifyDay checks the process-wide hash chain of one day file (date in
// YYYYMMDD form). An event with an empty previous_hash starts a new chain
// segment, which happens when the process restarts; linkage is verified
// within each segment.
func (l *Logger) VerifyDay(date string) (*IntegrityReport, error) {
	report := &IntegrityReport{RequestID: "day:" + date, Valid: true}

	var prev *Event
	index := 0
	err := l.scanFiles(func(e *Event) {
		if !report.Valid || e.Timestamp.UTC().Format("20060102") != date {
			return
		}
		report.EventsChecked++

		recomputed, herr := e.ComputeHash()
		switch {
		case herr != nil:
			report.Valid = false
			report.Reason = herr.Error()
		case recomputed != e.EntryHash:
			report.Valid = false
			report.Reason = "recomputed hash does not match stored entry_hash"
		case prev != nil && e.PreviousHash != "" && e.PreviousHash != prev.EntryHash:
			report.Valid = false
			report.Reason = "previous_hash does not match prior event's entry_hash"
		}
		if !report.Valid {
			report.FirstDivergentLogID = e.LogID
			report.FirstDivergentIndex = index
			return
		}
		prev = e
		index++
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
