// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package audit implements the append-only, hash-chained event log that
// records every decision the gateway makes. Events are written one per line
// to daily-rotating files and mirrored into an in-memory trail per request,
// with integrity verification and compliance rollups over the stored files.
package audit

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"tollgate/platform/shared/logger"
	"tollgate/platform/shared/types"
)

// Logger appends hash-chained events to daily log files. The chain head is
// process-wide: every appended event links to the previously appended one
// regardless of request id.
type Logger struct {
	dir string
	log *logger.Logger

	// now is swappable for tests.
	now func() time.Time

	// mu serializes the append path: compute hash, write line, advance head.
	mu          sync.Mutex
	lastHash    string
	chainLength int
	file        *os.File
	fileDate    string

	trailMu sync.RWMutex
	trails  map[string]*Trail
}

// New creates the audit log directory if needed and returns a Logger with an
// empty chain head.
func New(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory %s: %w", dir, err)
	}
	return &Logger{
		dir:    dir,
		log:    logger.New("audit-logger"),
		now:    time.Now,
		trails: make(map[string]*Trail),
	}, nil
}

// Close releases the open day file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ChainLength returns the number of events appended by this process.
func (l *Logger) ChainLength() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chainLength
}

// dayFile returns the file handle for the given UTC date, rotating the open
// handle when the date has changed. Caller must hold mu.
func (l *Logger) dayFile(date string) (*os.File, error) {
	if l.file != nil && l.fileDate == date {
		return l.file, nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	path := filepath.Join(l.dir, "audit_"+date+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit day file %s: %w", path, err)
	}
	l.file = f
	l.fileDate = date
	return f, nil
}

// append assigns the event a log id and timestamp, links it to the chain
// head, computes its hash, writes it to the day file, and mirrors it into
// the request's in-memory trail.
func (l *Logger) append(e *Event) error {
	e.LogID = types.NewLogID()
	e.Timestamp = l.now().UTC()

	l.mu.Lock()
	e.PreviousHash = l.lastHash
	hash, err := e.ComputeHash()
	if err != nil {
		l.mu.Unlock()
		return err
	}
	e.EntryHash = hash

	line, err := e.MarshalCanonical()
	if err != nil {
		l.mu.Unlock()
		return err
	}

	f, err := l.dayFile(e.Timestamp.Format("20060102"))
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("append audit event %s: %w", e.LogID, err)
	}
	l.lastHash = e.EntryHash
	l.chainLength++
	l.mu.Unlock()

	l.trailMu.Lock()
	trail, ok := l.trails[e.RequestID]
	if !ok {
		trail = &Trail{
			RequestID:   e.RequestID,
			PrincipalID: e.PrincipalID,
			ProjectID:   e.ProjectID,
		}
		l.trails[e.RequestID] = trail
	}
	trail.AddEvent(e)
	l.trailMu.Unlock()

	return nil
}

// LogRequestReceived records the arrival of a request with its full
// parameters.
func (l *Logger) LogRequestReceived(requestID, principalID, projectID, agentID string, requestDetails map[string]interface{}) error {
	return l.append(&Event{
		RequestID:       requestID,
		PrincipalID:     principalID,
		ProjectID:       projectID,
		AgentID:         agentID,
		EventType:       EventRequestReceived,
		Details:         requestDetails,
		ContextSnapshot: map[string]interface{}{"action": "request_received"},
		Result:          ResultSuccess,
	})
}

// LogPolicyCheck records the outcome of policy validation, including every
// policy consulted whether or not it fired.
func (l *Logger) LogPolicyCheck(requestID, principalID, projectID string, policiesChecked []string, results map[string]interface{}, compliant bool) error {
	e := &Event{
		RequestID:   requestID,
		PrincipalID: principalID,
		ProjectID:   projectID,
		EventType:   EventPolicyCheck,
		Details: map[string]interface{}{
			"policies_checked": policiesChecked,
			"results":          results,
			"compliant":        compliant,
		},
		ContextSnapshot: map[string]interface{}{"action": "policy_validation"},
		Result:          ResultSuccess,
	}
	if !compliant {
		e.Result = ResultFailure
		e.Error = "Policy violations detected"
	}
	return l.append(e)
}

// LogBudgetCheck records a budget projection against the available funds.
func (l *Logger) LogBudgetCheck(requestID, principalID, projectID string, estimatedCost, availableBudget float64, approved bool) error {
	e := &Event{
		RequestID:   requestID,
		PrincipalID: principalID,
		ProjectID:   projectID,
		EventType:   EventBudgetCheck,
		Details: map[string]interface{}{
			"estimated_cost":   estimatedCost,
			"available_budget": availableBudget,
			"budget_approved":  approved,
		},
		ContextSnapshot: map[string]interface{}{"action": "budget_check"},
		Result:          ResultSuccess,
	}
	if !approved {
		e.Result = ResultFailure
		e.Error = "Insufficient budget"
	}
	return l.append(e)
}

// LogRiskAssessment records the computed risk score, its contributing
// factors, and the derived level.
func (l *Logger) LogRiskAssessment(requestID, principalID, projectID string, riskScore float64, riskFactors map[string]interface{}, riskLevel string) error {
	return l.append(&Event{
		RequestID:   requestID,
		PrincipalID: principalID,
		ProjectID:   projectID,
		EventType:   EventRiskAssessment,
		Details: map[string]interface{}{
			"risk_score":   riskScore,
			"risk_factors": riskFactors,
			"risk_level":   riskLevel,
		},
		ContextSnapshot: map[string]interface{}{"action": "risk_assessment"},
		Result:          ResultSuccess,
	})
}

// LogAgentDecision records the adjudicator's verdict with its tier,
// reasoning, and the decision details.
func (l *Logger) LogAgentDecision(requestID, principalID, projectID, agentID, tier, decision, reasoning string, decisionDetails map[string]interface{}) error {
	details := map[string]interface{}{
		"agent_tier": tier,
		"decision":   decision,
		"reasoning":  reasoning,
	}
	for k, v := range decisionDetails {
		details[k] = v
	}
	return l.append(&Event{
		RequestID:       requestID,
		PrincipalID:     principalID,
		ProjectID:       projectID,
		AgentID:         agentID,
		EventType:       EventAgentDecision,
		Details:         details,
		ContextSnapshot: map[string]interface{}{"action": "agent_decision"},
		Result:          ResultSuccess,
	})
}

// LogPaymentReserved records a ledger reservation and its transaction
// reference.
func (l *Logger) LogPaymentReserved(requestID, principalID, projectID string, amount float64, txRef, reservationID string) error {
	return l.append(&Event{
		RequestID:   requestID,
		PrincipalID: principalID,
		ProjectID:   projectID,
		EventType:   EventPaymentReserved,
		Details: map[string]interface{}{
			"amount":         amount,
			"tx_ref":         txRef,
			"reservation_id": reservationID,
			"currency":       "USDC",
		},
		ContextSnapshot: map[string]interface{}{"action": "payment_reserved"},
		Result:          ResultSuccess,
	})
}

// LogPaymentCompleted records settlement with the estimated/actual variance.
func (l *Logger) LogPaymentCompleted(requestID, principalID, projectID string, estimatedAmount, actualAmount, variance float64) error {
	variancePercent := 0.0
	if estimatedAmount > 0 {
		variancePercent = variance / estimatedAmount * 100
	}
	return l.append(&Event{
		RequestID:   requestID,
		PrincipalID: principalID,
		ProjectID:   projectID,
		EventType:   EventPaymentCompleted,
		Details: map[string]interface{}{
			"estimated_amount": estimatedAmount,
			"actual_amount":    actualAmount,
			"variance":         variance,
			"variance_percent": variancePercent,
		},
		ContextSnapshot: map[string]interface{}{"action": "payment_completed"},
		Result:          ResultSuccess,
	})
}

// LogAPICallSuccess records a completed upstream call and its actual cost.
func (l *Logger) LogAPICallSuccess(requestID, principalID, projectID, provider, model string, actualCost float64, responseDetails map[string]interface{}) error {
	details := map[string]interface{}{
		"provider":    provider,
		"model":       model,
		"actual_cost": actualCost,
	}
	for k, v := range responseDetails {
		details[k] = v
	}
	return l.append(&Event{
		RequestID:       requestID,
		PrincipalID:     principalID,
		ProjectID:       projectID,
		EventType:       EventAPICallSuccess,
		Details:         details,
		ContextSnapshot: map[string]interface{}{"action": "api_call_success"},
		Result:          ResultSuccess,
	})
}

// LogAPICallFailed records an upstream call failure.
func (l *Logger) LogAPICallFailed(requestID, principalID, projectID, provider, model, callErr string) error {
	return l.append(&Event{
		RequestID:   requestID,
		PrincipalID: principalID,
		ProjectID:   projectID,
		EventType:   EventAPICallFailed,
		Details: map[string]interface{}{
			"provider": provider,
			"model":    model,
			"error":    callErr,
		},
		ContextSnapshot: map[string]interface{}{"action": "api_call_failed"},
		Result:          ResultFailure,
		Error:           callErr,
	})
}

// LogError records an internal failure with its classification details.
func (l *Logger) LogError(requestID, principalID, projectID, errMsg string, errorDetails map[string]interface{}) error {
	return l.append(&Event{
		RequestID:       requestID,
		PrincipalID:     principalID,
		ProjectID:       projectID,
		EventType:       EventError,
		Details:         errorDetails,
		ContextSnapshot: map[string]interface{}{"action": "error"},
		Result:          ResultFailure,
		Error:           errMsg,
	})
}

// GetTrail returns the complete audit trail for a request, preferring the
// in-memory mirror and falling back to a chronological scan of the day
// files. It returns ErrTrailNotFound when no events exist for the id.
func (l *Logger) GetTrail(requestID string) (*Trail, error) {
	l.trailMu.RLock()
	trail, ok := l.trails[requestID]
	l.trailMu.RUnlock()
	if ok {
		return trail, nil
	}

	trail = &Trail{RequestID: requestID}
	err := l.scanFiles(func(e *Event) {
		if e.RequestID != requestID {
			return
		}
		if trail.PrincipalID == "" {
			trail.PrincipalID = e.PrincipalID
			trail.ProjectID = e.ProjectID
		}
		trail.AddEvent(e)
	})
	if err != nil {
		return nil, err
	}
	if trail.TotalEvents == 0 {
		return nil, ErrTrailNotFound
	}
	return trail, nil
}

// VerifyTrail loads a request's trail and checks its hash chain, returning a
// report that names the first divergent event when the chain is broken.
func (l *Logger) VerifyTrail(requestID string) (*IntegrityReport, error) {
	trail, err := l.GetTrail(requestID)
	if err != nil {
		return nil, err
	}
	return VerifyTrail(trail), nil
}

// scanFiles walks every day file in chronological order, invoking fn for
// each parseable event. Malformed lines are skipped.
func (l *Logger) scanFiles(fn func(*Event)) error {
	pattern := filepath.Join(l.dir, "audit_*.jsonl")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("list audit day files: %w", err)
	}
	sort.Strings(files)

	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open audit day file %s: %w", path, err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			e, err := ParseEvent(scanner.Bytes())
			if err != nil {
				l.log.Warn("", "", "skipping malformed audit line", map[string]interface{}{
					"file":  filepath.Base(path),
					"error": err.Error(),
				})
				continue
			}
			fn(e)
		}
		serr := scanner.Err()
		f.Close()
		if serr != nil {
			return fmt.Errorf("read audit day file %s: %w", path, serr)
		}
	}
	return nil
}
