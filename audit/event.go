// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of audit event. The symbolic names are part
// of the on-disk format and must not change.
type EventType string

const (
	EventRequestReceived  EventType = "request_received"
	EventPolicyCheck      EventType = "policy_check"
	EventBudgetCheck      EventType = "budget_check"
	EventRiskAssessment   EventType = "risk_assessment"
	EventAgentDecision    EventType = "agent_decision"
	EventPaymentReserved  EventType = "payment_reserved"
	EventPaymentCompleted EventType = "payment_completed"
	EventAPICallSuccess   EventType = "api_call_success"
	EventAPICallFailed    EventType = "api_call_failed"
	EventError            EventType = "error"
)

// Result records the outcome of the step an event describes.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultWarning Result = "warning"
)

// TimestampLayout is the canonical event timestamp format: ISO-8601 UTC with
// microsecond precision. Hashes are computed over this exact rendering.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Event is a single immutable audit log entry. Once appended it is never
// rewritten; EntryHash covers every field except itself, so any later
// modification is detectable.
type Event struct {
	LogID           string                 `json:"log_id"`
	Timestamp       time.Time              `json:"timestamp"`
	RequestID       string                 `json:"request_id"`
	PrincipalID     string                 `json:"principal_id"`
	ProjectID       string                 `json:"project_id"`
	AgentID         string                 `json:"agent_id,omitempty"`
	EventType       EventType              `json:"event_type"`
	Details         map[string]interface{} `json:"details"`
	ContextSnapshot map[string]interface{} `json:"context_snapshot"`
	Result          Result                 `json:"result"`
	Error           string                 `json:"error,omitempty"`
	PreviousHash    string                 `json:"previous_hash,omitempty"`
	EntryHash       string                 `json:"entry_hash,omitempty"`
}

// canonicalFields renders the event as a key/value map with optional absent
// fields omitted and the timestamp in the canonical layout. EntryHash is
// excluded; PreviousHash is included so the hash commits to the chain.
func (e *Event) canonicalFields() map[string]interface{} {
	details := e.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	snapshot := e.ContextSnapshot
	if snapshot == nil {
		snapshot = map[string]interface{}{}
	}

	m := map[string]interface{}{
		"log_id":           e.LogID,
		"timestamp":        e.Timestamp.UTC().Format(TimestampLayout),
		"request_id":       e.RequestID,
		"principal_id":     e.PrincipalID,
		"project_id":       e.ProjectID,
		"event_type":       string(e.EventType),
		"details":          details,
		"context_snapshot": snapshot,
		"result":           string(e.Result),
	}
	if e.AgentID != "" {
		m["agent_id"] = e.AgentID
	}
	if e.Error != "" {
		m["error"] = e.Error
	}
	if e.PreviousHash != "" {
		m["previous_hash"] = e.PreviousHash
	}
	return m
}

// ComputeHash returns the SHA-256 hex digest of the canonical serialization
// of the event minus EntryHash. encoding/json sorts map keys, so the
// serialization is deterministic at every nesting level.
func (e *Event) ComputeHash() (string, error) {
	payload, err := json.Marshal(e.canonicalFields())
	if err != nil {
		return "", fmt.Errorf("serialize audit event %s: %w", e.LogID, err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// MarshalCanonical renders the full event, EntryHash included, as one
// canonical JSON line suitable for the append-only day file.
func (e *Event) MarshalCanonical() ([]byte, error) {
	m := e.canonicalFields()
	if e.EntryHash != "" {
		m["entry_hash"] = e.EntryHash
	}
	line, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("serialize audit event %s: %w", e.LogID, err)
	}
	return line, nil
}

// ParseEvent decodes one day-file line back into an Event.
func ParseEvent(line []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, fmt.Errorf("parse audit event: %w", err)
	}
	return &e, nil
}

// IntegrityError reports the first event in a trail whose recomputed hash or
// chain link disagrees with what was stored. It is produced only by
// verification, never by the write path.
type IntegrityError struct {
	RequestID string
	LogID     string
	Index     int
	Reason    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit integrity violation in trail %s at event %d (%s): %s",
		e.RequestID, e.Index, e.LogID, e.Reason)
}

// Trail is the totally ordered sequence of audit events sharing one
// request id.
type Trail struct {
	RequestID   string    `json:"request_id"`
	PrincipalID string    `json:"principal_id,omitempty"`
	ProjectID   string    `json:"project_id,omitempty"`
	Events      []*Event  `json:"events"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	TotalEvents int       `json:"total_events"`
}

// AddEvent appends an event to the trail and updates the time bounds.
func (t *Trail) AddEvent(e *Event) {
	t.Events = append(t.Events, e)
	t.TotalEvents = len(t.Events)
	if t.StartTime.IsZero() {
		t.StartTime = e.Timestamp
	}
	t.EndTime = e.Timestamp
}

// EventsByType returns the trail's events of one type, in order.
func (t *Trail) EventsByType(et EventType) []*Event {
	var out []*Event
	for _, e := range t.Events {
		if e.EventType == et {
			out = append(out, e)
		}
	}
	return out
}

// Verify recomputes every entry hash and checks each event's previous_hash
// against the prior event's entry_hash. It returns nil when the trail is
// intact, otherwise an *IntegrityError naming the first divergent event.
func (t *Trail) Verify() error {
	for i, e := range t.Events {
		recomputed, err := e.ComputeHash()
		if err != nil {
			return &IntegrityError{RequestID: t.RequestID, LogID: e.LogID, Index: i, Reason: err.Error()}
		}
		if recomputed != e.EntryHash {
			return &IntegrityError{
				RequestID: t.RequestID,
				LogID:     e.LogID,
				Index:     i,
				Reason:    "recomputed hash does not match stored entry_hash",
			}
		}
		if i > 0 && e.PreviousHash != t.Events[i-1].EntryHash {
			return &IntegrityError{
				RequestID: t.RequestID,
				LogID:     e.LogID,
				Index:     i,
				Reason:    "previous_hash does not match prior event's entry_hash",
			}
		}
	}
	return nil
}

// VerifyIntegrity reports whether the trail's hash chain is intact.
func (t *Trail) VerifyIntegrity() bool {
	return t.Verify() == nil
}
