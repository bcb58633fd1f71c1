// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package types holds the intake record and the shared enumerations that
// cross component boundaries: the immutable Request, its status lifecycle,
// operation categories, rejection codes, and id generation.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Operation categorizes the upstream call a request asks for.
type Operation string

const (
	OperationChat       Operation = "chat"
	OperationCompletion Operation = "completion"
	OperationVision     Operation = "vision"
	OperationEmbedding  Operation = "embedding"
	OperationSpeech     Operation = "speech"
	OperationImage      Operation = "image"
)

// RequestStatus is the lifecycle state of a request. Once a terminal status
// (executed, failed, rejected) is set, no field of the request mutates.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusValidating RequestStatus = "validating"
	StatusApproved   RequestStatus = "approved"
	StatusRejected   RequestStatus = "rejected"
	StatusExecuting  RequestStatus = "executing"
	StatusExecuted   RequestStatus = "executed"
	StatusFailed     RequestStatus = "failed"
)

// MaxEstimatedTokens bounds the caller-supplied token estimate.
const MaxEstimatedTokens = 1_000_000

// DefaultEstimatedTokens is stamped on intake when the caller supplies none.
const DefaultEstimatedTokens = 1000

// DefaultEndpoint is the upstream endpoint used when the caller supplies none.
const DefaultEndpoint = "/chat/completions"

// Request is the immutable intake record for one upstream API invocation.
// EstimatedCost, ActualCost and Status are the only fields populated after
// intake, and only by the pipeline.
type Request struct {
	RequestID       string                 `json:"request_id"`
	PrincipalID     string                 `json:"principal_id"`
	ProjectID       string                 `json:"project_id"`
	AgentID         string                 `json:"agent_id,omitempty"`
	Provider        string                 `json:"provider"`
	Model           string                 `json:"model"`
	Operation       Operation              `json:"operation"`
	Endpoint        string                 `json:"endpoint,omitempty"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
	EstimatedTokens int                    `json:"estimated_tokens"`
	EstimatedCost   float64                `json:"estimated_cost,omitempty"`
	ActualCost      float64                `json:"actual_cost,omitempty"`
	Status          RequestStatus          `json:"status"`
	CreatedAt       time.Time              `json:"created_at"`
}

// NewRequest builds an intake record with a fresh request id, pending status
// and the intake defaults applied.
func NewRequest(principalID, projectID, provider, model string, op Operation) *Request {
	return &Request{
		RequestID:       NewRequestID(),
		PrincipalID:     principalID,
		ProjectID:       projectID,
		Provider:        provider,
		Model:           model,
		Operation:       op,
		Endpoint:        DefaultEndpoint,
		EstimatedTokens: DefaultEstimatedTokens,
		Status:          StatusPending,
		CreatedAt:       time.Now().UTC(),
	}
}

// ApplyDefaults fills the intake defaults on a caller-constructed request:
// a generated request id, pending status, default token estimate and endpoint.
func (r *Request) ApplyDefaults() {
	if r.RequestID == "" {
		r.RequestID = NewRequestID()
	}
	if r.EstimatedTokens == 0 {
		r.EstimatedTokens = DefaultEstimatedTokens
	}
	if r.Endpoint == "" {
		r.Endpoint = DefaultEndpoint
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusExecuted, StatusFailed:
		return true
	}
	return false
}

// Fingerprint returns a stable SHA-256 hex digest over the identity subset of
// the request (principal, project, provider, model, operation, parameters).
// Two requests asking for the same work produce the same fingerprint
// regardless of request id or timing.
func (r *Request) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(r.PrincipalID))
	h.Write([]byte{0})
	h.Write([]byte(r.ProjectID))
	h.Write([]byte{0})
	h.Write([]byte(r.Provider))
	h.Write([]byte{0})
	h.Write([]byte(r.Model))
	h.Write([]byte{0})
	h.Write([]byte(r.Operation))
	h.Write([]byte{0})
	h.Write(canonicalParams(r.Parameters))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalParams serializes parameters with sorted keys so fingerprints are
// independent of map iteration order.
func canonicalParams(params map[string]interface{}) []byte {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 64)
	for _, k := range keys {
		v, err := json.Marshal(params[k])
		if err != nil {
			continue
		}
		buf = append(buf, k...)
		buf = append(buf, '=')
		buf = append(buf, v...)
		buf = append(buf, ';')
	}
	return buf
}
