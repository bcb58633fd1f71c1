// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package provider is the upstream gateway: it carries approved requests to
// the actual model providers and reports what the call really cost. The core
// never talks to a provider directly; it hands a Call to a Gateway and gets
// back usage and cost figures for settlement.
package provider

import (
	"context"
	"fmt"
	"time"
)

// Call describes one upstream invocation. The estimate fields travel with
// the call so implementations can reconcile usage against what the pipeline
// projected.
type Call struct {
	RequestID  string                 `json:"request_id"`
	Provider   string                 `json:"provider"`
	Model      string                 `json:"model"`
	Endpoint   string                 `json:"endpoint"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	EstimatedTokens int     `json:"estimated_tokens,omitempty"`
	EstimatedCost   float64 `json:"estimated_cost,omitempty"`

	// Timeout bounds the upstream call; zero means the gateway default.
	Timeout time.Duration `json:"-"`
}

// Response is what came back from upstream: the payload plus the usage and
// cost figures settlement needs.
type Response struct {
	Data map[string]interface{} `json:"data,omitempty"`

	TokensUsed   int `json:"tokens_used"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	ActualCost float64 `json:"actual_cost"`
	LatencyMS  float64 `json:"latency_ms"`

	Error string `json:"error,omitempty"`
}

// Gateway executes upstream calls. Implementations must be safe for
// concurrent use and must respect the context.
type Gateway interface {
	Call(ctx context.Context, call *Call) (*Response, error)
}

// Error wraps an upstream call failure with the provider that produced it
// and the HTTP status when one exists.
type Error struct {
	Provider string
	Status   int
	Message  string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}
