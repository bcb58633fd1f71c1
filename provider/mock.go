// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// mockCostRatio is the share of the estimate a mock call "actually" costs,
// so settlement always has a nonzero positive variance to reconcile.
const mockCostRatio = 0.95

// Mock is a deterministic in-process gateway for demos and tests. Responses
// are derived purely from the call: actual cost is 95% of the estimate and
// token usage mirrors the estimated split.
type Mock struct {
	// Fail, when set, makes every call return this error message.
	Fail string

	// Latency is reported (not slept) as the call latency.
	Latency time.Duration

	mu    sync.Mutex
	calls []*Call
}

var _ Gateway = (*Mock)(nil)

// NewMock builds a mock gateway.
func NewMock() *Mock {
	return &Mock{Latency: 120 * time.Millisecond}
}

// Call fabricates a deterministic response for the request.
func (m *Mock) Call(ctx context.Context, call *Call) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()

	if m.Fail != "" {
		return nil, &Error{Provider: call.Provider, Message: m.Fail}
	}

	inputTokens := call.EstimatedTokens
	if inputTokens <= 0 {
		inputTokens = 1000
	}
	outputTokens := inputTokens / 2

	return &Response{
		Data: map[string]interface{}{
			"id":      "mock-" + call.RequestID,
			"object":  "chat.completion",
			"model":   call.Model,
			"content": fmt.Sprintf("[mock] %s/%s response for %s", call.Provider, call.Model, call.RequestID),
		},
		TokensUsed:   inputTokens + outputTokens,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		ActualCost:   call.EstimatedCost * mockCostRatio,
		LatencyMS:    float64(m.Latency.Microseconds()) / 1000.0,
	}, nil
}

// Calls returns the calls seen so far, oldest first.
func (m *Mock) Calls() []*Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Call, len(m.calls))
	copy(out, m.calls)
	return out
}
