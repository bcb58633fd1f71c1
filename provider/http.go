// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"tollgate/platform/shared/logger"
)

// DefaultCallTimeout bounds an upstream call when the caller supplies none.
const DefaultCallTimeout = 30 * time.Second

// HTTPDoer is the HTTP client surface the gateway needs (enables testing).
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPOptions configures an HTTPGateway.
type HTTPOptions struct {
	// BaseURL is the execution backend; calls go to BaseURL + "/api/v1/execute".
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Client  HTTPDoer
}

// HTTPGateway forwards calls to the execution backend, which holds the
// provider credentials and routes to the real APIs. The gateway itself never
// sees provider keys.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  HTTPDoer
	log     *logger.Logger

	mu      sync.RWMutex
	healthy bool
}

var _ Gateway = (*HTTPGateway)(nil)

// NewHTTPGateway builds a gateway over the execution backend.
func NewHTTPGateway(opts HTTPOptions) *HTTPGateway {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		timeout: timeout,
		client:  client,
		log:     logger.New("provider-gateway"),
		healthy: true,
	}
}

// IsHealthy reports whether the last upstream exchange succeeded.
func (g *HTTPGateway) IsHealthy() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.healthy
}

func (g *HTTPGateway) setHealthy(healthy bool) {
	g.mu.Lock()
	g.healthy = healthy
	g.mu.Unlock()
}

// Call executes the request upstream and returns usage and cost. A non-2xx
// backend answer or transport failure returns a *Error; the response latency
// is always measured by this side.
func (g *HTTPGateway) Call(ctx context.Context, call *Call) (*Response, error) {
	start := time.Now()

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("marshal call: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/v1/execute", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		g.setHealthy(false)
		return nil, &Error{Provider: call.Provider, Message: err.Error()}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			g.setHealthy(false)
		}
		return nil, &Error{
			Provider: call.Provider,
			Status:   resp.StatusCode,
			Message:  errorMessage(raw),
		}
	}
	g.setHealthy(true)

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.TokensUsed == 0 {
		out.TokensUsed = out.InputTokens + out.OutputTokens
	}
	out.LatencyMS = float64(time.Since(start).Microseconds()) / 1000.0

	g.log.Debug("", call.RequestID, "upstream call completed", map[string]interface{}{
		"provider":    call.Provider,
		"model":       call.Model,
		"tokens_used": out.TokensUsed,
		"actual_cost": out.ActualCost,
		"latency_ms":  out.LatencyMS,
	})
	return &out, nil
}

// errorMessage pulls the backend's error string out of a failure body,
// falling back to the raw text.
func errorMessage(raw []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = "upstream call failed"
	}
	return msg
}
