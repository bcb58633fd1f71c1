// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockCall(t *testing.T) {
	m := NewMock()
	resp, err := m.Call(context.Background(), &Call{
		RequestID:       "req_1",
		Provider:        "openai",
		Model:           "gpt-4",
		Endpoint:        "/chat/completions",
		EstimatedTokens: 1000,
		EstimatedCost:   0.002,
	})
	require.NoError(t, err)

	assert.Equal(t, 1000, resp.InputTokens)
	assert.Equal(t, 500, resp.OutputTokens)
	assert.Equal(t, 1500, resp.TokensUsed)
	assert.InDelta(t, 0.0019, resp.ActualCost, 1e-9)
	assert.Empty(t, resp.Error)
	assert.Len(t, m.Calls(), 1)
}

func TestMockCallDefaultsAndDeterminism(t *testing.T) {
	m := NewMock()
	call := &Call{RequestID: "req_2", Provider: "anthropic", Model: "claude-3-haiku"}

	first, err := m.Call(context.Background(), call)
	require.NoError(t, err)
	second, err := m.Call(context.Background(), call)
	require.NoError(t, err)

	assert.Equal(t, first.TokensUsed, second.TokensUsed)
	assert.Equal(t, first.ActualCost, second.ActualCost)
	assert.Equal(t, first.Data["content"], second.Data["content"])
	assert.Equal(t, 1000, first.InputTokens)
}

func TestMockCallFailure(t *testing.T) {
	m := NewMock()
	m.Fail = "upstream exploded"

	_, err := m.Call(context.Background(), &Call{RequestID: "req_3", Provider: "openai"})
	require.Error(t, err)

	var provErr *Error
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "openai", provErr.Provider)
	assert.Contains(t, provErr.Error(), "upstream exploded")
}

func TestMockCallCancelledContext(t *testing.T) {
	m := NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Call(ctx, &Call{RequestID: "req_4"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.Calls())
}

func TestHTTPGatewayCall(t *testing.T) {
	var got Call
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/execute", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Response{
			Data:         map[string]interface{}{"content": "hello"},
			InputTokens:  900,
			OutputTokens: 450,
			ActualCost:   0.00125,
		})
	}))
	defer srv.Close()

	g := NewHTTPGateway(HTTPOptions{BaseURL: srv.URL, APIKey: "secret"})
	resp, err := g.Call(context.Background(), &Call{
		RequestID:     "req_5",
		Provider:      "openai",
		Model:         "gpt-3.5-turbo",
		Endpoint:      "/chat/completions",
		EstimatedCost: 0.0013125,
	})
	require.NoError(t, err)

	assert.Equal(t, "req_5", got.RequestID)
	assert.Equal(t, "gpt-3.5-turbo", got.Model)
	assert.Equal(t, 1350, resp.TokensUsed)
	assert.InDelta(t, 0.00125, resp.ActualCost, 1e-9)
	assert.Greater(t, resp.LatencyMS, 0.0)
	assert.True(t, g.IsHealthy())
}

func TestHTTPGatewayCallBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "provider quota exhausted"})
	}))
	defer srv.Close()

	g := NewHTTPGateway(HTTPOptions{BaseURL: srv.URL})
	_, err := g.Call(context.Background(), &Call{RequestID: "req_6", Provider: "openai"})
	require.Error(t, err)

	var provErr *Error
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, http.StatusBadGateway, provErr.Status)
	assert.Contains(t, provErr.Message, "provider quota exhausted")
	assert.False(t, g.IsHealthy())
}

func TestHTTPGatewayCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := NewHTTPGateway(HTTPOptions{BaseURL: srv.URL, Client: srv.Client()})
	_, err := g.Call(context.Background(), &Call{
		RequestID: "req_7",
		Provider:  "openai",
		Timeout:   20 * time.Millisecond,
	})
	require.Error(t, err)
	assert.False(t, g.IsHealthy())
}
