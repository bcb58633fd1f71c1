// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package adjudicator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tollgate/platform/shared/logger"
)

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// HTTPClient adjudicates through an OpenAI-compatible chat completions
// endpoint. Temperature is pinned to zero so identical reviews produce
// stable judgments.
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	agentID string
	client  *http.Client
	log     *logger.Logger
}

var _ Adjudicator = (*HTTPClient)(nil)

// NewHTTPClient builds an HTTP adjudicator for one model.
func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		model:   opts.Model,
		agentID: "adjudicator-" + opts.Model,
		client:  &http.Client{Timeout: timeout},
		log:     logger.New("adjudicator"),
	}
}

// Evaluate sends the review to the model and parses its verdict.
func (c *HTTPClient) Evaluate(ctx context.Context, review *Review) (*Verdict, error) {
	reqBody, err := json.Marshal(map[string]interface{}{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "user", "content": Prompt(review)},
		},
		"max_tokens":  512,
		"temperature": 0,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal adjudicator request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("adjudicator call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("adjudicator API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("decode adjudicator response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("adjudicator returned no choices")
	}

	verdict, err := ParseVerdict(completion.Choices[0].Message.Content, c.agentID)
	if err != nil {
		return nil, err
	}

	c.log.InfoWithDuration(review.Request.PrincipalID, review.Request.RequestID, "adjudication complete",
		float64(time.Since(started).Milliseconds()), map[string]interface{}{
			"model":      c.model,
			"outcome":    string(verdict.Outcome),
			"confidence": verdict.Confidence,
		})
	return verdict, nil
}
