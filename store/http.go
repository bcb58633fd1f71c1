// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tollgate/platform/budget"
	"tollgate/platform/payment"
	"tollgate/platform/pricing"
	"tollgate/platform/risk"
	"tollgate/platform/shared/logger"
	"tollgate/platform/shared/types"
)

// HTTPOptions configures a Client against the platform backend.
type HTTPOptions struct {
	BaseURL string
	APIKey  string

	// Timeout bounds metadata fetches; AnalyticsTimeout bounds the heavier
	// analytics and history queries. Zero selects the defaults.
	Timeout          time.Duration
	AnalyticsTimeout time.Duration
}

// Client talks to the platform backend's metadata and ledger API. It is the
// primary Store implementation; the SQL/Redis/Mongo stores exist for
// self-hosted deployments that skip the backend.
type Client struct {
	baseURL          string
	apiKey           string
	client           *http.Client
	analyticsTimeout time.Duration
	log              *logger.Logger
}

var _ Store = (*Client)(nil)

// NewClient builds a backend client.
func NewClient(opts HTTPOptions) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	analyticsTimeout := opts.AnalyticsTimeout
	if analyticsTimeout <= 0 {
		analyticsTimeout = 10 * time.Second
	}
	return &Client{
		baseURL:          strings.TrimRight(opts.BaseURL, "/"),
		apiKey:           opts.APIKey,
		client:           &http.Client{Timeout: timeout},
		analyticsTimeout: analyticsTimeout,
		log:              logger.New("store-http"),
	}
}

// get fetches path and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out, http.StatusOK)
}

// post sends body as JSON to path and decodes the response into out.
func (c *Client) post(ctx context.Context, path string, body, out interface{}, want int) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out, want)
}

func (c *Client) do(req *http.Request, out interface{}, want int) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == want:
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	case resp.StatusCode == http.StatusPaymentRequired:
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s", payment.ErrInsufficientFunds, bodyMessage(raw))
	case resp.StatusCode >= 500:
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, bodyMessage(raw))
	default:
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backend status %d: %s", resp.StatusCode, bodyMessage(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// bodyMessage extracts the backend's error string from a failure body.
func bodyMessage(raw []byte) string {
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
		msg = "no detail"
	}
	return msg
}

func pathEscape(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.Join(escaped, "/")
}

// FetchPrincipalContext loads the principal aggregate the pipeline starts
// from.
func (c *Client) FetchPrincipalContext(ctx context.Context, principalID, projectID string) (*types.PrincipalContext, error) {
	var pc types.PrincipalContext
	path := "/api/v1/context/" + pathEscape(principalID, projectID)
	if err := c.get(ctx, path, &pc); err != nil {
		return nil, fmt.Errorf("fetch principal context: %w", err)
	}
	return &pc, nil
}

// FetchSystemPolicy loads the platform-wide policy document.
func (c *Client) FetchSystemPolicy(ctx context.Context) (*types.SystemPolicy, error) {
	var sp types.SystemPolicy
	if err := c.get(ctx, "/api/v1/policies/system", &sp); err != nil {
		return nil, fmt.Errorf("fetch system policy: %w", err)
	}
	return &sp, nil
}

// FetchUserPolicy loads the policy for a principal and project.
func (c *Client) FetchUserPolicy(ctx context.Context, principalID, projectID string) (*types.UserPolicy, error) {
	var up types.UserPolicy
	path := "/api/v1/policies/" + pathEscape(principalID, projectID)
	if err := c.get(ctx, path, &up); err != nil {
		return nil, fmt.Errorf("fetch user policy: %w", err)
	}
	return &up, nil
}

// FetchAvailableBalance returns the spendable balance.
func (c *Client) FetchAvailableBalance(ctx context.Context, principalID, projectID string) (float64, error) {
	var out struct {
		AvailableBalance float64 `json:"available_balance"`
	}
	path := "/api/v1/budget/" + pathEscape(principalID, projectID) + "/balance"
	if err := c.get(ctx, path, &out); err != nil {
		return 0, fmt.Errorf("fetch balance: %w", err)
	}
	return out.AvailableBalance, nil
}

// FetchBudgetStatus returns the full budget snapshot.
func (c *Client) FetchBudgetStatus(ctx context.Context, principalID, projectID string) (*budget.Status, error) {
	var st budget.Status
	path := "/api/v1/budget/" + pathEscape(principalID, projectID)
	if err := c.get(ctx, path, &st); err != nil {
		return nil, fmt.Errorf("fetch budget status: %w", err)
	}
	return &st, nil
}

// FetchSpending returns spending for one period.
func (c *Client) FetchSpending(ctx context.Context, principalID, projectID string, period budget.Period) (float64, error) {
	var out struct {
		Amount float64 `json:"amount"`
	}
	path := "/api/v1/budget/" + pathEscape(principalID, projectID) + "/spending?period=" + url.QueryEscape(string(period))
	if err := c.get(ctx, path, &out); err != nil {
		return 0, fmt.Errorf("fetch spending: %w", err)
	}
	return out.Amount, nil
}

// FetchAnalytics returns aggregated spending analytics for a window. This is
// the heavy query, so it runs under the analytics timeout.
func (c *Client) FetchAnalytics(ctx context.Context, principalID, projectID string, period budget.Period, start, end time.Time) (*budget.Analytics, error) {
	ctx, cancel := context.WithTimeout(ctx, c.analyticsTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("period", string(period))
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))

	var an budget.Analytics
	path := "/api/v1/budget/" + pathEscape(principalID, projectID) + "/analytics?" + q.Encode()
	if err := c.get(ctx, path, &an); err != nil {
		return nil, fmt.Errorf("fetch analytics: %w", err)
	}
	return &an, nil
}

// FetchPricing returns the current rates for one provider and model.
func (c *Client) FetchPricing(ctx context.Context, provider, model string) (*pricing.Pricing, error) {
	var p pricing.Pricing
	path := "/api/v1/pricing/" + pathEscape(provider, model)
	if err := c.get(ctx, path, &p); err != nil {
		return nil, fmt.Errorf("fetch pricing: %w", err)
	}
	return &p, nil
}

// FetchPricingHistory returns historical rates, newest first.
func (c *Client) FetchPricingHistory(ctx context.Context, provider, model string, days int) ([]*pricing.Pricing, error) {
	ctx, cancel := context.WithTimeout(ctx, c.analyticsTimeout)
	defer cancel()

	var history []*pricing.Pricing
	path := "/api/v1/pricing/" + pathEscape(provider, model) + "/history?days=" + strconv.Itoa(days)
	if err := c.get(ctx, path, &history); err != nil {
		return nil, fmt.Errorf("fetch pricing history: %w", err)
	}
	return history, nil
}

// FetchBaseline returns the behavioral baseline for a principal and project.
func (c *Client) FetchBaseline(ctx context.Context, principalID, projectID string, lookbackDays int) (*risk.Baseline, error) {
	var b risk.Baseline
	path := "/api/v1/baseline/" + pathEscape(principalID, projectID) + "?lookback_days=" + strconv.Itoa(lookbackDays)
	if err := c.get(ctx, path, &b); err != nil {
		return nil, fmt.Errorf("fetch baseline: %w", err)
	}
	return &b, nil
}

// CreateReservation asks the ledger to reserve the estimated amount. The
// backend deduplicates on request id, so a replay returns the original
// reservation. An HTTP 402 surfaces as payment.ErrInsufficientFunds.
func (c *Client) CreateReservation(ctx context.Context, requestID, principalID, projectID string, estimatedAmount float64) (*payment.Reservation, error) {
	body := map[string]interface{}{
		"request_id":       requestID,
		"principal_id":     principalID,
		"project_id":       projectID,
		"estimated_amount": estimatedAmount,
	}
	var res payment.Reservation
	if err := c.post(ctx, "/api/v1/payments/reserve", body, &res, http.StatusCreated); err != nil {
		return nil, err
	}
	return &res, nil
}

// CommitPayment records the settlement reconciliation. The backend
// deduplicates on reservation id.
func (c *Client) CommitPayment(ctx context.Context, commit payment.Commit) (string, error) {
	var out struct {
		PaymentID string `json:"payment_id"`
	}
	if err := c.post(ctx, "/api/v1/payments/commit", commit, &out, http.StatusCreated); err != nil {
		return "", err
	}
	return out.PaymentID, nil
}

// FetchPaymentStatus returns the ledger's view of one payment.
func (c *Client) FetchPaymentStatus(ctx context.Context, paymentID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	path := "/api/v1/payments/" + url.PathEscape(paymentID)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("fetch payment status: %w", err)
	}
	return out, nil
}

// Ping verifies the backend answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "/health", nil)
}

// Close is a no-op; the client holds no persistent connections.
func (c *Client) Close() error {
	return nil
}
