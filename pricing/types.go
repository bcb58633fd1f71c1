// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package pricing

import "time"

// Model is the charging scheme a provider applies to a model.
type Model string

const (
	ModelTokenBased   Model = "token_based"
	ModelCharBased    Model = "char_based"
	ModelRequestBased Model = "request_based"
	ModelTimeBased    Model = "time_based"
)

// Pricing holds the current rates for one provider/model pair.
type Pricing struct {
	Provider     string `json:"provider"`
	ModelName    string `json:"model_name"`
	PricingModel Model  `json:"pricing_model"`

	// Token-based rates, per 1K tokens.
	InputPer1K  float64 `json:"input_price_per_1k,omitempty"`
	OutputPer1K float64 `json:"output_price_per_1k,omitempty"`

	// Alternative rates.
	PerRequest float64 `json:"price_per_request,omitempty"`
	PerChar    float64 `json:"price_per_char,omitempty"`
	PerSecond  float64 `json:"price_per_second,omitempty"`

	Currency      string    `json:"currency"`
	EffectiveDate time.Time `json:"effective_date"`
	LastUpdated   time.Time `json:"last_updated"`

	MaxInputTokens  int `json:"max_input_tokens,omitempty"`
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`
}

// Usage carries the measured quantities a cost calculation dispatches on.
type Usage struct {
	InputTokens     int
	OutputTokens    int
	Chars           int
	Requests        int
	DurationSeconds float64
}

// CalculateCost computes the base cost of the given usage under this
// pricing's charging scheme. Unknown schemes cost zero.
func (p *Pricing) CalculateCost(u Usage) float64 {
	switch p.PricingModel {
	case ModelTokenBased:
		inputCost := float64(u.InputTokens) / 1000.0 * p.InputPer1K
		outputCost := float64(u.OutputTokens) / 1000.0 * p.OutputPer1K
		return inputCost + outputCost
	case ModelCharBased:
		return float64(u.Chars) * p.PerChar
	case ModelRequestBased:
		requests := u.Requests
		if requests == 0 {
			requests = 1
		}
		return float64(requests) * p.PerRequest
	case ModelTimeBased:
		return u.DurationSeconds * p.PerSecond
	}
	return 0
}

// TokenEstimate is an approximate token count for a piece of text.
type TokenEstimate struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	Method       string  `json:"estimation_method"`
	Confidence   float64 `json:"confidence"`
}

// CostEstimate is the projected cost of a request, fee included.
type CostEstimate struct {
	Provider  string `json:"provider"`
	ModelName string `json:"model_name"`

	EstimatedInputTokens  int `json:"estimated_input_tokens"`
	EstimatedOutputTokens int `json:"estimated_output_tokens"`
	EstimatedTotalTokens  int `json:"estimated_total_tokens"`

	BaseCost    float64 `json:"base_cost"`
	PlatformFee float64 `json:"platform_fee"`
	TotalCost   float64 `json:"total_cost"`

	Currency    string    `json:"currency"`
	Confidence  float64   `json:"confidence"`
	EstimatedAt time.Time `json:"estimated_at"`

	Pricing *Pricing `json:"pricing_data,omitempty"`
}

// Severity grades how far an actual cost strayed from its estimate.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Anomaly records an actual cost that diverged from its estimate beyond the
// detection threshold.
type Anomaly struct {
	RequestID string `json:"request_id"`
	Provider  string `json:"provider"`
	ModelName string `json:"model_name"`

	EstimatedCost     float64 `json:"estimated_cost"`
	ActualCost        float64 `json:"actual_cost"`
	Difference        float64 `json:"difference"`
	DifferencePercent float64 `json:"difference_percent"`

	Severity   Severity  `json:"severity"`
	Reason     string    `json:"reason"`
	DetectedAt time.Time `json:"detected_at"`
}
