// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package pricing estimates request costs ahead of execution. It fetches
// per-model rates through a narrow Fetcher, converts text to token counts
// when no precise count is available, applies the platform fee, compares
// providers, and flags actual costs that stray from their estimates. The
// engine is read-only: it never persists anything.
package pricing

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"tollgate/platform/shared/logger"
)

// Fetcher retrieves pricing data from wherever it lives. Implementations
// must be safe for concurrent use.
type Fetcher interface {
	FetchPricing(ctx context.Context, provider, model string) (*Pricing, error)
	FetchPricingHistory(ctx context.Context, provider, model string, days int) ([]*Pricing, error)
}

// DefaultPlatformFeePercent is added on top of the base cost for every
// estimate.
const DefaultPlatformFeePercent = 5.0

// DefaultAnomalyThresholdPercent is the deviation at which an actual cost is
// flagged against its estimate.
const DefaultAnomalyThresholdPercent = 20.0

// ProviderModel names one provider/model pair for comparison.
type ProviderModel struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Options configures an Engine.
type Options struct {
	// PlatformFeePercent defaults to DefaultPlatformFeePercent when zero;
	// pass a negative value for a fee-free deployment.
	PlatformFeePercent float64
	CacheTTL           time.Duration
}

type cacheEntry struct {
	pricing  *Pricing
	cachedAt time.Time
}

// Engine estimates and analyzes request costs.
type Engine struct {
	fetcher    Fetcher
	log        *logger.Logger
	feePercent float64
	cacheTTL   time.Duration
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewEngine creates a pricing engine over the given fetcher.
func NewEngine(fetcher Fetcher, opts Options) *Engine {
	fee := opts.PlatformFeePercent
	switch {
	case fee == 0:
		fee = DefaultPlatformFeePercent
	case fee < 0:
		fee = 0
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Engine{
		fetcher:    fetcher,
		log:        logger.New("pricing-engine"),
		feePercent: fee,
		cacheTTL:   ttl,
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
}

// Pricing returns the current rates for a provider/model, served from the
// TTL cache when fresh.
func (e *Engine) Pricing(ctx context.Context, provider, model string) (*Pricing, error) {
	key := provider + ":" + model

	e.mu.RLock()
	entry, ok := e.cache[key]
	e.mu.RUnlock()
	if ok && e.now().Sub(entry.cachedAt) < e.cacheTTL {
		return entry.pricing, nil
	}

	pricing, err := e.fetcher.FetchPricing(ctx, provider, model)
	if err != nil {
		return nil, fmt.Errorf("fetch pricing for %s/%s: %w", provider, model, err)
	}

	e.mu.Lock()
	e.cache[key] = cacheEntry{pricing: pricing, cachedAt: e.now()}
	e.mu.Unlock()

	return pricing, nil
}

// EstimateTokens approximates the token count of text. Without a precise
// tokenizer it assumes four characters per token plus a 10% buffer for
// special tokens, labeled method "char_count" at confidence 0.8. The model
// argument selects the tokenizer once precise ones are wired in.
func (e *Engine) EstimateTokens(text, model string, isInput bool) TokenEstimate {
	tokens := int(math.Ceil(float64(len(text))/4.0) * 1.1)

	est := TokenEstimate{
		Method:     "char_count",
		Confidence: 0.8,
	}
	if isInput {
		est.InputTokens = tokens
	} else {
		est.OutputTokens = tokens
	}
	est.TotalTokens = est.InputTokens + est.OutputTokens
	return est
}

// EstimateParams carries the known quantities for a cost estimate. Token
// counts win over text; absent output tokens default to half the input.
type EstimateParams struct {
	InputTokens          int
	OutputTokens         int
	InputText            string
	ExpectedOutputTokens int
}

// EstimateCost projects the total cost of a request, platform fee included.
func (e *Engine) EstimateCost(ctx context.Context, provider, model string, params EstimateParams) (*CostEstimate, error) {
	pricing, err := e.Pricing(ctx, provider, model)
	if err != nil {
		return nil, err
	}

	confidence := 0.9
	inputTokens := params.InputTokens
	if inputTokens == 0 && params.InputText != "" {
		tokenEst := e.EstimateTokens(params.InputText, model, true)
		inputTokens = tokenEst.InputTokens
		confidence = tokenEst.Confidence
	}

	outputTokens := params.OutputTokens
	if outputTokens == 0 {
		if params.ExpectedOutputTokens > 0 {
			outputTokens = params.ExpectedOutputTokens
		} else {
			outputTokens = inputTokens / 2
		}
	}

	baseCost := pricing.CalculateCost(Usage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Chars:        len(params.InputText),
	})
	platformFee := baseCost * e.feePercent / 100
	totalCost := baseCost + platformFee

	estimate := &CostEstimate{
		Provider:              provider,
		ModelName:             model,
		EstimatedInputTokens:  inputTokens,
		EstimatedOutputTokens: outputTokens,
		EstimatedTotalTokens:  inputTokens + outputTokens,
		BaseCost:              baseCost,
		PlatformFee:           platformFee,
		TotalCost:             totalCost,
		Currency:              pricing.Currency,
		Confidence:            confidence,
		EstimatedAt:           e.now().UTC(),
		Pricing:               pricing,
	}
	if estimate.Currency == "" {
		estimate.Currency = "USD"
	}

	e.log.Debug("", "", "cost estimate computed", map[string]interface{}{
		"provider":      provider,
		"model":         model,
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
		"total_cost":    totalCost,
	})
	return estimate, nil
}

// DetectAnomaly compares an actual cost to its estimate and returns an
// Anomaly when the deviation meets the threshold, nil otherwise. A zero
// threshold uses DefaultAnomalyThresholdPercent.
func (e *Engine) DetectAnomaly(requestID, provider, model string, estimatedCost, actualCost, thresholdPercent float64) *Anomaly {
	if thresholdPercent <= 0 {
		thresholdPercent = DefaultAnomalyThresholdPercent
	}

	difference := actualCost - estimatedCost
	var differencePercent float64
	switch {
	case estimatedCost > 0:
		differencePercent = difference / estimatedCost * 100
	case actualCost > 0:
		differencePercent = 100.0
	}

	absDiff := math.Abs(differencePercent)
	if absDiff < thresholdPercent {
		return nil
	}

	var severity Severity
	var reason string
	switch {
	case absDiff < 50:
		severity = SeverityLow
		reason = fmt.Sprintf("Cost differs by %.1f%%", absDiff)
	case absDiff < 100:
		severity = SeverityMedium
		reason = fmt.Sprintf("Cost differs by %.1f%%, investigate pricing changes", absDiff)
	case absDiff < 200:
		severity = SeverityHigh
		reason = fmt.Sprintf("Cost differs by %.1f%%, possible pricing error or usage spike", absDiff)
	default:
		severity = SeverityCritical
		reason = fmt.Sprintf("Cost differs by %.1f%%, likely estimation failure or fraud", absDiff)
	}

	anomaly := &Anomaly{
		RequestID:         requestID,
		Provider:          provider,
		ModelName:         model,
		EstimatedCost:     estimatedCost,
		ActualCost:        actualCost,
		Difference:        difference,
		DifferencePercent: differencePercent,
		Severity:          severity,
		Reason:            reason,
		DetectedAt:        e.now().UTC(),
	}
	e.log.Warn("", requestID, "cost anomaly detected", map[string]interface{}{
		"provider":           provider,
		"model":              model,
		"severity":           string(severity),
		"difference_percent": differencePercent,
	})
	return anomaly
}

// Compare estimates the same token usage across several provider/model
// pairs and returns the estimates sorted by ascending total cost. Pairs
// whose pricing cannot be fetched are skipped; ErrNoEstimates is returned
// when none survive.
func (e *Engine) Compare(ctx context.Context, pairs []ProviderModel, inputTokens, outputTokens int) ([]*CostEstimate, error) {
	estimates := make([]*CostEstimate, 0, len(pairs))
	for _, pm := range pairs {
		est, err := e.EstimateCost(ctx, pm.Provider, pm.Model, EstimateParams{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		})
		if err != nil {
			e.log.Warn("", "", "skipping provider in cost comparison", map[string]interface{}{
				"provider": pm.Provider,
				"model":    pm.Model,
				"error":    err.Error(),
			})
			continue
		}
		estimates = append(estimates, est)
	}
	if len(estimates) == 0 {
		return nil, ErrNoEstimates
	}
	sort.Slice(estimates, func(i, j int) bool {
		return estimates[i].TotalCost < estimates[j].TotalCost
	})
	return estimates, nil
}

// History returns historical rates for a provider/model, newest first as
// delivered by the fetcher. Days defaults to 30.
func (e *Engine) History(ctx context.Context, provider, model string, days int) ([]*Pricing, error) {
	if days <= 0 {
		days = 30
	}
	history, err := e.fetcher.FetchPricingHistory(ctx, provider, model, days)
	if err != nil {
		return nil, fmt.Errorf("fetch pricing history for %s/%s: %w", provider, model, err)
	}
	return history, nil
}

// ClearCache drops cached pricing. With both arguments empty the whole
// cache is cleared; with only a provider, that provider's entries go.
func (e *Engine) ClearCache(provider, model string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case provider != "" && model != "":
		delete(e.cache, provider+":"+model)
	case provider != "":
		prefix := provider + ":"
		for key := range e.cache {
			if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
				delete(e.cache, key)
			}
		}
	default:
		e.cache = make(map[string]cacheEntry)
	}
}
