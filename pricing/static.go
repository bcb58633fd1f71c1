// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ModelRates holds per-1K-token rates for one model.
type ModelRates struct {
	InputPer1K  float64 `json:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k" yaml:"output_per_1k"`
}

// defaultRates covers the common hosted models. Prices are per 1K tokens in
// USD. A "*" entry is the fallback for unknown models of that provider.
var defaultRates = map[string]map[string]ModelRates{
	"openai": {
		"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
		"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
		"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		"*":             {InputPer1K: 0.01, OutputPer1K: 0.03},
	},
	"anthropic": {
		"claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},
		"claude-3-sonnet":   {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
		"*":                 {InputPer1K: 0.003, OutputPer1K: 0.015},
	},
	"google": {
		"gemini-1.5-pro":   {InputPer1K: 0.00125, OutputPer1K: 0.005},
		"gemini-1.5-flash": {InputPer1K: 0.000075, OutputPer1K: 0.0003},
		"gemini-pro":       {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		"*":                {InputPer1K: 0.001, OutputPer1K: 0.004},
	},
}

// StaticTable is an in-process pricing source seeded with default rates and
// optionally merged with a YAML or JSON file. It implements Fetcher, so a
// gateway can run without a remote pricing store.
type StaticTable struct {
	mu        sync.RWMutex
	providers map[string]map[string]ModelRates
	now       func() time.Time
}

// NewStaticTable returns a table seeded with the default rates.
func NewStaticTable() *StaticTable {
	providers := make(map[string]map[string]ModelRates, len(defaultRates))
	for provider, models := range defaultRates {
		copied := make(map[string]ModelRates, len(models))
		for model, rates := range models {
			copied[model] = rates
		}
		providers[provider] = copied
	}
	return &StaticTable{providers: providers, now: time.Now}
}

type staticFile struct {
	Providers map[string]map[string]ModelRates `json:"providers" yaml:"providers"`
}

// LoadStaticTable reads a pricing file (YAML by extension, otherwise JSON)
// and merges it over the default rates. File entries win.
func LoadStaticTable(path string) (*StaticTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file %s: %w", path, err)
	}

	var custom staticFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &custom)
	default:
		err = json.Unmarshal(data, &custom)
	}
	if err != nil {
		return nil, fmt.Errorf("parse pricing file %s: %w", path, err)
	}

	table := NewStaticTable()
	for provider, models := range custom.Providers {
		provider = strings.ToLower(provider)
		if table.providers[provider] == nil {
			table.providers[provider] = make(map[string]ModelRates)
		}
		for model, rates := range models {
			table.providers[provider][model] = rates
		}
	}
	return table, nil
}

// SetRates sets or overrides the rates for one provider/model.
func (t *StaticTable) SetRates(provider, model string, rates ModelRates) {
	t.mu.Lock()
	defer t.mu.Unlock()

	provider = strings.ToLower(provider)
	if t.providers[provider] == nil {
		t.providers[provider] = make(map[string]ModelRates)
	}
	t.providers[provider][model] = rates
}

// rates resolves a model's rates with wildcard fallback.
func (t *StaticTable) rates(provider, model string) (ModelRates, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	models, ok := t.providers[strings.ToLower(provider)]
	if !ok {
		return ModelRates{}, false
	}
	r, ok := models[model]
	if !ok {
		r, ok = models[strings.ToLower(model)]
		if !ok {
			r, ok = models["*"]
		}
	}
	return r, ok
}

// FetchPricing implements Fetcher.
func (t *StaticTable) FetchPricing(_ context.Context, provider, model string) (*Pricing, error) {
	r, ok := t.rates(provider, model)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrPricingNotFound, provider, model)
	}
	now := t.now().UTC()
	return &Pricing{
		Provider:      provider,
		ModelName:     model,
		PricingModel:  ModelTokenBased,
		InputPer1K:    r.InputPer1K,
		OutputPer1K:   r.OutputPer1K,
		Currency:      "USD",
		EffectiveDate: now,
		LastUpdated:   now,
	}, nil
}

// FetchPricingHistory implements Fetcher. A static table has no history, so
// it returns the single current entry.
func (t *StaticTable) FetchPricingHistory(ctx context.Context, provider, model string, _ int) ([]*Pricing, error) {
	current, err := t.FetchPricing(ctx, provider, model)
	if err != nil {
		return nil, err
	}
	return []*Pricing{current}, nil
}
