// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package pricing

import (
	"context"
	"testing"
	"time"
)

type countingFetcher struct {
	table *StaticTable
	calls int
}

func (f *countingFetcher) FetchPricing(ctx context.Context, provider, model string) (*Pricing, error) {
	f.calls++
	return f.table.FetchPricing(ctx, provider, model)
}

func (f *countingFetcher) FetchPricingHistory(ctx context.Context, provider, model string, days int) ([]*Pricing, error) {
	return f.table.FetchPricingHistory(ctx, provider, model, days)
}

func TestEstimateCostWithPlatformFee(t *testing.T) {
	engine := NewEngine(NewStaticTable(), Options{})

	est, err := engine.EstimateCost(context.Background(), "openai", "gpt-3.5-turbo", EstimateParams{
		InputTokens:  1000,
		OutputTokens: 500,
	})
	if err != nil {
		t.Fatalf("EstimateCost() error = %v", err)
	}

	if !almostEqual(est.BaseCost, 0.00125) {
		t.Errorf("base cost = %v, want 0.00125", est.BaseCost)
	}
	if !almostEqual(est.PlatformFee, 0.0000625) {
		t.Errorf("platform fee = %v, want 0.0000625", est.PlatformFee)
	}
	if !almostEqual(est.TotalCost, 0.0013125) {
		t.Errorf("total cost = %v, want 0.0013125", est.TotalCost)
	}
	if est.EstimatedTotalTokens != 1500 {
		t.Errorf("total tokens = %d, want 1500", est.EstimatedTotalTokens)
	}
	if !almostEqual(est.Confidence, 0.9) {
		t.Errorf("confidence = %v, want 0.9", est.Confidence)
	}
}

func TestEstimateCostDefaultsOutputToHalfInput(t *testing.T) {
	engine := NewEngine(NewStaticTable(), Options{})

	est, err := engine.EstimateCost(context.Background(), "openai", "gpt-3.5-turbo", EstimateParams{
		InputTokens: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if est.EstimatedOutputTokens != 500 {
		t.Errorf("output tokens = %d, want 500", est.EstimatedOutputTokens)
	}
}

func TestEstimateCostFromText(t *testing.T) {
	engine := NewEngine(NewStaticTable(), Options{})

	text := make([]byte, 400)
	for i := range text {
		text[i] = 'a'
	}
	est, err := engine.EstimateCost(context.Background(), "openai", "gpt-3.5-turbo", EstimateParams{
		InputText: string(text),
	})
	if err != nil {
		t.Fatal(err)
	}
	// 400 chars / 4 = 100 tokens, x1.1 buffer = 110.
	if est.EstimatedInputTokens != 110 {
		t.Errorf("input tokens = %d, want 110", est.EstimatedInputTokens)
	}
	if !almostEqual(est.Confidence, 0.8) {
		t.Errorf("confidence = %v, want 0.8", est.Confidence)
	}
}

func TestEstimateTokens(t *testing.T) {
	engine := NewEngine(NewStaticTable(), Options{})

	tests := []struct {
		name    string
		textLen int
		isInput bool
		want    int
	}{
		{name: "four hundred chars", textLen: 400, isInput: true, want: 110},
		{name: "rounds partial chunk up", textLen: 10, isInput: true, want: 3},
		{name: "empty text", textLen: 0, isInput: true, want: 0},
		{name: "output side", textLen: 400, isInput: false, want: 110},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := make([]byte, tt.textLen)
			for i := range text {
				text[i] = 'x'
			}
			est := engine.EstimateTokens(string(text), "gpt-3.5-turbo", tt.isInput)
			if est.TotalTokens != tt.want {
				t.Errorf("total tokens = %d, want %d", est.TotalTokens, tt.want)
			}
			if tt.isInput && est.OutputTokens != 0 {
				t.Errorf("output tokens = %d, want 0", est.OutputTokens)
			}
			if !tt.isInput && est.InputTokens != 0 {
				t.Errorf("input tokens = %d, want 0", est.InputTokens)
			}
			if est.Method != "char_count" {
				t.Errorf("method = %q, want char_count", est.Method)
			}
			if !almostEqual(est.Confidence, 0.8) {
				t.Errorf("confidence = %v, want 0.8", est.Confidence)
			}
		})
	}
}

func TestPricingCache(t *testing.T) {
	fetcher := &countingFetcher{table: NewStaticTable()}
	engine := NewEngine(fetcher, Options{CacheTTL: time.Minute})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := engine.Pricing(ctx, "openai", "gpt-4"); err != nil {
			t.Fatal(err)
		}
	}
	if fetcher.calls != 1 {
		t.Errorf("fetcher calls = %d, want 1 (cache hit expected)", fetcher.calls)
	}

	// Expire the entry.
	base := time.Now()
	engine.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := engine.Pricing(ctx, "openai", "gpt-4"); err != nil {
		t.Fatal(err)
	}
	if fetcher.calls != 2 {
		t.Errorf("fetcher calls = %d, want 2 after TTL expiry", fetcher.calls)
	}

	// ClearCache forces a refetch too.
	engine.ClearCache("openai", "gpt-4")
	if _, err := engine.Pricing(ctx, "openai", "gpt-4"); err != nil {
		t.Fatal(err)
	}
	if fetcher.calls != 3 {
		t.Errorf("fetcher calls = %d, want 3 after cache clear", fetcher.calls)
	}
}

func TestDetectAnomaly(t *testing.T) {
	engine := NewEngine(NewStaticTable(), Options{})

	tests := []struct {
		name         string
		estimated    float64
		actual       float64
		wantNil      bool
		wantSeverity Severity
	}{
		{name: "within threshold", estimated: 1.0, actual: 1.1, wantNil: true},
		{name: "low", estimated: 1.0, actual: 1.25, wantSeverity: SeverityLow},
		{name: "medium", estimated: 1.0, actual: 1.75, wantSeverity: SeverityMedium},
		{name: "high", estimated: 1.0, actual: 2.5, wantSeverity: SeverityHigh},
		{name: "critical", estimated: 1.0, actual: 4.0, wantSeverity: SeverityCritical},
		{name: "underrun counts too", estimated: 1.0, actual: 0.5, wantSeverity: SeverityMedium},
		{name: "zero estimate with actual", estimated: 0, actual: 0.5, wantSeverity: SeverityHigh},
		{name: "both zero", estimated: 0, actual: 0, wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := engine.DetectAnomaly("req_1", "openai", "gpt-4", tt.estimated, tt.actual, 20)
			if tt.wantNil {
				if a != nil {
					t.Fatalf("expected nil anomaly, got %+v", a)
				}
				return
			}
			if a == nil {
				t.Fatal("expected anomaly, got nil")
			}
			if a.Severity != tt.wantSeverity {
				t.Errorf("severity = %v, want %v", a.Severity, tt.wantSeverity)
			}
		})
	}
}

func TestDetectAnomalyNegativeVariancePercent(t *testing.T) {
	engine := NewEngine(NewStaticTable(), Options{})

	a := engine.DetectAnomaly("req_1", "openai", "gpt-4", 0.002, 0.0015, 20)
	if a == nil {
		t.Fatal("expected anomaly")
	}
	if !almostEqual(a.DifferencePercent, -25.0) {
		t.Errorf("difference percent = %v, want -25.0", a.DifferencePercent)
	}
	if !almostEqual(a.Difference, -0.0005) {
		t.Errorf("difference = %v, want -0.0005", a.Difference)
	}
}

func TestCompareSortsByCost(t *testing.T) {
	engine := NewEngine(NewStaticTable(), Options{})

	pairs := []ProviderModel{
		{Provider: "anthropic", Model: "claude-3-opus"},
		{Provider: "openai", Model: "gpt-3.5-turbo"},
		{Provider: "google", Model: "gemini-1.5-flash"},
		{Provider: "nonexistent", Model: "skipped"},
	}
	estimates, err := engine.Compare(context.Background(), pairs, 1000, 500)
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	if len(estimates) != 3 {
		t.Fatalf("estimates = %d, want 3 (one pair skipped)", len(estimates))
	}
	for i := 1; i < len(estimates); i++ {
		if estimates[i].TotalCost < estimates[i-1].TotalCost {
			t.Errorf("estimates not sorted: %v before %v", estimates[i-1].TotalCost, estimates[i].TotalCost)
		}
	}
	if estimates[0].Provider != "google" {
		t.Errorf("cheapest provider = %s, want google", estimates[0].Provider)
	}
}

func TestCompareAllFailures(t *testing.T) {
	engine := NewEngine(NewStaticTable(), Options{})

	_, err := engine.Compare(context.Background(), []ProviderModel{
		{Provider: "nope", Model: "nothing"},
	}, 100, 50)
	if err != ErrNoEstimates {
		t.Errorf("error = %v, want ErrNoEstimates", err)
	}
}

func TestNegativeFeeDisablesPlatformFee(t *testing.T) {
	engine := NewEngine(NewStaticTable(), Options{PlatformFeePercent: -1})

	est, err := engine.EstimateCost(context.Background(), "openai", "gpt-3.5-turbo", EstimateParams{
		InputTokens:  1000,
		OutputTokens: 500,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(est.PlatformFee, 0) {
		t.Errorf("platform fee = %v, want 0", est.PlatformFee)
	}
	if !almostEqual(est.TotalCost, est.BaseCost) {
		t.Errorf("total = %v, want base %v", est.TotalCost, est.BaseCost)
	}
}
