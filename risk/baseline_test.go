// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package risk

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerGetSwallowsFetchError(t *testing.T) {
	fetcher := &fakeBaselines{err: errors.New("store unreachable")}
	tracker := NewTracker(fetcher)

	b := tracker.Get(context.Background(), "prin-1", "proj-1", 0)
	assert.Nil(t, b)
	assert.Equal(t, 1, fetcher.calls)
	assert.Equal(t, DefaultLookbackDays, fetcher.lastLookback)
}

func TestTrackerGetPassesLookbackThrough(t *testing.T) {
	fetcher := &fakeBaselines{baseline: typicalBaseline()}
	tracker := NewTracker(fetcher)

	b := tracker.Get(context.Background(), "prin-1", "proj-1", 7)
	require.NotNil(t, b)
	assert.Equal(t, 7, fetcher.lastLookback)
	assert.Equal(t, 120, b.SampleSize)
}

func TestAnalyzeQualityConfidenceLadder(t *testing.T) {
	tracker := NewTracker(&fakeBaselines{})

	cases := []struct {
		samples    int
		confidence string
		sufficient bool
	}{
		{120, "high", true},
		{30, "medium", true},
		{10, "low", true},
		{5, "insufficient", false},
	}
	for _, tc := range cases {
		b := typicalBaseline()
		b.SampleSize = tc.samples
		q := tracker.AnalyzeQuality(b)
		assert.Equal(t, tc.confidence, q.ConfidenceLevel, "samples=%d", tc.samples)
		assert.Equal(t, tc.sufficient, q.SufficientData, "samples=%d", tc.samples)
	}
}

func TestAnalyzeQualityCompleteness(t *testing.T) {
	tracker := NewTracker(&fakeBaselines{})

	full := typicalBaseline()
	q := tracker.AnalyzeQuality(full)
	assert.Equal(t, 100, q.CompletenessScore)
	assert.True(t, q.HasCostData)
	assert.True(t, q.HasProviderPattern)
	assert.True(t, q.HasModelPattern)
	assert.True(t, q.HasTimePattern)

	costOnly := &Baseline{AverageRequestCost: 0.01, SampleSize: 40}
	q = tracker.AnalyzeQuality(costOnly)
	assert.Equal(t, 25, q.CompletenessScore)
	assert.Equal(t, "medium", q.ConfidenceLevel)

	q = tracker.AnalyzeQuality(nil)
	assert.Equal(t, "insufficient", q.ConfidenceLevel)
	assert.Equal(t, 0, q.CompletenessScore)
}

func TestSummarize(t *testing.T) {
	tracker := NewTracker(&fakeBaselines{})

	assert.Equal(t, "No baseline available", tracker.Summarize(nil))

	s := tracker.Summarize(typicalBaseline())
	assert.Contains(t, s, "Baseline: 120 requests over 30 days")
	assert.Contains(t, s, "Avg cost: $0.0100")
	assert.Contains(t, s, "Avg requests/day: 40.0")
	assert.Contains(t, s, "Confidence: high")
	assert.Contains(t, s, "Completeness: 100%")
	assert.Contains(t, s, "Providers: openai")
	assert.Contains(t, s, "Models: 1")
}

func TestSummarizeTruncatesProviderList(t *testing.T) {
	tracker := NewTracker(&fakeBaselines{})

	b := typicalBaseline()
	b.TypicalProviders = []string{"openai", "anthropic", "google", "mistral"}

	s := tracker.Summarize(b)
	assert.Contains(t, s, "Providers: openai, anthropic, google")
	assert.NotContains(t, s, "mistral")
}

func TestBaselineCostAnomaly(t *testing.T) {
	withStdDev := &Baseline{AverageRequestCost: 1.0, CostStdDev: 0.5}
	assert.False(t, withStdDev.IsCostAnomaly(2.4, 3.0))
	assert.True(t, withStdDev.IsCostAnomaly(2.6, 3.0))

	noStdDev := &Baseline{AverageRequestCost: 1.0}
	assert.False(t, noStdDev.IsCostAnomaly(2.9, 3.0))
	assert.True(t, noStdDev.IsCostAnomaly(3.1, 3.0))

	empty := &Baseline{}
	assert.False(t, empty.IsCostAnomaly(100, 3.0))
}

func TestBaselineVolumeAnomaly(t *testing.T) {
	b := &Baseline{AverageRequestsPerHour: 10}
	assert.False(t, b.IsVolumeAnomaly(19, 2.0))
	assert.True(t, b.IsVolumeAnomaly(21, 2.0))

	empty := &Baseline{}
	assert.False(t, empty.IsVolumeAnomaly(100, 2.0))
}

func TestCompare(t *testing.T) {
	cases := []struct {
		name      string
		value     float64
		baseline  float64
		deviation float64
		anomalous bool
		severity  string
	}{
		{"far above", 7, 1, 6.0, true, "critical"},
		{"well above", 5, 1, 4.0, true, "high"},
		{"above", 3.5, 1, 2.5, true, "medium"},
		{"slightly above", 2.5, 1, 1.5, false, "low"},
		{"normal", 1.8, 1, 0.8, false, "normal"},
		{"below", 0.5, 1, -0.5, false, "normal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Compare(tc.value, tc.baseline)
			assert.InDelta(t, tc.deviation, c.Deviation, 1e-9)
			assert.Equal(t, tc.anomalous, c.Anomalous)
			assert.Equal(t, tc.severity, c.Severity)
		})
	}

	t.Run("zero baseline", func(t *testing.T) {
		c := Compare(11, 0)
		assert.True(t, c.Anomalous)
		assert.Equal(t, "unknown", c.Severity)

		c = Compare(5, 0)
		assert.False(t, c.Anomalous)
		assert.Equal(t, "unknown", c.Severity)
	})
}
