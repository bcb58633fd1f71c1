// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDevelopmentDefaults(t *testing.T) {
	t.Setenv("TOLLGATE_ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, "http://localhost:5000", cfg.BackendBaseURL)
	assert.Equal(t, 30*time.Second, cfg.APITimeout)
	assert.Equal(t, 5*time.Second, cfg.MetadataTimeout)
	assert.Equal(t, 10*time.Second, cfg.AnalyticsTimeout)
	assert.Equal(t, "./audit_logs", cfg.AuditLogDir)
	assert.Equal(t, 5.0, cfg.PlatformFeePercent)
	assert.Equal(t, 1.0, cfg.FastTierCostCap)
	assert.Equal(t, 5.0, cfg.FastTierRiskCap)
	assert.Equal(t, 300*time.Second, cfg.PolicyCacheTTL)
	assert.Equal(t, 30*time.Second, cfg.BudgetCacheTTL)
	assert.Equal(t, 300*time.Second, cfg.PricingCacheTTL)
	assert.Equal(t, "http", cfg.Store.Backend)
	assert.Equal(t, "8080", cfg.Host.Port)
	assert.Equal(t, []string{"*"}, cfg.Host.CORSAllowedOrigins)
}

func TestLoadTestEnvironment(t *testing.T) {
	t.Setenv("TOLLGATE_ENV", "test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:5001", cfg.BackendBaseURL)
	assert.Equal(t, 10*time.Second, cfg.APITimeout)
}

func TestLoadProductionRequiresBackendURL(t *testing.T) {
	t.Setenv("TOLLGATE_ENV", "production")
	t.Setenv("BACKEND_BASE_URL", "")

	_, err := Load()
	assert.ErrorIs(t, err, ErrMissingBackendURL)
}

func TestLoadProduction(t *testing.T) {
	t.Setenv("TOLLGATE_ENV", "production")
	t.Setenv("BACKEND_BASE_URL", "https://api.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.BackendBaseURL)
	assert.Equal(t, 60*time.Second, cfg.APITimeout)
}

func TestLoadRejectsUnknownEnvironment(t *testing.T) {
	t.Setenv("TOLLGATE_ENV", "staging")

	_, err := Load()
	assert.ErrorIs(t, err, ErrUnknownEnvironment)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TOLLGATE_ENV", "development")
	t.Setenv("PLATFORM_FEE_PERCENT", "2.5")
	t.Setenv("FAST_TIER_COST_CAP", "0.25")
	t.Setenv("API_TIMEOUT_SECONDS", "7")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2.5, cfg.PlatformFeePercent)
	assert.Equal(t, 0.25, cfg.FastTierCostCap)
	assert.Equal(t, 7*time.Second, cfg.APITimeout)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Host.CORSAllowedOrigins)
}

func TestLoadRejectsMalformedFloat(t *testing.T) {
	t.Setenv("TOLLGATE_ENV", "development")
	t.Setenv("PLATFORM_FEE_PERCENT", "five")

	_, err := Load()
	assert.Error(t, err)
}

func TestLocalSecretsManager(t *testing.T) {
	sm := NewLocalSecretsManager()
	sm.SetSecret("tollgate/adjudicator", map[string]string{"api_key": "sk-test"})

	creds, err := sm.GetSecret(context.Background(), "tollgate/adjudicator")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", creds["api_key"])

	_, err = sm.GetSecret(context.Background(), "tollgate/unknown")
	assert.Error(t, err)
}

func TestEnvSecretsManager(t *testing.T) {
	t.Setenv("ADJUDICATOR_API_KEY", "sk-env")
	t.Setenv("ADJUDICATOR_HOST", "adjudicator.internal")

	sm := NewEnvSecretsManager()
	creds, err := sm.GetSecret(context.Background(), "ADJUDICATOR")
	require.NoError(t, err)

	assert.Equal(t, "sk-env", creds["api_key"])
	assert.Equal(t, "adjudicator.internal", creds["host"])

	_, err = sm.GetSecret(context.Background(), "NOPREFIX")
	assert.Error(t, err)
}

func TestResolveAdjudicatorKey(t *testing.T) {
	sm := NewLocalSecretsManager()
	sm.SetSecret("arn:aws:secretsmanager:us-east-1:000000000000:secret:adjudicator", map[string]string{"api_key": "sk-resolved"})

	cfg := &Config{Adjudicator: Adjudicator{SecretRef: "arn:aws:secretsmanager:us-east-1:000000000000:secret:adjudicator"}}
	require.NoError(t, cfg.ResolveAdjudicatorKey(context.Background(), sm))
	assert.Equal(t, "sk-resolved", cfg.Adjudicator.APIKey)

	// No secret ref configured keeps the existing key.
	cfg = &Config{Adjudicator: Adjudicator{APIKey: "sk-static"}}
	require.NoError(t, cfg.ResolveAdjudicatorKey(context.Background(), sm))
	assert.Equal(t, "sk-static", cfg.Adjudicator.APIKey)
}

func TestMaskRef(t *testing.T) {
	assert.Equal(t, "***", maskRef("short"))
	assert.Equal(t, "...12345678", maskRef("arn:aws:secretsmanager:us-east-1:000000000000:secret:12345678"))
}
