// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package config loads the gateway configuration from the environment.
// One canonical schema: every tunable is an environment variable with a
// per-environment default, and an unknown TOLLGATE_ENV is rejected at load
// time rather than silently defaulted.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment selects the default profile.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTest        Environment = "test"
	EnvProduction  Environment = "production"
)

var (
	// ErrUnknownEnvironment is returned when TOLLGATE_ENV is not one of the
	// enumerated environments.
	ErrUnknownEnvironment = errors.New("unknown environment")

	// ErrMissingBackendURL is returned when production runs without an
	// explicit BACKEND_BASE_URL.
	ErrMissingBackendURL = errors.New("BACKEND_BASE_URL is required in production")
)

// Config is the full gateway configuration.
type Config struct {
	Environment Environment

	// Metadata store.
	BackendBaseURL   string
	APITimeout       time.Duration
	MetadataTimeout  time.Duration
	AnalyticsTimeout time.Duration

	// Decision pipeline.
	AuditLogDir        string
	PlatformFeePercent float64
	FastTierCostCap    float64
	FastTierRiskCap    float64
	PolicyCacheTTL     time.Duration
	BudgetCacheTTL     time.Duration
	PricingCacheTTL    time.Duration
	PricingConfigFile  string

	Adjudicator Adjudicator
	Store       Store
	Host        Host
}

// Adjudicator configures the tier evaluator clients.
type Adjudicator struct {
	APIKey    string
	BaseURL   string
	FastModel string
	DeepModel string
	Timeout   time.Duration

	// SecretRef, when set, is resolved through the secrets layer and its
	// api_key entry overrides APIKey.
	SecretRef string

	// Bedrock-backed evaluator; used when BedrockRegion is set.
	BedrockRegion      string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
}

// Store selects and configures the metadata store implementation.
type Store struct {
	Backend     string // http, postgres, redis, mongo
	DatabaseURL string
	RedisURL    string
	MongoURI    string
	MongoDB     string

	// APIKey authenticates the http backend; SecretRef, when set, is
	// resolved through the secrets layer and overrides it.
	APIKey    string
	SecretRef string
}

// Host configures the HTTP host around the core.
type Host struct {
	Port               string
	JWTSecret          string
	CORSAllowedOrigins []string
	SkipUpstream       bool
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	env := Environment(getEnv("TOLLGATE_ENV", string(EnvDevelopment)))
	switch env {
	case EnvDevelopment, EnvTest, EnvProduction:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvironment, env)
	}

	cfg := &Config{Environment: env}

	switch env {
	case EnvDevelopment:
		cfg.BackendBaseURL = getEnv("BACKEND_BASE_URL", "http://localhost:5000")
		cfg.APITimeout = secondsEnv("API_TIMEOUT_SECONDS", 30)
	case EnvTest:
		cfg.BackendBaseURL = getEnv("BACKEND_BASE_URL", "http://localhost:5001")
		cfg.APITimeout = secondsEnv("API_TIMEOUT_SECONDS", 10)
	case EnvProduction:
		cfg.BackendBaseURL = os.Getenv("BACKEND_BASE_URL")
		if cfg.BackendBaseURL == "" {
			return nil, ErrMissingBackendURL
		}
		cfg.APITimeout = secondsEnv("API_TIMEOUT_SECONDS", 60)
	}

	cfg.MetadataTimeout = secondsEnv("METADATA_TIMEOUT_SECONDS", 5)
	cfg.AnalyticsTimeout = secondsEnv("ANALYTICS_TIMEOUT_SECONDS", 10)

	cfg.AuditLogDir = getEnv("AUDIT_LOG_DIR", "./audit_logs")

	var err error
	if cfg.PlatformFeePercent, err = floatEnv("PLATFORM_FEE_PERCENT", 5.0); err != nil {
		return nil, err
	}
	if cfg.FastTierCostCap, err = floatEnv("FAST_TIER_COST_CAP", 1.0); err != nil {
		return nil, err
	}
	if cfg.FastTierRiskCap, err = floatEnv("FAST_TIER_RISK_CAP", 5.0); err != nil {
		return nil, err
	}

	cfg.PolicyCacheTTL = secondsEnv("POLICY_CACHE_TTL_SECONDS", 300)
	cfg.BudgetCacheTTL = secondsEnv("BUDGET_CACHE_TTL_SECONDS", 30)
	cfg.PricingCacheTTL = secondsEnv("PRICING_CACHE_TTL_SECONDS", 300)
	cfg.PricingConfigFile = os.Getenv("PRICING_CONFIG_FILE")

	cfg.Adjudicator = Adjudicator{
		APIKey:             os.Getenv("ADJUDICATOR_API_KEY"),
		BaseURL:            getEnv("ADJUDICATOR_BASE_URL", "https://adjudicator.tollgate.dev"),
		FastModel:          getEnv("ADJUDICATOR_FAST_MODEL", "sentinel-fast-1"),
		DeepModel:          getEnv("ADJUDICATOR_DEEP_MODEL", "sentinel-deep-1"),
		Timeout:            secondsEnv("ADJUDICATOR_TIMEOUT_SECONDS", 30),
		SecretRef:          os.Getenv("ADJUDICATOR_SECRET_ARN"),
		BedrockRegion:      os.Getenv("ADJUDICATOR_BEDROCK_REGION"),
		AWSAccessKeyID:     os.Getenv("ADJUDICATOR_AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey: os.Getenv("ADJUDICATOR_AWS_SECRET_ACCESS_KEY"),
	}

	cfg.Store = Store{
		Backend:     getEnv("STORE_BACKEND", "http"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		MongoURI:    os.Getenv("MONGO_URI"),
		MongoDB:     getEnv("MONGO_DATABASE", "tollgate"),
		APIKey:      os.Getenv("BACKEND_API_KEY"),
		SecretRef:   os.Getenv("STORE_SECRET_ARN"),
	}

	cfg.Host = Host{
		Port:         getEnv("PORT", "8080"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		SkipUpstream: getEnv("SKIP_UPSTREAM", "false") == "true",
	}
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Host.CORSAllowedOrigins = append(cfg.Host.CORSAllowedOrigins, o)
			}
		}
	} else {
		cfg.Host.CORSAllowedOrigins = []string{"*"}
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func secondsEnv(key string, fallback int) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(fallback) * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return time.Duration(fallback) * time.Second
	}
	return time.Duration(n) * time.Second
}

func floatEnv(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}
