// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"tollgate/platform/adjudicator"
	"tollgate/platform/adjudicator/bedrock"
	"tollgate/platform/audit"
	"tollgate/platform/budget"
	"tollgate/platform/config"
	"tollgate/platform/decision"
	"tollgate/platform/payment"
	"tollgate/platform/policy"
	"tollgate/platform/pricing"
	"tollgate/platform/provider"
	"tollgate/platform/risk"
	"tollgate/platform/shared/logger"
	"tollgate/platform/store"
	mongostore "tollgate/platform/store/mongo"
	pgstore "tollgate/platform/store/postgres"
	redisstore "tollgate/platform/store/redis"
)

// Run loads the configuration, assembles the gateway and serves until the
// process receives SIGINT or SIGTERM or the listener fails.
func Run() error {
	ctx := context.Background()
	log := logger.New("gateway")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	resolveSecrets(ctx, cfg, log)

	auditor, err := audit.New(cfg.AuditLogDir)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditor.Close()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := st.Ping(pingCtx); err != nil {
		// The pipeline fails closed per request, so an unreachable store at
		// boot is survivable outside production.
		if cfg.Environment == config.EnvProduction {
			cancel()
			return fmt.Errorf("store unreachable: %w", err)
		}
		log.Warn("", "", "store unreachable at startup", map[string]interface{}{
			"backend": cfg.Store.Backend,
			"error":   err.Error(),
		})
	}
	cancel()

	prices, err := buildPricing(st, cfg)
	if err != nil {
		return err
	}

	fast, deep, err := buildAdjudicators(ctx, cfg)
	if err != nil {
		return err
	}

	budgets := budget.NewTracker(st, budget.Options{CacheTTL: cfg.BudgetCacheTTL})
	engine := decision.NewEngine(decision.Deps{
		Contexts: st,
		Policies: policy.NewManager(st, policy.Options{SystemPolicyTTL: cfg.PolicyCacheTTL}),
		Budgets:  budgets,
		Prices:   prices,
		Risks:    risk.NewDetector(risk.NewTracker(st), nil),
		Fast:     fast,
		Deep:     deep,
		Audit:    auditor,
	}, decision.Options{
		FastCostCap: cfg.FastTierCostCap,
		FastRiskCap: cfg.FastTierRiskCap,
	})

	var upstream provider.Gateway
	if cfg.Host.SkipUpstream {
		log.Warn("", "", "SKIP_UPSTREAM set, provider calls are mocked", nil)
		upstream = provider.NewMock()
	} else {
		upstream = provider.NewHTTPGateway(provider.HTTPOptions{
			BaseURL: cfg.BackendBaseURL,
			APIKey:  cfg.Store.APIKey,
			Timeout: cfg.APITimeout,
		})
	}

	service := NewService(engine, payment.NewExecutor(st), upstream, auditor)
	monitor := budget.NewMonitor(budgets, budget.NewLogAlerter())
	handlers := NewHandlers(service, auditor, budgets, monitor, prices)

	router := mux.NewRouter()
	router.HandleFunc("/health", handlers.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(BearerAuth([]byte(cfg.Host.JWTSecret)))
	handlers.Register(api)

	if cfg.Host.JWTSecret == "" {
		log.Warn("", "", "JWT_SECRET not set, API authentication is disabled", nil)
	}

	corsWrapper := cors.New(cors.Options{
		AllowedOrigins:   cfg.Host.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Host.Port,
		Handler:           corsWrapper.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info("", "", "gateway listening", map[string]interface{}{
		"port":          cfg.Host.Port,
		"environment":   string(cfg.Environment),
		"store_backend": cfg.Store.Backend,
		"skip_upstream": cfg.Host.SkipUpstream,
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-stop:
		log.Info("", "", "shutting down", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// resolveSecrets overlays secret-managed credentials onto the config. Secret
// resolution failures are logged, not fatal; environment values stay in
// effect.
func resolveSecrets(ctx context.Context, cfg *config.Config, log *logger.Logger) {
	if cfg.Adjudicator.SecretRef == "" && cfg.Store.SecretRef == "" {
		return
	}

	sm, err := config.NewAWSSecretsManager(ctx, config.AWSSecretsManagerOptions{
		Region: cfg.Adjudicator.BedrockRegion,
	})
	if err != nil {
		log.Warn("", "", "secrets manager unavailable", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	if err := cfg.ResolveAdjudicatorKey(ctx, sm); err != nil {
		log.Warn("", "", "adjudicator secret not resolved", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := cfg.ResolveStoreKey(ctx, sm); err != nil {
		log.Warn("", "", "store secret not resolved", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// openStore builds the configured store backend.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "", "http":
		return store.NewClient(store.HTTPOptions{
			BaseURL:          cfg.BackendBaseURL,
			APIKey:           cfg.Store.APIKey,
			Timeout:          cfg.MetadataTimeout,
			AnalyticsTimeout: cfg.AnalyticsTimeout,
		}), nil

	case "postgres":
		st, err := pgstore.Open(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := st.InitSchema(ctx); err != nil {
			log.Warn("", "", "postgres schema init failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return st, nil

	case "redis":
		st, err := redisstore.Open(cfg.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return st, nil

	case "mongo":
		st, err := mongostore.Open(cfg.Store.MongoURI, cfg.Store.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("open mongo store: %w", err)
		}
		return st, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// pricingSource consults the store first and falls back to the static table
// when the store has no rates, so a gateway keeps pricing even when the
// backend does not serve it.
type pricingSource struct {
	primary  pricing.Fetcher
	fallback *pricing.StaticTable
}

func (s *pricingSource) FetchPricing(ctx context.Context, provider, model string) (*pricing.Pricing, error) {
	p, err := s.primary.FetchPricing(ctx, provider, model)
	if err == nil {
		return p, nil
	}
	return s.fallback.FetchPricing(ctx, provider, model)
}

func (s *pricingSource) FetchPricingHistory(ctx context.Context, provider, model string, days int) ([]*pricing.Pricing, error) {
	history, err := s.primary.FetchPricingHistory(ctx, provider, model, days)
	if err == nil && len(history) > 0 {
		return history, nil
	}
	return s.fallback.FetchPricingHistory(ctx, provider, model, days)
}

func buildPricing(st store.Store, cfg *config.Config) (*pricing.Engine, error) {
	table := pricing.NewStaticTable()
	if cfg.PricingConfigFile != "" {
		loaded, err := pricing.LoadStaticTable(cfg.PricingConfigFile)
		if err != nil {
			return nil, fmt.Errorf("load pricing overrides: %w", err)
		}
		table = loaded
	}
	return pricing.NewEngine(&pricingSource{primary: st, fallback: table}, pricing.Options{
		PlatformFeePercent: cfg.PlatformFeePercent,
		CacheTTL:           cfg.PricingCacheTTL,
	}), nil
}

// buildAdjudicators constructs the FAST and DEEP tier evaluators. A set
// BedrockRegion selects Bedrock; otherwise both tiers go through the
// OpenAI-compatible endpoint with their configured models.
func buildAdjudicators(ctx context.Context, cfg *config.Config) (adjudicator.Adjudicator, adjudicator.Adjudicator, error) {
	if cfg.Adjudicator.BedrockRegion != "" {
		fast, err := bedrock.New(ctx, bedrock.Options{
			Region:          cfg.Adjudicator.BedrockRegion,
			Model:           cfg.Adjudicator.FastModel,
			AccessKeyID:     cfg.Adjudicator.AWSAccessKeyID,
			SecretAccessKey: cfg.Adjudicator.AWSSecretAccessKey,
			Timeout:         cfg.Adjudicator.Timeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build fast adjudicator: %w", err)
		}
		deep, err := bedrock.New(ctx, bedrock.Options{
			Region:          cfg.Adjudicator.BedrockRegion,
			Model:           cfg.Adjudicator.DeepModel,
			AccessKeyID:     cfg.Adjudicator.AWSAccessKeyID,
			SecretAccessKey: cfg.Adjudicator.AWSSecretAccessKey,
			Timeout:         cfg.Adjudicator.Timeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build deep adjudicator: %w", err)
		}
		return fast, deep, nil
	}

	fast := adjudicator.NewHTTPClient(adjudicator.HTTPOptions{
		BaseURL: cfg.Adjudicator.BaseURL,
		APIKey:  cfg.Adjudicator.APIKey,
		Model:   cfg.Adjudicator.FastModel,
		Timeout: cfg.Adjudicator.Timeout,
	})
	deep := adjudicator.NewHTTPClient(adjudicator.HTTPOptions{
		BaseURL: cfg.Adjudicator.BaseURL,
		APIKey:  cfg.Adjudicator.APIKey,
		Model:   cfg.Adjudicator.DeepModel,
		Timeout: cfg.Adjudicator.Timeout,
	})
	return fast, deep, nil
}
