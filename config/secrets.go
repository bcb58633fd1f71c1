// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManager resolves a secret reference into a set of credential
// key/value pairs.
type SecretsManager interface {
	GetSecret(ctx context.Context, secretRef string) (map[string]string, error)
}

// AWSSecretsManager implements SecretsManager using AWS Secrets Manager.
type AWSSecretsManager struct {
	client *secretsmanager.Client
	cache  map[string]*secretCacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
}

type secretCacheEntry struct {
	value     map[string]string
	expiresAt time.Time
}

// AWSSecretsManagerOptions holds options for creating an AWSSecretsManager.
type AWSSecretsManagerOptions struct {
	Region   string
	CacheTTL time.Duration
}

// NewAWSSecretsManager creates a new AWS Secrets Manager client.
func NewAWSSecretsManager(ctx context.Context, opts AWSSecretsManagerOptions) (*AWSSecretsManager, error) {
	cfgOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &AWSSecretsManager{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]*secretCacheEntry),
		ttl:    ttl,
	}, nil
}

// GetSecret retrieves a secret from AWS Secrets Manager. The secret value is
// expected to be a JSON object with string values; a bare string is returned
// under the "value" key.
func (s *AWSSecretsManager) GetSecret(ctx context.Context, secretRef string) (map[string]string, error) {
	s.mu.RLock()
	entry, exists := s.cache[secretRef]
	s.mu.RUnlock()

	if exists && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	input := &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretRef),
	}

	result, err := s.client.GetSecretValue(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", maskRef(secretRef), err)
	}

	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", maskRef(secretRef))
	}

	var credentials map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &credentials); err != nil {
		credentials = map[string]string{"value": *result.SecretString}
	}

	s.mu.Lock()
	s.cache[secretRef] = &secretCacheEntry{
		value:     credentials,
		expiresAt: time.Now().Add(s.ttl),
	}
	s.mu.Unlock()

	return credentials, nil
}

// InvalidateSecret removes a secret from the cache.
func (s *AWSSecretsManager) InvalidateSecret(secretRef string) {
	s.mu.Lock()
	delete(s.cache, secretRef)
	s.mu.Unlock()
}

// maskRef masks a secret reference for error messages, keeping only the last
// 8 characters.
func maskRef(ref string) string {
	if len(ref) <= 12 {
		return "***"
	}
	return "..." + ref[len(ref)-8:]
}

// EnvSecretsManager reads credentials from environment variables. The secret
// reference is used as a variable name prefix, so a ref of "ADJUDICATOR"
// resolves ADJUDICATOR_API_KEY into the "api_key" entry.
type EnvSecretsManager struct{}

// NewEnvSecretsManager creates a secrets manager backed by the environment.
func NewEnvSecretsManager() *EnvSecretsManager {
	return &EnvSecretsManager{}
}

// GetSecret retrieves credentials from environment variables.
func (s *EnvSecretsManager) GetSecret(_ context.Context, secretRef string) (map[string]string, error) {
	fields := []string{
		"USERNAME", "PASSWORD", "API_KEY", "TOKEN",
		"ACCESS_KEY", "SECRET_KEY", "HOST", "PORT", "DATABASE",
	}

	credentials := make(map[string]string)
	for _, field := range fields {
		if value := os.Getenv(secretRef + "_" + field); value != "" {
			credentials[fieldToKey(field)] = value
		}
	}

	if len(credentials) == 0 {
		return nil, fmt.Errorf("no credentials found for prefix %s", secretRef)
	}
	return credentials, nil
}

// LocalSecretsManager stores secrets in memory. Useful for tests and
// deployments without AWS Secrets Manager.
type LocalSecretsManager struct {
	secrets map[string]map[string]string
	mu      sync.RWMutex
}

// NewLocalSecretsManager creates an in-memory secrets manager.
func NewLocalSecretsManager() *LocalSecretsManager {
	return &LocalSecretsManager{secrets: make(map[string]map[string]string)}
}

// GetSecret retrieves a secret from local storage.
func (s *LocalSecretsManager) GetSecret(_ context.Context, secretRef string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if secret, exists := s.secrets[secretRef]; exists {
		return secret, nil
	}
	return nil, fmt.Errorf("secret %s not found in local secrets manager", secretRef)
}

// SetSecret stores a secret locally.
func (s *LocalSecretsManager) SetSecret(secretRef string, value map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[secretRef] = value
}

func fieldToKey(field string) string {
	switch field {
	case "USERNAME":
		return "username"
	case "PASSWORD":
		return "password"
	case "API_KEY":
		return "api_key"
	case "TOKEN":
		return "token"
	case "ACCESS_KEY":
		return "access_key"
	case "SECRET_KEY":
		return "secret_key"
	case "HOST":
		return "host"
	case "PORT":
		return "port"
	case "DATABASE":
		return "database"
	default:
		return field
	}
}

// ResolveAdjudicatorKey overlays the adjudicator API key from the configured
// secret reference, when one is set. Missing secrets are not fatal; the
// value already present in the config wins in that case.
func (c *Config) ResolveAdjudicatorKey(ctx context.Context, sm SecretsManager) error {
	if c.Adjudicator.SecretRef == "" || sm == nil {
		return nil
	}
	creds, err := sm.GetSecret(ctx, c.Adjudicator.SecretRef)
	if err != nil {
		return fmt.Errorf("resolve adjudicator secret: %w", err)
	}
	if key, ok := creds["api_key"]; ok && key != "" {
		c.Adjudicator.APIKey = key
	} else if key, ok := creds["value"]; ok && key != "" {
		c.Adjudicator.APIKey = key
	}
	return nil
}

// ResolveStoreKey overlays the backend API key from the configured store
// secret reference, when one is set.
func (c *Config) ResolveStoreKey(ctx context.Context, sm SecretsManager) error {
	if c.Store.SecretRef == "" || sm == nil {
		return nil
	}
	creds, err := sm.GetSecret(ctx, c.Store.SecretRef)
	if err != nil {
		return fmt.Errorf("resolve store secret: %w", err)
	}
	if key, ok := creds["api_key"]; ok && key != "" {
		c.Store.APIKey = key
	} else if key, ok := creds["value"]; ok && key != "" {
		c.Store.APIKey = key
	}
	return nil
}
