// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tollgate/platform/shared/logger"
	"tollgate/platform/shared/types"
)

// Fetcher retrieves policy documents from the backing store.
type Fetcher interface {
	FetchSystemPolicy(ctx context.Context) (*types.SystemPolicy, error)
	FetchUserPolicy(ctx context.Context, principalID, projectID string) (*types.UserPolicy, error)
}

// DefaultSystemPolicyTTL bounds how stale the cached system policy may be.
const DefaultSystemPolicyTTL = 300 * time.Second

// Options configures a Manager.
type Options struct {
	SystemPolicyTTL time.Duration
}

// Manager loads and caches the layered policy documents and evaluates
// requests against them. The system policy refreshes on a TTL; user
// policies are cached until explicitly purged.
type Manager struct {
	fetcher   Fetcher
	log       *logger.Logger
	systemTTL time.Duration
	now       func() time.Time

	sysMu       sync.RWMutex
	system      *types.SystemPolicy
	sysLoadedAt time.Time

	userMu sync.RWMutex
	users  map[string]*types.UserPolicy
}

// NewManager creates a policy manager over the given fetcher.
func NewManager(fetcher Fetcher, opts Options) *Manager {
	ttl := opts.SystemPolicyTTL
	if ttl <= 0 {
		ttl = DefaultSystemPolicyTTL
	}
	return &Manager{
		fetcher:   fetcher,
		log:       logger.New("policy-manager"),
		systemTTL: ttl,
		now:       time.Now,
		users:     make(map[string]*types.UserPolicy),
	}
}

// LoadSystem returns the platform policy, refreshing the cache when the TTL
// has lapsed. A failed refresh serves the previous copy; a failed first
// load is an error.
func (m *Manager) LoadSystem(ctx context.Context) (*types.SystemPolicy, error) {
	m.sysMu.RLock()
	cached := m.system
	age := m.now().Sub(m.sysLoadedAt)
	m.sysMu.RUnlock()

	if cached != nil && age < m.systemTTL {
		return cached, nil
	}

	system, err := m.fetcher.FetchSystemPolicy(ctx)
	if err != nil {
		if cached != nil {
			m.log.Warn("", "", "system policy refresh failed, serving cached copy", map[string]interface{}{
				"error":     err.Error(),
				"cache_age": age.Seconds(),
			})
			return cached, nil
		}
		return nil, fmt.Errorf("fetch system policy: %w", err)
	}

	m.sysMu.Lock()
	m.system = system
	m.sysLoadedAt = m.now()
	m.sysMu.Unlock()

	m.log.Info("", "", "loaded system policy", map[string]interface{}{
		"policy_id": system.PolicyID,
	})
	return system, nil
}

// LoadUser returns the principal's policy for the project, cached until
// purged.
func (m *Manager) LoadUser(ctx context.Context, principalID, projectID string) (*types.UserPolicy, error) {
	key := principalID + ":" + projectID

	m.userMu.RLock()
	cached, ok := m.users[key]
	m.userMu.RUnlock()
	if ok {
		return cached, nil
	}

	policy, err := m.fetcher.FetchUserPolicy(ctx, principalID, projectID)
	if err != nil {
		return nil, fmt.Errorf("fetch user policy for %s/%s: %w", principalID, projectID, err)
	}

	m.userMu.Lock()
	m.users[key] = policy
	m.userMu.Unlock()

	m.log.Info(principalID, "", "loaded user policy", map[string]interface{}{
		"project_id": projectID,
		"policy_id":  policy.PolicyID,
	})
	return policy, nil
}

// AllowedProviders returns the principal's provider allow-list.
func (m *Manager) AllowedProviders(ctx context.Context, principalID, projectID string) ([]string, error) {
	policy, err := m.LoadUser(ctx, principalID, projectID)
	if err != nil {
		return nil, err
	}
	return policy.AllowedProviders, nil
}

// AllowedModels returns the principal's model allow-list for one provider.
func (m *Manager) AllowedModels(ctx context.Context, principalID, projectID, provider string) ([]string, error) {
	policy, err := m.LoadUser(ctx, principalID, projectID)
	if err != nil {
		return nil, err
	}
	return policy.AllowedModels[provider], nil
}

// ClearCache purges cached user policies. With both arguments empty the
// whole cache is dropped; with only a principal, that principal's entries.
func (m *Manager) ClearCache(principalID, projectID string) {
	m.userMu.Lock()
	defer m.userMu.Unlock()

	switch {
	case principalID != "" && projectID != "":
		delete(m.users, principalID+":"+projectID)
	case principalID != "":
		prefix := principalID + ":"
		for key := range m.users {
			if strings.HasPrefix(key, prefix) {
				delete(m.users, key)
			}
		}
	default:
		m.users = make(map[string]*types.UserPolicy)
	}
}

// InvalidateSystem forces the next LoadSystem to refetch.
func (m *Manager) InvalidateSystem() {
	m.sysMu.Lock()
	defer m.sysMu.Unlock()
	m.sysLoadedAt = time.Time{}
}
