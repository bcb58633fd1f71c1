// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package store defines the one upstream capability the core consumes: the
// metadata store plus payment ledger. The first seven fetch groups are
// read-only; the payment calls are writes with idempotency guarantees
// (reservation per request id, commit per reservation id). Implementations
// exist for the platform backend over HTTP, Postgres, Redis and MongoDB.
package store

import (
	"context"
	"errors"

	"tollgate/platform/budget"
	"tollgate/platform/payment"
	"tollgate/platform/policy"
	"tollgate/platform/pricing"
	"tollgate/platform/risk"
	"tollgate/platform/shared/types"
)

// ErrUnavailable marks a store that could not be reached or answered with a
// server-side failure. Components treat it fail-closed.
var ErrUnavailable = errors.New("store unavailable")

// ErrNotFound marks a lookup whose subject does not exist.
var ErrNotFound = errors.New("not found")

// Store is the full upstream surface: context, policies, budget, pricing,
// baselines and the payment ledger. The fetch side is read-only; the ledger
// side must be idempotent as documented on payment.Ledger.
type Store interface {
	policy.Fetcher
	budget.Fetcher
	pricing.Fetcher
	risk.BaselineFetcher
	payment.Ledger

	// FetchPrincipalContext loads the aggregate the pipeline starts from.
	FetchPrincipalContext(ctx context.Context, principalID, projectID string) (*types.PrincipalContext, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases held connections.
	Close() error
}
