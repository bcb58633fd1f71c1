// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package pricing

import "errors"

var (
	// ErrPricingNotFound is returned when no pricing exists for a
	// provider/model pair.
	ErrPricingNotFound = errors.New("pricing not found")

	// ErrNoEstimates is returned when a comparison produced no usable
	// estimates.
	ErrNoEstimates = errors.New("no cost estimates available")
)
