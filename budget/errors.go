// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package budget

import "errors"

// ErrInsufficientBudget indicates the available balance cannot cover the
// estimated cost of a request.
var ErrInsufficientBudget = errors.New("insufficient budget")
