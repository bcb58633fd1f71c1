// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package policy

import "errors"

// ErrPolicyNotFound indicates the backing store holds no policy document
// for the requested scope.
var ErrPolicyNotFound = errors.New("policy not found")
