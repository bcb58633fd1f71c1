// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package payment

import (
	"errors"
	"fmt"
)

// ErrInsufficientFunds marks a reserve refused for lack of balance. Ledger
// implementations must return an error matching this sentinel (errors.Is)
// when the principal cannot cover the estimated amount.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Error wraps a ledger failure with the payment operation that hit it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("payment %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
