// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package decision

import "fmt"

// StructuralError reports a missing or out-of-range intake field. It is fatal
// for the request: the pipeline rejects without touching the network.
type StructuralError struct {
	Field  string
	Reason string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}
