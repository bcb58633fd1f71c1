// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package decision

import (
	"fmt"

	"tollgate/platform/shared/types"
)

// ValidateStructure checks the intake invariants: the identifying fields must
// all be present and the caller-supplied token estimate must be plausible.
// Returns nil when the request is well-formed.
func ValidateStructure(req *types.Request) *StructuralError {
	if req == nil {
		return &StructuralError{Field: "request", Reason: "nil request"}
	}

	required := []struct {
		field string
		value string
	}{
		{"request_id", req.RequestID},
		{"principal_id", req.PrincipalID},
		{"project_id", req.ProjectID},
		{"provider", req.Provider},
		{"model", req.Model},
		{"operation", string(req.Operation)},
	}
	for _, f := range required {
		if f.value == "" {
			return &StructuralError{Field: f.field, Reason: "missing required field"}
		}
	}

	if req.EstimatedTokens < 0 {
		return &StructuralError{Field: "estimated_tokens", Reason: "must not be negative"}
	}
	if req.EstimatedTokens > types.MaxEstimatedTokens {
		return &StructuralError{
			Field:  "estimated_tokens",
			Reason: fmt.Sprintf("exceeds maximum (%d tokens)", types.MaxEstimatedTokens),
		}
	}
	return nil
}
