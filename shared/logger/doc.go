// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

/*
Package logger provides structured JSON-lines logging for gateway components.

# Overview

Every entry is a single JSON object on stdout, ready for CloudWatch, Loki or
any other line-oriented aggregator. Entries carry the emitting component, the
instance id, and the principal and request ids, so log lines correlate with
the audit trail events written for the same request.

Each entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (gateway, decision-engine, ...)
  - Instance ID (for distributed tracing)
  - Principal ID and request ID (for correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("gateway")

Log messages with principal and request context:

	log.Info("user-123", "req-456", "Processing request", map[string]interface{}{
	    "provider": "openai",
	    "model":    "gpt-4o",
	})

Log errors with machine-readable codes:

	log.ErrorWithCode("user-123", "req-456", "Reservation failed",
	    "payment_reserve", err, nil)

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("user-123", "req-456", "Request completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2026-03-04T10:30:00.123456789Z","level":"INFO",
	 "component":"gateway","instance_id":"i-abc123",
	 "principal_id":"user-123","request_id":"req-456",
	 "message":"Processing request","fields":{"provider":"openai"}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: deployment instance identifier (hostname when unset)
  - LOG_LEVEL: minimum level to emit (default INFO)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
