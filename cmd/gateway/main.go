// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the Tollgate gateway service.
//
// The gateway sits between autonomous agents and paid APIs: it decides
// whether each request should proceed, reserves and settles payment, executes
// the call, and records every step in a hash-chained audit log.
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	TOLLGATE_ENV - development, test or production
//	BACKEND_BASE_URL - platform backend URL (required in production)
//	STORE_BACKEND - http, postgres, redis or mongo
//	JWT_SECRET - secret for API bearer-token validation
//	AUDIT_LOG_DIR - audit log directory (default: ./audit_logs)
package main

import (
	"fmt"
	"os"

	"tollgate/platform/gateway"
)

func main() {
	if err := gateway.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
