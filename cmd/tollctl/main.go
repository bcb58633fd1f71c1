// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package main implements the tollctl CLI for offline audit log tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "tollctl",
		Short:   "Tollgate CLI tool",
		Long:    `tollctl inspects and verifies Tollgate audit logs without a running gateway.`,
		Version: version,
	}

	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(reportCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
