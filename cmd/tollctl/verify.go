// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"tollgate/platform/audit"
)

// openAuditLog opens an existing audit log directory for reading. Unlike the
// gateway it refuses to create the directory: verifying an empty log that was
// never written would report a misleading success.
func openAuditLog(dir string) (*audit.Logger, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("audit log directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	return audit.New(dir)
}

// auditDays lists the dates (YYYYMMDD) that have a day file in the directory.
func auditDays(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "audit_*.jsonl"))
	if err != nil {
		return nil, err
	}
	days := make([]string, 0, len(files))
	for _, f := range files {
		name := filepath.Base(f)
		date := strings.TrimSuffix(strings.TrimPrefix(name, "audit_"), ".jsonl")
		if len(date) == 8 {
			days = append(days, date)
		}
	}
	return days, nil
}

// verifyCmd returns the command that checks audit hash chains.
func verifyCmd() *cobra.Command {
	var dir string
	var requestID string
	var date string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify audit log hash chains",
		Long: `Verify the hash chains of a Tollgate audit log directory.

Without flags every day file is verified. With --request only that request's
trail is checked; with --date only that day's chain. The command exits with
status 1 when any chain fails verification, so it can gate deployments and
backups.

Examples:
  tollctl verify --dir ./audit_logs
  tollctl verify --dir ./audit_logs --request req_9f2c8a1b7d3e4f50
  tollctl verify --dir ./audit_logs --date 20260225`,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openAuditLog(dir)
			if err != nil {
				return err
			}
			defer l.Close()

			var reports []*audit.IntegrityReport
			switch {
			case requestID != "":
				report, err := l.VerifyTrail(requestID)
				if err != nil {
					return fmt.Errorf("verify request %s: %w", requestID, err)
				}
				reports = append(reports, report)
			case date != "":
				report, err := l.VerifyDay(date)
				if err != nil {
					return fmt.Errorf("verify day %s: %w", date, err)
				}
				reports = append(reports, report)
			default:
				days, err := auditDays(dir)
				if err != nil {
					return err
				}
				if len(days) == 0 {
					return fmt.Errorf("no audit day files found in %s", dir)
				}
				for _, day := range days {
					report, err := l.VerifyDay(day)
					if err != nil {
						return fmt.Errorf("verify day %s: %w", day, err)
					}
					reports = append(reports, report)
				}
			}

			tampered := false
			for _, report := range reports {
				if report.Valid {
					fmt.Printf("✅ %s: %d events, chain intact\n", report.RequestID, report.EventsChecked)
					continue
				}
				tampered = true
				fmt.Printf("❌ %s: TAMPERED at %s (index %d): %s\n",
					report.RequestID, report.FirstDivergentLogID, report.FirstDivergentIndex, report.Reason)
			}

			if tampered {
				// SilenceUsage keeps the failure output to the verdict lines.
				cmd.SilenceUsage = true
				return fmt.Errorf("audit log failed verification")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "./audit_logs", "Audit log directory")
	cmd.Flags().StringVarP(&requestID, "request", "r", "", "Verify a single request's trail")
	cmd.Flags().StringVarP(&date, "date", "t", "", "Verify a single day file (YYYYMMDD)")

	return cmd
}
