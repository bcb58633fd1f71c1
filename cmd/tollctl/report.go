// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const dateLayout = "2006-01-02"

// reportCmd returns the command that generates compliance reports.
func reportCmd() *cobra.Command {
	var dir string
	var principal string
	var project string
	var from string
	var to string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate a compliance report for a principal",
		Long: `Aggregate a principal's audit activity over a date range into a JSON
compliance report: request counts, decisions, spending, policy violations and
failures, with the full event list per request.

Dates are inclusive. Without --from/--to the report covers the last 30 days.

Examples:
  tollctl report --dir ./audit_logs --principal user-1
  tollctl report --principal user-1 --from 2026-01-01 --to 2026-01-31
  tollctl report --principal user-1 --project proj-42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if principal == "" {
				return fmt.Errorf("--principal is required")
			}

			end := time.Now().UTC()
			if to != "" {
				parsed, err := time.Parse(dateLayout, to)
				if err != nil {
					return fmt.Errorf("invalid --to date %q, want YYYY-MM-DD", to)
				}
				// Include the whole end day.
				end = parsed.AddDate(0, 0, 1)
			}
			start := end.AddDate(0, 0, -30)
			if from != "" {
				parsed, err := time.Parse(dateLayout, from)
				if err != nil {
					return fmt.Errorf("invalid --from date %q, want YYYY-MM-DD", from)
				}
				start = parsed
			}

			l, err := openAuditLog(dir)
			if err != nil {
				return err
			}
			defer l.Close()

			report, err := l.GenerateComplianceReport(principal, start, end, project)
			if err != nil {
				return fmt.Errorf("generate report: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "./audit_logs", "Audit log directory")
	cmd.Flags().StringVarP(&principal, "principal", "p", "", "Principal id to report on (required)")
	cmd.Flags().StringVarP(&project, "project", "j", "", "Restrict to one project id")
	cmd.Flags().StringVarP(&from, "from", "f", "", "Start date (YYYY-MM-DD)")
	cmd.Flags().StringVarP(&to, "to", "o", "", "End date (YYYY-MM-DD), inclusive")

	return cmd
}
