package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dandantas/reelforge/internal/recovery"
)

func newStuckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stuck",
		Short: "List jobs that stopped making progress, without changing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.pipeline(cmd.Context())
			if err != nil {
				return err
			}
			report, err := a.Inspector.Detect(cmd.Context())
			if err != nil {
				return err
			}
			return printReport(cmd, ctx, report)
		},
	}
}

func newRecoverCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Repair stuck jobs and queue drift",
		Long: `Repair stuck jobs and queue drift:

  orphaned                active job neither queued nor claimed; marked failed
  queued_but_claimed      queued job only in the in-flight registry; requeued
  processing_unclaimed    processing job left in the backlog; claimed
  registry_drift          finished job left in the in-flight registry; released
  abandoned_regeneration  regeneration whose owner disappeared; marked failed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.pipeline(cmd.Context())
			if err != nil {
				return err
			}

			var report recovery.Report
			if dryRun {
				report, err = a.Inspector.Detect(cmd.Context())
			} else {
				report, err = a.Inspector.Recover(cmd.Context())
			}
			if err != nil {
				return err
			}
			return printReport(cmd, ctx, report)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be repaired without changing anything")
	return cmd
}

func printReport(cmd *cobra.Command, ctx *commandContext, report recovery.Report) error {
	if ctx.jsonOutput {
		return writeJSON(cmd, report)
	}

	out := cmd.OutOrStdout()
	if len(report.Findings) == 0 {
		fmt.Fprintf(out, "No stuck jobs in %s (threshold %s)\n", report.Environment, report.Threshold)
		return nil
	}

	rows := make([][]string, 0, len(report.Findings))
	for _, f := range report.Findings {
		rows = append(rows, []string{
			f.JobID,
			string(f.Status),
			string(f.Stage),
			strconv.Itoa(f.Progress),
			formatAge(report.GeneratedAt, f.UpdatedAt),
			yesNo(f.InBacklog),
			yesNo(f.InFlight),
			string(f.Class),
			actionLabel(f),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Job", "Status", "Stage", "Progress", "Idle", "Backlog", "In flight", "Class", "Action"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
	))
	fmt.Fprintf(out, "%d finding(s) in %s (threshold %s)\n", len(report.Findings), report.Environment, report.Threshold)
	return nil
}

func actionLabel(f recovery.Finding) string {
	switch {
	case f.Applied:
		return string(f.Action) + " (done)"
	case f.Error != "":
		return string(f.Action) + " (failed: " + f.Error + ")"
	default:
		return string(f.Action)
	}
}

func formatAge(now, then time.Time) string {
	if then.IsZero() {
		return "-"
	}
	return now.Sub(then).Truncate(time.Second).String()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
