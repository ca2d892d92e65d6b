package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/composite-cli/internal/compare"
	"github.com/sells-group/composite-cli/internal/engine"
	"github.com/sells-group/composite-cli/internal/monitoring"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Periodic maintenance: drift reviews, draft cleanup, alert redelivery",
	Long:  "On-demand counterparts of scheduled jobs. Run them from cron or a workflow scheduler.",
}

// -- review drift --

var reviewDriftCmd = &cobra.Command{
	Use:   "drift [material...]",
	Short: "Re-aggregate materials and flag drift from their specifications",
	Long: "For each active material (or the given ones) whose specification was approved longer ago than the review period, " +
		"aggregates all processed analyses and compares the result with the specification. Significant drift is kept as a " +
		"DRAFT composite and alerted on the configured webhook.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		opts := engine.ReviewOptions{MaterialIDs: args}
		opts.PeriodDays, _ = cmd.Flags().GetInt("period-days")
		opts.Concurrency, _ = cmd.Flags().GetInt("concurrency")
		opts.DryRun, _ = cmd.Flags().GetBool("dry-run")

		return withEnv(ctx, "review", func(ctx context.Context, env *compositeEnv) error {
			report, err := env.Engine.ReviewDrift(ctx, opts)
			if err != nil {
				return err
			}
			if !opts.DryRun {
				alerts := driftAlerts(report, env.Engine.Thresholds())
				if len(alerts) > 0 && env.Alerter.Enabled() {
					sent := env.Alerter.SendAlerts(ctx, alerts)
					zap.L().Info("drift alerts sent", zap.Int("sent", sent), zap.Int("total", len(alerts)))
				}
			}
			return render(os.Stdout, report, func(w io.Writer) { formatReviewReport(w, report) })
		})
	},
}

func driftAlerts(report *engine.ReviewReport, th compare.Thresholds) []monitoring.Alert {
	alerts := make([]monitoring.Alert, 0, len(report.Findings))
	for _, f := range report.Findings {
		alerts = append(alerts, monitoring.DriftAlert(f.Material, f.Comparison, th))
	}
	return alerts
}

// -- review cleanup --

var reviewCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete stale DRAFT composites",
	RunE: func(cmd *cobra.Command, _ []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		return withEnv(cmd.Context(), "review", func(ctx context.Context, env *compositeEnv) error {
			n, err := env.Engine.CleanupDrafts(ctx, olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Deleted %d draft composite(s).\n", n)
			return nil
		})
	},
}

// -- review redeliver --

var reviewRedeliverCmd = &cobra.Command{
	Use:   "redeliver",
	Short: "Retry alerts the webhook did not accept",
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withEnv(cmd.Context(), "redeliver", func(ctx context.Context, env *compositeEnv) error {
			res, err := env.Alerter.Redeliver(ctx, limit)
			if err != nil {
				return err
			}
			return render(os.Stdout, res, func(w io.Writer) {
				fmt.Fprintf(w, "Attempted %d, delivered %d, failed %d.\n", res.Attempted, res.Delivered, res.Failed)
			})
		})
	},
}

// -- review status --

var reviewStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize composites, open approvals, and undelivered alerts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
			snap, err := monitoring.NewCollector(env.Store).WithBreakers(env.Breakers).Collect(ctx)
			if err != nil {
				return err
			}
			return render(os.Stdout, snap, func(w io.Writer) { formatSnapshot(w, snap) })
		})
	},
}

func formatSnapshot(out io.Writer, snap *monitoring.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, st := range monitoring.CompositeStatuses() {
		_, _ = fmt.Fprintf(w, "%s:\t%d\n", st, snap.CompositesByStatus[st])
	}
	_, _ = fmt.Fprintf(w, "Pending approvals:\t%d\n", snap.PendingWorkflows)
	_, _ = fmt.Fprintf(w, "In review:\t%d\n", snap.InReviewWorkflows)
	if snap.OldestPending != nil {
		_, _ = fmt.Fprintf(w, "Oldest open approval:\t%s (%s ago)\n",
			snap.OldestPending.Format("2006-01-02 15:04"),
			snap.CollectedAt.Sub(*snap.OldestPending).Round(time.Hour))
	}
	_, _ = fmt.Fprintf(w, "Undelivered alerts:\t%d\n", snap.UndeliveredAlerts)
	names := make([]string, 0, len(snap.Breakers))
	for name := range snap.Breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "Breaker %s:\t%s\n", name, snap.Breakers[name])
	}
	_ = w.Flush()
}

func init() {
	reviewDriftCmd.Flags().Int("period-days", 0, "minimum age of the approval under review (default from config)")
	reviewDriftCmd.Flags().Int("concurrency", 0, "materials reviewed in parallel (default from config)")
	reviewDriftCmd.Flags().Bool("dry-run", false, "report drift without storing drafts or sending alerts")

	reviewCleanupCmd.Flags().Duration("older-than", 0, "delete drafts older than this (default review.draft_ttl_days)")

	reviewRedeliverCmd.Flags().Int("limit", 100, "max alerts to retry")

	reviewCmd.AddCommand(reviewDriftCmd)
	reviewCmd.AddCommand(reviewCleanupCmd)
	reviewCmd.AddCommand(reviewRedeliverCmd)
	reviewCmd.AddCommand(reviewStatusCmd)
	rootCmd.AddCommand(reviewCmd)
}
