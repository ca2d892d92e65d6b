package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/composite-cli/internal/engine"
	"github.com/sells-group/composite-cli/internal/model"
	"github.com/sells-group/composite-cli/internal/store"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Drive composites through approval",
}

var workflowSubmitCmd = &cobra.Command{
	Use:   "submit <composite-id>",
	Short: "Submit a DRAFT composite for approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		assignee, _ := cmd.Flags().GetString("assignee")
		return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
			wf, err := env.Engine.SubmitForApproval(ctx, args[0], assignee)
			if err != nil {
				return err
			}
			return render(os.Stdout, wf, func(w io.Writer) { formatWorkflow(w, wf) })
		})
	},
}

var workflowReviewCmd = &cobra.Command{
	Use:   "review <composite-id>",
	Short: "Mark a pending approval as under review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reviewer, _ := cmd.Flags().GetString("reviewer")
		return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
			wf, err := env.Engine.StartReview(ctx, args[0], reviewer)
			if err != nil {
				return err
			}
			return render(os.Stdout, wf, func(w io.Writer) { formatWorkflow(w, wf) })
		})
	},
}

var workflowApproveCmd = &cobra.Command{
	Use:   "approve <composite-id>",
	Short: "Approve a pending composite as the material's specification",
	Long: "Compares the composite with the current specification first. A significant change " +
		"is refused unless --override is given with --comments explaining it.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts engine.ApproveOptions
		opts.Comments, _ = cmd.Flags().GetString("comments")
		opts.Override, _ = cmd.Flags().GetBool("override")

		return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
			c, err := env.Engine.Approve(ctx, args[0], opts)
			if err != nil {
				var merr *model.Error
				if errors.As(err, &merr) && merr.Comparison != nil {
					fmt.Fprintln(os.Stderr, "Significant drift from the current specification:")
					formatComparison(os.Stderr, merr.Comparison)
					fmt.Fprintln(os.Stderr, "Re-run with --override --comments \"...\" to approve anyway.")
				}
				return err
			}
			return render(os.Stdout, c, func(w io.Writer) { formatComposites(w, []model.Composite{*c}) })
		})
	},
}

var workflowRejectCmd = &cobra.Command{
	Use:   "reject <composite-id>",
	Short: "Reject a pending composite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		comments, _ := cmd.Flags().GetString("comments")
		return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
			c, err := env.Engine.Reject(ctx, args[0], reason, comments)
			if err != nil {
				return err
			}
			return render(os.Stdout, c, func(w io.Writer) { formatComposites(w, []model.Composite{*c}) })
		})
	},
}

var workflowArchiveCmd = &cobra.Command{
	Use:   "archive <composite-id>",
	Short: "Archive a composite",
	Long:  "Archives a composite. The current specification can only be archived after a newer version is approved.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
			c, err := env.Engine.Archive(ctx, args[0])
			if err != nil {
				return err
			}
			return render(os.Stdout, c, func(w io.Writer) { formatComposites(w, []model.Composite{*c}) })
		})
	},
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approval workflows, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
			var filter store.WorkflowFilter
			var err error
			if status, _ := cmd.Flags().GetString("status"); status != "" {
				if filter.Status, err = model.ParseWorkflowStatus(status); err != nil {
					return err
				}
			}
			filter.AssignedTo, _ = cmd.Flags().GetString("assignee")
			filter.Limit, _ = cmd.Flags().GetInt("limit")
			if ref, _ := cmd.Flags().GetString("material"); ref != "" {
				m, err := env.Engine.ResolveMaterial(ctx, ref)
				if err != nil {
					return err
				}
				filter.MaterialID = m.ID
			}

			workflows, err := env.Engine.ListWorkflows(ctx, filter)
			if err != nil {
				return eris.Wrap(err, "workflow list")
			}
			return render(os.Stdout, workflows, func(w io.Writer) { formatWorkflows(w, workflows) })
		})
	},
}

var workflowShowCmd = &cobra.Command{
	Use:   "show <composite-id>",
	Short: "Show the approval workflow of a composite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
			wf, err := env.Engine.GetWorkflow(ctx, args[0])
			if err != nil {
				return err
			}
			return render(os.Stdout, wf, func(w io.Writer) { formatWorkflow(w, wf) })
		})
	},
}

func init() {
	workflowSubmitCmd.Flags().String("assignee", "", "reviewer to assign")
	workflowReviewCmd.Flags().String("reviewer", "", "reviewer taking the approval (replaces the assignee)")
	workflowApproveCmd.Flags().String("comments", "", "approval comments (required with --override)")
	workflowApproveCmd.Flags().Bool("override", false, "approve despite significant drift")
	workflowRejectCmd.Flags().String("reason", "", "rejection reason (required)")
	workflowRejectCmd.Flags().String("comments", "", "additional review comments")

	workflowListCmd.Flags().String("status", "", "filter by status (pending, in_review, approved, rejected, cancelled)")
	workflowListCmd.Flags().String("assignee", "", "filter by assignee")
	workflowListCmd.Flags().String("material", "", "filter by material id or reference code")
	workflowListCmd.Flags().Int("limit", 50, "max number of workflows to display")

	workflowCmd.AddCommand(workflowSubmitCmd)
	workflowCmd.AddCommand(workflowReviewCmd)
	workflowCmd.AddCommand(workflowApproveCmd)
	workflowCmd.AddCommand(workflowRejectCmd)
	workflowCmd.AddCommand(workflowArchiveCmd)
	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowShowCmd)
	rootCmd.AddCommand(workflowCmd)
}
