package main

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/composite-cli/internal/labfile"
	"github.com/sells-group/composite-cli/internal/model"
	"github.com/sells-group/composite-cli/internal/store"
)

var compositeCmd = &cobra.Command{
	Use:   "composite",
	Short: "Build, inspect, and compare composites",
}

// -- composite aggregate --

var compositeAggregateCmd = &cobra.Command{
	Use:   "aggregate <material> [analysis-id...]",
	Short: "Aggregate analyses into a new DRAFT composite",
	Long:  "Computes the weighted average of the given analyses, or of every processed analysis with --all, and stores it as the material's next version.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) > 1) {
			return eris.New("pass analysis ids or --all, not both")
		}
		originFlag, _ := cmd.Flags().GetString("origin")
		origin, err := model.ParseOrigin(originFlag)
		if err != nil {
			return err
		}
		notes, _ := cmd.Flags().GetString("notes")

		return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
			m, err := env.Engine.ResolveMaterial(ctx, args[0])
			if err != nil {
				return err
			}
			var c *model.Composite
			if all {
				c, err = env.Engine.AggregateAll(ctx, m.ID, origin, notes)
			} else {
				c, err = env.Engine.Aggregate(ctx, m.ID, args[1:], origin, notes)
			}
			if err != nil {
				return err
			}
			return render(os.Stdout, c, func(w io.Writer) { formatComposite(w, c) })
		})
	},
}

// -- composite manual --

var compositeManualCmd = &cobra.Command{
	Use:   "manual <material> <file>",
	Short: "Create a MANUAL composite from a component table",
	Long:  "Stores a composite transcribed from a supplier document or entered by hand. Percentages are kept as given.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		notes, _ := cmd.Flags().GetString("notes")
		return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
			m, err := env.Engine.ResolveMaterial(ctx, args[0])
			if err != nil {
				return err
			}
			sheet, err := labfile.ReadFile(ctx, args[1])
			if err != nil {
				return err
			}
			tbl := sheet.Table()
			if tbl.Failure != "" {
				return model.NewError(model.KindValidation, "%s: %s", args[1], tbl.Failure)
			}
			for _, d := range tbl.Diagnostics {
				zap.L().Warn("manual composite: row skipped", zap.String("file", args[1]), zap.String("detail", d))
			}
			c, err := env.Engine.CreateManual(ctx, m.ID, tbl.Rows, notes)
			if err != nil {
				return err
			}
			return render(os.Stdout, c, func(w io.Writer) { formatComposite(w, c) })
		})
	},
}

// -- composite list --

var compositeListCmd = &cobra.Command{
	Use:   "list <material>",
	Short: "List a material's composites, newest version first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
			m, err := env.Engine.ResolveMaterial(ctx, args[0])
			if err != nil {
				return err
			}
			filter := store.CompositeFilter{MaterialID: m.ID}
			filter.Limit, _ = cmd.Flags().GetInt("limit")
			if status, _ := cmd.Flags().GetString("status"); status != "" {
				if filter.Status, err = model.ParseCompositeStatus(status); err != nil {
					return err
				}
			}
			composites, err := env.Engine.ListComposites(ctx, filter)
			if err != nil {
				return eris.Wrap(err, "composite list")
			}
			return render(os.Stdout, composites, func(w io.Writer) { formatComposites(w, composites) })
		})
	},
}

// -- composite show --

var compositeShowCmd = &cobra.Command{
	Use:   "show <composite-id>",
	Short: "Show a composite and its components",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
			c, err := env.Engine.GetComposite(ctx, args[0])
			if err != nil {
				return err
			}
			return render(os.Stdout, c, func(w io.Writer) { formatComposite(w, c) })
		})
	},
}

// -- composite compare --

var compositeCompareCmd = &cobra.Command{
	Use:   "compare <old-composite-id> <new-composite-id>",
	Short: "Show what changed between two composites",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
			cmp, err := env.Engine.Compare(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return render(os.Stdout, cmp, func(w io.Writer) { formatComparison(w, cmp) })
		})
	},
}

// -- composite delete --

var compositeDeleteCmd = &cobra.Command{
	Use:   "delete <composite-id>",
	Short: "Delete a DRAFT composite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
			if err := env.Engine.DeleteDraft(ctx, args[0]); err != nil {
				if errors.Is(err, model.ErrInvalidTransition) {
					return eris.Wrap(err, "only DRAFT composites can be deleted; archive others")
				}
				return err
			}
			zap.L().Info("composite deleted", zap.String("composite_id", args[0]))
			return nil
		})
	},
}

func init() {
	compositeAggregateCmd.Flags().Bool("all", false, "aggregate every processed analysis of the material")
	compositeAggregateCmd.Flags().String("origin", "", "origin of the composite (lab, calculated)")
	compositeAggregateCmd.Flags().String("notes", "", "notes stored with the composite")

	compositeManualCmd.Flags().String("notes", "", "notes stored with the composite")

	compositeListCmd.Flags().String("status", "", "filter by status (draft, pending_approval, approved, rejected, archived)")
	compositeListCmd.Flags().Int("limit", 50, "max number of composites to display")

	compositeCmd.AddCommand(compositeAggregateCmd)
	compositeCmd.AddCommand(compositeManualCmd)
	compositeCmd.AddCommand(compositeListCmd)
	compositeCmd.AddCommand(compositeShowCmd)
	compositeCmd.AddCommand(compositeCompareCmd)
	compositeCmd.AddCommand(compositeDeleteCmd)
	rootCmd.AddCommand(compositeCmd)
}
