package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/composite-cli/internal/engine"
	"github.com/sells-group/composite-cli/internal/model"
)

func validateOutputFormat(f string) error {
	switch f {
	case "table", "json", "yaml":
		return nil
	}
	return eris.Errorf("unknown output format %q (want table, json, or yaml)", f)
}

// render writes v as JSON or YAML, or calls table for the default format.
func render(out io.Writer, v any, table func(io.Writer)) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return enc.Close()
	default:
		table(out)
		return nil
	}
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func formatMaterials(out io.Writer, materials []model.Material) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCODE\tNAME\tSUPPLIER\tCAS\tACTIVE")
	_, _ = fmt.Fprintln(w, "--\t----\t----\t--------\t---\t------")
	for _, m := range materials {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
			truncateID(m.ID), m.ReferenceCode, truncate(m.Name, 30), truncate(m.Supplier, 20), m.CASNumber, m.Active)
	}
	_ = w.Flush()
}

func formatAnalyses(out io.Writer, records []model.AnalysisRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFILENAME\tBATCH\tWEIGHT\tSTATUS\tCOMPONENTS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t--------\t-----\t------\t------\t----------\t-------")
	for _, a := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%s\t%d\t%s\n",
			truncateID(a.ID), truncate(a.Filename, 30), a.BatchNumber, a.Weight, a.Status, len(a.Ledger),
			a.CreatedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}

func formatComposites(out io.Writer, composites []model.Composite) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tVERSION\tORIGIN\tSTATUS\tCOMPONENTS\tANALYSES\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t-------\t------\t------\t----------\t--------\t-------")
	for _, c := range composites {
		_, _ = fmt.Fprintf(w, "%s\tv%d\t%s\t%s\t%d\t%d\t%s\n",
			truncateID(c.ID), c.Version, c.Origin, c.Status, len(c.Ledger), c.Metadata.AnalysisCount,
			c.CreatedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}

// formatComposite writes a composite header followed by its ledger, largest
// component first.
func formatComposite(out io.Writer, c *model.Composite) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Composite:\t%s\n", c.ID)
	_, _ = fmt.Fprintf(w, "Version:\tv%d\n", c.Version)
	_, _ = fmt.Fprintf(w, "Origin:\t%s\n", c.Origin)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", c.Status)
	if c.Metadata.AnalysisCount > 0 {
		_, _ = fmt.Fprintf(w, "Analyses:\t%d\n", c.Metadata.AnalysisCount)
	}
	if len(c.Metadata.SkippedIDs) > 0 {
		_, _ = fmt.Fprintf(w, "Skipped:\t%s\n", strings.Join(c.Metadata.SkippedIDs, ", "))
	}
	if c.Notes != "" {
		_, _ = fmt.Fprintf(w, "Notes:\t%s\n", c.Notes)
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "COMPONENT\tCAS\tPERCENT\tTYPE")
	_, _ = fmt.Fprintln(w, "---------\t---\t-------\t----")
	for _, comp := range c.Ledger.Sorted() {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.4f\t%s\n", truncate(comp.Name, 40), comp.CAS, comp.Percentage, comp.Type)
	}
	_, _ = fmt.Fprintf(w, "\t\t%.4f\tTOTAL\n", c.Ledger.Total())
	_ = w.Flush()
}

func formatComparison(out io.Writer, cmp *model.Comparison) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Versions:\tv%d -> v%d\n", cmp.OldVersion, cmp.NewVersion)
	if cmp.CrossMaterial {
		_, _ = fmt.Fprintln(w, "Note:\tcomposites belong to different materials")
	}
	_, _ = fmt.Fprintf(w, "Total change:\t%.4f\n", cmp.TotalChangeScore)
	_, _ = fmt.Fprintf(w, "Max change:\t%.4f\n", cmp.MaxComponentChange)
	_, _ = fmt.Fprintf(w, "Significant:\t%t\n", cmp.SignificantChanges)
	for _, r := range cmp.Reasons {
		_, _ = fmt.Fprintf(w, "  Reason:\t%s\n", r)
	}
	if !cmp.Empty() {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, "CHANGE\tCOMPONENT\tOLD\tNEW\tDELTA")
		_, _ = fmt.Fprintln(w, "------\t---------\t---\t---\t-----")
		writeChanges(w, "added", cmp.Added)
		writeChanges(w, "removed", cmp.Removed)
		writeChanges(w, "changed", cmp.Changed)
	}
	_ = w.Flush()
}

func writeChanges(w io.Writer, label string, changes []model.ComponentChange) {
	for _, ch := range changes {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%+.4f\n",
			label, truncate(ch.Name, 40), pct(ch.OldPercentage), pct(ch.NewPercentage), ch.Change)
	}
}

func pct(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *p)
}

func formatWorkflows(out io.Writer, workflows []model.ApprovalWorkflow) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOMPOSITE\tSTATUS\tASSIGNED_TO\tCREATED\tCOMPLETED")
	_, _ = fmt.Fprintln(w, "--\t---------\t------\t-----------\t-------\t---------")
	for _, wf := range workflows {
		completed := ""
		if wf.CompletedAt != nil {
			completed = wf.CompletedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(wf.ID), truncateID(wf.CompositeID), wf.Status, wf.AssignedTo,
			wf.CreatedAt.Format("2006-01-02 15:04"), completed)
	}
	_ = w.Flush()
}

func formatWorkflow(out io.Writer, wf *model.ApprovalWorkflow) {
	formatWorkflows(out, []model.ApprovalWorkflow{*wf})
}

func formatReviewReport(out io.Writer, r *engine.ReviewReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Reviewed:\t%d\n", r.Reviewed)
	_, _ = fmt.Fprintf(w, "Skipped:\t%d\n", r.Skipped)
	_, _ = fmt.Fprintf(w, "Significant:\t%d\n", len(r.Findings))
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", len(r.Failures))
	if len(r.Findings) > 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, "MATERIAL\tAPPROVED\tDRAFT\tTOTAL_CHANGE\tMAX_CHANGE")
		_, _ = fmt.Fprintln(w, "--------\t--------\t-----\t------------\t----------")
		for _, f := range r.Findings {
			draft := "(dry run)"
			if f.Draft != nil {
				draft = fmt.Sprintf("v%d", f.Draft.Version)
			}
			_, _ = fmt.Fprintf(w, "%s\tv%d\t%s\t%.4f\t%.4f\n",
				f.Material.ReferenceCode, f.Approved.Version, draft,
				f.Comparison.TotalChangeScore, f.Comparison.MaxComponentChange)
		}
	}
	codes := make([]string, 0, len(r.Failures))
	for code := range r.Failures {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		_, _ = fmt.Fprintf(w, "  %s:\t%s\n", code, r.Failures[code])
	}
	_ = w.Flush()
}
