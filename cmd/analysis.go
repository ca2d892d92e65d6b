package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/composite-cli/internal/engine"
	"github.com/sells-group/composite-cli/internal/ingest"
	"github.com/sells-group/composite-cli/internal/labfile"
	"github.com/sells-group/composite-cli/internal/model"
	"github.com/sells-group/composite-cli/internal/resilience"
	"github.com/sells-group/composite-cli/internal/store"
)

var analysisCmd = &cobra.Command{
	Use:   "analysis",
	Short: "Ingest and inspect GC/MS analyses",
}

// labSource is one lab export to ingest.
type labSource struct {
	Name string
	Open func(ctx context.Context) (io.ReadCloser, error)
}

// ingestResult is the outcome for one source.
type ingestResult struct {
	Source string                `json:"source" yaml:"source"`
	Record *model.AnalysisRecord `json:"record,omitempty" yaml:"record,omitempty"`
	Error  string                `json:"error,omitempty" yaml:"error,omitempty"`
}

// -- analysis ingest --

var analysisIngestCmd = &cobra.Command{
	Use:   "ingest <material> <file|archive.zip|ftp://host/path>...",
	Short: "Ingest lab exports for a material",
	Long: "Parses CSV or XLSX chromatography exports and stores one analysis record per file. " +
		"ZIP archives are expanded; ftp:// URLs ending in / ingest every export in the directory.",
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		meta, weight, err := ingestFlags(cmd)
		if err != nil {
			return err
		}

		return withEnv(ctx, "cli", func(ctx context.Context, env *compositeEnv) error {
			m, err := env.Engine.ResolveMaterial(ctx, args[0])
			if err != nil {
				return err
			}

			tmpDir, err := os.MkdirTemp("", "composite-ingest-*")
			if err != nil {
				return eris.Wrap(err, "create temp dir")
			}
			defer os.RemoveAll(tmpDir) //nolint:errcheck

			sources, err := collectSources(ctx, args[1:], tmpDir, env.Breakers)
			if err != nil {
				return err
			}
			if len(sources) == 0 {
				return eris.New("no lab exports found")
			}

			results := ingestSources(ctx, env.Engine, m.ID, sources, weight, meta, cfg.Ingest.Concurrency)
			if err := render(os.Stdout, results, func(w io.Writer) { formatIngestResults(w, results) }); err != nil {
				return err
			}

			failed := 0
			for _, r := range results {
				if r.Error != "" {
					failed++
				}
			}
			zap.L().Info("ingest complete",
				zap.String("material", m.ReferenceCode),
				zap.Int("files", len(results)),
				zap.Int("failed", failed),
			)
			if failed > 0 {
				return eris.Errorf("%d of %d analyses failed", failed, len(results))
			}
			return nil
		})
	},
}

func ingestFlags(cmd *cobra.Command) (ingest.Metadata, float64, error) {
	var meta ingest.Metadata
	meta.BatchNumber, _ = cmd.Flags().GetString("batch")
	meta.Supplier, _ = cmd.Flags().GetString("supplier")
	meta.LabTechnician, _ = cmd.Flags().GetString("technician")
	if date, _ := cmd.Flags().GetString("date"); date != "" {
		d, err := time.Parse("2006-01-02", date)
		if err != nil {
			return meta, 0, eris.Wrapf(err, "parse --date %q", date)
		}
		meta.AnalysisDate = &d
	}

	weight, _ := cmd.Flags().GetFloat64("weight")
	if weight == 0 {
		weight = cfg.Ingest.DefaultWeight
	}
	return meta, weight, nil
}

// collectSources expands arguments into lab exports: local files, the
// entries of ZIP archives (extracted under tmpDir), and FTP files or
// directories. Calls to each FTP host go through that host's breaker.
func collectSources(ctx context.Context, args []string, tmpDir string, breakers *resilience.ServiceBreakers) ([]labSource, error) {
	var ftpFetcher *labfile.FTPFetcher
	fetcher := func() *labfile.FTPFetcher {
		if ftpFetcher == nil {
			ftpFetcher = labfile.NewFTPFetcher(labfile.FTPOptions{
				User:     cfg.FTP.User,
				Password: cfg.FTP.Password,
				Timeout:  ftpTimeout(),
			})
		}
		return ftpFetcher
	}

	var sources []labSource
	for i, arg := range args {
		switch {
		case strings.HasPrefix(arg, "ftp://"):
			endpoint, err := ftpEndpoint(arg)
			if err != nil {
				return nil, err
			}
			f, cb := fetcher(), breakers.Get(endpoint)
			urls := []string{arg}
			if strings.HasSuffix(arg, "/") {
				listed, err := resilience.DoVal(ctx, remoteRetry(), func(ctx context.Context) ([]string, error) {
					return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) ([]string, error) {
						return f.List(ctx, arg)
					})
				})
				if err != nil {
					return nil, eris.Wrapf(err, "list %s", arg)
				}
				urls = listed
			}
			for _, u := range urls {
				sources = append(sources, ftpSource(f, cb, u))
			}

		case strings.EqualFold(filepath.Ext(arg), ".zip"):
			dest := filepath.Join(tmpDir, fmt.Sprintf("zip-%d", i))
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return nil, eris.Wrap(err, "create extract dir")
			}
			paths, err := labfile.ExtractBatch(arg, dest)
			if err != nil {
				return nil, err
			}
			for _, p := range paths {
				sources = append(sources, fileSource(p))
			}

		default:
			sources = append(sources, fileSource(arg))
		}
	}
	return sources, nil
}

// ftpEndpoint names the breaker for an FTP URL: scheme and host, port
// included when given.
func ftpEndpoint(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", eris.Wrapf(err, "parse %s", raw)
	}
	if u.Host == "" {
		return "", eris.Errorf("ftp url %q has no host", raw)
	}
	return "ftp://" + strings.ToLower(u.Host), nil
}

func fileSource(p string) labSource {
	return labSource{
		Name: filepath.Base(p),
		Open: func(context.Context) (io.ReadCloser, error) {
			f, err := os.Open(p)
			if err != nil {
				return nil, eris.Wrap(err, "open lab export")
			}
			return f, nil
		},
	}
}

// ftpSource downloads the whole file inside the retry so a dropped transfer
// restarts from the beginning.
func ftpSource(f *labfile.FTPFetcher, cb *resilience.CircuitBreaker, ftpURL string) labSource {
	return labSource{
		Name: path.Base(ftpURL),
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			data, err := resilience.DoVal(ctx, remoteRetry(), func(ctx context.Context) ([]byte, error) {
				return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) ([]byte, error) {
					rc, err := f.Download(ctx, ftpURL)
					if err != nil {
						return nil, err
					}
					defer rc.Close() //nolint:errcheck
					b, err := io.ReadAll(rc)
					if err != nil {
						return nil, resilience.NewTransientError(eris.Wrap(err, "ftp read"), 0)
					}
					return b, nil
				})
			})
			if err != nil {
				return nil, err
			}
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// ingestSources ingests every source with bounded concurrency. Results keep
// the order of sources; a failure on one file does not stop the others.
func ingestSources(ctx context.Context, eng *engine.Engine, materialID string, sources []labSource, weight float64, meta ingest.Metadata, concurrency int) []ingestResult {
	results := make([]ingestResult, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))

	for i, src := range sources {
		g.Go(func() error {
			results[i] = ingestOne(gctx, eng, materialID, src, weight, meta)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func ingestOne(ctx context.Context, eng *engine.Engine, materialID string, src labSource, weight float64, meta ingest.Metadata) ingestResult {
	res := ingestResult{Source: src.Name}
	rc, err := src.Open(ctx)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer rc.Close() //nolint:errcheck

	meta.Filename = src.Name
	rec, err := eng.IngestFile(ctx, materialID, src.Name, rc, weight, meta)
	res.Record = rec
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func formatIngestResults(out io.Writer, results []ingestResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FILE\tID\tSTATUS\tCOMPONENTS\tNOTES")
	_, _ = fmt.Fprintln(w, "----\t--\t------\t----------\t-----")
	for _, r := range results {
		id, status, components, notes := "", "ERROR", 0, r.Error
		if r.Record != nil {
			id = truncateID(r.Record.ID)
			status = string(r.Record.Status)
			components = len(r.Record.Ledger)
			if notes == "" {
				notes = r.Record.ProcessingNotes
			}
		}
		notes = strings.ReplaceAll(notes, "\n", "; ")
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", truncate(r.Source, 30), id, status, components, truncate(notes, 60))
	}
	_ = w.Flush()
}

// -- analysis list --

var analysisListCmd = &cobra.Command{
	Use:   "list <material>",
	Short: "List a material's analyses, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
			m, err := env.Engine.ResolveMaterial(ctx, args[0])
			if err != nil {
				return err
			}
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			filter := store.AnalysisFilter{MaterialID: m.ID, Limit: limit}
			if status != "" {
				filter.Status = model.ProcessingStatus(strings.ToUpper(status))
				if !filter.Status.Valid() {
					return model.NewError(model.KindValidation, "unknown processing status %q", status)
				}
			}
			records, err := env.Engine.ListAnalyses(ctx, filter)
			if err != nil {
				return eris.Wrap(err, "analysis list")
			}
			return render(os.Stdout, records, func(w io.Writer) { formatAnalyses(w, records) })
		})
	},
}

// -- analysis show --

var analysisShowCmd = &cobra.Command{
	Use:   "show <analysis-id>",
	Short: "Show an analysis record with its components",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
			rec, err := env.Engine.GetAnalysis(ctx, args[0])
			if err != nil {
				return err
			}
			return render(os.Stdout, rec, func(w io.Writer) { formatAnalysis(w, rec) })
		})
	},
}

func formatAnalysis(out io.Writer, a *model.AnalysisRecord) {
	formatAnalyses(out, []model.AnalysisRecord{*a})
	if a.ProcessingNotes != "" {
		_, _ = fmt.Fprintf(out, "\n%s\n", a.ProcessingNotes)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "COMPONENT\tCAS\tPERCENT\tTYPE")
	_, _ = fmt.Fprintln(w, "---------\t---\t-------\t----")
	for _, c := range a.Ledger.Sorted() {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.4f\t%s\n", truncate(c.Name, 40), c.CAS, c.Percentage, c.Type)
	}
	_ = w.Flush()
}

func init() {
	analysisIngestCmd.Flags().Float64("weight", 0, "weight of each analysis in aggregation (default from config)")
	analysisIngestCmd.Flags().String("batch", "", "batch number")
	analysisIngestCmd.Flags().String("supplier", "", "supplier of the analysed lot")
	analysisIngestCmd.Flags().String("technician", "", "lab technician")
	analysisIngestCmd.Flags().String("date", "", "analysis date (YYYY-MM-DD)")

	analysisListCmd.Flags().String("status", "", "filter by processing status (processed, failed)")
	analysisListCmd.Flags().Int("limit", 100, "max number of analyses to display")

	analysisCmd.AddCommand(analysisIngestCmd)
	analysisCmd.AddCommand(analysisListCmd)
	analysisCmd.AddCommand(analysisShowCmd)
	rootCmd.AddCommand(analysisCmd)
}
