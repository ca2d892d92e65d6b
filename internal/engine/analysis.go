package engine

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/sells-group/composite-cli/internal/ingest"
	"github.com/sells-group/composite-cli/internal/labfile"
	"github.com/sells-group/composite-cli/internal/model"
)

// IngestRequest is one parsed lab upload.
type IngestRequest struct {
	MaterialID string
	Table      ingest.Table
	Weight     float64
	Metadata   ingest.Metadata
}

// IngestAnalysis builds an analysis record from a parsed table and stores it.
// The record is stored even when it is FAILED so the upload stays visible;
// in that case the stored record is returned together with an ErrValidation
// carrying the processing notes.
func (e *Engine) IngestAnalysis(ctx context.Context, req IngestRequest) (*model.AnalysisRecord, error) {
	m, err := e.activeMaterial(ctx, req.MaterialID)
	if err != nil {
		return nil, err
	}

	rec := ingest.Build(m.ID, req.Table, req.Weight, req.Metadata, e.ingestOpts)
	if err := e.store.CreateAnalysis(ctx, rec); err != nil {
		return nil, err
	}
	e.obs.AnalysisIngested(rec.Status)

	log := zap.L().With(
		zap.String("material", m.ReferenceCode),
		zap.String("analysis_id", rec.ID),
		zap.String("filename", rec.Filename),
	)
	if rec.Status == model.ProcessingFailed {
		log.Warn("engine: analysis failed processing", zap.String("notes", rec.ProcessingNotes))
		return rec, model.NewError(model.KindValidation, "%s: %s", displayName(rec.Filename), rec.ProcessingNotes)
	}
	log.Info("engine: analysis ingested",
		zap.Int("components", len(rec.Ledger)),
		zap.Float64("weight", rec.Weight),
	)
	return rec, nil
}

// IngestFile reads a lab export (CSV or XLSX, chosen by name) and ingests it.
// A file that cannot be read at all is stored as a FAILED record.
func (e *Engine) IngestFile(ctx context.Context, materialID, name string, r io.Reader, weight float64, meta ingest.Metadata) (*model.AnalysisRecord, error) {
	if meta.Filename == "" {
		meta.Filename = name
	}
	sheet, err := labfile.Read(ctx, name, r)
	tbl := sheet.Table()
	if err != nil {
		tbl = ingest.Table{Failure: err.Error()}
	}
	return e.IngestAnalysis(ctx, IngestRequest{
		MaterialID: materialID,
		Table:      tbl,
		Weight:     weight,
		Metadata:   meta,
	})
}

func displayName(filename string) string {
	if filename == "" {
		return "analysis"
	}
	return filename
}
