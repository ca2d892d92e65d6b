package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/composite-cli/internal/aggregate"
	"github.com/sells-group/composite-cli/internal/compare"
	"github.com/sells-group/composite-cli/internal/ingest"
	"github.com/sells-group/composite-cli/internal/model"
	"github.com/sells-group/composite-cli/internal/store"
	"github.com/sells-group/composite-cli/internal/workflow"
)

// methodManual is recorded as the calculation method of manual composites.
const methodManual = "manual"

// listAnalyses pages through the store until a short page.
func (e *Engine) listAnalyses(ctx context.Context, filter store.AnalysisFilter) ([]model.AnalysisRecord, error) {
	const page = 500
	filter.Limit = page
	var all []model.AnalysisRecord
	for {
		batch, err := e.store.ListAnalyses(ctx, filter)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < page {
			return all, nil
		}
		filter.Offset += page
	}
}

// Aggregate builds a new DRAFT composite for a material from the given
// analyses, in the order given. Every analysis must belong to the material;
// FAILED ones are skipped and listed in the composite metadata.
func (e *Engine) Aggregate(ctx context.Context, materialID string, analysisIDs []string, origin model.Origin, notes string) (*model.Composite, error) {
	if len(analysisIDs) == 0 {
		return nil, model.NewError(model.KindNoUsableAnalyses, "no analyses supplied")
	}
	return withMaterialLock(ctx, e, materialID, func(ctx context.Context) (*model.Composite, error) {
		if _, err := e.activeMaterial(ctx, materialID); err != nil {
			return nil, err
		}
		records := make([]model.AnalysisRecord, 0, len(analysisIDs))
		seen := make(map[string]bool, len(analysisIDs))
		for _, id := range analysisIDs {
			id = strings.TrimSpace(id)
			if seen[id] {
				return nil, model.NewError(model.KindValidation, "analysis %s supplied twice", id)
			}
			seen[id] = true
			rec, err := e.store.GetAnalysis(ctx, id)
			if err != nil {
				return nil, err
			}
			if rec.MaterialID != materialID {
				return nil, model.NewError(model.KindValidation, "analysis %s belongs to material %s", id, rec.MaterialID)
			}
			records = append(records, *rec)
		}
		return e.aggregateLocked(ctx, materialID, records, origin, notes)
	})
}

// AggregateAll builds a composite from every PROCESSED analysis of the
// material, oldest first.
func (e *Engine) AggregateAll(ctx context.Context, materialID string, origin model.Origin, notes string) (*model.Composite, error) {
	return withMaterialLock(ctx, e, materialID, func(ctx context.Context) (*model.Composite, error) {
		if _, err := e.activeMaterial(ctx, materialID); err != nil {
			return nil, err
		}
		records, err := e.processedAnalyses(ctx, materialID)
		if err != nil {
			return nil, err
		}
		return e.aggregateLocked(ctx, materialID, records, origin, notes)
	})
}

// processedAnalyses returns the material's PROCESSED records, oldest first.
func (e *Engine) processedAnalyses(ctx context.Context, materialID string) ([]model.AnalysisRecord, error) {
	return e.listAnalyses(ctx, store.AnalysisFilter{MaterialID: materialID, Status: model.ProcessingProcessed})
}

func (e *Engine) aggregateLocked(ctx context.Context, materialID string, records []model.AnalysisRecord, origin model.Origin, notes string) (*model.Composite, error) {
	c, err := e.calculate(materialID, records, origin, notes)
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateComposite(ctx, c); err != nil {
		return nil, err
	}
	e.created(c)
	return c, nil
}

// calculate reduces records into an unsaved DRAFT composite.
func (e *Engine) calculate(materialID string, records []model.AnalysisRecord, origin model.Origin, notes string) (*model.Composite, error) {
	if origin == "" {
		origin = model.OriginCalculated
	}
	if origin == model.OriginManual || !origin.Valid() {
		return nil, model.NewError(model.KindValidation, "origin %q is not valid for an aggregated composite", origin)
	}
	res, err := aggregate.Aggregate(records, e.aggOpts)
	if err != nil {
		return nil, err
	}
	now := e.now()
	return &model.Composite{
		MaterialID: materialID,
		Origin:     origin,
		Status:     model.CompositeDraft,
		Ledger:     res.Ledger,
		Metadata:   res.Metadata,
		Notes:      strings.TrimSpace(notes),
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// CreateManual stores a composite entered by hand or transcribed from a
// supplier document. Rows are validated like an upload but the composite is
// not weighted or normalized.
func (e *Engine) CreateManual(ctx context.Context, materialID string, rows []ingest.Row, notes string) (*model.Composite, error) {
	return withMaterialLock(ctx, e, materialID, func(ctx context.Context) (*model.Composite, error) {
		if _, err := e.activeMaterial(ctx, materialID); err != nil {
			return nil, err
		}
		rec := ingest.Build(materialID, ingest.Table{Rows: rows}, 1, ingest.Metadata{}, e.ingestOpts)
		if rec.Status == model.ProcessingFailed {
			return nil, model.NewError(model.KindValidation, "manual composite: %s", rec.ProcessingNotes)
		}
		now := e.now()
		c := &model.Composite{
			MaterialID: materialID,
			Origin:     model.OriginManual,
			Status:     model.CompositeDraft,
			Ledger:     rec.Ledger,
			Metadata:   model.CompositeMetadata{CalculationMethod: methodManual},
			Notes:      strings.TrimSpace(notes),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if rec.ProcessingNotes != "" {
			c.Notes = strings.TrimSpace(c.Notes + "\n" + rec.ProcessingNotes)
		}
		if err := e.store.CreateComposite(ctx, c); err != nil {
			return nil, err
		}
		e.created(c)
		return c, nil
	})
}

func (e *Engine) created(c *model.Composite) {
	e.obs.CompositeCreated(c.Origin)
	zap.L().Info("engine: composite created",
		zap.String("composite_id", c.ID),
		zap.String("material_id", c.MaterialID),
		zap.Int("version", c.Version),
		zap.String("origin", string(c.Origin)),
		zap.Int("components", len(c.Ledger)),
		zap.Int("skipped_analyses", len(c.Metadata.SkippedIDs)),
	)
}

// Compare diffs two composites; a is treated as the older one.
func (e *Engine) Compare(ctx context.Context, idA, idB string) (*model.Comparison, error) {
	a, err := e.store.GetComposite(ctx, idA)
	if err != nil {
		return nil, err
	}
	b, err := e.store.GetComposite(ctx, idB)
	if err != nil {
		return nil, err
	}
	cmp := compare.Compare(a, b, e.thresholds)
	e.obs.DriftMeasured(&cmp)
	return &cmp, nil
}

// DeleteDraft removes a DRAFT composite. Its version number is not reused.
func (e *Engine) DeleteDraft(ctx context.Context, compositeID string) error {
	materialID, err := e.compositeMaterial(ctx, compositeID)
	if err != nil {
		return err
	}
	_, err = withMaterialLock(ctx, e, materialID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.deleteDraftLocked(ctx, compositeID)
	})
	return err
}

func (e *Engine) deleteDraftLocked(ctx context.Context, compositeID string) error {
	c, err := e.store.GetComposite(ctx, compositeID)
	if err != nil {
		return err
	}
	if err := workflow.CanDelete(c); err != nil {
		return err
	}
	if err := e.store.DeleteComposite(ctx, c.ID); err != nil {
		return err
	}
	zap.L().Info("engine: draft deleted",
		zap.String("composite_id", c.ID),
		zap.String("material_id", c.MaterialID),
		zap.Int("version", c.Version),
	)
	return nil
}
