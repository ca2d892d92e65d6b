// Package engine orchestrates ingestion, aggregation, comparison, and the
// approval workflow against a store. Operations that read and then write a
// material's composites hold that material's lock for the whole span.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/composite-cli/internal/aggregate"
	"github.com/sells-group/composite-cli/internal/compare"
	"github.com/sells-group/composite-cli/internal/config"
	"github.com/sells-group/composite-cli/internal/ingest"
	"github.com/sells-group/composite-cli/internal/model"
	"github.com/sells-group/composite-cli/internal/resilience"
	"github.com/sells-group/composite-cli/internal/store"
)

// Observer is told about every state change the engine persists.
type Observer interface {
	AnalysisIngested(status model.ProcessingStatus)
	CompositeCreated(origin model.Origin)
	CompositeTransitioned(from, to model.CompositeStatus)
	DriftMeasured(cmp *model.Comparison)
}

// OverrideObserver is an optional Observer extension notified when an
// approval is forced through despite significant drift.
type OverrideObserver interface {
	ApprovalOverridden(ctx context.Context, c *model.Composite, cmp *model.Comparison, comments string)
}

type nopObserver struct{}

func (nopObserver) AnalysisIngested(model.ProcessingStatus)          {}
func (nopObserver) CompositeCreated(model.Origin)                    {}
func (nopObserver) CompositeTransitioned(_, _ model.CompositeStatus) {}
func (nopObserver) DriftMeasured(*model.Comparison)                  {}

// Engine is the composite engine. It is safe for concurrent use.
type Engine struct {
	store      store.Store
	locks      *Locker
	validate   *validator.Validate
	obs        Observer
	thresholds compare.Thresholds
	aggOpts    aggregate.Options
	ingestOpts ingest.Options
	review     config.ReviewConfig
	conflict   resilience.RetryConfig
	now        func() time.Time
}

// New creates an Engine over st configured from cfg. obs may be nil.
func New(cfg *config.Config, st store.Store, obs Observer) (*Engine, error) {
	policy, err := aggregate.ParsePolicy(cfg.Aggregate.DenominatorPolicy)
	if err != nil {
		return nil, err
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Engine{
		store:      st,
		locks:      NewLocker(),
		validate:   newValidator(),
		obs:        obs,
		thresholds: cfg.Compare,
		aggOpts:    aggregate.Options{Policy: policy, Workers: cfg.Aggregate.Workers},
		ingestOpts: ingest.Options{ImpurityThreshold: cfg.Ingest.ImpurityThreshold},
		review:     cfg.Review,
		conflict:   resilience.ConflictRetryConfig(cfg.Retry.ConflictAttempts),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Thresholds returns the drift thresholds comparisons are judged by.
func (e *Engine) Thresholds() compare.Thresholds {
	return e.thresholds
}

// withMaterialLock runs fn holding materialID's lock and re-runs the whole
// operation when it loses a version or pending-approval race to another
// process sharing the store.
func withMaterialLock[T any](ctx context.Context, e *Engine, materialID string, fn func(ctx context.Context) (T, error)) (T, error) {
	return resilience.DoVal(ctx, e.conflict, func(ctx context.Context) (T, error) {
		unlock := e.locks.Lock(materialID)
		defer unlock()
		return fn(ctx)
	})
}

// compositeMaterial resolves the material a composite belongs to so callers
// can take its lock before re-reading the composite.
func (e *Engine) compositeMaterial(ctx context.Context, compositeID string) (string, error) {
	c, err := e.store.GetComposite(ctx, compositeID)
	if err != nil {
		return "", err
	}
	return c.MaterialID, nil
}

func (e *Engine) transitioned(from model.CompositeStatus, c *model.Composite) {
	e.obs.CompositeTransitioned(from, c.Status)
	zap.L().Info("engine: composite transitioned",
		zap.String("composite_id", c.ID),
		zap.String("material_id", c.MaterialID),
		zap.Int("version", c.Version),
		zap.String("from", string(from)),
		zap.String("to", string(c.Status)),
	)
}

// --- Materials ---

// CreateMaterial validates and stores a new material. The reference code must
// be unused.
func (e *Engine) CreateMaterial(ctx context.Context, m *model.Material) error {
	if err := e.validateMaterial(m); err != nil {
		return err
	}
	m.Active = true
	return e.store.CreateMaterial(ctx, m)
}

// GetMaterial loads a material by id.
func (e *Engine) GetMaterial(ctx context.Context, id string) (*model.Material, error) {
	return e.store.GetMaterial(ctx, id)
}

// ResolveMaterial loads a material by id, falling back to its reference code.
func (e *Engine) ResolveMaterial(ctx context.Context, ref string) (*model.Material, error) {
	ref = strings.TrimSpace(ref)
	m, err := e.store.GetMaterial(ctx, ref)
	if err == nil || !errors.Is(err, model.ErrNotFound) {
		return m, err
	}
	return e.store.GetMaterialByCode(ctx, ref)
}

// ListMaterials lists materials matching filter.
func (e *Engine) ListMaterials(ctx context.Context, filter store.MaterialFilter) ([]model.Material, error) {
	return e.store.ListMaterials(ctx, filter)
}

// SetMaterialActive activates or deactivates a material. Inactive materials
// accept no new analyses or composites and are skipped by drift reviews.
func (e *Engine) SetMaterialActive(ctx context.Context, id string, active bool) error {
	return e.store.SetMaterialActive(ctx, id, active)
}

// ImportMaterials validates a catalog and upserts it by reference code. Every
// entry is validated before anything is written.
func (e *Engine) ImportMaterials(ctx context.Context, materials []model.Material) (int64, error) {
	var errs []string
	seen := make(map[string]int, len(materials))
	for i := range materials {
		m := &materials[i]
		m.Active = true
		if err := e.validateMaterial(m); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if prev, dup := seen[m.ReferenceCode]; dup {
			errs = append(errs, fmt.Sprintf("%s: duplicate of entry %d", m.ReferenceCode, prev+1))
			continue
		}
		seen[m.ReferenceCode] = i
	}
	if len(errs) > 0 {
		return 0, model.NewError(model.KindValidation, "%s", strings.Join(errs, "; "))
	}
	return e.store.UpsertMaterials(ctx, materials)
}

// activeMaterial loads a material and rejects inactive ones.
func (e *Engine) activeMaterial(ctx context.Context, id string) (*model.Material, error) {
	m, err := e.store.GetMaterial(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.Active {
		return nil, model.NewError(model.KindValidation, "material %s is inactive", m.ReferenceCode)
	}
	return m, nil
}

// --- Reads ---

// GetAnalysis loads an analysis record.
func (e *Engine) GetAnalysis(ctx context.Context, id string) (*model.AnalysisRecord, error) {
	return e.store.GetAnalysis(ctx, id)
}

// ListAnalyses lists analysis records matching filter.
func (e *Engine) ListAnalyses(ctx context.Context, filter store.AnalysisFilter) ([]model.AnalysisRecord, error) {
	return e.store.ListAnalyses(ctx, filter)
}

// GetComposite loads a composite with its ledger.
func (e *Engine) GetComposite(ctx context.Context, id string) (*model.Composite, error) {
	return e.store.GetComposite(ctx, id)
}

// ListComposites lists composites matching filter, newest version first.
func (e *Engine) ListComposites(ctx context.Context, filter store.CompositeFilter) ([]model.Composite, error) {
	return e.store.ListComposites(ctx, filter)
}

// GetWorkflow loads the approval workflow of a composite.
func (e *Engine) GetWorkflow(ctx context.Context, compositeID string) (*model.ApprovalWorkflow, error) {
	return e.store.GetWorkflowByComposite(ctx, compositeID)
}

// ListWorkflows lists approval workflows matching filter.
func (e *Engine) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]model.ApprovalWorkflow, error) {
	return e.store.ListWorkflows(ctx, filter)
}
