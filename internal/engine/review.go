package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/composite-cli/internal/compare"
	"github.com/sells-group/composite-cli/internal/model"
	"github.com/sells-group/composite-cli/internal/store"
)

// ReviewOptions scopes a drift review. Zero values fall back to the review
// configuration.
type ReviewOptions struct {
	// MaterialIDs limits the review; empty reviews every active material.
	MaterialIDs []string
	// PeriodDays is the age an approval must reach before it is reviewed.
	PeriodDays  int
	Concurrency int
	// DryRun compares without persisting drafts.
	DryRun bool
}

// DriftFinding is a material whose analyses have drifted significantly from
// its approved specification.
type DriftFinding struct {
	Material   *model.Material   `json:"material" yaml:"material"`
	Approved   *model.Composite  `json:"approved" yaml:"approved"`
	Draft      *model.Composite  `json:"draft,omitempty" yaml:"draft,omitempty"`
	Comparison *model.Comparison `json:"comparison" yaml:"comparison"`
}

// ReviewReport summarizes a drift review.
type ReviewReport struct {
	Reviewed int               `json:"reviewed" yaml:"reviewed"`
	Skipped  int               `json:"skipped" yaml:"skipped"`
	Findings []DriftFinding    `json:"findings" yaml:"findings"`
	Failures map[string]string `json:"failures,omitempty" yaml:"failures,omitempty"`
}

var errNotDue = errors.New("not due for review")

// ReviewDrift re-aggregates each material whose current specification was
// approved longer ago than the review period, and compares the result with
// it. A significant change is kept as a new DRAFT composite for review;
// anything else is discarded. Failures on one material do not stop the
// others and are reported by reference code.
func (e *Engine) ReviewDrift(ctx context.Context, opts ReviewOptions) (*ReviewReport, error) {
	if opts.PeriodDays <= 0 {
		opts.PeriodDays = e.review.PeriodDays
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = max(e.review.Concurrency, 1)
	}

	materials, err := e.reviewTargets(ctx, opts.MaterialIDs)
	if err != nil {
		return nil, err
	}

	cutoff := e.now().AddDate(0, 0, -opts.PeriodDays)
	report := &ReviewReport{Findings: []DriftFinding{}, Failures: map[string]string{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i := range materials {
		m := &materials[i]
		g.Go(func() error {
			finding, err := e.reviewMaterial(gctx, m, cutoff, opts.DryRun)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, errNotDue), errors.Is(err, model.ErrNoUsableAnalyses):
				report.Skipped++
			case err != nil:
				if gctx.Err() != nil {
					return gctx.Err()
				}
				report.Failures[m.ReferenceCode] = err.Error()
				zap.L().Warn("engine: drift review failed", zap.String("material", m.ReferenceCode), zap.Error(err))
			default:
				report.Reviewed++
				if finding != nil {
					report.Findings = append(report.Findings, *finding)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(report.Findings, func(i, j int) bool {
		return report.Findings[i].Material.ReferenceCode < report.Findings[j].Material.ReferenceCode
	})
	zap.L().Info("engine: drift review complete",
		zap.Int("reviewed", report.Reviewed),
		zap.Int("skipped", report.Skipped),
		zap.Int("significant", len(report.Findings)),
		zap.Int("failed", len(report.Failures)),
	)
	return report, nil
}

func (e *Engine) reviewTargets(ctx context.Context, ids []string) ([]model.Material, error) {
	if len(ids) > 0 {
		out := make([]model.Material, 0, len(ids))
		for _, id := range ids {
			m, err := e.ResolveMaterial(ctx, id)
			if err != nil {
				return nil, err
			}
			out = append(out, *m)
		}
		return out, nil
	}

	const page = 500
	var out []model.Material
	for offset := 0; ; offset += page {
		batch, err := e.store.ListMaterials(ctx, store.MaterialFilter{ActiveOnly: true, Limit: page, Offset: offset})
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < page {
			return out, nil
		}
	}
}

// reviewMaterial returns a finding for a significant change, nil otherwise.
func (e *Engine) reviewMaterial(ctx context.Context, m *model.Material, cutoff time.Time, dryRun bool) (*DriftFinding, error) {
	return withMaterialLock(ctx, e, m.ID, func(ctx context.Context) (*DriftFinding, error) {
		approved, err := e.currentSpecification(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		if approved == nil || !approvedBefore(approved, cutoff) {
			return nil, errNotDue
		}

		records, err := e.processedAnalyses(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		candidate, err := e.calculate(m.ID, records, model.OriginCalculated,
			fmt.Sprintf("Periodic drift review against v%d", approved.Version))
		if err != nil {
			return nil, err
		}
		candidate.Metadata.ReviewOfVersion = approved.Version

		cmp := compare.Compare(approved, candidate, e.thresholds)
		e.obs.DriftMeasured(&cmp)
		if !cmp.SignificantChanges {
			return nil, nil
		}

		finding := &DriftFinding{Material: m, Approved: approved}
		if !dryRun {
			if err := e.store.CreateComposite(ctx, candidate); err != nil {
				return nil, err
			}
			e.created(candidate)
			cmp.NewCompositeID = candidate.ID
			cmp.NewVersion = candidate.Version
			finding.Draft = candidate
		}
		finding.Comparison = &cmp
		return finding, nil
	})
}

func approvedBefore(c *model.Composite, cutoff time.Time) bool {
	at := c.CreatedAt
	if c.ApprovedAt != nil {
		at = *c.ApprovedAt
	}
	return at.Before(cutoff)
}

// CleanupDrafts deletes DRAFT composites created more than olderThan ago and
// returns how many were removed. Zero uses the configured draft TTL.
func (e *Engine) CleanupDrafts(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = time.Duration(e.review.DraftTTLDays) * 24 * time.Hour
	}
	cutoff := e.now().Add(-olderThan)

	drafts, err := e.store.ListComposites(ctx, store.CompositeFilter{
		Status:        model.CompositeDraft,
		CreatedBefore: cutoff,
		Limit:         10000,
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, d := range drafts {
		_, err := withMaterialLock(ctx, e, d.MaterialID, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.deleteDraftLocked(ctx, d.ID)
		})
		switch {
		case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrInvalidTransition):
			// Deleted or submitted since the listing.
		case err != nil:
			return deleted, err
		default:
			deleted++
		}
	}
	zap.L().Info("engine: stale drafts removed", zap.Int("deleted", deleted), zap.Time("cutoff", cutoff))
	return deleted, nil
}
