package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sells-group/composite-cli/internal/compare"
	"github.com/sells-group/composite-cli/internal/model"
	"github.com/sells-group/composite-cli/internal/store"
	"github.com/sells-group/composite-cli/internal/workflow"
)

// ApproveOptions carries the approver's input.
type ApproveOptions struct {
	Comments string
	// Override approves even when the composite drifted significantly from
	// the material's current specification.
	Override bool
}

// SubmitForApproval moves a DRAFT composite to PENDING_APPROVAL and opens
// its workflow. A material has at most one composite pending approval.
func (e *Engine) SubmitForApproval(ctx context.Context, compositeID, assignee string) (*model.ApprovalWorkflow, error) {
	materialID, err := e.compositeMaterial(ctx, compositeID)
	if err != nil {
		return nil, err
	}
	return withMaterialLock(ctx, e, materialID, func(ctx context.Context) (*model.ApprovalWorkflow, error) {
		c, err := e.store.GetComposite(ctx, compositeID)
		if err != nil {
			return nil, err
		}
		pending, err := e.store.ListComposites(ctx, store.CompositeFilter{
			MaterialID: c.MaterialID,
			Status:     model.CompositePendingApproval,
			Limit:      1,
		})
		if err != nil {
			return nil, err
		}
		otherID := ""
		if len(pending) > 0 {
			otherID = pending[0].ID
		}

		from := c.Status
		wf, err := workflow.Submit(c, otherID, assignee, "", e.now())
		if err != nil {
			return nil, err
		}
		if err := e.store.SaveTransition(ctx, store.Transition{Composite: c, From: from, Workflow: wf}); err != nil {
			return nil, err
		}
		e.transitioned(from, c)
		return wf, nil
	})
}

// StartReview marks a pending workflow as under review. A non-empty reviewer
// becomes the assignee.
func (e *Engine) StartReview(ctx context.Context, compositeID, reviewer string) (*model.ApprovalWorkflow, error) {
	materialID, err := e.compositeMaterial(ctx, compositeID)
	if err != nil {
		return nil, err
	}
	return withMaterialLock(ctx, e, materialID, func(ctx context.Context) (*model.ApprovalWorkflow, error) {
		c, wf, err := e.loadForTransition(ctx, compositeID)
		if err != nil {
			return nil, err
		}
		from, wfFrom := c.Status, workflowStatus(wf)
		if err := workflow.StartReview(c, wf, reviewer, e.now()); err != nil {
			return nil, err
		}
		if err := e.store.SaveTransition(ctx, transition(c, from, wf, wfFrom)); err != nil {
			return nil, err
		}
		zap.L().Info("engine: review started",
			zap.String("composite_id", c.ID),
			zap.String("workflow_id", wf.ID),
			zap.String("assigned_to", wf.AssignedTo),
		)
		return wf, nil
	})
}

// Approve makes a pending composite the material's specification. The
// composite is first compared against the current specification; a
// significant change fails with ErrRequiresJustification, carrying the
// comparison, unless opts.Override is set.
func (e *Engine) Approve(ctx context.Context, compositeID string, opts ApproveOptions) (*model.Composite, error) {
	materialID, err := e.compositeMaterial(ctx, compositeID)
	if err != nil {
		return nil, err
	}
	var overridden *model.Comparison
	c, err := withMaterialLock(ctx, e, materialID, func(ctx context.Context) (*model.Composite, error) {
		overridden = nil
		c, wf, err := e.loadForTransition(ctx, compositeID)
		if err != nil {
			return nil, err
		}
		current, err := e.currentSpecification(ctx, c.MaterialID)
		if err != nil {
			return nil, err
		}
		var drift *model.Comparison
		if current != nil && current.ID != c.ID {
			cmp := compare.Compare(current, c, e.thresholds)
			e.obs.DriftMeasured(&cmp)
			drift = &cmp
		}

		from, wfFrom := c.Status, workflowStatus(wf)
		if err := workflow.Approve(c, wf, opts.Comments, drift, opts.Override, e.now()); err != nil {
			return nil, err
		}
		if err := e.store.SaveTransition(ctx, transition(c, from, wf, wfFrom)); err != nil {
			return nil, err
		}
		e.transitioned(from, c)
		if drift != nil && drift.SignificantChanges {
			overridden = drift
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	if overridden != nil {
		zap.L().Warn("engine: approval overrode significant drift",
			zap.String("composite_id", c.ID),
			zap.Int("from_version", overridden.OldVersion),
			zap.Float64("total_change_score", overridden.TotalChangeScore),
		)
		if oo, ok := e.obs.(OverrideObserver); ok {
			oo.ApprovalOverridden(ctx, c, overridden, opts.Comments)
		}
	}
	return c, nil
}

// Reject closes a pending composite. reason is required.
func (e *Engine) Reject(ctx context.Context, compositeID, reason, comments string) (*model.Composite, error) {
	materialID, err := e.compositeMaterial(ctx, compositeID)
	if err != nil {
		return nil, err
	}
	return withMaterialLock(ctx, e, materialID, func(ctx context.Context) (*model.Composite, error) {
		c, wf, err := e.loadForTransition(ctx, compositeID)
		if err != nil {
			return nil, err
		}
		from, wfFrom := c.Status, workflowStatus(wf)
		if err := workflow.Reject(c, wf, reason, comments, e.now()); err != nil {
			return nil, err
		}
		if err := e.store.SaveTransition(ctx, transition(c, from, wf, wfFrom)); err != nil {
			return nil, err
		}
		e.transitioned(from, c)
		return c, nil
	})
}

// Archive retires a composite. An APPROVED composite can only be archived
// once a newer version of the material has been approved.
func (e *Engine) Archive(ctx context.Context, compositeID string) (*model.Composite, error) {
	materialID, err := e.compositeMaterial(ctx, compositeID)
	if err != nil {
		return nil, err
	}
	return withMaterialLock(ctx, e, materialID, func(ctx context.Context) (*model.Composite, error) {
		c, wf, err := e.loadForTransition(ctx, compositeID)
		if err != nil {
			return nil, err
		}
		newer := false
		if c.Status == model.CompositeApproved {
			current, err := e.currentSpecification(ctx, c.MaterialID)
			if err != nil {
				return nil, err
			}
			newer = current != nil && current.Version > c.Version
		}

		from, wfFrom := c.Status, workflowStatus(wf)
		if err := workflow.Archive(c, wf, newer, e.now()); err != nil {
			return nil, err
		}
		if err := e.store.SaveTransition(ctx, transition(c, from, wf, wfFrom)); err != nil {
			return nil, err
		}
		e.transitioned(from, c)
		return c, nil
	})
}

func workflowStatus(wf *model.ApprovalWorkflow) model.WorkflowStatus {
	if wf == nil {
		return ""
	}
	return wf.Status
}

// transition guards the write on the states c and wf were loaded in.
func transition(c *model.Composite, from model.CompositeStatus, wf *model.ApprovalWorkflow, wfFrom model.WorkflowStatus) store.Transition {
	return store.Transition{Composite: c, From: from, Workflow: wf, WorkflowFrom: wfFrom}
}

// loadForTransition loads a composite and its workflow, if it has one.
func (e *Engine) loadForTransition(ctx context.Context, compositeID string) (*model.Composite, *model.ApprovalWorkflow, error) {
	c, err := e.store.GetComposite(ctx, compositeID)
	if err != nil {
		return nil, nil, err
	}
	wf, err := e.store.GetWorkflowByComposite(ctx, compositeID)
	if errors.Is(err, model.ErrNotFound) {
		return c, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return c, wf, nil
}

// currentSpecification returns the material's highest-version APPROVED
// composite, or nil when none has been approved.
func (e *Engine) currentSpecification(ctx context.Context, materialID string) (*model.Composite, error) {
	approved, err := e.store.ListComposites(ctx, store.CompositeFilter{
		MaterialID: materialID,
		Status:     model.CompositeApproved,
		Limit:      1,
	})
	if err != nil || len(approved) == 0 {
		return nil, err
	}
	return &approved[0], nil
}
