// Package workflow holds the composite approval state machine. Every function
// mutates the composite and its shadow workflow in place and performs no I/O;
// callers persist the result.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/composite-cli/internal/model"
)

// Submit moves a DRAFT composite to PENDING_APPROVAL and returns its new
// PENDING workflow. otherPendingID is the id of another composite of the same
// material already awaiting approval, or empty.
func Submit(c *model.Composite, otherPendingID, assignee, assignedBy string, now time.Time) (*model.ApprovalWorkflow, error) {
	if c.Status != model.CompositeDraft {
		return nil, invalid(c, "submit")
	}
	if otherPendingID != "" && otherPendingID != c.ID {
		return nil, model.NewError(model.KindInvalidTransition,
			"material %s already has composite %s pending approval", c.MaterialID, otherPendingID)
	}

	c.Status = model.CompositePendingApproval
	c.UpdatedAt = now

	wf := &model.ApprovalWorkflow{
		CompositeID: c.ID,
		MaterialID:  c.MaterialID,
		Status:      model.WorkflowPending,
		AssignedBy:  assignedBy,
		CreatedAt:   now,
	}
	if assignee = strings.TrimSpace(assignee); assignee != "" {
		wf.AssignedTo = assignee
		wf.AssignedAt = &now
	}
	return wf, nil
}

// StartReview moves a PENDING workflow to IN_REVIEW. A non-empty reviewer
// replaces the assignee.
func StartReview(c *model.Composite, wf *model.ApprovalWorkflow, reviewer string, now time.Time) error {
	if c.Status != model.CompositePendingApproval {
		return invalid(c, "start review of")
	}
	if wf == nil || wf.Status != model.WorkflowPending {
		return invalidWorkflow(wf, "start review")
	}
	wf.Status = model.WorkflowInReview
	if reviewer = strings.TrimSpace(reviewer); reviewer != "" {
		wf.AssignedTo = reviewer
		wf.AssignedAt = &now
	}
	return nil
}

// Approve moves a PENDING_APPROVAL composite to APPROVED. drift is the
// comparison against the material's previous approved composite, or nil when
// there is none; a significant drift blocks approval unless override is set.
func Approve(c *model.Composite, wf *model.ApprovalWorkflow, comments string, drift *model.Comparison, override bool, now time.Time) error {
	if c.Status != model.CompositePendingApproval {
		return invalid(c, "approve")
	}
	if err := checkOpen(wf, "approve"); err != nil {
		return err
	}
	significant := drift != nil && drift.SignificantChanges
	if significant && !override {
		return &model.Error{
			Kind:       model.KindRequiresJustification,
			Msg:        fmt.Sprintf("significant change from version %d: %s", drift.OldVersion, strings.Join(drift.Reasons, "; ")),
			Comparison: drift,
		}
	}

	c.Status = model.CompositeApproved
	c.ApprovedAt = &now
	c.UpdatedAt = now

	if wf != nil {
		wf.Status = model.WorkflowApproved
		wf.ReviewComments = comments
		wf.Overridden = significant
		wf.ReviewedAt = &now
		wf.CompletedAt = &now
	}
	return nil
}

// Reject moves a PENDING_APPROVAL composite to REJECTED. reason is required.
func Reject(c *model.Composite, wf *model.ApprovalWorkflow, reason, comments string, now time.Time) error {
	if c.Status != model.CompositePendingApproval {
		return invalid(c, "reject")
	}
	if err := checkOpen(wf, "reject"); err != nil {
		return err
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		return model.NewError(model.KindMissingReason, "a rejection reason is required")
	}

	c.Status = model.CompositeRejected
	c.UpdatedAt = now

	if wf != nil {
		wf.Status = model.WorkflowRejected
		wf.RejectionReason = reason
		wf.ReviewComments = comments
		wf.ReviewedAt = &now
		wf.CompletedAt = &now
	}
	return nil
}

// Archive retires a composite. DRAFT and PENDING_APPROVAL composites archive
// freely, the latter cancelling its workflow. An APPROVED composite archives
// only when newerApproved reports a later approved version of the same
// material.
func Archive(c *model.Composite, wf *model.ApprovalWorkflow, newerApproved bool, now time.Time) error {
	switch c.Status {
	case model.CompositeDraft:
	case model.CompositePendingApproval:
		if wf != nil && !wf.Status.Terminal() {
			wf.Status = model.WorkflowCancelled
			wf.CompletedAt = &now
		}
	case model.CompositeApproved:
		if !newerApproved {
			return model.NewError(model.KindCannotArchiveActiveSpecification,
				"composite %s (v%d) is the active specification for material %s", c.ID, c.Version, c.MaterialID)
		}
	default:
		return invalid(c, "archive")
	}
	c.Status = model.CompositeArchived
	c.UpdatedAt = now
	return nil
}

// CanDelete reports whether a composite may be removed outright. Only drafts
// qualify; rejected composites are kept as an audit trail.
func CanDelete(c *model.Composite) error {
	if c.Status != model.CompositeDraft {
		return invalid(c, "delete")
	}
	return nil
}

func checkOpen(wf *model.ApprovalWorkflow, action string) error {
	if wf != nil && wf.Status.Terminal() {
		return invalidWorkflow(wf, action)
	}
	return nil
}

func invalid(c *model.Composite, action string) error {
	return model.NewError(model.KindInvalidTransition, "cannot %s composite %s in status %s", action, c.ID, c.Status)
}

func invalidWorkflow(wf *model.ApprovalWorkflow, action string) error {
	if wf == nil {
		return model.NewError(model.KindInvalidTransition, "cannot %s: no approval workflow", action)
	}
	return model.NewError(model.KindInvalidTransition, "cannot %s: workflow %s is %s", action, wf.ID, wf.Status)
}
