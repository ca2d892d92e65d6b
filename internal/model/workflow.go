package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// WorkflowStatus is the state of the approval shadow record.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "PENDING"
	WorkflowInReview  WorkflowStatus = "IN_REVIEW"
	WorkflowApproved  WorkflowStatus = "APPROVED"
	WorkflowRejected  WorkflowStatus = "REJECTED"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
)

// Valid reports whether s is a known workflow status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowPending, WorkflowInReview, WorkflowApproved, WorkflowRejected, WorkflowCancelled:
		return true
	}
	return false
}

// Terminal reports whether the workflow is closed to further mutation.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowApproved || s == WorkflowRejected || s == WorkflowCancelled
}

// ParseWorkflowStatus parses a status case-insensitively.
func ParseWorkflowStatus(s string) (WorkflowStatus, error) {
	st := WorkflowStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", eris.Errorf("unknown workflow status %q", s)
	}
	return st, nil
}

// ApprovalWorkflow shadows a composite while it is under review.
type ApprovalWorkflow struct {
	ID              string         `json:"id" yaml:"id"`
	CompositeID     string         `json:"composite_id" yaml:"composite_id"`
	MaterialID      string         `json:"material_id" yaml:"material_id"`
	AssignedTo      string         `json:"assigned_to,omitempty" yaml:"assigned_to,omitempty"`
	AssignedBy      string         `json:"assigned_by,omitempty" yaml:"assigned_by,omitempty"`
	Status          WorkflowStatus `json:"status" yaml:"status"`
	ReviewComments  string         `json:"review_comments,omitempty" yaml:"review_comments,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty" yaml:"rejection_reason,omitempty"`
	Overridden      bool           `json:"overridden,omitempty" yaml:"overridden,omitempty"`
	CreatedAt       time.Time      `json:"created_at" yaml:"created_at"`
	AssignedAt      *time.Time     `json:"assigned_at,omitempty" yaml:"assigned_at,omitempty"`
	ReviewedAt      *time.Time     `json:"reviewed_at,omitempty" yaml:"reviewed_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}
