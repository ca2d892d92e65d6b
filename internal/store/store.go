// Package store persists materials, analyses, composites, and approval
// workflows. SQLite serves single-user installs; Postgres serves shared ones.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sells-group/composite-cli/internal/model"
	"github.com/sells-group/composite-cli/internal/resilience"
)

// MaterialFilter specifies criteria for listing materials.
type MaterialFilter struct {
	ActiveOnly bool   `json:"active_only,omitempty"`
	Search     string `json:"search,omitempty"` // substring of reference code or name
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

// AnalysisFilter specifies criteria for listing analysis records.
type AnalysisFilter struct {
	MaterialID string                 `json:"material_id,omitempty"`
	Status     model.ProcessingStatus `json:"status,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
	Offset     int                    `json:"offset,omitempty"`
}

// CompositeFilter specifies criteria for listing composites. Results are
// ordered by version, newest first.
type CompositeFilter struct {
	MaterialID    string                `json:"material_id,omitempty"`
	Status        model.CompositeStatus `json:"status,omitempty"`
	CreatedBefore time.Time             `json:"created_before,omitempty"`
	Limit         int                   `json:"limit,omitempty"`
	Offset        int                   `json:"offset,omitempty"`
}

// WorkflowFilter specifies criteria for listing approval workflows.
type WorkflowFilter struct {
	Status     model.WorkflowStatus `json:"status,omitempty"`
	AssignedTo string               `json:"assigned_to,omitempty"`
	MaterialID string               `json:"material_id,omitempty"`
	Limit      int                  `json:"limit,omitempty"`
	Offset     int                  `json:"offset,omitempty"`
}

// Store defines the persistence interface for the composite engine. Lookups
// of missing rows fail with model.ErrNotFound; unique-constraint races fail
// with model.ErrConcurrencyConflict.
type Store interface {
	// Materials
	CreateMaterial(ctx context.Context, m *model.Material) error
	GetMaterial(ctx context.Context, id string) (*model.Material, error)
	GetMaterialByCode(ctx context.Context, referenceCode string) (*model.Material, error)
	ListMaterials(ctx context.Context, filter MaterialFilter) ([]model.Material, error)
	SetMaterialActive(ctx context.Context, id string, active bool) error
	// UpsertMaterials inserts or updates materials keyed by reference code.
	UpsertMaterials(ctx context.Context, materials []model.Material) (int64, error)

	// Analyses
	CreateAnalysis(ctx context.Context, a *model.AnalysisRecord) error
	GetAnalysis(ctx context.Context, id string) (*model.AnalysisRecord, error)
	ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]model.AnalysisRecord, error)

	// Composites
	// CreateComposite assigns the id and the material's next version number
	// in the same transaction that inserts the composite.
	CreateComposite(ctx context.Context, c *model.Composite) error
	GetComposite(ctx context.Context, id string) (*model.Composite, error)
	ListComposites(ctx context.Context, filter CompositeFilter) ([]model.Composite, error)
	DeleteComposite(ctx context.Context, id string) error

	// Workflows
	// SaveTransition writes a composite's status change together with its
	// workflow. A workflow with an empty ID is inserted and assigned one.
	SaveTransition(ctx context.Context, t Transition) error
	GetWorkflow(ctx context.Context, id string) (*model.ApprovalWorkflow, error)
	GetWorkflowByComposite(ctx context.Context, compositeID string) (*model.ApprovalWorkflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]model.ApprovalWorkflow, error)

	// Undelivered drift alerts
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultLimit = 100

func limitOrDefault(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	return n
}

// Transition is a status change together with the states the rows were read
// in. The write only applies while both rows are still in those states;
// otherwise it fails with ErrConcurrencyConflict and nothing is written.
type Transition struct {
	Composite *model.Composite
	From      model.CompositeStatus
	// Workflow is optional. WorkflowFrom is ignored when it is being inserted.
	Workflow     *model.ApprovalWorkflow
	WorkflowFrom model.WorkflowStatus
}

func notFound(entity, id string) error {
	return model.NewError(model.KindNotFound, "%s %s", entity, id)
}

// isNoRows matches the empty-result error of either driver.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

func conflict(format string, args ...any) error {
	return model.NewError(model.KindConcurrencyConflict, format, args...)
}

// nullTime converts an optional time for a nullable column.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func stampCreate(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = *created
	}
}
