package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/composite-cli/internal/db"
	"github.com/sells-group/composite-cli/internal/model"
	"github.com/sells-group/composite-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"get_material":         `SELECT ` + materialColumns + ` FROM materials WHERE id = $1`,
	"get_material_by_code": `SELECT ` + materialColumns + ` FROM materials WHERE reference_code = $1`,
	"get_analysis":         `SELECT ` + analysisColumns + ` FROM analyses WHERE id = $1`,
	"get_composite":        `SELECT ` + compositeColumns + ` FROM composites WHERE id = $1`,
	"get_components":       `SELECT component_key, name, cas_number, percentage, component_type, confidence FROM composite_components WHERE composite_id = $1`,
	"next_version":         `INSERT INTO composite_versions (material_id, last_version) VALUES ($1, 1) ON CONFLICT (material_id) DO UPDATE SET last_version = composite_versions.last_version + 1 RETURNING last_version`,
	"get_workflow":         `SELECT ` + workflowColumns + ` FROM approval_workflows WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS materials (
	id             TEXT PRIMARY KEY,
	reference_code TEXT NOT NULL UNIQUE,
	name           TEXT NOT NULL,
	supplier       TEXT NOT NULL DEFAULT '',
	cas_number     TEXT NOT NULL DEFAULT '',
	material_type  TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	active         BOOLEAN NOT NULL DEFAULT true,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS analyses (
	id               TEXT PRIMARY KEY,
	material_id      TEXT NOT NULL REFERENCES materials(id),
	filename         TEXT NOT NULL DEFAULT '',
	batch_number     TEXT NOT NULL DEFAULT '',
	supplier         TEXT NOT NULL DEFAULT '',
	lab_technician   TEXT NOT NULL DEFAULT '',
	analysis_date    TIMESTAMPTZ,
	weight           DOUBLE PRECISION NOT NULL CHECK (weight > 0),
	components       JSONB NOT NULL,
	status           TEXT NOT NULL,
	processing_notes TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS composite_versions (
	material_id  TEXT PRIMARY KEY REFERENCES materials(id),
	last_version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS composites (
	id          TEXT PRIMARY KEY,
	material_id TEXT NOT NULL REFERENCES materials(id),
	version     INTEGER NOT NULL,
	origin      TEXT NOT NULL,
	status      TEXT NOT NULL,
	metadata    JSONB NOT NULL DEFAULT '{}',
	notes       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	approved_at TIMESTAMPTZ,
	UNIQUE (material_id, version)
);

CREATE TABLE IF NOT EXISTS composite_components (
	composite_id   TEXT NOT NULL REFERENCES composites(id) ON DELETE CASCADE,
	component_key  TEXT NOT NULL,
	name           TEXT NOT NULL,
	cas_number     TEXT NOT NULL DEFAULT '',
	percentage     DOUBLE PRECISION NOT NULL,
	component_type TEXT NOT NULL,
	confidence     DOUBLE PRECISION,
	PRIMARY KEY (composite_id, component_key)
);

CREATE TABLE IF NOT EXISTS approval_workflows (
	id               TEXT PRIMARY KEY,
	composite_id     TEXT NOT NULL UNIQUE REFERENCES composites(id) ON DELETE CASCADE,
	material_id      TEXT NOT NULL,
	assigned_to      TEXT NOT NULL DEFAULT '',
	assigned_by      TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	review_comments  TEXT NOT NULL DEFAULT '',
	rejection_reason TEXT NOT NULL DEFAULT '',
	overridden       BOOLEAN NOT NULL DEFAULT false,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	assigned_at      TIMESTAMPTZ,
	reviewed_at      TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	composite_id   TEXT NOT NULL,
	material_id    TEXT NOT NULL,
	payload        BYTEA NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_composites_one_pending
	ON composites(material_id) WHERE status = 'PENDING_APPROVAL';
CREATE INDEX IF NOT EXISTS idx_analyses_material ON analyses(material_id, created_at);
CREATE INDEX IF NOT EXISTS idx_composites_material ON composites(material_id, version DESC);
CREATE INDEX IF NOT EXISTS idx_composites_status ON composites(status);
CREATE INDEX IF NOT EXISTS idx_workflows_status ON approval_workflows(status);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- materials ---

func (s *PostgresStore) CreateMaterial(ctx context.Context, m *model.Material) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	stampCreate(&m.CreatedAt, &m.UpdatedAt)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO materials (`+materialColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.ReferenceCode, m.Name, m.Supplier, m.CASNumber, m.MaterialType, m.Description, m.Active, m.CreatedAt, m.UpdatedAt,
	)
	if db.IsUniqueViolation(err) {
		return model.NewError(model.KindValidation, "material with reference code %q already exists", m.ReferenceCode)
	}
	return eris.Wrap(err, "postgres: insert material")
}

func (s *PostgresStore) GetMaterial(ctx context.Context, id string) (*model.Material, error) {
	return scanMaterial(s.pool.QueryRow(ctx, `SELECT `+materialColumns+` FROM materials WHERE id = $1`, id), id)
}

func (s *PostgresStore) GetMaterialByCode(ctx context.Context, referenceCode string) (*model.Material, error) {
	return scanMaterial(s.pool.QueryRow(ctx,
		`SELECT `+materialColumns+` FROM materials WHERE reference_code = $1`, referenceCode), referenceCode)
}

func (s *PostgresStore) ListMaterials(ctx context.Context, filter MaterialFilter) ([]model.Material, error) {
	q := newPGQuery(`SELECT ` + materialColumns + ` FROM materials WHERE true`)
	if filter.ActiveOnly {
		q.where(`active = true`)
	}
	if filter.Search != "" {
		like := "%" + filter.Search + "%"
		q.where(`(reference_code ILIKE $%d OR name ILIKE $%d)`, like, like)
	}
	q.page(`reference_code`, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list materials")
	}
	defer rows.Close()

	var out []model.Material
	for rows.Next() {
		m, err := scanMaterial(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list materials iterate")
}

func (s *PostgresStore) SetMaterialActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE materials SET active = $1, updated_at = $2 WHERE id = $3`,
		active, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update material %s", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound("material", id)
	}
	return nil
}

// UpsertMaterials merges a catalog import through a COPY into a temp table.
func (s *PostgresStore) UpsertMaterials(ctx context.Context, materials []model.Material) (int64, error) {
	rows := make([][]any, 0, len(materials))
	for i := range materials {
		m := &materials[i]
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		stampCreate(&m.CreatedAt, &m.UpdatedAt)
		rows = append(rows, []any{
			m.ID, m.ReferenceCode, m.Name, m.Supplier, m.CASNumber, m.MaterialType, m.Description, m.Active, m.CreatedAt, m.UpdatedAt,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "materials",
		Columns:      []string{"id", "reference_code", "name", "supplier", "cas_number", "material_type", "description", "active", "created_at", "updated_at"},
		ConflictKeys: []string{"reference_code"},
		UpdateCols:   []string{"name", "supplier", "cas_number", "material_type", "description", "active", "updated_at"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert materials")
}

// --- analyses ---

func (s *PostgresStore) CreateAnalysis(ctx context.Context, a *model.AnalysisRecord) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	ledgerJSON, err := json.Marshal(a.Ledger)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal components")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO analyses (`+analysisColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.MaterialID, a.Filename, a.BatchNumber, a.Supplier, a.LabTechnician, a.AnalysisDate,
		a.Weight, ledgerJSON, string(a.Status), a.ProcessingNotes, a.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert analysis")
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, id string) (*model.AnalysisRecord, error) {
	return scanAnalysis(s.pool.QueryRow(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = $1`, id), id)
}

func (s *PostgresStore) ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]model.AnalysisRecord, error) {
	q := newPGQuery(`SELECT ` + analysisColumns + ` FROM analyses WHERE true`)
	if filter.MaterialID != "" {
		q.where(`material_id = $%d`, filter.MaterialID)
	}
	if filter.Status != "" {
		q.where(`status = $%d`, string(filter.Status))
	}
	q.page(`created_at, id`, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list analyses")
	}
	defer rows.Close()

	var out []model.AnalysisRecord
	for rows.Next() {
		a, err := scanAnalysis(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list analyses iterate")
}

// --- composites ---

var componentCopyColumns = []string{"composite_id", "component_key", "name", "cas_number", "percentage", "component_type", "confidence"}

func (s *PostgresStore) CreateComposite(ctx context.Context, c *model.Composite) error {
	metaJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal metadata")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: create composite: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var version int
	if err := tx.QueryRow(ctx, preparedStatements["next_version"], c.MaterialID).Scan(&version); err != nil {
		return eris.Wrapf(err, "postgres: next version for material %s", c.MaterialID)
	}

	id := uuid.New().String()
	created, updated := c.CreatedAt, c.UpdatedAt
	stampCreate(&created, &updated)

	_, err = tx.Exec(ctx,
		`INSERT INTO composites (`+compositeColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, c.MaterialID, version, string(c.Origin), string(c.Status), metaJSON, c.Notes, created, updated, c.ApprovedAt,
	)
	if db.IsUniqueViolation(err) {
		return conflict("material %s version %d already exists", c.MaterialID, version)
	}
	if err != nil {
		return eris.Wrap(err, "postgres: insert composite")
	}

	sorted := c.Ledger.Sorted()
	rows := make([][]any, 0, len(sorted))
	for _, comp := range sorted {
		rows = append(rows, []any{id, comp.Key, comp.Name, comp.CAS, comp.Percentage, string(comp.Type), comp.Confidence})
	}
	if _, err := db.CopyFrom(ctx, tx, "composite_components", componentCopyColumns, rows); err != nil {
		return eris.Wrap(err, "postgres: copy components")
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: create composite: commit")
	}
	c.ID, c.Version, c.CreatedAt, c.UpdatedAt = id, version, created, updated
	return nil
}

func (s *PostgresStore) GetComposite(ctx context.Context, id string) (*model.Composite, error) {
	c, err := scanComposite(s.pool.QueryRow(ctx, `SELECT `+compositeColumns+` FROM composites WHERE id = $1`, id), id)
	if err != nil {
		return nil, err
	}
	if c.Ledger, err = s.loadComponents(ctx, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) ListComposites(ctx context.Context, filter CompositeFilter) ([]model.Composite, error) {
	q := newPGQuery(`SELECT ` + compositeColumns + ` FROM composites WHERE true`)
	if filter.MaterialID != "" {
		q.where(`material_id = $%d`, filter.MaterialID)
	}
	if filter.Status != "" {
		q.where(`status = $%d`, string(filter.Status))
	}
	if !filter.CreatedBefore.IsZero() {
		q.where(`created_at < $%d`, filter.CreatedBefore.UTC())
	}
	q.page(`version DESC, created_at DESC`, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list composites")
	}
	var out []model.Composite
	for rows.Next() {
		c, err := scanComposite(rows, "")
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list composites iterate")
	}

	for i := range out {
		if out[i].Ledger, err = s.loadComponents(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) loadComponents(ctx context.Context, compositeID string) (model.Ledger, error) {
	rows, err := s.pool.Query(ctx, preparedStatements["get_components"], compositeID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load components for %s", compositeID)
	}
	defer rows.Close()

	ledger := model.Ledger{}
	for rows.Next() {
		var c model.Component
		var ctype string
		if err := rows.Scan(&c.Key, &c.Name, &c.CAS, &c.Percentage, &ctype, &c.Confidence); err != nil {
			return nil, eris.Wrap(err, "postgres: scan component")
		}
		c.Type = model.ComponentType(ctype)
		ledger[c.Key] = c
	}
	return ledger, eris.Wrap(rows.Err(), "postgres: load components iterate")
}

// DeleteComposite removes a composite; components and workflow rows cascade.
func (s *PostgresStore) DeleteComposite(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM composites WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete composite %s", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound("composite", id)
	}
	return nil
}

// --- workflows ---

func (s *PostgresStore) SaveTransition(ctx context.Context, t Transition) error {
	c := t.Composite
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: save transition: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	tag, err := tx.Exec(ctx,
		`UPDATE composites SET status = $1, approved_at = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		string(c.Status), c.ApprovedAt, c.UpdatedAt, c.ID, string(t.From),
	)
	if db.IsUniqueViolation(err) {
		return conflict("material %s already has a composite pending approval", c.MaterialID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: update composite %s", c.ID)
	}
	if tag.RowsAffected() == 0 {
		return pgGuardMiss(ctx, tx, "composites", "composite", c.ID, string(t.From))
	}

	if t.Workflow != nil {
		if err := savePGWorkflow(ctx, tx, t.Workflow, t.WorkflowFrom); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: save transition: commit")
}

func savePGWorkflow(ctx context.Context, tx pgx.Tx, wf *model.ApprovalWorkflow, from model.WorkflowStatus) error {
	if wf.ID == "" {
		id := uuid.New().String()
		if wf.CreatedAt.IsZero() {
			wf.CreatedAt = time.Now().UTC()
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO approval_workflows (`+workflowColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			id, wf.CompositeID, wf.MaterialID, wf.AssignedTo, wf.AssignedBy, string(wf.Status),
			wf.ReviewComments, wf.RejectionReason, wf.Overridden, wf.CreatedAt,
			wf.AssignedAt, wf.ReviewedAt, wf.CompletedAt,
		)
		if db.IsUniqueViolation(err) {
			return conflict("composite %s already has a workflow", wf.CompositeID)
		}
		if err != nil {
			return eris.Wrap(err, "postgres: insert workflow")
		}
		wf.ID = id
		return nil
	}

	tag, err := tx.Exec(ctx,
		`UPDATE approval_workflows SET assigned_to = $1, assigned_by = $2, status = $3, review_comments = $4,
		   rejection_reason = $5, overridden = $6, assigned_at = $7, reviewed_at = $8, completed_at = $9
		 WHERE id = $10 AND status = $11`,
		wf.AssignedTo, wf.AssignedBy, string(wf.Status), wf.ReviewComments, wf.RejectionReason, wf.Overridden,
		wf.AssignedAt, wf.ReviewedAt, wf.CompletedAt, wf.ID, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update workflow %s", wf.ID)
	}
	if tag.RowsAffected() == 0 {
		return pgGuardMiss(ctx, tx, "approval_workflows", "workflow", wf.ID, string(from))
	}
	return nil
}

// pgGuardMiss tells a missing row from one that left the expected status
// since it was read.
func pgGuardMiss(ctx context.Context, tx pgx.Tx, table, entity, id, from string) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM `+table+` WHERE id = $1`, id).Scan(&status)
	if isNoRows(err) {
		return notFound(entity, id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: read %s %s", entity, id)
	}
	return conflict("%s %s is now %s, not %s", entity, id, status, from)
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*model.ApprovalWorkflow, error) {
	return scanWorkflow(s.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM approval_workflows WHERE id = $1`, id), "workflow", id)
}

func (s *PostgresStore) GetWorkflowByComposite(ctx context.Context, compositeID string) (*model.ApprovalWorkflow, error) {
	return scanWorkflow(s.pool.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM approval_workflows WHERE composite_id = $1`, compositeID), "workflow for composite", compositeID)
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]model.ApprovalWorkflow, error) {
	q := newPGQuery(`SELECT ` + workflowColumns + ` FROM approval_workflows WHERE true`)
	if filter.Status != "" {
		q.where(`status = $%d`, string(filter.Status))
	}
	if filter.AssignedTo != "" {
		q.where(`assigned_to = $%d`, filter.AssignedTo)
	}
	if filter.MaterialID != "" {
		q.where(`material_id = $%d`, filter.MaterialID)
	}
	q.page(`created_at DESC`, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list workflows")
	}
	defer rows.Close()

	var out []model.ApprovalWorkflow
	for rows.Next() {
		wf, err := scanWorkflow(rows, "workflow", "")
		if err != nil {
			return nil, err
		}
		out = append(out, *wf)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list workflows iterate")
}

// --- dead letter queue ---

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastFailedAt.IsZero() {
		entry.LastFailedAt = now
	}
	if entry.NextRetryAt.IsZero() {
		entry.NextRetryAt = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue (`+dlqColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $5, error_type = $6, retry_count = $7, next_retry_at = $9, last_failed_at = $11`,
		entry.ID, entry.CompositeID, entry.MaterialID, entry.Payload, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	q := newPGQuery(`SELECT ` + dlqColumns + ` FROM dead_letter_queue WHERE next_retry_at <= now() AND retry_count < max_retries`)
	if filter.ErrorType != "" {
		q.where(`error_type = $%d`, filter.ErrorType)
	}
	q.page(`next_retry_at ASC`, filter.Limit, 0)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.CompositeID, &e.MaterialID, &e.Payload, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound("dlq entry", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

// helpers

// pgQuery builds a filtered query with numbered placeholders.
type pgQuery struct {
	sql  string
	args []any
}

func newPGQuery(base string) *pgQuery {
	return &pgQuery{sql: base}
}

// where appends a condition; each %d in cond is replaced by the next
// placeholder number, consuming one arg.
func (q *pgQuery) where(cond string, args ...any) {
	nums := make([]any, len(args))
	for i := range args {
		nums[i] = len(q.args) + i + 1
	}
	q.sql += ` AND ` + fmt.Sprintf(cond, nums...)
	q.args = append(q.args, args...)
}

func (q *pgQuery) page(orderBy string, limit, offset int) {
	q.args = append(q.args, limitOrDefault(limit))
	q.sql += fmt.Sprintf(` ORDER BY %s LIMIT $%d`, orderBy, len(q.args))
	if offset > 0 {
		q.args = append(q.args, offset)
		q.sql += fmt.Sprintf(` OFFSET $%d`, len(q.args))
	}
}
