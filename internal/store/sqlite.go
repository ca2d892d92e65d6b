package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/composite-cli/internal/model"
	"github.com/sells-group/composite-cli/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// The pool is limited to one connection: SQLite allows a single writer, and a
// shared connection keeps per-connection pragmas in force.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS materials (
	id             TEXT PRIMARY KEY,
	reference_code TEXT NOT NULL UNIQUE,
	name           TEXT NOT NULL,
	supplier       TEXT NOT NULL DEFAULT '',
	cas_number     TEXT NOT NULL DEFAULT '',
	material_type  TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	active         INTEGER NOT NULL DEFAULT 1,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS analyses (
	id               TEXT PRIMARY KEY,
	material_id      TEXT NOT NULL REFERENCES materials(id),
	filename         TEXT NOT NULL DEFAULT '',
	batch_number     TEXT NOT NULL DEFAULT '',
	supplier         TEXT NOT NULL DEFAULT '',
	lab_technician   TEXT NOT NULL DEFAULT '',
	analysis_date    DATETIME,
	weight           REAL NOT NULL,
	components       TEXT NOT NULL,
	status           TEXT NOT NULL,
	processing_notes TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL
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
	metadata    TEXT NOT NULL DEFAULT '{}',
	notes       TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL,
	approved_at DATETIME,
	UNIQUE (material_id, version)
);

CREATE TABLE IF NOT EXISTS composite_components (
	composite_id   TEXT NOT NULL REFERENCES composites(id),
	component_key  TEXT NOT NULL,
	name           TEXT NOT NULL,
	cas_number     TEXT NOT NULL DEFAULT '',
	percentage     REAL NOT NULL,
	component_type TEXT NOT NULL,
	confidence     REAL,
	PRIMARY KEY (composite_id, component_key)
);

CREATE TABLE IF NOT EXISTS approval_workflows (
	id               TEXT PRIMARY KEY,
	composite_id     TEXT NOT NULL UNIQUE REFERENCES composites(id),
	material_id      TEXT NOT NULL,
	assigned_to      TEXT NOT NULL DEFAULT '',
	assigned_by      TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	review_comments  TEXT NOT NULL DEFAULT '',
	rejection_reason TEXT NOT NULL DEFAULT '',
	overridden       INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	assigned_at      DATETIME,
	reviewed_at      DATETIME,
	completed_at     DATETIME
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	composite_id   TEXT NOT NULL,
	material_id    TEXT NOT NULL,
	payload        BLOB NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_composites_one_pending
	ON composites(material_id) WHERE status = 'PENDING_APPROVAL';
CREATE INDEX IF NOT EXISTS idx_analyses_material ON analyses(material_id, created_at);
CREATE INDEX IF NOT EXISTS idx_composites_material ON composites(material_id, version);
CREATE INDEX IF NOT EXISTS idx_composites_status ON composites(status);
CREATE INDEX IF NOT EXISTS idx_workflows_status ON approval_workflows(status);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- materials ---

const materialColumns = `id, reference_code, name, supplier, cas_number, material_type, description, active, created_at, updated_at`

func (s *SQLiteStore) CreateMaterial(ctx context.Context, m *model.Material) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	stampCreate(&m.CreatedAt, &m.UpdatedAt)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO materials (`+materialColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ReferenceCode, m.Name, m.Supplier, m.CASNumber, m.MaterialType, m.Description, m.Active, m.CreatedAt, m.UpdatedAt,
	)
	if isSQLiteUnique(err) {
		return model.NewError(model.KindValidation, "material with reference code %q already exists", m.ReferenceCode)
	}
	return eris.Wrap(err, "sqlite: insert material")
}

func (s *SQLiteStore) GetMaterial(ctx context.Context, id string) (*model.Material, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+materialColumns+` FROM materials WHERE id = ?`, id)
	return scanMaterial(row, id)
}

func (s *SQLiteStore) GetMaterialByCode(ctx context.Context, referenceCode string) (*model.Material, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+materialColumns+` FROM materials WHERE reference_code = ?`, referenceCode)
	return scanMaterial(row, referenceCode)
}

func (s *SQLiteStore) ListMaterials(ctx context.Context, filter MaterialFilter) ([]model.Material, error) {
	query := `SELECT ` + materialColumns + ` FROM materials WHERE 1=1`
	var args []any

	if filter.ActiveOnly {
		query += ` AND active = 1`
	}
	if filter.Search != "" {
		query += ` AND (reference_code LIKE ? OR name LIKE ?)`
		like := "%" + filter.Search + "%"
		args = append(args, like, like)
	}
	query += ` ORDER BY reference_code LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list materials")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Material
	for rows.Next() {
		m, err := scanMaterial(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list materials iterate")
}

func (s *SQLiteStore) SetMaterialActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE materials SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update material %s", id)
	}
	return checkRowsAffected(res, "material", id)
}

func (s *SQLiteStore) UpsertMaterials(ctx context.Context, materials []model.Material) (int64, error) {
	if len(materials) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert materials: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var n int64
	for i := range materials {
		m := &materials[i]
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		stampCreate(&m.CreatedAt, &m.UpdatedAt)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO materials (`+materialColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (reference_code) DO UPDATE SET
			   name = excluded.name, supplier = excluded.supplier, cas_number = excluded.cas_number,
			   material_type = excluded.material_type, description = excluded.description,
			   active = excluded.active, updated_at = excluded.updated_at`,
			m.ID, m.ReferenceCode, m.Name, m.Supplier, m.CASNumber, m.MaterialType, m.Description, m.Active, m.CreatedAt, m.UpdatedAt,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert material %s", m.ReferenceCode)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert materials: commit")
	}
	return n, nil
}

// --- analyses ---

const analysisColumns = `id, material_id, filename, batch_number, supplier, lab_technician, analysis_date, weight, components, status, processing_notes, created_at`

func (s *SQLiteStore) CreateAnalysis(ctx context.Context, a *model.AnalysisRecord) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	ledgerJSON, err := json.Marshal(a.Ledger)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal components")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analyses (`+analysisColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.MaterialID, a.Filename, a.BatchNumber, a.Supplier, a.LabTechnician, nullTime(a.AnalysisDate),
		a.Weight, string(ledgerJSON), string(a.Status), a.ProcessingNotes, a.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert analysis")
}

func (s *SQLiteStore) GetAnalysis(ctx context.Context, id string) (*model.AnalysisRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = ?`, id)
	return scanAnalysis(row, id)
}

func (s *SQLiteStore) ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]model.AnalysisRecord, error) {
	query := `SELECT ` + analysisColumns + ` FROM analyses WHERE 1=1`
	var args []any

	if filter.MaterialID != "" {
		query += ` AND material_id = ?`
		args = append(args, filter.MaterialID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list analyses")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AnalysisRecord
	for rows.Next() {
		a, err := scanAnalysis(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list analyses iterate")
}

// --- composites ---

const compositeColumns = `id, material_id, version, origin, status, metadata, notes, created_at, updated_at, approved_at`

func (s *SQLiteStore) CreateComposite(ctx context.Context, c *model.Composite) error {
	metaJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal metadata")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: create composite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var version int
	err = tx.QueryRowContext(ctx,
		`INSERT INTO composite_versions (material_id, last_version) VALUES (?, 1)
		 ON CONFLICT (material_id) DO UPDATE SET last_version = last_version + 1
		 RETURNING last_version`,
		c.MaterialID,
	).Scan(&version)
	if err != nil {
		return eris.Wrapf(err, "sqlite: next version for material %s", c.MaterialID)
	}

	id := uuid.New().String()
	created, updated := c.CreatedAt, c.UpdatedAt
	stampCreate(&created, &updated)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO composites (`+compositeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, c.MaterialID, version, string(c.Origin), string(c.Status), string(metaJSON), c.Notes, created, updated, nullTime(c.ApprovedAt),
	)
	if isSQLiteUnique(err) {
		return conflict("material %s version %d already exists", c.MaterialID, version)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: insert composite")
	}

	for _, comp := range c.Ledger.Sorted() {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO composite_components (composite_id, component_key, name, cas_number, percentage, component_type, confidence)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, comp.Key, comp.Name, comp.CAS, comp.Percentage, string(comp.Type), comp.Confidence,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert component %s", comp.Key)
		}
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: create composite: commit")
	}
	c.ID, c.Version, c.CreatedAt, c.UpdatedAt = id, version, created, updated
	return nil
}

func (s *SQLiteStore) GetComposite(ctx context.Context, id string) (*model.Composite, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+compositeColumns+` FROM composites WHERE id = ?`, id)
	c, err := scanComposite(row, id)
	if err != nil {
		return nil, err
	}
	if c.Ledger, err = s.loadComponents(ctx, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) ListComposites(ctx context.Context, filter CompositeFilter) ([]model.Composite, error) {
	query := `SELECT ` + compositeColumns + ` FROM composites WHERE 1=1`
	var args []any

	if filter.MaterialID != "" {
		query += ` AND material_id = ?`
		args = append(args, filter.MaterialID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedBefore.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, filter.CreatedBefore.UTC())
	}
	query += ` ORDER BY version DESC, created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	out, err := s.queryComposites(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	// Components load after the listing cursor is closed; the pool has one
	// connection.
	for i := range out {
		if out[i].Ledger, err = s.loadComponents(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) queryComposites(ctx context.Context, query string, args ...any) ([]model.Composite, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list composites")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Composite
	for rows.Next() {
		c, err := scanComposite(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list composites iterate")
}

func (s *SQLiteStore) loadComponents(ctx context.Context, compositeID string) (model.Ledger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT component_key, name, cas_number, percentage, component_type, confidence
		 FROM composite_components WHERE composite_id = ?`,
		compositeID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load components for %s", compositeID)
	}
	defer rows.Close() //nolint:errcheck

	ledger := model.Ledger{}
	for rows.Next() {
		var c model.Component
		var conf sql.NullFloat64
		if err := rows.Scan(&c.Key, &c.Name, &c.CAS, &c.Percentage, &c.Type, &conf); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan component")
		}
		if conf.Valid {
			v := conf.Float64
			c.Confidence = &v
		}
		ledger[c.Key] = c
	}
	return ledger, eris.Wrap(rows.Err(), "sqlite: load components iterate")
}

func (s *SQLiteStore) DeleteComposite(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: delete composite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, q := range []string{
		`DELETE FROM composite_components WHERE composite_id = ?`,
		`DELETE FROM approval_workflows WHERE composite_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return eris.Wrapf(err, "sqlite: delete composite %s", id)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM composites WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete composite %s", id)
	}
	if err := checkRowsAffected(res, "composite", id); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: delete composite: commit")
}

// --- workflows ---

const workflowColumns = `id, composite_id, material_id, assigned_to, assigned_by, status, review_comments, rejection_reason, overridden, created_at, assigned_at, reviewed_at, completed_at`

func (s *SQLiteStore) SaveTransition(ctx context.Context, t Transition) error {
	c := t.Composite
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: save transition: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE composites SET status = ?, approved_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(c.Status), nullTime(c.ApprovedAt), c.UpdatedAt, c.ID, string(t.From),
	)
	if isSQLiteUnique(err) {
		return conflict("material %s already has a composite pending approval", c.MaterialID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: update composite %s", c.ID)
	}
	if err := checkGuarded(ctx, tx, res, "composites", "composite", c.ID, string(t.From)); err != nil {
		return err
	}

	if t.Workflow != nil {
		if err := s.saveWorkflow(ctx, tx, t.Workflow, t.WorkflowFrom); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: save transition: commit")
}

func (s *SQLiteStore) saveWorkflow(ctx context.Context, tx *sql.Tx, wf *model.ApprovalWorkflow, from model.WorkflowStatus) error {
	if wf.ID == "" {
		id := uuid.New().String()
		if wf.CreatedAt.IsZero() {
			wf.CreatedAt = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO approval_workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, wf.CompositeID, wf.MaterialID, wf.AssignedTo, wf.AssignedBy, string(wf.Status),
			wf.ReviewComments, wf.RejectionReason, wf.Overridden, wf.CreatedAt,
			nullTime(wf.AssignedAt), nullTime(wf.ReviewedAt), nullTime(wf.CompletedAt),
		)
		if isSQLiteUnique(err) {
			return conflict("composite %s already has a workflow", wf.CompositeID)
		}
		if err != nil {
			return eris.Wrap(err, "sqlite: insert workflow")
		}
		wf.ID = id
		return nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE approval_workflows SET assigned_to = ?, assigned_by = ?, status = ?, review_comments = ?,
		   rejection_reason = ?, overridden = ?, assigned_at = ?, reviewed_at = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		wf.AssignedTo, wf.AssignedBy, string(wf.Status), wf.ReviewComments, wf.RejectionReason, wf.Overridden,
		nullTime(wf.AssignedAt), nullTime(wf.ReviewedAt), nullTime(wf.CompletedAt), wf.ID, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update workflow %s", wf.ID)
	}
	return checkGuarded(ctx, tx, res, "approval_workflows", "workflow", wf.ID, string(from))
}

// checkGuarded tells a missing row from one that left the expected status
// since it was read.
func checkGuarded(ctx context.Context, tx *sql.Tx, res sql.Result, table, entity, id, from string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n > 0 {
		return nil
	}
	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM `+table+` WHERE id = ?`, id).Scan(&status)
	if isNoRows(err) {
		return notFound(entity, id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read %s %s", entity, id)
	}
	return conflict("%s %s is now %s, not %s", entity, id, status, from)
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*model.ApprovalWorkflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM approval_workflows WHERE id = ?`, id)
	return scanWorkflow(row, "workflow", id)
}

func (s *SQLiteStore) GetWorkflowByComposite(ctx context.Context, compositeID string) (*model.ApprovalWorkflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM approval_workflows WHERE composite_id = ?`, compositeID)
	return scanWorkflow(row, "workflow for composite", compositeID)
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]model.ApprovalWorkflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM approval_workflows WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.AssignedTo != "" {
		query += ` AND assigned_to = ?`
		args = append(args, filter.AssignedTo)
	}
	if filter.MaterialID != "" {
		query += ` AND material_id = ?`
		args = append(args, filter.MaterialID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list workflows")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ApprovalWorkflow
	for rows.Next() {
		wf, err := scanWorkflow(rows, "workflow", "")
		if err != nil {
			return nil, err
		}
		out = append(out, *wf)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list workflows iterate")
}

// --- dead letter queue ---

const dlqColumns = `id, composite_id, material_id, payload, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at`

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue (`+dlqColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type, retry_count = excluded.retry_count,
		   next_retry_at = excluded.next_retry_at, last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.CompositeID, entry.MaterialID, entry.Payload, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT ` + dlqColumns + ` FROM dead_letter_queue WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{time.Now().UTC()}

	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close() //nolint:errcheck

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.CompositeID, &e.MaterialID, &e.Payload, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt.UTC(), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanMaterial(row scannable, id string) (*model.Material, error) {
	var m model.Material
	err := row.Scan(&m.ID, &m.ReferenceCode, &m.Name, &m.Supplier, &m.CASNumber, &m.MaterialType,
		&m.Description, &m.Active, &m.CreatedAt, &m.UpdatedAt)
	if isNoRows(err) {
		return nil, notFound("material", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan material")
	}
	return &m, nil
}

func scanAnalysis(row scannable, id string) (*model.AnalysisRecord, error) {
	var a model.AnalysisRecord
	var date sql.NullTime
	var ledgerJSON string
	err := row.Scan(&a.ID, &a.MaterialID, &a.Filename, &a.BatchNumber, &a.Supplier, &a.LabTechnician,
		&date, &a.Weight, &ledgerJSON, &a.Status, &a.ProcessingNotes, &a.CreatedAt)
	if isNoRows(err) {
		return nil, notFound("analysis", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan analysis")
	}
	a.AnalysisDate = timePtr(date)
	if err := json.Unmarshal([]byte(ledgerJSON), &a.Ledger); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal components")
	}
	return &a, nil
}

func scanComposite(row scannable, id string) (*model.Composite, error) {
	var c model.Composite
	var metaJSON string
	var approved sql.NullTime
	err := row.Scan(&c.ID, &c.MaterialID, &c.Version, &c.Origin, &c.Status, &metaJSON, &c.Notes,
		&c.CreatedAt, &c.UpdatedAt, &approved)
	if isNoRows(err) {
		return nil, notFound("composite", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan composite")
	}
	c.ApprovedAt = timePtr(approved)
	if err := json.Unmarshal([]byte(metaJSON), &c.Metadata); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal metadata")
	}
	return &c, nil
}

func scanWorkflow(row scannable, entity, id string) (*model.ApprovalWorkflow, error) {
	var wf model.ApprovalWorkflow
	var assigned, reviewed, completed sql.NullTime
	err := row.Scan(&wf.ID, &wf.CompositeID, &wf.MaterialID, &wf.AssignedTo, &wf.AssignedBy, &wf.Status,
		&wf.ReviewComments, &wf.RejectionReason, &wf.Overridden, &wf.CreatedAt, &assigned, &reviewed, &completed)
	if isNoRows(err) {
		return nil, notFound(entity, id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan workflow")
	}
	wf.AssignedAt, wf.ReviewedAt, wf.CompletedAt = timePtr(assigned), timePtr(reviewed), timePtr(completed)
	return &wf, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
