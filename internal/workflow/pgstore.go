package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/approvals/model"
)

const pgUniqueViolation = "23505"

// Schema is the DDL applied by Migrate. All statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS approval_steps (
	id            TEXT PRIMARY KEY,
	workflow_type TEXT NOT NULL,
	name          TEXT NOT NULL,
	step_order    INTEGER NOT NULL,
	parallel      BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS approval_steps_workflow_type_idx ON approval_steps (workflow_type, step_order);

CREATE TABLE IF NOT EXISTS approval_dependencies (
	id             TEXT PRIMARY KEY,
	workflow_type  TEXT NOT NULL,
	parent_step_id TEXT NOT NULL REFERENCES approval_steps (id),
	child_step_id  TEXT NOT NULL REFERENCES approval_steps (id),
	kind           TEXT NOT NULL,
	CHECK (parent_step_id <> child_step_id)
);
CREATE INDEX IF NOT EXISTS approval_dependencies_child_idx ON approval_dependencies (child_step_id);
CREATE INDEX IF NOT EXISTS approval_dependencies_parent_idx ON approval_dependencies (parent_step_id);

CREATE TABLE IF NOT EXISTS approval_conditions (
	id                   TEXT PRIMARY KEY,
	dependency_id        TEXT NOT NULL REFERENCES approval_dependencies (id) ON DELETE CASCADE,
	required_approval_id TEXT NOT NULL,
	required_status      TEXT NOT NULL,
	parameter            TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS approval_requests (
	id             TEXT PRIMARY KEY,
	workflow_type  TEXT NOT NULL,
	subject        TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	requester_id   TEXT NOT NULL,
	predecessor_id TEXT NOT NULL DEFAULT '',
	amount         DOUBLE PRECISION NOT NULL DEFAULT 0,
	department     TEXT NOT NULL DEFAULT '',
	attributes     JSONB,
	version        INTEGER NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS approval_requests_status_idx ON approval_requests (status, created_at);

CREATE TABLE IF NOT EXISTS approval_records (
	id                  TEXT PRIMARY KEY,
	request_id          TEXT NOT NULL REFERENCES approval_requests (id),
	step_id             TEXT NOT NULL REFERENCES approval_steps (id),
	approver_id         TEXT NOT NULL,
	status              TEXT NOT NULL,
	decisive_comment_id TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS approval_records_triple_idx ON approval_records (request_id, step_id, approver_id);

CREATE TABLE IF NOT EXISTS approval_comments (
	id          TEXT PRIMARY KEY,
	request_id  TEXT NOT NULL REFERENCES approval_requests (id),
	approval_id TEXT NOT NULL DEFAULT '',
	parent_id   TEXT NOT NULL DEFAULT '',
	author_id   TEXT NOT NULL,
	body        TEXT NOT NULL,
	decisive    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS approval_comments_request_idx ON approval_comments (request_id, created_at);
`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate applies Schema.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InstallGraph stores the graph of one workflow type in a single transaction.
func (s *PgStore) InstallGraph(ctx context.Context, workflowType string, steps []model.Step, deps []model.Dependency, conds []model.Condition) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		keep := make([]string, 0, len(steps))
		for _, st := range steps {
			keep = append(keep, st.ID)
		}

		var referenced string
		err := tx.QueryRow(ctx, `
			SELECT s.id FROM approval_steps s
			WHERE s.workflow_type = $1 AND NOT (s.id = ANY($2))
			  AND EXISTS (SELECT 1 FROM approval_records r WHERE r.step_id = s.id)
			LIMIT 1`,
			workflowType, keep,
		).Scan(&referenced)
		if err == nil {
			return model.NewConflictError(
				fmt.Sprintf("step %q is referenced by approval records and cannot be removed", referenced),
			)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("check referenced steps: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM approval_dependencies WHERE workflow_type = $1`, workflowType); err != nil {
			return fmt.Errorf("delete dependencies: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM approval_steps WHERE workflow_type = $1 AND NOT (id = ANY($2))`, workflowType, keep); err != nil {
			return fmt.Errorf("delete steps: %w", err)
		}

		for _, st := range steps {
			_, err := tx.Exec(ctx, `
				INSERT INTO approval_steps (id, workflow_type, name, step_order, parallel)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO UPDATE SET
					workflow_type = EXCLUDED.workflow_type,
					name = EXCLUDED.name,
					step_order = EXCLUDED.step_order,
					parallel = EXCLUDED.parallel`,
				st.ID, workflowType, st.Name, st.Order, st.Parallel,
			)
			if err != nil {
				return fmt.Errorf("upsert step %s: %w", st.ID, err)
			}
		}
		for _, d := range deps {
			_, err := tx.Exec(ctx, `
				INSERT INTO approval_dependencies (id, workflow_type, parent_step_id, child_step_id, kind)
				VALUES ($1, $2, $3, $4, $5)`,
				d.ID, workflowType, d.ParentStepID, d.ChildStepID, string(d.Kind),
			)
			if err != nil {
				return fmt.Errorf("insert dependency %s: %w", d.ID, conflictOnUnique(err, "dependency "+d.ID))
			}
		}
		for _, c := range conds {
			if err := insertCondition(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadSteps returns the steps of a workflow type.
func (s *PgStore) LoadSteps(ctx context.Context, workflowType string) ([]model.Step, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_type, name, step_order, parallel
		FROM approval_steps
		WHERE workflow_type = $1
		ORDER BY step_order ASC, id ASC`,
		workflowType,
	)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	steps, err := pgx.CollectRows(rows, scanStep)
	if err != nil {
		return nil, fmt.Errorf("scan steps: %w", err)
	}
	if len(steps) == 0 {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("workflow type %q has no steps", workflowType),
		)
	}
	return steps, nil
}

// LoadStep returns a single step.
func (s *PgStore) LoadStep(ctx context.Context, stepID string) (model.Step, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_type, name, step_order, parallel
		FROM approval_steps
		WHERE id = $1`,
		stepID,
	)
	if err != nil {
		return model.Step{}, fmt.Errorf("query step: %w", err)
	}
	st, err := pgx.CollectExactlyOneRow(rows, scanStep)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Step{}, stepNotFound(stepID)
	}
	if err != nil {
		return model.Step{}, fmt.Errorf("scan step: %w", err)
	}
	return st, nil
}

// LoadDependencies returns the dependencies whose child is childStepID.
func (s *PgStore) LoadDependencies(ctx context.Context, childStepID string) ([]model.Dependency, error) {
	return s.queryEdges(ctx, "child_step_id", childStepID)
}

// LoadDependents returns the dependencies whose parent is parentStepID.
func (s *PgStore) LoadDependents(ctx context.Context, parentStepID string) ([]model.Dependency, error) {
	return s.queryEdges(ctx, "parent_step_id", parentStepID)
}

func (s *PgStore) queryEdges(ctx context.Context, column, stepID string) ([]model.Dependency, error) {
	if err := s.exists(ctx, "approval_steps", stepID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, stepNotFound(stepID)
		}
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_type, parent_step_id, child_step_id, kind
		FROM approval_dependencies
		WHERE `+column+` = $1
		ORDER BY id ASC`,
		stepID,
	)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	deps, err := pgx.CollectRows(rows, scanDependency)
	if err != nil {
		return nil, fmt.Errorf("scan dependencies: %w", err)
	}
	return deps, nil
}

// LoadDependency returns a single dependency.
func (s *PgStore) LoadDependency(ctx context.Context, dependencyID string) (model.Dependency, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_type, parent_step_id, child_step_id, kind
		FROM approval_dependencies
		WHERE id = $1`,
		dependencyID,
	)
	if err != nil {
		return model.Dependency{}, fmt.Errorf("query dependency: %w", err)
	}
	d, err := pgx.CollectExactlyOneRow(rows, scanDependency)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Dependency{}, dependencyNotFound(dependencyID)
	}
	if err != nil {
		return model.Dependency{}, fmt.Errorf("scan dependency: %w", err)
	}
	return d, nil
}

// LoadConditions returns the conditions of a dependency.
func (s *PgStore) LoadConditions(ctx context.Context, dependencyID string) ([]model.Condition, error) {
	if err := s.exists(ctx, "approval_dependencies", dependencyID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dependencyNotFound(dependencyID)
		}
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, dependency_id, required_approval_id, required_status, parameter
		FROM approval_conditions
		WHERE dependency_id = $1
		ORDER BY id ASC`,
		dependencyID,
	)
	if err != nil {
		return nil, fmt.Errorf("query conditions: %w", err)
	}
	conds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Condition, error) {
		var c model.Condition
		var status string
		err := row.Scan(&c.ID, &c.DependencyID, &c.RequiredApprovalID, &status, &c.Parameter)
		c.RequiredStatus = model.ApprovalStatus(status)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan conditions: %w", err)
	}
	return conds, nil
}

// SaveCondition attaches a condition to its dependency.
func (s *PgStore) SaveCondition(ctx context.Context, c model.Condition) error {
	if err := s.exists(ctx, "approval_dependencies", c.DependencyID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dependencyNotFound(c.DependencyID)
		}
		return err
	}
	return insertCondition(ctx, s.pool, c)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertCondition(ctx context.Context, db execer, c model.Condition) error {
	_, err := db.Exec(ctx, `
		INSERT INTO approval_conditions (id, dependency_id, required_approval_id, required_status, parameter)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.DependencyID, c.RequiredApprovalID, string(c.RequiredStatus), c.Parameter,
	)
	if err != nil {
		return fmt.Errorf("insert condition %s: %w", c.ID, conflictOnUnique(err, "condition "+c.ID))
	}
	return nil
}

// CreateRequest inserts a new request.
func (s *PgStore) CreateRequest(ctx context.Context, req model.Request) error {
	attrs, err := json.Marshal(req.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO approval_requests (
			id, workflow_type, subject, description, status,
			requester_id, predecessor_id, amount, department, attributes,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13
		)`,
		req.ID, req.WorkflowType, req.Subject, req.Description, string(req.Status),
		req.RequesterID, req.PredecessorID, req.Amount, req.Department, attrs,
		req.Version, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", conflictOnUnique(err, "request "+req.ID))
	}
	return nil
}

const requestColumns = `id, workflow_type, subject, description, status,
	requester_id, predecessor_id, amount, department, attributes,
	version, created_at, updated_at`

// LoadRequest returns a request by id.
func (s *PgStore) LoadRequest(ctx context.Context, requestID string) (model.Request, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id = $1`, requestID)
	if err != nil {
		return model.Request{}, fmt.Errorf("query request: %w", err)
	}
	req, err := pgx.CollectExactlyOneRow(rows, scanRequest)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Request{}, requestNotFound(requestID)
	}
	if err != nil {
		return model.Request{}, fmt.Errorf("scan request: %w", err)
	}
	return req, nil
}

// SaveRequest persists an updated request with optimistic locking.
func (s *PgStore) SaveRequest(ctx context.Context, req model.Request) (model.Request, error) {
	attrs, err := json.Marshal(req.Attributes)
	if err != nil {
		return model.Request{}, fmt.Errorf("marshal attributes: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_requests SET
			subject = $1,
			description = $2,
			status = $3,
			amount = $4,
			department = $5,
			attributes = $6,
			version = $7,
			updated_at = $8
		WHERE id = $9 AND version = $10`,
		req.Subject, req.Description, string(req.Status),
		req.Amount, req.Department, attrs,
		req.Version+1, req.UpdatedAt,
		req.ID, req.Version,
	)
	if err != nil {
		return model.Request{}, fmt.Errorf("update request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.exists(ctx, "approval_requests", req.ID); errors.Is(err, pgx.ErrNoRows) {
			return model.Request{}, requestNotFound(req.ID)
		}
		return model.Request{}, model.NewConflictError(
			fmt.Sprintf("request %q version conflict (expected %d)", req.ID, req.Version),
		)
	}
	req.Version++
	return req, nil
}

// ListRequests returns requests matching the filter.
func (s *PgStore) ListRequests(ctx context.Context, filter RequestFilter) ([]model.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE TRUE`
	var args []any
	argIdx := 1

	if filter.WorkflowType != "" {
		query += fmt.Sprintf(" AND workflow_type = $%d", argIdx)
		args = append(args, filter.WorkflowType)
		argIdx++
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, statuses)
		argIdx++
	}

	query += " ORDER BY created_at ASC, id ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	reqs, err := pgx.CollectRows(rows, scanRequest)
	if err != nil {
		return nil, fmt.Errorf("scan requests: %w", err)
	}
	return reqs, nil
}

// CreateApprovalRecords inserts the records of one (request, step) pair. The
// request row is locked for the duration of the check-then-insert so two
// concurrent activations of the same step serialize; the unique index on
// (request_id, step_id, approver_id) backs this up.
func (s *PgStore) CreateApprovalRecords(ctx context.Context, records []model.ApprovalRecord) error {
	if len(records) == 0 {
		return nil
	}
	requestID, stepID := records[0].RequestID, records[0].StepID
	for _, rec := range records {
		if rec.RequestID != requestID || rec.StepID != stepID {
			return model.NewBadRequestError("approval records in one batch must share request and step")
		}
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var locked string
		err := tx.QueryRow(ctx, `SELECT id FROM approval_requests WHERE id = $1 FOR UPDATE`, requestID).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return requestNotFound(requestID)
		}
		if err != nil {
			return fmt.Errorf("lock request: %w", err)
		}

		var existing int
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM approval_records
			WHERE request_id = $1 AND step_id = $2`,
			requestID, stepID,
		).Scan(&existing); err != nil {
			return fmt.Errorf("count approval records: %w", err)
		}
		if existing > 0 {
			return recordsExist(requestID, stepID)
		}

		batch := &pgx.Batch{}
		for _, rec := range records {
			batch.Queue(`
				INSERT INTO approval_records (
					id, request_id, step_id, approver_id, status,
					decisive_comment_id, created_at, updated_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				rec.ID, rec.RequestID, rec.StepID, rec.ApproverID, string(rec.Status),
				rec.DecisiveCommentID, rec.CreatedAt, rec.UpdatedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert approval records: %w", conflictOnUnique(err, "approval records for step "+stepID))
		}
		return nil
	})
}

const recordColumns = `id, request_id, step_id, approver_id, status, decisive_comment_id, created_at, updated_at`

// LoadApprovalRecords returns the records of a step on a request.
func (s *PgStore) LoadApprovalRecords(ctx context.Context, requestID, stepID string) ([]model.ApprovalRecord, error) {
	if err := s.exists(ctx, "approval_requests", requestID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, requestNotFound(requestID)
		}
		return nil, err
	}
	if err := s.exists(ctx, "approval_steps", stepID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, stepNotFound(stepID)
		}
		return nil, err
	}
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM approval_records
		WHERE request_id = $1 AND step_id = $2
		ORDER BY created_at ASC, id ASC`,
		requestID, stepID,
	)
}

// LoadRequestApprovals returns every record of a request.
func (s *PgStore) LoadRequestApprovals(ctx context.Context, requestID string) ([]model.ApprovalRecord, error) {
	if err := s.exists(ctx, "approval_requests", requestID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, requestNotFound(requestID)
		}
		return nil, err
	}
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM approval_records
		WHERE request_id = $1
		ORDER BY created_at ASC, id ASC`,
		requestID,
	)
}

// LoadApprovalRecord returns a single record.
func (s *PgStore) LoadApprovalRecord(ctx context.Context, recordID string) (model.ApprovalRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM approval_records WHERE id = $1`, recordID)
	if err != nil {
		return model.ApprovalRecord{}, fmt.Errorf("query approval record: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ApprovalRecord{}, recordNotFound(recordID)
	}
	if err != nil {
		return model.ApprovalRecord{}, fmt.Errorf("scan approval record: %w", err)
	}
	return rec, nil
}

// UpdateApprovalRecord overwrites a record whose stored status is from.
func (s *PgStore) UpdateApprovalRecord(ctx context.Context, rec model.ApprovalRecord, from model.ApprovalStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_records SET
			status = $1,
			decisive_comment_id = $2,
			updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(rec.Status), rec.DecisiveCommentID, rec.UpdatedAt,
		rec.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("update approval record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.exists(ctx, "approval_records", rec.ID); errors.Is(err, pgx.ErrNoRows) {
			return recordNotFound(rec.ID)
		}
		return model.NewConflictError(
			fmt.Sprintf("approval record %q is no longer %s", rec.ID, from),
		)
	}
	return nil
}

func (s *PgStore) queryRecords(ctx context.Context, query string, args ...any) ([]model.ApprovalRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approval records: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("scan approval records: %w", err)
	}
	return recs, nil
}

// LoadComments returns the comments of a request.
func (s *PgStore) LoadComments(ctx context.Context, requestID string) ([]model.Comment, error) {
	if err := s.exists(ctx, "approval_requests", requestID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, requestNotFound(requestID)
		}
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, approval_id, parent_id, author_id, body, decisive, created_at
		FROM approval_comments
		WHERE request_id = $1
		ORDER BY created_at ASC, id ASC`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query comments: %w", err)
	}
	comments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Comment, error) {
		var c model.Comment
		err := row.Scan(&c.ID, &c.RequestID, &c.ApprovalID, &c.ParentID, &c.AuthorID, &c.Text, &c.Decisive, &c.CreatedAt)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan comments: %w", err)
	}
	return comments, nil
}

// SaveComment persists a new comment.
func (s *PgStore) SaveComment(ctx context.Context, c model.Comment) error {
	if err := s.exists(ctx, "approval_requests", c.RequestID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return requestNotFound(c.RequestID)
		}
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO approval_comments (id, request_id, approval_id, parent_id, author_id, body, decisive, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.RequestID, c.ApprovalID, c.ParentID, c.AuthorID, c.Text, c.Decisive, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert comment: %w", conflictOnUnique(err, "comment "+c.ID))
	}
	return nil
}

// exists returns pgx.ErrNoRows when no row with id exists in table. table is
// always a package constant.
func (s *PgStore) exists(ctx context.Context, table, id string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM `+table+` WHERE id = $1`, id).Scan(&one)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("query %s: %w", table, err)
	}
	return err
}

func scanStep(row pgx.CollectableRow) (model.Step, error) {
	var st model.Step
	err := row.Scan(&st.ID, &st.WorkflowType, &st.Name, &st.Order, &st.Parallel)
	return st, err
}

func scanDependency(row pgx.CollectableRow) (model.Dependency, error) {
	var d model.Dependency
	var kind string
	err := row.Scan(&d.ID, &d.WorkflowType, &d.ParentStepID, &d.ChildStepID, &kind)
	d.Kind = model.ConditionKind(kind)
	return d, err
}

func scanRequest(row pgx.CollectableRow) (model.Request, error) {
	var req model.Request
	var status string
	var attrs []byte
	err := row.Scan(
		&req.ID, &req.WorkflowType, &req.Subject, &req.Description, &status,
		&req.RequesterID, &req.PredecessorID, &req.Amount, &req.Department, &attrs,
		&req.Version, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return model.Request{}, err
	}
	req.Status = model.RequestStatus(status)
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &req.Attributes); err != nil {
			return model.Request{}, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	return req, nil
}

func scanRecord(row pgx.CollectableRow) (model.ApprovalRecord, error) {
	var rec model.ApprovalRecord
	var status string
	err := row.Scan(
		&rec.ID, &rec.RequestID, &rec.StepID, &rec.ApproverID, &status,
		&rec.DecisiveCommentID, &rec.CreatedAt, &rec.UpdatedAt,
	)
	rec.Status = model.ApprovalStatus(status)
	return rec, err
}

func conflictOnUnique(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return model.NewConflictError(fmt.Sprintf("%s already exists", what))
	}
	return err
}
