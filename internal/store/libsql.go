package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/ledgerkit/approvalflow/pkg/schema"
)

// dbtx is the common query surface of *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db    *sql.DB
	tx    *sql.Tx   // non-nil for transaction-scoped views created by InTx
	hooks *[]func() // after-commit hooks, shared by all views of one transaction
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. audit log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return s.applyMigrations(ctx)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// q returns the active query surface: the transaction when scoped, the
// database otherwise.
func (s *LibSQLStore) q() dbtx {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// InTx runs fn inside a single transaction. The Store passed to fn is a
// transaction-scoped view; nested calls join the enclosing transaction.
// A write-intent statement is executed up front so concurrent writers
// serialize instead of interleaving read-then-write sections (the completion
// check on sibling approvals depends on this).
func (s *LibSQLStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; force write-lock
	// acquisition with an immediate-mode write.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var hooks []func()
	if err := fn(&LibSQLStore{db: s.db, tx: tx, hooks: &hooks}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	for _, hook := range hooks {
		hook()
	}
	return nil
}

// AfterCommit defers fn until the enclosing transaction commits, or runs it
// immediately on a non-transactional store.
func (s *LibSQLStore) AfterCommit(fn func()) {
	if s.hooks != nil {
		*s.hooks = append(*s.hooks, fn)
		return
	}
	fn()
}

// --- Workflow definitions ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.q().ExecContext(ctx,
		`INSERT INTO workflows (id, module, entity_type, version, active, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Module, wf.EntityType, wf.Version, boolInt(wf.Active),
		string(def), timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.q().QueryRowContext(ctx,
		`SELECT id, module, entity_type, version, active, definition, created_at, updated_at
		 FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) FindActiveWorkflow(ctx context.Context, module, entityType string) (*Workflow, error) {
	row := s.q().QueryRowContext(ctx,
		`SELECT id, module, entity_type, version, active, definition, created_at, updated_at
		 FROM workflows WHERE module = ? AND entity_type = ? AND active = 1
		 ORDER BY version DESC LIMIT 1`, module, entityType)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return wf, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var active int
	var defJSON string
	if err := row.Scan(&wf.ID, &wf.Module, &wf.EntityType, &wf.Version, &active,
		&defJSON, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Active = active != 0
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return wf, nil
}

// --- Instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *WorkflowInstance) error {
	_, err := s.q().ExecContext(ctx,
		`INSERT INTO workflow_instances (id, workflow_id, entity_type, entity_id, status, current_step_id, initiated_by, initiated_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.WorkflowID, inst.EntityType, inst.EntityID, string(inst.Status),
		nullStr(inst.CurrentStepID), inst.InitiatedBy, timeOrNow(inst.InitiatedAt),
		nullTime(inst.CompletedAt), timeOrNow(inst.CreatedAt), timeOrNow(inst.UpdatedAt),
	)
	return err
}

const instanceColumns = `id, workflow_id, entity_type, entity_id, status, current_step_id, initiated_by, initiated_at, completed_at, created_at, updated_at`

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	row := s.q().QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow_instance", id)
	}
	return inst, err
}

func (s *LibSQLStore) FindActiveInstance(ctx context.Context, entityType, entityID string) (*WorkflowInstance, error) {
	row := s.q().QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances
		 WHERE entity_type = ? AND entity_id = ? AND status = 'pending'
		 ORDER BY created_at DESC LIMIT 1`, entityType, entityID)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return inst, err
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentStepID != nil {
		sets = append(sets, "current_step_id = ?")
		args = append(args, nullStr(*update.CurrentStepID))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_instances SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.q().ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow_instance", id)
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error) {
	var where []string
	var args []any

	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + instanceColumns + ` FROM workflow_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanInstance(row rowScanner) (*WorkflowInstance, error) {
	inst := &WorkflowInstance{}
	var status string
	var currentStep sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(&inst.ID, &inst.WorkflowID, &inst.EntityType, &inst.EntityID,
		&status, &currentStep, &inst.InitiatedBy, &inst.InitiatedAt,
		&completedAt, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	inst.Status = schema.InstanceStatus(status)
	inst.CurrentStepID = currentStep.String
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	return inst, nil
}

// --- Approval tasks ---

func (s *LibSQLStore) CreateTasks(ctx context.Context, tasks []*ApprovalTask) error {
	for _, t := range tasks {
		_, err := s.q().ExecContext(ctx,
			`INSERT INTO approval_tasks (id, instance_id, step_id, assigned_to_user_id, assigned_to_role_id, status, due_at, approved_by, approved_at, rejection_reason, comments, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.InstanceID, t.StepID, nullStr(t.AssignedToUserID), nullStr(t.AssignedToRoleID),
			string(t.Status), nullTime(t.DueAt), nullStr(t.ApprovedBy), nullTime(t.ApprovedAt),
			nullStr(t.RejectionReason), nullStr(t.Comments),
			timeOrNow(t.CreatedAt), timeOrNow(t.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}
	return nil
}

const taskColumns = `id, instance_id, step_id, assigned_to_user_id, assigned_to_role_id, status, due_at, approved_by, approved_at, rejection_reason, comments, created_at, updated_at`

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*ApprovalTask, error) {
	row := s.q().QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM approval_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval_task", id)
	}
	return task, err
}

func (s *LibSQLStore) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.AssignedToUserID != nil {
		sets = append(sets, "assigned_to_user_id = ?")
		args = append(args, nullStr(*update.AssignedToUserID))
	}
	if update.ApprovedBy != nil {
		sets = append(sets, "approved_by = ?")
		args = append(args, nullStr(*update.ApprovedBy))
	}
	if update.ApprovedAt != nil {
		sets = append(sets, "approved_at = ?")
		args = append(args, *update.ApprovedAt)
	}
	if update.RejectionReason != nil {
		sets = append(sets, "rejection_reason = ?")
		args = append(args, nullStr(*update.RejectionReason))
	}
	if update.Comments != nil {
		sets = append(sets, "comments = ?")
		args = append(args, nullStr(*update.Comments))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE approval_tasks SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.q().ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "approval_task", id)
}

func (s *LibSQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*ApprovalTask, error) {
	var where []string
	var args []any

	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.AssignedToUserID != "" {
		where = append(where, "assigned_to_user_id = ?")
		args = append(args, filter.AssignedToUserID)
	}
	if filter.AssignedToRoleID != "" {
		where = append(where, "assigned_to_role_id = ?")
		args = append(args, filter.AssignedToRoleID)
	}

	query := `SELECT ` + taskColumns + ` FROM approval_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// Soonest-due first; tasks without a due date sort last.
	query += " ORDER BY due_at IS NULL, due_at ASC, created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*ApprovalTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*ApprovalTask, error) {
	t := &ApprovalTask{}
	var status string
	var userID, roleID, approvedBy, reason, comments sql.NullString
	var dueAt, approvedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.InstanceID, &t.StepID, &userID, &roleID, &status,
		&dueAt, &approvedBy, &approvedAt, &reason, &comments,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = schema.TaskStatus(status)
	t.AssignedToUserID = userID.String
	t.AssignedToRoleID = roleID.String
	t.ApprovedBy = approvedBy.String
	t.RejectionReason = reason.String
	t.Comments = comments.String
	if dueAt.Valid {
		t.DueAt = &dueAt.Time
	}
	if approvedAt.Valid {
		t.ApprovedAt = &approvedAt.Time
	}
	return t, nil
}

// --- Delegations ---

func (s *LibSQLStore) CreateDelegation(ctx context.Context, d *Delegation) error {
	_, err := s.q().ExecContext(ctx,
		`INSERT INTO task_delegations (id, task_id, from_user_id, to_user_id, delegated_by, reason, delegated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TaskID, d.FromUserID, d.ToUserID, d.DelegatedBy,
		nullStr(d.Reason), timeOrNow(d.DelegatedAt), nullTime(d.ExpiresAt),
	)
	return err
}

func (s *LibSQLStore) GetDelegation(ctx context.Context, id string) (*Delegation, error) {
	row := s.q().QueryRowContext(ctx,
		`SELECT id, task_id, from_user_id, to_user_id, delegated_by, reason, delegated_at, expires_at
		 FROM task_delegations WHERE id = ?`, id)
	d, err := scanDelegation(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("delegation", id)
	}
	return d, err
}

// ExpireDelegation stamps expires_at; delegations are soft-expired, never deleted.
func (s *LibSQLStore) ExpireDelegation(ctx context.Context, id string, at time.Time) error {
	res, err := s.q().ExecContext(ctx,
		`UPDATE task_delegations SET expires_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "delegation", id)
}

func (s *LibSQLStore) ListDelegations(ctx context.Context, taskID string) ([]*Delegation, error) {
	rows, err := s.q().QueryContext(ctx,
		`SELECT id, task_id, from_user_id, to_user_id, delegated_by, reason, delegated_at, expires_at
		 FROM task_delegations WHERE task_id = ? ORDER BY delegated_at DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var delegations []*Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		delegations = append(delegations, d)
	}
	return delegations, rows.Err()
}

func scanDelegation(row rowScanner) (*Delegation, error) {
	d := &Delegation{}
	var reason sql.NullString
	var expiresAt sql.NullTime
	if err := row.Scan(&d.ID, &d.TaskID, &d.FromUserID, &d.ToUserID, &d.DelegatedBy,
		&reason, &d.DelegatedAt, &expiresAt); err != nil {
		return nil, err
	}
	d.Reason = reason.String
	if expiresAt.Valid {
		d.ExpiresAt = &expiresAt.Time
	}
	return d, nil
}

// --- Audit log ---

// AppendAudit inserts one immutable audit row with the next per-instance
// sequence number. Inside InTx the sequence read and the insert share the
// caller's transaction; on the root store the pair is wrapped in its own
// write-locked transaction so concurrent standalone appends cannot collide
// on the sequence index.
func (s *LibSQLStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if s.tx == nil {
		return s.InTx(ctx, func(st Store) error {
			return st.AppendAudit(ctx, entry)
		})
	}

	var seq int64
	err := s.q().QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM workflow_audit_log WHERE instance_id = ?`,
		entry.InstanceID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next audit sequence: %w", err)
	}
	entry.Sequence = seq

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err = s.q().ExecContext(ctx,
		`INSERT INTO workflow_audit_log (instance_id, task_id, action, from_status, to_status, actor_id, origin, metadata, sequence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.InstanceID, nullStr(entry.TaskID), entry.Action,
		nullStr(entry.FromStatus), nullStr(entry.ToStatus),
		nullStr(entry.ActorID), nullStr(entry.Origin),
		nullRaw(entry.Metadata), seq, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListAudit(ctx context.Context, instanceID string, since int64) ([]*AuditEntry, error) {
	rows, err := s.q().QueryContext(ctx,
		`SELECT id, instance_id, task_id, action, from_status, to_status, actor_id, origin, metadata, sequence, created_at
		 FROM workflow_audit_log WHERE instance_id = ? AND sequence > ? ORDER BY sequence ASC`,
		instanceID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var taskID, fromStatus, toStatus, actorID, origin, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.InstanceID, &taskID, &e.Action, &fromStatus, &toStatus,
			&actorID, &origin, &metadata, &e.Sequence, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TaskID = taskID.String
		e.FromStatus = fromStatus.String
		e.ToStatus = toStatus.String
		e.ActorID = actorID.String
		e.Origin = origin.String
		e.Metadata = rawOrNil(metadata)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
