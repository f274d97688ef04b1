package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsgate/opsgate/pkg/core"
	"github.com/opsgate/opsgate/pkg/errors"
	"github.com/opsgate/opsgate/pkg/policy"

	_ "modernc.org/sqlite"
)

const (
	taskTable       = "ops_tasks"
	checkpointTable = "ops_checkpoints"
	approvalTable   = "ops_approvals"
	outcomeTable    = "ops_outcomes"
	policyTable     = "ops_policies"
	policyPtrTable  = "ops_policy_latest"
)

// Open opens (or creates) the opsgate SQLite database and ensures schema.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Serialized writes keep the CAS statements race-free across goroutines.
	db.SetMaxOpenConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			objective TEXT NOT NULL,
			target TEXT NOT NULL,
			risk TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			tier TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			context_json TEXT NOT NULL DEFAULT '{}',
			result TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		)`, taskTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			at INTEGER NOT NULL
		)`, checkpointTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON %s (task_id)`, checkpointTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			risk_summary TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			issued_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`, approvalTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_approvals_task ON %s (task_id)`, approvalTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL UNIQUE,
			success INTEGER NOT NULL,
			error_code TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			cost_estimate REAL NOT NULL DEFAULT 0,
			recorded_at INTEGER NOT NULL,
			signature TEXT NOT NULL DEFAULT '',
			risk TEXT NOT NULL DEFAULT ''
		)`, outcomeTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			state_json TEXT NOT NULL,
			derived_at INTEGER NOT NULL
		)`, policyTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL
		)`, policyPtrTable),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func storeErr(op string, err error) error {
	return errors.New(errors.CodeStoreError, op, err)
}

// SQLiteTaskStore persists tasks and checkpoints in SQLite.
type SQLiteTaskStore struct {
	db *sql.DB
}

// NewSQLiteTaskStore creates a SQLite-backed task store and ensures schema.
func NewSQLiteTaskStore(db *sql.DB) (*SQLiteTaskStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteTaskStore{db: db}, nil
}

// Create admits a task and writes its first checkpoint in one transaction.
func (s *SQLiteTaskStore) Create(ctx context.Context, task *core.Task) error {
	if task == nil || task.ID == "" {
		return errors.New(errors.CodeValidation, "task id is required", nil)
	}
	contextJSON, err := json.Marshal(task.Context)
	if err != nil {
		return storeErr("marshal task context", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin create task", err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, objective, target, risk, status, tier, created_at, context_json, result, error_code, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', '')", taskTable),
		task.ID, task.Objective, task.Target, string(task.Risk), string(task.Status), string(task.Tier), task.CreatedAt.UnixMilli(), string(contextJSON))
	if err != nil {
		return storeErr("insert task", err)
	}
	if err := appendCheckpointTx(ctx, tx, task.ID, task.Status); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit create task", err)
	}
	return nil
}

// Get returns the task by id.
func (s *SQLiteTaskStore) Get(ctx context.Context, id string) (*core.Task, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, objective, target, risk, status, tier, created_at, context_json, result, error_code, error FROM %s WHERE id = ?", taskTable), id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.CodeNotFound, "task not found", nil).WithContext("task_id", id)
	}
	if err != nil {
		return nil, storeErr("get task", err)
	}
	return task, nil
}

// Update persists the task if its stored status equals expect, appending a
// checkpoint when the status changed. Both writes share one transaction.
func (s *SQLiteTaskStore) Update(ctx context.Context, task *core.Task, expect core.TaskStatus) error {
	if task == nil || task.ID == "" {
		return errors.New(errors.CodeValidation, "task id is required", nil)
	}
	contextJSON, err := json.Marshal(task.Context)
	if err != nil {
		return storeErr("marshal task context", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin update task", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET risk = ?, status = ?, tier = ?, context_json = ?, result = ?, error_code = ?, error = ? WHERE id = ? AND status = ?", taskTable),
		string(task.Risk), string(task.Status), string(task.Tier), string(contextJSON),
		task.Result, task.ErrorCode, task.Error, task.ID, string(expect))
	if err != nil {
		return storeErr("update task", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("update task", err)
	}
	if affected == 0 {
		// Diagnose through the open tx; the pool has a single connection
		// and a pool query here would wait on our own transaction.
		var current string
		scanErr := tx.QueryRowContext(ctx,
			fmt.Sprintf("SELECT status FROM %s WHERE id = ?", taskTable), task.ID).Scan(&current)
		if scanErr == sql.ErrNoRows {
			return errors.New(errors.CodeNotFound, "task not found", nil).WithContext("task_id", task.ID)
		}
		if scanErr != nil {
			return storeErr("diagnose task update", scanErr)
		}
		return errors.New(errors.CodeStoreError, "concurrent task update", nil).
			WithContext("task_id", task.ID).
			WithContext("expected", string(expect)).
			WithContext("actual", current)
	}
	if task.Status != expect {
		if err := appendCheckpointTx(ctx, tx, task.ID, task.Status); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit update task", err)
	}
	return nil
}

// ListByStatus returns tasks currently in the given status.
func (s *SQLiteTaskStore) ListByStatus(ctx context.Context, status core.TaskStatus) ([]*core.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, objective, target, risk, status, tier, created_at, context_json, result, error_code, error FROM %s WHERE status = ? ORDER BY created_at", taskTable),
		string(status))
	if err != nil {
		return nil, storeErr("list tasks", err)
	}
	defer rows.Close()
	out := make([]*core.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, storeErr("scan task", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// Checkpoints returns the checkpoint log for a task, oldest first.
func (s *SQLiteTaskStore) Checkpoints(ctx context.Context, taskID string) ([]core.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT seq, task_id, status, at FROM %s WHERE task_id = ? ORDER BY seq", checkpointTable), taskID)
	if err != nil {
		return nil, storeErr("list checkpoints", err)
	}
	defer rows.Close()
	out := make([]core.Checkpoint, 0)
	for rows.Next() {
		var (
			cp   core.Checkpoint
			atMs int64
		)
		var status string
		if err := rows.Scan(&cp.Seq, &cp.TaskID, &status, &atMs); err != nil {
			return nil, storeErr("scan checkpoint", err)
		}
		cp.Status = core.TaskStatus(status)
		cp.At = time.UnixMilli(atMs).UTC()
		out = append(out, cp)
	}
	return out, rows.Err()
}

func appendCheckpointTx(ctx context.Context, tx *sql.Tx, taskID string, status core.TaskStatus) error {
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (task_id, status, at) VALUES (?, ?, ?)", checkpointTable),
		taskID, string(status), time.Now().UTC().UnixMilli())
	if err != nil {
		return storeErr("append checkpoint", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*core.Task, error) {
	var (
		task        core.Task
		risk        string
		status      string
		tier        string
		createdMs   int64
		contextJSON string
	)
	if err := row.Scan(&task.ID, &task.Objective, &task.Target, &risk, &status, &tier, &createdMs, &contextJSON, &task.Result, &task.ErrorCode, &task.Error); err != nil {
		return nil, err
	}
	task.Risk = core.RiskLevel(risk)
	task.Status = core.TaskStatus(status)
	task.Tier = core.Tier(tier)
	task.CreatedAt = time.UnixMilli(createdMs).UTC()
	if contextJSON != "" && contextJSON != "{}" && contextJSON != "null" {
		if err := json.Unmarshal([]byte(contextJSON), &task.Context); err != nil {
			return nil, err
		}
	}
	return &task, nil
}

// SQLiteApprovalStore persists approval requests in SQLite.
type SQLiteApprovalStore struct {
	db *sql.DB
}

// NewSQLiteApprovalStore creates a SQLite-backed approval store and ensures schema.
func NewSQLiteApprovalStore(db *sql.DB) (*SQLiteApprovalStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteApprovalStore{db: db}, nil
}

// Create inserts a request, enforcing one open request per task.
func (s *SQLiteApprovalStore) Create(ctx context.Context, req *core.ApprovalRequest) error {
	if req == nil || req.TaskID == "" {
		return errors.New(errors.CodeValidation, "task_id is required", nil)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin create approval", err)
	}
	defer tx.Rollback()
	var open int
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(1) FROM %s WHERE task_id = ? AND status = ?", approvalTable),
		req.TaskID, string(core.ApprovalPending)).Scan(&open)
	if err != nil {
		return storeErr("check open approval", err)
	}
	if open > 0 {
		return errors.New(errors.CodeValidation, "open approval already exists", nil).
			WithContext("task_id", req.TaskID)
	}
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, task_id, risk_summary, status, reason, issued_at, expires_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", approvalTable),
		req.ID, req.TaskID, req.RiskSummary, string(req.Status), req.Reason,
		req.IssuedAt.UnixMilli(), req.ExpiresAt.UnixMilli(), req.UpdatedAt.UnixMilli())
	if err != nil {
		return storeErr("insert approval", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit create approval", err)
	}
	return nil
}

// GetByTask returns the most recent request for a task.
func (s *SQLiteApprovalStore) GetByTask(ctx context.Context, taskID string) (*core.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, task_id, risk_summary, status, reason, issued_at, expires_at, updated_at FROM %s WHERE task_id = ? ORDER BY issued_at DESC LIMIT 1", approvalTable),
		taskID)
	req, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.CodeNotFound, "approval not found", nil).WithContext("task_id", taskID)
	}
	if err != nil {
		return nil, storeErr("get approval", err)
	}
	return req, nil
}

// Resolve atomically swaps the request status from, to for the task. The
// status filter in the UPDATE is the compare-and-set guard.
func (s *SQLiteApprovalStore) Resolve(ctx context.Context, taskID string, from, to core.ApprovalStatus, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET status = ?, reason = ?, updated_at = ? WHERE task_id = ? AND status = ?", approvalTable),
		string(to), reason, time.Now().UTC().UnixMilli(), taskID, string(from))
	if err != nil {
		return false, storeErr("resolve approval", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("resolve approval", err)
	}
	if affected == 0 {
		if _, getErr := s.GetByTask(ctx, taskID); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

// ListExpired returns open requests whose expiry is at or before now.
func (s *SQLiteApprovalStore) ListExpired(ctx context.Context, now time.Time) ([]*core.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, task_id, risk_summary, status, reason, issued_at, expires_at, updated_at FROM %s WHERE status = ? AND expires_at <= ?", approvalTable),
		string(core.ApprovalPending), now.UnixMilli())
	if err != nil {
		return nil, storeErr("list expired approvals", err)
	}
	defer rows.Close()
	out := make([]*core.ApprovalRequest, 0)
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, storeErr("scan approval", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanApproval(row rowScanner) (*core.ApprovalRequest, error) {
	var (
		req       core.ApprovalRequest
		status    string
		issuedMs  int64
		expiresMs int64
		updatedMs int64
	)
	if err := row.Scan(&req.ID, &req.TaskID, &req.RiskSummary, &status, &req.Reason, &issuedMs, &expiresMs, &updatedMs); err != nil {
		return nil, err
	}
	req.Status = core.ApprovalStatus(status)
	req.IssuedAt = time.UnixMilli(issuedMs).UTC()
	req.ExpiresAt = time.UnixMilli(expiresMs).UTC()
	req.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &req, nil
}

// SQLiteOutcomeStore persists the append-only outcome log in SQLite.
type SQLiteOutcomeStore struct {
	db *sql.DB
}

// NewSQLiteOutcomeStore creates a SQLite-backed outcome store and ensures schema.
func NewSQLiteOutcomeStore(db *sql.DB) (*SQLiteOutcomeStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteOutcomeStore{db: db}, nil
}

// Append records an outcome, assigning its sequence number.
func (s *SQLiteOutcomeStore) Append(ctx context.Context, outcome *core.Outcome) error {
	if outcome == nil || outcome.TaskID == "" {
		return errors.New(errors.CodeValidation, "task_id is required", nil)
	}
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = time.Now().UTC()
	}
	success := 0
	if outcome.Success {
		success = 1
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (task_id, success, error_code, summary, latency_ms, cost_estimate, recorded_at, signature, risk) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)", outcomeTable),
		outcome.TaskID, success, outcome.ErrorCode, outcome.Summary,
		outcome.Latency.Milliseconds(), outcome.CostEstimate,
		outcome.RecordedAt.UnixMilli(), outcome.Signature, string(outcome.Risk))
	if err != nil {
		return storeErr("append outcome", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return storeErr("append outcome", err)
	}
	outcome.Seq = seq
	return nil
}

// GetByTask returns the outcome recorded for a task, if any.
func (s *SQLiteOutcomeStore) GetByTask(ctx context.Context, taskID string) (*core.Outcome, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT seq, task_id, success, error_code, summary, latency_ms, cost_estimate, recorded_at, signature, risk FROM %s WHERE task_id = ?", outcomeTable),
		taskID)
	outcome, err := scanOutcome(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.CodeNotFound, "outcome not found", nil).WithContext("task_id", taskID)
	}
	if err != nil {
		return nil, storeErr("get outcome", err)
	}
	return outcome, nil
}

// ListSince returns outcomes with Seq > afterSeq, ordered by Seq.
func (s *SQLiteOutcomeStore) ListSince(ctx context.Context, afterSeq int64) ([]*core.Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT seq, task_id, success, error_code, summary, latency_ms, cost_estimate, recorded_at, signature, risk FROM %s WHERE seq > ? ORDER BY seq", outcomeTable),
		afterSeq)
	if err != nil {
		return nil, storeErr("list outcomes", err)
	}
	defer rows.Close()
	out := make([]*core.Outcome, 0)
	for rows.Next() {
		outcome, err := scanOutcome(rows)
		if err != nil {
			return nil, storeErr("scan outcome", err)
		}
		out = append(out, outcome)
	}
	return out, rows.Err()
}

// LatestSeq returns the highest assigned sequence number.
func (s *SQLiteOutcomeStore) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT MAX(seq) FROM %s", outcomeTable)).Scan(&seq)
	if err != nil {
		return 0, storeErr("latest outcome seq", err)
	}
	return seq.Int64, nil
}

func scanOutcome(row rowScanner) (*core.Outcome, error) {
	var (
		outcome    core.Outcome
		success    int
		latencyMs  int64
		recordedMs int64
		risk       string
	)
	if err := row.Scan(&outcome.Seq, &outcome.TaskID, &success, &outcome.ErrorCode, &outcome.Summary, &latencyMs, &outcome.CostEstimate, &recordedMs, &outcome.Signature, &risk); err != nil {
		return nil, err
	}
	outcome.Success = success == 1
	outcome.Latency = time.Duration(latencyMs) * time.Millisecond
	outcome.RecordedAt = time.UnixMilli(recordedMs).UTC()
	outcome.Risk = core.RiskLevel(risk)
	return &outcome, nil
}

// SQLitePolicyStore persists policy versions in SQLite.
type SQLitePolicyStore struct {
	db *sql.DB
}

// NewSQLitePolicyStore creates a SQLite-backed policy store, ensuring schema
// and seeding the given state when no policy has been published yet.
func NewSQLitePolicyStore(db *sql.DB, seed *policy.State) (*SQLitePolicyStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	s := &SQLitePolicyStore{db: db}
	if seed != nil {
		if _, err := s.Latest(context.Background()); err != nil {
			if insErr := s.insert(context.Background(), seed); insErr != nil {
				return nil, insErr
			}
		}
	}
	return s, nil
}

func (s *SQLitePolicyStore) insert(ctx context.Context, state *policy.State) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return storeErr("marshal policy", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin publish policy", err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (version, state_json, derived_at) VALUES (?, ?, ?)", policyTable),
		state.Version, string(stateJSON), state.DerivedAt.UnixMilli())
	if err != nil {
		return storeErr("insert policy", err)
	}
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, version) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET version = excluded.version", policyPtrTable),
		state.Version)
	if err != nil {
		return storeErr("advance policy pointer", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit publish policy", err)
	}
	return nil
}

// Latest returns the current policy state.
func (s *SQLitePolicyStore) Latest(ctx context.Context) (*policy.State, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT version FROM %s WHERE id = 1", policyPtrTable)).Scan(&version)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.CodeNotFound, "no policy published", nil)
	}
	if err != nil {
		return nil, storeErr("latest policy pointer", err)
	}
	return s.GetVersion(ctx, version)
}

// GetVersion returns a specific policy version.
func (s *SQLitePolicyStore) GetVersion(ctx context.Context, version int64) (*policy.State, error) {
	var stateJSON string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT state_json FROM %s WHERE version = ?", policyTable), version).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.CodeNotFound, "policy version not found", nil).
			WithContext("version", version)
	}
	if err != nil {
		return nil, storeErr("get policy version", err)
	}
	var state policy.State
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, storeErr("unmarshal policy", err)
	}
	return &state, nil
}

// Publish stores next and advances the latest pointer via compare-and-set.
func (s *SQLitePolicyStore) Publish(ctx context.Context, expectedLatest int64, next *policy.State) error {
	if next == nil {
		return errors.New(errors.CodeValidation, "policy state is required", nil)
	}
	stateJSON, err := json.Marshal(next)
	if err != nil {
		return storeErr("marshal policy", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin publish policy", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET version = ? WHERE id = 1 AND version = ?", policyPtrTable),
		next.Version, expectedLatest)
	if err != nil {
		return storeErr("advance policy pointer", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("advance policy pointer", err)
	}
	if affected == 0 {
		return errors.New(errors.CodePolicyConflict, "policy publish lost race", nil).
			WithContext("expected", expectedLatest)
	}
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (version, state_json, derived_at) VALUES (?, ?, ?)", policyTable),
		next.Version, string(stateJSON), next.DerivedAt.UnixMilli())
	if err != nil {
		return storeErr("insert policy", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit publish policy", err)
	}
	return nil
}
