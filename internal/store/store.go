// Package store provides SQLite-backed persistence for the merge admin.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fentz26/mergeplane/internal/models"
)

// Sentinel errors.
var (
	ErrDuplicateTask    = errors.New("task already exists")
	ErrTaskNotClaimable = errors.New("task is not claimable")
)

// Store provides access to the admin SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		build_key TEXT NOT NULL,
		app_name TEXT NOT NULL,
		generation_id INTEGER NOT NULL,
		task_id INTEGER NOT NULL,
		table_name TEXT NOT NULL,
		task_epoch_id INTEGER NOT NULL,
		source_version_id INTEGER NOT NULL,
		branch_id INTEGER NOT NULL,
		range_from INTEGER NOT NULL,
		range_to INTEGER NOT NULL,
		dest_root TEXT NOT NULL,
		plan TEXT NOT NULL,
		params TEXT,
		step TEXT NOT NULL,
		progress TEXT,
		result TEXT,
		error TEXT,
		claimed_by TEXT,
		claimed_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (build_key, task_id)
	);

	CREATE TABLE IF NOT EXISTS generations (
		build_key TEXT PRIMARY KEY,
		fatal INTEGER NOT NULL DEFAULT 0,
		fatal_msg TEXT,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_key TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_step ON tasks(step);
	CREATE INDEX IF NOT EXISTS idx_pdr_task_key ON pdr(task_key);
	`

	_, err := s.db.Exec(schema)
	return err
}

// TaskKey is the audit key of a task.
func TaskKey(ref models.TaskRef) string {
	return fmt.Sprintf("%s/%d", ref.BuildID.Key(), ref.TaskID)
}

// --- Task Operations ---

const taskColumns = `app_name, generation_id, task_id, table_name, task_epoch_id, source_version_id, branch_id,
	range_from, range_to, dest_root, plan, params, step, progress, result, error, claimed_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.AdminTask, error) {
	var t models.AdminTask
	var params, progress, result, errMsg, claimedBy sql.NullString
	err := row.Scan(&t.BuildID.AppName, &t.BuildID.GenerationID, &t.TaskID, &t.TableName, &t.TaskEpochID,
		&t.SourceVersionID, &t.BranchID, &t.Range.From, &t.Range.To, &t.DestRoot, &t.Plan, &params,
		&t.Step, &progress, &result, &errMsg, &claimedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &t.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	t.Progress = progress.String
	t.Result = result.String
	t.Error = errMsg.String
	t.ClaimedBy = claimedBy.String
	return &t, nil
}

// CreateTask inserts a new task. A task with the same (build, task id) yields ErrDuplicateTask.
func (s *Store) CreateTask(task *models.AdminTask) error {
	params, err := json.Marshal(task.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(`SELECT 1 FROM tasks WHERE build_key = ? AND task_id = ?`, task.BuildID.Key(), task.TaskID).Scan(&exists)
	if err == nil {
		return ErrDuplicateTask
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("check task: %w", err)
	}

	now := time.Now().UTC()
	if task.Step == "" {
		task.Step = models.TaskStepRunning
	}
	task.CreatedAt, task.UpdatedAt = now, now

	_, err = tx.Exec(
		`INSERT INTO tasks (build_key, `+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.BuildID.Key(), task.BuildID.AppName, task.BuildID.GenerationID, task.TaskID, task.TableName,
		task.TaskEpochID, task.SourceVersionID, task.BranchID, task.Range.From, task.Range.To, task.DestRoot,
		task.Plan, string(params), task.Step, task.Progress, task.Result, task.Error, nil, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetTask retrieves a task. It returns nil without error when the task does not exist.
func (s *Store) GetTask(ref models.TaskRef) (*models.AdminTask, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE build_key = ? AND task_id = ?`, ref.BuildID.Key(), ref.TaskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// ListTasks returns the tasks of a build ordered by task id, optionally filtered by step.
func (s *Store) ListTasks(build models.BuildID, step models.TaskStep) ([]models.AdminTask, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE build_key = ?`
	args := []any{build.Key()}
	if step != "" {
		query += ` AND step = ?`
		args = append(args, step)
	}
	query += ` ORDER BY task_id`
	return s.queryTasks(query, args...)
}

// ListClaimable returns running tasks no worker holds, oldest first.
func (s *Store) ListClaimable(limit int) ([]models.AdminTask, error) {
	return s.queryTasks(
		`SELECT `+taskColumns+` FROM tasks WHERE step = ? AND (claimed_by IS NULL OR claimed_by = '') ORDER BY created_at, task_id LIMIT ?`,
		models.TaskStepRunning, limit,
	)
}

func (s *Store) queryTasks(query string, args ...any) ([]models.AdminTask, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.AdminTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ClaimTask atomically marks a running, unclaimed task as held by holderID.
func (s *Store) ClaimTask(ref models.TaskRef, holderID string) (*models.AdminTask, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	result, err := tx.Exec(
		`UPDATE tasks SET claimed_by = ?, claimed_at = ?, updated_at = ?
		 WHERE build_key = ? AND task_id = ? AND step = ? AND (claimed_by IS NULL OR claimed_by = '')`,
		holderID, now, now, ref.BuildID.Key(), ref.TaskID, models.TaskStepRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrTaskNotClaimable
	}

	task, err := scanTask(tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE build_key = ? AND task_id = ?`, ref.BuildID.Key(), ref.TaskID))
	if err != nil {
		return nil, fmt.Errorf("reload task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return task, nil
}

// ReleaseClaims clears every claim on running tasks so they are picked up again.
func (s *Store) ReleaseClaims() (int64, error) {
	result, err := s.db.Exec(
		`UPDATE tasks SET claimed_by = NULL, claimed_at = NULL, updated_at = ? WHERE step = ? AND claimed_by IS NOT NULL`,
		time.Now().UTC(), models.TaskStepRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("release claims: %w", err)
	}
	return result.RowsAffected()
}

// UpdateProgress stores the serialized progress of a running task.
func (s *Store) UpdateProgress(ref models.TaskRef, progress string) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET progress = ?, updated_at = ? WHERE build_key = ? AND task_id = ? AND step = ?`,
		progress, time.Now().UTC(), ref.BuildID.Key(), ref.TaskID, models.TaskStepRunning,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// FinishTask moves a running task to a terminal step. It reports false when
// the task was not running.
func (s *Store) FinishTask(ref models.TaskRef, step models.TaskStep, result, errMsg string) (bool, error) {
	if !step.IsTerminal() {
		return false, fmt.Errorf("finish task: %q is not a terminal step", step)
	}
	res, err := s.db.Exec(
		`UPDATE tasks SET step = ?, result = ?, error = ?, claimed_by = NULL, updated_at = ?
		 WHERE build_key = ? AND task_id = ? AND step = ?`,
		step, result, errMsg, time.Now().UTC(), ref.BuildID.Key(), ref.TaskID, models.TaskStepRunning,
	)
	if err != nil {
		return false, fmt.Errorf("finish task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// --- Generation Operations ---

// SetFatal marks a build generation as fatally failed.
func (s *Store) SetFatal(build models.BuildID, msg string) error {
	_, err := s.db.Exec(
		`INSERT INTO generations (build_key, fatal, fatal_msg, updated_at) VALUES (?, 1, ?, ?)
		 ON CONFLICT(build_key) DO UPDATE SET fatal = 1, fatal_msg = excluded.fatal_msg, updated_at = excluded.updated_at`,
		build.Key(), msg, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set fatal: %w", err)
	}
	return nil
}

// GetFatal returns the fatal flag and message of a build generation.
func (s *Store) GetFatal(build models.BuildID) (bool, string, error) {
	var fatal int
	var msg sql.NullString
	err := s.db.QueryRow(`SELECT fatal, fatal_msg FROM generations WHERE build_key = ?`, build.Key()).Scan(&fatal, &msg)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("query generation: %w", err)
	}
	return fatal != 0, msg.String, nil
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(action, inputsHash, outcome, taskKey, details string) (*models.PDREntry, error) {
	now := time.Now().UTC()
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		TaskKey:    taskKey,
		Details:    details,
		Timestamp:  now,
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, task_key, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.TaskKey, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns the records of a task key in write order.
func (s *Store) ListPDR(taskKey string) ([]models.PDREntry, error) {
	rows, err := s.db.Query(
		`SELECT id, action, inputs_hash, outcome, task_key, details, timestamp FROM pdr WHERE task_key = ? ORDER BY timestamp, rowid`,
		taskKey,
	)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var key, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &key, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.TaskKey = key.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
