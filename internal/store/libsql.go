package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "open libsql: %s", err.Error()).WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Executions ---

const executionColumns = `id, workflow_id, workflow_name, correlation_id, status, definition, input, data, results, steps, levels, error, failed_step, peak_parallelism, duration_ms, started_at, completed_at, created_at`

// SaveExecution inserts exec, or replaces the stored row with the same id.
// Step logs of a replaced execution are kept.
func (s *LibSQLStore) SaveExecution(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution id is required")
	}
	var def any
	if exec.Definition != nil {
		raw, err := json.Marshal(exec.Definition)
		if err != nil {
			return fmt.Errorf("marshal definition: %w", err)
		}
		def = string(raw)
	}
	input, err := marshalOrDefault(exec.Input, "{}")
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	data, err := marshalOrDefault(exec.Data, "{}")
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	results, err := marshalOrDefault(exec.Results, "{}")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	stepStates, err := marshalOrDefault(exec.Steps, "{}")
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	levels, err := marshalOrDefault(exec.Levels, "[]")
	if err != nil {
		return fmt.Errorf("marshal levels: %w", err)
	}
	var flowErr any
	if exec.Error != nil {
		raw, err := json.Marshal(exec.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		flowErr = string(raw)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   workflow_id=excluded.workflow_id, workflow_name=excluded.workflow_name,
		   correlation_id=excluded.correlation_id, status=excluded.status,
		   definition=excluded.definition, input=excluded.input, data=excluded.data,
		   results=excluded.results, steps=excluded.steps, levels=excluded.levels,
		   error=excluded.error, failed_step=excluded.failed_step,
		   peak_parallelism=excluded.peak_parallelism, duration_ms=excluded.duration_ms,
		   started_at=excluded.started_at, completed_at=excluded.completed_at`,
		exec.ID, exec.WorkflowID, nullStr(exec.WorkflowName), nullStr(exec.CorrelationID), string(exec.Status),
		def, input, data, results, stepStates, levels, flowErr, nullStr(exec.FailedStep),
		exec.PeakParallelism, exec.DurationMs,
		timeOrNow(exec.StartedAt), nullTime(exec.CompletedAt), timeOrNow(exec.CreatedAt),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save execution %q: %s", exec.ID, err.Error()).WithCause(err)
	}
	return nil
}

// GetExecution returns the execution with the given id.
func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// ListExecutions returns executions matching filter, most recent first.
func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT " + executionColumns + " FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// DeleteExecution removes an execution and its step logs.
func (s *LibSQLStore) DeleteExecution(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	exec := &Execution{}
	var (
		name, corrID, failedStep         sql.NullString
		defJSON, errJSON                 sql.NullString
		status                           string
		input, data, results, st, levels string
		completedAt                      sql.NullTime
	)
	if err := row.Scan(&exec.ID, &exec.WorkflowID, &name, &corrID, &status, &defJSON,
		&input, &data, &results, &st, &levels, &errJSON, &failedStep,
		&exec.PeakParallelism, &exec.DurationMs, &exec.StartedAt, &completedAt, &exec.CreatedAt); err != nil {
		return nil, err
	}
	exec.WorkflowName = name.String
	exec.CorrelationID = corrID.String
	exec.FailedStep = failedStep.String
	exec.Status = schema.ExecutionStatus(status)
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}

	if defJSON.Valid && defJSON.String != "" {
		exec.Definition = &schema.WorkflowDefinition{}
		if err := json.Unmarshal([]byte(defJSON.String), exec.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
	}
	if errJSON.Valid && errJSON.String != "" {
		exec.Error = &schema.FlowError{}
		if err := json.Unmarshal([]byte(errJSON.String), exec.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	for _, col := range []struct {
		name string
		raw  string
		dst  any
	}{
		{"input", input, &exec.Input},
		{"data", data, &exec.Data},
		{"results", results, &exec.Results},
		{"steps", st, &exec.Steps},
		{"levels", levels, &exec.Levels},
	} {
		if col.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", col.name, err)
		}
	}
	return exec, nil
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

// marshalOrDefault encodes v, or returns def for nil and empty values.
func marshalOrDefault(v any, def string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	switch string(raw) {
	case "null", "{}", "[]":
		return def, nil
	}
	return string(raw), nil
}

var _ Store = (*LibSQLStore)(nil)
