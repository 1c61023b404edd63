package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

// AppendStepLogs appends logs to an execution's step log. Sequence numbers
// continue from the last stored entry and are assigned in slice order.
func (s *LibSQLStore) AppendStepLogs(ctx context.Context, executionID string, logs []*StepLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM step_logs WHERE execution_id = ?`, executionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	for _, l := range logs {
		seq++
		l.ExecutionID = executionID
		l.Sequence = seq
		if l.Timestamp.IsZero() {
			l.Timestamp = time.Now().UTC()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO step_logs (execution_id, sequence, event, step_id, step_type, attempt, duration_ms, error, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			executionID, seq, l.Event, nullStr(l.StepID), nullStr(l.StepType), l.Attempt, l.DurationMs, nullStr(l.Error), l.Timestamp,
		)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "insert step log: %s", err.Error()).WithCause(err)
		}
		if id, err := res.LastInsertId(); err == nil {
			l.ID = id
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit step logs: %w", err)
	}
	return nil
}

// GetStepLogs returns the step log entries with sequence > since, in order.
func (s *LibSQLStore) GetStepLogs(ctx context.Context, executionID string, since int64) ([]*StepLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, sequence, event, step_id, step_type, attempt, duration_ms, error, timestamp
		 FROM step_logs WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*StepLog
	for rows.Next() {
		l := &StepLog{}
		var stepID, stepType, errMsg sql.NullString
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.Sequence, &l.Event, &stepID, &stepType,
			&l.Attempt, &l.DurationMs, &errMsg, &l.Timestamp); err != nil {
			return nil, err
		}
		l.StepID, l.StepType, l.Error = stepID.String, stepType.String, errMsg.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ReplayStepLogs rebuilds per-step states from an execution's stored step log.
// Returns an error if sequence gaps are detected.
func ReplayStepLogs(ctx context.Context, s Store, executionID string) (map[string]*engine.StepState, error) {
	logs, err := s.GetStepLogs(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get step logs for replay: %w", err)
	}

	states := make(map[string]*engine.StepState)
	for i, l := range logs {
		if expected := int64(i + 1); l.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, l.Sequence)
		}
		if l.StepID == "" {
			continue
		}

		st, ok := states[l.StepID]
		if !ok {
			st = &engine.StepState{StepID: l.StepID, Type: l.StepType, Status: schema.StepStatusPending}
			states[l.StepID] = st
		}

		ts := l.Timestamp
		switch l.Event {
		case schema.EventStepStarted:
			st.Status = schema.StepStatusRunning
			st.Attempts = l.Attempt
			if st.StartedAt == nil {
				st.StartedAt = &ts
			}
		case schema.EventStepCompleted:
			st.Status = schema.StepStatusCompleted
			st.CompletedAt = &ts
			st.DurationMs = l.DurationMs
			st.Error = ""
		case schema.EventStepRetry:
			st.Status = schema.StepStatusRetrying
		case schema.EventStepError:
			st.Status = schema.StepStatusFailed
			st.CompletedAt = &ts
			st.DurationMs = l.DurationMs
			st.Error = l.Error
		case schema.EventStepSkipped:
			st.Status = schema.StepStatusSkipped
		}
	}
	return states, nil
}
