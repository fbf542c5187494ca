package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gamepilot/internal/core"
)

const executionColumns = `id, task_id, priority, state, worker_id, progress, attempts, result, error, submitted_at, start_time, end_time`

func (s *Store) AddExecutionLog(ctx context.Context, taskID string, level core.LogLevel, message string, detail map[string]any) error {
	var encoded any
	if len(detail) > 0 {
		data, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("encode log detail: %w", err)
		}
		encoded = string(data)
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO execution_logs (task_id, level, message, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, level, message, encoded, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

// ListExecutionLogs returns the newest logs of a task first.
func (s *Store) ListExecutionLogs(ctx context.Context, taskID string, limit int) ([]*core.ExecutionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, task_id, level, message, detail, created_at
		FROM execution_logs
		WHERE task_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}
	defer rows.Close()
	var logs []*core.ExecutionLog
	for rows.Next() {
		var (
			entry     core.ExecutionLog
			level     string
			detail    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.TaskID, &level, &entry.Message, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		entry.Level = core.LogLevel(level)
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &entry.Detail); err != nil {
				return nil, fmt.Errorf("decode log detail %d: %w", entry.ID, err)
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			entry.CreatedAt = t
		}
		logs = append(logs, &entry)
	}
	return logs, rows.Err()
}

// RecordExecution upserts the execution record and prunes the task's history.
func (s *Store) RecordExecution(ctx context.Context, exec *core.TaskExecution) error {
	var result any
	if exec.Result != nil {
		data, err := json.Marshal(exec.Result)
		if err != nil {
			return fmt.Errorf("encode execution result: %w", err)
		}
		result = string(data)
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			worker_id = excluded.worker_id,
			progress = excluded.progress,
			attempts = excluded.attempts,
			result = excluded.result,
			error = excluded.error,
			start_time = excluded.start_time,
			end_time = excluded.end_time
	`, exec.ExecutionID, exec.TaskID, int(exec.Priority), exec.State, nullableString(exec.WorkerID),
		exec.Progress, exec.Attempts, result, nullableString(exec.Error), formatTime(exec.SubmittedAt),
		nullableTime(exec.StartTime), nullableTime(exec.EndTime))
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return s.PruneTaskHistory(ctx, exec.TaskID)
}

func (s *Store) GetExecution(ctx context.Context, id string) (*core.TaskExecution, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrExecutionNotFound
		}
		return nil, err
	}
	return exec, nil
}

// ListExecutions returns the newest executions first. An empty taskID lists all tasks.
func (s *Store) ListExecutions(ctx context.Context, taskID string, limit int) ([]*core.TaskExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + executionColumns + ` FROM executions`
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY submitted_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var execs []*core.TaskExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// PruneTaskHistory keeps the newest Retention executions of a task and drops
// log lines older than the oldest kept execution.
func (s *Store) PruneTaskHistory(ctx context.Context, taskID string) error {
	if s.Retention <= 0 {
		return nil
	}
	var cutoff sql.NullString
	err := s.DB.QueryRowContext(ctx, `
		SELECT submitted_at FROM executions
		WHERE task_id = ?
		ORDER BY submitted_at DESC
		LIMIT 1 OFFSET ?
	`, taskID, s.Retention-1).Scan(&cutoff)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("query prune cutoff: %w", err)
	}
	if !cutoff.Valid {
		return nil
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM executions WHERE task_id = ? AND submitted_at < ?`, taskID, cutoff.String); err != nil {
		return fmt.Errorf("prune executions: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM execution_logs WHERE task_id = ? AND created_at < ?`, taskID, cutoff.String); err != nil {
		return fmt.Errorf("prune execution logs: %w", err)
	}
	return nil
}

func scanExecution(row scanner) (*core.TaskExecution, error) {
	var (
		exec        core.TaskExecution
		priority    int
		state       string
		workerID    sql.NullString
		result      sql.NullString
		errMsg      sql.NullString
		submittedAt string
		startTime   sql.NullString
		endTime     sql.NullString
	)
	if err := row.Scan(&exec.ExecutionID, &exec.TaskID, &priority, &state, &workerID, &exec.Progress,
		&exec.Attempts, &result, &errMsg, &submittedAt, &startTime, &endTime); err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	exec.Priority = core.Priority(priority)
	exec.State = core.ExecutionState(state)
	exec.WorkerID = workerID.String
	exec.Error = errMsg.String
	if result.Valid {
		var summary core.RunSummary
		if err := json.Unmarshal([]byte(result.String), &summary); err != nil {
			return nil, fmt.Errorf("decode result of execution %s: %w", exec.ExecutionID, err)
		}
		exec.Result = &summary
	}
	if t, err := time.Parse(time.RFC3339Nano, submittedAt); err == nil {
		exec.SubmittedAt = t
	}
	exec.StartTime = parseTime(startTime)
	exec.EndTime = parseTime(endTime)
	return &exec, nil
}
