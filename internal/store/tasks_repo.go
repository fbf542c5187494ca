package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gamepilot/internal/core"
)

const taskColumns = `id, name, type, priority, status, config, retry_count, max_retries, schedule_id, last_execution_at, created_at, updated_at`

func (s *Store) CreateTask(ctx context.Context, task *core.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = core.TaskStatusCreated
	}
	config, err := json.Marshal(task.Config)
	if err != nil {
		return fmt.Errorf("encode task config: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Name, task.Type, int(task.Priority), task.Status, string(config),
		task.RetryCount, task.MaxRetries, nullableString(task.ScheduleID), nullableTime(task.LastExecutionAt),
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.Type != nil {
		where = append(where, "type = ?")
		args = append(args, *filter.Type)
	}
	if filter.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, filter.ScheduleID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// UpdateTaskStatus validates the transition against the current row inside a transaction.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status core.TaskStatus) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("load task status: %w", err)
	}
	if err := core.ValidateTransition(id, core.TaskStatus(current), status); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, updated_at = ?
		WHERE id = ?
	`, status, formatTime(time.Now()), id); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return tx.Commit()
}

func (s *Store) MarkTaskExecuted(ctx context.Context, id string, at time.Time, retryCount int) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET last_execution_at = ?, retry_count = ?, updated_at = ?
		WHERE id = ?
	`, formatTime(at), retryCount, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark task executed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark task executed rows: %w", err)
	}
	if rows == 0 {
		return core.ErrTaskNotFound
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrTaskNotFound
	}
	return nil
}

func scanTask(row scanner) (*core.Task, error) {
	var (
		task       core.Task
		priority   int
		status     string
		taskType   string
		config     string
		scheduleID sql.NullString
		lastExec   sql.NullString
		createdAt  string
		updatedAt  string
	)
	if err := row.Scan(&task.ID, &task.Name, &taskType, &priority, &status, &config,
		&task.RetryCount, &task.MaxRetries, &scheduleID, &lastExec, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Type = core.TaskType(taskType)
	task.Priority = core.Priority(priority)
	task.Status = core.TaskStatus(status)
	task.ScheduleID = scheduleID.String
	task.LastExecutionAt = parseTime(lastExec)
	if err := json.Unmarshal([]byte(config), &task.Config); err != nil {
		return nil, fmt.Errorf("decode config of task %s: %w", task.ID, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		task.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		task.UpdatedAt = t
	}
	return &task, nil
}
