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

const scheduleColumns = `id, name, cron, task_type, priority, config, max_retries, enabled, last_task_id, last_run_at, next_run_at, created_at, updated_at`

func (s *Store) InsertSchedule(ctx context.Context, sched *core.Schedule) error {
	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	config, err := json.Marshal(sched.Config)
	if err != nil {
		return fmt.Errorf("encode schedule config: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sched.ID, sched.Name, sched.Cron, sched.TaskType, int(sched.Priority), string(config), sched.MaxRetries,
		boolToInt(sched.Enabled), nullableString(sched.LastTaskID), nullableTime(sched.LastRunAt),
		nullableTime(sched.NextRunAt), formatTime(sched.CreatedAt), formatTime(sched.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *Store) UpdateSchedule(ctx context.Context, sched *core.Schedule) error {
	sched.UpdatedAt = time.Now().UTC()
	config, err := json.Marshal(sched.Config)
	if err != nil {
		return fmt.Errorf("encode schedule config: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE schedules
		SET name = ?, cron = ?, task_type = ?, priority = ?, config = ?, max_retries = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, sched.Name, sched.Cron, sched.TaskType, int(sched.Priority), string(config), sched.MaxRetries,
		boolToInt(sched.Enabled), formatTime(sched.UpdatedAt), sched.ID)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return expectRow(res, core.ErrScheduleNotFound)
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return expectRow(res, core.ErrScheduleNotFound)
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*core.Schedule, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrScheduleNotFound
		}
		return nil, err
	}
	return sched, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]*core.Schedule, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	var out []*core.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *Store) UpdateScheduleRunInfo(ctx context.Context, id, lastTaskID string, lastRunAt, nextRunAt *time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE schedules
		SET last_task_id = ?, last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`, nullableString(lastTaskID), nullableTime(lastRunAt), nullableTime(nextRunAt), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update schedule run info: %w", err)
	}
	return expectRow(res, core.ErrScheduleNotFound)
}

func (s *Store) UpdateScheduleNextRun(ctx context.Context, id string, nextRunAt *time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE schedules
		SET next_run_at = ?
		WHERE id = ?
	`, nullableTime(nextRunAt), id)
	if err != nil {
		return fmt.Errorf("update schedule next run: %w", err)
	}
	return expectRow(res, core.ErrScheduleNotFound)
}

func scanSchedule(row scanner) (*core.Schedule, error) {
	var (
		sched      core.Schedule
		taskType   string
		priority   int
		config     string
		enabled    int
		lastTaskID sql.NullString
		lastRunAt  sql.NullString
		nextRunAt  sql.NullString
		createdAt  string
		updatedAt  string
	)
	if err := row.Scan(&sched.ID, &sched.Name, &sched.Cron, &taskType, &priority, &config, &sched.MaxRetries,
		&enabled, &lastTaskID, &lastRunAt, &nextRunAt, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	sched.TaskType = core.TaskType(taskType)
	sched.Priority = core.Priority(priority)
	sched.Enabled = enabled == 1
	sched.LastTaskID = lastTaskID.String
	sched.LastRunAt = parseTime(lastRunAt)
	sched.NextRunAt = parseTime(nextRunAt)
	if err := json.Unmarshal([]byte(config), &sched.Config); err != nil {
		return nil, fmt.Errorf("decode config of schedule %s: %w", sched.ID, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		sched.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		sched.UpdatedAt = t
	}
	return &sched, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func expectRow(res sql.Result, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
