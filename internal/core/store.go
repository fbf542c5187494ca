package core

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrScheduleNotFound  = errors.New("schedule not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrTaskAlreadyActive = errors.New("task already has an active execution")
)

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status     *TaskStatus
	Type       *TaskType
	ScheduleID string
	Limit      int
}

// Store abstracts the persistence collaborator used by the scheduler and the
// automation engine. Implementations serialize their own writes.
type Store interface {
	// Task operations
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	// UpdateTaskStatus rejects edges outside the transition table with a *TransitionError.
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) error
	MarkTaskExecuted(ctx context.Context, id string, at time.Time, retryCount int) error

	// Log and execution records
	AddExecutionLog(ctx context.Context, taskID string, level LogLevel, message string, detail map[string]any) error
	ListExecutionLogs(ctx context.Context, taskID string, limit int) ([]*ExecutionLog, error)
	RecordExecution(ctx context.Context, exec *TaskExecution) error
	ListExecutions(ctx context.Context, taskID string, limit int) ([]*TaskExecution, error)
}

// ScheduleStore persists recurring task templates.
type ScheduleStore interface {
	InsertSchedule(ctx context.Context, sched *Schedule) error
	UpdateSchedule(ctx context.Context, sched *Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context) ([]*Schedule, error)
	UpdateScheduleRunInfo(ctx context.Context, id, lastTaskID string, lastRunAt, nextRunAt *time.Time) error
	UpdateScheduleNextRun(ctx context.Context, id string, nextRunAt *time.Time) error
}
