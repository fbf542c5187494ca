package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"gamepilot/internal/core"
)

// Memory is a process-local store used by tests and by the daemon when no
// state directory is configured. Reads return copies.
type Memory struct {
	mu         sync.RWMutex
	tasks      map[string]*core.Task
	logs       map[string][]*core.ExecutionLog
	executions map[string]*core.TaskExecution
	schedules  map[string]*core.Schedule
	nextLogID  int64
}

// Backend is the full surface shared by Store and Memory, consumed by the
// HTTP and MCP front-ends.
type Backend interface {
	core.Store
	core.ScheduleStore
	GetExecution(ctx context.Context, id string) (*core.TaskExecution, error)
	DeleteTask(ctx context.Context, id string) error
}

var (
	_ Backend = (*Memory)(nil)
	_ Backend = (*Store)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		tasks:      make(map[string]*core.Task),
		logs:       make(map[string][]*core.ExecutionLog),
		executions: make(map[string]*core.TaskExecution),
		schedules:  make(map[string]*core.Schedule),
	}
}

func (m *Memory) CreateTask(_ context.Context, task *core.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = core.TaskStatusCreated
	}
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*core.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, core.ErrTaskNotFound
	}
	cp := *task
	return &cp, nil
}

func (m *Memory) ListTasks(_ context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Task
	for _, task := range m.tasks {
		if filter.Status != nil && task.Status != *filter.Status {
			continue
		}
		if filter.Type != nil && task.Type != *filter.Type {
			continue
		}
		if filter.ScheduleID != "" && task.ScheduleID != filter.ScheduleID {
			continue
		}
		cp := *task
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateTaskStatus(_ context.Context, id string, status core.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return core.ErrTaskNotFound
	}
	if err := core.ValidateTransition(id, task.Status, status); err != nil {
		return err
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) MarkTaskExecuted(_ context.Context, id string, at time.Time, retryCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return core.ErrTaskNotFound
	}
	at = at.UTC()
	task.LastExecutionAt = &at
	task.RetryCount = retryCount
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteTask removes the task with its logs and executions.
func (m *Memory) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return core.ErrTaskNotFound
	}
	delete(m.tasks, id)
	delete(m.logs, id)
	for execID, exec := range m.executions {
		if exec.TaskID == id {
			delete(m.executions, execID)
		}
	}
	return nil
}

func (m *Memory) AddExecutionLog(_ context.Context, taskID string, level core.LogLevel, message string, detail map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	m.logs[taskID] = append(m.logs[taskID], &core.ExecutionLog{
		ID:        m.nextLogID,
		TaskID:    taskID,
		Level:     level,
		Message:   message,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// ListExecutionLogs returns the newest logs first.
func (m *Memory) ListExecutionLogs(_ context.Context, taskID string, limit int) ([]*core.ExecutionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	logs := m.logs[taskID]
	out := make([]*core.ExecutionLog, 0, len(logs))
	for i := len(logs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		cp := *logs[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) RecordExecution(_ context.Context, exec *core.TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *exec
	m.executions[exec.ExecutionID] = &cp
	return nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (*core.TaskExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, core.ErrExecutionNotFound
	}
	cp := *exec
	return &cp, nil
}

func (m *Memory) ListExecutions(_ context.Context, taskID string, limit int) ([]*core.TaskExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.TaskExecution
	for _, exec := range m.executions {
		if taskID != "" && exec.TaskID != taskID {
			continue
		}
		cp := *exec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertSchedule(_ context.Context, sched *core.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	cp := *sched
	m.schedules[sched.ID] = &cp
	return nil
}

func (m *Memory) UpdateSchedule(_ context.Context, sched *core.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.schedules[sched.ID]
	if !ok {
		return core.ErrScheduleNotFound
	}
	sched.UpdatedAt = time.Now().UTC()
	cp := *sched
	cp.CreatedAt = existing.CreatedAt
	cp.LastTaskID = existing.LastTaskID
	cp.LastRunAt = existing.LastRunAt
	cp.NextRunAt = existing.NextRunAt
	m.schedules[sched.ID] = &cp
	return nil
}

func (m *Memory) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return core.ErrScheduleNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *Memory) GetSchedule(_ context.Context, id string) (*core.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sched, ok := m.schedules[id]
	if !ok {
		return nil, core.ErrScheduleNotFound
	}
	cp := *sched
	return &cp, nil
}

func (m *Memory) ListSchedules(_ context.Context) ([]*core.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Schedule, 0, len(m.schedules))
	for _, sched := range m.schedules {
		cp := *sched
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateScheduleRunInfo(_ context.Context, id, lastTaskID string, lastRunAt, nextRunAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[id]
	if !ok {
		return core.ErrScheduleNotFound
	}
	sched.LastTaskID = lastTaskID
	sched.LastRunAt = lastRunAt
	sched.NextRunAt = nextRunAt
	sched.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateScheduleNextRun(_ context.Context, id string, nextRunAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[id]
	if !ok {
		return core.ErrScheduleNotFound
	}
	sched.NextRunAt = nextRunAt
	return nil
}
