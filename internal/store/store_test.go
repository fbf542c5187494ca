package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamepilot/internal/action"
	"gamepilot/internal/core"
)

type backend interface {
	core.Store
	core.ScheduleStore
}

func openSQLite(t *testing.T) backend {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir(), 3)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openMemory(t *testing.T) backend {
	return NewMemory()
}

var backends = map[string]func(t *testing.T) backend{
	"sqlite": openSQLite,
	"memory": openMemory,
}

func sampleTask(id string) *core.Task {
	return &core.Task{
		ID:         id,
		Name:       "collect rewards",
		Type:       core.TaskTypeDailyMission,
		Priority:   core.PriorityHigh,
		MaxRetries: 2,
		Config: core.TaskConfig{
			Params: map[string]any{"stage": "1-4"},
			Actions: []action.Spec{
				{ActionType: "click", Params: map[string]any{"x": 10, "y": 20}},
				{ActionType: "wait", Params: map[string]any{"duration": 0.5}},
			},
		},
	}
}

func TestTaskRoundTrip(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			require.NoError(t, s.CreateTask(ctx, sampleTask("t1")))

			got, err := s.GetTask(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, core.TaskStatusCreated, got.Status)
			assert.Equal(t, core.PriorityHigh, got.Priority)
			assert.Equal(t, core.TaskTypeDailyMission, got.Type)
			require.Len(t, got.Config.Actions, 2)
			assert.Equal(t, "wait", got.Config.Actions[1].ActionType)
			assert.Equal(t, "1-4", got.Config.Params["stage"])

			actions, err := got.Config.DecodeActions()
			require.NoError(t, err)
			assert.Len(t, actions, 2)

			_, err = s.GetTask(ctx, "missing")
			assert.ErrorIs(t, err, core.ErrTaskNotFound)
		})
	}
}

func TestUpdateTaskStatusEnforcesTransitions(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			require.NoError(t, s.CreateTask(ctx, sampleTask("t1")))

			require.NoError(t, s.UpdateTaskStatus(ctx, "t1", core.TaskStatusRunning))
			require.NoError(t, s.UpdateTaskStatus(ctx, "t1", core.TaskStatusPaused))

			err := s.UpdateTaskStatus(ctx, "t1", core.TaskStatusCompleted)
			var te *core.TransitionError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, core.TaskStatusPaused, te.From)
			assert.Equal(t, core.TaskStatusCompleted, te.To)

			got, err := s.GetTask(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, core.TaskStatusPaused, got.Status)

			assert.ErrorIs(t, s.UpdateTaskStatus(ctx, "nope", core.TaskStatusRunning), core.ErrTaskNotFound)
		})
	}
}

func TestListTasksFilter(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			a := sampleTask("a")
			b := sampleTask("b")
			b.Type = core.TaskTypeCombatAuto
			b.ScheduleID = "sched-1"
			require.NoError(t, s.CreateTask(ctx, a))
			require.NoError(t, s.CreateTask(ctx, b))
			require.NoError(t, s.UpdateTaskStatus(ctx, "a", core.TaskStatusRunning))

			running := core.TaskStatusRunning
			tasks, err := s.ListTasks(ctx, core.TaskFilter{Status: &running})
			require.NoError(t, err)
			require.Len(t, tasks, 1)
			assert.Equal(t, "a", tasks[0].ID)

			combat := core.TaskTypeCombatAuto
			tasks, err = s.ListTasks(ctx, core.TaskFilter{Type: &combat})
			require.NoError(t, err)
			require.Len(t, tasks, 1)
			assert.Equal(t, "b", tasks[0].ID)

			tasks, err = s.ListTasks(ctx, core.TaskFilter{ScheduleID: "sched-1"})
			require.NoError(t, err)
			require.Len(t, tasks, 1)

			tasks, err = s.ListTasks(ctx, core.TaskFilter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, tasks, 1)
		})
	}
}

func TestMarkTaskExecuted(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			require.NoError(t, s.CreateTask(ctx, sampleTask("t1")))
			at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			require.NoError(t, s.MarkTaskExecuted(ctx, "t1", at, 1))

			got, err := s.GetTask(ctx, "t1")
			require.NoError(t, err)
			require.NotNil(t, got.LastExecutionAt)
			assert.True(t, at.Equal(*got.LastExecutionAt))
			assert.Equal(t, 1, got.RetryCount)

			assert.ErrorIs(t, s.MarkTaskExecuted(ctx, "nope", at, 0), core.ErrTaskNotFound)
		})
	}
}

func TestExecutionLogsNewestFirst(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			require.NoError(t, s.CreateTask(ctx, sampleTask("t1")))
			require.NoError(t, s.AddExecutionLog(ctx, "t1", core.LogInfo, "first", nil))
			require.NoError(t, s.AddExecutionLog(ctx, "t1", core.LogWarn, "second", map[string]any{"attempt": 2}))

			logs, err := s.ListExecutionLogs(ctx, "t1", 10)
			require.NoError(t, err)
			require.Len(t, logs, 2)
			assert.Equal(t, "second", logs[0].Message)
			assert.Equal(t, core.LogWarn, logs[0].Level)
			assert.EqualValues(t, 2, logs[0].Detail["attempt"])
			assert.Equal(t, "first", logs[1].Message)

			logs, err = s.ListExecutionLogs(ctx, "t1", 1)
			require.NoError(t, err)
			assert.Len(t, logs, 1)
		})
	}
}

func TestRecordExecutionUpserts(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			require.NoError(t, s.CreateTask(ctx, sampleTask("t1")))

			exec := &core.TaskExecution{
				ExecutionID: "e1",
				TaskID:      "t1",
				Priority:    core.PriorityHigh,
				State:       core.ExecutionQueued,
				SubmittedAt: time.Now().UTC(),
			}
			require.NoError(t, s.RecordExecution(ctx, exec))

			end := time.Now().UTC()
			exec.State = core.ExecutionCompleted
			exec.WorkerID = "worker-1"
			exec.Progress = 1
			exec.Attempts = 1
			exec.EndTime = &end
			exec.Result = &core.RunSummary{Success: true, ActionsCompleted: 2, ExecutionTime: time.Second}
			require.NoError(t, s.RecordExecution(ctx, exec))

			execs, err := s.ListExecutions(ctx, "t1", 10)
			require.NoError(t, err)
			require.Len(t, execs, 1)
			got := execs[0]
			assert.Equal(t, core.ExecutionCompleted, got.State)
			assert.Equal(t, "worker-1", got.WorkerID)
			require.NotNil(t, got.Result)
			assert.Equal(t, 2, got.Result.ActionsCompleted)
			assert.Equal(t, time.Second, got.Result.ExecutionTime)
			require.NotNil(t, got.EndTime)
		})
	}
}

func TestPruneTaskHistoryKeepsRetention(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, t.TempDir(), 2)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.CreateTask(ctx, sampleTask("t1")))

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, s.RecordExecution(ctx, &core.TaskExecution{
			ExecutionID: id,
			TaskID:      "t1",
			State:       core.ExecutionCompleted,
			SubmittedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	execs, err := s.ListExecutions(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, "e3", execs[0].ExecutionID)
	assert.Equal(t, "e2", execs[1].ExecutionID)

	_, err = s.GetExecution(ctx, "e1")
	assert.ErrorIs(t, err, core.ErrExecutionNotFound)
}

func TestScheduleLifecycle(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			sched := &core.Schedule{
				ID:         "s1",
				Name:       "daily login",
				Cron:       "0 5 * * *",
				TaskType:   core.TaskTypeDailyMission,
				Priority:   core.PriorityMedium,
				Config:     sampleTask("x").Config,
				MaxRetries: 1,
				Enabled:    true,
			}
			require.NoError(t, s.InsertSchedule(ctx, sched))

			next := time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)
			ran := next.Add(-24 * time.Hour)
			require.NoError(t, s.UpdateScheduleRunInfo(ctx, "s1", "task-9", &ran, &next))

			sched.Enabled = false
			sched.Cron = "0 6 * * *"
			require.NoError(t, s.UpdateSchedule(ctx, sched))

			got, err := s.GetSchedule(ctx, "s1")
			require.NoError(t, err)
			assert.False(t, got.Enabled)
			assert.Equal(t, "0 6 * * *", got.Cron)
			assert.Equal(t, "task-9", got.LastTaskID)
			require.NotNil(t, got.NextRunAt)
			assert.True(t, next.Equal(*got.NextRunAt))
			assert.Len(t, got.Config.Actions, 2)

			require.NoError(t, s.UpdateScheduleNextRun(ctx, "s1", nil))
			got, err = s.GetSchedule(ctx, "s1")
			require.NoError(t, err)
			assert.Nil(t, got.NextRunAt)

			list, err := s.ListSchedules(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 1)

			require.NoError(t, s.DeleteSchedule(ctx, "s1"))
			_, err = s.GetSchedule(ctx, "s1")
			assert.ErrorIs(t, err, core.ErrScheduleNotFound)
			assert.ErrorIs(t, s.DeleteSchedule(ctx, "s1"), core.ErrScheduleNotFound)
		})
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(ctx, dir, 5)
	require.NoError(t, err)
	require.NoError(t, s.CreateTask(ctx, sampleTask("t1")))
	require.NoError(t, s.Close())

	s, err = Open(ctx, dir, 5)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.GetTask(ctx, "t1")
	assert.NoError(t, err)
}
