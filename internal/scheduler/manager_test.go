package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamepilot/internal/action"
	"gamepilot/internal/core"
	"gamepilot/internal/device"
	"gamepilot/internal/store"
)

type fixedSampler struct {
	mu       sync.Mutex
	cpu, mem float64
	calls    int
}

func (s *fixedSampler) Usage(context.Context) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.cpu, s.mem, nil
}

type harness struct {
	m     *Manager
	store *store.Memory
	sim   *device.Sim
}

func testConfig(workers int) Config {
	cfg := DefaultConfig()
	cfg.Workers = workers
	cfg.Limits.MaxConcurrentTasks = workers
	cfg.PollInterval = 2 * time.Millisecond
	cfg.MaxPollBackoff = 10 * time.Millisecond
	cfg.RetryInitialInterval = 5 * time.Millisecond
	cfg.RetryMaxInterval = 10 * time.Millisecond
	cfg.ActionDelay = 0
	cfg.RandomizeDelay = false
	return cfg
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	mem := store.NewMemory()
	sim := device.NewSim()
	runner := action.NewExecutor(sim, sim, action.WithDelays(0, 0))
	m := NewManager(mem, runner, cfg, nil, opts...)
	t.Cleanup(func() { _ = m.Stop(2 * time.Second) })
	return &harness{m: m, store: mem, sim: sim}
}

func waits(n int, seconds float64) core.TaskConfig {
	cfg := core.TaskConfig{}
	for i := 0; i < n; i++ {
		cfg.Actions = append(cfg.Actions, action.Spec{ActionType: "wait", Params: map[string]any{"duration": seconds}})
	}
	return cfg
}

func (h *harness) submit(t *testing.T, name string, cfg core.TaskConfig, p core.Priority, retries int) (*core.Task, string) {
	t.Helper()
	task, execID, err := h.m.SubmitTask(context.Background(), NewTask{
		Name:       name,
		Type:       core.TaskTypeDailyMission,
		Config:     cfg,
		MaxRetries: retries,
	}, p)
	require.NoError(t, err)
	return task, execID
}

func (h *harness) waitFinished(t *testing.T, execID string) core.TaskExecution {
	t.Helper()
	var rec core.TaskExecution
	require.Eventually(t, func() bool {
		var ok bool
		rec, ok = h.m.Execution(execID)
		return ok && !rec.State.IsActive()
	}, 5*time.Second, 5*time.Millisecond)
	return rec
}

func (h *harness) taskStatus(t *testing.T, id string) core.TaskStatus {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func assertConserved(t *testing.T, s Stats) {
	t.Helper()
	assert.Equal(t, s.TotalTasks, s.CompletedTasks+s.FailedTasks+s.CancelledTasks+s.Queued+s.Running)
}

func TestManager_CountsBeforeStart(t *testing.T) {
	h := newHarness(t, testConfig(2))
	h.submit(t, "low", waits(1, 0.05), core.PriorityLow, 0)
	h.submit(t, "urgent-1", waits(1, 0.05), core.PriorityUrgent, 0)
	h.submit(t, "urgent-2", waits(1, 0.05), core.PriorityUrgent, 0)

	assert.Equal(t, map[core.Priority]int{core.PriorityUrgent: 2, core.PriorityLow: 1}, h.m.Counts())

	status := h.m.QueueStatus()
	assert.Equal(t, 3, status.ActiveCount)
	assert.Equal(t, 0, status.Depths[core.PriorityHigh])
	assert.Equal(t, 2, status.Depths[core.PriorityUrgent])
	assert.Len(t, status.Workers, 2)
	assert.Equal(t, 3, status.Stats.Queued)
	assertConserved(t, status.Stats)
}

func TestManager_DispatchesUrgentBeforeLow(t *testing.T) {
	h := newHarness(t, testConfig(2))
	_, low := h.submit(t, "low", waits(1, 0.05), core.PriorityLow, 0)
	_, u1 := h.submit(t, "urgent-1", waits(1, 0.05), core.PriorityUrgent, 0)
	_, u2 := h.submit(t, "urgent-2", waits(1, 0.05), core.PriorityUrgent, 0)

	start := time.Now()
	require.NoError(t, h.m.Start(context.Background()))

	lowRec := h.waitFinished(t, low)
	u1Rec := h.waitFinished(t, u1)
	u2Rec := h.waitFinished(t, u2)
	// Two workers: the urgent pair runs together, then low.
	assert.Less(t, time.Since(start), 300*time.Millisecond)

	for _, rec := range []core.TaskExecution{lowRec, u1Rec, u2Rec} {
		require.Equal(t, core.ExecutionCompleted, rec.State, rec.Error)
		require.NotNil(t, rec.StartTime)
		require.NotNil(t, rec.EndTime)
		assert.Equal(t, 1.0, rec.Progress)
	}
	assert.False(t, lowRec.StartTime.Before(*u1Rec.StartTime))
	assert.False(t, lowRec.StartTime.Before(*u2Rec.StartTime))

	stats := h.m.Stats()
	assert.Equal(t, 3, stats.TotalTasks)
	assert.Equal(t, 3, stats.CompletedTasks)
	assertConserved(t, stats)
	assert.Len(t, h.m.CompletedExecutions(), 3)
}

func TestManager_RejectsSecondActiveExecution(t *testing.T) {
	h := newHarness(t, testConfig(1))
	task, _ := h.submit(t, "once", waits(1, 0.01), core.PriorityMedium, 0)

	_, err := h.m.Submit(context.Background(), task.ID, core.PriorityUrgent)
	assert.ErrorIs(t, err, core.ErrTaskAlreadyActive)
	assert.True(t, h.m.IsTaskActive(task.ID))
	assert.Equal(t, 1, h.m.Stats().TotalTasks)
}

func TestManager_SubmitValidation(t *testing.T) {
	h := newHarness(t, testConfig(1))
	ctx := context.Background()

	_, err := h.m.Submit(ctx, "missing", core.PriorityLow)
	assert.ErrorIs(t, err, core.ErrTaskNotFound)

	_, _, err = h.m.SubmitTask(ctx, NewTask{Name: "", Config: waits(1, 0.001)}, core.PriorityLow)
	assert.ErrorIs(t, err, ErrInvalidTask)

	_, _, err = h.m.SubmitTask(ctx, NewTask{Name: "bad", Config: core.TaskConfig{}}, core.PriorityLow)
	assert.ErrorIs(t, err, ErrInvalidTask)

	_, _, err = h.m.SubmitTask(ctx, NewTask{Name: "bad", Config: waits(1, 0.001)}, core.Priority(9))
	assert.ErrorIs(t, err, ErrInvalidTask)

	_, _, err = h.m.SubmitTask(ctx, NewTask{Name: "bad", Type: "raid", Config: waits(1, 0.001)}, core.PriorityLow)
	assert.ErrorIs(t, err, ErrInvalidTask)

	_, _, err = h.m.SubmitTask(ctx, NewTask{Name: "bad", Config: core.TaskConfig{Actions: []action.Spec{{ActionType: "teleport"}}}}, core.PriorityLow)
	assert.ErrorIs(t, err, ErrInvalidTask)

	assert.Equal(t, 0, h.m.Stats().TotalTasks)
}

func TestManager_CancelQueued(t *testing.T) {
	h := newHarness(t, testConfig(1))
	task, execID := h.submit(t, "queued", waits(1, 0.01), core.PriorityHigh, 0)

	assert.True(t, h.m.Cancel(execID))
	assert.False(t, h.m.Cancel(execID))
	assert.False(t, h.m.Cancel("unknown"))

	rec, ok := h.m.Execution(execID)
	require.True(t, ok)
	assert.Equal(t, core.ExecutionCancelled, rec.State)
	assert.Empty(t, h.m.Counts())
	assert.False(t, h.m.IsTaskActive(task.ID))
	assert.Equal(t, core.TaskStatusCancelled, h.taskStatus(t, task.ID))

	stats := h.m.Stats()
	assert.Equal(t, 1, stats.CancelledTasks)
	assertConserved(t, stats)
}

func TestManager_CancelRunning(t *testing.T) {
	h := newHarness(t, testConfig(1))
	task, execID := h.submit(t, "long", waits(1, 5), core.PriorityHigh, 3)
	require.NoError(t, h.m.Start(context.Background()))

	require.Eventually(t, func() bool {
		rec, _ := h.m.Execution(execID)
		return rec.State == core.ExecutionRunning && h.taskStatus(t, task.ID) == core.TaskStatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, h.m.Cancel(execID))
	assert.False(t, h.m.Cancel(execID), "second cancel of a running execution reports false")

	rec := h.waitFinished(t, execID)
	assert.Equal(t, core.ExecutionCancelled, rec.State)
	assert.Equal(t, 1, rec.Attempts, "a cancelled run is not retried")
	assert.Equal(t, core.TaskStatusStopped, h.taskStatus(t, task.ID))
	assertConserved(t, h.m.Stats())
}

func TestManager_Timeout(t *testing.T) {
	cfg := testConfig(1)
	cfg.Limits.MaxExecutionTime = 50 * time.Millisecond
	h := newHarness(t, cfg)
	task, execID := h.submit(t, "stuck", waits(1, 5), core.PriorityHigh, 2)
	require.NoError(t, h.m.Start(context.Background()))

	rec := h.waitFinished(t, execID)
	assert.Equal(t, core.ExecutionTimeout, rec.State)
	assert.NotEmpty(t, rec.Error)
	assert.Equal(t, core.TaskStatusStopped, h.taskStatus(t, task.ID))

	stats := h.m.Stats()
	assert.Equal(t, 1, stats.TimedOutTasks)
	assert.Equal(t, 1, stats.FailedTasks)
	assertConserved(t, stats)
}

func TestManager_RetriesUntilExhausted(t *testing.T) {
	h := newHarness(t, testConfig(1))
	h.sim.FailOp("click", errors.New("input device lost"))
	cfg := core.TaskConfig{Actions: []action.Spec{{ActionType: "click", Params: map[string]any{"x": 1, "y": 2}}}}
	task, execID := h.submit(t, "flaky", cfg, core.PriorityMedium, 2)
	require.NoError(t, h.m.Start(context.Background()))

	rec := h.waitFinished(t, execID)
	assert.Equal(t, core.ExecutionFailed, rec.State)
	assert.Equal(t, 3, rec.Attempts)
	require.NotNil(t, rec.Result)
	assert.False(t, rec.Result.Success)
	assert.Contains(t, rec.Error, "input device lost")

	got, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)

	logs, err := h.store.ListExecutionLogs(context.Background(), task.ID, 0)
	require.NoError(t, err)
	retries := 0
	for _, l := range logs {
		if l.Message == "retrying" {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
	assert.Len(t, h.sim.Calls(), 3)
}

func TestManager_RetryCountGrowsWhileRetrying(t *testing.T) {
	cfg := testConfig(1)
	cfg.RetryInitialInterval = 60 * time.Millisecond
	cfg.RetryMaxInterval = 60 * time.Millisecond
	h := newHarness(t, cfg)
	h.sim.FailOp("click", errors.New("input device lost"))
	clickCfg := core.TaskConfig{Actions: []action.Spec{{ActionType: "click", Params: map[string]any{"x": 1, "y": 2}}}}
	task, execID := h.submit(t, "flaky", clickCfg, core.PriorityMedium, 2)
	require.NoError(t, h.m.Start(context.Background()))

	seen := map[int]bool{}
	require.Eventually(t, func() bool {
		got, err := h.store.GetTask(context.Background(), task.ID)
		if err != nil {
			return false
		}
		if got.Status == core.TaskStatusRetrying {
			seen[got.RetryCount] = true
		}
		return seen[1] && seen[2]
	}, 5*time.Second, 2*time.Millisecond, "retry counts seen while retrying: %v", seen)

	rec := h.waitFinished(t, execID)
	assert.Equal(t, core.ExecutionFailed, rec.State)
	got, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
}

func TestManager_PreconditionFailureStopsTask(t *testing.T) {
	h := newHarness(t, testConfig(1))
	h.m.watcher = h.sim
	h.sim.SetApp(false, false)
	task, execID := h.submit(t, "closed game", waits(1, 0.001), core.PriorityMedium, 0)
	require.NoError(t, h.m.Start(context.Background()))

	rec := h.waitFinished(t, execID)
	assert.Equal(t, core.ExecutionFailed, rec.State)
	assert.Contains(t, rec.Error, "not active")
	assert.Equal(t, core.TaskStatusStopped, h.taskStatus(t, task.ID))

	logs, err := h.store.ListExecutionLogs(context.Background(), task.ID, 0)
	require.NoError(t, err)
	var finished map[string]any
	for _, l := range logs {
		if l.Message == "execution finished" {
			finished = l.Detail
		}
	}
	require.NotNil(t, finished)
	assert.Contains(t, finished["error"], "not active")
}

func TestManager_RetrySucceeds(t *testing.T) {
	h := newHarness(t, testConfig(1))
	h.sim.ShowTemplateAfter("claim", action.Point{X: 3, Y: 4}, 0.9, 1)
	cfg := core.TaskConfig{Actions: []action.Spec{{ActionType: "click", Params: map[string]any{"template": "claim"}}}}
	task, execID := h.submit(t, "claim rewards", cfg, core.PriorityMedium, 1)
	require.NoError(t, h.m.Start(context.Background()))

	rec := h.waitFinished(t, execID)
	assert.Equal(t, core.ExecutionCompleted, rec.State, rec.Error)
	assert.Equal(t, 2, rec.Attempts)

	got, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastExecutionAt)

	persisted, err := h.store.ListExecutions(context.Background(), task.ID, 10)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, core.ExecutionCompleted, persisted[0].State)
}

func TestManager_PauseResume(t *testing.T) {
	h := newHarness(t, testConfig(1))
	task, execID := h.submit(t, "farm", waits(5, 0.1), core.PriorityHigh, 0)
	require.NoError(t, h.m.Start(context.Background()))

	require.Eventually(t, func() bool { return h.m.Pause(task.ID) == nil }, 2*time.Second, 5*time.Millisecond)
	rec, _ := h.m.Execution(execID)
	assert.Equal(t, core.ExecutionPaused, rec.State)
	assert.Equal(t, core.TaskStatusPaused, h.taskStatus(t, task.ID))
	assert.Error(t, h.m.Pause(task.ID), "already paused")

	require.NoError(t, h.m.Resume(task.ID))
	rec = h.waitFinished(t, execID)
	assert.Equal(t, core.ExecutionCompleted, rec.State)
	assert.Equal(t, core.TaskStatusCompleted, h.taskStatus(t, task.ID))

	assert.ErrorIs(t, h.m.Pause(task.ID), ErrNotRunning)
	assert.ErrorIs(t, h.m.StopTask(task.ID), ErrNotRunning)
}

func TestManager_StopTask(t *testing.T) {
	h := newHarness(t, testConfig(1))
	task, execID := h.submit(t, "long", waits(1, 5), core.PriorityHigh, 0)
	require.NoError(t, h.m.Start(context.Background()))
	require.Eventually(t, func() bool { return h.m.Pause(task.ID) == nil }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.m.StopTask(task.ID))
	rec := h.waitFinished(t, execID)
	assert.Equal(t, core.ExecutionCancelled, rec.State)
	assert.Equal(t, core.TaskStatusStopped, h.taskStatus(t, task.ID))
}

func TestManager_ResourceGateDefersNonUrgentWork(t *testing.T) {
	cfg := testConfig(2)
	cfg.Limits.MaxCPUUsage = 80
	sampler := &fixedSampler{cpu: 95, mem: 10}
	h := newHarness(t, cfg, WithSampler(sampler))

	_, lowID := h.submit(t, "low", waits(1, 0.001), core.PriorityLow, 0)
	_, urgentID := h.submit(t, "urgent", waits(1, 0.001), core.PriorityUrgent, 0)
	require.NoError(t, h.m.Start(context.Background()))

	rec := h.waitFinished(t, urgentID)
	assert.Equal(t, core.ExecutionCompleted, rec.State)

	time.Sleep(50 * time.Millisecond)
	low, ok := h.m.Execution(lowID)
	require.True(t, ok)
	assert.Equal(t, core.ExecutionQueued, low.State)

	sampler.mu.Lock()
	sampler.cpu = 10
	sampler.mu.Unlock()
	rec = h.waitFinished(t, lowID)
	assert.Equal(t, core.ExecutionCompleted, rec.State)
}

func TestManager_StopLeavesQueuedWork(t *testing.T) {
	h := newHarness(t, testConfig(1))
	_, first := h.submit(t, "first", waits(1, 0.05), core.PriorityHigh, 0)
	_, second := h.submit(t, "second", waits(1, 0.05), core.PriorityLow, 0)
	require.NoError(t, h.m.Start(context.Background()))
	require.Eventually(t, func() bool { return h.m.Stats().Running == 1 }, 2*time.Second, 2*time.Millisecond)

	require.NoError(t, h.m.Stop(2*time.Second))

	rec, ok := h.m.Execution(first)
	require.True(t, ok)
	assert.Equal(t, core.ExecutionCompleted, rec.State)

	rec, ok = h.m.Execution(second)
	require.True(t, ok)
	assert.Equal(t, core.ExecutionQueued, rec.State)
	assert.Equal(t, map[core.Priority]int{core.PriorityLow: 1}, h.m.Counts())
	assertConserved(t, h.m.Stats())

	assert.ErrorIs(t, h.m.Start(context.Background()), ErrAlreadyStarted)
}

func TestManager_ConcurrentSubmitKeepsCounters(t *testing.T) {
	h := newHarness(t, testConfig(3))
	require.NoError(t, h.m.Start(context.Background()))

	var wg sync.WaitGroup
	ids := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, execID, err := h.m.SubmitTask(context.Background(), NewTask{
				Name:   "burst",
				Config: waits(1, 0.005),
			}, core.Priorities[i%len(core.Priorities)])
			if err == nil {
				ids <- execID
			}
		}(i)
	}
	wg.Wait()
	close(ids)
	for id := range ids {
		h.waitFinished(t, id)
	}
	stats := h.m.Stats()
	assert.Equal(t, 20, stats.TotalTasks)
	assert.Equal(t, 20, stats.CompletedTasks)
	assertConserved(t, stats)

	for _, w := range h.m.QueueStatus().Workers {
		assert.False(t, w.Busy)
	}
}
