package automation

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
)

type scriptedRunner struct {
	mu       sync.Mutex
	executed []action.Action
	fail     map[int]bool // zero-based call index
	delay    time.Duration
}

func (r *scriptedRunner) Execute(ctx context.Context, a action.Action) action.Result {
	r.mu.Lock()
	idx := len(r.executed)
	r.executed = append(r.executed, a)
	fail := r.fail[idx]
	r.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-ctx.Done():
			return action.Result{Success: false, Err: ctx.Err()}
		case <-time.After(r.delay):
		}
	}
	if fail {
		return action.Result{Success: false, Message: "button not found", Err: errors.New("button not found")}
	}
	return action.Result{Success: true}
}

func (r *scriptedRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executed)
}

type memReporter struct {
	mu       sync.Mutex
	statuses []core.TaskStatus
	messages []string
}

func (r *memReporter) UpdateTaskStatus(_ context.Context, _ string, status core.TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *memReporter) AddExecutionLog(_ context.Context, _ string, _ core.LogLevel, message string, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

func (r *memReporter) snapshot() ([]core.TaskStatus, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.TaskStatus(nil), r.statuses...), append([]string(nil), r.messages...)
}

type fixedWatcher struct {
	running    bool
	foreground bool
}

func (w fixedWatcher) IsTargetAppRunning(context.Context) (bool, error)    { return w.running, nil }
func (w fixedWatcher) IsTargetAppForeground(context.Context) (bool, error) { return w.foreground, nil }

func keys(names ...string) []action.Action {
	out := make([]action.Action, 0, len(names))
	for _, n := range names {
		out = append(out, action.KeyPress{Key: n})
	}
	return out
}

func TestRun_Completes(t *testing.T) {
	runner := &scriptedRunner{}
	rep := &memReporter{}
	c := NewController(runner, rep)

	res, err := c.Run(context.Background(), "t1", keys("a", "b", "c"))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, core.TaskStatusCompleted, res.State)
	assert.Equal(t, 3, res.ActionsCompleted)
	assert.Equal(t, 1.0, c.Progress())

	statuses, messages := rep.snapshot()
	assert.Equal(t, []core.TaskStatus{core.TaskStatusRunning, core.TaskStatusCompleted}, statuses)
	assert.Contains(t, messages, "automation finished")
}

func TestRun_SafeModeFailsFast(t *testing.T) {
	runner := &scriptedRunner{fail: map[int]bool{1: true}}
	rep := &memReporter{}
	c := NewController(runner, rep, WithSafeMode(true))

	res, err := c.Run(context.Background(), "t1", keys("a", "b", "c"))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, core.TaskStatusFailed, res.State)
	assert.Equal(t, 1, res.ActionsCompleted)
	assert.Equal(t, 1, res.ActionsFailed)
	assert.Equal(t, 2, runner.count(), "third action must never run")
	assert.EqualError(t, res.Err, "button not found")

	_, messages := rep.snapshot()
	assert.Contains(t, messages, "action failed")
}

func TestRun_WithoutSafeModeContinues(t *testing.T) {
	runner := &scriptedRunner{fail: map[int]bool{1: true}}
	c := NewController(runner, nil, WithSafeMode(false))

	res, err := c.Run(context.Background(), "t1", keys("a", "b", "c"))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.ActionsCompleted)
	assert.Equal(t, 1, res.ActionsFailed)
	assert.Equal(t, 3, runner.count())
}

func TestStart_RejectsWhileRunning(t *testing.T) {
	runner := &scriptedRunner{delay: 50 * time.Millisecond}
	c := NewController(runner, nil)

	require.NoError(t, c.Start(context.Background(), "t1", keys("a", "b")))
	err := c.Start(context.Background(), "t1", keys("c"))
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	res, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)

	// a finished controller can be started again
	res, err = c.Run(context.Background(), "t1", keys("d"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ActionsCompleted)
}

func TestStart_RequiresTargetApp(t *testing.T) {
	c := NewController(&scriptedRunner{}, nil, WithAppWatcher(fixedWatcher{running: false}, false))
	assert.ErrorIs(t, c.Start(context.Background(), "t1", keys("a")), ErrTargetNotActive)
	assert.Equal(t, core.TaskStatusCreated, c.State())

	c = NewController(&scriptedRunner{}, nil, WithAppWatcher(fixedWatcher{running: true, foreground: false}, true))
	assert.ErrorIs(t, c.Start(context.Background(), "t1", keys("a")), ErrTargetNotActive)
}

func TestPauseResume(t *testing.T) {
	runner := &scriptedRunner{delay: 20 * time.Millisecond}
	rep := &memReporter{}
	c := NewController(runner, rep, WithPausePoll(5*time.Millisecond))

	require.NoError(t, c.Start(context.Background(), "t1", keys("a", "b", "c", "d", "e")))
	require.NoError(t, c.Pause())
	assert.Equal(t, core.TaskStatusPaused, c.State())
	assert.ErrorIs(t, c.Pause(), ErrInvalidState)

	time.Sleep(60 * time.Millisecond)
	consumed := runner.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, consumed, runner.count(), "paused controller must not consume actions")

	require.NoError(t, c.Resume())
	res, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 5, res.ActionsCompleted)

	statuses, _ := rep.snapshot()
	assert.Equal(t, []core.TaskStatus{
		core.TaskStatusRunning, core.TaskStatusPaused, core.TaskStatusRunning, core.TaskStatusCompleted,
	}, statuses)
}

func TestStop(t *testing.T) {
	runner := &scriptedRunner{delay: 30 * time.Millisecond}
	c := NewController(runner, nil)

	require.NoError(t, c.Start(context.Background(), "t1", keys("a", "b", "c", "d")))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Stop())

	res, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, core.TaskStatusStopped, res.State)
	assert.Less(t, runner.count(), 4)
	assert.ErrorIs(t, c.Stop(), ErrInvalidState)
}

func TestResumeRequiresPaused(t *testing.T) {
	c := NewController(&scriptedRunner{}, nil)
	assert.ErrorIs(t, c.Resume(), ErrInvalidState)
	assert.ErrorIs(t, c.Pause(), ErrInvalidState)
}

func TestDelayRandomization(t *testing.T) {
	c := NewController(&scriptedRunner{}, nil, WithActionDelay(100*time.Millisecond, true))
	c.random = func() float64 { return 0 }
	assert.Equal(t, 50*time.Millisecond, c.delay())
	c.random = func() float64 { return 0.99 }
	assert.InDelta(t, float64(149*time.Millisecond), float64(c.delay()), float64(time.Millisecond))
}
