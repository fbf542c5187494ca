package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"gamepilot/internal/action"
	"gamepilot/internal/core"
)

var (
	ErrAlreadyRunning  = errors.New("automation already running")
	ErrTargetNotActive = errors.New("target application is not active")
	ErrInvalidState    = errors.New("invalid controller state")
)

const (
	eventStart    = "start"
	eventPause    = "pause"
	eventResume   = "resume"
	eventComplete = "complete"
	eventFail     = "fail"
	eventStop     = "stop"
)

const defaultPausePoll = 100 * time.Millisecond

// Runner executes a single action. *action.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, a action.Action) action.Result
}

// Reporter receives status changes and execution logs.
type Reporter interface {
	UpdateTaskStatus(ctx context.Context, id string, status core.TaskStatus) error
	AddExecutionLog(ctx context.Context, taskID string, level core.LogLevel, message string, detail map[string]any) error
}

// AppWatcher answers whether the game client can receive input.
type AppWatcher interface {
	IsTargetAppRunning(ctx context.Context) (bool, error)
	IsTargetAppForeground(ctx context.Context) (bool, error)
}

// Result summarizes one drain of the action queue.
type Result struct {
	Success          bool
	ActionsCompleted int
	ActionsFailed    int
	ExecutionTime    time.Duration
	State            core.TaskStatus
	Err              error
}

// Summary converts r into the record stored on an execution.
func (r Result) Summary() *core.RunSummary {
	return &core.RunSummary{
		Success:          r.Success,
		ActionsCompleted: r.ActionsCompleted,
		ActionsFailed:    r.ActionsFailed,
		ExecutionTime:    r.ExecutionTime,
	}
}

// Controller drives one task through its action list. A controller runs at
// most one drain loop at a time and may be restarted once it has finished.
type Controller struct {
	runner   Runner
	reporter Reporter
	watcher  AppWatcher
	logger   *slog.Logger

	safeMode          bool
	actionDelay       time.Duration
	randomizeDelay    bool
	requireForeground bool
	pausePoll         time.Duration
	random            func() float64

	machine *fsm.FSM

	mu        sync.Mutex
	taskID    string
	reportCtx context.Context
	queue     []action.Action
	total     int
	consumed  int
	cancel    context.CancelFunc
	done      chan struct{}
	result    Result
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithAppWatcher enables the target application precondition in Start.
func WithAppWatcher(w AppWatcher, requireForeground bool) Option {
	return func(c *Controller) {
		c.watcher = w
		c.requireForeground = requireForeground
	}
}

// WithSafeMode aborts the run on the first failed action.
func WithSafeMode(enabled bool) Option {
	return func(c *Controller) { c.safeMode = enabled }
}

// WithActionDelay sets the pause between actions. When randomize is set the
// delay is scaled by a random factor in [0.5, 1.5).
func WithActionDelay(d time.Duration, randomize bool) Option {
	return func(c *Controller) {
		c.actionDelay = d
		c.randomizeDelay = randomize
	}
}

func WithPausePoll(d time.Duration) Option {
	return func(c *Controller) { c.pausePoll = d }
}

// NewController creates a controller in the created state. reporter may be nil.
func NewController(runner Runner, reporter Reporter, opts ...Option) *Controller {
	c := &Controller{
		runner:    runner,
		reporter:  reporter,
		logger:    slog.New(slog.DiscardHandler),
		safeMode:  true,
		pausePoll: defaultPausePoll,
		random:    rand.Float64,
		reportCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pausePoll <= 0 || c.pausePoll > defaultPausePoll {
		c.pausePoll = defaultPausePoll
	}

	created := string(core.TaskStatusCreated)
	running := string(core.TaskStatusRunning)
	paused := string(core.TaskStatusPaused)
	completed := string(core.TaskStatusCompleted)
	failed := string(core.TaskStatusFailed)
	stopped := string(core.TaskStatusStopped)

	c.machine = fsm.NewFSM(
		created,
		fsm.Events{
			{Name: eventStart, Src: []string{created, completed, failed, stopped}, Dst: running},
			{Name: eventPause, Src: []string{running}, Dst: paused},
			{Name: eventResume, Src: []string{paused}, Dst: running},
			{Name: eventComplete, Src: []string{running}, Dst: completed},
			{Name: eventFail, Src: []string{running}, Dst: failed},
			{Name: eventStop, Src: []string{created, running, paused}, Dst: stopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.onTransition(e.Event, e.Src, e.Dst)
			},
		},
	)
	return c
}

// State returns the current controller state.
func (c *Controller) State() core.TaskStatus {
	return core.TaskStatus(c.machine.Current())
}

// Progress returns the fraction of loaded actions already consumed.
func (c *Controller) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.total == 0 {
		return 0
	}
	return float64(c.consumed) / float64(c.total)
}

// Start loads actions for taskID and launches the drain loop.
func (c *Controller) Start(ctx context.Context, taskID string, actions []action.Action) error {
	switch c.State() {
	case core.TaskStatusRunning, core.TaskStatusPaused:
		return ErrAlreadyRunning
	}
	if err := c.checkTarget(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		select {
		case <-c.done:
		default:
			return ErrAlreadyRunning
		}
	}

	c.taskID = taskID
	c.reportCtx = context.WithoutCancel(ctx)
	c.queue = append(c.queue[:0], actions...)
	c.total = len(actions)
	c.consumed = 0
	c.result = Result{}

	runCtx, cancel := context.WithCancel(ctx)
	if err := c.machine.Event(context.Background(), eventStart); err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrAlreadyRunning, err)
	}
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	go c.drain(runCtx, taskID, done)
	return nil
}

// Run starts the controller and waits for the drain loop to finish. A
// cancelled ctx stops the run; Run still returns only after the loop exits.
func (c *Controller) Run(ctx context.Context, taskID string, actions []action.Action) (Result, error) {
	if err := c.Start(ctx, taskID, actions); err != nil {
		return Result{State: c.State(), Err: err}, err
	}
	return c.Wait(context.WithoutCancel(ctx))
}

// Wait blocks until the current drain loop exits or ctx is done.
func (c *Controller) Wait(ctx context.Context) (Result, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return Result{State: c.State()}, nil
	}
	select {
	case <-done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result, nil
	case <-ctx.Done():
		return Result{State: c.State()}, ctx.Err()
	}
}

// Pause suspends the drain loop before the next action.
func (c *Controller) Pause() error {
	return c.fire(eventPause)
}

// Resume continues a paused drain loop.
func (c *Controller) Resume() error {
	return c.fire(eventResume)
}

// Stop ends the run. The action in progress observes cancellation at its
// next checkpoint.
func (c *Controller) Stop() error {
	if err := c.fire(eventStop); err != nil {
		return err
	}
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (c *Controller) fire(event string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.machine.Event(context.Background(), event); err != nil {
		return fmt.Errorf("%w: %s from %s: %v", ErrInvalidState, event, c.machine.Current(), err)
	}
	return nil
}

func (c *Controller) checkTarget(ctx context.Context) error {
	if c.watcher == nil {
		return nil
	}
	running, err := c.watcher.IsTargetAppRunning(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTargetNotActive, err)
	}
	if !running {
		return ErrTargetNotActive
	}
	if c.requireForeground {
		fg, err := c.watcher.IsTargetAppForeground(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTargetNotActive, err)
		}
		if !fg {
			return fmt.Errorf("%w: not in foreground", ErrTargetNotActive)
		}
	}
	return nil
}

func (c *Controller) drain(ctx context.Context, taskID string, done chan struct{}) {
	start := time.Now()
	var completed, failed int
	var lastErr error
	abort := false

	defer func() {
		if r := recover(); r != nil {
			lastErr = fmt.Errorf("drain loop panicked: %v", r)
			c.logger.Error("automation panic", "task_id", taskID, "err", lastErr)
			_ = c.fireIf(core.TaskStatusRunning, eventFail)
		}
		state := c.State()
		res := Result{
			Success:          state == core.TaskStatusCompleted,
			ActionsCompleted: completed,
			ActionsFailed:    failed,
			ExecutionTime:    time.Since(start),
			State:            state,
			Err:              lastErr,
		}
		c.mu.Lock()
		c.result = res
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.log(core.LogInfo, "automation finished", map[string]any{
			"success":           res.Success,
			"actions_completed": completed,
			"actions_failed":    failed,
			"execution_time_ms": res.ExecutionTime.Milliseconds(),
			"state":             string(state),
		})
		close(done)
	}()

	for {
		switch c.State() {
		case core.TaskStatusPaused:
			if !c.idle(ctx, c.pausePoll) {
				_ = c.fireIf(core.TaskStatusPaused, eventStop)
			}
			continue
		case core.TaskStatusRunning:
		default:
			return
		}
		if ctx.Err() != nil {
			_ = c.fireIf(core.TaskStatusRunning, eventStop)
			return
		}
		if abort {
			_ = c.fireIf(core.TaskStatusRunning, eventFail)
			return
		}

		index, next, ok := c.pop()
		if !ok {
			_ = c.fireIf(core.TaskStatusRunning, eventComplete)
			return
		}
		res := c.runner.Execute(ctx, next)
		if res.Success {
			completed++
		} else if ctx.Err() == nil {
			failed++
			lastErr = res.Err
			if lastErr == nil {
				lastErr = errors.New(res.Message)
			}
			c.log(core.LogError, "action failed", map[string]any{
				"index":   index,
				"action":  string(next.Kind()),
				"message": res.Message,
				"error":   lastErr.Error(),
			})
			c.logger.Warn("action failed", "task_id", taskID, "action", next.Kind(), "err", lastErr)
			if c.safeMode {
				abort = true
				continue
			}
		}
		c.idle(ctx, c.delay())
	}
}

// fireIf sends event only while the machine is still in state. It loses
// races against external Pause and Stop calls without error.
func (c *Controller) fireIf(state core.TaskStatus, event string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if core.TaskStatus(c.machine.Current()) != state {
		return nil
	}
	return c.machine.Event(context.Background(), event)
}

func (c *Controller) pop() (int, action.Action, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return 0, nil, false
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	c.consumed++
	return c.consumed - 1, next, true
}

func (c *Controller) delay() time.Duration {
	if c.actionDelay <= 0 {
		return 0
	}
	if !c.randomizeDelay {
		return c.actionDelay
	}
	return time.Duration(float64(c.actionDelay) * (0.5 + c.random()))
}

// idle sleeps for d and reports false if ctx ended first.
func (c *Controller) idle(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// onTransition runs inside the FSM callback with c.mu held.
func (c *Controller) onTransition(event, from, to string) {
	c.logger.Info("automation state changed", "task_id", c.taskID, "event", event, "from", from, "to", to)
	if c.reporter == nil {
		return
	}
	if err := c.reporter.UpdateTaskStatus(c.reportCtx, c.taskID, core.TaskStatus(to)); err != nil {
		c.logger.Error("update task status", "task_id", c.taskID, "status", to, "err", err)
	}
	if err := c.reporter.AddExecutionLog(c.reportCtx, c.taskID, core.LogInfo, "state changed", map[string]any{
		"event": event,
		"from":  from,
		"to":    to,
	}); err != nil {
		c.logger.Error("add execution log", "task_id", c.taskID, "err", err)
	}
}

func (c *Controller) log(level core.LogLevel, message string, detail map[string]any) {
	if c.reporter == nil {
		return
	}
	c.mu.Lock()
	ctx, taskID := c.reportCtx, c.taskID
	c.mu.Unlock()
	if err := c.reporter.AddExecutionLog(ctx, taskID, level, message, detail); err != nil {
		c.logger.Error("add execution log", "task_id", taskID, "err", err)
	}
}
