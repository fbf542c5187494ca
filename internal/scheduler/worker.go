package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"gamepilot/internal/automation"
	"gamepilot/internal/core"
	"gamepilot/internal/metrics"
)

var errStopped = errors.New("automation stopped")

func (m *Manager) workerLoop(w *worker) {
	defer m.workerWG.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case exec := <-m.work:
			m.runExecution(w, exec)
		}
	}
}

// runExecution owns exec until it reaches a terminal state. Panics are
// converted into a FAILED execution.
func (m *Manager) runExecution(w *worker, exec *execution) {
	started := time.Now()
	execCtx, cancel := context.WithCancel(m.runCtx)
	defer cancel()

	m.mu.Lock()
	exec.cancel = cancel
	exec.rec.WorkerID = w.id
	w.busy = true
	w.current = exec.rec.ExecutionID
	abandoned := exec.cancelRequested || exec.timedOut
	taskID := exec.rec.TaskID
	m.mu.Unlock()

	state := core.ExecutionFailed
	var summary *core.RunSummary
	var errMsg string

	defer func() {
		if r := recover(); r != nil {
			state = core.ExecutionFailed
			errMsg = fmt.Sprintf("worker panic: %v", r)
			m.logger.Error("execution panicked", "task_id", taskID, "execution_id", exec.rec.ExecutionID, "err", errMsg)
		}
		m.mu.Lock()
		if exec.timedOut && state != core.ExecutionCompleted {
			state = core.ExecutionTimeout
			errMsg = fmt.Sprintf("exceeded max execution time %s", m.cfg.Limits.MaxExecutionTime)
		} else if exec.cancelRequested && state != core.ExecutionCompleted {
			state = core.ExecutionCancelled
			errMsg = "cancelled"
		}
		rec := m.finishLocked(exec, state, summary, errMsg)
		w.busy = false
		w.current = ""
		w.completed++
		w.busyTime += time.Since(started)
		m.mu.Unlock()
		m.afterFinish(rec)
	}()

	if abandoned {
		return
	}
	state, summary, errMsg = m.attempt(execCtx, exec)
}

// attempt runs the task's actions, retrying failed runs with exponential backoff.
func (m *Manager) attempt(ctx context.Context, exec *execution) (core.ExecutionState, *core.RunSummary, string) {
	taskID := exec.rec.TaskID
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return core.ExecutionFailed, nil, fmt.Sprintf("load task: %v", err)
	}
	actions, err := task.Config.DecodeActions()
	if err != nil {
		return core.ExecutionFailed, nil, fmt.Sprintf("decode actions: %v", err)
	}

	reporter := &attemptReporter{store: m.store}
	ctrl := automation.NewController(m.runner, reporter, m.controllerOptions(task)...)
	m.mu.Lock()
	exec.controller = ctrl
	m.mu.Unlock()

	// Each execution starts its own retry count.
	if err := m.store.MarkTaskExecuted(ctx, taskID, time.Now().UTC(), 0); err != nil {
		m.logger.Warn("mark task executed", "task_id", taskID, "err", err)
	}

	maxRetries := task.MaxRetries
	attempts := 0
	op := func() (automation.Result, error) {
		attempts++
		reporter.final.Store(attempts > maxRetries)
		m.mu.Lock()
		exec.rec.Attempts = attempts
		if exec.rec.State == core.ExecutionPaused {
			exec.rec.State = core.ExecutionRunning
		}
		m.mu.Unlock()

		res, err := ctrl.Run(ctx, taskID, actions)
		if err != nil {
			if errors.Is(err, automation.ErrAlreadyRunning) || ctx.Err() != nil {
				return res, backoff.Permanent(err)
			}
			return res, err
		}
		switch res.State {
		case core.TaskStatusCompleted:
			return res, nil
		case core.TaskStatusStopped:
			return res, backoff.Permanent(errStopped)
		default:
			if res.Err != nil {
				return res, fmt.Errorf("automation failed: %w", res.Err)
			}
			return res, errors.New("automation failed")
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.RetryInitialInterval
	policy.MaxInterval = m.cfg.RetryMaxInterval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		metrics.RetriesTotal.Inc()
		m.logger.Warn("retrying task", "task_id", taskID, "attempt", attempts, "wait", wait, "err", err)
		if logErr := m.store.AddExecutionLog(context.WithoutCancel(ctx), taskID, core.LogWarn, "retrying", map[string]any{
			"attempt": attempts,
			"wait_ms": wait.Milliseconds(),
			"error":   err.Error(),
		}); logErr != nil {
			m.logger.Error("add execution log", "task_id", taskID, "err", logErr)
		}
		// One retry is scheduled per failed run so far.
		if markErr := m.store.MarkTaskExecuted(context.WithoutCancel(ctx), taskID, time.Now().UTC(), attempts); markErr != nil {
			m.logger.Warn("mark task retry", "task_id", taskID, "err", markErr)
		}
	}

	res, err := backoff.RetryNotifyWithData(op, b, notify)
	if markErr := m.store.MarkTaskExecuted(context.WithoutCancel(ctx), taskID, time.Now().UTC(), attempts-1); markErr != nil {
		m.logger.Warn("mark task executed", "task_id", taskID, "err", markErr)
	}
	summary := res.Summary()
	if err == nil {
		return core.ExecutionCompleted, summary, ""
	}
	return core.ExecutionFailed, summary, err.Error()
}

func (m *Manager) controllerOptions(task *core.Task) []automation.Option {
	safeMode := m.cfg.SafeMode
	if task.Config.SafeMode != nil {
		safeMode = *task.Config.SafeMode
	}
	delay := m.cfg.ActionDelay
	randomize := m.cfg.RandomizeDelay
	if task.Config.ActionDelayMS > 0 {
		delay = time.Duration(task.Config.ActionDelayMS) * time.Millisecond
		randomize = task.Config.RandomizeDelay
	}
	opts := []automation.Option{
		automation.WithLogger(m.logger.With("task_id", task.ID)),
		automation.WithSafeMode(safeMode),
		automation.WithActionDelay(delay, randomize),
	}
	if m.watcher != nil {
		opts = append(opts, automation.WithAppWatcher(m.watcher, m.cfg.RequireForeground))
	}
	return opts
}

// attemptReporter forwards controller reports to the store, turning a
// failure that will be retried into RETRYING.
type attemptReporter struct {
	store core.Store
	final atomic.Bool
}

func (r *attemptReporter) UpdateTaskStatus(ctx context.Context, id string, status core.TaskStatus) error {
	if status == core.TaskStatusFailed && !r.final.Load() {
		status = core.TaskStatusRetrying
	}
	return r.store.UpdateTaskStatus(ctx, id, status)
}

func (r *attemptReporter) AddExecutionLog(ctx context.Context, taskID string, level core.LogLevel, message string, detail map[string]any) error {
	return r.store.AddExecutionLog(ctx, taskID, level, message, detail)
}
