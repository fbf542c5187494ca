package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gamepilot/internal/automation"
	"gamepilot/internal/core"
	"gamepilot/internal/metrics"
)

var (
	ErrAlreadyStarted = errors.New("manager already started")
	ErrStopTimeout    = errors.New("timed out waiting for executions to finish")
	ErrNotRunning     = errors.New("task has no running execution")
	ErrStopping       = errors.New("execution is already stopping")
	// ErrInvalidTask wraps every validation failure of Submit and SubmitTask.
	ErrInvalidTask    = errors.New("invalid task")
)

// Config tunes the worker pool and the dispatcher.
type Config struct {
	Workers        int
	Limits         core.ResourceLimits
	PollInterval   time.Duration
	MaxPollBackoff time.Duration
	// MaxCompleted bounds the in-memory history of finished executions.
	MaxCompleted int

	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// Defaults for tasks whose config leaves them unset.
	SafeMode          bool
	ActionDelay       time.Duration
	RandomizeDelay    bool
	RequireForeground bool
}

// DefaultConfig returns the configuration used by the daemon when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Workers:              4,
		Limits:               core.DefaultResourceLimits(),
		PollInterval:         10 * time.Millisecond,
		MaxPollBackoff:       200 * time.Millisecond,
		MaxCompleted:         1000,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     30 * time.Second,
		SafeMode:             true,
		ActionDelay:          500 * time.Millisecond,
		RandomizeDelay:       true,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxPollBackoff < c.PollInterval {
		c.MaxPollBackoff = max(def.MaxPollBackoff, c.PollInterval)
	}
	if c.MaxCompleted <= 0 {
		c.MaxCompleted = def.MaxCompleted
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = def.RetryInitialInterval
	}
	if c.RetryMaxInterval < c.RetryInitialInterval {
		c.RetryMaxInterval = max(def.RetryMaxInterval, c.RetryInitialInterval)
	}
}

// Stats are the aggregate counters of the manager. FailedTasks includes
// TimedOutTasks.
type Stats struct {
	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	CancelledTasks int `json:"cancelled_tasks"`
	TimedOutTasks  int `json:"timed_out_tasks"`
	Queued         int `json:"queued"`
	Running        int `json:"running"`
}

// WorkerStats is a read-only snapshot of one pool slot.
type WorkerStats struct {
	WorkerID           string        `json:"worker_id"`
	Busy               bool          `json:"busy"`
	CurrentExecutionID string        `json:"current_execution_id,omitempty"`
	TasksCompleted     int           `json:"tasks_completed"`
	TotalExecutionTime time.Duration `json:"total_execution_time"`
}

// QueueStatus is the externally visible state of the scheduler.
type QueueStatus struct {
	Depths      map[core.Priority]int `json:"depths_by_priority"`
	ActiveCount int                   `json:"active_count"`
	Stats       Stats                 `json:"stats"`
	Workers     []WorkerStats         `json:"workers"`
}

// NewTask describes a task created and submitted in one call.
type NewTask struct {
	Name       string          `json:"name"`
	Type       core.TaskType   `json:"type"`
	Config     core.TaskConfig `json:"config"`
	MaxRetries int             `json:"max_retries"`
	ScheduleID string          `json:"schedule_id,omitempty"`
}

type worker struct {
	id        string
	busy      bool
	current   string
	completed int
	busyTime  time.Duration
}

type execution struct {
	rec        core.TaskExecution
	dispatched bool
	controller *automation.Controller
	cancel     context.CancelFunc

	cancelRequested bool
	timedOut        bool
}

// Manager owns the priority queue, the dispatcher and the worker pool.
//
// Lock order: Manager.mu, then Queue.mu, then Controller internals.
type Manager struct {
	store   core.Store
	runner  automation.Runner
	watcher automation.AppWatcher
	sampler ResourceSampler
	logger  *slog.Logger
	cfg     Config
	queue   *Queue

	mu             sync.Mutex
	active         map[string]*execution
	activeByTask   map[string]string
	completed      map[string]core.TaskExecution
	completedOrder []string
	workers        []*worker
	running        int
	stats          Stats
	started        bool
	stopping       bool

	work           chan *execution
	wake           chan struct{}
	stopCh         chan struct{}
	dispatcherDone chan struct{}
	workerWG       sync.WaitGroup
	runCtx         context.Context
	runCancel      context.CancelFunc
}

// Option configures optional collaborators of a Manager.
type Option func(*Manager)

// WithAppWatcher makes every automation run check the target application first.
func WithAppWatcher(w automation.AppWatcher) Option {
	return func(m *Manager) { m.watcher = w }
}

// WithSampler enables the CPU and memory admission gate.
func WithSampler(s ResourceSampler) Option {
	return func(m *Manager) { m.sampler = s }
}

// NewManager constructs a manager. runner executes the individual actions of every task.
func NewManager(store core.Store, runner automation.Runner, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		store:        store,
		runner:       runner,
		logger:       logger,
		cfg:          cfg,
		queue:        NewQueue(),
		active:       make(map[string]*execution),
		activeByTask: make(map[string]string),
		completed:    make(map[string]core.TaskExecution),
		work:         make(chan *execution),
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	for i := 0; i < cfg.Workers; i++ {
		m.workers = append(m.workers, &worker{id: fmt.Sprintf("worker-%d", i+1)})
	}
	return m
}

// Submit queues a new execution for an existing task and returns its id.
func (m *Manager) Submit(ctx context.Context, taskID string, priority core.Priority) (string, error) {
	if !priority.Valid() {
		return "", fmt.Errorf("%w: priority %d", ErrInvalidTask, int(priority))
	}
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.Status.IsTerminal() {
		return "", fmt.Errorf("%w: task %s is %s", ErrInvalidTask, taskID, task.Status)
	}

	m.mu.Lock()
	if _, busy := m.activeByTask[taskID]; busy {
		m.mu.Unlock()
		return "", core.ErrTaskAlreadyActive
	}
	exec := &execution{rec: core.TaskExecution{
		ExecutionID: core.NewID(),
		TaskID:      taskID,
		Priority:    priority,
		State:       core.ExecutionQueued,
		SubmittedAt: time.Now().UTC(),
	}}
	if err := m.queue.Put(Item{ExecutionID: exec.rec.ExecutionID, TaskID: taskID, Priority: priority}); err != nil {
		m.mu.Unlock()
		return "", err
	}
	m.active[exec.rec.ExecutionID] = exec
	m.activeByTask[taskID] = exec.rec.ExecutionID
	m.stats.TotalTasks++
	m.mu.Unlock()

	metrics.ExecutionsSubmitted.WithLabelValues(priority.String()).Inc()
	m.logger.Info("execution queued", "task_id", taskID, "execution_id", exec.rec.ExecutionID, "priority", priority.String())
	m.signal()
	return exec.rec.ExecutionID, nil
}

// SubmitTask validates req, persists it as a new task and queues it.
func (m *Manager) SubmitTask(ctx context.Context, req NewTask, priority core.Priority) (*core.Task, string, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, "", fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if req.Type == "" {
		req.Type = core.TaskTypeCustom
	}
	if !req.Type.Valid() {
		return nil, "", fmt.Errorf("%w: unknown type %q", ErrInvalidTask, req.Type)
	}
	if req.MaxRetries < 0 {
		return nil, "", fmt.Errorf("%w: max_retries must not be negative", ErrInvalidTask)
	}
	if !priority.Valid() {
		return nil, "", fmt.Errorf("%w: priority %d", ErrInvalidTask, int(priority))
	}
	if _, err := req.Config.DecodeActions(); err != nil {
		return nil, "", fmt.Errorf("%w: config: %w", ErrInvalidTask, err)
	}

	now := time.Now().UTC()
	task := &core.Task{
		ID:         core.NewID(),
		Name:       req.Name,
		Type:       req.Type,
		Priority:   priority,
		Status:     core.TaskStatusCreated,
		Config:     req.Config,
		MaxRetries: req.MaxRetries,
		ScheduleID: req.ScheduleID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreateTask(ctx, task); err != nil {
		return nil, "", fmt.Errorf("create task: %w", err)
	}
	execID, err := m.Submit(ctx, task.ID, priority)
	if err != nil {
		return task, "", err
	}
	return task, execID, nil
}

// Start launches the workers and the dispatcher.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true
	m.runCtx, m.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	m.dispatcherDone = make(chan struct{})
	for _, w := range m.workers {
		m.workerWG.Add(1)
		go m.workerLoop(w)
	}
	go m.dispatch()
	m.logger.Info("task manager started", "workers", len(m.workers), "max_concurrent", m.capacity())
	return nil
}

// Stop halts dispatching and waits up to timeout for in-flight executions.
// Queued executions stay queued. Running executions are not interrupted
// unless the timeout expires, in which case they are cancelled cooperatively.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started || m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	m.mu.Unlock()

	close(m.stopCh)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-m.dispatcherDone:
	case <-deadline.C:
		m.runCancel()
		return fmt.Errorf("dispatcher: %w", ErrStopTimeout)
	}

	workersDone := make(chan struct{})
	go func() {
		m.workerWG.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
		m.runCancel()
		m.logger.Info("task manager stopped")
		return nil
	case <-deadline.C:
		m.runCancel()
		return ErrStopTimeout
	}
}

// Cancel cancels a queued execution immediately or asks a running one to
// stop at its next action boundary. It reports false for unknown or
// finished executions and for repeated requests.
func (m *Manager) Cancel(executionID string) bool {
	m.mu.Lock()
	exec, ok := m.active[executionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if exec.rec.State == core.ExecutionQueued && !exec.dispatched {
		m.queue.Remove(executionID)
		rec := m.finishLocked(exec, core.ExecutionCancelled, nil, "cancelled before dispatch")
		m.mu.Unlock()
		m.afterFinish(rec)
		return true
	}
	if exec.cancelRequested || exec.timedOut {
		m.mu.Unlock()
		return false
	}
	exec.cancelRequested = true
	ctrl, cancel := exec.controller, exec.cancel
	m.mu.Unlock()

	m.logger.Info("cancelling running execution", "execution_id", executionID, "task_id", exec.rec.TaskID)
	interrupt(ctrl, cancel)
	return true
}

// Pause suspends the running execution of taskID.
func (m *Manager) Pause(taskID string) error {
	ctrl, exec, err := m.controllerFor(taskID)
	if err != nil {
		return err
	}
	if err := ctrl.Pause(); err != nil {
		return err
	}
	m.setState(exec, core.ExecutionPaused)
	return nil
}

// Resume continues the paused execution of taskID.
func (m *Manager) Resume(taskID string) error {
	ctrl, exec, err := m.controllerFor(taskID)
	if err != nil {
		return err
	}
	if err := ctrl.Resume(); err != nil {
		return err
	}
	m.setState(exec, core.ExecutionRunning)
	return nil
}

// StopTask cancels whatever execution taskID currently has.
func (m *Manager) StopTask(taskID string) error {
	m.mu.Lock()
	execID, ok := m.activeByTask[taskID]
	m.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	if !m.Cancel(execID) {
		return fmt.Errorf("%w: %s", ErrStopping, execID)
	}
	return nil
}

// Stats returns the aggregate counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

// Counts reports queue depth per priority.
func (m *Manager) Counts() map[core.Priority]int {
	return m.queue.Counts()
}

// QueueStatus reports queue depths, active executions, counters and workers.
func (m *Manager) QueueStatus() QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	depths := make(map[core.Priority]int, len(priorityLevels))
	counts := m.queue.Counts()
	for _, p := range priorityLevels {
		depths[p] = counts[p]
	}
	workers := make([]WorkerStats, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, WorkerStats{
			WorkerID:           w.id,
			Busy:               w.busy,
			CurrentExecutionID: w.current,
			TasksCompleted:     w.completed,
			TotalExecutionTime: w.busyTime,
		})
	}
	return QueueStatus{
		Depths:      depths,
		ActiveCount: len(m.active),
		Stats:       m.statsLocked(),
		Workers:     workers,
	}
}

// Execution returns a snapshot of an active or retained execution.
func (m *Manager) Execution(executionID string) (core.TaskExecution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exec, ok := m.active[executionID]; ok {
		return m.snapshotLocked(exec), true
	}
	rec, ok := m.completed[executionID]
	return rec, ok
}

// ActiveExecutionForTask returns the queued, running or paused execution of taskID.
func (m *Manager) ActiveExecutionForTask(taskID string) (core.TaskExecution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.activeByTask[taskID]
	if !ok {
		return core.TaskExecution{}, false
	}
	return m.snapshotLocked(m.active[id]), true
}

// IsTaskActive reports whether taskID has an active execution.
func (m *Manager) IsTaskActive(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.activeByTask[taskID]
	return ok
}

// ActiveExecutions lists executions that have not finished, oldest first.
func (m *Manager) ActiveExecutions() []core.TaskExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.TaskExecution, 0, len(m.active))
	for _, exec := range m.active {
		out = append(out, m.snapshotLocked(exec))
	}
	sortBySubmission(out)
	return out
}

// CompletedExecutions lists retained finished executions, oldest first.
func (m *Manager) CompletedExecutions() []core.TaskExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.TaskExecution, 0, len(m.completedOrder))
	for _, id := range m.completedOrder {
		out = append(out, m.completed[id])
	}
	return out
}

func (m *Manager) controllerFor(taskID string) (*automation.Controller, *execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.activeByTask[taskID]
	if !ok {
		return nil, nil, ErrNotRunning
	}
	exec := m.active[id]
	if exec.controller == nil {
		return nil, nil, ErrNotRunning
	}
	return exec.controller, exec, nil
}

func (m *Manager) setState(exec *execution, state core.ExecutionState) {
	m.mu.Lock()
	if exec.rec.State.IsActive() {
		exec.rec.State = state
	}
	m.mu.Unlock()
	m.signal()
}

func (m *Manager) statsLocked() Stats {
	s := m.stats
	s.Queued, s.Running = 0, 0
	for _, exec := range m.active {
		if exec.rec.State == core.ExecutionQueued {
			s.Queued++
		} else {
			s.Running++
		}
	}
	return s
}

func (m *Manager) snapshotLocked(exec *execution) core.TaskExecution {
	rec := exec.rec
	if exec.controller != nil {
		rec.Progress = exec.controller.Progress()
	}
	return rec
}

func (m *Manager) capacity() int {
	limit := m.cfg.Limits.MaxConcurrentTasks
	if limit <= 0 || limit > len(m.workers) {
		return len(m.workers)
	}
	return limit
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// finishLocked moves exec to the completed map and updates the counters.
func (m *Manager) finishLocked(exec *execution, state core.ExecutionState, summary *core.RunSummary, errMsg string) core.TaskExecution {
	now := time.Now().UTC()
	if exec.controller != nil {
		exec.rec.Progress = exec.controller.Progress()
	}
	exec.rec.State = state
	exec.rec.EndTime = &now
	exec.rec.Result = summary
	exec.rec.Error = errMsg

	delete(m.active, exec.rec.ExecutionID)
	if m.activeByTask[exec.rec.TaskID] == exec.rec.ExecutionID {
		delete(m.activeByTask, exec.rec.TaskID)
	}
	if exec.dispatched {
		m.running--
	}

	switch state {
	case core.ExecutionCompleted:
		m.stats.CompletedTasks++
	case core.ExecutionCancelled:
		m.stats.CancelledTasks++
	case core.ExecutionTimeout:
		m.stats.FailedTasks++
		m.stats.TimedOutTasks++
	default:
		m.stats.FailedTasks++
	}

	rec := exec.rec
	m.completed[rec.ExecutionID] = rec
	m.completedOrder = append(m.completedOrder, rec.ExecutionID)
	for len(m.completedOrder) > m.cfg.MaxCompleted {
		delete(m.completed, m.completedOrder[0])
		m.completedOrder = m.completedOrder[1:]
	}
	metrics.ExecutionsRunning.Set(float64(m.running))
	return rec
}

// afterFinish mirrors a finished execution to the store and settles the task status.
func (m *Manager) afterFinish(rec core.TaskExecution) {
	ctx := context.Background()
	metrics.ExecutionsFinished.WithLabelValues(string(rec.State)).Inc()
	if rec.StartTime != nil && rec.EndTime != nil {
		metrics.ExecutionDurationSeconds.WithLabelValues(string(rec.State)).Observe(rec.EndTime.Sub(*rec.StartTime).Seconds())
	}
	if err := m.store.RecordExecution(ctx, &rec); err != nil {
		m.logger.Error("record execution", "execution_id", rec.ExecutionID, "task_id", rec.TaskID, "err", err)
	}

	var want core.TaskStatus
	switch rec.State {
	case core.ExecutionFailed:
		want = core.TaskStatusFailed
	case core.ExecutionCancelled:
		want = core.TaskStatusCancelled
	case core.ExecutionTimeout:
		want = core.TaskStatusStopped
	}
	if want != "" {
		m.settleTask(ctx, rec.TaskID, want)
	}

	level := core.LogInfo
	if rec.State != core.ExecutionCompleted {
		level = core.LogWarn
	}
	detail := map[string]any{"execution_id": rec.ExecutionID, "state": string(rec.State), "attempts": rec.Attempts}
	if rec.Error != "" {
		detail["error"] = rec.Error
	}
	if err := m.store.AddExecutionLog(ctx, rec.TaskID, level, "execution finished", detail); err != nil {
		m.logger.Error("add execution log", "task_id", rec.TaskID, "err", err)
	}
	m.logger.Info("execution finished", "task_id", rec.TaskID, "execution_id", rec.ExecutionID, "state", rec.State, "err", rec.Error)
	m.signal()
}

// settleTask moves a task that is still non-terminal toward want. When want
// is not reachable from the current status (a running task being cancelled,
// a task that failed its precondition before ever running) the task is
// stopped instead; the execution log keeps the error.
func (m *Manager) settleTask(ctx context.Context, taskID string, want core.TaskStatus) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		m.logger.Error("load task", "task_id", taskID, "err", err)
		return
	}
	if task.Status.IsTerminal() {
		return
	}
	target := want
	if !core.CanTransition(task.Status, target) {
		if want == core.TaskStatusStopped || !core.CanTransition(task.Status, core.TaskStatusStopped) {
			return
		}
		target = core.TaskStatusStopped
		m.logger.Warn("settling task as stopped", "task_id", taskID, "from", task.Status, "wanted", want)
	}
	if err := m.store.UpdateTaskStatus(ctx, taskID, target); err != nil {
		m.logger.Error("settle task status", "task_id", taskID, "status", target, "err", err)
	}
}

func interrupt(ctrl *automation.Controller, cancel context.CancelFunc) {
	if ctrl != nil {
		_ = ctrl.Stop()
	}
	if cancel != nil {
		cancel()
	}
}
