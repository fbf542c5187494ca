// Package monitor watches tasks from the outside and raises callback events.
// It only reads task and execution state; corrective action belongs to the
// callback owner.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"gamepilot/internal/core"
	"gamepilot/internal/metrics"
)

// Type selects the check a monitor runs.
type Type string

const (
	TypeStatusChange Type = "status_change"
	TypeHealthCheck  Type = "health_check"
	TypeTimeout      Type = "timeout"
	TypeResource     Type = "resource"
)

func (t Type) Valid() bool {
	switch t {
	case TypeStatusChange, TypeHealthCheck, TypeTimeout, TypeResource:
		return true
	default:
		return false
	}
}

var (
	ErrMonitorNotFound = errors.New("monitor not found")
	ErrInvalidMonitor  = errors.New("invalid monitor")
)

// Event is the payload passed to callbacks.
type Event struct {
	MonitorID string         `json:"monitor_id"`
	TaskID    string         `json:"task_id"`
	Type      Type           `json:"monitor_type"`
	Detail    map[string]any `json:"detail"`
	Timestamp time.Time      `json:"timestamp"`
}

// Callback receives monitor events on the polling goroutine. It should return quickly.
type Callback func(Event)

// TaskReader is the persisted side of the task state.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (*core.Task, error)
}

// ExecutionReader exposes the live execution of a task. *scheduler.Manager satisfies it.
type ExecutionReader interface {
	ActiveExecutionForTask(taskID string) (core.TaskExecution, bool)
}

// Source is everything the monitor reads.
type Source interface {
	TaskReader
	ExecutionReader
}

type source struct {
	TaskReader
	ExecutionReader
}

// NewSource joins a task store and an execution view.
func NewSource(tasks TaskReader, execs ExecutionReader) Source {
	return source{TaskReader: tasks, ExecutionReader: execs}
}

// Sampler reports host CPU and memory usage in percent. *scheduler.HostSampler satisfies it.
type Sampler interface {
	Usage(ctx context.Context) (cpuPercent, memPercent float64, err error)
}

// Info is a read-only view of a registered monitor.
type Info struct {
	ID        string        `json:"id"`
	TaskID    string        `json:"task_id"`
	Type      Type          `json:"monitor_type"`
	Interval  time.Duration `json:"interval"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	Enabled   bool          `json:"enabled"`
	LastCheck *time.Time    `json:"last_check,omitempty"`
}

type statusMonitor struct {
	id       string
	taskID   string
	typ      Type
	interval time.Duration
	timeout  time.Duration
	enabled  bool
	callback Callback

	lastCheck  time.Time
	lastStatus core.TaskStatus
	lastHealth string
	fired      bool
}

// Monitor runs the registered monitors from a single polling loop.
type Monitor struct {
	src         Source
	sampler     Sampler
	logger      *slog.Logger
	tick        time.Duration
	longRunning time.Duration
	now         func() time.Time

	mu       sync.Mutex
	monitors map[string]*statusMonitor
	timedOut map[string]time.Time
	seq      int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Monitor)

// WithTick sets the polling period of the loop.
func WithTick(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.tick = d
		}
	}
}

// WithLongRunning sets the running time after which health checks complain.
func WithLongRunning(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.longRunning = d
		}
	}
}

func WithSampler(s Sampler) Option {
	return func(m *Monitor) { m.sampler = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

func New(src Source, opts ...Option) *Monitor {
	m := &Monitor{
		src:         src,
		logger:      slog.New(slog.DiscardHandler),
		tick:        time.Second,
		longRunning: 30 * time.Minute,
		now:         time.Now,
		monitors:    make(map[string]*statusMonitor),
		timedOut:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddStatusMonitor registers a monitor for taskID and returns its id. A zero
// interval checks on every tick. Timeout monitors require a positive timeout.
func (m *Monitor) AddStatusMonitor(ctx context.Context, taskID string, typ Type, cb Callback, interval, timeout time.Duration) (string, error) {
	if !typ.Valid() {
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidMonitor, typ)
	}
	if cb == nil {
		return "", fmt.Errorf("%w: callback is required", ErrInvalidMonitor)
	}
	if interval < 0 {
		return "", fmt.Errorf("%w: interval must not be negative", ErrInvalidMonitor)
	}
	if typ == TypeTimeout && timeout <= 0 {
		return "", fmt.Errorf("%w: timeout monitors need a positive timeout", ErrInvalidMonitor)
	}
	task, err := m.src.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("%s-%s-%d", typ, shortID(taskID), m.seq)
	m.monitors[id] = &statusMonitor{
		id:         id,
		taskID:     taskID,
		typ:        typ,
		interval:   interval,
		timeout:    timeout,
		enabled:    true,
		callback:   cb,
		lastStatus: task.Status,
	}
	metrics.MonitorsRegistered.Set(float64(len(m.monitors)))
	m.logger.Info("monitor added", "monitor_id", id, "task_id", taskID, "type", typ)
	return id, nil
}

func (m *Monitor) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.monitors[id]; !ok {
		return ErrMonitorNotFound
	}
	delete(m.monitors, id)
	metrics.MonitorsRegistered.Set(float64(len(m.monitors)))
	return nil
}

func (m *Monitor) Enable(id string) error  { return m.setEnabled(id, true) }
func (m *Monitor) Disable(id string) error { return m.setEnabled(id, false) }

func (m *Monitor) setEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mon, ok := m.monitors[id]
	if !ok {
		return ErrMonitorNotFound
	}
	mon.enabled = enabled
	return nil
}

// Monitors lists the registered monitors ordered by id.
func (m *Monitor) Monitors() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.monitors))
	for _, mon := range m.monitors {
		info := Info{
			ID:       mon.id,
			TaskID:   mon.taskID,
			Type:     mon.typ,
			Interval: mon.interval,
			Timeout:  mon.timeout,
			Enabled:  mon.enabled,
		}
		if !mon.lastCheck.IsZero() {
			last := mon.lastCheck
			info.LastCheck = &last
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TimedOutTasks returns the tasks a timeout monitor fired for, with the time it fired.
func (m *Monitor) TimedOutTasks() map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.timedOut))
	for id, at := range m.timedOut {
		out[id] = at
	}
	return out
}

// Start launches the polling loop. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.done != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	m.logger.Info("task monitor started", "tick", m.tick)
}

// Stop ends the polling loop and waits for the running check to return.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

type pending struct {
	mon    *statusMonitor
	events []Event
	drop   bool
}

// CheckNow evaluates every enabled monitor that is due and fires callbacks.
func (m *Monitor) CheckNow(ctx context.Context) {
	now := m.now()
	m.mu.Lock()
	var due []statusMonitor
	for _, mon := range m.monitors {
		if !mon.enabled {
			continue
		}
		if !mon.lastCheck.IsZero() && now.Sub(mon.lastCheck) < mon.interval {
			continue
		}
		due = append(due, *mon)
	}
	m.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].id < due[j].id })

	results := make([]pending, 0, len(due))
	for i := range due {
		mon := &due[i]
		events, terminal := m.evaluate(ctx, mon, now)
		mon.lastCheck = now
		results = append(results, pending{mon: mon, events: events, drop: terminal})
	}

	m.mu.Lock()
	var fire []pending
	for _, res := range results {
		live, ok := m.monitors[res.mon.id]
		if !ok {
			continue
		}
		live.lastCheck = res.mon.lastCheck
		live.lastStatus = res.mon.lastStatus
		live.lastHealth = res.mon.lastHealth
		live.fired = res.mon.fired
		if res.mon.typ == TypeTimeout && res.mon.fired {
			if _, seen := m.timedOut[res.mon.taskID]; !seen && len(res.events) > 0 {
				m.timedOut[res.mon.taskID] = res.events[0].Timestamp
			}
		}
		if res.drop {
			delete(m.monitors, res.mon.id)
			m.logger.Debug("monitor removed after terminal status", "monitor_id", res.mon.id, "task_id", res.mon.taskID)
		}
		if len(res.events) > 0 {
			res.mon.callback = live.callback
			fire = append(fire, res)
		}
	}
	metrics.MonitorsRegistered.Set(float64(len(m.monitors)))
	m.mu.Unlock()

	for _, res := range fire {
		for _, ev := range res.events {
			m.deliver(res.mon.callback, ev)
		}
	}
}

// evaluate runs the check of mon against the current state. It reports
// whether the task has reached a terminal status.
func (m *Monitor) evaluate(ctx context.Context, mon *statusMonitor, now time.Time) ([]Event, bool) {
	task, err := m.src.GetTask(ctx, mon.taskID)
	if errors.Is(err, core.ErrTaskNotFound) {
		return nil, true
	}
	if err != nil {
		m.logger.Warn("monitor check failed", "monitor_id", mon.id, "task_id", mon.taskID, "err", err)
		return nil, false
	}
	exec, active := m.src.ActiveExecutionForTask(mon.taskID)

	var detail map[string]any
	switch mon.typ {
	case TypeStatusChange:
		if task.Status != mon.lastStatus {
			detail = map[string]any{
				"old_status": string(mon.lastStatus),
				"new_status": string(task.Status),
			}
			mon.lastStatus = task.Status
		}
	case TypeHealthCheck:
		issues := m.healthIssues(task, exec, active, now)
		key := strings.Join(issues, ",")
		if key != mon.lastHealth {
			mon.lastHealth = key
			if len(issues) > 0 {
				detail = map[string]any{"issues": issues, "status": string(task.Status), "retry_count": task.RetryCount}
			}
		}
	case TypeTimeout:
		if !mon.fired && active && exec.StartTime != nil {
			elapsed := now.Sub(*exec.StartTime)
			if elapsed > mon.timeout {
				mon.fired = true
				detail = map[string]any{
					"execution_id": exec.ExecutionID,
					"elapsed_ms":   elapsed.Milliseconds(),
					"timeout_ms":   mon.timeout.Milliseconds(),
				}
			}
		}
	case TypeResource:
		detail = m.resourceSnapshot(ctx)
		detail["status"] = string(task.Status)
	}

	var events []Event
	if detail != nil {
		events = append(events, Event{
			MonitorID: mon.id,
			TaskID:    mon.taskID,
			Type:      mon.typ,
			Detail:    detail,
			Timestamp: now,
		})
	}
	return events, task.Status.IsTerminal()
}

func (m *Monitor) healthIssues(task *core.Task, exec core.TaskExecution, active bool, now time.Time) []string {
	var issues []string
	if active && exec.StartTime != nil && exec.State != core.ExecutionQueued && now.Sub(*exec.StartTime) > m.longRunning {
		issues = append(issues, "long_running")
	}
	if task.MaxRetries > 0 && task.RetryCount >= task.MaxRetries {
		issues = append(issues, "retries_exhausted")
	}
	if task.Status == core.TaskStatusFailed {
		issues = append(issues, "failed")
	}
	return issues
}

func (m *Monitor) resourceSnapshot(ctx context.Context) map[string]any {
	snap := map[string]any{"goroutines": runtime.NumGoroutine()}
	if m.sampler == nil {
		return snap
	}
	cpuPct, memPct, err := m.sampler.Usage(ctx)
	if err != nil {
		snap["error"] = err.Error()
		return snap
	}
	snap["cpu_percent"] = cpuPct
	snap["memory_percent"] = memPct
	return snap
}

func (m *Monitor) deliver(cb Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("monitor callback panicked", "monitor_id", ev.MonitorID, "task_id", ev.TaskID, "err", fmt.Sprint(r))
		}
	}()
	metrics.MonitorEvents.WithLabelValues(string(ev.Type)).Inc()
	cb(ev)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
