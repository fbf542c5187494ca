package scheduler

import (
	"context"
	"sort"
	"time"

	"gamepilot/internal/automation"
	"gamepilot/internal/core"
	"gamepilot/internal/metrics"
)

// dispatch is the single loop that moves queued executions to idle workers.
func (m *Manager) dispatch() {
	defer close(m.dispatcherDone)
	wait := m.cfg.PollInterval
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		m.enforceTimeouts(time.Now())
		if m.dispatchOne() {
			wait = m.cfg.PollInterval
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-m.stopCh:
			timer.Stop()
			return
		case <-m.wake:
			timer.Stop()
			wait = m.cfg.PollInterval
		case <-timer.C:
			wait = min(wait*2, m.cfg.MaxPollBackoff)
		}
	}
}

// dispatchOne hands at most one execution to a worker and reports whether it did.
func (m *Manager) dispatchOne() bool {
	m.mu.Lock()
	full := m.running >= m.capacity()
	m.mu.Unlock()
	if full {
		return false
	}

	head, ok := m.queue.PeekPriority()
	if !ok {
		return false
	}
	if head > m.cfg.Limits.PriorityBoostThreshold {
		if reason := m.overLimit(); reason != "" {
			metrics.AdmissionDeferrals.WithLabelValues(reason).Inc()
			m.logger.Debug("admission deferred", "reason", reason, "priority", head.String())
			return false
		}
	}

	item, ok := m.queue.Get()
	if !ok {
		return false
	}

	m.mu.Lock()
	exec, ok := m.active[item.ExecutionID]
	if !ok || exec.rec.State != core.ExecutionQueued {
		m.mu.Unlock()
		return true
	}
	now := time.Now().UTC()
	exec.rec.State = core.ExecutionRunning
	exec.rec.StartTime = &now
	exec.dispatched = true
	m.running++
	metrics.ExecutionsRunning.Set(float64(m.running))
	m.mu.Unlock()

	select {
	case m.work <- exec:
		return true
	case <-m.stopCh:
		// Shutdown raced the hand-off; put the execution back.
		m.mu.Lock()
		exec.rec.State = core.ExecutionQueued
		exec.rec.StartTime = nil
		exec.dispatched = false
		m.running--
		metrics.ExecutionsRunning.Set(float64(m.running))
		_ = m.queue.Put(item)
		m.mu.Unlock()
		return false
	}
}

// overLimit returns the name of the exceeded resource limit, if any.
func (m *Manager) overLimit() string {
	limits := m.cfg.Limits
	if m.sampler == nil || (limits.MaxCPUUsage <= 0 && limits.MaxMemoryUsage <= 0) {
		return ""
	}
	cpuPct, memPct, err := m.sampler.Usage(m.runCtx)
	if err != nil {
		m.logger.Warn("sample resources", "err", err)
		return ""
	}
	if limits.MaxCPUUsage > 0 && cpuPct > limits.MaxCPUUsage {
		return "cpu"
	}
	if limits.MaxMemoryUsage > 0 && memPct > limits.MaxMemoryUsage {
		return "memory"
	}
	return ""
}

// enforceTimeouts stops executions that have been running longer than
// MaxExecutionTime. The worker reports them as TIMEOUT.
func (m *Manager) enforceTimeouts(now time.Time) {
	limit := m.cfg.Limits.MaxExecutionTime
	if limit <= 0 {
		return
	}
	type overdue struct {
		id     string
		taskID string
		ctrl   *automation.Controller
		cancel context.CancelFunc
	}
	var expired []overdue
	m.mu.Lock()
	for id, exec := range m.active {
		if !exec.dispatched || exec.timedOut || exec.rec.StartTime == nil {
			continue
		}
		if now.Sub(*exec.rec.StartTime) <= limit {
			continue
		}
		exec.timedOut = true
		expired = append(expired, overdue{id: id, taskID: exec.rec.TaskID, ctrl: exec.controller, cancel: exec.cancel})
	}
	m.mu.Unlock()

	for _, o := range expired {
		m.logger.Warn("execution exceeded max execution time", "execution_id", o.id, "task_id", o.taskID, "limit", limit)
		interrupt(o.ctrl, o.cancel)
	}
}

func sortBySubmission(execs []core.TaskExecution) {
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].SubmittedAt.Before(execs[j].SubmittedAt)
	})
}
