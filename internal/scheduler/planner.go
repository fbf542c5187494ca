package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"gamepilot/internal/core"
	"gamepilot/internal/metrics"
)

// ErrTriggerSkipped is returned by RunNow while the schedule's previous task is still active.
var ErrTriggerSkipped = errors.New("previous task of schedule is still active")

// Planner turns enabled schedules into task submissions on their cron triggers.
type Planner struct {
	store    core.ScheduleStore
	manager  *Manager
	logger   *slog.Logger
	location *time.Location

	cron    *cron.Cron
	entryMu sync.RWMutex
	entries map[string]cron.EntryID

	pending sync.Map // scheduleID -> struct{}{}

	ctx context.Context
}

// NewPlanner constructs a planner that submits through manager.
func NewPlanner(store core.ScheduleStore, manager *Manager, logger *slog.Logger, location *time.Location) *Planner {
	if location == nil {
		location = time.Local
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
	)
	return &Planner{
		store:    store,
		manager:  manager,
		logger:   logger,
		location: location,
		cron:     c,
		entries:  make(map[string]cron.EntryID),
	}
}

// Start begins the cron loop. ctx is used for the submissions it triggers.
func (p *Planner) Start(ctx context.Context) {
	p.ctx = ctx
	p.cron.Start()
}

// Stop halts the cron loop; the returned context is done once running triggers return.
func (p *Planner) Stop() context.Context {
	return p.cron.Stop()
}

// Sync loads every schedule and registers the enabled ones.
func (p *Planner) Sync(ctx context.Context) error {
	schedules, err := p.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	for _, sched := range schedules {
		if err := p.AddOrUpdate(ctx, sched); err != nil {
			p.logger.Error("register schedule", "schedule_id", sched.ID, "err", err)
		}
	}
	return nil
}

// AddOrUpdate replaces the cron entry of sched.
func (p *Planner) AddOrUpdate(ctx context.Context, sched *core.Schedule) error {
	p.unregister(sched.ID)
	if !sched.Enabled {
		if err := p.store.UpdateScheduleNextRun(ctx, sched.ID, nil); err != nil {
			p.logger.Warn("clear next_run_at", "schedule_id", sched.ID, "err", err)
		}
		return nil
	}
	return p.register(ctx, sched)
}

// Remove stops triggering the schedule.
func (p *Planner) Remove(scheduleID string) {
	p.unregister(scheduleID)
}

// RunNow submits a task for the schedule immediately.
func (p *Planner) RunNow(ctx context.Context, scheduleID string) (*core.Task, string, error) {
	sched, err := p.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, "", err
	}
	return p.submit(ctx, sched, time.Now().UTC())
}

// NextRun returns the upcoming trigger of a registered schedule.
func (p *Planner) NextRun(scheduleID string) (time.Time, bool) {
	id, ok := p.entryID(scheduleID)
	if !ok {
		return time.Time{}, false
	}
	entry := p.cron.Entry(id)
	if !entry.Valid() {
		return time.Time{}, false
	}
	// The cron loop fills Next only while it is running.
	next := entry.Next
	if next.IsZero() {
		next = entry.Schedule.Next(time.Now().In(p.location))
	}
	return next, !next.IsZero()
}

func (p *Planner) register(ctx context.Context, sched *core.Schedule) error {
	schedule, err := ParseCron(sched.Cron)
	if err != nil {
		return err
	}
	next := NextOccurrences(schedule, time.Now().In(p.location), 1)
	if len(next) == 1 {
		nextUTC := next[0].UTC()
		if err := p.store.UpdateScheduleNextRun(ctx, sched.ID, &nextUTC); err != nil {
			p.logger.Warn("update next_run_at", "schedule_id", sched.ID, "err", err)
		}
	}
	scheduleID := sched.ID
	job := func() {
		entryID, ok := p.entryID(scheduleID)
		if !ok {
			return
		}
		entry := p.cron.Entry(entryID)
		firedAt := entry.Prev
		if firedAt.IsZero() {
			firedAt = time.Now().In(p.location)
		}
		p.handleTrigger(scheduleID, firedAt.UTC())
	}
	entryID := p.cron.Schedule(schedule, cron.FuncJob(job))
	p.entryMu.Lock()
	p.entries[scheduleID] = entryID
	p.entryMu.Unlock()
	return nil
}

func (p *Planner) handleTrigger(scheduleID string, firedAt time.Time) {
	ctx := p.ctxOrBackground()
	sched, err := p.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		metrics.ScheduleTriggers.WithLabelValues("error").Inc()
		p.logger.Error("load schedule for trigger", "schedule_id", scheduleID, "err", err)
		return
	}
	if !sched.Enabled {
		return
	}
	task, execID, err := p.submit(ctx, sched, firedAt)
	switch {
	case errors.Is(err, ErrTriggerSkipped):
		p.logger.Info("skipping trigger because previous task is still active", "schedule_id", scheduleID, "task_id", sched.LastTaskID)
	case err != nil:
		p.logger.Error("submit scheduled task", "schedule_id", scheduleID, "err", err)
	default:
		p.logger.Info("scheduled task submitted", "schedule_id", scheduleID, "task_id", task.ID, "execution_id", execID)
	}
}

func (p *Planner) submit(ctx context.Context, sched *core.Schedule, firedAt time.Time) (*core.Task, string, error) {
	if _, busy := p.pending.LoadOrStore(sched.ID, struct{}{}); busy {
		metrics.ScheduleTriggers.WithLabelValues("skipped").Inc()
		return nil, "", ErrTriggerSkipped
	}
	defer p.pending.Delete(sched.ID)

	if sched.LastTaskID != "" && p.manager.IsTaskActive(sched.LastTaskID) {
		metrics.ScheduleTriggers.WithLabelValues("skipped").Inc()
		return nil, "", ErrTriggerSkipped
	}
	task, execID, err := p.manager.SubmitTask(ctx, NewTask{
		Name:       fmt.Sprintf("%s @ %s", sched.Name, firedAt.Format(time.RFC3339)),
		Type:       sched.TaskType,
		Config:     sched.Config,
		MaxRetries: sched.MaxRetries,
		ScheduleID: sched.ID,
	}, sched.Priority)
	if err != nil {
		metrics.ScheduleTriggers.WithLabelValues("error").Inc()
		return nil, "", err
	}
	metrics.ScheduleTriggers.WithLabelValues("submitted").Inc()

	var nextPtr *time.Time
	if next, ok := p.NextRun(sched.ID); ok {
		nextUTC := next.UTC()
		nextPtr = &nextUTC
	}
	if err := p.store.UpdateScheduleRunInfo(ctx, sched.ID, task.ID, &firedAt, nextPtr); err != nil {
		p.logger.Error("update schedule run info", "schedule_id", sched.ID, "err", err)
	}
	return task, execID, nil
}

func (p *Planner) entryID(scheduleID string) (cron.EntryID, bool) {
	p.entryMu.RLock()
	defer p.entryMu.RUnlock()
	id, ok := p.entries[scheduleID]
	return id, ok
}

func (p *Planner) unregister(scheduleID string) {
	p.entryMu.Lock()
	defer p.entryMu.Unlock()
	if entryID, ok := p.entries[scheduleID]; ok {
		p.cron.Remove(entryID)
		delete(p.entries, scheduleID)
	}
}

func (p *Planner) ctxOrBackground() context.Context {
	if p.ctx != nil {
		return p.ctx
	}
	return context.Background()
}
