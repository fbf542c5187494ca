package scheduler

import (
	"fmt"
	"sync"

	"gamepilot/internal/core"
	"gamepilot/internal/metrics"
)

// Item is a queued reference to an execution.
type Item struct {
	ExecutionID string
	TaskID      string
	Priority    core.Priority
}

// Queue holds one FIFO per priority level behind a single mutex. Get never
// blocks; callers poll.
type Queue struct {
	mu     sync.Mutex
	levels [len(priorityLevels)][]Item
}

var priorityLevels = [...]core.Priority{core.PriorityUrgent, core.PriorityHigh, core.PriorityMedium, core.PriorityLow}

func NewQueue() *Queue {
	return &Queue{}
}

// Put appends item to the FIFO of its priority.
func (q *Queue) Put(item Item) error {
	if !item.Priority.Valid() {
		return fmt.Errorf("queue: invalid priority %d", int(item.Priority))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.levels[item.Priority] = append(q.levels[item.Priority], item)
	q.publishLocked(item.Priority)
	return nil
}

// Get pops the oldest item of the most urgent non-empty level.
func (q *Queue) Get() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range priorityLevels {
		if len(q.levels[p]) == 0 {
			continue
		}
		item := q.levels[p][0]
		q.levels[p][0] = Item{}
		q.levels[p] = q.levels[p][1:]
		q.publishLocked(p)
		return item, true
	}
	return Item{}, false
}

// PeekPriority reports the level Get would pop from next.
func (q *Queue) PeekPriority() (core.Priority, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range priorityLevels {
		if len(q.levels[p]) > 0 {
			return p, true
		}
	}
	return 0, false
}

// Remove drops the item for executionID, preserving the order of the rest.
func (q *Queue) Remove(executionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range priorityLevels {
		for i, item := range q.levels[p] {
			if item.ExecutionID != executionID {
				continue
			}
			q.levels[p] = append(q.levels[p][:i], q.levels[p][i+1:]...)
			q.publishLocked(p)
			return true
		}
	}
	return false
}

// Counts returns the depth of every non-empty level.
func (q *Queue) Counts() map[core.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[core.Priority]int)
	for _, p := range priorityLevels {
		if n := len(q.levels[p]); n > 0 {
			counts[p] = n
		}
	}
	return counts
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, p := range priorityLevels {
		n += len(q.levels[p])
	}
	return n
}

func (q *Queue) publishLocked(p core.Priority) {
	metrics.QueueDepth.WithLabelValues(p.String()).Set(float64(len(q.levels[p])))
}
