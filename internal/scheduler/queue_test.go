package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamepilot/internal/core"
)

func TestQueue_PopsMostUrgentFirst(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Put(Item{ExecutionID: "low", Priority: core.PriorityLow}))
	require.NoError(t, q.Put(Item{ExecutionID: "urgent", Priority: core.PriorityUrgent}))
	require.NoError(t, q.Put(Item{ExecutionID: "medium", Priority: core.PriorityMedium}))

	var got []string
	for {
		item, ok := q.Get()
		if !ok {
			break
		}
		got = append(got, item.ExecutionID)
	}
	assert.Equal(t, []string{"urgent", "medium", "low"}, got)
}

func TestQueue_FIFOWithinLevel(t *testing.T) {
	q := NewQueue()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Put(Item{ExecutionID: id, Priority: core.PriorityHigh}))
	}
	for _, want := range []string{"a", "b", "c"} {
		item, ok := q.Get()
		require.True(t, ok)
		assert.Equal(t, want, item.ExecutionID)
	}
	_, ok := q.Get()
	assert.False(t, ok)
}

func TestQueue_RejectsInvalidPriority(t *testing.T) {
	q := NewQueue()
	assert.Error(t, q.Put(Item{ExecutionID: "x", Priority: core.Priority(7)}))
	assert.Error(t, q.Put(Item{ExecutionID: "y", Priority: core.Priority(-1)}))
	assert.Equal(t, 0, q.Len())
}

func TestQueue_RemoveAndCounts(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Put(Item{ExecutionID: "a", Priority: core.PriorityLow}))
	require.NoError(t, q.Put(Item{ExecutionID: "b", Priority: core.PriorityLow}))
	require.NoError(t, q.Put(Item{ExecutionID: "c", Priority: core.PriorityUrgent}))

	assert.Equal(t, map[core.Priority]int{core.PriorityLow: 2, core.PriorityUrgent: 1}, q.Counts())

	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))
	assert.Equal(t, 2, q.Len())

	p, ok := q.PeekPriority()
	require.True(t, ok)
	assert.Equal(t, core.PriorityUrgent, p)

	q.Get()
	item, ok := q.Get()
	require.True(t, ok)
	assert.Equal(t, "b", item.ExecutionID)
	assert.Empty(t, q.Counts())
}
