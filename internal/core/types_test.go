package core

import (
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamepilot/internal/action"
)

func TestPriorityOrdering(t *testing.T) {
	assert.Equal(t, Priority(0), PriorityUrgent, "urgent must be the most urgent level")
	assert.True(t, PriorityUrgent.Outranks(PriorityHigh))
	assert.True(t, PriorityHigh.Outranks(PriorityMedium))
	assert.True(t, PriorityMedium.Outranks(PriorityLow))
	assert.False(t, PriorityLow.Outranks(PriorityUrgent))
	assert.False(t, PriorityMedium.Outranks(PriorityMedium))

	shuffled := []Priority{PriorityLow, PriorityUrgent, PriorityMedium, PriorityHigh}
	sort.Slice(shuffled, func(i, j int) bool { return shuffled[i].Outranks(shuffled[j]) })
	assert.Equal(t, Priorities, shuffled)
}

func TestPriorityText(t *testing.T) {
	for _, p := range Priorities {
		parsed, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	p, err := ParsePriority(" URGENT ")
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, p)

	_, err = ParsePriority("critical")
	assert.Error(t, err)
	assert.False(t, Priority(4).Valid())

	var body struct {
		Priority Priority `json:"priority"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"priority":"low"}`), &body))
	assert.Equal(t, PriorityLow, body.Priority)
	out, err := json.Marshal(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"priority":"low"}`, string(out))
}

func TestTransitions(t *testing.T) {
	allowed := [][2]TaskStatus{
		{TaskStatusCreated, TaskStatusRunning},
		{TaskStatusCreated, TaskStatusCancelled},
		{TaskStatusRunning, TaskStatusPaused},
		{TaskStatusRunning, TaskStatusRetrying},
		{TaskStatusPaused, TaskStatusRunning},
		{TaskStatusPaused, TaskStatusStopped},
		{TaskStatusRetrying, TaskStatusRunning},
		{TaskStatusRetrying, TaskStatusFailed},
	}
	for _, edge := range allowed {
		assert.True(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	denied := [][2]TaskStatus{
		{TaskStatusCreated, TaskStatusCompleted},
		{TaskStatusPaused, TaskStatusCompleted},
		{TaskStatusCompleted, TaskStatusRunning},
		{TaskStatusFailed, TaskStatusRetrying},
		{TaskStatusStopped, TaskStatusRunning},
		{TaskStatusCancelled, TaskStatusCreated},
	}
	for _, edge := range denied {
		err := ValidateTransition("t1", edge[0], edge[1])
		var te *TransitionError
		require.True(t, errors.As(err, &te), "%s -> %s", edge[0], edge[1])
		assert.Equal(t, edge[0], te.From)
		assert.Equal(t, edge[1], te.To)
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusStopped, TaskStatusCancelled} {
		assert.True(t, s.IsTerminal(), s)
		assert.True(t, s.Valid())
	}
	for _, s := range []TaskStatus{TaskStatusCreated, TaskStatusRunning, TaskStatusPaused, TaskStatusRetrying} {
		assert.False(t, s.IsTerminal(), s)
	}
	assert.False(t, TaskStatus("exploded").Valid())
}

func TestDecodeActionsRequiresActions(t *testing.T) {
	_, err := TaskConfig{}.DecodeActions()
	assert.Error(t, err)

	actions, err := TaskConfig{Actions: []action.Spec{{ActionType: "key_press", Params: map[string]any{"key": "esc"}}}}.DecodeActions()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, action.KindKeyPress, actions[0].Kind())
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
