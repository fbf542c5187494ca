package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamepilot/internal/action"
)

func TestSimRecordsInput(t *testing.T) {
	ctx := context.Background()
	sim := NewSim()
	require.NoError(t, sim.Click(ctx, 10, 20, "left"))
	require.NoError(t, sim.KeyCombo(ctx, []string{"ctrl", "c"}))
	require.NoError(t, sim.Drag(ctx, 1, 2, 3, 4, 0))

	calls := sim.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "click", calls[0].Op)
	assert.Equal(t, "10,20 left", calls[0].Args)
	assert.Equal(t, "ctrl+c", calls[1].Args)
	assert.Equal(t, "1,2->3,4", calls[2].Args)
}

func TestSimFailOp(t *testing.T) {
	ctx := context.Background()
	sim := NewSim()
	boom := errors.New("device unplugged")
	sim.FailOp("key_press", boom)
	assert.ErrorIs(t, sim.KeyPress(ctx, "esc"), boom)

	sim.FailOp("key_press", nil)
	assert.NoError(t, sim.KeyPress(ctx, "esc"))
}

func TestSimTemplateAppearsAfterMisses(t *testing.T) {
	ctx := context.Background()
	sim := NewSim()
	sim.ShowTemplateAfter("battle_end", action.Point{X: 5, Y: 6}, 0.95, 2)

	for i := 0; i < 2; i++ {
		m, err := sim.FindTemplate(ctx, "battle_end", nil)
		require.NoError(t, err)
		assert.False(t, m.Found)
	}
	m, err := sim.FindTemplate(ctx, "battle_end", nil)
	require.NoError(t, err)
	assert.True(t, m.Found)
	assert.Equal(t, action.Point{X: 5, Y: 6}, m.Location)

	sim.HideTemplate("battle_end")
	m, err = sim.FindTemplate(ctx, "battle_end", nil)
	require.NoError(t, err)
	assert.False(t, m.Found)
}

func TestSimLatencyHonoursCancellation(t *testing.T) {
	sim := NewSim(WithLatency(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := sim.Click(ctx, 0, 0, "left")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, sim.Calls())
}

func TestSimAppWatcher(t *testing.T) {
	ctx := context.Background()
	sim := NewSim()
	sim.SetApp(true, false)
	running, _ := sim.IsTargetAppRunning(ctx)
	fg, _ := sim.IsTargetAppForeground(ctx)
	assert.True(t, running)
	assert.False(t, fg)
}

func TestSimDrivesExecutor(t *testing.T) {
	sim := NewSim()
	sim.ShowTemplate("start_button", action.Point{X: 100, Y: 200}, 0.9)
	exec := action.NewExecutor(sim, sim, action.WithDelays(0, 0))

	res := exec.Execute(context.Background(), action.Click{Target: action.OnTemplate("start_button", nil)})
	require.True(t, res.Success, res.Message)
	calls := sim.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "100,200 left", calls[0].Args)
}
