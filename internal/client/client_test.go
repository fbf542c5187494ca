package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamepilot/internal/action"
	"gamepilot/internal/api"
	"gamepilot/internal/core"
	"gamepilot/internal/device"
	"gamepilot/internal/monitor"
	"gamepilot/internal/scheduler"
	"gamepilot/internal/store"
)

func newServer(t *testing.T, token string) (*httptest.Server, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	sim := device.NewSim()
	runner := action.NewExecutor(sim, sim, action.WithDelays(0, 0))

	cfg := scheduler.DefaultConfig()
	cfg.Workers = 1
	cfg.PollInterval = 2 * time.Millisecond
	cfg.ActionDelay = 0
	cfg.RandomizeDelay = false
	manager := scheduler.NewManager(mem, runner, cfg, nil)
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(func() { _ = manager.Stop(2 * time.Second) })

	server := api.NewServer("", token, api.Deps{
		Store:   mem,
		Manager: manager,
		Planner: scheduler.NewPlanner(mem, manager, nil, time.UTC),
		Monitor: monitor.New(monitor.NewSource(mem, manager)),
	}, nil, time.UTC)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv, mem
}

func waitSpec(seconds float64) []action.Spec {
	return []action.Spec{{ActionType: "wait", Params: map[string]any{"duration": seconds}}}
}

func TestClientSubmitAndFollow(t *testing.T) {
	srv, _ := newServer(t, "tok")
	c := New(srv.URL+"/", "tok")
	ctx := context.Background()

	res, err := c.Submit(ctx, SubmitRequest{
		Name:     "daily",
		Type:     core.TaskTypeDailyMission,
		Priority: core.PriorityHigh,
		Actions:  waitSpec(0.001),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Task)
	assert.NotEmpty(t, res.ExecutionID)
	assert.Equal(t, core.PriorityHigh, res.Task.Priority)

	require.Eventually(t, func() bool {
		view, err := c.Task(ctx, res.Task.ID)
		return err == nil && view.Status == core.TaskStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	status, err := c.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Stats.CompletedTasks)
	assert.Len(t, status.Workers, 1)

	logs, err := c.Logs(ctx, res.Task.ID, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv, _ := newServer(t, "tok")
	ctx := context.Background()

	_, err := New(srv.URL, "wrong").QueueStatus(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	c := New(srv.URL, "tok")
	_, err = c.Task(ctx, "missing")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.NotEmpty(t, apiErr.Code)

	_, err = c.Submit(ctx, SubmitRequest{Name: "empty", Priority: core.PriorityLow})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	err = c.Control(ctx, "task", "restart")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown operation")
}
