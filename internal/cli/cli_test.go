package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
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

func startServer(t *testing.T) (string, *store.Memory) {
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

	server := api.NewServer("", "", api.Deps{
		Store:   mem,
		Manager: manager,
		Planner: scheduler.NewPlanner(mem, manager, nil, time.UTC),
		Monitor: monitor.New(monitor.NewSource(mem, manager)),
	}, nil, time.UTC)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv.URL, mem
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const dailyYAML = `
actions:
  - action_type: click
    params: {x: 10, y: 20}
  - action_type: wait
    params: {duration: 0.001}
`

func TestValidateCommand(t *testing.T) {
	good := writeFile(t, "daily.yaml", dailyYAML)
	out, err := run(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "2 actions (click, wait)")

	bad := writeFile(t, "bad.yaml", "- action_type: teleport\n")
	out, err = run(t, "validate", good, bad)
	require.Error(t, err)
	assert.Contains(t, out, "error "+bad)
	assert.Contains(t, err.Error(), "1 of 2 files are invalid")
}

func TestSubmitAndStatus(t *testing.T) {
	url, mem := startServer(t)
	file := writeFile(t, "daily.yaml", dailyYAML)

	out, err := run(t, "--server", url, "submit", "-f", file, "--priority", "high", "--type", "daily_mission")
	require.NoError(t, err)
	assert.Contains(t, out, "queued as execution")
	assert.Contains(t, out, "(high)")

	tasks, err := mem.ListTasks(context.Background(), core.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, "daily", task.Name)
	assert.Equal(t, core.PriorityHigh, task.Priority)

	require.Eventually(t, func() bool {
		got, err := mem.GetTask(context.Background(), task.ID)
		return err == nil && got.Status == core.TaskStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	out, err = run(t, "-s", url, "status", task.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "status:   completed")

	out, err = run(t, "-s", url, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "urgent")
	assert.Contains(t, out, "completed 1")

	out, err = run(t, "-s", url, "logs", task.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestSubmitRejectsBadPriority(t *testing.T) {
	file := writeFile(t, "daily.yaml", dailyYAML)
	_, err := run(t, "--server", "http://127.0.0.1:1", "submit", "-f", file, "--priority", "asap")
	require.Error(t, err)
}

func TestControlErrorsSurface(t *testing.T) {
	url, _ := startServer(t)

	_, err := run(t, "-s", url, "pause", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")

	_, err = run(t, "-s", url, "cancel", "nope")
	require.Error(t, err)
}
