package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamepilot/internal/core"
)

func TestParseArgsDefaults(t *testing.T) {
	t.Setenv("GAMEPILOT_STORE", "memory")
	cfg, err := ParseArgs(nil)
	require.NoError(t, err)

	assert.Equal(t, defaultAddr, cfg.Server.Addr)
	assert.Equal(t, "http", cfg.Server.Mode)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, core.PriorityUrgent, cfg.Scheduler.BoostThreshold)
	assert.True(t, cfg.Scheduler.SafeMode)
	assert.Equal(t, "sim", cfg.Device.Driver)
	assert.Empty(t, cfg.StateDir, "memory store needs no state dir")
}

func TestParseArgsEnvironment(t *testing.T) {
	t.Setenv("GAMEPILOT_STORE", "memory")
	t.Setenv("GAMEPILOT_WORKERS", "8")
	t.Setenv("GAMEPILOT_MAX_CPU", "75.5")
	t.Setenv("GAMEPILOT_MAX_EXECUTION_TIME", "90s")
	t.Setenv("GAMEPILOT_PRIORITY_BOOST", "high")
	t.Setenv("GAMEPILOT_SAFE_MODE", "false")
	t.Setenv("GAMEPILOT_MODE", "both")

	cfg, err := ParseArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 75.5, cfg.Scheduler.MaxCPUUsage)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.MaxExecutionTime)
	assert.Equal(t, core.PriorityHigh, cfg.Scheduler.BoostThreshold)
	assert.False(t, cfg.Scheduler.SafeMode)
	assert.Equal(t, "both", cfg.Server.Mode)

	mc := cfg.ManagerConfig()
	assert.Equal(t, 8, mc.Workers)
	assert.Equal(t, core.PriorityHigh, mc.Limits.PriorityBoostThreshold)
	assert.Equal(t, 90*time.Second, mc.Limits.MaxExecutionTime)
	assert.False(t, mc.SafeMode)
}

func TestParseArgsFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("GAMEPILOT_WORKERS", "8")
	t.Setenv("GAMEPILOT_SAFE_MODE", "true")
	dir := t.TempDir()

	cfg, err := ParseArgs([]string{"-workers", "2", "-safe-mode=false", "-state-dir", dir, "-priority-boost", "medium", "-use-utc"})
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Scheduler.Workers)
	assert.False(t, cfg.Scheduler.SafeMode)
	assert.Equal(t, dir, cfg.StateDir)
	assert.Equal(t, core.PriorityMedium, cfg.Scheduler.BoostThreshold)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestParseArgsRejectsInvalidValues(t *testing.T) {
	t.Setenv("GAMEPILOT_STORE", "memory")
	cases := map[string][]string{
		"mode":     {"-mode", "grpc"},
		"store":    {"-store", "redis"},
		"priority": {"-priority-boost", "critical"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseArgs(args)
			assert.Error(t, err)
		})
	}

	t.Setenv("GAMEPILOT_MAX_MEMORY", "140")
	_, err := ParseArgs(nil)
	assert.Error(t, err)
}
