package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"gamepilot/internal/core"
	"gamepilot/internal/scheduler"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	// Mode selects the front-ends: http, mcp (stdio) or both.
	Mode string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
	// Retention is the number of executions kept per task in the store.
	Retention int
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// SchedulerConfig holds worker pool and admission settings.
type SchedulerConfig struct {
	Workers            int
	MaxConcurrent      int
	MaxCPUUsage        float64
	MaxMemoryUsage     float64
	MaxExecutionTime   time.Duration
	BoostThreshold     core.Priority
	PollInterval       time.Duration
	CompletedRetention int
	SafeMode           bool
	ActionDelay        time.Duration
	RandomizeDelay     bool
	RequireForeground  bool
}

// MonitorConfig holds task monitor settings.
type MonitorConfig struct {
	Tick        time.Duration
	LongRunning time.Duration
}

// DeviceConfig selects and tunes the input/detection backend.
type DeviceConfig struct {
	Driver    string
	Variance  float64
	PreDelay  time.Duration
	PostDelay time.Duration
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Notification NotificationConfig
	Scheduler    SchedulerConfig
	Monitor      MonitorConfig
	Device       DeviceConfig

	Store         string
	StateDir      string
	UseUTC        bool
	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "127.0.0.1:7171"
	defaultLogLevel      = "info"
	defaultRetention     = 50
	defaultShutdownGrace = 10 * time.Second
	defaultMode          = "http"
	defaultStore         = "sqlite"
	defaultDriver        = "sim"
)

const envPrefix = "GAMEPILOT_"

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		lower := strings.ToLower(strings.TrimSpace(val))
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse reads the process flags. See ParseArgs.
func Parse() (*Config, error) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs builds the configuration from args, the environment and .env files.
// Priority: CLI flags > Environment variables > .env file > defaults
func ParseArgs(args []string) (*Config, error) {
	// Optional .env files: current directory, then the user config directory.
	envFiles := []string{}
	for _, candidate := range []string{".env", userEnvFile()} {
		if candidate == "" {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			envFiles = append(envFiles, candidate)
		}
	}
	if len(envFiles) > 0 {
		_ = godotenv.Load(envFiles...)
	}

	def := scheduler.DefaultConfig()
	boost, err := core.ParsePriority(getEnvString("PRIORITY_BOOST", def.Limits.PriorityBoostThreshold.String()))
	if err != nil {
		return nil, fmt.Errorf("GAMEPILOT_PRIORITY_BOOST: %w", err)
	}
	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("ADDR", defaultAddr),
			AuthToken: getEnvString("AUTH_TOKEN", ""),
			Mode:      getEnvString("MODE", defaultMode),
		},
		Log: LogConfig{
			Level:     getEnvString("LOG_LEVEL", defaultLogLevel),
			Retention: getEnvInt("RETENTION", defaultRetention),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("BARK_URL", ""),
				Enabled: getEnvBool("BARK_ENABLED", false),
			},
		},
		Scheduler: SchedulerConfig{
			Workers:            getEnvInt("WORKERS", def.Workers),
			MaxConcurrent:      getEnvInt("MAX_CONCURRENT", def.Limits.MaxConcurrentTasks),
			MaxCPUUsage:        getEnvFloat("MAX_CPU", def.Limits.MaxCPUUsage),
			MaxMemoryUsage:     getEnvFloat("MAX_MEMORY", def.Limits.MaxMemoryUsage),
			MaxExecutionTime:   getEnvDuration("MAX_EXECUTION_TIME", def.Limits.MaxExecutionTime),
			BoostThreshold:     boost,
			PollInterval:       getEnvDuration("POLL_INTERVAL", def.PollInterval),
			CompletedRetention: getEnvInt("COMPLETED_RETENTION", def.MaxCompleted),
			SafeMode:           getEnvBool("SAFE_MODE", def.SafeMode),
			ActionDelay:        getEnvDuration("ACTION_DELAY", def.ActionDelay),
			RandomizeDelay:     getEnvBool("RANDOMIZE_DELAY", def.RandomizeDelay),
			RequireForeground:  getEnvBool("REQUIRE_FOREGROUND", false),
		},
		Monitor: MonitorConfig{
			Tick:        getEnvDuration("MONITOR_TICK", time.Second),
			LongRunning: getEnvDuration("MONITOR_LONG_RUNNING", 30*time.Minute),
		},
		Device: DeviceConfig{
			Driver:    getEnvString("DRIVER", defaultDriver),
			Variance:  getEnvFloat("JITTER_VARIANCE", 0.3),
			PreDelay:  getEnvDuration("PRE_ACTION_DELAY", 50*time.Millisecond),
			PostDelay: getEnvDuration("POST_ACTION_DELAY", 100*time.Millisecond),
		},
		Store:         getEnvString("STORE", defaultStore),
		StateDir:      getEnvString("STATE_DIR", ""),
		UseUTC:        getEnvBool("USE_UTC", false),
		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("gamepilotd", flag.ContinueOnError)
	var (
		addr, logLevel, mode, store, stateDir, boostName string
		workers, maxConcurrent, retention              int
		maxExec, shutdownGrace, monitorTick            time.Duration
		useUTC, safeMode                               bool
	)
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&mode, "mode", "", "Front-ends to serve: http, mcp or both")
	fs.StringVar(&store, "store", "", "Task store: sqlite or memory")
	fs.StringVar(&stateDir, "state-dir", "", "Directory holding the SQLite database")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&boostName, "priority-boost", "", "Priorities at or above this level skip the CPU/memory gate")
	fs.IntVar(&workers, "workers", 0, "Number of workers")
	fs.IntVar(&maxConcurrent, "max-concurrent", 0, "Maximum concurrently running executions")
	fs.IntVar(&retention, "retention", 0, "Number of executions retained per task")
	fs.DurationVar(&maxExec, "max-execution-time", 0, "Executions running longer are stopped")
	fs.DurationVar(&monitorTick, "monitor-tick", 0, "Polling period of the task monitor")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC for cron evaluation instead of system local time")
	fs.BoolVar(&safeMode, "safe-mode", true, "Abort a task on its first failed action")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if mode != "" {
		cfg.Server.Mode = mode
	}
	if store != "" {
		cfg.Store = store
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if boostName != "" {
		p, err := core.ParsePriority(boostName)
		if err != nil {
			return nil, fmt.Errorf("-priority-boost: %w", err)
		}
		cfg.Scheduler.BoostThreshold = p
	}
	if workers > 0 {
		cfg.Scheduler.Workers = workers
	}
	if maxConcurrent > 0 {
		cfg.Scheduler.MaxConcurrent = maxConcurrent
	}
	if retention > 0 {
		cfg.Log.Retention = retention
	}
	if maxExec > 0 {
		cfg.Scheduler.MaxExecutionTime = maxExec
	}
	if monitorTick > 0 {
		cfg.Monitor.Tick = monitorTick
	}
	// For bool flags, check if explicitly set via flag.Visit
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "safe-mode":
			cfg.Scheduler.SafeMode = safeMode
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Store == "sqlite" && cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Log.Retention < 1 {
		cfg.Log.Retention = defaultRetention
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Server.Mode {
	case "http", "mcp", "both":
	default:
		return fmt.Errorf("invalid mode %q (want http, mcp or both)", c.Server.Mode)
	}
	switch c.Store {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("invalid store %q (want sqlite or memory)", c.Store)
	}
	if c.Device.Driver != "sim" {
		return fmt.Errorf("unsupported driver %q", c.Device.Driver)
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.Scheduler.MaxCPUUsage < 0 || c.Scheduler.MaxCPUUsage > 100 || c.Scheduler.MaxMemoryUsage < 0 || c.Scheduler.MaxMemoryUsage > 100 {
		return fmt.Errorf("resource limits must be percentages between 0 and 100")
	}
	return nil
}

// Location returns the time zone used for cron evaluation.
func (c *Config) Location() *time.Location {
	if c.UseUTC {
		return time.UTC
	}
	return time.Local
}

// ManagerConfig converts the scheduler settings for scheduler.NewManager.
func (c *Config) ManagerConfig() scheduler.Config {
	mc := scheduler.DefaultConfig()
	mc.Workers = c.Scheduler.Workers
	mc.Limits = core.ResourceLimits{
		MaxConcurrentTasks:     c.Scheduler.MaxConcurrent,
		MaxCPUUsage:            c.Scheduler.MaxCPUUsage,
		MaxMemoryUsage:         c.Scheduler.MaxMemoryUsage,
		MaxExecutionTime:       c.Scheduler.MaxExecutionTime,
		PriorityBoostThreshold: c.Scheduler.BoostThreshold,
	}
	mc.PollInterval = c.Scheduler.PollInterval
	mc.MaxCompleted = c.Scheduler.CompletedRetention
	mc.SafeMode = c.Scheduler.SafeMode
	mc.ActionDelay = c.Scheduler.ActionDelay
	mc.RandomizeDelay = c.Scheduler.RandomizeDelay
	mc.RequireForeground = c.Scheduler.RequireForeground
	return mc
}

func userEnvFile() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(configDir, "gamepilot", ".env")
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "gamepilot")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
