package core

import (
	"fmt"
	"strings"
	"time"

	"gamepilot/internal/action"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusCreated   TaskStatus = "created"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusRetrying  TaskStatus = "retrying"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusStopped   TaskStatus = "stopped"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusStopped, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// TaskType classifies automation work.
type TaskType string

const (
	TaskTypeDailyMission  TaskType = "daily_mission"
	TaskTypeWeeklyMission TaskType = "weekly_mission"
	TaskTypeEventMission  TaskType = "event_mission"
	TaskTypeCombatAuto    TaskType = "combat_auto"
	TaskTypeCustom        TaskType = "custom"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeDailyMission, TaskTypeWeeklyMission, TaskTypeEventMission, TaskTypeCombatAuto, TaskTypeCustom:
		return true
	default:
		return false
	}
}

// Priority orders queued work. Lower values are more urgent: PriorityUrgent
// (0) is always dispatched before PriorityLow (3).
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// Priorities lists every level in dispatch order.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow}

var priorityNames = map[Priority]string{
	PriorityUrgent: "urgent",
	PriorityHigh:   "high",
	PriorityMedium: "medium",
	PriorityLow:    "low",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the four defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityUrgent && p <= PriorityLow
}

// Outranks reports whether p is dispatched before other.
func (p Priority) Outranks(other Priority) bool {
	return p < other
}

// ParsePriority accepts a level name (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == needle {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// TaskConfig carries the opaque parameters and the ordered action list of a task.
type TaskConfig struct {
	Params         map[string]any `json:"params,omitempty"`
	Actions        []action.Spec  `json:"actions"`
	SafeMode       *bool          `json:"safe_mode,omitempty"`
	ActionDelayMS  int            `json:"action_delay_ms,omitempty"`
	RandomizeDelay bool           `json:"randomize_delay,omitempty"`
}

// DecodeActions validates the declarative action list and returns the typed actions.
func (c TaskConfig) DecodeActions() ([]action.Action, error) {
	if len(c.Actions) == 0 {
		return nil, fmt.Errorf("task config has no actions")
	}
	return action.Decode(c.Actions)
}

// Task represents a unit of automation work.
type Task struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Type            TaskType   `json:"type"`
	Priority        Priority   `json:"priority"`
	Status          TaskStatus `json:"status"`
	Config          TaskConfig `json:"config"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	ScheduleID      string     `json:"schedule_id,omitempty"`
	LastExecutionAt *time.Time `json:"last_execution_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ExecutionState describes one scheduler attempt to run a task.
type ExecutionState string

const (
	ExecutionQueued    ExecutionState = "queued"
	ExecutionRunning   ExecutionState = "running"
	ExecutionPaused    ExecutionState = "paused"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionFailed    ExecutionState = "failed"
	ExecutionCancelled ExecutionState = "cancelled"
	ExecutionTimeout   ExecutionState = "timeout"
)

// IsActive reports whether the execution still occupies its task.
func (s ExecutionState) IsActive() bool {
	return s == ExecutionQueued || s == ExecutionRunning || s == ExecutionPaused
}

// RunSummary is the outcome of the automation run behind an execution.
type RunSummary struct {
	Success          bool          `json:"success"`
	ActionsCompleted int           `json:"actions_completed"`
	ActionsFailed    int           `json:"actions_failed"`
	ExecutionTime    time.Duration `json:"execution_time"`
}

// TaskExecution captures a single scheduler attempt of a task.
type TaskExecution struct {
	ExecutionID string         `json:"execution_id"`
	TaskID      string         `json:"task_id"`
	Priority    Priority       `json:"priority"`
	State       ExecutionState `json:"state"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Progress    float64        `json:"progress"`
	Attempts    int            `json:"attempts"`
	Result      *RunSummary    `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	StartTime   *time.Time     `json:"start_time,omitempty"`
	EndTime     *time.Time     `json:"end_time,omitempty"`
}

// LogLevel is the severity of an execution log record.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// ExecutionLog is one record written by the automation engine for a task.
type ExecutionLog struct {
	ID        int64          `json:"id"`
	TaskID    string         `json:"task_id"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Schedule submits a new task from its template on every cron trigger.
type Schedule struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Cron       string     `json:"cron"`
	TaskType   TaskType   `json:"task_type"`
	Priority   Priority   `json:"priority"`
	Config     TaskConfig `json:"config"`
	MaxRetries int        `json:"max_retries"`
	Enabled    bool       `json:"enabled"`
	LastTaskID string     `json:"last_task_id,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ResourceLimits is the admission policy consulted by the dispatcher.
type ResourceLimits struct {
	MaxConcurrentTasks int
	// MaxCPUUsage and MaxMemoryUsage are percentages; zero disables the check.
	MaxCPUUsage      float64
	MaxMemoryUsage   float64
	MaxExecutionTime time.Duration
	// Work at or above this priority bypasses the CPU and memory gates.
	PriorityBoostThreshold Priority
}

// DefaultResourceLimits returns the limits used when none are configured.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxConcurrentTasks:     4,
		MaxCPUUsage:            90,
		MaxMemoryUsage:         90,
		MaxExecutionTime:       30 * time.Minute,
		PriorityBoostThreshold: PriorityUrgent,
	}
}
