package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"gamepilot/internal/action"
	"gamepilot/internal/core"
	"gamepilot/internal/monitor"
	"gamepilot/internal/scheduler"
	"gamepilot/internal/store"
)

// Deps are the collaborators the tools operate on.
type Deps struct {
	Store   store.Backend
	Manager *scheduler.Manager
	Planner *scheduler.Planner
	Monitor *monitor.Monitor
	// Notify receives the events of monitors registered through MCP.
	Notify monitor.Callback
}

// MCPServer exposes the task manager as MCP tools.
type MCPServer struct {
	deps     Deps
	logger   *slog.Logger
	location *time.Location
	mcp      *server.MCPServer
}

// NewMCPServer creates the server and registers its tools.
func NewMCPServer(deps Deps, logger *slog.Logger, location *time.Location, version string) *MCPServer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if location == nil {
		location = time.Local
	}
	if deps.Notify == nil {
		deps.Notify = func(ev monitor.Event) {
			logger.Info("monitor event", "monitor_id", ev.MonitorID, "task_id", ev.TaskID, "type", ev.Type)
		}
	}
	s := &MCPServer{
		deps:     deps,
		logger:   logger,
		location: location,
		mcp: server.NewMCPServer(
			"gamepilot",
			version,
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	return s
}

// Run serves MCP over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.mcp)
}

// HTTPHandler serves MCP over streamable HTTP, for mounting on /mcp.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

func (s *MCPServer) registerTools() {
	s.mcp.AddTool(mcp.NewTool("game_submit_task",
		mcp.WithDescription("Create an automation task from an action list and queue it for execution"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Task name"),
		),
		mcp.WithString("actions",
			mcp.Required(),
			mcp.Description("Action list as YAML or JSON, e.g. [{action_type: click, params: {x: 10, y: 20}}]"),
		),
		mcp.WithString("type",
			mcp.Description("Task type"),
			mcp.Enum("daily_mission", "weekly_mission", "event_mission", "combat_auto", "custom"),
		),
		mcp.WithString("priority",
			mcp.Description("Queue priority, default medium"),
			mcp.Enum("urgent", "high", "medium", "low"),
		),
		mcp.WithNumber("max_retries",
			mcp.Description("Extra attempts after a failed run"),
			mcp.Min(0),
		),
	), s.handleSubmitTask)

	s.mcp.AddTool(mcp.NewTool("game_list_tasks",
		mcp.WithDescription("List automation tasks, newest first"),
		mcp.WithString("status",
			mcp.Description("Only tasks in this status"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of tasks, default 20"),
			mcp.Min(1),
			mcp.Max(200),
		),
	), s.handleListTasks)

	s.mcp.AddTool(mcp.NewTool("game_get_task",
		mcp.WithDescription("Show a task with its live execution"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	for _, op := range []struct{ name, desc string }{
		{"game_pause_task", "Pause the running execution of a task"},
		{"game_resume_task", "Resume a paused task"},
		{"game_stop_task", "Stop or cancel the current execution of a task"},
	} {
		s.mcp.AddTool(mcp.NewTool(op.name,
			mcp.WithDescription(op.desc),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("Task ID"),
			),
		), s.handleControl(op.name))
	}

	s.mcp.AddTool(mcp.NewTool("game_cancel_execution",
		mcp.WithDescription("Cancel a queued or running execution"),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("Execution ID"),
		),
	), s.handleCancelExecution)

	s.mcp.AddTool(mcp.NewTool("game_queue_status",
		mcp.WithDescription("Queue depth per priority, worker state and counters"),
	), s.handleQueueStatus)

	s.mcp.AddTool(mcp.NewTool("game_task_logs",
		mcp.WithDescription("Execution log of a task, newest first"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of records, default 20"),
			mcp.Min(1),
			mcp.Max(500),
		),
	), s.handleTaskLogs)

	s.mcp.AddTool(mcp.NewTool("game_add_monitor",
		mcp.WithDescription("Watch a task and forward events to the configured notifier"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithString("monitor_type",
			mcp.Required(),
			mcp.Enum("status_change", "health_check", "timeout", "resource"),
		),
		mcp.WithNumber("interval_seconds",
			mcp.Description("Check interval, default every tick"),
			mcp.Min(0),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Required for timeout monitors"),
			mcp.Min(0),
		),
	), s.handleAddMonitor)

	s.mcp.AddTool(mcp.NewTool("game_create_schedule",
		mcp.WithDescription("Submit a task from a template on every trigger of a 5-field cron expression"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Schedule name"),
		),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression, e.g. '0 4 * * *' for every day at 04:00"),
		),
		mcp.WithString("actions",
			mcp.Required(),
			mcp.Description("Action list as YAML or JSON"),
		),
		mcp.WithString("type",
			mcp.Enum("daily_mission", "weekly_mission", "event_mission", "combat_auto", "custom"),
		),
		mcp.WithString("priority",
			mcp.Enum("urgent", "high", "medium", "low"),
		),
	), s.handleCreateSchedule)

	s.mcp.AddTool(mcp.NewTool("game_list_schedules",
		mcp.WithDescription("List schedules"),
	), s.handleListSchedules)

	s.mcp.AddTool(mcp.NewTool("game_run_schedule",
		mcp.WithDescription("Submit a task for a schedule right now"),
		mcp.WithString("schedule_id",
			mcp.Required(),
			mcp.Description("Schedule ID"),
		),
	), s.handleRunSchedule)

	s.mcp.AddTool(mcp.NewTool("game_cron_preview",
		mcp.WithDescription("Preview the next trigger times of a cron expression"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of trigger times, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleCronPreview)

	s.logger.Info("MCP tools registered", "count", 15)
}

func (s *MCPServer) handleSubmitTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	specs, errResult := parseActions(mcp.ParseString(request, "actions", ""))
	if errResult != nil {
		return errResult, nil
	}
	priority, err := core.ParsePriority(mcp.ParseString(request, "priority", "medium"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	task, execID, err := s.deps.Manager.SubmitTask(ctx, scheduler.NewTask{
		Name:       mcp.ParseString(request, "name", ""),
		Type:       core.TaskType(mcp.ParseString(request, "type", string(core.TaskTypeCustom))),
		Config:     core.TaskConfig{Actions: specs},
		MaxRetries: int(mcp.ParseFloat64(request, "max_retries", 0)),
	}, priority)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submit task failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task queued\nTask ID: %s\nExecution ID: %s\nPriority: %s\nActions: %d",
		task.ID, execID, priority, len(specs))), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := core.TaskFilter{Limit: int(mcp.ParseFloat64(request, "limit", 20))}
	if status := mcp.ParseString(request, "status", ""); status != "" {
		st := core.TaskStatus(status)
		if !st.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status %q", status)), nil
		}
		filter.Status = &st
	}
	tasks, err := s.deps.Store.ListTasks(ctx, filter)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("list tasks failed: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "[%s] %s\n", t.Status, t.ID)
		fmt.Fprintf(&b, "  Name: %s\n", t.Name)
		fmt.Fprintf(&b, "  Type: %s  Priority: %s\n", t.Type, t.Priority)
		if t.LastExecutionAt != nil {
			fmt.Fprintf(&b, "  Last execution: %s\n", s.formatTime(t.LastExecutionAt))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.deps.Store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("get task failed: %v", err)), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", task.ID)
	fmt.Fprintf(&b, "Name: %s\n", task.Name)
	fmt.Fprintf(&b, "Type: %s\n", task.Type)
	fmt.Fprintf(&b, "Status: %s\n", task.Status)
	fmt.Fprintf(&b, "Priority: %s\n", task.Priority)
	fmt.Fprintf(&b, "Retries: %d/%d\n", task.RetryCount, task.MaxRetries)
	fmt.Fprintf(&b, "Actions: %d\n", len(task.Config.Actions))
	if task.ScheduleID != "" {
		fmt.Fprintf(&b, "Schedule: %s\n", task.ScheduleID)
	}
	if exec, ok := s.deps.Manager.ActiveExecutionForTask(taskID); ok {
		fmt.Fprintf(&b, "Execution: %s (%s, %.0f%%)\n", exec.ExecutionID, exec.State, exec.Progress*100)
	}
	fmt.Fprintf(&b, "Created: %s\n", s.formatTime(&task.CreatedAt))
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleControl(tool string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID := mcp.ParseString(request, "task_id", "")
		var err error
		verb := "stop requested"
		switch tool {
		case "game_pause_task":
			verb = "paused"
			err = s.deps.Manager.Pause(taskID)
		case "game_resume_task":
			verb = "resumed"
			err = s.deps.Manager.Resume(taskID)
		default:
			err = s.deps.Manager.StopTask(taskID)
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", strings.TrimPrefix(tool, "game_"), err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Task %s: %s", verb, taskID)), nil
	}
}

func (s *MCPServer) handleCancelExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID := mcp.ParseString(request, "execution_id", "")
	if !s.deps.Manager.Cancel(execID) {
		return mcp.NewToolResultError(fmt.Sprintf("execution %s is unknown, finished or already stopping", execID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Execution cancelled: %s", execID)), nil
}

func (s *MCPServer) handleQueueStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := s.deps.Manager.QueueStatus()
	var b strings.Builder
	b.WriteString("Queue depth:\n")
	for _, p := range core.Priorities {
		fmt.Fprintf(&b, "  %-6s %d\n", p, status.Depths[p])
	}
	fmt.Fprintf(&b, "Active executions: %d\n", status.ActiveCount)
	st := status.Stats
	fmt.Fprintf(&b, "Total: %d  Completed: %d  Failed: %d  Cancelled: %d  Timed out: %d\n",
		st.TotalTasks, st.CompletedTasks, st.FailedTasks, st.CancelledTasks, st.TimedOutTasks)
	b.WriteString("Workers:\n")
	for _, w := range status.Workers {
		state := "idle"
		if w.Busy {
			state = "busy " + w.CurrentExecutionID
		}
		fmt.Fprintf(&b, "  %s: %s, %d done\n", w.WorkerID, state, w.TasksCompleted)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleTaskLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	logs, err := s.deps.Store.ListExecutionLogs(ctx, taskID, int(mcp.ParseFloat64(request, "limit", 20)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read logs failed: %v", err)), nil
	}
	if len(logs) == 0 {
		return mcp.NewToolResultText("No log records for this task"), nil
	}
	var b strings.Builder
	for _, l := range logs {
		fmt.Fprintf(&b, "%s [%s] %s\n", s.formatTime(&l.CreatedAt), l.Level, l.Message)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleAddMonitor(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.deps.Monitor == nil {
		return mcp.NewToolResultError("task monitor is disabled"), nil
	}
	taskID := mcp.ParseString(request, "task_id", "")
	typ := monitor.Type(mcp.ParseString(request, "monitor_type", ""))
	interval := time.Duration(mcp.ParseFloat64(request, "interval_seconds", 0) * float64(time.Second))
	timeout := time.Duration(mcp.ParseFloat64(request, "timeout_seconds", 0) * float64(time.Second))
	id, err := s.deps.Monitor.AddStatusMonitor(ctx, taskID, typ, s.deps.Notify, interval, timeout)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("add monitor failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Monitor added\nID: %s\nTask: %s\nType: %s", id, taskID, typ)), nil
}

func (s *MCPServer) handleCreateSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := strings.TrimSpace(mcp.ParseString(request, "cron", ""))
	if _, err := scheduler.ParseCron(cronExpr); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}
	specs, errResult := parseActions(mcp.ParseString(request, "actions", ""))
	if errResult != nil {
		return errResult, nil
	}
	priority, err := core.ParsePriority(mcp.ParseString(request, "priority", "medium"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sched := &core.Schedule{
		ID:       core.NewID(),
		Name:     strings.TrimSpace(mcp.ParseString(request, "name", "")),
		Cron:     cronExpr,
		TaskType: core.TaskType(mcp.ParseString(request, "type", string(core.TaskTypeCustom))),
		Priority: priority,
		Config:   core.TaskConfig{Actions: specs},
		Enabled:  true,
	}
	if sched.Name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}
	if !sched.TaskType.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown task type %q", sched.TaskType)), nil
	}
	if err := s.deps.Store.InsertSchedule(ctx, sched); err != nil {
		s.logger.Error("insert schedule", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("create schedule failed: %v", err)), nil
	}
	if err := s.deps.Planner.AddOrUpdate(ctx, sched); err != nil {
		s.logger.Error("register schedule", "schedule_id", sched.ID, "err", err)
	}
	next := "-"
	if t, ok := s.deps.Planner.NextRun(sched.ID); ok {
		next = s.formatTime(&t)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Schedule created\nID: %s\nNext run: %s", sched.ID, next)), nil
}

func (s *MCPServer) handleListSchedules(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	schedules, err := s.deps.Store.ListSchedules(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list schedules failed: %v", err)), nil
	}
	if len(schedules) == 0 {
		return mcp.NewToolResultText("No schedules found"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d schedules:\n\n", len(schedules))
	for _, sc := range schedules {
		state := "enabled"
		if !sc.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&b, "[%s] %s\n", state, sc.ID)
		fmt.Fprintf(&b, "  Name: %s\n", sc.Name)
		fmt.Fprintf(&b, "  Cron: %s\n", sc.Cron)
		fmt.Fprintf(&b, "  Next run: %s\n", s.formatTime(sc.NextRunAt))
		if sc.LastTaskID != "" {
			fmt.Fprintf(&b, "  Last task: %s\n", sc.LastTaskID)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleRunSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scheduleID := mcp.ParseString(request, "schedule_id", "")
	task, execID, err := s.deps.Planner.RunNow(ctx, scheduleID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run schedule failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task queued\nTask ID: %s\nExecution ID: %s", task.ID, execID)), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := mcp.ParseString(request, "cron", "")
	schedule, err := scheduler.ParseCron(cronExpr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}
	count := int(mcp.ParseFloat64(request, "count", 5))
	if count <= 0 || count > 10 {
		count = 5
	}
	nextTimes := scheduler.NextOccurrences(schedule, time.Now().In(s.location), count)

	var b strings.Builder
	fmt.Fprintf(&b, "Cron expression: %s\n", cronExpr)
	fmt.Fprintf(&b, "Time zone: %s\n\n", s.location)
	b.WriteString("Next triggers:\n")
	for i, t := range nextTimes {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

// parseActions validates an action list given as YAML or JSON text.
func parseActions(text string) ([]action.Spec, *mcp.CallToolResult) {
	if strings.TrimSpace(text) == "" {
		return nil, mcp.NewToolResultError("actions are required")
	}
	specs, _, err := action.ParseYAML([]byte(text))
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid actions: %v", err))
	}
	return specs, nil
}

func (s *MCPServer) formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.In(s.location).Format("2006-01-02 15:04:05")
}
