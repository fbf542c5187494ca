package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gamepilot/internal/metrics"
	"gamepilot/internal/monitor"
	"gamepilot/internal/scheduler"
	"gamepilot/internal/store"
)

// Deps are the collaborators behind the HTTP API.
type Deps struct {
	Store   store.Backend
	Manager *scheduler.Manager
	Planner *scheduler.Planner
	Monitor *monitor.Monitor
	// Notify receives the events of monitors registered through the API.
	Notify monitor.Callback
	// MCP is mounted on /mcp when set.
	MCP http.Handler
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	deps       Deps
	logger     *slog.Logger
	location   *time.Location
	authToken  string
}

// NewServer constructs the HTTP API server.
func NewServer(addr string, authToken string, deps Deps, logger *slog.Logger, location *time.Location) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

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

	s := &Server{
		router:    router,
		deps:      deps,
		logger:    logger,
		location:  location,
		authToken: authToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", metrics.Handler())

	if s.deps.MCP != nil {
		mcpHandler := s.deps.MCP
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/cron/preview", s.handleCronPreview)
		r.Get("/queue", s.handleQueueStatus)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/submit", s.handleSubmitTask)
				r.Post("/pause", s.handlePauseTask)
				r.Post("/resume", s.handleResumeTask)
				r.Post("/stop", s.handleStopTask)
				r.Get("/logs", s.handleTaskLogs)
				r.Get("/executions", s.handleTaskExecutions)
				r.Post("/monitors", s.handleAddMonitor)
			})
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleListExecutions)
			r.Get("/{executionID}", s.handleGetExecution)
			r.Post("/{executionID}/cancel", s.handleCancelExecution)
		})

		r.Route("/monitors", func(r chi.Router) {
			r.Get("/", s.handleListMonitors)
			r.Delete("/{monitorID}", s.handleRemoveMonitor)
			r.Post("/{monitorID}/enable", s.handleEnableMonitor)
			r.Post("/{monitorID}/disable", s.handleDisableMonitor)
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handleCreateSchedule)
			r.Route("/{scheduleID}", func(r chi.Router) {
				r.Get("/", s.handleGetSchedule)
				r.Patch("/", s.handleUpdateSchedule)
				r.Delete("/", s.handleDeleteSchedule)
				r.Post("/run", s.handleRunSchedule)
			})
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
