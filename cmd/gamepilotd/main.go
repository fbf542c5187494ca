package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gamepilot/internal/action"
	"gamepilot/internal/api"
	"gamepilot/internal/config"
	"gamepilot/internal/device"
	"gamepilot/internal/logging"
	gamepilotmcp "gamepilot/internal/mcp"
	"gamepilot/internal/monitor"
	"gamepilot/internal/notify"
	"gamepilot/internal/scheduler"
	"gamepilot/internal/store"
)

var version = "dev"

// daemon bundles the long-lived components shared by every mode.
type daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	location  *time.Location
	backend   store.Backend
	manager   *scheduler.Manager
	planner   *scheduler.Planner
	monitor   *monitor.Monitor
	forwarder *notify.Forwarder
	closers   []func() error
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout belongs to the MCP protocol when it is served over stdio.
	logger := logging.New(cfg.Log.Level)
	if cfg.Server.Mode != "http" {
		logger = logging.NewWithWriter(os.Stderr, cfg.Log.Level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		logger.Error("start daemon", "err", err)
		os.Exit(1)
	}
	defer d.close()

	switch cfg.Server.Mode {
	case "http":
		runHTTPMode(d)
	case "mcp":
		runMCPMode(d, cancel)
	case "both":
		runBothMode(d)
	default:
		logger.Error("invalid mode", "mode", cfg.Server.Mode, "valid", []string{"http", "mcp", "both"})
		os.Exit(1)
	}
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger, location: cfg.Location()}

	switch cfg.Store {
	case "memory":
		d.backend = store.NewMemory()
	default:
		st, err := store.Open(ctx, cfg.StateDir, cfg.Log.Retention)
		if err != nil {
			return nil, err
		}
		d.backend = st
		d.closers = append(d.closers, st.Close)
		logger.Info("store opened", "state_dir", cfg.StateDir)
	}

	sim := device.NewSim(device.WithSimLogger(logger.With("component", "device")))
	runner := action.NewExecutor(sim, sim,
		action.WithLogger(logger.With("component", "action")),
		action.WithDelays(cfg.Device.PreDelay, cfg.Device.PostDelay),
		action.WithVariance(cfg.Device.Variance),
	)
	sampler := scheduler.NewHostSampler()
	d.manager = scheduler.NewManager(d.backend, runner, cfg.ManagerConfig(), logger,
		scheduler.WithAppWatcher(sim),
		scheduler.WithSampler(sampler),
	)
	d.planner = scheduler.NewPlanner(d.backend, d.manager, logger, d.location)
	d.monitor = monitor.New(monitor.NewSource(d.backend, d.manager),
		monitor.WithTick(cfg.Monitor.Tick),
		monitor.WithLongRunning(cfg.Monitor.LongRunning),
		monitor.WithSampler(sampler),
		monitor.WithLogger(logger),
	)
	d.forwarder = notify.NewForwarder(buildNotifier(cfg, logger), logger)

	if err := d.manager.Start(ctx); err != nil {
		return nil, err
	}
	d.monitor.Start(ctx)
	d.planner.Start(ctx)
	if err := d.planner.Sync(ctx); err != nil {
		logger.Error("initial sync", "err", err)
	}
	return d, nil
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notification.Bark.Enabled && cfg.Notification.Bark.URL != "" {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			logger.Warn("bark notifier disabled", "err", err)
		} else {
			notifiers = append(notifiers, bark)
		}
	}
	if len(notifiers) == 0 {
		return &notify.NoOpNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

func (d *daemon) mcpServer() *gamepilotmcp.MCPServer {
	return gamepilotmcp.NewMCPServer(gamepilotmcp.Deps{
		Store:   d.backend,
		Manager: d.manager,
		Planner: d.planner,
		Monitor: d.monitor,
		Notify:  d.forwarder.Callback(),
	}, d.logger, d.location, version)
}

func (d *daemon) httpServer(mcpHandler http.Handler) *api.Server {
	return api.NewServer(d.cfg.Server.Addr, d.cfg.Server.AuthToken, api.Deps{
		Store:   d.backend,
		Manager: d.manager,
		Planner: d.planner,
		Monitor: d.monitor,
		Notify:  d.forwarder.Callback(),
		MCP:     mcpHandler,
	}, d.logger, d.location)
}

// shutdown stops triggering new work, then drains the manager within the grace period.
func (d *daemon) shutdown() {
	stopCtx := d.planner.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(d.cfg.ShutdownGrace):
		d.logger.Warn("planner stop timed out")
	}
	if err := d.manager.Stop(d.cfg.ShutdownGrace); err != nil {
		d.logger.Warn("task manager stop", "err", err)
	}
	d.monitor.Stop()
	d.forwarder.Wait()
}

func (d *daemon) close() {
	for _, c := range d.closers {
		if err := c(); err != nil {
			d.logger.Error("close", "err", err)
		}
	}
}

// runHTTPMode serves the HTTP API with MCP mounted on /mcp.
func runHTTPMode(d *daemon) {
	server := d.httpServer(d.mcpServer().HTTPHandler())

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		d.logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		d.logger.Error("server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("server shutdown", "err", err)
	}
	d.shutdown()
}

// runMCPMode serves MCP over stdio only.
func runMCPMode(d *daemon, cancel context.CancelFunc) {
	mcpServer := d.mcpServer()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		d.logger.Info("received signal, shutting down...")
		d.shutdown()
		cancel()
		d.close()
		os.Exit(0)
	}()

	// Blocks until stdin closes.
	if err := mcpServer.Run(); err != nil {
		d.logger.Error("mcp server error", "err", err)
	}
	d.shutdown()
}

// runBothMode serves MCP over stdio and the HTTP API.
func runBothMode(d *daemon) {
	mcpServer := d.mcpServer()
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server := d.httpServer(mcpServer.HTTPHandler())
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		d.logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		d.logger.Error("server error", "err", err)
	case err := <-mcpErr:
		d.logger.Error("mcp server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("server shutdown", "err", err)
	}
	d.shutdown()

	// The stdio MCP server ends with the process.
	d.logger.Info("shutdown complete")
}
