package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"riemann/internal/config"
	"riemann/internal/logging"
)

// Runtime defines runtime inputs required to start the monitor.
// Params: ConfigPath points to the TOML configuration file or directory;
// Reload receives one value per reload request (SIGHUP).
// Returns: Runtime value used by Run.
type Runtime struct {
	ConfigPath string
	Reload     <-chan struct{}
}

type runner interface {
	Run(context.Context) error
}

// runDeps are the seams between the supervisor and the components it starts.
type runDeps struct {
	loadConfig   func(string) (*config.Config, error)
	newLogger    func(config.LogConfig) (*slog.Logger, func(), error)
	startDebug   func(context.Context, config.DebugConfig, *prometheus.Registry, *slog.Logger) (func(), error)
	buildMonitor func(context.Context, *config.Config, *slog.Logger, prometheus.Registerer) (runner, error)
}

// logSink is a logger together with the function releasing its outputs.
type logSink struct {
	logger  *slog.Logger
	release func()
}

func (s *logSink) close() {
	if s == nil || s.release == nil {
		return
	}
	s.release()
	s.release = nil
}

// generation is one running monitor built from one config snapshot.
// A reload replaces the whole generation.
type generation struct {
	cfg       *config.Config
	log       *logSink
	cancel    context.CancelFunc
	exited    chan error
	stopDebug func()
}

var errRunnerReturned = errors.New("runner exited without context cancellation")

// Run loads configuration, starts the monitor, and supports hot reload via Runtime.Reload.
// Params: ctx controls lifecycle; rt provides runtime inputs and optional reload trigger channel.
// Returns: error on startup failure, unexpected monitor exit, or a reload whose rollback failed; nil on graceful stop.
func Run(ctx context.Context, rt Runtime) error {
	return runWithDeps(ctx, rt, defaultRunDeps())
}

func defaultRunDeps() runDeps {
	return runDeps{
		loadConfig:   config.Load,
		newLogger:    logging.New,
		startDebug:   startDebugServer,
		buildMonitor: newMonitor,
	}
}

// runWithDeps supervises monitor generations until ctx ends or the current
// generation fails on its own.
func runWithDeps(ctx context.Context, rt Runtime, deps runDeps) error {
	if strings.TrimSpace(rt.ConfigPath) == "" {
		return fmt.Errorf("config path is required")
	}

	cfg, err := deps.loadConfig(rt.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	current, err := startGeneration(ctx, cfg, deps, nil)
	if err != nil {
		return err
	}

	reloads := rt.Reload
	for {
		select {
		case <-ctx.Done():
			current.halt()
			return current.finish(ctx.Err(), nil)
		case runErr := <-current.exited:
			current.exited = nil
			current.halt()
			return current.finish(ctx.Err(), runErr)
		case _, open := <-reloads:
			if !open {
				reloads = nil
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			next, reloadErr := current.reload(ctx, rt.ConfigPath, deps)
			if next == nil {
				return reloadErr
			}
			current = next
		}
	}
}

// startGeneration builds the registry, debug server and monitor for cfg and
// starts the monitor. A nil sink asks for a new logger built from cfg.Log;
// a logger built here is released again when startup fails.
// Params: ctx root lifecycle; cfg validated config; deps component seams; sink optional logger to reuse.
// Returns: running generation or startup error.
func startGeneration(ctx context.Context, cfg *config.Config, deps runDeps, sink *logSink) (*generation, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("runtime context canceled: %w", err)
	}

	ownSink := sink == nil
	if ownSink {
		logger, release, err := deps.newLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
		sink = &logSink{logger: logger, release: release}
	}
	abandon := func() {
		if ownSink {
			sink.close()
		}
	}

	// Collectors cannot be registered twice, so every generation gets its own registry.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	runCtx, cancel := context.WithCancel(ctx)
	stopDebug, err := deps.startDebug(runCtx, cfg.Debug, registry, sink.logger)
	if err != nil {
		cancel()
		abandon()
		return nil, fmt.Errorf("start debug server: %w", err)
	}

	monitor, err := deps.buildMonitor(runCtx, cfg, sink.logger, registry)
	if err != nil {
		stopDebug()
		cancel()
		abandon()
		return nil, fmt.Errorf("build monitor: %w", err)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- monitor.Run(runCtx)
	}()

	sink.logger.Info(
		"monitor started",
		slog.String("server", fmt.Sprintf("%s:%d", cfg.Riemann.Host, cfg.Riemann.Port)),
		slog.String("transport", cfg.Riemann.Transport),
		slog.String("host", cfg.Health.Host),
		slog.Duration("interval", cfg.Health.Interval.Duration),
		slog.Int("checks", len(cfg.Health.Checks)),
	)
	return &generation{cfg: cfg, log: sink, cancel: cancel, exited: exited, stopDebug: stopDebug}, nil
}

// reload swaps g for a generation built from the config at path.
// A config or logger error leaves g running. When the new monitor fails to
// start, g's config is started again with g's logger.
// Params: ctx root lifecycle; path config location; deps component seams.
// Returns: the generation now running and the reload error, or nil and a
// fatal error when neither the new nor the old config could be started.
func (g *generation) reload(ctx context.Context, path string, deps runDeps) (*generation, error) {
	logger := g.log.logger
	logger.Info("config reload requested")

	cfg, err := deps.loadConfig(path)
	if err != nil {
		logger.Error("config reload validation failed", slog.String("error", err.Error()))
		return g, fmt.Errorf("reload config: %w", err)
	}
	nextLogger, release, err := deps.newLogger(cfg.Log)
	if err != nil {
		logger.Error("config reload logger init failed", slog.String("error", err.Error()))
		return g, fmt.Errorf("init reload logger: %w", err)
	}
	nextSink := &logSink{logger: nextLogger, release: release}

	g.halt()
	next, startErr := startGeneration(ctx, cfg, deps, nextSink)
	if startErr == nil {
		g.log.close()
		nextLogger.Info("config reload applied")
		return next, nil
	}
	nextSink.close()

	if ctx.Err() != nil {
		logger.Info("config reload interrupted by shutdown")
		return g, nil
	}

	logger.Error("config reload apply failed, restarting previous config", slog.String("error", startErr.Error()))
	restored, restoreErr := startGeneration(ctx, g.cfg, deps, g.log)
	if restoreErr != nil {
		g.log.close()
		return nil, fmt.Errorf("apply reload: %w; rollback failed: %w", startErr, restoreErr)
	}
	logger.Warn("config reload rejected, previous config restored", slog.String("error", startErr.Error()))
	return restored, fmt.Errorf("apply reload: %w", startErr)
}

// halt cancels the monitor, waits for it to return and stops the debug
// server. The logger stays open.
func (g *generation) halt() {
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	if g.exited != nil {
		<-g.exited
		g.exited = nil
	}
	if g.stopDebug != nil {
		g.stopDebug()
		g.stopDebug = nil
	}
}

// finish logs why the supervisor stops and releases the logger.
// Params: ctxErr root context error (nil when still live); runErr monitor result.
// Returns: nil for a requested stop, otherwise the monitor failure.
func (g *generation) finish(ctxErr, runErr error) error {
	defer g.log.close()

	if ctxErr != nil {
		g.log.logger.Info("monitor stopped", slog.String("reason", ctxErr.Error()))
		return nil
	}
	if runErr == nil {
		runErr = errRunnerReturned
	}
	g.log.logger.Error("monitor stopped unexpectedly", slog.String("error", runErr.Error()))
	return fmt.Errorf("run monitor: %w", runErr)
}
