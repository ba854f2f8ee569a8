package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"riemann/internal/config"
)

const waitTimeout = 2 * time.Second

// blockingMonitor runs until its context ends.
type blockingMonitor struct {
	done chan struct{}
}

func (m *blockingMonitor) Run(ctx context.Context) error {
	<-ctx.Done()
	close(m.done)
	return nil
}

func (m *blockingMonitor) running() bool {
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// failingMonitor returns err as soon as it runs.
type failingMonitor struct {
	err error
}

func (m failingMonitor) Run(context.Context) error {
	return m.err
}

// monitorBuilder records every monitor it builds. reject, when set, refuses
// configs before a monitor exists for them.
type monitorBuilder struct {
	reject func(*config.Config) error

	mu       sync.Mutex
	monitors []*blockingMonitor
	configs  []*config.Config
}

func (b *monitorBuilder) build(_ context.Context, cfg *config.Config, _ *slog.Logger, _ prometheus.Registerer) (runner, error) {
	if b.reject != nil {
		if err := b.reject(cfg); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	m := &blockingMonitor{done: make(chan struct{})}
	b.monitors = append(b.monitors, m)
	b.configs = append(b.configs, cfg)
	return m, nil
}

func (b *monitorBuilder) built() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.monitors)
}

func (b *monitorBuilder) monitor(t *testing.T, n int) *blockingMonitor {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if n >= len(b.monitors) {
		t.Fatalf("monitor #%d was never built (built %d)", n, len(b.monitors))
	}
	return b.monitors[n]
}

// awaitBuilt polls until at least n monitors were built.
func (b *monitorBuilder) awaitBuilt(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for b.built() < n {
		if time.Now().After(deadline) {
			t.Fatalf("built %d monitors, want %d", b.built(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (b *monitorBuilder) awaitStopped(t *testing.T, n int) {
	t.Helper()
	select {
	case <-b.monitor(t, n).done:
	case <-time.After(waitTimeout):
		t.Fatalf("monitor #%d still running", n)
	}
}

// summary maps every built config through fn, in build order.
func summary[T any](b *monitorBuilder, fn func(*config.Config) T) []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, len(b.configs))
	for i, cfg := range b.configs {
		out[i] = fn(cfg)
	}
	return out
}

type loadResult struct {
	cfg *config.Config
	err error
}

// scriptedLoader returns its results in order; running dry is an error.
type scriptedLoader struct {
	mu      sync.Mutex
	pending []loadResult
}

func (l *scriptedLoader) load(string) (*config.Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil, errors.New("config loaded more often than scripted")
	}
	next := l.pending[0]
	l.pending = l.pending[1:]
	return next.cfg, next.err
}

// lifecycleCounter counts opened and released resources.
type lifecycleCounter struct {
	opened   atomic.Int32
	released atomic.Int32
}

func (c *lifecycleCounter) newLogger(config.LogConfig) (*slog.Logger, func(), error) {
	c.opened.Add(1)
	return slog.New(slog.NewTextHandler(io.Discard, nil)), func() { c.released.Add(1) }, nil
}

func (c *lifecycleCounter) startDebug(context.Context, config.DebugConfig, *prometheus.Registry, *slog.Logger) (func(), error) {
	c.opened.Add(1)
	var once sync.Once
	return func() { once.Do(func() { c.released.Add(1) }) }, nil
}

func (c *lifecycleCounter) expect(t *testing.T, what string, opened, released int32) {
	t.Helper()
	if got := c.opened.Load(); got != opened {
		t.Fatalf("%s opened %d times, want %d", what, got, opened)
	}
	if got := c.released.Load(); got != released {
		t.Fatalf("%s released %d times, want %d", what, got, released)
	}
}

// supervisor drives runWithDeps in the background with fake components.
type supervisor struct {
	loader   *scriptedLoader
	loggers  *lifecycleCounter
	debug    *lifecycleCounter
	monitors *monitorBuilder
	deps     runDeps

	reload chan struct{}
	cancel context.CancelFunc
	result chan error
}

func newSupervisor(results ...loadResult) *supervisor {
	s := &supervisor{
		loader:   &scriptedLoader{pending: results},
		loggers:  &lifecycleCounter{},
		debug:    &lifecycleCounter{},
		monitors: &monitorBuilder{},
		reload:   make(chan struct{}, 1),
		result:   make(chan error, 1),
	}
	s.deps = runDeps{
		loadConfig:   s.loader.load,
		newLogger:    s.loggers.newLogger,
		startDebug:   s.debug.startDebug,
		buildMonitor: s.monitors.build,
	}
	return s
}

func (s *supervisor) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	t.Cleanup(cancel)
	go func() {
		s.result <- runWithDeps(ctx, Runtime{ConfigPath: "monitor.toml", Reload: s.reload}, s.deps)
	}()
}

// shutdown cancels the run and requires a clean exit.
func (s *supervisor) shutdown(t *testing.T) {
	t.Helper()
	s.cancel()
	select {
	case err := <-s.result:
		if err != nil {
			t.Fatalf("runWithDeps returned %v after shutdown", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("runWithDeps did not return after shutdown")
	}
}

func loaded(cfg *config.Config) loadResult { return loadResult{cfg: cfg} }

// monitorConfig builds a config with the given transport and n cpu checks.
func monitorConfig(transportName string, n int) *config.Config {
	checks := make([]config.CheckConfig, n)
	for i := range checks {
		checks[i] = config.CheckConfig{Name: config.CheckCPU}
	}
	return &config.Config{
		Riemann: config.RiemannConfig{Host: "127.0.0.1", Port: 5555, Transport: transportName},
		Log: config.LogConfig{
			Console: config.LogSinkConfig{Enabled: true, Level: "info", Format: "line"},
		},
		Health: config.HealthConfig{
			Host:     "host1",
			Interval: config.Duration{Duration: time.Second},
			Checks:   checks,
		},
	}
}

func transportOf(cfg *config.Config) string { return cfg.Riemann.Transport }
func checksOf(cfg *config.Config) int       { return len(cfg.Health.Checks) }

func TestRunWithDeps_ReloadSwapsMonitor(t *testing.T) {
	s := newSupervisor(loaded(monitorConfig("tcp", 1)), loaded(monitorConfig("udp", 2)))
	s.start(t)

	s.monitors.awaitBuilt(t, 1)
	s.reload <- struct{}{}
	s.monitors.awaitBuilt(t, 2)
	s.monitors.awaitStopped(t, 0)
	s.shutdown(t)

	s.loggers.expect(t, "logger", 2, 2)
	s.debug.expect(t, "debug server", 2, 2)
}

func TestRunWithDeps_InvalidReloadKeepsMonitor(t *testing.T) {
	s := newSupervisor(loaded(monitorConfig("tcp", 1)), loadResult{err: errors.New("unknown check \"gpu\"")})
	s.start(t)

	s.monitors.awaitBuilt(t, 1)
	s.reload <- struct{}{}
	time.Sleep(100 * time.Millisecond)

	if got := s.monitors.built(); got != 1 {
		t.Fatalf("built %d monitors after invalid reload, want 1", got)
	}
	if !s.monitors.monitor(t, 0).running() {
		t.Fatal("invalid reload stopped the running monitor")
	}
	s.shutdown(t)
	s.loggers.expect(t, "logger", 1, 1)
}

func TestRunWithDeps_ReloadAppliesNewSettings(t *testing.T) {
	tests := []struct {
		name   string
		cfgs   []*config.Config
		assert func(*testing.T, *monitorBuilder)
	}{
		{
			name: "check set",
			cfgs: []*config.Config{monitorConfig("tcp", 1), monitorConfig("tcp", 2), monitorConfig("tcp", 0)},
			assert: func(t *testing.T, b *monitorBuilder) {
				got := summary(b, checksOf)
				for i, want := range []int{1, 2, 0} {
					if got[i] != want {
						t.Fatalf("monitor #%d has %d checks, want %d", i, got[i], want)
					}
				}
			},
		},
		{
			name: "transport",
			cfgs: []*config.Config{monitorConfig("tcp", 1), monitorConfig("udp", 1), monitorConfig("tls", 1)},
			assert: func(t *testing.T, b *monitorBuilder) {
				got := summary(b, transportOf)
				for i, want := range []string{"tcp", "udp", "tls"} {
					if got[i] != want {
						t.Fatalf("monitor #%d uses %q, want %q", i, got[i], want)
					}
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			results := make([]loadResult, 0, len(tc.cfgs))
			for _, cfg := range tc.cfgs {
				results = append(results, loaded(cfg))
			}
			s := newSupervisor(results...)
			s.start(t)

			s.monitors.awaitBuilt(t, 1)
			for n := 2; n <= len(tc.cfgs); n++ {
				s.reload <- struct{}{}
				s.monitors.awaitBuilt(t, n)
			}
			tc.assert(t, s.monitors)
			s.shutdown(t)
		})
	}
}

func TestRunWithDeps_MonitorExitIsFatal(t *testing.T) {
	s := newSupervisor(loaded(monitorConfig("tcp", 1)))
	crash := errors.New("transport closed")
	s.deps.buildMonitor = func(context.Context, *config.Config, *slog.Logger, prometheus.Registerer) (runner, error) {
		return failingMonitor{err: crash}, nil
	}

	err := runWithDeps(context.Background(), Runtime{ConfigPath: "monitor.toml"}, s.deps)
	if !errors.Is(err, crash) {
		t.Fatalf("runWithDeps returned %v, want %v", err, crash)
	}
	s.loggers.expect(t, "logger", 1, 1)
	s.debug.expect(t, "debug server", 1, 1)
}

func TestRunWithDeps_ShutdownDuringReload(t *testing.T) {
	s := newSupervisor(loaded(monitorConfig("tcp", 1)), loaded(monitorConfig("udp", 1)))
	building := make(chan struct{})
	first := true
	s.deps.buildMonitor = func(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (runner, error) {
		if first {
			first = false
			return s.monitors.build(ctx, cfg, logger, reg)
		}
		close(building)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s.start(t)

	s.monitors.awaitBuilt(t, 1)
	s.reload <- struct{}{}
	select {
	case <-building:
	case <-time.After(waitTimeout):
		t.Fatal("reload never started building the new monitor")
	}
	s.shutdown(t)

	s.loggers.expect(t, "logger", 2, 2)
}

func TestRunWithDeps_FailedReloadRestoresPreviousConfig(t *testing.T) {
	s := newSupervisor(loaded(monitorConfig("tcp", 1)), loaded(monitorConfig("tls", 3)))
	s.monitors.reject = func(cfg *config.Config) error {
		if cfg.Riemann.Transport == "tls" {
			return errors.New("ca bundle missing")
		}
		return nil
	}
	s.start(t)

	s.monitors.awaitBuilt(t, 1)
	s.reload <- struct{}{}
	s.monitors.awaitBuilt(t, 2)
	s.monitors.awaitStopped(t, 0)

	if got := summary(s.monitors, transportOf); got[1] != "tcp" {
		t.Fatalf("restored monitor uses %q, want tcp", got[1])
	}
	if !s.monitors.monitor(t, 1).running() {
		t.Fatal("restored monitor is not running")
	}
	s.shutdown(t)

	s.loggers.expect(t, "logger", 2, 2)
}

func TestRunWithDeps_RequiresConfigPath(t *testing.T) {
	if err := runWithDeps(context.Background(), Runtime{ConfigPath: "  "}, runDeps{}); err == nil {
		t.Fatal("expected error for blank config path")
	}
}
