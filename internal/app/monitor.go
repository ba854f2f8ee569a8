package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"riemann/internal/client"
	"riemann/internal/config"
	"riemann/internal/health"
	"riemann/internal/transport"
)

const monitorCloseTimeout = 5 * time.Second

// monitor couples the health engine with the auto-flushing client it publishes through.
type monitor struct {
	engine *health.Engine
	client *client.AutoFlushingQueuedClient
	logger *slog.Logger
}

// newMonitor builds transport, client and health engine from cfg.
// Params: _ runtime context; cfg validated config; logger runtime logger; registry metrics registerer.
// Returns: runnable monitor or construction error.
func newMonitor(_ context.Context, cfg *config.Config, logger *slog.Logger, registry prometheus.Registerer) (runner, error) {
	transportCfg, err := cfg.Riemann.TransportConfig()
	if err != nil {
		return nil, err
	}
	t, err := transport.New(transportCfg)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}

	metrics, err := client.NewMetrics(registry)
	if err != nil {
		return nil, err
	}

	publisher, err := client.NewAutoFlushing(t, client.AutoFlushConfig{
		MaxDelay:      cfg.Queue.MaxDelay.Duration,
		MaxBatchSize:  cfg.Queue.MaxBatchSize,
		StayConnected: cfg.Queue.StayConnected,
		ClearOnFail:   cfg.Queue.ClearOnFail,
		Logger:        logger.With(slog.String("component", "client")),
		Metrics:       metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build client: %w", err)
	}

	engine, err := health.NewEngine(cfg.Health, health.HostSystem(), publisher, logger.With(slog.String("component", "health")))
	if err != nil {
		_ = publisher.Close(context.Background())
		return nil, fmt.Errorf("build health engine: %w", err)
	}

	return &monitor{engine: engine, client: publisher, logger: logger}, nil
}

// Run runs the health engine until ctx is canceled, then flushes what is
// pending and disconnects.
// Params: ctx controls lifecycle.
// Returns: engine error joined with the final flush error.
func (m *monitor) Run(ctx context.Context) error {
	runErr := m.engine.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), monitorCloseTimeout)
	defer cancel()
	if err := m.client.Close(closeCtx); err != nil {
		m.logger.Warn("final flush failed", slog.String("error", err.Error()))
		if runErr != nil {
			return errors.Join(runErr, err)
		}
	}
	return runErr
}
