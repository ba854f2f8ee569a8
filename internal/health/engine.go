package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"riemann/internal/client"
	"riemann/internal/config"
)

// Publisher accepts events for delivery; *client.AutoFlushingQueuedClient
// satisfies it.
type Publisher interface {
	Events(ctx context.Context, fields ...client.Fields) error
}

// Engine runs every configured check on a fixed interval and publishes one
// event per reading.
type Engine struct {
	cfg       config.HealthConfig
	checks    []*Check
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine builds checks from cfg.
// Params: cfg health section with defaults applied; sys host readers; publisher event sink; logger optional.
// Returns: engine or check construction error.
func NewEngine(cfg config.HealthConfig, sys System, publisher Publisher, logger *slog.Logger) (*Engine, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.Interval.Duration <= 0 {
		return nil, fmt.Errorf("health interval must be > 0")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	checks := make([]*Check, 0, len(cfg.Checks))
	for idx, checkCfg := range cfg.Checks {
		check, err := NewCheck(checkCfg, sys)
		if err != nil {
			return nil, fmt.Errorf("health.check[%d]: %w", idx, err)
		}
		checks = append(checks, check)
	}

	return &Engine{
		cfg:       cfg,
		checks:    checks,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Run ticks immediately and then every interval until ctx is canceled.
// Params: ctx controls lifecycle.
// Returns: nil on graceful stop.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval.Duration)
	defer ticker.Stop()

	e.tickAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.tickAndLog(ctx)
		}
	}
}

func (e *Engine) tickAndLog(ctx context.Context) {
	published, err := e.Tick(ctx)
	if err != nil && ctx.Err() == nil {
		e.logger.Error("publish health events failed", slog.String("error", err.Error()))
		return
	}
	e.logger.Debug("health events queued", slog.Int("events", published))
}

// Tick samples every check once and hands the events to the publisher.
// Failed checks are logged and skipped.
// Params: ctx sampling and publish context.
// Returns: number of events published and publish error.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	now := e.now().Unix()
	ttl := float32(e.cfg.TTL.Duration.Seconds())

	fields := make([]client.Fields, 0, len(e.checks))
	for _, check := range e.checks {
		readings, err := check.Sample(ctx)
		if err != nil {
			e.logger.Error(
				"health check failed",
				slog.String("check", check.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}

		for _, reading := range readings {
			fields = append(fields, client.Fields{
				Time:        client.Ptr(now),
				Host:        client.Ptr(e.cfg.Host),
				Service:     client.Ptr(reading.Service),
				State:       client.Ptr(check.State(reading.Metric)),
				Description: client.Ptr(reading.Description),
				MetricD:     client.Ptr(reading.Metric),
				TTL:         client.Ptr(ttl),
				Tags:        e.cfg.Tags,
				Attributes:  e.cfg.Attributes,
			})
		}
	}

	if len(fields) == 0 {
		return 0, nil
	}
	if err := e.publisher.Events(ctx, fields...); err != nil {
		return len(fields), fmt.Errorf("publish: %w", err)
	}
	return len(fields), nil
}
