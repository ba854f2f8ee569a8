package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"riemann/internal/riemannpb"
	"riemann/internal/transport"
)

const (
	// DefaultMaxDelay is the flush age used when AutoFlushConfig.MaxDelay is zero.
	DefaultMaxDelay = 500 * time.Millisecond
	// DefaultMaxBatchSize is the flush size used when AutoFlushConfig.MaxBatchSize is zero.
	DefaultMaxBatchSize = 100
)

var (
	// ErrFlushFailed wraps the last transport error of a flush whose retry also failed.
	ErrFlushFailed = errors.New("flush failed after retry")
	// ErrClosed is returned when events are enqueued after Close.
	ErrClosed = errors.New("client is closed")
)

// AutoFlushConfig defines batching and failure policy of AutoFlushingQueuedClient.
// Params: age/size triggers, connection and failure policies, optional logger and metrics.
// Returns: auto-flush runtime configuration.
type AutoFlushConfig struct {
	MaxDelay      time.Duration
	MaxBatchSize  int
	StayConnected bool
	ClearOnFail   bool
	Logger        *slog.Logger
	Metrics       *Metrics
}

// AutoFlushingQueuedClient queues events and flushes them when the batch
// reaches MaxBatchSize or MaxDelay has passed since the last flush. One mutex
// serializes enqueue, flush, transport connect/disconnect and timer rearm; the
// timer callback takes the same mutex, so at most one flush runs at a time.
type AutoFlushingQueuedClient struct {
	client  *Client
	cfg     AutoFlushConfig
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu           sync.Mutex
	queue        Batch
	eventCounter int
	lastFlush    time.Time
	timer        *time.Timer
	timerGen     uint64
	closed       bool
}

// NewAutoFlushing creates an auto-flushing client and starts its timer.
// Params: t transport owned by the client from now on; cfg batching policy.
// Returns: running client or validation error.
func NewAutoFlushing(t transport.Transport, cfg AutoFlushConfig) (*AutoFlushingQueuedClient, error) {
	if t == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.MaxDelay < 0 {
		return nil, fmt.Errorf("max delay must be >= 0")
	}
	if cfg.MaxBatchSize < 0 {
		return nil, fmt.Errorf("max batch size must be >= 0")
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &AutoFlushingQueuedClient{
		client:  New(t),
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		now:     time.Now,
	}

	c.mu.Lock()
	c.lastFlush = c.now()
	c.startTimerLocked()
	c.mu.Unlock()
	return c, nil
}

// Transport returns the transport owned by the client.
func (c *AutoFlushingQueuedClient) Transport() transport.Transport {
	return c.client.transport
}

// Event builds one event and enqueues it.
// Params: ctx used if the enqueue triggers a flush; fields event input.
// Returns: build error, ErrClosed, or the error of a triggered flush.
func (c *AutoFlushingQueuedClient) Event(ctx context.Context, fields Fields) error {
	return c.Events(ctx, fields)
}

// Events builds events and enqueues them in order.
func (c *AutoFlushingQueuedClient) Events(ctx context.Context, fields ...Fields) error {
	events, err := createEvents(fields)
	if err != nil {
		return err
	}
	return c.SendEvents(ctx, events...)
}

// SendEvent enqueues one event.
func (c *AutoFlushingQueuedClient) SendEvent(ctx context.Context, event *riemannpb.Event) error {
	return c.SendEvents(ctx, event)
}

// SendEvents enqueues events one at a time, checking the flush trigger after
// each append while holding the lock.
// Params: ctx used by triggered flushes; events events to enqueue.
// Returns: ErrClosed or the first error of a triggered flush.
func (c *AutoFlushingQueuedClient) SendEvents(ctx context.Context, events ...*riemannpb.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	var firstErr error
	for _, event := range events {
		c.queue.Append(event)
		c.eventCounter++
		c.metrics.setPending(c.queue.Len())

		if _, _, err := c.checkForFlushLocked(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Flush sends the pending batch.
// Params: ctx send context.
// Returns: server response; nil response when nothing was sent; ErrFlushFailed
// or *transport.ServerError when the batch could not be delivered.
func (c *AutoFlushingQueuedClient) Flush(ctx context.Context) (*riemannpb.Msg, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(ctx)
}

// Query runs a query through the owned transport under the client lock.
// Params: ctx send context; query opaque query string.
// Returns: event maps or error (transport.ErrConfig over UDP).
func (c *AutoFlushingQueuedClient) Query(ctx context.Context, query string) ([]map[string]any, error) {
	if c.client.transport.Kind() == transport.KindUDP {
		return nil, fmt.Errorf("%w: cannot query the Riemann server over UDP", transport.ErrConfig)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnectedLocked() {
		if err := c.client.transport.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
	}
	results, err := c.client.Query(ctx, query)
	if !c.cfg.StayConnected {
		c.disconnectLocked()
	}
	return results, err
}

// IsConnected probes the transport; any probe failure means "not connected".
func (c *AutoFlushingQueuedClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnectedLocked()
}

// QueueLen returns the number of pending events.
func (c *AutoFlushingQueuedClient) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

// Queue returns a copy of the pending events.
func (c *AutoFlushingQueuedClient) Queue() []*riemannpb.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Events()
}

// ClearQueue drops pending events without sending them.
func (c *AutoFlushingQueuedClient) ClearQueue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue.Clear()
	c.metrics.setPending(0)
}

// StopTimer pauses the age trigger; the next flush rearms it.
func (c *AutoFlushingQueuedClient) StopTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
}

// Close stops the timer for good, flushes what is pending and disconnects.
// Params: ctx context of the final flush.
// Returns: final flush error and disconnect error, joined.
func (c *AutoFlushingQueuedClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.stopTimerLocked()

	_, err := c.flushLocked(ctx)
	if disconnectErr := c.client.transport.Disconnect(); disconnectErr != nil {
		err = errors.Join(err, disconnectErr)
	}
	return err
}

// checkForFlushLocked flushes when either trigger holds.
// Returns: whether a flush ran, its response and error.
func (c *AutoFlushingQueuedClient) checkForFlushLocked(ctx context.Context) (bool, *riemannpb.Msg, error) {
	if c.eventCounter < c.cfg.MaxBatchSize && c.now().Sub(c.lastFlush) < c.cfg.MaxDelay {
		return false, nil, nil
	}
	response, err := c.flushLocked(ctx)
	return true, response, err
}

// flushLocked sends the batch with one reconnect-and-retry, then resets the
// counter, applies the connection policy, stamps lastFlush and rearms the timer.
func (c *AutoFlushingQueuedClient) flushLocked(ctx context.Context) (*riemannpb.Msg, error) {
	var (
		response *riemannpb.Msg
		err      error
	)
	if c.queue.Len() > 0 {
		response, err = c.sendWithRetryLocked(ctx)
	}

	c.eventCounter = 0
	if !c.cfg.StayConnected {
		c.disconnectLocked()
	}
	c.lastFlush = c.now()
	c.metrics.setPending(c.queue.Len())
	if !c.closed {
		c.startTimerLocked()
	}
	return response, err
}

func (c *AutoFlushingQueuedClient) sendWithRetryLocked(ctx context.Context) (*riemannpb.Msg, error) {
	started := time.Now()
	events := c.queue.Len()
	payload := riemannpb.Marshal(c.queue.Message())

	response, err := c.attemptLocked(ctx, payload)
	if err == nil {
		c.queue.Clear()
		c.metrics.observeFlush(flushResultSent, events, time.Since(started))
		return response, nil
	}
	if transport.IsServerError(err) {
		return nil, c.rejectLocked(err, events, started)
	}

	c.logger.Warn(
		"flush failed, reconnecting and retrying",
		slog.Int("events", events),
		slog.String("error", err.Error()),
	)
	c.disconnectLocked()

	response, err = c.attemptLocked(ctx, payload)
	if err == nil {
		c.queue.Clear()
		c.metrics.observeFlush(flushResultRetried, events, time.Since(started))
		return response, nil
	}
	if transport.IsServerError(err) {
		return nil, c.rejectLocked(err, events, started)
	}

	c.disconnectLocked()
	c.metrics.observeFlush(flushResultFailed, events, time.Since(started))
	if c.cfg.ClearOnFail {
		c.logger.Warn("flush retry failed, batch discarded", slog.Int("events", events), slog.String("error", err.Error()))
		c.queue.Clear()
		c.metrics.dropped(events)
	} else {
		c.logger.Warn("flush retry failed, batch kept for next flush", slog.Int("events", events), slog.String("error", err.Error()))
	}
	return nil, fmt.Errorf("%w: %w", ErrFlushFailed, err)
}

// rejectLocked handles a batch the server refused. It is never retried; the
// batch is discarded only under ClearOnFail.
func (c *AutoFlushingQueuedClient) rejectLocked(err error, events int, started time.Time) error {
	c.metrics.observeFlush(flushResultRejected, events, time.Since(started))
	if c.cfg.ClearOnFail {
		c.logger.Error("server rejected batch, batch discarded", slog.Int("events", events), slog.String("error", err.Error()))
		c.queue.Clear()
		c.metrics.dropped(events)
		return err
	}
	c.logger.Error("server rejected batch, batch kept for next flush", slog.Int("events", events), slog.String("error", err.Error()))
	return err
}

func (c *AutoFlushingQueuedClient) attemptLocked(ctx context.Context, payload []byte) (*riemannpb.Msg, error) {
	if !c.isConnectedLocked() {
		if err := c.client.transport.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
	}
	return c.client.transport.Send(ctx, payload)
}

func (c *AutoFlushingQueuedClient) isConnectedLocked() (connected bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			connected = false
		}
	}()
	return c.client.transport.Probe() == nil
}

func (c *AutoFlushingQueuedClient) disconnectLocked() {
	if err := c.client.transport.Disconnect(); err != nil {
		c.logger.Debug("disconnect failed", slog.String("error", err.Error()))
	}
}

// startTimerLocked replaces the pending timer with a new one firing after MaxDelay.
func (c *AutoFlushingQueuedClient) startTimerLocked() {
	c.stopTimerLocked()
	generation := c.timerGen
	c.timer = time.AfterFunc(c.cfg.MaxDelay, func() {
		c.onTimer(generation)
	})
}

// stopTimerLocked cancels the pending timer; a callback already waiting on
// the lock sees a stale generation and returns.
func (c *AutoFlushingQueuedClient) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

func (c *AutoFlushingQueuedClient) onTimer(generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || generation != c.timerGen {
		return
	}

	flushed, _, err := c.checkForFlushLocked(context.Background())
	if err != nil {
		c.logger.Debug("timed flush returned error", slog.String("error", err.Error()))
	}
	if !flushed {
		c.startTimerLocked()
	}
}
