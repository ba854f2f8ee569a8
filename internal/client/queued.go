package client

import (
	"context"

	"riemann/internal/riemannpb"
	"riemann/internal/transport"
)

// Batch is an ordered pending message owned by exactly one client.
type Batch struct {
	events []*riemannpb.Event
}

// Append adds copies of events to the tail in order; later changes to the
// caller's events do not reach the batch.
func (b *Batch) Append(events ...*riemannpb.Event) {
	for _, event := range events {
		b.events = append(b.events, event.Clone())
	}
}

// Len returns the number of pending events.
func (b *Batch) Len() int {
	return len(b.events)
}

// Events returns a copy of the pending events.
func (b *Batch) Events() []*riemannpb.Event {
	return append([]*riemannpb.Event(nil), b.events...)
}

// Message wraps the pending events in a Msg without aliasing the batch.
func (b *Batch) Message() *riemannpb.Msg {
	return &riemannpb.Msg{Events: b.Events()}
}

// Clear empties the batch in place, keeping its capacity.
func (b *Batch) Clear() {
	clear(b.events)
	b.events = b.events[:0]
}

// QueuedClient collects events into one pending batch; nothing is sent until
// Flush. It is not safe for concurrent use.
type QueuedClient struct {
	*Client
	queue Batch
}

// NewQueued creates a queued client over t.
// Params: t transport used by Flush and Query.
// Returns: queued client with an empty batch.
func NewQueued(t transport.Transport) *QueuedClient {
	return &QueuedClient{Client: New(t)}
}

// SendEvents appends events to the pending batch without I/O.
func (c *QueuedClient) SendEvents(events ...*riemannpb.Event) {
	c.queue.Append(events...)
}

// SendEvent appends one event to the pending batch without I/O.
func (c *QueuedClient) SendEvent(event *riemannpb.Event) {
	c.queue.Append(event)
}

// Events builds events and appends them to the pending batch.
// Params: fields one Fields per event.
// Returns: build error; nothing is appended on error.
func (c *QueuedClient) Events(fields ...Fields) error {
	events, err := createEvents(fields)
	if err != nil {
		return err
	}
	c.queue.Append(events...)
	return nil
}

// Event builds one event and appends it to the pending batch.
func (c *QueuedClient) Event(fields Fields) error {
	return c.Events(fields)
}

// Flush sends the whole pending batch and empties it, whether or not the
// send succeeded.
// Params: ctx send context.
// Returns: server response or the send error.
func (c *QueuedClient) Flush(ctx context.Context) (*riemannpb.Msg, error) {
	defer c.queue.Clear()
	return c.transport.Send(ctx, riemannpb.Marshal(c.queue.Message()))
}

// Queue returns a copy of the pending events.
func (c *QueuedClient) Queue() []*riemannpb.Event {
	return c.queue.Events()
}

// QueueLen returns the number of pending events.
func (c *QueuedClient) QueueLen() int {
	return c.queue.Len()
}

// ClearQueue drops all pending events.
func (c *QueuedClient) ClearQueue() {
	c.queue.Clear()
}
