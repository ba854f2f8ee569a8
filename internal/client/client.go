// Package client provides the user-facing Riemann API: a direct client, a
// queued client with explicit flush, and an auto-flushing queued client that
// batches events by size and age.
package client

import (
	"context"
	"fmt"

	"riemann/internal/riemannpb"
	"riemann/internal/transport"
)

// Client translates event and query calls into codec and transport calls.
// It holds no batch state and does not connect on its own; callers connect
// the transport (see transport.With) before sending.
type Client struct {
	transport transport.Transport
}

// New creates a client over t.
// Params: t transport used for every send.
// Returns: client instance.
func New(t transport.Transport) *Client {
	return &Client{transport: t}
}

// Transport returns the underlying transport.
func (c *Client) Transport() transport.Transport {
	return c.transport
}

// Connect connects the underlying transport.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// Disconnect disconnects the underlying transport.
func (c *Client) Disconnect() error {
	return c.transport.Disconnect()
}

// SendEvents sends events in one message.
// Params: ctx send context; events events to send in order.
// Returns: server response (nil for UDP) or send error.
func (c *Client) SendEvents(ctx context.Context, events ...*riemannpb.Event) (*riemannpb.Msg, error) {
	msg := &riemannpb.Msg{Events: events}
	return c.transport.Send(ctx, riemannpb.Marshal(msg))
}

// SendEvent sends one event.
func (c *Client) SendEvent(ctx context.Context, event *riemannpb.Event) (*riemannpb.Msg, error) {
	return c.SendEvents(ctx, event)
}

// Events builds events from fields and sends them in one message.
// Params: ctx send context; fields one Fields per event.
// Returns: server response or build/send error.
func (c *Client) Events(ctx context.Context, fields ...Fields) (*riemannpb.Msg, error) {
	events, err := createEvents(fields)
	if err != nil {
		return nil, err
	}
	return c.SendEvents(ctx, events...)
}

// Event builds one event from fields and sends it.
func (c *Client) Event(ctx context.Context, fields Fields) (*riemannpb.Msg, error) {
	return c.Events(ctx, fields)
}

// SendQuery sends a query message verbatim.
// Params: ctx send context; query opaque Riemann query string.
// Returns: server response or send error.
func (c *Client) SendQuery(ctx context.Context, query string) (*riemannpb.Msg, error) {
	msg := &riemannpb.Msg{Query: &riemannpb.Query{String: query}}
	return c.transport.Send(ctx, riemannpb.Marshal(msg))
}

// Query runs a query and maps the returned events to field maps.
// Params: ctx send context; query opaque Riemann query string.
// Returns: event maps, or transport.ErrConfig when the transport is UDP.
func (c *Client) Query(ctx context.Context, query string) ([]map[string]any, error) {
	if c.transport.Kind() == transport.KindUDP {
		return nil, fmt.Errorf("%w: cannot query the Riemann server over UDP", transport.ErrConfig)
	}

	response, err := c.SendQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0)
	if response == nil {
		return out, nil
	}
	for _, event := range response.Events {
		out = append(out, CreateDict(event))
	}
	return out, nil
}

func createEvents(fields []Fields) ([]*riemannpb.Event, error) {
	events := make([]*riemannpb.Event, 0, len(fields))
	for idx, item := range fields {
		event, err := CreateEvent(item)
		if err != nil {
			return nil, fmt.Errorf("create event[%d]: %w", idx, err)
		}
		events = append(events, event)
	}
	return events, nil
}
