package transport

import (
	"context"
	"fmt"
	"sync"

	"riemann/internal/riemannpb"
)

// BlankTransport keeps every delivered event in memory and acknowledges each
// message. It is safe for concurrent use so tests can inspect it while a
// client flushes from its timer goroutine.
type BlankTransport struct {
	mu        sync.Mutex
	connected bool
	events    []*riemannpb.Event
	messages  int
}

// NewBlank creates an in-memory transport.
func NewBlank() *BlankTransport {
	return &BlankTransport{}
}

// Kind returns KindBlank.
func (t *BlankTransport) Kind() Kind {
	return KindBlank
}

// Connect marks the transport connected.
func (t *BlankTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return ErrAlreadyConnected
	}
	t.connected = true
	return nil
}

// Disconnect marks the transport disconnected.
func (t *BlankTransport) Disconnect() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

// Probe reports the connected flag.
func (t *BlankTransport) Probe() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	return nil
}

// Send decodes payload, records its events and returns an ok acknowledgement.
// Params: ctx unused; payload encoded Msg.
// Returns: ok response, decode error, or ErrNotConnected.
func (t *BlankTransport) Send(_ context.Context, payload []byte) (*riemannpb.Msg, error) {
	msg, err := riemannpb.Unmarshal(payload)
	if err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil, ErrNotConnected
	}
	t.events = append(t.events, msg.Events...)
	t.messages++
	return &riemannpb.Msg{Ok: true}, nil
}

// Events returns a copy of all recorded events in delivery order.
func (t *BlankTransport) Events() []*riemannpb.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*riemannpb.Event(nil), t.events...)
}

// Len returns the number of recorded events.
func (t *BlankTransport) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// Messages returns the number of messages received.
func (t *BlankTransport) Messages() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.messages
}

// Reset drops recorded events and message count.
func (t *BlankTransport) Reset() {
	t.mu.Lock()
	t.events = nil
	t.messages = 0
	t.mu.Unlock()
}
