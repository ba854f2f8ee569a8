package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riemann/internal/riemannpb"
	"riemann/internal/transport"
)

// scriptedTransport is a test transport whose Send results follow a script.
type scriptedTransport struct {
	mu sync.Mutex

	kind        transport.Kind
	connected   bool
	connects    int
	disconnects int
	sends       int
	failures    []error // consumed one per Send; nil entry means success
	always      error   // returned by every Send once failures is exhausted
	panicProbe  bool
	delivered   [][]*riemannpb.Event
	queryResult []*riemannpb.Event
}

func (s *scriptedTransport) Kind() transport.Kind {
	return s.kind
}

func (s *scriptedTransport) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	s.connected = true
	return nil
}

func (s *scriptedTransport) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	s.connected = false
	return nil
}

func (s *scriptedTransport) Probe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicProbe {
		panic("probe exploded")
	}
	if !s.connected {
		return transport.ErrNotConnected
	}
	return nil
}

func (s *scriptedTransport) Send(_ context.Context, payload []byte) (*riemannpb.Msg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++

	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		if err != nil {
			return nil, err
		}
	} else if s.always != nil {
		return nil, s.always
	}

	msg, err := riemannpb.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	if msg.Query != nil {
		return &riemannpb.Msg{Ok: true, Events: s.queryResult}, nil
	}
	s.delivered = append(s.delivered, msg.Events)
	return &riemannpb.Msg{Ok: true}, nil
}

func (s *scriptedTransport) snapshot() (sends, connects int, delivered [][]*riemannpb.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends, s.connects, append([][]*riemannpb.Event(nil), s.delivered...)
}

var errBrokenPipe = fmt.Errorf("write: %w", syscall.EPIPE)

// TestClient_EventSendsImmediately verifies the plain client sends on every call.
// Params: testing.T for assertions.
// Returns: none.
func TestClient_EventSendsImmediately(t *testing.T) {
	blank := transport.NewBlank()
	c := New(blank)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	response, err := c.Event(context.Background(), Fields{Service: Ptr("one")})
	require.NoError(t, err)
	assert.True(t, response.Ok)

	_, err = c.Events(context.Background(), Fields{Service: Ptr("two")}, Fields{Service: Ptr("three")})
	require.NoError(t, err)

	assert.Equal(t, 3, blank.Len())
	assert.Equal(t, 2, blank.Messages())
	assert.Equal(t, "three", blank.Events()[2].Service)
}

// TestClient_EventsBuildErrorSendsNothing verifies invalid input never reaches the transport.
// Params: testing.T for assertions.
// Returns: none.
func TestClient_EventsBuildErrorSendsNothing(t *testing.T) {
	scripted := &scriptedTransport{kind: transport.KindTCP}
	c := New(scripted)

	_, err := c.Events(context.Background(), Fields{}, Fields{MetricF: Ptr(float32(1)), MetricSint64: Ptr(int64(1))})
	assert.ErrorIs(t, err, ErrMultipleMetrics)
	sends, _, _ := scripted.snapshot()
	assert.Zero(t, sends)
}

// TestClient_QueryOverUDPFailsFast verifies the configuration error precedes any socket use.
// Params: testing.T for assertions.
// Returns: none.
func TestClient_QueryOverUDPFailsFast(t *testing.T) {
	udp := transport.NewUDP("127.0.0.1:5555")
	c := New(udp)

	_, err := c.Query(context.Background(), "true")
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrConfig)
	assert.ErrorIs(t, udp.Probe(), transport.ErrNotConnected)
}

// TestClient_QueryMapsEvents verifies query responses become field maps.
// Params: testing.T for assertions.
// Returns: none.
func TestClient_QueryMapsEvents(t *testing.T) {
	scripted := &scriptedTransport{
		kind: transport.KindTCP,
		queryResult: []*riemannpb.Event{
			{Service: "api", State: "ok", Host: "h1", MetricKind: riemannpb.MetricDouble, MetricD: 3},
		},
	}
	c := New(scripted)

	results, err := c.Query(context.Background(), `service = "api"`)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "api", results[0][FieldService])
	assert.Equal(t, 3.0, results[0][FieldMetricD])
}

// TestClient_QueryServerError verifies server rejections propagate unchanged.
// Params: testing.T for assertions.
// Returns: none.
func TestClient_QueryServerError(t *testing.T) {
	scripted := &scriptedTransport{
		kind:     transport.KindTCP,
		failures: []error{&transport.ServerError{Message: "parse error"}},
	}
	c := New(scripted)

	_, err := c.Query(context.Background(), "(((")
	require.Error(t, err)
	assert.Equal(t, "parse error", err.Error())
	assert.True(t, transport.IsServerError(err))
}

// TestQueuedClient_NoIOUntilFlush verifies enqueue is local and flush delivers in order.
// Params: testing.T for assertions.
// Returns: none.
func TestQueuedClient_NoIOUntilFlush(t *testing.T) {
	blank := transport.NewBlank()
	c := NewQueued(blank)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.NoError(t, c.Event(Fields{Service: Ptr("a")}))
	require.NoError(t, c.Events(Fields{Service: Ptr("b")}, Fields{Service: Ptr("c")}))
	event, err := CreateEvent(Fields{Service: Ptr("d")})
	require.NoError(t, err)
	c.SendEvent(event)

	assert.Equal(t, 4, c.QueueLen())
	assert.Zero(t, blank.Len())

	response, err := c.Flush(context.Background())
	require.NoError(t, err)
	assert.True(t, response.Ok)
	assert.Zero(t, c.QueueLen())
	assert.Equal(t, 1, blank.Messages())

	services := make([]string, 0, 4)
	for _, delivered := range blank.Events() {
		services = append(services, delivered.Service)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, services)
}

// TestQueuedClient_FlushFailureStillClears verifies the queue resets even when the send fails.
// Params: testing.T for assertions.
// Returns: none.
func TestQueuedClient_FlushFailureStillClears(t *testing.T) {
	scripted := &scriptedTransport{kind: transport.KindTCP, always: errBrokenPipe}
	c := NewQueued(scripted)

	require.NoError(t, c.Event(Fields{Service: Ptr("lost")}))
	_, err := c.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.EPIPE))
	assert.Zero(t, c.QueueLen())

	sends, _, _ := scripted.snapshot()
	assert.Equal(t, 1, sends)
}

// TestQueuedClient_ClearQueue verifies explicit reset.
// Params: testing.T for assertions.
// Returns: none.
func TestQueuedClient_ClearQueue(t *testing.T) {
	c := NewQueued(transport.NewBlank())
	require.NoError(t, c.Event(Fields{Service: Ptr("x")}))
	c.ClearQueue()
	assert.Zero(t, c.QueueLen())
	assert.Empty(t, c.Queue())
}

// TestQueuedClient_BatchOwnsEvents verifies queued events are unaffected by later caller edits.
// Params: testing.T for assertions.
// Returns: none.
func TestQueuedClient_BatchOwnsEvents(t *testing.T) {
	blank := transport.NewBlank()
	c := NewQueued(blank)

	event := &riemannpb.Event{Service: "disk", Tags: []string{"prod"}, Attributes: []riemannpb.Attribute{{Key: "mount", Value: "/"}}}
	c.SendEvent(event)
	event.Service = "changed"
	event.Tags[0] = "changed"
	event.Attributes[0].Value = "changed"

	queued := c.Queue()
	require.Len(t, queued, 1)
	assert.Equal(t, "disk", queued[0].Service)
	assert.Equal(t, []string{"prod"}, queued[0].Tags)
	assert.Equal(t, "/", queued[0].Attributes[0].Value)
}
