package transport

import (
	"context"
	"fmt"
	"net"

	"riemann/internal/riemannpb"
)

// maxDatagramSize is the largest IPv4 UDP payload.
const maxDatagramSize = 65507

// UDPTransport sends each message as one unframed datagram and never reads a
// response.
type UDPTransport struct {
	address string
	conn    net.Conn
}

// NewUDP creates a UDP transport.
// Params: address host:port.
// Returns: unconnected transport.
func NewUDP(address string) *UDPTransport {
	return &UDPTransport{address: address}
}

// Kind returns KindUDP.
func (t *UDPTransport) Kind() Kind {
	return KindUDP
}

// Address returns the server host:port.
func (t *UDPTransport) Address() string {
	return t.address
}

// Connect opens the datagram socket.
// Params: ctx resolve context.
// Returns: socket error or ErrAlreadyConnected.
func (t *UDPTransport) Connect(ctx context.Context) error {
	if t.conn != nil {
		return ErrAlreadyConnected
	}
	conn, err := (&net.Dialer{}).DialContext(ctx, "udp", t.address)
	if err != nil {
		return fmt.Errorf("dial udp %s: %w", t.address, err)
	}
	t.conn = conn
	return nil
}

// Disconnect closes the socket; it is a no-op when not connected.
func (t *UDPTransport) Disconnect() error {
	if t.conn == nil {
		return nil
	}
	conn := t.conn
	t.conn = nil
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close udp %s: %w", t.address, err)
	}
	return nil
}

// Probe reports whether the socket is open.
func (t *UDPTransport) Probe() error {
	if t.conn == nil {
		return ErrNotConnected
	}
	return nil
}

// Send writes payload as a single datagram.
// Params: ctx unused beyond cancellation check; payload encoded Msg.
// Returns: always a nil response; write error when the datagram cannot be sent.
func (t *UDPTransport) Send(ctx context.Context, payload []byte) (*riemannpb.Msg, error) {
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(payload) > maxDatagramSize {
		return nil, fmt.Errorf("datagram of %d bytes exceeds %d", len(payload), maxDatagramSize)
	}
	if _, err := t.conn.Write(payload); err != nil {
		return nil, fmt.Errorf("write udp %s: %w", t.address, err)
	}
	return nil, nil
}
