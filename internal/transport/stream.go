package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"riemann/internal/riemannpb"
)

const (
	frameHeaderSize = 4
	maxFrameSize    = 64 << 20
)

// StreamTransport speaks length-framed Riemann messages over TCP, optionally
// wrapped in TLS.
type StreamTransport struct {
	kind      Kind
	address   string
	timeout   time.Duration
	tlsConfig *tls.Config

	conn net.Conn
}

// NewTCP creates a plain TCP transport.
// Params: address host:port; timeout connect and per-send limit (0 = none).
// Returns: unconnected transport.
func NewTCP(address string, timeout time.Duration) *StreamTransport {
	return newStream(KindTCP, address, timeout, nil)
}

// NewTLS creates a TLS transport with a prepared client configuration.
// Params: address host:port; timeout connect and per-send limit; tlsConfig client TLS settings.
// Returns: unconnected transport.
func NewTLS(address string, timeout time.Duration, tlsConfig *tls.Config) *StreamTransport {
	return newStream(KindTLS, address, timeout, tlsConfig)
}

func newStream(kind Kind, address string, timeout time.Duration, tlsConfig *tls.Config) *StreamTransport {
	return &StreamTransport{
		kind:      kind,
		address:   address,
		timeout:   timeout,
		tlsConfig: tlsConfig,
	}
}

// Kind returns KindTCP or KindTLS.
func (t *StreamTransport) Kind() Kind {
	return t.kind
}

// Address returns the server host:port.
func (t *StreamTransport) Address() string {
	return t.address
}

// Connect dials the server and, for TLS, completes the handshake.
// Params: ctx dial context.
// Returns: dial/handshake error or ErrAlreadyConnected.
func (t *StreamTransport) Connect(ctx context.Context) error {
	if t.conn != nil {
		return ErrAlreadyConnected
	}

	dialer := &net.Dialer{Timeout: t.timeout}

	var (
		conn net.Conn
		err  error
	)
	if t.kind == KindTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: t.tlsConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", t.address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", t.address)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.address, err)
	}

	t.conn = conn
	return nil
}

// Disconnect closes the socket; it is a no-op when not connected.
// Params: none.
// Returns: close error.
func (t *StreamTransport) Disconnect() error {
	if t.conn == nil {
		return nil
	}
	conn := t.conn
	t.conn = nil
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close %s: %w", t.address, err)
	}
	return nil
}

// Conn returns the live socket.
// Params: none.
// Returns: socket or ErrNotConnected.
func (t *StreamTransport) Conn() (net.Conn, error) {
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}

// Probe reports whether a socket is held.
func (t *StreamTransport) Probe() error {
	_, err := t.Conn()
	return err
}

// Send writes one framed message and reads one framed response.
// Params: ctx cancellation/deadline; payload encoded Msg.
// Returns: decoded response, *ServerError when ok=false, or transport error.
func (t *StreamTransport) Send(ctx context.Context, payload []byte) (*riemannpb.Msg, error) {
	conn, err := t.Conn()
	if err != nil {
		return nil, err
	}

	release, err := applyDeadline(ctx, conn, t.timeout)
	if err != nil {
		return nil, t.abort(err)
	}
	defer release()

	if err := writeFrame(conn, payload); err != nil {
		return nil, t.abort(err)
	}

	raw, err := readFrame(conn)
	if err != nil {
		return nil, t.abort(err)
	}

	response, err := riemannpb.Unmarshal(raw)
	if err != nil {
		return nil, t.abort(fmt.Errorf("decode response: %w", err))
	}
	if !response.Ok {
		return nil, &ServerError{Message: response.Error}
	}
	return response, nil
}

// abort closes the socket after a failed exchange so a late response is never
// read as the reply to the next Send.
func (t *StreamTransport) abort(err error) error {
	if closeErr := t.Disconnect(); closeErr != nil {
		return errors.Join(err, closeErr)
	}
	return err
}

// writeFrame writes a 4-byte big-endian length prefix and the payload.
// Params: w destination; payload frame body.
// Returns: write error.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(payload), maxFrameSize)
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[:frameHeaderSize], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame, looping over short reads.
// Params: r source.
// Returns: frame body or read error (io.ErrUnexpectedEOF on a short frame).
func readFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", length, maxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body (%d bytes): %w", length, err)
	}
	return body, nil
}

// loadTLSConfig builds client TLS settings from PEM files.
// Params: cfg transport configuration with CACerts and optional key pair.
// Returns: TLS config or ErrConfig-wrapped error.
func loadTLSConfig(cfg Config) (*tls.Config, error) {
	pem, err := os.ReadFile(cfg.CACerts)
	if err != nil {
		return nil, fmt.Errorf("%w: read ca certificates %q: %w", ErrConfig, cfg.CACerts, err)
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: no certificates found in %q", ErrConfig, cfg.CACerts)
	}

	tlsConfig := &tls.Config{
		RootCAs:    roots,
		ServerName: serverName(cfg),
		MinVersion: tls.VersionTLS12,
	}

	if cfg.CertFile != "" {
		pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: load client key pair: %w", ErrConfig, err)
		}
		tlsConfig.Certificates = []tls.Certificate{pair}
	}
	return tlsConfig, nil
}

func serverName(cfg Config) string {
	host, _, err := net.SplitHostPort(cfg.Address())
	if err != nil {
		return cfg.Host
	}
	return host
}
