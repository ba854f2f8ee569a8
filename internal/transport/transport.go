// Package transport moves encoded Riemann messages to a server over UDP, TCP,
// TLS, or an in-memory blank channel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"riemann/internal/riemannpb"
)

const (
	// DefaultHost is used when no host is configured.
	DefaultHost = "localhost"
	// DefaultPort is the standard Riemann TCP/UDP port.
	DefaultPort = 5555
)

var (
	// ErrConfig marks invalid transport configuration detected before any I/O.
	ErrConfig = errors.New("invalid transport configuration")
	// ErrNotConnected is returned when the channel is used before Connect.
	ErrNotConnected = errors.New("transport is not connected")
	// ErrAlreadyConnected is returned by Connect on a connected transport.
	ErrAlreadyConnected = errors.New("transport is already connected")
)

// ServerError is a rejection reported by the Riemann server (ok=false).
// Params: Message carries the server error text verbatim.
// Returns: error whose text equals the server message.
type ServerError struct {
	Message string
}

// Error returns the server message unchanged.
func (e *ServerError) Error() string {
	return e.Message
}

// IsServerError reports whether err is or wraps a ServerError.
// Params: err error to classify.
// Returns: true for server-side rejections.
func IsServerError(err error) bool {
	var serverErr *ServerError
	return errors.As(err, &serverErr)
}

// Kind identifies one transport variant.
type Kind uint8

const (
	// KindTCP is length-framed TCP with synchronous responses.
	KindTCP Kind = iota
	// KindUDP is fire-and-forget datagrams.
	KindUDP
	// KindTLS is KindTCP over a TLS session.
	KindTLS
	// KindBlank records events in memory without network I/O.
	KindBlank
)

// String returns the command-line name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	case KindTLS:
		return "tls"
	case KindBlank:
		return "none"
	default:
		return "unknown"
	}
}

// ParseKind converts a command-line/config transport name into Kind.
// Params: value one of udp, tcp, tls, none (case-insensitive).
// Returns: kind or ErrConfig-wrapped error.
func ParseKind(value string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "tcp":
		return KindTCP, nil
	case "udp":
		return KindUDP, nil
	case "tls":
		return KindTLS, nil
	case "none", "blank":
		return KindBlank, nil
	default:
		return 0, fmt.Errorf("%w: unknown transport %q", ErrConfig, value)
	}
}

// Transport is the capability set every channel variant provides.
// Implementations are owned by one client and are not safe for concurrent use
// unless stated otherwise.
type Transport interface {
	Kind() Kind
	Connect(ctx context.Context) error
	Disconnect() error
	// Send writes one encoded Msg. Connection-oriented variants read and
	// decode exactly one response; UDP returns a nil response.
	Send(ctx context.Context, payload []byte) (*riemannpb.Msg, error)
	// Probe returns nil while the underlying channel is held.
	Probe() error
}

// Config selects and parameterizes one transport variant.
// Params: kind, server address, optional timeout, and TLS material paths.
// Returns: input for New.
type Config struct {
	Kind     Kind
	Host     string
	Port     int
	Timeout  time.Duration
	CACerts  string
	KeyFile  string
	CertFile string
}

// Address returns host:port with defaults applied.
func (c Config) Address() string {
	host := strings.TrimSpace(c.Host)
	if host == "" {
		host = DefaultHost
	}
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Validate checks configuration constraints that do not need I/O.
// Params: none.
// Returns: ErrConfig-wrapped error on invalid combinations.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrConfig, c.Port)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be >= 0", ErrConfig)
	}

	switch c.Kind {
	case KindUDP:
		if c.Timeout > 0 {
			return fmt.Errorf("%w: timeout cannot be used with the UDP transport", ErrConfig)
		}
	case KindTLS:
		if strings.TrimSpace(c.CACerts) == "" {
			return fmt.Errorf("%w: ca certificates must be set when using the TLS transport", ErrConfig)
		}
		if (c.KeyFile == "") != (c.CertFile == "") {
			return fmt.Errorf("%w: keyfile and certfile must be set together", ErrConfig)
		}
	case KindTCP, KindBlank:
	default:
		return fmt.Errorf("%w: unknown transport kind %d", ErrConfig, c.Kind)
	}
	return nil
}

// New builds the transport variant selected by cfg.Kind.
// Params: cfg transport configuration.
// Returns: unconnected transport or configuration error.
func New(cfg Config) (Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case KindUDP:
		return NewUDP(cfg.Address()), nil
	case KindTLS:
		tlsConfig, err := loadTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		return NewTLS(cfg.Address(), cfg.Timeout, tlsConfig), nil
	case KindBlank:
		return NewBlank(), nil
	default:
		return NewTCP(cfg.Address(), cfg.Timeout), nil
	}
}

// With connects t, runs fn, and always disconnects afterwards.
// Params: ctx connect context; t transport; fn work performed while connected.
// Returns: connect error, or fn error joined with any disconnect error.
func With(ctx context.Context, t Transport, fn func(Transport) error) (err error) {
	if err := t.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s transport: %w", t.Kind(), err)
	}
	defer func() {
		if disconnectErr := t.Disconnect(); disconnectErr != nil {
			err = errors.Join(err, fmt.Errorf("disconnect %s transport: %w", t.Kind(), disconnectErr))
		}
	}()
	return fn(t)
}

// applyDeadline bounds blocking I/O on conn by timeout and ctx.
// Params: ctx caller context; conn socket; timeout per-call limit (0 = none).
// Returns: release function that detaches ctx cancellation.
func applyDeadline(ctx context.Context, conn net.Conn, timeout time.Duration) (func(), error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return func() { stop() }, nil
}
