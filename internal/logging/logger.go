// Package logging builds the process slog logger from [log.*] config sections.
package logging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/term"

	"riemann/internal/config"
)

const (
	ansiReset   = "\x1b[0m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
	ansiGray    = "\x1b[90m"
)

var isTerminal = func(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// New creates a logger writing to every enabled sink.
// Params: cfg console and file sink settings (defaults already applied).
// Returns: logger, cleanup closing opened files, or sink setup error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	var (
		handlers []slog.Handler
		closers  []io.Closer
	)
	cleanup := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}

	if cfg.Console.Enabled {
		handler, err := newHandler(consoleWriter(os.Stderr, cfg.Console.Format), cfg.Console)
		if err != nil {
			return nil, nil, fmt.Errorf("log.console: %w", err)
		}
		handlers = append(handlers, handler)
	}

	if cfg.File.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("log.file: create dir: %w", err)
		}
		file, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("log.file: open %q: %w", cfg.File.Path, err)
		}
		closers = append(closers, file)

		handler, err := newHandler(file, cfg.File)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("log.file: %w", err)
		}
		handlers = append(handlers, handler)
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, nil)), cleanup, nil
	case 1:
		return slog.New(handlers[0]), cleanup, nil
	default:
		return slog.New(fanoutHandler(handlers)), cleanup, nil
	}
}

// consoleWriter colors line output only when dst is a terminal.
func consoleWriter(dst *os.File, format string) io.Writer {
	if strings.EqualFold(format, "line") && isTerminal(dst) {
		return &colorLineWriter{dst: dst}
	}
	return dst
}

func newHandler(dst io.Writer, sink config.LogSinkConfig) (slog.Handler, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(sink.Format) {
	case "json":
		return slog.NewJSONHandler(dst, opts), nil
	case "", "line":
		return slog.NewTextHandler(dst, opts), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", sink.Format)
	}
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", level)
	}
}

// fanoutHandler forwards every record to each handler that accepts its level.
type fanoutHandler []slog.Handler

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range h {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanoutHandler, 0, len(h))
	for _, handler := range h {
		next = append(next, handler.WithAttrs(attrs))
	}
	return next
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	next := make(fanoutHandler, 0, len(h))
	for _, handler := range h {
		next = append(next, handler.WithGroup(name))
	}
	return next
}

// colorLineWriter paints slog text lines: the whole line in a level color and
// quoted strings, IP addresses and numbers in their own colors.
type colorLineWriter struct {
	dst io.Writer
}

// Write renders one slog text record.
// Params: p is one formatted line, optionally newline-terminated.
// Returns: len(p) on success or destination write error.
func (w *colorLineWriter) Write(p []byte) (int, error) {
	body, newline := bytes.CutSuffix(p, []byte("\n"))
	base := levelColor(body)
	if base == "" {
		return w.dst.Write(p)
	}

	var out bytes.Buffer
	out.Grow(len(p) + 64)
	out.WriteString(base)
	colorTokens(&out, body, base)
	out.WriteString(ansiReset)
	if newline {
		out.WriteByte('\n')
	}

	if _, err := w.dst.Write(out.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}

func levelColor(line []byte) string {
	switch {
	case bytes.Contains(line, []byte("level=DEBUG")):
		return ansiGray
	case bytes.Contains(line, []byte("level=INFO")):
		return ansiBlue
	case bytes.Contains(line, []byte("level=WARN")):
		return ansiMagenta
	case bytes.Contains(line, []byte("level=ERROR")):
		return ansiRed
	default:
		return ""
	}
}

// colorTokens copies line into out, coloring every value after '='.
func colorTokens(out *bytes.Buffer, line []byte, base string) {
	for i := 0; i < len(line); {
		if line[i] != '=' {
			out.WriteByte(line[i])
			i++
			continue
		}
		out.WriteByte('=')
		i++

		end := valueEnd(line, i)
		value := line[i:end]
		if color := tokenColor(value); color != "" {
			out.WriteString(color)
			out.Write(value)
			out.WriteString(ansiReset)
			out.WriteString(base)
		} else {
			out.Write(value)
		}
		i = end
	}
}

// valueEnd returns the index just past the value starting at start.
func valueEnd(line []byte, start int) int {
	if start < len(line) && line[start] == '"' {
		for i := start + 1; i < len(line); i++ {
			switch line[i] {
			case '\\':
				i++
			case '"':
				return i + 1
			}
		}
		return len(line)
	}
	if idx := bytes.IndexByte(line[start:], ' '); idx >= 0 {
		return start + idx
	}
	return len(line)
}

func tokenColor(value []byte) string {
	if len(value) == 0 {
		return ""
	}
	if value[0] == '"' {
		return ansiGreen
	}

	text := string(value)
	if net.ParseIP(text) != nil {
		return ansiCyan
	}
	if host, _, err := net.SplitHostPort(text); err == nil && net.ParseIP(host) != nil {
		return ansiCyan
	}
	if _, err := strconv.ParseFloat(text, 64); err == nil {
		return ansiYellow
	}
	return ""
}
