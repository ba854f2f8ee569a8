package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"riemann/internal/config"
)

// TestColorLineWriter_HighlightsLevelAndTokens verifies level and token coloring.
// Params: testing.T for assertions.
// Returns: none.
func TestColorLineWriter_HighlightsLevelAndTokens(t *testing.T) {
	var dst bytes.Buffer
	writer := &colorLineWriter{dst: &dst}

	line := `level=INFO msg="hello" peer=10.20.30.40 retries=3`
	if _, err := writer.Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}

	rendered := dst.String()
	if !strings.HasPrefix(rendered, ansiBlue) {
		t.Fatalf("expected INFO line base color")
	}
	if !strings.Contains(rendered, ansiGreen+`"hello"`+ansiReset+ansiBlue) {
		t.Fatalf("expected quoted string token color")
	}
	if !strings.Contains(rendered, ansiCyan+`10.20.30.40`+ansiReset+ansiBlue) {
		t.Fatalf("expected IP token color")
	}
	if !strings.Contains(rendered, ansiYellow+`3`+ansiReset+ansiBlue) {
		t.Fatalf("expected number token color")
	}
	if !strings.HasSuffix(rendered, ansiReset) {
		t.Fatalf("expected trailing reset sequence")
	}
}

// TestColorLineWriter_NoLevelColor verifies passthrough for unknown levels.
// Params: testing.T for assertions.
// Returns: none.
func TestColorLineWriter_NoLevelColor(t *testing.T) {
	var dst bytes.Buffer
	writer := &colorLineWriter{dst: &dst}

	line := `msg="plain" value=42`
	if _, err := writer.Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if got := dst.String(); got != line {
		t.Fatalf("expected passthrough line, got %q", got)
	}
}

// TestColorLineWriter_KeepsNewlineAfterReset verifies slog line terminators survive coloring.
// Params: testing.T for assertions.
// Returns: none.
func TestColorLineWriter_KeepsNewlineAfterReset(t *testing.T) {
	var dst bytes.Buffer
	writer := &colorLineWriter{dst: &dst}

	line := "level=WARN msg=\"a \\\"quoted\\\" value\" addr=127.0.0.1:5555\n"
	n, err := writer.Write([]byte(line))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != len(line) {
		t.Fatalf("unexpected written length: %d", n)
	}

	rendered := dst.String()
	if !strings.HasPrefix(rendered, ansiMagenta) {
		t.Fatalf("expected WARN line base color")
	}
	if !strings.HasSuffix(rendered, ansiReset+"\n") {
		t.Fatalf("expected reset before newline, got %q", rendered)
	}
	if !strings.Contains(rendered, ansiCyan+"127.0.0.1:5555"+ansiReset) {
		t.Fatalf("expected host:port token color")
	}
}

// TestNew_FileSinkWritesJSON verifies file sink format and level filtering.
// Params: testing.T for assertions.
// Returns: none.
func TestNew_FileSinkWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "riemann.log")

	logger, cleanup, err := New(config.LogConfig{
		File: config.LogSinkConfig{Enabled: true, Level: "warn", Format: "json", Path: path},
	})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info("dropped by level")
	logger.Warn("flush failed", "events", 3)
	cleanup()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %d: %q", len(lines), raw)
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record["msg"] != "flush failed" || record["events"] != float64(3) {
		t.Fatalf("unexpected record: %v", record)
	}
}

// TestNew_RejectsUnknownLevel verifies sink level validation.
// Params: testing.T for assertions.
// Returns: none.
func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, _, err := New(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "chatty", Format: "line"},
	})
	if err == nil {
		t.Fatalf("expected level error")
	}
}

// TestFanoutHandler_RoutesByLevel verifies each sink applies its own level.
// Params: testing.T for assertions.
// Returns: none.
func TestFanoutHandler_RoutesByLevel(t *testing.T) {
	var debugSink, errorSink bytes.Buffer

	debugHandler, err := newHandler(&debugSink, config.LogSinkConfig{Level: "debug", Format: "line"})
	if err != nil {
		t.Fatalf("debug handler: %v", err)
	}
	errorHandler, err := newHandler(&errorSink, config.LogSinkConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("error handler: %v", err)
	}

	logger := slog.New(fanoutHandler{debugHandler, errorHandler}).With("component", "test")
	logger.Debug("noise")
	logger.Error("boom")

	if got := strings.Count(debugSink.String(), "component=test"); got != 2 {
		t.Fatalf("expected two debug sink records, got %d", got)
	}
	if got := strings.Count(errorSink.String(), `"component":"test"`); got != 1 {
		t.Fatalf("expected one error sink record, got %d", got)
	}
}
