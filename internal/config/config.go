package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"riemann/internal/transport"
)

const (
	defaultLogLevel       = "info"
	defaultLogFormat      = "line"
	defaultTransport      = "tcp"
	defaultMaxDelay       = 500 * time.Millisecond
	defaultMaxBatchSize   = 100
	defaultHealthInterval = 10 * time.Second
	defaultDebugListen    = "127.0.0.1:6060"
)

// Health check names accepted in [[health.check]].
const (
	CheckCPU    = "cpu"
	CheckMemory = "memory"
	CheckSwap   = "swap"
	CheckLoad   = "load"
	CheckDisk   = "disk"
)

// defaultThresholds holds warning/critical levels per check name.
var defaultThresholds = map[string][2]float64{
	CheckCPU:    {0.9, 0.95},
	CheckMemory: {0.85, 0.95},
	CheckSwap:   {0.5, 0.9},
	CheckLoad:   {3, 8},
	CheckDisk:   {0.9, 0.95},
}

// Duration wraps time.Duration for TOML parsing.
// Params: text duration string (e.g. "5s", "1m").
// Returns: parse error on invalid duration.
type Duration struct {
	time.Duration
}

// UnmarshalText parses TOML duration values.
// Params: text is raw duration bytes from TOML.
// Returns: error when value is not a valid Go duration.
func (d *Duration) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		d.Duration = 0
		return nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value, err)
	}

	d.Duration = parsed
	return nil
}

// Config represents the root monitor configuration.
// Params: TOML document sections.
// Returns: validated runtime configuration.
type Config struct {
	Riemann RiemannConfig `toml:"riemann"`
	Queue   QueueConfig   `toml:"queue"`
	Log     LogConfig     `toml:"log"`
	Debug   DebugConfig   `toml:"debug"`
	Health  HealthConfig  `toml:"health"`
}

// RiemannConfig selects the server and the transport used to reach it.
// Params: address, transport name, optional timeout and TLS material.
// Returns: connection settings.
type RiemannConfig struct {
	Host      string   `toml:"host"`
	Port      int      `toml:"port"`
	Transport string   `toml:"transport"`
	Timeout   Duration `toml:"timeout"`
	CACerts   string   `toml:"ca_certs"`
	KeyFile   string   `toml:"keyfile"`
	CertFile  string   `toml:"certfile"`
}

// TransportConfig converts the section into transport settings.
// Params: none.
// Returns: transport config or ErrConfig-wrapped error for unknown transport names.
func (r RiemannConfig) TransportConfig() (transport.Config, error) {
	kind, err := transport.ParseKind(r.Transport)
	if err != nil {
		return transport.Config{}, err
	}
	return transport.Config{
		Kind:     kind,
		Host:     r.Host,
		Port:     r.Port,
		Timeout:  r.Timeout.Duration,
		CACerts:  r.CACerts,
		KeyFile:  r.KeyFile,
		CertFile: r.CertFile,
	}, nil
}

// QueueConfig defines the auto-flush batching policy.
type QueueConfig struct {
	MaxDelay      Duration `toml:"max_delay"`
	MaxBatchSize  int      `toml:"max_batch_size"`
	StayConnected bool     `toml:"stay_connected"`
	ClearOnFail   bool     `toml:"clear_on_fail"`
}

// DebugConfig defines the optional pprof and Prometheus HTTP endpoint.
// Params: enabled flag and listen address in host:port format.
// Returns: debug server settings.
type DebugConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// LogConfig contains console/file logging configuration.
// Params: console and file sink options.
// Returns: logger sink settings.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink options from TOML.
// Returns: sink setup.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// HealthConfig controls the host-health monitor.
// Params: event host override, check interval, event TTL, shared tags and attributes.
// Returns: monitor settings.
type HealthConfig struct {
	Host       string            `toml:"host"`
	Interval   Duration          `toml:"interval"`
	TTL        Duration          `toml:"ttl"`
	Tags       []string          `toml:"tags"`
	Attributes map[string]string `toml:"attributes"`
	Checks     []CheckConfig     `toml:"check"`
}

// CheckConfig defines one health check. Warning and Critical are fractions
// (0..1) for cpu/memory/swap/disk and absolute values for load.
type CheckConfig struct {
	Name     string   `toml:"name"`
	Service  string   `toml:"service"`
	Warning  *float64 `toml:"warning"`
	Critical *float64 `toml:"critical"`
	Path     string   `toml:"path"`
}

// Load reads TOML config from file or directory, expands env vars, applies defaults, and validates.
// Params: path to config file or directory with *.toml files.
// Returns: parsed config or error.
func Load(path string) (*Config, error) {
	raw, err := readConfigSource(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("decode TOML %q: %w", path, err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// readConfigSource reads one TOML file or concatenates *.toml files from directory.
// Params: path to config file or directory.
// Returns: raw TOML bytes or error.
func readConfigSource(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config %q: %w", path, err)
	}

	if !info.IsDir() {
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", path, readErr)
		}
		return raw, nil
	}

	return readConfigDir(path)
}

// readConfigDir concatenates config snippets from one directory in name order.
func readConfigDir(path string) ([]byte, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %q: %w", path, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".toml") {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("read config dir %q: no *.toml files", path)
	}

	var builder strings.Builder
	for _, name := range files {
		filePath := filepath.Join(path, name)
		raw, readErr := os.ReadFile(filePath)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", filePath, readErr)
		}
		builder.Write(raw)
		if len(raw) == 0 || raw[len(raw)-1] != '\n' {
			builder.WriteByte('\n')
		}
		builder.WriteByte('\n')
	}

	return []byte(builder.String()), nil
}

// applyDefaults fills defaults for optional configuration fields.
// Params: receiver config pointer.
// Returns: error if defaulting needs host lookup and it fails.
func (c *Config) applyDefaults() error {
	c.Log.Console.Level = lowerOrDefault(c.Log.Console.Level, defaultLogLevel)
	c.Log.Console.Format = lowerOrDefault(c.Log.Console.Format, defaultLogFormat)
	c.Log.File.Level = lowerOrDefault(c.Log.File.Level, defaultLogLevel)
	c.Log.File.Format = lowerOrDefault(c.Log.File.Format, "json")

	if !c.Log.Console.Enabled && !c.Log.File.Enabled {
		c.Log.Console.Enabled = true
	}

	if strings.TrimSpace(c.Riemann.Host) == "" {
		c.Riemann.Host = transport.DefaultHost
	}
	if c.Riemann.Port == 0 {
		c.Riemann.Port = transport.DefaultPort
	}
	c.Riemann.Transport = lowerOrDefault(c.Riemann.Transport, defaultTransport)

	if c.Queue.MaxDelay.Duration == 0 {
		c.Queue.MaxDelay.Duration = defaultMaxDelay
	}
	if c.Queue.MaxBatchSize == 0 {
		c.Queue.MaxBatchSize = defaultMaxBatchSize
	}

	if c.Debug.Enabled && strings.TrimSpace(c.Debug.Listen) == "" {
		c.Debug.Listen = defaultDebugListen
	}

	if strings.TrimSpace(c.Health.Host) == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		c.Health.Host = host
	}
	if c.Health.Interval.Duration == 0 {
		c.Health.Interval.Duration = defaultHealthInterval
	}
	if c.Health.TTL.Duration == 0 {
		c.Health.TTL.Duration = 2 * c.Health.Interval.Duration
	}

	if len(c.Health.Checks) == 0 {
		for _, name := range []string{CheckCPU, CheckMemory, CheckSwap, CheckLoad, CheckDisk} {
			c.Health.Checks = append(c.Health.Checks, CheckConfig{Name: name})
		}
	}
	for idx := range c.Health.Checks {
		applyCheckDefaults(&c.Health.Checks[idx])
	}

	return nil
}

// applyCheckDefaults fills service name, thresholds and disk path.
// Params: check to normalize in place.
// Returns: none.
func applyCheckDefaults(check *CheckConfig) {
	check.Name = strings.ToLower(strings.TrimSpace(check.Name))

	if check.Name == CheckDisk && strings.TrimSpace(check.Path) == "" {
		check.Path = "/"
	}
	if strings.TrimSpace(check.Service) == "" {
		check.Service = check.Name
		if check.Name == CheckDisk {
			check.Service = "disk " + check.Path
		}
	}

	thresholds, ok := defaultThresholds[check.Name]
	if !ok {
		return
	}
	if check.Warning == nil {
		check.Warning = float64Ptr(thresholds[0])
	}
	if check.Critical == nil {
		check.Critical = float64Ptr(thresholds[1])
	}
}

// validate checks config consistency and required fields.
// Params: receiver config pointer.
// Returns: validation error for invalid or incomplete config.
func (c *Config) validate() error {
	transportCfg, err := c.Riemann.TransportConfig()
	if err != nil {
		return fmt.Errorf("riemann.transport: %w", err)
	}
	if err := transportCfg.Validate(); err != nil {
		return fmt.Errorf("riemann: %w", err)
	}

	if c.Queue.MaxDelay.Duration < 0 {
		return fmt.Errorf("queue.max_delay must be >= 0")
	}
	if c.Queue.MaxBatchSize < 0 {
		return fmt.Errorf("queue.max_batch_size must be >= 0")
	}

	if err := validateSink("log.console", c.Log.Console, false); err != nil {
		return err
	}
	if err := validateSink("log.file", c.Log.File, true); err != nil {
		return err
	}
	if err := validateDebugConfig("debug", c.Debug); err != nil {
		return err
	}

	if c.Health.Interval.Duration < 0 {
		return fmt.Errorf("health.interval must be > 0")
	}
	if c.Health.TTL.Duration < 0 {
		return fmt.Errorf("health.ttl must be >= 0")
	}

	seen := make(map[string]struct{}, len(c.Health.Checks))
	for idx, check := range c.Health.Checks {
		path := fmt.Sprintf("health.check[%d]", idx)
		if _, ok := defaultThresholds[check.Name]; !ok {
			return fmt.Errorf("%s.name: unsupported value %q", path, check.Name)
		}
		if *check.Warning > *check.Critical {
			return fmt.Errorf("%s.warning must be <= critical", path)
		}
		if *check.Warning < 0 {
			return fmt.Errorf("%s.warning must be >= 0", path)
		}
		if _, dup := seen[check.Service]; dup {
			return fmt.Errorf("%s.service %q is duplicated", path, check.Service)
		}
		seen[check.Service] = struct{}{}
	}

	return nil
}

// validateSink validates one logging sink configuration.
// Params: name is sink path for errors; sink is sink config; requirePath means path required when enabled.
// Returns: validation error or nil.
func validateSink(name string, sink LogSinkConfig, requirePath bool) error {
	if sink.Enabled && requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required when sink is enabled", name)
	}

	if err := validateLogLevel(sink.Level); err != nil {
		return fmt.Errorf("%s.level: %w", name, err)
	}
	if err := validateLogFormat(sink.Format); err != nil {
		return fmt.Errorf("%s.format: %w", name, err)
	}

	return nil
}

func validateLogLevel(level string) error {
	switch strings.TrimSpace(strings.ToLower(level)) {
	case "info", "warn", "error", "debug":
		return nil
	default:
		return fmt.Errorf("unsupported value %q", level)
	}
}

func validateLogFormat(format string) error {
	switch strings.TrimSpace(strings.ToLower(format)) {
	case "line", "json":
		return nil
	default:
		return fmt.Errorf("unsupported value %q", format)
	}
}

// validateDebugConfig validates the debug endpoint.
// Params: path is config path prefix; cfg debug section.
// Returns: validation error for invalid listen endpoint.
func validateDebugConfig(path string, cfg DebugConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		return fmt.Errorf("%s.listen must be host:port: %w", path, err)
	}
	return nil
}

// lowerOrDefault returns a trimmed lower-case value or default fallback.
// Params: value to normalize; fallback value when empty.
// Returns: normalized value.
func lowerOrDefault(value, fallback string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return fallback
	}
	return normalized
}

func float64Ptr(value float64) *float64 {
	return &value
}
