package health

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"riemann/internal/config"
)

// Event states.
const (
	StateOK       = "ok"
	StateWarning  = "warning"
	StateCritical = "critical"
)

// Reading is one sampled value ready to become an event.
type Reading struct {
	Service     string
	Metric      float64
	Description string
}

// Check samples one resource and grades it against thresholds.
type Check struct {
	name     string
	warning  float64
	critical float64
	sample   func(ctx context.Context) ([]Reading, error)
}

// NewCheck builds a check from its config section.
// Params: cfg check section with defaults applied; sys host readers.
// Returns: check or error for unknown names.
func NewCheck(cfg config.CheckConfig, sys System) (*Check, error) {
	if cfg.Warning == nil || cfg.Critical == nil {
		return nil, fmt.Errorf("check %q: thresholds are required", cfg.Name)
	}

	c := &Check{
		name:     cfg.Name,
		warning:  *cfg.Warning,
		critical: *cfg.Critical,
	}

	switch cfg.Name {
	case config.CheckCPU:
		c.sample = cpuSampler(cfg.Service, sys)
	case config.CheckMemory:
		c.sample = memorySampler(cfg.Service, sys)
	case config.CheckSwap:
		c.sample = swapSampler(cfg.Service, sys)
	case config.CheckLoad:
		c.sample = loadSampler(cfg.Service, sys)
	case config.CheckDisk:
		if strings.Contains(cfg.Path, "*") {
			c.sample = mountsSampler(cfg.Path, sys)
		} else {
			c.sample = diskSampler(cfg.Service, cfg.Path, sys)
		}
	default:
		return nil, fmt.Errorf("unknown check %q", cfg.Name)
	}
	return c, nil
}

// Name returns the check kind.
func (c *Check) Name() string {
	return c.name
}

// Sample reads the resource once.
func (c *Check) Sample(ctx context.Context) ([]Reading, error) {
	return c.sample(ctx)
}

// State grades metric against the check thresholds.
func (c *Check) State(metric float64) string {
	return State(metric, c.warning, c.critical)
}

// State maps a metric to critical, warning or ok; thresholds are inclusive.
// Params: metric sampled value; warning and critical thresholds.
// Returns: event state string.
func State(metric, warning, critical float64) string {
	switch {
	case metric >= critical:
		return StateCritical
	case metric >= warning:
		return StateWarning
	default:
		return StateOK
	}
}

func cpuSampler(service string, sys System) func(context.Context) ([]Reading, error) {
	return func(ctx context.Context) ([]Reading, error) {
		percent, err := sys.CPUPercent(ctx)
		if err != nil {
			return nil, fmt.Errorf("read cpu percent: %w", err)
		}
		return []Reading{{
			Service:     service,
			Metric:      percent / 100,
			Description: fmt.Sprintf("%.2f%% cpu used", percent),
		}}, nil
	}
}

func memorySampler(service string, sys System) func(context.Context) ([]Reading, error) {
	return func(ctx context.Context) ([]Reading, error) {
		vm, err := sys.VirtualMemory(ctx)
		if err != nil {
			return nil, fmt.Errorf("read virtual memory: %w", err)
		}
		return []Reading{{
			Service:     service,
			Metric:      fraction(vm.Used, vm.Total),
			Description: fmt.Sprintf("%s of %s memory used", formatBytes(vm.Used), formatBytes(vm.Total)),
		}}, nil
	}
}

func swapSampler(service string, sys System) func(context.Context) ([]Reading, error) {
	return func(ctx context.Context) ([]Reading, error) {
		sm, err := sys.SwapMemory(ctx)
		if err != nil {
			return nil, fmt.Errorf("read swap memory: %w", err)
		}
		description := "no swap configured"
		if sm.Total > 0 {
			description = fmt.Sprintf("%s of %s swap used", formatBytes(sm.Used), formatBytes(sm.Total))
		}
		return []Reading{{
			Service:     service,
			Metric:      fraction(sm.Used, sm.Total),
			Description: description,
		}}, nil
	}
}

// loadSampler reports the 1-minute load average divided by logical cores.
func loadSampler(service string, sys System) func(context.Context) ([]Reading, error) {
	return func(ctx context.Context) ([]Reading, error) {
		avg, err := sys.LoadAvg(ctx)
		if err != nil {
			return nil, fmt.Errorf("read load average: %w", err)
		}
		cores, err := sys.CPUCount(ctx)
		if err != nil {
			return nil, fmt.Errorf("read cpu count: %w", err)
		}
		if cores <= 0 {
			cores = 1
		}
		return []Reading{{
			Service:     service,
			Metric:      avg.Load1 / float64(cores),
			Description: fmt.Sprintf("load average %.2f %.2f %.2f on %d cores", avg.Load1, avg.Load5, avg.Load15, cores),
		}}, nil
	}
}

func diskSampler(service, path string, sys System) func(context.Context) ([]Reading, error) {
	return func(ctx context.Context) ([]Reading, error) {
		reading, err := diskReading(ctx, service, path, sys)
		if err != nil {
			return nil, err
		}
		return []Reading{reading}, nil
	}
}

// mountsSampler reports every mounted filesystem whose mount point matches
// pattern, one reading per mount named "disk <mountpoint>".
func mountsSampler(pattern string, sys System) func(context.Context) ([]Reading, error) {
	matcher := compilePattern(pattern)
	return func(ctx context.Context) ([]Reading, error) {
		partitions, err := sys.Partitions(ctx)
		if err != nil {
			return nil, fmt.Errorf("read partitions: %w", err)
		}

		mounts := make([]string, 0, len(partitions))
		seen := make(map[string]struct{}, len(partitions))
		for _, partition := range partitions {
			mount := strings.TrimSpace(partition.Mountpoint)
			if mount == "" || !matcher.match(mount) {
				continue
			}
			if _, dup := seen[mount]; dup {
				continue
			}
			seen[mount] = struct{}{}
			mounts = append(mounts, mount)
		}
		sort.Strings(mounts)

		readings := make([]Reading, 0, len(mounts))
		failed := 0
		for _, mount := range mounts {
			reading, readErr := diskReading(ctx, "disk "+mount, mount, sys)
			if readErr != nil {
				failed++
				continue
			}
			readings = append(readings, reading)
		}
		if len(readings) == 0 && failed > 0 {
			return nil, fmt.Errorf("all %d disk usage reads for %q failed", failed, pattern)
		}
		return readings, nil
	}
}

func diskReading(ctx context.Context, service, path string, sys System) (Reading, error) {
	usage, err := sys.DiskUsage(ctx, path)
	if err != nil {
		return Reading{}, fmt.Errorf("read disk usage %q: %w", path, err)
	}
	return Reading{
		Service:     service,
		Metric:      fraction(usage.Used, usage.Total),
		Description: fmt.Sprintf("%s of %s used on %s", formatBytes(usage.Used), formatBytes(usage.Total), path),
	}, nil
}

func fraction(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total)
}

func formatBytes(value uint64) string {
	const unit = 1024
	if value < unit {
		return fmt.Sprintf("%d B", value)
	}
	div, exp := uint64(unit), 0
	for n := value / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(value)/float64(div), "KMGTPE"[exp])
}

// pattern is a '*' wildcard matcher over mount points.
type pattern struct {
	segments []string
	anchored [2]bool // start, end
	any      bool
}

func compilePattern(raw string) pattern {
	raw = strings.TrimSpace(raw)
	if raw == "*" {
		return pattern{any: true}
	}
	return pattern{
		segments: strings.Split(raw, "*"),
		anchored: [2]bool{!strings.HasPrefix(raw, "*"), !strings.HasSuffix(raw, "*")},
	}
}

func (p pattern) match(value string) bool {
	if p.any {
		return true
	}
	if len(p.segments) == 0 {
		return false
	}

	last := len(p.segments) - 1
	cursor, first := 0, 0
	if p.anchored[0] {
		if !strings.HasPrefix(value, p.segments[0]) {
			return false
		}
		cursor, first = len(p.segments[0]), 1
	}

	end := len(p.segments)
	if p.anchored[1] {
		end = last
	}
	for _, segment := range p.segments[min(first, end):end] {
		if segment == "" {
			continue
		}
		offset := strings.Index(value[cursor:], segment)
		if offset < 0 {
			return false
		}
		cursor += offset + len(segment)
	}

	if p.anchored[1] {
		return strings.HasSuffix(value[cursor:], p.segments[last]) || (last == 0 && value == p.segments[0])
	}
	return true
}
