// Package health samples local host resources and publishes them as Riemann
// events with ok/warning/critical states.
package health

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// System is the set of host readers used by checks. Every field must be set;
// tests replace individual readers with fixed values.
type System struct {
	CPUPercent    func(ctx context.Context) (float64, error)
	CPUCount      func(ctx context.Context) (int, error)
	VirtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	SwapMemory    func(ctx context.Context) (*mem.SwapMemoryStat, error)
	LoadAvg       func(ctx context.Context) (*load.AvgStat, error)
	Partitions    func(ctx context.Context) ([]disk.PartitionStat, error)
	DiskUsage     func(ctx context.Context, path string) (*disk.UsageStat, error)
}

// HostSystem returns readers backed by gopsutil.
// Params: none.
// Returns: system readers for the local host.
func HostSystem() System {
	return System{
		CPUPercent: func(ctx context.Context) (float64, error) {
			total, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil {
				return 0, err
			}
			if len(total) == 0 {
				return 0, fmt.Errorf("no cpu totals reported")
			}
			return total[0], nil
		},
		CPUCount: func(ctx context.Context) (int, error) {
			return cpu.CountsWithContext(ctx, true)
		},
		VirtualMemory: mem.VirtualMemoryWithContext,
		SwapMemory:    mem.SwapMemoryWithContext,
		LoadAvg:       load.AvgWithContext,
		Partitions: func(ctx context.Context) ([]disk.PartitionStat, error) {
			return disk.PartitionsWithContext(ctx, false)
		},
		DiskUsage: disk.UsageWithContext,
	}
}
