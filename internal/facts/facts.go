// Package facts inspects the control process host. The dispatcher
// derives its automatic concurrency limit from these facts.
package facts

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// maxAutoConcurrency caps derived concurrency; fanning wider than this
// mostly stresses the local process, not the fleet.
const maxAutoConcurrency = 64

// Facts describes the local host.
type Facts struct {
	Hostname        string  `json:"hostname"`
	Platform        string  `json:"platform"`
	PlatformVersion string  `json:"platform_version"`
	KernelVersion   string  `json:"kernel_version"`
	LogicalCPUs     int     `json:"logical_cpus"`
	Load1           float64 `json:"load1"`
	TotalMemory     uint64  `json:"total_memory"`
	UsedMemory      uint64  `json:"used_memory"`
}

// Gather collects local host facts. Partial failures leave zero
// values; inspection is advisory, never fatal.
func Gather() Facts {
	f := Facts{LogicalCPUs: logicalCPUs()}

	if info, err := host.Info(); err == nil {
		f.Hostname = info.Hostname
		f.Platform = info.Platform
		f.PlatformVersion = info.PlatformVersion
		f.KernelVersion = info.KernelVersion
	}
	if avg, err := load.Avg(); err == nil {
		f.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		f.TotalMemory = vm.Total
		f.UsedMemory = vm.Used
	}

	return f
}

// logicalCPUs reports the logical CPU count, falling back to the
// runtime when system inspection fails.
func logicalCPUs() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// AutoConcurrency derives a worker-pool size for a fleet of the given
// size: four workers per logical CPU, never more than the target
// count, capped.
func AutoConcurrency(targetCount int) int {
	if targetCount < 1 {
		return 1
	}
	limit := 4 * logicalCPUs()
	if limit > maxAutoConcurrency {
		limit = maxAutoConcurrency
	}
	if limit > targetCount {
		limit = targetCount
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}
