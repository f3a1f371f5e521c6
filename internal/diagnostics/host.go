package diagnostics

import (
	"context"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostMetrics holds machine-wide usage. Fields stay zero when the platform
// cannot report them.
type HostMetrics struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemTotalMB  float64 `json:"mem_total_mb"`
	MemUsedMB   float64 `json:"mem_used_mb"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
	LoadAvg1    float64 `json:"load_avg_1"`
	LoadAvg5    float64 `json:"load_avg_5"`
}

func collectHost(ctx context.Context, diskPath string) HostMetrics {
	var h HostMetrics

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		h.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		h.MemTotalMB = toMB(vm.Total)
		h.MemUsedMB = toMB(vm.Used)
		h.MemPercent = vm.UsedPercent
	}
	if usage, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		h.DiskPercent = usage.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		h.LoadAvg1 = avg.Load1
		h.LoadAvg5 = avg.Load5
	}
	return h
}

// defaultDiskPath is the volume holding the working directory, which is where
// worker workspaces and the state database live by default.
func defaultDiskPath() string {
	wd, err := os.Getwd()
	if err != nil {
		return string(filepath.Separator)
	}
	if vol := filepath.VolumeName(wd); vol != "" {
		return vol + string(filepath.Separator)
	}
	return wd
}

func toMB(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
