// Package sysinfo collects host resource utilization for heartbeat
// reporting. Collection is best-effort: any probe that fails contributes a
// zero rather than failing the heartbeat.
package sysinfo

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Metrics is a snapshot of current host resource usage, as percentages
// (0–100).
type Metrics struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
}

// Collect returns a snapshot of current host resource usage. The CPU probe
// uses the delta since the previous call (interval 0), so the first call of
// a process reports 0 — acceptable for a heartbeat stream.
func Collect() Metrics {
	var m Metrics

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		m.DiskPercent = du.UsedPercent
	}
	return m
}
