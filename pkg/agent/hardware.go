package agent

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Hardware describes the host the agent runs on
type Hardware struct {
	CPUCores int
	CPUModel string
	RAMBytes uint64
	OS       string
	Arch     string
}

// DetectHardware detects the hardware capabilities of the current system
func DetectHardware(ctx context.Context) Hardware {
	hw := Hardware{
		CPUCores: runtime.NumCPU(),
		CPUModel: "Unknown",
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		hw.CPUCores = n
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 && infos[0].ModelName != "" {
		hw.CPUModel = strings.TrimSpace(infos[0].ModelName)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hw.RAMBytes = vm.Total
	}
	return hw
}

// FormatRAM formats RAM bytes to human-readable string
func FormatRAM(bytes uint64) string {
	gb := float64(bytes) / (1024 * 1024 * 1024)
	return fmt.Sprintf("%.1f GB", gb)
}

// CPUSampler reports the host CPU usage in percent
type CPUSampler interface {
	CPUPercent(ctx context.Context) (float64, error)
}

// HostCPU samples system-wide CPU usage over Interval
type HostCPU struct {
	Interval time.Duration
}

// CPUPercent implements CPUSampler
func (h HostCPU) CPUPercent(ctx context.Context) (float64, error) {
	interval := h.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	pct, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return 0, fmt.Errorf("sample cpu: %w", err)
	}
	if len(pct) == 0 {
		return 0, fmt.Errorf("sample cpu: no data")
	}
	return pct[0], nil
}

// SolarSource reports the current solar production in watts
type SolarSource interface {
	SolarWatts(ctx context.Context) (float64, error)
}

// StaticSolar always reports the same production
type StaticSolar float64

// SolarWatts implements SolarSource
func (s StaticSolar) SolarWatts(context.Context) (float64, error) {
	return float64(s), nil
}

// FileSolar reads the production from a file holding a single number, as
// written by an inverter exporter
type FileSolar string

// SolarWatts implements SolarSource
func (f FileSolar) SolarWatts(context.Context) (float64, error) {
	raw, err := os.ReadFile(string(f))
	if err != nil {
		return 0, fmt.Errorf("read solar watts: %w", err)
	}
	w, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse solar watts from %s: %w", f, err)
	}
	if w < 0 {
		w = 0
	}
	return w, nil
}
