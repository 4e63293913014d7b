package events

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Default cadences for the periodic publishers.
const (
	StatusInterval    = 2 * time.Second
	KeepaliveInterval = 30 * time.Second
)

// SystemStats is the host/process portion of a status snapshot.
type SystemStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemUsed    uint64  `json:"mem_used"`
	MemTotal   uint64  `json:"mem_total"`
	MemPercent float64 `json:"mem_percent"`
	Goroutines int     `json:"goroutines"`
}

// StatusSource produces the application portion of a snapshot, merged
// with the system stats under the "server" key.
type StatusSource func() any

// CollectSystemStats samples process CPU and memory. Process metrics can
// fail in restricted containers; the fallback is system-wide CPU.
func CollectSystemStats(ctx context.Context) SystemStats {
	stats := SystemStats{Goroutines: runtime.NumGoroutine()}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err == nil {
		if pct, err := proc.PercentWithContext(ctx, 0); err == nil {
			if n := runtime.NumCPU(); n > 0 {
				pct /= float64(n)
			}
			stats.CPUPercent = pct
		} else if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
			stats.CPUPercent = percents[0]
		}
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
			stats.MemUsed = info.RSS
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemTotal = vm.Total
		if stats.MemTotal > 0 && stats.MemUsed > 0 {
			stats.MemPercent = float64(stats.MemUsed) / float64(stats.MemTotal) * 100
		}
	}
	return stats
}

type statusPayload struct {
	Server any         `json:"server"`
	System SystemStats `json:"system"`
}

// RunStatus publishes a status snapshot on every tick until ctx is
// cancelled. Ticks with no subscribers skip the sampling work.
func (b *Bus) RunStatus(ctx context.Context, interval time.Duration, source StatusSource) {
	if interval <= 0 {
		interval = StatusInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.SubscriberCount() == 0 {
				continue
			}
			payload := statusPayload{System: CollectSystemStats(ctx)}
			if source != nil {
				payload.Server = source()
			}
			b.Publish(TypeStatus, payload)
		}
	}
}

// RunKeepalive publishes empty keepalive events so idle SSE connections
// survive intermediary timeouts.
func (b *Bus) RunKeepalive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = KeepaliveInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Publish(TypeKeepalive, nil)
		}
	}
}
