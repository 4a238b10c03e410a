package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics tracks host resource usage for the health and stats
// endpoints.
type SystemMetrics struct {
	mu          sync.RWMutex
	cpuPercent  float64
	memoryStats runtime.MemStats
	hostMemory  *mem.VirtualMemoryStat
	lastUpdate  time.Time
	startedAt   time.Time
}

func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{startedAt: time.Now()}
}

// Update refreshes CPU and memory readings. Called on a ticker by the
// server; gopsutil failures keep the previous values.
func (sm *SystemMetrics) Update() {
	cpuPercents, cpuErr := cpu.Percent(0, false)
	hostMem, memErr := mem.VirtualMemory()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	runtime.ReadMemStats(&sm.memoryStats)
	if cpuErr == nil && len(cpuPercents) > 0 {
		if sm.cpuPercent == 0 {
			sm.cpuPercent = cpuPercents[0]
		} else {
			// Exponential moving average to smooth spikes.
			const alpha = 0.3
			sm.cpuPercent = alpha*cpuPercents[0] + (1-alpha)*sm.cpuPercent
		}
	}
	if memErr == nil {
		sm.hostMemory = hostMem
	}
	sm.lastUpdate = time.Now()
}

// Snapshot returns the current readings as a JSON-friendly map.
func (sm *SystemMetrics) Snapshot() map[string]any {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := map[string]any{
		"uptime_seconds": time.Since(sm.startedAt).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    sm.cpuPercent,
		"heap_alloc":     sm.memoryStats.HeapAlloc,
		"heap_sys":       sm.memoryStats.HeapSys,
		"num_gc":         sm.memoryStats.NumGC,
	}
	if sm.hostMemory != nil {
		out["host_mem_used_percent"] = sm.hostMemory.UsedPercent
		out["host_mem_available"] = sm.hostMemory.Available
	}
	return out
}
