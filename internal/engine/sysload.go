package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/reportforge/engine/pkg/models"
)

// moderateLoadSample is returned when the OS probe fails. Scheduling degrades
// gracefully on metrics unavailability; it never crashes.
func moderateLoadSample(now time.Time) models.SystemLoadSample {
	return models.SystemLoadSample{
		CPUPercent:    50,
		MemoryPercent: 60,
		SampledAt:     now,
	}
}

// LoadProbe reads raw CPU/memory/disk utilization. Swapped for a fake in
// tests.
type LoadProbe func(ctx context.Context) (cpuPercent, memPercent, diskPercent float64, err error)

// newGopsutilProbe builds the production probe. Disk busy time is a running
// counter, so the probe keeps the previous reading and reports the busy
// fraction of the interval between calls; the first call reports zero. Disk
// figures are best-effort: platforms without IO counters just leave them at
// zero.
func newGopsutilProbe() LoadProbe {
	var (
		lastIOTime uint64
		lastAt     time.Time
	)
	return func(ctx context.Context) (float64, float64, float64, error) {
		percents, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			return 0, 0, 0, err
		}
		var cpuPct float64
		if len(percents) > 0 {
			cpuPct = percents[0]
		}

		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return 0, 0, 0, err
		}

		var diskPct float64
		now := time.Now()
		if counters, diskErr := disk.IOCountersWithContext(ctx); diskErr == nil {
			var ioTime uint64
			for _, c := range counters {
				ioTime += c.IoTime
			}
			if !lastAt.IsZero() && ioTime >= lastIOTime {
				if elapsed := now.Sub(lastAt).Milliseconds(); elapsed > 0 {
					diskPct = float64(ioTime-lastIOTime) / float64(elapsed) * 100
					if diskPct > 100 {
						diskPct = 100
					}
				}
			}
			lastIOTime = ioTime
			lastAt = now
		}

		return cpuPct, vm.UsedPercent, diskPct, nil
	}
}

// LoadMonitor samples system load with a short-lived cache: concurrent
// callers inside the TTL window all see the same sample.
type LoadMonitor struct {
	probe       LoadProbe
	activeTasks func() int
	ttl         time.Duration
	now         func() time.Time

	mu     sync.Mutex
	cached models.SystemLoadSample
	valid  bool
}

// NewLoadMonitor creates a monitor backed by gopsutil. activeTasks reports
// the number of in-flight jobs; nil means always zero.
func NewLoadMonitor(ttl time.Duration, activeTasks func() int) *LoadMonitor {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if activeTasks == nil {
		activeTasks = func() int { return 0 }
	}
	return &LoadMonitor{
		probe:       newGopsutilProbe(),
		activeTasks: activeTasks,
		ttl:         ttl,
		now:         time.Now,
	}
}

// Sample returns the current load, reusing the cached sample while it is
// fresh. Probe failures yield a moderate-load default.
func (m *LoadMonitor) Sample(ctx context.Context) models.SystemLoadSample {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.valid && now.Sub(m.cached.SampledAt) < m.ttl {
		return m.cached
	}

	cpuPct, memPct, diskPct, err := m.probe(ctx)
	if err != nil {
		slog.Warn("load probe failed, assuming moderate load", "error", err)
		sample := moderateLoadSample(now)
		sample.ActiveTasks = m.activeTasks()
		m.cached = sample
		m.valid = true
		return sample
	}

	sample := models.SystemLoadSample{
		CPUPercent:    cpuPct,
		MemoryPercent: memPct,
		DiskIOPercent: diskPct,
		ActiveTasks:   m.activeTasks(),
		SampledAt:     now,
	}
	m.cached = sample
	m.valid = true
	return sample
}
