// Package sysinfo samples host CPU and memory usage for the
// SystemResources operation.
package sysinfo

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/factoriod/factoriod/internal/common/logger"
	"github.com/factoriod/factoriod/pkg/schema"
)

const refreshInterval = 10 * time.Second

// Monitor keeps a recent resource snapshot, refreshed on a background cycle
// so request handlers never block on sampling.
type Monitor struct {
	log *logger.Logger

	mu   sync.RWMutex
	snap schema.SystemResources
}

// NewMonitor takes an initial sample and refreshes every 10 s until ctx is
// cancelled.
func NewMonitor(ctx context.Context, log *logger.Logger) *Monitor {
	m := &Monitor{log: log}
	m.refresh()
	go m.run(ctx)
	return m
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refresh()
		}
	}
}

func (m *Monitor) refresh() {
	// Interval 0 measures usage since the previous call.
	cpus, err := cpu.Percent(0, true)
	if err != nil {
		m.log.Warn("Failed to sample CPU usage", zap.Error(err))
		return
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		m.log.Warn("Failed to sample memory usage", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.snap = schema.SystemResources{
		CPUs:          cpus,
		MemUsedBytes:  vm.Used,
		MemTotalBytes: vm.Total,
	}
	m.mu.Unlock()
}

// Snapshot returns the most recent sample.
func (m *Monitor) Snapshot() schema.SystemResources {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}
