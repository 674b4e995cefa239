package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	nodev1 "github.com/fleetd/fleetd/api/node/v1"
	"github.com/fleetd/fleetd/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// gopsutil readers, replaced in tests.
var (
	readCPUPercent = cpu.PercentWithContext
	readMemory     = mem.VirtualMemoryWithContext
	readDisk       = disk.UsageWithContext
	readHost       = host.InfoWithContext
)

// Monitor tracks host resource usage. It answers heartbeats with a
// telemetry snapshot and feeds the resource gauges.
type Monitor struct {
	hostName string
	diskPath string
	active   func() int
	metrics  *metrics.AgentMetrics
	logger   zerolog.Logger

	mu   sync.RWMutex
	last *nodev1.Telemetry
}

// NewMonitor creates a Monitor reporting disk usage for diskPath. active
// returns the number of live tasks and may be nil.
func NewMonitor(hostName, diskPath string, active func() int, m *metrics.AgentMetrics, logger zerolog.Logger) *Monitor {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Monitor{
		hostName: hostName,
		diskPath: diskPath,
		active:   active,
		metrics:  m,
		logger:   logger.With().Str("component", "monitor").Logger(),
	}
}

// Snapshot collects current host usage. Readings that fail are left zero and
// reported in the joined error; the snapshot is always returned.
func (m *Monitor) Snapshot(ctx context.Context) (*nodev1.Telemetry, error) {
	t := &nodev1.Telemetry{
		HostName:    m.hostName,
		OS:          runtime.GOOS,
		CPUCores:    int32(runtime.NumCPU()),
		CollectedAt: time.Now().UTC(),
	}
	if m.active != nil {
		t.ActiveTasks = int32(m.active())
	}

	var errs []error

	if info, err := readHost(ctx); err != nil {
		errs = append(errs, fmt.Errorf("host: %w", err))
	} else {
		if t.HostName == "" {
			t.HostName = info.Hostname
		}
		t.Platform = info.Platform
		t.UptimeSeconds = info.Uptime
	}

	// A zero interval compares against the previous call instead of sleeping.
	if pct, err := readCPUPercent(ctx, 0, false); err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	} else if len(pct) > 0 {
		t.CPUPercent = pct[0]
	}

	if vm, err := readMemory(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		t.MemoryUsedBytes = vm.Used
		t.MemoryTotalBytes = vm.Total
	}

	if du, err := readDisk(ctx, m.diskPath); err != nil {
		errs = append(errs, fmt.Errorf("disk %s: %w", m.diskPath, err))
	} else {
		t.DiskUsedBytes = du.Used
		t.DiskTotalBytes = du.Total
	}

	m.mu.Lock()
	m.last = t
	m.mu.Unlock()

	return t, errors.Join(errs...)
}

// Last returns the most recent snapshot, or nil before the first one.
func (m *Monitor) Last() *nodev1.Telemetry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// DefaultResourceCheckInterval is used by Run for a non-positive interval.
const DefaultResourceCheckInterval = 10 * time.Second

// Run refreshes the resource gauges every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultResourceCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.update(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.update(ctx)
		}
	}
}

func (m *Monitor) update(ctx context.Context) {
	t, err := m.Snapshot(ctx)
	if err != nil {
		m.logger.Debug().Err(err).Msg("Resource snapshot incomplete")
	}

	m.metrics.SetCPUUsage(t.CPUPercent)
	m.metrics.SetMemory(t.MemoryUsedBytes, t.MemoryTotalBytes, percent(t.MemoryUsedBytes, t.MemoryTotalBytes))
	m.metrics.SetDisk(t.DiskUsedBytes, t.DiskTotalBytes, percent(t.DiskUsedBytes, t.DiskTotalBytes))
}

func percent(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total) * 100
}
