package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fleetd/fleetd/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubReaders(t *testing.T, diskErr error) {
	t.Helper()
	cpuFn, memFn, diskFn, hostFn := readCPUPercent, readMemory, readDisk, readHost
	t.Cleanup(func() {
		readCPUPercent, readMemory, readDisk, readHost = cpuFn, memFn, diskFn, hostFn
	})

	readCPUPercent = func(context.Context, time.Duration, bool) ([]float64, error) {
		return []float64{42.5}, nil
	}
	readMemory = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 2 << 30, Total: 8 << 30}, nil
	}
	readDisk = func(_ context.Context, path string) (*disk.UsageStat, error) {
		if diskErr != nil {
			return nil, diskErr
		}
		return &disk.UsageStat{Path: path, Used: 10 << 30, Total: 40 << 30}, nil
	}
	readHost = func(context.Context) (*host.InfoStat, error) {
		return &host.InfoStat{Hostname: "node-b", Platform: "ubuntu", Uptime: 3600}, nil
	}
}

func TestMonitor_Snapshot(t *testing.T) {
	stubReaders(t, nil)
	m := NewMonitor("", "/data", func() int { return 3 }, nil, testLogger)

	snap, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "node-b", snap.HostName)
	assert.Equal(t, "ubuntu", snap.Platform)
	assert.Equal(t, uint64(3600), snap.UptimeSeconds)
	assert.Equal(t, 42.5, snap.CPUPercent)
	assert.Equal(t, uint64(2<<30), snap.MemoryUsedBytes)
	assert.Equal(t, uint64(40<<30), snap.DiskTotalBytes)
	assert.Equal(t, int32(3), snap.ActiveTasks)
	assert.Same(t, snap, m.Last())
}

func TestMonitor_PartialSnapshot(t *testing.T) {
	stubReaders(t, errors.New("permission denied"))
	m := NewMonitor("node-a", "/data", nil, nil, testLogger)

	snap, err := m.Snapshot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk /data")
	require.NotNil(t, snap)
	assert.Equal(t, "node-a", snap.HostName, "configured host name wins")
	assert.Equal(t, 42.5, snap.CPUPercent)
	assert.Zero(t, snap.DiskTotalBytes)
}

func TestMonitor_RunUpdatesGauges(t *testing.T) {
	stubReaders(t, nil)
	am := metrics.New().Agent
	m := NewMonitor("node-a", "/", nil, am, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, time.Hour) }()

	require.Eventually(t, func() bool { return m.Last() != nil }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 42.5, testutil.ToFloat64(am.CPUUsage))
	assert.Equal(t, 25.0, testutil.ToFloat64(am.MemoryUsage))
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 0.0, percent(5, 0))
	assert.Equal(t, 50.0, percent(5, 10))
}
