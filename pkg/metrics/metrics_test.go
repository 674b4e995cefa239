package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m := New()

	require.NotNil(t, m)
	assert.NotNil(t, m.registry)
	assert.NotNil(t, m.Agent)
}

func TestSetBuildInfo(t *testing.T) {
	m := New()
	m.SetBuildInfo("0.1.0", "node-a")
	m.SetBuildInfo("0.1.0", "node-b")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	body := w.Body.String()
	assert.Contains(t, body, `fleetd_agent_info{node_id="node-b",version="0.1.0"} 1`)
	assert.NotContains(t, body, `node_id="node-a"`)
}

func TestMetricsHandler(t *testing.T) {
	m := New()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "go_")
	assert.Contains(t, body, "process_")
}

func TestAgentMetricsRecording(t *testing.T) {
	m := New()

	m.Agent.RecordTaskComplete("Finished", "echo", 0.2)
	m.Agent.TaskStarted()
	m.Agent.TaskStopped()
	m.Agent.RecordEvent("heartbeat", "ok", 0.001)
	m.Agent.SetConnected()
	m.Agent.SetDisconnected()
	m.Agent.RecordReconnect("stale")
	m.Agent.RecordHeartbeat()
	m.Agent.RecordWatchdogStale()
	m.Agent.RecordReportsSent("task", 3)
	m.Agent.SetReportQueueDepth("task", 7)
	m.Agent.RecordTransfer("upload", "completed", 1024)
	m.Agent.SetCPUUsage(50.5)
	m.Agent.SetMemory(512, 1024, 50)
	m.Agent.SetDisk(10, 100, 10)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	body := w.Body.String()
	expected := []string{
		"fleetd_agent_task_duration_seconds",
		"fleetd_agent_tasks_total",
		"fleetd_agent_events_total",
		"fleetd_agent_reconnects_total",
		"fleetd_agent_heartbeats_received_total",
		"fleetd_agent_watchdog_stale_total",
		"fleetd_agent_reports_sent_total",
		"fleetd_agent_report_queue_depth",
		"fleetd_agent_transfer_bytes_total",
		"fleetd_agent_cpu_usage_percent",
		"fleetd_agent_memory_bytes",
	}
	for _, name := range expected {
		assert.True(t, strings.Contains(body, name), "expected metric %s in response", name)
	}
}

func TestNilAgentMetricsIsSafe(t *testing.T) {
	var m *AgentMetrics

	assert.NotPanics(t, func() {
		m.RecordTaskComplete("Failed", "script", 1)
		m.TaskStarted()
		m.TaskStopped()
		m.RecordEvent("task_trigger", "panic", 0)
		m.SetConnected()
		m.RecordReconnect("transport")
		m.RecordHeartbeat()
		m.RecordReportsSent("file_watch", 1)
		m.SetReportQueueDepth("file_watch", 0)
		m.RecordTransfer("download", "failed", 0)
		m.SetDisk(1, 2, 50)
	})
}

func TestMetricsRegistry(t *testing.T) {
	m := New()

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
