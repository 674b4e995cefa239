package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AgentMetrics holds all metrics for the node agent. Every recorder method
// is safe to call on a nil *AgentMetrics.
type AgentMetrics struct {
	// Task metrics
	TaskDuration *prometheus.HistogramVec
	TasksTotal   *prometheus.CounterVec
	TasksActive  prometheus.Gauge

	// Inbound event metrics
	EventDuration *prometheus.HistogramVec
	EventsTotal   *prometheus.CounterVec

	// Connection metrics
	ConnectionState    *prometheus.GaugeVec
	ReconnectTotal     *prometheus.CounterVec
	HeartbeatsReceived prometheus.Counter
	WatchdogStale      prometheus.Counter

	// Report metrics
	ReportsSent      *prometheus.CounterVec
	ReportQueueDepth *prometheus.GaugeVec

	// Transfer metrics
	TransfersTotal *prometheus.CounterVec
	TransferBytes  *prometheus.CounterVec

	// Host resource metrics
	CPUUsage    prometheus.Gauge
	MemoryUsage prometheus.Gauge
	DiskUsage   prometheus.Gauge
	MemoryBytes *prometheus.GaugeVec
	DiskBytes   *prometheus.GaugeVec
}

// newAgentMetrics creates and registers all agent metrics.
func newAgentMetrics(registry *prometheus.Registry) *AgentMetrics {
	m := &AgentMetrics{
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fleetd",
				Subsystem: "agent",
				Name:      "task_duration_seconds",
				Help:      "Duration of task execution in seconds.",
				Buckets:   []float64{0.1, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
			},
			[]string{"status", "task_type"},
		),

		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetd",
				Subsystem: "agent",
				Name:      "tasks_total",
				Help:      "Total number of tasks that reached a terminal status.",
			},
			[]string{"status", "task_type"},
		),

		TasksActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetd",
				Subsystem: "agent",
				Name:      "tasks_active",
				Help:      "Number of task bodies currently running.",
			},
		),

		EventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fleetd",
				Subsystem: "agent",
				Name:      "event_duration_seconds",
				Help:      "Duration of inbound event handling in seconds.",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"kind"},
		),

		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetd",
				Subsystem: "agent",
				Name:      "events_total",
				Help:      "Total number of inbound events handled.",
			},
			[]string{"kind", "result"}, // ok, error, panic
		),

		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fleetd",
				Subsystem: "agent",
				Name:      "connection_state",
				Help:      "Current connection state (1=connected, 0=disconnected).",
			},
			[]string{"state"},
		),

		ReconnectTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetd",
				Subsystem: "agent",
				Name:      "reconnects_total",
				Help:      "Total number of session restarts.",
			},
			[]string{"reason"}, // stale, transport
		),

		HeartbeatsReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetd",
				Subsystem: "agent",
				Name:      "heartbeats_received_total",
				Help:      "Total number of heartbeats received from the control plane.",
			},
		),

		WatchdogStale: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetd",
				Subsystem: "agent",
				Name:      "watchdog_stale_total",
				Help:      "Total number of sessions torn down by the heartbeat watchdog.",
			},
		),

		ReportsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetd",
				Subsystem: "agent",
				Name:      "reports_sent_total",
				Help:      "Total number of reports sent to the control plane.",
			},
			[]string{"kind"},
		),

		ReportQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fleetd",
				Subsystem: "agent",
				Name:      "report_queue_depth",
				Help:      "Number of reports waiting to be sent.",
			},
			[]string{"kind"},
		),

		TransfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetd",
				Subsystem: "agent",
				Name:      "transfers_total",
				Help:      "Total number of bulk file transfers.",
			},
			[]string{"direction", "state"},
		),

		TransferBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetd",
				Subsystem: "agent",
				Name:      "transfer_bytes_total",
				Help:      "Total bytes moved by bulk file transfers.",
			},
			[]string{"direction"},
		),

		CPUUsage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetd",
				Subsystem: "agent",
				Name:      "cpu_usage_percent",
				Help:      "Current CPU usage as a percentage (0-100).",
			},
		),

		MemoryUsage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetd",
				Subsystem: "agent",
				Name:      "memory_usage_percent",
				Help:      "Current memory usage as a percentage (0-100).",
			},
		),

		DiskUsage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetd",
				Subsystem: "agent",
				Name:      "disk_usage_percent",
				Help:      "Current disk usage as a percentage (0-100).",
			},
		),

		MemoryBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fleetd",
				Subsystem: "agent",
				Name:      "memory_bytes",
				Help:      "Memory in bytes.",
			},
			[]string{"type"}, // used, total
		),

		DiskBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fleetd",
				Subsystem: "agent",
				Name:      "disk_bytes",
				Help:      "Disk space in bytes.",
			},
			[]string{"type"}, // used, total
		),
	}

	registry.MustRegister(
		m.TaskDuration,
		m.TasksTotal,
		m.TasksActive,
		m.EventDuration,
		m.EventsTotal,
		m.ConnectionState,
		m.ReconnectTotal,
		m.HeartbeatsReceived,
		m.WatchdogStale,
		m.ReportsSent,
		m.ReportQueueDepth,
		m.TransfersTotal,
		m.TransferBytes,
		m.CPUUsage,
		m.MemoryUsage,
		m.DiskUsage,
		m.MemoryBytes,
		m.DiskBytes,
	)

	return m
}

// RecordTaskComplete records a task reaching a terminal status.
func (m *AgentMetrics) RecordTaskComplete(status, taskType string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TaskDuration.WithLabelValues(status, taskType).Observe(durationSeconds)
	m.TasksTotal.WithLabelValues(status, taskType).Inc()
}

// TaskStarted increments the active task gauge.
func (m *AgentMetrics) TaskStarted() {
	if m == nil {
		return
	}
	m.TasksActive.Inc()
}

// TaskStopped decrements the active task gauge.
func (m *AgentMetrics) TaskStopped() {
	if m == nil {
		return
	}
	m.TasksActive.Dec()
}

// RecordEvent records one handled inbound event.
func (m *AgentMetrics) RecordEvent(kind, result string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind, result).Inc()
	m.EventDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// SetConnected sets the connection state to connected.
func (m *AgentMetrics) SetConnected() {
	if m == nil {
		return
	}
	m.ConnectionState.WithLabelValues("connected").Set(1)
	m.ConnectionState.WithLabelValues("disconnected").Set(0)
}

// SetDisconnected sets the connection state to disconnected.
func (m *AgentMetrics) SetDisconnected() {
	if m == nil {
		return
	}
	m.ConnectionState.WithLabelValues("connected").Set(0)
	m.ConnectionState.WithLabelValues("disconnected").Set(1)
}

// RecordReconnect records a session restart.
func (m *AgentMetrics) RecordReconnect(reason string) {
	if m == nil {
		return
	}
	m.ReconnectTotal.WithLabelValues(reason).Inc()
}

// RecordHeartbeat records a heartbeat received from the control plane.
func (m *AgentMetrics) RecordHeartbeat() {
	if m == nil {
		return
	}
	m.HeartbeatsReceived.Inc()
}

// RecordWatchdogStale records a session torn down for lack of heartbeats.
func (m *AgentMetrics) RecordWatchdogStale() {
	if m == nil {
		return
	}
	m.WatchdogStale.Inc()
}

// RecordReportsSent records n reports of the given kind sent.
func (m *AgentMetrics) RecordReportsSent(kind string, n int) {
	if m == nil {
		return
	}
	m.ReportsSent.WithLabelValues(kind).Add(float64(n))
}

// SetReportQueueDepth sets the pending report count for a kind.
func (m *AgentMetrics) SetReportQueueDepth(kind string, depth int) {
	if m == nil {
		return
	}
	m.ReportQueueDepth.WithLabelValues(kind).Set(float64(depth))
}

// RecordTransfer records a finished bulk transfer.
func (m *AgentMetrics) RecordTransfer(direction, state string, bytes int64) {
	if m == nil {
		return
	}
	m.TransfersTotal.WithLabelValues(direction, state).Inc()
	m.TransferBytes.WithLabelValues(direction).Add(float64(bytes))
}

// SetCPUUsage sets the current CPU usage percentage.
func (m *AgentMetrics) SetCPUUsage(percent float64) {
	if m == nil {
		return
	}
	m.CPUUsage.Set(percent)
}

// SetMemory sets memory usage in bytes and as a percentage.
func (m *AgentMetrics) SetMemory(used, total uint64, percent float64) {
	if m == nil {
		return
	}
	m.MemoryUsage.Set(percent)
	m.MemoryBytes.WithLabelValues("used").Set(float64(used))
	m.MemoryBytes.WithLabelValues("total").Set(float64(total))
}

// SetDisk sets disk usage in bytes and as a percentage.
func (m *AgentMetrics) SetDisk(used, total uint64, percent float64) {
	if m == nil {
		return
	}
	m.DiskUsage.Set(percent)
	m.DiskBytes.WithLabelValues("used").Set(float64(used))
	m.DiskBytes.WithLabelValues("total").Set(float64(total))
}
