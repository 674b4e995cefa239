// Package metrics provides Prometheus metrics for the fleetd node agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the agent's private registry. Nothing is registered with the
// global default registry, so several agents can run in one test binary.
type Metrics struct {
	registry *prometheus.Registry
	info     *prometheus.GaugeVec

	Agent *AgentMetrics
}

// New creates a registry with the Go runtime, process and agent collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	info := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetd_agent_info",
			Help: "Constant 1, labelled with the agent version and node id",
		},
		[]string{"version", "node_id"},
	)
	registry.MustRegister(info)

	return &Metrics{
		registry: registry,
		info:     info,
		Agent:    newAgentMetrics(registry),
	}
}

// SetBuildInfo publishes the agent version and node identity.
func (m *Metrics) SetBuildInfo(version, nodeID string) {
	m.info.Reset()
	m.info.WithLabelValues(version, nodeID).Set(1)
}

// Handler serves the registry in the OpenMetrics format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics:   true,
		MaxRequestsInFlight: 10,
	})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
