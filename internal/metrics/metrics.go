// Package metrics registers the turn/stage/upstream-call counters and
// histograms exposed on the separate metrics port (SPEC_FULL.md §4.M).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the gateway's prometheus collectors, constructed once
// at startup and injected into the orchestrator and hub.
type Registry struct {
	reg *prometheus.Registry

	TurnsTotal       *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	UpstreamCalls    *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	ActiveConnections prometheus.Gauge
	ActiveSessions     prometheus.Gauge
}

// New builds a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aquagw_turns_total",
			Help: "Completed pipeline turns, labeled by outcome.",
		}, []string{"outcome"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aquagw_stage_duration_seconds",
			Help:    "Duration of each pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		UpstreamCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aquagw_upstream_calls_total",
			Help: "Upstream calls (llm/expert/weather), labeled by target and outcome.",
		}, []string{"target", "outcome"}),
		UpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aquagw_upstream_duration_seconds",
			Help:    "Duration of upstream calls, labeled by target.",
			Buckets: prometheus.DefBuckets,
		}, []string{"target"}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aquagw_active_connections",
			Help: "Currently open WebSocket connections.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aquagw_active_sessions",
			Help: "Currently bound sessions.",
		}),
	}
}

// Handler returns the HTTP handler to mount on the metrics port.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
