// Package metrics exposes gateway counters on a dedicated Prometheus
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	SessionsStarted    prometheus.Counter
	TurnsProcessed     prometheus.Counter
	TurnsDroppedPaused prometheus.Counter
	ToolExecutions     *prometheus.CounterVec
	BookingsResumed    *prometheus.CounterVec
	Corrections        prometheus.Counter
	ReportFailures     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxgate_sessions_started_total",
			Help: "Conversations started over WebSocket.",
		}),
		TurnsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxgate_turns_processed_total",
			Help: "Dialogue turns processed.",
		}),
		TurnsDroppedPaused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxgate_turns_dropped_paused_total",
			Help: "Inputs silently dropped while a session was paused.",
		}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxgate_tool_executions_total",
			Help: "Tool executions by tool name and outcome.",
		}, []string{"tool", "status"}),
		BookingsResumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxgate_bookings_resumed_total",
			Help: "Booking resume attempts by delivery path and outcome.",
		}, []string{"path", "outcome"}),
		Corrections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxgate_corrections_total",
			Help: "Supervisor corrections injected into live sessions.",
		}),
		ReportFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxgate_supervision_report_failures_total",
			Help: "Failed outbound supervision report deliveries.",
		}),
	}
	m.registry.MustRegister(
		m.SessionsStarted,
		m.TurnsProcessed,
		m.TurnsDroppedPaused,
		m.ToolExecutions,
		m.BookingsResumed,
		m.Corrections,
		m.ReportFailures,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
