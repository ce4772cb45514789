// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transport
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_connections_active",
		Help: "The current number of live socket connections on this instance.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_connections_total",
		Help: "The total number of socket connections accepted.",
	})
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_events_received_total",
		Help: "The total number of inbound events, by event name.",
	}, []string{"event"})
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_events_emitted_total",
		Help: "The total number of outbound emissions, by scope.",
	}, []string{"scope"})

	// Presence and usage
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_online_users",
		Help: "The number of online users seen in the last user-list broadcast.",
	})
	ActiveModels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_active_models",
		Help: "The number of models in use seen in the last usage broadcast.",
	})

	// Maintenance
	MaintenanceCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_maintenance_cycles_total",
		Help: "The total number of usage sweep cycles, by result.",
	}, []string{"result"})
	MaintenanceLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_maintenance_leader",
		Help: "1 while this instance holds the maintenance lock.",
	})

	// Coordination
	CoordinationFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_coordination_fallbacks_total",
		Help: "The number of times the shared backend was unreachable at startup.",
	})

	// Dispatch and auth
	DispatchEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_dispatch_events_total",
		Help: "The total number of chat events dispatched to users, by kind.",
	}, []string{"kind"})
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_auth_failures_total",
		Help: "The total number of rejected socket credentials.",
	})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
