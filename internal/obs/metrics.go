package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"main/internal/breaker"
	"main/internal/relay"
	"main/internal/supervisor"
)

// Metrics holds the prometheus instruments for the control plane.
type Metrics struct {
	registry *prometheus.Registry

	breakerState    *prometheus.GaugeVec
	breakerFailures *prometheus.GaugeVec
	breakerTrips    *prometheus.CounterVec

	taskUp           *prometheus.GaugeVec
	taskRestarts     *prometheus.GaugeVec
	taskHeartbeatAge *prometheus.GaugeVec

	relayPublished   prometheus.Gauge
	relayForwarded   prometheus.Gauge
	relayDropped     prometheus.Gauge
	relaySubscribers prometheus.Gauge
}

// NewMetrics allocates and registers all instruments on a private
// registry, so tests can build as many instances as they need.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "breaker_state",
			Help: "Circuit breaker state per resource (0=closed, 1=open, 2=half-open)",
		}, []string{"resource"}),
		breakerFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "breaker_consecutive_failures",
			Help: "Consecutive failures per resource",
		}, []string{"resource"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breaker_transitions_total",
			Help: "Breaker state transitions per resource and target state",
		}, []string{"resource", "to"}),
		taskUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "task_up",
			Help: "1 when the task is running",
		}, []string{"task"}),
		taskRestarts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "task_restarts",
			Help: "Restart count per task",
		}, []string{"task"}),
		taskHeartbeatAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "task_heartbeat_age_seconds",
			Help: "Seconds since the task's last heartbeat",
		}, []string{"task"}),
		relayPublished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_messages_published",
			Help: "Messages accepted on relay ingress",
		}),
		relayForwarded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_messages_forwarded",
			Help: "Messages delivered to subscriber queues",
		}),
		relayDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_messages_dropped",
			Help: "Messages dropped on subscriber queue overflow",
		}),
		relaySubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_subscribers",
			Help: "Active subscriber connections",
		}),
	}
	reg.MustRegister(
		m.breakerState, m.breakerFailures, m.breakerTrips,
		m.taskUp, m.taskRestarts, m.taskHeartbeatAge,
		m.relayPublished, m.relayForwarded, m.relayDropped, m.relaySubscribers,
	)
	return m
}

// Registry exposes the prometheus registry for the scrape handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveTransition records a breaker state change. Wire it as the
// breaker registry's OnStateChange hook.
func (m *Metrics) ObserveTransition(resource string, _, to breaker.State) {
	if m == nil {
		return
	}
	m.breakerTrips.WithLabelValues(resource, to.String()).Inc()
}

// RefreshBreakers updates breaker gauges from a registry snapshot.
func (m *Metrics) RefreshBreakers(states []breaker.ResourceState) {
	if m == nil {
		return
	}
	for _, rs := range states {
		m.breakerState.WithLabelValues(rs.Key).Set(stateValue(rs.State))
		m.breakerFailures.WithLabelValues(rs.Key).Set(float64(rs.ConsecutiveFailures))
	}
}

// RefreshTasks updates task gauges from a supervisor snapshot.
func (m *Metrics) RefreshTasks(tasks []supervisor.TaskSnapshot) {
	if m == nil {
		return
	}
	now := time.Now()
	for _, ts := range tasks {
		up := 0.0
		if ts.Status == "running" {
			up = 1.0
		}
		m.taskUp.WithLabelValues(ts.Name).Set(up)
		m.taskRestarts.WithLabelValues(ts.Name).Set(float64(ts.Restarts))
		if !ts.LastHeartbeat.IsZero() {
			m.taskHeartbeatAge.WithLabelValues(ts.Name).Set(now.Sub(ts.LastHeartbeat).Seconds())
		}
	}
}

// RefreshRelay updates relay gauges from a counter snapshot.
func (m *Metrics) RefreshRelay(snap relay.StatsSnapshot) {
	if m == nil {
		return
	}
	m.relayPublished.Set(float64(snap.Published))
	m.relayForwarded.Set(float64(snap.Forwarded))
	m.relayDropped.Set(float64(snap.Dropped))
	m.relaySubscribers.Set(float64(snap.Subscribers))
}

func stateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}
