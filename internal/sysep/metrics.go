package sysep

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus instrumentation for an Engine. Pass a non-nil
// *Metrics to NewEngine via WithMetrics to collect it; a nil *Metrics is a
// no-op, the same optional-instrumentation pattern the teacher repo uses for
// its transport client (WithMetrics(m *transport.Metrics)), rebuilt here on
// github.com/prometheus/client_golang instead of a hand-rolled text
// exporter.
type Metrics struct {
	CommandsIssued       prometheus.Counter
	CommandsRetried      *prometheus.CounterVec
	CommandsTimedOut     *prometheus.CounterVec
	CommandsInFlight     prometheus.Gauge
	LastStatusNotified   prometheus.Counter
	EndpointClosedByPeer prometheus.Counter
}

// NewMetrics registers and returns a fresh set of system-endpoint counters
// and gauges on reg. Pass prometheus.DefaultRegisterer to expose them on the
// default /metrics handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cpc_commands_issued_total",
			Help: "Total number of system endpoint commands issued (NOOP, RESET, PROP_VALUE_GET, PROP_VALUE_SET).",
		}),
		CommandsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cpc_commands_retried_total",
			Help: "Total number of system endpoint command retransmissions, by command kind.",
		}, []string{"command"}),
		CommandsTimedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cpc_commands_timed_out_total",
			Help: "Total number of system endpoint commands that exhausted their retry budget, by command kind.",
		}, []string{"command"}),
		CommandsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpc_commands_in_flight",
			Help: "Number of system endpoint commands currently awaiting a final.",
		}),
		LastStatusNotified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cpc_unsolicited_last_status_total",
			Help: "Total number of unsolicited PROP_LAST_STATUS notifications dispatched to observers.",
		}),
		EndpointClosedByPeer: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cpc_unsolicited_endpoint_closed_total",
			Help: "Total number of unsolicited ENDPOINT_STATE closures received from the SECONDARY.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.CommandsIssued,
			m.CommandsRetried,
			m.CommandsTimedOut,
			m.CommandsInFlight,
			m.LastStatusNotified,
			m.EndpointClosedByPeer,
		)
	}
	return m
}
