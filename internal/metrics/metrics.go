// Package metrics exposes a Prometheus-backed Collector that a Connector
// records into as an optional collaborator, never a required one.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric a Connector can record into. A
// nil *Collector is always valid — every method on it is safe to call on a
// nil receiver and becomes a no-op, so library callers who never wire in
// metrics pay nothing for them.
type Collector struct {
	Registry *prometheus.Registry

	connectAttempts *prometheus.CounterVec
	connectDuration *prometheus.HistogramVec

	authOutcomes *prometheus.CounterVec

	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter

	readyForQueryTotal *prometheus.CounterVec

	notificationsDispatched prometheus.Counter

	stateTransitions *prometheus.CounterVec
}

// New creates and registers every metric against a fresh registry. Safe to
// call more than once — each call produces an independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgcore_connect_attempts_total",
				Help: "Connection attempts by phase and outcome",
			},
			[]string{"phase", "outcome"},
		),
		connectDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgcore_connect_duration_seconds",
				Help:    "Duration of each startup phase",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"phase"},
		),
		authOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgcore_auth_outcomes_total",
				Help: "Authentication outcomes by mechanism",
			},
			[]string{"mechanism", "outcome"},
		),
		bytesRead: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pgcore_bytes_read_total",
				Help: "Total bytes read from the backend",
			},
		),
		bytesWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pgcore_bytes_written_total",
				Help: "Total bytes written to the backend",
			},
		),
		readyForQueryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgcore_ready_for_query_total",
				Help: "ReadyForQuery messages observed, by visibility",
			},
			[]string{"visibility"}, // "user" or "prepended"
		),
		notificationsDispatched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pgcore_notifications_dispatched_total",
				Help: "NotificationResponse messages dispatched to the handler",
			},
		),
		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgcore_state_transitions_total",
				Help: "Connector state transitions",
			},
			[]string{"from", "to"},
		),
	}

	reg.MustRegister(
		c.connectAttempts,
		c.connectDuration,
		c.authOutcomes,
		c.bytesRead,
		c.bytesWritten,
		c.readyForQueryTotal,
		c.notificationsDispatched,
		c.stateTransitions,
	)

	return c
}

// ConnectPhase records one phase of startup (the connector reports
// "connect" for the transport open and "auth" for authentication)
// completing with the given outcome ("ok" or "error") and duration.
func (c *Collector) ConnectPhase(phase, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.connectAttempts.WithLabelValues(phase, outcome).Inc()
	c.connectDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// AuthOutcome records an authentication attempt's result for a mechanism
// (the connector passes auth.Result.Mechanism: "trust", "cleartext", "md5",
// "gss", "sspi", or a SASL mechanism name such as "SCRAM-SHA-256").
func (c *Collector) AuthOutcome(mechanism, outcome string) {
	if c == nil {
		return
	}
	c.authOutcomes.WithLabelValues(mechanism, outcome).Inc()
}

// BytesRead adds n to the cumulative bytes-read counter.
func (c *Collector) BytesRead(n int) {
	if c == nil {
		return
	}
	c.bytesRead.Add(float64(n))
}

// BytesWritten adds n to the cumulative bytes-written counter.
func (c *Collector) BytesWritten(n int) {
	if c == nil {
		return
	}
	c.bytesWritten.Add(float64(n))
}

// ReadyForQuery records one ReadyForQuery, tagged by whether it was
// surfaced to the caller or hidden as part of a prepended-message drain.
func (c *Collector) ReadyForQuery(visibility string) {
	if c == nil {
		return
	}
	c.readyForQueryTotal.WithLabelValues(visibility).Inc()
}

// NotificationDispatched records one NotificationResponse delivered to the
// caller's handler.
func (c *Collector) NotificationDispatched() {
	if c == nil {
		return
	}
	c.notificationsDispatched.Inc()
}

// StateTransition records one Connector state change.
func (c *Collector) StateTransition(from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}
