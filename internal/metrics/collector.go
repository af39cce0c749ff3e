// Package metrics exposes prometheus instrumentation for the session
// server. Grounded on dantte-lp-gobfd's bfdmetrics.Collector: a struct of
// GaugeVec/CounterVec fields, a NewCollector(reg) constructor that
// registers everything against a prometheus.Registerer, and small
// Inc/Record helper methods callers reach for instead of touching the
// vectors directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "ipmibmcd"
	subsystem = "session"
)

const (
	labelKind   = "kind"
	labelReason = "reason"
)

// Collector holds every prometheus metric the session server emits.
type Collector struct {
	// ActiveSessions tracks the number of sessions in the session table,
	// whatever their handshake state.
	ActiveSessions prometheus.Gauge

	// SessionsOpened counts Open Session Requests answered.
	SessionsOpened prometheus.Counter

	// RAKPFailures counts handshake failures by kind (UnknownUsername,
	// RAKP3AuthMismatch, RAKP3BadStatus, FramingError); FramingError also
	// counts framing errors on packets outside the handshake.
	RAKPFailures *prometheus.CounterVec

	// PacketsDropped counts post-handshake packets dropped by reason
	// (ReplayedSequence, IntegrityFailure, DecryptFailure).
	PacketsDropped *prometheus.CounterVec

	// SessionsClosed counts sessions leaving the table, labeled by how
	// (SessionSwept, SessionBroken, SessionReplaced). Sessions ended by a
	// Close Session command are not counted.
	SessionsClosed *prometheus.CounterVec
}

// NewCollector builds a Collector and registers it against reg. A nil reg
// registers against prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active",
			Help:      "Number of sessions currently in the session table.",
		}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "opened_total",
			Help:      "Total Open Session Requests answered.",
		}),
		RAKPFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rakp_failures_total",
			Help:      "Total RAKP1/RAKP3 processing failures.",
		}, []string{labelKind}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total active-session packets dropped after the handshake.",
		}, []string{labelReason}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "closed_total",
			Help:      "Total sessions removed from the table, labeled by cause.",
		}, []string{labelReason}),
	}

	reg.MustRegister(
		c.ActiveSessions,
		c.SessionsOpened,
		c.RAKPFailures,
		c.PacketsDropped,
		c.SessionsClosed,
	)

	return c
}

func (c *Collector) IncSessionsOpened() { c.SessionsOpened.Inc() }

func (c *Collector) IncRAKPFailure(kind string) {
	c.RAKPFailures.WithLabelValues(kind).Inc()
}

func (c *Collector) IncPacketsDropped(reason string) {
	c.PacketsDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) IncSessionsClosed(reason string) {
	c.SessionsClosed.WithLabelValues(reason).Inc()
}

// SetActiveSessions sets the active-session gauge to n, called after
// every Table mutation.
func (c *Collector) SetActiveSessions(n int) {
	c.ActiveSessions.Set(float64(n))
}
