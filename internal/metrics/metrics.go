// Package metrics exposes engine counters to Prometheus.
//
// A nil *Metrics is valid and records nothing, so the engine can be used
// without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mdns"

// Metrics holds the engine's collectors.
type Metrics struct {
	PacketsReceived   *prometheus.CounterVec
	PacketsSent       *prometheus.CounterVec
	MalformedPackets  prometheus.Counter
	DroppedResponses  prometheus.Counter
	SendErrors        prometheus.Counter
	CacheRecords      prometheus.Gauge
	Questions         prometheus.Gauge
	AuthRecords       *prometheus.GaugeVec
	Conflicts         *prometheus.CounterVec
	ProbeSuppressions prometheus.Counter
}

// New registers the collectors with reg. A nil reg uses a private registry,
// which keeps tests from colliding on the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		PacketsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets received, by kind.",
		}, []string{"kind"}),
		PacketsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Packets sent, by kind.",
		}, []string{"kind"}),
		MalformedPackets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_packets_total",
			Help:      "Packets that failed to decode completely.",
		}),
		DroppedResponses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_responses_total",
			Help:      "Unsolicited unicast or wrong-port responses discarded.",
		}),
		SendErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Packets the transport failed to send.",
		}),
		CacheRecords: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_records",
			Help:      "Records held in the cache.",
		}),
		Questions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "questions",
			Help:      "Active questions.",
		}),
		AuthRecords: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "auth_records",
			Help:      "Authoritative records, by state.",
		}, []string{"state"}),
		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Name conflicts, by kind (probe, response, late).",
		}, []string{"kind"}),
		ProbeSuppressions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_suppressions_total",
			Help:      "Times probing was globally suppressed after repeated failures.",
		}),
	}
}

// Received counts an inbound packet.
func (m *Metrics) Received(kind string) {
	if m != nil {
		m.PacketsReceived.WithLabelValues(kind).Inc()
	}
}

// Sent counts an outbound packet.
func (m *Metrics) Sent(kind string) {
	if m != nil {
		m.PacketsSent.WithLabelValues(kind).Inc()
	}
}

// Malformed counts a packet that failed to decode.
func (m *Metrics) Malformed() {
	if m != nil {
		m.MalformedPackets.Inc()
	}
}

// Dropped counts a discarded response.
func (m *Metrics) Dropped() {
	if m != nil {
		m.DroppedResponses.Inc()
	}
}

// SendFailed counts a transport send error.
func (m *Metrics) SendFailed() {
	if m != nil {
		m.SendErrors.Inc()
	}
}

// Conflict counts a name conflict of the given kind.
func (m *Metrics) Conflict(kind string) {
	if m != nil {
		m.Conflicts.WithLabelValues(kind).Inc()
	}
}

// ProbeSuppressed counts an engagement of the probe rate limiter.
func (m *Metrics) ProbeSuppressed() {
	if m != nil {
		m.ProbeSuppressions.Inc()
	}
}

// Sizes updates the gauges.
func (m *Metrics) Sizes(cacheRecords, questions int, authByState map[string]int) {
	if m == nil {
		return
	}
	m.CacheRecords.Set(float64(cacheRecords))
	m.Questions.Set(float64(questions))
	for state, n := range authByState {
		m.AuthRecords.WithLabelValues(state).Set(float64(n))
	}
}
