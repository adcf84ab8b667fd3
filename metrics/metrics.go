package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the observability sink for the sync engine. A nil *Metrics is
// valid everywhere and records nothing, so tests can pass nil.
type Metrics struct {
	Connects          prometheus.Counter
	HandshakeFailures prometheus.Counter
	Joins             prometheus.Counter
	Publishes         *prometheus.CounterVec
	ParseErrors       prometheus.Counter
	ParseAnomalies    prometheus.Counter
	DuplicatesDropped prometheus.Counter
	Reconciled        prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connects: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_connects_total",
			Help: "Completed websocket handshakes.",
		}),
		HandshakeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_handshake_failures_total",
			Help: "Connect attempts that failed before CONNECTED.",
		}),
		Joins: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_room_joins_total",
			Help: "Room subscriptions established.",
		}),
		Publishes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_publishes_total",
			Help: "Outbound publishes by operation.",
		}, []string{"op"}),
		ParseErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_parse_errors_total",
			Help: "Push payloads dropped as unparseable.",
		}),
		ParseAnomalies: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_parse_anomalies_total",
			Help: "Payloads normalized with substituted fields.",
		}),
		DuplicatesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_duplicates_dropped_total",
			Help: "Live messages dropped by the processed-id set.",
		}),
		Reconciled: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_optimistic_reconciled_total",
			Help: "Optimistic echoes replaced by server messages.",
		}),
	}
}

func (m *Metrics) IncConnect() {
	if m != nil {
		m.Connects.Inc()
	}
}

func (m *Metrics) IncHandshakeFailure() {
	if m != nil {
		m.HandshakeFailures.Inc()
	}
}

func (m *Metrics) IncJoin() {
	if m != nil {
		m.Joins.Inc()
	}
}

func (m *Metrics) IncPublish(op string) {
	if m != nil {
		m.Publishes.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) IncParseError() {
	if m != nil {
		m.ParseErrors.Inc()
	}
}

func (m *Metrics) IncParseAnomaly() {
	if m != nil {
		m.ParseAnomalies.Inc()
	}
}

func (m *Metrics) IncDuplicateDropped() {
	if m != nil {
		m.DuplicatesDropped.Inc()
	}
}

func (m *Metrics) IncReconciled() {
	if m != nil {
		m.Reconciled.Inc()
	}
}

// Handler returns an http.Handler for Prometheus scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
