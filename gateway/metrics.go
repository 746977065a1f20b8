package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus instruments. Pass the same instance
// to the handler and the server.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	SessionsCreated prometheus.Counter
	OpenStreams     prometheus.Gauge
	ActiveSessions  prometheus.GaugeFunc
}

// NewMetrics registers the gateway metrics with reg. sessionCount feeds the
// active-sessions gauge; pass the registry's Len.
func NewMetrics(reg prometheus.Registerer, sessionCount func() int) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamgate",
				Name:      "requests_total",
				Help:      "Requests handled on the session endpoint",
			},
			[]string{"method", "status"},
		),
		SessionsCreated: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "streamgate",
				Name:      "sessions_created_total",
				Help:      "Sessions successfully initialized",
			},
		),
		OpenStreams: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "streamgate",
				Name:      "open_streams",
				Help:      "Long-lived response streams currently attached",
			},
		),
		ActiveSessions: promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "streamgate",
				Name:      "active_sessions",
				Help:      "Sessions currently registered",
			},
			func() float64 { return float64(sessionCount()) },
		),
	}
}
