package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the OAI-PMH endpoint.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates and registers the endpoint metrics.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kuha_oai_requests_total",
			Help: "Total number of OAI-PMH requests served, by verb.",
		}, []string{"verb"}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kuha_oai_errors_total",
			Help: "Total number of OAI-PMH protocol errors answered, by error code.",
		}, []string{"code"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kuha_oai_request_duration_seconds",
			Help:    "OAI-PMH request duration in seconds, by verb.",
			Buckets: prometheus.DefBuckets,
		}, []string{"verb"}),
	}
}

// ObserveRequest records one served request.
func (m *Metrics) ObserveRequest(verb string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(verb).Inc()
	m.RequestDuration.WithLabelValues(verb).Observe(duration.Seconds())
}

// IncrementErrors counts one protocol error response.
func (m *Metrics) IncrementErrors(code string) {
	m.ErrorsTotal.WithLabelValues(code).Inc()
}
