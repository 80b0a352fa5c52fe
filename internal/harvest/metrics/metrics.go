package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the harvest engine.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RecordsUpdated  prometheus.Counter
	EntitiesAdded   *prometheus.CounterVec
	EntitiesRemoved *prometheus.CounterVec
	FailuresTotal   *prometheus.CounterVec
}

// New creates and registers the harvest metrics.
func New() *Metrics {
	return &Metrics{
		RunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kuha_harvest_runs_total",
			Help: "Total number of harvest runs, by result.",
		}, []string{"result"}),
		RecordsUpdated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kuha_harvest_records_updated_total",
			Help: "Total number of records upserted by harvest runs.",
		}),
		EntitiesAdded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kuha_harvest_entities_added_total",
			Help: "Total number of formats and items first seen by a harvest run, by kind.",
		}, []string{"kind"}),
		EntitiesRemoved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kuha_harvest_entities_removed_total",
			Help: "Total number of formats and items marked deleted by a harvest run, by kind.",
		}, []string{"kind"}),
		FailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kuha_harvest_failures_total",
			Help: "Total number of contained per-item failures during harvest runs, by stage.",
		}, []string{"stage"}),
	}
}

// ObserveRun counts one finished run. Result is "ok" or "error".
func (m *Metrics) ObserveRun(result string) {
	m.RunsTotal.WithLabelValues(result).Inc()
}

// ObserveDiff records the add and remove counts of one synchronization
// pass over formats or items.
func (m *Metrics) ObserveDiff(kind string, added, removed int) {
	m.EntitiesAdded.WithLabelValues(kind).Add(float64(added))
	m.EntitiesRemoved.WithLabelValues(kind).Add(float64(removed))
}

// AddRecordsUpdated counts records upserted by one run.
func (m *Metrics) AddRecordsUpdated(n int) {
	m.RecordsUpdated.Add(float64(n))
}

// ObserveFailure counts one contained failure. Stage is "item" for
// change detection and set updates, "record" for disseminations.
func (m *Metrics) ObserveFailure(stage string) {
	m.FailuresTotal.WithLabelValues(stage).Inc()
}
