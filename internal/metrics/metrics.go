package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	RecordsTotal  = "deltaflow_records_total"
	RecordsSkip   = "deltaflow_records_skipped_total"
	DDLEvents     = "deltaflow_ddl_events_total"
	DMLEvents     = "deltaflow_dml_events_total"
	TrackedTables = "deltaflow_tracked_tables"
)

// Metrics counts what the normalizer sees and emits. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	records  *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	ddl      *prometheus.CounterVec
	dml      *prometheus.CounterVec
	tracked  *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: RecordsTotal,
			Help: "Raw change records delivered by the capture engine",
		}, []string{"engine"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: RecordsSkip,
			Help: "Raw change records dropped without emitting an event",
		}, []string{"engine", "reason"}),
		ddl: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: DDLEvents,
			Help: "CREATE_TABLE events emitted",
		}, []string{"engine"}),
		dml: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: DMLEvents,
			Help: "Row change events emitted",
		}, []string{"engine", "op"}),
		tracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: TrackedTables,
			Help: "Tables whose initial schema event has been emitted this session",
		}, []string{"engine"}),
	}

	m.registry.MustRegister(m.records, m.skipped, m.ddl, m.dml, m.tracked)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Record(engine string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(engine).Inc()
}

func (m *Metrics) Skipped(engine, reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(engine, reason).Inc()
}

func (m *Metrics) DDL(engine string) {
	if m == nil {
		return
	}
	m.ddl.WithLabelValues(engine).Inc()
}

func (m *Metrics) DML(engine, op string) {
	if m == nil {
		return
	}
	m.dml.WithLabelValues(engine, op).Inc()
}

func (m *Metrics) Tracked(engine string, tables int) {
	if m == nil {
		return
	}
	m.tracked.WithLabelValues(engine).Set(float64(tables))
}
