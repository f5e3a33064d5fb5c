// Package metrics exposes load-run and data-quality metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dvloznov/finance-warehouse/internal/domain"
	"github.com/dvloznov/finance-warehouse/internal/starschema"
)

const namespace = "finwh"

// Run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the collectors of the loader on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	runs              *prometheus.CounterVec
	runDuration       prometheus.Histogram
	lastSuccess       prometheus.Gauge
	recordsRead       *prometheus.GaugeVec
	rejectedRecords   *prometheus.GaugeVec
	unresolvedKeys    *prometheus.GaugeVec
	uncoveredBudget   prometheus.Gauge
	tableRows         *prometheus.GaugeVec
	tableStageSeconds *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Load runs by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of load runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful load run.",
		}),
		recordsRead: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records_read",
			Help:      "Data rows read by the last run, per source.",
		}, []string{"source"}),
		rejectedRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rejected_records",
			Help:      "Malformed rows rejected by the last run, per source.",
		}, []string{"source"}),
		unresolvedKeys: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unresolved_keys",
			Help:      "Fact rows with a null surrogate key in the last run, per dimension.",
		}, []string{"dimension"}),
		uncoveredBudget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uncovered_budget_lines",
			Help:      "Budget lines of the last run whose month had no calendar rows.",
		}),
		tableRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "table_rows",
			Help:      "Rows written to each warehouse table by the last run.",
		}, []string{"table"}),
		tableStageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "table_stage_duration_seconds",
			Help:      "Duration of each write stage per table.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"table", "stage"}),
	}

	m.registry.MustRegister(
		m.runs,
		m.runDuration,
		m.lastSuccess,
		m.recordsRead,
		m.rejectedRecords,
		m.unresolvedKeys,
		m.uncoveredBudget,
		m.tableRows,
		m.tableStageSeconds,
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRun records the outcome and duration of a run.
func (m *Metrics) ObserveRun(outcome string, d time.Duration, finished time.Time) {
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(d.Seconds())
	if outcome == OutcomeSuccess {
		m.lastSuccess.Set(float64(finished.Unix()))
	}
}

// ObserveReport records the data-quality counters of a transform.
func (m *Metrics) ObserveReport(r *starschema.Report) {
	m.recordsRead.WithLabelValues(domain.SourceTransactions).Set(float64(r.TransactionsRead))
	m.recordsRead.WithLabelValues(domain.SourceBudget).Set(float64(r.BudgetLinesRead))

	for _, source := range []string{domain.SourceTransactions, domain.SourceBudget} {
		m.rejectedRecords.WithLabelValues(source).Set(float64(r.RejectedBySource[source]))
	}

	for _, dim := range []domain.Dimension{domain.DimensionDepartment, domain.DimensionAccount} {
		m.unresolvedKeys.WithLabelValues(string(dim)).Set(float64(r.UnresolvedByDimension[dim]))
	}
	m.uncoveredBudget.Set(float64(r.UncoveredBudgetLines))
}

// ObserveTable records a completed write stage of one table.
func (m *Metrics) ObserveTable(table, stage string, rows int, d time.Duration) {
	m.tableStageSeconds.WithLabelValues(table, stage).Observe(d.Seconds())
	if stage == domain.StageLoad {
		m.tableRows.WithLabelValues(table).Set(float64(rows))
	}
}
