package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	indexRebuildTotal  *prometheus.CounterVec
	reconcileDuration  *prometheus.HistogramVec
	indexEntries       *prometheus.GaugeVec
	indexState         *prometheus.GaugeVec
	searchTotal        *prometheus.CounterVec
	searchDuration     prometheus.Histogram
	embedDuration      prometheus.Histogram
	ingestBatchesTotal *prometheus.CounterVec
	ingestMessages     prometheus.Counter
	backfillTotal      *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			indexRebuildTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "index_rebuild_total",
					Help: "Total index reconciliations by kind and mode (full, append).",
				},
				[]string{"kind", "mode"},
			),
			reconcileDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "index_reconcile_duration_seconds",
					Help:    "Index reconciliation duration in seconds by kind.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			indexEntries: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "index_entries",
					Help: "Entries currently held in the ready index snapshot by kind.",
				},
				[]string{"kind"},
			),
			indexState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "index_state",
					Help: "Index synchronizer state (0 empty, 1 building, 2 ready, 3 stale).",
				},
				[]string{"kind"},
			),
			searchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "search_total",
					Help: "Total search requests by status.",
				},
				[]string{"status"},
			),
			searchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "search_duration_seconds",
					Help:    "Search request duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			embedDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "embed_duration_seconds",
					Help:    "Embedding call duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			ingestBatchesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ingest_batches_total",
					Help: "Total ingested batches by status.",
				},
				[]string{"status"},
			),
			ingestMessages: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "ingest_messages_total",
					Help: "Total messages accepted by the ingestion boundary.",
				},
			),
			backfillTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "backfill_embedded_total",
					Help: "Total entities embedded by the backfill worker by kind.",
				},
				[]string{"kind"},
			),
		}

		prometheus.MustRegister(
			m.indexRebuildTotal,
			m.reconcileDuration,
			m.indexEntries,
			m.indexState,
			m.searchTotal,
			m.searchDuration,
			m.embedDuration,
			m.ingestBatchesTotal,
			m.ingestMessages,
			m.backfillTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordIndexRebuild(kind, mode string) {
	getMetrics().indexRebuildTotal.WithLabelValues(kind, mode).Inc()
}

func RecordReconcile(kind string, duration time.Duration) {
	getMetrics().reconcileDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func SetIndexEntries(kind string, total int) {
	getMetrics().indexEntries.WithLabelValues(kind).Set(float64(total))
}

func SetIndexState(kind string, state int) {
	getMetrics().indexState.WithLabelValues(kind).Set(float64(state))
}

func RecordSearch(duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.searchTotal.WithLabelValues(status).Inc()
	m.searchDuration.Observe(duration.Seconds())
}

func RecordEmbed(duration time.Duration) {
	getMetrics().embedDuration.Observe(duration.Seconds())
}

func RecordIngestBatch(success bool, messages int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.ingestBatchesTotal.WithLabelValues(status).Inc()
	if success && messages > 0 {
		m.ingestMessages.Add(float64(messages))
	}
}

func RecordBackfill(kind string, count int) {
	if count > 0 {
		getMetrics().backfillTotal.WithLabelValues(kind).Add(float64(count))
	}
}
