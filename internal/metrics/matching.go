package metrics

import "github.com/prometheus/client_golang/prometheus"

// Index, search and reconciliation Prometheus metrics.
var (
	IndexEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_entries",
			Help:      "Indexed embeddings by model version and state",
		},
		[]string{"model_version", "state"}, // "live" / "tombstoned"
	)

	IndexStaleEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_stale_entries",
			Help:      "Live embeddings produced by a model version other than the current one",
		},
	)

	IndexCorruptRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_corrupt_records_total",
			Help:      "Durable embedding records skipped during recovery",
		},
	)

	IndexOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_operations_total",
			Help:      "Vector store operations by outcome",
		},
		[]string{"op", "status"},
	)

	SearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Similarity search duration in seconds, extraction included",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	SearchClassificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_classifications_total",
			Help:      "Search results by classification",
		},
		[]string{"classification"},
	)

	SearchDegradedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_degraded_total",
			Help:      "Searches answered without candidates because of an index error",
		},
	)

	ProposalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_total",
			Help:      "Proposal state transitions",
		},
		[]string{"state"},
	)

	ConfirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Match confirmations by outcome",
		},
		[]string{"result"}, // "confirmed" / "conflict" / "error"
	)

	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Uploaded photos by embedding status",
		},
		[]string{"status"},
	)

	ReindexEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reindex_entries_total",
			Help:      "Stale entries processed by reindex runs",
		},
		[]string{"status"}, // "replaced" / "skipped" / "failed"
	)
)

var registered bool

// Register registers all application metrics. Must be called once from main.
func Register() {
	if registered {
		return
	}
	prometheus.MustRegister(
		ExtractionRequestsTotal,
		ExtractionRequestDuration,
		ExtractionErrorsTotal,
		ExtractionRetriesTotal,
		ExtractionCacheTotal,
		IndexEntries,
		IndexStaleEntries,
		IndexCorruptRecordsTotal,
		IndexOperationsTotal,
		SearchDuration,
		SearchClassificationsTotal,
		SearchDegradedTotal,
		ProposalsTotal,
		ConfirmationsTotal,
		UploadsTotal,
		ReindexEntriesTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
		HTTPRequestsInFlight,
		HTTPRequestBytes,
	)
	registered = true
}
