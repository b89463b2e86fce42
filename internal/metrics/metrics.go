package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ingest"

// Pipeline Prometheus metrics. They can be updated before Register is
// called; they are just not exported until then.
var (
	DocumentsFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_fetched_total",
			Help:      "Documents yielded by source plugins",
		},
		[]string{"source"},
	)

	DocumentsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_enqueued_total",
			Help:      "New or changed documents put on the work queue",
		},
		[]string{"source"},
	)

	DocumentsBuffered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "documents_buffered",
			Help:      "Documents held locally while the queue is unavailable",
		},
	)

	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_polls_total",
			Help:      "Source polls by outcome",
		},
		[]string{"source", "status"}, // "ok" / "timeout" / "error" / "skipped"
	)

	DocumentsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_processed_total",
			Help:      "Documents handled by workers by outcome",
		},
		[]string{"outcome"}, // "accepted" / "quarantined" / "retried" / "dead_lettered"
	)

	DocumentsQuarantined = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_quarantined_total",
			Help:      "Quarantined documents by reason",
		},
		[]string{"reason"},
	)

	ExtractionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extraction_duration_seconds",
			Help:      "Model extraction duration including retries",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	ExtractionStrategy = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_parse_strategy_total",
			Help:      "Parse strategy that produced each record",
		},
		[]string{"strategy"},
	)

	ModelTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_tokens_total",
			Help:      "Model tokens consumed",
		},
		[]string{"type"}, // "input" / "output"
	)

	ArtifactsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_published_total",
			Help:      "Artifacts committed to the ledger",
		},
		[]string{"kind", "result"}, // "uploaded" / "deduplicated"
	)

	ArtifactFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_failures_total",
			Help:      "Artifacts that exhausted their retry budget in a flush",
		},
		[]string{"kind"},
	)

	UploadQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upload_queue_depth",
			Help:      "Artifacts waiting for upload",
		},
	)

	PointerUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pointer_updates_total",
			Help:      "Name record updates by status",
		},
		[]string{"status"},
	)

	GraphNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_nodes",
			Help:      "Nodes in the knowledge graph",
		},
	)

	GraphEdges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_edges",
			Help:      "Edges in the knowledge graph",
		},
	)
)

var registerOnce sync.Once

// Register adds the pipeline metrics to reg. Only the first call has an
// effect.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			DocumentsFetched,
			DocumentsEnqueued,
			DocumentsBuffered,
			PollsTotal,
			DocumentsProcessed,
			DocumentsQuarantined,
			ExtractionDuration,
			ExtractionStrategy,
			ModelTokens,
			ArtifactsPublished,
			ArtifactFailures,
			UploadQueueDepth,
			PointerUpdates,
			GraphNodes,
			GraphEdges,
		)
	})
}
