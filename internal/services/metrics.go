package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the pipeline's Prometheus collectors.
type Metrics struct {
	documents       *prometheus.CounterVec
	retries         prometheus.Counter
	escalations     prometheus.Counter
	extractLatency  *prometheus.HistogramVec
	fetchLatency    prometheus.Histogram
	embeddings      *prometheus.CounterVec
	embeddingErrors prometheus.Counter
	pipelineRuns    *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. Tests pass a fresh
// prometheus.NewRegistry(); nil falls back to an unregistered registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		documents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insights_documents_processed_total",
			Help: "Documents processed by outcome",
		}, []string{"status"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "insights_document_retries_total",
			Help: "Document attempts retried after a transient failure",
		}),
		escalations: factory.NewCounter(prometheus.CounterOpts{
			Name: "insights_extraction_escalations_total",
			Help: "Extractions re-run on the strong model after a low-confidence result",
		}),
		extractLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "insights_extraction_duration_seconds",
			Help:    "Time spent in one extraction model call",
			Buckets: []float64{1, 2.5, 5, 10, 20, 40, 80, 120},
		}, []string{"model"}),
		fetchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "insights_fetch_duration_seconds",
			Help:    "Time spent downloading one PDF including retries",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		embeddings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insights_embeddings_written_total",
			Help: "Embedding rows written by chunk type",
		}, []string{"chunk_type"}),
		embeddingErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "insights_embedding_errors_total",
			Help: "Embedding failures that were logged and swallowed",
		}),
		pipelineRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insights_pipeline_runs_total",
			Help: "Pipeline runs by name and final status",
		}, []string{"pipeline", "status"}),
	}
}
