// Package telemetry holds the Prometheus instrumentation for the
// answering engine.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of instruments exported on /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	QueriesTotal     *prometheus.CounterVec
	QuerySeconds     *prometheus.HistogramVec
	AnswerConfidence prometheus.Histogram
	Clarifications   prometheus.Counter

	SheetsIngested prometheus.Counter
	IngestErrors   prometheus.Counter
	ChunksIngested prometheus.Counter

	RetrievalHits prometheus.Histogram
}

// New builds a Metrics set on its own registry. The registry also
// carries the standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{
		Registry: reg,
		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tabula",
			Name:      "queries_total",
			Help:      "Answered queries by route.",
		}, []string{"route"}),
		QuerySeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tabula",
			Name:      "query_seconds",
			Help:      "End-to-end query latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"route"}),
		AnswerConfidence: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tabula",
			Name:      "answer_confidence",
			Help:      "Confidence score of delivered answers.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		Clarifications: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tabula",
			Name:      "clarifications_total",
			Help:      "Answers that asked the user to clarify instead of answering.",
		}),
		SheetsIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tabula",
			Name:      "sheets_ingested_total",
			Help:      "Table sheets successfully ingested.",
		}),
		IngestErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tabula",
			Name:      "ingest_errors_total",
			Help:      "Per-sheet ingestion failures.",
		}),
		ChunksIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tabula",
			Name:      "chunks_ingested_total",
			Help:      "Document text chunks indexed.",
		}),
		RetrievalHits: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tabula",
			Name:      "retrieval_hits",
			Help:      "Hits surviving rerank per query.",
			Buckets:   prometheus.LinearBuckets(0, 2, 11),
		}),
	}
	reg.MustRegister(collectorsGo()...)
	return m
}

// RecordRetrieval observes how many hits survived rerank for one query.
func (m *Metrics) RecordRetrieval(hits int) {
	if m == nil {
		return
	}
	m.RetrievalHits.Observe(float64(hits))
}

// RecordAnswer updates the per-answer instruments.
func (m *Metrics) RecordAnswer(route string, seconds, confidence float64, clarification bool) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(route).Inc()
	m.QuerySeconds.WithLabelValues(route).Observe(seconds)
	m.AnswerConfidence.Observe(confidence)
	if clarification {
		m.Clarifications.Inc()
	}
}
