// Package metrics exposes Prometheus instrumentation for the query pipeline
// and ingestion workers.
package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rag_queries_total",
	Help: "Total retrieval-augmented queries labelled by surface and outcome",
}, []string{"surface", "outcome"})

var queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "rag_query_duration_seconds",
	Help:    "End-to-end query latency by surface.",
	Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
}, []string{"surface"})

var documentsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "documents_ingested_total",
	Help: "Ingested source documents labelled by origin and outcome",
}, []string{"origin", "outcome"})

var chunksIndexed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chunks_indexed_total",
	Help: "Chunks written to the vector store",
})

var dependencyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "dependency_latency_seconds",
	Help:    "Latency of external service calls.",
	Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
}, []string{"service"})

// QueryTimer tracks one query from start to completion.
type QueryTimer struct {
	surface string
	started time.Time
}

// ObserveQuery begins timing one query on the named surface.
func ObserveQuery(surface string) *QueryTimer {
	return &QueryTimer{surface: surface, started: time.Now()}
}

// Done records the query's outcome and latency.
func (t *QueryTimer) Done(ok bool) {
	if t == nil {
		return
	}
	outcome := "error"
	if ok {
		outcome = "success"
	}
	queriesTotal.WithLabelValues(t.surface, outcome).Inc()
	queryDuration.WithLabelValues(t.surface).Observe(time.Since(t.started).Seconds())
}

// RecordIngestion counts one completed ingestion attempt.
func RecordIngestion(origin string, ok bool) {
	outcome := "error"
	if ok {
		outcome = "success"
	}
	documentsIngested.WithLabelValues(origin, outcome).Inc()
}

// RecordChunksIndexed adds to the indexed-chunk counter.
func RecordChunksIndexed(count int) {
	if count > 0 {
		chunksIndexed.Add(float64(count))
	}
}

// CaptureDependencyLatency records the duration of one external call.
func CaptureDependencyLatency(service string, elapsed time.Duration) {
	dependencyLatency.WithLabelValues(service).Observe(elapsed.Seconds())
}

// RegisterRoutes exposes the Prometheus scrape endpoint.
func RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
