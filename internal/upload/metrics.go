package upload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the ingestion pipeline.
type Metrics struct {
	ChunksReceived     prometheus.Counter       // ingest_chunks_received_total
	ChunkBytesReceived prometheus.Counter       // ingest_chunk_bytes_received_total
	ChunkFailures      *prometheus.CounterVec   // ingest_chunk_failures_total{reason}
	Commits            *prometheus.CounterVec   // ingest_commits_total{path,result}
	CommittedBytes     prometheus.Counter       // ingest_committed_bytes_total
	CommitDuration     *prometheus.HistogramVec // ingest_commit_duration_seconds{path}
	StagingRemoved     prometheus.Counter       // ingest_staging_removed_total
}

// NewMetrics registers the collectors with registry, or the default
// registerer when registry is nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_chunks_received_total",
			Help: "Chunks staged by the receiver",
		}),
		ChunkBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_chunk_bytes_received_total",
			Help: "Bytes staged by the receiver",
		}),
		ChunkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_chunk_failures_total",
			Help: "Rejected or failed chunk uploads by reason",
		}, []string{"reason"}),
		Commits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_commits_total",
			Help: "Commit attempts by path (chunked, direct) and result",
		}, []string{"path", "result"}),
		CommittedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_committed_bytes_total",
			Help: "Bytes durably stored by successful commits",
		}),
		CommitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_commit_duration_seconds",
			Help:    "Commit duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"path"}),
		StagingRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_staging_removed_total",
			Help: "Idle staged uploads removed by the janitor",
		}),
	}
}

// resultLabel maps an error to the ingest_commits_total result label.
func resultLabel(err error) string {
	if err == nil {
		return "committed"
	}
	status, _ := StatusFor(err)
	switch {
	case status >= 500:
		return "error"
	case status == 409:
		return "conflict"
	default:
		return "rejected"
	}
}
