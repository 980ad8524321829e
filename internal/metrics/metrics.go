// Package metrics holds the Prometheus instruments for recordings, the
// ingestion pipeline, the sink and the control API. All names are prefixed
// with "screenrec_".
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics
var (
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenrec_frames_total",
			Help: "Frames seen by the ingestion pipeline by outcome",
		},
		[]string{"outcome"}, // "forwarded", "dropped", "errored"
	)

	SinkQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "screenrec_sink_queue_depth",
			Help: "Frames waiting to be piped to the encoder",
		},
	)
)

// Recording metrics
var (
	RecordingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenrec_recordings_total",
			Help: "Finished recordings by result",
		},
		[]string{"result"}, // "saved", "failed", "start_failed"
	)

	RecordingActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "screenrec_recording_active",
			Help: "1 while a recording is in progress",
		},
	)

	FinalizeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "screenrec_finalize_duration_seconds",
			Help:    "Time from stop request until the container file is closed",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
)

// Catalog metrics
var (
	CatalogQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenrec_catalog_queries_total",
			Help: "Total number of recording catalog queries",
		},
		[]string{"operation", "status"},
	)

	CatalogQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "screenrec_catalog_query_duration_seconds",
			Help:    "Recording catalog query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenrec_http_requests_total",
			Help: "Total number of control API requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "screenrec_http_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Outcome and result label values.
const (
	OutcomeForwarded = "forwarded"
	OutcomeDropped   = "dropped"
	OutcomeErrored   = "errored"

	ResultSaved       = "saved"
	ResultFailed      = "failed"
	ResultStartFailed = "start_failed"
)

// InitializeMetrics pre-populates label combinations so every series is
// exported at zero before the first recording.
func InitializeMetrics() {
	for _, o := range []string{OutcomeForwarded, OutcomeDropped, OutcomeErrored} {
		FramesTotal.WithLabelValues(o)
	}
	for _, r := range []string{ResultSaved, ResultFailed, ResultStartFailed} {
		RecordingsTotal.WithLabelValues(r)
	}
}
