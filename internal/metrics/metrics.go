package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nuka_rag"

var (
	// HTTP surface
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"method", "route"},
	)

	// Upstream provider calls
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Upstream provider calls by provider and status code",
		},
		[]string{"provider", "status"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Upstream provider call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	StreamFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Frames relayed downstream",
		},
		[]string{"provider"},
	)

	SynthesizedTerminalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "synthesized_terminal_total",
			Help:      "Terminal frames synthesized because upstream closed without one",
		},
		[]string{"provider"},
	)

	// Retry and embeddings
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Retried attempts by reason",
		},
		[]string{"reason"},
	)

	EmbeddingFallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "fallback_total",
			Help:      "Embeddings replaced by a random fallback vector after exhausting retries",
		},
	)

	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total cache misses",
		},
		[]string{"cache_type"},
	)

	CacheWriteErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "write_errors_total",
			Help:      "Cache writes that failed and were skipped",
		},
		[]string{"cache_type"},
	)

	// Usage recording
	UsageDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "dropped_total",
			Help:      "Usage records dropped because the buffer was full",
		},
	)

	UsageWriteErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "write_errors_total",
			Help:      "Usage records the sink failed to persist",
		},
	)

	// Ingestion
	DocumentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Processed documents by outcome",
		},
		[]string{"status"},
	)

	ChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "chunks_total",
			Help:      "Stored chunks by embedding status",
		},
		[]string{"status"},
	)

	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "Vector search duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"backend"},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records an HTTP request
func RecordRequest(method, route string, status int, durationSec float64) {
	RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(method, route).Observe(durationSec)
}

// RecordDispatch records one upstream call. Status 0 means the request
// never got an HTTP answer.
func RecordDispatch(provider string, status int, durationSec float64) {
	DispatchTotal.WithLabelValues(provider, strconv.Itoa(status)).Inc()
	DispatchDuration.WithLabelValues(provider).Observe(durationSec)
}

func RecordFrame(provider string) {
	StreamFramesTotal.WithLabelValues(provider).Inc()
}

func RecordSynthesizedTerminal(provider string) {
	SynthesizedTerminalTotal.WithLabelValues(provider).Inc()
}

func RecordRetry(rateLimited bool) {
	reason := "error"
	if rateLimited {
		reason = "rate_limit"
	}
	RetryAttemptsTotal.WithLabelValues(reason).Inc()
}

func RecordEmbeddingFallback() {
	EmbeddingFallbackTotal.Inc()
}

// RecordCacheHit records a cache hit
func RecordCacheHit(cacheType string) {
	CacheHitsTotal.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss
func RecordCacheMiss(cacheType string) {
	CacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func RecordCacheWriteError(cacheType string) {
	CacheWriteErrorsTotal.WithLabelValues(cacheType).Inc()
}

func RecordUsageDropped() {
	UsageDroppedTotal.Inc()
}

func RecordUsageWriteError() {
	UsageWriteErrorsTotal.Inc()
}

func RecordDocument(status string) {
	DocumentsTotal.WithLabelValues(status).Inc()
}

func RecordChunk(status string) {
	ChunksTotal.WithLabelValues(status).Inc()
}

func RecordSearch(backend string, durationSec float64) {
	SearchDuration.WithLabelValues(backend).Observe(durationSec)
}
