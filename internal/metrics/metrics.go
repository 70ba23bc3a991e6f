package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "handover"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	tleRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tle_records_total",
			Help:      "Parsed TLE records by outcome (valid, invalid, skipped).",
		},
		[]string{"constellation", "outcome"},
	)

	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Element refresh attempts by outcome (updated, fallback, failed).",
		},
		[]string{"constellation", "outcome"},
	)

	refreshDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Fetch, parse and store duration per constellation.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"constellation"},
	)

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Element cache lookups by operation and result.",
		},
		[]string{"op", "result"},
	)

	cacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Snapshots evicted by retention.",
		},
		[]string{"constellation"},
	)

	snapshotAgeSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_age_seconds",
			Help:      "Age of the newest snapshot at the last latest lookup.",
		},
		[]string{"constellation"},
	)

	propagationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "propagation_duration_seconds",
			Help:      "Batch SGP4 propagation duration.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	propagationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "propagations_total",
			Help:      "Satellite propagations by result.",
		},
		[]string{"result"},
	)

	d2TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "d2_transitions_total",
			Help:      "D2 evaluator phase transitions.",
		},
		[]string{"from", "to"},
	)

	refineIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refine_iterations",
			Help:      "Bisection trials per refinement.",
			Buckets:   prometheus.LinearBuckets(0, 2, 11),
		},
	)

	refineOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refine_outcomes_total",
			Help:      "Refinement outcomes (converged, exhausted, unbracketed).",
		},
		[]string{"outcome"},
	)

	scanDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Handover monitor scan duration.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	handoverEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handover_events_total",
			Help:      "Handover trigger events emitted by scans.",
		},
	)

	streamConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_connections_total",
			Help:      "Event stream connections by event (connect, disconnect).",
		},
		[]string{"event"},
	)

	streamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Currently open event streams.",
		},
	)

	streamMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_messages_total",
			Help:      "SSE data messages sent.",
		},
	)

	streamBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_total",
			Help:      "Bytes written to event streams.",
		},
	)

	streamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Event stream errors by reason.",
		},
		[]string{"reason"},
	)

	streamDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_dropped_events_total",
			Help:      "Events dropped because a subscriber buffer was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpDurationSeconds,
		tleRecordsTotal,
		refreshTotal,
		refreshDurationSeconds,
		cacheLookupsTotal,
		cacheEvictionsTotal,
		snapshotAgeSeconds,
		propagationDurationSeconds,
		propagationsTotal,
		d2TransitionsTotal,
		refineIterations,
		refineOutcomesTotal,
		scanDurationSeconds,
		handoverEventsTotal,
		streamConnectionsTotal,
		streamsActive,
		streamMessagesTotal,
		streamBytesTotal,
		streamErrorsTotal,
		streamDroppedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordParse counts one parsed batch.
func RecordParse(constellation string, valid, invalid, skipped int) {
	tleRecordsTotal.WithLabelValues(constellation, "valid").Add(float64(valid))
	tleRecordsTotal.WithLabelValues(constellation, "invalid").Add(float64(invalid))
	tleRecordsTotal.WithLabelValues(constellation, "skipped").Add(float64(skipped))
}

// RecordRefresh counts one refresh attempt for a constellation.
func RecordRefresh(constellation, outcome string, d time.Duration) {
	refreshTotal.WithLabelValues(constellation, outcome).Inc()
	refreshDurationSeconds.WithLabelValues(constellation).Observe(d.Seconds())
}

// RecordCacheLookup counts one cache lookup.
func RecordCacheLookup(op string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(op, result).Inc()
}

// RecordCacheEviction counts snapshots dropped by retention.
func RecordCacheEviction(constellation string, n int) {
	cacheEvictionsTotal.WithLabelValues(constellation).Add(float64(n))
}

// SetSnapshotAge publishes the age of a constellation's newest snapshot.
func SetSnapshotAge(constellation string, seconds float64) {
	snapshotAgeSeconds.WithLabelValues(constellation).Set(seconds)
}

// RecordPropagation records one batch propagation.
func RecordPropagation(d time.Duration, success, failed int) {
	propagationDurationSeconds.Observe(d.Seconds())
	propagationsTotal.WithLabelValues("ok").Add(float64(success))
	propagationsTotal.WithLabelValues("error").Add(float64(failed))
}

// RecordD2Transition counts one evaluator phase change.
func RecordD2Transition(from, to string) {
	d2TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordRefinement records one refinement run.
func RecordRefinement(trials int, outcome string) {
	refineIterations.Observe(float64(trials))
	refineOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordScan records one monitor scan.
func RecordScan(d time.Duration, events int) {
	scanDurationSeconds.Observe(d.Seconds())
	handoverEventsTotal.Add(float64(events))
}

// IncStreamConnections counts a stream connect or disconnect.
func IncStreamConnections(event string) {
	streamConnectionsTotal.WithLabelValues(event).Inc()
}

// IncStreamsActive increments the open stream gauge.
func IncStreamsActive() { streamsActive.Inc() }

// DecStreamsActive decrements the open stream gauge.
func DecStreamsActive() { streamsActive.Dec() }

// IncStreamMessages counts one SSE data message.
func IncStreamMessages() { streamMessagesTotal.Inc() }

// AddStreamBytes adds n written bytes.
func AddStreamBytes(n int64) { streamBytesTotal.Add(float64(n)) }

// IncStreamErrors counts a stream error by reason.
func IncStreamErrors(reason string) {
	streamErrorsTotal.WithLabelValues(reason).Inc()
}

// IncStreamDropped counts an event dropped for a slow subscriber.
func IncStreamDropped() { streamDroppedTotal.Inc() }

// knownRoutes are the exact paths served by the API.
var knownRoutes = map[string]bool{
	"/healthz":                true,
	"/readyz":                 true,
	"/metrics":                true,
	"/api/v1/cache/stats":     true,
	"/api/v1/handover/events": true,
	"/api/v1/stream/events":   true,
}

// normalizeRoute maps a request path to a bounded label set so scanners and
// per-constellation paths cannot blow up series cardinality.
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	if rest, ok := strings.CutPrefix(path, "/api/v1/elements/"); ok {
		parts := strings.Split(rest, "/")
		if len(parts) == 2 && parts[0] != "" && (parts[1] == "latest" || parts[1] == "at" || parts[1] == "range") {
			return "/api/v1/elements/{constellation}/" + parts[1]
		}
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := normalizeRoute(r.URL.Path)
		httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rw.statusCode)).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
