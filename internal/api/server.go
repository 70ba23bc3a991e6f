// Package api serves probes, metrics and read-only views of the element
// cache and recent handover events.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/star/handover/internal/elements"
	"github.com/star/handover/internal/handover"
	"github.com/star/handover/internal/health"
	"github.com/star/handover/internal/metrics"
	"github.com/star/handover/internal/stream"
)

// ElementSource is the read side of the element cache.
type ElementSource interface {
	GetLatest(constellation string) (*elements.Snapshot, error)
	GetAt(constellation string, instant time.Time) (elements.Sample, error)
	GetRange(constellation string, start, end time.Time, interval time.Duration, maxSamples int) ([]elements.Sample, error)
	Stats() elements.Stats
}

// EventSource exposes recent handover events.
type EventSource interface {
	Recent(limit int) []handover.Event
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a configured HTTP server. ready gates /readyz and
// streams may be nil to disable the SSE endpoint.
func NewServer(addr string, logger *slog.Logger, elems ElementSource, events EventSource, streams *stream.Handler, ready ...health.Check) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           newHandler(logger, elems, events, streams, ready...),
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

func newHandler(logger *slog.Logger, elems ElementSource, events EventSource, streams *stream.Handler, ready ...health.Check) http.Handler {
	mux := http.NewServeMux()

	// Register routes.
	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz(ready...))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/v1/cache/stats", cacheStatsHandler(elems))
	mux.HandleFunc("GET /api/v1/handover/events", eventsHandler(events))
	mux.HandleFunc("GET /api/v1/elements/{constellation}/latest", latestHandler(logger, elems))
	mux.HandleFunc("GET /api/v1/elements/{constellation}/at", atHandler(logger, elems))
	mux.HandleFunc("GET /api/v1/elements/{constellation}/range", rangeHandler(logger, elems))
	if streams != nil {
		mux.HandleFunc("GET /api/v1/stream/events", streams.HandleEvents)
	}

	// Build middleware chain: metrics -> logging -> mux.
	var handler http.Handler = mux
	handler = loggingMiddleware(logger)(handler)
	handler = metrics.Middleware(handler)
	return handler
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// probePath returns true for health/readiness probe paths that should not log at INFO.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			duration := time.Since(start)
			level := slog.LevelInfo
			if probePath(r.URL.Path) {
				level = slog.LevelDebug
			}

			logger.Log(r.Context(), level, "request",
				"component", "api",
				"method", r.Method,
				"path", r.URL.Path,
				"status", strconv.Itoa(sr.statusCode),
				"duration_ms", duration.Milliseconds(),
				"remote_ip", r.RemoteAddr,
			)
		})
	}
}
