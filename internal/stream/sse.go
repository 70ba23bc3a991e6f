// Package stream implements Server-Sent Events (SSE) streaming of handover
// trigger events. Clients connect via GET /api/v1/stream/events and receive
// every event the monitor emits after they connect.
//
// SSE message format:
//
//	data: {"type":"handover_event","event":{...}}\n\n
//
// First message is always metadata:
//
//	data: {"type":"metadata","server_time":"...","replayed":3,"subscribers":1}\n\n
//
// Up to ?replay=N recent events are sent after the metadata. An optional
// ?constellation= filter restricts both replayed and live events.
// Keep-alive comments (:\n\n) are sent every KeepaliveInterval.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/star/handover/internal/handover"
	"github.com/star/handover/internal/metrics"
)

const maxReplay = 256

// Config holds streaming limits.
type Config struct {
	MaxConcurrentPerIP int           // Max concurrent streams per IP (default: 10).
	MaxConcurrent      int           // Global stream cap (default: 1000).
	KeepaliveInterval  time.Duration // Keep-alive ping interval (default: 30s).
}

// History returns recently emitted events, newest last.
type History interface {
	Recent(limit int) []handover.Event
}

// Handler manages SSE streaming connections.
type Handler struct {
	broker  *Broker
	history History
	config  Config
	limiter *streamLimiter
	logger  *slog.Logger
}

// NewHandler creates a new streaming handler.
func NewHandler(broker *Broker, history History, config Config, logger *slog.Logger) *Handler {
	if config.MaxConcurrentPerIP < 1 {
		config.MaxConcurrentPerIP = 10
	}
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = 30 * time.Second
	}
	return &Handler{
		broker:  broker,
		history: history,
		config:  config,
		limiter: newStreamLimiter(config.MaxConcurrentPerIP, config.MaxConcurrent),
		logger:  logger,
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HandleEvents serves the SSE event stream.
// GET /api/v1/stream/events?replay=10&constellation=starlink
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	replay := 0
	if v := r.URL.Query().Get("replay"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > maxReplay {
			writeError(w, http.StatusBadRequest, "invalid replay parameter, must be 0-256")
			return
		}
		replay = n
	}
	constellation := r.URL.Query().Get("constellation")

	// Rate limiting: enforce concurrent stream limits.
	ip := clientIP(r)
	if reason := h.limiter.acquire(ip); reason != "" {
		metrics.IncStreamErrors(reason)
		h.logger.Warn("stream rate limit exceeded",
			"remote_ip", ip,
			"reason", reason,
			"current_count", h.limiter.count(ip),
		)
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusTooManyRequests, "too many concurrent streams")
		return
	}

	metrics.IncStreamConnections("connect")
	metrics.IncStreamsActive()

	startTime := time.Now()
	h.logger.Info("stream connected",
		"remote_ip", ip,
		"user_agent", r.Header.Get("User-Agent"),
		"constellation", constellation,
		"replay", replay,
	)

	// Cleanup on disconnect: release rate limit slot and update metrics.
	defer func() {
		h.limiter.release(ip)
		metrics.IncStreamConnections("disconnect")
		metrics.DecStreamsActive()
		h.logger.Info("stream disconnected",
			"remote_ip", ip,
			"duration_seconds", int(time.Since(startTime).Seconds()),
		)
	}()

	// Verify flusher support (required for SSE).
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before replaying so no event falls between the two.
	events, cancel := h.broker.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Clear the server's default WriteTimeout for this connection.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}

	c := &client{
		w:       w,
		flusher: flusher,
		rc:      rc,
		ip:      ip,
		logger:  h.logger,
	}

	// Jittered retry interval (3-7s) spreads reconnects after a restart.
	fmt.Fprintf(w, "retry: %d\n\n", 3000+rand.Intn(4000))
	flusher.Flush()

	var backlog []handover.Event
	if replay > 0 && h.history != nil {
		backlog = filter(h.history.Recent(0), constellation)
		if len(backlog) > replay {
			backlog = backlog[len(backlog)-replay:]
		}
	}

	meta := metadataMessage{
		Type:        "metadata",
		ServerTime:  time.Now().UTC().Format(time.RFC3339),
		Replayed:    len(backlog),
		Subscribers: h.broker.Subscribers(),
	}
	if err := c.sendJSON(meta); err != nil {
		metrics.IncStreamErrors("send_error")
		h.logger.Warn("stream send error (metadata)", "remote_ip", ip, "error", err)
		return
	}

	sent := make(map[uuid.UUID]struct{}, len(backlog))
	for _, ev := range backlog {
		if err := c.sendJSON(eventMessage{Type: "handover_event", Event: ev}); err != nil {
			metrics.IncStreamErrors("send_error")
			h.logger.Warn("stream send error (replay)", "remote_ip", ip, "error", err)
			return
		}
		sent[ev.ID] = struct{}{}
	}

	keepaliveTicker := time.NewTicker(h.config.KeepaliveInterval)
	defer keepaliveTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			if constellation != "" && ev.Pair.Constellation != constellation {
				continue
			}
			if _, dup := sent[ev.ID]; dup {
				continue
			}
			if err := c.sendJSON(eventMessage{Type: "handover_event", Event: ev}); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream send error", "remote_ip", ip, "error", err)
				return
			}
			keepaliveTicker.Reset(h.config.KeepaliveInterval)

		case <-keepaliveTicker.C:
			if err := c.sendKeepalive(); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream keepalive error", "remote_ip", ip, "error", err)
				return
			}
		}
	}
}

func filter(events []handover.Event, constellation string) []handover.Event {
	if constellation == "" {
		return events
	}
	out := events[:0:0]
	for _, ev := range events {
		if ev.Pair.Constellation == constellation {
			out = append(out, ev)
		}
	}
	return out
}

// SSE message payload types.

type metadataMessage struct {
	Type        string `json:"type"`
	ServerTime  string `json:"server_time"`
	Replayed    int    `json:"replayed"`
	Subscribers int    `json:"subscribers"`
}

type eventMessage struct {
	Type  string         `json:"type"`
	Event handover.Event `json:"event"`
}
