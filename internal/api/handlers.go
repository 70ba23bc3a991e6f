package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/star/handover/internal/elements"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 256
	maxRangeSamples   = 1000
)

// snapshotSummary describes a snapshot without its full record list.
type snapshotSummary struct {
	Constellation string    `json:"constellation"`
	FetchedAt     time.Time `json:"fetched_at"`
	Records       int       `json:"records"`
	Invalid       int       `json:"invalid"`
	Flagged       int       `json:"flagged"`
}

func summarize(s *elements.Snapshot) snapshotSummary {
	sum := snapshotSummary{
		Constellation: s.Constellation,
		FetchedAt:     s.FetchedAt,
		Records:       len(s.Records),
	}
	for i := range s.Records {
		if !s.Records[i].Valid {
			sum.Invalid++
		}
		if len(s.Records[i].Flags) > 0 {
			sum.Flagged++
		}
	}
	return sum
}

type sampleResponse struct {
	snapshotSummary
	Instant    time.Time        `json:"instant"`
	Quality    elements.Quality `json:"quality"`
	GapSeconds float64          `json:"gap_seconds"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// lookupStatus maps a cache error to an HTTP status.
func lookupStatus(logger *slog.Logger, w http.ResponseWriter, constellation string, err error) {
	if errors.Is(err, elements.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	logger.Error("element lookup failed", "constellation", constellation, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func cacheStatsHandler(elems ElementSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, elems.Stats())
	}
}

func eventsHandler(events EventSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultEventLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxEventLimit {
				writeError(w, http.StatusBadRequest, "limit must be an integer in [1, 256]")
				return
			}
			limit = n
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events.Recent(limit)})
	}
}

func latestHandler(logger *slog.Logger, elems ElementSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		constellation := r.PathValue("constellation")
		snap, err := elems.GetLatest(constellation)
		if err != nil {
			lookupStatus(logger, w, constellation, err)
			return
		}

		if v := r.URL.Query().Get("norad_id"); v != "" {
			id, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "norad_id must be an integer")
				return
			}
			rec, ok := snap.Record(id)
			if !ok {
				writeError(w, http.StatusNotFound, "NORAD "+v+" not in snapshot")
				return
			}
			writeJSON(w, http.StatusOK, rec)
			return
		}

		writeJSON(w, http.StatusOK, summarize(snap))
	}
}

// parseInstant reads a required RFC 3339 query parameter.
func parseInstant(r *http.Request, name string) (time.Time, string) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, name + " is required (RFC 3339)"
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, name + " must be an RFC 3339 timestamp"
	}
	return t, ""
}

func newSampleResponse(s elements.Sample) sampleResponse {
	return sampleResponse{
		snapshotSummary: summarize(s.Snapshot),
		Instant:         s.Instant,
		Quality:         s.Quality,
		GapSeconds:      s.Gap.Seconds(),
	}
}

func atHandler(logger *slog.Logger, elems ElementSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		constellation := r.PathValue("constellation")
		instant, msg := parseInstant(r, "t")
		if msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}

		sample, err := elems.GetAt(constellation, instant)
		if err != nil {
			lookupStatus(logger, w, constellation, err)
			return
		}
		writeJSON(w, http.StatusOK, newSampleResponse(sample))
	}
}

func rangeHandler(logger *slog.Logger, elems ElementSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		constellation := r.PathValue("constellation")
		start, msg := parseInstant(r, "start")
		if msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		end, msg := parseInstant(r, "end")
		if msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		interval, err := time.ParseDuration(r.URL.Query().Get("interval"))
		if err != nil || interval <= 0 {
			writeError(w, http.StatusBadRequest, "interval must be a positive duration")
			return
		}

		samples, err := elems.GetRange(constellation, start, end, interval, maxRangeSamples)
		if err != nil {
			lookupStatus(logger, w, constellation, err)
			return
		}
		out := make([]sampleResponse, 0, len(samples))
		for _, s := range samples {
			out = append(out, newSampleResponse(s))
		}
		writeJSON(w, http.StatusOK, map[string]any{"samples": out})
	}
}
