// Package ingest keeps the element cache fed from remote TLE sources.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/star/handover/internal/elements"
	"github.com/star/handover/internal/metrics"
	"github.com/star/handover/internal/tle"
)

// Refresh outcomes, also used as metric labels.
const (
	OutcomeUpdated  = "updated"
	OutcomeFallback = "fallback"
	OutcomeFailed   = "failed"
)

// Fetcher retrieves raw TLE text.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Source maps a constellation to the URL its elements are fetched from.
type Source struct {
	Constellation string
	URL           string
}

// Result is the outcome of refreshing one constellation.
type Result struct {
	Constellation string
	Outcome       string
	Valid         int
	Invalid       int
	Skipped       int
	FetchedAt     time.Time // of the snapshot now serving the constellation
	Err           error
}

// Refresher fetches, parses and stores element snapshots.
type Refresher struct {
	fetcher Fetcher
	cache   *elements.Cache
	sources []Source
	workers int
	logger  *slog.Logger
	now     func() time.Time
}

// NewRefresher creates a Refresher for the given constellation to URL map.
// Sources are refreshed in constellation name order.
func NewRefresher(fetcher Fetcher, cache *elements.Cache, sources map[string]string, parseWorkers int, logger *slog.Logger) *Refresher {
	list := make([]Source, 0, len(sources))
	for name, url := range sources {
		list = append(list, Source{Constellation: name, URL: url})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Constellation < list[j].Constellation })

	return &Refresher{
		fetcher: fetcher,
		cache:   cache,
		sources: list,
		workers: parseWorkers,
		logger:  logger,
		now:     time.Now,
	}
}

// Sources returns the configured sources.
func (r *Refresher) Sources() []Source {
	return append([]Source(nil), r.sources...)
}

// RefreshAll refreshes every source concurrently. A failing source falls
// back to the newest cached snapshot and never aborts the others, so the
// returned error is only ever a context error.
func (r *Refresher) RefreshAll(ctx context.Context) ([]Result, error) {
	results := make([]Result, len(r.sources))
	g, gctx := errgroup.WithContext(ctx)

	for i, src := range r.sources {
		g.Go(func() error {
			results[i] = r.refresh(gctx, src)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

func (r *Refresher) refresh(ctx context.Context, src Source) Result {
	start := time.Now()
	res := Result{Constellation: src.Constellation}

	snap, batch, err := r.fetchSnapshot(ctx, src)
	if err == nil {
		err = r.cache.Put(ctx, snap)
	}

	if err == nil {
		res.Outcome = OutcomeUpdated
		res.Valid = len(batch.Records) - batch.Invalid()
		res.Invalid = batch.Invalid()
		res.Skipped = len(batch.Warnings)
		res.FetchedAt = snap.FetchedAt
		metrics.RecordParse(src.Constellation, res.Valid, res.Invalid, res.Skipped)

		r.logger.Info("element refresh complete",
			"constellation", src.Constellation,
			"valid", res.Valid,
			"invalid", res.Invalid,
			"skipped", res.Skipped,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	} else {
		res.Err = err
		res.Outcome = OutcomeFailed
		if latest, lerr := r.cache.GetLatest(src.Constellation); lerr == nil {
			res.Outcome = OutcomeFallback
			res.FetchedAt = latest.FetchedAt
		}

		r.logger.Warn("element refresh failed",
			"constellation", src.Constellation,
			"outcome", res.Outcome,
			"serving_fetched_at", formatTime(res.FetchedAt),
			"error", err,
		)
	}

	metrics.RecordRefresh(src.Constellation, res.Outcome, time.Since(start))
	return res
}

func (r *Refresher) fetchSnapshot(ctx context.Context, src Source) (*elements.Snapshot, *tle.Batch, error) {
	fetchedAt := r.now().UTC()
	body, err := r.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		return nil, nil, err
	}

	batch, err := tle.ParseParallel(ctx, bytes.NewReader(body), r.workers, r.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing %s elements: %w", src.Constellation, err)
	}
	if len(batch.Records) == 0 {
		return nil, nil, fmt.Errorf("%s source returned no usable records (%d skipped)", src.Constellation, len(batch.Warnings))
	}

	return &elements.Snapshot{
		Constellation: src.Constellation,
		FetchedAt:     fetchedAt,
		Records:       batch.Records,
	}, batch, nil
}

// Run refreshes immediately and then every interval until ctx is done.
// onRefresh, when non-nil, is called after each round.
func (r *Refresher) Run(ctx context.Context, interval time.Duration, onRefresh func([]Result)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		results, err := r.RefreshAll(ctx)
		if err != nil {
			return
		}
		if onRefresh != nil {
			onRefresh(results)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
