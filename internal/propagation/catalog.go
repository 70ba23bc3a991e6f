package propagation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/star/handover/internal/elements"
)

// propSet holds initialised propagators for one snapshot.
// Immutable after construction; safe for concurrent reads.
type propSet struct {
	props     map[int]*SGP4Propagator
	fetchedAt time.Time
}

// Catalog caches SGP4 propagators per constellation, rebuilding them when a
// newer snapshot is presented.
type Catalog struct {
	logger *slog.Logger
	sets   sync.Map   // constellation -> *propSet
	mu     sync.Mutex // serializes rebuilds
}

// NewCatalog creates an empty Catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	return &Catalog{logger: logger}
}

func (c *Catalog) cached(snap *elements.Snapshot) (*propSet, bool) {
	v, ok := c.sets.Load(snap.Constellation)
	if !ok {
		return nil, false
	}
	set := v.(*propSet)
	return set, set.fetchedAt.Equal(snap.FetchedAt)
}

// Propagators returns initialised propagators for every valid record in
// snap, keyed by catalog number (double-checked locking on rebuild).
func (c *Catalog) Propagators(snap *elements.Snapshot) map[int]*SGP4Propagator {
	if set, ok := c.cached(snap); ok {
		return set.props
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if set, ok := c.cached(snap); ok {
		return set.props
	}

	props := make(map[int]*SGP4Propagator, len(snap.Records))
	var skipped int
	for _, rec := range snap.Records {
		if _, ok := props[rec.NORADID]; ok {
			continue
		}
		if !rec.Valid {
			skipped++
			continue
		}
		sp, err := NewSGP4Propagator(rec)
		if err != nil {
			c.logger.Warn("sgp4 init failed", "norad_id", rec.NORADID, "error", err)
			skipped++
			continue
		}
		props[rec.NORADID] = sp
	}

	c.logger.Info("sgp4 propagator cache rebuilt",
		"constellation", snap.Constellation,
		"cached", len(props),
		"skipped", skipped,
		"snapshot_fetched_at", snap.FetchedAt.UTC().Format(time.RFC3339),
	)
	c.sets.Store(snap.Constellation, &propSet{props: props, fetchedAt: snap.FetchedAt})
	return props
}

// Propagator returns the propagator for one catalog number in snap.
func (c *Catalog) Propagator(snap *elements.Snapshot, noradID int) (*SGP4Propagator, error) {
	p, ok := c.Propagators(snap)[noradID]
	if !ok {
		return nil, fmt.Errorf("NORAD %d not propagatable in %s snapshot %s",
			noradID, snap.Constellation, snap.FetchedAt.UTC().Format(time.RFC3339))
	}
	return p, nil
}
