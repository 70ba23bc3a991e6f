// Package elements stores constellation snapshots by fetch time and answers
// latest and point-in-time lookups.
package elements

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/star/handover/internal/blob"
	"github.com/star/handover/internal/metrics"
)

// history is an immutable, FetchedAt-ascending list of snapshots.
type history []*Snapshot

// shard holds one constellation. mu serialises writers only; readers load
// the published history pointer without locking.
type shard struct {
	mu      sync.Mutex
	current atomic.Pointer[history]
}

func (s *shard) load() history {
	if h := s.current.Load(); h != nil {
		return *h
	}
	return nil
}

// Cache is a time-indexed store of constellation snapshots, persisted to a
// blob.Store and served from memory.
type Cache struct {
	store  blob.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	shards sync.Map // constellation -> *shard

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock overrides the wall clock used by GetLatest.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache backed by store. Zero TTL or StaleAfter take the
// 24 hour defaults.
func New(store blob.Store, cfg Config, logger *slog.Logger, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	c := &Cache{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// published returns the history of a constellation without creating a
// shard, so lookups for unknown names hold no memory.
func (c *Cache) published(constellation string) history {
	if s, ok := c.shards.Load(constellation); ok {
		return s.(*shard).load()
	}
	return nil
}

// shard returns the shard for constellation, creating it. Only writers call it.
func (c *Cache) shard(constellation string) *shard {
	if s, ok := c.shards.Load(constellation); ok {
		return s.(*shard)
	}
	s, _ := c.shards.LoadOrStore(constellation, &shard{})
	return s.(*shard)
}

func historyKey(constellation string, at time.Time) string {
	return constellation + "/history/" + strconv.FormatInt(at.UnixNano(), 10)
}

func latestKey(constellation string) string {
	return constellation + "/latest"
}

// Put persists snap and then publishes it. A snapshot with the same
// FetchedAt as an existing one replaces it. Concurrent Puts for one
// constellation are serialised; readers see either the old or the new
// history, never a partial one.
func (c *Cache) Put(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.Constellation == "" {
		return errors.New("snapshot requires a constellation")
	}
	if strings.Contains(snap.Constellation, "/") {
		return fmt.Errorf("invalid constellation name %q", snap.Constellation)
	}
	if snap.FetchedAt.IsZero() {
		return errors.New("snapshot requires a fetch time")
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	s := c.shard(snap.Constellation)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.store.Put(ctx, historyKey(snap.Constellation, snap.FetchedAt), data); err != nil {
		return fmt.Errorf("persisting snapshot history: %w", err)
	}

	old := s.load()
	next := make(history, 0, len(old)+1)
	var replaced *Snapshot
	for _, h := range old {
		if h.FetchedAt.Equal(snap.FetchedAt) {
			next = append(next, snap)
			replaced = h
			continue
		}
		next = append(next, h)
	}
	if replaced == nil {
		next = append(next, snap)
		sort.Slice(next, func(i, j int) bool { return next[i].FetchedAt.Before(next[j].FetchedAt) })
	}

	// Only advance the latest pointer when snap is the newest.
	if next[len(next)-1] == snap {
		if err := c.store.Put(ctx, latestKey(snap.Constellation), data); err != nil {
			c.rollbackHistory(ctx, snap, replaced)
			return fmt.Errorf("persisting latest snapshot: %w", err)
		}
	}

	next = c.evict(ctx, snap.Constellation, next)
	s.current.Store(&next)

	c.logger.Debug("snapshot published",
		"constellation", snap.Constellation,
		"fetched_at", snap.FetchedAt,
		"records", len(snap.Records),
		"history", len(next),
	)
	return nil
}

// rollbackHistory undoes the history write of a Put that was not published.
// The replaced snapshot, if any, is written back under its key.
func (c *Cache) rollbackHistory(ctx context.Context, snap, replaced *Snapshot) {
	ctx = context.WithoutCancel(ctx)
	key := historyKey(snap.Constellation, snap.FetchedAt)

	var err error
	if replaced == nil {
		err = c.store.Delete(ctx, key)
	} else {
		var data []byte
		if data, err = json.Marshal(replaced); err == nil {
			err = c.store.Put(ctx, key, data)
		}
	}
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		c.logger.Warn("failed to roll back snapshot history",
			"constellation", snap.Constellation,
			"key", key,
			"error", err,
		)
	}
}

// evict trims h to MaxSnapshots, deleting the dropped snapshots from the store.
func (c *Cache) evict(ctx context.Context, constellation string, h history) history {
	if c.cfg.MaxSnapshots <= 0 || len(h) <= c.cfg.MaxSnapshots {
		return h
	}
	drop := h[:len(h)-c.cfg.MaxSnapshots]
	for _, old := range drop {
		if err := c.store.Delete(ctx, historyKey(constellation, old.FetchedAt)); err != nil && !errors.Is(err, blob.ErrNotFound) {
			c.logger.Warn("failed to delete evicted snapshot",
				"constellation", constellation,
				"fetched_at", old.FetchedAt,
				"error", err,
			)
		}
	}
	c.evictions.Add(int64(len(drop)))
	metrics.RecordCacheEviction(constellation, len(drop))

	kept := make(history, c.cfg.MaxSnapshots)
	copy(kept, h[len(drop):])
	return kept
}

// GetLatest returns the newest snapshot, or ErrNotFound when there is none
// or it is older than the TTL. Expired snapshots remain available to GetAt.
// The returned snapshot is shared and must not be modified.
func (c *Cache) GetLatest(constellation string) (*Snapshot, error) {
	h := c.published(constellation)
	if len(h) == 0 {
		c.miss("latest")
		return nil, fmt.Errorf("%w: %s has no snapshots", ErrNotFound, constellation)
	}
	latest := h[len(h)-1]
	age := c.now().Sub(latest.FetchedAt)
	metrics.SetSnapshotAge(constellation, age.Seconds())
	if age > c.cfg.TTL {
		c.miss("latest")
		return nil, fmt.Errorf("%w: newest %s snapshot is %s old", ErrNotFound, constellation, age.Round(time.Second))
	}
	c.hit("latest")
	return latest, nil
}

// GetAt resolves the nearest snapshot fetched at or before instant.
func (c *Cache) GetAt(constellation string, instant time.Time) (Sample, error) {
	sample, ok := c.resolve(c.published(constellation), constellation, instant)
	if !ok {
		c.miss("at")
		return Sample{}, fmt.Errorf("%w: %s has no snapshot at or before %s", ErrNotFound, constellation, instant.UTC().Format(time.RFC3339))
	}
	c.hit("at")
	return sample, nil
}

func (c *Cache) resolve(h history, constellation string, instant time.Time) (Sample, bool) {
	idx := sort.Search(len(h), func(i int) bool { return h[i].FetchedAt.After(instant) })
	if idx == 0 {
		return Sample{}, false
	}
	snap := h[idx-1]
	gap := instant.Sub(snap.FetchedAt)

	q := QualityInterpolated
	switch {
	case gap == 0:
		q = QualityExact
	case gap > c.cfg.StaleAfter:
		q = QualityStale
	}
	return Sample{
		Constellation: constellation,
		Instant:       instant,
		Snapshot:      snap,
		Quality:       q,
		Gap:           gap,
	}, true
}

// GetRange samples [start, end] every interval. Instants with no snapshot at
// or before them are skipped. At most maxSamples samples are returned,
// oldest first; maxSamples <= 0 means no cap.
// All samples come from one consistent view of the history.
func (c *Cache) GetRange(constellation string, start, end time.Time, interval time.Duration, maxSamples int) ([]Sample, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("range interval must be positive, got %s", interval)
	}
	if end.Before(start) {
		return nil, nil
	}

	h := c.published(constellation)
	var out []Sample
	for t := start; !t.After(end); t = t.Add(interval) {
		if maxSamples > 0 && len(out) >= maxSamples {
			break
		}
		if s, ok := c.resolve(h, constellation, t); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		c.miss("range")
	} else {
		c.hit("range")
	}
	return out, nil
}

// Load rehydrates a constellation's history from the blob store, replacing
// whatever is in memory. Unreadable entries are logged and skipped.
func (c *Cache) Load(ctx context.Context, constellation string) (int, error) {
	keys, err := c.store.List(ctx, constellation+"/history/")
	if err != nil {
		return 0, fmt.Errorf("listing %s history: %w", constellation, err)
	}

	var h history
	for _, key := range keys {
		data, err := c.store.Get(ctx, key)
		if err != nil {
			c.logger.Warn("skipping unreadable snapshot", "key", key, "error", err)
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			c.logger.Warn("skipping corrupt snapshot", "key", key, "error", err)
			continue
		}
		if snap.Constellation != constellation {
			c.logger.Warn("skipping snapshot filed under wrong constellation", "key", key, "constellation", snap.Constellation)
			continue
		}
		h = append(h, &snap)
	}
	sort.Slice(h, func(i, j int) bool { return h[i].FetchedAt.Before(h[j].FetchedAt) })

	s := c.shard(constellation)
	s.mu.Lock()
	defer s.mu.Unlock()
	h = c.evict(ctx, constellation, h)
	s.current.Store(&h)

	c.logger.Info("element history loaded",
		"constellation", constellation,
		"snapshots", len(h),
	)
	return len(h), nil
}

// Stats returns cumulative counters and the number of retained snapshots.
func (c *Cache) Stats() Stats {
	st := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
	c.shards.Range(func(_, v any) bool {
		st.Snapshots += len(v.(*shard).load())
		return true
	})
	return st
}

func (c *Cache) hit(op string) {
	c.hits.Add(1)
	metrics.RecordCacheLookup(op, true)
}

func (c *Cache) miss(op string) {
	c.misses.Add(1)
	metrics.RecordCacheLookup(op, false)
}
