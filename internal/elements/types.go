package elements

import (
	"errors"
	"time"

	"github.com/star/handover/internal/tle"
)

// ErrNotFound is returned when no snapshot can answer a request.
var ErrNotFound = errors.New("no element snapshot available")

// Snapshot is one constellation's parsed records at a fetch instant.
// A Snapshot is never modified after Put; newer snapshots supersede it.
// Snapshots returned by the cache are shared with every reader and must be
// treated as read-only, including Records.
type Snapshot struct {
	Constellation string       `json:"constellation"`
	FetchedAt     time.Time    `json:"fetched_at"`
	Records       []tle.Record `json:"records"`
}

// Record returns the record for a catalog number, if present.
func (s *Snapshot) Record(noradID int) (tle.Record, bool) {
	for i := range s.Records {
		if s.Records[i].NORADID == noradID {
			return s.Records[i], true
		}
	}
	return tle.Record{}, false
}

// Quality describes how well a snapshot matches the requested instant.
type Quality string

const (
	QualityExact        Quality = "exact"
	QualityInterpolated Quality = "interpolated"
	QualityStale        Quality = "stale"
)

// Sample is the answer to a point-in-time lookup.
type Sample struct {
	Constellation string
	Instant       time.Time
	Snapshot      *Snapshot
	Quality       Quality
	Gap           time.Duration // Instant minus Snapshot.FetchedAt
}

// Config controls freshness and retention.
type Config struct {
	// TTL bounds how old the newest snapshot may be for GetLatest.
	TTL time.Duration
	// StaleAfter is the gap beyond which GetAt tags a sample as stale.
	StaleAfter time.Duration
	// MaxSnapshots caps retained history per constellation. Zero keeps everything.
	MaxSnapshots int
}

// DefaultConfig returns a 24 hour TTL and stale threshold with unbounded history.
func DefaultConfig() Config {
	return Config{
		TTL:        24 * time.Hour,
		StaleAfter: 24 * time.Hour,
	}
}

// Stats are cumulative lookup counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Snapshots int   `json:"snapshots"`
}
