package handover

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/star/handover/internal/blob"
	"github.com/star/handover/internal/d2"
	"github.com/star/handover/internal/elements"
	"github.com/star/handover/internal/propagation"
	"github.com/star/handover/internal/refine"
	"github.com/star/handover/internal/tle"
)

const (
	issLine1 = "1 25544U 98067A   24100.50000000  .00016717  00000-0  10270-3 0  9009"
	issLine2 = "2 25544  51.6400 100.0000 0001000   0.0000   0.0000 15.50000000    01"

	starlinkLine1 = "1 44713U 19074A   24100.50000000  .00001000  00000-0  10000-4 0  9998"
	starlinkLine2 = "2 44713  53.0000 200.0000 0001500  90.0000 270.0000 15.06000000    07"

	serving = 25544
	target  = 44713
)

var (
	testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	fetchedAt  = time.Date(2024, 4, 9, 12, 0, 0, 0, time.UTC)
	scanStart  = time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)
	observer   = propagation.Geodetic{LatDeg: 25.03, LonDeg: 121.56}
	testPair   = Pair{Constellation: "test", Serving: serving, Target: target}
)

type fixture struct {
	cache   *elements.Cache
	catalog *propagation.Catalog
	src     *propagation.RangeSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	input := strings.Join([]string{"ISS", issLine1, issLine2, "STARLINK-1007", starlinkLine1, starlinkLine2}, "\n")
	batch, err := tle.Parse(strings.NewReader(input), testLogger)
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)

	cache := elements.New(blob.NewMemoryStore(), elements.DefaultConfig(), testLogger,
		elements.WithClock(func() time.Time { return scanStart }))
	snap := &elements.Snapshot{Constellation: "test", FetchedAt: fetchedAt, Records: batch.Records}
	require.NoError(t, cache.Put(context.Background(), snap))

	catalog := propagation.NewCatalog(testLogger)
	sp, err := catalog.Propagator(snap, serving)
	require.NoError(t, err)
	tp, err := catalog.Propagator(snap, target)
	require.NoError(t, err)

	return &fixture{
		cache:   cache,
		catalog: catalog,
		src:     propagation.NewRangeSource(sp, tp, observer),
	}
}

func (f *fixture) monitor(opts ...Option) *Monitor {
	return NewMonitor(f.cache, f.catalog, testLogger, opts...)
}

// risingServing finds three consecutive samples with strictly increasing
// serving distance and returns the first instant and a threshold between
// the first two samples.
func (f *fixture) risingServing(t *testing.T, step time.Duration) (time.Time, float64) {
	t.Helper()
	for i := 0; i < 600; i++ {
		t0 := scanStart.Add(time.Duration(i) * step)
		var s [3]float64
		for j := range s {
			d, err := f.src.Distances(t0.Add(time.Duration(j) * step))
			require.NoError(t, err)
			s[j] = d.Serving
		}
		if s[1]-s[0] > 1 && s[2] > s[1] {
			return t0, (s[0] + s[1]) / 2
		}
	}
	t.Fatal("no rising serving distance found")
	return time.Time{}, 0
}

func defaultRefine() refine.Config {
	return refine.Config{TargetPrecision: 100 * time.Millisecond, MaxIterations: 10}
}

func TestScanRefinesServingOnset(t *testing.T) {
	f := newFixture(t)
	step := 10 * time.Second
	start, thresh1 := f.risingServing(t, step)

	req := ScanRequest{
		Pairs:    []Pair{testPair},
		Observer: observer,
		Start:    start,
		End:      start.Add(2 * step),
		Step:     step,
		D2: d2.Config{
			Thresh1:       thresh1,
			Thresh2:       25000,
			TimeToTrigger: 320 * time.Millisecond,
		},
		Refine: defaultRefine(),
	}

	results := f.monitor().Scan(context.Background(), req)
	require.Len(t, results, 1)
	res := results[0]
	require.Empty(t, res.Error)
	assert.Equal(t, 3, res.Observations)
	assert.Equal(t, 2, res.Transitions)
	require.Len(t, res.Events, 1)

	ev := res.Events[0]
	assert.NotEqual(t, uuid.Nil, ev.ID)
	assert.Equal(t, testPair, ev.Pair)
	assert.Equal(t, start, ev.Window.ClearedAt)
	assert.Equal(t, start.Add(step), ev.Window.Start)
	assert.Equal(t, start.Add(2*step), ev.Window.End)

	assert.Equal(t, BoundaryServing, ev.Boundary)
	assert.True(t, ev.Bracketed)
	assert.False(t, ev.Exhausted)
	assert.Equal(t, 1.0, ev.Confidence)
	assert.Len(t, ev.Trials, 7)
	assert.True(t, ev.Trials[len(ev.Trials)-1].PrecisionReached)

	assert.True(t, ev.Onset.After(ev.Window.ClearedAt))
	assert.True(t, ev.Onset.Before(ev.Window.Start))
	assert.Equal(t, ev.Onset.Add(320*time.Millisecond), ev.TriggerAt)

	d, err := f.src.Distances(ev.Onset)
	require.NoError(t, err)
	assert.InDelta(t, thresh1, d.Serving, 1.0)
	assert.NotEmpty(t, ev.Quality)
}

// TestScanUnbracketedOnset verifies a condition already holding at the
// first sample yields an event anchored at that sample with zero confidence.
func TestScanUnbracketedOnset(t *testing.T) {
	f := newFixture(t)
	req := ScanRequest{
		Pairs:    []Pair{testPair},
		Observer: observer,
		Start:    scanStart,
		End:      scanStart.Add(time.Minute),
		Step:     10 * time.Second,
		D2: d2.Config{
			Thresh1:       0,
			Thresh2:       25000,
			TimeToTrigger: 320 * time.Millisecond,
		},
		Refine: defaultRefine(),
	}

	m := f.monitor()
	res := m.Scan(context.Background(), req)[0]
	require.Empty(t, res.Error)
	assert.Equal(t, 7, res.Observations)
	require.Len(t, res.Events, 1, "triggered state stays latched while entering holds")

	ev := res.Events[0]
	assert.Equal(t, BoundaryNone, ev.Boundary)
	assert.False(t, ev.Bracketed)
	assert.Zero(t, ev.Confidence)
	assert.Empty(t, ev.Trials)
	assert.Equal(t, scanStart, ev.Onset)
	assert.Equal(t, scanStart.Add(320*time.Millisecond), ev.TriggerAt)

	recent := m.Recent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, ev.ID, recent[0].ID)
}

func TestScanNeverTriggers(t *testing.T) {
	f := newFixture(t)
	req := ScanRequest{
		Pairs:    []Pair{testPair},
		Observer: observer,
		Start:    scanStart,
		End:      scanStart.Add(5 * time.Minute),
		Step:     30 * time.Second,
		D2:       d2.Config{Thresh1: 30000, Thresh2: 0, TimeToTrigger: time.Second},
		Refine:   defaultRefine(),
	}
	res := f.monitor().Scan(context.Background(), req)[0]
	require.Empty(t, res.Error)
	assert.Equal(t, 11, res.Observations)
	assert.Zero(t, res.Transitions)
	assert.Empty(t, res.Events)
}

// TestScanPairErrorsAreIsolated verifies one failing pair never affects the others.
func TestScanPairErrorsAreIsolated(t *testing.T) {
	f := newFixture(t)
	req := ScanRequest{
		Pairs: []Pair{
			{Constellation: "test", Serving: serving, Target: 99999},
			testPair,
			{Constellation: "missing", Serving: serving, Target: target},
			{Constellation: "test", Serving: serving, Target: serving},
		},
		Observer: observer,
		Start:    scanStart,
		End:      scanStart.Add(time.Minute),
		Step:     10 * time.Second,
		D2:       d2.Config{Thresh1: 0, Thresh2: 25000},
		Refine:   defaultRefine(),
	}

	results := f.monitor(WithConcurrency(2)).Scan(context.Background(), req)
	require.Len(t, results, 4)
	for i, r := range results {
		assert.Equal(t, req.Pairs[i], r.Pair, "results keep request order")
	}
	assert.Contains(t, results[0].Error, "NORAD 99999")
	assert.Empty(t, results[1].Error)
	assert.Len(t, results[1].Events, 1)
	assert.Contains(t, results[2].Error, "no element snapshot available")
	assert.Contains(t, results[3].Error, "serving and target")
}

func TestScanRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t)
	base := ScanRequest{
		Pairs:  []Pair{testPair, testPair},
		Start:  scanStart,
		End:    scanStart.Add(time.Minute),
		Step:   10 * time.Second,
		D2:     d2.Config{Thresh1: 1500, Thresh2: 1200, Hysteresis: 50},
		Refine: defaultRefine(),
	}

	tests := []struct {
		name   string
		mutate func(r *ScanRequest)
		want   string
	}{
		{"zero step", func(r *ScanRequest) { r.Step = 0 }, "step"},
		{"end before start", func(r *ScanRequest) { r.End = r.Start.Add(-time.Second) }, "before start"},
		{"negative hysteresis", func(r *ScanRequest) { r.D2.Hysteresis = -1 }, "hysteresis"},
		{"no precision", func(r *ScanRequest) { r.Refine.TargetPrecision = 0 }, "precision"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			results := f.monitor().Scan(context.Background(), req)
			require.Len(t, results, 2)
			for _, r := range results {
				assert.Contains(t, r.Error, tt.want)
			}
		})
	}
}

func TestScanCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := ScanRequest{
		Pairs:  []Pair{testPair},
		Start:  scanStart,
		End:    scanStart.Add(time.Hour),
		Step:   time.Second,
		D2:     d2.Config{Thresh1: 1500, Thresh2: 1200},
		Refine: defaultRefine(),
	}
	res := f.monitor().Scan(ctx, req)[0]
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, res.Events)
}

func TestScanEmitsSpans(t *testing.T) {
	f := newFixture(t)
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	req := ScanRequest{
		Pairs:  []Pair{testPair, {Constellation: "missing", Serving: 1, Target: 2}},
		Start:  scanStart,
		End:    scanStart.Add(time.Minute),
		Step:   10 * time.Second,
		D2:     d2.Config{Thresh1: 1500, Thresh2: 1200},
		Refine: defaultRefine(),
	}
	f.monitor(WithTracerProvider(tp)).Scan(context.Background(), req)

	names := map[string]int{}
	for _, s := range sr.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 1, names["handover.Scan"])
	assert.Equal(t, 2, names["handover.scanPair"])
}

func TestRecentIsBounded(t *testing.T) {
	m := NewMonitor(nil, nil, testLogger)
	for i := 0; i < maxRecent+10; i++ {
		m.remember([]Event{{ID: uuid.New(), Pair: Pair{Serving: i}}})
	}

	all := m.Recent(0)
	require.Len(t, all, maxRecent)
	assert.Equal(t, 10, all[0].Pair.Serving)
	assert.Equal(t, maxRecent+9, all[len(all)-1].Pair.Serving)

	last := m.Recent(3)
	require.Len(t, last, 3)
	assert.Equal(t, maxRecent+9, last[2].Pair.Serving)
}

type recordingPublisher struct{ batches [][]Event }

func (p *recordingPublisher) Publish(events []Event) { p.batches = append(p.batches, events) }

func TestScanPublishesEvents(t *testing.T) {
	f := newFixture(t)
	pub := &recordingPublisher{}
	m := f.monitor(WithPublisher(pub))

	reversed := Pair{Constellation: "test", Serving: target, Target: serving}
	req := ScanRequest{
		Pairs:  []Pair{testPair, reversed},
		Start:  scanStart,
		End:    scanStart.Add(time.Minute),
		Step:   10 * time.Second,
		D2:     d2.Config{Thresh1: 0, Thresh2: 25000},
		Refine: defaultRefine(),
	}
	m.Scan(context.Background(), req)
	require.Len(t, pub.batches, 1)
	assert.Len(t, pub.batches[0], 2)
	assert.NotEqual(t, pub.batches[0][0].ID, pub.batches[0][1].ID)

	req.D2 = d2.Config{Thresh1: 30000, Thresh2: 0}
	m.Scan(context.Background(), req)
	assert.Len(t, pub.batches, 1, "scans without events publish nothing")
}

// TestScanResumesOverlappingHorizons verifies a second scan over an
// overlapping horizon only evaluates instants the first one did not cover,
// so the trigger edge is reported once.
func TestScanResumesOverlappingHorizons(t *testing.T) {
	f := newFixture(t)
	step := 10 * time.Second
	start, thresh1 := f.risingServing(t, step)

	pub := &recordingPublisher{}
	m := f.monitor(WithPublisher(pub))
	req := ScanRequest{
		Pairs:    []Pair{testPair},
		Observer: observer,
		Start:    start,
		End:      start.Add(2 * step),
		Step:     step,
		D2:       d2.Config{Thresh1: thresh1, Thresh2: 25000, TimeToTrigger: 320 * time.Millisecond},
		Refine:   defaultRefine(),
	}

	first := m.Scan(context.Background(), req)[0]
	require.Empty(t, first.Error)
	assert.Equal(t, 3, first.Observations)
	require.Len(t, first.Events, 1)

	req.End = start.Add(3 * step)
	second := m.Scan(context.Background(), req)[0]
	require.Empty(t, second.Error)
	assert.Equal(t, 1, second.Observations, "only the new instant is evaluated")
	assert.Empty(t, second.Events)

	recent := m.Recent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, first.Events[0].ID, recent[0].ID)
	assert.Len(t, pub.batches, 1)

	// A horizon already fully evaluated is a no-op.
	again := m.Scan(context.Background(), req)[0]
	require.Empty(t, again.Error)
	assert.Zero(t, again.Observations)
	assert.Empty(t, again.Events)
}

// TestScanLatchedConditionReportedOnce verifies a condition that keeps
// holding across scans is not re-reported as a new trigger, and that
// changing the thresholds starts the pair over.
func TestScanLatchedConditionReportedOnce(t *testing.T) {
	f := newFixture(t)
	m := f.monitor()
	req := ScanRequest{
		Pairs:    []Pair{testPair},
		Observer: observer,
		Start:    scanStart,
		End:      scanStart.Add(time.Minute),
		Step:     10 * time.Second,
		D2:       d2.Config{Thresh1: 0, Thresh2: 25000},
		Refine:   defaultRefine(),
	}
	require.Len(t, m.Scan(context.Background(), req)[0].Events, 1)

	req.Start = scanStart.Add(30 * time.Second)
	req.End = scanStart.Add(90 * time.Second)
	res := m.Scan(context.Background(), req)[0]
	require.Empty(t, res.Error)
	assert.Equal(t, 3, res.Observations)
	assert.Empty(t, res.Events)
	assert.Len(t, m.Recent(0), 1)

	req.D2.TimeToTrigger = time.Second
	res = m.Scan(context.Background(), req)[0]
	require.Empty(t, res.Error)
	assert.Equal(t, 7, res.Observations)
	require.Len(t, res.Events, 1)
	assert.Equal(t, req.Start, res.Events[0].Onset)
	assert.Len(t, m.Recent(0), 2)
}
