// Package handover scans serving/target pairs for D2 handover triggers and
// refines each trigger to a precise instant.
package handover

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/star/handover/internal/d2"
	"github.com/star/handover/internal/elements"
	"github.com/star/handover/internal/metrics"
	"github.com/star/handover/internal/propagation"
	"github.com/star/handover/internal/refine"
)

const instrumentationName = "github.com/star/handover/internal/handover"

// maxRecent bounds the events retained for Recent.
const maxRecent = 256

// SnapshotSource answers point-in-time element lookups.
type SnapshotSource interface {
	GetAt(constellation string, instant time.Time) (elements.Sample, error)
}

// PropagatorSource builds propagators from a snapshot.
type PropagatorSource interface {
	Propagator(snap *elements.Snapshot, noradID int) (*propagation.SGP4Propagator, error)
}

// Publisher receives the events of every scan.
type Publisher interface {
	Publish(events []Event)
}

// pairState carries one pair's evaluator across scans. last is the latest
// instant fed to eval; a new scan resumes one step after it.
type pairState struct {
	mu       sync.Mutex
	eval     *d2.Evaluator
	observer propagation.Geodetic
	last     time.Time
}

// Monitor runs scans. Each pair keeps one evaluator across scans, so
// overlapping horizons never evaluate an instant twice and a trigger is
// reported once. Scan may be called concurrently.
type Monitor struct {
	snapshots   SnapshotSource
	propagators PropagatorSource
	logger      *slog.Logger
	tracer      trace.Tracer
	concurrency int
	publisher   Publisher
	newID       func() uuid.UUID

	pairsMu sync.Mutex
	pairs   map[Pair]*pairState

	mu     sync.Mutex
	recent []Event
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTracerProvider overrides the global otel tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Monitor) { m.tracer = tp.Tracer(instrumentationName) }
}

// WithConcurrency bounds how many pairs run at once. Values below one
// select runtime.NumCPU().
func WithConcurrency(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithPublisher forwards each scan's events to p.
func WithPublisher(p Publisher) Option {
	return func(m *Monitor) { m.publisher = p }
}

// NewMonitor creates a Monitor.
func NewMonitor(snapshots SnapshotSource, propagators PropagatorSource, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		snapshots:   snapshots,
		propagators: propagators,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		concurrency: runtime.NumCPU(),
		newID:       uuid.New,
		pairs:       make(map[Pair]*pairState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (r ScanRequest) validate() error {
	if r.Step <= 0 {
		return fmt.Errorf("scan step must be positive, got %s", r.Step)
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("scan end %s is before start %s",
			r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}
	if err := r.D2.Validate(); err != nil {
		return err
	}
	return r.Refine.Validate()
}

// Scan evaluates every pair over [req.Start, req.End]. Results are in
// request order. Each pair is processed in its own goroutine, bounded by a
// semaphore. Per-pair failures are reported in PairResult.Error and never
// abort the other pairs.
func (m *Monitor) Scan(ctx context.Context, req ScanRequest) []PairResult {
	ctx, span := m.tracer.Start(ctx, "handover.Scan", trace.WithAttributes(
		attribute.Int("pairs", len(req.Pairs)),
		attribute.String("start", req.Start.UTC().Format(time.RFC3339)),
		attribute.String("end", req.End.UTC().Format(time.RFC3339)),
		attribute.Int64("step_ms", req.Step.Milliseconds()),
	))
	defer span.End()

	began := time.Now()
	results := make([]PairResult, len(req.Pairs))

	if err := req.validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid scan request")
		for i, p := range req.Pairs {
			results[i] = PairResult{Pair: p, Error: err.Error()}
		}
		return results
	}

	sem := make(chan struct{}, m.concurrency)
	var wg sync.WaitGroup

	for i, pair := range req.Pairs {
		wg.Add(1)
		go func(idx int, p Pair) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = PairResult{Pair: p, Error: "cancelled"}
				return
			}

			results[idx] = m.scanPair(ctx, req, p)
		}(i, pair)
	}
	wg.Wait()

	var emitted []Event
	for _, r := range results {
		emitted = append(emitted, r.Events...)
	}
	m.remember(emitted)
	if m.publisher != nil && len(emitted) > 0 {
		m.publisher.Publish(emitted)
	}

	events := len(emitted)
	span.SetAttributes(attribute.Int("events", events))
	metrics.RecordScan(time.Since(began), events)

	m.logger.Info("handover scan complete",
		"pairs", len(req.Pairs),
		"events", events,
		"duration_ms", time.Since(began).Milliseconds(),
	)
	return results
}

func (m *Monitor) scanPair(ctx context.Context, req ScanRequest, p Pair) PairResult {
	ctx, span := m.tracer.Start(ctx, "handover.scanPair", trace.WithAttributes(
		attribute.String("constellation", p.Constellation),
		attribute.Int("serving", p.Serving),
		attribute.Int("target", p.Target),
	))
	defer span.End()

	res := PairResult{Pair: p}
	fail := func(err error) PairResult {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("pair scan failed",
			"constellation", p.Constellation,
			"serving", p.Serving,
			"target", p.Target,
			"error", err,
		)
		res.Error = err.Error()
		return res
	}

	src, quality, err := m.rangeSource(req, p)
	if err != nil {
		return fail(err)
	}

	st := m.pairState(p)
	st.mu.Lock()
	defer st.mu.Unlock()

	// A changed threshold set or observer invalidates the carried state.
	if st.eval == nil || st.eval.Config() != req.D2 || st.observer != req.Observer {
		eval, err := d2.NewEvaluator(req.D2)
		if err != nil {
			return fail(err)
		}
		st.eval, st.observer, st.last = eval, req.Observer, time.Time{}
	}
	eval := st.eval

	first := req.Start
	if !st.last.IsZero() && !st.last.Before(first) {
		first = st.last.Add(req.Step)
	}

	for t := first; !t.After(req.End); t = t.Add(req.Step) {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}

		obs, err := src.Observe(t)
		if err != nil {
			return fail(fmt.Errorf("observing at %s: %w", t.UTC().Format(time.RFC3339), err))
		}
		step, err := eval.Update(obs)
		if err != nil {
			return fail(err)
		}
		st.last = t
		res.Observations++

		if step.Changed() {
			res.Transitions++
			metrics.RecordD2Transition(step.From.String(), step.To.String())
		}
		if !step.Triggered {
			continue
		}

		ev, err := m.refineWindow(req, p, src, *step.Window)
		if err != nil {
			return fail(err)
		}
		ev.Quality = quality
		res.Events = append(res.Events, ev)

		m.logger.Info("handover trigger",
			"event_id", ev.ID.String(),
			"constellation", p.Constellation,
			"serving", p.Serving,
			"target", p.Target,
			"trigger_at", ev.TriggerAt.UTC().Format(time.RFC3339Nano),
			"confidence", ev.Confidence,
			"trials", len(ev.Trials),
		)
	}

	span.SetAttributes(
		attribute.Int("observations", res.Observations),
		attribute.Int("events", len(res.Events)),
	)
	return res
}

func (m *Monitor) pairState(p Pair) *pairState {
	m.pairsMu.Lock()
	defer m.pairsMu.Unlock()
	st, ok := m.pairs[p]
	if !ok {
		st = &pairState{}
		m.pairs[p] = st
	}
	return st
}

func (m *Monitor) rangeSource(req ScanRequest, p Pair) (*propagation.RangeSource, elements.Quality, error) {
	if p.Serving == p.Target {
		return nil, "", fmt.Errorf("serving and target are both NORAD %d", p.Serving)
	}
	sample, err := m.snapshots.GetAt(p.Constellation, req.Start)
	if err != nil {
		return nil, "", fmt.Errorf("loading %s elements: %w", p.Constellation, err)
	}
	serving, err := m.propagators.Propagator(sample.Snapshot, p.Serving)
	if err != nil {
		return nil, "", err
	}
	target, err := m.propagators.Propagator(sample.Snapshot, p.Target)
	if err != nil {
		return nil, "", err
	}
	return propagation.NewRangeSource(serving, target, req.Observer), sample.Quality, nil
}

// refineWindow locates the condition onset inside [ClearedAt, Start]: the
// last sample where the condition did not hold and the first where it
// did. The serving edge is tried first; when it is not bracketed the
// combined entering condition is used.
func (m *Monitor) refineWindow(req ScanRequest, p Pair, src *propagation.RangeSource, w d2.Window) (Event, error) {
	ev := Event{
		ID:       m.newID(),
		Pair:     p,
		Window:   w,
		Onset:    w.Start,
		Boundary: BoundaryNone,
	}

	if !w.ClearedAt.IsZero() && w.Start.After(w.ClearedAt) {
		candidates := []struct {
			name     Boundary
			boundary d2.Boundary
		}{
			{BoundaryServing, req.D2.ServingBoundary()},
			{BoundaryEntering, req.D2.EnteringBoundary()},
		}

		bounds := refine.Window{Start: w.ClearedAt, End: w.Start}
		for _, c := range candidates {
			r, err := refine.Refine(bounds, src.Distances, c.boundary, req.Refine)
			if err != nil {
				return Event{}, fmt.Errorf("refining trigger window: %w", err)
			}
			if !r.Bracketed {
				continue
			}
			ev.Boundary = c.name
			ev.Onset = r.FinalInstant
			ev.Confidence = r.Confidence
			ev.Bracketed = true
			ev.Exhausted = r.Exhausted
			ev.Trials = r.Trials
			break
		}
	}

	ev.TriggerAt = ev.Onset.Add(req.D2.TimeToTrigger)
	metrics.RecordRefinement(len(ev.Trials), refinementOutcome(ev))
	return ev, nil
}

func refinementOutcome(ev Event) string {
	switch {
	case !ev.Bracketed:
		return "unbracketed"
	case ev.Exhausted:
		return "exhausted"
	default:
		return "converged"
	}
}

func (m *Monitor) remember(events []Event) {
	if len(events) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append(m.recent, events...)
	if over := len(m.recent) - maxRecent; over > 0 {
		m.recent = append(m.recent[:0:0], m.recent[over:]...)
	}
}

// Recent returns up to limit of the most recent events, newest last.
// A limit of zero or less returns everything retained.
func (m *Monitor) Recent(limit int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	copy(out, m.recent[len(m.recent)-n:])
	return out
}
