// Package refine locates the instant a D2 boundary is crossed inside a
// coarse window by two-point prediction followed by bisection.
package refine

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/star/handover/internal/d2"
)

// PrecisionTiers are the standard target precisions, finest first.
var PrecisionTiers = []time.Duration{
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
}

// Predicate returns both reference distances at an instant.
// It must be deterministic for a given instant.
type Predicate func(time.Time) (d2.Distances, error)

// Window is the interval to search.
type Window struct {
	Start time.Time
	End   time.Time
}

// Width returns End - Start.
func (w Window) Width() time.Duration { return w.End.Sub(w.Start) }

// Config bounds a refinement run.
type Config struct {
	TargetPrecision time.Duration
	MaxIterations   int
}

// Validate rejects non-positive precision or iteration limits.
func (c Config) Validate() error {
	if c.TargetPrecision <= 0 {
		return fmt.Errorf("target precision must be positive, got %s", c.TargetPrecision)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("max iterations must be at least 1, got %d", c.MaxIterations)
	}
	return nil
}

// IterationsFor returns the number of halvings needed to shrink width to
// precision: ceil(log2(width / precision)).
func IterationsFor(width, precision time.Duration) int {
	if precision <= 0 || width <= precision {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(width) / float64(precision))))
}

// ConfigFor sizes MaxIterations so that width converges to precision.
func ConfigFor(width, precision time.Duration) Config {
	n := IterationsFor(width, precision)
	if n < 1 {
		n = 1
	}
	return Config{TargetPrecision: precision, MaxIterations: n}
}

// Half names the part of the interval kept after a trial.
type Half int

const (
	Lower Half = iota
	Upper
)

func (h Half) String() string {
	if h == Lower {
		return "lower"
	}
	return "upper"
}

// Trial records one bisection step.
type Trial struct {
	Iteration        int // 1-based
	Start, End       time.Time
	Midpoint         time.Time
	Distances        d2.Distances
	Side             bool // boundary value at Midpoint
	Kept             Half
	PrecisionReached bool // kept half is no wider than the target precision
}

// Result is the outcome of Refine.
type Result struct {
	Trials []Trial

	// Bracketed is false when both window endpoints fall on the same side
	// of the boundary; nothing is refined and Confidence is zero.
	Bracketed bool
	// Exhausted is true when MaxIterations ran out before the interval
	// reached the target precision.
	Exhausted bool

	FinalStart   time.Time
	FinalEnd     time.Time
	FinalInstant time.Time // midpoint of [FinalStart, FinalEnd]

	// Confidence is 1 when the target precision was met, precision/width
	// when exhausted and 0 when not bracketed.
	Confidence float64
}

// Width returns the final interval width.
func (r *Result) Width() time.Duration { return r.FinalEnd.Sub(r.FinalStart) }

// Refine runs two-point prediction over w and, when the endpoints straddle
// boundary, bisects until the interval is within cfg.TargetPrecision or
// cfg.MaxIterations trials have run. The kept half at each step depends
// only on the boundary value at the midpoint, so identical inputs always
// produce identical trials.
//
// A predicate error stops the search; the trials so far are returned with it.
func Refine(w Window, predicate Predicate, boundary d2.Boundary, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if predicate == nil || boundary == nil {
		return nil, errors.New("refine requires a predicate and a boundary")
	}
	if !w.End.After(w.Start) {
		return nil, fmt.Errorf("refine window end %s is not after start %s",
			w.End.Format(time.RFC3339Nano), w.Start.Format(time.RFC3339Nano))
	}

	lo, hi := w.Start, w.End
	res := &Result{FinalStart: lo, FinalEnd: hi, FinalInstant: midpoint(lo, hi)}

	startDist, err := predicate(lo)
	if err != nil {
		return res, fmt.Errorf("evaluating window start: %w", err)
	}
	endDist, err := predicate(hi)
	if err != nil {
		return res, fmt.Errorf("evaluating window end: %w", err)
	}

	loSide := boundary(startDist)
	if loSide == boundary(endDist) {
		return res, nil
	}
	res.Bracketed = true

	for hi.Sub(lo) > cfg.TargetPrecision && len(res.Trials) < cfg.MaxIterations {
		mid := midpoint(lo, hi)
		d, err := predicate(mid)
		if err != nil {
			res.FinalStart, res.FinalEnd, res.FinalInstant = lo, hi, midpoint(lo, hi)
			return res, fmt.Errorf("evaluating midpoint %s: %w", mid.Format(time.RFC3339Nano), err)
		}

		trial := Trial{
			Iteration: len(res.Trials) + 1,
			Start:     lo,
			End:       hi,
			Midpoint:  mid,
			Distances: d,
			Side:      boundary(d),
		}
		if trial.Side == loSide {
			lo = mid
			trial.Kept = Upper
		} else {
			hi = mid
			trial.Kept = Lower
		}
		trial.PrecisionReached = hi.Sub(lo) <= cfg.TargetPrecision
		res.Trials = append(res.Trials, trial)
	}

	res.FinalStart, res.FinalEnd, res.FinalInstant = lo, hi, midpoint(lo, hi)
	width := hi.Sub(lo)
	if width > cfg.TargetPrecision {
		res.Exhausted = true
		res.Confidence = float64(cfg.TargetPrecision) / float64(width)
	} else {
		res.Confidence = 1
	}
	return res, nil
}

func midpoint(lo, hi time.Time) time.Time {
	return lo.Add(hi.Sub(lo) / 2)
}
