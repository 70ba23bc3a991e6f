// Package d2 evaluates the distance-based handover event: the serving
// satellite's reference point moving beyond one threshold while the target's
// comes within another, sustained for a time-to-trigger.
package d2

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidObservation rejects negative or non-finite distances.
	ErrInvalidObservation = errors.New("invalid range observation")
	// ErrStaleObservation rejects timestamps earlier than the last applied one.
	ErrStaleObservation = errors.New("stale range observation")
)

// Config holds the event thresholds. Distances are in kilometres.
type Config struct {
	Thresh1       float64 // serving distance must exceed this
	Thresh2       float64 // target distance must fall below this
	Hysteresis    float64
	TimeToTrigger time.Duration
}

// Validate rejects non-finite thresholds and negative hysteresis or TTT.
func (c Config) Validate() error {
	switch {
	case !finite(c.Thresh1) || !finite(c.Thresh2):
		return fmt.Errorf("d2 thresholds must be finite (thresh1=%v, thresh2=%v)", c.Thresh1, c.Thresh2)
	case !finite(c.Hysteresis) || c.Hysteresis < 0:
		return fmt.Errorf("d2 hysteresis must be non-negative, got %v", c.Hysteresis)
	case c.TimeToTrigger < 0:
		return fmt.Errorf("d2 time-to-trigger must be non-negative, got %s", c.TimeToTrigger)
	}
	return nil
}

// Distances are the two moving reference distances at one instant.
type Distances struct {
	Serving float64 // Ml1
	Target  float64 // Ml2
}

// Observation is one timestamped pair of distances.
type Observation struct {
	At time.Time
	Distances
}

func (o Observation) validate() error {
	for _, d := range []float64{o.Serving, o.Target} {
		if !finite(d) || d < 0 {
			return fmt.Errorf("%w: distances (%v, %v)", ErrInvalidObservation, o.Serving, o.Target)
		}
	}
	return nil
}

// Entering reports (Ml1 - Hys) > Thresh1 AND (Ml2 + Hys) < Thresh2.
func (c Config) Entering(d Distances) bool {
	return d.Serving-c.Hysteresis > c.Thresh1 && d.Target+c.Hysteresis < c.Thresh2
}

// Leaving reports (Ml1 + Hys) < Thresh1 OR (Ml2 - Hys) > Thresh2.
func (c Config) Leaving(d Distances) bool {
	return d.Serving+c.Hysteresis < c.Thresh1 || d.Target-c.Hysteresis > c.Thresh2
}

// Boundary classifies distances into one side of a threshold.
type Boundary func(Distances) bool

// ServingBoundary is the serving half of the entering condition.
func (c Config) ServingBoundary() Boundary {
	return func(d Distances) bool { return d.Serving-c.Hysteresis > c.Thresh1 }
}

// TargetBoundary is the target half of the entering condition.
func (c Config) TargetBoundary() Boundary {
	return func(d Distances) bool { return d.Target+c.Hysteresis < c.Thresh2 }
}

// EnteringBoundary is the full entering condition.
func (c Config) EnteringBoundary() Boundary {
	return c.Entering
}

// Phase is the evaluator's state machine position.
type Phase int

const (
	Idle Phase = iota
	ConditionPending
	Triggered
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case ConditionPending:
		return "condition_pending"
	case Triggered:
		return "triggered"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a copy of the evaluator's internal state.
type State struct {
	Phase        Phase
	PendingSince time.Time // first observation of the current entering run
	LeavingSince time.Time // first observation of the current leaving run, zero when none
	ClearedAt    time.Time // last observation where entering did not hold
	Last         Observation
	HasLast      bool
}

// Window is the coarse interval that produced a trigger. The condition
// became true somewhere in (ClearedAt, Start] and has held through End.
type Window struct {
	Start     time.Time
	End       time.Time
	ClearedAt time.Time // zero when entering held from the first observation
}

// Result describes the effect of one Update.
type Result struct {
	From, To  Phase
	Triggered bool    // a trigger fired on this observation
	Cleared   bool    // a triggered event was released on this observation
	Window    *Window // set when Triggered
}

// Changed reports whether the phase moved.
func (r Result) Changed() bool { return r.From != r.To }

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
