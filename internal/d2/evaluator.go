package d2

import (
	"fmt"
	"time"
)

// Evaluator runs the D2 state machine for one serving/target pair.
// It is not safe for concurrent use; callers own one per pair.
type Evaluator struct {
	cfg   Config
	state State
}

// NewEvaluator validates cfg and returns an idle evaluator.
func NewEvaluator(cfg Config) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{cfg: cfg}, nil
}

// Config returns the thresholds the evaluator was built with.
func (e *Evaluator) Config() Config { return e.cfg }

// State returns a copy of the current state.
func (e *Evaluator) State() State { return e.state }

// Reset returns the evaluator to idle and forgets every timestamp.
func (e *Evaluator) Reset() { e.state = State{} }

// Update applies one observation. Invalid or out-of-order observations are
// rejected and leave the state untouched. Equal timestamps are accepted.
//
// When entering and leaving both hold, entering takes precedence.
func (e *Evaluator) Update(obs Observation) (Result, error) {
	if err := obs.validate(); err != nil {
		return Result{}, err
	}
	if e.state.HasLast && obs.At.Before(e.state.Last.At) {
		return Result{}, fmt.Errorf("%w: %s is before last observation %s",
			ErrStaleObservation, obs.At.Format(time.RFC3339Nano), e.state.Last.At.Format(time.RFC3339Nano))
	}

	s := &e.state
	res := Result{From: s.Phase}
	entering := e.cfg.Entering(obs.Distances)

	switch s.Phase {
	case Idle:
		if entering {
			s.Phase = ConditionPending
			s.PendingSince = obs.At
			e.tryTrigger(obs.At, &res)
		} else {
			s.ClearedAt = obs.At
		}

	case ConditionPending:
		if entering {
			e.tryTrigger(obs.At, &res)
		} else {
			s.Phase = Idle
			s.PendingSince = time.Time{}
			s.ClearedAt = obs.At
		}

	case Triggered:
		if !entering {
			s.ClearedAt = obs.At
		}
		if entering || !e.cfg.Leaving(obs.Distances) {
			s.LeavingSince = time.Time{}
			break
		}
		if s.LeavingSince.IsZero() {
			s.LeavingSince = obs.At
		}
		if obs.At.Sub(s.LeavingSince) >= e.cfg.TimeToTrigger {
			s.Phase = Idle
			s.PendingSince = time.Time{}
			s.LeavingSince = time.Time{}
			res.Cleared = true
		}
	}

	s.Last = obs
	s.HasLast = true
	res.To = s.Phase
	return res, nil
}

func (e *Evaluator) tryTrigger(now time.Time, res *Result) {
	s := &e.state
	if now.Sub(s.PendingSince) < e.cfg.TimeToTrigger {
		return
	}
	s.Phase = Triggered
	s.LeavingSince = time.Time{}
	res.Triggered = true
	res.Window = &Window{
		Start:     s.PendingSince,
		End:       now,
		ClearedAt: s.ClearedAt,
	}
}
