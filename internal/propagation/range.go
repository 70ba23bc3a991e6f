package propagation

import (
	"fmt"
	"time"

	"github.com/star/handover/internal/d2"
)

// RangeSource computes D2 reference distances for one serving/target pair
// as seen from a fixed observer. The distance to each satellite's moving
// reference location is the ground distance from the observer to the
// satellite's sub-satellite point.
type RangeSource struct {
	serving  *SGP4Propagator
	target   *SGP4Propagator
	observer Geodetic
}

// NewRangeSource pairs two propagators with an observer location.
func NewRangeSource(serving, target *SGP4Propagator, observer Geodetic) *RangeSource {
	return &RangeSource{serving: serving, target: target, observer: observer}
}

// Distances returns both reference distances in km at t.
// The method value satisfies refine.Predicate.
func (r *RangeSource) Distances(t time.Time) (d2.Distances, error) {
	sp, err := r.serving.SubPoint(t)
	if err != nil {
		return d2.Distances{}, fmt.Errorf("serving: %w", err)
	}
	tp, err := r.target.SubPoint(t)
	if err != nil {
		return d2.Distances{}, fmt.Errorf("target: %w", err)
	}
	return d2.Distances{
		Serving: GroundDistanceKm(r.observer, sp),
		Target:  GroundDistanceKm(r.observer, tp),
	}, nil
}

// Observe returns a timestamped observation at t.
func (r *RangeSource) Observe(t time.Time) (d2.Observation, error) {
	d, err := r.Distances(t)
	if err != nil {
		return d2.Observation{}, err
	}
	return d2.Observation{At: t, Distances: d}, nil
}
