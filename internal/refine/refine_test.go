package refine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/star/handover/internal/d2"
)

var origin = time.Date(2024, 4, 9, 12, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return origin.Add(time.Duration(sec * float64(time.Second)))
}

// linearServing models a serving distance that grows 10 km/s and passes
// the 800 km threshold at crossing seconds after origin.
func linearServing(crossing float64, calls *int) Predicate {
	return func(t time.Time) (d2.Distances, error) {
		if calls != nil {
			*calls++
		}
		sec := t.Sub(origin).Seconds()
		return d2.Distances{Serving: 800 + 10*(sec-crossing), Target: 400}, nil
	}
}

var serving = d2.Config{Thresh1: 800, Thresh2: 600}.ServingBoundary()

func TestRefineTenSecondWindow(t *testing.T) {
	res, err := Refine(Window{Start: at(0), End: at(10)}, linearServing(6.2, nil), serving,
		Config{TargetPrecision: 100 * time.Millisecond, MaxIterations: 10})
	require.NoError(t, err)

	assert.True(t, res.Bracketed)
	assert.False(t, res.Exhausted)
	assert.Len(t, res.Trials, 7)
	assert.LessOrEqual(t, res.Width(), 100*time.Millisecond)
	assert.Equal(t, 1.0, res.Confidence)

	assert.False(t, res.FinalInstant.Before(at(6.15)))
	assert.False(t, res.FinalInstant.After(at(6.25)))
	assert.Equal(t, at(6.171875), res.FinalStart)
	assert.Equal(t, at(6.25), res.FinalEnd)
	assert.Equal(t, at(6.2109375), res.FinalInstant)

	assert.True(t, res.Trials[len(res.Trials)-1].PrecisionReached)
	for _, tr := range res.Trials[:len(res.Trials)-1] {
		assert.False(t, tr.PrecisionReached)
	}
	assert.Equal(t, Upper, res.Trials[0].Kept, "5s is before the crossing")
	assert.Equal(t, Lower, res.Trials[1].Kept, "7.5s is after the crossing")
}

func TestRefineDeterministic(t *testing.T) {
	cfg := Config{TargetPrecision: 10 * time.Millisecond, MaxIterations: 20}
	w := Window{Start: at(0), End: at(8)}

	a, err := Refine(w, linearServing(3.337, nil), serving, cfg)
	require.NoError(t, err)
	b, err := Refine(w, linearServing(3.337, nil), serving, cfg)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestRefineExhausted(t *testing.T) {
	res, err := Refine(Window{Start: at(0), End: at(10)}, linearServing(6.2, nil), serving,
		Config{TargetPrecision: 10 * time.Millisecond, MaxIterations: 3})
	require.NoError(t, err)

	assert.True(t, res.Exhausted)
	assert.Len(t, res.Trials, 3)
	assert.Equal(t, 1250*time.Millisecond, res.Width())
	assert.InDelta(t, 0.008, res.Confidence, 1e-12)
	assert.False(t, res.FinalStart.After(at(6.2)))
	assert.False(t, res.FinalEnd.Before(at(6.2)))
}

func TestRefineUnbracketed(t *testing.T) {
	var calls int
	res, err := Refine(Window{Start: at(0), End: at(5)}, linearServing(6.2, &calls), serving,
		Config{TargetPrecision: 100 * time.Millisecond, MaxIterations: 10})
	require.NoError(t, err)

	assert.False(t, res.Bracketed)
	assert.Empty(t, res.Trials)
	assert.Zero(t, res.Confidence)
	assert.Equal(t, 2, calls, "only the two endpoints are evaluated")
}

func TestRefineDescendingBoundary(t *testing.T) {
	// Serving distance falls through the threshold: kept halves invert.
	pred := func(t time.Time) (d2.Distances, error) {
		sec := t.Sub(origin).Seconds()
		return d2.Distances{Serving: 800 - 10*(sec-2.5), Target: 400}, nil
	}
	res, err := Refine(Window{Start: at(0), End: at(4)}, pred, serving,
		Config{TargetPrecision: 50 * time.Millisecond, MaxIterations: 10})
	require.NoError(t, err)
	assert.True(t, res.Bracketed)
	assert.False(t, res.FinalStart.After(at(2.5)))
	assert.False(t, res.FinalEnd.Before(at(2.5)))
}

func TestRefinePredicateError(t *testing.T) {
	boom := errors.New("propagation failed")
	calls := 0
	pred := func(t time.Time) (d2.Distances, error) {
		calls++
		if calls == 4 {
			return d2.Distances{}, boom
		}
		return linearServing(6.2, nil)(t)
	}
	res, err := Refine(Window{Start: at(0), End: at(10)}, pred, serving,
		Config{TargetPrecision: 100 * time.Millisecond, MaxIterations: 10})
	require.ErrorIs(t, err, boom)
	require.NotNil(t, res)
	assert.Len(t, res.Trials, 1)
}

func TestRefineRejectsBadInput(t *testing.T) {
	good := Config{TargetPrecision: time.Millisecond, MaxIterations: 5}
	w := Window{Start: at(0), End: at(1)}

	_, err := Refine(w, linearServing(0.5, nil), serving, Config{MaxIterations: 5})
	assert.Error(t, err)
	_, err = Refine(w, linearServing(0.5, nil), serving, Config{TargetPrecision: time.Millisecond})
	assert.Error(t, err)
	_, err = Refine(Window{Start: at(1), End: at(1)}, linearServing(0.5, nil), serving, good)
	assert.Error(t, err)
	_, err = Refine(w, nil, serving, good)
	assert.Error(t, err)
}

func TestIterationsFor(t *testing.T) {
	tests := []struct {
		width     time.Duration
		precision time.Duration
		want      int
	}{
		{10 * time.Second, 100 * time.Millisecond, 7},
		{5 * time.Second, 10 * time.Millisecond, 9},
		{5 * time.Second, 50 * time.Millisecond, 7},
		{5 * time.Second, 100 * time.Millisecond, 6},
		{5 * time.Second, 200 * time.Millisecond, 5},
		{5 * time.Second, 400 * time.Millisecond, 4},
		{time.Second, time.Second, 0},
		{time.Second, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IterationsFor(tt.width, tt.precision), "%s / %s", tt.width, tt.precision)
	}

	cfg := ConfigFor(10*time.Second, 100*time.Millisecond)
	assert.Equal(t, 7, cfg.MaxIterations)
	assert.Equal(t, 1, ConfigFor(time.Second, time.Second).MaxIterations)
	assert.Len(t, PrecisionTiers, 5)
}
