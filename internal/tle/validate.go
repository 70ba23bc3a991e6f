package tle

import (
	"fmt"
	"math"
	"strings"
)

// Physical bounds enforced by Validate.
const (
	MinPeriodMinutes = 30.0
	MaxPeriodMinutes = minutesPerDay
)

// ValidationError lists every physical bound a record violates.
type ValidationError struct {
	NORADID    int
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("NORAD %d failed validation: %s", e.NORADID, strings.Join(e.Violations, "; "))
}

// Validate checks a record against the orbital-element invariants:
// inclination in [0, 180] degrees, eccentricity in [0, 1), positive mean
// motion and an implied period in [30, 1440] minutes.
//
// It does not mutate rec, so a cached record can be re-checked at any time.
func Validate(rec *Record) error {
	var v []string

	if !finite(rec.Inclination) || rec.Inclination < 0 || rec.Inclination > 180 {
		v = append(v, fmt.Sprintf("inclination %.4f outside [0, 180]", rec.Inclination))
	}
	if !finite(rec.Eccentricity) || rec.Eccentricity < 0 || rec.Eccentricity >= 1 {
		v = append(v, fmt.Sprintf("eccentricity %.7f outside [0, 1)", rec.Eccentricity))
	}
	if !finite(rec.MeanMotion) || rec.MeanMotion <= 0 {
		v = append(v, fmt.Sprintf("mean motion %.8f not positive", rec.MeanMotion))
	} else if p := rec.PeriodMinutes(); p < MinPeriodMinutes || p > MaxPeriodMinutes {
		v = append(v, fmt.Sprintf("period %.2f min outside [%.0f, %.0f]", p, MinPeriodMinutes, MaxPeriodMinutes))
	}

	if len(v) == 0 {
		return nil
	}
	return &ValidationError{NORADID: rec.NORADID, Violations: v}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
