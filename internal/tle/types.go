package tle

import "time"

// Record is a single parsed two-line element set.
// Records are immutable once returned by Parse.
type Record struct {
	NORADID        int
	Name           string
	Classification string
	Designator     string

	Epoch     time.Time
	EpochYear int     // four-digit year after pivot
	EpochDay  float64 // fractional day of year, 1-based

	Inclination    float64 // degrees
	RAAN           float64 // degrees
	Eccentricity   float64
	ArgPerigee     float64 // degrees
	MeanAnomaly    float64 // degrees
	MeanMotion     float64 // revolutions per day
	MeanMotionDot  float64 // first derivative / 2, rev/day²
	MeanMotionDDot float64 // second derivative / 6, rev/day³
	BStar          float64 // drag term, 1/earth radii

	ElementSet int
	RevNumber  int

	Line1 string
	Line2 string

	// Flags lists fields that could not be decoded and were zero-filled,
	// plus "checksum" when a line's modulo-10 checksum does not match.
	Flags []FieldFlag

	// Valid is false when Validate rejected the record. Violations explains why.
	Valid      bool
	Violations []string
}

// FieldFlag marks a single field with degraded quality.
type FieldFlag struct {
	Field  string
	Reason string
}

// PeriodMinutes returns the orbital period implied by the mean motion.
// Returns 0 when mean motion is not positive.
func (r *Record) PeriodMinutes() float64 {
	if r.MeanMotion <= 0 {
		return 0
	}
	return minutesPerDay / r.MeanMotion
}

// HasFlag reports whether the named field carries a quality flag.
func (r *Record) HasFlag(field string) bool {
	return hasFlag(r.Flags, field)
}

func hasFlag(flags []FieldFlag, field string) bool {
	for _, f := range flags {
		if f.Field == field {
			return true
		}
	}
	return false
}

// Warning describes a 3-line group that was skipped during parsing.
type Warning struct {
	Line   int // 1-based index among non-empty lines where the group started
	Name   string
	Reason string
}

// Batch is the outcome of parsing one raw TLE blob.
type Batch struct {
	Records  []Record
	Warnings []Warning
}

// Invalid returns the number of records that failed validation.
func (b *Batch) Invalid() int {
	var n int
	for i := range b.Records {
		if !b.Records[i].Valid {
			n++
		}
	}
	return n
}
