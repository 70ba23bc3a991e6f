package tle

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 1440.0

// ErrMalformedRecord marks a 3-line group that cannot be decoded at all.
var ErrMalformedRecord = errors.New("malformed TLE record")

// DecodeError reports a single numeric field that could not be decoded.
// The parser zero-fills the field and records a FieldFlag instead of failing.
type DecodeError struct {
	Field string
	Value string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeExponent decodes the packed scientific notation used by the
// second derivative and BSTAR fields. The token is an optionally signed
// mantissa read as 0.<digits>, followed by a signed one-digit power of ten:
//
//	"12345-6" -> 0.12345e-6
//	"-6789-1" -> -0.6789e-1
//	"00000-0" -> 0
func DecodeExponent(s string) (float64, error) {
	tok := strings.TrimSpace(s)
	if tok == "00000-0" || tok == "00000+0" {
		return 0, nil
	}
	if len(tok) < 3 {
		return 0, &DecodeError{Field: "exponent", Value: s, Err: errors.New("token too short")}
	}

	expSign := tok[len(tok)-2]
	expDigit := tok[len(tok)-1]
	if (expSign != '-' && expSign != '+') || expDigit < '0' || expDigit > '9' {
		return 0, &DecodeError{Field: "exponent", Value: s, Err: errors.New("invalid power-of-ten suffix")}
	}

	mantissa := tok[:len(tok)-2]
	sign := ""
	switch mantissa[0] {
	case '-':
		sign = "-"
		mantissa = mantissa[1:]
	case '+':
		mantissa = mantissa[1:]
	}
	mantissa = strings.TrimSpace(mantissa)
	if mantissa == "" {
		return 0, &DecodeError{Field: "exponent", Value: s, Err: errors.New("empty mantissa")}
	}
	for i := 0; i < len(mantissa); i++ {
		if mantissa[i] < '0' || mantissa[i] > '9' {
			return 0, &DecodeError{Field: "exponent", Value: s, Err: errors.New("non-digit in mantissa")}
		}
	}

	v, err := strconv.ParseFloat(sign+"0."+mantissa+"e"+string(expSign)+string(expDigit), 64)
	if err != nil {
		return 0, &DecodeError{Field: "exponent", Value: s, Err: err}
	}
	return v, nil
}

// ExpandEpochYear applies the standard two-digit epoch pivot:
// 00-56 map to 2000-2056 and 57-99 map to 1957-1999.
func ExpandEpochYear(yy int) int {
	if yy >= 57 {
		return 1900 + yy
	}
	return 2000 + yy
}

// EpochTime converts a four-digit year and 1-based fractional day of year to UTC.
func EpochTime(year int, dayOfYear float64) time.Time {
	t := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	return t.Add(time.Duration((dayOfYear - 1) * float64(24*time.Hour)))
}

// Checksum computes the modulo-10 TLE checksum over the first 68 columns.
// Digits count at face value, minus signs count as 1, everything else as 0.
func Checksum(line string) int {
	n := len(line)
	if n > 68 {
		n = 68
	}
	var sum int
	for i := 0; i < n; i++ {
		c := line[i]
		switch {
		case c >= '0' && c <= '9':
			sum += int(c - '0')
		case c == '-':
			sum++
		}
	}
	return sum % 10
}

// fieldDecoder accumulates decode flags while extracting fixed-column fields
// from one record, so one bad field never aborts the rest.
type fieldDecoder struct {
	flags []FieldFlag
}

func (d *fieldDecoder) flag(err error) {
	var de *DecodeError
	if errors.As(err, &de) {
		d.flags = append(d.flags, FieldFlag{Field: de.Field, Reason: de.Err.Error()})
		return
	}
	d.flags = append(d.flags, FieldFlag{Field: "unknown", Reason: err.Error()})
}

func (d *fieldDecoder) decimal(field, line string, start, end int) float64 {
	raw := strings.TrimSpace(line[start:end])
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		d.flag(&DecodeError{Field: field, Value: raw, Err: err})
		return 0
	}
	return v
}

func (d *fieldDecoder) integer(field, line string, start, end int) int {
	raw := strings.TrimSpace(line[start:end])
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		d.flag(&DecodeError{Field: field, Value: raw, Err: err})
		return 0
	}
	return v
}

func (d *fieldDecoder) exponent(field, line string, start, end int) float64 {
	raw := line[start:end]
	if strings.TrimSpace(raw) == "" {
		return 0
	}
	v, err := DecodeExponent(raw)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			de.Field = field
		}
		d.flag(err)
		return 0
	}
	return v
}

// eccentricity reads the field with its implied leading decimal point.
func (d *fieldDecoder) eccentricity(line string) float64 {
	raw := strings.TrimSpace(line[26:33])
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat("0."+raw, 64)
	if err != nil || strings.ContainsAny(raw, "+-.") {
		if err == nil {
			err = errors.New("unexpected sign or decimal point")
		}
		d.flag(&DecodeError{Field: "eccentricity", Value: raw, Err: err})
		return 0
	}
	return v
}

func (d *fieldDecoder) checksum(field, line string) {
	want := line[68]
	if want < '0' || want > '9' {
		d.flags = append(d.flags, FieldFlag{Field: "checksum", Reason: field + " checksum column is not a digit"})
		return
	}
	if got := Checksum(line); got != int(want-'0') {
		d.flags = append(d.flags, FieldFlag{
			Field:  "checksum",
			Reason: fmt.Sprintf("%s checksum %d, computed %d", field, want-'0', got),
		})
	}
}
