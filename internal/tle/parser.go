package tle

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// lineLength is the fixed width of both TLE data lines.
const lineLength = 69

// group is one candidate name/line1/line2 triplet.
type group struct {
	index int // 0-based index among non-empty lines
	name  string
	line1 string
	line2 string
}

// Parse reads 3-line TLE text from r and returns the decoded records.
// Malformed groups are skipped with a warning log and an entry in Batch.Warnings.
// The returned error is reserved for failures reading r.
func Parse(r io.Reader, logger *slog.Logger) (*Batch, error) {
	groups, warnings, err := split(r, logger)
	if err != nil {
		return nil, err
	}

	batch := &Batch{
		Records:  make([]Record, 0, len(groups)),
		Warnings: warnings,
	}
	for _, g := range groups {
		rec, err := decodeGroup(g)
		if err != nil {
			batch.Warnings = append(batch.Warnings, warnFor(logger, g, err))
			continue
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch, nil
}

// split reads non-empty lines and groups them into triplets. A triplet whose
// data lines do not carry the "1 " / "2 " prefixes is reported once, and the
// scan resumes at the next position that looks like the start of a group.
func split(r io.Reader, logger *slog.Logger) ([]group, []Warning, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading TLE data: %w", err)
	}

	var (
		groups   []group
		warnings []Warning
	)
	i := 0
	for i+2 < len(lines) {
		if isGroupStart(lines, i) {
			groups = append(groups, group{index: i, name: lines[i], line1: lines[i+1], line2: lines[i+2]})
			i += 3
			continue
		}

		bad := group{index: i, name: lines[i]}
		next := i + 1
		for next+2 < len(lines) && !isGroupStart(lines, next) {
			next++
		}
		if next+2 >= len(lines) {
			next = len(lines)
		}
		warnings = append(warnings, warnFor(logger, bad, fmt.Errorf("%w: missing \"1 \"/\"2 \" line prefixes (%d lines skipped)", ErrMalformedRecord, next-i)))
		i = next
	}
	if rest := len(lines) - i; rest > 0 {
		warnings = append(warnings, warnFor(logger, group{index: i, name: lines[i]}, fmt.Errorf("%w: trailing incomplete group of %d lines", ErrMalformedRecord, rest)))
	}

	return groups, warnings, nil
}

func isGroupStart(lines []string, i int) bool {
	return strings.HasPrefix(lines[i+1], "1 ") && strings.HasPrefix(lines[i+2], "2 ")
}

func warnFor(logger *slog.Logger, g group, err error) Warning {
	logger.Warn("skipping malformed TLE entry", "line_index", g.index+1, "name", g.name, "error", err)
	return Warning{Line: g.index + 1, Name: g.name, Reason: err.Error()}
}

// decodeGroup extracts the fixed-column fields of one triplet. Structural
// problems return ErrMalformedRecord; bad numeric fields are zero-filled and flagged.
func decodeGroup(g group) (Record, error) {
	if len(g.line1) < lineLength {
		return Record{}, fmt.Errorf("%w: line 1 has %d columns, want %d", ErrMalformedRecord, len(g.line1), lineLength)
	}
	if len(g.line2) < lineLength {
		return Record{}, fmt.Errorf("%w: line 2 has %d columns, want %d", ErrMalformedRecord, len(g.line2), lineLength)
	}

	catalog1, err := strconv.Atoi(strings.TrimSpace(g.line1[2:7]))
	if err != nil {
		return Record{}, fmt.Errorf("%w: invalid catalog number %q", ErrMalformedRecord, g.line1[2:7])
	}
	catalog2, err := strconv.Atoi(strings.TrimSpace(g.line2[2:7]))
	if err != nil {
		return Record{}, fmt.Errorf("%w: invalid catalog number %q on line 2", ErrMalformedRecord, g.line2[2:7])
	}
	if catalog1 != catalog2 {
		return Record{}, fmt.Errorf("%w: catalog numbers differ (%d vs %d)", ErrMalformedRecord, catalog1, catalog2)
	}

	l1, l2 := g.line1[:lineLength], g.line2[:lineLength]
	var d fieldDecoder

	rec := Record{
		NORADID:        catalog1,
		Name:           strings.TrimSpace(strings.TrimPrefix(g.name, "0 ")),
		Classification: strings.TrimSpace(l1[7:8]),
		Designator:     strings.TrimSpace(l1[9:17]),
		Line1:          l1,
		Line2:          l2,
	}

	yy := d.integer("epoch_year", l1, 18, 20)
	rec.EpochDay = d.decimal("epoch_day", l1, 20, 32)
	rec.EpochYear = ExpandEpochYear(yy)
	if !hasFlag(d.flags, "epoch_year") && !hasFlag(d.flags, "epoch_day") {
		rec.Epoch = EpochTime(rec.EpochYear, rec.EpochDay)
	}

	rec.MeanMotionDot = d.decimal("mean_motion_dot", l1, 33, 43)
	rec.MeanMotionDDot = d.exponent("mean_motion_ddot", l1, 44, 52)
	rec.BStar = d.exponent("bstar", l1, 53, 61)
	rec.ElementSet = d.integer("element_set", l1, 64, 68)
	d.checksum("line1", l1)

	rec.Inclination = d.decimal("inclination", l2, 8, 16)
	rec.RAAN = d.decimal("raan", l2, 17, 25)
	rec.Eccentricity = d.eccentricity(l2)
	rec.ArgPerigee = d.decimal("arg_perigee", l2, 34, 42)
	rec.MeanAnomaly = d.decimal("mean_anomaly", l2, 43, 51)
	rec.MeanMotion = d.decimal("mean_motion", l2, 52, 63)
	rec.RevNumber = d.integer("rev_number", l2, 63, 68)
	d.checksum("line2", l2)

	rec.Flags = d.flags
	var verr *ValidationError
	if err := Validate(&rec); errors.As(err, &verr) {
		rec.Violations = verr.Violations
	} else {
		rec.Valid = true
	}
	return rec, nil
}
