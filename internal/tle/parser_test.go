package tle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

const (
	issLine1 = "1 25544U 98067A   24100.50000000  .00016717  00000-0  10270-3 0  9009"
	issLine2 = "2 25544  51.6400 100.0000 0001000   0.0000   0.0000 15.50000000    01"

	starlinkLine1 = "1 44713U 19074A   24100.50000000  .00001000  00000-0  10000-4 0  9998"
	starlinkLine2 = "2 44713  53.0000 200.0000 0001500  90.0000 270.0000 15.06000000    07"
)

func TestDecodeExponent(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"00000-0", 0},
		{"00000+0", 0},
		{" 00000-0", 0},
		{"12345-6", 0.12345e-6},
		{"-6789-1", -0.6789e-1},
		{" 10270-3", 0.10270e-3},
		{"-11606-4", -0.11606e-4},
		{"+12345+2", 0.12345e2},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := DecodeExponent(tt.in)
			if err != nil {
				t.Fatalf("DecodeExponent(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("DecodeExponent(%q) = %g, want %g", tt.in, got, tt.want)
			}
		})
	}
}

func TestDecodeExponentCorrupt(t *testing.T) {
	for _, in := range []string{"", "1", "12a45-6", "12345x6", "12345-x", "-+"} {
		_, err := DecodeExponent(in)
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("DecodeExponent(%q): expected *DecodeError, got %v", in, err)
		}
	}
}

func TestExpandEpochYear(t *testing.T) {
	tests := []struct {
		yy   int
		want int
	}{
		{24, 2024},
		{98, 1998},
		{0, 2000},
		{56, 2056},
		{57, 1957},
		{99, 1999},
	}
	for _, tt := range tests {
		if got := ExpandEpochYear(tt.yy); got != tt.want {
			t.Errorf("ExpandEpochYear(%d) = %d, want %d", tt.yy, got, tt.want)
		}
	}
}

func TestParseFields(t *testing.T) {
	input := "ISS (ZARYA)\n" + issLine1 + "\n" + issLine2 + "\n"
	batch, err := Parse(strings.NewReader(input), testLogger)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if len(batch.Records) != 1 {
		t.Fatalf("expected 1 record, got %d (warnings: %+v)", len(batch.Records), batch.Warnings)
	}

	r := batch.Records[0]
	if r.NORADID != 25544 || r.Name != "ISS (ZARYA)" {
		t.Errorf("identity = (%d, %q)", r.NORADID, r.Name)
	}
	if r.Classification != "U" || r.Designator != "98067A" {
		t.Errorf("classification/designator = %q/%q", r.Classification, r.Designator)
	}
	if r.EpochYear != 2024 || r.EpochDay != 100.5 {
		t.Errorf("epoch = %d/%f", r.EpochYear, r.EpochDay)
	}
	wantEpoch := time.Date(2024, 4, 9, 12, 0, 0, 0, time.UTC)
	if !r.Epoch.Equal(wantEpoch) {
		t.Errorf("Epoch = %v, want %v", r.Epoch, wantEpoch)
	}
	if r.MeanMotionDot != 0.00016717 {
		t.Errorf("MeanMotionDot = %g", r.MeanMotionDot)
	}
	if r.MeanMotionDDot != 0 {
		t.Errorf("MeanMotionDDot = %g, want 0", r.MeanMotionDDot)
	}
	if r.BStar != 0.10270e-3 {
		t.Errorf("BStar = %g", r.BStar)
	}
	if r.Inclination != 51.64 || r.RAAN != 100 || r.Eccentricity != 0.0001 {
		t.Errorf("incl/raan/ecc = %g/%g/%g", r.Inclination, r.RAAN, r.Eccentricity)
	}
	if r.MeanMotion != 15.5 {
		t.Errorf("MeanMotion = %g", r.MeanMotion)
	}
	if r.ElementSet != 900 {
		t.Errorf("ElementSet = %d", r.ElementSet)
	}
	if r.Line1 != issLine1 || r.Line2 != issLine2 {
		t.Error("verbatim lines not retained")
	}
	if !r.Valid || len(r.Flags) != 0 {
		t.Errorf("expected clean valid record, flags=%+v violations=%+v", r.Flags, r.Violations)
	}
}

// TestParseSkipsMalformed verifies one bad group never aborts the batch.
func TestParseSkipsMalformed(t *testing.T) {
	input := strings.Join([]string{
		"BROKEN-1",
		"X 99999U 00000A   24100.50000000  .00000000  00000-0  00000-0 0  9990",
		"2 99999  10.0000  10.0000 0001000   0.0000   0.0000 15.00000000    00",
		"ISS (ZARYA)",
		issLine1,
		issLine2,
		"",
		"STARLINK-1007",
		starlinkLine1,
		starlinkLine2,
	}, "\n")

	batch, err := Parse(strings.NewReader(input), testLogger)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if len(batch.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(batch.Records))
	}
	if batch.Records[0].NORADID != 25544 || batch.Records[1].NORADID != 44713 {
		t.Errorf("unexpected records: %d, %d", batch.Records[0].NORADID, batch.Records[1].NORADID)
	}
	if len(batch.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %+v", batch.Warnings)
	}
	if batch.Warnings[0].Name != "BROKEN-1" || batch.Warnings[0].Line != 1 {
		t.Errorf("warning = %+v", batch.Warnings[0])
	}
}

func TestParseStructuralRejects(t *testing.T) {
	tests := []struct {
		name  string
		line1 string
		line2 string
	}{
		{"short line", issLine1[:60], issLine2},
		{"catalog mismatch", issLine1, strings.Replace(issLine2, "25544", "25545", 1)},
		{"bad catalog", strings.Replace(issLine1, "25544", "25X44", 1), strings.Replace(issLine2, "25544", "25X44", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, err := Parse(strings.NewReader("SAT\n"+tt.line1+"\n"+tt.line2+"\n"), testLogger)
			if err != nil {
				t.Fatalf("Parse error: %v", err)
			}
			if len(batch.Records) != 0 || len(batch.Warnings) != 1 {
				t.Fatalf("records=%d warnings=%d", len(batch.Records), len(batch.Warnings))
			}
		})
	}
}

// TestParseCorruptExponent verifies a bad packed field is zero-filled and flagged.
func TestParseCorruptExponent(t *testing.T) {
	line1 := issLine1[:53] + " 1X270-3" + issLine1[61:]
	batch, err := Parse(strings.NewReader("ISS\n"+line1+"\n"+issLine2+"\n"), testLogger)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if len(batch.Records) != 1 {
		t.Fatalf("expected record to survive, got %d", len(batch.Records))
	}
	r := batch.Records[0]
	if r.BStar != 0 {
		t.Errorf("BStar = %g, want zero-fill", r.BStar)
	}
	if !r.HasFlag("bstar") {
		t.Errorf("expected bstar flag, got %+v", r.Flags)
	}
	if r.MeanMotion != 15.5 {
		t.Error("other fields should still decode")
	}
}

func TestParseChecksumFlag(t *testing.T) {
	line1 := issLine1[:68] + "0"
	batch, err := Parse(strings.NewReader("ISS\n"+line1+"\n"+issLine2+"\n"), testLogger)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if !batch.Records[0].HasFlag("checksum") {
		t.Errorf("expected checksum flag, got %+v", batch.Records[0].Flags)
	}
	if !batch.Records[0].Valid {
		t.Error("checksum mismatch must not invalidate the record")
	}
}

func TestValidateBounds(t *testing.T) {
	base := Record{NORADID: 1, Inclination: 53, Eccentricity: 0.001, MeanMotion: 15}
	if err := Validate(&base); err != nil {
		t.Fatalf("base record should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(r *Record)
	}{
		{"inclination high", func(r *Record) { r.Inclination = 180.5 }},
		{"inclination negative", func(r *Record) { r.Inclination = -1 }},
		{"eccentricity one", func(r *Record) { r.Eccentricity = 1 }},
		{"mean motion zero", func(r *Record) { r.MeanMotion = 0 }},
		{"period too short", func(r *Record) { r.MeanMotion = 49 }},
		{"period too long", func(r *Record) { r.MeanMotion = 0.9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base
			tt.mutate(&r)
			err := Validate(&r)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if len(verr.Violations) == 0 {
				t.Error("expected at least one violation")
			}
		})
	}
}

// TestParseRetainsInvalid verifies physically impossible records are flagged, not dropped.
func TestParseRetainsInvalid(t *testing.T) {
	line2 := issLine2[:52] + " 0.50000000" + issLine2[63:]
	batch, err := Parse(strings.NewReader("SLOW\n"+issLine1+"\n"+line2+"\n"), testLogger)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if len(batch.Records) != 1 {
		t.Fatalf("expected record to be retained, got %d", len(batch.Records))
	}
	if batch.Records[0].Valid || len(batch.Records[0].Violations) == 0 {
		t.Errorf("expected invalid record with violations, got %+v", batch.Records[0])
	}
	if batch.Invalid() != 1 {
		t.Errorf("Invalid() = %d, want 1", batch.Invalid())
	}
}

// TestParseParallelMatchesSequential verifies order and content survive the worker pool.
func TestParseParallelMatchesSequential(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			fmt.Fprintf(&sb, "ISS-%d\n%s\n%s\n", i, issLine1, issLine2)
		} else {
			fmt.Fprintf(&sb, "STARLINK-%d\n%s\n%s\n", i, starlinkLine1, starlinkLine2)
		}
	}
	input := sb.String()

	seq, err := Parse(strings.NewReader(input), testLogger)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	par, err := ParseParallel(context.Background(), strings.NewReader(input), 4, testLogger)
	if err != nil {
		t.Fatalf("ParseParallel error: %v", err)
	}
	if len(par.Records) != len(seq.Records) {
		t.Fatalf("record count: parallel %d, sequential %d", len(par.Records), len(seq.Records))
	}
	for i := range seq.Records {
		if par.Records[i].Name != seq.Records[i].Name {
			t.Fatalf("record %d: parallel %q, sequential %q", i, par.Records[i].Name, seq.Records[i].Name)
		}
	}
}

func TestParseRoundTripBounds(t *testing.T) {
	batch, err := Parse(strings.NewReader("A\n"+issLine1+"\n"+issLine2+"\nB\n"+starlinkLine1+"\n"+starlinkLine2+"\n"), testLogger)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	for _, r := range batch.Records {
		if err := Validate(&r); err != nil {
			t.Errorf("NORAD %d: %v", r.NORADID, err)
		}
		p := r.PeriodMinutes()
		if p < 30 || p > 1440 {
			t.Errorf("NORAD %d: period %.2f out of bounds", r.NORADID, p)
		}
	}
}
