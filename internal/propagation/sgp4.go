package propagation

import (
	"fmt"
	"math"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/star/handover/internal/tle"
)

// Propagate() takes Satellite by value so SGP4 error codes are not visible
// to the caller. Failures are detected from NaN/Inf output and unreasonable
// position magnitudes.

// SGP4Propagator wraps go-satellite for a single satellite.
type SGP4Propagator struct {
	sat     satellite.Satellite
	noradID int
}

// NewSGP4Propagator creates a propagator from a parsed record's verbatim lines.
//
// The lines are pre-validated because go-satellite calls log.Fatal on
// malformed input.
func NewSGP4Propagator(rec tle.Record) (*SGP4Propagator, error) {
	return newFromLines(rec.Line1, rec.Line2, rec.NORADID)
}

func newFromLines(line1, line2 string, noradID int) (*SGP4Propagator, error) {
	if err := validateLines(line1, line2); err != nil {
		return nil, fmt.Errorf("invalid TLE for NORAD %d: %w", noradID, err)
	}

	sat := satellite.TLEToSat(line1, line2, satellite.GravityWGS84)
	if sat.Error != 0 {
		return nil, fmt.Errorf("sgp4 init failed for NORAD %d: code=%d %s", noradID, sat.Error, sat.ErrorStr)
	}
	return &SGP4Propagator{sat: sat, noradID: noradID}, nil
}

func validateLines(line1, line2 string) error {
	line1 = strings.TrimSpace(line1)
	line2 = strings.TrimSpace(line2)

	if len(line1) != 69 {
		return fmt.Errorf("line1 length %d, expected 69", len(line1))
	}
	if len(line2) != 69 {
		return fmt.Errorf("line2 length %d, expected 69", len(line2))
	}
	if line1[0] != '1' || line2[0] != '2' {
		return fmt.Errorf("line prefixes %q/%q, expected '1'/'2'", line1[0], line2[0])
	}
	return nil
}

// NORADID returns the catalog number the propagator was built for.
func (p *SGP4Propagator) NORADID() int { return p.noradID }

// Propagate returns the TEME state at t.
//
// go-satellite resolves whole seconds only. The fractional second is
// applied as a linear step along the velocity, which stays within a few
// metres for LEO and keeps sub-second refinement meaningful.
func (p *SGP4Propagator) Propagate(t time.Time) (StateTEME, error) {
	t = t.UTC()
	whole := t.Truncate(time.Second)
	frac := t.Sub(whole).Seconds()

	year, month, day := whole.Date()
	hour, min, sec := whole.Clock()
	pos, vel := satellite.Propagate(p.sat, year, int(month), day, hour, min, sec)

	for _, v := range []float64{pos.X, pos.Y, pos.Z, vel.X, vel.Y, vel.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return StateTEME{}, fmt.Errorf("sgp4 propagation failed for NORAD %d: output is NaN/Inf", p.noradID)
		}
	}

	// Position magnitude should be between ~6200 km and ~50000 km.
	mag := math.Sqrt(pos.X*pos.X + pos.Y*pos.Y + pos.Z*pos.Z)
	if mag < 6200.0 || mag > 50000.0 {
		return StateTEME{}, fmt.Errorf("sgp4 propagation failed for NORAD %d: unreasonable position magnitude %.1f km", p.noradID, mag)
	}

	return StateTEME{
		X:  pos.X + vel.X*frac,
		Y:  pos.Y + vel.Y*frac,
		Z:  pos.Z + vel.Z*frac,
		VX: vel.X,
		VY: vel.Y,
		VZ: vel.Z,
	}, nil
}

// SubPoint returns the sub-satellite point at t.
func (p *SGP4Propagator) SubPoint(t time.Time) (Geodetic, error) {
	teme, err := p.Propagate(t)
	if err != nil {
		return Geodetic{}, err
	}
	return ECEFToGeodetic(TEMEToECEF(teme, GMST(t))), nil
}
