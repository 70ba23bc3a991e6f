package propagation

import "time"

// StateTEME is a position and velocity in the TEME frame (km, km/s).
type StateTEME struct {
	X, Y, Z    float64
	VX, VY, VZ float64
}

// Vec3 is an Earth-fixed position in metres.
type Vec3 struct {
	X, Y, Z float64
}

// Geodetic is a WGS-84 latitude/longitude in degrees and height in metres.
type Geodetic struct {
	LatDeg, LonDeg, AltM float64
}

// SubPoint is a satellite's sub-satellite point at one instant.
type SubPoint struct {
	NORADID int
	At      time.Time
	Geodetic
	SlantRangeKm float64 // from the batch observer, zero when none was given
}
