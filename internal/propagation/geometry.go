package propagation

import (
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
	"github.com/wroge/wgs84"
)

// Rotation uses GMST only (TEME -> PEF, taken as ECEF). Polar motion and the
// equation of the equinoxes are ignored; the error is tens of metres.

const (
	wgs84A  = 6378137.0
	wgs84F  = 1.0 / 298.257223563
	wgs84E2 = wgs84F * (2 - wgs84F)

	// MeanEarthRadiusKm is the IUGG mean radius used for ground distances.
	MeanEarthRadiusKm = 6371.0088

	deg = math.Pi / 180
)

// earthRotation is Earth's rotation rate in rad/s.
const earthRotation = 7.292115146706979e-5

// GMST returns Greenwich mean sidereal time in radians (IAU-82). The
// library resolves whole seconds; the remainder is added at Earth's
// rotation rate.
func GMST(t time.Time) float64 {
	t = t.UTC()
	whole := t.Truncate(time.Second)
	year, month, day := whole.Date()
	hour, min, sec := whole.Clock()

	g := satellite.GSTimeFromDate(year, int(month), day, hour, min, sec)
	g += earthRotation * t.Sub(whole).Seconds()
	if g >= 2*math.Pi {
		g -= 2 * math.Pi
	}
	return g
}

// TEMEToECEF rotates a TEME position (km) about Z by gmst and returns metres.
func TEMEToECEF(s StateTEME, gmst float64) Vec3 {
	c, sn := math.Cos(gmst), math.Sin(gmst)
	return Vec3{
		X: (s.X*c + s.Y*sn) * 1000,
		Y: (-s.X*sn + s.Y*c) * 1000,
		Z: s.Z * 1000,
	}
}

// Norm returns the vector length.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// ECEFToGeodetic converts an Earth-fixed position to WGS-84 geodetic
// coordinates by fixed-point iteration on latitude.
func ECEFToGeodetic(v Vec3) Geodetic {
	p := math.Hypot(v.X, v.Y)
	lat := math.Atan2(v.Z, p*(1-wgs84E2))

	var n float64
	for i := 0; i < 6; i++ {
		sin := math.Sin(lat)
		n = wgs84A / math.Sqrt(1-wgs84E2*sin*sin)
		lat = math.Atan2(v.Z+wgs84E2*n*sin, p)
	}

	sin, cos := math.Sin(lat), math.Cos(lat)
	n = wgs84A / math.Sqrt(1-wgs84E2*sin*sin)
	var alt float64
	if math.Abs(cos) > 1e-10 {
		alt = p/cos - n
	} else {
		alt = math.Abs(v.Z) - n*(1-wgs84E2)
	}
	return Geodetic{LatDeg: lat / deg, LonDeg: math.Atan2(v.Y, v.X) / deg, AltM: alt}
}

// geodeticToECEF maps (lon, lat, height) on EPSG:4326 to EPSG:4978 metres.
var geodeticToECEF = wgs84.EPSG().Transform(4326, 4978)

// ECEF returns the Earth-fixed position of a geodetic point.
func (g Geodetic) ECEF() Vec3 {
	x, y, z := geodeticToECEF(g.LonDeg, g.LatDeg, g.AltM)
	return Vec3{X: x, Y: y, Z: z}
}

// GroundDistanceKm is the great-circle distance between two surface points
// on a sphere of MeanEarthRadiusKm (haversine form).
func GroundDistanceKm(a, b Geodetic) float64 {
	lat1, lat2 := a.LatDeg*deg, b.LatDeg*deg
	dLat := lat2 - lat1
	dLon := (b.LonDeg - a.LonDeg) * deg

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * MeanEarthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}
