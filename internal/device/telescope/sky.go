package telescope

import (
	"math"
	"time"
)

// j2000 is 2000-01-01 12:00 UTC.
var j2000 = time.Date(2000, time.January, 1, 12, 0, 0, 0, time.UTC)

// siderealTime returns the local sidereal time in hours at longitude
// (degrees east).
func siderealTime(t time.Time, longitude float64) float64 {
	days := t.Sub(j2000).Hours() / 24
	gmst := 18.697374558 + 24.06570982441908*days
	return wrapHours(gmst + longitude/15)
}

// horizontal converts equatorial coordinates to altitude and azimuth in
// degrees. Azimuth is measured from north through east and is 0 where it
// is undefined.
func horizontal(ra, dec, lst, latitude float64) (alt, az float64) {
	ha := radians((lst - ra) * 15)
	d, phi := radians(dec), radians(latitude)

	sinAlt := math.Sin(d)*math.Sin(phi) + math.Cos(d)*math.Cos(phi)*math.Cos(ha)
	a := math.Asin(clampUnit(sinAlt))

	den := math.Cos(a) * math.Cos(phi)
	if math.Abs(den) < 1e-6 {
		return degrees(a), 0
	}
	z := math.Acos(clampUnit((math.Sin(d) - math.Sin(a)*math.Sin(phi)) / den))
	if math.Sin(ha) > 0 {
		z = 2*math.Pi - z
	}
	return degrees(a), degrees(z)
}

func wrapHours(h float64) float64 {
	h = math.Mod(h, 24)
	if h < 0 {
		h += 24
	}
	return h
}

func clampUnit(v float64) float64 { return math.Max(-1, math.Min(1, v)) }

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
