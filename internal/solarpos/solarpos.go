// Package solarpos computes solar elevation and azimuth for a given
// instant and location. It is used both for the ML2 solar-event
// detector (internal/ml2) and the effective-temperature model
// (internal/effectivetemp).
package solarpos

import (
	"math"
	"time"

	"github.com/soniakeys/unit"
)

// Position is the sun's apparent position at a given instant and
// location.
type Position struct {
	ElevationDeg      float64
	AzimuthDeg        float64
	DeclinationDeg    float64
	EquationOfTimeMin float64
}

// julianDay returns the Julian Day for t, computed in UTC.
func julianDay(t time.Time) float64 {
	u := t.UTC()
	return float64(u.Unix())/86400.0 + 2440587.5
}

// equationOfTime returns the equation of time in minutes for Julian
// Day jd, using the Spencer (1971) Fourier approximation.
func equationOfTime(jd float64) float64 {
	n := float64(time.Unix(int64((jd-2440587.5)*86400), 0).UTC().YearDay())
	// day angle referenced to Jan 1
	dayAngle := 2 * math.Pi * (n - 1) / 365.0
	eqTime := 229.18 * (0.000075 +
		0.001868*math.Cos(dayAngle) -
		0.032077*math.Sin(dayAngle) -
		0.014615*math.Cos(2*dayAngle) -
		0.040849*math.Sin(2*dayAngle))
	return eqTime
}

// declination returns the solar declination for Julian Day jd as an
// Angle, using the Cooper (1969) approximation.
func declination(jd float64) unit.Angle {
	n := float64(time.Unix(int64((jd-2440587.5)*86400), 0).UTC().YearDay())
	decDeg := 23.45 * math.Sin(2*math.Pi*(284+n)/365.0)
	return unit.AngleFromDeg(decDeg)
}

// Calculate returns the sun's position at time t for the given
// latitude/longitude in degrees (west longitudes negative).
func Calculate(t time.Time, latitudeDeg, longitudeDeg float64) Position {
	jd := julianDay(t)
	eot := equationOfTime(jd)
	dec := declination(jd)
	lat := unit.AngleFromDeg(latitudeDeg)

	u := t.UTC()
	utcMinutes := float64(u.Hour()*60+u.Minute()) + float64(u.Second())/60.0
	solarTimeMinutes := utcMinutes + 4*longitudeDeg + eot
	// wrap into [0, 1440)
	for solarTimeMinutes < 0 {
		solarTimeMinutes += 1440
	}
	for solarTimeMinutes >= 1440 {
		solarTimeMinutes -= 1440
	}
	hourAngleDeg := solarTimeMinutes/4.0 - 180.0
	hourAngle := unit.AngleFromDeg(hourAngleDeg)

	cosZenith := lat.Sin()*dec.Sin() + lat.Cos()*dec.Cos()*hourAngle.Cos()
	if cosZenith > 1 {
		cosZenith = 1
	} else if cosZenith < -1 {
		cosZenith = -1
	}
	zenithDeg := math.Acos(cosZenith) * 180 / math.Pi
	elevationDeg := 90.0 - zenithDeg

	cosAz := (dec.Sin() - lat.Sin()*cosZenith) / (lat.Cos() * math.Sin(math.Acos(cosZenith)))
	if cosAz > 1 {
		cosAz = 1
	} else if cosAz < -1 {
		cosAz = -1
	}
	azimuthDeg := math.Acos(cosAz) * 180 / math.Pi
	if hourAngleDeg > 0 {
		azimuthDeg = 360 - azimuthDeg
	}

	return Position{
		ElevationDeg:      elevationDeg,
		AzimuthDeg:        azimuthDeg,
		DeclinationDeg:    dec.Deg(),
		EquationOfTimeMin: eot,
	}
}

// Elevation is a convenience wrapper around Calculate for callers that
// only need the sun's elevation above the horizon, in degrees.
// Negative values mean the sun is below the horizon.
func Elevation(t time.Time, latitudeDeg, longitudeDeg float64) float64 {
	return Calculate(t, latitudeDeg, longitudeDeg).ElevationDeg
}
