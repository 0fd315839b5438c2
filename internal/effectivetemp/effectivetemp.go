// Package effectivetemp computes the effective outdoor temperature used
// by the entity worker and energy forecaster: the temperature that, in
// calm dry overcast conditions, would produce the same building heat
// loss as the actual weather conditions (wind, humidity, and solar
// gain all taken into account).
package effectivetemp

import (
	"math"
	"time"

	"github.com/heatfetch/heatfetch/internal/solarpos"
)

// Default coefficients, tunable per entity via ML2 learned values once
// confidence is high enough (see internal/ml2).
const (
	DefaultWindCoefficient     = 0.56 // °C per sqrt(m/s)
	DefaultHumidityCoefficient = 0.01 // °C per % humidity above 50
	DefaultSolarCoefficient    = 6.0  // max °C gain at full sun
)

// Conditions describes the weather at a single point in time, along
// with the location needed for solar-gain estimation.
type Conditions struct {
	Timestamp  time.Time
	Temp       float64 // °C
	WindSpeed  float64 // m/s
	Humidity   float64 // % 0-100
	CloudCover float64 // octas 0-8, 8 = fully overcast
	Latitude   float64
	Longitude  float64
}

// Result is the effective temperature along with the breakdown of
// contributing effects, so callers can record/inspect them.
type Result struct {
	EffectiveTemp  float64
	BaseTemp       float64
	WindEffect     float64 // negative: cools
	HumidityEffect float64 // negative: cools
	SolarEffect    float64 // positive: warms
	SunElevation   float64
	SolarIntensity float64
}

// Model holds the (possibly ML2-learned) coefficients used to convert
// raw weather observations into an effective temperature.
type Model struct {
	WindCoefficient     float64
	HumidityCoefficient float64
	SolarCoefficient    float64
}

// NewDefaultModel returns a Model using the default empirical
// coefficients.
func NewDefaultModel() Model {
	return Model{
		WindCoefficient:     DefaultWindCoefficient,
		HumidityCoefficient: DefaultHumidityCoefficient,
		SolarCoefficient:    DefaultSolarCoefficient,
	}
}

// Calculate computes the effective outdoor temperature for the given
// conditions.
//
//	effective = base - wind_effect - humidity_effect + solar_effect
func (m Model) Calculate(c Conditions) Result {
	windEffect := m.WindCoefficient * math.Sqrt(math.Max(0, c.WindSpeed))
	humidityAboveBaseline := math.Max(0, c.Humidity-50)
	humidityEffect := m.HumidityCoefficient * humidityAboveBaseline

	solarEffect, sunElev, solarIntensity := m.solarEffect(c)

	effective := c.Temp - windEffect - humidityEffect + solarEffect

	return Result{
		EffectiveTemp:  effective,
		BaseTemp:       c.Temp,
		WindEffect:     -windEffect,
		HumidityEffect: -humidityEffect,
		SolarEffect:    solarEffect,
		SunElevation:   sunElev,
		SolarIntensity: solarIntensity,
	}
}

// solarEffect returns the solar warming contribution in °C, the sun's
// elevation in degrees, and the estimated solar intensity in [0,1].
func (m Model) solarEffect(c Conditions) (effect, sunElevDeg, intensity float64) {
	sunElevDeg = solarpos.Elevation(c.Timestamp, c.Latitude, c.Longitude)

	if sunElevDeg <= 0 {
		return 0, sunElevDeg, 0
	}

	rawIntensity := math.Sin(sunElevDeg * math.Pi / 180)

	cloudFraction := c.CloudCover / 8.0
	cloudTransmission := 1.0 - (cloudFraction * 0.9)

	intensity = rawIntensity * cloudTransmission
	effect = m.SolarCoefficient * intensity

	return effect, sunElevDeg, intensity
}
