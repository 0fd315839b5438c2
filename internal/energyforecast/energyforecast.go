// Package energyforecast turns a calibrated heat-loss coefficient and
// an hourly weather forecast into an hourly heating-energy forecast,
// plus 24h/72h summaries. Grounded directly on energy_forecaster.py's
// EnergyForecaster.generate_forecast/get_summary; the core formula
// (power = k * max(0, T_indoor - T_effective)) is carried over
// unchanged.
package energyforecast

import (
	"time"

	"github.com/heatfetch/heatfetch/internal/effectivetemp"
	"github.com/heatfetch/heatfetch/internal/weather"
)

// Point is one hour of forecast heating demand.
type Point struct {
	TargetTime       time.Time
	HeatingPowerKW   float64
	HeatingEnergyKWh float64
	OutdoorTemp      float64
	EffectiveTemp    float64
	WindEffect       float64
	SolarEffect      float64
	LeadTimeHours    float64
}

// Summary aggregates a run of Points, used for 24h/72h demand-response
// reporting.
type Summary struct {
	TotalEnergyKWh  float64
	AvgPowerKW      float64
	PeakPowerKW     float64
	AvgOutdoorTemp  float64
	MinOutdoorTemp  float64
	Hours           int
}

// Generate produces one Point per weather forecast hour. heatLossK is
// the entity's calibrated kW/°C coefficient; targetIndoorTemp is the
// comfort setpoint used as a stand-in for the (unmeasured) future
// indoor temperature, per spec §4.7.
func Generate(model effectivetemp.Model, latitude, longitude, heatLossK, targetIndoorTemp float64, forecast []weather.ForecastPoint) []Point {
	points := make([]Point, 0, len(forecast))
	for _, fp := range forecast {
		result := model.Calculate(effectivetemp.Conditions{
			Timestamp:  fp.TargetTime,
			Temp:       fp.Temperature,
			WindSpeed:  fp.WindSpeed,
			Humidity:   fp.Humidity,
			CloudCover: fp.CloudCoverOctas,
			Latitude:   latitude,
			Longitude:  longitude,
		})

		deltaT := targetIndoorTemp - result.EffectiveTemp
		var powerKW float64
		if deltaT > 0 {
			powerKW = heatLossK * deltaT
		}

		points = append(points, Point{
			TargetTime:       fp.TargetTime,
			HeatingPowerKW:   powerKW,
			HeatingEnergyKWh: powerKW, // one forecast hour == one hour of energy
			OutdoorTemp:      fp.Temperature,
			EffectiveTemp:    result.EffectiveTemp,
			WindEffect:       result.WindEffect,
			SolarEffect:      result.SolarEffect,
			LeadTimeHours:    fp.LeadTimeHours,
		})
	}
	return points
}

// Summarize aggregates the first `hours` points of a forecast (e.g. 24
// or 72). It returns false if there are no points to summarize.
func Summarize(points []Point, hours int) (Summary, bool) {
	if len(points) == 0 {
		return Summary{}, false
	}
	if hours > len(points) {
		hours = len(points)
	}
	window := points[:hours]
	if len(window) == 0 {
		return Summary{}, false
	}

	var totalEnergy, sumPower, peakPower, sumOutdoor, minOutdoor float64
	peakPower = window[0].HeatingPowerKW
	minOutdoor = window[0].OutdoorTemp
	for _, p := range window {
		totalEnergy += p.HeatingEnergyKWh
		sumPower += p.HeatingPowerKW
		if p.HeatingPowerKW > peakPower {
			peakPower = p.HeatingPowerKW
		}
		sumOutdoor += p.OutdoorTemp
		if p.OutdoorTemp < minOutdoor {
			minOutdoor = p.OutdoorTemp
		}
	}

	return Summary{
		TotalEnergyKWh: totalEnergy,
		AvgPowerKW:     sumPower / float64(len(window)),
		PeakPowerKW:    peakPower,
		AvgOutdoorTemp: sumOutdoor / float64(len(window)),
		MinOutdoorTemp: minOutdoor,
		Hours:          len(window),
	}, true
}
