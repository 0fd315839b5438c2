package effectivetemp

import (
	"testing"
	"time"
)

func TestWindAndHumidityAlwaysCool(t *testing.T) {
	m := NewDefaultModel()
	noon := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	calm := m.Calculate(Conditions{Timestamp: noon, Temp: 0, Latitude: 58.41, Longitude: 15.62})
	windy := m.Calculate(Conditions{Timestamp: noon, Temp: 0, WindSpeed: 8, Latitude: 58.41, Longitude: 15.62})
	humid := m.Calculate(Conditions{Timestamp: noon, Temp: 0, Humidity: 90, Latitude: 58.41, Longitude: 15.62})

	if windy.EffectiveTemp >= calm.EffectiveTemp {
		t.Fatalf("expected wind to lower effective temp: calm=%.2f windy=%.2f", calm.EffectiveTemp, windy.EffectiveTemp)
	}
	if humid.EffectiveTemp >= calm.EffectiveTemp {
		t.Fatalf("expected humidity above baseline to lower effective temp: calm=%.2f humid=%.2f", calm.EffectiveTemp, humid.EffectiveTemp)
	}
}

func TestNoSolarEffectBelowHorizon(t *testing.T) {
	m := NewDefaultModel()
	midnight := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	r := m.Calculate(Conditions{Timestamp: midnight, Temp: -5, Latitude: 58.41, Longitude: 15.62, CloudCover: 0})
	if r.SolarEffect != 0 {
		t.Fatalf("expected zero solar effect with sun below horizon, got %.2f", r.SolarEffect)
	}
	if r.SunElevation >= 0 {
		t.Fatalf("expected negative sun elevation at midnight, got %.2f", r.SunElevation)
	}
}

func TestCloudCoverReducesSolarEffect(t *testing.T) {
	m := NewDefaultModel()
	noon := time.Date(2026, 6, 21, 11, 0, 0, 0, time.UTC)

	clear := m.Calculate(Conditions{Timestamp: noon, Temp: 20, Latitude: 58.41, Longitude: 15.62, CloudCover: 0})
	overcast := m.Calculate(Conditions{Timestamp: noon, Temp: 20, Latitude: 58.41, Longitude: 15.62, CloudCover: 8})

	if overcast.SolarEffect >= clear.SolarEffect {
		t.Fatalf("expected overcast solar effect (%.2f) < clear solar effect (%.2f)", overcast.SolarEffect, clear.SolarEffect)
	}
}

func TestBaseTempPassthrough(t *testing.T) {
	m := NewDefaultModel()
	ts := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	r := m.Calculate(Conditions{Timestamp: ts, Temp: -12.5, Latitude: 58.41, Longitude: 15.62})
	if r.BaseTemp != -12.5 {
		t.Fatalf("BaseTemp = %.2f, want -12.5", r.BaseTemp)
	}
}
