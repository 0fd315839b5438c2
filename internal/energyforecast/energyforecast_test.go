package energyforecast

import (
	"testing"
	"time"

	"github.com/heatfetch/heatfetch/internal/effectivetemp"
	"github.com/heatfetch/heatfetch/internal/weather"
)

func TestGenerateOnlyPositiveDeltaHeats(t *testing.T) {
	model := effectivetemp.NewDefaultModel()
	forecast := []weather.ForecastPoint{
		{TargetTime: time.Date(2026, 1, 10, 2, 0, 0, 0, time.UTC), Temperature: -5, WindSpeed: 0, Humidity: 40, CloudCoverOctas: 8, LeadTimeHours: 1},
		{TargetTime: time.Date(2026, 7, 10, 12, 0, 0, 0, time.UTC), Temperature: 28, WindSpeed: 0, Humidity: 40, CloudCoverOctas: 0, LeadTimeHours: 2},
	}

	points := Generate(model, 58.4, 15.6, 0.07, 22.0, forecast)
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}
	if points[0].HeatingPowerKW <= 0 {
		t.Errorf("expected positive heating power in cold conditions, got %f", points[0].HeatingPowerKW)
	}
	if points[1].HeatingPowerKW != 0 {
		t.Errorf("expected zero heating power when effective temp exceeds target, got %f", points[1].HeatingPowerKW)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	if _, ok := Summarize(nil, 24); ok {
		t.Fatal("expected ok=false for empty points")
	}
}

func TestSummarizeClampsToAvailableHours(t *testing.T) {
	points := []Point{
		{HeatingPowerKW: 1, HeatingEnergyKWh: 1, OutdoorTemp: -1},
		{HeatingPowerKW: 2, HeatingEnergyKWh: 2, OutdoorTemp: -2},
	}
	summary, ok := Summarize(points, 24)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if summary.Hours != 2 {
		t.Errorf("expected clamped hours=2, got %d", summary.Hours)
	}
	if summary.TotalEnergyKWh != 3 {
		t.Errorf("expected total energy 3, got %f", summary.TotalEnergyKWh)
	}
	if summary.PeakPowerKW != 2 {
		t.Errorf("expected peak power 2, got %f", summary.PeakPowerKW)
	}
	if summary.MinOutdoorTemp != -2 {
		t.Errorf("expected min outdoor -2, got %f", summary.MinOutdoorTemp)
	}
}
