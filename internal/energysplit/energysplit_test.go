package energysplit

import (
	"testing"

	"github.com/heatfetch/heatfetch/internal/entitycfg"
)

func TestComputeDayKCalibrationSplitsHeatingFromDHW(t *testing.T) {
	sep := entitycfg.EnergySeparation{
		Enabled:   true,
		Method:    entitycfg.SeparationMethodKCalibration,
		HeatLossK: 0.1,
	}
	temps := dailyTemp{indoor: 21, outdoor: -4} // deltaT=25, predicted heating = 0.1*25*24=60
	summary := computeDay("2026-01-10", sep, 80, expectedSamplesPerDay, temps, true, 0)

	if summary.NoBreakdown {
		t.Fatal("expected full coverage, not no_breakdown")
	}
	if summary.HeatingEnergyKWh != 60 {
		t.Errorf("expected heating=60, got %f", summary.HeatingEnergyKWh)
	}
	if summary.DHWEnergyKWh != 20 {
		t.Errorf("expected dhw=20 (80-60), got %f", summary.DHWEnergyKWh)
	}
}

func TestComputeDayLowCoverageSuppressesBreakdown(t *testing.T) {
	sep := entitycfg.EnergySeparation{Enabled: true, Method: entitycfg.SeparationMethodKCalibration, HeatLossK: 0.1}
	temps := dailyTemp{indoor: 21, outdoor: -4}

	// Only 10 of 24 expected hourly samples: coverage = 10/24 ≈ 0.417 < 0.80.
	summary := computeDay("2026-01-10", sep, 80, 10, temps, true, 0)

	if !summary.NoBreakdown {
		t.Fatal("expected no_breakdown with sparse coverage")
	}
	if summary.HeatingEnergyKWh != 0 || summary.DHWEnergyKWh != 0 {
		t.Errorf("expected heating and dhw suppressed to zero, got heating=%f dhw=%f", summary.HeatingEnergyKWh, summary.DHWEnergyKWh)
	}
	if summary.TotalEnergyKWh != 80 {
		t.Errorf("expected total_energy_kwh preserved even when no_breakdown, got %f", summary.TotalEnergyKWh)
	}
}

func TestComputeDayMissingKFallsBackToAllHeating(t *testing.T) {
	sep := entitycfg.EnergySeparation{Enabled: true, Method: entitycfg.SeparationMethodKCalibration}
	summary := computeDay("2026-01-10", sep, 50, expectedSamplesPerDay, dailyTemp{}, false, 0)

	if summary.HeatingEnergyKWh != 50 {
		t.Errorf("expected all energy classified as heating when k/temps unavailable, got %f", summary.HeatingEnergyKWh)
	}
	if summary.DHWEnergyKWh != 0 {
		t.Errorf("expected dhw=0, got %f", summary.DHWEnergyKWh)
	}
}

func TestComputeDayOnDemandDHWUsesActiveHours(t *testing.T) {
	sep := entitycfg.EnergySeparation{
		Enabled:       true,
		Method:        entitycfg.SeparationMethodOnDemandDHW,
		AvgDHWPowerKW: 25,
	}
	// 2 active DHW hours * 25kW = 50kWh of DHW out of 80kWh total.
	summary := computeDay("2026-01-10", sep, 80, expectedSamplesPerDay, dailyTemp{}, false, 2)

	if summary.DHWEnergyKWh != 50 {
		t.Errorf("expected dhw=50, got %f", summary.DHWEnergyKWh)
	}
	if summary.HeatingEnergyKWh != 30 {
		t.Errorf("expected heating=30, got %f", summary.HeatingEnergyKWh)
	}
}

func TestMeasurementForKind(t *testing.T) {
	if got := measurementFor(entitycfg.KindHouse); got != "heating_system" {
		t.Errorf("expected heating_system, got %s", got)
	}
	if got := measurementFor(entitycfg.KindBuilding); got != "building_system" {
		t.Errorf("expected building_system, got %s", got)
	}
}
