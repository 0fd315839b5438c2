package solarpos

import (
	"math"
	"testing"
	"time"
)

func TestCalculateMiddayElevationHigherThanMidnight(t *testing.T) {
	lat, lon := 58.41, 15.62 // Norrkoping, Sweden
	day := time.Date(2026, 6, 21, 0, 0, 0, 0, time.UTC)

	noon := day.Add(11 * time.Hour) // roughly local solar noon
	midnight := day.Add(23 * time.Hour)

	noonPos := Calculate(noon, lat, lon)
	midnightPos := Calculate(midnight, lat, lon)

	if noonPos.ElevationDeg <= midnightPos.ElevationDeg {
		t.Fatalf("expected midday elevation (%.2f) > midnight elevation (%.2f)",
			noonPos.ElevationDeg, midnightPos.ElevationDeg)
	}
	if noonPos.ElevationDeg <= 0 {
		t.Fatalf("expected sun above horizon at midday in June, got %.2f", noonPos.ElevationDeg)
	}
	if midnightPos.ElevationDeg >= 0 {
		t.Fatalf("expected sun below horizon near midnight, got %.2f", midnightPos.ElevationDeg)
	}
}

func TestDeclinationSeasonalSign(t *testing.T) {
	summerSolstice := time.Date(2026, 6, 21, 12, 0, 0, 0, time.UTC)
	winterSolstice := time.Date(2026, 12, 21, 12, 0, 0, 0, time.UTC)

	summer := Calculate(summerSolstice, 58.41, 15.62)
	winter := Calculate(winterSolstice, 58.41, 15.62)

	if summer.DeclinationDeg <= 0 {
		t.Fatalf("expected positive declination near summer solstice, got %.2f", summer.DeclinationDeg)
	}
	if winter.DeclinationDeg >= 0 {
		t.Fatalf("expected negative declination near winter solstice, got %.2f", winter.DeclinationDeg)
	}
}

func TestEquationOfTimeBounded(t *testing.T) {
	for month := 1; month <= 12; month++ {
		ts := time.Date(2026, time.Month(month), 15, 12, 0, 0, 0, time.UTC)
		pos := Calculate(ts, 58.41, 15.62)
		if math.Abs(pos.EquationOfTimeMin) > 20 {
			t.Fatalf("month %d: equation of time out of expected bounds: %.2f", month, pos.EquationOfTimeMin)
		}
	}
}

func TestElevationConvenience(t *testing.T) {
	ts := time.Date(2026, 6, 21, 11, 0, 0, 0, time.UTC)
	if got, want := Elevation(ts, 58.41, 15.62), Calculate(ts, 58.41, 15.62).ElevationDeg; got != want {
		t.Fatalf("Elevation() = %.4f, want %.4f", got, want)
	}
}
