package kcalibrator

import (
	"testing"
	"time"

	"github.com/heatfetch/heatfetch/internal/entitycfg"
)

func TestComputeResultRequiresMinimumDays(t *testing.T) {
	if _, ok := computeResult("house-1", []float64{0.08, 0.09}, []float64{-2, -3}, 2, time.Now()); ok {
		t.Fatal("expected ok=false with fewer than MinDaysForCalibration qualifying days")
	}
}

func TestComputeResultTakes15thPercentile(t *testing.T) {
	// Ten increasing implied-k values contaminated by DHW draws on the
	// high end; the 15th percentile should land near the low (heating
	// only) tail rather than the median.
	kValues := []float64{0.05, 0.06, 0.06, 0.07, 0.07, 0.08, 0.09, 0.12, 0.15, 0.20}
	outdoor := make([]float64, len(kValues))
	for i := range outdoor {
		outdoor[i] = -5
	}

	result, ok := computeResult("house-1", kValues, outdoor, 10, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
	if !ok {
		t.Fatal("expected ok=true")
	}
	if result.KValue >= result.KMedian {
		t.Errorf("expected 15th percentile (%f) below median (%f)", result.KValue, result.KMedian)
	}
	if result.DaysUsed != 10 {
		t.Errorf("expected days_used=10, got %d", result.DaysUsed)
	}
	if result.Method != "heating_only_15pct" {
		t.Errorf("unexpected method %q", result.Method)
	}
	if result.AvgOutdoorTemp != -5 {
		t.Errorf("expected avg outdoor -5, got %f", result.AvgOutdoorTemp)
	}
}

func TestComputeResultConfidenceScalesWithDaysAndSpread(t *testing.T) {
	tight := []float64{0.10, 0.101, 0.099, 0.100, 0.1005}
	wide := []float64{0.05, 0.20, 0.02, 0.30, 0.01}
	outdoor := []float64{-1, -2, -3, -4, -5}

	tightResult, ok := computeResult("a", tight, outdoor, 5, time.Now())
	if !ok {
		t.Fatal("expected ok=true for tight")
	}
	wideResult, ok := computeResult("b", wide, outdoor, 5, time.Now())
	if !ok {
		t.Fatal("expected ok=true for wide")
	}

	if tightResult.Confidence <= wideResult.Confidence {
		t.Errorf("expected tight-spread confidence (%f) > wide-spread confidence (%f)", tightResult.Confidence, wideResult.Confidence)
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
