package worker

import (
	"context"
	"testing"
	"time"

	"github.com/heatfetch/heatfetch/internal/effectivetemp"
	"github.com/heatfetch/heatfetch/internal/entitycfg"
	"github.com/heatfetch/heatfetch/internal/envconfig"
)

func TestNextBoundaryAlignsToWallClock(t *testing.T) {
	now := time.Date(2026, 1, 15, 10, 7, 30, 0, time.UTC)
	got := nextBoundary(now, 15*time.Minute)
	want := time.Date(2026, 1, 15, 10, 15, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("nextBoundary(%s, 15m) = %s, want %s", now, got, want)
	}
}

func TestNextBoundarySkipsForwardNeverBackfires(t *testing.T) {
	// Exactly on a boundary should still move to the next one, not
	// return the instant just passed.
	now := time.Date(2026, 1, 15, 10, 15, 0, 0, time.UTC)
	got := nextBoundary(now, 15*time.Minute)
	want := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("nextBoundary at exact boundary = %s, want %s", got, want)
	}
}

func TestPerWorkerJitterIsDeterministicAndBounded(t *testing.T) {
	a := perWorkerJitter("house-123")
	b := perWorkerJitter("house-123")
	if a != b {
		t.Fatalf("jitter not deterministic: %s != %s", a, b)
	}
	if a < 0 || a >= maxPerWorkerJitter {
		t.Fatalf("jitter %s out of bounds [0, %s)", a, maxPerWorkerJitter)
	}

	c := perWorkerJitter("house-456")
	if a == c {
		t.Fatalf("expected distinct entities to usually get distinct jitter, got %s for both", a)
	}
}

func TestNormalizeAppliesBooleanCoercionAndRounding(t *testing.T) {
	signals := map[string]entitycfg.Signal{
		"supply_temp": {SignalID: "S1", FieldName: "supply_temp"},
		"pump_on":     {SignalID: "S2", FieldName: "pump_on", Category: "boolean"},
	}
	values := map[string]float64{
		"S1": 45.123456,
		"S2": 1,
	}

	got := normalize(signals, values)
	if got["supply_temp"] != 45.1235 {
		t.Fatalf("expected supply_temp rounded to 4 decimals, got %v", got["supply_temp"])
	}
	if got["pump_on"] != 1 {
		t.Fatalf("expected pump_on coerced to 1, got %v", got["pump_on"])
	}
}

func TestNormalizeBooleanCoercesNonzeroToOne(t *testing.T) {
	signals := map[string]entitycfg.Signal{
		"alarm": {SignalID: "S3", FieldName: "alarm", Category: "boolean"},
	}
	got := normalize(signals, map[string]float64{"S3": 2.0})
	if got["alarm"] != 1 {
		t.Fatalf("expected any nonzero boolean signal to coerce to 1, got %v", got["alarm"])
	}
}

func TestNormalizeSkipsSignalsMissingFromValues(t *testing.T) {
	signals := map[string]entitycfg.Signal{
		"supply_temp": {SignalID: "S1", FieldName: "supply_temp"},
		"return_temp": {SignalID: "S2", FieldName: "return_temp"},
	}
	got := normalize(signals, map[string]float64{"S1": 40.0})
	if _, ok := got["return_temp"]; ok {
		t.Fatalf("expected return_temp to be absent when S2 wasn't returned, got %+v", got)
	}
}

func TestNewAdapterRejectsUnknownConnectionSystem(t *testing.T) {
	entity := &entitycfg.Entity{
		EntityID:   "house1",
		Connection: entitycfg.Connection{System: "unknown_protocol"},
	}
	_, err := newAdapter(entity, envconfig.Credentials{Username: "u", Password: "p"})
	if err == nil {
		t.Fatal("expected an error for an unknown connection.system")
	}
}

func TestNewAdapterBuildsOneForEachKnownSystem(t *testing.T) {
	creds := envconfig.Credentials{Username: "u", Password: "p", Domain: "d"}
	for _, system := range []string{"arrigo_portal", "arrigo_direct", "ebo"} {
		entity := &entitycfg.Entity{
			EntityID:   "house1",
			Connection: entitycfg.Connection{System: system, BaseURL: "https://example.invalid"},
		}
		adapter, err := newAdapter(entity, creds)
		if err != nil {
			t.Fatalf("newAdapter(%s): unexpected error %v", system, err)
		}
		if adapter == nil {
			t.Fatalf("newAdapter(%s): expected a non-nil adapter", system)
		}
	}
}

func TestEffectiveTempModelUsesDefaultsBelowConfidenceThreshold(t *testing.T) {
	w := &Worker{
		coefficients: &entitycfg.WeatherCoefficients{
			SolarCoefficientML2: 99.0,
			WindCoefficientML2:  99.0,
			SolarConfidenceML2:  0.1,
		},
	}
	model := w.effectiveTempModel()
	if model.SolarCoefficient != effectivetemp.DefaultSolarCoefficient {
		t.Fatalf("expected default solar coefficient below confidence threshold, got %v", model.SolarCoefficient)
	}
}

func TestEffectiveTempModelUsesLearnedCoefficientsAboveConfidenceThreshold(t *testing.T) {
	w := &Worker{
		coefficients: &entitycfg.WeatherCoefficients{
			SolarCoefficientML2: 12.5,
			WindCoefficientML2:  0.42,
			SolarConfidenceML2:  0.3,
		},
	}
	model := w.effectiveTempModel()
	if model.SolarCoefficient != 12.5 {
		t.Fatalf("expected learned solar coefficient at the confidence threshold, got %v", model.SolarCoefficient)
	}
	if model.WindCoefficient != 0.42 {
		t.Fatalf("expected learned wind coefficient at the confidence threshold, got %v", model.WindCoefficient)
	}
}

func TestRunDailyTasksGatesOnStockholmLocalHourAndOncePerDay(t *testing.T) {
	w := &Worker{svc: Services{}}
	entity := &entitycfg.Entity{EntityID: "house1"}

	loc, err := time.LoadLocation(stockholmTZ)
	if err != nil {
		t.Skip("Europe/Stockholm tzdata unavailable in this environment")
	}

	before8 := time.Date(2026, 3, 10, 7, 59, 0, 0, loc)
	w.runDailyTasks(context.Background(), before8, entity)
	if w.lastDailyPipelineDay != "" {
		t.Fatalf("did not expect the daily pipeline to run before 08:00 local, got lastDailyPipelineDay=%q", w.lastDailyPipelineDay)
	}

	after8 := time.Date(2026, 3, 10, 8, 1, 0, 0, loc)
	w.runDailyTasks(context.Background(), after8, entity)
	if w.lastDailyPipelineDay != "2026-03-10" {
		t.Fatalf("expected the daily pipeline to run once past 08:00 local, got lastDailyPipelineDay=%q", w.lastDailyPipelineDay)
	}

	laterSameDay := time.Date(2026, 3, 10, 14, 0, 0, 0, loc)
	w.runDailyTasks(context.Background(), laterSameDay, entity)
	if w.lastDailyPipelineDay != "2026-03-10" {
		t.Fatalf("expected the daily pipeline gate to stay closed for the rest of the day")
	}
}
