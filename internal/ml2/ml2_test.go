package ml2

import (
	"testing"
	"time"

	"github.com/heatfetch/heatfetch/internal/entitycfg"
)

func newDetector() (*Detector, *entitycfg.WeatherCoefficients, *entitycfg.ThermalTiming) {
	coeffs := &entitycfg.WeatherCoefficients{
		SolarCoefficientML2: 6.0,
		WindCoefficientML2:  0.15,
		NextUpdateAtEvents:  3,
	}
	timing := &entitycfg.ThermalTiming{HeatUpLagMinutes: 60, CoolDownLagMinutes: 90}
	return NewDetector(coeffs, timing), coeffs, timing
}

func buildBaseline(d *Detector, start time.Time) {
	for i := 0; i < 4; i++ {
		d.AddObservation(Observation{
			Timestamp:   start.Add(time.Duration(i) * 15 * time.Minute),
			SupplyTemp:  55,
			ReturnTemp:  50,
			IndoorTemp:  21,
			OutdoorTemp: -5,
			CloudOctas:  6,
			WindSpeed:   2,
			SunElevDeg:  -10,
		})
	}
}

func TestSolarEventDetectedAndFinalized(t *testing.T) {
	d, _, _ := newDetector()
	start := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	buildBaseline(d, start)

	base := start.Add(1 * time.Hour)
	var event *SolarEvent
	for i := 0; i < 4; i++ {
		event = d.AddObservation(Observation{
			Timestamp:   base.Add(time.Duration(i) * 15 * time.Minute),
			SupplyTemp:  50.1,
			ReturnTemp:  50.0,
			IndoorTemp:  21,
			OutdoorTemp: -5,
			CloudOctas:  1,
			WindSpeed:   1,
			SunElevDeg:  30,
		})
	}
	// Closing observation: heating resumes.
	event = d.AddObservation(Observation{
		Timestamp:   base.Add(4 * 15 * time.Minute),
		SupplyTemp:  55,
		ReturnTemp:  50,
		IndoorTemp:  21,
		OutdoorTemp: -5,
		CloudOctas:  1,
		WindSpeed:   1,
		SunElevDeg:  30,
	})

	if event == nil {
		t.Fatal("expected a finalized solar event after heating resumed")
	}
	if event.DurationMinutes < minEventDurationMinutes {
		t.Fatalf("expected event duration >= %v, got %v", minEventDurationMinutes, event.DurationMinutes)
	}
	if event.ImpliedSolarCoefficient < 15 || event.ImpliedSolarCoefficient > 80 {
		t.Fatalf("implied coefficient out of clamp range: %v", event.ImpliedSolarCoefficient)
	}
}

func TestShortEventDiscarded(t *testing.T) {
	d, _, _ := newDetector()
	start := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	buildBaseline(d, start)

	base := start.Add(1 * time.Hour)
	d.AddObservation(Observation{Timestamp: base, SupplyTemp: 50.1, ReturnTemp: 50.0, IndoorTemp: 21, OutdoorTemp: -5, CloudOctas: 1, WindSpeed: 1, SunElevDeg: 30})
	event := d.AddObservation(Observation{Timestamp: base.Add(5 * time.Minute), SupplyTemp: 55, ReturnTemp: 50, IndoorTemp: 21, OutdoorTemp: -5, CloudOctas: 1, WindSpeed: 1, SunElevDeg: 30})

	if event != nil {
		t.Fatal("expected a sub-minimum-duration event to be discarded")
	}
}

func TestCoefficientUpdateSchedule(t *testing.T) {
	d, coeffs, _ := newDetector()
	coeffs.EventsSinceLastUpdate = 3
	coeffs.TotalSolarEvents = 3

	if !d.ShouldUpdateCoefficients() {
		t.Fatal("expected update due at 3 events")
	}

	d.detectedEvents = []SolarEvent{
		{ImpliedSolarCoefficient: 40},
		{ImpliedSolarCoefficient: 45},
		{ImpliedSolarCoefficient: 50},
	}
	d.UpdateCoefficients(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	if coeffs.NextUpdateAtEvents != secondUpdateEvents {
		t.Fatalf("expected schedule to advance to %d, got %d", secondUpdateEvents, coeffs.NextUpdateAtEvents)
	}
	if coeffs.EventsSinceLastUpdate != 0 {
		t.Fatal("expected events-since-last-update to reset")
	}
	if coeffs.SolarCoefficientML2 <= 6.0 {
		t.Fatalf("expected solar coefficient to move toward the new implied values, got %v", coeffs.SolarCoefficientML2)
	}
}

func TestThermalLagResolvesRisingTransition(t *testing.T) {
	d, _, timing := newDetector()
	start := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

	t0 := start
	for i := 0; i < 9; i++ {
		d.TrackThermalLag(t0.Add(time.Duration(i)*15*time.Minute), -5, 20)
	}

	transition := d.TrackThermalLag(t0.Add(9*15*time.Minute), 0, 20)
	if transition != nil {
		t.Fatal("did not expect resolution on the tick the transition started")
	}

	resolved := d.TrackThermalLag(t0.Add(10*15*time.Minute), 0, 20.6)
	if resolved == nil {
		t.Fatal("expected a resolved rising transition once indoor moved 0.6C")
	}
	if !resolved.Rising {
		t.Fatal("expected a rising transition")
	}
	if timing.TransitionCount != 1 {
		t.Fatalf("expected transition count 1, got %d", timing.TransitionCount)
	}
}
