// Package ml2 is the solar-event detector and learned-weather-
// coefficient updater, plus the thermal-lag tracker. Grounded directly
// on weather_sensitivity_learner.py's WeatherSensitivityLearner:
// detection thresholds, the blended coefficient-update schedule, and
// the thermal-lag transition/resolution state machine are carried
// over unchanged; the out-of-scope predictive heating-adjustment
// advisor (an interactive-control surface) is not implemented here.
package ml2

import (
	"math"
	"sort"
	"time"

	"github.com/heatfetch/heatfetch/internal/entitycfg"
)

const (
	supplyReturnDeltaThreshold = 0.5
	outdoorIndoorDiffThreshold = 5.0
	cloudCoverThreshold        = 3.0
	sunElevationThreshold      = 10.0
	minEventDurationMinutes    = 30.0

	outdoorTempRiseThreshold    = 3.0
	outdoorTempAnomalyThreshold = 4.0

	firstUpdateEvents   = 3
	secondUpdateEvents  = 6
	regularUpdateEvents = 12

	newCoefficientWeight = 0.7
	oldCoefficientWeight = 0.3

	earlyWarningSunElevation  = 5.0
	earlyWarningAnomaly       = 3.0
	earlyWarningRapidRise     = 2.0
	earlyWarningClearBelow    = 2.0

	baselineSunElevation = 5.0
	baselineWindowSize   = 8

	bufferWindow = 24 * time.Hour

	thermalLagWindow          = 4 * time.Hour
	thermalTransitionLookback = 2 * time.Hour
	thermalTransitionDelta    = 3.0
	thermalResolveDelta       = 0.5
	thermalTransitionTimeout  = 4 * time.Hour
)

// DefaultSensorCloudOverride is the effective cloud cover (octas) used
// in the implied-coefficient calculation for a sensor-detected event
// whose reported cloud cover was at or above cloudCoverThreshold.
const DefaultSensorCloudOverride = 1.5

// Observation is one worker-tick reading fed to the detector.
type Observation struct {
	Timestamp   time.Time
	SupplyTemp  float64
	ReturnTemp  float64
	IndoorTemp  float64
	OutdoorTemp float64
	CloudOctas  float64
	WindSpeed   float64
	SunElevDeg  float64
}

func (o Observation) supplyReturnDelta() float64 { return o.SupplyTemp - o.ReturnTemp }

// SolarEvent is one detected period of solar-driven heating reduction.
type SolarEvent struct {
	Start                   time.Time
	End                     time.Time
	DurationMinutes         float64
	AvgSupplyReturnDelta    float64
	AvgOutdoorTemp          float64
	AvgIndoorTemp           float64
	AvgCloudCover           float64
	AvgSunElevation         float64
	AvgWindSpeed            float64
	ImpliedSolarCoefficient float64
	ObservationsCount       int
	PeakSunElevation        float64
}

// ThermalTransition is one resolved thermal-lag measurement.
type ThermalTransition struct {
	Rising      bool
	LagMinutes  float64
	Confidence  float64
}

type pendingTransition struct {
	rising       bool
	start        time.Time
	indoorAtStart float64
}

type effectiveTempSample struct {
	t         time.Time
	effective float64
	indoor    float64
}

// Detector tracks one entity's solar-event and thermal-lag state
// across ticks. It is not safe for concurrent use; each entity worker
// owns its own Detector.
type Detector struct {
	coefficients *entitycfg.WeatherCoefficients
	timing       *entitycfg.ThermalTiming

	// SensorCloudOverride replaces the averaged cloud cover when a
	// sensor-detected event reported cloud cover at or above
	// cloudCoverThreshold. NewDetector sets DefaultSensorCloudOverride.
	SensorCloudOverride float64

	buffer []Observation

	eventStart        time.Time
	eventObservations []Observation

	detectedEvents []SolarEvent

	baselineSamples []float64
	baseline        *float64

	earlyWarningActive bool
	earlyWarningStart  time.Time

	effectiveTempHistory []effectiveTempSample
	pendingTransitions   []pendingTransition
}

// NewDetector constructs a Detector bound to the entity's learned
// state. Mutations to coefficients/timing are written back in place so
// the caller can persist *coefficients/*timing to the entity record.
func NewDetector(coefficients *entitycfg.WeatherCoefficients, timing *entitycfg.ThermalTiming) *Detector {
	return &Detector{coefficients: coefficients, timing: timing, SensorCloudOverride: DefaultSensorCloudOverride}
}

func solarIntensity(sunElevDeg float64) float64 {
	if sunElevDeg <= 0 {
		return 0
	}
	return math.Sin(sunElevDeg * math.Pi / 180)
}

func cloudTransmission(cloudOctas float64) float64 {
	return 1.0 - (cloudOctas/8.0)*0.9
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// AddObservation feeds one tick's reading into the detector. It
// returns a completed SolarEvent if one just closed.
func (d *Detector) AddObservation(obs Observation) *SolarEvent {
	d.buffer = append(d.buffer, obs)
	d.trimBuffer(obs.Timestamp)
	d.updateBaseline(obs)

	if d.isSolarCondition(obs) {
		if d.eventStart.IsZero() {
			d.eventStart = obs.Timestamp
			d.eventObservations = []Observation{obs}
		} else {
			d.eventObservations = append(d.eventObservations, obs)
		}
		return nil
	}

	event := d.finalizeEvent()
	if event != nil {
		d.detectedEvents = append(d.detectedEvents, *event)
		d.coefficients.EventsSinceLastUpdate++
		d.coefficients.TotalSolarEvents++
	}
	return event
}

func (d *Detector) trimBuffer(now time.Time) {
	cutoff := now.Add(-bufferWindow)
	i := 0
	for ; i < len(d.buffer); i++ {
		if d.buffer[i].Timestamp.After(cutoff) {
			break
		}
	}
	d.buffer = d.buffer[i:]
}

func (d *Detector) updateBaseline(obs Observation) {
	if obs.SunElevDeg >= baselineSunElevation {
		return
	}
	d.baselineSamples = append(d.baselineSamples, obs.OutdoorTemp)
	if len(d.baselineSamples) > baselineWindowSize {
		d.baselineSamples = d.baselineSamples[len(d.baselineSamples)-baselineWindowSize:]
	}
	if len(d.baselineSamples) >= 2 {
		sorted := append([]float64(nil), d.baselineSamples...)
		sort.Float64s(sorted)
		median := sorted[len(sorted)/2]
		d.baseline = &median
	}
}

func (d *Detector) recentOutdoorRise(window time.Duration, now time.Time) float64 {
	var minTemp = math.Inf(1)
	found := false
	for i := len(d.buffer) - 1; i >= 0; i-- {
		o := d.buffer[i]
		if now.Sub(o.Timestamp) > window {
			break
		}
		if o.Timestamp.Equal(now) {
			continue
		}
		if o.OutdoorTemp < minTemp {
			minTemp = o.OutdoorTemp
			found = true
		}
	}
	if !found {
		return 0
	}
	return d.buffer[len(d.buffer)-1].OutdoorTemp - minTemp
}

func (d *Detector) sensorSolarExposure(obs Observation) bool {
	if d.baseline != nil {
		if obs.OutdoorTemp-*d.baseline >= outdoorTempAnomalyThreshold {
			return true
		}
	}
	if len(d.buffer) >= 2 {
		rise := d.recentOutdoorRise(30*time.Minute, obs.Timestamp)
		if rise >= outdoorTempRiseThreshold {
			return true
		}
	}
	return false
}

func (d *Detector) isSolarCondition(obs Observation) bool {
	if obs.supplyReturnDelta() >= supplyReturnDeltaThreshold {
		return false
	}

	baselineTemp := obs.OutdoorTemp
	if d.baseline != nil {
		baselineTemp = *d.baseline
	}
	if obs.IndoorTemp-baselineTemp < outdoorIndoorDiffThreshold {
		return false
	}

	if obs.SunElevDeg <= sunElevationThreshold {
		return false
	}

	clearSky := obs.CloudOctas < cloudCoverThreshold
	return clearSky || d.sensorSolarExposure(obs)
}

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func (d *Detector) finalizeEvent() *SolarEvent {
	if d.eventStart.IsZero() || len(d.eventObservations) == 0 {
		d.eventStart = time.Time{}
		d.eventObservations = nil
		return nil
	}

	observations := d.eventObservations
	duration := observations[len(observations)-1].Timestamp.Sub(observations[0].Timestamp).Minutes()

	d.eventStart = time.Time{}
	d.eventObservations = nil

	if duration < minEventDurationMinutes {
		return nil
	}

	deltas := make([]float64, len(observations))
	outdoors := make([]float64, len(observations))
	indoors := make([]float64, len(observations))
	clouds := make([]float64, len(observations))
	suns := make([]float64, len(observations))
	winds := make([]float64, len(observations))
	peakSun := math.Inf(-1)
	for i, o := range observations {
		deltas[i] = o.supplyReturnDelta()
		outdoors[i] = o.OutdoorTemp
		indoors[i] = o.IndoorTemp
		clouds[i] = o.CloudOctas
		suns[i] = o.SunElevDeg
		winds[i] = o.WindSpeed
		if o.SunElevDeg > peakSun {
			peakSun = o.SunElevDeg
		}
	}

	avgOutdoorSensor := avg(outdoors)
	avgIndoor := avg(indoors)
	avgCloud := avg(clouds)
	avgSun := avg(suns)
	avgWind := avg(winds)

	avgOutdoor := avgOutdoorSensor
	sensorDetected := false
	if d.baseline != nil {
		avgOutdoor = *d.baseline
		sensorDetected = avgOutdoorSensor-*d.baseline >= outdoorTempAnomalyThreshold
	}

	effectiveCloud := avgCloud
	if sensorDetected && avgCloud >= cloudCoverThreshold {
		effectiveCloud = d.SensorCloudOverride
	}

	implied := d.impliedSolarCoefficient(avgIndoor, avgOutdoor, effectiveCloud, avgSun, avgWind)

	return &SolarEvent{
		Start:                   observations[0].Timestamp,
		End:                     observations[len(observations)-1].Timestamp,
		DurationMinutes:         duration,
		AvgSupplyReturnDelta:    avg(deltas),
		AvgOutdoorTemp:          avgOutdoor,
		AvgIndoorTemp:           avgIndoor,
		AvgCloudCover:           avgCloud,
		AvgSunElevation:         avgSun,
		AvgWindSpeed:            avgWind,
		ImpliedSolarCoefficient: implied,
		ObservationsCount:       len(observations),
		PeakSunElevation:        peakSun,
	}
}

func (d *Detector) impliedSolarCoefficient(indoor, outdoor, cloud, sunElev, wind float64) float64 {
	if sunElev <= 0 {
		return 0
	}
	intensity := solarIntensity(sunElev)
	combined := intensity * cloudTransmission(cloud)
	if combined < 0.1 {
		return 0
	}

	if d.baseline != nil && len(d.buffer) > 0 {
		recent := d.buffer[len(d.buffer)-1]
		anomaly := recent.OutdoorTemp - *d.baseline
		if anomaly > 1.0 {
			return clamp(anomaly/combined, 15.0, 80.0)
		}
	}

	windEffect := d.coefficients.WindCoefficientML2 * math.Sqrt(math.Max(0, wind))
	solarEffect := indoor - outdoor + windEffect
	return clamp(solarEffect/combined, 15.0, 60.0)
}

// ShouldUpdateCoefficients reports whether enough new events have
// accumulated to run UpdateCoefficients.
func (d *Detector) ShouldUpdateCoefficients() bool {
	return d.coefficients.EventsSinceLastUpdate >= d.coefficients.NextUpdateAtEvents
}

// UpdateCoefficients blends the median (or mean, for <3 events) of the
// implied coefficients from events since the last update into the
// learned solar coefficient, updates confidence, and advances the
// update schedule.
func (d *Detector) UpdateCoefficients(now time.Time) {
	if len(d.detectedEvents) == 0 {
		return
	}

	n := d.coefficients.EventsSinceLastUpdate
	if n > len(d.detectedEvents) {
		n = len(d.detectedEvents)
	}
	recent := d.detectedEvents[len(d.detectedEvents)-n:]
	if len(recent) == 0 {
		return
	}

	implied := make([]float64, len(recent))
	for i, e := range recent {
		implied[i] = e.ImpliedSolarCoefficient
	}
	sort.Float64s(implied)

	var newCoeff float64
	if len(implied) >= 3 {
		newCoeff = implied[len(implied)/2]
	} else {
		newCoeff = avg(implied)
	}

	oldCoeff := d.coefficients.SolarCoefficientML2
	blended := newCoefficientWeight*newCoeff + oldCoefficientWeight*oldCoeff

	stability := 1.0 - math.Min(1.0, math.Abs(newCoeff-oldCoeff)/20.0)
	eventConfidence := math.Min(1.0, float64(d.coefficients.TotalSolarEvents)/20.0)
	newConfidence := 0.5*stability + 0.5*eventConfidence

	d.coefficients.SolarCoefficientML2 = math.Round(blended*10) / 10
	d.coefficients.SolarConfidenceML2 = math.Round(newConfidence*100) / 100
	d.coefficients.EventsSinceLastUpdate = 0
	d.coefficients.UpdatedAt = now.UTC().Format(time.RFC3339)

	switch d.coefficients.NextUpdateAtEvents {
	case firstUpdateEvents:
		d.coefficients.NextUpdateAtEvents = secondUpdateEvents
	case secondUpdateEvents:
		d.coefficients.NextUpdateAtEvents = regularUpdateEvents
	}
}

// EarlyWarningActive reports the current solar early-warning flag,
// updated each tick by TrackEarlyWarning.
func (d *Detector) EarlyWarningActive() bool { return d.earlyWarningActive }

// TrackEarlyWarning updates the independent early-warning signal from
// the latest observation; it does not affect event finalization.
func (d *Detector) TrackEarlyWarning(obs Observation) {
	if obs.SunElevDeg < earlyWarningSunElevation {
		d.earlyWarningActive = false
		return
	}
	if d.baseline == nil {
		return
	}

	anomaly := obs.OutdoorTemp - *d.baseline
	rapidRise := false
	if len(d.buffer) >= 2 {
		rapidRise = d.recentOutdoorRise(15*time.Minute, obs.Timestamp) >= earlyWarningRapidRise
	}

	if anomaly >= earlyWarningAnomaly || rapidRise {
		if !d.earlyWarningActive {
			d.earlyWarningActive = true
			d.earlyWarningStart = obs.Timestamp
		}
		return
	}
	if d.earlyWarningActive && anomaly < earlyWarningClearBelow {
		d.earlyWarningActive = false
	}
}

// TrackThermalLag records one tick's effective-temperature/indoor pair
// and resolves any pending transition whose indoor response has
// arrived. Returns a ThermalTransition if one resolved this tick.
func (d *Detector) TrackThermalLag(t time.Time, effectiveTemp, indoorTemp float64) *ThermalTransition {
	d.effectiveTempHistory = append(d.effectiveTempHistory, effectiveTempSample{t: t, effective: effectiveTemp, indoor: indoorTemp})

	cutoff := t.Add(-thermalLagWindow)
	i := 0
	for ; i < len(d.effectiveTempHistory); i++ {
		if d.effectiveTempHistory[i].t.After(cutoff) {
			break
		}
	}
	d.effectiveTempHistory = d.effectiveTempHistory[i:]

	lookback := d.sampleAt(t.Add(-thermalTransitionLookback))
	if lookback != nil {
		change := effectiveTemp - lookback.effective
		if math.Abs(change) >= thermalTransitionDelta {
			rising := change > 0
			d.recordTransition(rising, t, lookback.indoor)
		}
	}

	return d.resolvePendingTransitions(t, indoorTemp)
}

func (d *Detector) sampleAt(target time.Time) *effectiveTempSample {
	var best *effectiveTempSample
	for i := range d.effectiveTempHistory {
		s := d.effectiveTempHistory[i]
		if s.t.After(target) {
			continue
		}
		if best == nil || s.t.After(best.t) {
			best = &d.effectiveTempHistory[i]
		}
	}
	return best
}

func (d *Detector) recordTransition(rising bool, start time.Time, indoorAtStart float64) {
	for _, p := range d.pendingTransitions {
		if p.rising == rising && start.Sub(p.start) < 2*time.Hour {
			return
		}
	}
	d.pendingTransitions = append(d.pendingTransitions, pendingTransition{rising: rising, start: start, indoorAtStart: indoorAtStart})
}

func (d *Detector) resolvePendingTransitions(now time.Time, indoorTemp float64) *ThermalTransition {
	var resolved *ThermalTransition
	remaining := d.pendingTransitions[:0]

	for _, p := range d.pendingTransitions {
		age := now.Sub(p.start)
		if age > thermalTransitionTimeout {
			continue
		}

		indoorChange := indoorTemp - p.indoorAtStart
		direction := -1.0
		if p.rising {
			direction = 1.0
		}

		if indoorChange*direction >= thermalResolveDelta {
			confidence := math.Min(1.0, math.Abs(indoorChange))
			d.blendThermalTiming(p.rising, age.Minutes(), confidence)
			resolved = &ThermalTransition{Rising: p.rising, LagMinutes: age.Minutes(), Confidence: confidence}
			d.timing.TransitionCount++
			continue
		}
		remaining = append(remaining, p)
	}

	d.pendingTransitions = remaining
	return resolved
}

func (d *Detector) blendThermalTiming(rising bool, lagMinutes, confidence float64) {
	weight := 0.3 * confidence
	if rising {
		d.timing.HeatUpLagMinutes = (1-weight)*d.timing.HeatUpLagMinutes + weight*lagMinutes
	} else {
		d.timing.CoolDownLagMinutes = (1-weight)*d.timing.CoolDownLagMinutes + weight*lagMinutes
	}
	d.timing.Confidence = math.Min(1.0, float64(d.timing.TransitionCount)/10.0)
}
