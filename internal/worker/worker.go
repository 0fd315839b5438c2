// Package worker implements the per-entity boundary-aligned clock
// loop (spec §4.2): ensure-authenticated, fetch, normalize, write,
// enrich, daily tasks, sleep-to-boundary. Grounded on the teacher's
// per-station polling idiom (internal/weatherstations/davis/station.go
// GetLoopPackets), rebuilt around a wall-clock-aligned timer since the
// teacher's stations free-run on read latency and ours must land on
// :00/:15/:30/:45-style boundaries.
package worker

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/heatfetch/heatfetch/internal/bms"
	"github.com/heatfetch/heatfetch/internal/bms/direct"
	"github.com/heatfetch/heatfetch/internal/bms/ebo"
	"github.com/heatfetch/heatfetch/internal/bms/portal"
	"github.com/heatfetch/heatfetch/internal/effectivetemp"
	"github.com/heatfetch/heatfetch/internal/energyforecast"
	"github.com/heatfetch/heatfetch/internal/energyimport"
	"github.com/heatfetch/heatfetch/internal/energysplit"
	"github.com/heatfetch/heatfetch/internal/entitycfg"
	"github.com/heatfetch/heatfetch/internal/envconfig"
	"github.com/heatfetch/heatfetch/internal/eventlog"
	"github.com/heatfetch/heatfetch/internal/gapfiller"
	"github.com/heatfetch/heatfetch/internal/kcalibrator"
	"github.com/heatfetch/heatfetch/internal/ml2"
	"github.com/heatfetch/heatfetch/internal/tsstore"
	"github.com/heatfetch/heatfetch/internal/weather"
)

const (
	stockholmTZ = "Europe/Stockholm"

	dailyPipelineHour        = 8
	recalibrationFallback    = 72 * time.Hour
	forecastCadence          = weather.DefaultForecastInterval
	forecastHoursAhead       = 72
	defaultTargetIndoorTemp  = 21.0
	maxPerWorkerJitter       = 30 * time.Second
	failureEscalationDefault = 120 * time.Minute

	fieldSupplyTemp = "supply_temp"
	fieldReturnTemp = "return_temp"
	fieldIndoorTemp = "room_temperature"
)

// Services bundles the process-wide collaborators every worker shares.
// Workers receive a reference to each, never a global (spec §9).
type Services struct {
	Store      *entitycfg.Store
	Writer     *tsstore.Writer
	Weather    *weather.Service
	EventLog   *eventlog.Sink
	Calibrator *kcalibrator.Calibrator
	Splitter   *energysplit.Splitter
	Importer   *energyimport.Importer
	Logger     *zap.SugaredLogger

	// GapfillCheckpointDir is where the per-entity gap-filler
	// checkpoint is written; empty disables checkpointing.
	GapfillCheckpointDir string

	// FailureEscalation overrides the default 120-minute
	// consecutive-failure escalation threshold (spec §4.2); zero uses
	// the default.
	FailureEscalation time.Duration
}

// Worker drives one entity's poll/normalize/write/enrich loop. All of
// its in-memory state (buffer, baseline, event accumulator, failure
// clock) is owned exclusively by this worker; nothing here is shared
// across entities (spec §3 "Ownership & lifecycle").
type Worker struct {
	entityID string
	kind     entitycfg.Kind
	svc      Services
	logger   *zap.SugaredLogger

	adapter bms.Adapter
	gap     *gapfiller.Filler
	ml2     *ml2.Detector

	coefficients *entitycfg.WeatherCoefficients
	timing       *entitycfg.ThermalTiming

	jitter time.Duration

	failureSince         time.Time
	lastForecastAt       time.Time
	lastDailyPipelineDay string
	lastRecalibrationAt  time.Time

	lastIndoorTemp float64

	// lastTickUnixNano records the wall-clock time of the worker's most
	// recent completed iteration, for internal/opsapi's /healthz. It's
	// read from a different goroutine than the one that writes it.
	lastTickUnixNano atomic.Int64
}

// LastTickAt returns the time of the worker's most recent completed
// iteration, or the zero Time if it hasn't run one yet.
func (w *Worker) LastTickAt() time.Time {
	nanos := w.lastTickUnixNano.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// New constructs a Worker for entityID. It resolves BMS credentials
// and constructs the matching protocol adapter; missing credentials or
// an unknown connection.system are a fatal per-entity startup error
// (spec §6), which the supervisor surfaces as "log and don't spawn",
// leaving other workers unaffected.
func New(entityID string, svc Services) (*Worker, error) {
	entity, ok := svc.Store.Get(entityID)
	if !ok {
		return nil, fmt.Errorf("worker: unknown entity %q", entityID)
	}

	creds, err := envconfig.ResolveCredentials(nil, entity.Connection.CredentialRef, entityID)
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}

	adapter, err := newAdapter(entity, creds)
	if err != nil {
		return nil, err
	}

	logger := svc.Logger
	if logger != nil {
		logger = logger.With("entity_id", entityID, "kind", string(entity.Kind))
	}

	coefficients := &entity.Learned.WeatherCoefficients
	if coefficients.NextUpdateAtEvents == 0 {
		coefficients.NextUpdateAtEvents = 3
	}
	if coefficients.SolarCoefficientML2 == 0 {
		coefficients.SolarCoefficientML2 = effectivetemp.DefaultSolarCoefficient
	}
	if coefficients.WindCoefficientML2 == 0 {
		coefficients.WindCoefficientML2 = 0.15
	}
	timing := &entity.Learned.ThermalTiming

	w := &Worker{
		entityID:     entityID,
		kind:         entity.Kind,
		svc:          svc,
		logger:       logger,
		adapter:      adapter,
		gap:          gapfiller.New(svc.Writer, svc.Weather.Client(), svc.GapfillCheckpointDir, logger),
		ml2:          ml2.NewDetector(coefficients, timing),
		coefficients: coefficients,
		timing:       timing,
		jitter:       perWorkerJitter(entityID),
	}
	return w, nil
}

func perWorkerJitter(entityID string) time.Duration {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	n := time.Duration(h.Sum32() % uint32(maxPerWorkerJitter/time.Millisecond))
	return n * time.Millisecond
}

func newAdapter(entity *entitycfg.Entity, creds envconfig.Credentials) (bms.Adapter, error) {
	switch entity.Connection.System {
	case "arrigo_portal":
		url := entity.Connection.BaseURL
		if url == "" {
			url = entity.Connection.Host
		}
		return portal.New(url, creds.Username, creds.Password), nil
	case "arrigo_direct":
		host := entity.Connection.Host
		if host == "" {
			host = entity.Connection.BaseURL
		}
		return direct.New(host, creds.Username, creds.Password), nil
	case "ebo":
		url := entity.Connection.BaseURL
		if url == "" {
			url = entity.Connection.Host
		}
		domain := creds.Domain
		if domain == "" {
			domain = entity.Connection.Domain
		}
		return ebo.New(url, creds.Username, creds.Password, domain), nil
	default:
		return nil, fmt.Errorf("worker: unknown connection.system %q for entity %q", entity.Connection.System, entity.EntityID)
	}
}

// Run is the worker's boundary-aligned clock loop. It returns when ctx
// is cancelled. A gap-filling pass kicks off in the background at
// startup (spec §4.9): it never blocks the first tick from reaching
// its boundary.
func (w *Worker) Run(ctx context.Context) {
	go w.runInitialGapFill(ctx)

	for {
		entity, ok := w.svc.Store.Get(w.entityID)
		if !ok {
			if w.logger != nil {
				w.logger.Warnw("worker: entity no longer in config store, stopping")
			}
			return
		}
		interval := entity.DefaultPollInterval()

		boundary := nextBoundary(time.Now(), interval)
		wake := boundary.Add(w.jitter)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(wake)):
		}

		if ctx.Err() != nil {
			return
		}

		t0 := time.Now().Truncate(time.Second)
		err := w.runIteration(ctx, t0, entity)
		w.lastTickUnixNano.Store(t0.UnixNano())
		w.trackFailure(ctx, err)
		w.runDailyTasks(ctx, t0, entity)
	}
}

func (w *Worker) runInitialGapFill(ctx context.Context) {
	entity, ok := w.svc.Store.Get(w.entityID)
	if !ok {
		return
	}
	w.gap.Fill(ctx, entity, w.adapter)
}

// nextBoundary returns the next instant t such that
// minute(t) % (interval in minutes) == 0, strictly after now.
func nextBoundary(now time.Time, interval time.Duration) time.Time {
	truncated := now.Truncate(interval)
	if !truncated.After(now) {
		truncated = truncated.Add(interval)
	}
	return truncated
}

func (w *Worker) trackFailure(ctx context.Context, err error) {
	threshold := w.svc.FailureEscalation
	if threshold <= 0 {
		threshold = failureEscalationDefault
	}

	if err != nil {
		if w.failureSince.IsZero() {
			w.failureSince = time.Now()
		}
		duration := time.Since(w.failureSince)
		if w.logger != nil {
			if duration >= threshold {
				w.logger.Errorw("worker: iteration failed, escalated", "error", err, "failure_duration", duration)
			} else {
				w.logger.Warnw("worker: iteration failed", "error", err, "failure_duration", duration)
			}
		}
		return
	}

	if !w.failureSince.IsZero() {
		duration := time.Since(w.failureSince)
		w.failureSince = time.Time{}
		if w.logger != nil {
			w.logger.Infow("worker: recovered", "prior_failure_duration", duration)
		}
		if w.svc.EventLog != nil {
			w.svc.EventLog.Restored(ctx, "worker:"+w.entityID, duration)
		}
	}
}

// runIteration executes the nine operations of spec §4.2 for a single
// tick. A returned error marks the whole iteration failed for the
// purposes of the consecutive-failure clock; individual best-effort
// sub-steps (forecast, daily tasks) log and continue rather than
// failing the core poll/write path.
func (w *Worker) runIteration(ctx context.Context, t0 time.Time, entity *entitycfg.Entity) error {
	measurement := "heating_system"
	if entity.Kind == entitycfg.KindBuilding {
		measurement = "building_system"
	}

	// 1. Ensure authenticated.
	if err := w.adapter.Authenticate(ctx); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	// 2. Read current values, with a single refresh-and-retry on an
	// empty result (spec: "zero variables returned or a 401").
	fetchSignals := entity.FetchSignals()
	signalIDs := make([]string, 0, len(fetchSignals))
	for _, sig := range fetchSignals {
		signalIDs = append(signalIDs, sig.SignalID)
	}

	values, err := w.adapter.ReadCurrentValues(ctx, signalIDs)
	if err != nil {
		return fmt.Errorf("read current values: %w", err)
	}
	if len(values) == 0 && len(signalIDs) > 0 {
		if err := w.adapter.Authenticate(ctx); err != nil {
			return fmt.Errorf("re-authenticate after empty read: %w", err)
		}
		values, err = w.adapter.ReadCurrentValues(ctx, signalIDs)
		if err != nil {
			return fmt.Errorf("read current values after refresh: %w", err)
		}
		if len(values) == 0 {
			return fmt.Errorf("read current values: no signals returned after refresh")
		}
		if w.svc.EventLog != nil {
			w.svc.EventLog.TokenRefreshed(ctx, "worker", w.entityID)
		}
	}

	// 3. Normalize.
	normalized := normalize(fetchSignals, values)

	// 4. Write the normalized record.
	fields := make(map[string]interface{}, len(normalized))
	for k, v := range normalized {
		fields[k] = v
	}
	if len(fields) > 0 {
		if _, err := w.svc.Writer.Write(ctx, tsstore.Point{
			Measurement: measurement,
			Tags:        map[string]string{"entity_id": w.entityID},
			Fields:      fields,
			Timestamp:   t0,
		}); err != nil {
			return fmt.Errorf("write %s: %w", measurement, err)
		}
	}

	if indoor, ok := normalized[fieldIndoorTemp]; ok {
		w.lastIndoorTemp = indoor
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// 5-6. Weather observation + effective temperature.
	obs, err := w.svc.Weather.Observation(ctx, entity.Location.Latitude, entity.Location.Longitude, entity.DefaultPollInterval())
	if err != nil {
		return fmt.Errorf("weather observation: %w", err)
	}

	model := w.effectiveTempModel()
	effResult := model.Calculate(effectivetemp.Conditions{
		Timestamp:  t0,
		Temp:       obs.Temperature,
		WindSpeed:  obs.WindSpeed,
		Humidity:   obs.Humidity,
		CloudCover: obs.CloudCoverOctas,
		Latitude:   entity.Location.Latitude,
		Longitude:  entity.Location.Longitude,
	})

	weatherFields := map[string]interface{}{
		"temperature":     round4(obs.Temperature),
		"wind_speed":      round4(obs.WindSpeed),
		"humidity":        round4(obs.Humidity),
		"cloud_octas":     round4(obs.CloudCoverOctas),
		"station_id":      obs.StationID,
		"distance_km":     round4(obs.DistanceKM),
		"effective_temp":  round4(effResult.EffectiveTemp),
		"wind_effect":     round4(effResult.WindEffect),
		"humidity_effect": round4(effResult.HumidityEffect),
		"solar_effect":    round4(effResult.SolarEffect),
		"sun_elevation":   round4(effResult.SunElevation),
		"solar_intensity": round4(effResult.SolarIntensity),
	}
	if _, err := w.svc.Writer.Write(ctx, tsstore.Point{
		Measurement: "weather_observation",
		Tags:        map[string]string{"entity_id": w.entityID},
		Fields:      weatherFields,
		Timestamp:   t0,
	}); err != nil {
		return fmt.Errorf("write weather_observation: %w", err)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// 7. Feed the solar-event detector and thermal-lag tracker.
	w.enrichLearning(ctx, t0, normalized, obs, effResult)

	// 8. Forecast cadence (best-effort: never fails the iteration).
	if w.lastForecastAt.IsZero() || t0.Sub(w.lastForecastAt) >= forecastCadence {
		w.runForecast(ctx, t0, entity, model)
		w.lastForecastAt = t0
	}

	return nil
}

func (w *Worker) effectiveTempModel() effectivetemp.Model {
	model := effectivetemp.NewDefaultModel()
	if w.coefficients.SolarConfidenceML2 >= 0.3 {
		model.SolarCoefficient = w.coefficients.SolarCoefficientML2
		model.WindCoefficient = w.coefficients.WindCoefficientML2
	}
	return model
}

func normalize(signals map[string]entitycfg.Signal, values map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(signals))
	for _, sig := range signals {
		v, ok := values[sig.SignalID]
		if !ok {
			continue
		}
		if sig.Category == "boolean" {
			if v != 0 {
				out[sig.FieldName] = 1
			} else {
				out[sig.FieldName] = 0
			}
			continue
		}
		out[sig.FieldName] = round4(v)
	}
	return out
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }

func (w *Worker) enrichLearning(ctx context.Context, t0 time.Time, normalized map[string]float64, obs weather.Observation, eff effectivetemp.Result) {
	indoor := normalized[fieldIndoorTemp]
	supply := normalized[fieldSupplyTemp]
	ret := normalized[fieldReturnTemp]
	outdoor := obs.Temperature

	event := w.ml2.AddObservation(ml2.Observation{
		Timestamp:   t0,
		SupplyTemp:  supply,
		ReturnTemp:  ret,
		IndoorTemp:  indoor,
		OutdoorTemp: outdoor,
		CloudOctas:  obs.CloudCoverOctas,
		WindSpeed:   obs.WindSpeed,
		SunElevDeg:  eff.SunElevation,
	})

	changed := false
	if event != nil {
		changed = true
		w.writeSolarEvent(ctx, *event)
	}

	w.ml2.TrackEarlyWarning(ml2.Observation{
		Timestamp:   t0,
		OutdoorTemp: outdoor,
		SunElevDeg:  eff.SunElevation,
	})

	if w.ml2.ShouldUpdateCoefficients() {
		w.ml2.UpdateCoefficients(t0)
		changed = true
	}

	if transition := w.ml2.TrackThermalLag(t0, eff.EffectiveTemp, indoor); transition != nil {
		changed = true
	}

	if changed {
		if err := w.svc.Store.UpdateLearned(w.entityID, entitycfg.Learned{
			WeatherCoefficients: *w.coefficients,
			ThermalTiming:       *w.timing,
		}); err != nil && w.logger != nil {
			w.logger.Warnw("worker: persisting learned state failed", "error", err)
		}
	}
}

func (w *Worker) writeSolarEvent(ctx context.Context, event ml2.SolarEvent) {
	_, err := w.svc.Writer.Write(ctx, tsstore.Point{
		Measurement: "solar_event_ml2",
		Tags:        map[string]string{"entity_id": w.entityID},
		Fields: map[string]interface{}{
			"duration_minutes":              round4(event.DurationMinutes),
			"avg_supply_return_delta":       round4(event.AvgSupplyReturnDelta),
			"avg_outdoor_temp":              round4(event.AvgOutdoorTemp),
			"avg_indoor_temp":                round4(event.AvgIndoorTemp),
			"avg_cloud_cover":               round4(event.AvgCloudCover),
			"avg_sun_elevation":             round4(event.AvgSunElevation),
			"avg_wind_speed":                round4(event.AvgWindSpeed),
			"implied_solar_coefficient_ml2": round4(event.ImpliedSolarCoefficient),
			"observations_count":            event.ObservationsCount,
			"peak_sun_elevation":            round4(event.PeakSunElevation),
			"end_time":                      event.End.UTC().Format(time.RFC3339),
		},
		Timestamp: event.Start,
	})
	if err != nil && w.logger != nil {
		w.logger.Warnw("worker: writing solar_event_ml2 failed", "error", err)
	}
}

func (w *Worker) runForecast(ctx context.Context, t0 time.Time, entity *entitycfg.Entity, model effectivetemp.Model) {
	forecastPoints, err := w.svc.Weather.Forecast(ctx, entity.Location.Latitude, entity.Location.Longitude, forecastHoursAhead)
	if err != nil {
		if w.logger != nil {
			w.logger.Warnw("worker: fetching weather forecast failed", "error", err)
		}
		return
	}

	if err := w.svc.Writer.DeleteFuturePoints(ctx, "weather_forecast_hourly", w.entityID, t0); err != nil && w.logger != nil {
		w.logger.Warnw("worker: deleting future weather_forecast_hourly points failed", "error", err)
	}
	for _, fp := range forecastPoints {
		_, err := w.svc.Writer.Write(ctx, tsstore.Point{
			Measurement: "weather_forecast_hourly",
			Tags:        map[string]string{"entity_id": w.entityID, "forecast_type": "hourly"},
			Fields: map[string]interface{}{
				"temperature":     round4(fp.Temperature),
				"wind_speed":      round4(fp.WindSpeed),
				"humidity":        round4(fp.Humidity),
				"cloud_octas":     round4(fp.CloudCoverOctas),
				"lead_time_hours": fp.LeadTimeHours,
			},
			Timestamp: fp.TargetTime,
		})
		if err != nil && w.logger != nil {
			w.logger.Warnw("worker: writing weather_forecast_hourly point failed", "error", err)
		}
	}

	if entity.EnergySeparation.HeatLossK <= 0 {
		return
	}

	targetIndoor := defaultTargetIndoorTemp
	if entity.EnergySeparation.AssumedIndoorTemp != nil {
		targetIndoor = *entity.EnergySeparation.AssumedIndoorTemp
	} else if w.lastIndoorTemp != 0 {
		targetIndoor = w.lastIndoorTemp
	}

	energyPoints := energyforecast.Generate(model, entity.Location.Latitude, entity.Location.Longitude, entity.EnergySeparation.HeatLossK, targetIndoor, forecastPoints)

	if err := w.svc.Writer.DeleteFuturePoints(ctx, "energy_forecast", w.entityID, t0); err != nil && w.logger != nil {
		w.logger.Warnw("worker: deleting future energy_forecast points failed", "error", err)
	}
	for _, ep := range energyPoints {
		_, err := w.svc.Writer.Write(ctx, tsstore.Point{
			Measurement: "energy_forecast",
			Tags:        map[string]string{"entity_id": w.entityID},
			Fields: map[string]interface{}{
				"heating_power_kw":   round4(ep.HeatingPowerKW),
				"heating_energy_kwh": round4(ep.HeatingEnergyKWh),
				"outdoor_temp":       round4(ep.OutdoorTemp),
				"effective_temp":     round4(ep.EffectiveTemp),
				"wind_effect":        round4(ep.WindEffect),
				"solar_effect":       round4(ep.SolarEffect),
				"lead_time_hours":    ep.LeadTimeHours,
			},
			Timestamp: ep.TargetTime,
		})
		if err != nil && w.logger != nil {
			w.logger.Warnw("worker: writing energy_forecast point failed", "error", err)
		}
	}
}

// runDailyTasks runs the energy pipeline at the first tick past 08:00
// Stockholm-local time each day, and independently every 72h as a
// fallback (spec §4.8). Both paths are best-effort: failures are
// logged, never surfaced as an iteration failure.
func (w *Worker) runDailyTasks(ctx context.Context, t0 time.Time, entity *entitycfg.Entity) {
	loc, err := time.LoadLocation(stockholmTZ)
	if err != nil {
		loc = time.UTC
	}
	local := t0.In(loc)
	today := local.Format("2006-01-02")

	dailyDue := local.Hour() >= dailyPipelineHour && w.lastDailyPipelineDay != today
	fallbackDue := w.lastRecalibrationAt.IsZero() || t0.Sub(w.lastRecalibrationAt) >= recalibrationFallback

	if dailyDue {
		w.lastDailyPipelineDay = today
		w.runEnergyPipeline(ctx, entity, true)
	} else if fallbackDue {
		w.runEnergyPipeline(ctx, entity, false)
	}
}

func (w *Worker) runEnergyPipeline(ctx context.Context, entity *entitycfg.Entity, runImport bool) {
	if runImport && w.svc.Importer != nil {
		if _, err := w.svc.Importer.Run(ctx); err != nil && w.logger != nil {
			w.logger.Warnw("worker: energy import failed", "error", err)
		}
	}

	var separated bool
	if w.svc.Splitter != nil {
		summaries, err := w.svc.Splitter.Separate(ctx, entity, 48)
		if err != nil {
			if w.logger != nil {
				w.logger.Warnw("worker: energy separation failed", "error", err)
			}
		} else {
			separated = len(summaries) > 0
		}
	}

	if !runImport || separated {
		if w.svc.Calibrator != nil {
			result, err := w.svc.Calibrator.Recalibrate(ctx, entity, 30)
			if err != nil {
				if w.logger != nil {
					w.logger.Warnw("worker: k-recalibration failed", "error", err)
				}
			} else if result != nil {
				w.lastRecalibrationAt = time.Now()
				if w.logger != nil {
					w.logger.Infow("worker: k-recalibration complete", "k_value", result.KValue, "days_used", result.DaysUsed, "confidence", result.Confidence)
				}
			}
		}
	}
}
