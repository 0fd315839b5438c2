// Package gapfiller repairs a worker's time series on startup and on
// demand: for heating_system/building_system and weather_observation,
// it finds gaps in the last 24h of timestamps, fetches the missing
// history from the upstream BMS or the weather station's archive API,
// and writes whatever isn't already present. Grounded on gap_filler.py
// and internal/managers/storage.go's read-helper shape. After each run
// a msgpack checkpoint records when the entity was last scanned; Fill
// does not read it back, so every run rescans the full lookback window
// and relies on the skip-if-present check to stay idempotent.
package gapfiller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/heatfetch/heatfetch/internal/bms"
	"github.com/heatfetch/heatfetch/internal/entitycfg"
	"github.com/heatfetch/heatfetch/internal/tsstore"
	"github.com/heatfetch/heatfetch/internal/weather"
)

// State is one of the three gap-filler states a worker cycles
// through. Entering Filling never blocks a worker's normal iteration
// from reaching its boundary on time (spec §4.9): Fill is called from
// a goroutine the worker never waits on, including the startup pass.
type State int

const (
	StateChecking State = iota
	StateFilling
	StateNormal
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateFilling:
		return "filling"
	default:
		return "normal"
	}
}

// lookback is the window gap detection scans, per spec §4.9.
const lookback = 24 * time.Hour

// gapFactor is the multiple of the expected interval that marks a gap.
const gapFactor = 2

// Report summarizes one Fill run.
type Report struct {
	Written int
	Skipped int
	Errors  int
}

// checkpoint is the msgpack-serialized record of when Fill last
// completed for one entity, keyed by entity_id. Fill writes it but
// never reads it; only LoadCheckpoint does.
type checkpoint struct {
	LastScanned map[string]time.Time `msgpack:"last_scanned"`
}

// Filler repairs gaps in a single entity's time series. One Filler is
// constructed per worker; it is not safe for concurrent Fill calls on
// the same instance.
type Filler struct {
	writer        *tsstore.Writer
	weatherClient *weather.Client
	checkpointDir string
	logger        *zap.SugaredLogger

	mu    sync.Mutex
	state State
}

// New constructs a Filler. checkpointDir is where per-entity msgpack
// checkpoints are stored; an empty dir disables checkpointing. Every
// Fill rescans the full lookback window whether or not a checkpoint is
// written.
func New(writer *tsstore.Writer, weatherClient *weather.Client, checkpointDir string, logger *zap.SugaredLogger) *Filler {
	return &Filler{writer: writer, weatherClient: weatherClient, checkpointDir: checkpointDir, logger: logger}
}

// State returns the filler's current lifecycle state, for
// internal/opsapi's /healthz.
func (f *Filler) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Filler) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Fill checks for and repairs gaps in entity's heating/building and
// weather_observation series. It is idempotent: re-running it over a
// range already filled writes nothing new, since every candidate point
// is skipped when a non-zero record already exists at its timestamp.
func (f *Filler) Fill(ctx context.Context, entity *entitycfg.Entity, adapter bms.Adapter) Report {
	f.setState(StateChecking)
	defer f.setState(StateNormal)

	var total Report

	heatingMeasurement := "heating_system"
	if entity.Kind == entitycfg.KindBuilding {
		heatingMeasurement = "building_system"
	}

	fetchSignals := entity.FetchSignals()
	signalIDs := make([]string, 0, len(fetchSignals))
	fieldBySignal := make(map[string]string, len(fetchSignals))
	for _, sig := range fetchSignals {
		signalIDs = append(signalIDs, sig.SignalID)
		fieldBySignal[sig.SignalID] = sig.FieldName
	}

	expectedInterval := entity.DefaultPollInterval()

	f.setState(StateFilling)

	if len(signalIDs) > 0 {
		r := f.fillMeasurement(ctx, entity.EntityID, heatingMeasurement, expectedInterval, func(from, to time.Time) (map[time.Time]map[string]interface{}, error) {
			return f.fetchHeatingHistory(ctx, adapter, signalIDs, fieldBySignal, from, to)
		})
		total.Written += r.Written
		total.Skipped += r.Skipped
		total.Errors += r.Errors
	}

	r := f.fillMeasurement(ctx, entity.EntityID, "weather_observation", expectedInterval, func(from, to time.Time) (map[time.Time]map[string]interface{}, error) {
		return f.fetchWeatherHistory(ctx, entity.Location.Latitude, entity.Location.Longitude, from, to)
	})
	total.Written += r.Written
	total.Skipped += r.Skipped
	total.Errors += r.Errors

	f.saveCheckpoint(entity.EntityID, time.Now().UTC())

	if f.logger != nil {
		f.logger.Infow("gapfiller: run complete", "entity_id", entity.EntityID,
			"written", total.Written, "skipped", total.Skipped, "errors", total.Errors)
	}
	return total
}

// fillMeasurement detects gaps in one measurement's last-24h
// timestamps and fetches+writes each gap via fetch.
func (f *Filler) fillMeasurement(ctx context.Context, entityID, measurement string, expectedInterval time.Duration, fetch func(from, to time.Time) (map[time.Time]map[string]interface{}, error)) Report {
	var report Report

	timestamps, err := f.writer.Timestamps(ctx, measurement, entityID, lookback)
	if err != nil {
		if f.logger != nil {
			f.logger.Warnw("gapfiller: listing timestamps failed", "entity_id", entityID, "measurement", measurement, "error", err)
		}
		report.Errors++
		return report
	}

	gaps := detectGaps(timestamps, expectedInterval, lookback)
	for _, gap := range gaps {
		points, err := fetch(gap.from, gap.to)
		if err != nil {
			if f.logger != nil {
				f.logger.Warnw("gapfiller: fetching history failed", "entity_id", entityID, "measurement", measurement, "error", err)
			}
			report.Errors++
			continue
		}

		for ts, fields := range points {
			exists, err := f.writer.HasNonZeroRecord(ctx, measurement, entityID, ts)
			if err != nil {
				report.Errors++
				continue
			}
			if exists {
				report.Skipped++
				continue
			}

			ok, err := f.writer.Write(ctx, tsstore.Point{
				Measurement: measurement,
				Tags:        map[string]string{"entity_id": entityID},
				Fields:      fields,
				Timestamp:   ts,
			})
			if err != nil || !ok {
				report.Errors++
				continue
			}
			report.Written++
		}
	}

	return report
}

type gapRange struct{ from, to time.Time }

// detectGaps returns the [from, to] ranges between consecutive
// timestamps (and at the head/tail of the lookback window) whose span
// exceeds gapFactor*expectedInterval.
func detectGaps(timestamps []time.Time, expectedInterval, lookback time.Duration) []gapRange {
	if expectedInterval <= 0 {
		return nil
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].Before(timestamps[j]) })

	threshold := time.Duration(gapFactor) * expectedInterval
	now := time.Now().UTC()
	windowStart := now.Add(-lookback)

	var gaps []gapRange
	prev := windowStart
	for _, ts := range timestamps {
		if ts.Sub(prev) > threshold {
			gaps = append(gaps, gapRange{from: prev, to: ts})
		}
		prev = ts
	}
	if now.Sub(prev) > threshold {
		gaps = append(gaps, gapRange{from: prev, to: now})
	}
	return gaps
}

func (f *Filler) fetchHeatingHistory(ctx context.Context, adapter bms.Adapter, signalIDs []string, fieldBySignal map[string]string, from, to time.Time) (map[time.Time]map[string]interface{}, error) {
	resolutionSeconds := 900
	history, err := adapter.ReadHistory(ctx, signalIDs, from, to, resolutionSeconds)
	if err != nil {
		return nil, fmt.Errorf("gapfiller: reading BMS history: %w", err)
	}

	out := make(map[time.Time]map[string]interface{})
	for signalID, points := range history {
		field, ok := fieldBySignal[signalID]
		if !ok {
			continue
		}
		for _, p := range points {
			ts := p.Time.Truncate(time.Second)
			if out[ts] == nil {
				out[ts] = make(map[string]interface{})
			}
			out[ts][field] = p.Value
		}
	}
	return out, nil
}

func (f *Filler) fetchWeatherHistory(ctx context.Context, latitude, longitude float64, from, to time.Time) (map[time.Time]map[string]interface{}, error) {
	observations, err := f.weatherClient.History(ctx, latitude, longitude, from, to)
	if err != nil {
		return nil, fmt.Errorf("gapfiller: reading weather history: %w", err)
	}

	out := make(map[time.Time]map[string]interface{}, len(observations))
	for _, obs := range observations {
		ts := obs.Timestamp.Truncate(time.Second)
		out[ts] = map[string]interface{}{
			"temperature":  obs.Temperature,
			"wind_speed":   obs.WindSpeed,
			"humidity":     obs.Humidity,
			"cloud_octas":  obs.CloudCoverOctas,
			"station_id":   obs.StationID,
			"distance_km":  obs.DistanceKM,
		}
	}
	return out, nil
}

func (f *Filler) checkpointPath(entityID string) string {
	if f.checkpointDir == "" {
		return ""
	}
	return filepath.Join(f.checkpointDir, entityID+".chk")
}

func (f *Filler) saveCheckpoint(entityID string, at time.Time) {
	path := f.checkpointPath(entityID)
	if path == "" {
		return
	}
	if err := os.MkdirAll(f.checkpointDir, 0o755); err != nil {
		return
	}

	cp := checkpoint{LastScanned: map[string]time.Time{entityID: at}}
	data, err := msgpack.Marshal(cp)
	if err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o644)
}

// LoadCheckpoint reads back the last-scanned marker for entityID, used
// only for diagnostics/tests; Fill always re-derives gaps from the
// store's own timestamps rather than trusting the checkpoint blindly.
func (f *Filler) LoadCheckpoint(entityID string) (time.Time, bool) {
	path := f.checkpointPath(entityID)
	if path == "" {
		return time.Time{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, false
	}
	var cp checkpoint
	if err := msgpack.Unmarshal(data, &cp); err != nil {
		return time.Time{}, false
	}
	ts, ok := cp.LastScanned[entityID]
	return ts, ok
}
