// Package kcalibrator recalibrates each entity's heat-loss coefficient
// (heat_loss_k) from its separated daily heating energy. Grounded
// line-for-line on k_recalibrator.py's KRecalibrator.calculate_k: fetch
// separated energy, fetch daily mean indoor/outdoor temperatures,
// compute a per-day implied k, take the 15th percentile as the
// calibrated value (robust to DHW contamination), median/stddev as
// diagnostics.
package kcalibrator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/heatfetch/heatfetch/internal/entitycfg"
	"github.com/heatfetch/heatfetch/internal/tsstore"
)

const (
	// MinDaysForCalibration is the minimum number of qualifying days
	// (ΔT > 0, heating_kwh > 0) required to produce a result.
	MinDaysForCalibration = 3
	kPercentile           = 15.0

	defaultDays = 30
)

// Result is one k-recalibration run's output.
type Result struct {
	EntityID       string
	Timestamp      time.Time
	KValue         float64
	KMedian        float64
	KStddev        float64
	DaysUsed       int
	TotalDays      int
	AvgOutdoorTemp float64
	Confidence     float64
	Method         string
}

type dailyEnergy struct {
	date        string
	heatingKWh  float64
}

type dailyTemps struct {
	indoor, outdoor float64
}

// Calibrator recalibrates k for entities against the shared
// time-series store.
type Calibrator struct {
	writer *tsstore.Writer
	store  *entitycfg.Store
	logger *zap.SugaredLogger
	dryRun bool
}

// New constructs a Calibrator. When dryRun is true, Recalibrate still
// computes and writes k_calibration_history but never rewrites the
// entity's heat_loss_k field (spec §4.8/§8).
func New(writer *tsstore.Writer, store *entitycfg.Store, logger *zap.SugaredLogger, dryRun bool) *Calibrator {
	return &Calibrator{writer: writer, store: store, logger: logger, dryRun: dryRun}
}

// measurementFor returns the heating-signal measurement an entity's
// kind is stored under.
func measurementFor(kind entitycfg.Kind) string {
	if kind == entitycfg.KindBuilding {
		return "building_system"
	}
	return "heating_system"
}

func (c *Calibrator) fetchSeparatedEnergy(ctx context.Context, entity *entitycfg.Entity, days int) ([]dailyEnergy, error) {
	flux := fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: -%dd)
		|> filter(fn: (r) => r["_measurement"] == "energy_separated")
		|> filter(fn: (r) => r["entity_id"] == %q)
		|> filter(fn: (r) => r["_field"] == "heating_energy_kwh")
		|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
		|> sort(columns: ["_time"])
	`, c.writer.Bucket(), days, entity.EntityID)

	rows, err := c.writer.QueryRows(ctx, flux)
	if err != nil {
		return nil, err
	}

	out := make([]dailyEnergy, 0, len(rows))
	for _, r := range rows {
		heating, _ := r["heating_energy_kwh"].(float64)
		out = append(out, dailyEnergy{date: r["_time"].(time.Time).Format("2006-01-02"), heatingKWh: heating})
	}
	return out, nil
}

func (c *Calibrator) fetchDailyTemps(ctx context.Context, entity *entitycfg.Entity, days int) (map[string]dailyTemps, error) {
	outdoorField := "outdoor_temperature"
	indoorField := "room_temperature"
	if m := entity.EnergySeparation.FieldMapping; m != nil {
		if v, ok := m["outdoor_temperature"]; ok {
			outdoorField = v
		}
		if v, ok := m["room_temperature"]; ok {
			indoorField = v
		}
	}

	assumedIndoor := entity.EnergySeparation.AssumedIndoorTemp
	var fieldFilter string
	if assumedIndoor != nil {
		fieldFilter = fmt.Sprintf(`r["_field"] == %q`, outdoorField)
	} else {
		fieldFilter = fmt.Sprintf(`r["_field"] == %q or r["_field"] == %q`, indoorField, outdoorField)
	}

	flux := fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: -%dd)
		|> filter(fn: (r) => r["_measurement"] == %q)
		|> filter(fn: (r) => r["entity_id"] == %q)
		|> filter(fn: (r) => %s)
		|> aggregateWindow(every: 1d, fn: mean, createEmpty: false)
		|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
	`, c.writer.Bucket(), days, measurementFor(entity.Kind), entity.EntityID, fieldFilter)

	rows, err := c.writer.QueryRows(ctx, flux)
	if err != nil {
		return nil, err
	}

	out := make(map[string]dailyTemps, len(rows))
	for _, r := range rows {
		date := r["_time"].(time.Time).Format("2006-01-02")
		outdoor, hasOutdoor := r[outdoorField].(float64)
		if !hasOutdoor {
			continue
		}
		indoor := 0.0
		if assumedIndoor != nil {
			indoor = *assumedIndoor
		} else if v, ok := r[indoorField].(float64); ok {
			indoor = v
		} else {
			continue
		}
		out[date] = dailyTemps{indoor: indoor, outdoor: outdoor}
	}

	// SMHI fallback for buildings with sparse outdoor coverage.
	if assumedIndoor != nil && len(out) < days/2 {
		if c.logger != nil {
			c.logger.Infow("kcalibrator: sparse outdoor coverage, supplementing from weather_observation",
				"entity_id", entity.EntityID, "days_covered", len(out))
		}
		weatherFlux := fmt.Sprintf(`
			from(bucket: %q)
			|> range(start: -%dd)
			|> filter(fn: (r) => r["_measurement"] == "weather_observation")
			|> filter(fn: (r) => r["entity_id"] == %q)
			|> filter(fn: (r) => r["_field"] == "temperature")
			|> aggregateWindow(every: 1d, fn: mean, createEmpty: false)
		`, c.writer.Bucket(), days, entity.EntityID)

		weatherRows, err := c.writer.QueryRows(ctx, weatherFlux)
		if err == nil {
			for _, r := range weatherRows {
				date := r["_time"].(time.Time).Format("2006-01-02")
				if _, exists := out[date]; exists {
					continue
				}
				if v, ok := r["_value"].(float64); ok {
					out[date] = dailyTemps{indoor: *assumedIndoor, outdoor: v}
				}
			}
		}
	}

	return out, nil
}

// Recalibrate computes a new k-value for entity from its last `days`
// of separated heating energy, writes a k_calibration_history point,
// and (unless dry-run) rewrites the entity's heat_loss_k. It returns
// nil, nil when there isn't enough qualifying data (spec §7's
// "invariant violations... skip the affected datum").
func (c *Calibrator) Recalibrate(ctx context.Context, entity *entitycfg.Entity, days int) (*Result, error) {
	if days <= 0 {
		days = defaultDays
	}
	if !entity.EnergySeparation.Enabled {
		return nil, nil
	}

	energyData, err := c.fetchSeparatedEnergy(ctx, entity, days)
	if err != nil {
		return nil, fmt.Errorf("kcalibrator: fetching separated energy: %w", err)
	}
	if len(energyData) == 0 {
		return nil, nil
	}

	tempData, err := c.fetchDailyTemps(ctx, entity, days)
	if err != nil {
		return nil, fmt.Errorf("kcalibrator: fetching daily temps: %w", err)
	}
	if len(tempData) == 0 {
		return nil, nil
	}

	kMax := 1.0
	if entity.Kind == entitycfg.KindBuilding {
		kMax = 50.0
	}

	var kValues, outdoorTemps []float64
	for _, day := range energyData {
		temps, ok := tempData[day.date]
		if !ok {
			continue
		}
		deltaT := temps.indoor - temps.outdoor
		if deltaT <= 0 || day.heatingKWh <= 0 {
			continue
		}

		degreeHours := deltaT * 24
		kImplied := day.heatingKWh / degreeHours
		if kImplied <= 0 || kImplied >= kMax {
			continue
		}

		kValues = append(kValues, kImplied)
		outdoorTemps = append(outdoorTemps, temps.outdoor)
	}

	result, ok := computeResult(entity.EntityID, kValues, outdoorTemps, len(energyData), time.Now().UTC())
	if !ok {
		if c.logger != nil {
			c.logger.Infow("kcalibrator: insufficient qualifying days", "entity_id", entity.EntityID, "days", len(kValues))
		}
		return nil, nil
	}

	if _, err := c.writer.Write(ctx, tsstore.Point{
		Measurement: "k_calibration_history",
		Tags:        map[string]string{"entity_id": entity.EntityID, "method": result.Method},
		Fields: map[string]interface{}{
			"k_value":          round5(result.KValue),
			"k_median":         round5(result.KMedian),
			"k_stddev":         round5(result.KStddev),
			"days_used":        result.DaysUsed,
			"total_days":       result.TotalDays,
			"avg_outdoor_temp": round1(result.AvgOutdoorTemp),
			"confidence":       round3(result.Confidence),
		},
		Timestamp: result.Timestamp,
	}); err != nil {
		if c.logger != nil {
			c.logger.Warnw("kcalibrator: failed to write k history", "entity_id", entity.EntityID, "error", err)
		}
	}

	if !c.dryRun {
		if err := c.store.UpdateHeatLossK(entity.EntityID, round5(result.KValue), result.Timestamp.Format("2006-01-02"), result.DaysUsed); err != nil {
			return result, fmt.Errorf("kcalibrator: updating entity record: %w", err)
		}
	}

	return result, nil
}

// computeResult applies the 15th-percentile estimator to the per-day
// implied-k samples of the calibration window. It is split out from Recalibrate so the
// statistics can be tested without a live time-series store. ok is
// false when there are fewer than MinDaysForCalibration qualifying
// days.
func computeResult(entityID string, kValues, outdoorTemps []float64, totalDays int, now time.Time) (*Result, bool) {
	if len(kValues) < MinDaysForCalibration {
		return nil, false
	}

	sorted := append([]float64(nil), kValues...)
	sort.Float64s(sorted)
	percentileIdx := int(float64(len(sorted)) * kPercentile / 100.0)
	if percentileIdx >= len(sorted) {
		percentileIdx = len(sorted) - 1
	}
	kCalibrated := sorted[percentileIdx]

	kMedian := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	kStddev := 0.0
	if len(sorted) > 1 {
		kStddev = stat.StdDev(sorted, nil)
	}

	confidence := math.Min(1.0, float64(len(kValues))/14.0)
	if kStddev > 0 && kMedian != 0 {
		cv := kStddev / kMedian
		confidence *= math.Max(0.5, 1.0-cv)
	}

	return &Result{
		EntityID:       entityID,
		Timestamp:      now,
		KValue:         kCalibrated,
		KMedian:        kMedian,
		KStddev:        kStddev,
		DaysUsed:       len(kValues),
		TotalDays:      totalDays,
		AvgOutdoorTemp: mean(outdoorTemps),
		Confidence:     confidence,
		Method:         "heating_only_15pct",
	}, true
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func round5(v float64) float64 { return math.Round(v*1e5) / 1e5 }
func round3(v float64) float64 { return math.Round(v*1e3) / 1e3 }
func round1(v float64) float64 { return math.Round(v*10) / 10 }
