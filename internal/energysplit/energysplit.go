// Package energysplit separates an entity's whole-building energy
// meter readings into heating and domestic hot water (DHW) for each
// calendar day, so the k-calibrator has clean heating-only input.
// Grounded on k_recalibrator.py's implied-k math (k_calibration
// method) and customer_profile.py's EnergySeparationConfig fields (the
// legacy on-demand-DHW heuristic, ported from HomeSide-specific
// instrumentation).
package energysplit

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/heatfetch/heatfetch/internal/entitycfg"
	"github.com/heatfetch/heatfetch/internal/tsstore"
)

// Defaults for the on-demand-DHW heuristic, taken from
// customer_profile.py's EnergySeparationConfig field defaults.
const (
	DefaultDHWTempThresholdC     = 45.0
	DefaultDHWTempRiseThresholdC = 2.0
	DefaultDHWBaselineTempC      = 25.0
	DefaultAvgDHWPowerKW         = 25.0

	// minCoverage is the fraction of a day's expected samples that
	// must be present before a breakdown is trusted (spec §4.8: "Write
	// one daily point per entity tagged with no_breakdown when
	// coverage < required").
	minCoverage = 0.80

	stockholmTZ = "Europe/Stockholm"
)

// DaySummary is one entity-day's separated energy.
type DaySummary struct {
	Date            string // YYYY-MM-DD, Swedish-local calendar day
	TotalEnergyKWh  float64
	HeatingEnergyKWh float64
	DHWEnergyKWh    float64
	DataCoverage    float64
	NoBreakdown     bool
	Confidence      float64
}

// Splitter separates energy_meter readings into energy_separated
// daily points.
type Splitter struct {
	writer *tsstore.Writer
	logger *zap.SugaredLogger
	loc    *time.Location
}

// New constructs a Splitter. The energy day boundary is always
// Swedish-local time regardless of the server's own timezone, since
// district-heating billing and the original system both use it.
func New(writer *tsstore.Writer, logger *zap.SugaredLogger) *Splitter {
	loc, err := time.LoadLocation(stockholmTZ)
	if err != nil {
		loc = time.UTC
	}
	return &Splitter{writer: writer, logger: logger, loc: loc}
}

func measurementFor(kind entitycfg.Kind) string {
	if kind == entitycfg.KindBuilding {
		return "building_system"
	}
	return "heating_system"
}

// Separate reads the last `hours` of energy_meter consumption plus
// indoor/outdoor temperature for entity, splits each Swedish-local
// calendar day it spans into heating vs DHW, writes one
// energy_separated point per day, and returns the computed summaries.
func (s *Splitter) Separate(ctx context.Context, entity *entitycfg.Entity, hours int) ([]DaySummary, error) {
	if !entity.EnergySeparation.Enabled {
		return nil, nil
	}
	if hours <= 0 {
		hours = 48
	}

	totals, sampleCounts, err := s.fetchDailyTotals(ctx, entity, hours)
	if err != nil {
		return nil, fmt.Errorf("energysplit: fetching meter totals: %w", err)
	}
	if len(totals) == 0 {
		return nil, nil
	}

	temps, err := s.fetchDailyTemps(ctx, entity, hours)
	if err != nil {
		return nil, fmt.Errorf("energysplit: fetching temps: %w", err)
	}

	var dhwHours map[string]float64
	if entity.EnergySeparation.Method == entitycfg.SeparationMethodOnDemandDHW {
		dhwHours, err = s.fetchDHWActiveHours(ctx, entity, hours)
		if err != nil {
			return nil, fmt.Errorf("energysplit: fetching DHW signal: %w", err)
		}
	}

	summaries := make([]DaySummary, 0, len(totals))
	for date, total := range totals {
		t, hasTemps := temps[date]
		summary := computeDay(date, entity.EnergySeparation, total, sampleCounts[date], t, hasTemps, dhwHours[date])
		summaries = append(summaries, summary)

		dayTime, err := time.ParseInLocation("2006-01-02", date, s.loc)
		if err != nil {
			continue
		}

		fields := map[string]interface{}{
			"total_energy_kwh": round3(summary.TotalEnergyKWh),
			"data_coverage":    round3(summary.DataCoverage),
			"confidence":       round3(summary.Confidence),
		}
		if !summary.NoBreakdown {
			fields["heating_energy_kwh"] = round3(summary.HeatingEnergyKWh)
			fields["dhw_energy_kwh"] = round3(summary.DHWEnergyKWh)
		}

		tags := map[string]string{"entity_id": entity.EntityID, "method": entity.EnergySeparation.Method}
		if summary.NoBreakdown {
			tags["no_breakdown"] = "true"
		}

		if _, err := s.writer.Write(ctx, tsstore.Point{
			Measurement: "energy_separated",
			Tags:        tags,
			Fields:      fields,
			Timestamp:   dayTime,
		}); err != nil && s.logger != nil {
			s.logger.Warnw("energysplit: failed to write separated energy", "entity_id", entity.EntityID, "date", date, "error", err)
		}
	}

	return summaries, nil
}

type dailyTemp struct {
	indoor, outdoor float64
}

// expectedSamplesPerDay is the hourly meter cadence assumed by
// energy_importer.py's hourly consumption records.
const expectedSamplesPerDay = 24

// computeDay applies the coverage/method/no_breakdown rules to one
// calendar day. It is split out from Separate so the branching can be
// tested without a live time-series store.
func computeDay(date string, sep entitycfg.EnergySeparation, total float64, sampleCount int, t dailyTemp, hasTemps bool, dhwHoursForDay float64) DaySummary {
	coverage := math.Min(1.0, float64(sampleCount)/expectedSamplesPerDay)

	var heating, dhw float64
	switch sep.Method {
	case entitycfg.SeparationMethodOnDemandDHW:
		power := sep.AvgDHWPowerKW
		if power <= 0 {
			power = DefaultAvgDHWPowerKW
		}
		dhw = power * dhwHoursForDay
		heating = math.Max(0, total-dhw)
	default: // k_calibration
		k := sep.HeatLossK
		if !hasTemps || k <= 0 {
			heating = total
			dhw = 0
		} else {
			deltaT := t.indoor - t.outdoor
			predictedHeating := 0.0
			if deltaT > 0 {
				predictedHeating = k * deltaT * 24
			}
			heating = math.Min(total, predictedHeating)
			dhw = math.Max(0, total-heating)
		}
	}

	noBreakdown := coverage < minCoverage
	confidence := coverage
	if noBreakdown {
		heating, dhw = 0, 0
	}

	return DaySummary{
		Date:             date,
		TotalEnergyKWh:   total,
		HeatingEnergyKWh: heating,
		DHWEnergyKWh:     dhw,
		DataCoverage:     coverage,
		NoBreakdown:      noBreakdown,
		Confidence:       confidence,
	}
}

// fetchDailyTotals returns, per Swedish-local calendar day, the summed
// hourly consumption and the number of hourly samples observed (used
// for the data-coverage ratio).
func (s *Splitter) fetchDailyTotals(ctx context.Context, entity *entitycfg.Entity, hours int) (map[string]float64, map[string]int, error) {
	flux := fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: -%dh)
		|> filter(fn: (r) => r["_measurement"] == "energy_meter")
		|> filter(fn: (r) => r["house_id"] == %q or r["entity_id"] == %q)
		|> filter(fn: (r) => r["_field"] == "consumption")
	`, s.writer.Bucket(), hours, entity.EntityID, entity.EntityID)

	rows, err := s.writer.QueryRows(ctx, flux)
	if err != nil {
		return nil, nil, err
	}

	totals := make(map[string]float64)
	counts := make(map[string]int)
	for _, r := range rows {
		ts, ok := r["_time"].(time.Time)
		if !ok {
			continue
		}
		value, ok := r["_value"].(float64)
		if !ok {
			continue
		}
		date := ts.In(s.loc).Format("2006-01-02")
		totals[date] += value
		counts[date]++
	}

	return totals, counts, nil
}

func (s *Splitter) fetchDailyTemps(ctx context.Context, entity *entitycfg.Entity, hours int) (map[string]dailyTemp, error) {
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

	flux := fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: -%dh)
		|> filter(fn: (r) => r["_measurement"] == %q)
		|> filter(fn: (r) => r["entity_id"] == %q)
		|> filter(fn: (r) => r["_field"] == %q or r["_field"] == %q)
		|> aggregateWindow(every: 1d, fn: mean, createEmpty: false, timeSrc: "_start")
		|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
	`, s.writer.Bucket(), hours, measurementFor(entity.Kind), entity.EntityID, indoorField, outdoorField)

	rows, err := s.writer.QueryRows(ctx, flux)
	if err != nil {
		return nil, err
	}

	out := make(map[string]dailyTemp, len(rows))
	for _, r := range rows {
		ts, ok := r["_time"].(time.Time)
		if !ok {
			continue
		}
		indoor, hasIndoor := r[indoorField].(float64)
		outdoor, hasOutdoor := r[outdoorField].(float64)
		if !hasIndoor || !hasOutdoor {
			if entity.EnergySeparation.AssumedIndoorTemp != nil && hasOutdoor {
				indoor = *entity.EnergySeparation.AssumedIndoorTemp
			} else {
				continue
			}
		}
		date := ts.In(s.loc).Format("2006-01-02")
		out[date] = dailyTemp{indoor: indoor, outdoor: outdoor}
	}
	return out, nil
}

// fetchDHWActiveHours estimates, per day, how many hours the hot-water
// signal sat above DHWTempThresholdC and at least DHWTempRiseThresholdC
// above DHWBaselineTempC — the on-demand-DHW heuristic's definition of
// "DHW active" from customer_profile.py's EnergySeparationConfig.
func (s *Splitter) fetchDHWActiveHours(ctx context.Context, entity *entitycfg.Entity, hours int) (map[string]float64, error) {
	dhwField, ok := entity.EnergySeparation.FieldMapping["dhw_temp"]
	if !ok {
		dhwField = "dhw_temperature"
	}

	threshold := entity.EnergySeparation.DHWTempThresholdC
	if threshold <= 0 {
		threshold = DefaultDHWTempThresholdC
	}
	rise := entity.EnergySeparation.DHWTempRiseThresholdC
	if rise <= 0 {
		rise = DefaultDHWTempRiseThresholdC
	}
	baseline := entity.EnergySeparation.DHWBaselineTempC
	if baseline <= 0 {
		baseline = DefaultDHWBaselineTempC
	}

	flux := fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: -%dh)
		|> filter(fn: (r) => r["_measurement"] == %q)
		|> filter(fn: (r) => r["entity_id"] == %q)
		|> filter(fn: (r) => r["_field"] == %q)
		|> aggregateWindow(every: 1h, fn: mean, createEmpty: false)
	`, s.writer.Bucket(), hours, measurementFor(entity.Kind), entity.EntityID, dhwField)

	rows, err := s.writer.QueryRows(ctx, flux)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for _, r := range rows {
		ts, ok := r["_time"].(time.Time)
		if !ok {
			continue
		}
		value, ok := r["_value"].(float64)
		if !ok {
			continue
		}
		if value >= threshold && value >= baseline+rise {
			date := ts.In(s.loc).Format("2006-01-02")
			out[date]++ // one hourly sample == one active hour
		}
	}
	return out, nil
}

func round3(v float64) float64 { return math.Round(v*1e3) / 1e3 }
