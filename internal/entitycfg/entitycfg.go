// Package entitycfg is the on-disk entity config store: one JSON file
// per entity under profiles/ (houses) or buildings/ (commercial
// buildings). The supervisor scans it to discover entities; each
// worker re-reads its own record every iteration to pick up live
// edits; the k-calibrator rewrites exactly one field
// (energy_separation.heat_loss_k) via an atomic temp-file rename.
package entitycfg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind distinguishes the two entity families. They share a schema but
// are read from different directories and polled at different default
// cadences.
type Kind string

const (
	KindHouse    Kind = "house"
	KindBuilding Kind = "building"
)

// Location is the entity's geographic coordinates, used for solar
// position and weather-cache lookups.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Connection describes how to reach the entity's upstream BMS.
type Connection struct {
	System        string `json:"system"`
	Host          string `json:"host,omitempty"`
	BaseURL       string `json:"base_url,omitempty"`
	CredentialRef string `json:"credential_ref"`
	Domain        string `json:"domain,omitempty"`
}

// Signal maps one canonical field name to a protocol-specific signal
// identifier.
type Signal struct {
	SignalID      string `json:"signal_id"`
	FieldName     string `json:"field_name"`
	Fetch         bool   `json:"fetch"`
	Category      string `json:"category,omitempty"`
	Unit          string `json:"unit,omitempty"`
	WriteOnChange bool   `json:"write_on_change,omitempty"`
}

// EnergySeparation configures how whole-building energy is split into
// heating and DHW, and holds the calibrated heat-loss coefficient.
type EnergySeparation struct {
	Enabled           bool              `json:"enabled"`
	Method            string            `json:"method"`
	HeatLossK         float64           `json:"heat_loss_k"`
	KPercentile       float64           `json:"k_percentile"`
	CalibrationDate   string            `json:"calibration_date,omitempty"`
	CalibrationDays   int               `json:"calibration_days,omitempty"`
	AssumedIndoorTemp *float64          `json:"assumed_indoor_temp,omitempty"`
	FieldMapping      map[string]string `json:"field_mapping,omitempty"`

	// On-demand-DHW heuristic settings, used only when Method ==
	// SeparationMethodOnDemandDHW. Zero values fall back to the
	// defaults in internal/energysplit.
	DHWTempThresholdC     float64 `json:"dhw_temp_threshold,omitempty"`
	DHWTempRiseThresholdC float64 `json:"dhw_temp_rise_threshold,omitempty"`
	DHWBaselineTempC      float64 `json:"dhw_baseline_temp,omitempty"`
	AvgDHWPowerKW         float64 `json:"avg_dhw_power_kw,omitempty"`
}

const (
	SeparationMethodKCalibration = "k_calibration"
	SeparationMethodOnDemandDHW  = "on_demand_dhw"
)

// WeatherCoefficients holds the ML2-learned solar/wind sensitivity and
// the schedule that governs when they are next updated.
type WeatherCoefficients struct {
	SolarCoefficientML2   float64 `json:"solar_coefficient_ml2"`
	WindCoefficientML2    float64 `json:"wind_coefficient_ml2"`
	SolarConfidenceML2    float64 `json:"solar_confidence_ml2"`
	TotalSolarEvents      int     `json:"total_solar_events"`
	EventsSinceLastUpdate int     `json:"events_since_last_update"`
	NextUpdateAtEvents    int     `json:"next_update_at_events"`
	UpdatedAt             string  `json:"updated_at,omitempty"`
}

// ThermalTiming holds the learned heat-up/cool-down lag.
type ThermalTiming struct {
	HeatUpLagMinutes   float64 `json:"heat_up_lag_minutes"`
	CoolDownLagMinutes float64 `json:"cool_down_lag_minutes"`
	Confidence         float64 `json:"confidence"`
	TransitionCount    int     `json:"transition_count"`
}

// Learned bundles all the online-learned per-entity state that lives
// in the config record rather than the time-series store.
type Learned struct {
	WeatherCoefficients          WeatherCoefficients `json:"weather_coefficients"`
	ThermalTiming                ThermalTiming       `json:"thermal_timing"`
	HourlyBias                   []float64           `json:"hourly_bias,omitempty"`
	ThermalCoefficient           float64             `json:"thermal_coefficient,omitempty"`
	ThermalCoefficientConfidence float64             `json:"thermal_coefficient_confidence,omitempty"`
}

// Entity is a single tenant's configuration record.
type Entity struct {
	SchemaVersion        int              `json:"schema_version"`
	EntityID             string           `json:"entity_id"`
	FriendlyName         string           `json:"friendly_name"`
	Location             Location         `json:"location"`
	Connection           Connection       `json:"connection"`
	PollIntervalMinutes  int              `json:"poll_interval_minutes"`
	SignalMap            map[string]Signal `json:"signal_map"`
	EnergySeparation     EnergySeparation `json:"energy_separation"`
	Learned              Learned          `json:"learned"`
	MeterIDs             []string         `json:"meter_ids,omitempty"`

	// Kind and path are derived from the source directory/file, not
	// part of the on-disk JSON.
	Kind Kind   `json:"-"`
	path string
}

// DefaultPollInterval returns the entity's configured poll interval,
// falling back to the kind's default when unset.
func (e *Entity) DefaultPollInterval() time.Duration {
	if e.PollIntervalMinutes > 0 {
		return time.Duration(e.PollIntervalMinutes) * time.Minute
	}
	if e.Kind == KindBuilding {
		return 5 * time.Minute
	}
	return 15 * time.Minute
}

// FetchSignals returns the subset of the signal map marked fetch=true.
func (e *Entity) FetchSignals() map[string]Signal {
	out := make(map[string]Signal, len(e.SignalMap))
	for name, sig := range e.SignalMap {
		if sig.Fetch {
			out[name] = sig
		}
	}
	return out
}

func (e *Entity) validate() error {
	if e.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if e.Connection.CredentialRef == "" {
		return fmt.Errorf("entity %s: connection.credential_ref is required", e.EntityID)
	}
	if e.Connection.System == "" {
		return fmt.Errorf("entity %s: connection.system is required", e.EntityID)
	}
	return nil
}

// Store scans profiles/ and buildings/ directories and caches the
// parsed entity records in memory. Scan is safe to call concurrently
// with Get/All from worker goroutines.
type Store struct {
	profilesDir  string
	buildingsDir string
	logger       *zap.SugaredLogger

	mu       sync.RWMutex
	entities map[string]*Entity
}

// NewStore constructs a config store rooted at the given directories.
// Neither directory needs to exist yet; Scan creates no directories
// and simply finds zero entities until one is created.
func NewStore(profilesDir, buildingsDir string, logger *zap.SugaredLogger) *Store {
	return &Store{
		profilesDir:  profilesDir,
		buildingsDir: buildingsDir,
		logger:       logger,
		entities:     make(map[string]*Entity),
	}
}

// ScanResult reports what changed between two scans, so the
// supervisor can decide which workers to start, stop, or leave alone.
type ScanResult struct {
	Added   []string
	Removed []string
	// Changed lists entities whose Kind or Connection.CredentialRef
	// changed since the last scan and therefore require a worker
	// restart rather than a live config refresh.
	Changed []string
}

// Scan re-reads both config directories, replacing the in-memory
// cache, and returns what changed relative to the previous scan.
func (s *Store) Scan() (ScanResult, error) {
	fresh := make(map[string]*Entity)

	if err := scanDir(s.profilesDir, KindHouse, fresh); err != nil {
		return ScanResult{}, fmt.Errorf("scanning profiles dir: %w", err)
	}
	if err := scanDir(s.buildingsDir, KindBuilding, fresh); err != nil {
		return ScanResult{}, fmt.Errorf("scanning buildings dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result ScanResult
	for id, e := range fresh {
		prev, existed := s.entities[id]
		if !existed {
			result.Added = append(result.Added, id)
			continue
		}
		if prev.Kind != e.Kind || prev.Connection.CredentialRef != e.Connection.CredentialRef {
			result.Changed = append(result.Changed, id)
		}
	}
	for id := range s.entities {
		if _, stillPresent := fresh[id]; !stillPresent {
			result.Removed = append(result.Removed, id)
		}
	}

	sort.Strings(result.Added)
	sort.Strings(result.Removed)
	sort.Strings(result.Changed)

	s.entities = fresh
	return result, nil
}

func scanDir(dir string, kind Kind, into map[string]*Entity) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		entity, err := loadEntity(path, kind)
		if err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		if err := entity.validate(); err != nil {
			return err
		}
		into[entity.EntityID] = entity
	}
	return nil
}

func loadEntity(path string, kind Kind) (*Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	e.Kind = kind
	e.path = path
	return &e, nil
}

// Get returns a copy-free pointer to the cached entity record. Callers
// must not mutate the returned value.
func (s *Store) Get(entityID string) (*Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityID]
	return e, ok
}

// All returns every cached entity record, sorted by entity_id.
func (s *Store) All() []*Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// UpdateHeatLossK atomically rewrites energy_separation.heat_loss_k
// (and its calibration bookkeeping) on the entity's source file. It
// re-reads the file first so a concurrent hand-edit of unrelated
// fields is preserved; per §3 of the spec, concurrent writers to the
// same record are not expected and last-writer-wins.
func (s *Store) UpdateHeatLossK(entityID string, k float64, calibrationDate string, calibrationDays int) error {
	s.mu.RLock()
	cached, ok := s.entities[entityID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown entity %s", entityID)
	}

	data, err := os.ReadFile(cached.path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", cached.path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing %s: %w", cached.path, err)
	}

	var sep EnergySeparation
	if v, ok := raw["energy_separation"]; ok {
		if err := json.Unmarshal(v, &sep); err != nil {
			return fmt.Errorf("parsing energy_separation in %s: %w", cached.path, err)
		}
	}
	sep.HeatLossK = k
	sep.CalibrationDate = calibrationDate
	sep.CalibrationDays = calibrationDays

	patched, err := json.Marshal(sep)
	if err != nil {
		return err
	}
	raw["energy_separation"] = patched

	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}

	if err := atomicWrite(cached.path, out); err != nil {
		return err
	}

	s.mu.Lock()
	cached.EnergySeparation = sep
	s.mu.Unlock()
	return nil
}

// UpdateLearned atomically rewrites the entity's "learned" block (ML2
// weather coefficients and thermal timing), mirroring UpdateHeatLossK's
// read-patch-rename idiom. The solar-event detector and thermal-lag
// tracker mutate *entitycfg.WeatherCoefficients/*ThermalTiming in place
// during a worker's lifetime; this is how those mutations survive a
// restart.
func (s *Store) UpdateLearned(entityID string, learned Learned) error {
	s.mu.RLock()
	cached, ok := s.entities[entityID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown entity %s", entityID)
	}

	data, err := os.ReadFile(cached.path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", cached.path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing %s: %w", cached.path, err)
	}

	patched, err := json.Marshal(learned)
	if err != nil {
		return err
	}
	raw["learned"] = patched

	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}

	if err := atomicWrite(cached.path, out); err != nil {
		return err
	}

	s.mu.Lock()
	cached.Learned = learned
	s.mu.Unlock()
	return nil
}

// atomicWrite writes data to a temp file in the same directory as
// path and renames it into place, so a crash never leaves a
// half-written entity record.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".entitycfg-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
