package entitycfg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeEntityFile(t *testing.T, dir, entityID string, extra map[string]any) string {
	t.Helper()
	body := map[string]any{
		"schema_version": 1,
		"entity_id":      entityID,
		"friendly_name":  "Test " + entityID,
		"location":       map[string]any{"latitude": 58.41, "longitude": 15.62},
		"connection": map[string]any{
			"system":         "arrigo_portal",
			"credential_ref": "TESTREF",
		},
		"poll_interval_minutes": 15,
		"signal_map": map[string]any{
			"supply_temp": map[string]any{"signal_id": "S1", "field_name": "supply_temp", "fetch": true},
		},
		"energy_separation": map[string]any{"enabled": true, "method": "k_calibration", "heat_loss_k": 0.05},
	}
	for k, v := range extra {
		body[k] = v
	}
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, entityID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScanDiscoversAddedAndRemoved(t *testing.T) {
	profilesDir := t.TempDir()
	buildingsDir := t.TempDir()
	writeEntityFile(t, profilesDir, "house1", nil)

	store := NewStore(profilesDir, buildingsDir, nil)
	result, err := store.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Added) != 1 || result.Added[0] != "house1" {
		t.Fatalf("expected house1 added, got %+v", result)
	}

	e, ok := store.Get("house1")
	if !ok {
		t.Fatal("expected house1 to be present")
	}
	if e.Kind != KindHouse {
		t.Fatalf("expected KindHouse, got %v", e.Kind)
	}

	if err := os.Remove(filepath.Join(profilesDir, "house1.json")); err != nil {
		t.Fatal(err)
	}
	result, err = store.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Removed) != 1 || result.Removed[0] != "house1" {
		t.Fatalf("expected house1 removed, got %+v", result)
	}
	if _, ok := store.Get("house1"); ok {
		t.Fatal("expected house1 to be gone after removal")
	}
}

func TestScanDetectsCredentialChange(t *testing.T) {
	profilesDir := t.TempDir()
	buildingsDir := t.TempDir()
	writeEntityFile(t, profilesDir, "house1", nil)

	store := NewStore(profilesDir, buildingsDir, nil)
	if _, err := store.Scan(); err != nil {
		t.Fatal(err)
	}

	writeEntityFile(t, profilesDir, "house1", map[string]any{
		"connection": map[string]any{"system": "arrigo_portal", "credential_ref": "CHANGEDREF"},
	})

	result, err := store.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Changed) != 1 || result.Changed[0] != "house1" {
		t.Fatalf("expected house1 flagged changed, got %+v", result)
	}
}

func TestUpdateHeatLossKPreservesOtherFields(t *testing.T) {
	profilesDir := t.TempDir()
	buildingsDir := t.TempDir()
	writeEntityFile(t, profilesDir, "house1", nil)

	store := NewStore(profilesDir, buildingsDir, nil)
	if _, err := store.Scan(); err != nil {
		t.Fatal(err)
	}

	if err := store.UpdateHeatLossK("house1", 0.0731, "2026-07-29", 15); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Scan(); err != nil {
		t.Fatal(err)
	}
	e, ok := store.Get("house1")
	if !ok {
		t.Fatal("expected house1 to still be present")
	}
	if e.EnergySeparation.HeatLossK != 0.0731 {
		t.Fatalf("HeatLossK = %v, want 0.0731", e.EnergySeparation.HeatLossK)
	}
	if e.EnergySeparation.CalibrationDays != 15 {
		t.Fatalf("CalibrationDays = %v, want 15", e.EnergySeparation.CalibrationDays)
	}
	if e.FriendlyName != "Test house1" {
		t.Fatalf("expected friendly_name preserved, got %q", e.FriendlyName)
	}
	if e.SignalMap["supply_temp"].SignalID != "S1" {
		t.Fatalf("expected signal_map preserved, got %+v", e.SignalMap)
	}
}

func TestUnknownEntityFails(t *testing.T) {
	store := NewStore(t.TempDir(), t.TempDir(), nil)
	if err := store.UpdateHeatLossK("nope", 0.05, "2026-07-29", 3); err == nil {
		t.Fatal("expected error for unknown entity")
	}
}
