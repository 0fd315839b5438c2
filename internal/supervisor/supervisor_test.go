package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/heatfetch/heatfetch/internal/entitycfg"
	"github.com/heatfetch/heatfetch/internal/envconfig"
	"github.com/heatfetch/heatfetch/internal/tsstore"
	"github.com/heatfetch/heatfetch/internal/weather"
	"github.com/heatfetch/heatfetch/internal/worker"
)

func writeFixture(t *testing.T, dir, entityID string) string {
	t.Helper()
	body := map[string]any{
		"schema_version": 1,
		"entity_id":      entityID,
		"friendly_name":  "Test " + entityID,
		"location":       map[string]any{"latitude": 58.41, "longitude": 15.62},
		"connection": map[string]any{
			"system":         "arrigo_portal",
			"base_url":       "https://bms.example.invalid",
			"credential_ref": "TESTREF",
		},
		"poll_interval_minutes": 15,
		"signal_map":            map[string]any{},
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

func newTestServices(t *testing.T, store *entitycfg.Store) worker.Services {
	t.Helper()
	writer, err := tsstore.New(envconfig.TSStoreConfig{
		URL: "http://influx.example.invalid", Token: "t", Org: "o", Bucket: "b",
	}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(writer.Close)

	return worker.Services{
		Store:   store,
		Writer:  writer,
		Weather: weather.NewService(),
	}
}

func TestReconcileStartsAndStopsWorkersOnFixtureChanges(t *testing.T) {
	t.Setenv("TESTREF_USERNAME", "u")
	t.Setenv("TESTREF_PASSWORD", "p")

	profilesDir := t.TempDir()
	buildingsDir := t.TempDir()
	writeFixture(t, profilesDir, "house1")

	store := entitycfg.NewStore(profilesDir, buildingsDir, nil)
	services := newTestServices(t, store)
	sup := New(store, services, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	active := sup.ActiveWorkers()
	if len(active) != 1 || active[0] != "house1" {
		t.Fatalf("expected house1 to be running, got %+v", active)
	}

	if err := os.Remove(filepath.Join(profilesDir, "house1.json")); err != nil {
		t.Fatal(err)
	}
	if err := sup.reconcile(ctx); err != nil {
		t.Fatalf("reconcile after removal: %v", err)
	}

	if active := sup.ActiveWorkers(); len(active) != 0 {
		t.Fatalf("expected no workers running after house1.json removal, got %+v", active)
	}
}

func TestReconcileLeavesEntityUnstartedOnCredentialFailure(t *testing.T) {
	profilesDir := t.TempDir()
	buildingsDir := t.TempDir()
	writeFixture(t, profilesDir, "house-bad-creds")

	store := entitycfg.NewStore(profilesDir, buildingsDir, nil)
	services := newTestServices(t, store)
	sup := New(store, services, nil)

	if err := sup.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if active := sup.ActiveWorkers(); len(active) != 0 {
		t.Fatalf("expected the entity to be left unstarted without credentials, got %+v", active)
	}
}

func TestRunStopsAllWorkersWhenContextCancelled(t *testing.T) {
	t.Setenv("TESTREF_USERNAME", "u")
	t.Setenv("TESTREF_PASSWORD", "p")

	profilesDir := t.TempDir()
	buildingsDir := t.TempDir()
	writeFixture(t, profilesDir, "house1")

	store := entitycfg.NewStore(profilesDir, buildingsDir, nil)
	services := newTestServices(t, store)
	sup := New(store, services, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	if active := sup.ActiveWorkers(); len(active) != 0 {
		t.Fatalf("expected all workers stopped after Run returns, got %+v", active)
	}
}
