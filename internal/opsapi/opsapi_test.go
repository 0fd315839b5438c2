package opsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/heatfetch/heatfetch/internal/entitycfg"
	"github.com/heatfetch/heatfetch/internal/envconfig"
	"github.com/heatfetch/heatfetch/internal/supervisor"
	"github.com/heatfetch/heatfetch/internal/tsstore"
	"github.com/heatfetch/heatfetch/internal/worker"
)

func newTestWriter(t *testing.T) *tsstore.Writer {
	t.Helper()
	w, err := tsstore.New(envconfig.TSStoreConfig{
		URL: "http://127.0.0.1:1", Token: "tok", Org: "org", Bucket: "bucket",
	}, nil, nil)
	if err != nil {
		t.Fatalf("tsstore.New: %v", err)
	}
	return w
}

func TestHealthzReportsBreakerStateAndWorkers(t *testing.T) {
	dir := t.TempDir()
	store := entitycfg.NewStore(dir, dir, nil)
	sup := supervisor.New(store, worker.Services{Store: store}, nil)
	writer := newTestWriter(t)

	srv := httptest.NewServer(NewServer(":0", sup, writer, nil).httpServer.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("expected status ok, got %q", body.Status)
	}
	if body.BreakerState != "closed" {
		t.Fatalf("expected closed breaker, got %q", body.BreakerState)
	}
	if len(body.Workers) != 0 {
		t.Fatalf("expected no workers in an empty supervisor, got %d", len(body.Workers))
	}
}

func TestMetricsReportsActiveWorkerCount(t *testing.T) {
	dir := t.TempDir()
	store := entitycfg.NewStore(dir, dir, nil)
	sup := supervisor.New(store, worker.Services{Store: store}, nil)
	writer := newTestWriter(t)

	srv := httptest.NewServer(NewServer(":0", sup, writer, nil).httpServer.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	var body metricsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ActiveWorkers != 0 {
		t.Fatalf("expected 0 active workers, got %d", body.ActiveWorkers)
	}
	if body.Bucket != "bucket" {
		t.Fatalf("expected bucket %q, got %q", "bucket", body.Bucket)
	}
}

func TestServerRunShutsDownOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	store := entitycfg.NewStore(dir, dir, nil)
	sup := supervisor.New(store, worker.Services{Store: store}, nil)
	writer := newTestWriter(t)

	srv := NewServer("127.0.0.1:0", sup, writer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error after cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down within 2s of context cancellation")
	}
}
