package portal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/heatfetch/heatfetch/internal/bms"
)

func newTestServer(t *testing.T, unauthorizedOnce *atomic.Bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sessionLoginResponse{SessionToken: "sess-1"})
	})
	mux.HandleFunc("/api/auth/bms-token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(bmsTokenResponse{BearerToken: "bearer-1", ExpiresIn: 3600})
	})
	mux.HandleFunc("/api/graphql", func(w http.ResponseWriter, r *http.Request) {
		if unauthorizedOnce != nil && unauthorizedOnce.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(graphqlResponse{
			Data: json.RawMessage(`{"signals":[{"id":"s1","value":21.5}]}`),
		})
	})

	return httptest.NewServer(mux)
}

func TestAuthenticateThreeStageLogin(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.Close()

	a := New(srv.URL, "user", "pass")
	if err := a.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if a.bearerToken != "bearer-1" {
		t.Fatalf("expected bearer-1, got %q", a.bearerToken)
	}
	if !a.tokenValid() {
		t.Fatal("expected token to be valid right after login")
	}
}

func TestAuthenticateIsIdempotentWhileTokenValid(t *testing.T) {
	var loginCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		loginCalls.Add(1)
		json.NewEncoder(w).Encode(sessionLoginResponse{SessionToken: "sess-1"})
	})
	mux.HandleFunc("/api/auth/bms-token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(bmsTokenResponse{BearerToken: "bearer-1", ExpiresIn: 3600})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := New(srv.URL, "user", "pass")
	if err := a.Authenticate(context.Background()); err != nil {
		t.Fatalf("first Authenticate: %v", err)
	}
	if err := a.Authenticate(context.Background()); err != nil {
		t.Fatalf("second Authenticate: %v", err)
	}
	if loginCalls.Load() != 1 {
		t.Fatalf("expected exactly one login call, got %d", loginCalls.Load())
	}
}

func TestReadCurrentValuesRetriesOnceAfter401(t *testing.T) {
	var unauthorizedOnce atomic.Bool
	unauthorizedOnce.Store(true)
	srv := newTestServer(t, &unauthorizedOnce)
	defer srv.Close()

	a := New(srv.URL, "user", "pass")
	values, err := a.ReadCurrentValues(context.Background(), []string{"s1"})
	if err != nil {
		t.Fatalf("ReadCurrentValues: %v", err)
	}
	if values["s1"] != 21.5 {
		t.Fatalf("expected s1=21.5, got %v", values["s1"])
	}
}

func TestReadHistoryParsesPoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sessionLoginResponse{SessionToken: "sess-1"})
	})
	mux.HandleFunc("/api/auth/bms-token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(bmsTokenResponse{BearerToken: "bearer-1", ExpiresIn: 3600})
	})
	mux.HandleFunc("/api/graphql", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(graphqlResponse{
			Data: json.RawMessage(`{"signalHistory":[{"signalId":"s1","time":"2026-01-01T00:00:00Z","value":1.5}]}`),
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := New(srv.URL, "user", "pass")
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)
	points, err := a.ReadHistory(context.Background(), []string{"s1"}, from, to, 900)
	if err != nil {
		t.Fatalf("ReadHistory: %v", err)
	}
	if len(points["s1"]) != 1 || points["s1"][0].Value != 1.5 {
		t.Fatalf("unexpected points: %+v", points)
	}
}

func TestGetAlarmsNotSupported(t *testing.T) {
	a := New("http://example.invalid", "u", "p")
	if _, err := a.GetAlarms(context.Background()); err != bms.ErrNotSupported {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
}
