package direct

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/heatfetch/heatfetch/internal/bms"
)

func newAdapter(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()
	a := New(strings.TrimPrefix(srv.URL, "https://"), "user", "pass")
	a.httpClient = srv.Client()
	return a
}

func TestAuthenticateStoresTokenAndExpiry(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Arrigo/api/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(loginResponse{AuthToken: "tok-1", ExpiresIn: 3600})
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	a := newAdapter(t, srv)
	if err := a.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if a.authToken != "tok-1" {
		t.Fatalf("expected tok-1, got %q", a.authToken)
	}
	if !a.tokenValid() {
		t.Fatal("expected token valid immediately after login")
	}
}

func TestAuthenticateDefaultsExpiryWhenUpstreamOmitsIt(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Arrigo/api/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(loginResponse{AuthToken: "tok-1"})
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	a := newAdapter(t, srv)
	if err := a.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if time.Until(a.expiresAt) < time.Hour {
		t.Fatalf("expected a multi-hour default expiry, got %s", time.Until(a.expiresAt))
	}
}

func TestReadCurrentValuesFiltersToRequestedSignals(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Arrigo/api/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(loginResponse{AuthToken: "tok-1", ExpiresIn: 3600})
	})
	mux.HandleFunc("/Arrigo/api/graphql", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(graphqlResponse{
			Data: json.RawMessage(`{"analogs":{"items":[{"id":"s1","value":1},{"id":"s2","value":2}]}}`),
		})
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	a := newAdapter(t, srv)
	values, err := a.ReadCurrentValues(context.Background(), []string{"s2"})
	if err != nil {
		t.Fatalf("ReadCurrentValues: %v", err)
	}
	if len(values) != 1 || values["s2"] != 2 {
		t.Fatalf("expected only s2=2, got %+v", values)
	}
}

func TestReadCurrentValuesRetriesOnceAfter401(t *testing.T) {
	var unauthorizedOnce bool = true
	mux := http.NewServeMux()
	mux.HandleFunc("/Arrigo/api/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(loginResponse{AuthToken: "tok-1", ExpiresIn: 3600})
	})
	mux.HandleFunc("/Arrigo/api/graphql", func(w http.ResponseWriter, r *http.Request) {
		if unauthorizedOnce {
			unauthorizedOnce = false
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(graphqlResponse{
			Data: json.RawMessage(`{"analogs":{"items":[{"id":"s1","value":9}]}}`),
		})
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	a := newAdapter(t, srv)
	values, err := a.ReadCurrentValues(context.Background(), []string{"s1"})
	if err != nil {
		t.Fatalf("ReadCurrentValues: %v", err)
	}
	if values["s1"] != 9 {
		t.Fatalf("expected s1=9 after retry, got %v", values["s1"])
	}
}

func TestGetAlarmsParsesEdges(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Arrigo/api/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(loginResponse{AuthToken: "tok-1", ExpiresIn: 3600})
	})
	mux.HandleFunc("/Arrigo/api/graphql", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(graphqlResponse{
			Data: json.RawMessage(`{"alarms":{"edges":[{"node":{"id":"a1","alarmText":"high temp","alarmTime":"2026-01-01T00:00:00Z","noOfAlarms":3}}]}}`),
		})
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	a := newAdapter(t, srv)
	alarms, err := a.GetAlarms(context.Background())
	if err != nil {
		t.Fatalf("GetAlarms: %v", err)
	}
	if len(alarms) != 1 || alarms[0].Count != 3 || alarms[0].Text != "high temp" {
		t.Fatalf("unexpected alarms: %+v", alarms)
	}
}

var _ bms.Adapter = (*Adapter)(nil)
