// Package opsapi is the processwide read-only operations surface:
// /healthz (per-worker liveness + time-series breaker state) and
// /metrics (a small JSON counter set), for external monitoring of a
// process that otherwise has no UI of its own (spec §1 non-goals
// exclude dashboards, not a plain health endpoint). Grounded on
// internal/controllers/restserver/controller.go's mux.NewRouter +
// middleware-chain setup, trimmed to two read-only routes with no
// website/device/gRPC surface.
package opsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/heatfetch/heatfetch/internal/supervisor"
	"github.com/heatfetch/heatfetch/internal/tsstore"
)

// Server is the ops HTTP server. It never becomes unhealthy itself:
// /healthz reports what it observes, it doesn't gate its own response
// on any dependency being reachable.
type Server struct {
	httpServer *http.Server
	logger     *zap.SugaredLogger
}

// NewServer builds a Server listening on addr. sup and writer may be
// read concurrently by any number of in-flight requests; both are
// already safe for concurrent use.
func NewServer(addr string, sup *supervisor.Supervisor, writer *tsstore.Writer, logger *zap.SugaredLogger) *Server {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", healthzHandler(sup, writer)).Methods(http.MethodGet)
	router.HandleFunc("/metrics", metricsHandler(sup, writer)).Methods(http.MethodGet)

	var handler http.Handler = router
	if logger != nil {
		handler = handlers.CombinedLoggingHandler(zapInfoWriter{logger}, handler)
	}
	handler = handlers.RecoveryHandler()(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Run listens until ctx is cancelled, then shuts the server down
// gracefully. A listen failure (e.g. address already in use) is
// returned; it never panics the process.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && s.logger != nil {
			s.logger.Warnw("opsapi: shutdown error", "error", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

type healthResponse struct {
	Status       string         `json:"status"`
	BreakerState string         `json:"time_series_breaker_state"`
	Workers      []workerStatus `json:"workers"`
}

type workerStatus struct {
	EntityID   string `json:"entity_id"`
	LastTickAt string `json:"last_tick_at,omitempty"`
}

func healthzHandler(sup *supervisor.Supervisor, writer *tsstore.Writer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := sup.Snapshot()
		workers := make([]workerStatus, 0, len(snapshot))
		for _, st := range snapshot {
			ws := workerStatus{EntityID: st.EntityID}
			if !st.LastTickAt.IsZero() {
				ws.LastTickAt = st.LastTickAt.UTC().Format(time.RFC3339)
			}
			workers = append(workers, ws)
		}

		resp := healthResponse{
			Status:       "ok",
			BreakerState: writer.BreakerState().String(),
			Workers:      workers,
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

type metricsResponse struct {
	ActiveWorkers int    `json:"active_workers"`
	BreakerState  string `json:"time_series_breaker_state"`
	Bucket        string `json:"time_series_bucket"`
}

func metricsHandler(sup *supervisor.Supervisor, writer *tsstore.Writer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := metricsResponse{
			ActiveWorkers: len(sup.ActiveWorkers()),
			BreakerState:  writer.BreakerState().String(),
			Bucket:        writer.Bucket(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// zapInfoWriter adapts a *zap.SugaredLogger to the io.Writer that
// handlers.CombinedLoggingHandler expects for its access log.
type zapInfoWriter struct {
	logger *zap.SugaredLogger
}

func (z zapInfoWriter) Write(p []byte) (int, error) {
	z.logger.Debugw("opsapi: request", "line", string(p))
	return len(p), nil
}
