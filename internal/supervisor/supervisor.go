// Package supervisor discovers entities from the config store and
// keeps one internal/worker.Worker running per entity, starting,
// stopping, and restarting them as profiles/buildings JSON files
// appear, disappear, or change kind/credential_ref. Grounded on
// internal/managers/weatherstation.go's weatherStationManager: its
// Start/Add/Remove/Reload methods map onto our startWorker/stopWorker/
// reconcile, generalized from a static device list read once to a
// directory rescanned on an interval (spec §3's discovery loop).
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/heatfetch/heatfetch/internal/entitycfg"
	"github.com/heatfetch/heatfetch/internal/worker"
)

// scanInterval is how often the config store is rescanned for
// added/removed/changed entities, bounded at ≤60s per spec §3.
const scanInterval = 30 * time.Second

type managedWorker struct {
	w      *worker.Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// Status is a point-in-time snapshot of one running worker, for
// internal/opsapi's /healthz.
type Status struct {
	EntityID   string
	LastTickAt time.Time
}

// Supervisor owns the set of running workers and the scan loop that
// keeps it in sync with the entity config store.
type Supervisor struct {
	store    *entitycfg.Store
	services worker.Services
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	workers map[string]*managedWorker
}

// New constructs a Supervisor. services is the shared collaborator
// bundle passed through to every worker.New call.
func New(store *entitycfg.Store, services worker.Services, logger *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		store:    store,
		services: services,
		logger:   logger,
		workers:  make(map[string]*managedWorker),
	}
}

// Run performs an initial scan-and-start, then reconciles on
// scanInterval until ctx is cancelled, at which point every running
// worker is stopped and Run returns once they've all exited.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.reconcile(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return nil
		case <-ticker.C:
			if err := s.reconcile(ctx); err != nil && s.logger != nil {
				s.logger.Warnw("supervisor: reconcile failed", "error", err)
			}
		}
	}
}

// reconcile scans the config store and starts, stops, or restarts
// workers to match. A scan error leaves the existing worker set
// untouched rather than tearing anything down.
func (s *Supervisor) reconcile(ctx context.Context) error {
	result, err := s.store.Scan()
	if err != nil {
		return err
	}

	for _, entityID := range result.Added {
		s.startWorker(ctx, entityID)
	}
	for _, entityID := range result.Removed {
		s.stopWorker(entityID)
	}
	for _, entityID := range result.Changed {
		if s.logger != nil {
			s.logger.Infow("supervisor: entity connection changed, restarting worker", "entity_id", entityID)
		}
		s.stopWorker(entityID)
		s.startWorker(ctx, entityID)
	}
	return nil
}

// startWorker constructs and launches a worker for entityID. A
// construction failure (bad credentials, unknown connection.system) is
// logged and the entity is simply left unstarted — per spec §6, a
// single bad entity must not affect any other. It is retried on the
// next reconcile only if the entity is first removed and re-added
// (e.g. the file is deleted and recreated), since Store.Scan only
// reports an entity_id in Added the first time it's observed.
func (s *Supervisor) startWorker(ctx context.Context, entityID string) {
	s.mu.Lock()
	if _, running := s.workers[entityID]; running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	w, err := worker.New(entityID, s.services)
	if err != nil {
		if s.logger != nil {
			s.logger.Errorw("supervisor: failed to start worker, entity left unstarted", "entity_id", entityID, "error", err)
		}
		return
	}

	workerCtx, cancel := context.WithCancel(ctx)
	mw := &managedWorker{w: w, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.workers[entityID] = mw
	s.mu.Unlock()

	go func() {
		defer close(mw.done)
		w.Run(workerCtx)
	}()

	if s.logger != nil {
		s.logger.Infow("supervisor: started worker", "entity_id", entityID)
	}
}

// stopWorker cancels and waits for entityID's worker, if one is
// running.
func (s *Supervisor) stopWorker(entityID string) {
	s.mu.Lock()
	mw, running := s.workers[entityID]
	if running {
		delete(s.workers, entityID)
	}
	s.mu.Unlock()

	if !running {
		return
	}
	mw.cancel()
	<-mw.done

	if s.logger != nil {
		s.logger.Infow("supervisor: stopped worker", "entity_id", entityID)
	}
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.stopWorker(id)
	}
}

// ActiveWorkers returns the entity_ids of every currently running
// worker, sorted is not guaranteed; used by internal/opsapi's
// /healthz to report liveness.
func (s *Supervisor) ActiveWorkers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns a point-in-time Status for every currently running
// worker, for internal/opsapi's /healthz. Order is not guaranteed.
func (s *Supervisor) Snapshot() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := make([]Status, 0, len(s.workers))
	for id, mw := range s.workers {
		statuses = append(statuses, Status{
			EntityID:   id,
			LastTickAt: mw.w.LastTickAt(),
		})
	}
	return statuses
}
