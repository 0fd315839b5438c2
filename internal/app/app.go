// Package app wires the process-wide collaborators (entity config
// store, time-series writer, weather service, event log sink, energy
// pipeline) and the supervisor that owns every entity worker, then
// blocks until a shutdown signal or context cancellation. Grounded on
// the teacher's internal/app/app.go: same construct-managers / start /
// wait-for-signal / cancel-and-drain shape, rebuilt around a single
// Supervisor instead of separate storage/weather/controller managers
// since this pipeline has one kind of long-lived task (the entity
// worker), not three.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/heatfetch/heatfetch/internal/energyimport"
	"github.com/heatfetch/heatfetch/internal/energysplit"
	"github.com/heatfetch/heatfetch/internal/entitycfg"
	"github.com/heatfetch/heatfetch/internal/envconfig"
	"github.com/heatfetch/heatfetch/internal/eventlog"
	"github.com/heatfetch/heatfetch/internal/kcalibrator"
	"github.com/heatfetch/heatfetch/internal/log"
	"github.com/heatfetch/heatfetch/internal/opsapi"
	"github.com/heatfetch/heatfetch/internal/supervisor"
	"github.com/heatfetch/heatfetch/internal/tsstore"
	"github.com/heatfetch/heatfetch/internal/weather"
	"github.com/heatfetch/heatfetch/internal/worker"
)

// Config bundles the on-disk locations the app needs at startup. Zero
// values fall back to the same defaults the teacher's config loader
// would apply.
type Config struct {
	ProfilesDir          string
	BuildingsDir         string
	GapfillCheckpointDir string
	EnergyColumnSynonyms string
	DryRunCalibration    bool
}

func (c Config) withDefaults() Config {
	if c.ProfilesDir == "" {
		c.ProfilesDir = "profiles"
	}
	if c.BuildingsDir == "" {
		c.BuildingsDir = "buildings"
	}
	if c.GapfillCheckpointDir == "" {
		c.GapfillCheckpointDir = filepath.Join("data", "gapfill_checkpoints")
	}
	return c
}

// App is the top-level process: the shared services plus the
// supervisor that keeps one worker running per configured entity.
type App struct {
	cfg        Config
	logger     *zap.SugaredLogger
	store      *entitycfg.Store
	writer     *tsstore.Writer
	supervisor *supervisor.Supervisor
}

// New constructs an App. It does not touch the network or disk; Run
// performs the startup sequence (time-series connection, synonym
// table, entity scan, worker spawn).
func New(cfg Config, logger *zap.SugaredLogger) *App {
	return &App{cfg: cfg.withDefaults(), logger: logger}
}

// Run constructs the process-wide services, starts the supervisor,
// and blocks until SIGINT/SIGTERM or ctx is cancelled, at which point
// every worker is stopped and in-flight writes are flushed before
// returning.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.store = entitycfg.NewStore(a.cfg.ProfilesDir, a.cfg.BuildingsDir, a.logger)

	tsCfg := envconfig.LoadTSStoreConfig()
	if !tsCfg.Valid() {
		return errors.New("app: INFLUXDB_URL/TOKEN/ORG/BUCKET must all be set for live writes")
	}

	eventLog := eventlog.New(envconfig.LoadSeqConfig(), a.logger)

	writer, err := tsstore.New(tsCfg, a.logger, func() {
		eventLog.Restored(ctx, "tsstore", 0)
	})
	if err != nil {
		return err
	}
	a.writer = writer
	defer writer.Close()

	weatherSvc := weather.NewService()

	synonyms, err := energyimport.LoadSynonyms(a.cfg.EnergyColumnSynonyms)
	if err != nil {
		return err
	}

	importSource, err := energyImportSource()
	if err != nil {
		return err
	}

	calibrator := kcalibrator.New(writer, a.store, a.logger, a.cfg.DryRunCalibration)
	splitter := energysplit.New(writer, a.logger)
	importer := energyimport.New(importSource, synonyms, a.store, writer, a.logger)

	services := worker.Services{
		Store:                a.store,
		Writer:               writer,
		Weather:              weatherSvc,
		EventLog:             eventLog,
		Calibrator:           calibrator,
		Splitter:             splitter,
		Importer:             importer,
		Logger:               a.logger,
		GapfillCheckpointDir: a.cfg.GapfillCheckpointDir,
	}

	a.supervisor = supervisor.New(a.store, services, a.logger)

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- a.supervisor.Run(ctx)
	}()

	if addr := envconfig.OpsAPIAddr(); addr != "off" {
		opsServer := opsapi.NewServer(addr, a.supervisor, writer, a.logger)
		go func() {
			if err := opsServer.Run(ctx); err != nil {
				log.Warnw("opsapi server exited", "error", err)
			}
		}()
	}

	log.Info("heatfetch started, supervising entity workers")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigs:
		log.Info("shutdown signal received, initiating graceful shutdown...")
	case <-ctx.Done():
		log.Info("context cancelled, shutting down...")
	case err := <-runErrCh:
		if err != nil {
			log.Errorw("supervisor exited with error", "error", err)
		}
		return err
	}

	cancel()
	<-runErrCh

	log.Info("shutdown complete")
	return nil
}

// energyImportSource picks Dropbox if configured, otherwise a local
// staging directory, per §6's DROPBOX_* / ENERGY_IMPORT_DIR contract.
func energyImportSource() (energyimport.Source, error) {
	dbx := envconfig.LoadDropboxConfig()
	if dbx.Enabled() {
		return energyimport.NewDropboxSource(dbx)
	}
	return energyimport.NewLocalSource(envconfig.EnergyImportDir())
}
