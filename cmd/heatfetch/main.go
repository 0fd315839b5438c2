// Package main provides the heatfetch entity-worker process: it
// supervises one polling/learning loop per configured house or
// building and has no required arguments. Grounded on the teacher's
// cmd/remoteweather/main.go: flag-parse, init logging, construct and
// run the App, exit 1 on any startup or run error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/heatfetch/heatfetch/internal/app"
	"github.com/heatfetch/heatfetch/internal/log"
)

const version = "0.1.0"

func main() {
	profilesDir := flag.String("profiles-dir", "profiles", "Path to the house entity config directory")
	buildingsDir := flag.String("buildings-dir", "buildings", "Path to the building entity config directory")
	synonymsPath := flag.String("energy-column-synonyms", "", "Path to an energy-import header synonym table (defaults to the built-in table)")
	gapfillDir := flag.String("gapfill-checkpoint-dir", "", "Path to the gap-filler checkpoint directory")
	dryRun := flag.Bool("dry-run-calibration", false, "Compute k-calibration but never write heat_loss_k back to entity records")
	debug := flag.Bool("debug", false, "Turn on debugging output")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("heatfetch %s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if err := log.Init(*debug); err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := app.Config{
		ProfilesDir:          *profilesDir,
		BuildingsDir:         *buildingsDir,
		EnergyColumnSynonyms: *synonymsPath,
		GapfillCheckpointDir: *gapfillDir,
		DryRunCalibration:    *dryRun,
	}

	application := app.New(cfg, log.GetSugaredLogger())
	if err := application.Run(context.Background()); err != nil {
		log.Errorf("application error: %v", err)
		os.Exit(1)
	}
}
