// Package energyimport ingests semicolon-delimited energy-meter files
// from an external staging area (spec §4.8 step 1; §4.9's file-share
// semantics), maps meter_id to entity_id using the entity config
// store, and writes energy_meter points to the shared time-series
// writer. Unknown meter_ids and unparsable files are moved to a
// failure folder rather than aborting the whole run. Grounded on
// energy_importer.py's EnergyImporter.run/process_file.
package energyimport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heatfetch/heatfetch/internal/entitycfg"
	"github.com/heatfetch/heatfetch/internal/tsstore"
)

// Result summarizes one import run, for logging and the ops API.
type Result struct {
	BatchID      string
	FilesSeen    int
	FilesOK      int
	FilesFailed  int
	RecordsWritten int
}

// Importer ties together a staging Source, the header-synonym table,
// and the entity config store's meter_id→entity_id mapping.
type Importer struct {
	source    Source
	synonyms  map[string]string
	store     *entitycfg.Store
	writer    *tsstore.Writer
	logger    *zap.SugaredLogger

	// mu serializes Run: every worker crosses its own 08:00 gate on
	// its own schedule, so Run is expected to be called concurrently
	// by several workers a few minutes apart. Serializing means the
	// first caller through does the day's import and every other
	// caller that morning finds an empty incoming folder.
	mu sync.Mutex
}

// New constructs an Importer. synonyms should come from LoadSynonyms;
// a nil map falls back to the built-in defaults.
func New(source Source, synonyms map[string]string, store *entitycfg.Store, writer *tsstore.Writer, logger *zap.SugaredLogger) *Importer {
	if synonyms == nil {
		synonyms = cloneSynonyms(defaultSynonyms)
	}
	return &Importer{source: source, synonyms: synonyms, store: store, writer: writer, logger: logger}
}

// meterIndex maps meter_id to the owning entity, built fresh on every
// run so live edits to meter_ids (spec §2: "the worker reads them each
// iteration to pick up live edits") are honored by the importer too.
func (imp *Importer) meterIndex() map[string]*entitycfg.Entity {
	index := make(map[string]*entitycfg.Entity)
	for _, e := range imp.store.All() {
		for _, meterID := range e.MeterIDs {
			index[meterID] = e
		}
	}
	return index
}

// Run processes every file currently in the staging area once. It
// never returns an error for a single bad file — those are moved to
// the failure folder and counted — only for source-level failures
// (can't list, can't read store).
func (imp *Importer) Run(ctx context.Context) (Result, error) {
	imp.mu.Lock()
	defer imp.mu.Unlock()

	result := Result{BatchID: uuid.NewString()}

	files, err := imp.source.List(ctx)
	if err != nil {
		return result, fmt.Errorf("energyimport: listing source: %w", err)
	}
	result.FilesSeen = len(files)
	if len(files) == 0 {
		return result, nil
	}

	index := imp.meterIndex()

	for _, f := range files {
		written, ok := imp.processFile(ctx, f, index, result.BatchID)
		result.RecordsWritten += written
		if ok {
			result.FilesOK++
		} else {
			result.FilesFailed++
		}
	}

	if imp.logger != nil {
		imp.logger.Infow("energyimport: batch complete",
			"batch_id", result.BatchID,
			"files_seen", result.FilesSeen,
			"files_ok", result.FilesOK,
			"files_failed", result.FilesFailed,
			"records_written", result.RecordsWritten,
		)
	}
	return result, nil
}

// processFile parses and writes one file, moving it to the processed
// or failed folder depending on the outcome. It returns the number of
// records written and whether the file is considered successfully
// handled (a file with zero unknown-meter rows and at least one
// written record is a success; an unparsable file or one consisting
// entirely of unknown meters is a failure, per spec §4.8's "Data
// quality errors ... drop the offending row with a warning; never
// fail the pipeline step" read together with §4.9's failed-folder
// requirement).
func (imp *Importer) processFile(ctx context.Context, f File, index map[string]*entitycfg.Entity, batchID string) (int, bool) {
	content, err := imp.source.Read(ctx, f)
	if err != nil {
		imp.warnf("reading %s: %v", f.Name, err)
		_ = imp.source.Move(ctx, f, "failed")
		return 0, false
	}

	records, parseErrs := parseFile(content, imp.synonyms)
	for _, e := range parseErrs {
		imp.warnf("%s: %s", f.Name, e)
	}
	if len(records) == 0 {
		_ = imp.source.Move(ctx, f, "failed")
		return 0, false
	}

	written := 0
	unknownMeters := 0
	for _, rec := range records {
		entity, ok := index[rec.MeterID]
		if !ok {
			unknownMeters++
			imp.warnf("%s: unknown meter_id %q", f.Name, rec.MeterID)
			continue
		}

		fields := make(map[string]interface{}, len(rec.Fields))
		for k, v := range rec.Fields {
			fields[k] = v
		}
		if len(fields) == 0 {
			continue
		}

		tags := map[string]string{"entity_id": entity.EntityID, "meter_id": rec.MeterID}
		if entity.Kind == entitycfg.KindHouse {
			tags["house_id"] = entity.EntityID
		} else {
			tags["building_id"] = entity.EntityID
		}

		ok2, err := imp.writer.Write(ctx, tsstore.Point{
			Measurement: "energy_meter",
			Tags:        tags,
			Fields:      fields,
			Timestamp:   rec.Timestamp,
		})
		if err != nil {
			imp.warnf("%s: writing point for meter %q: %v", f.Name, rec.MeterID, err)
			continue
		}
		if ok2 {
			written++
		}
	}

	if written == 0 {
		_ = imp.source.Move(ctx, f, "failed")
		return 0, false
	}

	if err := imp.source.Move(ctx, f, "processed"); err != nil {
		imp.warnf("moving %s to processed: %v", f.Name, err)
	}
	return written, true
}

func (imp *Importer) warnf(format string, args ...interface{}) {
	if imp.logger != nil {
		imp.logger.Warnf("energyimport: "+format, args...)
	}
}
