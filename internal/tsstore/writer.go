// Package tsstore is the processwide time-series writer: a thin
// wrapper over the InfluxDB v2 client gated by a circuit breaker and a
// per-(measurement, entity_id) write throttle. It is constructed once
// and shared by every entity worker; workers receive a reference to
// it rather than a global. Grounded on the teacher's TimescaleDB
// storage backend (channel-fed StartStorageEngine/StoreReading/
// CheckHealth shape), rebound to InfluxDB v2 because the spec's
// environment variables (INFLUXDB_URL/TOKEN/ORG/BUCKET) are v2-shaped.
package tsstore

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.uber.org/zap"

	"github.com/heatfetch/heatfetch/internal/envconfig"
)

// writeTimeout bounds every individual write call per §5's stated
// time-series write timeout.
const writeTimeout = 5 * time.Second

// throttledMeasurements lists measurements subject to the
// per-(measurement, entity_id) minimum-interval throttle, and the
// interval enforced for each.
var throttledMeasurements = map[string]time.Duration{
	"k_calibration_history": time.Hour,
}

// Point is a single time-series sample: a tag set, a field set, and a
// timestamp, written to one measurement.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]interface{}
	Timestamp   time.Time
}

// Writer is the shared time-series writer.
type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	org      string
	bucket   string
	logger   *zap.SugaredLogger

	breaker  *Breaker
	throttle *Throttle
}

// New constructs a Writer from the resolved InfluxDB configuration.
// The breaker starts closed; onRestored, if non-nil, fires the first
// time a write succeeds following one or more failures.
func New(cfg envconfig.TSStoreConfig, logger *zap.SugaredLogger, onRestored func()) (*Writer, error) {
	if !cfg.Valid() {
		return nil, fmt.Errorf("tsstore: incomplete InfluxDB configuration")
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	w := &Writer{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		org:      cfg.Org,
		bucket:   cfg.Bucket,
		logger:   logger,
		throttle: NewThrottle(),
	}
	w.breaker = NewBreaker(w.healthCheck, func() {
		if logger != nil {
			logger.Info("tsstore: circuit breaker restored after failures")
		}
		if onRestored != nil {
			onRestored()
		}
	})
	return w, nil
}

func (w *Writer) healthCheck(ctx context.Context) error {
	ok, err := w.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("tsstore: health check ping returned unhealthy")
	}
	return nil
}

// Write encodes and writes a single point, respecting both the
// circuit breaker and the per-(measurement, entity_id) throttle. It
// returns written=false (with a nil error) whenever the write was
// skipped rather than attempted — either because the breaker is open
// or because the throttle suppressed it — per §4.4/§7's "skipped
// rather than raising" contract.
func (w *Writer) Write(ctx context.Context, p Point) (bool, error) {
	entityID := p.Tags["entity_id"]
	if minInterval, throttled := throttledMeasurements[p.Measurement]; throttled {
		if !w.throttle.Allow(p.Measurement, entityID, minInterval) {
			return false, nil
		}
	}

	if !w.breaker.Allow(ctx) {
		return false, nil
	}

	point := influxdb2.NewPoint(p.Measurement, p.Tags, p.Fields, p.Timestamp)

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := w.writeAPI.WritePoint(writeCtx, point); err != nil {
		w.breaker.RecordFailure()
		if w.logger != nil {
			w.logger.Warnw("tsstore: write failed", "measurement", p.Measurement, "entity_id", entityID, "error", err)
		}
		return false, err
	}

	w.breaker.RecordSuccess()
	return true, nil
}

// Query runs a Flux query and returns the raw result table, used by
// the k-calibrator and gap filler's read helpers. Reads are never
// gated by the circuit breaker per §4.4 ("reads are unaffected by
// breaker state").
func (w *Writer) Query(ctx context.Context, flux string) (*api.QueryTableResult, error) {
	return w.queryAPI.Query(ctx, flux)
}

// QueryRows runs a Flux query and flattens every result row into a
// map[string]interface{} keyed by column label — what a pivoted table
// yields from FluxRecord.Values(). Shared by the k-calibrator, the
// energy splitter, and the gap filler so each doesn't re-implement
// table iteration.
func (w *Writer) QueryRows(ctx context.Context, flux string) ([]map[string]interface{}, error) {
	result, err := w.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("tsstore: query failed: %w", err)
	}
	defer result.Close()

	var rows []map[string]interface{}
	for result.Next() {
		rows = append(rows, result.Record().Values())
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("tsstore: query result error: %w", result.Err())
	}
	return rows, nil
}

// DeleteFuturePoints deletes every point at or after cutoff for the
// given measurement/entity_id, used before writing a new forecast
// horizon so only the latest prediction for each future timestamp
// survives while past forecast points are preserved.
func (w *Writer) DeleteFuturePoints(ctx context.Context, measurement, entityID string, cutoff time.Time) error {
	deleteAPI := w.client.DeleteAPI()
	predicate := fmt.Sprintf(`_measurement="%s" AND entity_id="%s"`, measurement, entityID)
	return deleteAPI.DeleteWithName(ctx, w.org, w.bucket, cutoff, time.Now().Add(24*365*time.Hour), predicate)
}

// Timestamps returns every distinct point timestamp written to
// measurement for entityID within the last `since` duration, used by
// internal/gapfiller to detect gaps in a series. Unlike Write, reads
// are never gated by the circuit breaker (spec §4.4).
func (w *Writer) Timestamps(ctx context.Context, measurement, entityID string, since time.Duration) ([]time.Time, error) {
	flux := fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: -%s)
		|> filter(fn: (r) => r["_measurement"] == %q)
		|> filter(fn: (r) => r["entity_id"] == %q)
		|> keep(columns: ["_time"])
		|> distinct(column: "_time")
	`, w.bucket, since.String(), measurement, entityID)

	rows, err := w.QueryRows(ctx, flux)
	if err != nil {
		return nil, err
	}

	out := make([]time.Time, 0, len(rows))
	for _, r := range rows {
		if t, ok := r["_time"].(time.Time); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// HasNonZeroRecord reports whether measurement/entityID already has a
// record at exactly ts with at least one non-zero field, used by
// internal/gapfiller to decide whether a backfilled point would
// duplicate one that's already there (spec §4.9: "skip it if an
// existing non-zero record already exists at that timestamp").
func (w *Writer) HasNonZeroRecord(ctx context.Context, measurement, entityID string, ts time.Time) (bool, error) {
	flux := fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: %s, stop: %s)
		|> filter(fn: (r) => r["_measurement"] == %q)
		|> filter(fn: (r) => r["entity_id"] == %q)
		|> filter(fn: (r) => r["_value"] != 0)
	`, w.bucket, ts.UTC().Format(time.RFC3339Nano), ts.Add(time.Second).UTC().Format(time.RFC3339Nano), measurement, entityID)

	rows, err := w.QueryRows(ctx, flux)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// BreakerState exposes the writer's circuit-breaker state for
// diagnostics (internal/opsapi's /healthz).
func (w *Writer) BreakerState() BreakerState {
	return w.breaker.State()
}

// Bucket returns the configured bucket name, for callers (the
// k-calibrator, gap filler) that build their own Flux queries.
func (w *Writer) Bucket() string {
	return w.bucket
}

// Close releases the underlying HTTP client.
func (w *Writer) Close() {
	w.client.Close()
}
