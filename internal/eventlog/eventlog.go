// Package eventlog is the processwide structured event log sink: a
// best-effort HTTP POST of CLEF-shaped events to a Seq server
// identified by SEQ_URL/SEQ_API_KEY. Delivery failures never affect
// the pipeline — every Emit call swallows its own errors (logging them
// at debug level) rather than returning them to the caller, per §6's
// "the sink is optional; failure to deliver must not affect the
// pipeline" contract. Grounded on seq_logger.py's property-bag shape.
package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heatfetch/heatfetch/internal/envconfig"
)

const application = "heatfetch"

// postTimeout bounds the best-effort HTTP POST to Seq.
const postTimeout = 5 * time.Second

// Level mirrors Seq's textual log levels.
type Level string

const (
	LevelDebug       Level = "Debug"
	LevelInformation Level = "Information"
	LevelWarning     Level = "Warning"
	LevelError       Level = "Error"
)

// Event is a single structured log event.
type Event struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Component string
	EntityID  string
	Properties map[string]interface{}
}

// Sink is the processwide event log client. It is safe for concurrent
// use by every entity worker.
type Sink struct {
	url        string
	apiKey     string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// New constructs a Sink from the resolved Seq configuration. A Sink
// with an empty URL is still usable: Emit becomes a silent no-op.
func New(cfg envconfig.SeqConfig, logger *zap.SugaredLogger) *Sink {
	return &Sink{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: postTimeout},
		logger:     logger,
	}
}

// Enabled reports whether a Seq URL was configured.
func (s *Sink) Enabled() bool {
	return s != nil && s.url != ""
}

// rawEvent is the Seq raw-events-API wire shape.
type rawEvent struct {
	Timestamp       string                 `json:"Timestamp"`
	Level           string                 `json:"Level"`
	MessageTemplate string                 `json:"MessageTemplate"`
	Properties      map[string]interface{} `json:"Properties"`
}

type rawPayload struct {
	Events []rawEvent `json:"Events"`
}

// Emit sends an event. It never returns an error: delivery failures
// are logged at debug level and otherwise swallowed.
func (s *Sink) Emit(ctx context.Context, e Event) {
	if !s.Enabled() {
		return
	}

	props := map[string]interface{}{
		"Application":   application,
		"Component":     e.Component,
		"EntityId":      e.EntityID,
		"CorrelationId": uuid.NewString(),
	}
	for k, v := range e.Properties {
		props[k] = v
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	payload := rawPayload{Events: []rawEvent{{
		Timestamp:       ts.UTC().Format(time.RFC3339Nano),
		Level:           string(e.Level),
		MessageTemplate: e.Message,
		Properties:      props,
	}}}

	body, err := json.Marshal(payload)
	if err != nil {
		if s.logger != nil {
			s.logger.Debugw("eventlog: failed to marshal event", "error", err)
		}
		return
	}

	url := strings.TrimSuffix(s.url, "/")
	url = strings.Replace(url, "/api", "", 1)
	url = url + "/api/events/raw"

	postCtx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(postCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		if s.logger != nil {
			s.logger.Debugw("eventlog: failed to build request", "error", err)
		}
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-Seq-ApiKey", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if s.logger != nil {
			s.logger.Debugw("eventlog: delivery failed", "error", err)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		if s.logger != nil {
			s.logger.Debugw("eventlog: non-2xx response", "status", resp.StatusCode)
		}
	}
}

// TokenRefreshed emits the "TokenRefreshed" event used by scenario 2
// of the spec's testable properties.
func (s *Sink) TokenRefreshed(ctx context.Context, component, entityID string) {
	s.Emit(ctx, Event{
		Level:     LevelInformation,
		Message:   fmt.Sprintf("[%s] session token refreshed", entityID),
		Component: component,
		EntityID:  entityID,
		Properties: map[string]interface{}{
			"EventType": "TokenRefreshed",
		},
	})
}

// Restored emits the "restored" event fired the first time a write
// succeeds after a run of circuit-breaker failures.
func (s *Sink) Restored(ctx context.Context, component string, priorFailureDuration time.Duration) {
	s.Emit(ctx, Event{
		Level:     LevelInformation,
		Message:   fmt.Sprintf("[%s] recovered after %s of failures", component, priorFailureDuration),
		Component: component,
		Properties: map[string]interface{}{
			"EventType":             "Restored",
			"PriorFailureDurationMs": priorFailureDuration.Milliseconds(),
		},
	})
}
