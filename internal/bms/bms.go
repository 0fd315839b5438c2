// Package bms defines the protocol-agnostic capability set shared by
// the portal-relayed, direct, and EBO adapters (internal/bms/portal,
// internal/bms/direct, internal/bms/ebo). Two distinct wire protocols
// are implemented as one interface, per spec's "polymorphic BMS" note:
// no shared state lives outside a single adapter instance.
package bms

import (
	"context"
	"errors"
	"time"
)

// ErrNotSupported is returned by GetAlarms on adapters whose upstream
// protocol has no alarm concept.
var ErrNotSupported = errors.New("bms: capability not supported by this adapter")

// HistoryPoint is one historical sample returned by ReadHistory.
type HistoryPoint struct {
	Time  time.Time
	Value float64
}

// Alarm is one active alarm reported by an adapter that supports
// GetAlarms.
type Alarm struct {
	ID    string
	Text  string
	Time  time.Time
	Count int
}

// Adapter is the capability set every BMS protocol variant implements.
// Authenticate must be idempotent and safe to call repeatedly: it is
// the adapter's responsibility to skip re-authentication when its
// current session is still valid.
type Adapter interface {
	// Authenticate establishes or refreshes a session. Implementations
	// track their own expiry and no-op when the session is still good.
	Authenticate(ctx context.Context) error

	// ReadCurrentValues fetches the live value of each requested
	// signal ID in one round trip where the protocol allows it.
	ReadCurrentValues(ctx context.Context, signalIDs []string) (map[string]float64, error)

	// ReadHistory fetches historical samples for each signal ID over
	// [from, to] at the given resolution.
	ReadHistory(ctx context.Context, signalIDs []string, from, to time.Time, resolutionSeconds int) (map[string][]HistoryPoint, error)

	// GetAlarms returns active alarms, or ErrNotSupported if the
	// adapter's protocol has no alarm concept.
	GetAlarms(ctx context.Context) ([]Alarm, error)
}
