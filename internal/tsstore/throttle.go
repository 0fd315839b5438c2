package tsstore

import (
	"sync"
	"time"
)

// Throttle enforces a minimum interval between writes to the same
// (measurement, entity_id) pair, to prevent write storms after an
// abnormal restart. The first write for a given key is always
// allowed. Grounded directly on the Python WriteThrottle singleton.
type Throttle struct {
	mu         sync.Mutex
	lastWrites map[throttleKey]time.Time
}

type throttleKey struct {
	measurement string
	entityID    string
}

// NewThrottle constructs an empty throttle.
func NewThrottle() *Throttle {
	return &Throttle{lastWrites: make(map[throttleKey]time.Time)}
}

// Allow reports whether a write to (measurement, entityID) may
// proceed given minInterval, and if so records the current time as
// the last write time for that key.
func (t *Throttle) Allow(measurement, entityID string, minInterval time.Duration) bool {
	key := throttleKey{measurement: measurement, entityID: entityID}

	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.lastWrites[key]
	now := time.Now()
	if ok && now.Sub(last) < minInterval {
		return false
	}
	t.lastWrites[key] = now
	return true
}
