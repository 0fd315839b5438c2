package tsstore

import (
	"testing"
	"time"
)

func TestThrottleFirstWriteAlwaysAllowed(t *testing.T) {
	th := NewThrottle()
	if !th.Allow("k_calibration_history", "house1", time.Hour) {
		t.Fatal("expected first write to always be allowed")
	}
}

func TestThrottleRejectsWithinInterval(t *testing.T) {
	th := NewThrottle()
	th.Allow("k_calibration_history", "house1", time.Hour)
	if th.Allow("k_calibration_history", "house1", time.Hour) {
		t.Fatal("expected second write within the interval to be rejected")
	}
}

func TestThrottleKeysAreIndependent(t *testing.T) {
	th := NewThrottle()
	th.Allow("k_calibration_history", "house1", time.Hour)
	if !th.Allow("k_calibration_history", "house2", time.Hour) {
		t.Fatal("expected a different entity_id to have an independent throttle")
	}
	if !th.Allow("other_measurement", "house1", time.Hour) {
		t.Fatal("expected a different measurement to have an independent throttle")
	}
}

func TestThrottleAllowsAfterIntervalElapses(t *testing.T) {
	th := NewThrottle()
	th.Allow("k_calibration_history", "house1", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if !th.Allow("k_calibration_history", "house1", 10*time.Millisecond) {
		t.Fatal("expected write to be allowed once the interval has elapsed")
	}
}
