package quota

import (
	"testing"
	"time"
)

func TestState_NeedsWarning(t *testing.T) {
	tests := []struct {
		name      string
		remaining int
		expected  bool
	}{
		{
			name:      "well above warning threshold",
			remaining: 40,
			expected:  false,
		},
		{
			name:      "at warning threshold",
			remaining: WarningThreshold,
			expected:  false,
		},
		{
			name:      "just below warning threshold",
			remaining: WarningThreshold - 1,
			expected:  true,
		},
		{
			name:      "exhausted does not warn",
			remaining: 0,
			expected:  false, // exhaustion is its own state
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &State{Remaining: tt.remaining}
			result := state.NeedsWarning()
			if result != tt.expected {
				t.Errorf("NeedsWarning() = %v, want %v (remaining=%d)", result, tt.expected, tt.remaining)
			}
		})
	}
}

func TestState_Exhausted(t *testing.T) {
	tests := []struct {
		name      string
		remaining int
		expected  bool
	}{
		{
			name:      "budget available",
			remaining: 30,
			expected:  false,
		},
		{
			name:      "one request left",
			remaining: 1,
			expected:  false,
		},
		{
			name:      "nothing left",
			remaining: 0,
			expected:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &State{Remaining: tt.remaining}
			result := state.Exhausted()
			if result != tt.expected {
				t.Errorf("Exhausted() = %v, want %v (remaining=%d)", result, tt.expected, tt.remaining)
			}
		})
	}
}

func TestState_TimeUntilReset(t *testing.T) {
	tests := []struct {
		name     string
		resetAt  time.Time
		expected bool // true if positive duration expected
	}{
		{
			name:     "reset in the future",
			resetAt:  time.Now().Add(30 * time.Minute),
			expected: true,
		},
		{
			name:     "reset already passed",
			resetAt:  time.Now().Add(-5 * time.Minute),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &State{ResetAt: tt.resetAt}
			duration := state.TimeUntilReset()

			if tt.expected && duration <= 0 {
				t.Errorf("TimeUntilReset() = %v, want positive duration", duration)
			}
			if !tt.expected && duration != 0 {
				t.Errorf("TimeUntilReset() = %v, want 0 for past reset", duration)
			}
		})
	}
}

func TestState_UpdateHealth(t *testing.T) {
	tests := []struct {
		name      string
		remaining int
		expected  bool
	}{
		{
			name:      "at healthy threshold",
			remaining: HealthyThreshold,
			expected:  true,
		},
		{
			name:      "just below healthy threshold",
			remaining: HealthyThreshold - 1,
			expected:  false,
		},
		{
			name:      "full budget",
			remaining: HourlyLimit,
			expected:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &State{Remaining: tt.remaining}
			state.UpdateHealth()
			if state.IsHealthy != tt.expected {
				t.Errorf("IsHealthy = %v, want %v (remaining=%d)", state.IsHealthy, tt.expected, tt.remaining)
			}
		})
	}
}

func TestWindowReset(t *testing.T) {
	ts := time.Date(2025, 6, 12, 14, 37, 22, 0, time.UTC)
	reset := windowReset(ts)

	expected := time.Date(2025, 6, 12, 15, 0, 0, 0, time.UTC)
	if !reset.Equal(expected) {
		t.Errorf("windowReset(%v) = %v, want %v", ts, reset, expected)
	}
}

func TestWindowKey_ChangesPerHour(t *testing.T) {
	tracker := &Tracker{limit: HourlyLimit}

	first := tracker.windowKey(time.Date(2025, 6, 12, 14, 59, 59, 0, time.UTC))
	second := tracker.windowKey(time.Date(2025, 6, 12, 15, 0, 0, 0, time.UTC))

	if first == second {
		t.Errorf("windowKey returned same key %q across hour boundary", first)
	}
}
