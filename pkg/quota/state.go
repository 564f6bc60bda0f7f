// Package quota tracks the hourly request budget of the profile export API.
// The provider allows a fixed number of export requests per clock hour;
// state is shared across processes via Redis so that concurrent exports
// draw from one budget.
package quota

import (
	"time"
)

// Redis keys for quota state storage. The window suffix (the current clock
// hour, UTC) is appended at runtime.
const (
	RedisKeyPrefix = "engage:quota:requests:"
)

// HourlyLimit is the number of profile export requests the provider allows
// per clock hour.
const HourlyLimit = 60

// Thresholds for quota decisions.
const (
	// WarningThreshold triggers warning logs when remaining requests fall
	// below this value. Matches the coordinator's page-discovery warning
	// (48 pages used of 60).
	WarningThreshold = 12

	// HealthyThreshold indicates normal operation. At or above this many
	// remaining requests no warnings are emitted.
	HealthyThreshold = 30
)

// State represents the quota usage within the current hourly window.
type State struct {
	// Used is the number of requests recorded in the current window.
	Used int `json:"used"`

	// Remaining is the number of requests left before the provider starts
	// rejecting calls. Never negative.
	Remaining int `json:"remaining"`

	// ResetAt is the start of the next hourly window.
	ResetAt time.Time `json:"reset_at"`

	// IsHealthy indicates whether usage is comfortably below the limit.
	IsHealthy bool `json:"is_healthy"`
}

// NeedsWarning returns true if remaining requests dropped below the warning
// threshold but the budget is not yet exhausted.
func (s *State) NeedsWarning() bool {
	return s.Remaining < WarningThreshold && !s.Exhausted()
}

// Exhausted returns true when the hourly budget is fully used.
func (s *State) Exhausted() bool {
	return s.Remaining <= 0
}

// TimeUntilReset returns the duration until the hourly window rolls over.
// Returns 0 if the reset time has already passed.
func (s *State) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates the IsHealthy field based on current usage.
func (s *State) UpdateHealth() {
	s.IsHealthy = s.Remaining >= HealthyThreshold
}
