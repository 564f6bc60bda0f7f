package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for quota tracking.
var (
	engageQuotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engage_quota_remaining",
		Help: "Number of export requests remaining in the current hourly window",
	})

	engageQuotaRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engage_quota_requests_total",
		Help: "Total export requests recorded against the hourly quota",
	})

	engageQuotaExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engage_quota_exhausted_total",
		Help: "Total requests recorded after the hourly quota was exhausted",
	})
)

// Tracker records export requests against the shared hourly quota.
type Tracker struct {
	redis  *redis.Client
	limit  int
	logger zerolog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewTracker creates a new quota tracker with the default hourly limit.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		limit:  HourlyLimit,
		logger: logger,
		now:    time.Now,
	}
}

// windowKey returns the Redis key for the hourly window containing t.
func (t *Tracker) windowKey(ts time.Time) string {
	return RedisKeyPrefix + ts.UTC().Format("2006010215")
}

// windowReset returns the start of the hourly window after t.
func windowReset(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Hour).Add(time.Hour)
}

// State retrieves the current quota state without recording a request.
// Returns a fully-available state if no usage exists in Redis.
func (t *Tracker) State(ctx context.Context) (*State, error) {
	now := t.now()

	used, err := t.redis.Get(ctx, t.windowKey(now)).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get quota usage: %w", err)
	}

	state := t.buildState(used, now)
	return state, nil
}

// Record counts one export request against the current hourly window and
// returns the resulting state. The window key expires two hours after first
// use so stale windows clean themselves up.
func (t *Tracker) Record(ctx context.Context) (*State, error) {
	now := t.now()
	key := t.windowKey(now)

	pipe := t.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("record quota usage: %w", err)
	}

	used := int(incr.Val())
	state := t.buildState(used, now)

	engageQuotaRequestsTotal.Inc()
	engageQuotaRemaining.Set(float64(state.Remaining))

	switch {
	case state.Exhausted():
		engageQuotaExhaustedTotal.Inc()
		t.logger.Warn().
			Int("used", state.Used).
			Time("reset_at", state.ResetAt).
			Msg("Hourly export quota exhausted - provider will reject further requests")
	case state.NeedsWarning():
		t.logger.Warn().
			Int("used", state.Used).
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("Hourly export quota running low")
	default:
		t.logger.Debug().
			Int("used", state.Used).
			Int("remaining", state.Remaining).
			Msg("Export request recorded against quota")
	}

	return state, nil
}

// buildState converts raw usage into a State for the window containing now.
func (t *Tracker) buildState(used int, now time.Time) *State {
	remaining := t.limit - used
	if remaining < 0 {
		remaining = 0
	}

	state := &State{
		Used:      used,
		Remaining: remaining,
		ResetAt:   windowReset(now),
	}
	state.UpdateHealth()
	return state
}
