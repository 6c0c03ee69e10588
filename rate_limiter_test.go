package graphbridge

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, mutate func(*Config)) (*IntelligentRateLimiter, *time.Time) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.JitterEnabled = false
	if mutate != nil {
		mutate(cfg)
	}
	rl := NewIntelligentRateLimiter(cfg, nil)
	clock := time.Now()
	rl.now = func() time.Time { return clock }
	return rl, &clock
}

func TestCheckRateLimitDisabled(t *testing.T) {
	rl, _ := newTestLimiter(t, func(c *Config) { c.RateLimitEnabled = false })

	decision := rl.CheckRateLimit("/planner/tasks", "t1", "u1")
	assert.True(t, decision.Allowed)
	assert.Equal(t, ReasonDisabled, decision.Reason)
}

func TestCheckRateLimitAllowsFreshKey(t *testing.T) {
	rl, _ := newTestLimiter(t, nil)

	decision := rl.CheckRateLimit("/planner/tasks", "t1", "u1")
	assert.True(t, decision.Allowed)
	assert.Equal(t, ReasonWithinLimits, decision.Reason)
}

func TestConsecutiveRateLimitPenaltyGrows(t *testing.T) {
	rl, clock := newTestLimiter(t, nil)
	headers := map[string]string{"retry-after": "30"}

	record429 := func() time.Duration {
		rl.RecordRequestResult("/planner/tasks", false, headers, 429, "t1", "u1")
		snap := rl.GetRateLimitState("/planner/tasks", "t1", "u1")
		require.NotNil(t, snap)
		return snap.RetryAfter.Sub(*clock)
	}

	first := record429()
	*clock = clock.Add(first + time.Second)
	second := record429()
	*clock = clock.Add(second + time.Second)
	third := record429()

	// Each consecutive 429 stretches the penalty past the provider's 30s
	// hint, scaled by the key's failure density.
	assert.Equal(t, 60*time.Second, first)
	assert.Equal(t, 90*time.Second, second)
	assert.Equal(t, 120*time.Second, third)

	snap := rl.GetRateLimitState("/planner/tasks", "t1", "u1")
	assert.Equal(t, 3, snap.ConsecutiveRateLimits)
	assert.EqualValues(t, 3, snap.TotalRateLimits)

	decision := rl.CheckRateLimit("/planner/tasks", "t1", "u1")
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonRateLimited, decision.Reason)
	assert.Equal(t, third, decision.Delay)
}

func TestRateLimitPenaltyIsCapped(t *testing.T) {
	rl, clock := newTestLimiter(t, nil)
	headers := map[string]string{"retry-after": "600"}

	for i := 0; i < 4; i++ {
		rl.RecordRequestResult("/planner/tasks", false, headers, 429, "t1", "u1")
		*clock = clock.Add(20 * time.Minute)
	}
	rl.RecordRequestResult("/planner/tasks", false, headers, 429, "t1", "u1")

	snap := rl.GetRateLimitState("/planner/tasks", "t1", "u1")
	assert.LessOrEqual(t, snap.RetryAfter.Sub(*clock), maxRateLimitPenalty)
}

func TestSuccessResetsConsecutiveRateLimits(t *testing.T) {
	rl, _ := newTestLimiter(t, nil)

	rl.RecordRequestResult("/planner/tasks", false, nil, 429, "t1", "u1")
	rl.RecordRequestResult("/planner/tasks", true, nil, 200, "t1", "u1")

	snap := rl.GetRateLimitState("/planner/tasks", "t1", "u1")
	assert.Zero(t, snap.ConsecutiveRateLimits)
	assert.EqualValues(t, 1, snap.TotalRateLimits)
	assert.EqualValues(t, 2, snap.TotalRequests)
}

func TestRateLimitStateIsPartitionedByKey(t *testing.T) {
	rl, _ := newTestLimiter(t, nil)

	rl.RecordRequestResult("/planner/tasks", false, map[string]string{"retry-after": "30"}, 429, "t1", "u1")

	// Same endpoint, different tenant: unaffected.
	decision := rl.CheckRateLimit("/planner/tasks", "t2", "u1")
	assert.True(t, decision.Allowed)

	// Same tenant, different endpoint: unaffected.
	decision = rl.CheckRateLimit("/me/messages", "t1", "u1")
	assert.True(t, decision.Allowed)

	// The throttled key itself is denied.
	decision = rl.CheckRateLimit("/planner/tasks", "t1", "u1")
	assert.False(t, decision.Allowed)
}

func TestWindowExhaustionDeniesUntilReset(t *testing.T) {
	rl, _ := newTestLimiter(t, func(c *Config) { c.PredictiveEnabled = false })
	headers := map[string]string{
		"ratelimit-limit": "2",
		"ratelimit-reset": "120",
	}

	rl.RecordRequestResult("/me", true, headers, 200, "t1", "u1")
	rl.RecordRequestResult("/me", true, headers, 200, "t1", "u1")

	decision := rl.CheckRateLimit("/me", "t1", "u1")
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonRateLimited, decision.Reason)
	assert.Greater(t, decision.Delay, 100*time.Second)
}

func TestPredictiveThrottling(t *testing.T) {
	rl, _ := newTestLimiter(t, nil)

	// Not enough samples yet: predictive stays quiet.
	for i := 0; i < 4; i++ {
		rl.RecordRequestResult("/planner/tasks", true, nil, 200, "t1", "u1")
	}
	decision := rl.CheckRateLimit("/planner/tasks", "t1", "u1")
	assert.True(t, decision.Allowed)

	// 40 requests in the trailing minute is 0.67/s, past the 0.5/s default.
	for i := 0; i < 36; i++ {
		rl.RecordRequestResult("/planner/tasks", true, nil, 200, "t1", "u1")
	}
	decision = rl.CheckRateLimit("/planner/tasks", "t1", "u1")
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonPredictive, decision.Reason)
	assert.GreaterOrEqual(t, decision.Delay, 100*time.Millisecond)
	assert.LessOrEqual(t, decision.Delay, 5*time.Second)
}

func TestPredictiveHistoryIsPerTenant(t *testing.T) {
	rl, _ := newTestLimiter(t, nil)

	for i := 0; i < 40; i++ {
		rl.RecordRequestResult("/planner/tasks", true, nil, 200, "t1", "u1")
	}
	decision := rl.CheckRateLimit("/planner/tasks", "t2", "u1")
	assert.True(t, decision.Allowed)
}

func TestCircuitOpenDeniesRequests(t *testing.T) {
	rl, _ := newTestLimiter(t, nil)

	for i := 0; i < 5; i++ {
		rl.RecordRequestResult("/me", false, nil, 503, "t1", "u1")
	}

	decision := rl.CheckRateLimit("/me", "t1", "u1")
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonCircuitOpen, decision.Reason)
	assert.Greater(t, decision.Delay, time.Duration(0))
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	rl, _ := newTestLimiter(t, nil)

	for i := 0; i < 10; i++ {
		rl.RecordRequestResult("/me", false, nil, 403, "t1", "u1")
	}

	snap := rl.GetRateLimitState("/me", "t1", "u1")
	assert.Equal(t, CircuitClosed, snap.Breaker.State)
}

func TestCalculateBackoffDelayExponential(t *testing.T) {
	rl, _ := newTestLimiter(t, nil)

	// Unmatched endpoint uses the default policy: 1s base, multiplier 2.
	d0, ok := rl.CalculateBackoffDelay("/unmatched", 0)
	require.True(t, ok)
	d1, ok := rl.CalculateBackoffDelay("/unmatched", 1)
	require.True(t, ok)
	d2, ok := rl.CalculateBackoffDelay("/unmatched", 2)
	require.True(t, ok)

	assert.Equal(t, time.Second, d0)
	assert.Equal(t, 2*time.Second, d1)
	assert.Equal(t, 4*time.Second, d2)

	_, ok = rl.CalculateBackoffDelay("/unmatched", 3)
	assert.False(t, ok, "retry budget is 3 for the default policy")
}

func TestCalculateBackoffDelayStrategies(t *testing.T) {
	rl, _ := newTestLimiter(t, func(c *Config) {
		c.EndpointPolicies = []EndpointPolicy{
			{Pattern: "/linear*", Retry: RetryConfig{
				MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Minute, Strategy: BackoffLinear,
			}},
			{Pattern: "/fixed*", Retry: RetryConfig{
				MaxRetries: 5, BaseDelay: 2 * time.Second, MaxDelay: time.Minute, Strategy: BackoffFixed,
			}},
		}
	})

	d, ok := rl.CalculateBackoffDelay("/linear/x", 2)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, d)

	d, ok = rl.CalculateBackoffDelay("/fixed/x", 4)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, d)
}

func TestCalculateBackoffDelayAdaptiveScalesWithFailures(t *testing.T) {
	rl, _ := newTestLimiter(t, nil)

	// /planner/* uses the adaptive strategy. A clean history keeps the plain
	// exponential delay; a failing history stretches it.
	healthy, ok := rl.CalculateBackoffDelay("/planner/tasks", 0)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, healthy)

	for i := 0; i < 10; i++ {
		rl.RecordRequestResult("/planner/tasks", false, nil, 503, "t1", "u1")
	}
	degraded, ok := rl.CalculateBackoffDelay("/planner/tasks", 0)
	require.True(t, ok)
	assert.Greater(t, degraded, healthy)
}

func TestCalculateBackoffDelayRespectsMaxDelay(t *testing.T) {
	rl, _ := newTestLimiter(t, func(c *Config) {
		c.DefaultRetry.MaxRetries = 20
	})

	// Retry 15 of a 1s base would be over 9 hours uncapped.
	d, ok := rl.CalculateBackoffDelay("/unmatched", 15)
	require.True(t, ok)
	assert.Equal(t, 60*time.Second, d)
}

func TestCalculateBackoffDelayJitterBounds(t *testing.T) {
	rl, _ := newTestLimiter(t, func(c *Config) {
		c.JitterEnabled = true
		c.DefaultRetry.JitterMin = 0.0
		c.DefaultRetry.JitterMax = 0.1
	})

	for i := 0; i < 50; i++ {
		d, ok := rl.CalculateBackoffDelay("/unmatched", 1)
		require.True(t, ok)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, time.Duration(2.2*float64(time.Second)))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	rl, _ := newTestLimiter(t, nil)
	rl.RecordRequestResult("/planner/tasks", false, map[string]string{"retry-after": "30"}, 429, "t1", "u1")
	rl.RecordRequestResult("/me", true, nil, 200, "t1", "u2")

	snaps := rl.ExportSnapshots()
	require.Len(t, snaps, 2)

	restored, _ := newTestLimiter(t, nil)
	restored.RestoreSnapshots(snaps)

	snap := restored.GetRateLimitState("/planner/tasks", "t1", "u1")
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.ConsecutiveRateLimits)
	assert.EqualValues(t, 1, snap.TotalRateLimits)

	// The restored penalty still gates requests.
	decision := restored.CheckRateLimit("/planner/tasks", "t1", "u1")
	assert.False(t, decision.Allowed)
}

func TestParseRateLimitHeaders(t *testing.T) {
	t.Run("retry after seconds", func(t *testing.T) {
		info := parseRateLimitHeaders(map[string]string{"retry-after": "30"})
		require.NotNil(t, info.RetryAfter)
		assert.Equal(t, 30*time.Second, *info.RetryAfter)
	})

	t.Run("millisecond hint wins over retry-after", func(t *testing.T) {
		info := parseRateLimitHeaders(map[string]string{
			"retry-after":         "30",
			"x-ms-retry-after-ms": "1500",
		})
		require.NotNil(t, info.RetryAfter)
		assert.Equal(t, 1500*time.Millisecond, *info.RetryAfter)
	})

	t.Run("case insensitive keys", func(t *testing.T) {
		info := parseRateLimitHeaders(map[string]string{"Retry-After": "10"})
		require.NotNil(t, info.RetryAfter)
		assert.Equal(t, 10*time.Second, *info.RetryAfter)
	})

	t.Run("compact duration retry-after", func(t *testing.T) {
		info := parseRateLimitHeaders(map[string]string{"retry-after": "6m0s"})
		require.NotNil(t, info.RetryAfter)
		assert.Equal(t, 6*time.Minute, *info.RetryAfter)
	})

	t.Run("malformed values are ignored", func(t *testing.T) {
		info := parseRateLimitHeaders(map[string]string{
			"retry-after":     "soon",
			"ratelimit-limit": "-3",
		})
		assert.Nil(t, info.RetryAfter)
		assert.Nil(t, info.Limit)
	})

	t.Run("limit and remaining", func(t *testing.T) {
		info := parseRateLimitHeaders(map[string]string{
			"ratelimit-limit":     "120",
			"ratelimit-remaining": "7",
		})
		require.NotNil(t, info.Limit)
		require.NotNil(t, info.Remaining)
		assert.Equal(t, 120, *info.Limit)
		assert.Equal(t, 7, *info.Remaining)
	})

	t.Run("reset as delta seconds", func(t *testing.T) {
		info := parseRateLimitHeaders(map[string]string{"ratelimit-reset": "90"})
		require.NotNil(t, info.ResetAt)
		assert.WithinDuration(t, time.Now().Add(90*time.Second), *info.ResetAt, 2*time.Second)
	})

	t.Run("reset as epoch timestamp", func(t *testing.T) {
		epoch := time.Now().Add(2 * time.Minute).Unix()
		info := parseRateLimitHeaders(map[string]string{"ratelimit-reset": strconv.FormatInt(epoch, 10)})
		require.NotNil(t, info.ResetAt)
		assert.Equal(t, time.Unix(epoch, 0), *info.ResetAt)
	})
}
