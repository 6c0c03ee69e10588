// rate_limiter.go
// ----------------
// This file defines the IntelligentRateLimiter, which tracks rate-limit
// state per (endpoint, tenant, user) key and decides whether a request may
// proceed right now. It parses provider rate-limit headers after every
// completed call, applies an adaptive penalty that grows with consecutive
// 429s, and proactively throttles when the recent request frequency for an
// endpoint/tenant pair climbs above a configured threshold.
//
// Responsibilities:
//   - Lazily creating per-key RateLimitState with its own lock and circuit
//     breaker, so unrelated tenants and endpoints never serialize each other.
//   - CheckRateLimit: a pure, non-blocking decision with an explicit reason.
//   - RecordRequestResult: counter updates, header parsing (with a safe 60s
//     fallback when headers are malformed), breaker bookkeeping.
//   - CalculateBackoffDelay: strategy-dispatched retry delays with jitter.
package graphbridge

import (
	"io"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/opengovern/graph-bridge/internal/timeparse"
)

// defaultRateLimitPenalty is applied when a 429 arrives without a parseable
// retry-after header.
const defaultRateLimitPenalty = 60 * time.Second

// maxRateLimitPenalty bounds the adaptive penalty growth so a misbehaving
// key can always recover within a quarter hour.
const maxRateLimitPenalty = 15 * time.Minute

// predictiveHistorySize caps the rolling timestamp window per
// endpoint/tenant pair.
const predictiveHistorySize = 100

// RateLimitWindow is one counting window for a key. A window past its end
// is expired and replaced, never mutated.
type RateLimitWindow struct {
	WindowStart     time.Time
	WindowSize      time.Duration
	RequestsMade    int
	RequestsAllowed int // 0 means the provider never advertised a limit
	ResetTime       *time.Time
}

func (w *RateLimitWindow) expired(now time.Time) bool {
	return now.After(w.WindowStart.Add(w.WindowSize))
}

// RateLimitState is the per-key bucket. Each state carries its own mutex;
// the limiter's map lock is held only for lookup and creation.
type RateLimitState struct {
	mu sync.Mutex

	endpoint string
	tenantID string
	userID   string

	window                RateLimitWindow
	retryAfter            time.Time // zero when no penalty is active
	consecutiveRateLimits int
	totalRequests         int64
	totalFailures         int64
	totalRateLimits       int64

	breaker *CircuitBreaker
}

// successRate returns the historical success percentage for the key, or 100
// when nothing has been recorded yet.
func (s *RateLimitState) successRate() float64 {
	if s.totalRequests == 0 {
		return 100
	}
	return 100 * float64(s.totalRequests-s.totalFailures) / float64(s.totalRequests)
}

// RateLimitStateSnapshot is a copy for introspection and externalization.
type RateLimitStateSnapshot struct {
	Endpoint              string    `json:"endpoint"`
	TenantID              string    `json:"tenant_id,omitempty"`
	UserID                string    `json:"user_id,omitempty"`
	RetryAfter            time.Time `json:"retry_after,omitempty"`
	ConsecutiveRateLimits int       `json:"consecutive_rate_limits"`
	TotalRequests         int64     `json:"total_requests"`
	TotalFailures         int64     `json:"total_failures"`
	TotalRateLimits       int64     `json:"total_rate_limits"`
	SuccessRate           float64   `json:"success_rate"`
	Breaker               CircuitBreakerStats
}

// timestampRing is a fixed-capacity ring of request timestamps. Memory
// stays bounded under sustained load; old entries are overwritten.
type timestampRing struct {
	mu   sync.Mutex
	buf  []time.Time
	head int
	size int
}

func newTimestampRing(capacity int) *timestampRing {
	return &timestampRing{buf: make([]time.Time, capacity)}
}

func (r *timestampRing) add(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.head] = t
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// countSince returns how many recorded timestamps fall after the cutoff,
// plus the total number of samples held.
func (r *timestampRing) countSince(cutoff time.Time) (recent, samples int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.size; i++ {
		if r.buf[i].After(cutoff) {
			recent++
		}
	}
	return recent, r.size
}

// IntelligentRateLimiter implements RateLimiter over keyed state maps.
type IntelligentRateLimiter struct {
	config *Config
	logger *slog.Logger

	mu        sync.Mutex
	states    map[string]*RateLimitState
	histories map[string]*timestampRing // keyed endpoint|tenant

	now  func() time.Time
	rand *rand.Rand
}

var _ RateLimiter = (*IntelligentRateLimiter)(nil)

// NewIntelligentRateLimiter constructs a limiter. A nil logger discards
// debug output.
func NewIntelligentRateLimiter(config *Config, logger *slog.Logger) *IntelligentRateLimiter {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &IntelligentRateLimiter{
		config:    config,
		logger:    logger,
		states:    make(map[string]*RateLimitState),
		histories: make(map[string]*timestampRing),
		now:       time.Now,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// stateKey partitions by the most specific combination of endpoint, tenant,
// and user provided: two tenants hitting the same endpoint never share a
// bucket.
func stateKey(endpoint, tenantID, userID string) string {
	return endpoint + "|" + tenantID + "|" + userID
}

func (rl *IntelligentRateLimiter) state(endpoint, tenantID, userID string) *RateLimitState {
	key := stateKey(endpoint, tenantID, userID)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	st, ok := rl.states[key]
	if !ok {
		st = &RateLimitState{
			endpoint: endpoint,
			tenantID: tenantID,
			userID:   userID,
			window: RateLimitWindow{
				WindowStart: rl.now(),
				WindowSize:  time.Minute,
			},
			breaker: newCircuitBreaker(
				rl.config.CircuitBreakerThreshold,
				rl.config.CircuitBreakerTimeout,
				rl.config.CircuitBreakerProbes,
			),
		}
		rl.states[key] = st
	}
	return st
}

func (rl *IntelligentRateLimiter) history(endpoint, tenantID string) *timestampRing {
	key := endpoint + "|" + tenantID
	rl.mu.Lock()
	defer rl.mu.Unlock()
	h, ok := rl.histories[key]
	if !ok {
		h = newTimestampRing(predictiveHistorySize)
		rl.histories[key] = h
	}
	return h
}

// CheckRateLimit decides whether a call may proceed now. It never blocks.
// Reasons are evaluated in priority order: disabled, circuit breaker, an
// active penalty, window exhaustion, predictive throttling.
func (rl *IntelligentRateLimiter) CheckRateLimit(endpoint, tenantID, userID string) RateLimitDecision {
	if !rl.config.RateLimitEnabled {
		return RateLimitDecision{Allowed: true, Reason: ReasonDisabled}
	}

	st := rl.state(endpoint, tenantID, userID)
	now := rl.now()

	if rl.config.CircuitBreakerEnabled && !st.breaker.Allow() {
		delay := st.breaker.RetryIn()
		if delay <= 0 {
			delay = time.Second
		}
		return RateLimitDecision{Allowed: false, Delay: delay, Reason: ReasonCircuitOpen}
	}

	st.mu.Lock()
	if st.retryAfter.After(now) {
		delay := st.retryAfter.Sub(now)
		st.mu.Unlock()
		return RateLimitDecision{Allowed: false, Delay: delay, Reason: ReasonRateLimited}
	}
	if st.window.expired(now) {
		st.window = RateLimitWindow{WindowStart: now, WindowSize: st.window.WindowSize}
	}
	if st.window.RequestsAllowed > 0 && st.window.RequestsMade >= st.window.RequestsAllowed {
		if st.window.ResetTime != nil && st.window.ResetTime.After(now) {
			delay := st.window.ResetTime.Sub(now)
			st.mu.Unlock()
			return RateLimitDecision{Allowed: false, Delay: delay, Reason: ReasonRateLimited}
		}
	}
	st.mu.Unlock()

	if rl.config.PredictiveEnabled {
		if delay, throttle := rl.predictiveDelay(endpoint, tenantID, now); throttle {
			return RateLimitDecision{Allowed: false, Delay: delay, Reason: ReasonPredictive}
		}
	}

	return RateLimitDecision{Allowed: true, Reason: ReasonWithinLimits}
}

// predictiveDelay throttles proactively when the trailing window's request
// frequency exceeds the configured threshold, before any explicit rate
// limit arrives. Disabled while history is insufficient.
func (rl *IntelligentRateLimiter) predictiveDelay(endpoint, tenantID string, now time.Time) (time.Duration, bool) {
	h := rl.history(endpoint, tenantID)
	recent, samples := h.countSince(now.Add(-rl.config.PredictiveWindow))
	if samples < rl.config.PredictiveMinSamples {
		return 0, false
	}
	freq := float64(recent) / rl.config.PredictiveWindow.Seconds()
	if freq <= rl.config.PredictiveThreshold {
		return 0, false
	}
	// Scale the delay with how far past the threshold we are, bounded so a
	// burst never stalls callers for more than a few seconds.
	excess := freq/rl.config.PredictiveThreshold - 1
	delay := time.Duration(excess * float64(time.Second))
	if delay < 100*time.Millisecond {
		delay = 100 * time.Millisecond
	}
	if delay > 5*time.Second {
		delay = 5 * time.Second
	}
	return delay, true
}

// RecordRequestResult updates counters and rate-limit metadata for the key
// after a completed call. statusCode 0 means the request never produced a
// response.
func (rl *IntelligentRateLimiter) RecordRequestResult(endpoint string, success bool, headers map[string]string, statusCode int, tenantID, userID string) {
	if !rl.config.RateLimitEnabled {
		return
	}

	now := rl.now()
	rl.history(endpoint, tenantID).add(now)

	st := rl.state(endpoint, tenantID, userID)
	info := parseRateLimitHeaders(headers)

	st.mu.Lock()
	st.totalRequests++
	if st.window.expired(now) {
		st.window = RateLimitWindow{WindowStart: now, WindowSize: st.window.WindowSize}
	}
	st.window.RequestsMade++
	if info.Limit != nil {
		st.window.RequestsAllowed = *info.Limit
	}
	if info.ResetAt != nil {
		st.window.ResetTime = info.ResetAt
	}

	if success {
		st.consecutiveRateLimits = 0
	} else {
		st.totalFailures++
		if statusCode == 429 {
			st.totalRateLimits++
			st.consecutiveRateLimits++
			penalty := rl.rateLimitPenalty(st, info)
			st.retryAfter = now.Add(penalty)
			rl.logger.Debug("rate limit penalty applied",
				"endpoint", endpoint, "tenant", tenantID,
				"consecutive", st.consecutiveRateLimits, "penalty", penalty)
		}
	}
	st.mu.Unlock()

	if rl.config.CircuitBreakerEnabled {
		switch {
		case success:
			st.breaker.RecordSuccess()
		case statusCode == 0 || statusCode == 429 || statusCode >= 500:
			st.breaker.RecordFailure()
		}
		// Auth and other client errors are surfaced to the caller but do
		// not trip the breaker: the remote is healthy, the request is not.
	}
}

// rateLimitPenalty computes the next retry-after for a key that was just
// rate limited. Each consecutive 429 grows the penalty beyond the
// provider's hint, scaled further by the key's recent failure density.
// Must be called with st.mu held.
func (rl *IntelligentRateLimiter) rateLimitPenalty(st *RateLimitState, info RateLimitInfo) time.Duration {
	base := defaultRateLimitPenalty
	if info.RetryAfter != nil {
		base = *info.RetryAfter
	}

	density := 0.0
	if st.totalRequests > 0 {
		density = float64(st.totalRateLimits) / float64(st.totalRequests)
	}
	scale := (1 + 0.5*float64(st.consecutiveRateLimits-1)) * (1 + density)
	penalty := time.Duration(float64(base) * scale)

	if penalty > maxRateLimitPenalty {
		penalty = maxRateLimitPenalty
	}
	return penalty
}

// CalculateBackoffDelay returns the delay before retry number retryCount
// for the endpoint's policy, or ok=false once retries are exhausted.
func (rl *IntelligentRateLimiter) CalculateBackoffDelay(endpoint string, retryCount int) (time.Duration, bool) {
	cfg := rl.config.ResolveRetryConfig(endpoint)
	if retryCount >= cfg.MaxRetries {
		return 0, false
	}

	var delay time.Duration
	switch cfg.Strategy {
	case BackoffLinear:
		delay = time.Duration(float64(cfg.BaseDelay) * float64(retryCount+1))
	case BackoffFixed:
		delay = cfg.BaseDelay
	case BackoffAdaptive:
		exp := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiplier, float64(retryCount))
		scale := math.Max(1.0, (100-rl.endpointSuccessRate(endpoint))/50)
		delay = time.Duration(exp * scale)
	default: // exponential
		delay = time.Duration(float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiplier, float64(retryCount)))
	}

	if rl.config.JitterEnabled {
		frac := cfg.JitterMin + rl.jitter()*(cfg.JitterMax-cfg.JitterMin)
		delay = time.Duration(float64(delay) * (1 + frac))
	}

	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay, true
}

func (rl *IntelligentRateLimiter) jitter() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.rand.Float64()
}

// endpointSuccessRate aggregates success percentage across every key for
// the endpoint, regardless of tenant or user.
func (rl *IntelligentRateLimiter) endpointSuccessRate(endpoint string) float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	var total, failures int64
	for key, st := range rl.states {
		if !strings.HasPrefix(key, endpoint+"|") {
			continue
		}
		st.mu.Lock()
		total += st.totalRequests
		failures += st.totalFailures
		st.mu.Unlock()
	}
	if total == 0 {
		return 100
	}
	return 100 * float64(total-failures) / float64(total)
}

// GetRateLimitState returns a copy of the state for a key, or nil if the
// key has never been seen.
func (rl *IntelligentRateLimiter) GetRateLimitState(endpoint, tenantID, userID string) *RateLimitStateSnapshot {
	rl.mu.Lock()
	st, ok := rl.states[stateKey(endpoint, tenantID, userID)]
	rl.mu.Unlock()
	if !ok {
		return nil
	}
	return snapshotState(st)
}

// ExportSnapshots copies every key's state, for externalizing penalties
// across horizontally scaled instances.
func (rl *IntelligentRateLimiter) ExportSnapshots() []RateLimitStateSnapshot {
	rl.mu.Lock()
	states := make([]*RateLimitState, 0, len(rl.states))
	for _, st := range rl.states {
		states = append(states, st)
	}
	rl.mu.Unlock()

	out := make([]RateLimitStateSnapshot, 0, len(states))
	for _, st := range states {
		out = append(out, *snapshotState(st))
	}
	return out
}

// RestoreSnapshots seeds keyed state from a previously exported set. Only
// penalty and counter fields are restored; windows restart fresh.
func (rl *IntelligentRateLimiter) RestoreSnapshots(snaps []RateLimitStateSnapshot) {
	for _, snap := range snaps {
		st := rl.state(snap.Endpoint, snap.TenantID, snap.UserID)
		st.mu.Lock()
		st.retryAfter = snap.RetryAfter
		st.consecutiveRateLimits = snap.ConsecutiveRateLimits
		st.totalRequests = snap.TotalRequests
		st.totalFailures = snap.TotalFailures
		st.totalRateLimits = snap.TotalRateLimits
		st.mu.Unlock()
	}
}

func snapshotState(st *RateLimitState) *RateLimitStateSnapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return &RateLimitStateSnapshot{
		Endpoint:              st.endpoint,
		TenantID:              st.tenantID,
		UserID:                st.userID,
		RetryAfter:            st.retryAfter,
		ConsecutiveRateLimits: st.consecutiveRateLimits,
		TotalRequests:         st.totalRequests,
		TotalFailures:         st.totalFailures,
		TotalRateLimits:       st.totalRateLimits,
		SuccessRate:           st.successRate(),
		Breaker:               st.breaker.Stats(),
	}
}

// parseRateLimitHeaders extracts whatever rate-limit metadata the response
// carried. Header keys are matched case-insensitively via their lower-case
// form; malformed values are ignored rather than erroring.
func parseRateLimitHeaders(headers map[string]string) RateLimitInfo {
	var info RateLimitInfo
	if len(headers) == 0 {
		return info
	}

	get := func(name string) (string, bool) {
		if v, ok := headers[name]; ok {
			return v, true
		}
		for k, v := range headers {
			if strings.EqualFold(k, name) {
				return v, true
			}
		}
		return "", false
	}

	// Millisecond variant takes precedence over the coarser Retry-After.
	if v, ok := get("x-ms-retry-after-ms"); ok {
		if d, ok := timeparse.Millis(v); ok {
			info.RetryAfter = &d
		}
	}
	if info.RetryAfter == nil {
		if v, ok := get("retry-after"); ok {
			if d, ok := timeparse.RetryAfter(v); ok {
				info.RetryAfter = &d
			} else if d, ok := timeparse.Compact(v); ok {
				// Some throttle hints arrive as compact durations ("6m0s").
				info.RetryAfter = &d
			}
		}
	}

	for _, name := range []string{"ratelimit-limit", "x-ratelimit-limit"} {
		if v, ok := get(name); ok {
			if n, ok := timeparse.Int(v); ok {
				info.Limit = &n
				break
			}
		}
	}
	for _, name := range []string{"ratelimit-remaining", "x-ratelimit-remaining"} {
		if v, ok := get(name); ok {
			if n, ok := timeparse.Int(v); ok {
				info.Remaining = &n
				break
			}
		}
	}
	for _, name := range []string{"ratelimit-reset", "x-ratelimit-reset"} {
		v, ok := get(name)
		if !ok {
			continue
		}
		// Reset headers come in two shapes: delta seconds or an epoch
		// timestamp. Anything smaller than ~3 years of seconds is a delta.
		if n, ok := timeparse.Int(v); ok && n < 100_000_000 {
			t := time.Now().Add(time.Duration(n) * time.Second)
			info.ResetAt = &t
			break
		}
		if t, ok := timeparse.UnixSeconds(v); ok {
			info.ResetAt = &t
			break
		}
	}

	return info
}
