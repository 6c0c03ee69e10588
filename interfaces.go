// interfaces.go
// -------------
// Capability interfaces the SDK is wired together through. The concrete
// types in this package implement them; alternate implementations (a null
// rate limiter for tests, a scripted transport, an in-memory store) can be
// substituted without touching callers.
package graphbridge

import (
	"context"
	"time"
)

// RateLimiter decides whether a call may proceed now and records outcomes
// so future decisions reflect reality. Implementations must never block in
// CheckRateLimit and must be safe for concurrent use.
type RateLimiter interface {
	CheckRateLimit(endpoint, tenantID, userID string) RateLimitDecision

	// RecordRequestResult updates counters and parses provider rate-limit
	// headers when present. statusCode 0 means the request never produced a
	// response (transport failure).
	RecordRequestResult(endpoint string, success bool, headers map[string]string, statusCode int, tenantID, userID string)

	// CalculateBackoffDelay returns the delay before retry number
	// retryCount for the endpoint's policy. ok is false once retries are
	// exhausted.
	CalculateBackoffDelay(endpoint string, retryCount int) (delay time.Duration, ok bool)
}

// Transport sends one physical HTTP request. Implementations must surface
// timeouts and connection failures as *TransportError so retry logic can
// tell them apart from protocol-level errors.
type Transport interface {
	Send(ctx context.Context, req *TransportRequest) (*TransportResponse, error)
}

// TokenProvider supplies a bearer token per user/tenant on demand. The SDK
// never performs the OAuth dance itself.
type TokenProvider interface {
	Token(ctx context.Context, tenantID, userID string) (string, error)
}

// ConflictStore persists conflict records for audit and manual-resolution
// queues, and optionally externalizes rate-limit state across instances.
type ConflictStore interface {
	SaveConflict(ctx context.Context, rec *ConflictRecord) error
	GetConflict(ctx context.Context, conflictID string) (*ConflictRecord, error)
	DeleteConflict(ctx context.Context, conflictID string) error
	ListConflicts(ctx context.Context, filter ConflictFilter) ([]*ConflictRecord, error)
}

// NullRateLimiter allows everything and records nothing. Useful in tests
// and as an explicit opt-out.
type NullRateLimiter struct{}

func (NullRateLimiter) CheckRateLimit(endpoint, tenantID, userID string) RateLimitDecision {
	return RateLimitDecision{Allowed: true, Reason: ReasonDisabled}
}

func (NullRateLimiter) RecordRequestResult(endpoint string, success bool, headers map[string]string, statusCode int, tenantID, userID string) {
}

func (NullRateLimiter) CalculateBackoffDelay(endpoint string, retryCount int) (time.Duration, bool) {
	return 0, retryCount < 3
}
