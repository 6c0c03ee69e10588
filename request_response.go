// request_response.go
// -------------------
// Wire-level and result types shared across the SDK: batch operations and
// their dependency records, the built BatchRequest, the parsed BatchResponse,
// rate-limit decisions, and the Microsoft Graph $batch envelope shapes.
//
// The envelope structs mirror the physical multi-status contract: a request
// carries an array of {id, method, url, headers?, body?} entries, and the
// response carries an array of {id, status, headers?, body?} entries. All
// other types here are the SDK's own structured views over that contract.
package graphbridge

import (
	"encoding/json"
	"time"
)

// OperationStatus tracks an operation through its lifecycle.
type OperationStatus string

const (
	OperationPending OperationStatus = "pending"
	OperationSuccess OperationStatus = "success"
	OperationError   OperationStatus = "error"
	// OperationSkipped marks a conditional operation whose prerequisite did
	// not succeed. Skipped operations are never sent and are not errors.
	OperationSkipped OperationStatus = "skipped"
)

// BatchStatus tracks a BatchRequest through its lifecycle. Transitions are
// pending -> in_progress -> completed|failed and terminal thereafter.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchInProgress BatchStatus = "in_progress"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// BatchOperation is one logical API call inside a batch. Created by the
// builder; Status, Response and Error are written only by the response
// parser (or the executor, for skipped conditionals).
type BatchOperation struct {
	ID       string
	Method   string
	URL      string
	Body     any
	Headers  map[string]string
	Priority int // lower is more urgent

	Status   OperationStatus
	Response *OperationResult
	Error    string
}

// DependencyType says when a dependency edge is satisfied.
type DependencyType string

const (
	// DependencySuccess requires the parent operation to have succeeded.
	DependencySuccess DependencyType = "success"
	// DependencyAlways only constrains ordering; the parent's outcome is
	// irrelevant.
	DependencyAlways DependencyType = "always"
)

// OperationDependency is an edge in the batch dependency graph.
type OperationDependency struct {
	OperationID string
	DependsOnID string
	Conditional bool
	Type        DependencyType
}

// BatchRequest is the output of BatchOperationBuilder.Build: operations in
// their resolved execution order plus the dependency edges the executor
// needs for conditional skipping. Built once, executed once.
type BatchRequest struct {
	ID           string
	Operations   []*BatchOperation
	Dependencies []OperationDependency
	UserID       string
	TenantID     string
	Status       BatchStatus
	Metadata     BatchMetadata
	CreatedAt    time.Time
}

// BatchMetadata snapshots the builder configuration for auditability.
type BatchMetadata struct {
	Strategy       OrderingStrategy
	OperationCount int
	Priorities     map[string]int // operation id -> priority at build time
}

// OperationResult is the per-operation slice of a multi-status response.
type OperationResult struct {
	OperationID  string
	StatusCode   int
	Headers      map[string]string
	Body         json.RawMessage
	ErrorContext *ErrorContext // nil for successful operations
}

// BatchResponse aggregates the per-operation results of one executed batch.
// Immutable once constructed.
type BatchResponse struct {
	BatchID       string
	Responses     []OperationResult
	SuccessCount  int
	ErrorCount    int
	TotalDuration time.Duration
}

// RateLimitDecision is the non-blocking answer from CheckRateLimit. When
// Allowed is false, Delay is how long the caller should wait before asking
// again and Reason explains which rule fired.
type RateLimitDecision struct {
	Allowed bool
	Delay   time.Duration
	Reason  string
}

// Decision reasons, in the limiter's priority order of evaluation.
const (
	ReasonDisabled     = "rate_limiting_disabled"
	ReasonCircuitOpen  = "circuit_breaker_open"
	ReasonRateLimited  = "rate_limited"
	ReasonPredictive   = "predictive_throttling"
	ReasonWithinLimits = "within_limits"
)

// RateLimitInfo holds whatever rate-limit metadata a response carried.
// Pointers distinguish "absent" from zero; unknown or malformed headers
// simply leave fields nil.
type RateLimitInfo struct {
	Limit      *int
	Remaining  *int
	ResetAt    *time.Time     // absolute window reset, if advertised
	RetryAfter *time.Duration // explicit penalty, if advertised
}

// Graph $batch request envelope.
type batchEnvelope struct {
	Requests []batchItem `json:"requests"`
}

type batchItem struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// Graph $batch response envelope. Responses stays raw so the parser can
// distinguish a missing or null key from an empty array.
type batchResponseEnvelope struct {
	Responses json.RawMessage `json:"responses"`
}

type batchResponseItem struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// TransportRequest is the normalized request handed to the Transport
// collaborator.
type TransportRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// TransportResponse is the normalized response the Transport collaborator
// returns. Headers are canonicalized to lower-case keys by the adapters.
type TransportResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}
