// errors.go
// ---------
// Error taxonomy shared by the parser, limiter, executor, and conflict
// subsystem. Expected failure modes (rate limiting, partial batch failure,
// detected conflicts) are values, not errors; the types here cover the
// genuinely exceptional conditions: malformed server payloads, cyclic
// dependency graphs, invalid batch construction, and transport failure
// after retry exhaustion.
package graphbridge

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory classifies an operation-level failure so callers can decide
// whether to retry, refresh credentials, or give up.
type ErrorCategory string

const (
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryAuthorization  ErrorCategory = "authorization"
	CategoryNotFound       ErrorCategory = "not_found"
	CategoryRateLimit      ErrorCategory = "rate_limit"
	CategoryTransient      ErrorCategory = "transient"
	CategoryClient         ErrorCategory = "client"
	CategoryUnknown        ErrorCategory = "unknown"
)

// ErrorContext enriches a failed operation with retry guidance.
type ErrorContext struct {
	Category         ErrorCategory
	Message          string
	RetryRecommended bool
	CorrelationID    string
}

// classifyStatus maps an HTTP status code onto the taxonomy.
func classifyStatus(code int) ErrorCategory {
	switch {
	case code == 401:
		return CategoryAuthentication
	case code == 403:
		return CategoryAuthorization
	case code == 404:
		return CategoryNotFound
	case code == 429:
		return CategoryRateLimit
	case code >= 500:
		return CategoryTransient
	case code >= 400:
		return CategoryClient
	default:
		return CategoryUnknown
	}
}

// retryRecommended reports whether a status code is worth retrying: 429 and
// server errors are; other client errors are not.
func retryRecommended(code int) bool {
	return code == 429 || code >= 500
}

// ErrEmptyBatch is returned by Build when no operations were added.
var ErrEmptyBatch = errors.New("batch contains no operations")

// ErrBatchAlreadyExecuted is returned when a BatchRequest in a terminal or
// in-progress state is handed to the executor again.
var ErrBatchAlreadyExecuted = errors.New("batch request was already executed")

// CapacityError is returned by AddOperation when the batch-size ceiling
// would be exceeded.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("batch capacity exceeded: at most %d operations per batch", e.Limit)
}

// ValidationError is returned for invalid batch construction: disallowed
// URLs, missing methods, duplicate or unknown operation ids.
type ValidationError struct {
	OperationID string
	Reason      string
}

func (e *ValidationError) Error() string {
	if e.OperationID == "" {
		return "invalid batch operation: " + e.Reason
	}
	return fmt.Sprintf("invalid batch operation %s: %s", e.OperationID, e.Reason)
}

// CycleError is returned by Build when the dependency graph contains a
// cycle. Nodes lists the operation ids that could not be ordered.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return "dependency cycle detected among operations: " + strings.Join(e.Nodes, ", ")
}

// TransportErrorKind distinguishes the transport failures the retry logic
// reacts to.
type TransportErrorKind string

const (
	TransportTimeout    TransportErrorKind = "timeout"
	TransportConnection TransportErrorKind = "connection"
)

// TransportError wraps a network-level failure from the Transport
// collaborator so the executor can tell timeouts from connection errors.
type TransportError struct {
	Kind TransportErrorKind
	URL  string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s error for %s: %v", e.Kind, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a timeout.
func (e *TransportError) Timeout() bool { return e.Kind == TransportTimeout }

// MalformedResponseError is returned when the top-level multi-status payload
// is missing its responses array or is otherwise not parseable. Callers need
// to distinguish "zero operations succeeded" from "the server sent garbage".
type MalformedResponseError struct {
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return "malformed batch response: " + e.Reason
}

// RetriesExhaustedError is returned after the executor gives up on a batch.
type RetriesExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("batch failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.LastErr }
