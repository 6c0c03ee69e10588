// sdk.go
// ------
// The sdk.go file contains the core GraphBridge struct and its methods.
// This is the main entry point of the SDK for users.
//
// Key functionalities include:
//   - Initializing the SDK with New(), wiring the transport, token, and
//     storage collaborators explicitly (no ambient global state).
//   - Building batches with NewBatch() and executing them via ExecuteBatch().
//   - Syncing resource versions with conflict handling via SyncResource().
//   - Inspecting rate-limit and conflict state for operational visibility.
//
// GraphBridge relies on an IntelligentRateLimiter and a BatchExecutor to
// handle rate limiting and retries, and on a ConflictManager for
// optimistic-concurrency sync conflicts.
package graphbridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// GraphBridge is the composition root. Construct one per process (or per
// distinct configuration) and share it; all methods are safe for
// concurrent use.
type GraphBridge struct {
	config      *Config
	logger      *slog.Logger
	transport   Transport
	tokens      TokenProvider
	store       ConflictStore
	rateLimiter *IntelligentRateLimiter
	executor    *BatchExecutor
	conflicts   *ConflictManager
}

// New wires a GraphBridge from its collaborators. config nil means
// DefaultConfig(); store nil means the in-memory conflict store; logger
// nil discards. transport is required; tokens may be nil if callers pass
// bearer tokens to ExecuteBatchWithToken themselves.
func New(config *Config, transport Transport, tokens TokenProvider, store ConflictStore, logger *slog.Logger) (*GraphBridge, error) {
	if transport == nil {
		return nil, fmt.Errorf("graphbridge: transport is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if store == nil {
		store = NewMemoryConflictStore()
	}

	limiter := NewIntelligentRateLimiter(config, logger)
	return &GraphBridge{
		config:      config,
		logger:      logger,
		transport:   transport,
		tokens:      tokens,
		store:       store,
		rateLimiter: limiter,
		executor:    NewBatchExecutor(transport, limiter, config, logger),
		conflicts:   NewConflictManager(store, logger),
	}, nil
}

// NewBatch starts a builder using the configured batch-size ceiling.
func (b *GraphBridge) NewBatch(strategy OrderingStrategy) *BatchOperationBuilder {
	return NewBatchBuilder(strategy, b.config.MaxOperationsPerBatch)
}

// ExecuteBatch fetches a token for the batch's user/tenant and executes the
// batch. Requires a TokenProvider.
func (b *GraphBridge) ExecuteBatch(ctx context.Context, batch *BatchRequest) (*BatchResponse, error) {
	if b.tokens == nil {
		return nil, fmt.Errorf("graphbridge: no token provider configured; use ExecuteBatchWithToken")
	}
	token, err := b.tokens.Token(ctx, batch.TenantID, batch.UserID)
	if err != nil {
		return nil, fmt.Errorf("acquiring token for batch %s: %w", batch.ID, err)
	}
	return b.executor.ExecuteBatch(ctx, batch, token, nil)
}

// ExecuteBatchWithToken executes a batch with a caller-supplied bearer
// token and optional extra headers.
func (b *GraphBridge) ExecuteBatchWithToken(ctx context.Context, batch *BatchRequest, token string, headers map[string]string) (*BatchResponse, error) {
	return b.executor.ExecuteBatch(ctx, batch, token, headers)
}

// SyncResource reconciles a locally cached resource version against the
// remote one, detecting and resolving conflicts. preferred may be empty to
// use the severity-driven default strategy.
func (b *GraphBridge) SyncResource(ctx context.Context, resourceType, resourceID string, local, remote ResourceVersion, userID, tenantID string, preferred ResolutionStrategy) SyncResult {
	return b.conflicts.HandleSyncConflict(ctx, resourceType, resourceID, local, remote, userID, tenantID, preferred)
}

// PendingConflicts lists conflicts waiting for manual resolution.
func (b *GraphBridge) PendingConflicts(ctx context.Context, filter ConflictFilter) ([]*ConflictRecord, error) {
	return b.conflicts.PendingConflicts(ctx, filter)
}

// ConflictStatistics aggregates the conflict audit trail.
func (b *GraphBridge) ConflictStatistics(ctx context.Context) (*ConflictStatistics, error) {
	return b.conflicts.Statistics(ctx)
}

// RateLimiter exposes the limiter for callers that make non-batch requests
// but still want shared rate-limit state.
func (b *GraphBridge) RateLimiter() *IntelligentRateLimiter {
	return b.rateLimiter
}

// GetRateLimitState returns a copy of the current rate-limit state for a
// key, or nil if that key has never been used.
func (b *GraphBridge) GetRateLimitState(endpoint, tenantID, userID string) *RateLimitStateSnapshot {
	return b.rateLimiter.GetRateLimitState(endpoint, tenantID, userID)
}
