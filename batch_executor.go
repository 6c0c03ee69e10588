// batch_executor.go
// -----------------
// BatchExecutor turns a built BatchRequest into one or more physical $batch
// calls. It consults the rate limiter before every send, sleeping for the
// returned delay (the single intentional suspension point in the SDK). It
// retries transport failures with the limiter's backoff, records every
// outcome back into the limiter, and hands raw payloads to the parser.
//
// Chunking: a logical batch larger than the transport's per-call limit is
// executed as sequential physical batches in the builder-resolved order. A
// chunk also flushes early whenever the next operation depends on one still
// in the current chunk, so a prerequisite's outcome is always known before
// its dependents are sent.
package graphbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// batchEndpoint is the rate-limit key for physical batch calls.
const batchEndpoint = "/$batch"

// BatchExecutor executes built batches. Safe for concurrent use; per-batch
// state lives in the BatchRequest itself, which must not be shared.
type BatchExecutor struct {
	transport Transport
	limiter   RateLimiter
	parser    *BatchResponseParser
	config    *Config
	logger    *slog.Logger

	// sleep is the suspension primitive; tests replace it to avoid real
	// waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBatchExecutor wires an executor. A nil limiter means no rate limiting;
// a nil logger discards output.
func NewBatchExecutor(transport Transport, limiter RateLimiter, config *Config, logger *slog.Logger) *BatchExecutor {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if limiter == nil {
		limiter = NullRateLimiter{}
	}
	return &BatchExecutor{
		transport: transport,
		limiter:   limiter,
		parser:    NewBatchResponseParser(logger),
		config:    config,
		logger:    logger,
		sleep:     sleepContext,
	}
}

// ExecuteBatch runs the batch to completion. Individual operation failures
// never abort siblings; only transport-level failure after retry exhaustion
// fails the whole batch. The returned BatchResponse aggregates every chunk.
func (e *BatchExecutor) ExecuteBatch(ctx context.Context, batch *BatchRequest, authToken string, customHeaders map[string]string) (*BatchResponse, error) {
	if batch.Status != BatchPending {
		return nil, ErrBatchAlreadyExecuted
	}
	batch.Status = BatchInProgress
	started := time.Now()

	aggregate := &BatchResponse{BatchID: batch.ID}
	for _, chunk := range e.chunkOperations(batch) {
		sendable := e.filterConditional(batch, chunk)
		if len(sendable) == 0 {
			continue
		}

		resp, err := e.executeChunk(ctx, batch, sendable, authToken, customHeaders)
		if err != nil {
			batch.Status = BatchFailed
			return nil, err
		}
		aggregate.Responses = append(aggregate.Responses, resp.Responses...)
		aggregate.SuccessCount += resp.SuccessCount
		aggregate.ErrorCount += resp.ErrorCount
	}

	batch.Status = BatchCompleted
	aggregate.TotalDuration = time.Since(started)
	return aggregate, nil
}

// chunkOperations splits the resolved order into physical batches, flushing
// at the transport limit or when an operation depends on one in the open
// chunk.
func (e *BatchExecutor) chunkOperations(batch *BatchRequest) [][]*BatchOperation {
	limit := e.config.TransportBatchLimit
	if limit <= 0 {
		limit = 20
	}

	dependsOn := make(map[string][]string)
	for _, d := range batch.Dependencies {
		dependsOn[d.OperationID] = append(dependsOn[d.OperationID], d.DependsOnID)
	}

	var chunks [][]*BatchOperation
	var current []*BatchOperation
	inCurrent := make(map[string]bool)

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			inCurrent = make(map[string]bool)
		}
	}

	for _, op := range batch.Operations {
		needsFlush := len(current) >= limit
		for _, parent := range dependsOn[op.ID] {
			if inCurrent[parent] {
				needsFlush = true
				break
			}
		}
		if needsFlush {
			flush()
		}
		current = append(current, op)
		inCurrent[op.ID] = true
	}
	flush()
	return chunks
}

// filterConditional marks operations whose success-prerequisite did not
// succeed as skipped and returns the rest. Skips cascade: a child of a
// skipped parent is itself skipped.
func (e *BatchExecutor) filterConditional(batch *BatchRequest, chunk []*BatchOperation) []*BatchOperation {
	ops := make(map[string]*BatchOperation, len(batch.Operations))
	for _, op := range batch.Operations {
		ops[op.ID] = op
	}

	sendable := make([]*BatchOperation, 0, len(chunk))
	for _, op := range chunk {
		skip := false
		for _, d := range batch.Dependencies {
			if d.OperationID != op.ID || d.Type != DependencySuccess {
				continue
			}
			if parent, ok := ops[d.DependsOnID]; ok && parent.Status != OperationSuccess {
				skip = true
				break
			}
		}
		if skip {
			op.Status = OperationSkipped
			e.logger.Debug("operation skipped: prerequisite did not succeed",
				"batch", batch.ID, "operation", op.ID)
			continue
		}
		sendable = append(sendable, op)
	}
	return sendable
}

// executeChunk sends one physical $batch call, waiting out the rate limiter
// and retrying transport-level failures until the endpoint's retry budget
// is spent.
func (e *BatchExecutor) executeChunk(ctx context.Context, batch *BatchRequest, ops []*BatchOperation, authToken string, customHeaders map[string]string) (*BatchResponse, error) {
	payload, err := marshalChunk(ops)
	if err != nil {
		return nil, fmt.Errorf("serializing batch %s: %w", batch.ID, err)
	}

	headers := map[string]string{
		"authorization": "Bearer " + authToken,
		"content-type":  "application/json",
	}
	for k, v := range customHeaders {
		headers[k] = v
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := e.waitUntilAllowed(ctx, batch); err != nil {
			return nil, err
		}

		resp, err := e.transport.Send(ctx, &TransportRequest{
			Method:  "POST",
			URL:     e.config.BaseURL + batchEndpoint,
			Headers: headers,
			Body:    payload,
			Timeout: e.config.RequestTimeout,
		})

		switch {
		case err != nil:
			// Transport-level failure: no response at all.
			e.limiter.RecordRequestResult(batchEndpoint, false, nil, 0, batch.TenantID, batch.UserID)
			lastErr = err
		case resp.StatusCode == 429 || resp.StatusCode >= 500:
			e.limiter.RecordRequestResult(batchEndpoint, false, resp.Headers, resp.StatusCode, batch.TenantID, batch.UserID)
			lastErr = fmt.Errorf("batch endpoint returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			// Batch-level client error: not retryable, fail the batch.
			e.limiter.RecordRequestResult(batchEndpoint, false, resp.Headers, resp.StatusCode, batch.TenantID, batch.UserID)
			return nil, fmt.Errorf("batch endpoint rejected request: status %d", resp.StatusCode)
		default:
			e.limiter.RecordRequestResult(batchEndpoint, true, resp.Headers, resp.StatusCode, batch.TenantID, batch.UserID)
			return e.parser.ParseResponse(resp.Body, batch)
		}

		delay, ok := e.limiter.CalculateBackoffDelay(batchEndpoint, attempt)
		if !ok {
			return nil, &RetriesExhaustedError{Attempts: attempt + 1, LastErr: lastErr}
		}
		e.logger.Debug("batch send failed, backing off",
			"batch", batch.ID, "attempt", attempt+1, "delay", delay, "error", lastErr)
		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// waitUntilAllowed blocks until the rate limiter admits a send. This is the
// one place the pipeline suspends; it is bounded by the caller's context.
func (e *BatchExecutor) waitUntilAllowed(ctx context.Context, batch *BatchRequest) error {
	for {
		decision := e.limiter.CheckRateLimit(batchEndpoint, batch.TenantID, batch.UserID)
		if decision.Allowed {
			return nil
		}
		e.logger.Debug("rate limited before send",
			"batch", batch.ID, "reason", decision.Reason, "delay", decision.Delay)
		if err := e.sleep(ctx, decision.Delay); err != nil {
			return err
		}
	}
}

func marshalChunk(ops []*BatchOperation) ([]byte, error) {
	env := batchEnvelope{Requests: make([]batchItem, 0, len(ops))}
	for _, op := range ops {
		env.Requests = append(env.Requests, batchItem{
			ID:      op.ID,
			Method:  op.Method,
			URL:     op.URL,
			Headers: op.Headers,
			Body:    op.Body,
		})
	}
	return json.Marshal(env)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
