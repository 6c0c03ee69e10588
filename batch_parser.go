// batch_parser.go
// ---------------
// BatchResponseParser maps a raw multi-status payload back onto the
// operations of a BatchRequest. Each entry is classified success or error
// strictly by its HTTP status; errors are enriched with a category, retry
// guidance, and a correlation id. Entries whose id matches no operation are
// logged and skipped without failing the batch, but a payload with a
// missing, null, or non-array responses key is an error: callers must be
// able to tell "zero successes" from "the server sent garbage".
package graphbridge

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
)

// BatchResponseParser is stateless and safe for concurrent use.
type BatchResponseParser struct {
	logger *slog.Logger
}

func NewBatchResponseParser(logger *slog.Logger) *BatchResponseParser {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BatchResponseParser{logger: logger}
}

// ParseResponse decodes the raw multi-status payload and applies each entry
// to its matching operation.
func (p *BatchResponseParser) ParseResponse(raw []byte, batch *BatchRequest) (*BatchResponse, error) {
	var env batchResponseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &MalformedResponseError{Reason: "payload is not a JSON object: " + err.Error()}
	}
	if len(env.Responses) == 0 || string(env.Responses) == "null" {
		return nil, &MalformedResponseError{Reason: "responses key is missing or null"}
	}

	var items []batchResponseItem
	if err := json.Unmarshal(env.Responses, &items); err != nil {
		return nil, &MalformedResponseError{Reason: "responses key is not an array: " + err.Error()}
	}

	ops := make(map[string]*BatchOperation, len(batch.Operations))
	for _, op := range batch.Operations {
		ops[op.ID] = op
	}

	out := &BatchResponse{BatchID: batch.ID}
	for _, item := range items {
		result := OperationResult{
			OperationID: item.ID,
			StatusCode:  item.Status,
			Headers:     item.Headers,
			Body:        item.Body,
		}

		// Counts follow the per-entry status regardless of whether the id
		// resolves to a known operation.
		success := item.Status >= 200 && item.Status < 300
		if success {
			out.SuccessCount++
		} else {
			out.ErrorCount++
			result.ErrorContext = &ErrorContext{
				Category:         classifyStatus(item.Status),
				Message:          extractErrorMessage(item.Body, item.Status),
				RetryRecommended: retryRecommended(item.Status),
				CorrelationID:    correlationID(item.Headers),
			}
		}

		op, ok := ops[item.ID]
		if !ok {
			p.logger.Warn("batch response entry references unknown operation",
				"batch", batch.ID, "operation", item.ID, "status", item.Status)
			out.Responses = append(out.Responses, result)
			continue
		}

		op.Response = &result
		if success {
			op.Status = OperationSuccess
		} else {
			op.Status = OperationError
			op.Error = result.ErrorContext.Message
		}
		out.Responses = append(out.Responses, result)
	}

	return out, nil
}

// correlationID prefers the id the service stamped on the entry, falling
// back to a fresh one so every error context is traceable.
func correlationID(headers map[string]string) string {
	for _, name := range []string{"request-id", "client-request-id", "x-ms-request-id"} {
		if v, ok := headers[name]; ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// extractErrorMessage pulls a human-readable message out of whichever of
// the common error-envelope shapes is present: {error:{message}},
// {error_description}, {message}, or a bare string.
func extractErrorMessage(body json.RawMessage, status int) string {
	if len(body) == 0 {
		return fmt.Sprintf("request failed with status %d", status)
	}

	var envelope struct {
		Error *struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
		ErrorDescription string `json:"error_description"`
		Message          string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		switch {
		case envelope.Error != nil && envelope.Error.Message != "":
			return envelope.Error.Message
		case envelope.ErrorDescription != "":
			return envelope.ErrorDescription
		case envelope.Message != "":
			return envelope.Message
		}
	}

	var bare string
	if err := json.Unmarshal(body, &bare); err == nil && bare != "" {
		return bare
	}

	return fmt.Sprintf("request failed with status %d", status)
}
