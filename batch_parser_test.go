package graphbridge

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parserBatch(ids ...string) *BatchRequest {
	ops := make([]*BatchOperation, 0, len(ids))
	for _, id := range ids {
		ops = append(ops, &BatchOperation{ID: id, Method: "GET", URL: "/me", Status: OperationPending})
	}
	return &BatchRequest{ID: "batch-1", Operations: ops, Status: BatchInProgress}
}

func TestParseResponseMixedOutcomes(t *testing.T) {
	p := NewBatchResponseParser(nil)
	batch := parserBatch("op1", "op2")

	raw := []byte(`{"responses":[
		{"id":"op1","status":200,"body":{"id":"task-1","title":"done"}},
		{"id":"op2","status":404,"headers":{"request-id":"corr-123"},"body":{"error":{"code":"itemNotFound","message":"The requested item is not found"}}}
	]}`)

	resp, err := p.ParseResponse(raw, batch)
	require.NoError(t, err)

	assert.Equal(t, 1, resp.SuccessCount)
	assert.Equal(t, 1, resp.ErrorCount)
	require.Len(t, resp.Responses, 2)

	assert.Equal(t, OperationSuccess, batch.Operations[0].Status)
	require.NotNil(t, batch.Operations[0].Response)
	assert.Equal(t, 200, batch.Operations[0].Response.StatusCode)
	assert.Nil(t, batch.Operations[0].Response.ErrorContext)

	op2 := batch.Operations[1]
	assert.Equal(t, OperationError, op2.Status)
	require.NotNil(t, op2.Response)
	ec := op2.Response.ErrorContext
	require.NotNil(t, ec)
	assert.Equal(t, CategoryNotFound, ec.Category)
	assert.Equal(t, "The requested item is not found", ec.Message)
	assert.False(t, ec.RetryRecommended, "404 is not retryable")
	assert.Equal(t, "corr-123", ec.CorrelationID)
	assert.Equal(t, ec.Message, op2.Error)
}

func TestParseResponseRetryGuidance(t *testing.T) {
	p := NewBatchResponseParser(nil)

	cases := []struct {
		status    int
		category  ErrorCategory
		retryable bool
	}{
		{401, CategoryAuthentication, false},
		{403, CategoryAuthorization, false},
		{404, CategoryNotFound, false},
		{422, CategoryClient, false},
		{429, CategoryRateLimit, true},
		{500, CategoryTransient, true},
		{503, CategoryTransient, true},
	}

	for _, tc := range cases {
		batch := parserBatch("op1")
		raw := []byte(`{"responses":[{"id":"op1","status":` + strconv.Itoa(tc.status) + `,"body":{}}]}`)
		resp, err := p.ParseResponse(raw, batch)
		require.NoError(t, err)
		require.Equal(t, 1, resp.ErrorCount, "status %d", tc.status)
		ec := resp.Responses[0].ErrorContext
		require.NotNil(t, ec)
		assert.Equal(t, tc.category, ec.Category, "status %d", tc.status)
		assert.Equal(t, tc.retryable, ec.RetryRecommended, "status %d", tc.status)
		assert.NotEmpty(t, ec.CorrelationID, "every error context carries a correlation id")
	}
}

func TestParseResponseMalformedPayloads(t *testing.T) {
	p := NewBatchResponseParser(nil)

	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `<<garbage>>`},
		{"missing responses key", `{"value":[]}`},
		{"null responses", `{"responses":null}`},
		{"responses not an array", `{"responses":{"id":"op1"}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			batch := parserBatch("op1")
			_, err := p.ParseResponse([]byte(tc.raw), batch)
			var merr *MalformedResponseError
			assert.ErrorAs(t, err, &merr)
		})
	}
}

func TestParseResponseEmptyArrayIsNotMalformed(t *testing.T) {
	p := NewBatchResponseParser(nil)
	batch := parserBatch("op1")

	resp, err := p.ParseResponse([]byte(`{"responses":[]}`), batch)
	require.NoError(t, err)
	assert.Zero(t, resp.SuccessCount)
	assert.Zero(t, resp.ErrorCount)
	assert.Empty(t, resp.Responses)
}

func TestParseResponseUnknownOperationID(t *testing.T) {
	p := NewBatchResponseParser(nil)
	batch := parserBatch("op1")

	raw := []byte(`{"responses":[
		{"id":"op1","status":200,"body":{}},
		{"id":"phantom","status":200,"body":{}}
	]}`)
	resp, err := p.ParseResponse(raw, batch)
	require.NoError(t, err)

	// The unknown entry still counts and is still returned; it just cannot
	// be applied to an operation.
	assert.Equal(t, 2, resp.SuccessCount)
	assert.Len(t, resp.Responses, 2)
	assert.Equal(t, OperationSuccess, batch.Operations[0].Status)
}

func TestExtractErrorMessageShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"graph envelope", `{"error":{"code":"tooManyRetries","message":"Throttled"}}`, "Throttled"},
		{"oauth shape", `{"error_description":"token expired"}`, "token expired"},
		{"plain message", `{"message":"boom"}`, "boom"},
		{"bare string", `"service unavailable"`, "service unavailable"},
		{"empty body", ``, "request failed with status 502"},
		{"unhelpful object", `{"detail":42}`, "request failed with status 502"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body []byte
			if tc.body != "" {
				body = []byte(tc.body)
			}
			assert.Equal(t, tc.want, extractErrorMessage(body, 502))
		})
	}
}
