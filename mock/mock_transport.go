// mock_transport.go
// -----------------
// Transport is a scripted graphbridge.Transport for tests and examples. It
// can replay a fixed sequence of responses, fail every call with a
// transport error, or simulate a provider that starts returning 429 after
// a number of requests, mirroring real throttling behavior.
package mock

import (
	"context"
	"fmt"
	"sync"

	graphbridge "github.com/opengovern/graph-bridge"
)

// Response is one scripted reply.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Transport replays scripted responses in order, repeating the last one
// once the script runs out. Safe for concurrent use.
type Transport struct {
	mu sync.Mutex

	// Script is consumed in order; the final entry repeats.
	Script []Response

	// RequestsUntilRateLimit, when > 0, makes every request after the
	// Nth return 429 regardless of the script.
	RequestsUntilRateLimit int

	// FailWith, when set, is returned for every Send call.
	FailWith error

	requestCount int
	requests     []*graphbridge.TransportRequest
}

var _ graphbridge.Transport = (*Transport)(nil)

func (t *Transport) Send(_ context.Context, req *graphbridge.TransportRequest) (*graphbridge.TransportResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.requestCount++
	t.requests = append(t.requests, req)

	if t.FailWith != nil {
		return nil, t.FailWith
	}

	if t.RequestsUntilRateLimit > 0 && t.requestCount > t.RequestsUntilRateLimit {
		return &graphbridge.TransportResponse{
			StatusCode: 429,
			Headers:    map[string]string{"retry-after": "30"},
			Body:       []byte(`{"error":{"message":"Too many requests"}}`),
		}, nil
	}

	if len(t.Script) == 0 {
		return nil, fmt.Errorf("mock transport: no scripted responses")
	}
	idx := t.requestCount - 1
	if idx >= len(t.Script) {
		idx = len(t.Script) - 1
	}
	r := t.Script[idx]
	return &graphbridge.TransportResponse{
		StatusCode: r.StatusCode,
		Headers:    r.Headers,
		Body:       r.Body,
	}, nil
}

// RequestCount reports how many Send calls were made.
func (t *Transport) RequestCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requestCount
}

// Requests returns the captured requests in order.
func (t *Transport) Requests() []*graphbridge.TransportRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*graphbridge.TransportRequest(nil), t.requests...)
}

// StaticToken is a TokenProvider that always returns the same token.
type StaticToken string

var _ graphbridge.TokenProvider = StaticToken("")

func (s StaticToken) Token(_ context.Context, _, _ string) (string, error) {
	return string(s), nil
}
