// http_transport.go
// -----------------
// HTTPTransport is the net/http implementation of the Transport
// collaborator. It normalizes response headers to lower-case keys and
// classifies network failures as timeout or connection errors so the
// executor's retry logic can tell them apart from protocol-level errors.
package adapters

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	graphbridge "github.com/opengovern/graph-bridge"
)

// HTTPTransport is safe for concurrent use.
type HTTPTransport struct {
	client *http.Client
}

var _ graphbridge.Transport = (*HTTPTransport)(nil)

// NewHTTPTransport builds a transport around the supplied client; nil uses
// a client with a 30s overall timeout.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{client: client}
}

// Send performs one HTTP request. The per-request Timeout, when set, bounds
// the call via the context.
func (t *HTTPTransport) Send(ctx context.Context, req *graphbridge.TransportRequest) (*graphbridge.TransportResponse, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &graphbridge.TransportError{Kind: graphbridge.TransportConnection, URL: req.URL, Err: err}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, classifyNetError(req.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyNetError(req.URL, err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k, vals := range resp.Header {
		if len(vals) > 0 {
			headers[strings.ToLower(k)] = vals[0]
		}
	}

	return &graphbridge.TransportResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       data,
	}, nil
}

func classifyNetError(url string, err error) *graphbridge.TransportError {
	kind := graphbridge.TransportConnection
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = graphbridge.TransportTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = graphbridge.TransportTimeout
	}
	return &graphbridge.TransportError{Kind: kind, URL: url, Err: err}
}
