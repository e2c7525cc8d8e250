package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient is the upstream Handler. It sends requests to BaseURL and turns
// error statuses into *Error; connectivity failures are returned as plain
// errors.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
}

var _ Handler = (*HTTPClient)(nil)

// NewHTTPClient returns a client with the given request timeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

// Dispatch sends req upstream.
func (c *HTTPClient) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	u := c.BaseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream %s %s: %w", req.Method, req.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, Upstream(resp.StatusCode, upstreamMessage(data, resp.Status))
	}

	out := &Response{Status: resp.StatusCode, Headers: map[string]string{}}
	if len(bytes.TrimSpace(data)) > 0 {
		out.Body = data
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		out.Headers["Content-Type"] = ct
	}
	return out, nil
}

// upstreamMessage extracts a message from an error body, accepting either an
// object or a list of objects with a "message" field.
func upstreamMessage(data []byte, fallback string) string {
	var one struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &one) == nil && one.Message != "" {
		return one.Message
	}
	var many []struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &many) == nil && len(many) > 0 && many[0].Message != "" {
		return many[0].Message
	}
	return fallback
}
