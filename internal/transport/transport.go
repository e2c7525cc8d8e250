// Package transport defines resource requests and responses and the handler
// chain they flow through. Interceptors are Middleware wrapping the next
// Handler; the innermost handler talks to the upstream API.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Request is one resource request.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   url.Values        `json:"query,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	if r.Query != nil {
		out.Query = make(url.Values, len(r.Query))
		for k, v := range r.Query {
			out.Query[k] = append([]string(nil), v...)
		}
	}
	out.Body = append(json.RawMessage(nil), r.Body...)
	if r.Headers != nil {
		out.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			out.Headers[k] = v
		}
	}
	return &out
}

// DecodeBody unmarshals the request body into v. An empty body decodes as
// an empty object.
func (r *Request) DecodeBody(v any) error {
	if len(r.Body) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(r.Body, v)
}

// Segments returns the non-empty path segments.
func (r *Request) Segments() []string {
	var out []string
	for _, s := range strings.Split(r.Path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// QueryList returns a comma-separated query parameter as a list, accepting
// repeated parameters too.
func (r *Request) QueryList(name string) []string {
	var out []string
	for _, v := range r.Query[name] {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

// Response is a resource response.
type Response struct {
	Status  int               `json:"status"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// Synthetic marks a response fabricated locally from draft state.
	Synthetic bool `json:"synthetic,omitempty"`
}

// DecodeBody unmarshals the response body into v.
func (r *Response) DecodeBody(v any) error {
	return json.Unmarshal(r.Body, v)
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// JSONResponse builds a response with v marshaled as the body.
func JSONResponse(status int, v any) (*Response, error) {
	if v == nil {
		return &Response{Status: status}, nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return &Response{Status: status, Body: body}, nil
}

// Handler dispatches a request.
type Handler interface {
	Dispatch(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Dispatch calls f.
func (f HandlerFunc) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware wraps a handler. It either handles the request itself or
// delegates to next.
type Middleware func(next Handler) Handler

// Chain wraps base with mws. The first middleware is outermost and sees the
// request first.
func Chain(base Handler, mws ...Middleware) Handler {
	h := base
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
