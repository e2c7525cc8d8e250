package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChain_Order(t *testing.T) {
	var trace []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
				trace = append(trace, name)
				return next.Dispatch(ctx, req)
			})
		}
	}
	base := HandlerFunc(func(context.Context, *Request) (*Response, error) {
		trace = append(trace, "base")
		return &Response{Status: 200}, nil
	})

	resp, err := Chain(base, mw("outer"), mw("inner")).Dispatch(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, []string{"outer", "inner", "base"}, trace)
}

func TestClassifyRecordRequest(t *testing.T) {
	tests := []struct {
		method, path string
		want         RecordEndpoint
		ids          []string
	}{
		{http.MethodPost, "/ui-api/records", EndpointCreate, nil},
		{http.MethodPost, "/ui-api/records/", EndpointCreate, nil},
		{http.MethodPatch, "/ui-api/records/001A", EndpointUpdate, []string{"001A"}},
		{http.MethodDelete, "/ui-api/records/001A", EndpointDelete, []string{"001A"}},
		{http.MethodGet, "/ui-api/records/001A", EndpointGet, []string{"001A"}},
		{http.MethodGet, "/ui-api/records/batch/001A,001B", EndpointGetBatch, []string{"001A", "001B"}},
		{http.MethodGet, "/ui-api/record-ui/001A", EndpointNone, nil},
		{http.MethodGet, "/ui-api/records/001A/child", EndpointNone, nil},
		{http.MethodPut, "/ui-api/records/001A", EndpointNone, nil},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %s", tt.method, tt.path), func(t *testing.T) {
			got, ids := ClassifyRecordRequest(&Request{Method: tt.method, Path: tt.path})
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ids, ids)
		})
	}
}

func TestRequest_QueryList(t *testing.T) {
	req := GetRecordRequest("001A", []string{"Account.Name"}, []string{"Account.Phone", "Account.Fax"})
	assert.Equal(t, []string{"Account.Name"}, req.QueryList("fields"))
	assert.Equal(t, []string{"Account.Phone", "Account.Fax"}, req.QueryList("optionalFields"))
	assert.Nil(t, GetRecordRequest("001A", nil, nil).Query)
}

func TestRequest_CloneIsDeep(t *testing.T) {
	req := GetRecordRequest("001A", []string{"Account.Name"}, nil)
	req.Body = []byte(`{"a":1}`)
	c := req.Clone()
	c.Query.Set("fields", "x")
	c.Body[2] = 'b'
	assert.Equal(t, "Account.Name", req.Query.Get("fields"))
	assert.Equal(t, `{"a":1}`, string(req.Body))
}

func TestErrors(t *testing.T) {
	cause := errors.New("disk full")
	internal := Internal(cause)
	assert.True(t, IsInternal(internal))
	assert.ErrorIs(t, internal, cause)
	assert.Equal(t, "internal error", internal.Message, "cause does not leak")

	wrapped := fmt.Errorf("create: %w", BadRequest("apiName is required"))
	assert.True(t, IsBadRequest(wrapped))
	assert.False(t, IsInternal(wrapped))
	assert.Equal(t, http.StatusBadRequest, StatusOf(wrapped))

	assert.True(t, IsDraftSynthesis(DraftSynthesis("no durable copy of %s", "x")))
	assert.True(t, IsNotFound(NotFound("gone")))
	assert.True(t, IsNetworkError(errors.New("connection refused")))
	assert.False(t, IsNetworkError(Upstream(503, "unavailable")))
	assert.False(t, IsNetworkError(nil))
}

func TestHTTPClient_Dispatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ui-api/records/001A":
			assert.Equal(t, "Account.Name", r.URL.Query().Get("fields"))
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"id":"001A"}`)
		case "/ui-api/records":
			body, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"apiName":"Account"}`, string(body))
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `[{"message":"REQUIRED_FIELD_MISSING"}]`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", 5*time.Second)
	ctx := context.Background()

	resp, err := c.Dispatch(ctx, GetRecordRequest("001A", []string{"Account.Name"}, nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"id":"001A"}`, string(resp.Body))

	_, err = c.Dispatch(ctx, &Request{Method: http.MethodPost, Path: RecordsPath, Body: []byte(`{"apiName":"Account"}`)})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, StatusOf(err))
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "REQUIRED_FIELD_MISSING", terr.Message)
}

func TestHTTPClient_ConnectivityFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPClient(url, time.Second).Dispatch(context.Background(), GetRecordRequest("001A", nil, nil))
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
}
