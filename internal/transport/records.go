package transport

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/roach88/recordcache/internal/record"
)

// RecordsPath is the base path of the record endpoints.
const RecordsPath = "/ui-api/records"

// batchSegment is the path segment of the multi-record GET.
const batchSegment = "batch"

// RecordInput is the body of a create or update.
type RecordInput struct {
	APIName string                     `json:"apiName,omitempty"`
	Fields  map[string]json.RawMessage `json:"fields"`
}

// BatchResult is one entry of a batch GET response.
type BatchResult struct {
	StatusCode int                    `json:"statusCode"`
	Result     *record.Representation `json:"result"`
}

// BatchResponse is the body of a batch GET response.
type BatchResponse struct {
	Results []BatchResult `json:"results"`
}

// RecordEndpoint classifies a request against the record endpoints.
type RecordEndpoint int

const (
	EndpointNone RecordEndpoint = iota
	EndpointCreate
	EndpointUpdate
	EndpointDelete
	EndpointGet
	EndpointGetBatch
)

// ClassifyRecordRequest returns the endpoint req addresses and the record
// ids in its path.
func ClassifyRecordRequest(req *Request) (RecordEndpoint, []string) {
	rest, ok := strings.CutPrefix(req.Path, RecordsPath)
	if !ok || (rest != "" && !strings.HasPrefix(rest, "/")) {
		return EndpointNone, nil
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		parts = nil
	}

	switch {
	case req.Method == http.MethodPost && len(parts) == 0:
		return EndpointCreate, nil
	case req.Method == http.MethodPatch && len(parts) == 1:
		return EndpointUpdate, parts
	case req.Method == http.MethodDelete && len(parts) == 1:
		return EndpointDelete, parts
	case req.Method == http.MethodGet && len(parts) == 2 && parts[0] == batchSegment:
		return EndpointGetBatch, splitIDs(parts[1])
	case req.Method == http.MethodGet && len(parts) == 1 && parts[0] != batchSegment:
		return EndpointGet, parts
	}
	return EndpointNone, nil
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// RecordPath returns the path of a single record.
func RecordPath(id string) string {
	return RecordsPath + "/" + id
}

// BatchPath returns the path of a batch GET for ids.
func BatchPath(ids []string) string {
	return RecordsPath + "/" + batchSegment + "/" + strings.Join(ids, ",")
}

// GetRecordRequest builds a single-record GET.
func GetRecordRequest(id string, fields, optionalFields []string) *Request {
	return &Request{Method: http.MethodGet, Path: RecordPath(id), Query: fieldQuery(fields, optionalFields)}
}

// GetRecordsRequest builds a batch GET.
func GetRecordsRequest(ids []string, fields, optionalFields []string) *Request {
	return &Request{Method: http.MethodGet, Path: BatchPath(ids), Query: fieldQuery(fields, optionalFields)}
}

func fieldQuery(fields, optionalFields []string) url.Values {
	q := url.Values{}
	if len(fields) > 0 {
		q.Set("fields", strings.Join(fields, ","))
	}
	if len(optionalFields) > 0 {
		q.Set("optionalFields", strings.Join(optionalFields, ","))
	}
	if len(q) == 0 {
		return nil
	}
	return q
}
