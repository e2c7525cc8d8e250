// Package draft implements the durable queue of pending mutations and the
// store of draft id to canonical id mappings.
//
// Actions are processed strictly one at a time in enqueue order. An action
// that fails with an error response blocks the queue until it is retried or
// removed; a connectivity failure returns it to pending and the queue waits.
package draft

import (
	"net/http"
	"strings"

	"github.com/roach88/recordcache/internal/ir"
	"github.com/roach88/recordcache/internal/transport"
)

// MetadataRequestHash is the metadata key holding the content hash of the
// action's request.
const MetadataRequestHash = "requestHash"

// Status is the lifecycle state of an action.
type Status string

const (
	// StatusPending actions wait for upload.
	StatusPending Status = "pending"
	// StatusUploading is the head action while its request is in flight. A
	// queue reopened over a persisted uploading action treats it as pending.
	StatusUploading Status = "uploading"
	// StatusCompleted actions carry the upstream response until listeners
	// have observed it.
	StatusCompleted Status = "completed"
	// StatusError actions were rejected by the upstream and block the queue.
	StatusError Status = "error"
)

// Action is one queued mutation.
type Action struct {
	ID            string              `json:"id"`
	Tag           string              `json:"tag"`
	TargetID      string              `json:"targetId"`
	TargetAPIName string              `json:"targetApiName,omitempty"`
	Request       *transport.Request  `json:"request"`
	Status        Status              `json:"status"`
	Response      *transport.Response `json:"response,omitempty"`
	Error         *ActionError        `json:"error,omitempty"`
	Timestamp     int64               `json:"timestamp"`
	Metadata      map[string]string   `json:"metadata,omitempty"`
}

// ActionError is the failure recorded on an errored action.
type ActionError struct {
	Status  int    `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Clone returns a deep copy of the action.
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	out := *a
	out.Request = a.Request.Clone()
	if a.Response != nil {
		resp := *a.Response
		resp.Body = append([]byte(nil), a.Response.Body...)
		out.Response = &resp
	}
	if a.Error != nil {
		e := *a.Error
		out.Error = &e
	}
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// IsCreate reports whether the action creates a record.
func (a *Action) IsCreate() bool {
	return a.Request != nil && a.Request.Method == http.MethodPost
}

// IsUpdate reports whether the action edits a record.
func (a *Action) IsUpdate() bool {
	return a.Request != nil && a.Request.Method == http.MethodPatch
}

// IsDelete reports whether the action deletes a record.
func (a *Action) IsDelete() bool {
	return a.Request != nil && a.Request.Method == http.MethodDelete
}

// Durable key layout of actions.
const (
	actionKeyPrefix = "DraftAction::"
	keySeparator    = "::"
)

// ActionKey returns the durable key of action id on tag.
func ActionKey(tag, id string) string {
	return actionKeyPrefix + tag + keySeparator + id
}

// ParseActionKey splits a durable action key into tag and id.
func ParseActionKey(key string) (tag, id string, ok bool) {
	rest, ok := strings.CutPrefix(key, actionKeyPrefix)
	if !ok {
		return "", "", false
	}
	i := strings.LastIndex(rest, keySeparator)
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+len(keySeparator):], true
}

// requestHash identifies req by method, path and body content. Bodies that
// are not JSON hash as null.
func requestHash(req *transport.Request) (string, error) {
	var body ir.Value = ir.Null{}
	if len(req.Body) > 0 {
		if v, err := ir.UnmarshalValue(req.Body); err == nil {
			body = v
		}
	}
	return ir.RequestHash(req.Method, req.Path, body)
}
