package record

import (
	"sort"

	"github.com/roach88/recordcache/internal/ir"
)

// Node is an entry of the normalized record graph: either a *RecordNode or a
// *FieldNode.
type Node interface {
	graphNode()
}

// RecordNode is the normalized form of a record. Fields point at field nodes
// by store key rather than embedding their values.
type RecordNode struct {
	ID       string
	APIName  string
	WeakEtag int64
	ETag     string
	Fields   map[string]FieldLink
	Drafts   *Drafts
}

func (*RecordNode) graphNode() {}

// FieldLink references a field node.
//
// Pending marks a field copied from an older version whose value is not yet
// confirmed under the current weakEtag; it has no usable Ref. IsMissing marks
// a field the server confirmed absent, as opposed to one never fetched.
type FieldLink struct {
	Ref       string `json:"__ref,omitempty"`
	Pending   bool   `json:"pending,omitempty"`
	IsMissing bool   `json:"isMissing,omitempty"`
}

// Resolvable reports whether the link points at a confirmed field node.
func (l FieldLink) Resolvable() bool {
	return l.Ref != "" && !l.Pending && !l.IsMissing
}

// FieldNode holds a single field value. Spanning fields set RecordRef to the
// key of the nested record and leave Value nil.
type FieldNode struct {
	Value        ir.Value
	DisplayValue ir.Value
	RecordRef    string
}

func (*FieldNode) graphNode() {}

// Clone returns a copy of the record node with its own Fields map.
func (n *RecordNode) Clone() *RecordNode {
	if n == nil {
		return nil
	}
	out := *n
	out.Fields = make(map[string]FieldLink, len(n.Fields))
	for k, v := range n.Fields {
		out.Fields[k] = v
	}
	out.Drafts = n.Drafts.Clone()
	return &out
}

// Key returns the store key of the record node.
func (n *RecordNode) Key() string {
	return Key(n.ID)
}

// FieldNames returns the field names of the node in sorted order.
func (n *RecordNode) FieldNames() []string {
	names := make([]string, 0, len(n.Fields))
	for name := range n.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Normalize flattens a representation into graph nodes keyed by store key.
// Nested records become their own record nodes, linked from the spanning
// field node by RecordRef. The returned order lists record keys parent first,
// so callers that merge can process a record before the records it references.
func Normalize(rep *Representation) (nodes map[string]Node, recordKeys []string) {
	nodes = make(map[string]Node)
	visited := make(map[string]bool)
	normalizeInto(rep, nodes, &recordKeys, visited)
	return nodes, recordKeys
}

func normalizeInto(rep *Representation, nodes map[string]Node, order *[]string, visited map[string]bool) string {
	key := Key(rep.ID)
	if visited[key] {
		return key
	}
	visited[key] = true
	*order = append(*order, key)

	node := &RecordNode{
		ID:       rep.ID,
		APIName:  rep.APIName,
		WeakEtag: rep.WeakEtag,
		ETag:     rep.ETag,
		Fields:   make(map[string]FieldLink, len(rep.Fields)),
		Drafts:   rep.Drafts.Clone(),
	}
	nodes[key] = node

	for name, fv := range rep.Fields {
		fieldKey := FieldKey(key, name)
		fieldNode := &FieldNode{
			Value:        ir.Clone(fv.Value),
			DisplayValue: ir.Clone(fv.DisplayValue),
		}
		if fv.Record != nil {
			fieldNode.Value = nil
			fieldNode.RecordRef = normalizeInto(fv.Record, nodes, order, visited)
		}
		nodes[fieldKey] = fieldNode
		node.Fields[name] = FieldLink{Ref: fieldKey}
	}
	return key
}
