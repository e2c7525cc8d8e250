// Package fieldtrie represents a set of field paths on a record as a tree.
//
// The root node carries the record's apiName; each child is a field. Spanning
// fields (lookups to another record) have children of their own. Tries are
// treated as immutable once built: Union and Difference return new trees.
package fieldtrie

import (
	"sort"
	"strings"

	"github.com/roach88/recordcache/internal/record"
)

// DefaultMaxDepth bounds how many spanning hops a trie built from the record
// graph follows. Record graphs may be cyclic (a record whose parent chain
// leads back to itself).
const DefaultMaxDepth = 5

// Node is one element of a field path.
type Node struct {
	Name     string
	Scalar   bool
	Optional bool
	Children map[string]*Node
}

// New returns an empty root for apiName.
func New(apiName string) *Node {
	return &Node{Name: apiName, Children: map[string]*Node{}}
}

// FromPaths builds a trie from dotted paths. A leading apiName segment equal
// to the root name is accepted and stripped, so "Account.Owner.Name" and
// "Owner.Name" insert the same path under an "Account" root.
func FromPaths(apiName string, paths ...string) *Node {
	root := New(apiName)
	for _, p := range paths {
		root.insert(p, false)
	}
	return root
}

// FromOptionalPaths is FromPaths with every inserted leaf marked optional.
func FromOptionalPaths(apiName string, paths ...string) *Node {
	root := New(apiName)
	for _, p := range paths {
		root.insert(p, true)
	}
	return root
}

// Insert adds a dotted path to the trie in place. Use it only while building
// a trie that has not been shared yet.
func (n *Node) Insert(path string) {
	n.insert(path, false)
}

func (n *Node) insert(path string, optional bool) {
	segments := strings.Split(path, ".")
	if len(segments) > 1 && segments[0] == n.Name {
		segments = segments[1:]
	}
	cur := n
	for i, seg := range segments {
		if seg == "" {
			return
		}
		child, ok := cur.Children[seg]
		if !ok {
			child = &Node{Name: seg, Children: map[string]*Node{}}
			cur.Children[seg] = child
		}
		last := i == len(segments)-1
		if last {
			child.Scalar = len(child.Children) == 0
			child.Optional = child.Optional || optional
		} else {
			child.Scalar = false
		}
		cur = child
	}
}

// Len returns the number of leaf paths.
func (n *Node) Len() int {
	if n == nil {
		return 0
	}
	return len(n.Paths())
}

// IsEmpty reports whether the trie holds no fields.
func (n *Node) IsEmpty() bool {
	return n == nil || len(n.Children) == 0
}

// Paths flattens the trie into sorted dotted paths qualified with the root
// name, e.g. "Account.Name", "Account.Owner.Name". A spanning field that has
// children contributes only its leaves.
func (n *Node) Paths() []string {
	if n == nil {
		return nil
	}
	var out []string
	for _, child := range n.Children {
		collectPaths(child, n.Name, &out)
	}
	sort.Strings(out)
	return out
}

func collectPaths(n *Node, prefix string, out *[]string) {
	path := prefix + "." + n.Name
	if len(n.Children) == 0 {
		*out = append(*out, path)
		return
	}
	for _, child := range n.Children {
		collectPaths(child, path, out)
	}
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Name: n.Name, Scalar: n.Scalar, Optional: n.Optional, Children: make(map[string]*Node, len(n.Children))}
	for k, c := range n.Children {
		out.Children[k] = c.Clone()
	}
	return out
}

// Union returns a new trie holding every path of a and b. The root name of a
// wins when both are set. A field is optional in the union only when it is
// optional on every side that has it.
func Union(a, b *Node) *Node {
	switch {
	case a == nil:
		return b.Clone()
	case b == nil:
		return a.Clone()
	}
	out := a.Clone()
	if out.Name == "" {
		out.Name = b.Name
	}
	mergeInto(out, b)
	return out
}

func mergeInto(dst, src *Node) {
	for name, sc := range src.Children {
		dc, ok := dst.Children[name]
		if !ok {
			dst.Children[name] = sc.Clone()
			continue
		}
		dc.Optional = dc.Optional && sc.Optional
		mergeInto(dc, sc)
		dc.Scalar = len(dc.Children) == 0
	}
}

// IsSuperset reports whether every path in b is also in a.
func IsSuperset(a, b *Node) bool {
	if b == nil || len(b.Children) == 0 {
		return true
	}
	if a == nil {
		return false
	}
	for name, bc := range b.Children {
		ac, ok := a.Children[name]
		if !ok {
			return false
		}
		if len(bc.Children) > 0 && !IsSuperset(ac, bc) {
			return false
		}
	}
	return true
}

// Difference returns the paths of a that b does not contain, as a new trie
// rooted at a's name. A spanning field present in both sides is descended
// into so only the missing leaves are kept.
func Difference(a, b *Node) *Node {
	if a == nil {
		return nil
	}
	out := &Node{Name: a.Name, Scalar: a.Scalar, Optional: a.Optional, Children: map[string]*Node{}}
	for name, ac := range a.Children {
		var bc *Node
		if b != nil {
			bc = b.Children[name]
		}
		switch {
		case bc == nil:
			out.Children[name] = ac.Clone()
		case len(ac.Children) > 0:
			if d := Difference(ac, bc); len(d.Children) > 0 {
				out.Children[name] = d
			}
		}
	}
	return out
}

// Reader is the read side of the record graph needed to walk a record.
type Reader interface {
	Lookup(key string) (record.Node, bool)
}

// FromRecord builds the tracked-field trie of the record stored under key by
// walking the graph. Spanning fields are followed up to maxDepth hops; a
// record already on the current path is not entered again. Pending and
// missing fields are tracked: they were requested even if no confirmed value
// is present.
func FromRecord(r Reader, key string, maxDepth int) *Node {
	n, ok := r.Lookup(key)
	if !ok {
		return nil
	}
	rec, ok := n.(*record.RecordNode)
	if !ok {
		return nil
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	root := New(rec.APIName)
	walkRecord(r, rec, root, 0, maxDepth, map[string]bool{key: true})
	return root
}

func walkRecord(r Reader, rec *record.RecordNode, into *Node, depth, maxDepth int, onPath map[string]bool) {
	for name, link := range rec.Fields {
		child := &Node{Name: name, Scalar: true, Children: map[string]*Node{}}
		into.Children[name] = child
		if !link.Resolvable() || depth+1 >= maxDepth {
			continue
		}
		fn, ok := r.Lookup(link.Ref)
		if !ok {
			continue
		}
		field, ok := fn.(*record.FieldNode)
		if !ok || field.RecordRef == "" || onPath[field.RecordRef] {
			continue
		}
		nn, ok := r.Lookup(field.RecordRef)
		if !ok {
			continue
		}
		nested, ok := nn.(*record.RecordNode)
		if !ok {
			continue
		}
		child.Scalar = false
		onPath[field.RecordRef] = true
		walkRecord(r, nested, child, depth+1, maxDepth, onPath)
		delete(onPath, field.RecordRef)
		if len(child.Children) == 0 {
			child.Scalar = true
		}
	}
}

// FromNodes builds the trie of a record from a freshly normalized node set
// (see record.Normalize) rather than the live graph.
func FromNodes(nodes map[string]record.Node, key string, maxDepth int) *Node {
	return FromRecord(mapReader(nodes), key, maxDepth)
}

type mapReader map[string]record.Node

func (m mapReader) Lookup(key string) (record.Node, bool) {
	n, ok := m[key]
	return n, ok
}
