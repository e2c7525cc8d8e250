package fieldtrie

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recordcache/internal/ir"
	"github.com/roach88/recordcache/internal/record"
)

func TestFromPaths(t *testing.T) {
	trie := FromPaths("Account", "Account.Name", "Owner.Name", "Account.Owner.Id")

	assert.Equal(t, []string{"Account.Name", "Account.Owner.Id", "Account.Owner.Name"}, trie.Paths())
	assert.Equal(t, 3, trie.Len())
	assert.False(t, trie.Children["Owner"].Scalar)
	assert.True(t, trie.Children["Name"].Scalar)
}

func TestInsert(t *testing.T) {
	trie := New("Account")
	trie.Insert("Name")
	trie.Insert("Name")
	assert.Equal(t, []string{"Account.Name"}, trie.Paths())
}

func TestUnion_DoesNotMutateInputs(t *testing.T) {
	a := FromPaths("Account", "Name")
	b := FromPaths("Account", "Phone", "Owner.Name")

	u := Union(a, b)
	assert.Equal(t, []string{"Account.Name", "Account.Owner.Name", "Account.Phone"}, u.Paths())
	assert.Equal(t, []string{"Account.Name"}, a.Paths())
	assert.Equal(t, []string{"Account.Owner.Name", "Account.Phone"}, b.Paths())
}

func TestUnion_Nil(t *testing.T) {
	a := FromPaths("Account", "Name")
	assert.Equal(t, a.Paths(), Union(nil, a).Paths())
	assert.Equal(t, a.Paths(), Union(a, nil).Paths())
}

func TestUnion_OptionalOnlyWhenOptionalEverywhere(t *testing.T) {
	a := FromOptionalPaths("Account", "Name", "Phone")
	b := FromPaths("Account", "Name")

	u := Union(a, b)
	assert.False(t, u.Children["Name"].Optional)
	assert.True(t, u.Children["Phone"].Optional)
}

func TestIsSuperset(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want bool
	}{
		{"equal", []string{"Name"}, []string{"Name"}, true},
		{"strict superset", []string{"Name", "Phone"}, []string{"Name"}, true},
		{"subset", []string{"Name"}, []string{"Name", "Phone"}, false},
		{"disjoint", []string{"Name"}, []string{"Phone"}, false},
		{"empty b", []string{"Name"}, nil, true},
		{"nested covered", []string{"Owner.Name", "Owner.Id"}, []string{"Owner.Name"}, true},
		{"nested missing", []string{"Owner.Id"}, []string{"Owner.Name"}, false},
		{"spanning leaf covered by nested", []string{"Owner.Name"}, []string{"Owner"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := FromPaths("Account", tt.a...)
			b := FromPaths("Account", tt.b...)
			assert.Equal(t, tt.want, IsSuperset(a, b))
		})
	}
}

func TestDifference(t *testing.T) {
	a := FromPaths("Account", "Name", "Phone", "Owner.Name", "Owner.Email")
	b := FromPaths("Account", "Name", "Owner.Name")

	assert.Equal(t, []string{"Account.Owner.Email", "Account.Phone"}, Difference(a, b).Paths())
	assert.True(t, Difference(b, a).IsEmpty())
}

type mapGraph map[string]record.Node

func (m mapGraph) Lookup(key string) (record.Node, bool) {
	n, ok := m[key]
	return n, ok
}

func TestFromRecord_WalksSpanningFields(t *testing.T) {
	rep := &record.Representation{
		ID: "001A", APIName: "Account", WeakEtag: 1,
		Fields: map[string]record.FieldValue{
			"Name": record.Scalar(ir.String("Acme")),
			"Owner": record.Spanning(&record.Representation{
				ID: "005A", APIName: "User", WeakEtag: 1,
				Fields: map[string]record.FieldValue{"Name": record.Scalar(ir.String("Ada"))},
			}),
		},
	}
	nodes, _ := record.Normalize(rep)

	trie := FromRecord(mapGraph(nodes), record.Key("001A"), DefaultMaxDepth)
	require.NotNil(t, trie)
	assert.Equal(t, "Account", trie.Name)
	assert.Equal(t, []string{"Account.Name", "Account.Owner.Name"}, trie.Paths())

	shallow := FromNodes(nodes, record.Key("001A"), 1)
	assert.Equal(t, []string{"Account.Name", "Account.Owner"}, shallow.Paths())
}

func TestFromRecord_CycleTerminates(t *testing.T) {
	rep := &record.Representation{ID: "001A", APIName: "Account", Fields: map[string]record.FieldValue{}}
	rep.Fields["Name"] = record.Scalar(ir.String("Acme"))
	rep.Fields["Parent"] = record.Spanning(rep)
	nodes, _ := record.Normalize(rep)

	trie := FromNodes(nodes, record.Key("001A"), DefaultMaxDepth)
	assert.Equal(t, []string{"Account.Name", "Account.Parent"}, trie.Paths())
}

func TestFromRecord_TracksPendingFields(t *testing.T) {
	key := record.Key("001A")
	graph := mapGraph{
		key: &record.RecordNode{ID: "001A", APIName: "Account", Fields: map[string]record.FieldLink{
			"Name":  {Ref: record.FieldKey(key, "Name")},
			"Phone": {Pending: true},
		}},
		record.FieldKey(key, "Name"): &record.FieldNode{Value: ir.String("Acme")},
	}

	trie := FromRecord(graph, key, 0)
	assert.Equal(t, []string{"Account.Name", "Account.Phone"}, trie.Paths())
}

func TestFromRecord_Missing(t *testing.T) {
	assert.Nil(t, FromRecord(mapGraph{}, record.Key("nope"), 5))
}
