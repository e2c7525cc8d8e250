package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recordcache/internal/fieldtrie"
	"github.com/roach88/recordcache/internal/ir"
	"github.com/roach88/recordcache/internal/record"
)

func putRecord(m *Memory, rep *record.Representation) {
	nodes, _ := record.Normalize(rep)
	for k, n := range nodes {
		m.Put(k, n)
	}
}

func account() *record.Representation {
	return &record.Representation{
		ID: "001A", APIName: "Account", WeakEtag: 2,
		Fields: map[string]record.FieldValue{
			"Name": record.Scalar(ir.String("Acme")),
			"Owner": record.Spanning(&record.Representation{
				ID: "005A", APIName: "User", WeakEtag: 1,
				Fields: map[string]record.FieldValue{"Name": record.Scalar(ir.String("Ada"))},
			}),
		},
	}
}

func TestMemory_PutLookupEvict(t *testing.T) {
	m := NewMemory()
	putRecord(m, account())

	n, ok := m.Lookup(record.Key("001A"))
	require.True(t, ok)
	assert.Equal(t, "Account", n.(*record.RecordNode).APIName)

	m.Evict(record.Key("001A"))
	_, ok = m.Lookup(record.Key("001A"))
	assert.False(t, ok)
	_, ok = m.Lookup(record.FieldKey(record.Key("001A"), "Name"))
	assert.False(t, ok, "field nodes go with the record")
	_, ok = m.Lookup(record.Key("005A"))
	assert.True(t, ok, "referenced records stay")
}

func TestMemory_Redirect(t *testing.T) {
	m := NewMemory()
	putRecord(m, account())

	draftKey := record.Key("001DRAFT0000000001")
	m.Redirect(draftKey, record.Key("001A"))

	assert.Equal(t, record.Key("001A"), m.CanonicalKey(draftKey))
	n, ok := m.Lookup(draftKey)
	require.True(t, ok)
	assert.Equal(t, "001A", n.(*record.RecordNode).ID)
}

func TestMemory_RedirectCycleTerminates(t *testing.T) {
	m := NewMemory()
	m.Redirect("a", "b")
	m.Redirect("b", "a")
	assert.NotPanics(t, func() { m.CanonicalKey("a") })
}

func TestMemory_Broadcast(t *testing.T) {
	m := NewMemory()
	var got [][]string
	unsubscribe := m.Subscribe(func(_ context.Context, changed []string) {
		got = append(got, changed)
	})

	m.Put("k2", &record.FieldNode{Value: ir.Int(1)})
	m.Put("k1", &record.FieldNode{Value: ir.Int(2)})
	m.Broadcast(context.Background())
	m.Broadcast(context.Background())

	require.Len(t, got, 1, "empty change set is not broadcast")
	assert.Equal(t, []string{"k1", "k2"}, got[0])

	unsubscribe()
	m.Put("k3", &record.FieldNode{})
	m.Broadcast(context.Background())
	assert.Len(t, got, 1)
}

func TestLookupRecord_Fulfilled(t *testing.T) {
	m := NewMemory()
	putRecord(m, account())

	snap := m.LookupRecord(record.Key("001A"), fieldtrie.FromPaths("Account", "Name", "Owner.Name"))
	require.Equal(t, Fulfilled, snap.State)
	assert.Equal(t, ir.String("Acme"), snap.Data.Fields["Name"].Value)
	require.NotNil(t, snap.Data.Fields["Owner"].Record)
	assert.Equal(t, ir.String("Ada"), snap.Data.Fields["Owner"].Record.Fields["Name"].Value)
}

func TestLookupRecord_AllFields(t *testing.T) {
	m := NewMemory()
	putRecord(m, account())

	snap := m.LookupRecord(record.Key("001A"), nil)
	require.Equal(t, Fulfilled, snap.State)
	assert.Len(t, snap.Data.Fields, 2)
}

func TestLookupRecord_Unfulfilled(t *testing.T) {
	m := NewMemory()
	putRecord(m, account())

	snap := m.LookupRecord(record.Key("001A"), fieldtrie.FromPaths("Account", "Name", "Phone"))
	assert.Equal(t, Unfulfilled, snap.State)
	assert.Equal(t, []string{"Account.Phone"}, snap.Missing)

	opt := fieldtrie.Union(fieldtrie.FromPaths("Account", "Name"), fieldtrie.FromOptionalPaths("Account", "Phone"))
	assert.Equal(t, Fulfilled, m.LookupRecord(record.Key("001A"), opt).State)

	assert.Equal(t, Unfulfilled, m.LookupRecord(record.Key("nope"), nil).State)
}

func TestLookupRecord_PendingIsUnfulfilled(t *testing.T) {
	m := NewMemory()
	key := record.Key("001A")
	m.Put(key, &record.RecordNode{ID: "001A", APIName: "Account", Fields: map[string]record.FieldLink{
		"Name": {Pending: true},
		"Fax":  {IsMissing: true},
	}})

	snap := m.LookupRecord(key, fieldtrie.FromPaths("Account", "Name"))
	assert.Equal(t, Unfulfilled, snap.State)

	snap = m.LookupRecord(key, fieldtrie.FromPaths("Account", "Fax"))
	assert.Equal(t, Fulfilled, snap.State, "a confirmed-missing field is known")
	_, present := snap.Data.Fields["Fax"]
	assert.False(t, present)
}
