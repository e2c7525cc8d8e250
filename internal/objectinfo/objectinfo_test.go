package objectinfo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recordcache/internal/ir"
)

func TestBuiltin(t *testing.T) {
	r, err := Builtin()
	require.NoError(t, err)

	prefix, ok := r.PrefixFor("Account")
	require.True(t, ok)
	assert.Equal(t, "001", prefix)

	name, ok := r.APIName("003000000000000001")
	require.True(t, ok)
	assert.Equal(t, "Contact", name)

	_, ok = r.APIName("zz")
	assert.False(t, ok)

	defaults := r.Defaults("Opportunity")
	assert.True(t, ir.Equal(ir.String("Prospecting"), defaults["StageName"]))
	assert.True(t, ir.IsNull(defaults["Amount"]))
	assert.Nil(t, r.Defaults("User"))

	assert.Equal(t, []string{"Account", "Contact", "Opportunity", "User"}, r.APINames())
}

func TestParse_RejectsBadPrefix(t *testing.T) {
	_, err := Parse("bad.cue", []byte(`objects: Account: keyPrefix: "0001"`))
	require.Error(t, err)
	var loadErr *LoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestParse_RejectsDuplicatePrefix(t *testing.T) {
	_, err := Parse("dup.cue", []byte(`
objects: {
	Account: keyPrefix: "001"
	Lead: keyPrefix:    "001"
}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "objects.cue")
	require.NoError(t, os.WriteFile(path, []byte(`
objects: Case: {
	keyPrefix: "500"
	fields: Priority: default: "Medium"
}`), 0o644))

	r, err := Load(path)
	require.NoError(t, err)
	prefix, ok := r.PrefixFor("Case")
	require.True(t, ok)
	assert.Equal(t, "500", prefix)
	assert.True(t, ir.Equal(ir.String("Medium"), r.Defaults("Case")["Priority"]))
}

func TestNewDraftID(t *testing.T) {
	r, err := Builtin()
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id, err := r.NewDraftID("Account")
		require.NoError(t, err)
		assert.Len(t, id, DraftIDLength)
		assert.Equal(t, "001DRAFT", id[:8])
		assert.True(t, r.IsDraftID(id))
		assert.False(t, seen[id], "duplicate draft id %s", id)
		seen[id] = true

		name, ok := r.APIName(id)
		require.True(t, ok)
		assert.Equal(t, "Account", name)
	}

	_, err = r.NewDraftID("Nope")
	assert.Error(t, err)
}

func TestIsDraftID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"001DRAFT0000000001", true},
		{"001000000000000001", false},
		{"001DRAFT01", false},
		{"001draft0000000001", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, hasDraftShape(tt.id))
		})
	}

	r, err := Builtin()
	require.NoError(t, err)
	assert.False(t, r.IsDraftID("999DRAFT0000000001"), "unregistered prefix")
}
