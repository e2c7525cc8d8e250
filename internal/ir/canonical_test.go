package ir

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    Value
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"int", Int(-100), "-100"},
		{"integral float", Float(3), "3"},
		{"fraction", Float(12.5), "12.5"},
		{"large float", Float(1e22), "1e+22"},
		{"null", Null{}, "null"},
		{"nil", nil, "null"},
		{"bool", Bool(true), "true"},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"sorted keys", Object{"zebra": Int(1), "alpha": Int(2)}, `{"alpha":2,"zebra":1}`},
		{"nested", Object{"z": Object{"b": Int(1), "a": Int(2)}, "a": Array{Bool(false)}}, `{"a":[false],"z":{"a":2,"b":1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	out, err := MarshalCanonical(String("<a & b>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(out))
}

func TestMarshalCanonical_LineSeparatorsUnescaped(t *testing.T) {
	out, err := MarshalCanonical(String("a\u2028b"))
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(out))

	// A literal backslash followed by the text u2028 must stay escaped.
	out, err = MarshalCanonical(String(`a\u2028b`))
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028b"`, string(out))
}

func TestMarshalCanonical_NFC(t *testing.T) {
	out, err := MarshalCanonical(String("e\u0301"))
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(out))
}

func TestMarshalCanonical_RejectsNonFinite(t *testing.T) {
	_, err := MarshalCanonical(Object{"x": Float(math.Inf(1))})
	require.Error(t, err)
}

func TestETag_StableAcrossKeyOrder(t *testing.T) {
	a := Object{"Name": String("Acme"), "Industry": String("Energy")}
	b := Object{"Industry": String("Energy"), "Name": String("Acme")}

	assert.Equal(t, MustETag(a), MustETag(b))
	assert.Len(t, MustETag(a), 64)
	assert.NotEqual(t, MustETag(a), MustETag(Object{"Name": String("Acme")}))
}

func TestRequestHash_DistinguishesPath(t *testing.T) {
	body := Object{"fields": Object{"Name": String("x")}}
	h1, err := RequestHash("PATCH", "/ui-api/records/001", body)
	require.NoError(t, err)
	h2, err := RequestHash("PATCH", "/ui-api/records/002", body)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
