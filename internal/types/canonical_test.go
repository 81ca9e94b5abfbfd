package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int64", int64(-100), "-100"},
		{"bool", true, "true"},
		{"empty array", []any{}, "[]"},
		{"string slice", []string{"b", "a"}, `["b","a"]`},
		{"empty object", map[string]any{}, "{}"},
		{"html not escaped", "<a&b>", `"<a&b>"`},
		{"control escaped", "a\nb", `"a\nb"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortsKeysByUTF16(t *testing.T) {
	obj := map[string]any{
		"zebra":      1,
		"alpha":      2,
		"\uffff":     3,
		"\U0001F600": 4,
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	// The emoji encodes as a surrogate pair starting 0xD83D, which sorts
	// before 0xFFFF even though its UTF-8 bytes sort after.
	assert.Equal(t, "{\"alpha\":2,\"zebra\":1,\"\U0001F600\":4,\"\uffff\":3}", string(result))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	decomposed, err := MarshalCanonical("cafe\u0301")
	require.NoError(t, err)
	composed, err := MarshalCanonical("caf\u00e9")
	require.NoError(t, err)
	assert.Equal(t, string(composed), string(decomposed))
	assert.Equal(t, "\"caf\u00e9\"", string(decomposed))
}

func TestMarshalCanonicalLineSeparators(t *testing.T) {
	result, err := MarshalCanonical("a\u2028b\u2029c")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(result))

	// A literal backslash followed by the text u2028 stays escaped.
	result, err = MarshalCanonical(`a\u2028b`)
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028b"`, string(result))
}

func TestMarshalCanonicalRejects(t *testing.T) {
	_, err := MarshalCanonical(1.5)
	assert.Error(t, err)

	_, err = MarshalCanonical(map[string]any{"a": nil})
	assert.Error(t, err)

	_, err = MarshalCanonical(struct{}{})
	assert.Error(t, err)
}

func TestPayloadCanonicalOmitsZeroFields(t *testing.T) {
	p := Payload{Kind: UpdateReprioritize, Priority: IntPtr(0)}
	data, err := p.Canonical()
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"reprioritize","priority":0}`, string(data))

	decoded, err := DecodePayload(data)
	require.NoError(t, err)
	require.NotNil(t, decoded.Priority)
	assert.Equal(t, 0, *decoded.Priority)
	assert.Equal(t, UpdateReprioritize, decoded.Kind)
}
