package build

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCanonicalRowBasicTypes(t *testing.T) {
	encoded, err := encodeCanonicalRow([]any{
		"AB1 2CD", "HIGH STREET", int64(23602729), "high", "3.0000", "0.7500",
	})
	require.NoError(t, err)
	assert.Equal(t,
		`["AB1 2CD","HIGH STREET",23602729,"high","3.0000","0.7500"]`,
		string(encoded))
}

func TestEncodeCanonicalRowNullAndBool(t *testing.T) {
	encoded, err := encodeCanonicalRow([]any{nil, true, false, int64(0)})
	require.NoError(t, err)
	assert.Equal(t, `[null,true,false,0]`, string(encoded))
}

func TestEncodeCanonicalRowEscapesNonASCII(t *testing.T) {
	encoded, err := encodeCanonicalRow([]any{"Caffè Strëet"})
	require.NoError(t, err)
	assert.Equal(t, `["Caff\u00e8 Str\u00ebet"]`, string(encoded))
}

func TestEncodeCanonicalRowSurrogatePairs(t *testing.T) {
	encoded, err := encodeCanonicalRow([]any{"\U0001F600"})
	require.NoError(t, err)
	assert.Equal(t, `["\ud83d\ude00"]`, string(encoded))
}

func TestEncodeCanonicalRowControlCharacters(t *testing.T) {
	encoded, err := encodeCanonicalRow([]any{"a\tb\nc\"d\\e\x01f"})
	require.NoError(t, err)
	assert.Equal(t, `["a\tb\nc\"d\\e\u0001f"]`, string(encoded))
}

func TestEncodeCanonicalRowEscapesDelete(t *testing.T) {
	encoded, err := encodeCanonicalRow([]any{"a\x7fb"})
	require.NoError(t, err)
	assert.Equal(t, `["a\u007fb"]`, string(encoded))
}

func TestEncodeCanonicalRowRejectsUnknownTypes(t *testing.T) {
	_, err := encodeCanonicalRow([]any{3.14})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported canonical value type")
}

func TestEncodeCanonicalRowEmpty(t *testing.T) {
	encoded, err := encodeCanonicalRow(nil)
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(encoded))
}
