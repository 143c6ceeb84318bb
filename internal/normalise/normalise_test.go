package normalise

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostcodeNorm(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lower with space", "aa1 1aa", "AA11AA"},
		{"already canonical", "BT11AA", "BT11AA"},
		{"punctuation stripped", "sw1a-2aa", "SW1A2AA"},
		{"only junk", " -!  ", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PostcodeNorm(tt.input))
		})
	}
}

func TestPostcodeDisplay(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"standard", "aa11aa", "AA1 1AA"},
		{"already spaced", "AA1 1AA", "AA1 1AA"},
		{"short codes keep shape", "W1A", "W1A"},
		{"long outward", "EC1A1BB", "EC1A 1BB"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PostcodeDisplay(tt.input))
		})
	}
}

func TestStreetCasefold(t *testing.T) {
	n := New(Config{
		AliasMap:         map[string]string{"st": "street", "Rd": "ROAD"},
		StripPunctuation: DefaultStripPunctuation,
	})

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"whitespace collapse", "  main   st ", "MAIN STREET"},
		{"punctuation strip", "ST. JOHN'S RD", "STREET JOHNS ROAD"},
		{"hyphen deleted in place", "Barrow-in-Furness Road", "BARROWINFURNESS ROAD"},
		{"alias only on whole tokens", "STREATHAM HIGH RD", "STREATHAM HIGH ROAD"},
		{"reduces to nothing", " .,- ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.StreetCasefold(tt.input))
		})
	}
}

func TestStreetCasefoldNoConfig(t *testing.T) {
	n := New(DefaultConfig())
	require.Equal(t, "HIGH STREET", n.StreetCasefold("High Street"))
	// Without aliases the token survives untouched.
	require.Equal(t, "HIGH ST", n.StreetCasefold("High St."))
}
