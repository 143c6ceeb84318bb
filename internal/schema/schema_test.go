package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{Sources: map[string]Source{
		"os_open_lids": {
			FieldMap:       map[string]string{"id_1": "IDENTIFIER_1", "id_2": "IDENTIFIER_2"},
			RequiredFields: []string{"id_1", "id_2"},
		},
		"onspd": {
			FieldMap:       map[string]string{"postcode": "pcds", "lat": "lat", "lon": "long"},
			RequiredFields: []string{"postcode"},
		},
	}}
}

func TestNewBinderValidation(t *testing.T) {
	cfg := testConfig()

	_, err := cfg.NewBinder("onspd")
	require.NoError(t, err)

	_, err = cfg.NewBinder("no_such_source")
	require.ErrorContains(t, err, "missing source block")

	bad := Config{Sources: map[string]Source{
		"onspd": {
			FieldMap:       map[string]string{"lat": "lat"},
			RequiredFields: []string{"postcode"},
		},
	}}
	_, err = bad.NewBinder("onspd")
	require.ErrorContains(t, err, "required field 'postcode' missing from field_map")
}

func TestValueResolution(t *testing.T) {
	cfg := testConfig()
	b, err := cfg.NewBinder("onspd")
	require.NoError(t, err)

	// Mapped name wins.
	row := map[string]any{"pcds": "AA1 1AA", "postcode": "ZZ9 9ZZ"}
	assert.Equal(t, "AA1 1AA", b.Value(row, "postcode"))

	// Falls back to the logical name, then case variants.
	assert.Equal(t, "BB2 2BB", b.Value(map[string]any{"postcode": "BB2 2BB"}, "postcode"))
	assert.Equal(t, "CC3 3CC", b.Value(map[string]any{"POSTCODE": "CC3 3CC"}, "postcode"))
	assert.Nil(t, b.Value(map[string]any{"other": 1}, "postcode"))
}

func TestLegacyIdentifierAliases(t *testing.T) {
	cfg := testConfig()
	b, err := cfg.NewBinder("os_open_lids")
	require.NoError(t, err)

	// All three historical conventions resolve.
	assert.Equal(t, "osgb1", b.Value(map[string]any{"IDENTIFIER_1": "osgb1"}, "id_1"))
	assert.Equal(t, "osgb2", b.Value(map[string]any{"id_1": "osgb2"}, "id_1"))
	assert.Equal(t, "osgb3", b.Value(map[string]any{"left_id": "osgb3"}, "id_1"))
	assert.Equal(t, "u1", b.Value(map[string]any{"RIGHT_ID": "u1"}, "id_2"))
}

func TestAssertRequired(t *testing.T) {
	cfg := testConfig()
	b, err := cfg.NewBinder("os_open_lids")
	require.NoError(t, err)

	require.NoError(t, b.AssertRequired(map[string]any{"left_id": "a", "right_id": "b"}))

	err = b.AssertRequired(map[string]any{"left_id": "a"})
	require.ErrorContains(t, err, "Schema mapping unresolved for os_open_lids")
	require.ErrorContains(t, err, "id_2")
}
