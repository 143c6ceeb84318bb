package build

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWeightsFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frequency_weights.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadWeightsValid(t *testing.T) {
	path := writeWeightsFile(t, `
weights:
  names_postcode_feature: 1.0
  oli_toid_usrn: 3.0
  uprn_usrn: 3.0
  spatial_os_open_roads: 0.5
  osni_gazetteer_direct: 2.0
  spatial_dfi_highway: 0.5
  ppd_parse_matched: 1.5
  ppd_parse_unmatched: 0.25
`)

	weights, err := LoadWeights(path)
	require.NoError(t, err)
	assert.Len(t, weights, len(CandidateTypes))
	assert.Equal(t, 3.0, weights["oli_toid_usrn"])
	assert.Equal(t, 0.25, weights["ppd_parse_unmatched"])
}

func TestLoadWeightsMissingCandidateType(t *testing.T) {
	path := writeWeightsFile(t, `
weights:
  names_postcode_feature: 1.0
  oli_toid_usrn: 3.0
  uprn_usrn: 3.0
  spatial_os_open_roads: 0.5
  osni_gazetteer_direct: 2.0
  spatial_dfi_highway: 0.5
  ppd_parse_matched: 1.5
`)

	_, err := LoadWeights(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing candidate types")
	assert.Contains(t, err.Error(), "ppd_parse_unmatched")
}

func TestLoadWeightsRejectsNonPositive(t *testing.T) {
	path := writeWeightsFile(t, `
weights:
  names_postcode_feature: 1.0
  oli_toid_usrn: 3.0
  uprn_usrn: 0
  spatial_os_open_roads: 0.5
  osni_gazetteer_direct: 2.0
  spatial_dfi_highway: 0.5
  ppd_parse_matched: 1.5
  ppd_parse_unmatched: 0.25
`)

	_, err := LoadWeights(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be > 0")
	assert.Contains(t, err.Error(), "uprn_usrn")
}

func TestLoadWeightsRejectsUnknownCandidateType(t *testing.T) {
	path := writeWeightsFile(t, `
weights:
  names_postcode_feature: 1.0
  oli_toid_usrn: 3.0
  uprn_usrn: 3.0
  spatial_os_open_roads: 0.5
  osni_gazetteer_direct: 2.0
  spatial_dfi_highway: 0.5
  ppd_parse_matched: 1.5
  ppd_parse_unmatched: 0.25
  made_up_type: 9.0
`)

	_, err := LoadWeights(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown candidate types")
	assert.Contains(t, err.Error(), "made_up_type")
}

func TestLoadWeightsMissingWeightsKey(t *testing.T) {
	path := writeWeightsFile(t, "other_key: 1\n")

	_, err := LoadWeights(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must contain object key 'weights'")
}

func TestConfidenceFromRank(t *testing.T) {
	assert.Equal(t, "high", confidenceFromRank(3))
	assert.Equal(t, "high", confidenceFromRank(4))
	assert.Equal(t, "medium", confidenceFromRank(2))
	assert.Equal(t, "low", confidenceFromRank(1))
	assert.Equal(t, "none", confidenceFromRank(0))
	assert.Equal(t, "none", confidenceFromRank(-1))
}

func TestONSPDCountryMapping(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		iso2        string
		iso3        string
		subdivision any
	}{
		{"england", "E92000001", "GB", "GBR", "GB-ENG"},
		{"scotland", "S92000003", "GB", "GBR", "GB-SCT"},
		{"wales", "W92000004", "GB", "GBR", "GB-WLS"},
		{"northern ireland", "N92000002", "GB", "GBR", "GB-NIR"},
		{"lowercase input", "n92000002", "GB", "GBR", "GB-NIR"},
		{"unknown code", "L93000001", "GB", "GBR", nil},
		{"empty", "", "GB", "GBR", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iso2, iso3, subdivision := onspdCountryMapping(tt.input)
			assert.Equal(t, tt.iso2, iso2)
			assert.Equal(t, tt.iso3, iso3)
			assert.Equal(t, tt.subdivision, subdivision)
		})
	}
}

func TestNormaliseONSPDStatus(t *testing.T) {
	assert.Equal(t, "active", normaliseONSPDStatus(""))
	assert.Equal(t, "active", normaliseONSPDStatus("  "))
	assert.Equal(t, "active", normaliseONSPDStatus("Active"))
	assert.Equal(t, "terminated", normaliseONSPDStatus("terminated"))
	assert.Equal(t, "terminated", normaliseONSPDStatus("2019-06"))
}

func TestInferLIDSRelation(t *testing.T) {
	tests := []struct {
		name     string
		label    string
		leftID   string
		rightID  string
		relation string
		left     string
		right    string
	}{
		{"explicit toid_usrn", "toid_usrn", "osgb4000000030480217", "23602729", "toid_usrn", "osgb4000000030480217", "23602729"},
		{"explicit arrow label", "TOID->USRN", "osgb4000000030480217", "23602729", "toid_usrn", "osgb4000000030480217", "23602729"},
		{"explicit uprn_usrn", "uprn_usrn", "100023336956", "23602729", "uprn_usrn", "100023336956", "23602729"},
		{"toid inferred from prefix", "", "osgb4000000030480217", "23602729", "toid_usrn", "osgb4000000030480217", "23602729"},
		{"toid on the right gets swapped", "", "23602729", "OSGB4000000030480217", "toid_usrn", "OSGB4000000030480217", "23602729"},
		{"long uprn left short usrn right", "", "100023336956", "23602729", "uprn_usrn", "100023336956", "23602729"},
		{"long uprn right gets swapped", "", "23602729", "100023336956", "uprn_usrn", "100023336956", "23602729"},
		{"both short digits keeps order", "", "1234567", "7654321", "uprn_usrn", "1234567", "7654321"},
		{"unclassifiable", "", "abc", "def", "", "abc", "def"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relation, left, right := inferLIDSRelation(tt.label, tt.leftID, tt.rightID)
			assert.Equal(t, tt.relation, relation)
			assert.Equal(t, tt.left, left)
			assert.Equal(t, tt.right, right)
		})
	}
}

func TestParseIntStrictOnStrings(t *testing.T) {
	v, ok := parseInt("23602729")
	require.True(t, ok)
	assert.Equal(t, int64(23602729), v)

	v, ok = parseInt(" 42 ")
	require.True(t, ok)
	assert.Equal(t, int64(42), v)

	_, ok = parseInt("42.0")
	assert.False(t, ok)

	_, ok = parseInt("")
	assert.False(t, ok)

	_, ok = parseInt(nil)
	assert.False(t, ok)
}

func TestParseIntTruncatesJSONNumbers(t *testing.T) {
	v, ok := parseInt(json.Number("23602729"))
	require.True(t, ok)
	assert.Equal(t, int64(23602729), v)

	v, ok = parseInt(json.Number("42.9"))
	require.True(t, ok)
	assert.Equal(t, int64(42), v)
}

func TestParseFloatTruncate(t *testing.T) {
	v, ok := parseFloatTruncate("531628.0")
	require.True(t, ok)
	assert.Equal(t, int64(531628), v)

	v, ok = parseFloatTruncate("-1.9")
	require.True(t, ok)
	assert.Equal(t, int64(-1), v)

	_, ok = parseFloatTruncate("not a number")
	assert.False(t, ok)
}

func TestTrimmedHelpers(t *testing.T) {
	assert.Nil(t, trimmedOrNil(nil))
	assert.Nil(t, trimmedOrNil(""))
	assert.Equal(t, "High Street", trimmedOrNil("  High Street "))
	assert.Equal(t, "LONDON", upperTrimmedOrNil(" London "))
}

func TestPassOrderCoversAllPasses(t *testing.T) {
	require.Len(t, PassOrder, 10)
	assert.Equal(t, "0a_raw_ingest", PassOrder[0])
	assert.Equal(t, "8_finalisation", PassOrder[len(PassOrder)-1])
}
