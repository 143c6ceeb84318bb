package bundle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashDeterministic(t *testing.T) {
	runs := map[string][]string{
		"onspd": {"11111111-1111-1111-1111-111111111111"},
		"ppd": {
			"99999999-9999-9999-9999-999999999999",
			"88888888-8888-8888-8888-888888888888",
		},
	}
	first := Hash("gb_core_ppd", runs)
	require.Len(t, first, 64)

	// Run id order inside a slot must not change the hash.
	reordered := map[string][]string{
		"ppd": {
			"88888888-8888-8888-8888-888888888888",
			"99999999-9999-9999-9999-999999999999",
		},
		"onspd": {"11111111-1111-1111-1111-111111111111"},
	}
	assert.Equal(t, first, Hash("gb_core_ppd", reordered))
}

func TestHashSensitivity(t *testing.T) {
	runs := map[string][]string{"onspd": {"11111111-1111-1111-1111-111111111111"}}
	base := Hash("gb_core", runs)

	assert.NotEqual(t, base, Hash("gb_core_ppd", runs))
	assert.NotEqual(t, base, Hash("gb_core", map[string][]string{
		"onspd": {"22222222-2222-2222-2222-222222222222"},
	}))
}

func TestDatasetVersion(t *testing.T) {
	hash := Hash("gb_core", map[string][]string{"onspd": {"11111111-1111-1111-1111-111111111111"}})
	version := DatasetVersion(hash)
	assert.Equal(t, "v3_"+hash[:12], version)
	assert.Len(t, version, 15)
}

func TestSafeVersionSuffix(t *testing.T) {
	assert.Equal(t, "v3_abcdef123456", SafeVersionSuffix("v3_abcdef123456"))
	assert.Equal(t, "v3_abc_def", SafeVersionSuffix("v3-abc.def"))
	assert.Equal(t, "v3", SafeVersionSuffix(""))
}
