package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, payload map[string]any) string {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func sourcePayload(t *testing.T) map[string]any {
	t.Helper()
	dataFile := filepath.Join(t.TempDir(), "onspd.csv")
	require.NoError(t, os.WriteFile(dataFile, []byte("pcds\nAA1 1AA\n"), 0o644))
	return map[string]any{
		"source_name":        "onspd",
		"source_version":     "2025-05",
		"retrieved_at_utc":   "2025-05-01T12:00:00Z",
		"processing_git_sha": strings.Repeat("a", 40),
		"files": []any{
			map[string]any{
				"file_role":  "data",
				"file_path":  dataFile,
				"sha256":     strings.Repeat("A", 64),
				"size_bytes": 14,
				"format":     "csv",
			},
		},
	}
}

func TestLoadSourceManifest(t *testing.T) {
	payload := sourcePayload(t)
	m, err := LoadSourceManifest(writeManifest(t, payload))
	require.NoError(t, err)

	assert.Equal(t, "onspd", m.SourceName)
	assert.Equal(t, "2025-05", m.SourceVersion)
	assert.Equal(t, time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC), m.RetrievedAtUTC)
	require.Len(t, m.Files, 1)
	// Stored lower-cased regardless of input case.
	assert.Equal(t, strings.Repeat("a", 64), m.Files[0].SHA256)
	assert.Equal(t, int64(14), m.Files[0].SizeBytes)
	assert.Nil(t, m.Files[0].RowCountExpected)
}

func TestLoadSourceManifestRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(map[string]any)
		wantErr string
	}{
		{
			"unknown source", func(p map[string]any) { p["source_name"] = "dvla" },
			"invalid source_name",
		},
		{
			"naive datetime", func(p map[string]any) { p["retrieved_at_utc"] = "2025-05-01T12:00:00" },
			"must be ISO8601 datetime",
		},
		{
			"short git sha", func(p map[string]any) { p["processing_git_sha"] = "abc123" },
			"processing_git_sha",
		},
		{
			"empty files", func(p map[string]any) { p["files"] = []any{} },
			"files must be a non-empty array",
		},
		{
			"bad sha256", func(p map[string]any) {
				p["files"].([]any)[0].(map[string]any)["sha256"] = "zz"
			},
			"sha256 must be 64 hex chars",
		},
		{
			"missing file", func(p map[string]any) {
				p["files"].([]any)[0].(map[string]any)["file_path"] = "/nonexistent/file.csv"
			},
			"file_path does not exist",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := sourcePayload(t)
			tt.mutate(payload)
			_, err := LoadSourceManifest(writeManifest(t, payload))
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func bundlePayload() map[string]any {
	return map[string]any{
		"build_profile": "gb_core",
		"source_runs": map[string]any{
			"onspd":         "11111111-1111-1111-1111-111111111111",
			"os_open_usrn":  "22222222-2222-2222-2222-222222222222",
			"os_open_names": "33333333-3333-3333-3333-333333333333",
			"os_open_roads": "44444444-4444-4444-4444-444444444444",
			"os_open_uprn":  "55555555-5555-5555-5555-555555555555",
			"os_open_lids":  "66666666-6666-6666-6666-666666666666",
			"nsul":          "77777777-7777-7777-7777-777777777777",
		},
	}
}

func TestLoadBundleManifest(t *testing.T) {
	m, err := LoadBundleManifest(writeManifest(t, bundlePayload()))
	require.NoError(t, err)
	assert.Equal(t, "gb_core", m.BuildProfile)
	assert.Equal(t, []string{"11111111-1111-1111-1111-111111111111"}, m.SourceRuns["onspd"])
}

func TestLoadBundleManifestListRuns(t *testing.T) {
	payload := bundlePayload()
	payload["build_profile"] = "gb_core_ppd"
	payload["source_runs"].(map[string]any)["ppd"] = []any{
		"88888888-8888-8888-8888-888888888888",
		"99999999-9999-9999-9999-999999999999",
	}
	m, err := LoadBundleManifest(writeManifest(t, payload))
	require.NoError(t, err)
	assert.Len(t, m.SourceRuns["ppd"], 2)
}

func TestLoadBundleManifestRejections(t *testing.T) {
	t.Run("unknown profile", func(t *testing.T) {
		payload := bundlePayload()
		payload["build_profile"] = "everything"
		_, err := LoadBundleManifest(writeManifest(t, payload))
		require.ErrorContains(t, err, "invalid build_profile")
	})

	t.Run("missing required source", func(t *testing.T) {
		payload := bundlePayload()
		delete(payload["source_runs"].(map[string]any), "nsul")
		_, err := LoadBundleManifest(writeManifest(t, payload))
		require.ErrorContains(t, err, "Bundle manifest missing required sources for profile gb_core: nsul")
	})

	t.Run("bad run uuid", func(t *testing.T) {
		payload := bundlePayload()
		payload["source_runs"].(map[string]any)["onspd"] = "not-a-uuid"
		_, err := LoadBundleManifest(writeManifest(t, payload))
		require.ErrorContains(t, err, "invalid ingest run UUID for onspd")
	})

	t.Run("unknown source slot", func(t *testing.T) {
		payload := bundlePayload()
		payload["source_runs"].(map[string]any)["dvla"] = "11111111-1111-1111-1111-111111111111"
		_, err := LoadBundleManifest(writeManifest(t, payload))
		require.ErrorContains(t, err, "unknown source in source_runs: dvla")
	})
}
