package ingest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectRows(t *testing.T, path, format, layerName string) []map[string]any {
	t.Helper()
	var rows []map[string]any
	err := readRows(path, format, layerName, func(row map[string]any) error {
		rows = append(rows, row)
		return nil
	})
	require.NoError(t, err)
	return rows
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadRowsCSV(t *testing.T) {
	path := writeFile(t, "data.csv", "pcds,lat\nAA1 1AA,51.5\nBB2 2BB,\n")
	rows := collectRows(t, path, "csv", "")
	require.Len(t, rows, 2)
	assert.Equal(t, "AA1 1AA", rows[0]["pcds"])
	assert.Equal(t, "51.5", rows[0]["lat"])
	assert.Equal(t, "", rows[1]["lat"])
}

func TestReadRowsCSVStripsBOM(t *testing.T) {
	path := writeFile(t, "bom.csv", "\ufeffpcds\nAA1 1AA\n")
	rows := collectRows(t, path, "csv", "")
	require.Len(t, rows, 1)
	assert.Equal(t, "AA1 1AA", rows[0]["pcds"])
}

func TestReadRowsCSVMissingHeader(t *testing.T) {
	path := writeFile(t, "empty.csv", "")
	err := readRows(path, "csv", "", func(map[string]any) error { return nil })
	require.ErrorContains(t, err, "missing header row")
}

func TestReadRowsGeoJSON(t *testing.T) {
	payload := map[string]any{
		"type": "FeatureCollection",
		"features": []any{
			map[string]any{
				"type":       "Feature",
				"properties": map[string]any{"usrn": json.Number("12345"), "name1": "HIGH STREET"},
				"geometry":   map[string]any{"type": "Point", "coordinates": []any{0.1, 51.5}},
			},
		},
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	path := writeFile(t, "features.geojson", string(data))

	rows := collectRows(t, path, "geojson", "")
	require.Len(t, rows, 1)
	assert.Equal(t, "HIGH STREET", rows[0]["name1"])
	assert.NotNil(t, rows[0]["__geometry"])
}

func TestReadRowsJSONArray(t *testing.T) {
	path := writeFile(t, "rows.json", `[{"a":1},{"b":2},"skipped"]`)
	rows := collectRows(t, path, "json_array", "")
	require.Len(t, rows, 2)
	assert.Equal(t, json.Number("1"), rows[0]["a"])
}

func TestReadRowsUnsupportedFormat(t *testing.T) {
	path := writeFile(t, "data.bin", "xx")
	err := readRows(path, "parquet", "", func(map[string]any) error { return nil })
	require.ErrorContains(t, err, "unsupported file format 'parquet'")
}

func TestReadRowsGeoPackageRequiresLayer(t *testing.T) {
	path := writeFile(t, "data.gpkg", "")
	err := readRows(path, "gpkg", "", func(map[string]any) error { return nil })
	require.ErrorContains(t, err, "must set layer_name")
}
