package ingest

import (
	"database/sql"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// emitFunc receives one decoded source row at a time.
type emitFunc func(row map[string]any) error

func readRowsCSV(path string, emit emitFunc) error {
	handle, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open csv %s: %w", path, err)
	}
	defer handle.Close()

	reader := csv.NewReader(handle)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("CSV file is missing header row: %s", path)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read csv %s: %w", path, err)
		}
		row := make(map[string]any, len(header))
		for i, name := range header {
			if i < len(record) {
				row[name] = record[i]
			} else {
				row[name] = nil
			}
		}
		if err := emit(row); err != nil {
			return err
		}
	}
}

func decodeJSONFile(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in %s: %w", path, err)
	}
	return payload, nil
}

func readRowsGeoJSON(path string, emit emitFunc) error {
	payload, err := decodeJSONFile(path)
	if err != nil {
		return err
	}
	root, ok := payload.(map[string]any)
	if !ok {
		return fmt.Errorf("GeoJSON root must be object: %s", path)
	}
	features, ok := root["features"].([]any)
	if !ok {
		return fmt.Errorf("GeoJSON features missing or invalid: %s", path)
	}

	for _, raw := range features {
		feature, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		row := map[string]any{}
		if props, ok := feature["properties"].(map[string]any); ok {
			for key, value := range props {
				row[key] = value
			}
		}
		row["__geometry"] = feature["geometry"]
		if err := emit(row); err != nil {
			return err
		}
	}
	return nil
}

func readRowsJSONArray(path string, emit emitFunc) error {
	payload, err := decodeJSONFile(path)
	if err != nil {
		return err
	}
	switch value := payload.(type) {
	case []any:
		for _, item := range value {
			row, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if err := emit(row); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		return emit(value)
	default:
		return fmt.Errorf("unsupported JSON payload shape: %s", path)
	}
}

func readRowsGeoPackage(path, layerName string, emit emitFunc) error {
	if layerName == "" {
		return fmt.Errorf("GeoPackage manifest must set layer_name: %s", path)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open geopackage %s: %w", path, err)
	}
	defer db.Close()

	var exists int
	err = db.QueryRow(`
		SELECT 1
		FROM sqlite_master
		WHERE type IN ('table', 'view')
		  AND name = ?
		LIMIT 1
	`, layerName).Scan(&exists)
	if err == sql.ErrNoRows {
		return fmt.Errorf("GeoPackage layer '%s' not found in %s", layerName, path)
	}
	if err != nil {
		return fmt.Errorf("inspect geopackage %s: %w", path, err)
	}

	quotedLayer := `"` + strings.ReplaceAll(layerName, `"`, `""`) + `"`
	rows, err := db.Query("SELECT * FROM " + quotedLayer)
	if err != nil {
		return fmt.Errorf("read geopackage layer %s: %w", layerName, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("read geopackage columns: %w", err)
	}

	values := make([]any, len(columns))
	scanTargets := make([]any, len(columns))
	for i := range values {
		scanTargets[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(scanTargets...); err != nil {
			return fmt.Errorf("scan geopackage row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, name := range columns {
			value := values[i]
			// Binary columns stay JSON-safe while preserving source bytes.
			if blob, ok := value.([]byte); ok {
				value = hex.EncodeToString(blob)
			}
			row[name] = value
		}
		if err := emit(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

func readRows(filePath, format, layerName string, emit emitFunc) error {
	switch strings.ToLower(format) {
	case "csv":
		return readRowsCSV(filePath, emit)
	case "geojson", "json":
		return readRowsGeoJSON(filePath, emit)
	case "json_array":
		return readRowsJSONArray(filePath, emit)
	case "gpkg", "geopackage":
		return readRowsGeoPackage(filePath, layerName, emit)
	default:
		return fmt.Errorf("unsupported file format '%s' for %s", format, filePath)
	}
}
