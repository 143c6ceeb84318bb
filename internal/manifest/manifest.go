// Package manifest parses and validates the JSON manifests that drive source
// ingestion and bundle creation: which datasets were retrieved, the files
// that carry them, and which ingest runs a build bundle freezes together.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SourceNames enumerates every dataset the pipeline knows how to ingest.
var SourceNames = map[string]struct{}{
	"onspd":          {},
	"os_open_usrn":   {},
	"os_open_names":  {},
	"os_open_roads":  {},
	"os_open_uprn":   {},
	"os_open_lids":   {},
	"nsul":           {},
	"osni_gazetteer": {},
	"dfi_highway":    {},
	"ppd":            {},
}

// BuildProfiles maps each profile to the set of sources it requires.
var BuildProfiles = map[string]map[string]struct{}{
	"gb_core": {
		"onspd":         {},
		"os_open_usrn":  {},
		"os_open_names": {},
		"os_open_roads": {},
		"os_open_uprn":  {},
		"os_open_lids":  {},
		"nsul":          {},
	},
	"gb_core_ppd": {
		"onspd":         {},
		"os_open_usrn":  {},
		"os_open_names": {},
		"os_open_roads": {},
		"os_open_uprn":  {},
		"os_open_lids":  {},
		"nsul":          {},
		"ppd":           {},
	},
	"core_ni": {
		"onspd":          {},
		"os_open_usrn":   {},
		"os_open_names":  {},
		"os_open_roads":  {},
		"os_open_uprn":   {},
		"os_open_lids":   {},
		"nsul":           {},
		"osni_gazetteer": {},
		"dfi_highway":    {},
	},
}

var (
	sha256RE = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
	gitShaRE = regexp.MustCompile(`^[0-9a-f]{40}$`)
)

// SourceFile describes one file listed by a source ingest manifest.
type SourceFile struct {
	FileRole         string
	FilePath         string
	SHA256           string
	SizeBytes        int64
	Format           string
	LayerName        string
	RowCountExpected *int64
}

// SourceManifest is a validated source ingest manifest.
type SourceManifest struct {
	SourceName       string
	SourceVersion    string
	RetrievedAtUTC   time.Time
	SourceURL        string
	ProcessingGitSHA string
	Notes            string
	Files            []SourceFile
	Raw              json.RawMessage
}

// BundleManifest is a validated build bundle manifest.
type BundleManifest struct {
	BuildProfile string
	SourceRuns   map[string][]string
	Raw          json.RawMessage
}

func loadObject(path string) (map[string]any, json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var payload map[string]any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, nil, fmt.Errorf("invalid JSON manifest: %s", path)
	}
	return payload, json.RawMessage(data), nil
}

func requireString(payload map[string]any, key string) (string, error) {
	value, ok := payload[key].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("manifest field '%s' must be a non-empty string", key)
	}
	return strings.TrimSpace(value), nil
}

func optionalString(payload map[string]any, key string) (string, error) {
	raw, present := payload[key]
	if !present || raw == nil {
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("manifest field '%s' must be a string when present", key)
	}
	return strings.TrimSpace(value), nil
}

func intField(raw any) (int64, bool) {
	num, ok := raw.(json.Number)
	if !ok {
		return 0, false
	}
	value, err := num.Int64()
	if err != nil {
		return 0, false
	}
	return value, true
}

func parseUTCDatetime(value, fieldName string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("manifest field '%s' must be ISO8601 datetime with timezone", fieldName)
	}
	return parsed.UTC(), nil
}

func expandPath(value string) string {
	if strings.HasPrefix(value, "~"+string(os.PathSeparator)) {
		if home, err := os.UserHomeDir(); err == nil {
			value = filepath.Join(home, value[2:])
		}
	}
	abs, err := filepath.Abs(value)
	if err != nil {
		return value
	}
	return abs
}

func parseFileEntry(raw any) (SourceFile, error) {
	entry, ok := raw.(map[string]any)
	if !ok {
		return SourceFile{}, fmt.Errorf("each files[] entry must be an object")
	}

	fileRole, err := requireString(entry, "file_role")
	if err != nil {
		return SourceFile{}, err
	}
	filePathValue, err := requireString(entry, "file_path")
	if err != nil {
		return SourceFile{}, err
	}
	filePath := expandPath(filePathValue)
	info, err := os.Stat(filePath)
	if err != nil || info.IsDir() {
		return SourceFile{}, fmt.Errorf("manifest file_path does not exist: %s", filePath)
	}

	sha, err := requireString(entry, "sha256")
	if err != nil {
		return SourceFile{}, err
	}
	if !sha256RE.MatchString(sha) {
		return SourceFile{}, fmt.Errorf("files[].sha256 must be 64 hex chars")
	}

	sizeBytes, ok := intField(entry["size_bytes"])
	if !ok || sizeBytes < 0 {
		return SourceFile{}, fmt.Errorf("files[].size_bytes must be an integer >= 0")
	}

	format, err := requireString(entry, "format")
	if err != nil {
		return SourceFile{}, err
	}
	layerName, err := optionalString(entry, "layer_name")
	if err != nil {
		return SourceFile{}, err
	}

	var rowCountExpected *int64
	if raw, present := entry["row_count_expected"]; present && raw != nil {
		count, ok := intField(raw)
		if !ok || count < 0 {
			return SourceFile{}, fmt.Errorf("files[].row_count_expected must be integer >= 0 when present")
		}
		rowCountExpected = &count
	}

	return SourceFile{
		FileRole:         fileRole,
		FilePath:         filePath,
		SHA256:           strings.ToLower(sha),
		SizeBytes:        sizeBytes,
		Format:           format,
		LayerName:        layerName,
		RowCountExpected: rowCountExpected,
	}, nil
}

// LoadSourceManifest parses and validates a source ingest manifest file.
func LoadSourceManifest(path string) (*SourceManifest, error) {
	payload, raw, err := loadObject(path)
	if err != nil {
		return nil, err
	}

	sourceName, err := requireString(payload, "source_name")
	if err != nil {
		return nil, err
	}
	if _, ok := SourceNames[sourceName]; !ok {
		return nil, fmt.Errorf("invalid source_name '%s'", sourceName)
	}

	sourceVersion, err := requireString(payload, "source_version")
	if err != nil {
		return nil, err
	}
	retrievedRaw, err := requireString(payload, "retrieved_at_utc")
	if err != nil {
		return nil, err
	}
	retrievedAt, err := parseUTCDatetime(retrievedRaw, "retrieved_at_utc")
	if err != nil {
		return nil, err
	}

	sourceURL, err := optionalString(payload, "source_url")
	if err != nil {
		return nil, err
	}
	gitSHA, err := requireString(payload, "processing_git_sha")
	if err != nil {
		return nil, err
	}
	if !gitShaRE.MatchString(gitSHA) {
		return nil, fmt.Errorf("processing_git_sha must be 40 lowercase hex chars")
	}
	notes, err := optionalString(payload, "notes")
	if err != nil {
		return nil, err
	}

	filesRaw, ok := payload["files"].([]any)
	if !ok || len(filesRaw) == 0 {
		return nil, fmt.Errorf("manifest files must be a non-empty array")
	}
	files := make([]SourceFile, 0, len(filesRaw))
	for _, entry := range filesRaw {
		file, err := parseFileEntry(entry)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}

	return &SourceManifest{
		SourceName:       sourceName,
		SourceVersion:    sourceVersion,
		RetrievedAtUTC:   retrievedAt,
		SourceURL:        sourceURL,
		ProcessingGitSHA: gitSHA,
		Notes:            notes,
		Files:            files,
		Raw:              raw,
	}, nil
}

// LoadBundleManifest parses and validates a build bundle manifest file.
func LoadBundleManifest(path string) (*BundleManifest, error) {
	payload, raw, err := loadObject(path)
	if err != nil {
		return nil, err
	}

	profile, err := requireString(payload, "build_profile")
	if err != nil {
		return nil, err
	}
	required, ok := BuildProfiles[profile]
	if !ok {
		return nil, fmt.Errorf("invalid build_profile '%s'", profile)
	}

	sourceRunsRaw, ok := payload["source_runs"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("bundle manifest source_runs must be an object")
	}

	sourceRuns := make(map[string][]string, len(sourceRunsRaw))
	for sourceName, runIDsRaw := range sourceRunsRaw {
		if _, ok := SourceNames[sourceName]; !ok {
			return nil, fmt.Errorf("unknown source in source_runs: %s", sourceName)
		}

		var runIDs []string
		switch value := runIDsRaw.(type) {
		case string:
			runIDs = []string{value}
		case []any:
			if len(value) == 0 {
				return nil, fmt.Errorf("source_runs[%s] list must not be empty", sourceName)
			}
			for _, item := range value {
				id, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("source_runs[%s] values must be UUID strings", sourceName)
				}
				runIDs = append(runIDs, id)
			}
		default:
			return nil, fmt.Errorf(
				"source_runs[%s] must be a UUID string or non-empty UUID array", sourceName)
		}

		for _, runID := range runIDs {
			if _, err := uuid.Parse(runID); err != nil {
				return nil, fmt.Errorf("invalid ingest run UUID for %s: %s", sourceName, runID)
			}
		}
		sourceRuns[sourceName] = runIDs
	}

	var missing []string
	for sourceName := range required {
		if _, ok := sourceRuns[sourceName]; !ok {
			missing = append(missing, sourceName)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf(
			"Bundle manifest missing required sources for profile %s: %s",
			profile, strings.Join(missing, ", "))
	}
	for sourceName := range required {
		if len(sourceRuns[sourceName]) == 0 {
			return nil, fmt.Errorf(
				"Bundle manifest source_runs[%s] must include at least one ingest run id", sourceName)
		}
	}

	return &BundleManifest{BuildProfile: profile, SourceRuns: sourceRuns, Raw: raw}, nil
}
