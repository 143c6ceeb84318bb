// Package bundle freezes a set of ingest runs into an immutable build bundle
// and derives the dataset version from its content hash.
package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jamiethompson/postcod.es/internal/manifest"
)

// Result reports the outcome of bundle creation.
type Result struct {
	BundleID   string
	Status     string
	BundleHash string
}

type hashPayload struct {
	BuildProfile string              `json:"build_profile"`
	SourceRuns   map[string][]string `json:"source_runs"`
}

// Hash computes the deterministic content hash of a bundle: SHA-256 over a
// compact JSON encoding with sorted source names and sorted run id lists.
func Hash(buildProfile string, sourceRuns map[string][]string) string {
	normalised := make(map[string][]string, len(sourceRuns))
	for sourceName, runIDs := range sourceRuns {
		sorted := append([]string(nil), runIDs...)
		sort.Strings(sorted)
		normalised[sourceName] = sorted
	}
	encoded, err := json.Marshal(hashPayload{BuildProfile: buildProfile, SourceRuns: normalised})
	if err != nil {
		// Only string maps and slices are encoded here.
		panic(err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// DatasetVersion derives the dataset version label from a bundle hash.
func DatasetVersion(bundleHash string) string {
	return "v3_" + bundleHash[:12]
}

var versionSuffixRE = regexp.MustCompile(`[^A-Za-z0-9_]`)

// SafeVersionSuffix sanitises a dataset version for use in table names.
func SafeVersionSuffix(datasetVersion string) string {
	suffix := versionSuffixRE.ReplaceAllString(datasetVersion, "_")
	if suffix == "" {
		return "v3"
	}
	return suffix
}

// Create registers a bundle for the manifest, or returns the existing bundle
// when one with the same profile and content hash already exists.
func Create(ctx context.Context, tx pgx.Tx, m *manifest.BundleManifest) (Result, error) {
	bundleHash := Hash(m.BuildProfile, m.SourceRuns)

	var existingID string
	err := tx.QueryRow(ctx, `
		SELECT bundle_id::text
		FROM meta.build_bundle
		WHERE build_profile = $1
		  AND bundle_hash = $2
	`, m.BuildProfile, bundleHash).Scan(&existingID)
	if err == nil {
		return Result{BundleID: existingID, Status: "existing", BundleHash: bundleHash}, nil
	}
	if err != pgx.ErrNoRows {
		return Result{}, fmt.Errorf("query existing bundle: %w", err)
	}

	required := manifest.BuildProfiles[m.BuildProfile]
	var missing []string
	for sourceName := range required {
		if _, ok := m.SourceRuns[sourceName]; !ok {
			missing = append(missing, sourceName)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Result{}, fmt.Errorf("Bundle manifest missing required sources: %s", strings.Join(missing, ", "))
	}

	requiredSorted := make([]string, 0, len(required))
	for sourceName := range required {
		requiredSorted = append(requiredSorted, sourceName)
	}
	sort.Strings(requiredSorted)

	for _, sourceName := range requiredSorted {
		runIDs := m.SourceRuns[sourceName]
		if sourceName == "ppd" {
			if len(runIDs) == 0 {
				return Result{}, fmt.Errorf("Bundle must include at least one ppd ingest run")
			}
		} else if len(runIDs) != 1 {
			return Result{}, fmt.Errorf("Source %s must map to exactly one ingest run in a bundle", sourceName)
		}

		for _, runID := range runIDs {
			var rowSource string
			err := tx.QueryRow(ctx, `
				SELECT source_name
				FROM meta.ingest_run
				WHERE run_id = $1
			`, runID).Scan(&rowSource)
			if err == pgx.ErrNoRows {
				return Result{}, fmt.Errorf("Unknown ingest_run_id for source %s: %s", sourceName, runID)
			}
			if err != nil {
				return Result{}, fmt.Errorf("query ingest run %s: %w", runID, err)
			}
			if rowSource != sourceName {
				return Result{}, fmt.Errorf(
					"Ingest run/source mismatch: source=%s run_id=%s row_source=%s",
					sourceName, runID, rowSource)
			}
		}
	}

	bundleID := uuid.NewString()
	if _, err := tx.Exec(ctx, `
		INSERT INTO meta.build_bundle (
			bundle_id,
			build_profile,
			bundle_hash,
			status,
			created_at_utc
		) VALUES ($1, $2, $3, 'created', now())
	`, bundleID, m.BuildProfile, bundleHash); err != nil {
		return Result{}, fmt.Errorf("insert build bundle: %w", err)
	}

	for sourceName, runIDs := range m.SourceRuns {
		for _, runID := range runIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO meta.build_bundle_source (
					bundle_id,
					source_name,
					ingest_run_id
				) VALUES ($1, $2, $3)
			`, bundleID, sourceName, runID); err != nil {
				return Result{}, fmt.Errorf("insert bundle source %s: %w", sourceName, err)
			}
		}
	}

	return Result{BundleID: bundleID, Status: "created", BundleHash: bundleHash}, nil
}
