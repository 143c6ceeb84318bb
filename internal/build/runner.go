package build

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jamiethompson/postcod.es/internal/bundle"
	"github.com/jamiethompson/postcod.es/internal/manifest"
	"github.com/jamiethompson/postcod.es/internal/normalise"
	"github.com/jamiethompson/postcod.es/internal/schema"
)

// Runner executes build passes against the database.
type Runner struct {
	db      *pgxpool.Pool
	log     *slog.Logger
	schema  schema.Config
	norm    *normalise.Normaliser
	weights map[string]float64
}

// NewRunner wires a Runner with its configuration dependencies. The weight
// map is only consulted during finalisation but is validated up front.
func NewRunner(
	db *pgxpool.Pool,
	log *slog.Logger,
	schemaCfg schema.Config,
	norm *normalise.Normaliser,
	weights map[string]float64,
) *Runner {
	return &Runner{db: db, log: log, schema: schemaCfg, norm: norm, weights: weights}
}

type loadedBundle struct {
	buildProfile string
	bundleHash   string
	status       string
	sourceRuns   map[string][]string
}

func loadBundle(ctx context.Context, tx pgx.Tx, bundleID string) (*loadedBundle, error) {
	var buildProfile, bundleHash, status string
	err := tx.QueryRow(ctx, `
		SELECT build_profile, bundle_hash, status
		FROM meta.build_bundle
		WHERE bundle_id = $1
		FOR UPDATE
	`, bundleID).Scan(&buildProfile, &bundleHash, &status)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("Bundle not found: %s", bundleID)
	}
	if err != nil {
		return nil, fmt.Errorf("query bundle %s: %w", bundleID, err)
	}

	rows, err := tx.Query(ctx, `
		SELECT source_name, ingest_run_id::text
		FROM meta.build_bundle_source
		WHERE bundle_id = $1
	`, bundleID)
	if err != nil {
		return nil, fmt.Errorf("query bundle sources: %w", err)
	}
	defer rows.Close()

	sourceRuns := map[string][]string{}
	for rows.Next() {
		var sourceName, runID string
		if err := rows.Scan(&sourceName, &runID); err != nil {
			return nil, fmt.Errorf("scan bundle source: %w", err)
		}
		sourceRuns[sourceName] = append(sourceRuns[sourceName], runID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read bundle sources: %w", err)
	}
	for sourceName := range sourceRuns {
		sort.Strings(sourceRuns[sourceName])
	}

	required := manifest.BuildProfiles[buildProfile]
	var missing []string
	for sourceName := range required {
		if _, ok := sourceRuns[sourceName]; !ok {
			missing = append(missing, sourceName)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf(
			"Bundle %s missing required sources for profile %s: %s",
			bundleID, buildProfile, strings.Join(missing, ", "))
	}

	return &loadedBundle{
		buildProfile: buildProfile,
		bundleHash:   bundleHash,
		status:       status,
		sourceRuns:   sourceRuns,
	}, nil
}

func latestResumableRun(ctx context.Context, tx pgx.Tx, bundleID string) (runID, datasetVersion string, err error) {
	err = tx.QueryRow(ctx, `
		SELECT build_run_id::text, dataset_version
		FROM meta.build_run
		WHERE bundle_id = $1
		  AND status IN ('started', 'failed')
		ORDER BY started_at_utc DESC
		LIMIT 1
	`, bundleID).Scan(&runID, &datasetVersion)
	if err == pgx.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("query resumable run: %w", err)
	}
	return runID, datasetVersion, nil
}

func loadCompletedPasses(ctx context.Context, tx pgx.Tx, buildRunID string) (map[string]struct{}, error) {
	rows, err := tx.Query(ctx, `
		SELECT pass_name
		FROM meta.build_pass_checkpoint
		WHERE build_run_id = $1
	`, buildRunID)
	if err != nil {
		return nil, fmt.Errorf("query pass checkpoints: %w", err)
	}
	defer rows.Close()

	completed := map[string]struct{}{}
	for rows.Next() {
		var passName string
		if err := rows.Scan(&passName); err != nil {
			return nil, fmt.Errorf("scan pass checkpoint: %w", err)
		}
		completed[passName] = struct{}{}
	}
	return completed, rows.Err()
}

func singleSourceRun(sourceRuns map[string][]string, sourceName string) (string, error) {
	runIDs := sourceRuns[sourceName]
	if len(runIDs) != 1 {
		return "", fmt.Errorf(
			"Source %s requires exactly one ingest run in bundle; found %d", sourceName, len(runIDs))
	}
	return runIDs[0], nil
}

// orderedRunIDs resolves run ids to their retrieval order, oldest first.
func orderedRunIDs(ctx context.Context, tx pgx.Tx, runIDs []string) ([]string, error) {
	if len(runIDs) == 0 {
		return nil, nil
	}
	rows, err := tx.Query(ctx, `
		SELECT run_id::text
		FROM meta.ingest_run
		WHERE run_id = ANY($1::uuid[])
		ORDER BY retrieved_at_utc ASC, run_id ASC
	`, runIDs)
	if err != nil {
		return nil, fmt.Errorf("order ingest runs: %w", err)
	}
	defer rows.Close()

	var ordered []string
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, fmt.Errorf("scan ordered run id: %w", err)
		}
		ordered = append(ordered, runID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ordered) != len(runIDs) {
		return nil, fmt.Errorf("One or more ingest run IDs could not be resolved for ordered execution")
	}
	return ordered, nil
}

func createBuildRun(ctx context.Context, tx pgx.Tx, bundleID, datasetVersion string) (string, error) {
	buildRunID := uuid.NewString()
	_, err := tx.Exec(ctx, `
		INSERT INTO meta.build_run (
			build_run_id,
			bundle_id,
			dataset_version,
			status,
			current_pass,
			started_at_utc
		) VALUES ($1, $2, $3, 'started', 'initialising', now())
	`, buildRunID, bundleID, datasetVersion)
	if err != nil {
		return "", fmt.Errorf("insert build run: %w", err)
	}
	return buildRunID, nil
}

func setBuildRunPass(ctx context.Context, tx pgx.Tx, buildRunID, passName string) error {
	_, err := tx.Exec(ctx, `
		UPDATE meta.build_run
		SET current_pass = $1
		WHERE build_run_id = $2
	`, passName, buildRunID)
	if err != nil {
		return fmt.Errorf("set build run pass: %w", err)
	}
	return nil
}

func markPassCheckpoint(ctx context.Context, tx pgx.Tx, buildRunID, passName string, summary map[string]int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO meta.build_pass_checkpoint (
			build_run_id,
			pass_name,
			completed_at_utc,
			row_count_summary_json
		) VALUES ($1, $2, now(), $3)
		ON CONFLICT (build_run_id, pass_name)
		DO UPDATE SET
			completed_at_utc = EXCLUDED.completed_at_utc,
			row_count_summary_json = EXCLUDED.row_count_summary_json
	`, buildRunID, passName, summary)
	if err != nil {
		return fmt.Errorf("mark pass checkpoint: %w", err)
	}
	return nil
}

func (r *Runner) markBuildFailed(ctx context.Context, buildRunID, currentPass, errorText string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE meta.build_run
		SET status = 'failed',
			current_pass = $1,
			error_text = $2,
			finished_at_utc = now()
		WHERE build_run_id = $3
	`, currentPass, errorText, buildRunID)
	return err
}

func markBuildBuilt(ctx context.Context, tx pgx.Tx, bundleID, buildRunID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE meta.build_run
		SET status = 'built',
			current_pass = 'complete',
			finished_at_utc = now(),
			error_text = NULL
		WHERE build_run_id = $1
	`, buildRunID); err != nil {
		return fmt.Errorf("mark build run built: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE meta.build_bundle
		SET status = 'built'
		WHERE bundle_id = $1
	`, bundleID); err != nil {
		return fmt.Errorf("mark bundle built: %w", err)
	}
	return nil
}

// clearRunOutputs deletes everything a previous attempt of this run produced,
// children before parents.
func clearRunOutputs(ctx context.Context, tx pgx.Tx, buildRunID string) error {
	tables := []string{
		"internal.unit_index",
		"derived.postcode_streets_final_source",
		"derived.postcode_streets_final_candidate",
		"derived.postcode_street_candidate_lineage",
		"derived.postcode_streets_final",
		"derived.postcode_street_candidates",
		"core.postcodes_meta",
		"core.streets_usrn",
		"core.postcodes",
	}
	for _, table := range tables {
		query := fmt.Sprintf("DELETE FROM %s WHERE produced_build_run_id = $1", table)
		if _, err := tx.Exec(ctx, query, buildRunID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	if _, err := tx.Exec(ctx,
		"DELETE FROM meta.canonical_hash WHERE build_run_id = $1", buildRunID); err != nil {
		return fmt.Errorf("clear canonical hashes: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"DELETE FROM meta.build_pass_checkpoint WHERE build_run_id = $1", buildRunID); err != nil {
		return fmt.Errorf("clear pass checkpoints: %w", err)
	}
	return nil
}

// Run executes a build over the bundle. A new run starts from scratch;
// --resume picks up the latest started or failed run at its last checkpoint;
// --rebuild forces a clean slate for the new run's outputs.
func (r *Runner) Run(ctx context.Context, bundleID string, rebuild, resume bool) (RunResult, error) {
	if rebuild && resume {
		return RunResult{}, fmt.Errorf("--rebuild and --resume cannot be used together")
	}

	setupTx, err := r.db.Begin(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("begin build setup: %w", err)
	}
	defer setupTx.Rollback(ctx)

	loaded, err := loadBundle(ctx, setupTx, bundleID)
	if err != nil {
		return RunResult{}, err
	}

	required := manifest.BuildProfiles[loaded.buildProfile]
	var missing []string
	for sourceName := range required {
		if _, ok := loaded.sourceRuns[sourceName]; !ok {
			missing = append(missing, sourceName)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return RunResult{}, fmt.Errorf(
			"Bundle %s missing required sources: %s", bundleID, strings.Join(missing, ", "))
	}
	for sourceName := range required {
		runIDs := loaded.sourceRuns[sourceName]
		if sourceName == "ppd" {
			if len(runIDs) == 0 {
				return RunResult{}, fmt.Errorf("Bundle must include at least one ppd ingest run")
			}
		} else if len(runIDs) != 1 {
			return RunResult{}, fmt.Errorf(
				"Bundle source %s must include exactly one ingest run", sourceName)
		}
	}

	var buildRunID, datasetVersion string
	completed := map[string]struct{}{}
	if resume {
		buildRunID, datasetVersion, err = latestResumableRun(ctx, setupTx, bundleID)
		if err != nil {
			return RunResult{}, err
		}
		if buildRunID == "" {
			return RunResult{}, fmt.Errorf("No resumable run found for bundle %s", bundleID)
		}
		completed, err = loadCompletedPasses(ctx, setupTx, buildRunID)
		if err != nil {
			return RunResult{}, err
		}
	} else {
		datasetVersion = bundle.DatasetVersion(loaded.bundleHash)
		buildRunID, err = createBuildRun(ctx, setupTx, bundleID, datasetVersion)
		if err != nil {
			return RunResult{}, err
		}
		if rebuild {
			if err := clearRunOutputs(ctx, setupTx, buildRunID); err != nil {
				return RunResult{}, err
			}
		}
	}

	if err := setupTx.Commit(ctx); err != nil {
		return RunResult{}, fmt.Errorf("commit build setup: %w", err)
	}

	run := func() error {
		currentPass := "initialising"
		for _, passName := range PassOrder {
			if _, ok := completed[passName]; ok {
				continue
			}
			currentPass = passName
			r.log.Info("executing build pass", "build_run_id", buildRunID, "pass", passName)

			passTx, err := r.db.Begin(ctx)
			if err != nil {
				return fmt.Errorf("begin pass %s: %w", passName, err)
			}

			err = func() error {
				if err := setBuildRunPass(ctx, passTx, buildRunID, passName); err != nil {
					return err
				}
				summary, err := r.executePass(ctx, passTx, passName, buildRunID, datasetVersion, loaded.sourceRuns)
				if err != nil {
					return err
				}
				if err := markPassCheckpoint(ctx, passTx, buildRunID, passName, summary); err != nil {
					return err
				}
				return passTx.Commit(ctx)
			}()
			if err != nil {
				passTx.Rollback(ctx)
				if markErr := r.markBuildFailed(ctx, buildRunID, currentPass, err.Error()); markErr != nil {
					r.log.Error("failed to record build failure",
						"build_run_id", buildRunID, "error", markErr)
				}
				return err
			}
		}

		finishTx, err := r.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin build completion: %w", err)
		}
		defer finishTx.Rollback(ctx)
		if err := markBuildBuilt(ctx, finishTx, bundleID, buildRunID); err != nil {
			return err
		}
		return finishTx.Commit(ctx)
	}

	if err := run(); err != nil {
		return RunResult{}, err
	}

	return RunResult{
		BuildRunID:     buildRunID,
		Status:         "built",
		DatasetVersion: datasetVersion,
		Message:        "Build completed successfully",
	}, nil
}

func (r *Runner) executePass(
	ctx context.Context,
	tx pgx.Tx,
	passName string,
	buildRunID string,
	datasetVersion string,
	sourceRuns map[string][]string,
) (map[string]int64, error) {
	switch passName {
	case "0a_raw_ingest":
		return pass0aRawIngest(ctx, tx, sourceRuns)
	case "0b_stage_normalisation":
		return r.pass0bStageNormalisation(ctx, tx, buildRunID, sourceRuns)
	case "1_onspd_backbone":
		return pass1ONSPDBackbone(ctx, tx, buildRunID)
	case "2_gb_canonical_streets":
		return pass2GBCanonicalStreets(ctx, tx, buildRunID)
	case "3_open_names_candidates":
		return r.pass3OpenNamesCandidates(ctx, tx, buildRunID)
	case "4_uprn_reinforcement":
		return pass4UPRNReinforcement(ctx, tx, buildRunID)
	case "5_gb_spatial_fallback":
		return r.pass5GBSpatialFallback(ctx, tx, buildRunID)
	case "6_ni_candidates":
		return pass6NICandidates(ctx, tx, buildRunID)
	case "7_ppd_gap_fill":
		return pass7PPDGapFill(ctx, tx, buildRunID)
	case "8_finalisation":
		return r.pass8Finalisation(ctx, tx, buildRunID, datasetVersion)
	default:
		return nil, fmt.Errorf("unknown build pass: %s", passName)
	}
}
