package build

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jamiethompson/postcod.es/internal/bundle"
)

// Publish points the stable api.postcode_lookup and api.postcode_street_lookup
// views at the run's versioned projection tables and records the publication.
// Republishing the same run is allowed and updates the publication record.
func Publish(ctx context.Context, db *pgxpool.Pool, buildRunID, actor string) (PublishResult, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return PublishResult{}, fmt.Errorf("begin publish: %w", err)
	}
	defer tx.Rollback(ctx)

	var bundleID, datasetVersion, status string
	err = tx.QueryRow(ctx, `
		SELECT bundle_id::text, dataset_version, status
		FROM meta.build_run
		WHERE build_run_id = $1
		FOR UPDATE
	`, buildRunID).Scan(&bundleID, &datasetVersion, &status)
	if err == pgx.ErrNoRows {
		return PublishResult{}, fmt.Errorf("Build run not found: %s", buildRunID)
	}
	if err != nil {
		return PublishResult{}, fmt.Errorf("query build run: %w", err)
	}
	if status != "built" && status != "published" {
		return PublishResult{}, fmt.Errorf(
			"Build run %s must be built before publish (status=%s)", buildRunID, status)
	}

	suffix := bundle.SafeVersionSuffix(datasetVersion)
	lookupTableName := "postcode_lookup__" + suffix
	streetLookupTableName := "postcode_street_lookup__" + suffix

	var lookupRegclass, streetRegclass *string
	if err := tx.QueryRow(ctx,
		"SELECT to_regclass($1)::text, to_regclass($2)::text",
		"api."+lookupTableName, "api."+streetLookupTableName,
	).Scan(&lookupRegclass, &streetRegclass); err != nil {
		return PublishResult{}, fmt.Errorf("check projection tables: %w", err)
	}
	if lookupRegclass == nil || streetRegclass == nil {
		return PublishResult{}, fmt.Errorf(
			"Cannot publish: versioned api tables are missing for dataset_version=%s", datasetVersion)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"CREATE OR REPLACE VIEW api.postcode_lookup AS SELECT * FROM api.%q", lookupTableName)); err != nil {
		return PublishResult{}, fmt.Errorf("replace lookup view: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"CREATE OR REPLACE VIEW api.postcode_street_lookup AS SELECT * FROM api.%q", streetLookupTableName)); err != nil {
		return PublishResult{}, fmt.Errorf("replace street lookup view: %w", err)
	}

	var publishTxid int64
	if err := tx.QueryRow(ctx, "SELECT txid_current()").Scan(&publishTxid); err != nil {
		return PublishResult{}, fmt.Errorf("read publish txid: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO meta.dataset_publication (
			dataset_version,
			build_run_id,
			published_at_utc,
			published_by,
			lookup_table_name,
			street_lookup_table_name,
			publish_txid
		) VALUES ($1, $2, now(), $3, $4, $5, $6)
		ON CONFLICT (dataset_version)
		DO UPDATE SET
			build_run_id = EXCLUDED.build_run_id,
			published_at_utc = EXCLUDED.published_at_utc,
			published_by = EXCLUDED.published_by,
			lookup_table_name = EXCLUDED.lookup_table_name,
			street_lookup_table_name = EXCLUDED.street_lookup_table_name,
			publish_txid = EXCLUDED.publish_txid
	`, datasetVersion, buildRunID, actor,
		"api."+lookupTableName, "api."+streetLookupTableName, publishTxid); err != nil {
		return PublishResult{}, fmt.Errorf("record publication: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE meta.build_run
		SET status = 'published',
			current_pass = 'published',
			finished_at_utc = COALESCE(finished_at_utc, now())
		WHERE build_run_id = $1
	`, buildRunID); err != nil {
		return PublishResult{}, fmt.Errorf("mark run published: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE meta.build_bundle
		SET status = 'published'
		WHERE bundle_id = $1
	`, bundleID); err != nil {
		return PublishResult{}, fmt.Errorf("mark bundle published: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return PublishResult{}, fmt.Errorf("commit publish: %w", err)
	}

	return PublishResult{
		BuildRunID:     buildRunID,
		DatasetVersion: datasetVersion,
		Status:         "published",
	}, nil
}
