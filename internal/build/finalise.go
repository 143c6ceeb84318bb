package build

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jamiethompson/postcod.es/internal/bundle"
)

// pass8Finalisation collapses candidates into the final per-postcode street
// list. Streets are grouped by canonical name, weighted by candidate type,
// probabilities rounded to four decimals with the residual pushed onto the
// top-ranked street so each postcode sums to exactly 1.0000.
func (r *Runner) pass8Finalisation(ctx context.Context, tx pgx.Tx, buildRunID, datasetVersion string) (map[string]int64, error) {
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS pg_temp.tmp_candidate_weights"); err != nil {
		return nil, fmt.Errorf("pass 8 drop weight table: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE tmp_candidate_weights (
			candidate_type text PRIMARY KEY,
			weight numeric(10,4) NOT NULL
		) ON COMMIT DROP
	`); err != nil {
		return nil, fmt.Errorf("pass 8 create weight table: %w", err)
	}
	for _, candidateType := range CandidateTypes {
		if _, err := tx.Exec(ctx, `
			INSERT INTO tmp_candidate_weights (candidate_type, weight)
			VALUES ($1, ROUND($2::numeric, 4))
		`, candidateType, r.weights[candidateType]); err != nil {
			return nil, fmt.Errorf("pass 8 insert weight %s: %w", candidateType, err)
		}
	}

	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS pg_temp.tmp_weighted_candidates"); err != nil {
		return nil, fmt.Errorf("pass 8 drop weighted table: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE tmp_weighted_candidates ON COMMIT DROP AS
		SELECT
			c.candidate_id,
			c.postcode,
			COALESCE(s.street_name, c.street_name_canonical) AS canonical_street_name,
			c.usrn,
			c.source_name,
			c.ingest_run_id,
			c.candidate_type,
			w.weight::numeric(10,4) AS weight,
			CASE c.confidence
				WHEN 'high' THEN 3
				WHEN 'medium' THEN 2
				WHEN 'low' THEN 1
				ELSE 0
			END AS conf_rank
		FROM derived.postcode_street_candidates AS c
		JOIN tmp_candidate_weights AS w
		  ON w.candidate_type = c.candidate_type
		LEFT JOIN core.streets_usrn AS s
		  ON s.produced_build_run_id = c.produced_build_run_id
		 AND s.usrn = c.usrn
		WHERE c.produced_build_run_id = $1
	`, buildRunID); err != nil {
		return nil, fmt.Errorf("pass 8 create weighted candidates: %w", err)
	}

	var badPostcode string
	err := tx.QueryRow(ctx, `
		SELECT postcode
		FROM (
			SELECT postcode, SUM(weight) AS total_weight
			FROM tmp_weighted_candidates
			GROUP BY postcode
		) AS totals
		WHERE total_weight <= 0
		LIMIT 1
	`).Scan(&badPostcode)
	if err == nil {
		return nil, fmt.Errorf("Finalisation failed: total_weight <= 0 for postcode=%s", badPostcode)
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("pass 8 weight sanity check: %w", err)
	}

	type finalRow struct {
		postcode      string
		streetName    string
		usrn          *int64
		weightedScore string
		confRank      int
		probability   string
	}

	rows, err := tx.Query(ctx, `
		WITH grouped AS (
			SELECT
				postcode,
				canonical_street_name,
				MIN(usrn) AS usrn,
				SUM(weight) AS weighted_score,
				MAX(conf_rank) AS conf_rank
			FROM tmp_weighted_candidates
			GROUP BY postcode, canonical_street_name
		),
		totals AS (
			SELECT postcode, SUM(weighted_score) AS total_weight
			FROM grouped
			GROUP BY postcode
		),
		scored AS (
			SELECT
				g.postcode,
				g.canonical_street_name,
				g.usrn,
				g.weighted_score,
				g.conf_rank,
				(g.weighted_score / t.total_weight) AS raw_probability
			FROM grouped AS g
			JOIN totals AS t
			  ON t.postcode = g.postcode
		),
		rounded AS (
			SELECT
				s.*,
				ROUND(s.raw_probability::numeric, 4) AS rounded_probability,
				ROW_NUMBER() OVER (
					PARTITION BY s.postcode
					ORDER BY
						s.raw_probability DESC,
						s.conf_rank DESC,
						s.canonical_street_name COLLATE "C" ASC,
						s.usrn ASC NULLS LAST
				) AS rn,
				SUM(ROUND(s.raw_probability::numeric, 4)) OVER (
					PARTITION BY s.postcode
				) AS rounded_sum
			FROM scored AS s
		)
		SELECT
			postcode,
			canonical_street_name,
			usrn,
			ROUND(weighted_score::numeric, 4)::text,
			conf_rank,
			CASE
				WHEN rn = 1
				THEN ROUND((rounded_probability + (1.0000 - rounded_sum))::numeric, 4)
				ELSE rounded_probability
			END::text AS final_probability
		FROM rounded
		ORDER BY postcode COLLATE "C" ASC, rn ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("pass 8 score candidates: %w", err)
	}

	var finals []finalRow
	for rows.Next() {
		var f finalRow
		if err := rows.Scan(&f.postcode, &f.streetName, &f.usrn,
			&f.weightedScore, &f.confRank, &f.probability); err != nil {
			rows.Close()
			return nil, fmt.Errorf("pass 8 scan final row: %w", err)
		}
		finals = append(finals, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pass 8 read final rows: %w", err)
	}

	var insertedFinal, insertedFinalCandidate, insertedFinalSource int64
	for _, f := range finals {
		var finalID int64
		err := tx.QueryRow(ctx, `
			INSERT INTO derived.postcode_streets_final (
				produced_build_run_id,
				postcode,
				street_name,
				usrn,
				confidence,
				frequency_score,
				probability
			) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric)
			RETURNING final_id
		`, buildRunID, f.postcode, f.streetName, f.usrn,
			confidenceFromRank(f.confRank), f.weightedScore, f.probability,
		).Scan(&finalID)
		if err != nil {
			return nil, fmt.Errorf("pass 8 insert final row: %w", err)
		}
		insertedFinal++

		candidateRows, err := tx.Query(ctx, `
			SELECT candidate_id
			FROM tmp_weighted_candidates
			WHERE postcode = $1
			  AND canonical_street_name = $2
			ORDER BY candidate_id ASC
		`, f.postcode, f.streetName)
		if err != nil {
			return nil, fmt.Errorf("pass 8 query linked candidates: %w", err)
		}
		var candidateIDs []int64
		for candidateRows.Next() {
			var candidateID int64
			if err := candidateRows.Scan(&candidateID); err != nil {
				candidateRows.Close()
				return nil, fmt.Errorf("pass 8 scan linked candidate: %w", err)
			}
			candidateIDs = append(candidateIDs, candidateID)
		}
		candidateRows.Close()
		if err := candidateRows.Err(); err != nil {
			return nil, fmt.Errorf("pass 8 read linked candidates: %w", err)
		}

		for rank, candidateID := range candidateIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO derived.postcode_streets_final_candidate (
					final_id,
					candidate_id,
					produced_build_run_id,
					link_rank
				) VALUES ($1, $2, $3, $4)
			`, finalID, candidateID, buildRunID, rank+1); err != nil {
				return nil, fmt.Errorf("pass 8 insert final candidate link: %w", err)
			}
			insertedFinalCandidate++
		}

		sourceRows, err := tx.Query(ctx, `
			SELECT source_name, ingest_run_id::text, candidate_type, ROUND(SUM(weight)::numeric, 4)::text
			FROM tmp_weighted_candidates
			WHERE postcode = $1
			  AND canonical_street_name = $2
			GROUP BY source_name, ingest_run_id, candidate_type
			ORDER BY source_name COLLATE "C" ASC, ingest_run_id::text ASC, candidate_type COLLATE "C" ASC
		`, f.postcode, f.streetName)
		if err != nil {
			return nil, fmt.Errorf("pass 8 query source contributions: %w", err)
		}
		type contribution struct {
			sourceName    string
			ingestRunID   string
			candidateType string
			weight        string
		}
		var contributions []contribution
		for sourceRows.Next() {
			var c contribution
			if err := sourceRows.Scan(&c.sourceName, &c.ingestRunID, &c.candidateType, &c.weight); err != nil {
				sourceRows.Close()
				return nil, fmt.Errorf("pass 8 scan source contribution: %w", err)
			}
			contributions = append(contributions, c)
		}
		sourceRows.Close()
		if err := sourceRows.Err(); err != nil {
			return nil, fmt.Errorf("pass 8 read source contributions: %w", err)
		}

		for _, c := range contributions {
			if _, err := tx.Exec(ctx, `
				INSERT INTO derived.postcode_streets_final_source (
					final_id,
					source_name,
					ingest_run_id,
					candidate_type,
					contribution_weight,
					produced_build_run_id
				) VALUES ($1, $2, $3, $4, $5::numeric, $6)
			`, finalID, c.sourceName, c.ingestRunID, c.candidateType, c.weight, buildRunID); err != nil {
				return nil, fmt.Errorf("pass 8 insert final source: %w", err)
			}
			insertedFinalSource++
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE core.postcodes
		SET multi_street = false
		WHERE produced_build_run_id = $1
	`, buildRunID); err != nil {
		return nil, fmt.Errorf("pass 8 reset multi_street: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		WITH counts AS (
			SELECT postcode, COUNT(*) AS street_count
			FROM derived.postcode_streets_final
			WHERE produced_build_run_id = $1
			GROUP BY postcode
		)
		UPDATE core.postcodes AS p
		SET multi_street = (c.street_count > 1)
		FROM counts AS c
		WHERE p.produced_build_run_id = $1
		  AND p.postcode = c.postcode
	`, buildRunID); err != nil {
		return nil, fmt.Errorf("pass 8 update multi_street: %w", err)
	}

	projectionCounts, err := createAPIProjectionTables(ctx, tx, buildRunID, datasetVersion)
	if err != nil {
		return nil, err
	}

	summary := map[string]int64{
		"derived.postcode_streets_final":           insertedFinal,
		"derived.postcode_streets_final_candidate": insertedFinalCandidate,
		"derived.postcode_streets_final_source":    insertedFinalSource,
	}
	for table, count := range projectionCounts {
		summary[table] = count
	}
	return summary, nil
}

// createAPIProjectionTables materialises the versioned read-optimised tables
// under api.* for this dataset version. The suffix is already sanitised to
// [A-Za-z0-9_] so identifiers are safe to interpolate.
func createAPIProjectionTables(ctx context.Context, tx pgx.Tx, buildRunID, datasetVersion string) (map[string]int64, error) {
	suffix := bundle.SafeVersionSuffix(datasetVersion)
	streetTable := "postcode_street_lookup__" + suffix
	lookupTable := "postcode_lookup__" + suffix

	if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS api.%q CASCADE", streetTable)); err != nil {
		return nil, fmt.Errorf("drop street projection: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE api.%q AS
		SELECT
			f.postcode,
			f.street_name,
			f.usrn,
			f.confidence,
			f.frequency_score,
			f.probability,
			$1::text AS dataset_version,
			f.produced_build_run_id
		FROM derived.postcode_streets_final AS f
		WHERE f.produced_build_run_id = $2
		ORDER BY
			f.postcode COLLATE "C" ASC,
			f.probability DESC,
			f.street_name COLLATE "C" ASC,
			f.usrn ASC NULLS LAST
	`, streetTable), datasetVersion, buildRunID); err != nil {
		return nil, fmt.Errorf("create street projection: %w", err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS api.%q CASCADE", lookupTable)); err != nil {
		return nil, fmt.Errorf("drop lookup projection: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE api.%q AS
		WITH street_rows AS (
			SELECT
				s.postcode,
				jsonb_agg(
					jsonb_build_object(
						'name', s.street_name,
						'confidence', s.confidence,
						'probability', s.probability,
						'usrn', s.usrn
					)
					ORDER BY
						s.probability DESC,
						CASE s.confidence
							WHEN 'high' THEN 3
							WHEN 'medium' THEN 2
							WHEN 'low' THEN 1
							ELSE 0
						END DESC,
						s.street_name COLLATE "C" ASC,
						s.usrn ASC NULLS LAST
				) AS streets_json
			FROM api.%q AS s
			GROUP BY s.postcode
		),
		source_rows AS (
			SELECT
				dedup.postcode,
				array_agg(dedup.source_name ORDER BY dedup.source_name COLLATE "C") AS sources
			FROM (
				SELECT DISTINCT
					f.postcode,
					fs.source_name
				FROM derived.postcode_streets_final AS f
				JOIN derived.postcode_streets_final_source AS fs
				  ON fs.final_id = f.final_id
				WHERE f.produced_build_run_id = $1
			) AS dedup
			GROUP BY dedup.postcode
		)
		SELECT
			p.postcode,
			p.status,
			p.country_iso2,
			p.country_iso3,
			p.subdivision_code,
			p.post_town,
			p.locality,
			p.lat,
			p.lon,
			p.easting,
			p.northing,
			p.street_enrichment_available,
			p.multi_street,
			COALESCE(sr.streets_json, '[]'::jsonb) AS streets_json,
			COALESCE(src.sources, ARRAY['onspd']::text[]) AS sources,
			$2::text AS dataset_version,
			p.produced_build_run_id
		FROM core.postcodes AS p
		LEFT JOIN street_rows AS sr
		  ON sr.postcode = p.postcode
		LEFT JOIN source_rows AS src
		  ON src.postcode = p.postcode
		WHERE p.produced_build_run_id = $1
		ORDER BY p.postcode COLLATE "C" ASC
	`, lookupTable, streetTable), buildRunID, datasetVersion); err != nil {
		return nil, fmt.Errorf("create lookup projection: %w", err)
	}

	var streetCount, lookupCount int64
	if err := tx.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM api.%q", streetTable)).Scan(&streetCount); err != nil {
		return nil, fmt.Errorf("count street projection: %w", err)
	}
	if err := tx.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM api.%q", lookupTable)).Scan(&lookupCount); err != nil {
		return nil, fmt.Errorf("count lookup projection: %w", err)
	}

	return map[string]int64{
		"api." + streetTable: streetCount,
		"api." + lookupTable: lookupCount,
	}, nil
}
