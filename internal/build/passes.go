package build

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// pass1ONSPDBackbone projects the staged ONSPD rows into the versioned
// postcode backbone and its metadata sidecar.
func pass1ONSPDBackbone(ctx context.Context, tx pgx.Tx, buildRunID string) (map[string]int64, error) {
	postcodesTag, err := tx.Exec(ctx, `
		INSERT INTO core.postcodes (
			produced_build_run_id,
			postcode,
			status,
			lat,
			lon,
			easting,
			northing,
			country_iso2,
			country_iso3,
			subdivision_code,
			post_town,
			locality,
			street_enrichment_available,
			onspd_run_id
		)
		SELECT
			build_run_id,
			postcode_display,
			status,
			lat,
			lon,
			easting,
			northing,
			country_iso2,
			country_iso3,
			subdivision_code,
			post_town,
			locality,
			street_enrichment_available,
			onspd_run_id
		FROM stage.onspd_postcode
		WHERE build_run_id = $1
		ORDER BY postcode_norm COLLATE "C" ASC
	`, buildRunID)
	if err != nil {
		return nil, fmt.Errorf("pass 1 insert core.postcodes: %w", err)
	}

	metaTag, err := tx.Exec(ctx, `
		INSERT INTO core.postcodes_meta (
			produced_build_run_id,
			postcode,
			meta_jsonb,
			onspd_run_id
		)
		SELECT
			build_run_id,
			postcode_display,
			jsonb_build_object(
				'postcode_norm', postcode_norm,
				'country_iso2', country_iso2,
				'country_iso3', country_iso3,
				'subdivision_code', subdivision_code,
				'post_town', post_town,
				'locality', locality,
				'status', status
			),
			onspd_run_id
		FROM stage.onspd_postcode
		WHERE build_run_id = $1
		ORDER BY postcode_norm COLLATE "C" ASC
	`, buildRunID)
	if err != nil {
		return nil, fmt.Errorf("pass 1 insert core.postcodes_meta: %w", err)
	}

	return map[string]int64{
		"core.postcodes":      postcodesTag.RowsAffected(),
		"core.postcodes_meta": metaTag.RowsAffected(),
	}, nil
}

// pass2GBCanonicalStreets builds the canonical USRN street register: direct
// USRN input rows win; names inferred through TOID links fill the gaps, one
// name per USRN picked by evidence count with deterministic tie-breaks.
func pass2GBCanonicalStreets(ctx context.Context, tx pgx.Tx, buildRunID string) (map[string]int64, error) {
	tag, err := tx.Exec(ctx, `
		WITH direct_usrn AS (
			SELECT
				usrn,
				street_name,
				street_name_casefolded,
				street_class,
				street_status,
				usrn_run_id
			FROM stage.streets_usrn_input
			WHERE build_run_id = $1
		),
		inferred_name_counts AS (
			SELECT
				oli.usrn,
				n.street_name_raw AS street_name,
				n.street_name_casefolded,
				COUNT(*)::bigint AS evidence_count,
				(ARRAY_AGG(oli.ingest_run_id ORDER BY oli.ingest_run_id::text ASC))[1] AS usrn_run_id
			FROM stage.open_names_road_feature AS n
			JOIN stage.oli_toid_usrn AS oli
			  ON oli.build_run_id = n.build_run_id
			 AND oli.toid = n.toid
			WHERE n.build_run_id = $1
			  AND n.toid IS NOT NULL
			GROUP BY oli.usrn, n.street_name_raw, n.street_name_casefolded
		),
		inferred_usrn AS (
			SELECT
				usrn,
				street_name,
				street_name_casefolded,
				NULL::text AS street_class,
				NULL::text AS street_status,
				usrn_run_id
			FROM (
				SELECT
					usrn,
					street_name,
					street_name_casefolded,
					usrn_run_id,
					ROW_NUMBER() OVER (
						PARTITION BY usrn
						ORDER BY evidence_count DESC,
								 street_name_casefolded COLLATE "C" ASC,
								 street_name COLLATE "C" ASC
					) AS rn
				FROM inferred_name_counts
			) AS ranked
			WHERE rn = 1
		),
		combined AS (
			SELECT
				usrn,
				street_name,
				street_name_casefolded,
				street_class,
				street_status,
				usrn_run_id
			FROM direct_usrn
			UNION ALL
			SELECT
				inferred.usrn,
				inferred.street_name,
				inferred.street_name_casefolded,
				inferred.street_class,
				inferred.street_status,
				inferred.usrn_run_id
			FROM inferred_usrn AS inferred
			WHERE NOT EXISTS (
				SELECT 1
				FROM direct_usrn AS direct
				WHERE direct.usrn = inferred.usrn
			)
		)
		INSERT INTO core.streets_usrn (
			produced_build_run_id,
			usrn,
			street_name,
			street_name_casefolded,
			street_class,
			street_status,
			usrn_run_id
		)
		SELECT
			$1,
			usrn,
			street_name,
			street_name_casefolded,
			street_class,
			street_status,
			usrn_run_id
		FROM combined
		ORDER BY usrn ASC
	`, buildRunID)
	if err != nil {
		return nil, fmt.Errorf("pass 2 insert core.streets_usrn: %w", err)
	}

	return map[string]int64{"core.streets_usrn": tag.RowsAffected()}, nil
}

// pass3OpenNamesCandidates inserts medium-confidence candidates from Open
// Names features carrying a postcode, then promotes each feature with a TOID
// to a high-confidence USRN-bound child candidate, recording lineage.
func (r *Runner) pass3OpenNamesCandidates(ctx context.Context, tx pgx.Tx, buildRunID string) (map[string]int64, error) {
	// Bindings must be configured for both contributing sources even though
	// this pass reads only staged rows.
	if _, err := r.schema.NewBinder("os_open_names"); err != nil {
		return nil, err
	}
	if _, err := r.schema.NewBinder("os_open_lids"); err != nil {
		return nil, err
	}

	baseTag, err := tx.Exec(ctx, `
		INSERT INTO derived.postcode_street_candidates (
			produced_build_run_id,
			postcode,
			street_name_raw,
			street_name_canonical,
			usrn,
			candidate_type,
			confidence,
			evidence_ref,
			source_name,
			ingest_run_id,
			evidence_json
		)
		SELECT
			$1,
			p.postcode,
			n.street_name_raw,
			n.street_name_casefolded,
			NULL,
			'names_postcode_feature',
			'medium',
			'open_names:feature:' || n.feature_id,
			'os_open_names',
			n.ingest_run_id,
			jsonb_build_object('feature_id', n.feature_id, 'toid', n.toid)
		FROM stage.open_names_road_feature AS n
		JOIN core.postcodes AS p
		  ON p.produced_build_run_id = $1
		 AND replace(p.postcode, ' ', '') = n.postcode_norm
		WHERE n.build_run_id = $1
		ORDER BY n.feature_id COLLATE "C" ASC
	`, buildRunID)
	if err != nil {
		return nil, fmt.Errorf("pass 3 insert base candidates: %w", err)
	}

	type promotionRow struct {
		parentCandidateID int64
		postcode          string
		streetNameRaw     string
		streetCanonical   string
		toid              string
		usrn              int64
		oliRunID          string
	}

	rows, err := tx.Query(ctx, `
		SELECT
			parent.candidate_id,
			parent.postcode,
			parent.street_name_raw,
			parent.street_name_canonical,
			parent.evidence_json ->> 'toid' AS toid,
			oli.usrn,
			oli.ingest_run_id::text
		FROM derived.postcode_street_candidates AS parent
		JOIN stage.oli_toid_usrn AS oli
		  ON oli.build_run_id = parent.produced_build_run_id
		 AND oli.toid = parent.evidence_json ->> 'toid'
		WHERE parent.produced_build_run_id = $1
		  AND parent.candidate_type = 'names_postcode_feature'
		  AND parent.evidence_json ->> 'toid' IS NOT NULL
		ORDER BY parent.candidate_id ASC, oli.usrn ASC
	`, buildRunID)
	if err != nil {
		return nil, fmt.Errorf("pass 3 query promotions: %w", err)
	}

	var promotions []promotionRow
	for rows.Next() {
		var p promotionRow
		if err := rows.Scan(&p.parentCandidateID, &p.postcode, &p.streetNameRaw,
			&p.streetCanonical, &p.toid, &p.usrn, &p.oliRunID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("pass 3 scan promotion: %w", err)
		}
		promotions = append(promotions, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pass 3 read promotions: %w", err)
	}

	var promoted, lineage int64
	for _, p := range promotions {
		var childCandidateID int64
		err := tx.QueryRow(ctx, `
			INSERT INTO derived.postcode_street_candidates (
				produced_build_run_id,
				postcode,
				street_name_raw,
				street_name_canonical,
				usrn,
				candidate_type,
				confidence,
				evidence_ref,
				source_name,
				ingest_run_id,
				evidence_json
			) VALUES ($1, $2, $3, $4, $5, 'oli_toid_usrn', 'high', $6, 'os_open_lids', $7, $8)
			RETURNING candidate_id
		`, buildRunID, p.postcode, p.streetNameRaw, p.streetCanonical, p.usrn,
			fmt.Sprintf("oli:toid_usrn:%s", p.toid), p.oliRunID,
			map[string]any{"toid": p.toid, "usrn": p.usrn},
		).Scan(&childCandidateID)
		if err != nil {
			return nil, fmt.Errorf("pass 3 promote candidate: %w", err)
		}
		promoted++

		tag, err := tx.Exec(ctx, `
			INSERT INTO derived.postcode_street_candidate_lineage (
				parent_candidate_id,
				child_candidate_id,
				relation_type,
				produced_build_run_id
			) VALUES ($1, $2, 'promotion_toid_usrn', $3)
			ON CONFLICT DO NOTHING
		`, p.parentCandidateID, childCandidateID, buildRunID)
		if err != nil {
			return nil, fmt.Errorf("pass 3 insert lineage: %w", err)
		}
		lineage += tag.RowsAffected()
	}

	return map[string]int64{
		"derived.postcode_street_candidates_base":     baseTag.RowsAffected(),
		"derived.postcode_street_candidates_promoted": promoted,
		"derived.postcode_street_candidate_lineage":   lineage,
	}, nil
}

// pass4UPRNReinforcement aggregates NSUL UPRN/postcode pairs through the
// UPRN->USRN link table into high-confidence candidates, counting supporting
// UPRNs per postcode/USRN pair.
func pass4UPRNReinforcement(ctx context.Context, tx pgx.Tx, buildRunID string) (map[string]int64, error) {
	tag, err := tx.Exec(ctx, `
		WITH aggregate_pairs AS (
			SELECT
				nsul.postcode_norm,
				oli.usrn,
				COUNT(*)::bigint AS uprn_count,
				(ARRAY_AGG(oli.ingest_run_id ORDER BY oli.ingest_run_id::text ASC))[1] AS oli_ingest_run_id
			FROM stage.nsul_uprn_postcode AS nsul
			JOIN stage.oli_uprn_usrn AS oli
			  ON oli.build_run_id = nsul.build_run_id
			 AND oli.uprn = nsul.uprn
			WHERE nsul.build_run_id = $1
			GROUP BY nsul.postcode_norm, oli.usrn
		)
		INSERT INTO derived.postcode_street_candidates (
			produced_build_run_id,
			postcode,
			street_name_raw,
			street_name_canonical,
			usrn,
			candidate_type,
			confidence,
			evidence_ref,
			source_name,
			ingest_run_id,
			evidence_json
		)
		SELECT
			$1,
			p.postcode,
			s.street_name,
			s.street_name_casefolded,
			a.usrn,
			'uprn_usrn',
			'high',
			'oli:uprn_usrn:' || a.uprn_count::text || '_uprns',
			'os_open_lids',
			a.oli_ingest_run_id,
			jsonb_build_object('uprn_count', a.uprn_count)
		FROM aggregate_pairs AS a
		JOIN core.postcodes AS p
		  ON p.produced_build_run_id = $1
		 AND replace(p.postcode, ' ', '') = a.postcode_norm
		JOIN core.streets_usrn AS s
		  ON s.produced_build_run_id = $1
		 AND s.usrn = a.usrn
		ORDER BY p.postcode COLLATE "C" ASC, a.usrn ASC
	`, buildRunID)
	if err != nil {
		return nil, fmt.Errorf("pass 4 insert uprn candidates: %w", err)
	}

	return map[string]int64{"derived.postcode_street_candidates_uprn_usrn": tag.RowsAffected()}, nil
}

// pass5GBSpatialFallback gives every GB postcode without a high-confidence
// candidate one low-confidence candidate from its lowest-id road segment.
func (r *Runner) pass5GBSpatialFallback(ctx context.Context, tx pgx.Tx, buildRunID string) (map[string]int64, error) {
	if _, err := r.schema.NewBinder("os_open_roads"); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		WITH gb_postcodes_without_high AS (
			SELECT p.postcode, replace(p.postcode, ' ', '') AS postcode_norm
			FROM core.postcodes AS p
			WHERE p.produced_build_run_id = $1
			  AND p.country_iso2 = 'GB'
			  AND NOT EXISTS (
				  SELECT 1
				  FROM derived.postcode_street_candidates AS c
				  WHERE c.produced_build_run_id = p.produced_build_run_id
					AND c.postcode = p.postcode
					AND c.confidence = 'high'
			  )
		),
		ranked_segments AS (
			SELECT
				g.postcode,
				r.segment_id,
				r.usrn,
				r.road_name,
				r.road_name_casefolded,
				r.ingest_run_id,
				ROW_NUMBER() OVER (
					PARTITION BY g.postcode
					ORDER BY r.segment_id COLLATE "C" ASC
				) AS rn
			FROM gb_postcodes_without_high AS g
			JOIN stage.open_roads_segment AS r
			  ON r.build_run_id = $1
			 AND r.postcode_norm = g.postcode_norm
		)
		INSERT INTO derived.postcode_street_candidates (
			produced_build_run_id,
			postcode,
			street_name_raw,
			street_name_canonical,
			usrn,
			candidate_type,
			confidence,
			evidence_ref,
			source_name,
			ingest_run_id,
			evidence_json
		)
		SELECT
			$1,
			rs.postcode,
			rs.road_name,
			rs.road_name_casefolded,
			rs.usrn,
			'spatial_os_open_roads',
			'low',
			'spatial:os_open_roads:' || rs.segment_id || ':fallback',
			'os_open_roads',
			rs.ingest_run_id,
			jsonb_build_object('segment_id', rs.segment_id)
		FROM ranked_segments AS rs
		WHERE rs.rn = 1
		ORDER BY rs.postcode COLLATE "C" ASC
	`, buildRunID)
	if err != nil {
		return nil, fmt.Errorf("pass 5 insert spatial candidates: %w", err)
	}

	return map[string]int64{
		"derived.postcode_street_candidates_spatial_os_open_roads": tag.RowsAffected(),
	}, nil
}

// pass6NICandidates covers Northern Ireland: direct OSNI gazetteer matches at
// medium confidence, then a low-confidence DfI highway fallback for NI
// postcodes with no candidate at all.
func pass6NICandidates(ctx context.Context, tx pgx.Tx, buildRunID string) (map[string]int64, error) {
	directTag, err := tx.Exec(ctx, `
		INSERT INTO derived.postcode_street_candidates (
			produced_build_run_id,
			postcode,
			street_name_raw,
			street_name_canonical,
			usrn,
			candidate_type,
			confidence,
			evidence_ref,
			source_name,
			ingest_run_id,
			evidence_json
		)
		SELECT
			$1,
			p.postcode,
			n.street_name_raw,
			n.street_name_casefolded,
			NULL,
			'osni_gazetteer_direct',
			'medium',
			'osni_gazetteer:feature:' || n.feature_id,
			'osni_gazetteer',
			n.ingest_run_id,
			jsonb_build_object('feature_id', n.feature_id)
		FROM stage.osni_street_point AS n
		JOIN core.postcodes AS p
		  ON p.produced_build_run_id = $1
		 AND replace(p.postcode, ' ', '') = n.postcode_norm
		WHERE n.build_run_id = $1
		  AND p.subdivision_code = 'GB-NIR'
		ORDER BY n.feature_id COLLATE "C" ASC
	`, buildRunID)
	if err != nil {
		return nil, fmt.Errorf("pass 6 insert direct candidates: %w", err)
	}

	fallbackTag, err := tx.Exec(ctx, `
		WITH ni_without_candidates AS (
			SELECT p.postcode, replace(p.postcode, ' ', '') AS postcode_norm
			FROM core.postcodes AS p
			WHERE p.produced_build_run_id = $1
			  AND p.subdivision_code = 'GB-NIR'
			  AND NOT EXISTS (
				  SELECT 1
				  FROM derived.postcode_street_candidates AS c
				  WHERE c.produced_build_run_id = p.produced_build_run_id
					AND c.postcode = p.postcode
			  )
		),
		ranked_segments AS (
			SELECT
				n.postcode,
				d.segment_id,
				d.street_name_raw,
				d.street_name_casefolded,
				d.ingest_run_id,
				ROW_NUMBER() OVER (
					PARTITION BY n.postcode
					ORDER BY d.segment_id COLLATE "C" ASC
				) AS rn
			FROM ni_without_candidates AS n
			JOIN stage.dfi_road_segment AS d
			  ON d.build_run_id = $1
			 AND d.postcode_norm = n.postcode_norm
		)
		INSERT INTO derived.postcode_street_candidates (
			produced_build_run_id,
			postcode,
			street_name_raw,
			street_name_canonical,
			usrn,
			candidate_type,
			confidence,
			evidence_ref,
			source_name,
			ingest_run_id,
			evidence_json
		)
		SELECT
			$1,
			r.postcode,
			r.street_name_raw,
			r.street_name_casefolded,
			NULL,
			'spatial_dfi_highway',
			'low',
			'spatial:dfi_highway:' || r.segment_id || ':fallback',
			'dfi_highway',
			r.ingest_run_id,
			jsonb_build_object('segment_id', r.segment_id)
		FROM ranked_segments AS r
		WHERE r.rn = 1
		ORDER BY r.postcode COLLATE "C" ASC
	`, buildRunID)
	if err != nil {
		return nil, fmt.Errorf("pass 6 insert fallback candidates: %w", err)
	}

	return map[string]int64{
		"derived.postcode_street_candidates_osni_gazetteer_direct": directTag.RowsAffected(),
		"derived.postcode_street_candidates_spatial_dfi_highway":   fallbackTag.RowsAffected(),
	}, nil
}

// pass7PPDGapFill matches parsed sale addresses against the canonical street
// register and also maintains the house-number unit index.
func pass7PPDGapFill(ctx context.Context, tx pgx.Tx, buildRunID string) (map[string]int64, error) {
	candidateTag, err := tx.Exec(ctx, `
		WITH matched AS (
			SELECT
				c.postcode,
				p.house_number,
				p.street_token_raw,
				p.ingest_run_id,
				s.usrn,
				s.street_name,
				s.street_name_casefolded
			FROM stage.ppd_parsed_address AS p
			JOIN core.postcodes AS c
			  ON c.produced_build_run_id = $1
			 AND replace(c.postcode, ' ', '') = p.postcode_norm
			LEFT JOIN core.streets_usrn AS s
			  ON s.produced_build_run_id = $1
			 AND s.street_name_casefolded = p.street_token_casefolded
			WHERE p.build_run_id = $1
		)
		INSERT INTO derived.postcode_street_candidates (
			produced_build_run_id,
			postcode,
			street_name_raw,
			street_name_canonical,
			usrn,
			candidate_type,
			confidence,
			evidence_ref,
			source_name,
			ingest_run_id,
			evidence_json
		)
		SELECT
			$1,
			m.postcode,
			m.street_token_raw,
			COALESCE(m.street_name_casefolded, upper(m.street_token_raw)),
			m.usrn,
			CASE WHEN m.usrn IS NULL THEN 'ppd_parse_unmatched' ELSE 'ppd_parse_matched' END,
			CASE WHEN m.usrn IS NULL THEN 'low' ELSE 'medium' END,
			'ppd:row:' || md5(m.postcode || '|' || COALESCE(m.house_number, '') || '|' || m.street_token_raw),
			'ppd',
			m.ingest_run_id,
			jsonb_build_object('house_number', m.house_number)
		FROM matched AS m
		ORDER BY m.postcode COLLATE "C" ASC
	`, buildRunID)
	if err != nil {
		return nil, fmt.Errorf("pass 7 insert ppd candidates: %w", err)
	}

	unitTag, err := tx.Exec(ctx, `
		WITH matched AS (
			SELECT
				c.postcode,
				p.house_number,
				p.ingest_run_id,
				s.usrn,
				COALESCE(s.street_name, p.street_token_raw) AS street_name,
				CASE WHEN s.usrn IS NULL THEN 'low' ELSE 'medium' END AS confidence,
				CASE WHEN s.usrn IS NULL THEN 'ppd_parse_unmatched' ELSE 'ppd_parse_matched' END AS source_type
			FROM stage.ppd_parsed_address AS p
			JOIN core.postcodes AS c
			  ON c.produced_build_run_id = $1
			 AND replace(c.postcode, ' ', '') = p.postcode_norm
			LEFT JOIN core.streets_usrn AS s
			  ON s.produced_build_run_id = $1
			 AND s.street_name_casefolded = p.street_token_casefolded
			WHERE p.build_run_id = $1
		)
		INSERT INTO internal.unit_index (
			produced_build_run_id,
			postcode,
			house_number,
			street_name,
			usrn,
			confidence,
			source_type,
			ingest_run_id
		)
		SELECT
			$1,
			postcode,
			COALESCE(house_number, ''),
			street_name,
			usrn,
			confidence,
			source_type,
			ingest_run_id
		FROM matched
		ORDER BY postcode COLLATE "C" ASC
	`, buildRunID)
	if err != nil {
		return nil, fmt.Errorf("pass 7 insert unit index: %w", err)
	}

	return map[string]int64{
		"derived.postcode_street_candidates_ppd": candidateTag.RowsAffected(),
		"internal.unit_index":                    unitTag.RowsAffected(),
	}, nil
}
