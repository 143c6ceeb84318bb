package build

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"unicode/utf16"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jamiethompson/postcod.es/internal/bundle"
)

// canonicalHashSpec names one deterministic projection of the build output.
// Numeric columns are cast to text in SQL so the hash covers the exact
// database representation rather than a client-side float rendering.
type canonicalHashSpec struct {
	objectName string
	query      string
	args       []any
}

// encodeCanonicalRow renders one result row as a compact ASCII-only JSON
// array. The encoding is byte-stable across platforms: no whitespace, every
// non-ASCII rune escaped as lowercase \uXXXX (surrogate pairs above the BMP).
func encodeCanonicalRow(values []any) ([]byte, error) {
	buf := make([]byte, 0, 128)
	buf = append(buf, '[')
	for i, value := range values {
		if i > 0 {
			buf = append(buf, ',')
		}
		switch v := value.(type) {
		case nil:
			buf = append(buf, "null"...)
		case bool:
			if v {
				buf = append(buf, "true"...)
			} else {
				buf = append(buf, "false"...)
			}
		case string:
			buf = appendASCIIString(buf, v)
		case int64:
			buf = strconv.AppendInt(buf, v, 10)
		case int32:
			buf = strconv.AppendInt(buf, int64(v), 10)
		case int16:
			buf = strconv.AppendInt(buf, int64(v), 10)
		default:
			return nil, fmt.Errorf("unsupported canonical value type %T", value)
		}
	}
	buf = append(buf, ']')
	return buf, nil
}

func appendASCIIString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for _, r := range s {
		switch {
		case r == '"':
			buf = append(buf, '\\', '"')
		case r == '\\':
			buf = append(buf, '\\', '\\')
		case r == '\b':
			buf = append(buf, '\\', 'b')
		case r == '\t':
			buf = append(buf, '\\', 't')
		case r == '\n':
			buf = append(buf, '\\', 'n')
		case r == '\f':
			buf = append(buf, '\\', 'f')
		case r == '\r':
			buf = append(buf, '\\', 'r')
		case r >= 0x20 && r <= 0x7e:
			buf = append(buf, byte(r))
		case r > 0xffff:
			hi, lo := utf16.EncodeRune(r)
			buf = appendUnicodeEscape(buf, hi)
			buf = appendUnicodeEscape(buf, lo)
		default:
			buf = appendUnicodeEscape(buf, r)
		}
	}
	return append(buf, '"')
}

func appendUnicodeEscape(buf []byte, r rune) []byte {
	const hexDigits = "0123456789abcdef"
	return append(buf, '\\', 'u',
		hexDigits[(r>>12)&0xf],
		hexDigits[(r>>8)&0xf],
		hexDigits[(r>>4)&0xf],
		hexDigits[r&0xf])
}

func canonicalHashQuery(ctx context.Context, tx pgx.Tx, spec canonicalHashSpec) (int64, string, error) {
	rows, err := tx.Query(ctx, spec.query, spec.args...)
	if err != nil {
		return 0, "", fmt.Errorf("canonical hash query %s: %w", spec.objectName, err)
	}
	defer rows.Close()

	digest := sha256.New()
	var rowCount int64
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return 0, "", fmt.Errorf("canonical hash values %s: %w", spec.objectName, err)
		}
		encoded, err := encodeCanonicalRow(values)
		if err != nil {
			return 0, "", fmt.Errorf("canonical hash encode %s: %w", spec.objectName, err)
		}
		digest.Write(encoded)
		digest.Write([]byte{'\n'})
		rowCount++
	}
	if err := rows.Err(); err != nil {
		return 0, "", fmt.Errorf("canonical hash read %s: %w", spec.objectName, err)
	}
	return rowCount, hex.EncodeToString(digest.Sum(nil)), nil
}

// Verify recomputes the canonical SHA-256 hashes for a built run, checks that
// per-postcode probabilities sum to exactly 1.0000, and records the hashes in
// meta.canonical_hash (replacing any previous verification of the run).
func Verify(ctx context.Context, db *pgxpool.Pool, buildRunID string) (VerifyResult, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("begin verify: %w", err)
	}
	defer tx.Rollback(ctx)

	var datasetVersion, status string
	err = tx.QueryRow(ctx, `
		SELECT dataset_version, status
		FROM meta.build_run
		WHERE build_run_id = $1
	`, buildRunID).Scan(&datasetVersion, &status)
	if err == pgx.ErrNoRows {
		return VerifyResult{}, fmt.Errorf("Build run not found: %s", buildRunID)
	}
	if err != nil {
		return VerifyResult{}, fmt.Errorf("query build run: %w", err)
	}
	if status != "built" && status != "published" {
		return VerifyResult{}, fmt.Errorf(
			"Build run %s must be built before verify (status=%s)", buildRunID, status)
	}

	var badPostcode, badSum string
	err = tx.QueryRow(ctx, `
		SELECT postcode, (SUM(probability)::numeric(10,4))::text AS prob_sum
		FROM derived.postcode_streets_final
		WHERE produced_build_run_id = $1
		GROUP BY postcode
		HAVING SUM(probability)::numeric(10,4) <> 1.0000
		LIMIT 1
	`, buildRunID).Scan(&badPostcode, &badSum)
	if err == nil {
		return VerifyResult{}, fmt.Errorf(
			"Probability sum check failed for postcode=%s sum=%s", badPostcode, badSum)
	}
	if err != pgx.ErrNoRows {
		return VerifyResult{}, fmt.Errorf("probability sum check: %w", err)
	}

	suffix := bundle.SafeVersionSuffix(datasetVersion)
	streetTable := "api.postcode_street_lookup__" + suffix
	lookupTable := "api.postcode_lookup__" + suffix

	var streetRegclass, lookupRegclass *string
	if err := tx.QueryRow(ctx,
		"SELECT to_regclass($1)::text, to_regclass($2)::text",
		streetTable, lookupTable,
	).Scan(&streetRegclass, &lookupRegclass); err != nil {
		return VerifyResult{}, fmt.Errorf("check projection tables: %w", err)
	}
	if streetRegclass == nil || lookupRegclass == nil {
		return VerifyResult{}, fmt.Errorf(
			"API projection tables not found for dataset_version=%s; expected %s and %s",
			datasetVersion, streetTable, lookupTable)
	}

	specs := []canonicalHashSpec{
		{
			objectName: "derived_postcode_streets_final",
			query: `
				SELECT postcode, street_name, usrn, confidence, frequency_score::text, probability::text
				FROM derived.postcode_streets_final
				WHERE produced_build_run_id = $1
				ORDER BY postcode COLLATE "C" ASC, street_name COLLATE "C" ASC, usrn ASC NULLS LAST
			`,
			args: []any{buildRunID},
		},
		{
			objectName: "api_postcode_street_lookup",
			query: fmt.Sprintf(`
				SELECT postcode, street_name, usrn, confidence, frequency_score::text, probability::text, dataset_version
				FROM api.%q
				ORDER BY postcode COLLATE "C" ASC, street_name COLLATE "C" ASC, usrn ASC NULLS LAST
			`, "postcode_street_lookup__"+suffix),
		},
		{
			objectName: "api_postcode_lookup",
			query: fmt.Sprintf(`
				SELECT postcode, status, country_iso2, country_iso3, subdivision_code,
				       post_town, locality, lat::text, lon::text, easting, northing,
				       street_enrichment_available, multi_street, streets_json::text,
				       sources::text, dataset_version
				FROM api.%q
				ORDER BY postcode COLLATE "C" ASC
			`, "postcode_lookup__"+suffix),
		},
	}

	if _, err := tx.Exec(ctx,
		"DELETE FROM meta.canonical_hash WHERE build_run_id = $1", buildRunID); err != nil {
		return VerifyResult{}, fmt.Errorf("clear canonical hashes: %w", err)
	}

	objectHashes := map[string]string{}
	for _, spec := range specs {
		rowCount, digest, err := canonicalHashQuery(ctx, tx, spec)
		if err != nil {
			return VerifyResult{}, err
		}
		objectHashes[spec.objectName] = digest
		if _, err := tx.Exec(ctx, `
			INSERT INTO meta.canonical_hash (
				build_run_id,
				object_name,
				projection,
				row_count,
				sha256,
				computed_at_utc
			) VALUES ($1, $2, $3, $4, $5, now())
		`, buildRunID, spec.objectName,
			map[string]any{"ordering": "deterministic"}, rowCount, digest); err != nil {
			return VerifyResult{}, fmt.Errorf("record canonical hash %s: %w", spec.objectName, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return VerifyResult{}, fmt.Errorf("commit verify: %w", err)
	}

	return VerifyResult{
		BuildRunID:   buildRunID,
		Status:       "verified",
		ObjectHashes: objectHashes,
	}, nil
}
