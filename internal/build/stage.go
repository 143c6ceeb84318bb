package build

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/jamiethompson/postcod.es/internal/ingest"
	"github.com/jamiethompson/postcod.es/internal/normalise"
	"github.com/jamiethompson/postcod.es/internal/schema"
)

// pass0aRawIngest validates that every bundled ingest run exists, matches its
// source slot, and recorded at least one row. It writes nothing.
func pass0aRawIngest(ctx context.Context, tx pgx.Tx, sourceRuns map[string][]string) (map[string]int64, error) {
	sourceNames := make([]string, 0, len(sourceRuns))
	for sourceName := range sourceRuns {
		sourceNames = append(sourceNames, sourceName)
	}
	sort.Strings(sourceNames)

	counts := map[string]int64{}
	for _, sourceName := range sourceNames {
		var total int64
		for _, runID := range sourceRuns[sourceName] {
			var rowSource string
			var recordCount int64
			err := tx.QueryRow(ctx, `
				SELECT source_name, record_count
				FROM meta.ingest_run
				WHERE run_id = $1
			`, runID).Scan(&rowSource, &recordCount)
			if err == pgx.ErrNoRows {
				return nil, fmt.Errorf(
					"Pass 0a failed: ingest run missing in metadata source=%s run=%s", sourceName, runID)
			}
			if err != nil {
				return nil, fmt.Errorf("Pass 0a failed: query ingest run %s: %w", runID, err)
			}
			if rowSource != sourceName {
				return nil, fmt.Errorf(
					"Pass 0a failed: ingest run/source mismatch bundle_source=%s run_source=%s run=%s",
					sourceName, rowSource, runID)
			}
			if recordCount <= 0 {
				return nil, fmt.Errorf(
					"Pass 0a failed: source has no recorded rows for source=%s run=%s", sourceName, runID)
			}
			total += recordCount
		}
		counts[sourceName] = total
	}
	return counts, nil
}

func onspdCountryMapping(value string) (iso2, iso3 string, subdivision any) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "E92000001":
		return "GB", "GBR", "GB-ENG"
	case "S92000003":
		return "GB", "GBR", "GB-SCT"
	case "W92000004":
		return "GB", "GBR", "GB-WLS"
	case "N92000002":
		return "GB", "GBR", "GB-NIR"
	default:
		return "GB", "GBR", nil
	}
}

func normaliseONSPDStatus(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "active"
	}
	lowered := strings.ToLower(trimmed)
	if lowered == "active" || lowered == "terminated" {
		return lowered
	}
	return "terminated"
}

func countryEnrichmentAvailable(countryISO2 string, subdivision any) bool {
	switch subdivision {
	case "GB-ENG", "GB-SCT", "GB-WLS", "GB-NIR":
		return true
	}
	return countryISO2 == "GB"
}

// Raw payload values arrive as string, json.Number, bool, or nil depending on
// the source file format.

func isEmpty(value any) bool {
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok {
		return s == ""
	}
	return false
}

func asString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(v)
	}
}

// parseInt parses integer identifiers. Integer-valued JSON numbers and plain
// digit strings are accepted; float strings are not.
func parseInt(value any) (int64, bool) {
	if num, ok := value.(json.Number); ok {
		if parsed, err := num.Int64(); err == nil {
			return parsed, true
		}
		if parsed, err := num.Float64(); err == nil {
			return int64(parsed), true
		}
		return 0, false
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(asString(value)), 10, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// parseFloatTruncate parses a number and truncates toward zero, for grid
// coordinates carried as float strings.
func parseFloatTruncate(value any) (int64, bool) {
	parsed, ok := parseFloat(value)
	if !ok {
		return 0, false
	}
	return int64(parsed), true
}

func parseFloat(value any) (float64, bool) {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(asString(value)), 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func trimmedOrNil(value any) any {
	if isEmpty(value) {
		return nil
	}
	return strings.TrimSpace(asString(value))
}

func upperTrimmedOrNil(value any) any {
	if isEmpty(value) {
		return nil
	}
	return strings.ToUpper(strings.TrimSpace(asString(value)))
}

// iterRawRows streams payload rows of one ingest run in source order. Reads
// go through the pool rather than the pass transaction; raw tables are
// immutable once ingested. The first row is checked against the source's
// required field mapping.
func (r *Runner) iterRawRows(
	ctx context.Context,
	binder *schema.Binder,
	rawTable string,
	ingestRunID string,
	fn func(row map[string]any) error,
) error {
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		SELECT payload_jsonb
		FROM %s
		WHERE ingest_run_id = $1
		ORDER BY source_row_num ASC
	`, rawTable), ingestRunID)
	if err != nil {
		return fmt.Errorf("query raw rows %s: %w", rawTable, err)
	}
	defer rows.Close()

	first := true
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("scan raw row: %w", err)
		}
		row := map[string]any{}
		dec := json.NewDecoder(strings.NewReader(string(payload)))
		dec.UseNumber()
		if err := dec.Decode(&row); err != nil {
			return fmt.Errorf("decode raw payload from %s: %w", rawTable, err)
		}
		if first {
			first = false
			if err := binder.AssertRequired(row); err != nil {
				return err
			}
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read raw rows %s: %w", rawTable, err)
	}
	if first {
		return fmt.Errorf("Raw source is empty for %s; cannot stage-normalise", binder.SourceName())
	}
	return nil
}

// stageBatcher accumulates parameter tuples for one stage insert statement
// and flushes them in batches through the pass transaction.
type stageBatcher struct {
	tx        pgx.Tx
	insertSQL string
	batch     *pgx.Batch
	count     int64
}

func newStageBatcher(tx pgx.Tx, insertSQL string) *stageBatcher {
	return &stageBatcher{tx: tx, insertSQL: insertSQL, batch: &pgx.Batch{}}
}

func (b *stageBatcher) add(ctx context.Context, args ...any) error {
	b.batch.Queue(b.insertSQL, args...)
	if b.batch.Len() >= stageInsertBatchSize {
		return b.flush(ctx)
	}
	return nil
}

func (b *stageBatcher) flush(ctx context.Context) error {
	if b.batch.Len() == 0 {
		return nil
	}
	queued := b.batch.Len()
	if err := b.tx.SendBatch(ctx, b.batch).Close(); err != nil {
		return fmt.Errorf("flush stage batch: %w", err)
	}
	b.count += int64(queued)
	b.batch = &pgx.Batch{}
	return nil
}

func stageCleanup(ctx context.Context, tx pgx.Tx, buildRunID string) error {
	tables := []string{
		"stage.ppd_parsed_address",
		"stage.dfi_road_segment",
		"stage.osni_street_point",
		"stage.nsul_uprn_postcode",
		"stage.oli_uprn_usrn",
		"stage.oli_toid_usrn",
		"stage.oli_identifier_pair",
		"stage.uprn_point",
		"stage.open_roads_segment",
		"stage.open_names_road_feature",
		"stage.streets_usrn_input",
		"stage.onspd_postcode",
	}
	for _, table := range tables {
		query := fmt.Sprintf("DELETE FROM %s WHERE build_run_id = $1", table)
		if _, err := tx.Exec(ctx, query, buildRunID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

func (r *Runner) pass0bStageNormalisation(
	ctx context.Context,
	tx pgx.Tx,
	buildRunID string,
	sourceRuns map[string][]string,
) (map[string]int64, error) {
	if err := stageCleanup(ctx, tx, buildRunID); err != nil {
		return nil, err
	}

	counts := map[string]int64{}

	type singleRunSource struct {
		sourceName string
		stageTable string
		populate   func(ctx context.Context, tx pgx.Tx, buildRunID, runID string, binder *schema.Binder) (int64, error)
	}
	singles := []singleRunSource{
		{"onspd", "stage.onspd_postcode", r.populateONSPD},
		{"os_open_usrn", "stage.streets_usrn_input", r.populateUSRN},
		{"os_open_names", "stage.open_names_road_feature", r.populateOpenNames},
		{"os_open_roads", "stage.open_roads_segment", r.populateOpenRoads},
		{"os_open_uprn", "stage.uprn_point", r.populateOpenUPRN},
		{"nsul", "stage.nsul_uprn_postcode", r.populateNSUL},
		{"osni_gazetteer", "stage.osni_street_point", r.populateOSNI},
		{"dfi_highway", "stage.dfi_road_segment", r.populateDFI},
	}
	for _, src := range singles {
		if _, ok := sourceRuns[src.sourceName]; !ok {
			continue
		}
		binder, err := r.schema.NewBinder(src.sourceName)
		if err != nil {
			return nil, err
		}
		runID, err := singleSourceRun(sourceRuns, src.sourceName)
		if err != nil {
			return nil, err
		}
		inserted, err := src.populate(ctx, tx, buildRunID, runID, binder)
		if err != nil {
			return nil, err
		}
		counts[src.stageTable] = inserted
	}

	if _, ok := sourceRuns["os_open_lids"]; ok {
		binder, err := r.schema.NewBinder("os_open_lids")
		if err != nil {
			return nil, err
		}
		runID, err := singleSourceRun(sourceRuns, "os_open_lids")
		if err != nil {
			return nil, err
		}
		toidCount, uprnCount, pairCount, err := r.populateLIDS(ctx, tx, buildRunID, runID, binder)
		if err != nil {
			return nil, err
		}
		counts["stage.oli_toid_usrn"] = toidCount
		counts["stage.oli_uprn_usrn"] = uprnCount
		counts["stage.oli_identifier_pair"] = pairCount
	}

	if ppdRunIDs, ok := sourceRuns["ppd"]; ok {
		if len(ppdRunIDs) == 0 {
			return nil, fmt.Errorf("Bundle requires at least one ppd ingest run")
		}
		binder, err := r.schema.NewBinder("ppd")
		if err != nil {
			return nil, err
		}
		ordered, err := orderedRunIDs(ctx, tx, ppdRunIDs)
		if err != nil {
			return nil, err
		}
		var ppdRows int64
		for _, runID := range ordered {
			inserted, err := r.populatePPD(ctx, tx, buildRunID, runID, binder)
			if err != nil {
				return nil, err
			}
			ppdRows += inserted
		}
		counts["stage.ppd_parsed_address"] = ppdRows
	}

	return counts, nil
}

func (r *Runner) populateONSPD(ctx context.Context, tx pgx.Tx, buildRunID, runID string, binder *schema.Binder) (int64, error) {
	batcher := newStageBatcher(tx, `
		INSERT INTO stage.onspd_postcode (
			build_run_id,
			postcode_norm,
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
		) VALUES ($1, $2, $3, $4, ROUND($5::numeric, 6), ROUND($6::numeric, 6),
		          $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`)

	err := r.iterRawRows(ctx, binder, ingest.RawTableBySource["onspd"], runID, func(row map[string]any) error {
		postcodeRaw := asString(binder.Value(row, "postcode"))
		postcodeN := normalise.PostcodeNorm(postcodeRaw)
		postcodeD := normalise.PostcodeDisplay(postcodeRaw)
		if postcodeN == "" || postcodeD == "" {
			return nil
		}

		status := normaliseONSPDStatus(asString(rowValueByMappedKey(row, binder, "status")))

		countryValue := rowValueByMappedKey(row, binder, "subdivision_code")
		if countryValue == nil {
			countryValue = rowValueByMappedKey(row, binder, "country_iso2")
		}
		countryISO2, countryISO3, subdivision := onspdCountryMapping(asString(countryValue))

		var lat, lon any
		if parsed, ok := parseFloat(binder.Value(row, "lat")); ok {
			lat = parsed
		}
		if parsed, ok := parseFloat(binder.Value(row, "lon")); ok {
			lon = parsed
		}
		var easting, northing any
		if parsed, ok := parseFloatTruncate(binder.Value(row, "easting")); ok {
			easting = parsed
		}
		if parsed, ok := parseFloatTruncate(binder.Value(row, "northing")); ok {
			northing = parsed
		}

		return batcher.add(ctx,
			buildRunID,
			postcodeN,
			postcodeD,
			status,
			lat,
			lon,
			easting,
			northing,
			countryISO2,
			countryISO3,
			subdivision,
			upperTrimmedOrNil(rowValueByMappedKey(row, binder, "post_town")),
			upperTrimmedOrNil(rowValueByMappedKey(row, binder, "locality")),
			countryEnrichmentAvailable(countryISO2, subdivision),
			runID,
		)
	})
	if err != nil {
		return 0, err
	}
	if err := batcher.flush(ctx); err != nil {
		return 0, err
	}
	return batcher.count, nil
}

// rowValueByMappedKey reads an optional field strictly through its configured
// mapped key, without alias fallback.
func rowValueByMappedKey(row map[string]any, binder *schema.Binder, logicalKey string) any {
	mapped := binder.MappedKey(logicalKey)
	if mapped == "" {
		return nil
	}
	value, ok := row[mapped]
	if !ok || isEmpty(value) {
		return nil
	}
	return value
}

func (r *Runner) populateUSRN(ctx context.Context, tx pgx.Tx, buildRunID, runID string, binder *schema.Binder) (int64, error) {
	batcher := newStageBatcher(tx, `
		INSERT INTO stage.streets_usrn_input (
			build_run_id,
			usrn,
			street_name,
			street_name_casefolded,
			street_class,
			street_status,
			usrn_run_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (build_run_id, usrn)
		DO UPDATE SET
			street_name = EXCLUDED.street_name,
			street_name_casefolded = EXCLUDED.street_name_casefolded,
			street_class = EXCLUDED.street_class,
			street_status = EXCLUDED.street_status,
			usrn_run_id = EXCLUDED.usrn_run_id
	`)

	err := r.iterRawRows(ctx, binder, ingest.RawTableBySource["os_open_usrn"], runID, func(row map[string]any) error {
		usrnRaw := binder.Value(row, "usrn")
		nameRaw := rowValueByMappedKey(row, binder, "street_name")
		if isEmpty(usrnRaw) || isEmpty(nameRaw) {
			return nil
		}
		usrn, ok := parseInt(usrnRaw)
		if !ok {
			return nil
		}
		streetName := strings.TrimSpace(asString(nameRaw))
		folded := r.norm.StreetCasefold(streetName)
		if streetName == "" || folded == "" {
			return nil
		}

		return batcher.add(ctx,
			buildRunID,
			usrn,
			streetName,
			folded,
			trimmedOrNil(rowValueByMappedKey(row, binder, "street_class")),
			trimmedOrNil(rowValueByMappedKey(row, binder, "street_status")),
			runID,
		)
	})
	if err != nil {
		return 0, err
	}
	if err := batcher.flush(ctx); err != nil {
		return 0, err
	}
	return batcher.count, nil
}

func (r *Runner) populateOpenNames(ctx context.Context, tx pgx.Tx, buildRunID, runID string, binder *schema.Binder) (int64, error) {
	batcher := newStageBatcher(tx, `
		INSERT INTO stage.open_names_road_feature (
			build_run_id,
			feature_id,
			toid,
			postcode_norm,
			street_name_raw,
			street_name_casefolded,
			ingest_run_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (build_run_id, feature_id)
		DO UPDATE SET
			toid = EXCLUDED.toid,
			postcode_norm = EXCLUDED.postcode_norm,
			street_name_raw = EXCLUDED.street_name_raw,
			street_name_casefolded = EXCLUDED.street_name_casefolded,
			ingest_run_id = EXCLUDED.ingest_run_id
	`)

	err := r.iterRawRows(ctx, binder, ingest.RawTableBySource["os_open_names"], runID, func(row map[string]any) error {
		featureIDRaw := binder.Value(row, "feature_id")
		streetRaw := binder.Value(row, "street_name")
		if isEmpty(featureIDRaw) || isEmpty(streetRaw) {
			return nil
		}

		// Only road and transport features qualify; unclassified local types
		// are kept.
		localType := strings.ToLower(strings.TrimSpace(asString(rowValueByMappedKey(row, binder, "local_type"))))
		if localType != "" && !strings.Contains(localType, "road") && !strings.Contains(localType, "transport") {
			return nil
		}

		folded := r.norm.StreetCasefold(asString(streetRaw))
		if folded == "" {
			return nil
		}

		var postcodeN any
		if normed := normalise.PostcodeNorm(asString(rowValueByMappedKey(row, binder, "postcode"))); normed != "" {
			postcodeN = normed
		}

		return batcher.add(ctx,
			buildRunID,
			strings.TrimSpace(asString(featureIDRaw)),
			trimmedOrNil(rowValueByMappedKey(row, binder, "toid")),
			postcodeN,
			strings.TrimSpace(asString(streetRaw)),
			folded,
			runID,
		)
	})
	if err != nil {
		return 0, err
	}
	if err := batcher.flush(ctx); err != nil {
		return 0, err
	}
	return batcher.count, nil
}

func (r *Runner) populateOpenRoads(ctx context.Context, tx pgx.Tx, buildRunID, runID string, binder *schema.Binder) (int64, error) {
	batcher := newStageBatcher(tx, `
		INSERT INTO stage.open_roads_segment (
			build_run_id,
			segment_id,
			road_id,
			postcode_norm,
			usrn,
			road_name,
			road_name_casefolded,
			ingest_run_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (build_run_id, segment_id)
		DO UPDATE SET
			road_id = EXCLUDED.road_id,
			postcode_norm = EXCLUDED.postcode_norm,
			usrn = EXCLUDED.usrn,
			road_name = EXCLUDED.road_name,
			road_name_casefolded = EXCLUDED.road_name_casefolded,
			ingest_run_id = EXCLUDED.ingest_run_id
	`)

	err := r.iterRawRows(ctx, binder, ingest.RawTableBySource["os_open_roads"], runID, func(row map[string]any) error {
		segmentIDRaw := binder.Value(row, "segment_id")
		roadNameRaw := binder.Value(row, "road_name")
		if isEmpty(segmentIDRaw) || isEmpty(roadNameRaw) {
			return nil
		}

		folded := r.norm.StreetCasefold(asString(roadNameRaw))
		if folded == "" {
			return nil
		}

		var postcodeN any
		if normed := normalise.PostcodeNorm(asString(rowValueByMappedKey(row, binder, "postcode"))); normed != "" {
			postcodeN = normed
		}
		var usrn any
		if parsed, ok := parseInt(rowValueByMappedKey(row, binder, "usrn")); ok {
			usrn = parsed
		}

		return batcher.add(ctx,
			buildRunID,
			strings.TrimSpace(asString(segmentIDRaw)),
			trimmedOrNil(rowValueByMappedKey(row, binder, "road_id")),
			postcodeN,
			usrn,
			strings.TrimSpace(asString(roadNameRaw)),
			folded,
			runID,
		)
	})
	if err != nil {
		return 0, err
	}
	if err := batcher.flush(ctx); err != nil {
		return 0, err
	}
	return batcher.count, nil
}

func (r *Runner) populateOpenUPRN(ctx context.Context, tx pgx.Tx, buildRunID, runID string, binder *schema.Binder) (int64, error) {
	batcher := newStageBatcher(tx, `
		INSERT INTO stage.uprn_point (
			build_run_id,
			uprn,
			postcode_norm,
			ingest_run_id
		) VALUES ($1, $2, $3, $4)
		ON CONFLICT (build_run_id, uprn)
		DO UPDATE SET
			postcode_norm = EXCLUDED.postcode_norm,
			ingest_run_id = EXCLUDED.ingest_run_id
	`)

	err := r.iterRawRows(ctx, binder, ingest.RawTableBySource["os_open_uprn"], runID, func(row map[string]any) error {
		uprnRaw := binder.Value(row, "uprn")
		if isEmpty(uprnRaw) {
			return nil
		}
		uprn, ok := parseInt(uprnRaw)
		if !ok {
			return nil
		}

		var postcodeN any
		if normed := normalise.PostcodeNorm(asString(rowValueByMappedKey(row, binder, "postcode"))); normed != "" {
			postcodeN = normed
		}

		return batcher.add(ctx, buildRunID, uprn, postcodeN, runID)
	})
	if err != nil {
		return 0, err
	}
	if err := batcher.flush(ctx); err != nil {
		return 0, err
	}
	return batcher.count, nil
}

// inferLIDSRelation classifies one linked-identifier pair. Explicit relation
// labels win; otherwise TOIDs are recognised by their OSGB prefix and
// UPRN/USRN pairs by digit length, keeping input order when ambiguous.
func inferLIDSRelation(relationRaw any, leftID, rightID string) (relation, left, right string) {
	label := strings.ToLower(strings.TrimSpace(asString(relationRaw)))
	leftIsTOID := strings.HasPrefix(strings.ToLower(leftID), "osgb")
	rightIsTOID := strings.HasPrefix(strings.ToLower(rightID), "osgb")
	leftIsDigits := isAllDigits(leftID)
	rightIsDigits := isAllDigits(rightID)

	switch label {
	case "toid_usrn", "toid->usrn", "toid_usrn_link":
		return "toid_usrn", leftID, rightID
	case "uprn_usrn", "uprn->usrn", "uprn_usrn_link":
		return "uprn_usrn", leftID, rightID
	}

	if leftIsTOID && rightIsDigits {
		return "toid_usrn", leftID, rightID
	}
	if rightIsTOID && leftIsDigits {
		return "toid_usrn", rightID, leftID
	}

	if leftIsDigits && rightIsDigits {
		if len(leftID) > 8 && len(rightID) <= 8 {
			return "uprn_usrn", leftID, rightID
		}
		if len(rightID) > 8 && len(leftID) <= 8 {
			return "uprn_usrn", rightID, leftID
		}
		return "uprn_usrn", leftID, rightID
	}

	return "", leftID, rightID
}

func isAllDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (r *Runner) populateLIDS(ctx context.Context, tx pgx.Tx, buildRunID, runID string, binder *schema.Binder) (toidCount, uprnCount, pairCount int64, err error) {
	toidBatcher := newStageBatcher(tx, `
		INSERT INTO stage.oli_toid_usrn (
			build_run_id,
			toid,
			usrn,
			ingest_run_id
		) VALUES ($1, $2, $3, $4)
		ON CONFLICT (build_run_id, toid, usrn)
		DO NOTHING
	`)
	uprnBatcher := newStageBatcher(tx, `
		INSERT INTO stage.oli_uprn_usrn (
			build_run_id,
			uprn,
			usrn,
			ingest_run_id
		) VALUES ($1, $2, $3, $4)
		ON CONFLICT (build_run_id, uprn, usrn)
		DO NOTHING
	`)
	pairBatcher := newStageBatcher(tx, `
		INSERT INTO stage.oli_identifier_pair (
			build_run_id,
			id_1,
			id_2,
			relation_type,
			ingest_run_id
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (build_run_id, id_1, id_2, relation_type)
		DO NOTHING
	`)

	err = r.iterRawRows(ctx, binder, ingest.RawTableBySource["os_open_lids"], runID, func(row map[string]any) error {
		leftRaw := binder.Value(row, "id_1")
		rightRaw := binder.Value(row, "id_2")
		if isEmpty(leftRaw) || isEmpty(rightRaw) {
			return nil
		}

		leftID := strings.TrimSpace(asString(leftRaw))
		rightID := strings.TrimSpace(asString(rightRaw))
		relation, relLeft, relRight := inferLIDSRelation(rowValueByMappedKey(row, binder, "relation_type"), leftID, rightID)
		if relation == "" {
			return nil
		}

		if err := pairBatcher.add(ctx, buildRunID, relLeft, relRight, relation, runID); err != nil {
			return err
		}

		switch relation {
		case "toid_usrn":
			usrn, ok := parseInt(relRight)
			if !ok {
				return nil
			}
			return toidBatcher.add(ctx, buildRunID, relLeft, usrn, runID)
		case "uprn_usrn":
			uprn, okUPRN := parseInt(relLeft)
			usrn, okUSRN := parseInt(relRight)
			if !okUPRN || !okUSRN {
				return nil
			}
			return uprnBatcher.add(ctx, buildRunID, uprn, usrn, runID)
		}
		return nil
	})
	if err != nil {
		return 0, 0, 0, err
	}

	for _, batcher := range []*stageBatcher{toidBatcher, uprnBatcher, pairBatcher} {
		if err := batcher.flush(ctx); err != nil {
			return 0, 0, 0, err
		}
	}
	return toidBatcher.count, uprnBatcher.count, pairBatcher.count, nil
}

func (r *Runner) populateNSUL(ctx context.Context, tx pgx.Tx, buildRunID, runID string, binder *schema.Binder) (int64, error) {
	batcher := newStageBatcher(tx, `
		INSERT INTO stage.nsul_uprn_postcode (
			build_run_id,
			uprn,
			postcode_norm,
			ingest_run_id
		) VALUES ($1, $2, $3, $4)
		ON CONFLICT (build_run_id, uprn, postcode_norm)
		DO NOTHING
	`)

	err := r.iterRawRows(ctx, binder, ingest.RawTableBySource["nsul"], runID, func(row map[string]any) error {
		uprnRaw := binder.Value(row, "uprn")
		if isEmpty(uprnRaw) {
			return nil
		}
		uprn, ok := parseInt(uprnRaw)
		if !ok {
			return nil
		}
		postcodeN := normalise.PostcodeNorm(asString(binder.Value(row, "postcode")))
		if postcodeN == "" {
			return nil
		}
		return batcher.add(ctx, buildRunID, uprn, postcodeN, runID)
	})
	if err != nil {
		return 0, err
	}
	if err := batcher.flush(ctx); err != nil {
		return 0, err
	}
	return batcher.count, nil
}

func (r *Runner) populateOSNI(ctx context.Context, tx pgx.Tx, buildRunID, runID string, binder *schema.Binder) (int64, error) {
	batcher := newStageBatcher(tx, `
		INSERT INTO stage.osni_street_point (
			build_run_id,
			feature_id,
			postcode_norm,
			street_name_raw,
			street_name_casefolded,
			ingest_run_id
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (build_run_id, feature_id)
		DO UPDATE SET
			postcode_norm = EXCLUDED.postcode_norm,
			street_name_raw = EXCLUDED.street_name_raw,
			street_name_casefolded = EXCLUDED.street_name_casefolded,
			ingest_run_id = EXCLUDED.ingest_run_id
	`)

	err := r.iterRawRows(ctx, binder, ingest.RawTableBySource["osni_gazetteer"], runID, func(row map[string]any) error {
		featureIDRaw := binder.Value(row, "feature_id")
		streetRaw := binder.Value(row, "street_name")
		if isEmpty(featureIDRaw) || isEmpty(streetRaw) {
			return nil
		}
		folded := r.norm.StreetCasefold(asString(streetRaw))
		if folded == "" {
			return nil
		}

		var postcodeN any
		if normed := normalise.PostcodeNorm(asString(rowValueByMappedKey(row, binder, "postcode"))); normed != "" {
			postcodeN = normed
		}

		return batcher.add(ctx,
			buildRunID,
			strings.TrimSpace(asString(featureIDRaw)),
			postcodeN,
			strings.TrimSpace(asString(streetRaw)),
			folded,
			runID,
		)
	})
	if err != nil {
		return 0, err
	}
	if err := batcher.flush(ctx); err != nil {
		return 0, err
	}
	return batcher.count, nil
}

func (r *Runner) populateDFI(ctx context.Context, tx pgx.Tx, buildRunID, runID string, binder *schema.Binder) (int64, error) {
	batcher := newStageBatcher(tx, `
		INSERT INTO stage.dfi_road_segment (
			build_run_id,
			segment_id,
			postcode_norm,
			street_name_raw,
			street_name_casefolded,
			ingest_run_id
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (build_run_id, segment_id)
		DO UPDATE SET
			postcode_norm = EXCLUDED.postcode_norm,
			street_name_raw = EXCLUDED.street_name_raw,
			street_name_casefolded = EXCLUDED.street_name_casefolded,
			ingest_run_id = EXCLUDED.ingest_run_id
	`)

	err := r.iterRawRows(ctx, binder, ingest.RawTableBySource["dfi_highway"], runID, func(row map[string]any) error {
		segmentIDRaw := binder.Value(row, "segment_id")
		streetRaw := binder.Value(row, "street_name")
		if isEmpty(segmentIDRaw) || isEmpty(streetRaw) {
			return nil
		}
		folded := r.norm.StreetCasefold(asString(streetRaw))
		if folded == "" {
			return nil
		}

		var postcodeN any
		if normed := normalise.PostcodeNorm(asString(rowValueByMappedKey(row, binder, "postcode"))); normed != "" {
			postcodeN = normed
		}

		return batcher.add(ctx,
			buildRunID,
			strings.TrimSpace(asString(segmentIDRaw)),
			postcodeN,
			strings.TrimSpace(asString(streetRaw)),
			folded,
			runID,
		)
	})
	if err != nil {
		return 0, err
	}
	if err := batcher.flush(ctx); err != nil {
		return 0, err
	}
	return batcher.count, nil
}

func (r *Runner) populatePPD(ctx context.Context, tx pgx.Tx, buildRunID, runID string, binder *schema.Binder) (int64, error) {
	batcher := newStageBatcher(tx, `
		INSERT INTO stage.ppd_parsed_address (
			build_run_id,
			row_hash,
			postcode_norm,
			house_number,
			street_token_raw,
			street_token_casefolded,
			ingest_run_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (build_run_id, row_hash)
		DO UPDATE SET
			postcode_norm = EXCLUDED.postcode_norm,
			house_number = EXCLUDED.house_number,
			street_token_raw = EXCLUDED.street_token_raw,
			street_token_casefolded = EXCLUDED.street_token_casefolded,
			ingest_run_id = EXCLUDED.ingest_run_id
	`)

	err := r.iterRawRows(ctx, binder, ingest.RawTableBySource["ppd"], runID, func(row map[string]any) error {
		rowHashRaw := binder.Value(row, "row_hash")
		postcodeRaw := binder.Value(row, "postcode")
		streetRaw := binder.Value(row, "street")
		if isEmpty(rowHashRaw) || isEmpty(postcodeRaw) || isEmpty(streetRaw) {
			return nil
		}

		postcodeN := normalise.PostcodeNorm(asString(postcodeRaw))
		folded := r.norm.StreetCasefold(asString(streetRaw))
		if postcodeN == "" || folded == "" {
			return nil
		}

		return batcher.add(ctx,
			buildRunID,
			strings.TrimSpace(asString(rowHashRaw)),
			postcodeN,
			trimmedOrNil(binder.Value(row, "house_number")),
			strings.TrimSpace(asString(streetRaw)),
			folded,
			runID,
		)
	})
	if err != nil {
		return 0, err
	}
	if err := batcher.flush(ctx); err != nil {
		return 0, err
	}
	return batcher.count, nil
}
