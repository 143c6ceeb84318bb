package contracts

// OpenRoadsStageTable is the stage table the Open Roads linkage queries read.
const OpenRoadsStageTable = "stage.open_roads_segment"

// AllowedCanonicalHashObjectNames lists the projection names the downstream
// spatial consumers accept for canonical hash verification.
var AllowedCanonicalHashObjectNames = []string{
	"core_uprn_postcode",
	"core_uprn_point",
	"core_road_segment",
	"derived_uprn_street_spatial",
}

// AllowedCanonicalHashObjectNamesPhase2 extends the allowed set for consumers
// on the phase 2 surface.
var AllowedCanonicalHashObjectNamesPhase2 = []string{
	"core_uprn_postcode",
	"core_uprn_point",
	"core_road_segment",
	"core_open_names_entry",
	"core_postcode_unit_seed",
	"derived_uprn_street_spatial",
	"derived_postcode_street",
}

// OpenRoadsLoadedFeatureCountSQL is the locked gate query for loaded Open
// Roads features; $1 binds the release id.
const OpenRoadsLoadedFeatureCountSQL = "SELECT COUNT(*) AS loaded_feature_count " +
	"FROM stage.open_roads_segment " +
	"WHERE release_id = $1;"

// OpenRoadsPersistLoadedFeatureCountSQL writes loaded feature counts into the
// release metadata; $1 binds the release id.
const OpenRoadsPersistLoadedFeatureCountSQL = "UPDATE meta.dataset_release " +
	"SET loaded_feature_count = (" +
	"SELECT COUNT(*) " +
	"FROM stage.open_roads_segment " +
	"WHERE release_id = $1" +
	") " +
	"WHERE dataset_key = 'open_roads' " +
	"AND release_id = $1;"

// OpenRoadsBuildLinkageSQL is the locked stage-to-build linkage query,
// filtered and ordered by segment for deterministic consumption; $1 binds the
// release id.
const OpenRoadsBuildLinkageSQL = "SELECT s.segment_id, s.name_display, s.name_norm, s.geom_bng " +
	"FROM stage.open_roads_segment AS s " +
	"WHERE s.release_id = $1 " +
	"ORDER BY s.segment_id ASC;"
