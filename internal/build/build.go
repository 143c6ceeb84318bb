// Package build executes the multi-pass dataset build over a frozen bundle:
// staging, candidate derivation, finalisation, verification, and publish.
package build

// PassOrder is the fixed execution order of build passes. Resume skips any
// pass that already has a checkpoint for the run.
var PassOrder = []string{
	"0a_raw_ingest",
	"0b_stage_normalisation",
	"1_onspd_backbone",
	"2_gb_canonical_streets",
	"3_open_names_candidates",
	"4_uprn_reinforcement",
	"5_gb_spatial_fallback",
	"6_ni_candidates",
	"7_ppd_gap_fill",
	"8_finalisation",
}

// CandidateTypes enumerates every candidate type a build can emit. The
// frequency weight configuration must cover exactly this set.
var CandidateTypes = []string{
	"names_postcode_feature",
	"oli_toid_usrn",
	"uprn_usrn",
	"spatial_os_open_roads",
	"osni_gazetteer_direct",
	"spatial_dfi_highway",
	"ppd_parse_matched",
	"ppd_parse_unmatched",
}

const stageInsertBatchSize = 5000

// RunResult reports the outcome of a build run.
type RunResult struct {
	BuildRunID     string
	Status         string
	DatasetVersion string
	Message        string
}

// VerifyResult reports the canonical hashes computed for a built run.
type VerifyResult struct {
	BuildRunID   string
	Status       string
	ObjectHashes map[string]string
}

// PublishResult reports a completed publish.
type PublishResult struct {
	BuildRunID     string
	DatasetVersion string
	Status         string
}

func confidenceFromRank(confRank int) string {
	switch {
	case confRank >= 3:
		return "high"
	case confRank == 2:
		return "medium"
	case confRank == 1:
		return "low"
	default:
		return "none"
	}
}
