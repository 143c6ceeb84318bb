// Package contracts holds locked SQL templates shared with the geospatial
// collaborators. The statements are dormant in this repository: nothing here
// executes them, but their text is versioned and tested so the consumers and
// this pipeline cannot drift apart silently.
package contracts

import (
	"fmt"
	"strings"
)

// DefaultHullBufferMetres is the convex-hull buffer applied when clipping
// Voronoi cells to the GB seed extent.
const DefaultHullBufferMetres = 5000.0

// VoronoiClipExpr computes the clip boundary from collected seed geometry.
// The buffer distance is always bound as $1; no inline literals, so the
// governing constant stays traceable at call sites.
const VoronoiClipExpr = "ST_Buffer(ST_ConvexHull(ST_Collect(seed_geom_bng)), $1)"

const voronoiClipGeometryTemplate = `WITH seed_points AS (
    %s
),
clip_geom AS (
    SELECT
        ST_SetSRID(%s, 27700) AS gb_clip_geom
    FROM seed_points
)
SELECT gb_clip_geom
FROM clip_geom;`

const voronoiCellCTETemplate = `WITH seed_points AS (
    %s
),
clip_geom AS (
    SELECT
        ST_SetSRID(%s, 27700) AS gb_clip_geom
    FROM seed_points
),
cell_geoms AS (
    SELECT
        (ST_Dump(
            ST_VoronoiPolygons(
                ST_Collect(seed_geom_bng),
                0.0,
                (SELECT gb_clip_geom FROM clip_geom)
            )
        )).geom AS cell_geom
    FROM seed_points
)`

// VoronoiHullBuffer validates and resolves the hull buffer bind parameter.
// A zero value selects the default.
func VoronoiHullBuffer(hullBufferMetres float64) (float64, error) {
	if hullBufferMetres == 0 {
		return DefaultHullBufferMetres, nil
	}
	if hullBufferMetres <= 0 {
		return 0, fmt.Errorf("hull_buffer_m must be greater than zero")
	}
	return hullBufferMetres, nil
}

// RenderVoronoiClipGeometrySQL renders SQL that computes the clipped Voronoi
// boundary geometry over the given seed point query.
func RenderVoronoiClipGeometrySQL(seedPointsSQL string) (string, error) {
	trimmed := strings.TrimSpace(seedPointsSQL)
	if trimmed == "" {
		return "", fmt.Errorf("seed points SQL must be non-empty")
	}
	return fmt.Sprintf(voronoiClipGeometryTemplate, trimmed, VoronoiClipExpr), nil
}

// RenderVoronoiCellCTESQL renders the CTE block that builds clipped Voronoi
// cells, for embedding in a larger statement.
func RenderVoronoiCellCTESQL(seedPointsSQL string) (string, error) {
	trimmed := strings.TrimSpace(seedPointsSQL)
	if trimmed == "" {
		return "", fmt.Errorf("seed points SQL must be non-empty")
	}
	return fmt.Sprintf(voronoiCellCTETemplate, trimmed, VoronoiClipExpr), nil
}

// RenderVoronoiCellSQL renders a complete statement selecting clipped Voronoi
// cell polygons.
func RenderVoronoiCellSQL(seedPointsSQL string) (string, error) {
	cte, err := RenderVoronoiCellCTESQL(seedPointsSQL)
	if err != nil {
		return "", err
	}
	return cte + "\nSELECT cell_geom\nFROM cell_geoms;", nil
}
