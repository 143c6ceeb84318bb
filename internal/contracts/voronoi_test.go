package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVoronoiHullBuffer(t *testing.T) {
	v, err := VoronoiHullBuffer(0)
	require.NoError(t, err)
	assert.Equal(t, DefaultHullBufferMetres, v)

	v, err = VoronoiHullBuffer(250)
	require.NoError(t, err)
	assert.Equal(t, 250.0, v)

	_, err = VoronoiHullBuffer(-1)
	require.Error(t, err)
}

func TestRenderVoronoiClipGeometrySQL(t *testing.T) {
	rendered, err := RenderVoronoiClipGeometrySQL("  SELECT geom AS seed_geom_bng FROM seeds  ")
	require.NoError(t, err)
	assert.Contains(t, rendered, "SELECT geom AS seed_geom_bng FROM seeds")
	assert.Contains(t, rendered, VoronoiClipExpr)
	assert.Contains(t, rendered, "ST_SetSRID")
	assert.Contains(t, rendered, "27700")

	_, err = RenderVoronoiClipGeometrySQL("   ")
	require.Error(t, err)
}

func TestRenderVoronoiCellSQL(t *testing.T) {
	rendered, err := RenderVoronoiCellSQL("SELECT geom AS seed_geom_bng FROM seeds")
	require.NoError(t, err)
	assert.Contains(t, rendered, "ST_VoronoiPolygons")
	assert.Contains(t, rendered, "SELECT cell_geom")

	cte, err := RenderVoronoiCellCTESQL("SELECT geom AS seed_geom_bng FROM seeds")
	require.NoError(t, err)
	assert.Contains(t, rendered, cte)

	_, err = RenderVoronoiCellSQL("")
	require.Error(t, err)
}
