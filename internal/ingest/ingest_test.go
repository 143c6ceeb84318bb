package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamiethompson/postcod.es/internal/manifest"
)

func TestFileSetHashOrderInvariant(t *testing.T) {
	first := manifest.SourceFile{
		FileRole: "data", FilePath: "/data/a.csv",
		SHA256: "aa", SizeBytes: 10, Format: "csv",
	}
	second := manifest.SourceFile{
		FileRole: "data", FilePath: "/data/b.csv",
		SHA256: "bb", SizeBytes: 20, Format: "csv",
	}

	hash := FileSetHash([]manifest.SourceFile{first, second})
	require.Len(t, hash, 64)
	assert.Equal(t, hash, FileSetHash([]manifest.SourceFile{second, first}))
}

func TestFileSetHashSensitivity(t *testing.T) {
	file := manifest.SourceFile{
		FileRole: "data", FilePath: "/data/a.csv",
		SHA256: "aa", SizeBytes: 10, Format: "csv",
	}
	base := FileSetHash([]manifest.SourceFile{file})

	changed := file
	changed.SHA256 = "cc"
	assert.NotEqual(t, base, FileSetHash([]manifest.SourceFile{changed}))

	layered := file
	layered.LayerName = "streets"
	assert.NotEqual(t, base, FileSetHash([]manifest.SourceFile{layered}))
}

func TestSha256File(t *testing.T) {
	path := writeFile(t, "payload.txt", "hello\n")
	sum, err := sha256File(path)
	require.NoError(t, err)
	assert.Equal(t, "5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03", sum)
}
