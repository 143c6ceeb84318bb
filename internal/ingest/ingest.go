// Package ingest loads source dataset files into the raw tables and records
// the ingest run metadata that later builds pin against.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jamiethompson/postcod.es/internal/manifest"
)

// RawTableBySource maps each source dataset to its raw landing table.
var RawTableBySource = map[string]string{
	"onspd":          "raw.onspd_row",
	"os_open_usrn":   "raw.os_open_usrn_row",
	"os_open_names":  "raw.os_open_names_row",
	"os_open_roads":  "raw.os_open_roads_row",
	"os_open_uprn":   "raw.os_open_uprn_row",
	"os_open_lids":   "raw.os_open_lids_row",
	"nsul":           "raw.nsul_row",
	"osni_gazetteer": "raw.osni_gazetteer_row",
	"dfi_highway":    "raw.dfi_highway_row",
	"ppd":            "raw.ppd_row",
}

const insertBatchSize = 5000

// Result reports the outcome of a source ingest.
type Result struct {
	SourceName  string
	RunID       string
	Status      string
	FilesLoaded int
	RowsLoaded  int64
}

type fileSetEntry struct {
	FileRole  string `json:"file_role"`
	Path      string `json:"path"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
	Format    string `json:"format"`
	LayerName string `json:"layer_name"`
}

// FileSetHash computes the identity hash of the manifest's file set. Two
// manifests naming the same files in any order produce the same hash.
func FileSetHash(files []manifest.SourceFile) string {
	entries := make([]fileSetEntry, 0, len(files))
	for _, file := range files {
		entries = append(entries, fileSetEntry{
			FileRole:  file.FileRole,
			Path:      file.FilePath,
			SHA256:    file.SHA256,
			SizeBytes: file.SizeBytes,
			Format:    file.Format,
			LayerName: file.LayerName,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.FileRole != b.FileRole {
			return a.FileRole < b.FileRole
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.LayerName < b.LayerName
	})
	encoded, err := json.Marshal(entries)
	if err != nil {
		panic(err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

func sha256File(path string) (string, error) {
	handle, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer handle.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, handle); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func splitTable(qualified string) (string, string) {
	parts := strings.SplitN(qualified, ".", 2)
	return parts[0], parts[1]
}

type rawInserter struct {
	tx        pgx.Tx
	insertSQL string
	runID     string
	batch     *pgx.Batch
	rowNum    int64
	loaded    int64
}

func newRawInserter(tx pgx.Tx, rawTable, runID string) *rawInserter {
	schemaName, tableName := splitTable(rawTable)
	return &rawInserter{
		tx: tx,
		insertSQL: fmt.Sprintf(`
			INSERT INTO %q.%q (
				ingest_run_id,
				source_row_num,
				payload_jsonb
			) VALUES ($1, $2, $3)
		`, schemaName, tableName),
		runID: runID,
		batch: &pgx.Batch{},
	}
}

func (ins *rawInserter) add(ctx context.Context, row map[string]any) error {
	ins.rowNum++
	ins.batch.Queue(ins.insertSQL, ins.runID, ins.rowNum, row)
	if ins.batch.Len() >= insertBatchSize {
		return ins.flush(ctx)
	}
	return nil
}

func (ins *rawInserter) flush(ctx context.Context) error {
	if ins.batch.Len() == 0 {
		return nil
	}
	queued := ins.batch.Len()
	if err := ins.tx.SendBatch(ctx, ins.batch).Close(); err != nil {
		return fmt.Errorf("insert raw rows: %w", err)
	}
	ins.loaded += int64(queued)
	ins.batch = &pgx.Batch{}
	return nil
}

func existingRun(ctx context.Context, tx pgx.Tx, sourceName, sourceVersion, fileSetSHA256 string) (string, error) {
	var runID string
	err := tx.QueryRow(ctx, `
		SELECT run_id::text
		FROM meta.ingest_run
		WHERE source_name = $1
		  AND source_version = $2
		  AND file_set_sha256 = $3
	`, sourceName, sourceVersion, fileSetSHA256).Scan(&runID)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query existing ingest run: %w", err)
	}
	return runID, nil
}

// Ingest loads every file listed by the manifest into the source's raw table
// inside one transaction. A manifest whose file set was already loaded for
// the same source version is a no-op that returns the existing run.
func Ingest(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger, m *manifest.SourceManifest) (Result, error) {
	fileSetSHA256 := FileSetHash(m.Files)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("begin ingest transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := existingRun(ctx, tx, m.SourceName, m.SourceVersion, fileSetSHA256)
	if err != nil {
		return Result{}, err
	}
	if existing != "" {
		log.Info("file set already ingested",
			"source", m.SourceName, "run_id", existing)
		return Result{
			SourceName: m.SourceName,
			RunID:      existing,
			Status:     "noop",
		}, nil
	}

	rawTable := RawTableBySource[m.SourceName]
	runID := uuid.NewString()

	if _, err := tx.Exec(ctx, `
		INSERT INTO meta.ingest_run (
			run_id,
			source_name,
			source_version,
			retrieved_at_utc,
			source_url,
			processing_git_sha,
			record_count,
			notes,
			file_set_sha256
		) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
	`, runID, m.SourceName, m.SourceVersion, m.RetrievedAtUTC,
		nullable(m.SourceURL), m.ProcessingGitSHA, nullable(m.Notes), fileSetSHA256,
	); err != nil {
		return Result{}, fmt.Errorf("insert ingest run: %w", err)
	}

	var totalRows int64
	for _, file := range m.Files {
		actualSHA, err := sha256File(file.FilePath)
		if err != nil {
			return Result{}, err
		}
		if actualSHA != file.SHA256 {
			return Result{}, fmt.Errorf(
				"SHA256 mismatch for source file: path=%s expected=%s actual=%s",
				file.FilePath, file.SHA256, actualSHA)
		}

		info, err := os.Stat(file.FilePath)
		if err != nil {
			return Result{}, fmt.Errorf("stat %s: %w", file.FilePath, err)
		}
		if info.Size() != file.SizeBytes {
			return Result{}, fmt.Errorf(
				"size_bytes mismatch for %s: expected=%d actual=%d",
				file.FilePath, file.SizeBytes, info.Size())
		}

		inserter := newRawInserter(tx, rawTable, runID)
		err = readRows(file.FilePath, file.Format, file.LayerName, func(row map[string]any) error {
			return inserter.add(ctx, row)
		})
		if err != nil {
			return Result{}, err
		}
		if err := inserter.flush(ctx); err != nil {
			return Result{}, err
		}

		if file.RowCountExpected != nil && inserter.loaded != *file.RowCountExpected {
			return Result{}, fmt.Errorf(
				"row_count_expected mismatch for %s: expected=%d loaded=%d",
				file.FilePath, *file.RowCountExpected, inserter.loaded)
		}
		totalRows += inserter.loaded

		if _, err := tx.Exec(ctx, `
			INSERT INTO meta.ingest_run_file (
				ingest_run_id,
				file_role,
				filename,
				layer_name,
				sha256,
				size_bytes,
				row_count,
				format
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, runID, file.FileRole, file.FilePath, file.LayerName,
			actualSHA, info.Size(), inserter.loaded, file.Format,
		); err != nil {
			return Result{}, fmt.Errorf("insert ingest run file: %w", err)
		}

		log.Info("loaded source file",
			"source", m.SourceName,
			"file", file.FilePath,
			"rows", inserter.loaded)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE meta.ingest_run
		SET record_count = $1
		WHERE run_id = $2
	`, totalRows, runID); err != nil {
		return Result{}, fmt.Errorf("update ingest run record count: %w", err)
	}

	schemaName, tableName := splitTable(rawTable)
	if _, err := tx.Exec(ctx, fmt.Sprintf("ANALYZE %q.%q", schemaName, tableName)); err != nil {
		return Result{}, fmt.Errorf("analyze raw table %s: %w", rawTable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("commit ingest transaction: %w", err)
	}

	return Result{
		SourceName:  m.SourceName,
		RunID:       runID,
		Status:      "ingested",
		FilesLoaded: len(m.Files),
		RowsLoaded:  totalRows,
	}, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
