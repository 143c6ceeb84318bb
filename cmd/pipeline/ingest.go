package main

import (
	"github.com/spf13/cobra"

	"github.com/jamiethompson/postcod.es/internal/ingest"
	"github.com/jamiethompson/postcod.es/internal/manifest"
)

var ingestManifestPath string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Source ingest operations",
}

var ingestSourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Ingest a source manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manifest.LoadSourceManifest(ingestManifestPath)
		if err != nil {
			return err
		}

		db, err := openPool(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		result, err := ingest.Ingest(cmd.Context(), db.Pool(), logger, m)
		if err != nil {
			return err
		}
		return printJSON(struct {
			Status      string `json:"status"`
			SourceName  string `json:"source_name"`
			IngestRunID string `json:"ingest_run_id"`
			FilesLoaded int    `json:"files_loaded"`
			RowsLoaded  int64  `json:"rows_loaded"`
		}{
			Status:      result.Status,
			SourceName:  result.SourceName,
			IngestRunID: result.RunID,
			FilesLoaded: result.FilesLoaded,
			RowsLoaded:  result.RowsLoaded,
		})
	},
}

func init() {
	ingestSourceCmd.Flags().StringVar(&ingestManifestPath, "manifest", "", "Path to the source manifest JSON")
	ingestSourceCmd.MarkFlagRequired("manifest")
	ingestCmd.AddCommand(ingestSourceCmd)
}
