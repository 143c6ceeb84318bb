package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jamiethompson/postcod.es/internal/bundle"
	"github.com/jamiethompson/postcod.es/internal/manifest"
)

var bundleManifestPath string

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Bundle lifecycle",
}

var bundleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create build bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manifest.LoadBundleManifest(bundleManifestPath)
		if err != nil {
			return err
		}

		db, err := openPool(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		tx, err := db.Pool().Begin(cmd.Context())
		if err != nil {
			return fmt.Errorf("begin bundle create: %w", err)
		}
		defer tx.Rollback(cmd.Context())

		result, err := bundle.Create(cmd.Context(), tx, m)
		if err != nil {
			return err
		}
		if err := tx.Commit(cmd.Context()); err != nil {
			return fmt.Errorf("commit bundle create: %w", err)
		}

		return printJSON(struct {
			Status     string `json:"status"`
			BundleID   string `json:"bundle_id"`
			BundleHash string `json:"bundle_hash"`
		}{
			Status:     result.Status,
			BundleID:   result.BundleID,
			BundleHash: result.BundleHash,
		})
	},
}

func init() {
	bundleCreateCmd.Flags().StringVar(&bundleManifestPath, "manifest", "", "Path to the bundle manifest JSON")
	bundleCreateCmd.MarkFlagRequired("manifest")
	bundleCmd.AddCommand(bundleCreateCmd)
}
