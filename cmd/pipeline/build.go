package main

import (
	"github.com/spf13/cobra"

	"github.com/jamiethompson/postcod.es/internal/build"
	"github.com/jamiethompson/postcod.es/internal/normalise"
	"github.com/jamiethompson/postcod.es/internal/schema"
)

var (
	buildBundleID  string
	buildRebuild   bool
	buildResume    bool
	buildRunIDFlag string
	buildActor     string
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build lifecycle",
}

var buildRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run build passes",
	RunE: func(cmd *cobra.Command, args []string) error {
		schemaCfg, err := schema.LoadConfig(cfg.Paths.SourceSchema)
		if err != nil {
			return err
		}
		normCfg, err := normalise.LoadConfig(cfg.Paths.Normalisation)
		if err != nil {
			return err
		}
		weights, err := build.LoadWeights(cfg.Paths.FrequencyWeights)
		if err != nil {
			return err
		}

		db, err := openPool(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		runner := build.NewRunner(db.Pool(), logger, schemaCfg, normalise.New(normCfg), weights)
		result, err := runner.Run(cmd.Context(), buildBundleID, buildRebuild, buildResume)
		if err != nil {
			return err
		}
		return printJSON(struct {
			Status         string `json:"status"`
			BuildRunID     string `json:"build_run_id"`
			DatasetVersion string `json:"dataset_version"`
			Message        string `json:"message"`
		}{
			Status:         result.Status,
			BuildRunID:     result.BuildRunID,
			DatasetVersion: result.DatasetVersion,
			Message:        result.Message,
		})
	},
}

var buildVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify build outputs",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openPool(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		result, err := build.Verify(cmd.Context(), db.Pool(), buildRunIDFlag)
		if err != nil {
			return err
		}
		return printJSON(struct {
			Status       string            `json:"status"`
			BuildRunID   string            `json:"build_run_id"`
			ObjectHashes map[string]string `json:"object_hashes"`
		}{
			Status:       result.Status,
			BuildRunID:   result.BuildRunID,
			ObjectHashes: result.ObjectHashes,
		})
	},
}

var buildPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish verified build",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openPool(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		result, err := build.Publish(cmd.Context(), db.Pool(), buildRunIDFlag, buildActor)
		if err != nil {
			return err
		}
		return printJSON(struct {
			Status         string `json:"status"`
			BuildRunID     string `json:"build_run_id"`
			DatasetVersion string `json:"dataset_version"`
		}{
			Status:         result.Status,
			BuildRunID:     result.BuildRunID,
			DatasetVersion: result.DatasetVersion,
		})
	},
}

func init() {
	buildRunCmd.Flags().StringVar(&buildBundleID, "bundle-id", "", "Bundle to build")
	buildRunCmd.Flags().BoolVar(&buildRebuild, "rebuild", false, "Clear previous outputs for this run before building")
	buildRunCmd.Flags().BoolVar(&buildResume, "resume", false, "Resume the latest started or failed run")
	buildRunCmd.MarkFlagRequired("bundle-id")

	buildVerifyCmd.Flags().StringVar(&buildRunIDFlag, "build-run-id", "", "Build run to verify")
	buildVerifyCmd.MarkFlagRequired("build-run-id")

	buildPublishCmd.Flags().StringVar(&buildRunIDFlag, "build-run-id", "", "Build run to publish")
	buildPublishCmd.Flags().StringVar(&buildActor, "actor", "", "Actor recorded on the publication")
	buildPublishCmd.MarkFlagRequired("build-run-id")
	buildPublishCmd.MarkFlagRequired("actor")

	buildCmd.AddCommand(buildRunCmd)
	buildCmd.AddCommand(buildVerifyCmd)
	buildCmd.AddCommand(buildPublishCmd)
}
