package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/jamiethompson/postcod.es/internal/config"
	"github.com/jamiethompson/postcod.es/internal/database"
)

var (
	flagDSN string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "pipeline",
	Short:         "Versioned postcode-to-street dataset builder",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A local .env is a developer convenience; absence is fine.
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		logger = newLogger(cfg.Log)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDSN, "dsn", "", "PostgreSQL DSN (overrides PIPELINE_DSN and config)")

	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(bundleCmd)
	rootCmd.AddCommand(buildCmd)
}

func newLogger(logCfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logCfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if strings.ToLower(logCfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
}

func resolvedDSN() string {
	if flagDSN != "" {
		return flagDSN
	}
	return cfg.Database.DSN
}

func openPool(ctx context.Context) (*database.Postgres, error) {
	dbCfg := cfg.Database
	dbCfg.DSN = resolvedDSN()
	return database.NewPostgres(ctx, dbCfg)
}

func printJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(payload))
	return nil
}
