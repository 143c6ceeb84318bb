package main

import (
	"github.com/spf13/cobra"

	"github.com/jamiethompson/postcod.es/internal/database"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database operations",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply SQL migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		applied, err := database.RunMigrations(resolvedDSN())
		if err != nil {
			return err
		}
		return printJSON(struct {
			Status            string `json:"status"`
			MigrationsApplied int    `json:"migrations_applied"`
		}{Status: "ok", MigrationsApplied: applied})
	},
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd)
}
