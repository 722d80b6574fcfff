// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/nukleus/jobagent/internal/database"
)

func RunDBCommand(configDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database operations",
	}

	cmd.AddCommand(runDBMigrateCommand(configDir), runDBTransferCommand())
	return cmd
}

func runDBMigrateCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and list applied ones",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configDir)
			if err != nil {
				return err
			}
			defer cfg.CloseLogger()

			// opening migrates
			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := db.AppliedMigrations(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("Schema up to date, %d migrations applied\n", len(applied))
			for _, name := range applied {
				cmd.Printf("  - %s\n", name)
			}
			return nil
		},
	}
}

func runDBTransferCommand() *cobra.Command {
	var (
		fromSQLite string
		toPostgres string
		dryRun     bool
		apply      bool
	)

	cmd := &cobra.Command{
		Use:   "transfer-to-postgres",
		Short: "Offline one-shot SQLite to Postgres copy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if fromSQLite == "" {
				return errors.New("--from-sqlite is required")
			}
			if toPostgres == "" {
				return errors.New("--to-postgres is required")
			}
			if dryRun == apply {
				return errors.New("set exactly one of --dry-run or --apply")
			}

			report, err := database.TransferToPostgres(cmd.Context(), database.TransferOptions{
				SQLitePath:  fromSQLite,
				PostgresDSN: toPostgres,
				Apply:       apply,
			})
			if err != nil {
				return err
			}

			mode := "dry-run"
			if apply {
				mode = "apply"
			}

			cmd.Printf("SQLite -> Postgres transfer (%s)\n", mode)
			cmd.Printf("Tables: %d\n", len(report.Tables))
			for _, table := range report.Tables {
				cmd.Printf("  - %s: sqlite=%d postgres=%d\n", table.Table, table.SQLiteRows, table.PostgresRows)
			}

			if len(report.MissingTables) > 0 {
				cmd.Printf("Missing Postgres tables: %d\n", len(report.MissingTables))
				for _, table := range report.MissingTables {
					cmd.Printf("  - %s\n", table)
				}
			}

			if apply {
				cmd.Println("Transfer applied successfully.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&fromSQLite, "from-sqlite", "", "Path to source SQLite database file")
	cmd.Flags().StringVar(&toPostgres, "to-postgres", "", "Destination Postgres DSN")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate and report counts without importing")
	cmd.Flags().BoolVar(&apply, "apply", false, "Run the transfer and import data into Postgres")

	return cmd
}
