package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/pkg/db"
	"github.com/parleyhq/parley/pkg/db/migrations"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  `Commands for managing the parley database (migrations, status).`,
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		conn, err := db.Open(ctx, cfg.DB.Path)
		if err != nil {
			return err
		}
		defer conn.Close()

		before, err := db.NewMigrationRunner(conn).GetAppliedVersions(ctx)
		if err != nil {
			return err
		}
		if err := db.RunMigrations(ctx, conn, migrations.All()); err != nil {
			return err
		}

		applied := len(migrations.All()) - len(before)
		if applied <= 0 {
			fmt.Println("Database is up to date.")
			return nil
		}
		color.Green("Applied %d migration(s).", applied)
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database migration status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		conn, err := db.Open(ctx, cfg.DB.Path)
		if err != nil {
			return err
		}
		defer conn.Close()

		versions, err := db.NewMigrationRunner(conn).GetAppliedVersions(ctx)
		if err != nil {
			return err
		}
		appliedMap := make(map[int64]bool, len(versions))
		for _, v := range versions {
			appliedMap[v] = true
		}

		fmt.Printf("Database: %s\n\n", cfg.DB.Path)
		applied := 0
		for _, m := range migrations.All() {
			mark := color.YellowString("[ ]")
			if appliedMap[m.Version] {
				mark = color.GreenString("[x]")
				applied++
			}
			fmt.Printf("%s %d - %s\n", mark, m.Version, m.Description)
		}
		fmt.Printf("\nApplied: %d/%d migrations\n", applied, len(migrations.All()))
		return nil
	},
}
