package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/knowledge"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Knowledge database schema management",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateVersionCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending knowledge migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath := appPaths().KnowledgeDB()
			if err := knowledge.ApplyMigrations(dbPath); err != nil {
				return err
			}
			v, dirty, err := knowledge.MigrationVersion(dbPath)
			if err != nil {
				return err
			}
			slog.Info("migrations applied", "db", dbPath, "version", v, "dirty", dirty)
			return nil
		},
	}
}

func migrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back knowledge migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath := appPaths().KnowledgeDB()
			if err := knowledge.MigrateDown(dbPath, steps); err != nil {
				return err
			}
			v, dirty, err := knowledge.MigrationVersion(dbPath)
			if err != nil {
				return err
			}
			slog.Info("migrations rolled back", "db", dbPath, "version", v, "dirty", dirty)
			return nil
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "number of migrations to roll back (0 = all)")
	return cmd
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current knowledge schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, dirty, err := knowledge.MigrationVersion(appPaths().KnowledgeDB())
			if err != nil {
				return err
			}
			fmt.Printf("version: %d, dirty: %v\n", v, dirty)
			return nil
		},
	}
}
