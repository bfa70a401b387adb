package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dinovending/dino/backend/internal/config"
	"github.com/dinovending/dino/backend/internal/db"
)

// migrateCmd works on the database file alone, so a store that fails to
// migrate can still be inspected and rolled back.
func (c *cli) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the local store schema",
	}

	withMigrator := func(fn func(m *db.Migrator, cmd *cobra.Command) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configFile)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}
			database, err := db.OpenPath(cfg.DBPath)
			if err != nil {
				return err
			}
			defer database.Close()

			m := db.NewMigrator(database.DB, nil)
			if err := m.Initialize(); err != nil {
				return fmt.Errorf("failed to initialize migrations: %w", err)
			}
			return fn(m, cmd)
		}
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(m *db.Migrator, cmd *cobra.Command) error {
			if err := m.Verify(); err != nil {
				return err
			}
			if err := m.Up(); err != nil {
				return err
			}
			return printVersion(m, cmd)
		}),
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(m *db.Migrator, cmd *cobra.Command) error {
			if err := m.Down(); err != nil {
				return err
			}
			return printVersion(m, cmd)
		}),
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the schema version and pending migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(m *db.Migrator, cmd *cobra.Command) error {
			if err := printVersion(m, cmd); err != nil {
				return err
			}
			pending, err := m.Pending()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending: %v\n", pending)
			return nil
		}),
	}

	cmd.AddCommand(up, down, status)
	return cmd
}

func printVersion(m *db.Migrator, cmd *cobra.Command) error {
	v, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version: %d\n", v)
	return nil
}
