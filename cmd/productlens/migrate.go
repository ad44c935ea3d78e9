package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/kiranshivaraju/productlens/internal/store"
	"github.com/spf13/cobra"
)

type dbFlags struct {
	url           string
	migrationsDir string
}

func (f *dbFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.url, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection URL")
	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}
	cmd.PersistentFlags().StringVar(&f.migrationsDir, "migrations-dir", dir, "directory holding the SQL migrations")
}

func (f *dbFlags) validate() error {
	if f.url == "" {
		return fmt.Errorf("DATABASE_URL is required (or pass --database-url)")
	}
	return nil
}

func newMigrateCmd() *cobra.Command {
	var flags dbFlags
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return flags.validate()
		},
	}
	flags.register(cmd)

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := store.RunMigrations(flags.url, flags.migrationsDir); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Roll back migrations (default 1)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps, err := parseSteps(args)
				if err != nil {
					return err
				}
				if err := store.RollbackMigrations(flags.url, flags.migrationsDir, steps); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", steps)
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				v, dirty, err := store.MigrationVersion(flags.url, flags.migrationsDir)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
				return nil
			},
		},
	)
	return cmd
}

func parseSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("steps must be a positive integer, got %q", args[0])
	}
	return n, nil
}
