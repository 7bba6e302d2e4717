package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/liamcoop/api4cep/migrations"
)

type options struct {
	databaseURL    string
	migrationsPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the api4cep database schema",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Check for database URL from flag or environment
			if opts.databaseURL == "" {
				opts.databaseURL = os.Getenv("DATABASE_URL")
			}
			if opts.databaseURL == "" {
				return errors.New("database URL is required. Use --database flag or DATABASE_URL environment variable")
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.databaseURL, "database", "", "Database URL")
	cmd.PersistentFlags().StringVar(&opts.migrationsPath, "path", "",
		"Path to a migrations directory (defaults to the migrations built into the binary)")

	cmd.AddCommand(newUpCommand(opts))
	cmd.AddCommand(newDownCommand(opts))
	cmd.AddCommand(newVersionCommand(opts))
	cmd.AddCommand(newForceCommand(opts))

	return cmd
}

func (o *options) open() (*migrate.Migrate, error) {
	log.Printf("Connecting to database...")
	if o.migrationsPath == "" {
		log.Printf("Using embedded migrations")
		return migrations.New(o.databaseURL)
	}

	log.Printf("Migrations path: %s", o.migrationsPath)
	m, err := migrate.New(fmt.Sprintf("file://%s", o.migrationsPath), o.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

func newUpCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := opts.open()
			if err != nil {
				return err
			}
			defer m.Close()

			log.Println("Running migrations up...")
			err = m.Up()
			if errors.Is(err, migrate.ErrNoChange) {
				log.Println("No migrations to run (database is up to date)")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Println("Migrations completed successfully!")
			return nil
		},
	}
}

func newDownCommand(opts *options) *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := opts.open()
			if err != nil {
				return err
			}
			defer m.Close()

			log.Println("Rolling back migrations...")
			if steps > 0 {
				err = m.Steps(-steps)
			} else {
				err = m.Down()
			}
			if err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("failed to rollback migrations: %w", err)
			}
			log.Println("Rollback completed successfully!")
			return nil
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to roll back (0 rolls back all)")
	return cmd
}

func newVersionCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := opts.open()
			if err != nil {
				return err
			}
			defer m.Close()

			version, dirty, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				log.Println("No migrations applied")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to get version: %w", err)
			}
			log.Printf("Current version: %d (dirty: %v)", version, dirty)
			return nil
		},
	}
}

func newForceCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Set the schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version number: %w", err)
			}

			m, err := opts.open()
			if err != nil {
				return err
			}
			defer m.Close()

			if err := m.Force(version); err != nil {
				return fmt.Errorf("failed to force version: %w", err)
			}
			log.Printf("Forced version to: %d", version)
			return nil
		},
	}
}
