package migrations

import (
	"errors"
	"fmt"
	"os"

	"ms-fulfillment/internal/logger"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/uptrace/bun"
)

type MigrateOptions struct {
	MigrationsDir string
	// SeedData also applies the demo catalog migration.
	SeedData bool
}

func DefaultOptions() MigrateOptions {
	return MigrateOptions{
		MigrationsDir: "./migrations",
		SeedData:      false,
	}
}

// SchemaVersion is the last migration that only touches schema; later
// versions insert demo data.
const SchemaVersion uint = 1

type Runner struct {
	bunDB    *bun.DB
	options  MigrateOptions
	log      *logger.Logger
	migrator *migrate.Migrate
}

func NewRunner(bunDB *bun.DB, opts MigrateOptions, log *logger.Logger) *Runner {
	return &Runner{bunDB: bunDB, options: opts, log: log}
}

func (r *Runner) Initialize() error {
	if r.migrator != nil {
		return nil
	}

	driver, err := postgres.WithInstance(r.bunDB.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres migration driver: %w", err)
	}

	if _, err := os.Stat(r.options.MigrationsDir); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory does not exist: %s", r.options.MigrationsDir)
	}

	migrator, err := migrate.NewWithDatabaseInstance("file://"+r.options.MigrationsDir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	r.migrator = migrator
	return nil
}

// Run applies the schema and, when seeding, everything after it. A dirty
// version is forced back to its number before retrying.
func (r *Runner) Run() error {
	if err := r.Initialize(); err != nil {
		return err
	}

	version, dirty, err := r.migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		r.log.Warn("MIGRATE", fmt.Sprintf("Detected dirty migration at version %d, forcing", version))
		if err := r.migrator.Force(int(version)); err != nil {
			return fmt.Errorf("failed to fix dirty migration: %w", err)
		}
	}

	if r.options.SeedData {
		r.log.Info("MIGRATE", "Running all migrations including seed data")
		err = r.migrator.Up()
	} else {
		r.log.Info("MIGRATE", "Running schema migrations only")
		if version >= SchemaVersion {
			err = migrate.ErrNoChange
		} else {
			err = r.migrator.Migrate(SchemaVersion)
		}
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if v, _, err := r.migrator.Version(); err == nil {
		r.log.Info("MIGRATE", fmt.Sprintf("Current schema version: %d", v))
	}
	return nil
}

func (r *Runner) Down() error {
	if err := r.Initialize(); err != nil {
		return err
	}
	if err := r.migrator.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

func (r *Runner) Close() error {
	if r.migrator == nil {
		return nil
	}
	sourceErr, databaseErr := r.migrator.Close()
	if sourceErr != nil {
		return fmt.Errorf("error closing migrator source: %w", sourceErr)
	}
	if databaseErr != nil {
		return fmt.Errorf("error closing migrator database: %w", databaseErr)
	}
	return nil
}
