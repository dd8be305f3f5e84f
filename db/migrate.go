package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migration source
)

// RunMigrations applies versioned migrations from the migrations directory
// using golang-migrate. Falls back to the embedded idempotent Migrate when
// the directory is missing, so fresh checkouts and containers still boot.
func RunMigrations(ctx context.Context, dbx *sql.DB) error {
	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "db/migrations"
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		slog.Warn("migrations directory not found, using embedded schema",
			slog.String("dir", dir), slog.String("component", "db_migrate"))
		return Migrate(ctx, dbx)
	}

	driver, err := postgres.WithInstance(dbx, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	version, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return fmt.Errorf("migrate version: %w", verr)
	}
	slog.Info("migrations applied",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
		slog.String("component", "db_migrate"))
	return nil
}
