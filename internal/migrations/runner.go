// Package migrations applies the Postgres schema on startup using
// golang-migrate, so the server and worker binaries never run against a
// database that hasn't caught up with the code they're running.
package migrations

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunUp applies all pending UP migrations found under migrationsPath
// against dsn.
func RunUp(dsn, migrationsPath string, logger *slog.Logger) error {
	databaseURL := toPgx5DSN(dsn)
	sourceURL := "file://" + migrationsPath

	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return fmt.Errorf("op=migrations.RunUp: init: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Error("migration source/db close failed", slog.Any("source_error", srcErr), slog.Any("db_error", dbErr))
		}
	}()

	m.Log = &slogMigrateLogger{logger: logger}

	currentVersion, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("op=migrations.RunUp: version: %w", err)
	}
	if dirty {
		return fmt.Errorf("op=migrations.RunUp: database is dirty at version %d, manual intervention required", currentVersion)
	}

	logger.Info("migration started", slog.Int("current_version", int(currentVersion)))

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("migration already up to date")
			return nil
		}
		return fmt.Errorf("op=migrations.RunUp: up: %w", err)
	}

	newVersion, _, _ := m.Version()
	logger.Info("migration applied", slog.Int("from_version", int(currentVersion)), slog.Int("to_version", int(newVersion)))
	return nil
}

func toPgx5DSN(dsn string) string {
	const pgx5Prefix = "pgx5://"
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if len(dsn) >= len(prefix) && dsn[:len(prefix)] == prefix {
			return pgx5Prefix + dsn[len(prefix):]
		}
	}
	return dsn
}

type slogMigrateLogger struct {
	logger *slog.Logger
}

func (l *slogMigrateLogger) Printf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *slogMigrateLogger) Verbose() bool {
	return false
}
