package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/pressly/goose/v3"
)

const DefaultDir = "pkg/migrate/migrations"

// applying commands refuse to run against a directory that fails ValidateDir.
var applyingCommands = map[string]bool{
	"up":        true,
	"up-by-one": true,
	"up-to":     true,
	"redo":      true,
}

func setDialect() error {
	// partial indexes and geography columns are Postgres-only
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	return nil
}

// Run executes a goose command against db.
func Run(ctx context.Context, db *sql.DB, dir string, command string, args ...string) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	if dir == "" {
		return fmt.Errorf("dir is required")
	}
	if applyingCommands[command] {
		if err := ValidateDir(dir); err != nil {
			return fmt.Errorf("refusing to %s: %w", command, err)
		}
	}
	if err := setDialect(); err != nil {
		return err
	}
	if err := goose.RunContext(ctx, command, db, dir, args...); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}

// Pending lists the versions in dir that db has not applied yet.
func Pending(db *sql.DB, dir string) ([]int64, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if err := setDialect(); err != nil {
		return nil, err
	}
	current, err := goose.GetDBVersion(db)
	if err != nil {
		return nil, fmt.Errorf("get db version: %w", err)
	}
	migrations, err := goose.CollectMigrations(dir, current, goose.MaxVersion)
	if errors.Is(err, goose.ErrNoMigrationFiles) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("collect migrations: %w", err)
	}
	versions := make([]int64, 0, len(migrations))
	for _, m := range migrations {
		versions = append(versions, m.Version)
	}
	return versions, nil
}

// MigrateToVersion moves db up or down to targetVersion, which must be 0 or
// a migration present in dir.
func MigrateToVersion(ctx context.Context, db *sql.DB, dir string, targetVersion string) error {
	target, err := parseTarget(dir, targetVersion)
	if err != nil {
		return err
	}
	if err := setDialect(); err != nil {
		return err
	}

	current, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("get db version: %w", err)
	}

	switch {
	case current == target:
		return nil
	case current < target:
		if err := ValidateDir(dir); err != nil {
			return fmt.Errorf("refusing to migrate up: %w", err)
		}
		if err := goose.UpToContext(ctx, db, dir, target); err != nil {
			return fmt.Errorf("goose up-to %d: %w", target, err)
		}
	default:
		if err := goose.DownToContext(ctx, db, dir, target); err != nil {
			return fmt.Errorf("goose down-to %d: %w", target, err)
		}
	}
	return nil
}

func parseTarget(dir, targetVersion string) (int64, error) {
	if targetVersion == "" {
		return 0, fmt.Errorf("targetVersion is required")
	}
	target, err := strconv.ParseInt(targetVersion, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q (expected YYYYMMDDHHMMSS): %w", targetVersion, err)
	}
	if target == 0 {
		return 0, nil
	}
	migrations, err := goose.CollectMigrations(dir, 0, goose.MaxVersion)
	if err != nil {
		return 0, fmt.Errorf("collect migrations: %w", err)
	}
	for _, m := range migrations {
		if m.Version == target {
			return target, nil
		}
	}
	return 0, fmt.Errorf("version %d is not a migration in %s", target, dir)
}
