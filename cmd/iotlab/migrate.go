package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nerrad567/iotlab-core/internal/infrastructure/config"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/database"
)

// errMigrateUsage is returned for a missing or unknown migrate action.
var errMigrateUsage = errors.New("usage: iotlab migrate up|down|status")

// runMigrate manages the schema without starting the service:
//
//	iotlab migrate up      apply pending migrations
//	iotlab migrate down    roll back the latest migration
//	iotlab migrate status  list applied and pending migrations
func runMigrate(ctx context.Context, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errMigrateUsage
	}
	action := args[0]
	if action != "up" && action != "down" && action != "status" {
		return fmt.Errorf("%w: unknown action %q", errMigrateUsage, action)
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // read-mostly CLI path

	switch action {
	case "up":
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
	case "down":
		if err := db.MigrateDown(ctx); err != nil {
			return fmt.Errorf("rolling back migration: %w", err)
		}
	}

	applied, pending, err := db.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	fmt.Fprintf(out, "database: %s\n", db.Path())
	for _, r := range applied {
		fmt.Fprintf(out, "applied  %s  %s\n", r.Version, r.AppliedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	for _, m := range pending {
		fmt.Fprintf(out, "pending  %s  %s\n", m.Version, m.Name)
	}
	return nil
}
