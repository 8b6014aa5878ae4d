// Package database provides SQLite connectivity for IoT Lab Core.
//
// It owns the connection (WAL mode, busy timeout, single writer), the
// embedded schema migrations and small helpers shared by the repositories:
// a lexically sortable timestamp layout and unique-constraint detection.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
