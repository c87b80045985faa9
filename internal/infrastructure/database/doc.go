// Package database provides SQLite connectivity for the gateway's node registry.
//
// This package manages:
//   - Database connection with WAL mode and a busy timeout
//   - Forward-only schema migrations from an fs.FS
//   - Connection lifecycle and health checks
//
// The registry is diagnostic state (which sensor nodes the gateway has heard
// and when). Losing it never affects the wireless-to-broker path.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
