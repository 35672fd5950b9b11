// Package database provides the SQLite connection behind the device journal.
//
// The package manages:
//   - Connection setup with WAL mode and a busy timeout
//   - Embedded schema migrations (YYYYMMDD_HHMMSS_name.up.sql / .down.sql)
//   - Connection pool limits suited to SQLite's single writer
//
// Usage:
//
//	db, err := database.Open(database.FromConfig(cfg.Database))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// The path ":memory:" opens a private in-memory database, which the tests use.
package database
