package migrations

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SchemaVersion is the only schema version; it is written once and never
// migrated.
const SchemaVersion = 1

var schema = []string{
	`CREATE TABLE IF NOT EXISTS submissions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        record_key TEXT NOT NULL,
        patient_name TEXT NOT NULL,
        age INTEGER NOT NULL,
        gender TEXT NOT NULL,
        diagnosis TEXT NOT NULL,
        allergy_test TEXT NOT NULL,
        meropenem_1g_qty INTEGER NOT NULL DEFAULT 0 CHECK (meropenem_1g_qty >= 0),
        meropenem_05g_qty INTEGER NOT NULL DEFAULT 0 CHECK (meropenem_05g_qty >= 0),
        frequency TEXT NOT NULL,
        duration INTEGER NOT NULL,
        pharmacist_id TEXT NOT NULL DEFAULT '',
        created_at TEXT NOT NULL,
        synced INTEGER NOT NULL DEFAULT 0,
        synced_at TEXT,
        CHECK ((synced = 0 AND synced_at IS NULL) OR (synced = 1 AND synced_at IS NOT NULL))
    );`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_submissions_record_key ON submissions(record_key);`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_synced ON submissions(synced);`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_created_at ON submissions(created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_patient_name ON submissions(patient_name);`,
}

// Run creates the schema on first open. A database already at SchemaVersion
// is left untouched; any other non-zero version is refused.
func Run(ctx context.Context, db *sqlx.DB) error {
	var version int
	if err := db.GetContext(ctx, &version, `PRAGMA user_version`); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	switch version {
	case SchemaVersion:
		return nil
	case 0:
	default:
		return fmt.Errorf("unsupported schema version %d (want %d)", version, SchemaVersion)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, SchemaVersion)); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return tx.Commit()
}
