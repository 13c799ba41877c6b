// Package store owns the embedded dev-data database: schema migrations, the
// lazily opened handle, and the token and feature-usage queries.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"codebridge/internal/logging"
)

// Schema versions:
// v1: tokens_generated and feature_usage tables with their indexes
// v2: tokens_generated.tokens_prompt column
const CurrentSchemaVersion = 2

// MigrationResult holds the result of a migration operation.
type MigrationResult struct {
	FromVersion  int
	ToVersion    int
	ColumnsAdded []string
	BackupPath   string
	Duration     time.Duration
}

// SchemaError reports the statement that failed while bringing the schema up
// to date.
type SchemaError struct {
	Statement string
	Err       error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema statement failed: %s: %v", e.Statement, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Migration adds a column to an existing table.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// schemaStatements create every table and index. Each is idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tokens_generated (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		model TEXT NOT NULL,
		provider TEXT NOT NULL,
		tokens_generated INTEGER NOT NULL,
		tokens_prompt INTEGER NOT NULL DEFAULT 0,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS feature_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT,
		feature TEXT,
		count INTEGER DEFAULT 1,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, feature)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_feature_usage_username ON feature_usage(username)`,
	`CREATE INDEX IF NOT EXISTS idx_feature_usage_feature ON feature_usage(feature)`,
	`CREATE INDEX IF NOT EXISTS idx_feature_usage_timestamp ON feature_usage(timestamp)`,
}

// pendingMigrations lists columns added after a table first shipped.
// Databases created before a column existed get it through ALTER TABLE.
var pendingMigrations = []Migration{
	{"tokens_generated", "tokens_prompt", "INTEGER NOT NULL DEFAULT 0"},
}

// Migrate brings db up to CurrentSchemaVersion. It never drops or renames
// anything and is safe to run on every open.
func Migrate(ctx context.Context, db *sql.DB) (*MigrationResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Migrate")
	defer timer.Stop()

	start := time.Now()
	result := &MigrationResult{
		FromVersion: GetSchemaVersion(ctx, db),
		ToVersion:   CurrentSchemaVersion,
	}

	// Additive columns first: a legacy table must have every column before
	// statements that reference it run.
	for _, m := range pendingMigrations {
		exists, err := tableExists(ctx, db, m.Table)
		if err != nil {
			return nil, &SchemaError{Statement: "table lookup " + m.Table, Err: err}
		}
		if !exists {
			logging.StoreDebug("Table missing, created below: %s", m.Table)
			continue
		}

		has, err := columnExists(ctx, db, m.Table, m.Column)
		if err != nil {
			return nil, &SchemaError{Statement: fmt.Sprintf("PRAGMA table_info(%s)", m.Table), Err: err}
		}
		if has {
			logging.StoreDebug("Column already exists, skipping: %s.%s", m.Table, m.Column)
			continue
		}

		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.ExecContext(ctx, query); err != nil {
			return nil, &SchemaError{Statement: query, Err: err}
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		result.ColumnsAdded = append(result.ColumnsAdded, m.Table+"."+m.Column)
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, &SchemaError{Statement: stmt, Err: err}
		}
	}

	if result.FromVersion < CurrentSchemaVersion {
		if err := SetSchemaVersion(ctx, db, CurrentSchemaVersion); err != nil {
			return nil, &SchemaError{Statement: "INSERT INTO schema_versions", Err: err}
		}
	}

	result.Duration = time.Since(start)
	logging.Store("Schema ready: v%d -> v%d (columns added=%d) in %v",
		result.FromVersion, result.ToVersion, len(result.ColumnsAdded), result.Duration)
	return result, nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// tableExists checks if a table exists in the database.
func tableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var count int
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if err := db.QueryRowContext(ctx, query, table).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetSchemaVersion returns the recorded schema version, or infers it from the
// table structure when nothing was recorded.
func GetSchemaVersion(ctx context.Context, db *sql.DB) int {
	if ok, _ := tableExists(ctx, db, "schema_versions"); ok {
		var version int
		query := "SELECT version FROM schema_versions ORDER BY id DESC LIMIT 1"
		if err := db.QueryRowContext(ctx, query).Scan(&version); err == nil {
			return version
		}
	}
	return inferSchemaVersion(ctx, db)
}

func inferSchemaVersion(ctx context.Context, db *sql.DB) int {
	if ok, _ := tableExists(ctx, db, "tokens_generated"); !ok {
		return 0
	}
	if ok, _ := columnExists(ctx, db, "tokens_generated", "tokens_prompt"); ok {
		return 2
	}
	return 1
}

// SetSchemaVersion records a new schema version in the database.
func SetSchemaVersion(ctx context.Context, db *sql.DB, version int) error {
	createTable := `
		CREATE TABLE IF NOT EXISTS schema_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			description TEXT
		)
	`
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create schema_versions table: %w", err)
	}

	desc := fmt.Sprintf("Migrated to schema version %d", version)
	if _, err := db.ExecContext(ctx,
		"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
		version, desc,
	); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	logging.Store("Schema version set to %d", version)
	return nil
}

// CreateBackup creates a backup copy of the database file.
func CreateBackup(dbPath string) (string, error) {
	timestamp := time.Now().Format("20060102_150405")
	backupPath := dbPath + fmt.Sprintf(".backup_%s", timestamp)

	src, err := os.Open(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to open source database: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(backupPath)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return "", fmt.Errorf("failed to copy database to backup: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync backup to disk: %w", err)
	}

	logging.Store("Database backup created: %s (%d bytes)", backupPath, n)
	return backupPath, nil
}

// MigrateFile opens the database at path, optionally backs it up, and runs
// Migrate. Used by the migrate command.
func MigrateFile(ctx context.Context, path string, backup bool) (*MigrationResult, error) {
	var backupPath string
	if backup {
		if _, err := os.Stat(path); err == nil {
			if backupPath, err = CreateBackup(path); err != nil {
				return nil, err
			}
		}
	}

	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	result, err := Migrate(ctx, db)
	if err != nil {
		return nil, err
	}
	result.BackupPath = backupPath
	return result, nil
}
