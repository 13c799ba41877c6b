package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"codebridge/internal/logging"
)

// TimestampLayout is how event times are written to DATETIME columns. It
// matches SQLite's CURRENT_TIMESTAMP so date() and ordering work on both.
const TimestampLayout = "2006-01-02 15:04:05"

// DayTokens is the token total for one calendar day (UTC).
type DayTokens struct {
	Day             string
	PromptTokens    int64
	GeneratedTokens int64
}

// ModelTokens is the token total for one model.
type ModelTokens struct {
	Model           string
	PromptTokens    int64
	GeneratedTokens int64
}

// FeatureCount is the usage count for one (username, feature) pair.
type FeatureCount struct {
	Username string
	Feature  string
	Count    int64
}

// DevDataDB is the lazily opened dev-data database. The handle is created on
// first use, shared by concurrent first users, and re-created when the file
// disappears from disk.
type DevDataDB struct {
	path string

	mu sync.Mutex
	db *sql.DB
	// retired holds handles replaced after the file disappeared. Callers may
	// still be running statements on them, so they close with the DB.
	retired []*sql.DB

	group singleflight.Group
}

// NewDevDataDB returns a database bound to path. Nothing is opened yet.
func NewDevDataDB(path string) *DevDataDB {
	return &DevDataDB{path: path}
}

// Path returns the database file path.
func (d *DevDataDB) Path() string { return d.path }

// DB returns an open, migrated handle.
func (d *DevDataDB) DB(ctx context.Context) (*sql.DB, error) {
	d.mu.Lock()
	db := d.db
	d.mu.Unlock()

	if db != nil {
		if _, err := os.Stat(d.path); err == nil {
			return db, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat dev data db: %w", err)
		}
		logging.StoreWarn("Dev data database missing, recreating: %s", d.path)
	}

	v, err, _ := d.group.Do("open", func() (interface{}, error) {
		return d.reopen(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*sql.DB), nil
}

func (d *DevDataDB) reopen(ctx context.Context) (*sql.DB, error) {
	d.mu.Lock()
	current := d.db
	d.mu.Unlock()

	// Another caller may have finished reopening while this one waited.
	if current != nil {
		if _, err := os.Stat(d.path); err == nil {
			return current, nil
		}
	}

	db, err := openDB(ctx, d.path)
	if err != nil {
		return nil, err
	}
	if _, err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	d.mu.Lock()
	if d.db != nil {
		d.retired = append(d.retired, d.db)
	}
	d.db = db
	d.mu.Unlock()

	logging.Store("Dev data database ready: %s", d.path)
	return db, nil
}

// openDB creates the parent directory and opens a single-connection handle.
func openDB(ctx context.Context, path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open(driverName, dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes statements; busy_timeout covers other processes.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Close releases the handle. A later call to DB opens it again.
func (d *DevDataDB) Close() error {
	d.mu.Lock()
	handles := d.retired
	if d.db != nil {
		handles = append(handles, d.db)
	}
	d.db = nil
	d.retired = nil
	d.mu.Unlock()

	var errs []error
	for _, db := range handles {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogTokensGenerated appends one tokens_generated row.
func (d *DevDataDB) LogTokensGenerated(ctx context.Context, model, provider string, prompt, generated int64, at time.Time) error {
	db, err := d.DB(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO tokens_generated (model, provider, tokens_prompt, tokens_generated, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		model, provider, prompt, generated, at.UTC().Format(TimestampLayout))
	if err != nil {
		return fmt.Errorf("insert tokens_generated: %w", err)
	}
	return nil
}

// UpsertFeatureUsage inserts a (username, feature) row with count 1 or
// increments the existing count in one statement.
func (d *DevDataDB) UpsertFeatureUsage(ctx context.Context, username, feature string, at time.Time) error {
	db, err := d.DB(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO feature_usage (username, feature, count, timestamp)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT(username, feature) DO UPDATE SET
		   count = count + 1,
		   timestamp = excluded.timestamp`,
		username, feature, at.UTC().Format(TimestampLayout))
	if err != nil {
		return fmt.Errorf("upsert feature_usage: %w", err)
	}
	return nil
}

// TokensPerDay sums prompt and generated tokens per day, oldest first.
func (d *DevDataDB) TokensPerDay(ctx context.Context) ([]DayTokens, error) {
	db, err := d.DB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT date(timestamp) AS day,
		       COALESCE(SUM(tokens_prompt), 0),
		       COALESCE(SUM(tokens_generated), 0)
		FROM tokens_generated
		GROUP BY date(timestamp)
		ORDER BY day`)
	if err != nil {
		return nil, fmt.Errorf("query tokens per day: %w", err)
	}
	defer rows.Close()

	out := []DayTokens{}
	for rows.Next() {
		var day sql.NullString
		var row DayTokens
		if err := rows.Scan(&day, &row.PromptTokens, &row.GeneratedTokens); err != nil {
			return nil, err
		}
		row.Day = day.String
		out = append(out, row)
	}
	return out, rows.Err()
}

// TokensPerModel sums prompt and generated tokens per model.
func (d *DevDataDB) TokensPerModel(ctx context.Context) ([]ModelTokens, error) {
	db, err := d.DB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT model,
		       COALESCE(SUM(tokens_prompt), 0),
		       COALESCE(SUM(tokens_generated), 0)
		FROM tokens_generated
		GROUP BY model
		ORDER BY model`)
	if err != nil {
		return nil, fmt.Errorf("query tokens per model: %w", err)
	}
	defer rows.Close()

	out := []ModelTokens{}
	for rows.Next() {
		var row ModelTokens
		if err := rows.Scan(&row.Model, &row.PromptTokens, &row.GeneratedTokens); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// FeatureUsage returns per-user feature counts, most used first.
func (d *DevDataDB) FeatureUsage(ctx context.Context) ([]FeatureCount, error) {
	db, err := d.DB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT COALESCE(username, ''), COALESCE(feature, ''), SUM(count) AS usage_count
		FROM feature_usage
		GROUP BY username, feature
		ORDER BY usage_count DESC, username, feature`)
	if err != nil {
		return nil, fmt.Errorf("query feature usage: %w", err)
	}
	defer rows.Close()

	out := []FeatureCount{}
	for rows.Next() {
		var row FeatureCount
		if err := rows.Scan(&row.Username, &row.Feature, &row.Count); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
