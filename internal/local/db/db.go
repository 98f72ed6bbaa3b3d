// Package db provides the durable local store for fieldsync.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, WAL mode)
// holding beneficiaries, clinical sub-records, the audit log and the outbox
// table. Every mutation made through this package appends an audit_logs row
// inside the same transaction.
//
// Architecture:
//   - Database file: ~/.fieldsync/fieldsync.db
//   - WAL mode: concurrent readers while the sync engine writes
//   - Tables: beneficiaries, screenings, interventions, followups,
//     audit_logs, outbox
//   - Sub-record tables are append-only (enforced by triggers)
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// DefaultActor is recorded in the audit log when no actor is configured.
const DefaultActor = "device"

// DB wraps the SQLite connection with fieldsync-specific queries.
type DB struct {
	conn  *sql.DB
	path  string
	actor string
	now   func() time.Time
}

// Open creates a database connection at the specified path.
//
// The pragmas are passed in the DSN so that every pooled connection gets
// WAL, a busy timeout and foreign key enforcement. Transactions begin
// IMMEDIATE so concurrent writers wait on the busy timeout instead of
// failing on lock upgrade.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open("/data/fieldsync.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	path = strings.TrimPrefix(path, "file:")
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{
		conn:  conn,
		path:  path,
		actor: DefaultActor,
		now:   time.Now,
	}, nil
}

// SetActor sets the actor recorded on audit entries (usually the worker id).
func (db *DB) SetActor(actor string) {
	if actor == "" {
		actor = DefaultActor
	}
	db.actor = actor
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
// The outbox package shares the connection through this.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS beneficiaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id INTEGER UNIQUE,
		temp_id TEXT,
		unique_id TEXT NOT NULL UNIQUE,
		short_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		age INTEGER NOT NULL DEFAULT 0,
		gender TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		alt_phone TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		document_uris TEXT,  -- JSON array
		follow_up_due TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		pending INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		last_modified TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS screenings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		beneficiary_id INTEGER NOT NULL,
		server_beneficiary_id INTEGER,
		hb REAL NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		anaemic INTEGER NOT NULL DEFAULT 0,
		severity TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		FOREIGN KEY (beneficiary_id) REFERENCES beneficiaries(id)
	);

	CREATE TABLE IF NOT EXISTS interventions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		beneficiary_id INTEGER NOT NULL,
		server_beneficiary_id INTEGER,
		ifa_yes INTEGER NOT NULL DEFAULT 0,
		ifa_quantity INTEGER NOT NULL DEFAULT 0,
		deworming INTEGER NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		FOREIGN KEY (beneficiary_id) REFERENCES beneficiaries(id)
	);

	CREATE TABLE IF NOT EXISTS followups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		beneficiary_id INTEGER NOT NULL,
		server_beneficiary_id INTEGER,
		visit_date TEXT NOT NULL,
		referral INTEGER NOT NULL DEFAULT 0,
		referral_facility TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		FOREIGN KEY (beneficiary_id) REFERENCES beneficiaries(id)
	);

	CREATE TABLE IF NOT EXISTS audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		table_name TEXT NOT NULL,
		record_key TEXT NOT NULL,
		payload TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		op TEXT NOT NULL,
		entity TEXT NOT NULL,
		payload TEXT NOT NULL,
		try_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_beneficiaries_category ON beneficiaries(category);
	CREATE INDEX IF NOT EXISTS idx_beneficiaries_pending ON beneficiaries(pending);
	CREATE INDEX IF NOT EXISTS idx_beneficiaries_follow_up ON beneficiaries(follow_up_due);
	CREATE INDEX IF NOT EXISTS idx_screenings_beneficiary ON screenings(beneficiary_id);
	CREATE INDEX IF NOT EXISTS idx_interventions_beneficiary ON interventions(beneficiary_id);
	CREATE INDEX IF NOT EXISTS idx_followups_beneficiary ON followups(beneficiary_id);

	-- Clinical history is append-only; only the server reference may be filled in.
	CREATE TRIGGER IF NOT EXISTS screenings_append_only
	BEFORE UPDATE OF beneficiary_id, hb, method, anaemic, severity, notes, created_at ON screenings
	BEGIN
		SELECT RAISE(ABORT, 'screenings are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS interventions_append_only
	BEFORE UPDATE OF beneficiary_id, ifa_yes, ifa_quantity, deworming, notes, created_at ON interventions
	BEGIN
		SELECT RAISE(ABORT, 'interventions are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS followups_append_only
	BEFORE UPDATE OF beneficiary_id, visit_date, referral, referral_facility, notes, created_at ON followups
	BEGIN
		SELECT RAISE(ABORT, 'followups are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS audit_logs_append_only
	BEFORE UPDATE ON audit_logs
	BEGIN
		SELECT RAISE(ABORT, 'audit_logs are append-only');
	END;
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// inTx runs fn inside a transaction, committing on success.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// formatTime is the canonical on-disk time format.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func int64ToNull(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullToInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
