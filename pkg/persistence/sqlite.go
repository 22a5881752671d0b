package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"callguard/pkg/logx"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// CurrentSchemaVersion defines the current SQLite schema version for migration support.
const CurrentSchemaVersion = 2

// SQLiteAuditLog keeps the audit log in a local SQLite file.
type SQLiteAuditLog struct {
	db     *sql.DB
	logger *logx.Logger
}

// OpenSQLite opens (creating if needed) the database at path and brings its schema up to date.
func OpenSQLite(path string) (*SQLiteAuditLog, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger := logx.NewLogger("persistence")
	logger.Info("audit database initialized: %s", path)
	return &SQLiteAuditLog{db: db, logger: logger}, nil
}

func migrateSQLite(db *sql.DB) error {
	current, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	for version := current + 1; version <= CurrentSchemaVersion; version++ {
		if err := runSQLiteMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if _, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runSQLiteMigration(db *sql.DB, version int) error {
	var statements []string
	switch version {
	case 1:
		statements = []string{`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			action TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`}
	case 2:
		statements = []string{`CREATE INDEX IF NOT EXISTS idx_audit_logs_user_created ON audit_logs(user_id, created_at)`}
	default:
		return fmt.Errorf("unknown schema version %d", version)
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("database exec error: %w", err)
		}
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}

// DB exposes the underlying handle.
func (s *SQLiteAuditLog) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteAuditLog) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Append records a validated request.
func (s *SQLiteAuditLog) Append(ctx context.Context, userID, action string, at time.Time) error {
	entry := NewAuditEntry(userID, action, at)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, user_id, action, created_at) VALUES (?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.Action, entry.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// CountSince counts userID's entries created at or after since.
func (s *SQLiteAuditLog) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_logs WHERE user_id = ? AND created_at >= ?`,
		userID, since.UTC().Format(timeLayout)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return count, nil
}

// Recent returns userID's newest entries, newest first.
func (s *SQLiteAuditLog) Recent(ctx context.Context, userID string, limit int) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, action, created_at FROM audit_logs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var created string
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Action, &created); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if entry.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Prune deletes entries created before cutoff.
func (s *SQLiteAuditLog) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune audit entries: %w", err)
	}
	if n > 0 {
		s.logger.Debug("pruned %d audit entries", n)
	}
	return n, nil
}
