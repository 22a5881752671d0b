package persistence

import (
	"context"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresAuditLog keeps the audit log in Postgres, typically the Supabase project database.
type PostgresAuditLog struct {
	db *sqlx.DB
}

// OpenPostgres connects to dsn and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresAuditLog, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresAuditLog{db: db}, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate db: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (p *PostgresAuditLog) Close() error {
	return p.db.Close()
}

// Ping checks connectivity.
func (p *PostgresAuditLog) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Append records a validated request.
func (p *PostgresAuditLog) Append(ctx context.Context, userID, action string, at time.Time) error {
	entry := NewAuditEntry(userID, action, at)
	_, err := p.db.NamedExecContext(ctx,
		`INSERT INTO audit_logs (id, user_id, action, created_at) VALUES (CAST(:id AS uuid), :user_id, :action, :created_at)`,
		entry)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// CountSince counts userID's entries created at or after since.
func (p *PostgresAuditLog) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := p.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM audit_logs WHERE user_id = $1 AND created_at >= $2`, userID, since.UTC())
	if err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return count, nil
}

// Recent returns userID's newest entries, newest first.
func (p *PostgresAuditLog) Recent(ctx context.Context, userID string, limit int) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := p.db.SelectContext(ctx, &entries,
		`SELECT id::text AS id, user_id, action, created_at FROM audit_logs
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	return entries, nil
}

// Prune deletes entries created before cutoff.
func (p *PostgresAuditLog) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune audit entries: %w", err)
	}
	return res.RowsAffected()
}
