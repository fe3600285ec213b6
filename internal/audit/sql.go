package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know about.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

const insertRecord = `INSERT INTO connection_audit (connection_id, ip, country, details, created_at)
	VALUES (:connection_id, :ip, :country, :details, :created_at)`

type sqlRecorder struct {
	db     *sqlx.DB
	closed atomic.Bool
}

type sqlRow struct {
	Record
	DetailsText string `db:"details"`
}

func openSQLite(ctx context.Context, dsn string, log *slog.Logger) (*sqlRecorder, error) {
	path := strings.TrimPrefix(dsn, "sqlite:")
	memory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if !memory {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		path += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if memory {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	r := &sqlRecorder{db: db}
	if err := r.migrate(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("audit store opened", "backend", "sqlite", "memory", memory)
	return r, nil
}

func openPostgres(ctx context.Context, dsn string, log *slog.Logger) (*sqlRecorder, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	r := &sqlRecorder{db: db}
	if err := r.migrate(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("audit store opened", "backend", "postgres", "dsn_len", len(dsn))
	return r, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS connection_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id TEXT NOT NULL,
		ip TEXT NOT NULL,
		country TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_connection_audit_created_at ON connection_audit(created_at)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS connection_audit (
		id BIGSERIAL PRIMARY KEY,
		connection_id TEXT NOT NULL,
		ip TEXT NOT NULL,
		country TEXT NOT NULL,
		details JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_connection_audit_created_at ON connection_audit(created_at)`,
}

func (r *sqlRecorder) migrate(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *sqlRecorder) Record(ctx context.Context, rec Record) error {
	if r.closed.Load() {
		return ErrClosed
	}
	row := sqlRow{Record: rec, DetailsText: rec.detailsText()}
	row.CreatedAt = rec.CreatedAt.UTC()
	if _, err := r.db.NamedExecContext(ctx, insertRecord, row); err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (r *sqlRecorder) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.db.Close()
}
