// Package audit writes one append-only provenance record per admitted
// connection. Records are never read back by the server.
//
// The backend is chosen from the DSN scheme:
//
//	""                        disabled (records are dropped)
//	sqlite:<path>, file:...   SQLite via modernc.org/sqlite
//	postgres://, postgresql:// Postgres via pgx
//	redis://, rediss://       Redis stream (XADD)
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	ErrUnsupportedDSN = errors.New("audit: unsupported dsn scheme")
	ErrClosed         = errors.New("audit: recorder closed")
)

// Record mirrors what the server learned about a connection at admission.
type Record struct {
	ConnectionID string          `db:"connection_id"`
	IP           string          `db:"ip"`
	Country      string          `db:"country"`
	Details      json.RawMessage `db:"-"`
	CreatedAt    time.Time       `db:"created_at"`
}

func (r Record) detailsText() string {
	if len(r.Details) == 0 || !json.Valid(r.Details) {
		return "{}"
	}
	return string(r.Details)
}

type Recorder interface {
	Record(ctx context.Context, rec Record) error
	Close() error
}

// Open connects to the store named by dsn and prepares its schema.
func Open(ctx context.Context, dsn string, log *slog.Logger) (Recorder, error) {
	if log == nil {
		log = slog.Default()
	}
	dsn = strings.TrimSpace(dsn)
	scheme, _, _ := strings.Cut(dsn, ":")

	var (
		rec Recorder
		err error
	)
	switch strings.ToLower(scheme) {
	case "":
		return NopRecorder{}, nil
	case "sqlite", "file":
		rec, err = openSQLite(ctx, dsn, log)
	case "postgres", "postgresql":
		rec, err = openPostgres(ctx, dsn, log)
	case "redis", "rediss":
		rec, err = openRedis(ctx, dsn, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDSN, scheme)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Backend names the store kind for logs; it never includes credentials.
func Backend(dsn string) string {
	scheme, _, _ := strings.Cut(strings.TrimSpace(dsn), ":")
	switch strings.ToLower(scheme) {
	case "":
		return "disabled"
	case "sqlite", "file":
		return "sqlite"
	case "postgres", "postgresql":
		return "postgres"
	case "redis", "rediss":
		return "redis"
	default:
		return "unknown"
	}
}

type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Record) error { return nil }
func (NopRecorder) Close() error                          { return nil }
