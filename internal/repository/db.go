package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Config holds ledger database settings. The DSN picks the backend: a
// postgres:// URL goes through pgx, anything else is treated as a sqlite path.
type Config struct {
	DSN         string
	DialTimeout time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	progress_stage TEXT NOT NULL DEFAULT 'queued',
	progress_percent INTEGER NOT NULL DEFAULT 0,
	source_filename TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT 'application/pdf',
	file_size_bytes INTEGER NOT NULL DEFAULT 0,
	opt_classify INTEGER NOT NULL DEFAULT 1,
	opt_include_png INTEGER NOT NULL DEFAULT 1,
	error_code TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	summary TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	started_at INTEGER,
	finished_at INTEGER,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_expires_at ON jobs(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status_updated_at ON jobs(status, updated_at);
CREATE TABLE IF NOT EXISTS job_artifacts (
	job_id TEXT NOT NULL,
	name TEXT NOT NULL,
	path TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	sha256 TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	PRIMARY KEY (job_id, name)
);
`

// Open connects to the ledger database, applies schema, and returns the
// handle. sqlite gets WAL and a single writer connection; entropy-style
// pragmas keep concurrent claim attempts from tripping over SQLITE_BUSY.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	driver := "sqlite"
	if strings.HasPrefix(cfg.DSN, "postgres://") || strings.HasPrefix(cfg.DSN, "postgresql://") {
		driver = "pgx"
	}
	logger.Info("connecting to ledger database", "driver", driver)

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
			db.Close()
			return nil, err
		}
		if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000;`); err != nil {
			db.Close()
			return nil, err
		}
	}

	if cfg.DialTimeout > 0 {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping ledger db: %w", err)
		}
	}

	for _, stmt := range splitStatements(schema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init ledger schema: %w", err)
		}
	}

	logger.Info("ledger database ready", "driver", driver)
	return db, nil
}

// DriverFor reports the database/sql driver name the DSN maps to.
func DriverFor(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "pgx"
	}
	return "sqlite"
}

func splitStatements(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// rebind rewrites ? placeholders into $n for the pgx driver. Queries in this
// package are written with ? and rebound per driver.
func rebind(driver, query string) string {
	if driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
