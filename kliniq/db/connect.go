// Package db opens the persistence collaborator and keeps its schema current.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/config"
)

// Dialect identifies the SQL flavour behind a *sql.DB.
type Dialect string

const (
	DialectLibSQL   Dialect = "libsql"
	DialectPostgres Dialect = "postgres"
)

// Rebind rewrites ? placeholders into the dialect's positional form.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

// Handle couples a connection pool with its dialect.
type Handle struct {
	DB      *sql.DB
	Dialect Dialect
}

// Close closes the underlying pool.
func (h *Handle) Close() error {
	return h.DB.Close()
}

// Open connects using the configured database type and applies migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*Handle, error) {
	var (
		h   *Handle
		err error
	)
	switch Dialect(cfg.Type) {
	case DialectLibSQL:
		h, err = openLibSQL(cfg, logger)
	case DialectPostgres:
		h, err = openPostgres(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := verify(ctx, h.DB); err != nil {
		h.DB.Close()
		return nil, err
	}
	if err := Migrate(ctx, h, logger); err != nil {
		h.DB.Close()
		return nil, err
	}

	return h, nil
}

func openLibSQL(cfg config.DatabaseConfig, logger zerolog.Logger) (*Handle, error) {
	dsn := cfg.DSN
	if strings.HasPrefix(dsn, "file:") {
		path := strings.TrimPrefix(dsn, "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("could not create database directory for %s: %w", path, err)
		}
		logger.Info().Str("path", path).Msg("Connecting to embedded libsql")
	} else if cfg.AuthToken != "" {
		u, err := url.Parse(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid libsql url: %w", err)
		}
		q := u.Query()
		q.Set("authToken", cfg.AuthToken)
		u.RawQuery = q.Encode()
		dsn = u.String()
		logger.Info().Str("host", u.Host).Msg("Connecting to remote libsql")
	}

	conn, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql connection: %w", err)
	}

	if strings.HasPrefix(cfg.DSN, "file:") {
		// Embedded databases take one writer at a time.
		conn.SetMaxOpenConns(1)
		// libsql returns rows for some pragmas, so use Query and discard them.
		rows, err := conn.Query("PRAGMA foreign_keys = ON")
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
		rows.Close()
	}

	return &Handle{DB: conn, Dialect: DialectLibSQL}, nil
}

func openPostgres(cfg config.DatabaseConfig, logger zerolog.Logger) (*Handle, error) {
	conn, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	conn.SetConnMaxIdleTime(5 * time.Minute)
	logger.Info().Msg("Connecting to postgres")
	return &Handle{DB: conn, Dialect: DialectPostgres}, nil
}

// verify runs a basic connectivity probe.
func verify(ctx context.Context, conn *sql.DB) error {
	var result int
	if err := conn.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("basic connectivity test failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("basic connectivity test failed: unexpected result %d", result)
	}
	return nil
}
