package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/router/internal/common/config"
)

// OpenFromConfig opens the audit-mirror database per cfg.Driver
// ("sqlite" or "postgres") and wraps it in a dialect-appropriate Pool —
// a single shared writer/reader for Postgres, a single writer plus a
// dedicated multi-connection reader for SQLite.
func OpenFromConfig(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case "postgres":
		sqlDB, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		sqlxDB := sqlx.NewDb(sqlDB, "pgx")
		return NewPool(sqlxDB, sqlxDB), nil
	case "sqlite", "":
		writerConn, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		readerConn, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewPool(sqlx.NewDb(writerConn, "sqlite3"), sqlx.NewDb(readerConn, "sqlite3")), nil
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
}
