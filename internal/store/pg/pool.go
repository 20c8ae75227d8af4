// Package pg provides the managed-mode Postgres persistence backend: an
// alternative to the subagent registry's default file-backed store, for
// deployments that run more than one gateway
// process against a shared database.
package pg

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// Open creates an sqlx-wrapped Postgres connection pool using the pgx
// driver. The returned handle is shared across every managed-mode store
// in this package.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}

	slog.Info("pg: connected", "dsn_len", len(dsn))
	return sqlx.NewDb(db, "pgx"), nil
}
