// Package postgres provides a PostgreSQL-backed [signaling.Store].
//
// Leaves of the tree live in signal_nodes, one row per leaf path. Every
// mutation runs in a transaction that ends with pg_notify on the
// signal_changes channel; a dedicated listener connection turns those
// notifications into watch deliveries.
//
// Disconnect-armed removals are recorded in signal_disconnect together with
// the backend pid and start time of the owning listener connection. Any
// store instance sharing the database reaps entries whose owner no longer
// appears in pg_stat_activity, so a crashed process loses its presence
// entries within one reap interval.
//
//	store, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyChannel is the LISTEN/NOTIFY channel carrying changed paths.
const notifyChannel = "signal_changes"

const ddlNodes = `
CREATE TABLE IF NOT EXISTS signal_nodes (
    path       TEXT         PRIMARY KEY,
    value      JSONB        NOT NULL,
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_signal_nodes_path_prefix
    ON signal_nodes (path text_pattern_ops);
`

const ddlDisconnect = `
CREATE TABLE IF NOT EXISTS signal_disconnect (
    path        TEXT         NOT NULL,
    owner_pid   INTEGER      NOT NULL,
    owner_start TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (path, owner_pid, owner_start)
);
`

// Migrate creates the tables the store needs. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlNodes, ddlDisconnect} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}
