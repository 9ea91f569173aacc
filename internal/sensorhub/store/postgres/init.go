// Package postgres persists update sessions in PostgreSQL.
package postgres

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver
	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"

	"github.com/autopeer-io/sensorhub/pkg/options"
)

// Migration returns the schema of the session store.
func Migration() *migrate.MemoryMigrationSource {
	return &migrate.MemoryMigrationSource{
		Migrations: []*migrate.Migration{
			{
				Id: "update_sessions_01",
				Up: []string{
					`CREATE TABLE IF NOT EXISTS update_sessions (
						id                  VARCHAR(36) PRIMARY KEY,
						device_id           VARCHAR(254) NOT NULL,
						type                VARCHAR(32) NOT NULL,
						status              VARCHAR(32) NOT NULL,
						source_id           VARCHAR(254) NOT NULL,
						version             VARCHAR(64),
						checksum            VARCHAR(128),
						total_size          BIGINT NOT NULL DEFAULT 0,
						total_chunks        INTEGER NOT NULL DEFAULT 0,
						chunk_size          INTEGER NOT NULL DEFAULT 0,
						sent_chunks         INTEGER NOT NULL DEFAULT 0,
						acknowledged_chunks INTEGER NOT NULL DEFAULT 0,
						options             JSONB,
						expected_duration   BIGINT NOT NULL DEFAULT 0,
						error               TEXT,
						started_at          TIMESTAMPTZ NOT NULL,
						last_activity_at    TIMESTAMPTZ NOT NULL,
						completed_at        TIMESTAMPTZ
					)`,
					// At most one non-terminal session per device.
					`CREATE UNIQUE INDEX IF NOT EXISTS update_sessions_one_active
						ON update_sessions (device_id)
						WHERE status NOT IN ('COMPLETED', 'FAILED', 'ROLLED_BACK', 'CRITICAL_FAILURE')`,
				},
				Down: []string{
					`DROP TABLE IF EXISTS update_sessions`,
				},
			},
		},
	}
}

// Setup connects to the database described by opts and applies any
// unapplied migrations.
func Setup(opts *options.PostgresOptions) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", opts.DSN())
	if err != nil {
		return nil, fmt.Errorf("invalid postgres connection settings: %w", err)
	}
	db.SetMaxOpenConns(int(opts.MaxConns))
	db.SetConnMaxLifetime(opts.MaxConnLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres at %s: %w", opts.Host, err)
	}
	if _, err := migrate.Exec(db.DB, "postgres", Migration(), migrate.Up); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return db, nil
}
