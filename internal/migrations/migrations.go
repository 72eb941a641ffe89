package migrations

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type Migration struct {
	Name string
	Up   func(context.Context, *pgxpool.Pool) error
}

var migrations = []Migration{
	{
		Name: "001_create_servers_table_v1_0_0",
		Up:   createServersTableV1,
	},
	{
		Name: "002_create_server_metrics_table_v1_0_0",
		Up:   createServerMetricsTableV1,
	},
	{
		Name: "003_create_server_events_table_v1_0_0",
		Up:   createServerEventsTableV1,
	},
	{
		Name: "004_create_users_table_v1_1_0",
		Up:   createUsersTableV1,
	},
}

func RunMigrations(ctx context.Context, db *pgxpool.Pool, logger zerolog.Logger) error {
	err := createMigrationsTable(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, migration := range migrations {
		applied, err := isMigrationApplied(ctx, db, migration.Name)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}

		if applied {
			logger.Debug().Str("migration", migration.Name).Msg("already applied")
			continue
		}

		logger.Info().Str("migration", migration.Name).Msg("running migration")
		err = migration.Up(ctx, db)
		if err != nil {
			return fmt.Errorf("migration %s failed: %w", migration.Name, err)
		}

		err = recordMigration(ctx, db, migration.Name)
		if err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}

		logger.Info().Str("migration", migration.Name).Msg("migration completed")
	}

	return nil
}

func createMigrationsTable(ctx context.Context, db *pgxpool.Pool) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		id SERIAL PRIMARY KEY,
		name VARCHAR(255) UNIQUE NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)
	`

	_, err := db.Exec(ctx, query)
	return err
}

func isMigrationApplied(ctx context.Context, db *pgxpool.Pool, name string) (bool, error) {
	var count int
	err := db.QueryRow(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE name = $1", name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func recordMigration(ctx context.Context, db *pgxpool.Pool, name string) error {
	_, err := db.Exec(ctx, "INSERT INTO schema_migrations (name) VALUES ($1)", name)
	return err
}

func createServersTableV1(ctx context.Context, db *pgxpool.Pool) error {
	// One row per monitored host. register_status tracks the admission
	// decision; auth_token is set exactly once, on acceptance.
	query := `
	CREATE TABLE IF NOT EXISTS servers (
		id BIGSERIAL PRIMARY KEY,
		client_id TEXT UNIQUE NOT NULL,
		hostname TEXT NOT NULL,
		os TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		register_status TEXT NOT NULL DEFAULT 'PENDING'
			CHECK (register_status IN ('PENDING', 'ACCEPTED', 'REJECTED')),
		auth_token TEXT UNIQUE,
		report_url TEXT NOT NULL DEFAULT '',
		report_interval INTEGER NOT NULL DEFAULT 30,
		monitor_cpu BOOLEAN NOT NULL DEFAULT TRUE,
		monitor_memory BOOLEAN NOT NULL DEFAULT TRUE,
		monitor_disks TEXT[] NOT NULL DEFAULT '{}',
		monitor_gpu BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		rejection_reason TEXT,
		liveness TEXT NOT NULL DEFAULT 'offline'
			CHECK (liveness IN ('online', 'stale', 'offline')),
		last_seen TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_servers_register_status ON servers(register_status);
	CREATE INDEX IF NOT EXISTS idx_servers_last_seen ON servers(last_seen);
	`

	_, err := db.Exec(ctx, query)
	return err
}

func createServerMetricsTableV1(ctx context.Context, db *pgxpool.Pool) error {
	// Metric categories are stored as JSONB so a partial snapshot
	// keeps exactly the shape the agent reported.
	query := `
	CREATE TABLE IF NOT EXISTS server_metrics (
		id BIGSERIAL PRIMARY KEY,
		server_id BIGINT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		ts TIMESTAMPTZ NOT NULL,
		cpu JSONB,
		memory JSONB,
		disks JSONB,
		gpus JSONB,
		received_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_server_metrics_server_ts ON server_metrics(server_id, ts DESC);
	`

	_, err := db.Exec(ctx, query)
	return err
}

func createServerEventsTableV1(ctx context.Context, db *pgxpool.Pool) error {
	query := `
	CREATE TABLE IF NOT EXISTS server_events (
		id BIGSERIAL PRIMARY KEY,
		server_id BIGINT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		event_type TEXT NOT NULL,
		message TEXT,
		detail JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_server_events_server ON server_events(server_id, id DESC);
	`

	_, err := db.Exec(ctx, query)
	return err
}

func createUsersTableV1(ctx context.Context, db *pgxpool.Pool) error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id SERIAL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'admin',
		last_login TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)
	`

	_, err := db.Exec(ctx, query)
	return err
}
