package migrations

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ioko18/magflow-erp-sub004/pkg/interfaces"
)

// migration - одна именованная миграция. Имя записывается в реестр
// migrations.migrations, повторное применение пропускается.
type migration struct {
	name  string
	query string
}

// Миграции применяются строго в порядке объявления
var all = []migration{
	{
		name: "sync.schema",
		query: `
		CREATE SCHEMA IF NOT EXISTS sync;
		`,
	},
	{
		name: "sync.sessions",
		query: `
		CREATE TABLE IF NOT EXISTS sync.sessions (
			id UUID PRIMARY KEY,
			account VARCHAR(100) NOT NULL,
			operation VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL,
			strategy VARCHAR(30) NOT NULL,
			started_at TIMESTAMP WITH TIME ZONE NOT NULL,
			completed_at TIMESTAMP WITH TIME ZONE,
			pages_processed INTEGER NOT NULL DEFAULT 0,
			records_processed INTEGER NOT NULL DEFAULT 0,
			records_created INTEGER NOT NULL DEFAULT 0,
			records_updated INTEGER NOT NULL DEFAULT 0,
			records_skipped INTEGER NOT NULL DEFAULT 0,
			records_failed INTEGER NOT NULL DEFAULT 0,
			errors JSONB NOT NULL DEFAULT '[]'::jsonb,
			failure_reason TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS sessions_account_operation_idx
			ON sync.sessions(account, operation)
			WHERE status IN ('pending', 'running');

		CREATE INDEX IF NOT EXISTS sessions_started_at_idx
			ON sync.sessions(started_at);
		`,
	},
	{
		name: "sync.progress",
		query: `
		CREATE TABLE IF NOT EXISTS sync.progress (
			session_id UUID PRIMARY KEY REFERENCES sync.sessions(id),
			current_page INTEGER NOT NULL,
			total_pages INTEGER,
			records_processed INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		);
		`,
	},
	{
		name: "sync.marketplace_offers",
		query: `
		CREATE TABLE IF NOT EXISTS sync.marketplace_offers (
			id UUID PRIMARY KEY,
			remote_key VARCHAR(100) NOT NULL,
			account VARCHAR(100) NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			price NUMERIC(12, 4) NOT NULL DEFAULT 0,
			stock INTEGER NOT NULL DEFAULT 0,
			payload JSONB,
			remote_modified_at TIMESTAMP WITH TIME ZONE NOT NULL,
			last_synced_at TIMESTAMP WITH TIME ZONE NOT NULL,
			sync_status VARCHAR(20) NOT NULL DEFAULT 'synced',
			sync_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
			CONSTRAINT unique_remote_key_account UNIQUE(remote_key, account)
		);

		CREATE INDEX IF NOT EXISTS marketplace_offers_sync_status_idx
			ON sync.marketplace_offers(sync_status)
			WHERE sync_status <> 'synced';
		`,
	},
}

// Apply применяет все миграции, которых еще нет в реестре
func Apply(ctx context.Context, pool *pgxpool.Pool, logger interfaces.LoggerPort) error {
	_, err := pool.Exec(ctx, `
		CREATE SCHEMA IF NOT EXISTS migrations;
		CREATE TABLE IF NOT EXISTS migrations.migrations (
			name VARCHAR(200) PRIMARY KEY,
			time TIMESTAMP WITH TIME ZONE NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations registry: %w", err)
	}

	for _, m := range all {
		var exists bool
		err := pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM migrations.migrations WHERE name = $1)", m.name).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status for '%s': %w", m.name, err)
		}
		if exists {
			continue
		}

		if _, err := pool.Exec(ctx, m.query); err != nil {
			return fmt.Errorf("failed to apply migration '%s': %w", m.name, err)
		}
		if _, err := pool.Exec(ctx, "INSERT INTO migrations.migrations (name, time) VALUES ($1, current_timestamp)", m.name); err != nil {
			return fmt.Errorf("failed to mark migration '%s' as complete: %w", m.name, err)
		}

		logger.Info("Миграция применена", interfaces.LogField{Key: "name", Value: m.name})
	}

	return nil
}
