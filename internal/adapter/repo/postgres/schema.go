package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS proxies (
		id BIGSERIAL PRIMARY KEY,
		url TEXT NOT NULL UNIQUE,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		delay_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		success_count BIGINT NOT NULL DEFAULT 0,
		fail_count BIGINT NOT NULL DEFAULT 0,
		last_used TIMESTAMPTZ,
		blocked_until TIMESTAMPTZ,
		blocked_at TIMESTAMPTZ,
		rate_limit_streak INT NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS monitoring_tasks (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		market_hash_name TEXT NOT NULL,
		app_id INT NOT NULL DEFAULT 730,
		currency TEXT NOT NULL DEFAULT 'USD',
		filters_json JSONB NOT NULL DEFAULT '{}',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		check_interval_seconds BIGINT NOT NULL DEFAULT 60,
		last_check TIMESTAMPTZ,
		next_check TIMESTAMPTZ NOT NULL DEFAULT now(),
		total_checks BIGINT NOT NULL DEFAULT 0,
		items_found BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_monitoring_tasks_due
		ON monitoring_tasks (next_check) WHERE active`,
	`CREATE TABLE IF NOT EXISTS found_items (
		id BIGSERIAL PRIMARY KEY,
		task_id BIGINT NOT NULL REFERENCES monitoring_tasks(id) ON DELETE CASCADE,
		listing_id TEXT NOT NULL,
		market_hash_name TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		currency TEXT NOT NULL DEFAULT 'USD',
		item_data JSONB,
		inspect_link TEXT NOT NULL DEFAULT '',
		notified BOOLEAN NOT NULL DEFAULT FALSE,
		found_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_found_items_task_listing
		ON found_items (task_id, listing_id)`,
	`CREATE TABLE IF NOT EXISTS app_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates the engine's tables and indexes when they do not exist
// yet. It runs at startup so a fresh database needs no migration step.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
