package migrate

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// sqliteSchema mirrors the goose migrations for the embedded sqlite driver,
// which cannot run the Postgres enum and jsonb DDL. Constraint names match the
// Postgres ones where uniqueness errors are inspected.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		payment_customer_id TEXT NULL UNIQUE,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		provider_subscription_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		tier_id TEXT NOT NULL,
		current_period_start DATETIME NOT NULL,
		current_period_end DATETIME NOT NULL,
		last_event_at DATETIME NOT NULL,
		canceled_at DATETIME NULL,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		amount INTEGER NOT NULL CHECK (amount <> 0),
		balance_after INTEGER NOT NULL CHECK (balance_after >= 0),
		reason TEXT NOT NULL CHECK (length(trim(reason)) > 0),
		source TEXT NOT NULL,
		external_event_key TEXT NULL,
		actor_id TEXT NULL,
		subscription_id TEXT NULL REFERENCES subscriptions(id),
		period_start DATETIME NULL,
		metadata BLOB NULL,
		created_at DATETIME
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_entries_external_event_key
		ON ledger_entries (external_event_key) WHERE external_event_key IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_entries_renewal_period
		ON ledger_entries (subscription_id, period_start) WHERE source = 'subscription_renewal'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_entries_signup
		ON ledger_entries (user_id) WHERE source = 'signup'`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		event_source_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		processed_at DATETIME NOT NULL,
		PRIMARY KEY (event_source_id, event_type)
	)`,
	`CREATE TABLE IF NOT EXISTS admins (
		user_id TEXT PRIMARY KEY REFERENCES users(id),
		granted_by TEXT NULL,
		created_at DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS feedback (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		body TEXT NOT NULL,
		is_reward BOOLEAN NOT NULL DEFAULT 0,
		rewarded_at DATETIME NULL,
		rewarded_by TEXT NULL,
		created_at DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at DATETIME,
		published_at DATETIME NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_dlq (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload_json BLOB NOT NULL,
		error_reason TEXT NOT NULL,
		error_message TEXT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		failed_at DATETIME,
		created_at DATETIME
	)`,
}

// ApplySQLiteSchema creates the credit ledger schema on a sqlite connection.
func ApplySQLiteSchema(ctx context.Context, conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db is required")
	}
	for _, stmt := range sqliteSchema {
		if err := conn.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return nil
}
