package db

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations run in order at start-up; each statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS wallets (
		user_id    TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS wallet_transactions (
		id              UUID PRIMARY KEY,
		user_id         TEXT NOT NULL REFERENCES wallets(user_id),
		kind            TEXT NOT NULL CHECK (kind IN ('debit', 'credit')),
		amount          BIGINT NOT NULL CHECK (amount > 0),
		reason          TEXT NOT NULL DEFAULT '',
		job_id          TEXT,
		idempotency_key TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE UNIQUE INDEX IF NOT EXISTS ux_wallet_transactions_key
		ON wallet_transactions (user_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS ix_wallet_transactions_job
		ON wallet_transactions (user_id, job_id) WHERE job_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS wallet_reservations (
		id             UUID PRIMARY KEY,
		user_id        TEXT NOT NULL REFERENCES wallets(user_id),
		amount         BIGINT NOT NULL CHECK (amount > 0),
		job_id         TEXT NOT NULL,
		status         TEXT NOT NULL CHECK (status IN ('held', 'settled', 'released')),
		settled_amount BIGINT,
		settled_at     TIMESTAMPTZ,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE UNIQUE INDEX IF NOT EXISTS ux_wallet_reservations_held
		ON wallet_reservations (user_id, job_id) WHERE status = 'held'`,
	`CREATE TABLE IF NOT EXISTS billing_sessions (
		id             UUID PRIMARY KEY,
		job_id         TEXT NOT NULL,
		renter_id      TEXT NOT NULL,
		provider_id    TEXT NOT NULL,
		rate_per_hour  BIGINT NOT NULL CHECK (rate_per_hour > 0),
		max_charge     BIGINT NOT NULL DEFAULT 0 CHECK (max_charge >= 0),
		reservation_id UUID NOT NULL REFERENCES wallet_reservations(id),
		status         TEXT NOT NULL CHECK (status IN ('active', 'closing', 'closed')),
		started_at     TIMESTAMPTZ NOT NULL,
		ended_at       TIMESTAMPTZ,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE UNIQUE INDEX IF NOT EXISTS ux_billing_sessions_open_job
		ON billing_sessions (job_id) WHERE status <> 'closed'`,
	`CREATE TABLE IF NOT EXISTS billing_ticks (
		id                UUID PRIMARY KEY,
		session_id        UUID NOT NULL REFERENCES billing_sessions(id),
		tick_number       BIGINT NOT NULL,
		elapsed_minutes   BIGINT NOT NULL,
		increment_minutes BIGINT NOT NULL,
		amount            BIGINT NOT NULL CHECK (amount >= 0),
		provider_share    BIGINT NOT NULL,
		platform_share    BIGINT NOT NULL,
		proof_hash        TEXT NOT NULL,
		recorded_at       TIMESTAMPTZ NOT NULL,
		UNIQUE (session_id, tick_number)
	)`,
	`CREATE TABLE IF NOT EXISTS billing_receipts (
		id                UUID PRIMARY KEY,
		session_id        UUID NOT NULL UNIQUE REFERENCES billing_sessions(id),
		job_id            TEXT NOT NULL,
		total_minutes     BIGINT NOT NULL,
		total_charged     BIGINT NOT NULL,
		provider_payout   BIGINT NOT NULL,
		platform_revenue  BIGINT NOT NULL,
		settlement_amount BIGINT NOT NULL,
		receipt_hash      TEXT NOT NULL,
		closed_at         TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS provider_gpus (
		id            TEXT PRIMARY KEY,
		provider_id   TEXT NOT NULL,
		model         TEXT NOT NULL,
		vram_gb       INTEGER NOT NULL CHECK (vram_gb > 0),
		rate_per_hour BIGINT NOT NULL CHECK (rate_per_hour > 0),
		reliability   DOUBLE PRECISION NOT NULL DEFAULT 0,
		device_id     TEXT NOT NULL,
		status        TEXT NOT NULL CHECK (status IN ('available', 'in-use', 'maintenance')),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id                 UUID PRIMARY KEY,
		renter_id          TEXT NOT NULL,
		gpu_id             TEXT,
		provider_id        TEXT,
		container_id       TEXT,
		billing_session_id UUID,
		image              TEXT NOT NULL,
		command            JSONB NOT NULL DEFAULT '[]',
		job_code_path      TEXT NOT NULL DEFAULT '',
		required_vram_gb   INTEGER NOT NULL,
		estimated_hours    BIGINT NOT NULL,
		rate_per_hour      BIGINT NOT NULL DEFAULT 0,
		max_budget         BIGINT NOT NULL,
		status             TEXT NOT NULL,
		final_cost         BIGINT,
		gpu_wipe_failed    BOOLEAN NOT NULL DEFAULT FALSE,
		failure_reason     TEXT NOT NULL DEFAULT '',
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at         TIMESTAMPTZ,
		finished_at        TIMESTAMPTZ,
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS ix_jobs_status ON jobs (status)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id          UUID PRIMARY KEY,
		actor       TEXT NOT NULL,
		action      TEXT NOT NULL,
		resource_id TEXT NOT NULL DEFAULT '',
		details     JSONB,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS ix_audit_log_actor_time ON audit_log (actor, created_at DESC);
	CREATE INDEX IF NOT EXISTS ix_audit_log_action_time ON audit_log (action, created_at DESC)`,
}

// Migrate applies the schema. Ledger, billing and audit tables are insert-only by
// convention; the service never issues DELETE against them.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("db: migration %d: %w", i+1, err)
		}
	}
	return nil
}
