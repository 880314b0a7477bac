package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations run in order at boot; every statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS markets (
		id               UUID PRIMARY KEY,
		name             TEXT NOT NULL,
		owner_id         TEXT NOT NULL,
		issuer_id        TEXT,
		category         TEXT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'draft',
		token_symbol     TEXT NOT NULL,
		token_name       TEXT NOT NULL,
		total_supply     NUMERIC(78,0) NOT NULL DEFAULT 0,
		contract_address TEXT,
		deployment_tx    TEXT,
		approved_by      TEXT,
		approved_at      TIMESTAMPTZ,
		metadata         JSONB NOT NULL DEFAULT '{}',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_markets_status ON markets (status, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_markets_owner ON markets (owner_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS market_assets (
		id              UUID PRIMARY KEY,
		market_id       UUID NOT NULL UNIQUE REFERENCES markets(id),
		valuation       NUMERIC(78,0) NOT NULL DEFAULT 0,
		currency        TEXT NOT NULL,
		description     TEXT,
		document_ids    JSONB NOT NULL DEFAULT '[]',
		regulatory_info JSONB NOT NULL DEFAULT '{}',
		attributes      JSONB NOT NULL DEFAULT '{}',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS market_approval_events (
		id          UUID PRIMARY KEY,
		market_id   UUID NOT NULL REFERENCES markets(id),
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		actor_id    TEXT NOT NULL,
		decision    TEXT,
		reason      TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approval_events_market ON market_approval_events (market_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS tokens (
		id               UUID PRIMARY KEY,
		symbol           TEXT NOT NULL UNIQUE,
		name             TEXT NOT NULL,
		type             TEXT NOT NULL,
		contract_address TEXT,
		blockchain       TEXT NOT NULL,
		decimals         INT NOT NULL DEFAULT 18,
		total_supply     NUMERIC(78,0),
		is_active        BOOLEAN NOT NULL DEFAULT true,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS trading_pairs (
		id                 UUID PRIMARY KEY,
		symbol             TEXT NOT NULL UNIQUE,
		base_token_id      UUID NOT NULL REFERENCES tokens(id),
		quote_token_id     UUID NOT NULL REFERENCES tokens(id),
		market_id          UUID REFERENCES markets(id),
		is_active          BOOLEAN NOT NULL DEFAULT true,
		min_order_size     NUMERIC(78,0) NOT NULL DEFAULT 0,
		max_order_size     NUMERIC(78,0) NOT NULL DEFAULT 0,
		price_precision    INT NOT NULL DEFAULT 6,
		quantity_precision INT NOT NULL DEFAULT 18,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id              UUID PRIMARY KEY,
		seq             BIGSERIAL,
		user_id         TEXT NOT NULL,
		user_address    TEXT NOT NULL,
		pair_id         UUID NOT NULL REFERENCES trading_pairs(id),
		side            TEXT NOT NULL,
		kind            TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'PENDING_MATCH',
		price           NUMERIC(78,0),
		quantity        NUMERIC(78,0) NOT NULL,
		filled_quantity NUMERIC(78,0) NOT NULL DEFAULT 0,
		avg_fill_price  NUMERIC(78,0) NOT NULL DEFAULT 0,
		time_in_force   TEXT NOT NULL DEFAULT 'GTC',
		metadata        JSONB NOT NULL DEFAULT '{}',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		CHECK (filled_quantity >= 0 AND filled_quantity <= quantity)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_open ON orders (pair_id, side, price, created_at)
		WHERE status IN ('OPEN','PARTIAL')`,

	`CREATE TABLE IF NOT EXISTS trades (
		id            UUID PRIMARY KEY,
		seq           BIGSERIAL,
		pair_id       UUID NOT NULL REFERENCES trading_pairs(id),
		buy_order_id  UUID NOT NULL REFERENCES orders(id),
		sell_order_id UUID NOT NULL REFERENCES orders(id),
		buyer_id      TEXT NOT NULL,
		seller_id     TEXT NOT NULL,
		price         NUMERIC(78,0) NOT NULL,
		quantity      NUMERIC(78,0) NOT NULL,
		buyer_fee     NUMERIC(78,0) NOT NULL DEFAULT 0,
		seller_fee    NUMERIC(78,0) NOT NULL DEFAULT 0,
		settlement    TEXT NOT NULL DEFAULT 'PENDING',
		tx_hash       TEXT,
		executed_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		settled_at    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_user ON trades (buyer_id, executed_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_pair ON trades (pair_id, executed_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_settlement ON trades (settlement, executed_at)`,

	`CREATE TABLE IF NOT EXISTS user_balances (
		user_id    TEXT NOT NULL,
		token_id   UUID NOT NULL REFERENCES tokens(id),
		available  NUMERIC(78,0) NOT NULL DEFAULT 0 CHECK (available >= 0),
		locked     NUMERIC(78,0) NOT NULL DEFAULT 0 CHECK (locked >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, token_id)
	)`,

	`CREATE TABLE IF NOT EXISTS compliance_records (
		id                   UUID PRIMARY KEY,
		user_id              TEXT NOT NULL,
		token_id             UUID,
		kyc_status           TEXT NOT NULL DEFAULT 'PENDING',
		kyc_level            INT NOT NULL DEFAULT 0,
		accreditation_status TEXT,
		whitelisted          BOOLEAN NOT NULL DEFAULT false,
		jurisdiction         TEXT,
		expires_at           TIMESTAMPTZ,
		UNIQUE (user_id, token_id)
	)`,

	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id     TEXT PRIMARY KEY,
		event_type   TEXT NOT NULL,
		source       TEXT NOT NULL,
		payload      JSONB NOT NULL DEFAULT '{}',
		context      JSONB NOT NULL DEFAULT '{}',
		status       TEXT NOT NULL,
		error        TEXT,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_processed_events_status ON processed_events (status, processed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_processed_events_type ON processed_events (event_type, source)`,

	`CREATE TABLE IF NOT EXISTS swaps (
		id              UUID PRIMARY KEY,
		user_id         TEXT NOT NULL,
		source_token_id UUID NOT NULL REFERENCES tokens(id),
		target_token_id UUID NOT NULL REFERENCES tokens(id),
		source_chain    TEXT NOT NULL,
		target_chain    TEXT NOT NULL,
		source_amount   NUMERIC(78,0) NOT NULL,
		expected_target NUMERIC(78,0) NOT NULL,
		destination     TEXT NOT NULL,
		bridge_contract TEXT,
		status          TEXT NOT NULL DEFAULT 'PENDING',
		bridge_swap_id  TEXT,
		source_tx_hash  TEXT,
		target_tx_hash  TEXT,
		failure_reason  TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_swaps_user ON swaps (user_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS balance_audit (
		id         BIGSERIAL PRIMARY KEY,
		user_id    TEXT NOT NULL,
		token_id   UUID NOT NULL,
		kind       TEXT NOT NULL,
		ref_id     TEXT,
		avail_delta NUMERIC(78,0) NOT NULL DEFAULT 0,
		lock_delta  NUMERIC(78,0) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS blockchain_events (
		id         BIGSERIAL PRIMARY KEY,
		blockchain TEXT NOT NULL,
		tx_hash    TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload    JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (blockchain, tx_hash, event_type)
	)`,
}

// Migrate applies the schema. Statements are individually idempotent, so a
// partially applied run is safe to repeat.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
