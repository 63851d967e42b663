// Package postgres implements the persistence interfaces on PostgreSQL via
// sqlx. Every repo applies a per-call timeout and uses ON CONFLICT upserts so
// retried writes stay idempotent.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/regimebot/regimebot/internal/persistence"
)

// DefaultTimeout bounds individual repository calls.
const DefaultTimeout = 5 * time.Second

// Connect opens and pings a PostgreSQL connection pool.
func Connect(ctx context.Context, databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewRepository wires all PostgreSQL repositories over one connection pool.
func NewRepository(db *sqlx.DB, timeout time.Duration) *persistence.Repository {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &persistence.Repository{
		Candles:      NewCandleRepo(db, timeout),
		Features:     NewFeatureRepo(db, timeout),
		Regimes:      NewRegimeRepo(db, timeout),
		Orders:       NewOrderRepo(db, timeout),
		Fills:        NewFillRepo(db, timeout),
		Positions:    NewPositionRepo(db, timeout),
		Audit:        NewAuditRepo(db, timeout),
		Params:       NewParamsRepo(db, timeout),
		DailyMetrics: NewDailyMetricsRepo(db, timeout),
	}
}

// Schema is the DDL for all pipeline tables. Unique constraints back the
// idempotency guarantees: candles by (symbol, timeframe, close_time),
// features by (symbol, timeframe, computed_at), orders by external_id and
// regime decisions by (symbol, close_time_5m).
const Schema = `
CREATE TABLE IF NOT EXISTS candles (
	symbol     TEXT             NOT NULL,
	timeframe  TEXT             NOT NULL,
	close_time BIGINT           NOT NULL,
	open       DOUBLE PRECISION NOT NULL,
	high       DOUBLE PRECISION NOT NULL,
	low        DOUBLE PRECISION NOT NULL,
	close      DOUBLE PRECISION NOT NULL,
	volume     DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (symbol, timeframe, close_time)
);

CREATE TABLE IF NOT EXISTS features (
	symbol              TEXT             NOT NULL,
	timeframe           TEXT             NOT NULL,
	computed_at         BIGINT           NOT NULL,
	log_return          DOUBLE PRECISION NOT NULL,
	atr_pct             DOUBLE PRECISION NOT NULL,
	ewma_sigma          DOUBLE PRECISION NOT NULL,
	sigma_norm          DOUBLE PRECISION NOT NULL,
	vol_pct_5m          DOUBLE PRECISION NOT NULL,
	bb_width_pct        DOUBLE PRECISION NOT NULL,
	bb_width_percentile DOUBLE PRECISION NOT NULL,
	ema20               DOUBLE PRECISION NOT NULL,
	ema50               DOUBLE PRECISION NOT NULL,
	ema200              DOUBLE PRECISION NOT NULL,
	ema50_slope         DOUBLE PRECISION NOT NULL,
	volume_pct          DOUBLE PRECISION NOT NULL,
	volume_percentile   DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (symbol, timeframe, computed_at)
);

CREATE TABLE IF NOT EXISTS regime_decisions (
	symbol        TEXT    NOT NULL,
	close_time_5m BIGINT  NOT NULL,
	regime        TEXT    NOT NULL,
	engine        TEXT    NOT NULL,
	defensive     BOOLEAN NOT NULL,
	PRIMARY KEY (symbol, close_time_5m)
);

CREATE TABLE IF NOT EXISTS orders (
	id          BIGSERIAL PRIMARY KEY,
	external_id TEXT             NOT NULL UNIQUE,
	symbol      TEXT             NOT NULL,
	side        TEXT             NOT NULL,
	type        TEXT             NOT NULL,
	price       DOUBLE PRECISION NOT NULL,
	qty         DOUBLE PRECISION NOT NULL,
	status      TEXT             NOT NULL,
	created_at  BIGINT           NOT NULL
);

CREATE TABLE IF NOT EXISTS fills (
	id       BIGSERIAL PRIMARY KEY,
	order_id BIGINT           NOT NULL REFERENCES orders(id),
	price    DOUBLE PRECISION NOT NULL,
	qty      DOUBLE PRECISION NOT NULL,
	fee      DOUBLE PRECISION NOT NULL,
	ts       BIGINT           NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	id                 TEXT PRIMARY KEY,
	symbol             TEXT             NOT NULL,
	side               TEXT             NOT NULL,
	entry_price        DOUBLE PRECISION NOT NULL,
	initial_stop_price DOUBLE PRECISION NOT NULL,
	stop_price         DOUBLE PRECISION NOT NULL,
	qty                DOUBLE PRECISION NOT NULL,
	remaining_qty      DOUBLE PRECISION NOT NULL,
	state              TEXT             NOT NULL,
	realized_r         DOUBLE PRECISION NOT NULL,
	took_1r            BOOLEAN          NOT NULL,
	took_2r            BOOLEAN          NOT NULL,
	trailing_anchor    DOUBLE PRECISION NOT NULL,
	atr_pct            DOUBLE PRECISION NOT NULL,
	params_version_id  TEXT             NOT NULL,
	opened_at          BIGINT           NOT NULL,
	updated_at         BIGINT           NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_symbol_state ON positions(symbol, state);

CREATE TABLE IF NOT EXISTS audit_events (
	id                TEXT PRIMARY KEY,
	ts                BIGINT NOT NULL,
	step              TEXT   NOT NULL,
	level             TEXT   NOT NULL,
	message           TEXT   NOT NULL,
	reason            TEXT,
	inputs_hash       TEXT,
	outputs_hash      TEXT,
	params_version_id TEXT,
	category          TEXT,
	action            TEXT,
	actor             TEXT,
	metadata          JSONB
);
CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts);

CREATE TABLE IF NOT EXISTS param_versions (
	id             TEXT PRIMARY KEY,
	effective_from BIGINT           NOT NULL,
	kb             DOUBLE PRECISION NOT NULL,
	ks             DOUBLE PRECISION NOT NULL,
	leverage_bands JSONB            NOT NULL,
	cooldown_rules JSONB            NOT NULL,
	portfolio_caps JSONB            NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_metrics (
	date           TEXT PRIMARY KEY,
	signals        BIGINT           NOT NULL,
	approvals      BIGINT           NOT NULL,
	rejections     BIGINT           NOT NULL,
	fills          BIGINT           NOT NULL,
	closes         BIGINT           NOT NULL,
	realized_r_sum DOUBLE PRECISION NOT NULL
);
`

// EnsureSchema creates all tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
