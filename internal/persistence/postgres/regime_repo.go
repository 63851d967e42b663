package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/persistence"
)

type regimeRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRegimeRepo creates the PostgreSQL regime decision repository.
func NewRegimeRepo(db *sqlx.DB, timeout time.Duration) persistence.RegimeRepo {
	return &regimeRepo{db: db, timeout: timeout}
}

func (r *regimeRepo) Upsert(ctx context.Context, d domain.RegimeDecision) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO regime_decisions (symbol, close_time_5m, regime, engine, defensive)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (symbol, close_time_5m) DO UPDATE SET
			regime = EXCLUDED.regime,
			engine = EXCLUDED.engine,
			defensive = EXCLUDED.defensive`

	_, err := r.db.ExecContext(ctx, query, d.Symbol, d.CloseTime5m, d.Regime, d.Engine, d.Defensive)
	if err != nil {
		return fmt.Errorf("upsert regime decision: %w", err)
	}
	return nil
}

func (r *regimeRepo) Latest(ctx context.Context, symbol string) (*domain.RegimeDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol, close_time_5m, regime, engine, defensive
		FROM regime_decisions
		WHERE symbol = $1
		ORDER BY close_time_5m DESC
		LIMIT 1`

	var decision domain.RegimeDecision
	if err := r.db.GetContext(ctx, &decision, query, symbol); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest regime decision: %w", err)
	}
	return &decision, nil
}
