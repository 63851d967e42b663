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

type positionRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPositionRepo creates the PostgreSQL position repository.
func NewPositionRepo(db *sqlx.DB, timeout time.Duration) persistence.PositionRepo {
	return &positionRepo{db: db, timeout: timeout}
}

func (r *positionRepo) Insert(ctx context.Context, p domain.Position) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO positions
			(id, symbol, side, entry_price, initial_stop_price, stop_price, qty,
			 remaining_qty, state, realized_r, took_1r, took_2r, trailing_anchor,
			 atr_pct, params_version_id, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.Symbol, p.Side, p.EntryPrice, p.InitialStopPrice, p.StopPrice,
		p.Qty, p.RemainingQty, p.State, p.RealizedR, p.Took1R, p.Took2R,
		p.TrailingAnchor, p.ATRPct, p.ParamsVersionID, p.OpenedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

func (r *positionRepo) Update(ctx context.Context, p domain.Position) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE positions SET
			stop_price = $2, remaining_qty = $3, state = $4, realized_r = $5,
			took_1r = $6, took_2r = $7, trailing_anchor = $8, updated_at = $9
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query,
		p.ID, p.StopPrice, p.RemainingQty, p.State, p.RealizedR,
		p.Took1R, p.Took2R, p.TrailingAnchor, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update position rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("position %s not found", p.ID)
	}
	return nil
}

func (r *positionRepo) Get(ctx context.Context, id string) (*domain.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, symbol, side, entry_price, initial_stop_price, stop_price, qty,
		       remaining_qty, state, realized_r, took_1r, took_2r, trailing_anchor,
		       atr_pct, params_version_id, opened_at, updated_at
		FROM positions
		WHERE id = $1`

	var p domain.Position
	if err := r.db.GetContext(ctx, &p, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	return &p, nil
}

func (r *positionRepo) CountOpenBySymbol(ctx context.Context, symbol string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM positions WHERE symbol = $1 AND state = $2`,
		symbol, persistence.PositionStateOpen)
	if err != nil {
		return 0, fmt.Errorf("count open positions by symbol: %w", err)
	}
	return count, nil
}

func (r *positionRepo) CountOpenTotal(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM positions WHERE state = $1`, persistence.PositionStateOpen)
	if err != nil {
		return 0, fmt.Errorf("count open positions: %w", err)
	}
	return count, nil
}

func (r *positionRepo) LastClosedAt(ctx context.Context, symbol string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var ts sql.NullInt64
	err := r.db.GetContext(ctx, &ts,
		`SELECT MAX(updated_at) FROM positions WHERE symbol = $1 AND state = $2`,
		symbol, persistence.PositionStateClosed)
	if err != nil {
		return 0, fmt.Errorf("last closed at: %w", err)
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}
