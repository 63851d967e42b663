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

type candleRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCandleRepo creates the PostgreSQL candle repository.
func NewCandleRepo(db *sqlx.DB, timeout time.Duration) persistence.CandleRepo {
	return &candleRepo{db: db, timeout: timeout}
}

func (r *candleRepo) Insert(ctx context.Context, candle domain.Candle) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// ON CONFLICT DO NOTHING keeps re-polled candles idempotent; the affected
	// row count tells us whether this call actually stored the candle.
	query := `
		INSERT INTO candles (symbol, timeframe, close_time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, timeframe, close_time) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		candle.Symbol, candle.Timeframe, candle.CloseTime,
		candle.Open, candle.High, candle.Low, candle.Close, candle.Volume)
	if err != nil {
		return false, fmt.Errorf("insert candle: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert candle rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *candleRepo) ListRecent(ctx context.Context, symbol, timeframe string, atOrBefore int64, limit int) ([]domain.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Select the newest rows first, then flip to oldest-first for callers.
	query := `
		SELECT symbol, timeframe, close_time, open, high, low, close, volume
		FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND close_time <= $3
		ORDER BY close_time DESC
		LIMIT $4`

	var rows []domain.Candle
	if err := r.db.SelectContext(ctx, &rows, query, symbol, timeframe, atOrBefore, limit); err != nil {
		return nil, fmt.Errorf("list recent candles: %w", err)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

func (r *candleRepo) Latest(ctx context.Context, symbol, timeframe string) (*domain.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol, timeframe, close_time, open, high, low, close, volume
		FROM candles
		WHERE symbol = $1 AND timeframe = $2
		ORDER BY close_time DESC
		LIMIT 1`

	var candle domain.Candle
	if err := r.db.GetContext(ctx, &candle, query, symbol, timeframe); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest candle: %w", err)
	}
	return &candle, nil
}
