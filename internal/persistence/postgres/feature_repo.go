package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/persistence"
)

type featureRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewFeatureRepo creates the PostgreSQL feature repository.
func NewFeatureRepo(db *sqlx.DB, timeout time.Duration) persistence.FeatureRepo {
	return &featureRepo{db: db, timeout: timeout}
}

func (r *featureRepo) Upsert(ctx context.Context, f domain.FeatureVector) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO features
			(symbol, timeframe, computed_at, log_return, atr_pct, ewma_sigma, sigma_norm,
			 vol_pct_5m, bb_width_pct, bb_width_percentile, ema20, ema50, ema200,
			 ema50_slope, volume_pct, volume_percentile)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (symbol, timeframe, computed_at) DO UPDATE SET
			log_return = EXCLUDED.log_return,
			atr_pct = EXCLUDED.atr_pct,
			ewma_sigma = EXCLUDED.ewma_sigma,
			sigma_norm = EXCLUDED.sigma_norm,
			vol_pct_5m = EXCLUDED.vol_pct_5m,
			bb_width_pct = EXCLUDED.bb_width_pct,
			bb_width_percentile = EXCLUDED.bb_width_percentile,
			ema20 = EXCLUDED.ema20,
			ema50 = EXCLUDED.ema50,
			ema200 = EXCLUDED.ema200,
			ema50_slope = EXCLUDED.ema50_slope,
			volume_pct = EXCLUDED.volume_pct,
			volume_percentile = EXCLUDED.volume_percentile`

	_, err := r.db.ExecContext(ctx, query,
		f.Symbol, f.Timeframe, f.CloseTime, f.LogReturn, f.ATRPct, f.EWMASigma,
		f.SigmaNorm, f.VolPct5m, f.BBWidthPct, f.BBWidthPercentile,
		f.EMA20, f.EMA50, f.EMA200, f.EMA50Slope, f.VolumePct, f.VolumePercentile)
	if err != nil {
		return fmt.Errorf("upsert feature: %w", err)
	}
	return nil
}

func (r *featureRepo) ListRecent(ctx context.Context, symbol, timeframe string, atOrBefore int64, limit int) ([]domain.FeatureVector, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol, timeframe, computed_at AS close_time, log_return, atr_pct,
		       ewma_sigma, sigma_norm, vol_pct_5m, bb_width_pct, bb_width_percentile,
		       ema20, ema50, ema200, ema50_slope, volume_pct, volume_percentile
		FROM features
		WHERE symbol = $1 AND timeframe = $2 AND computed_at <= $3
		ORDER BY computed_at DESC
		LIMIT $4`

	var rows []domain.FeatureVector
	if err := r.db.SelectContext(ctx, &rows, query, symbol, timeframe, atOrBefore, limit); err != nil {
		return nil, fmt.Errorf("list recent features: %w", err)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}
