package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/persistence"
)

type paramsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewParamsRepo creates the PostgreSQL parameter version repository.
func NewParamsRepo(db *sqlx.DB, timeout time.Duration) persistence.ParamsRepo {
	return &paramsRepo{db: db, timeout: timeout}
}

func (r *paramsRepo) Insert(ctx context.Context, v domain.ParamVersion) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	bandsJSON, err := json.Marshal(v.LeverageBands)
	if err != nil {
		return fmt.Errorf("marshal leverage bands: %w", err)
	}
	cooldownsJSON, err := json.Marshal(v.CooldownRules)
	if err != nil {
		return fmt.Errorf("marshal cooldown rules: %w", err)
	}
	capsJSON, err := json.Marshal(v.PortfolioCaps)
	if err != nil {
		return fmt.Errorf("marshal portfolio caps: %w", err)
	}

	query := `
		INSERT INTO param_versions
			(id, effective_from, kb, ks, leverage_bands, cooldown_rules, portfolio_caps)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query,
		v.ID, v.EffectiveFrom, v.KB, v.KS, bandsJSON, cooldownsJSON, capsJSON); err != nil {
		return fmt.Errorf("insert param version: %w", err)
	}
	return nil
}

func (r *paramsRepo) ActiveAt(ctx context.Context, ts int64) (*domain.ParamVersion, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, effective_from, kb, ks, leverage_bands, cooldown_rules, portfolio_caps
		FROM param_versions
		WHERE effective_from <= $1
		ORDER BY effective_from DESC
		LIMIT 1`

	row := r.db.QueryRowxContext(ctx, query, ts)

	var v domain.ParamVersion
	var bandsJSON, cooldownsJSON, capsJSON []byte
	err := row.Scan(&v.ID, &v.EffectiveFrom, &v.KB, &v.KS, &bandsJSON, &cooldownsJSON, &capsJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("active param version: %w", err)
	}

	if err := json.Unmarshal(bandsJSON, &v.LeverageBands); err != nil {
		return nil, fmt.Errorf("unmarshal leverage bands: %w", err)
	}
	if err := json.Unmarshal(cooldownsJSON, &v.CooldownRules); err != nil {
		return nil, fmt.Errorf("unmarshal cooldown rules: %w", err)
	}
	if err := json.Unmarshal(capsJSON, &v.PortfolioCaps); err != nil {
		return nil, fmt.Errorf("unmarshal portfolio caps: %w", err)
	}
	return &v, nil
}

type dailyMetricsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDailyMetricsRepo creates the PostgreSQL daily metrics repository.
func NewDailyMetricsRepo(db *sqlx.DB, timeout time.Duration) persistence.DailyMetricsRepo {
	return &dailyMetricsRepo{db: db, timeout: timeout}
}

func (r *dailyMetricsRepo) Upsert(ctx context.Context, row domain.DailyMetrics) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO daily_metrics (date, signals, approvals, rejections, fills, closes, realized_r_sum)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (date) DO UPDATE SET
			signals = EXCLUDED.signals,
			approvals = EXCLUDED.approvals,
			rejections = EXCLUDED.rejections,
			fills = EXCLUDED.fills,
			closes = EXCLUDED.closes,
			realized_r_sum = EXCLUDED.realized_r_sum`

	_, err := r.db.ExecContext(ctx, query,
		row.Date, row.Signals, row.Approvals, row.Rejections,
		row.Fills, row.Closes, row.RealizedRSum)
	if err != nil {
		return fmt.Errorf("upsert daily metrics: %w", err)
	}
	return nil
}

func (r *dailyMetricsRepo) Get(ctx context.Context, date string) (*domain.DailyMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT date, signals, approvals, rejections, fills, closes, realized_r_sum
		FROM daily_metrics
		WHERE date = $1`

	var row domain.DailyMetrics
	if err := r.db.GetContext(ctx, &row, query, date); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get daily metrics: %w", err)
	}
	return &row, nil
}
