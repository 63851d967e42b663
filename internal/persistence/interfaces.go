// Package persistence defines the typed repository surfaces the pipeline
// persists through. Implementations live in the postgres and memory
// subpackages.
package persistence

import (
	"context"

	"github.com/regimebot/regimebot/internal/domain"
)

// CandleRepo stores finalized candles keyed by (symbol, timeframe, closeTime).
type CandleRepo interface {
	// Insert persists a candle. It reports false without error when the
	// (symbol, timeframe, closeTime) key already exists, making retries safe.
	Insert(ctx context.Context, candle domain.Candle) (bool, error)

	// ListRecent returns up to limit candles at or before atOrBefore for the
	// pair, ordered oldest-first.
	ListRecent(ctx context.Context, symbol, timeframe string, atOrBefore int64, limit int) ([]domain.Candle, error)

	// Latest returns the most recent candle for the pair, or nil.
	Latest(ctx context.Context, symbol, timeframe string) (*domain.Candle, error)
}

// FeatureRepo stores feature vectors keyed by (symbol, timeframe, computedAt).
type FeatureRepo interface {
	// Upsert inserts or replaces the feature for its key.
	Upsert(ctx context.Context, feature domain.FeatureVector) error

	// ListRecent returns up to limit features at or before atOrBefore,
	// ordered oldest-first.
	ListRecent(ctx context.Context, symbol, timeframe string, atOrBefore int64, limit int) ([]domain.FeatureVector, error)
}

// RegimeRepo stores regime decisions keyed by (symbol, closeTime5m).
type RegimeRepo interface {
	// Upsert inserts or replaces the decision for its key.
	Upsert(ctx context.Context, decision domain.RegimeDecision) error

	// Latest returns the most recent decision for the symbol, or nil.
	Latest(ctx context.Context, symbol string) (*domain.RegimeDecision, error)
}

// OrderRepo stores exchange orders, unique by external id.
type OrderRepo interface {
	// Insert persists a new order and returns its row id.
	Insert(ctx context.Context, order domain.Order) (int64, error)

	// GetByExternalID returns the order with the given idempotency key, or nil.
	GetByExternalID(ctx context.Context, externalID string) (*domain.Order, error)

	// UpdateStatus sets the status of an order row.
	UpdateStatus(ctx context.Context, id int64, status domain.OrderStatus) error
}

// FillRepo stores fills linked to orders.
type FillRepo interface {
	Insert(ctx context.Context, fill domain.Fill) (int64, error)
	ListByOrder(ctx context.Context, orderID int64) ([]domain.Fill, error)
}

// PositionRepo stores position lifecycle records.
type PositionRepo interface {
	Insert(ctx context.Context, position domain.Position) error
	Update(ctx context.Context, position domain.Position) error
	Get(ctx context.Context, id string) (*domain.Position, error)

	// CountOpenBySymbol counts open positions for one symbol.
	CountOpenBySymbol(ctx context.Context, symbol string) (int, error)

	// CountOpenTotal counts open positions across all symbols.
	CountOpenTotal(ctx context.Context) (int, error)

	// LastClosedAt returns the updatedAt of the most recently closed position
	// for the symbol, or 0 when none exists.
	LastClosedAt(ctx context.Context, symbol string) (int64, error)
}

// AuditRepo appends audit events.
type AuditRepo interface {
	Insert(ctx context.Context, event domain.AuditEvent) error
}

// ParamsRepo stores immutable parameter versions.
type ParamsRepo interface {
	Insert(ctx context.Context, version domain.ParamVersion) error

	// ActiveAt returns the version with the greatest effectiveFrom <= ts,
	// or nil when none qualifies.
	ActiveAt(ctx context.Context, ts int64) (*domain.ParamVersion, error)
}

// DailyMetricsRepo stores one aggregated row per UTC date.
type DailyMetricsRepo interface {
	Upsert(ctx context.Context, row domain.DailyMetrics) error
	Get(ctx context.Context, date string) (*domain.DailyMetrics, error)
}

// Repository aggregates all persistence interfaces.
type Repository struct {
	Candles      CandleRepo
	Features     FeatureRepo
	Regimes      RegimeRepo
	Orders       OrderRepo
	Fills        FillRepo
	Positions    PositionRepo
	Audit        AuditRepo
	Params       ParamsRepo
	DailyMetrics DailyMetricsRepo
}

// PositionStateOpen and PositionStateClosed are the persisted terminal
// markers used by open/closed counting queries.
const (
	PositionStateOpen   = "OPEN"
	PositionStateClosed = "CLOSED"
)
