// Package memory provides in-memory repository implementations used by paper
// trading mode and tests. Each repo serializes access to its own state.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/persistence"
)

// NewRepository returns a fully wired in-memory repository set.
func NewRepository() *persistence.Repository {
	return &persistence.Repository{
		Candles:      NewCandleRepo(),
		Features:     NewFeatureRepo(),
		Regimes:      NewRegimeRepo(),
		Orders:       NewOrderRepo(),
		Fills:        NewFillRepo(),
		Positions:    NewPositionRepo(),
		Audit:        NewAuditRepo(),
		Params:       NewParamsRepo(),
		DailyMetrics: NewDailyMetricsRepo(),
	}
}

type candleKey struct {
	symbol    string
	timeframe string
	closeTime int64
}

// CandleRepo is the in-memory candle store.
type CandleRepo struct {
	mu      sync.Mutex
	candles map[candleKey]domain.Candle
}

func NewCandleRepo() *CandleRepo {
	return &CandleRepo{candles: make(map[candleKey]domain.Candle)}
}

func (r *CandleRepo) Insert(_ context.Context, candle domain.Candle) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := candleKey{candle.Symbol, candle.Timeframe, candle.CloseTime}
	if _, exists := r.candles[key]; exists {
		return false, nil
	}
	r.candles[key] = candle
	return true, nil
}

func (r *CandleRepo) ListRecent(_ context.Context, symbol, timeframe string, atOrBefore int64, limit int) ([]domain.Candle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Candle
	for key, c := range r.candles {
		if key.symbol == symbol && key.timeframe == timeframe && key.closeTime <= atOrBefore {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CloseTime < out[j].CloseTime })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *CandleRepo) Latest(_ context.Context, symbol, timeframe string) (*domain.Candle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *domain.Candle
	for key, c := range r.candles {
		if key.symbol != symbol || key.timeframe != timeframe {
			continue
		}
		if latest == nil || c.CloseTime > latest.CloseTime {
			cc := c
			latest = &cc
		}
	}
	return latest, nil
}

// FeatureRepo is the in-memory feature store.
type FeatureRepo struct {
	mu       sync.Mutex
	features map[candleKey]domain.FeatureVector
}

func NewFeatureRepo() *FeatureRepo {
	return &FeatureRepo{features: make(map[candleKey]domain.FeatureVector)}
}

func (r *FeatureRepo) Upsert(_ context.Context, feature domain.FeatureVector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.features[candleKey{feature.Symbol, feature.Timeframe, feature.CloseTime}] = feature
	return nil
}

func (r *FeatureRepo) ListRecent(_ context.Context, symbol, timeframe string, atOrBefore int64, limit int) ([]domain.FeatureVector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.FeatureVector
	for key, f := range r.features {
		if key.symbol == symbol && key.timeframe == timeframe && key.closeTime <= atOrBefore {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CloseTime < out[j].CloseTime })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// RegimeRepo is the in-memory regime decision store.
type RegimeRepo struct {
	mu        sync.Mutex
	decisions map[string]map[int64]domain.RegimeDecision
}

func NewRegimeRepo() *RegimeRepo {
	return &RegimeRepo{decisions: make(map[string]map[int64]domain.RegimeDecision)}
}

func (r *RegimeRepo) Upsert(_ context.Context, decision domain.RegimeDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decisions[decision.Symbol] == nil {
		r.decisions[decision.Symbol] = make(map[int64]domain.RegimeDecision)
	}
	r.decisions[decision.Symbol][decision.CloseTime5m] = decision
	return nil
}

func (r *RegimeRepo) Latest(_ context.Context, symbol string) (*domain.RegimeDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *domain.RegimeDecision
	for _, d := range r.decisions[symbol] {
		if latest == nil || d.CloseTime5m > latest.CloseTime5m {
			dd := d
			latest = &dd
		}
	}
	return latest, nil
}

// OrderRepo is the in-memory order store with external-id uniqueness.
type OrderRepo struct {
	mu         sync.Mutex
	nextID     int64
	orders     map[int64]domain.Order
	byExternal map[string]int64
}

func NewOrderRepo() *OrderRepo {
	return &OrderRepo{
		orders:     make(map[int64]domain.Order),
		byExternal: make(map[string]int64),
	}
}

func (r *OrderRepo) Insert(_ context.Context, order domain.Order) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byExternal[order.ExternalID]; exists {
		return 0, fmt.Errorf("order external id %q already exists", order.ExternalID)
	}
	r.nextID++
	order.ID = r.nextID
	r.orders[order.ID] = order
	r.byExternal[order.ExternalID] = order.ID
	return order.ID, nil
}

func (r *OrderRepo) GetByExternalID(_ context.Context, externalID string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byExternal[externalID]
	if !ok {
		return nil, nil
	}
	order := r.orders[id]
	return &order, nil
}

func (r *OrderRepo) UpdateStatus(_ context.Context, id int64, status domain.OrderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return fmt.Errorf("order %d not found", id)
	}
	order.Status = status
	r.orders[id] = order
	return nil
}

// FillRepo is the in-memory fill store.
type FillRepo struct {
	mu     sync.Mutex
	nextID int64
	fills  []domain.Fill
}

func NewFillRepo() *FillRepo {
	return &FillRepo{}
}

func (r *FillRepo) Insert(_ context.Context, fill domain.Fill) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	fill.ID = r.nextID
	r.fills = append(r.fills, fill)
	return fill.ID, nil
}

func (r *FillRepo) ListByOrder(_ context.Context, orderID int64) ([]domain.Fill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Fill
	for _, f := range r.fills {
		if f.OrderID == orderID {
			out = append(out, f)
		}
	}
	return out, nil
}

// PositionRepo is the in-memory position store.
type PositionRepo struct {
	mu        sync.Mutex
	positions map[string]domain.Position
}

func NewPositionRepo() *PositionRepo {
	return &PositionRepo{positions: make(map[string]domain.Position)}
}

func (r *PositionRepo) Insert(_ context.Context, position domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.positions[position.ID]; exists {
		return fmt.Errorf("position %s already exists", position.ID)
	}
	r.positions[position.ID] = position
	return nil
}

func (r *PositionRepo) Update(_ context.Context, position domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.positions[position.ID]; !exists {
		return fmt.Errorf("position %s not found", position.ID)
	}
	r.positions[position.ID] = position
	return nil
}

func (r *PositionRepo) Get(_ context.Context, id string) (*domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *PositionRepo) CountOpenBySymbol(_ context.Context, symbol string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, p := range r.positions {
		if p.Symbol == symbol && p.State == persistence.PositionStateOpen {
			count++
		}
	}
	return count, nil
}

func (r *PositionRepo) CountOpenTotal(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, p := range r.positions {
		if p.State == persistence.PositionStateOpen {
			count++
		}
	}
	return count, nil
}

func (r *PositionRepo) LastClosedAt(_ context.Context, symbol string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest int64
	for _, p := range r.positions {
		if p.Symbol == symbol && p.State == persistence.PositionStateClosed && p.UpdatedAt > latest {
			latest = p.UpdatedAt
		}
	}
	return latest, nil
}

// AuditRepo is the in-memory audit log.
type AuditRepo struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func NewAuditRepo() *AuditRepo {
	return &AuditRepo{}
}

func (r *AuditRepo) Insert(_ context.Context, event domain.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded audit events, oldest-first.
func (r *AuditRepo) Events() []domain.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AuditEvent, len(r.events))
	copy(out, r.events)
	return out
}

// ParamsRepo is the in-memory parameter version store.
type ParamsRepo struct {
	mu       sync.Mutex
	versions []domain.ParamVersion
}

func NewParamsRepo() *ParamsRepo {
	return &ParamsRepo{}
}

func (r *ParamsRepo) Insert(_ context.Context, version domain.ParamVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.versions {
		if v.ID == version.ID {
			return nil
		}
	}
	r.versions = append(r.versions, version)
	return nil
}

func (r *ParamsRepo) ActiveAt(_ context.Context, ts int64) (*domain.ParamVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var active *domain.ParamVersion
	for i := range r.versions {
		v := r.versions[i]
		if v.EffectiveFrom > ts {
			continue
		}
		if active == nil || v.EffectiveFrom > active.EffectiveFrom {
			active = &v
		}
	}
	return active, nil
}

// DailyMetricsRepo is the in-memory daily metrics store.
type DailyMetricsRepo struct {
	mu   sync.Mutex
	rows map[string]domain.DailyMetrics
}

func NewDailyMetricsRepo() *DailyMetricsRepo {
	return &DailyMetricsRepo{rows: make(map[string]domain.DailyMetrics)}
}

func (r *DailyMetricsRepo) Upsert(_ context.Context, row domain.DailyMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[row.Date] = row
	return nil
}

func (r *DailyMetricsRepo) Get(_ context.Context, date string) (*domain.DailyMetrics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[date]
	if !ok {
		return nil, nil
	}
	return &row, nil
}
