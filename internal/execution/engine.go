// Package execution turns approved trade plans into exchange orders with an
// idempotency key derived from the plan, a bounded limit-fill wait and a
// configurable fallback.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/regimebot/regimebot/internal/audit"
	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/events"
	"github.com/regimebot/regimebot/internal/exchange"
	"github.com/regimebot/regimebot/internal/persistence"
)

// FallbackMode selects what happens when the limit order does not fill in
// time and the signal is still valid.
type FallbackMode string

const (
	FallbackMarket       FallbackMode = "MARKET"
	FallbackReplaceLimit FallbackMode = "REPLACE_LIMIT"
)

// Outcome is the execution result status.
type Outcome string

const (
	OutcomeFilled   Outcome = "FILLED"
	OutcomeSkipped  Outcome = "SKIPPED"
	OutcomeCanceled Outcome = "CANCELED"
)

// Result reports how one plan execution ended.
type Result struct {
	Status     Outcome `json:"status"`
	Reason     string  `json:"reason,omitempty"`
	OrderID    int64   `json:"orderId,omitempty"`
	PositionID string  `json:"positionId,omitempty"`
	FillPrice  float64 `json:"fillPrice,omitempty"`
}

// Confirmation re-checks that the signal behind a resting limit order is
// still valid before falling back.
type Confirmation func(ctx context.Context, plan domain.TradePlan) bool

// Config tunes the execution engine.
type Config struct {
	LimitTimeout         time.Duration
	Fallback             FallbackMode
	ReplacementOffsetPct float64
}

// DefaultConfig waits 2s on the resting limit, then goes to market.
func DefaultConfig() Config {
	return Config{
		LimitTimeout:         2 * time.Second,
		Fallback:             FallbackMarket,
		ReplacementOffsetPct: 0.05,
	}
}

// Engine executes approved plans against the exchange.
type Engine struct {
	cfg       Config
	client    exchange.Client
	orders    persistence.OrderRepo
	fills     persistence.FillRepo
	positions persistence.PositionRepo
	bus       *events.Bus
	auditLog  *audit.Writer
	confirm   Confirmation
	now       func() int64
}

// NewEngine creates the execution engine. confirm may be nil, in which case
// resting signals are always considered still valid.
func NewEngine(cfg Config, client exchange.Client, repo *persistence.Repository, bus *events.Bus, auditLog *audit.Writer, confirm Confirmation) *Engine {
	if confirm == nil {
		confirm = func(context.Context, domain.TradePlan) bool { return true }
	}
	return &Engine{
		cfg:       cfg,
		client:    client,
		orders:    repo.Orders,
		fills:     repo.Fills,
		positions: repo.Positions,
		bus:       bus,
		auditLog:  auditLog,
		confirm:   confirm,
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNowFunc overrides the clock; test hook.
func (e *Engine) SetNowFunc(now func() int64) { e.now = now }

// Attach subscribes the engine to risk.approved.
func (e *Engine) Attach(ctx context.Context) events.Unsubscribe {
	return e.bus.Subscribe(events.RiskApproved, func(evt events.Event) error {
		payload, ok := evt.Payload.(events.RiskApprovedPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Name)
		}
		_, err := e.Execute(ctx, payload.Plan, payload.Qty)
		return err
	})
}

// IdempotencyKey derives the execution key from the plan-defining fields.
// Identical plans map to identical keys, making re-execution a no-op.
func IdempotencyKey(plan domain.TradePlan) string {
	return "exec-" + domain.HashObject(map[string]interface{}{
		"symbol":     plan.Symbol,
		"side":       string(plan.Side),
		"entryPrice": plan.EntryPrice,
		"expiresAt":  plan.ExpiresAt,
		"engine":     string(plan.Engine),
	})
}

// Execute runs the limit-first execution algorithm for one sized plan.
func (e *Engine) Execute(ctx context.Context, plan domain.TradePlan, qty float64) (Result, error) {
	key := IdempotencyKey(plan)

	existing, err := e.orders.GetByExternalID(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("lookup order %s: %w", key, err)
	}
	if existing != nil {
		e.auditStep(ctx, plan, "execution.skip", domain.AuditInfo,
			fmt.Sprintf("duplicate plan for %s, order %s already exists", plan.Symbol, key), nil)
		return Result{Status: OutcomeSkipped, Reason: "duplicate plan", OrderID: existing.ID}, nil
	}

	placed, err := e.client.PlaceLimit(ctx, plan.Symbol, plan.Side, plan.EntryPrice, qty, key)
	if err != nil {
		return Result{}, fmt.Errorf("place limit %s: %w", key, err)
	}

	order := domain.Order{
		ExternalID: key,
		Symbol:     plan.Symbol,
		Side:       plan.Side,
		Type:       domain.OrderTypeLimit,
		Price:      plan.EntryPrice,
		Qty:        qty,
		Status:     placed.Status,
		CreatedAt:  e.now(),
	}
	order.ID, err = e.orders.Insert(ctx, order)
	if err != nil {
		return Result{}, fmt.Errorf("persist order %s: %w", key, err)
	}
	e.bus.Publish(events.OrderSubmitted, events.OrderPayload{Order: order})
	e.auditStep(ctx, plan, "execution.submit", domain.AuditInfo,
		fmt.Sprintf("limit %s %s qty %g @ %g", plan.Side, plan.Symbol, qty, plan.EntryPrice), order)

	if placed.Status == domain.OrderStatusFilled {
		return e.settleFill(ctx, plan, order, placed)
	}

	if err := e.sleep(ctx); err != nil {
		return Result{}, err
	}

	current, err := e.client.GetOrder(ctx, plan.Symbol, key)
	if err != nil {
		return Result{}, fmt.Errorf("query order %s: %w", key, err)
	}
	if current.Status == domain.OrderStatusFilled {
		return e.settleFill(ctx, plan, order, current)
	}

	if !e.confirm(ctx, plan) {
		if err := e.client.CancelOrder(ctx, plan.Symbol, key); err != nil {
			return Result{}, fmt.Errorf("cancel order %s: %w", key, err)
		}
		return e.cancel(ctx, plan, order, "signal no longer valid")
	}

	switch e.cfg.Fallback {
	case FallbackReplaceLimit:
		return e.replaceLimit(ctx, plan, order, qty, key)
	default:
		return e.fallbackMarket(ctx, plan, order, qty, key)
	}
}

func (e *Engine) fallbackMarket(ctx context.Context, plan domain.TradePlan, order domain.Order, qty float64, key string) (Result, error) {
	if err := e.client.CancelOrder(ctx, plan.Symbol, key); err != nil {
		return Result{}, fmt.Errorf("cancel stale limit %s: %w", key, err)
	}

	filled, err := e.client.PlaceMarket(ctx, plan.Symbol, plan.Side, qty, key+"-mkt")
	if err != nil {
		return Result{}, fmt.Errorf("place market %s: %w", key, err)
	}
	if filled.AvgFillPrice == 0 {
		filled.AvgFillPrice = plan.EntryPrice
	}
	e.auditStep(ctx, plan, "execution.fallback_market", domain.AuditInfo,
		fmt.Sprintf("market fallback for %s @ %g", plan.Symbol, filled.AvgFillPrice), filled)
	return e.settleFill(ctx, plan, order, filled)
}

func (e *Engine) replaceLimit(ctx context.Context, plan domain.TradePlan, order domain.Order, qty float64, key string) (Result, error) {
	if err := e.client.CancelOrder(ctx, plan.Symbol, key); err != nil {
		return Result{}, fmt.Errorf("cancel stale limit %s: %w", key, err)
	}

	offset := e.cfg.ReplacementOffsetPct / 100
	price := plan.EntryPrice * (1 - offset)
	if plan.Side == domain.SideLong {
		price = plan.EntryPrice * (1 + offset)
	}

	replKey := key + "-repl"
	placed, err := e.client.PlaceLimit(ctx, plan.Symbol, plan.Side, price, qty, replKey)
	if err != nil {
		return Result{}, fmt.Errorf("place replacement limit %s: %w", replKey, err)
	}
	e.auditStep(ctx, plan, "execution.replace_limit", domain.AuditInfo,
		fmt.Sprintf("replacement limit for %s @ %g", plan.Symbol, price), placed)

	if placed.Status != domain.OrderStatusFilled {
		if err := e.client.CancelOrder(ctx, plan.Symbol, replKey); err != nil {
			return Result{}, fmt.Errorf("cancel replacement limit %s: %w", replKey, err)
		}
		return e.cancel(ctx, plan, order, "replacement limit not filled")
	}
	if placed.AvgFillPrice == 0 {
		placed.AvgFillPrice = price
	}
	return e.settleFill(ctx, plan, order, placed)
}

// settleFill persists the fill and opens the position at the fill price.
func (e *Engine) settleFill(ctx context.Context, plan domain.TradePlan, order domain.Order, result exchange.OrderResult) (Result, error) {
	fillPrice := result.AvgFillPrice
	if fillPrice == 0 {
		fillPrice = plan.EntryPrice
	}
	fillQty := result.FilledQty
	if fillQty == 0 {
		fillQty = order.Qty
	}
	now := e.now()

	fill := domain.Fill{OrderID: order.ID, Price: fillPrice, Qty: fillQty, Fee: result.Fee, Ts: now}
	if _, err := e.fills.Insert(ctx, fill); err != nil {
		return Result{}, fmt.Errorf("persist fill: %w", err)
	}
	if err := e.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusFilled); err != nil {
		return Result{}, fmt.Errorf("mark order filled: %w", err)
	}

	initialStop := buildInitialStop(fillPrice, plan.StopPct, plan.Side)
	position := domain.Position{
		ID:               uuid.NewString(),
		Symbol:           plan.Symbol,
		Side:             plan.Side,
		EntryPrice:       fillPrice,
		InitialStopPrice: initialStop,
		StopPrice:        initialStop,
		Qty:              fillQty,
		RemainingQty:     fillQty,
		State:            persistence.PositionStateOpen,
		ATRPct:           plan.ATRPct,
		ParamsVersionID:  plan.ParamsVersionID,
		OpenedAt:         now,
		UpdatedAt:        now,
	}
	if err := e.positions.Insert(ctx, position); err != nil {
		return Result{}, fmt.Errorf("open position: %w", err)
	}

	order.Status = domain.OrderStatusFilled
	e.bus.Publish(events.OrderFilled, events.OrderPayload{Order: order})
	e.bus.Publish(events.PositionUpdated, events.PositionUpdatedPayload{Position: position})
	e.auditStep(ctx, plan, "execution.fill", domain.AuditInfo,
		fmt.Sprintf("filled %s %s qty %g @ %g", plan.Side, plan.Symbol, fillQty, fillPrice), position)

	return Result{Status: OutcomeFilled, OrderID: order.ID, PositionID: position.ID, FillPrice: fillPrice}, nil
}

func (e *Engine) cancel(ctx context.Context, plan domain.TradePlan, order domain.Order, reason string) (Result, error) {
	if err := e.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusCanceled); err != nil {
		return Result{}, fmt.Errorf("mark order canceled: %w", err)
	}
	order.Status = domain.OrderStatusCanceled
	e.bus.Publish(events.OrderCanceled, events.OrderPayload{Order: order})

	event := audit.Categorical("execution", "execution_cancel", "execution", domain.AuditWarn,
		fmt.Sprintf("limit for %s canceled: %s", plan.Symbol, reason))
	event.Reason = reason
	event.InputsHash = domain.HashObject(plan)
	e.auditLog.Record(ctx, event)

	return Result{Status: OutcomeCanceled, Reason: reason, OrderID: order.ID}, nil
}

// buildInitialStop places the protective stop StopPct percent away from the
// entry, against the position side.
func buildInitialStop(entry, stopPct float64, side domain.Side) float64 {
	delta := entry * stopPct / 100
	if side == domain.SideLong {
		return entry - delta
	}
	return entry + delta
}

// sleep waits out the limit timeout, honoring context cancellation.
func (e *Engine) sleep(ctx context.Context) error {
	timer := time.NewTimer(e.cfg.LimitTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) auditStep(ctx context.Context, plan domain.TradePlan, step string, level domain.AuditLevel, msg string, output interface{}) {
	event := audit.Structured(step, level, msg, plan, output)
	event.ParamsVersionID = plan.ParamsVersionID
	event.Metadata = map[string]interface{}{
		"symbol": plan.Symbol,
		"engine": string(plan.Engine),
	}
	e.auditLog.Record(ctx, event)
}
