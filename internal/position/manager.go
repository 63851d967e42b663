// Package position manages open position lifecycles: scale-outs at R
// multiples, ATR trailing stops, regime-driven exits and the per-symbol
// trade state machine.
package position

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/regimebot/regimebot/internal/audit"
	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/events"
	"github.com/regimebot/regimebot/internal/params"
	"github.com/regimebot/regimebot/internal/persistence"
)

// Config tunes the exit behavior.
type Config struct {
	TrailingAtrMultiple      float64
	StopATRMultiple          float64 // k in buildInitialStop
	HardExitOnExpansionChaos bool
	HardExitOnRange          bool
	ReduceRiskOnRangePct     float64
}

// DefaultConfig trails at 1 ATR and hard-exits on ExpansionChaos only; Range
// transitions shave half the position instead.
func DefaultConfig() Config {
	return Config{
		TrailingAtrMultiple:      1,
		StopATRMultiple:          1,
		HardExitOnExpansionChaos: true,
		HardExitOnRange:          false,
		ReduceRiskOnRangePct:     50,
	}
}

// BuildInitialStop places the protective stop k ATRs against the side.
func BuildInitialStop(entry, atrPct float64, side domain.Side, k float64) float64 {
	delta := atrPct / 100 * entry * k
	if side == domain.SideLong {
		return entry - delta
	}
	return entry + delta
}

// Manager owns the managed-position table and the per-symbol state machine.
type Manager struct {
	cfg       Config
	positions persistence.PositionRepo
	params    *params.Service
	bus       *events.Bus
	auditLog  *audit.Writer
	now       func() int64

	mu        sync.Mutex
	managed   map[string]*domain.Position // positionId -> live copy
	lifecycle map[string]State            // symbol -> machine state
	lastPrice map[string]float64
}

// NewManager creates the position manager.
func NewManager(cfg Config, positions persistence.PositionRepo, paramsSvc *params.Service, bus *events.Bus, auditLog *audit.Writer) *Manager {
	return &Manager{
		cfg:       cfg,
		positions: positions,
		params:    paramsSvc,
		bus:       bus,
		auditLog:  auditLog,
		now:       func() int64 { return time.Now().UnixMilli() },
		managed:   make(map[string]*domain.Position),
		lifecycle: make(map[string]State),
		lastPrice: make(map[string]float64),
	}
}

// SetNowFunc overrides the clock; test hook.
func (m *Manager) SetNowFunc(now func() int64) { m.now = now }

// Attach wires the manager into the bus lifecycle events.
func (m *Manager) Attach(ctx context.Context) []events.Unsubscribe {
	return []events.Unsubscribe{
		m.bus.Subscribe(events.SignalGenerated, func(evt events.Event) error {
			if p, ok := evt.Payload.(events.SignalGeneratedPayload); ok {
				m.transition(p.Plan.Symbol, EventSignalArmed)
			}
			return nil
		}),
		m.bus.Subscribe(events.OrderSubmitted, func(evt events.Event) error {
			if p, ok := evt.Payload.(events.OrderPayload); ok {
				m.transition(p.Order.Symbol, EventOrderSubmitted)
			}
			return nil
		}),
		m.bus.Subscribe(events.OrderFilled, func(evt events.Event) error {
			if p, ok := evt.Payload.(events.OrderPayload); ok {
				m.transition(p.Order.Symbol, EventOrderFilled)
			}
			return nil
		}),
		m.bus.Subscribe(events.PositionUpdated, func(evt events.Event) error {
			if p, ok := evt.Payload.(events.PositionUpdatedPayload); ok {
				m.adopt(p.Position)
			}
			return nil
		}),
		m.bus.Subscribe(events.CandleClosed, func(evt events.Event) error {
			p, ok := evt.Payload.(events.CandleClosedPayload)
			if !ok {
				return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Name)
			}
			c := p.Candle
			return m.OnPrice(ctx, c.Symbol, c.Close, c.High, c.Low)
		}),
		m.bus.Subscribe(events.RegimeUpdated, func(evt events.Event) error {
			p, ok := evt.Payload.(events.RegimeUpdatedPayload)
			if !ok {
				return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Name)
			}
			return m.OnRegimeChange(ctx, p.Decision)
		}),
	}
}

// Track registers an open position for management.
func (m *Manager) Track(position domain.Position) {
	m.adopt(position)
}

// adopt folds a position snapshot into the managed table. Closed positions
// drop out; external snapshots never overwrite a live managed copy.
func (m *Manager) adopt(position domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if position.State == persistence.PositionStateClosed {
		delete(m.managed, position.ID)
		return
	}
	if _, live := m.managed[position.ID]; !live {
		copied := position
		m.managed[position.ID] = &copied
	}
}

// State returns the lifecycle state for a symbol.
func (m *Manager) State(symbol string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.lifecycle[symbol]; ok {
		return s
	}
	return StateNeutral
}

func (m *Manager) transition(symbol string, event LifecycleEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.lifecycle[symbol]
	if !ok {
		current = StateNeutral
	}
	m.lifecycle[symbol] = NextState(current, event)
}

// OnPrice applies one observed price (with optional bar extremes; pass 0 to
// omit) to every managed position in the symbol.
func (m *Manager) OnPrice(ctx context.Context, symbol string, price, high, low float64) error {
	m.mu.Lock()
	m.lastPrice[symbol] = price
	targets := make([]*domain.Position, 0, 1)
	for _, p := range m.managed {
		if p.Symbol == symbol && p.State == persistence.PositionStateOpen {
			targets = append(targets, p)
		}
	}
	m.mu.Unlock()

	for _, p := range targets {
		if err := m.handlePrice(ctx, p, price, high, low); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) handlePrice(ctx context.Context, p *domain.Position, price, high, low float64) error {
	m.warnOnParamDrift(ctx, p)

	riskPerUnit := math.Max(1e-8, math.Abs(p.EntryPrice-p.InitialStopPrice))
	pnlPerUnit := price - p.EntryPrice
	if p.Side == domain.SideShort {
		pnlPerUnit = p.EntryPrice - price
	}
	r := pnlPerUnit / riskPerUnit

	if !p.Took1R && r >= 1 {
		p.Took1R = true
		if closed, err := m.partialExit(ctx, p, 0.5, price, "+1R partial"); err != nil || closed {
			return err
		}
	}
	if !p.Took2R && r >= 2 {
		p.Took2R = true
		if closed, err := m.partialExit(ctx, p, 0.3, price, "+2R partial"); err != nil || closed {
			return err
		}
	}

	if p.Took2R {
		m.updateTrailingStop(p, price, high, low)
	}

	stopped := (p.Side == domain.SideLong && price <= p.StopPrice) ||
		(p.Side == domain.SideShort && price >= p.StopPrice)
	if stopped {
		return m.closePosition(ctx, p, "stop hit")
	}
	return m.persist(ctx, p)
}

// updateTrailingStop ratchets the stop behind the most favorable extreme.
// The stop only ever moves in the favorable direction.
func (m *Manager) updateTrailingStop(p *domain.Position, price, high, low float64) {
	distance := p.ATRPct / 100 * p.EntryPrice * m.cfg.TrailingAtrMultiple

	if p.Side == domain.SideLong {
		ref := price
		if high > 0 {
			ref = high
		}
		if p.TrailingAnchor == 0 {
			p.TrailingAnchor = ref
		} else {
			p.TrailingAnchor = math.Max(p.TrailingAnchor, ref)
		}
		p.StopPrice = math.Max(p.StopPrice, p.TrailingAnchor-distance)
		return
	}

	ref := price
	if low > 0 {
		ref = low
	}
	if p.TrailingAnchor == 0 {
		p.TrailingAnchor = ref
	} else {
		p.TrailingAnchor = math.Min(p.TrailingAnchor, ref)
	}
	p.StopPrice = math.Min(p.StopPrice, p.TrailingAnchor+distance)
}

// partialExit scales out a fraction of the original quantity at price.
// Reports whether the exit emptied the position.
func (m *Manager) partialExit(ctx context.Context, p *domain.Position, fraction, price float64, reason string) (bool, error) {
	qtyToExit := math.Min(p.RemainingQty, fraction*p.Qty)
	if qtyToExit <= 0 {
		return false, nil
	}

	riskPerUnit := math.Max(1e-8, math.Abs(p.EntryPrice-p.InitialStopPrice))
	pnlPerUnit := price - p.EntryPrice
	if p.Side == domain.SideShort {
		pnlPerUnit = p.EntryPrice - price
	}

	p.RemainingQty -= qtyToExit
	p.RealizedR += (pnlPerUnit / riskPerUnit) * (qtyToExit / p.Qty)

	event := audit.Structured("position.partial_exit", domain.AuditInfo,
		fmt.Sprintf("%s: exited %g of %s @ %g (realizedR %.3f)", reason, qtyToExit, p.Symbol, price, p.RealizedR),
		map[string]interface{}{"positionId": p.ID, "price": price, "fraction": fraction}, *p)
	event.Reason = reason
	event.ParamsVersionID = p.ParamsVersionID
	m.auditLog.Record(ctx, event)

	if p.RemainingQty <= 1e-10 {
		return true, m.closePosition(ctx, p, "all partial exits completed")
	}
	return false, m.persist(ctx, p)
}

// OnRegimeChange applies regime-driven exits to open positions in the symbol.
func (m *Manager) OnRegimeChange(ctx context.Context, decision domain.RegimeDecision) error {
	if decision.Defensive {
		m.transition(decision.Symbol, EventDefensiveOn)
	} else {
		m.transition(decision.Symbol, EventDefensiveOff)
	}

	m.mu.Lock()
	price := m.lastPrice[decision.Symbol]
	targets := make([]*domain.Position, 0, 1)
	for _, p := range m.managed {
		if p.Symbol == decision.Symbol && p.State == persistence.PositionStateOpen {
			targets = append(targets, p)
		}
	}
	m.mu.Unlock()

	for _, p := range targets {
		m.warnOnParamDrift(ctx, p)
		exitPrice := price
		if exitPrice == 0 {
			exitPrice = p.EntryPrice
		}

		switch decision.Regime {
		case domain.RegimeExpansionChaos:
			if m.cfg.HardExitOnExpansionChaos {
				if err := m.closePosition(ctx, p, "hard exit on ExpansionChaos"); err != nil {
					return err
				}
			}
		case domain.RegimeRange:
			if m.cfg.HardExitOnRange {
				if err := m.closePosition(ctx, p, "hard exit on Range"); err != nil {
					return err
				}
			} else if _, err := m.partialExit(ctx, p, m.cfg.ReduceRiskOnRangePct/100, exitPrice, "risk reduction on Range"); err != nil {
				return err
			}
		}
	}
	return nil
}

// warnOnParamDrift flags positions whose entry-time parameter version is no
// longer the active one. Informational only.
func (m *Manager) warnOnParamDrift(ctx context.Context, p *domain.Position) {
	active := m.params.ActiveID(ctx, m.now())
	if p.ParamsVersionID == "" || active == p.ParamsVersionID {
		return
	}
	event := audit.Categorical("position", "paramDrift", "position-manager", domain.AuditWarn,
		fmt.Sprintf("position %s carries params %s, active is %s", p.ID, p.ParamsVersionID, active))
	event.Reason = "params_drift"
	event.ParamsVersionID = p.ParamsVersionID
	m.auditLog.Record(ctx, event)
}

func (m *Manager) closePosition(ctx context.Context, p *domain.Position, reason string) error {
	p.State = persistence.PositionStateClosed
	if err := m.persist(ctx, p); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.managed, p.ID)
	m.mu.Unlock()
	m.transition(p.Symbol, EventPositionClosed)

	event := audit.Structured("position.close", domain.AuditInfo,
		fmt.Sprintf("position %s closed: %s (realizedR %.3f)", p.ID, reason, p.RealizedR),
		nil, *p)
	event.Reason = reason
	event.ParamsVersionID = p.ParamsVersionID
	m.auditLog.Record(ctx, event)

	m.bus.Publish(events.PositionClosed, events.PositionClosedPayload{
		PositionID: p.ID, Reason: reason, RealizedR: p.RealizedR,
	})
	return nil
}

func (m *Manager) persist(ctx context.Context, p *domain.Position) error {
	p.UpdatedAt = m.now()
	if err := m.positions.Update(ctx, *p); err != nil {
		log.Error().Err(err).Str("positionId", p.ID).Msg("position update failed")
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	m.bus.Publish(events.PositionUpdated, events.PositionUpdatedPayload{Position: *p})
	return nil
}
