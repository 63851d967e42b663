// Package risk gates approved trade plans through portfolio caps, cooldowns
// and quantity sizing before execution.
package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/regimebot/regimebot/internal/audit"
	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/events"
	"github.com/regimebot/regimebot/internal/params"
	"github.com/regimebot/regimebot/internal/persistence"
)

// Config tunes sizing and the fallback rules used when no parameter version
// is stored yet.
type Config struct {
	Equity               float64
	QtyStep              float64
	MinQty               float64
	MaxLeverageDefensive float64
	FallbackCooldowns    domain.CooldownRules
	FallbackCaps         domain.PortfolioCaps
}

// DefaultConfig sizes against 10k equity with a 0.001 step and caps
// defensive leverage at 2x.
func DefaultConfig() Config {
	return Config{
		Equity:               10_000,
		QtyStep:              0.001,
		MinQty:               0.001,
		MaxLeverageDefensive: 2,
		FallbackCooldowns:    domain.CooldownRules{PerSymbolMs: 5 * 60_000, PerEngineMs: 2 * 60_000},
		FallbackCaps:         domain.PortfolioCaps{Max: 3, MaxDefensive: 1},
	}
}

// Decision is the risk gate outcome for one plan.
type Decision struct {
	Approved      bool    `json:"approved"`
	Reason        string  `json:"reason,omitempty"`
	Qty           float64 `json:"qty,omitempty"`
	FinalLeverage float64 `json:"finalLeverage,omitempty"`
}

// Service is the risk gate.
type Service struct {
	cfg       Config
	positions persistence.PositionRepo
	regimes   persistence.RegimeRepo
	params    *params.Service
	tracker   Tracker
	bus       *events.Bus
	auditLog  *audit.Writer
	now       func() int64
}

// NewService creates the risk service.
func NewService(cfg Config, repo *persistence.Repository, paramsSvc *params.Service, tracker Tracker, bus *events.Bus, auditLog *audit.Writer) *Service {
	return &Service{
		cfg:       cfg,
		positions: repo.Positions,
		regimes:   repo.Regimes,
		params:    paramsSvc,
		tracker:   tracker,
		bus:       bus,
		auditLog:  auditLog,
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNowFunc overrides the clock; test hook.
func (s *Service) SetNowFunc(now func() int64) { s.now = now }

// Attach subscribes the service to signal.generated and to position.closed
// (which arms the per-symbol cooldown).
func (s *Service) Attach(ctx context.Context) []events.Unsubscribe {
	unsubSignal := s.bus.Subscribe(events.SignalGenerated, func(evt events.Event) error {
		payload, ok := evt.Payload.(events.SignalGeneratedPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Name)
		}
		_, err := s.Evaluate(ctx, payload.Plan)
		return err
	})
	unsubClosed := s.bus.Subscribe(events.PositionClosed, func(evt events.Event) error {
		payload, ok := evt.Payload.(events.PositionClosedPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Name)
		}
		return s.onPositionClosed(ctx, payload.PositionID)
	})
	return []events.Unsubscribe{unsubSignal, unsubClosed}
}

func (s *Service) onPositionClosed(ctx context.Context, positionID string) error {
	position, err := s.positions.Get(ctx, positionID)
	if err != nil || position == nil {
		return err
	}
	if err := s.tracker.MarkSymbolClose(ctx, position.Symbol, s.now()); err != nil {
		log.Warn().Err(err).Str("symbol", position.Symbol).Msg("cooldown mark failed")
	}
	return nil
}

// Evaluate runs the ordered admission checks; the first failing check wins.
// The outcome is audited and published either way.
func (s *Service) Evaluate(ctx context.Context, plan domain.TradePlan) (Decision, error) {
	now := s.now()
	defensive := false
	if decision, err := s.regimes.Latest(ctx, plan.Symbol); err == nil && decision != nil {
		defensive = decision.Defensive
	}
	cooldowns, caps := s.rules(ctx, now)

	openInSymbol, err := s.positions.CountOpenBySymbol(ctx, plan.Symbol)
	if err != nil {
		return Decision{}, fmt.Errorf("count open by symbol: %w", err)
	}
	if openInSymbol >= 1 {
		return s.reject(ctx, plan, "max 1 open position per symbol exceeded")
	}

	openTotal, err := s.positions.CountOpenTotal(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("count open total: %w", err)
	}
	maxOpen := caps.Max
	if defensive {
		maxOpen = caps.MaxDefensive
	}
	if openTotal >= maxOpen {
		return s.reject(ctx, plan, fmt.Sprintf("max open positions reached (%d/%d)", openTotal, maxOpen))
	}

	lastClose, err := s.lastSymbolClose(ctx, plan.Symbol)
	if err != nil {
		return Decision{}, fmt.Errorf("last symbol close: %w", err)
	}
	if lastClose > 0 && now-lastClose < cooldowns.PerSymbolMs {
		return s.reject(ctx, plan, "symbol cooldown active")
	}

	lastApproval, err := s.tracker.LastEngineApproval(ctx, plan.Engine)
	if err != nil {
		return Decision{}, fmt.Errorf("last engine approval: %w", err)
	}
	if lastApproval > 0 && now-lastApproval < cooldowns.PerEngineMs {
		return s.reject(ctx, plan, "engine cooldown active")
	}

	finalLeverage := plan.Leverage
	if defensive {
		finalLeverage = math.Min(finalLeverage, s.cfg.MaxLeverageDefensive)
	}

	qty := s.sizeQty(plan, finalLeverage)
	if qty < s.cfg.MinQty {
		return s.reject(ctx, plan, "computed qty below minQty")
	}

	if err := s.tracker.MarkEngineApproval(ctx, plan.Engine, now); err != nil {
		log.Warn().Err(err).Str("engine", string(plan.Engine)).Msg("cooldown mark failed")
	}

	decision := Decision{Approved: true, Qty: qty, FinalLeverage: finalLeverage}
	s.audit(ctx, plan, decision, domain.AuditInfo)
	s.bus.Publish(events.RiskApproved, events.RiskApprovedPayload{
		Plan: plan, Qty: qty, FinalLeverage: finalLeverage,
	})
	return decision, nil
}

// sizeQty converts margin and leverage into a step-floored quantity. The
// floor runs on decimals so 0.1-style steps do not drift.
func (s *Service) sizeQty(plan domain.TradePlan, finalLeverage float64) float64 {
	notional := s.cfg.Equity * (plan.MarginPct / 100) * finalLeverage
	qtyRaw := notional / math.Max(plan.EntryPrice, 1e-8)

	step := decimal.NewFromFloat(s.cfg.QtyStep)
	if step.IsZero() {
		return qtyRaw
	}
	qty, _ := decimal.NewFromFloat(qtyRaw).Div(step).Floor().Mul(step).Float64()
	return qty
}

func (s *Service) lastSymbolClose(ctx context.Context, symbol string) (int64, error) {
	fromTracker, err := s.tracker.LastSymbolClose(ctx, symbol)
	if err != nil {
		return 0, err
	}
	fromRepo, err := s.positions.LastClosedAt(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return int64(math.Max(float64(fromTracker), float64(fromRepo))), nil
}

func (s *Service) rules(ctx context.Context, now int64) (domain.CooldownRules, domain.PortfolioCaps) {
	version, err := s.params.ActiveAt(ctx, now)
	if err != nil || version == nil {
		return s.cfg.FallbackCooldowns, s.cfg.FallbackCaps
	}
	return version.CooldownRules, version.PortfolioCaps
}

func (s *Service) reject(ctx context.Context, plan domain.TradePlan, reason string) (Decision, error) {
	decision := Decision{Approved: false, Reason: reason}
	s.audit(ctx, plan, decision, domain.AuditWarn)
	s.bus.Publish(events.RiskRejected, events.RiskRejectedPayload{Plan: plan, Reason: reason})
	return decision, nil
}

func (s *Service) audit(ctx context.Context, plan domain.TradePlan, decision Decision, level domain.AuditLevel) {
	verdict := "approved"
	if !decision.Approved {
		verdict = "rejected: " + decision.Reason
	}
	event := audit.Structured("risk.decision", level,
		fmt.Sprintf("plan %s %s %s", plan.Side, plan.Symbol, verdict),
		plan, decision)
	event.Reason = decision.Reason
	event.ParamsVersionID = plan.ParamsVersionID
	event.Metadata = map[string]interface{}{
		"symbol": plan.Symbol,
		"engine": string(plan.Engine),
	}
	s.auditLog.Record(ctx, event)
}
