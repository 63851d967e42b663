package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/regimebot/regimebot/internal/audit"
	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/domain/indicators"
	"github.com/regimebot/regimebot/internal/events"
	"github.com/regimebot/regimebot/internal/params"
	"github.com/regimebot/regimebot/internal/persistence"
)

// Planner rejection vocabulary. Engine-specific gate reasons extend this set.
const (
	RejectNoRegime          = "no_regime_for_symbol"
	RejectDefensive         = "defensive_mode"
	RejectStaleRegime       = "stale_regime_for_feature"
	RejectCompressionNeed1m = "compression_requires_1m_feature"
	RejectTrendNeed5m       = "trend_requires_5m_feature"
	RejectRangeNeed5m       = "range_requires_5m_feature"
	RejectExpansionChaos    = "expansion_chaos_no_entry_engine"
)

// Planner routes features.ready to exactly one entry engine per regime,
// normalizes triggered plans and publishes signal.generated.
type Planner struct {
	regimes  persistence.RegimeRepo
	params   *params.Service
	bus      *events.Bus
	auditLog *audit.Writer
	engines  map[domain.Engine]EntryEngine
	now      func() int64
}

// NewPlanner creates the planner over the three entry engines.
func NewPlanner(regimes persistence.RegimeRepo, paramsSvc *params.Service, bus *events.Bus, auditLog *audit.Writer, engines ...EntryEngine) *Planner {
	byName := make(map[domain.Engine]EntryEngine, len(engines))
	for _, e := range engines {
		byName[e.Name()] = e
	}
	return &Planner{
		regimes:  regimes,
		params:   paramsSvc,
		bus:      bus,
		auditLog: auditLog,
		engines:  byName,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNowFunc overrides the clock; test hook.
func (p *Planner) SetNowFunc(now func() int64) { p.now = now }

// Attach subscribes the planner to features.ready.
func (p *Planner) Attach(ctx context.Context) events.Unsubscribe {
	return p.bus.Subscribe(events.FeaturesReady, func(evt events.Event) error {
		payload, ok := evt.Payload.(events.FeaturesReadyPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Name)
		}
		return p.OnFeature(ctx, payload.Feature)
	})
}

// OnFeature gates, routes and dispatches one feature vector. Rejections are
// audited at warn, never returned as errors.
func (p *Planner) OnFeature(ctx context.Context, feature domain.FeatureVector) error {
	decision, err := p.regimes.Latest(ctx, feature.Symbol)
	if err != nil {
		return fmt.Errorf("load regime decision: %w", err)
	}
	if decision == nil {
		p.reject(ctx, feature, RejectNoRegime)
		return nil
	}
	if decision.Defensive {
		p.reject(ctx, feature, RejectDefensive)
		return nil
	}
	if feature.Timeframe == "5m" && decision.CloseTime5m != feature.CloseTime {
		p.reject(ctx, feature, RejectStaleRegime)
		return nil
	}

	var engineName domain.Engine
	switch decision.Regime {
	case domain.RegimeCompression:
		if feature.Timeframe != "1m" {
			p.reject(ctx, feature, RejectCompressionNeed1m)
			return nil
		}
		engineName = domain.EngineBreakout
	case domain.RegimeTrend:
		if feature.Timeframe != "5m" {
			p.reject(ctx, feature, RejectTrendNeed5m)
			return nil
		}
		engineName = domain.EngineContinuation
	case domain.RegimeRange:
		if feature.Timeframe != "5m" {
			p.reject(ctx, feature, RejectRangeNeed5m)
			return nil
		}
		engineName = domain.EngineReversal
	default:
		p.reject(ctx, feature, RejectExpansionChaos)
		return nil
	}

	engine, ok := p.engines[engineName]
	if !ok {
		return fmt.Errorf("no engine registered for %s", engineName)
	}

	pv := DefaultParams()
	if active, err := p.params.ActiveAt(ctx, p.now()); err == nil && active != nil {
		pv = *active
	}

	plan, reason, err := engine.Evaluate(ctx, feature, pv)
	if err != nil {
		return fmt.Errorf("evaluate %s: %w", engineName, err)
	}
	if reason != "" {
		p.reject(ctx, feature, reason)
		return nil
	}

	plan = p.normalize(ctx, plan)

	event := audit.Structured("planner.signal", domain.AuditInfo,
		fmt.Sprintf("plan %s %s via %s", plan.Side, plan.Symbol, plan.Engine),
		feature, plan)
	event.ParamsVersionID = plan.ParamsVersionID
	p.auditLog.Record(ctx, event)

	p.bus.Publish(events.SignalGenerated, events.SignalGeneratedPayload{Plan: plan})
	return nil
}

// normalize applies the emission invariants: confidence in [0,1], expiresAt
// never in the past, and the true active params version replacing the
// engine-stamped baseline placeholder.
func (p *Planner) normalize(ctx context.Context, plan domain.TradePlan) domain.TradePlan {
	now := p.now()
	plan.Confidence = indicators.Clamp(plan.Confidence, 0, 1)
	if plan.ExpiresAt < now {
		plan.ExpiresAt = now
	}
	plan.ParamsVersionID = p.params.ActiveID(ctx, now)
	return plan
}

func (p *Planner) reject(ctx context.Context, feature domain.FeatureVector, reason string) {
	event := audit.Categorical("planner", reason, "planner", domain.AuditWarn,
		fmt.Sprintf("plan rejected for %s %s: %s", feature.Symbol, feature.Timeframe, reason))
	event.Reason = reason
	event.InputsHash = domain.HashObject(feature)
	p.auditLog.Record(ctx, event)
}
