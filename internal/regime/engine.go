// Package regime classifies each symbol's 5m feature stream into market
// regimes with a sliding-window percentile classifier.
package regime

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/regimebot/regimebot/internal/audit"
	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/domain/indicators"
	"github.com/regimebot/regimebot/internal/events"
	"github.com/regimebot/regimebot/internal/persistence"
)

// DecisionTimeframe is the only timeframe the regime engine consumes.
const DecisionTimeframe = "5m"

// Config tunes the classifier thresholds (all percentile ranks in [0,100]).
type Config struct {
	WindowSize    int
	CompressionTh float64
	TrendTh       float64
	ExpansionTh   float64
	DefensiveTh   float64 // on the feature's own volume percentile
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		WindowSize:    100,
		CompressionTh: 25,
		TrendTh:       65,
		ExpansionTh:   85,
		DefensiveTh:   90,
	}
}

// Classify applies the ordered threshold predicates. It is total over the
// four regimes: compression, expansion, trend, then range as the fallthrough.
func Classify(cfg Config, sigmaNormPct, bbWidthPctile, slopeAbsPctile float64) domain.Regime {
	switch {
	case sigmaNormPct <= cfg.CompressionTh && bbWidthPctile <= cfg.CompressionTh:
		return domain.RegimeCompression
	case sigmaNormPct >= cfg.ExpansionTh && bbWidthPctile >= cfg.ExpansionTh:
		return domain.RegimeExpansionChaos
	case sigmaNormPct >= cfg.TrendTh && slopeAbsPctile >= cfg.TrendTh:
		return domain.RegimeTrend
	default:
		return domain.RegimeRange
	}
}

// ring is the bounded per-symbol feature window.
type ring struct {
	features []domain.FeatureVector
}

func (r *ring) push(f domain.FeatureVector, max int) {
	r.features = append(r.features, f)
	if len(r.features) > max {
		r.features = r.features[len(r.features)-max:]
	}
}

func (r *ring) column(get func(domain.FeatureVector) float64) []float64 {
	out := make([]float64, len(r.features))
	for i, f := range r.features {
		out[i] = get(f)
	}
	return out
}

// Engine maintains per-symbol rings and produces regime decisions.
type Engine struct {
	cfg      Config
	repo     persistence.RegimeRepo
	bus      *events.Bus
	auditLog *audit.Writer

	mu    sync.Mutex
	rings map[string]*ring
}

// NewEngine creates the regime engine.
func NewEngine(cfg Config, repo persistence.RegimeRepo, bus *events.Bus, auditLog *audit.Writer) *Engine {
	return &Engine{
		cfg:      cfg,
		repo:     repo,
		bus:      bus,
		auditLog: auditLog,
		rings:    make(map[string]*ring),
	}
}

// Attach subscribes the engine to features.ready.
func (e *Engine) Attach(ctx context.Context) events.Unsubscribe {
	return e.bus.Subscribe(events.FeaturesReady, func(evt events.Event) error {
		payload, ok := evt.Payload.(events.FeaturesReadyPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Name)
		}
		return e.OnFeature(ctx, payload.Feature)
	})
}

// OnFeature folds one feature into the symbol's ring and, for 5m features,
// classifies and publishes the regime decision.
func (e *Engine) OnFeature(ctx context.Context, feature domain.FeatureVector) error {
	if feature.Timeframe != DecisionTimeframe {
		return nil
	}

	decision := e.decide(feature)

	if err := e.repo.Upsert(ctx, decision); err != nil {
		return fmt.Errorf("upsert regime decision: %w", err)
	}

	event := audit.Structured("regime.classify", domain.AuditInfo,
		fmt.Sprintf("regime %s engine %s for %s @ %d",
			decision.Regime, decision.Engine, decision.Symbol, decision.CloseTime5m),
		feature, decision)
	event.Metadata = map[string]interface{}{
		"symbol":    decision.Symbol,
		"regime":    string(decision.Regime),
		"defensive": decision.Defensive,
	}
	e.auditLog.Record(ctx, event)

	e.bus.Publish(events.RegimeUpdated, events.RegimeUpdatedPayload{Decision: decision})
	return nil
}

func (e *Engine) decide(feature domain.FeatureVector) domain.RegimeDecision {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := feature.Symbol + "/" + feature.Timeframe
	r := e.rings[key]
	if r == nil {
		r = &ring{}
		e.rings[key] = r
	}
	r.push(feature, e.cfg.WindowSize)

	sigmaNormPct := indicators.PercentileRank(
		r.column(func(f domain.FeatureVector) float64 { return f.SigmaNorm }), feature.SigmaNorm)
	bbWidthPctile := indicators.PercentileRank(
		r.column(func(f domain.FeatureVector) float64 { return f.BBWidthPct }), feature.BBWidthPct)
	slopeAbsPctile := indicators.PercentileRank(
		r.column(func(f domain.FeatureVector) float64 { return math.Abs(f.EMA50Slope) }),
		math.Abs(feature.EMA50Slope))

	regime := Classify(e.cfg, sigmaNormPct, bbWidthPctile, slopeAbsPctile)
	defensive := feature.VolumePercentile >= e.cfg.DefensiveTh

	return domain.RegimeDecision{
		Symbol:      feature.Symbol,
		CloseTime5m: feature.CloseTime,
		Regime:      regime,
		Engine:      domain.EngineForRegime(regime, defensive),
		Defensive:   defensive,
	}
}
