package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regimebot/regimebot/internal/audit"
	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/events"
	"github.com/regimebot/regimebot/internal/params"
	"github.com/regimebot/regimebot/internal/persistence/memory"
)

// stubEngine returns a fixed plan or reason for planner tests.
type stubEngine struct {
	name   domain.Engine
	tf     string
	plan   domain.TradePlan
	reason string
}

func (s *stubEngine) Name() domain.Engine { return s.name }
func (s *stubEngine) Timeframe() string   { return s.tf }
func (s *stubEngine) Evaluate(context.Context, domain.FeatureVector, domain.ParamVersion) (domain.TradePlan, string, error) {
	return s.plan, s.reason, nil
}

type plannerFixture struct {
	planner   *Planner
	regimes   *memory.RegimeRepo
	paramsSvc *params.Service
	auditRepo *memory.AuditRepo
	signals   *[]domain.TradePlan
}

func newPlannerFixture(t *testing.T, engines ...EntryEngine) plannerFixture {
	t.Helper()
	regimes := memory.NewRegimeRepo()
	paramsRepo := memory.NewParamsRepo()
	auditRepo := memory.NewAuditRepo()
	bus := events.NewBus(events.Direct)

	var signals []domain.TradePlan
	bus.Subscribe(events.SignalGenerated, func(evt events.Event) error {
		signals = append(signals, evt.Payload.(events.SignalGeneratedPayload).Plan)
		return nil
	})

	paramsSvc := params.NewService(paramsRepo)
	planner := NewPlanner(regimes, paramsSvc, bus, audit.NewWriter(auditRepo, bus), engines...)
	planner.SetNowFunc(func() int64 { return 1_000_000 })
	return plannerFixture{planner, regimes, paramsSvc, auditRepo, &signals}
}

func lastRejectReason(t *testing.T, repo *memory.AuditRepo) string {
	t.Helper()
	auditEvents := repo.Events()
	require.NotEmpty(t, auditEvents)
	return auditEvents[len(auditEvents)-1].Reason
}

func feature5m(symbol string, closeTime int64) domain.FeatureVector {
	return domain.FeatureVector{Symbol: symbol, Timeframe: "5m", CloseTime: closeTime}
}

func TestPlanner_RejectsWithoutRegime(t *testing.T) {
	fx := newPlannerFixture(t)

	require.NoError(t, fx.planner.OnFeature(context.Background(), feature5m("BTCUSDT", 300_000)))

	assert.Empty(t, *fx.signals)
	assert.Equal(t, RejectNoRegime, lastRejectReason(t, fx.auditRepo))
}

func TestPlanner_RejectsDefensive(t *testing.T) {
	fx := newPlannerFixture(t)
	require.NoError(t, fx.regimes.Upsert(context.Background(), domain.RegimeDecision{
		Symbol: "BTCUSDT", CloseTime5m: 300_000,
		Regime: domain.RegimeTrend, Engine: domain.EngineDefensive, Defensive: true,
	}))

	require.NoError(t, fx.planner.OnFeature(context.Background(), feature5m("BTCUSDT", 300_000)))
	assert.Equal(t, RejectDefensive, lastRejectReason(t, fx.auditRepo))
}

func TestPlanner_RejectsStaleRegime(t *testing.T) {
	fx := newPlannerFixture(t)
	require.NoError(t, fx.regimes.Upsert(context.Background(), domain.RegimeDecision{
		Symbol: "BTCUSDT", CloseTime5m: 300_000,
		Regime: domain.RegimeTrend, Engine: domain.EngineContinuation,
	}))

	require.NoError(t, fx.planner.OnFeature(context.Background(), feature5m("BTCUSDT", 600_000)))
	assert.Equal(t, RejectStaleRegime, lastRejectReason(t, fx.auditRepo))
}

func TestPlanner_TimeframeRouting(t *testing.T) {
	fx := newPlannerFixture(t)
	require.NoError(t, fx.regimes.Upsert(context.Background(), domain.RegimeDecision{
		Symbol: "BTCUSDT", CloseTime5m: 300_000,
		Regime: domain.RegimeCompression, Engine: domain.EngineBreakout,
	}))

	// Compression only accepts 1m features.
	require.NoError(t, fx.planner.OnFeature(context.Background(), feature5m("BTCUSDT", 300_000)))
	assert.Equal(t, RejectCompressionNeed1m, lastRejectReason(t, fx.auditRepo))
}

func TestPlanner_RejectsExpansionChaos(t *testing.T) {
	fx := newPlannerFixture(t)
	require.NoError(t, fx.regimes.Upsert(context.Background(), domain.RegimeDecision{
		Symbol: "BTCUSDT", CloseTime5m: 300_000,
		Regime: domain.RegimeExpansionChaos, Engine: domain.EngineDefensive,
	}))

	require.NoError(t, fx.planner.OnFeature(context.Background(), feature5m("BTCUSDT", 300_000)))
	assert.Equal(t, RejectExpansionChaos, lastRejectReason(t, fx.auditRepo))
}

func TestPlanner_NormalizesTriggeredPlan(t *testing.T) {
	engine := &stubEngine{
		name: domain.EngineContinuation,
		tf:   "5m",
		plan: domain.TradePlan{
			Symbol: "BTCUSDT", Side: domain.SideLong, Engine: domain.EngineContinuation,
			EntryPrice:      100,
			Confidence:      1.5,     // must clamp to 1
			ExpiresAt:       500_000, // in the past relative to now=1_000_000
			ParamsVersionID: params.BaselineID,
		},
	}
	fx := newPlannerFixture(t, engine)
	require.NoError(t, fx.paramsSvc.Seed(context.Background(), domain.ParamVersion{ID: "v2", EffectiveFrom: 0}))
	require.NoError(t, fx.regimes.Upsert(context.Background(), domain.RegimeDecision{
		Symbol: "BTCUSDT", CloseTime5m: 300_000,
		Regime: domain.RegimeTrend, Engine: domain.EngineContinuation,
	}))

	require.NoError(t, fx.planner.OnFeature(context.Background(), feature5m("BTCUSDT", 300_000)))

	require.Len(t, *fx.signals, 1)
	plan := (*fx.signals)[0]
	assert.InDelta(t, 1.0, plan.Confidence, 1e-9)
	assert.Equal(t, int64(1_000_000), plan.ExpiresAt)
	assert.Equal(t, "v2", plan.ParamsVersionID, "baseline placeholder replaced by active version")
}

func TestPlanner_AuditsEngineGateReason(t *testing.T) {
	engine := &stubEngine{name: domain.EngineReversal, tf: "5m", reason: "no_range_edge_touch"}
	fx := newPlannerFixture(t, engine)
	require.NoError(t, fx.regimes.Upsert(context.Background(), domain.RegimeDecision{
		Symbol: "BTCUSDT", CloseTime5m: 300_000,
		Regime: domain.RegimeRange, Engine: domain.EngineReversal,
	}))

	require.NoError(t, fx.planner.OnFeature(context.Background(), feature5m("BTCUSDT", 300_000)))
	assert.Empty(t, *fx.signals)
	assert.Equal(t, "no_range_edge_touch", lastRejectReason(t, fx.auditRepo))
}
