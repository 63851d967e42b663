package risk

import (
	"context"
	"strconv"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regimebot/regimebot/internal/audit"
	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/events"
	"github.com/regimebot/regimebot/internal/params"
	"github.com/regimebot/regimebot/internal/persistence"
	"github.com/regimebot/regimebot/internal/persistence/memory"
)

const testNow = int64(10_000_000)

type riskFixture struct {
	svc      *Service
	repo     *persistence.Repository
	tracker  *MemoryTracker
	approved *[]events.RiskApprovedPayload
	rejected *[]events.RiskRejectedPayload
}

func newRiskFixture(t *testing.T) riskFixture {
	t.Helper()
	repo := memory.NewRepository()
	bus := events.NewBus(events.Direct)
	tracker := NewMemoryTracker()

	var approved []events.RiskApprovedPayload
	var rejected []events.RiskRejectedPayload
	bus.Subscribe(events.RiskApproved, func(evt events.Event) error {
		approved = append(approved, evt.Payload.(events.RiskApprovedPayload))
		return nil
	})
	bus.Subscribe(events.RiskRejected, func(evt events.Event) error {
		rejected = append(rejected, evt.Payload.(events.RiskRejectedPayload))
		return nil
	})

	svc := NewService(DefaultConfig(), repo, params.NewService(repo.Params), tracker, bus, audit.NewWriter(repo.Audit, bus))
	svc.SetNowFunc(func() int64 { return testNow })
	return riskFixture{svc, repo, tracker, &approved, &rejected}
}

func testPlan() domain.TradePlan {
	return domain.TradePlan{
		Symbol: "BTCUSDT", Side: domain.SideLong, Engine: domain.EngineBreakout,
		EntryPrice: 100, MarginPct: 5, Leverage: 10, StopPct: 0.6,
	}
}

func openPosition(symbol string) domain.Position {
	return domain.Position{
		ID: "pos-" + symbol, Symbol: symbol, Side: domain.SideLong,
		EntryPrice: 100, Qty: 1, RemainingQty: 1,
		State: persistence.PositionStateOpen,
	}
}

func TestEvaluate_RejectsSecondPositionInSymbol(t *testing.T) {
	fx := newRiskFixture(t)
	require.NoError(t, fx.repo.Positions.Insert(context.Background(), openPosition("BTCUSDT")))

	decision, err := fx.svc.Evaluate(context.Background(), testPlan())
	require.NoError(t, err)

	assert.False(t, decision.Approved)
	assert.Regexp(t, `symbol`, decision.Reason)
	require.Len(t, *fx.rejected, 1)
}

func TestEvaluate_RejectsAtPortfolioCap(t *testing.T) {
	fx := newRiskFixture(t)
	for _, symbol := range []string{"ETHUSDT", "SOLUSDT", "XRPUSDT"} {
		require.NoError(t, fx.repo.Positions.Insert(context.Background(), openPosition(symbol)))
	}

	decision, err := fx.svc.Evaluate(context.Background(), testPlan())
	require.NoError(t, err)

	assert.False(t, decision.Approved)
	assert.Contains(t, decision.Reason, "max open positions")
}

func TestEvaluate_SymbolCooldown(t *testing.T) {
	fx := newRiskFixture(t)
	require.NoError(t, fx.tracker.MarkSymbolClose(context.Background(), "BTCUSDT", testNow-60_000))

	decision, err := fx.svc.Evaluate(context.Background(), testPlan())
	require.NoError(t, err)
	assert.Equal(t, "symbol cooldown active", decision.Reason)
}

func TestEvaluate_EngineCooldown(t *testing.T) {
	fx := newRiskFixture(t)
	require.NoError(t, fx.tracker.MarkEngineApproval(context.Background(), domain.EngineBreakout, testNow-60_000))

	decision, err := fx.svc.Evaluate(context.Background(), testPlan())
	require.NoError(t, err)
	assert.Equal(t, "engine cooldown active", decision.Reason)
}

func TestEvaluate_ApprovesAndSizes(t *testing.T) {
	fx := newRiskFixture(t)

	decision, err := fx.svc.Evaluate(context.Background(), testPlan())
	require.NoError(t, err)

	require.True(t, decision.Approved)
	// 10_000 * 5% * 10x / 100 = 50, already on the 0.001 step.
	assert.InDelta(t, 50, decision.Qty, 1e-9)
	assert.InDelta(t, 10, decision.FinalLeverage, 1e-9)
	require.Len(t, *fx.approved, 1)
	assert.InDelta(t, 50, (*fx.approved)[0].Qty, 1e-9)

	// The approval arms the engine cooldown.
	second, err := fx.svc.Evaluate(context.Background(), testPlan())
	require.NoError(t, err)
	assert.Equal(t, "engine cooldown active", second.Reason)
}

func TestEvaluate_DefensiveCapsLeverage(t *testing.T) {
	fx := newRiskFixture(t)
	require.NoError(t, fx.repo.Regimes.Upsert(context.Background(), domain.RegimeDecision{
		Symbol: "BTCUSDT", CloseTime5m: 300_000,
		Regime: domain.RegimeTrend, Engine: domain.EngineDefensive, Defensive: true,
	}))

	decision, err := fx.svc.Evaluate(context.Background(), testPlan())
	require.NoError(t, err)

	require.True(t, decision.Approved)
	assert.InDelta(t, 2, decision.FinalLeverage, 1e-9)
	assert.InDelta(t, 10, decision.Qty, 1e-9)
}

func TestEvaluate_RejectsQtyBelowMin(t *testing.T) {
	fx := newRiskFixture(t)
	plan := testPlan()
	plan.EntryPrice = 1e9

	decision, err := fx.svc.Evaluate(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, "computed qty below minQty", decision.Reason)
}

func TestSizeQty_FloorsToStep(t *testing.T) {
	fx := newRiskFixture(t)
	plan := testPlan()
	plan.EntryPrice = 333

	// 5000 / 333 = 15.015015..., floored to the 0.001 step.
	qty := fx.svc.sizeQty(plan, 10)
	assert.InDelta(t, 15.015, qty, 1e-9)
}

func TestRedisTracker_RoundTrip(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	tracker := NewRedisTracker(rdb)
	ctx := context.Background()

	mock.ExpectSet("risk:cooldown:engine:Breakout", strconv.FormatInt(testNow, 10), trackerTTL).SetVal("OK")
	mock.ExpectGet("risk:cooldown:engine:Breakout").SetVal(strconv.FormatInt(testNow, 10))
	mock.ExpectGet("risk:cooldown:symbol:BTCUSDT").RedisNil()

	require.NoError(t, tracker.MarkEngineApproval(ctx, domain.EngineBreakout, testNow))

	ts, err := tracker.LastEngineApproval(ctx, domain.EngineBreakout)
	require.NoError(t, err)
	assert.Equal(t, testNow, ts)

	ts, err = tracker.LastSymbolClose(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Zero(t, ts)

	assert.NoError(t, mock.ExpectationsWereMet())
}
