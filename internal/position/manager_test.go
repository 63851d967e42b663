package position

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regimebot/regimebot/internal/audit"
	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/events"
	"github.com/regimebot/regimebot/internal/params"
	"github.com/regimebot/regimebot/internal/persistence"
	"github.com/regimebot/regimebot/internal/persistence/memory"
)

type managerFixture struct {
	manager   *Manager
	repo      *persistence.Repository
	auditRepo *memory.AuditRepo
	closed    *[]events.PositionClosedPayload
}

func newManagerFixture(t *testing.T) managerFixture {
	t.Helper()
	repo := memory.NewRepository()
	auditRepo := memory.NewAuditRepo()
	repo.Audit = auditRepo
	bus := events.NewBus(events.Direct)

	var closed []events.PositionClosedPayload
	bus.Subscribe(events.PositionClosed, func(evt events.Event) error {
		closed = append(closed, evt.Payload.(events.PositionClosedPayload))
		return nil
	})

	require.NoError(t, repo.Params.Insert(context.Background(), domain.ParamVersion{ID: "v1", EffectiveFrom: 0}))
	manager := NewManager(DefaultConfig(), repo.Positions, params.NewService(repo.Params), bus, audit.NewWriter(auditRepo, bus))
	manager.SetNowFunc(func() int64 { return 1_000_000 })
	return managerFixture{manager, repo, auditRepo, &closed}
}

func longPosition() domain.Position {
	return domain.Position{
		ID: "p1", Symbol: "BTCUSDT", Side: domain.SideLong,
		EntryPrice: 100, InitialStopPrice: 99, StopPrice: 99,
		Qty: 1, RemainingQty: 1, ATRPct: 1,
		State: persistence.PositionStateOpen, ParamsVersionID: "v1",
		OpenedAt: 500_000,
	}
}

func (fx managerFixture) track(t *testing.T, p domain.Position) {
	t.Helper()
	require.NoError(t, fx.repo.Positions.Insert(context.Background(), p))
	fx.manager.Track(p)
}

func current(t *testing.T, fx managerFixture, id string) domain.Position {
	t.Helper()
	p, err := fx.repo.Positions.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return *p
}

func TestOnPrice_ScaleOutsAndTrailing(t *testing.T) {
	fx := newManagerFixture(t)
	fx.track(t, longPosition())
	ctx := context.Background()

	// +1R: half off.
	require.NoError(t, fx.manager.OnPrice(ctx, "BTCUSDT", 101, 0, 0))
	p := current(t, fx, "p1")
	assert.True(t, p.Took1R)
	assert.InDelta(t, 0.5, p.RemainingQty, 1e-9)
	assert.InDelta(t, 0.5, p.RealizedR, 1e-9)

	// +2R: another 0.3 of the original qty, trailing arms.
	require.NoError(t, fx.manager.OnPrice(ctx, "BTCUSDT", 102, 0, 0))
	p = current(t, fx, "p1")
	assert.True(t, p.Took2R)
	assert.InDelta(t, 0.2, p.RemainingQty, 1e-9)
	assert.InDelta(t, 1.1, p.RealizedR, 1e-9)
	assert.InDelta(t, 101, p.StopPrice, 1e-9)

	// Trailing follows the bar high minus one ATR.
	require.NoError(t, fx.manager.OnPrice(ctx, "BTCUSDT", 103, 103.5, 0))
	p = current(t, fx, "p1")
	assert.InDelta(t, 102.5, p.StopPrice, 1e-9)
	assert.Empty(t, *fx.closed)
}

func TestOnPrice_StopHitCloses(t *testing.T) {
	fx := newManagerFixture(t)
	fx.track(t, longPosition())
	ctx := context.Background()

	require.NoError(t, fx.manager.OnPrice(ctx, "BTCUSDT", 98.5, 0, 0))

	p := current(t, fx, "p1")
	assert.Equal(t, persistence.PositionStateClosed, p.State)
	require.Len(t, *fx.closed, 1)
	assert.Equal(t, "stop hit", (*fx.closed)[0].Reason)
}

func TestOnPrice_Monotonicity(t *testing.T) {
	fx := newManagerFixture(t)
	fx.track(t, longPosition())
	ctx := context.Background()

	prices := []float64{101, 102, 103, 102.8, 104, 103.9}
	prevStop := 0.0
	prevRemaining := 2.0
	prevRealized := -1.0
	for _, price := range prices {
		require.NoError(t, fx.manager.OnPrice(ctx, "BTCUSDT", price, price+0.2, price-0.2))
		p := current(t, fx, "p1")
		if p.State == persistence.PositionStateClosed {
			break
		}
		assert.GreaterOrEqual(t, p.StopPrice, prevStop, "stop never retreats for Long")
		assert.LessOrEqual(t, p.RemainingQty, prevRemaining)
		assert.GreaterOrEqual(t, p.RealizedR, prevRealized, "realizedR non-decreasing on winners")
		prevStop, prevRemaining, prevRealized = p.StopPrice, p.RemainingQty, p.RealizedR
	}
}

func TestOnPrice_ShortStopOut(t *testing.T) {
	fx := newManagerFixture(t)
	p := longPosition()
	p.ID = "p2"
	p.Side = domain.SideShort
	p.InitialStopPrice = 101
	p.StopPrice = 101
	fx.track(t, p)

	require.NoError(t, fx.manager.OnPrice(context.Background(), "BTCUSDT", 101.5, 0, 0))
	require.Len(t, *fx.closed, 1)
	assert.Equal(t, "stop hit", (*fx.closed)[0].Reason)
}

func TestOnRegimeChange_ExpansionChaosHardExit(t *testing.T) {
	fx := newManagerFixture(t)
	fx.track(t, longPosition())

	decision := domain.RegimeDecision{
		Symbol: "BTCUSDT", Regime: domain.RegimeExpansionChaos, Engine: domain.EngineDefensive,
	}
	require.NoError(t, fx.manager.OnRegimeChange(context.Background(), decision))

	p := current(t, fx, "p1")
	assert.Equal(t, persistence.PositionStateClosed, p.State)
	require.Len(t, *fx.closed, 1)
	assert.Contains(t, (*fx.closed)[0].Reason, "ExpansionChaos")
}

func TestOnRegimeChange_RangeReducesRisk(t *testing.T) {
	fx := newManagerFixture(t)
	fx.track(t, longPosition())

	decision := domain.RegimeDecision{
		Symbol: "BTCUSDT", Regime: domain.RegimeRange, Engine: domain.EngineReversal,
	}
	require.NoError(t, fx.manager.OnRegimeChange(context.Background(), decision))

	p := current(t, fx, "p1")
	assert.Equal(t, persistence.PositionStateOpen, p.State)
	assert.InDelta(t, 0.5, p.RemainingQty, 1e-9, "half shaved on Range")
	assert.Empty(t, *fx.closed)
}

func TestParamDriftWarning(t *testing.T) {
	fx := newManagerFixture(t)
	p := longPosition()
	p.ParamsVersionID = "v0" // stale relative to the seeded v1
	fx.track(t, p)

	require.NoError(t, fx.manager.OnPrice(context.Background(), "BTCUSDT", 100.2, 0, 0))

	found := false
	for _, evt := range fx.auditRepo.Events() {
		if evt.Step == "position.paramDrift" {
			found = true
			assert.Equal(t, "params_drift", evt.Reason)
			assert.Equal(t, domain.AuditWarn, evt.Level)
			assert.Equal(t, "v0", evt.ParamsVersionID)
		}
	}
	assert.True(t, found, "drift audit emitted")
}

func TestNextState_Transitions(t *testing.T) {
	assert.Equal(t, StateArmed, NextState(StateNeutral, EventSignalArmed))
	assert.Equal(t, StateEntering, NextState(StateArmed, EventOrderSubmitted))
	assert.Equal(t, StateInPosition, NextState(StateEntering, EventOrderFilled))
	assert.Equal(t, StateCooldown, NextState(StateInPosition, EventPositionClosed))
	assert.Equal(t, StateNeutral, NextState(StateCooldown, EventCooldownExpired))
	assert.Equal(t, StateDefensive, NextState(StateInPosition, EventDefensiveOn))
	assert.Equal(t, StateNeutral, NextState(StateDefensive, EventDefensiveOff))
}

func TestNextState_Totality(t *testing.T) {
	states := []State{StateNeutral, StateArmed, StateEntering, StateInPosition, StateCooldown, StateDefensive}
	eventsAll := []LifecycleEvent{
		EventSignalArmed, EventOrderSubmitted, EventOrderFilled,
		EventPositionClosed, EventCooldownExpired, EventDefensiveOn, EventDefensiveOff,
	}
	legal := map[State]map[LifecycleEvent]State{
		StateNeutral:    {EventSignalArmed: StateArmed},
		StateArmed:      {EventOrderSubmitted: StateEntering},
		StateEntering:   {EventOrderFilled: StateInPosition},
		StateInPosition: {EventPositionClosed: StateCooldown},
		StateCooldown:   {EventCooldownExpired: StateNeutral},
		StateDefensive:  {EventDefensiveOff: StateNeutral},
	}
	for _, state := range states {
		for _, event := range eventsAll {
			next := NextState(state, event)
			switch {
			case event == EventDefensiveOn:
				assert.Equal(t, StateDefensive, next)
			case legal[state][event] != "":
				assert.Equal(t, legal[state][event], next)
			default:
				assert.Equal(t, state, next, "illegal transition is identity: %s/%s", state, event)
			}
		}
	}
}
