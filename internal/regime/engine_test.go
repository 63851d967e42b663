package regime

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regimebot/regimebot/internal/audit"
	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/events"
	"github.com/regimebot/regimebot/internal/persistence/memory"
)

func TestClassify_Thresholds(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		sigma, bbWidth, slope float64
		want                  domain.Regime
	}{
		{25, 25, 20, domain.RegimeCompression},
		{90, 90, 20, domain.RegimeExpansionChaos},
		{65, 40, 65, domain.RegimeTrend},
		{50, 50, 50, domain.RegimeRange},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%v/%v/%v", c.sigma, c.bbWidth, c.slope), func(t *testing.T) {
			assert.Equal(t, c.want, Classify(cfg, c.sigma, c.bbWidth, c.slope))
		})
	}
}

func TestClassify_OrderingCompressionWinsOverTrend(t *testing.T) {
	// Low sigma+width takes priority even with a steep slope.
	got := Classify(DefaultConfig(), 20, 20, 99)
	assert.Equal(t, domain.RegimeCompression, got)
}

func newTestEngine() (*Engine, *memory.RegimeRepo, *memory.AuditRepo, *[]domain.RegimeDecision) {
	repo := memory.NewRegimeRepo()
	auditRepo := memory.NewAuditRepo()
	bus := events.NewBus(events.Direct)

	var decisions []domain.RegimeDecision
	bus.Subscribe(events.RegimeUpdated, func(evt events.Event) error {
		decisions = append(decisions, evt.Payload.(events.RegimeUpdatedPayload).Decision)
		return nil
	})

	engine := NewEngine(DefaultConfig(), repo, bus, audit.NewWriter(auditRepo, bus))
	return engine, repo, auditRepo, &decisions
}

func rampFeature(i int) domain.FeatureVector {
	return domain.FeatureVector{
		Symbol:     "BTCUSDT",
		Timeframe:  "5m",
		CloseTime:  int64(i+1) * 300_000,
		SigmaNorm:  0.80 + 0.01*float64(i),
		BBWidthPct: 0.70 + 0.01*float64(i),
		EMA50Slope: 0.030 + 0.001*float64(i),
	}
}

func TestOnFeature_DefensiveOverride(t *testing.T) {
	engine, repo, _, decisions := newTestEngine()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		f := rampFeature(i)
		if i == 9 {
			f.VolumePercentile = 95
		}
		require.NoError(t, engine.OnFeature(ctx, f))
	}

	require.Len(t, *decisions, 10)
	last := (*decisions)[9]
	assert.True(t, last.Defensive)
	assert.Equal(t, domain.EngineDefensive, last.Engine)
	// The ramp puts the latest values at the top of the ring, so the
	// underlying regime is still ExpansionChaos.
	assert.Equal(t, domain.RegimeExpansionChaos, last.Regime)

	stored, err := repo.Latest(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, last, *stored)
}

func TestOnFeature_IgnoresNon5m(t *testing.T) {
	engine, _, _, decisions := newTestEngine()

	f := rampFeature(0)
	f.Timeframe = "1m"
	require.NoError(t, engine.OnFeature(context.Background(), f))
	assert.Empty(t, *decisions)
}

func TestOnFeature_AuditsClassification(t *testing.T) {
	engine, _, auditRepo, _ := newTestEngine()

	require.NoError(t, engine.OnFeature(context.Background(), rampFeature(0)))

	auditEvents := auditRepo.Events()
	require.Len(t, auditEvents, 1)
	assert.Equal(t, "regime.classify", auditEvents[0].Step)
	assert.NotEmpty(t, auditEvents[0].OutputsHash)
}

func TestRing_Bounded(t *testing.T) {
	engine, _, _, _ := newTestEngine()
	engine.cfg.WindowSize = 5

	for i := 0; i < 20; i++ {
		require.NoError(t, engine.OnFeature(context.Background(), rampFeature(i)))
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.Len(t, engine.rings["BTCUSDT/5m"].features, 5)
}
