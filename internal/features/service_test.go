package features

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regimebot/regimebot/internal/audit"
	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/events"
	"github.com/regimebot/regimebot/internal/persistence/memory"
)

// syntheticHistory builds n oscillating candles ending at closeTime
// n*60_000, with enough price movement for usable log returns.
func syntheticHistory(n int) []domain.Candle {
	candles := make([]domain.Candle, n)
	price := 100.0
	for i := 0; i < n; i++ {
		move := 0.5 * math.Sin(float64(i)/3)
		open := price
		price = price + move
		high := math.Max(open, price) + 0.2
		low := math.Min(open, price) - 0.2
		candles[i] = domain.Candle{
			Symbol:    "BTCUSDT",
			Timeframe: "5m",
			CloseTime: int64(i+1) * 60_000,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     price,
			Volume:    10 + float64(i%7),
		}
	}
	return candles
}

func TestCompute_Bounds(t *testing.T) {
	svc := NewService(DefaultConfig(), nil, nil, nil, nil)
	history := syntheticHistory(260)

	feature, ok := svc.Compute("BTCUSDT", "5m", history)
	require.True(t, ok)

	assert.Equal(t, history[len(history)-1].CloseTime, feature.CloseTime)
	assert.GreaterOrEqual(t, feature.BBWidthPercentile, 0.0)
	assert.LessOrEqual(t, feature.BBWidthPercentile, 100.0)
	assert.GreaterOrEqual(t, feature.VolumePercentile, 0.0)
	assert.LessOrEqual(t, feature.VolumePercentile, 100.0)
	assert.GreaterOrEqual(t, feature.EWMASigma, 0.0)
	assert.Greater(t, feature.ATRPct, 0.0)
	assert.Greater(t, feature.EMA20, 0.0)
	assert.Greater(t, feature.EMA200, 0.0)
	assert.InDelta(t, feature.EWMASigma*math.Sqrt(5)*100, feature.VolPct5m, 1e-9)
}

func TestCompute_SkipsShortHistory(t *testing.T) {
	svc := NewService(DefaultConfig(), nil, nil, nil, nil)

	_, ok := svc.Compute("BTCUSDT", "5m", syntheticHistory(204))
	assert.False(t, ok)
}

func TestCompute_SkipsWhenReturnsUnusable(t *testing.T) {
	svc := NewService(DefaultConfig(), nil, nil, nil, nil)

	// Non-positive closes produce no usable log returns.
	history := syntheticHistory(260)
	for i := range history {
		history[i].Close = 0
	}
	_, ok := svc.Compute("BTCUSDT", "5m", history)
	assert.False(t, ok)
}

func TestOnCandleClosed_EmitsFeaturesReadyAndAudits(t *testing.T) {
	ctx := context.Background()
	candleRepo := memory.NewCandleRepo()
	featureRepo := memory.NewFeatureRepo()
	auditRepo := memory.NewAuditRepo()
	bus := events.NewBus(events.Direct)

	history := syntheticHistory(260)
	for _, c := range history {
		_, err := candleRepo.Insert(ctx, c)
		require.NoError(t, err)
	}

	var ready []domain.FeatureVector
	bus.Subscribe(events.FeaturesReady, func(evt events.Event) error {
		ready = append(ready, evt.Payload.(events.FeaturesReadyPayload).Feature)
		return nil
	})

	svc := NewService(DefaultConfig(), candleRepo, featureRepo, bus, audit.NewWriter(auditRepo, bus))
	last := history[len(history)-1]
	require.NoError(t, svc.OnCandleClosed(ctx, last))

	require.Len(t, ready, 1)
	assert.Equal(t, last.CloseTime, ready[0].CloseTime)

	stored, err := featureRepo.ListRecent(ctx, "BTCUSDT", "5m", last.CloseTime, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	auditEvents := auditRepo.Events()
	require.Len(t, auditEvents, 1)
	assert.Equal(t, "features.compute", auditEvents[0].Step)
	assert.Equal(t, domain.HashObject(ready[0]), auditEvents[0].OutputsHash)
}

func TestOnCandleClosed_SilentSkipWithoutHistory(t *testing.T) {
	ctx := context.Background()
	candleRepo := memory.NewCandleRepo()
	bus := events.NewBus(events.Direct)
	svc := NewService(DefaultConfig(), candleRepo, memory.NewFeatureRepo(), bus, audit.NewWriter(memory.NewAuditRepo(), bus))

	err := svc.OnCandleClosed(ctx, domain.Candle{Symbol: "BTCUSDT", Timeframe: "5m", CloseTime: 60_000})
	assert.NoError(t, err)
}
