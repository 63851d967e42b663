package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/events"
	"github.com/regimebot/regimebot/internal/persistence/memory"
)

func TestMetrics_CountsBusEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	bus := events.NewBus(events.Direct)
	m.Attach(bus)

	bus.Publish(events.CandleClosed, events.CandleClosedPayload{
		Candle: domain.Candle{Symbol: "BTCUSDT", Timeframe: "1m"},
	})
	bus.Publish(events.SignalGenerated, events.SignalGeneratedPayload{
		Plan: domain.TradePlan{Engine: domain.EngineBreakout, Side: domain.SideLong},
	})
	bus.Publish(events.RiskRejected, events.RiskRejectedPayload{Reason: "symbol cooldown active"})
	bus.Publish(events.OrderFilled, events.OrderPayload{})
	bus.Publish(events.PositionClosed, events.PositionClosedPayload{PositionID: "p1", RealizedR: 1.1})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CandlesIngested.WithLabelValues("BTCUSDT", "1m")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Signals.WithLabelValues("Breakout", "Long")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RiskRejected.WithLabelValues("symbol cooldown active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Orders.WithLabelValues("filled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PositionsClosed))
}

func TestMetrics_HistogramObservesRealizedR(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	bus := events.NewBus(events.Direct)
	m.Attach(bus)

	bus.Publish(events.PositionClosed, events.PositionClosedPayload{PositionID: "p1", RealizedR: 0.7})
	bus.Publish(events.PositionClosed, events.PositionClosedPayload{PositionID: "p2", RealizedR: -0.4})

	families, err := reg.Gather()
	require.NoError(t, err)

	var hist *dto.Histogram
	for _, family := range families {
		if family.GetName() == "regimebot_position_realized_r" {
			hist = family.GetMetric()[0].GetHistogram()
		}
	}
	require.NotNil(t, hist)
	assert.Equal(t, uint64(2), hist.GetSampleCount())
	assert.InDelta(t, 0.3, hist.GetSampleSum(), 1e-9)
}

func TestDailyAggregator_AccumulatesAndFlushes(t *testing.T) {
	repo := memory.NewDailyMetricsRepo()
	agg := NewDailyAggregator(repo)
	agg.SetNowFunc(func() time.Time {
		return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	})
	bus := events.NewBus(events.Direct)
	agg.Attach(bus)

	bus.Publish(events.SignalGenerated, events.SignalGeneratedPayload{})
	bus.Publish(events.SignalGenerated, events.SignalGeneratedPayload{})
	bus.Publish(events.RiskApproved, events.RiskApprovedPayload{})
	bus.Publish(events.RiskRejected, events.RiskRejectedPayload{Reason: "x"})
	bus.Publish(events.OrderFilled, events.OrderPayload{})
	bus.Publish(events.PositionClosed, events.PositionClosedPayload{PositionID: "p1", RealizedR: 0.8})

	require.NoError(t, agg.Flush(context.Background()))

	row, err := repo.Get(context.Background(), "2026-03-14")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(2), row.Signals)
	assert.Equal(t, int64(1), row.Approvals)
	assert.Equal(t, int64(1), row.Rejections)
	assert.Equal(t, int64(1), row.Fills)
	assert.Equal(t, int64(1), row.Closes)
	assert.InDelta(t, 0.8, row.RealizedRSum, 1e-9)
}
