package ingest

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regimebot/regimebot/internal/audit"
	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/events"
	"github.com/regimebot/regimebot/internal/persistence/memory"
)

func newTestService(t *testing.T) (*Service, *memory.CandleRepo, *memory.AuditRepo, *[]events.Event) {
	t.Helper()
	candles := memory.NewCandleRepo()
	auditRepo := memory.NewAuditRepo()
	bus := events.NewBus(events.Direct)

	var published []events.Event
	bus.Subscribe(events.CandleClosed, func(evt events.Event) error {
		published = append(published, evt)
		return nil
	})

	svc := NewService(DefaultConfig(nil), nil, candles, bus, audit.NewWriter(auditRepo, bus))
	svc.SetNowFunc(func() int64 { return 10_000_000 })
	return svc, candles, auditRepo, &published
}

func mkCandle(closeTime int64) domain.Candle {
	return domain.Candle{
		Symbol: "BTCUSDT", Timeframe: "1m", CloseTime: closeTime,
		Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10,
	}
}

func TestProcess_GapAbortsBatch(t *testing.T) {
	svc, candles, auditRepo, published := newTestService(t)
	pair := Pair{Symbol: "BTCUSDT", Timeframe: "1m"}

	// 1m interval with a 3-minute jump between bars.
	batch := []domain.Candle{mkCandle(60_000), mkCandle(240_000)}
	require.NoError(t, svc.Process(context.Background(), pair, batch))

	stored, _ := candles.ListRecent(context.Background(), "BTCUSDT", "1m", 10_000_000, 100)
	assert.Empty(t, stored, "no candles persisted on integrity failure")
	assert.Empty(t, *published)

	auditEvents := auditRepo.Events()
	require.Len(t, auditEvents, 1)
	assert.Equal(t, IntegrityCategory, auditEvents[0].Category)
	assert.Regexp(t, regexp.MustCompile(`Gap detected`), auditEvents[0].Message)
	assert.Equal(t, domain.AuditError, auditEvents[0].Level)
}

func TestProcess_DuplicateCloseTimeFails(t *testing.T) {
	svc, candles, auditRepo, _ := newTestService(t)
	pair := Pair{Symbol: "BTCUSDT", Timeframe: "1m"}

	batch := []domain.Candle{mkCandle(60_000), mkCandle(60_000)}
	require.NoError(t, svc.Process(context.Background(), pair, batch))

	stored, _ := candles.ListRecent(context.Background(), "BTCUSDT", "1m", 10_000_000, 100)
	assert.Empty(t, stored)
	require.Len(t, auditRepo.Events(), 1)
	assert.Regexp(t, `Duplicate candle`, auditRepo.Events()[0].Message)
}

func TestProcess_OutOfOrderFails(t *testing.T) {
	svc, _, auditRepo, _ := newTestService(t)
	pair := Pair{Symbol: "BTCUSDT", Timeframe: "1m"}

	batch := []domain.Candle{mkCandle(120_000), mkCandle(60_000)}
	require.NoError(t, svc.Process(context.Background(), pair, batch))

	require.Len(t, auditRepo.Events(), 1)
	assert.Regexp(t, `Out-of-order`, auditRepo.Events()[0].Message)
}

func TestProcess_PersistsAndPublishesClosedCandles(t *testing.T) {
	svc, candles, _, published := newTestService(t)
	pair := Pair{Symbol: "BTCUSDT", Timeframe: "1m"}

	batch := []domain.Candle{mkCandle(60_000), mkCandle(120_000), mkCandle(180_000)}
	require.NoError(t, svc.Process(context.Background(), pair, batch))

	stored, _ := candles.ListRecent(context.Background(), "BTCUSDT", "1m", 10_000_000, 100)
	assert.Len(t, stored, 3)
	assert.Len(t, *published, 3)
}

func TestProcess_RepollIsNoOp(t *testing.T) {
	svc, _, _, published := newTestService(t)
	pair := Pair{Symbol: "BTCUSDT", Timeframe: "1m"}
	batch := []domain.Candle{mkCandle(60_000), mkCandle(120_000)}

	require.NoError(t, svc.Process(context.Background(), pair, batch))
	require.NoError(t, svc.Process(context.Background(), pair, batch))

	// Already-stored candles emit no second candle.closed.
	assert.Len(t, *published, 2)
}

func TestProcess_UnfinalizedCandleNotPublished(t *testing.T) {
	svc, candles, _, published := newTestService(t)
	svc.SetNowFunc(func() int64 { return 90_000 })
	pair := Pair{Symbol: "BTCUSDT", Timeframe: "1m"}

	batch := []domain.Candle{mkCandle(60_000), mkCandle(120_000)}
	require.NoError(t, svc.Process(context.Background(), pair, batch))

	stored, _ := candles.ListRecent(context.Background(), "BTCUSDT", "1m", 10_000_000, 100)
	assert.Len(t, stored, 2)
	// Only the candle with closeTime <= now is announced.
	require.Len(t, *published, 1)
	payload := (*published)[0].Payload.(events.CandleClosedPayload)
	assert.Equal(t, int64(60_000), payload.Candle.CloseTime)
}
