package exchange

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regimebot/regimebot/internal/domain"
)

func TestKlineRow_TupleShape(t *testing.T) {
	raw := `[1700000000000, "100.5", 101.0, "99.5", "100.0", 12.5, 1700000060000]`

	var row KlineRow
	require.NoError(t, json.Unmarshal([]byte(raw), &row))

	assert.Equal(t, int64(1700000000000), row.OpenTime)
	assert.Equal(t, 100.5, row.Open)
	assert.Equal(t, 101.0, row.High)
	assert.Equal(t, 99.5, row.Low)
	assert.Equal(t, 100.0, row.Close)
	assert.Equal(t, 12.5, row.Volume)
	assert.Equal(t, int64(1700000060000), row.CloseTime)
}

func TestKlineRow_ObjectShape(t *testing.T) {
	raw := `{"openTime":1700000000000,"open":"100.5","high":"101","low":99.5,"close":100,"volume":"12.5","closeTime":1700000060000}`

	var row KlineRow
	require.NoError(t, json.Unmarshal([]byte(raw), &row))

	assert.Equal(t, 100.5, row.Open)
	assert.Equal(t, 101.0, row.High)
	assert.Equal(t, int64(1700000060000), row.CloseTime)
}

func TestKlineRow_ShortTupleRejected(t *testing.T) {
	var row KlineRow
	assert.Error(t, json.Unmarshal([]byte(`[1,2,3]`), &row))
}

func TestKlineRow_Candle(t *testing.T) {
	row := KlineRow{OpenTime: 1, Open: 10, High: 12, Low: 9, Close: 11, Volume: 5, CloseTime: 60000}
	candle := row.Candle("BTCUSDT", "1m")

	assert.Equal(t, "BTCUSDT", candle.Symbol)
	assert.Equal(t, "1m", candle.Timeframe)
	assert.Equal(t, int64(60000), candle.CloseTime)
	require.NoError(t, candle.Validate())
}

func TestCanonicalQuery_Sorted(t *testing.T) {
	params := url.Values{}
	params.Set("symbol", "BTCUSDT")
	params.Set("clientOrderId", "exec-abc")
	params.Set("limit", "10")

	assert.Equal(t, "clientOrderId=exec-abc&limit=10&symbol=BTCUSDT", canonicalQuery(params))
}

func TestPaperClient_LimitLifecycle(t *testing.T) {
	paper := NewPaperClient()
	paper.FillLimits = false
	ctx := context.Background()

	placed, err := paper.PlaceLimit(ctx, "BTCUSDT", domain.SideLong, 100, 1, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, placed.Status)

	// Placing again with the same client order id is idempotent.
	again, err := paper.PlaceLimit(ctx, "BTCUSDT", domain.SideLong, 100, 1, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, placed, again)

	require.NoError(t, paper.CancelOrder(ctx, "BTCUSDT", "exec-1"))
	got, err := paper.GetOrder(ctx, "BTCUSDT", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, got.Status)
}

func TestPaperClient_MarketFillsAtMark(t *testing.T) {
	paper := NewPaperClient()
	paper.SetMark("ETHUSDT", 2000)

	result, err := paper.PlaceMarket(context.Background(), "ETHUSDT", domain.SideShort, 2, "exec-2-mkt")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, result.Status)
	assert.Equal(t, 2000.0, result.AvgFillPrice)
}
