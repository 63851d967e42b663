package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashObject_KeyOrderInvariant(t *testing.T) {
	a := map[string]interface{}{
		"x": 1,
		"y": map[string]interface{}{"a": 2, "b": 3},
	}
	b := map[string]interface{}{
		"y": map[string]interface{}{"b": 3, "a": 2},
		"x": 1,
	}

	assert.Equal(t, HashObject(a), HashObject(b))
}

func TestHashObject_ArrayOrderPreserved(t *testing.T) {
	a := map[string]interface{}{"v": []interface{}{1, 2, 3}}
	b := map[string]interface{}{"v": []interface{}{3, 2, 1}}

	assert.NotEqual(t, HashObject(a), HashObject(b))
}

func TestHashObject_StructMatchesEquivalentMap(t *testing.T) {
	plan := TradePlan{
		Symbol:     "BTCUSDT",
		Side:       SideLong,
		Engine:     EngineBreakout,
		EntryPrice: 100,
		ExpiresAt:  1700000000000,
	}
	h1 := HashObject(plan)
	h2 := HashObject(plan)
	require.NotEmpty(t, h1)
	assert.Equal(t, h1, h2)

	other := plan
	other.EntryPrice = 101
	assert.NotEqual(t, h1, HashObject(other))
}

func TestHashObject_NumericScalars(t *testing.T) {
	// Integral floats hash like integers so JSON round-trips are stable.
	assert.Equal(t, HashObject(map[string]interface{}{"n": 5}),
		HashObject(map[string]interface{}{"n": 5.0}))
}

func TestEngineForRegime(t *testing.T) {
	cases := []struct {
		regime    Regime
		defensive bool
		want      Engine
	}{
		{RegimeCompression, false, EngineBreakout},
		{RegimeTrend, false, EngineContinuation},
		{RegimeRange, false, EngineReversal},
		{RegimeExpansionChaos, false, EngineDefensive},
		{RegimeTrend, true, EngineDefensive},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, EngineForRegime(tc.regime, tc.defensive))
	}
}

func TestCandleValidate(t *testing.T) {
	good := Candle{Symbol: "BTCUSDT", Timeframe: "1m", Open: 10, High: 12, Low: 9, Close: 11, Volume: 1}
	require.NoError(t, good.Validate())

	bad := good
	bad.Low = 11.5
	assert.Error(t, bad.Validate())

	negVol := good
	negVol.Volume = -1
	assert.Error(t, negVol.Validate())
}
