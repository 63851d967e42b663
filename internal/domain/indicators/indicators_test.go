package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogReturns(t *testing.T) {
	closes := []float64{100, 110, 99, 99}
	returns := LogReturns(closes)
	require.Len(t, returns, 3)
	assert.InDelta(t, math.Log(1.1), returns[0], 1e-12)
	assert.InDelta(t, math.Log(99.0/110.0), returns[1], 1e-12)
	assert.InDelta(t, 0, returns[2], 1e-12)
}

func TestLogReturns_SkipsNonPositive(t *testing.T) {
	returns := LogReturns([]float64{100, 0, 100, 105})
	// 100->0 and 0->100 are unusable, only 100->105 survives.
	require.Len(t, returns, 1)
	assert.InDelta(t, math.Log(1.05), returns[0], 1e-12)
}

func TestEMASeries_SeededFromSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	series := EMASeries(values, 3)
	require.Len(t, series, 3)
	// Seed is SMA(1,2,3)=2, then k=0.5 recurrence.
	assert.InDelta(t, 2.0, series[0], 1e-12)
	assert.InDelta(t, 3.0, series[1], 1e-12) // 4*0.5 + 2*0.5
	assert.InDelta(t, 4.0, series[2], 1e-12) // 5*0.5 + 3*0.5

	assert.Nil(t, EMASeries([]float64{1, 2}, 3))
}

func TestEMASlope(t *testing.T) {
	series := []float64{100, 100, 100, 100, 100, 110}
	assert.InDelta(t, 0.1, EMASlope(series, 5), 1e-12)
	assert.Zero(t, EMASlope(series, 10))
}

func TestATR_SimpleMeanOfTrueRanges(t *testing.T) {
	highs := []float64{11, 12, 13}
	lows := []float64{9, 10, 11}
	closes := []float64{10, 11, 12}
	// TRs: 2, max(2,|12-10|,|10-10|)=2, max(2,|13-11|,|11-11|)=2
	assert.InDelta(t, 2.0, ATR(highs, lows, closes, 3), 1e-12)
	assert.Zero(t, ATR(highs, lows, closes, 4))
}

func TestEWMASigmaSeries(t *testing.T) {
	returns := []float64{0.02, -0.01}
	sigmas := EWMASigmaSeries(returns, 0.94)
	require.Len(t, sigmas, 2)
	assert.InDelta(t, 0.02, sigmas[0], 1e-12)
	wantVar := 0.94*0.0004 + 0.06*0.0001
	assert.InDelta(t, math.Sqrt(wantVar), sigmas[1], 1e-12)
	for _, s := range sigmas {
		assert.GreaterOrEqual(t, s, 0.0)
	}
}

func TestSigmaNorm(t *testing.T) {
	sigmas := []float64{1, 2, 3, 4, 10}
	// Window 5: median is 3, latest 10.
	assert.InDelta(t, 10.0/3.0, SigmaNorm(sigmas, 5), 1e-12)
	// Window 2: median of {4,10} is 7.
	assert.InDelta(t, 10.0/7.0, SigmaNorm(sigmas, 2), 1e-12)
}

func TestBollingerWidthPct(t *testing.T) {
	// Constant closes have zero deviation, hence zero width.
	flat := make([]float64, 20)
	for i := range flat {
		flat[i] = 100
	}
	assert.Zero(t, BollingerWidthPct(flat, 20, 2))

	series := BollingerWidthSeries(append(flat, 100, 100), 20, 2)
	require.Len(t, series, 3)
}

func TestPercentileRank_InclusiveTies(t *testing.T) {
	sample := []float64{1, 2, 2, 3, 4}
	assert.InDelta(t, 60.0, PercentileRank(sample, 2), 1e-12)
	assert.InDelta(t, 100.0, PercentileRank(sample, 4), 1e-12)
	assert.InDelta(t, 0.0, PercentileRank(sample, 0.5), 1e-12)
	assert.Zero(t, PercentileRank(nil, 1))
}

func TestPercentileRank_Bounds(t *testing.T) {
	sample := []float64{5, 1, 9, 3, 7, 2}
	for _, v := range []float64{-100, 0, 3, 9, 100} {
		p := PercentileRank(sample, v)
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 100.0)
	}
}

func TestMedian(t *testing.T) {
	assert.InDelta(t, 3.0, Median([]float64{5, 1, 3}), 1e-12)
	assert.InDelta(t, 2.5, Median([]float64{4, 1, 2, 3}), 1e-12)
	assert.Zero(t, Median(nil))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 2.0, Clamp(1, 2, 5))
	assert.Equal(t, 5.0, Clamp(9, 2, 5))
	assert.Equal(t, 3.0, Clamp(3, 2, 5))
}
