// Package indicators contains the pure numeric routines the feature service
// and regime engine are built on. Every function is deterministic and
// allocation-light; none of them blocks.
package indicators

import (
	"math"
	"sort"
)

// Epsilon guards every divisor in the pipeline.
const Epsilon = 1e-8

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SafeDiv divides a by max(b, Epsilon).
func SafeDiv(a, b float64) float64 {
	return a / math.Max(b, Epsilon)
}

// LogReturns computes ln(c_t / c_{t-1}) over the close series. Pairs with a
// non-positive numerator or denominator are skipped.
func LogReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		prev, cur := closes[i-1], closes[i]
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	return returns
}

// EMASeries computes the exponential moving average with smoothing
// k = 2/(period+1), seeded by the simple average of the first period values.
// The returned series is aligned to values[period-1:]; it is nil when the
// input is shorter than period.
func EMASeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	k := 2.0 / float64(period+1)
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)

	out := make([]float64, 0, len(values)-period+1)
	out = append(out, seed)
	ema := seed
	for _, v := range values[period:] {
		ema = v*k + ema*(1-k)
		out = append(out, ema)
	}
	return out
}

// EMA returns the latest EMA value, or 0 when there is not enough history.
func EMA(values []float64, period int) float64 {
	series := EMASeries(values, period)
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// EMASlope returns the fractional slope between the latest EMA value and the
// one lag steps earlier: (ema_t - ema_{t-lag}) / max(eps, ema_{t-lag}).
func EMASlope(series []float64, lag int) float64 {
	if lag <= 0 || len(series) <= lag {
		return 0
	}
	latest := series[len(series)-1]
	prior := series[len(series)-1-lag]
	return SafeDiv(latest-prior, prior)
}

// TrueRanges computes the true range series over aligned high/low/close bars:
// max(high-low, |high-prevClose|, |low-prevClose|). The first bar uses
// high-low. Slices must be equal length.
func TrueRanges(highs, lows, closes []float64) []float64 {
	n := len(closes)
	if n == 0 || len(highs) != n || len(lows) != n {
		return nil
	}
	trs := make([]float64, n)
	trs[0] = highs[0] - lows[0]
	for i := 1; i < n; i++ {
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		trs[i] = math.Max(hl, math.Max(hc, lc))
	}
	return trs
}

// ATR is the simple mean of the last period true ranges. Returns 0 when there
// is not enough history.
func ATR(highs, lows, closes []float64, period int) float64 {
	trs := TrueRanges(highs, lows, closes)
	if period <= 0 || len(trs) < period {
		return 0
	}
	sum := 0.0
	for _, tr := range trs[len(trs)-period:] {
		sum += tr
	}
	return sum / float64(period)
}

// EWMASigmaSeries runs the exponentially weighted variance recursion
// sigma2_t = lambda*sigma2_{t-1} + (1-lambda)*r_t^2 over the return series,
// initialized at r_1^2, and returns the sigma (sqrt of variance) at each step.
func EWMASigmaSeries(returns []float64, lambda float64) []float64 {
	if len(returns) == 0 {
		return nil
	}
	sigmas := make([]float64, len(returns))
	variance := returns[0] * returns[0]
	sigmas[0] = math.Sqrt(math.Max(0, variance))
	for i := 1; i < len(returns); i++ {
		variance = lambda*variance + (1-lambda)*returns[i]*returns[i]
		sigmas[i] = math.Sqrt(math.Max(0, variance))
	}
	return sigmas
}

// SigmaNorm is the latest sigma divided by the median of the trailing window
// sigma values (the latest included).
func SigmaNorm(sigmas []float64, window int) float64 {
	if len(sigmas) == 0 {
		return 0
	}
	latest := sigmas[len(sigmas)-1]
	tail := sigmas
	if window > 0 && len(sigmas) > window {
		tail = sigmas[len(sigmas)-window:]
	}
	return SafeDiv(latest, Median(tail))
}

// BollingerWidthPct computes ((upper-lower)/max(eps, mean))*100 for a
// period-bar band at stdDevs standard deviations, over the trailing window of
// closes.
func BollingerWidthPct(closes []float64, period int, stdDevs float64) float64 {
	if period <= 0 || len(closes) < period {
		return 0
	}
	tail := closes[len(closes)-period:]
	mean := 0.0
	for _, v := range tail {
		mean += v
	}
	mean /= float64(period)

	variance := 0.0
	for _, v := range tail {
		d := v - mean
		variance += d * d
	}
	variance /= float64(period)
	sd := math.Sqrt(variance)

	width := 2 * stdDevs * sd // upper - lower
	return SafeDiv(width, mean) * 100
}

// BollingerWidthSeries computes the rolling band width percentage at each bar
// where a full period window exists.
func BollingerWidthSeries(closes []float64, period int, stdDevs float64) []float64 {
	if period <= 0 || len(closes) < period {
		return nil
	}
	out := make([]float64, 0, len(closes)-period+1)
	for i := period; i <= len(closes); i++ {
		out = append(out, BollingerWidthPct(closes[:i], period, stdDevs))
	}
	return out
}

// PercentileRank returns (count of sample values <= v) / len(sample) * 100.
// Ties are counted inclusively. Returns 0 for an empty sample.
func PercentileRank(sample []float64, v float64) float64 {
	if len(sample) == 0 {
		return 0
	}
	sorted := make([]float64, len(sample))
	copy(sorted, sample)
	sort.Float64s(sorted)

	count := sort.SearchFloat64s(sorted, v)
	for count < len(sorted) && sorted[count] <= v {
		count++
	}
	return float64(count) / float64(len(sorted)) * 100
}

// Median returns the middle value of the sample (mean of the two middle
// values for even lengths). Returns 0 for an empty sample.
func Median(sample []float64) float64 {
	if len(sample) == 0 {
		return 0
	}
	sorted := make([]float64, len(sample))
	copy(sorted, sample)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
