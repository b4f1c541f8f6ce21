package indicators

import "math"

// Pure functions over closed-bar sequences. Every function returns its value
// plus an ok flag; ok is false when the input is too short to seed the
// calculation. Inputs are never mutated.

// EMASeries computes the full EMA series. Entries before the seed index are
// NaN; the seed at index period-1 is the SMA of the first period values.
func EMASeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if period <= 0 || len(values) < period {
		return out
	}

	k := 2.0 / float64(period+1)
	sum := 0.0
	for _, v := range values[:period] {
		sum += v
	}
	out[period-1] = sum / float64(period)

	for i := period; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// EMA returns the most recent EMA value
func EMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	series := EMASeries(values, period)
	return series[len(series)-1], true
}

// TrueRanges computes the true-range series. The first bar has no previous
// close, so its true range is high-low.
func TrueRanges(highs, lows, closes []float64) []float64 {
	n := len(highs)
	if len(lows) < n {
		n = len(lows)
	}
	if len(closes) < n {
		n = len(closes)
	}

	trs := make([]float64, n)
	for i := 0; i < n; i++ {
		hl := highs[i] - lows[i]
		if i == 0 {
			trs[i] = hl
			continue
		}
		trs[i] = math.Max(hl, math.Max(
			math.Abs(highs[i]-closes[i-1]),
			math.Abs(lows[i]-closes[i-1]),
		))
	}
	return trs
}

// rmaSeries is Wilder smoothing (alpha = 1/period) seeded by the SMA of the
// first period values. Entries before the seed are NaN.
func rmaSeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if period <= 0 || len(values) < period {
		return out
	}

	sum := 0.0
	for _, v := range values[:period] {
		sum += v
	}
	out[period-1] = sum / float64(period)

	alpha := 1.0 / float64(period)
	for i := period; i < len(values); i++ {
		out[i] = out[i-1] + alpha*(values[i]-out[i-1])
	}
	return out
}

// ATRSeries computes the Wilder-smoothed ATR series
func ATRSeries(highs, lows, closes []float64, period int) []float64 {
	return rmaSeries(TrueRanges(highs, lows, closes), period)
}

// ATR returns the most recent Wilder ATR value
func ATR(highs, lows, closes []float64, period int) (float64, bool) {
	series := ATRSeries(highs, lows, closes, period)
	if len(series) == 0 {
		return 0, false
	}
	last := series[len(series)-1]
	if math.IsNaN(last) {
		return 0, false
	}
	return last, true
}

// RSI returns the Wilder RSI of the most recent value. When the average loss
// is zero the RSI is 100 by convention.
func RSI(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period+1 {
		return 0, false
	}

	gains := make([]float64, len(values)-1)
	losses := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		diff := values[i] - values[i-1]
		if diff > 0 {
			gains[i-1] = diff
		} else {
			losses[i-1] = -diff
		}
	}

	avgGain := rmaSeries(gains, period)
	avgLoss := rmaSeries(losses, period)
	g := avgGain[len(avgGain)-1]
	l := avgLoss[len(avgLoss)-1]
	if math.IsNaN(g) || math.IsNaN(l) {
		return 0, false
	}
	if l == 0 {
		return 100, true
	}

	rs := g / l
	return 100 - 100/(1+rs), true
}

// SMA returns the simple moving average of the last period values
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// BollWidth returns the Bollinger band width, 4 standard deviations divided
// by the SMA, over the last period values.
func BollWidth(values []float64, period int) (float64, bool) {
	sma, ok := SMA(values, period)
	if !ok || sma == 0 {
		return 0, false
	}

	window := values[len(values)-period:]
	sumSq := 0.0
	for _, v := range window {
		d := v - sma
		sumSq += d * d
	}
	sigma := math.Sqrt(sumSq / float64(period))
	return 4 * sigma / sma, true
}

// ATRRatio returns the current ATR divided by the SMA of the ATR series over
// the last window entries.
func ATRRatio(highs, lows, closes []float64, period, window int) (float64, bool) {
	series := ATRSeries(highs, lows, closes, period)

	valid := series[:0:0]
	for _, v := range series {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) < window {
		return 0, false
	}

	avg, ok := SMA(valid, window)
	if !ok || avg == 0 {
		return 0, false
	}
	return valid[len(valid)-1] / avg, true
}

// EMASlope returns the EMA slope over lag bars, normalized by ATR:
// (EMA[last] - EMA[last-lag]) / (lag * atr).
func EMASlope(values []float64, period, lag int, atr float64) (float64, bool) {
	if lag <= 0 || atr == 0 {
		return 0, false
	}
	series := EMASeries(values, period)
	if len(series) < lag+1 {
		return 0, false
	}
	last := series[len(series)-1]
	prev := series[len(series)-1-lag]
	if math.IsNaN(last) || math.IsNaN(prev) {
		return 0, false
	}
	return (last - prev) / (float64(lag) * atr), true
}

// HighestHigh returns the maximum of the last n entries
func HighestHigh(highs []float64, n int) (float64, bool) {
	if n <= 0 || len(highs) < n {
		return 0, false
	}
	m := highs[len(highs)-n]
	for _, v := range highs[len(highs)-n:] {
		if v > m {
			m = v
		}
	}
	return m, true
}

// LowestLow returns the minimum of the last n entries
func LowestLow(lows []float64, n int) (float64, bool) {
	if n <= 0 || len(lows) < n {
		return 0, false
	}
	m := lows[len(lows)-n]
	for _, v := range lows[len(lows)-n:] {
		if v < m {
			m = v
		}
	}
	return m, true
}
