package market

import "math"

// RSISeries calculates Wilder's Relative Strength Index for every row.
// The first `period` rows are NaN; the first value is seeded with the simple
// average of the first `period` changes and then smoothed.
func RSISeries(closes []float64, period int) []float64 {
	out := nanSeries(len(closes))
	if period <= 0 || len(closes) <= period {
		return out
	}

	avgGain := 0.0
	avgLoss := 0.0
	for i := 1; i <= period; i++ {
		gain, loss := splitChange(closes[i] - closes[i-1])
		avgGain += gain
		avgLoss += loss
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		gain, loss := splitChange(closes[i] - closes[i-1])
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func splitChange(diff float64) (gain, loss float64) {
	if diff >= 0 {
		return diff, 0
	}
	return 0, -diff
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if math.IsNaN(avgGain) || math.IsNaN(avgLoss) {
		return math.NaN()
	}
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// EMASeries calculates an exponential moving average seeded with the simple
// average of the first `period` defined values. Leading NaN values are skipped.
func EMASeries(data []float64, period int) []float64 {
	ema := nanSeries(len(data))
	if period <= 0 {
		return ema
	}

	start := 0
	for start < len(data) && math.IsNaN(data[start]) {
		start++
	}
	seed := start + period - 1
	if seed >= len(data) {
		return ema
	}

	sum := 0.0
	for i := start; i <= seed; i++ {
		sum += data[i]
	}
	ema[seed] = sum / float64(period)

	k := 2.0 / float64(period+1)
	for i := seed + 1; i < len(data); i++ {
		ema[i] = data[i]*k + ema[i-1]*(1-k)
	}
	return ema
}

// MACDSeries calculates the MACD line, its histogram and signal line.
func MACDSeries(closes []float64, fast, slow, signal int) (macd, hist, sig []float64) {
	fastEMA := EMASeries(closes, fast)
	slowEMA := EMASeries(closes, slow)

	macd = make([]float64, len(closes))
	for i := range closes {
		macd[i] = fastEMA[i] - slowEMA[i]
	}
	sig = EMASeries(macd, signal)

	hist = make([]float64, len(closes))
	for i := range closes {
		hist[i] = macd[i] - sig[i]
	}
	return macd, hist, sig
}

// MACDWarmUp is the number of leading rows for which MACDSeries yields NaN in
// at least one output.
func MACDWarmUp(fast, slow, signal int) int {
	longest := fast
	if slow > longest {
		longest = slow
	}
	return longest + signal - 2
}

// ADLSeries accumulates ((close - prev_close) / (high - low)) * volume.
// The per-row term is 0 on the first row, when high == low, and whenever it is
// not a finite number.
func ADLSeries(high, low, closes, volume []float64) []float64 {
	out := make([]float64, len(closes))
	acc := 0.0
	for i := range closes {
		term := 0.0
		if i > 0 && high[i] != low[i] {
			term = (closes[i] - closes[i-1]) / (high[i] - low[i]) * volume[i]
			if math.IsNaN(term) || math.IsInf(term, 0) {
				term = 0
			}
		}
		acc += term
		out[i] = acc
	}
	return out
}

// OBVSeries is the on-balance-volume variant used by the feature pipeline:
// (close rose vs. previous close ? 1 : 0) * cumulative sum of volume deltas,
// with the first delta taken as 0.
// NOTE: this is not the textbook obv[i] = obv[i-1] ± volume[i] recurrence.
func OBVSeries(closes, volume []float64) []float64 {
	out := make([]float64, len(closes))
	cum := 0.0
	for i := range closes {
		delta := 0.0
		if i > 0 {
			delta = volume[i] - volume[i-1]
			if math.IsNaN(delta) {
				delta = 0
			}
		}
		cum += delta
		if i > 0 && closes[i] > closes[i-1] {
			out[i] = cum
		}
	}
	return out
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
