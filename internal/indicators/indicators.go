package indicators

import (
	"math"

	"kraken-trading-bot/internal/kraken"
)

// Closes extracts close prices from candles, oldest first
func Closes(candles []kraken.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// SMA calculates the simple moving average over the last period values.
// Returns 0 when there is not enough data.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// EMA calculates the exponential moving average, seeded with the SMA of the
// first period values
func EMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	multiplier := 2.0 / float64(period+1)
	ema := SMA(values[:period], period)
	for _, v := range values[period:] {
		ema = (v-ema)*multiplier + ema
	}
	return ema
}

// RSI calculates the Relative Strength Index using Wilder's smoothing.
// Returns 50 (neutral) when there is not enough data.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 50
	}

	var gains, losses float64
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// trueRange returns the true range of candle i
func trueRange(candles []kraken.Candle, i int) float64 {
	if i == 0 {
		return candles[0].High - candles[0].Low
	}
	prevClose := candles[i-1].Close
	return math.Max(candles[i].High-candles[i].Low,
		math.Max(math.Abs(candles[i].High-prevClose), math.Abs(candles[i].Low-prevClose)))
}

// ATR calculates the Average True Range using Wilder's smoothing
func ATR(candles []kraken.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}

	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += trueRange(candles, i)
	}
	atr /= float64(period)

	for i := period + 1; i < len(candles); i++ {
		atr = (atr*float64(period-1) + trueRange(candles, i)) / float64(period)
	}
	return atr
}

// ADX calculates the Average Directional Index over the given period.
// Values above ~25 indicate a trending market.
func ADX(candles []kraken.Candle, period int) float64 {
	if period <= 0 || len(candles) < 2*period+1 {
		return 0
	}

	var smoothTR, smoothPlusDM, smoothMinusDM float64
	for i := 1; i <= period; i++ {
		plusDM, minusDM := directionalMovement(candles, i)
		smoothTR += trueRange(candles, i)
		smoothPlusDM += plusDM
		smoothMinusDM += minusDM
	}

	var dxSum float64
	dxCount := 0
	adx := 0.0

	for i := period + 1; i < len(candles); i++ {
		plusDM, minusDM := directionalMovement(candles, i)
		smoothTR = smoothTR - smoothTR/float64(period) + trueRange(candles, i)
		smoothPlusDM = smoothPlusDM - smoothPlusDM/float64(period) + plusDM
		smoothMinusDM = smoothMinusDM - smoothMinusDM/float64(period) + minusDM

		if smoothTR == 0 {
			continue
		}
		plusDI := 100 * smoothPlusDM / smoothTR
		minusDI := 100 * smoothMinusDM / smoothTR
		diSum := plusDI + minusDI
		if diSum == 0 {
			continue
		}
		dx := 100 * math.Abs(plusDI-minusDI) / diSum

		dxCount++
		if dxCount < period {
			dxSum += dx
		} else if dxCount == period {
			dxSum += dx
			adx = dxSum / float64(period)
		} else {
			adx = (adx*float64(period-1) + dx) / float64(period)
		}
	}
	return adx
}

func directionalMovement(candles []kraken.Candle, i int) (plusDM, minusDM float64) {
	upMove := candles[i].High - candles[i-1].High
	downMove := candles[i-1].Low - candles[i].Low
	if upMove > downMove && upMove > 0 {
		plusDM = upMove
	}
	if downMove > upMove && downMove > 0 {
		minusDM = downMove
	}
	return
}

// Bollinger calculates Bollinger Bands: middle SMA with bands at stdDev
// standard deviations
func Bollinger(values []float64, period int, stdDev float64) (upper, middle, lower float64) {
	if period <= 0 || len(values) < period {
		return 0, 0, 0
	}
	middle = SMA(values, period)

	variance := 0.0
	for _, v := range values[len(values)-period:] {
		d := v - middle
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))

	return middle + stdDev*sd, middle, middle - stdDev*sd
}

// BandWidth returns the Bollinger band width as a fraction of the middle
// band. Used as a volatility compression measure.
func BandWidth(values []float64, period int, stdDev float64) float64 {
	upper, middle, lower := Bollinger(values, period, stdDev)
	if middle == 0 {
		return 0
	}
	return (upper - lower) / middle
}

// Peaks returns the indices of local maxima: bars strictly higher than
// every bar within window positions on both sides. Bars without a full
// window on either side are never peaks.
func Peaks(values []float64, window int) []int {
	return extremes(values, window, func(candidate, neighbor float64) bool {
		return candidate > neighbor
	})
}

// Troughs returns the indices of local minima under the same symmetric
// window rule as Peaks
func Troughs(values []float64, window int) []int {
	return extremes(values, window, func(candidate, neighbor float64) bool {
		return candidate < neighbor
	})
}

func extremes(values []float64, window int, beats func(candidate, neighbor float64) bool) []int {
	if window <= 0 || len(values) < 2*window+1 {
		return nil
	}
	var out []int
	for i := window; i < len(values)-window; i++ {
		isExtreme := true
		for j := i - window; j <= i+window; j++ {
			if j != i && !beats(values[i], values[j]) {
				isExtreme = false
				break
			}
		}
		if isExtreme {
			out = append(out, i)
		}
	}
	return out
}

// RangeHighLow returns the highest high and lowest low over the last period
// candles
func RangeHighLow(candles []kraken.Candle, period int) (high, low float64) {
	if len(candles) == 0 || period <= 0 {
		return 0, 0
	}
	start := len(candles) - period
	if start < 0 {
		start = 0
	}
	high = candles[start].High
	low = candles[start].Low
	for _, c := range candles[start+1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	return high, low
}
