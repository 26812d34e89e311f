package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"kraken-trading-bot/internal/kraken"
)

func candlesFrom(ohlc [][4]float64) []kraken.Candle {
	out := make([]kraken.Candle, len(ohlc))
	for i, row := range ohlc {
		out[i] = kraken.Candle{Open: row[0], High: row[1], Low: row[2], Close: row[3]}
	}
	return out
}

func TestSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}

	assert.Equal(t, 4.0, SMA(values, 3))
	assert.Equal(t, 3.0, SMA(values, 5))
	assert.Equal(t, 0.0, SMA(values, 6), "insufficient data returns zero")
	assert.Equal(t, 0.0, SMA(values, 0))
}

func TestEMAConvergesTowardRecent(t *testing.T) {
	flat := []float64{10, 10, 10, 10, 10, 10}
	assert.InDelta(t, 10.0, EMA(flat, 3), 1e-9)

	rising := []float64{10, 10, 10, 20, 20, 20}
	ema := EMA(rising, 3)
	assert.Greater(t, ema, SMA(rising, 6), "EMA weights recent values more than a full-window SMA")
	assert.Less(t, ema, 20.0)
}

func TestRSI(t *testing.T) {
	// Monotonic rise has no losses
	rising := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	assert.Equal(t, 100.0, RSI(rising, 14))

	falling := []float64{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
	assert.InDelta(t, 0.0, RSI(falling, 14), 1e-9)

	assert.Equal(t, 50.0, RSI([]float64{1, 2}, 14), "insufficient data is neutral")

	alternating := []float64{10, 11, 10, 11, 10, 11, 10, 11, 10, 11, 10, 11, 10, 11, 10, 11}
	rsi := RSI(alternating, 14)
	assert.Greater(t, rsi, 30.0)
	assert.Less(t, rsi, 70.0)
}

func TestATR(t *testing.T) {
	// Constant 2-point bar range, no gaps
	var rows [][4]float64
	for i := 0; i < 20; i++ {
		rows = append(rows, [4]float64{100, 101, 99, 100})
	}
	candles := candlesFrom(rows)

	assert.InDelta(t, 2.0, ATR(candles, 14), 1e-9)
	assert.Equal(t, 0.0, ATR(candles[:5], 14), "insufficient data returns zero")
}

func TestATRPicksUpGaps(t *testing.T) {
	var rows [][4]float64
	for i := 0; i < 15; i++ {
		rows = append(rows, [4]float64{100, 101, 99, 100})
	}
	// Gap up: true range measured from the prior close
	rows = append(rows, [4]float64{110, 111, 109, 110})
	candles := candlesFrom(rows)

	assert.Greater(t, ATR(candles, 14), 2.0)
}

func TestADXTrendingVsFlat(t *testing.T) {
	var trending [][4]float64
	price := 100.0
	for i := 0; i < 60; i++ {
		trending = append(trending, [4]float64{price, price + 1.5, price - 0.5, price + 1})
		price += 1
	}

	var flat [][4]float64
	for i := 0; i < 60; i++ {
		base := 100.0
		if i%2 == 0 {
			base = 100.5
		}
		flat = append(flat, [4]float64{base, base + 1, base - 1, base})
	}

	adxTrend := ADX(candlesFrom(trending), 14)
	adxFlat := ADX(candlesFrom(flat), 14)

	assert.Greater(t, adxTrend, 25.0, "steady trend should read as directional")
	assert.Greater(t, adxTrend, adxFlat)
}

func TestBollinger(t *testing.T) {
	flat := make([]float64, 25)
	for i := range flat {
		flat[i] = 50
	}
	upper, middle, lower := Bollinger(flat, 20, 2)
	assert.Equal(t, 50.0, middle)
	assert.Equal(t, 50.0, upper, "zero variance collapses the bands")
	assert.Equal(t, 50.0, lower)

	varied := []float64{48, 52, 47, 53, 49, 51, 48, 52, 47, 53, 49, 51, 48, 52, 47, 53, 49, 51, 48, 52}
	upper, middle, lower = Bollinger(varied, 20, 2)
	assert.Greater(t, upper, middle)
	assert.Less(t, lower, middle)
	assert.Greater(t, BandWidth(varied, 20, 2), 0.0)
}

func TestPeaksAndTroughs(t *testing.T) {
	values := []float64{1, 3, 2, 5, 4, 3, 6, 2, 1}

	assert.Equal(t, []int{3, 6}, Peaks(values, 2))
	assert.Equal(t, []int{3, 6}, Troughs([]float64{5, 2, 4, 1, 3, 4, 0, 2, 5}, 2))

	// A wider window demands dominance over more neighbors
	assert.Equal(t, []int{4}, Peaks([]float64{1, 2, 3, 4, 9, 4, 3, 2, 1}, 4))
}

func TestPeaksIgnorePlateausAndEdges(t *testing.T) {
	// Equal neighbors are not strict maxima
	assert.Empty(t, Peaks([]float64{1, 2, 2, 2, 1}, 1))

	// The endpoints never have a full window
	assert.Equal(t, []int{1}, Peaks([]float64{1, 5, 1}, 1))
	assert.Empty(t, Peaks([]float64{5, 1, 2}, 1))
}

func TestPeaksInsufficientData(t *testing.T) {
	assert.Empty(t, Peaks([]float64{1, 2}, 2), "fewer bars than one full window")
	assert.Empty(t, Peaks(nil, 3))
	assert.Empty(t, Peaks([]float64{1, 2, 3}, 0), "window width must be positive")
	assert.Empty(t, Troughs([]float64{1, 2}, 2))
}

func TestRangeHighLow(t *testing.T) {
	candles := candlesFrom([][4]float64{
		{100, 105, 95, 100},
		{100, 110, 98, 108},
		{108, 109, 101, 102},
	})

	high, low := RangeHighLow(candles, 3)
	assert.Equal(t, 110.0, high)
	assert.Equal(t, 95.0, low)

	high, low = RangeHighLow(candles, 2)
	assert.Equal(t, 110.0, high)
	assert.Equal(t, 98.0, low)
}
