package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kraken-trading-bot/internal/kraken"
)

// stubExchange counts fetches and serves canned data
type stubExchange struct {
	kraken.Exchange

	candleCalls int
	tickerCalls int
	candles     []kraken.Candle
	candlesByTF map[string][]kraken.Candle
	failNext    bool
}

func (s *stubExchange) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]kraken.Candle, error) {
	s.candleCalls++
	if s.failNext {
		return nil, kraken.NewAPIError(kraken.ErrKindTransient, "stub failure", nil)
	}
	if candles, ok := s.candlesByTF[timeframe]; ok {
		return candles, nil
	}
	return s.candles, nil
}

func (s *stubExchange) FetchTicker(ctx context.Context, symbol string) (*kraken.Ticker, error) {
	s.tickerCalls++
	if s.failNext {
		return nil, kraken.NewAPIError(kraken.ErrKindTransient, "stub failure", nil)
	}
	return &kraken.Ticker{Symbol: symbol, Last: 100}, nil
}

func makeCandles(n int) []kraken.Candle {
	out := make([]kraken.Candle, n)
	for i := range out {
		out[i] = kraken.Candle{OpenTime: int64(i) * 60000, Close: float64(100 + i)}
	}
	return out
}

func makeFallingCandles(n int) []kraken.Candle {
	out := make([]kraken.Candle, n)
	for i := range out {
		out[i] = kraken.Candle{OpenTime: int64(i) * 60000, Close: float64(300 - i)}
	}
	return out
}

func TestCacheServesFromMemoryWithinTTL(t *testing.T) {
	stub := &stubExchange{candles: makeCandles(10)}
	cache := NewCache(stub, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		candles, err := cache.Candles(ctx, "BTC/USD", "1m", 10)
		require.NoError(t, err)
		assert.Len(t, candles, 10)
	}
	assert.Equal(t, 1, stub.candleCalls, "repeat reads within TTL must not hit the venue")

	// Different parameters are a different entry
	_, err := cache.Candles(ctx, "BTC/USD", "15m", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, stub.candleCalls)
}

func TestCacheServesStaleOnFetchError(t *testing.T) {
	stub := &stubExchange{candles: makeCandles(5)}
	cache := NewCache(stub, time.Nanosecond) // Everything expires immediately
	ctx := context.Background()

	_, err := cache.Candles(ctx, "BTC/USD", "1m", 5)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	stub.failNext = true
	candles, err := cache.Candles(ctx, "BTC/USD", "1m", 5)
	require.NoError(t, err, "stale data should be served when the refresh fails")
	assert.Len(t, candles, 5)
}

func TestClosedCandlesDropsFormingBar(t *testing.T) {
	stub := &stubExchange{candles: makeCandles(11)}
	cache := NewCache(stub, time.Minute)

	closed, err := cache.ClosedCandles(context.Background(), "BTC/USD", "1m", 10)
	require.NoError(t, err)
	assert.Len(t, closed, 10)
	assert.Equal(t, float64(109), closed[len(closed)-1].Close, "the newest (forming) bar must be dropped")
}

func TestInvalidateDropsSymbolEntries(t *testing.T) {
	stub := &stubExchange{candles: makeCandles(5)}
	cache := NewCache(stub, time.Hour)
	ctx := context.Background()

	_, err := cache.Candles(ctx, "BTC/USD", "1m", 5)
	require.NoError(t, err)
	_, err = cache.Ticker(ctx, "BTC/USD")
	require.NoError(t, err)

	cache.Invalidate("BTC/USD")

	_, _ = cache.Candles(ctx, "BTC/USD", "1m", 5)
	_, _ = cache.Ticker(ctx, "BTC/USD")
	assert.Equal(t, 2, stub.candleCalls)
	assert.Equal(t, 2, stub.tickerCalls)
}

func TestHTFContextAlignment(t *testing.T) {
	// Steadily rising closes put price above SMA20 above SMA50 on both
	// timeframes
	stub := &stubExchange{candles: makeCandles(121)}
	cache := NewCache(stub, time.Minute)
	provider := NewHTFProvider(cache)

	htf, err := provider.Context(context.Background(), "BTC/USD")
	require.NoError(t, err)

	assert.Equal(t, TrendUp, htf.M15.Trend)
	assert.Equal(t, TrendUp, htf.H1.Trend)
	assert.True(t, htf.Aligned)
	assert.Equal(t, TrendUp, htf.Dominant)
	assert.Greater(t, htf.H1.SMA20, htf.H1.SMA50)
}

func TestHTFContextInsufficientDataIsNeutral(t *testing.T) {
	stub := &stubExchange{candles: makeCandles(20)}
	cache := NewCache(stub, time.Minute)
	provider := NewHTFProvider(cache)

	htf, err := provider.Context(context.Background(), "BTC/USD")
	require.NoError(t, err)

	assert.Equal(t, TrendNeutral, htf.H1.Trend)
	assert.False(t, htf.Aligned)
	assert.Equal(t, TrendNeutral, htf.Dominant)
}

func TestHTFDisagreementYieldsNeutralDominant(t *testing.T) {
	// 15m rising while 1h falls: no shared trend, so neither a directional
	// veto nor a boost may be derived
	stub := &stubExchange{candlesByTF: map[string][]kraken.Candle{
		"15m": makeCandles(121),
		"1h":  makeFallingCandles(121),
	}}
	cache := NewCache(stub, time.Minute)
	provider := NewHTFProvider(cache)

	htf, err := provider.Context(context.Background(), "BTC/USD")
	require.NoError(t, err)

	assert.Equal(t, TrendUp, htf.M15.Trend)
	assert.Equal(t, TrendDown, htf.H1.Trend)
	assert.False(t, htf.Aligned)
	assert.Equal(t, TrendNeutral, htf.Dominant)
}
