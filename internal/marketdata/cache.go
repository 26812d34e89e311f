package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kraken-trading-bot/internal/kraken"
)

// Cache serves OHLCV series and tickers with a per-entry TTL so that every
// consumer within one decision tick sees the same data without re-fetching
type Cache struct {
	exchange kraken.Exchange
	ttl      time.Duration

	mu      sync.RWMutex
	candles map[string]*candleEntry
	tickers map[string]*tickerEntry
}

type candleEntry struct {
	data      []kraken.Candle
	fetchedAt time.Time
}

type tickerEntry struct {
	data      *kraken.Ticker
	fetchedAt time.Time
}

// NewCache creates a market data cache. TTL should match the decision loop
// period.
func NewCache(exchange kraken.Exchange, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{
		exchange: exchange,
		ttl:      ttl,
		candles:  make(map[string]*candleEntry),
		tickers:  make(map[string]*tickerEntry),
	}
}

func candleKey(symbol, timeframe string, limit int) string {
	return fmt.Sprintf("%s|%s|%d", symbol, timeframe, limit)
}

// Candles returns the OHLCV series, hitting the venue at most once per TTL
// window per (symbol, timeframe, limit)
func (c *Cache) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]kraken.Candle, error) {
	key := candleKey(symbol, timeframe, limit)

	c.mu.RLock()
	entry, ok := c.candles[key]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.data, nil
	}

	data, err := c.exchange.FetchOHLCV(ctx, symbol, timeframe, limit)
	if err != nil {
		// A stale series beats no series for read-path consumers
		if ok {
			return entry.data, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.candles[key] = &candleEntry{data: data, fetchedAt: time.Now()}
	c.mu.Unlock()
	return data, nil
}

// ClosedCandles returns the series with the forming bar dropped
func (c *Cache) ClosedCandles(ctx context.Context, symbol, timeframe string, limit int) ([]kraken.Candle, error) {
	candles, err := c.Candles(ctx, symbol, timeframe, limit+1)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return candles, nil
	}
	return candles[:len(candles)-1], nil
}

// Ticker returns the latest ticker within the TTL window
func (c *Cache) Ticker(ctx context.Context, symbol string) (*kraken.Ticker, error) {
	c.mu.RLock()
	entry, ok := c.tickers[symbol]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.data, nil
	}

	data, err := c.exchange.FetchTicker(ctx, symbol)
	if err != nil {
		if ok {
			return entry.data, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.tickers[symbol] = &tickerEntry{data: data, fetchedAt: time.Now()}
	c.mu.Unlock()
	return data, nil
}

// Invalidate drops all cached entries for a symbol
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tickers, symbol)
	for key := range c.candles {
		if len(key) > len(symbol) && key[:len(symbol)] == symbol && key[len(symbol)] == '|' {
			delete(c.candles, key)
		}
	}
}
