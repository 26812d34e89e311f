package marketdata

import (
	"context"
	"fmt"

	"kraken-trading-bot/internal/indicators"
)

// TrendDirection summarizes a higher timeframe's bias
type TrendDirection string

const (
	TrendUp      TrendDirection = "up"
	TrendDown    TrendDirection = "down"
	TrendNeutral TrendDirection = "neutral"
)

// TimeframeView holds the derived state of one higher timeframe
type TimeframeView struct {
	Timeframe string         `json:"timeframe"`
	Close     float64        `json:"close"`
	SMA20     float64        `json:"sma20"`
	SMA50     float64        `json:"sma50"`
	ATR14     float64        `json:"atr14"`
	Trend     TrendDirection `json:"trend"`
}

// HTFContext is the multi-timeframe snapshot the strategy layer consults
// before committing to a direction
type HTFContext struct {
	Symbol   string         `json:"symbol"`
	M15      TimeframeView  `json:"m15"`
	H1       TimeframeView  `json:"h1"`
	Aligned  bool           `json:"aligned"`  // Both timeframes agree and are not neutral
	Dominant TrendDirection `json:"dominant"` // The shared trend when aligned, neutral otherwise
}

// htfLookback covers SMA50 warmup plus smoothing runway for ATR
const htfLookback = 120

// HTFProvider computes higher-timeframe context on top of the cache
type HTFProvider struct {
	cache *Cache
}

func NewHTFProvider(cache *Cache) *HTFProvider {
	return &HTFProvider{cache: cache}
}

// Context builds the 15m/1h view for a symbol from closed candles only
func (h *HTFProvider) Context(ctx context.Context, symbol string) (*HTFContext, error) {
	m15, err := h.view(ctx, symbol, "15m")
	if err != nil {
		return nil, fmt.Errorf("15m view for %s: %w", symbol, err)
	}
	h1, err := h.view(ctx, symbol, "1h")
	if err != nil {
		return nil, fmt.Errorf("1h view for %s: %w", symbol, err)
	}

	out := &HTFContext{
		Symbol:   symbol,
		M15:      *m15,
		H1:       *h1,
		Dominant: TrendNeutral,
	}
	out.Aligned = m15.Trend == h1.Trend && m15.Trend != TrendNeutral
	if out.Aligned {
		// A directional bias exists only when both timeframes share it;
		// disagreement is a neutral context, not a veto
		out.Dominant = m15.Trend
	}
	return out, nil
}

func (h *HTFProvider) view(ctx context.Context, symbol, timeframe string) (*TimeframeView, error) {
	candles, err := h.cache.ClosedCandles(ctx, symbol, timeframe, htfLookback)
	if err != nil {
		return nil, err
	}
	if len(candles) < 50 {
		return &TimeframeView{Timeframe: timeframe, Trend: TrendNeutral}, nil
	}

	closes := indicators.Closes(candles)
	view := &TimeframeView{
		Timeframe: timeframe,
		Close:     closes[len(closes)-1],
		SMA20:     indicators.SMA(closes, 20),
		SMA50:     indicators.SMA(closes, 50),
		ATR14:     indicators.ATR(candles, 14),
	}
	view.Trend = classifyTrend(view.Close, view.SMA20, view.SMA50)
	return view, nil
}

// classifyTrend requires price and the fast average on the same side of the
// slow average; anything else is neutral
func classifyTrend(close, sma20, sma50 float64) TrendDirection {
	switch {
	case close > sma20 && sma20 > sma50:
		return TrendUp
	case close < sma20 && sma20 < sma50:
		return TrendDown
	}
	return TrendNeutral
}
