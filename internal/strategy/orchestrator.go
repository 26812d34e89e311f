package strategy

import (
	"fmt"
	"math"

	"kraken-trading-bot/config"
	"kraken-trading-bot/internal/marketdata"
	"kraken-trading-bot/internal/regime"
)

// Action is the directional decision for one symbol on one tick
type Action string

const (
	ActionLong    Action = "long"
	ActionShort   Action = "short"
	ActionHold    Action = "hold"
	ActionSellAll Action = "sell_all"
)

// TradeSignal is the orchestrator output consumed by the risk gate and the
// bracket executor
type TradeSignal struct {
	Symbol         string  `json:"symbol"`
	Action         Action  `json:"action"`
	Confidence     float64 `json:"confidence"`
	EntryPrice     float64 `json:"entry_price,omitempty"`
	StopLoss       float64 `json:"stop_loss,omitempty"`
	TakeProfit     float64 `json:"take_profit,omitempty"`
	SizeMultiplier float64 `json:"size_multiplier"`
	Reason         string  `json:"reason"`
}

// Orchestrator routes a regime classification to a concrete trade setup.
// Spot accounts cannot short, so bearish regimes route to HOLD unless
// shorts are enabled.
type Orchestrator struct {
	cfg          config.StrategyConfig
	enableShorts bool
}

func NewOrchestrator(cfg config.StrategyConfig, enableShorts bool) *Orchestrator {
	return &Orchestrator{cfg: cfg, enableShorts: enableShorts}
}

func hold(symbol, reason string) TradeSignal {
	return TradeSignal{Symbol: symbol, Action: ActionHold, Reason: reason}
}

// Evaluate emits a TradeSignal for the given regime result and HTF context.
// Measured values come from the detector's signals map, so the orchestrator
// stays a pure function of its inputs.
func (o *Orchestrator) Evaluate(symbol string, r regime.Result, htf *marketdata.HTFContext) TradeSignal {
	switch r.Regime {
	case regime.TrendUp:
		return o.trendLong(symbol, r, htf)
	case regime.TrendDown:
		return o.trendShort(symbol, r, htf)
	case regime.Range:
		return o.rangeLong(symbol, r, htf)
	case regime.BreakoutExpansion:
		return o.breakout(symbol, r, htf)
	}
	return hold(symbol, fmt.Sprintf("no tradable regime: %s", r.Reason))
}

func (o *Orchestrator) trendLong(symbol string, r regime.Result, htf *marketdata.HTFContext) TradeSignal {
	if htf != nil && htf.Dominant == marketdata.TrendDown {
		return hold(symbol, "uptrend setup skipped: dominant higher-timeframe trend is down")
	}

	price := r.Signals["price"]
	sma20 := r.Signals["sma20"]
	rsi := r.Signals["rsi"]
	atr := r.Signals["atr"]
	if price <= 0 || sma20 <= 0 || atr <= 0 {
		return hold(symbol, "uptrend setup skipped: missing indicator values")
	}

	distPct := math.Abs(price-sma20) / sma20 * 100
	if distPct > o.cfg.TrendPullbackPct {
		return hold(symbol, fmt.Sprintf(
			"uptrend but no pullback entry: price %.2f is %.3f%% from SMA20 %.2f, max %.3f%%",
			price, distPct, sma20, o.cfg.TrendPullbackPct))
	}
	if rsi >= o.cfg.TrendRSIMax {
		return hold(symbol, fmt.Sprintf(
			"uptrend but overbought: RSI %.1f >= %.1f", rsi, o.cfg.TrendRSIMax))
	}

	return TradeSignal{
		Symbol:         symbol,
		Action:         ActionLong,
		Confidence:     o.boosted(r.Confidence, htf, marketdata.TrendUp),
		EntryPrice:     price,
		StopLoss:       price - o.cfg.TrendStopATR*atr,
		TakeProfit:     price + o.cfg.TrendTargetATR*atr,
		SizeMultiplier: clamp01(o.boosted(r.Confidence, htf, marketdata.TrendUp)),
		Reason: fmt.Sprintf(
			"trend pullback long: price %.2f within %.3f%% of SMA20 %.2f (%.3f%% max), RSI %.1f < %.1f, stop %.1fxATR, target %.1fxATR",
			price, distPct, sma20, o.cfg.TrendPullbackPct, rsi, o.cfg.TrendRSIMax, o.cfg.TrendStopATR, o.cfg.TrendTargetATR),
	}
}

func (o *Orchestrator) trendShort(symbol string, r regime.Result, htf *marketdata.HTFContext) TradeSignal {
	if !o.enableShorts {
		return hold(symbol, "downtrend detected but shorts are disabled on a spot account")
	}
	if htf != nil && htf.Dominant == marketdata.TrendUp {
		return hold(symbol, "downtrend setup skipped: dominant higher-timeframe trend is up")
	}

	price := r.Signals["price"]
	atr := r.Signals["atr"]
	if price <= 0 || atr <= 0 {
		return hold(symbol, "downtrend setup skipped: missing indicator values")
	}

	return TradeSignal{
		Symbol:         symbol,
		Action:         ActionShort,
		Confidence:     o.boosted(r.Confidence, htf, marketdata.TrendDown),
		EntryPrice:     price,
		StopLoss:       price + o.cfg.TrendStopATR*atr,
		TakeProfit:     price - o.cfg.TrendTargetATR*atr,
		SizeMultiplier: clamp01(o.boosted(r.Confidence, htf, marketdata.TrendDown)),
		Reason: fmt.Sprintf("trend short: price %.2f, stop %.1fxATR above, target %.1fxATR below",
			price, o.cfg.TrendStopATR, o.cfg.TrendTargetATR),
	}
}

func (o *Orchestrator) rangeLong(symbol string, r regime.Result, htf *marketdata.HTFContext) TradeSignal {
	if htf != nil && htf.Dominant == marketdata.TrendDown {
		return hold(symbol, "range setup skipped: dominant higher-timeframe trend is down")
	}

	price := r.Signals["price"]
	upper := r.Signals["bb_upper"]
	middle := r.Signals["bb_middle"]
	lower := r.Signals["bb_lower"]
	rsi := r.Signals["rsi"]
	atr := r.Signals["atr"]
	if upper <= lower || price <= 0 {
		return hold(symbol, "range setup skipped: degenerate Bollinger bands")
	}

	buyZone := lower + o.cfg.RangeBandPercentile*(upper-lower)
	if price > buyZone {
		return hold(symbol, fmt.Sprintf(
			"range but price not at the lows: %.2f above buy zone %.2f (lower %.2f + %.0f%% of width)",
			price, buyZone, lower, o.cfg.RangeBandPercentile*100))
	}
	if rsi >= o.cfg.RangeRSIMax {
		return hold(symbol, fmt.Sprintf(
			"range low but RSI not oversold: %.1f >= %.1f", rsi, o.cfg.RangeRSIMax))
	}

	stop := lower - 0.25*atr
	return TradeSignal{
		Symbol:         symbol,
		Action:         ActionLong,
		Confidence:     o.boosted(r.Confidence, htf, marketdata.TrendUp),
		EntryPrice:     price,
		StopLoss:       stop,
		TakeProfit:     middle,
		SizeMultiplier: clamp01(o.boosted(r.Confidence, htf, marketdata.TrendUp)),
		Reason: fmt.Sprintf(
			"range reversion long: price %.2f <= buy zone %.2f, RSI %.1f < %.1f, stop %.2f below lower band, target middle band %.2f",
			price, buyZone, rsi, o.cfg.RangeRSIMax, stop, middle),
	}
}

func (o *Orchestrator) breakout(symbol string, r regime.Result, htf *marketdata.HTFContext) TradeSignal {
	price := r.Signals["price"]
	atr := r.Signals["atr"]
	priorHigh := r.Signals["prior_high_20"]
	priorLow := r.Signals["prior_low_20"]
	if price <= 0 || atr <= 0 {
		return hold(symbol, "breakout setup skipped: missing indicator values")
	}

	upward := price > priorHigh
	if !upward && price >= priorLow {
		return hold(symbol, "breakout regime without a resolved direction")
	}

	if upward {
		if htf != nil && htf.H1.Trend == marketdata.TrendDown {
			return hold(symbol, "upside breakout skipped: 1h trend is bearish")
		}
		return TradeSignal{
			Symbol:         symbol,
			Action:         ActionLong,
			Confidence:     o.boosted(r.Confidence, htf, marketdata.TrendUp),
			EntryPrice:     price,
			StopLoss:       price - o.cfg.BreakoutStopATR*atr,
			TakeProfit:     price + o.cfg.BreakoutTargetATR*atr,
			SizeMultiplier: clamp01(o.boosted(r.Confidence, htf, marketdata.TrendUp)),
			Reason: fmt.Sprintf(
				"breakout long: price %.2f above prior 20-bar high %.2f, stop %.1fxATR, target %.1fxATR",
				price, priorHigh, o.cfg.BreakoutStopATR, o.cfg.BreakoutTargetATR),
		}
	}

	if !o.enableShorts {
		return hold(symbol, "downside breakout skipped: shorts are disabled on a spot account")
	}
	return TradeSignal{
		Symbol:         symbol,
		Action:         ActionShort,
		Confidence:     o.boosted(r.Confidence, htf, marketdata.TrendDown),
		EntryPrice:     price,
		StopLoss:       price + o.cfg.BreakoutStopATR*atr,
		TakeProfit:     price - o.cfg.BreakoutTargetATR*atr,
		SizeMultiplier: clamp01(o.boosted(r.Confidence, htf, marketdata.TrendDown)),
		Reason: fmt.Sprintf(
			"breakout short: price %.2f below prior 20-bar low %.2f, stop %.1fxATR, target %.1fxATR",
			price, priorLow, o.cfg.BreakoutStopATR, o.cfg.BreakoutTargetATR),
	}
}

// boosted adds the alignment bonus when the higher timeframes agree with
// the trade direction
func (o *Orchestrator) boosted(confidence float64, htf *marketdata.HTFContext, direction marketdata.TrendDirection) float64 {
	if htf != nil && htf.Aligned && htf.Dominant == direction {
		confidence += o.cfg.HTFAlignedBoost
	}
	return clamp01(confidence)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
