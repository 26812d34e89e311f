package regime

import (
	"fmt"

	"kraken-trading-bot/config"
	"kraken-trading-bot/internal/indicators"
	"kraken-trading-bot/internal/kraken"
	"kraken-trading-bot/internal/marketdata"
)

// Regime classifies the current market character
type Regime string

const (
	TrendUp           Regime = "TREND_UP"
	TrendDown         Regime = "TREND_DOWN"
	Range             Regime = "RANGE"
	BreakoutExpansion Regime = "BREAKOUT_EXPANSION"
	NoTrade           Regime = "NO_TRADE"
)

// Result is the detector output. Signals carries the measured values the
// classification was based on, for the decision journal.
type Result struct {
	Regime     Regime             `json:"regime"`
	Confidence float64            `json:"confidence"`
	Reason     string             `json:"reason"`
	Signals    map[string]float64 `json:"signals"`
}

// breakoutWindow is the bar count for the prior range and ATR baseline
const breakoutWindow = 20

// Detector classifies 5m market data into exactly one regime. It performs
// no I/O and never mutates its inputs.
type Detector struct {
	cfg config.RegimeConfig
}

func NewDetector(cfg config.RegimeConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Detect runs the sequential classification. Candles must be closed bars,
// oldest first, at least 50 of them.
func (d *Detector) Detect(candles []kraken.Candle, htf *marketdata.HTFContext) Result {
	if len(candles) < 50 {
		return Result{
			Regime:     NoTrade,
			Confidence: 1,
			Reason:     fmt.Sprintf("insufficient data: %d candles, need 50", len(candles)),
			Signals:    map[string]float64{"candles": float64(len(candles))},
		}
	}

	closes := indicators.Closes(candles)
	price := closes[len(closes)-1]
	atr := indicators.ATR(candles, 14)
	adx := indicators.ADX(candles, 14)
	sma20 := indicators.SMA(closes, 20)
	sma50 := indicators.SMA(closes, 50)
	rsi := indicators.RSI(closes, 14)
	upper, middle, lower := indicators.Bollinger(closes, d.cfg.BBPeriod, d.cfg.BBStdDev)

	volume := candles[len(candles)-1].Volume
	avgVolume := avgVolumeOf(candles, breakoutWindow)
	hasVolume := avgVolume > 0

	atrPct := 0.0
	if price > 0 {
		atrPct = atr / price * 100
	}

	signals := map[string]float64{
		"price":      price,
		"atr":        atr,
		"atr_pct":    atrPct,
		"adx":        adx,
		"sma20":      sma20,
		"sma50":      sma50,
		"rsi":        rsi,
		"bb_upper":   upper,
		"bb_middle":  middle,
		"bb_lower":   lower,
		"volume":     volume,
		"avg_volume": avgVolume,
	}

	// Hard filters first
	if atrPct < d.cfg.MinVolatilityPct {
		return Result{
			Regime:     NoTrade,
			Confidence: 1,
			Reason:     fmt.Sprintf("volatility too low: ATR %.4f%% of price < %.4f%% floor", atrPct, d.cfg.MinVolatilityPct),
			Signals:    signals,
		}
	}
	if adx < d.cfg.MinADX {
		return Result{
			Regime:     NoTrade,
			Confidence: 1,
			Reason:     fmt.Sprintf("no directional energy: ADX %.1f < %.1f floor", adx, d.cfg.MinADX),
			Signals:    signals,
		}
	}
	if hasVolume && d.cfg.MinVolume > 0 && volume < d.cfg.MinVolume {
		return Result{
			Regime:     NoTrade,
			Confidence: 1,
			Reason:     fmt.Sprintf("volume too thin: %.2f < %.2f floor", volume, d.cfg.MinVolume),
			Signals:    signals,
		}
	}

	// Breakout: the range must exclude the current bar or the break can
	// never exceed its own high
	if result, ok := d.detectBreakout(candles, price, atr, volume, avgVolume, hasVolume, signals); ok {
		return result
	}

	htfBullish := htf != nil && htf.H1.Trend == marketdata.TrendUp
	htfBearish := htf != nil && htf.H1.Trend == marketdata.TrendDown

	if adx > d.cfg.ADXThreshold && price > sma20 && sma20 > sma50 && htfBullish {
		return Result{
			Regime:     TrendUp,
			Confidence: trendConfidence(adx, d.cfg.ADXThreshold),
			Reason: fmt.Sprintf("uptrend: ADX %.1f > %.1f, price %.2f > SMA20 %.2f > SMA50 %.2f, 1h bullish",
				adx, d.cfg.ADXThreshold, price, sma20, sma50),
			Signals: signals,
		}
	}
	if adx > d.cfg.ADXThreshold && price < sma20 && sma20 < sma50 && htfBearish {
		return Result{
			Regime:     TrendDown,
			Confidence: trendConfidence(adx, d.cfg.ADXThreshold),
			Reason: fmt.Sprintf("downtrend: ADX %.1f > %.1f, price %.2f < SMA20 %.2f < SMA50 %.2f, 1h bearish",
				adx, d.cfg.ADXThreshold, price, sma20, sma50),
			Signals: signals,
		}
	}

	if middle > 0 {
		widthPct := (upper - lower) / price * 100
		signals["bb_width_pct"] = widthPct
		if adx <= d.cfg.ADXThreshold && widthPct <= d.cfg.MaxRangeWidthPct && price >= lower && price <= upper {
			return Result{
				Regime:     Range,
				Confidence: 0.6,
				Reason: fmt.Sprintf("range: ADX %.1f <= %.1f, band width %.2f%% <= %.2f%%, price inside bands",
					adx, d.cfg.ADXThreshold, widthPct, d.cfg.MaxRangeWidthPct),
				Signals: signals,
			}
		}
	}

	return Result{
		Regime:     NoTrade,
		Confidence: 1,
		Reason:     "conflicting signals",
		Signals:    signals,
	}
}

func (d *Detector) detectBreakout(candles []kraken.Candle, price, atr, volume, avgVolume float64, hasVolume bool, signals map[string]float64) (Result, bool) {
	prior := candles[:len(candles)-1]
	if len(prior) < breakoutWindow {
		return Result{}, false
	}

	avgATR := avgATROf(candles, breakoutWindow)
	priorHigh, priorLow := indicators.RangeHighLow(prior, breakoutWindow)
	margin := d.cfg.BreakoutMarginATR * atr

	signals["avg_atr_20"] = avgATR
	signals["prior_high_20"] = priorHigh
	signals["prior_low_20"] = priorLow

	if avgATR <= 0 || atr <= d.cfg.ATRSpikeMultiplier*avgATR {
		return Result{}, false
	}
	if hasVolume && volume <= d.cfg.VolumeSpikeMultiplier*avgVolume {
		return Result{}, false
	}

	brokeUp := price > priorHigh+margin
	brokeDown := price < priorLow-margin
	if !brokeUp && !brokeDown {
		return Result{}, false
	}

	direction := "above prior 20-bar high"
	level := priorHigh
	if brokeDown {
		direction = "below prior 20-bar low"
		level = priorLow
	}
	return Result{
		Regime:     BreakoutExpansion,
		Confidence: 0.8,
		Reason: fmt.Sprintf("breakout: ATR %.4f > %.1fx avg %.4f, price %.2f %s %.2f by > %.4f",
			atr, d.cfg.ATRSpikeMultiplier, avgATR, price, direction, level, margin),
		Signals: signals,
	}, true
}

// trendConfidence scales with how far ADX sits above the threshold,
// saturating at 0.95
func trendConfidence(adx, threshold float64) float64 {
	conf := 0.6 + (adx-threshold)/100
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

// avgATROf averages the single-bar true ranges of the last n prior bars,
// the baseline an ATR spike is measured against
func avgATROf(candles []kraken.Candle, n int) float64 {
	prior := candles[:len(candles)-1]
	if len(prior) < n+1 {
		return 0
	}
	return indicators.ATR(prior, n)
}

func avgVolumeOf(candles []kraken.Candle, n int) float64 {
	prior := candles[:len(candles)-1]
	if len(prior) < n {
		return 0
	}
	sum := 0.0
	for _, c := range prior[len(prior)-n:] {
		sum += c.Volume
	}
	return sum / float64(n)
}
