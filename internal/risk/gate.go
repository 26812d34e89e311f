package risk

import (
	"fmt"

	"kraken-trading-bot/config"
	"kraken-trading-bot/internal/strategy"
)

// SkipReason is the closed enumeration of risk gate rejections
type SkipReason string

const (
	SkipNone           SkipReason = ""
	SkipGlobalPause    SkipReason = "GLOBAL_PAUSE"
	SkipCooldown       SkipReason = "SYMBOL_COOLDOWN"
	SkipDailyLimit     SkipReason = "DAILY_LIMIT"
	SkipShortsDisabled SkipReason = "SHORTS_DISABLED"
	SkipActiveRisk     SkipReason = "ACTIVE_RISK_EXCEEDED"
	SkipRiskReward     SkipReason = "RISK_REWARD_TOO_LOW"
	SkipFeeGate        SkipReason = "FEE_GATE"
	SkipRegimeFilter   SkipReason = "REGIME_FILTER"
	SkipProfitTarget   SkipReason = "PROFIT_TARGET_PAUSE"
)

// MarketInfo carries the per-symbol measurements the optional gates need
type MarketInfo struct {
	ATRPct         float64 // ATR as percent of price
	Volume24hUSD   float64 // 0 when unknown
	RoundTripFee   float64 // Fraction of notional for entry plus exit
	TrendConfirmed bool    // Regime filter's required-trend check
}

// Verdict is the gate outcome for one signal
type Verdict struct {
	Approved      bool       `json:"approved"`
	Reason        SkipReason `json:"reason,omitempty"`
	Detail        string     `json:"detail,omitempty"`
	RiskBudgetUSD float64    `json:"risk_budget_usd,omitempty"`
}

// Gate runs every signal through the sequential risk checks. First block
// ends the evaluation.
type Gate struct {
	cfg   config.RiskConfig
	state *State
}

func NewGate(cfg config.RiskConfig, state *State) *Gate {
	return &Gate{cfg: cfg, state: state}
}

// State exposes the shared runtime state the gate serializes on
func (g *Gate) State() *State { return g.state }

func skip(reason SkipReason, format string, args ...interface{}) Verdict {
	return Verdict{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Evaluate checks a signal against all gates in order. equity is current
// account equity in USD including unrealized P&L. An approved verdict
// holds a risk reservation for the symbol: RegisterPosition supersedes it
// when the entry lands, ReleaseRisk must drop it on any other outcome.
func (g *Gate) Evaluate(signal strategy.TradeSignal, equity float64, market MarketInfo) Verdict {
	if signal.Action != strategy.ActionLong && signal.Action != strategy.ActionShort {
		return skip(SkipNone, "no entry requested")
	}

	// 1. Global pause
	if paused, until, reason := g.state.GlobalPause(); paused {
		return skip(SkipGlobalPause, "global pause until %s: %s", until.UTC().Format("15:04:05"), reason)
	}

	// 2. Symbol cooldown
	if active, until := g.state.CooldownActive(signal.Symbol); active {
		return skip(SkipCooldown, "cooldown on %s until %s", signal.Symbol, until.UTC().Format("15:04:05"))
	}

	// 3. Daily limits
	g.state.mu.Lock()
	dailyOK := g.state.dailyAllowsLocked(signal.Symbol, g.cfg.MaxTradesPerDay, g.cfg.MaxTradesPerSymbol)
	daily := g.state.daily
	g.state.mu.Unlock()
	if !dailyOK {
		return skip(SkipDailyLimit, "daily limits reached: total %d/%d, %s %d/%d",
			daily.TotalTrades, g.cfg.MaxTradesPerDay,
			signal.Symbol, daily.TradesBySymbol[signal.Symbol], g.cfg.MaxTradesPerSymbol)
	}

	// 4. Shorts
	if signal.Action == strategy.ActionShort && !g.cfg.EnableShorts {
		return skip(SkipShortsDisabled, "short signal on %s but shorts are disabled", signal.Symbol)
	}

	// 5. Aggregate active risk
	riskPerUnit := signal.EntryPrice - signal.StopLoss
	if riskPerUnit < 0 {
		riskPerUnit = -riskPerUnit
	}
	if riskPerUnit <= 0 {
		return skip(SkipRiskReward, "degenerate stop: entry %.4f equals stop %.4f", signal.EntryPrice, signal.StopLoss)
	}
	budget := equity * g.cfg.RiskPerTradePct / 100 * signal.SizeMultiplier
	maxActive := equity * g.cfg.MaxActiveRiskPct / 100
	active := g.state.ActiveRiskUSD()
	if active+budget > maxActive {
		return skip(SkipActiveRisk, "active risk $%.2f + new $%.2f would exceed $%.2f cap",
			active, budget, maxActive)
	}

	// 6. Risk:reward
	reward := signal.TakeProfit - signal.EntryPrice
	if signal.Action == strategy.ActionShort {
		reward = signal.EntryPrice - signal.TakeProfit
	}
	if signal.TakeProfit > 0 {
		rr := reward / riskPerUnit
		if rr < g.cfg.MinRiskRewardRatio {
			return skip(SkipRiskReward, "R:R %.2f below %.2f minimum", rr, g.cfg.MinRiskRewardRatio)
		}
	}

	// 7. Fee gate
	if g.cfg.FeeGateEnabled && signal.TakeProfit > 0 && signal.EntryPrice > 0 {
		edgePct := reward / signal.EntryPrice
		feeCost := market.RoundTripFee * g.cfg.FeeGateSafetyMult
		if edgePct-feeCost <= 0 {
			return skip(SkipFeeGate, "expected edge %.4f%% does not clear fees %.4f%% x%.1f",
				edgePct*100, market.RoundTripFee*100, g.cfg.FeeGateSafetyMult)
		}
	}

	// 8. Regime filter
	if g.cfg.RegimeFilterEnabled {
		if market.ATRPct < g.cfg.MinATRPct {
			return skip(SkipRegimeFilter, "ATR %.4f%% below %.4f%% floor", market.ATRPct, g.cfg.MinATRPct)
		}
		if market.Volume24hUSD > 0 && market.Volume24hUSD < g.cfg.Min24hVolumeUSD {
			return skip(SkipRegimeFilter, "24h volume $%.0f below $%.0f floor", market.Volume24hUSD, g.cfg.Min24hVolumeUSD)
		}
		if !market.TrendConfirmed {
			return skip(SkipRegimeFilter, "required trend confirmation missing")
		}
	}

	// 9. Profit target pause
	if paused, until := g.state.ProfitTargetPaused(); paused {
		return skip(SkipProfitTarget, "daily profit target reached, paused until %s", until.UTC().Format("15:04:05"))
	}

	// The cap re-check and the reservation happen under one lock, so
	// parallel workers cannot both approve against the same aggregate
	if current, ok := g.state.ReserveRisk(signal.Symbol, budget, maxActive); !ok {
		return skip(SkipActiveRisk, "active risk $%.2f + new $%.2f would exceed $%.2f cap",
			current, budget, maxActive)
	}
	return Verdict{Approved: true, RiskBudgetUSD: budget}
}
