package autopilot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"kraken-trading-bot/config"
	"kraken-trading-bot/internal/cache"
	"kraken-trading-bot/internal/events"
	"kraken-trading-bot/internal/executor"
	"kraken-trading-bot/internal/journal"
	"kraken-trading-bot/internal/kraken"
	"kraken-trading-bot/internal/logging"
	"kraken-trading-bot/internal/marketdata"
	"kraken-trading-bot/internal/notification"
	"kraken-trading-bot/internal/regime"
	"kraken-trading-bot/internal/risk"
	"kraken-trading-bot/internal/strategy"
	"kraken-trading-bot/internal/universe"
	"kraken-trading-bot/internal/watchdog"
)

// primaryLookback is how many closed 5m candles each decision consumes
const primaryLookback = 120

// SymbolSnapshot is the per-symbol entry in the heartbeat document
type SymbolSnapshot struct {
	Price     float64   `json:"price"`
	Regime    string    `json:"regime"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason"`
	HasOpen   bool      `json:"has_open_position"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Heartbeat is the state document persisted atomically each tick
type Heartbeat struct {
	Running        bool                      `json:"running"`
	LastLoopAt     time.Time                 `json:"last_loop_at"`
	EquityNow      float64                   `json:"equity_now"`
	EquityDayStart float64                   `json:"equity_day_start"`
	Paused         bool                      `json:"paused"`
	PauseReason    string                    `json:"pause_reason,omitempty"`
	Cooldowns      map[string]time.Time      `json:"cooldowns,omitempty"`
	Symbols        map[string]SymbolSnapshot `json:"symbols"`
	LastActions    []string                  `json:"last_actions,omitempty"`
	Watchdog       watchdog.Status           `json:"watchdog"`
}

// activeBracket tracks the protective legs of an open position so the
// supervisor can detect closes
type activeBracket struct {
	side       kraken.Side
	entryPrice float64
	quantity   float64
	stopID     string
	tpID       string
	corrID     string
}

// Autopilot runs the periodic decision loop
type Autopilot struct {
	cfg          *config.Config
	exchange     kraken.Exchange
	market       *marketdata.Cache
	htf          *marketdata.HTFProvider
	detector     *regime.Detector
	orchestrator *strategy.Orchestrator
	gate         *risk.Gate
	state        *risk.State
	exec         *executor.Executor
	journal      *journal.Journal
	dog          *watchdog.Watchdog
	bus          *events.Bus
	notifier     notification.Notifier
	scanner      *universe.Scanner
	store        *cache.Service // nil when redis is disabled
	log          *logging.Logger

	mu          sync.Mutex
	heartbeat   Heartbeat
	brackets    map[string]activeBracket
	actions     []string
	wins        int
	losses      int
	winLossDate string

	inFlight sync.WaitGroup
}

// Deps bundles the constructor dependencies
type Deps struct {
	Config       *config.Config
	Exchange     kraken.Exchange
	Market       *marketdata.Cache
	HTF          *marketdata.HTFProvider
	Detector     *regime.Detector
	Orchestrator *strategy.Orchestrator
	Gate         *risk.Gate
	State        *risk.State
	Executor     *executor.Executor
	Journal      *journal.Journal
	Watchdog     *watchdog.Watchdog
	Bus          *events.Bus
	Notifier     notification.Notifier
	Scanner      *universe.Scanner
	Store        *cache.Service
}

func New(d Deps) *Autopilot {
	a := &Autopilot{
		cfg:          d.Config,
		exchange:     d.Exchange,
		market:       d.Market,
		htf:          d.HTF,
		detector:     d.Detector,
		orchestrator: d.Orchestrator,
		gate:         d.Gate,
		state:        d.State,
		exec:         d.Executor,
		journal:      d.Journal,
		dog:          d.Watchdog,
		bus:          d.Bus,
		notifier:     d.Notifier,
		scanner:      d.Scanner,
		store:        d.Store,
		log:          logging.WithComponent("autopilot"),
		brackets:     make(map[string]activeBracket),
	}
	a.heartbeat.Symbols = make(map[string]SymbolSnapshot)

	// Cooldowns survive restarts when redis is available
	if a.store != nil {
		for symbol, until := range a.store.LoadCooldowns(context.Background()) {
			a.state.RestoreCooldown(symbol, until)
			a.log.Info("restored cooldown", "symbol", symbol, "until", until.Format(time.RFC3339))
		}
	}
	return a
}

// Run executes the loop until the context is cancelled, then waits for
// in-flight executions up to the shutdown grace period
func (a *Autopilot) Run(ctx context.Context) {
	interval := time.Duration(a.cfg.TradingConfig.TradeIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	a.log.Info("autopilot started", "interval", interval.String(), "symbols", len(a.cfg.TradingConfig.Symbols))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.tick(ctx, interval)
	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return
		case <-ticker.C:
			a.tick(ctx, interval)
		}
	}
}

func (a *Autopilot) shutdown() {
	grace := time.Duration(a.cfg.TradingConfig.ShutdownGraceSec) * time.Second
	if grace <= 0 {
		grace = 30 * time.Second
	}
	a.log.Info("shutting down, waiting for in-flight executions", "grace", grace.String())

	done := make(chan struct{})
	go func() {
		a.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		a.log.Warn("grace period elapsed with executions still in flight")
	}

	a.mu.Lock()
	a.heartbeat.Running = false
	a.mu.Unlock()
	a.writeHeartbeat()
}

// tick runs one full decision cycle
func (a *Autopilot) tick(ctx context.Context, interval time.Duration) {
	// Leave a safety margin so adapter calls finish inside the tick
	tickCtx, cancel := context.WithTimeout(ctx, interval-interval/10)
	defer cancel()

	manual := a.applyCommands(tickCtx)

	dogStatus, dogCritical := a.dog.Probe(tickCtx)
	if dogCritical {
		a.state.PauseGlobal(a.cfg.RiskConfig.PauseDuration, "venue API unhealthy")
		a.raiseCritical(tickCtx, "watchdog", "venue API unhealthy after auth reset, global pause engaged", map[string]string{
			"failures": fmt.Sprintf("%d", dogStatus.ConsecutiveFailures),
			"error":    dogStatus.LastError,
		})
	}
	if !dogStatus.Healthy {
		a.log.Warn("skipping tick: venue unhealthy", "failures", dogStatus.ConsecutiveFailures)
		a.journal.RecordAnomaly(tickCtx, journal.Anomaly{
			Severity: journal.SeverityError, Component: "watchdog",
			Message: "tick skipped, venue unhealthy",
			Context: map[string]string{"failures": fmt.Sprintf("%d", dogStatus.ConsecutiveFailures)},
		})
		a.finishTick(dogStatus, 0)
		return
	}

	equity, err := a.equity(tickCtx)
	if err != nil {
		a.log.Error("equity read failed, skipping tick", "error", err)
		a.finishTick(dogStatus, 0)
		return
	}
	target := a.state.UpdateEquity(equity)

	a.supervisePositions(tickCtx)

	if a.killSwitch(tickCtx, equity, target.StartingEquity) {
		a.finishTick(dogStatus, equity)
		return
	}

	if paused, until := a.state.ProfitTargetPaused(); paused {
		a.log.Info("daily profit target reached, trading paused", "until", until.Format(time.RFC3339))
		a.finishTick(dogStatus, equity)
		return
	}

	for _, cmd := range manual {
		a.applyManual(tickCtx, cmd, equity)
	}

	symbols := a.scanner.Symbols(tickCtx)
	a.fanOut(tickCtx, symbols, equity)
	a.finishTick(dogStatus, equity)
}

// applyManual services operator open/bracket requests. Both run through the
// full risk gate; operators cannot bypass it.
func (a *Autopilot) applyManual(ctx context.Context, cmd events.Command, equity float64) {
	switch cmd.Type {
	case events.CommandOpen:
		a.processSymbol(ctx, cmd.Symbol, equity)
		a.noteAction("operator open " + cmd.Symbol)
	case events.CommandBracket:
		ticker, err := a.market.Ticker(ctx, cmd.Symbol)
		if err != nil {
			a.recordDecision(ctx, journal.Decision{
				Symbol: cmd.Symbol, Action: string(strategy.ActionLong),
				Reason: fmt.Sprintf("operator bracket request, ticker unavailable: %v", err),
			})
			return
		}
		signal := strategy.TradeSignal{
			Symbol:         cmd.Symbol,
			Action:         strategy.ActionLong,
			EntryPrice:     ticker.Last,
			StopLoss:       cmd.Stop,
			TakeProfit:     cmd.Target,
			SizeMultiplier: 1,
			Reason:         fmt.Sprintf("operator bracket request via %s", cmd.Source),
		}
		verdict := a.gate.Evaluate(signal, equity, a.manualMarketInfo(ctx, cmd.Symbol))
		if !verdict.Approved {
			a.recordDecision(ctx, journal.Decision{
				Symbol: cmd.Symbol, Action: string(signal.Action),
				Reason: fmt.Sprintf("%s: %s", verdict.Reason, verdict.Detail),
			})
			return
		}
		a.executeApproved(ctx, cmd.Symbol, signal, regime.Result{}, verdict)
		a.noteAction("operator bracket " + cmd.Symbol)
	}
}

// manualMarketInfo builds gate inputs for operator requests, which carry no
// regime measurement
func (a *Autopilot) manualMarketInfo(ctx context.Context, symbol string) risk.MarketInfo {
	info := risk.MarketInfo{TrendConfirmed: true}
	if ticker, err := a.market.Ticker(ctx, symbol); err == nil {
		info.Volume24hUSD = ticker.Volume24h * ticker.Last
	}
	return info
}

// fanOut processes symbols with a bounded worker pool. Risk aggregates
// stay consistent because every approval reserves its budget under the
// shared state mutex before the worker proceeds.
func (a *Autopilot) fanOut(ctx context.Context, symbols []string, equity float64) {
	workers := a.cfg.TradingConfig.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, symbol := range symbols {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			defer func() { <-sem }()
			a.processSymbol(ctx, sym, equity)
		}(symbol)
	}
	wg.Wait()
}

// processSymbol runs the fetch, decide, risk, execute, log pipeline for one
// symbol. Exactly one Decision is recorded regardless of outcome, and a
// Decision is always written before its Trade.
func (a *Autopilot) processSymbol(ctx context.Context, symbol string, equity float64) {
	candles, err := a.market.ClosedCandles(ctx, symbol, "5m", primaryLookback)
	if err != nil {
		a.recordDecision(ctx, journal.Decision{
			Symbol: symbol, Action: string(strategy.ActionHold),
			Reason: fmt.Sprintf("market data unavailable: %v", err),
		})
		a.updateSnapshot(symbol, 0, "", string(strategy.ActionHold), "market data unavailable")
		return
	}

	htfCtx, err := a.htf.Context(ctx, symbol)
	if err != nil {
		a.log.Warn("higher-timeframe context unavailable", "symbol", symbol, "error", err)
		htfCtx = nil
	}

	result := a.detector.Detect(candles, htfCtx)
	signal := a.orchestrator.Evaluate(symbol, result, htfCtx)

	price := result.Signals["price"]

	if signal.Action == strategy.ActionHold {
		a.recordDecision(ctx, journal.Decision{
			Symbol: symbol, Action: string(signal.Action), Reason: signal.Reason,
			Regime: string(result.Regime), Confidence: result.Confidence, Signals: result.Signals,
		})
		a.updateSnapshot(symbol, price, string(result.Regime), string(signal.Action), signal.Reason)
		return
	}

	market := a.marketInfo(ctx, symbol, result)
	verdict := a.gate.Evaluate(signal, equity, market)
	if !verdict.Approved {
		reason := verdict.Detail
		if verdict.Reason != risk.SkipNone {
			reason = fmt.Sprintf("%s: %s", verdict.Reason, verdict.Detail)
		}
		a.recordDecision(ctx, journal.Decision{
			Symbol: symbol, Action: string(signal.Action), Reason: reason,
			Regime: string(result.Regime), Confidence: signal.Confidence, Signals: result.Signals,
		})
		a.updateSnapshot(symbol, price, string(result.Regime), "skip", reason)
		return
	}

	a.executeApproved(ctx, symbol, signal, result, verdict)
}

// executeApproved invokes the bracket executor for a gate-approved signal
func (a *Autopilot) executeApproved(ctx context.Context, symbol string, signal strategy.TradeSignal, result regime.Result, verdict risk.Verdict) {
	cash, err := a.availableCash(ctx)
	if err != nil {
		a.state.ReleaseRisk(symbol)
		a.recordDecision(ctx, journal.Decision{
			Symbol: symbol, Action: string(signal.Action),
			Reason: fmt.Sprintf("cash read failed before execution: %v", err),
			Regime: string(result.Regime), Confidence: signal.Confidence, Signals: result.Signals,
		})
		return
	}

	a.inFlight.Add(1)
	defer a.inFlight.Done()

	outcome := a.exec.ExecuteBracket(ctx, signal, verdict.RiskBudgetUSD, cash)

	// The approval's risk reservation either becomes a registered position
	// below or is freed for other symbols
	if outcome.Status != executor.OutcomePlaced {
		a.state.ReleaseRisk(symbol)
	}

	executed := outcome.Status == executor.OutcomePlaced
	a.recordDecision(ctx, journal.Decision{
		Symbol: symbol, Action: string(signal.Action), Reason: signal.Reason,
		Regime: string(result.Regime), Confidence: signal.Confidence, Signals: result.Signals,
		Executed: executed, CorrelationID: outcome.CorrelationID,
	})

	switch outcome.Status {
	case executor.OutcomePlaced:
		a.journal.RecordTrade(ctx, journal.Trade{
			Symbol: symbol, Side: string(sideOf(signal.Action)), Status: "open",
			Quantity: outcome.FilledQty, EntryPrice: outcome.AvgPrice,
			StopLoss: signal.StopLoss, TakeProfit: signal.TakeProfit, Fee: outcome.FeePaid,
			CorrelationID: outcome.CorrelationID, EntryOrderID: outcome.EntryOrderID,
			StopOrderID: outcome.StopOrderID, TakeProfitID: outcome.TakeProfitID,
		})
		a.state.RecordTrade(symbol)
		a.state.RegisterPosition(risk.OpenPosition{
			Symbol: symbol, Side: string(sideOf(signal.Action)),
			Entry: entryOr(outcome.AvgPrice, signal.EntryPrice), Stop: signal.StopLoss,
			Quantity: outcome.FilledQty, OpenedAt: time.Now().UTC(),
		})
		a.mu.Lock()
		a.brackets[symbol] = activeBracket{
			side: sideOf(signal.Action), entryPrice: entryOr(outcome.AvgPrice, signal.EntryPrice),
			quantity: outcome.FilledQty, stopID: outcome.StopOrderID, tpID: outcome.TakeProfitID,
			corrID: outcome.CorrelationID,
		}
		a.mu.Unlock()
		a.noteAction(fmt.Sprintf("opened %s %s qty %.8f", signal.Action, symbol, outcome.FilledQty))
		a.updateSnapshot(symbol, signal.EntryPrice, string(result.Regime), string(signal.Action), signal.Reason)

	case executor.OutcomeSkipped:
		a.updateSnapshot(symbol, signal.EntryPrice, string(result.Regime), "skip", outcome.Reason)

	case executor.OutcomeFlattened:
		a.journal.RecordTrade(ctx, journal.Trade{
			Symbol: symbol, Side: string(sideOf(signal.Action)), Status: "flattened",
			Quantity: outcome.FilledQty, EntryPrice: signal.EntryPrice,
			CorrelationID: outcome.CorrelationID,
		})
		a.journal.RecordAnomaly(ctx, journal.Anomaly{
			Severity: journal.SeverityWarning, Component: "executor",
			Message: "entry flattened after protective leg failure",
			Context: map[string]string{"symbol": symbol, "reason": outcome.Reason},
		})
		a.startCooldown(ctx, symbol)
		a.noteAction(fmt.Sprintf("flattened %s: %s", symbol, outcome.Reason))

	case executor.OutcomeCriticalFailure:
		a.state.PauseGlobal(a.cfg.RiskConfig.PauseDuration, "critical execution failure: "+symbol)
		a.raiseCritical(ctx, "executor", "critical execution failure, global pause engaged", map[string]string{
			"symbol": symbol, "reason": outcome.Reason, "correlation_id": outcome.CorrelationID,
		})
		a.noteAction(fmt.Sprintf("CRITICAL on %s: %s", symbol, outcome.Reason))
	}
}

// supervisePositions detects closed brackets: when neither protective leg
// is still resting, the position is gone. Realized P&L is derived from the
// leg that filled.
func (a *Autopilot) supervisePositions(ctx context.Context) {
	a.mu.Lock()
	tracked := make(map[string]activeBracket, len(a.brackets))
	for sym, b := range a.brackets {
		tracked[sym] = b
	}
	a.mu.Unlock()

	for symbol, bracket := range tracked {
		exitPrice, closed := a.bracketExit(ctx, bracket)
		if !closed {
			continue
		}

		pnl := (exitPrice - bracket.entryPrice) * bracket.quantity
		if bracket.side == kraken.SideSell {
			pnl = -pnl
		}

		a.journal.RecordTrade(ctx, journal.Trade{
			Symbol: symbol, Side: string(bracket.side), Status: "closed",
			Quantity: bracket.quantity, EntryPrice: bracket.entryPrice,
			ExitPrice: exitPrice, PnLUSD: pnl, CorrelationID: bracket.corrID,
		})
		a.state.RecordRealizedPnL(pnl)
		a.state.ClosePosition(symbol)
		a.startCooldown(ctx, symbol)

		a.mu.Lock()
		delete(a.brackets, symbol)
		if today := time.Now().UTC().Format("2006-01-02"); today != a.winLossDate {
			a.winLossDate = today
			a.wins, a.losses = 0, 0
		}
		if pnl > 0 {
			a.wins++
		} else if pnl < 0 {
			a.losses++
		}
		a.mu.Unlock()

		a.noteAction(fmt.Sprintf("closed %s pnl $%.2f", symbol, pnl))
		a.log.Info("position closed", "symbol", symbol, "pnl_usd", pnl, "exit", exitPrice)
	}
}

// bracketExit reports whether the bracket has resolved and at what price
func (a *Autopilot) bracketExit(ctx context.Context, b activeBracket) (float64, bool) {
	legDone := func(id string) (*kraken.Order, bool) {
		if id == "" {
			return nil, true
		}
		order, err := a.exchange.QueryOrder(ctx, id)
		if err != nil {
			return nil, false
		}
		return order, order.Status.Terminal()
	}

	stop, stopDone := legDone(b.stopID)
	tp, tpDone := legDone(b.tpID)
	if !stopDone || !tpDone {
		return 0, false
	}

	if stop != nil && stop.Status == kraken.StatusFilled {
		return exitPriceOf(stop), true
	}
	if tp != nil && tp.Status == kraken.StatusFilled {
		return exitPriceOf(tp), true
	}
	if stop == nil && tp == nil {
		// No protective legs were ever recorded; nothing to supervise
		return b.entryPrice, true
	}
	// Both legs cancelled without a fill: closed externally, use the last
	// known price for the journal
	ticker, err := a.market.Ticker(ctx, stopOrTPSymbol(stop, tp))
	if err != nil {
		return b.entryPrice, true
	}
	return ticker.Last, true
}

func stopOrTPSymbol(stop, tp *kraken.Order) string {
	if stop != nil {
		return stop.Symbol
	}
	return tp.Symbol
}

func exitPriceOf(o *kraken.Order) float64 {
	if o.AvgPrice > 0 {
		return o.AvgPrice
	}
	return o.StopPrice
}

// killSwitch flattens everything and pauses when the daily loss limit is
// breached
func (a *Autopilot) killSwitch(ctx context.Context, equity, dayStart float64) bool {
	if dayStart <= 0 || a.cfg.RiskConfig.MaxDailyLossUSD <= 0 {
		return false
	}
	loss := dayStart - equity
	if loss < a.cfg.RiskConfig.MaxDailyLossUSD {
		return false
	}

	a.log.Error("kill switch tripped", "loss_usd", loss, "limit_usd", a.cfg.RiskConfig.MaxDailyLossUSD)
	a.flattenAll(ctx, "kill switch")
	a.state.PauseGlobal(a.cfg.RiskConfig.PauseDuration, "daily loss limit")
	a.raiseCritical(ctx, "autopilot", "daily loss limit reached, all positions flattened", map[string]string{
		"loss_usd":  fmt.Sprintf("%.2f", loss),
		"limit_usd": fmt.Sprintf("%.2f", a.cfg.RiskConfig.MaxDailyLossUSD),
	})
	a.noteAction(fmt.Sprintf("kill switch: flattened all, loss $%.2f", loss))
	return true
}

// flattenAll market-closes every tracked position
func (a *Autopilot) flattenAll(ctx context.Context, cause string) {
	for _, p := range a.state.Positions() {
		side := kraken.SideSell
		if p.Side == string(kraken.SideSell) {
			side = kraken.SideBuy
		}
		if err := a.exec.FlattenPosition(ctx, p.Symbol, side, p.Quantity); err != nil {
			a.raiseCritical(ctx, "autopilot", "flatten-all leg failed", map[string]string{
				"symbol": p.Symbol, "cause": cause, "error": err.Error(),
			})
			continue
		}
		a.state.ClosePosition(p.Symbol)
		a.startCooldown(ctx, p.Symbol)
		a.mu.Lock()
		delete(a.brackets, p.Symbol)
		a.mu.Unlock()
		a.log.Info("position flattened", "symbol", p.Symbol, "cause", cause)
	}
}

// applyCommands drains the operator bus at the top of the tick. Open and
// bracket requests need the tick's equity figure, so they are returned for
// the caller to service once it is known.
func (a *Autopilot) applyCommands(ctx context.Context) []events.Command {
	var manual []events.Command
	for _, cmd := range a.bus.Drain() {
		switch cmd.Type {
		case events.CommandOpen, events.CommandBracket:
			manual = append(manual, cmd)
		case events.CommandSellAll:
			if cmd.Symbol == "" {
				a.flattenAll(ctx, "operator sell_all")
			} else if p, ok := a.state.Position(cmd.Symbol); ok {
				side := kraken.SideSell
				if p.Side == string(kraken.SideSell) {
					side = kraken.SideBuy
				}
				if err := a.exec.FlattenPosition(ctx, p.Symbol, side, p.Quantity); err == nil {
					a.state.ClosePosition(p.Symbol)
					a.mu.Lock()
					delete(a.brackets, p.Symbol)
					a.mu.Unlock()
				}
			}
			a.noteAction("operator sell_all " + cmd.Symbol)
		case events.CommandPause:
			a.state.PauseGlobal(cmd.Duration, "operator pause")
			a.noteAction(fmt.Sprintf("operator pause %s", cmd.Duration))
		case events.CommandResume:
			a.state.ResumeGlobal()
			a.log.Info("operator resume, global pause cleared")
			a.noteAction("operator resume")
		}
	}
	return manual
}

// ==================== Equity and cash ====================

// equity values the account in USD: quote cash plus every base holding at
// its last price. Unrealized P&L is therefore included.
func (a *Autopilot) equity(ctx context.Context) (float64, error) {
	balances, err := a.exchange.FetchBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetching balances: %w", err)
	}

	total := balances["USD"].Total
	for asset, bal := range balances {
		if asset == "USD" || bal.Total == 0 {
			continue
		}
		ticker, err := a.market.Ticker(ctx, asset+"/USD")
		if err != nil {
			continue
		}
		total += bal.Total * ticker.Last
	}
	return total, nil
}

func (a *Autopilot) availableCash(ctx context.Context) (float64, error) {
	balances, err := a.exchange.FetchBalance(ctx)
	if err != nil {
		return 0, err
	}
	return balances["USD"].Free, nil
}

func (a *Autopilot) marketInfo(ctx context.Context, symbol string, result regime.Result) risk.MarketInfo {
	roundTrip := 2 * a.cfg.KrakenConfig.TakerFeePct / 100
	if roundTrip == 0 {
		roundTrip = 0.0052 // Two taker legs at the venue's base tier
	}
	info := risk.MarketInfo{
		ATRPct:         result.Signals["atr_pct"],
		RoundTripFee:   roundTrip,
		TrendConfirmed: result.Regime != regime.NoTrade,
	}
	if ticker, err := a.market.Ticker(ctx, symbol); err == nil {
		info.Volume24hUSD = ticker.Volume24h * ticker.Last
	}
	return info
}

// ==================== Bookkeeping ====================

func (a *Autopilot) startCooldown(ctx context.Context, symbol string) {
	d := time.Duration(a.cfg.RiskConfig.CooldownMinutes) * time.Minute
	if d <= 0 {
		return
	}
	a.state.StartCooldown(symbol, d)
	if a.store != nil {
		a.store.SaveCooldown(ctx, symbol, time.Now().Add(d))
	}
}

func (a *Autopilot) recordDecision(ctx context.Context, d journal.Decision) {
	if err := a.journal.RecordDecision(ctx, d); err != nil {
		a.log.Error("decision record failed in both sinks", "symbol", d.Symbol, "error", err)
	}
}

func (a *Autopilot) raiseCritical(ctx context.Context, component, message string, fields map[string]string) {
	a.journal.RecordAnomaly(ctx, journal.Anomaly{
		Severity: journal.SeverityCritical, Component: component,
		Message: message, Context: fields,
	})
	if a.notifier != nil {
		if err := a.notifier.Send(ctx, notification.Alert{
			Severity: "CRITICAL", Title: component, Message: message, Fields: fields,
		}); err != nil {
			a.log.Error("operator alert delivery failed", "error", err)
		}
	}
}

func sideOf(action strategy.Action) kraken.Side {
	if action == strategy.ActionShort {
		return kraken.SideSell
	}
	return kraken.SideBuy
}

func entryOr(avg, fallback float64) float64 {
	if avg > 0 {
		return avg
	}
	return fallback
}

func (a *Autopilot) noteAction(action string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, fmt.Sprintf("%s %s", time.Now().UTC().Format("15:04:05"), action))
	if len(a.actions) > 20 {
		a.actions = a.actions[len(a.actions)-20:]
	}
}

func (a *Autopilot) updateSnapshot(symbol string, price float64, regimeName, action, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.heartbeat.Symbols[symbol] = SymbolSnapshot{
		Price: price, Regime: regimeName, Action: action, Reason: reason,
		HasOpen:   hasKey(a.brackets, symbol),
		UpdatedAt: time.Now().UTC(),
	}
}

func hasKey(m map[string]activeBracket, k string) bool {
	_, ok := m[k]
	return ok
}

// finishTick assembles and persists the heartbeat
func (a *Autopilot) finishTick(dog watchdog.Status, equity float64) {
	paused, _, pauseReason := a.state.GlobalPause()
	target := a.state.Target()

	a.mu.Lock()
	a.heartbeat.Running = true
	a.heartbeat.LastLoopAt = time.Now().UTC()
	if equity > 0 {
		a.heartbeat.EquityNow = equity
	}
	a.heartbeat.EquityDayStart = target.StartingEquity
	a.heartbeat.Paused = paused
	a.heartbeat.PauseReason = pauseReason
	a.heartbeat.Cooldowns = a.state.Cooldowns()
	a.heartbeat.Watchdog = dog
	a.heartbeat.LastActions = append([]string(nil), a.actions...)
	a.mu.Unlock()

	a.writeHeartbeat()
	a.upsertDaily(equity, target)
}

// writeHeartbeat persists the state document atomically via temp file and
// rename
func (a *Autopilot) writeHeartbeat() {
	path := a.cfg.TradingConfig.HeartbeatFile
	if path == "" {
		return
	}

	a.mu.Lock()
	data, err := json.MarshalIndent(a.heartbeat, "", "  ")
	a.mu.Unlock()
	if err != nil {
		return
	}

	os.MkdirAll(filepath.Dir(path), 0755)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		a.log.Warn("heartbeat write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		a.log.Warn("heartbeat rename failed", "error", err)
	}
}

func (a *Autopilot) upsertDaily(equity float64, target risk.ProfitTarget) {
	if equity <= 0 {
		return
	}
	daily := a.state.Daily()

	a.mu.Lock()
	wins, losses := a.wins, a.losses
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.journal.UpsertDailySummary(ctx, journal.DailySummary{
		Date:        daily.Date,
		Trades:      daily.TotalTrades,
		Wins:        wins,
		Losses:      losses,
		PnLUSD:      daily.RealizedPnLUSD,
		EquityStart: target.StartingEquity,
		EquityEnd:   equity,
	})
}

// StatusDocument implements the control API's status provider
func (a *Autopilot) StatusDocument() interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	hb := a.heartbeat
	hb.Symbols = make(map[string]SymbolSnapshot, len(a.heartbeat.Symbols))
	for k, v := range a.heartbeat.Symbols {
		hb.Symbols[k] = v
	}
	return hb
}
