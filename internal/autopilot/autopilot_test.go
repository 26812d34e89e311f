package autopilot

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kraken-trading-bot/config"
	"kraken-trading-bot/internal/cache"
	"kraken-trading-bot/internal/events"
	"kraken-trading-bot/internal/executor"
	"kraken-trading-bot/internal/journal"
	"kraken-trading-bot/internal/kraken"
	"kraken-trading-bot/internal/marketdata"
	"kraken-trading-bot/internal/notification"
	"kraken-trading-bot/internal/regime"
	"kraken-trading-bot/internal/risk"
	"kraken-trading-bot/internal/strategy"
	"kraken-trading-bot/internal/universe"
	"kraken-trading-bot/internal/watchdog"
)

// venueStub scripts the exchange for loop tests
type venueStub struct {
	mu         sync.Mutex
	balances   map[string]float64
	candles    []kraken.Candle
	orders     map[string]*kraken.Order
	byClientID map[string]string
	seq        int
	placed     []kraken.OrderRequest
}

func newVenueStub() *venueStub {
	return &venueStub{
		balances:   map[string]float64{"USD": 1000},
		orders:     make(map[string]*kraken.Order),
		byClientID: make(map[string]string),
	}
}

func (v *venueStub) setUSD(amount float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances["USD"] = amount
}

func (v *venueStub) FetchTicker(ctx context.Context, symbol string) (*kraken.Ticker, error) {
	return &kraken.Ticker{Symbol: symbol, Last: 100, Volume24h: 100000}, nil
}

func (v *venueStub) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]kraken.Candle, error) {
	return v.candles, nil
}

func (v *venueStub) FetchBalance(ctx context.Context) (map[string]kraken.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]kraken.Balance)
	for asset, total := range v.balances {
		out[asset] = kraken.Balance{Free: total, Total: total}
	}
	return out, nil
}

func (v *venueStub) FetchOpenOrders(ctx context.Context, symbol string) ([]kraken.Order, error) {
	return nil, nil
}

func (v *venueStub) PlaceOrder(ctx context.Context, req kraken.OrderRequest) (*kraken.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placed = append(v.placed, req)
	v.seq++
	order := &kraken.Order{
		ID: fmt.Sprintf("OID-%d", v.seq), ClientID: req.ClientID, Symbol: req.Symbol,
		Side: req.Side, Type: req.Type, Quantity: req.Quantity,
		StopPrice: req.StopPrice, ReduceOnly: req.ReduceOnly,
		Status: kraken.StatusOpen, CreatedAt: time.Now().UTC(),
	}
	if req.Type == kraken.OrderTypeMarket {
		order.Status = kraken.StatusFilled
		order.FilledQty = req.Quantity
		order.AvgPrice = 100
		if req.Side == kraken.SideBuy {
			v.balances["BTC"] += req.Quantity
			v.balances["USD"] -= req.Quantity * 100
		} else {
			v.balances["BTC"] -= req.Quantity
			v.balances["USD"] += req.Quantity * 100
		}
	}
	v.orders[order.ID] = order
	if req.ClientID != "" {
		v.byClientID[req.ClientID] = order.ID
	}
	return order, nil
}

func (v *venueStub) PlaceBracket(ctx context.Context, req kraken.BracketRequest) (*kraken.BracketResult, error) {
	entry, err := v.PlaceOrder(ctx, kraken.OrderRequest{
		Symbol: req.Symbol, Side: req.Side, Type: kraken.OrderTypeMarket,
		Quantity: req.Quantity, ClientID: req.ClientID,
	})
	if err != nil {
		return nil, err
	}
	stop, _ := v.PlaceOrder(ctx, kraken.OrderRequest{
		Symbol: req.Symbol, Side: kraken.SideSell, Type: kraken.OrderTypeStopLoss,
		Quantity: req.Quantity, StopPrice: req.StopPrice, ReduceOnly: true,
	})
	result := &kraken.BracketResult{Atomic: true, EntryOrder: entry, StopOrder: stop}
	if req.TakeProfitPrice > 0 {
		tp, _ := v.PlaceOrder(ctx, kraken.OrderRequest{
			Symbol: req.Symbol, Side: kraken.SideSell, Type: kraken.OrderTypeTakeProfit,
			Quantity: req.Quantity, StopPrice: req.TakeProfitPrice, ReduceOnly: true,
		})
		result.TakeProfit = tp
	}
	return result, nil
}

func (v *venueStub) QueryOrder(ctx context.Context, id string) (*kraken.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[id]
	if !ok {
		return nil, kraken.NewAPIError(kraken.ErrKindNotFound, "not found", nil)
	}
	c := *o
	return &c, nil
}

func (v *venueStub) QueryOrderByClientID(ctx context.Context, clientID string) (*kraken.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.byClientID[clientID]
	if !ok {
		return nil, kraken.NewAPIError(kraken.ErrKindNotFound, "not found", nil)
	}
	c := *v.orders[id]
	return &c, nil
}

func (v *venueStub) CancelOrder(ctx context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if o, ok := v.orders[id]; ok && !o.Status.Terminal() {
		o.Status = kraken.StatusCancelled
	}
	return nil
}

func (v *venueStub) MarketMetadata(ctx context.Context, symbol string) (*kraken.MarketMetadata, error) {
	return &kraken.MarketMetadata{
		Symbol: symbol, Native: "XXBTZUSD", Base: "BTC", Quote: "USD",
		MinQty: 0.0001, MinCost: 0.5, PricePrecision: 1, QtyPrecision: 8,
	}, nil
}

func (v *venueStub) NormalizeSymbol(ctx context.Context, canonical string) (string, error) {
	return "XXBTZUSD", nil
}

func (v *venueStub) ServerTime(ctx context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

func (v *venueStub) SupportsAtomicBracket() bool { return true }
func (v *venueStub) ResetAuth()                  {}

var _ kraken.Exchange = (*venueStub)(nil)

// captureNotifier records alerts for assertions
type captureNotifier struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (n *captureNotifier) Send(ctx context.Context, alert notification.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func testConfig(t *testing.T, symbols []string) *config.Config {
	cfg := &config.Config{}
	cfg.TradingConfig = config.TradingConfig{
		Symbols:          symbols,
		TradeIntervalSec: 60,
		WorkerCount:      2,
		ShutdownGraceSec: 1,
		HeartbeatFile:    filepath.Join(t.TempDir(), "heartbeat.json"),
	}
	cfg.RiskConfig = config.RiskConfig{
		RiskPerTradePct:    2,
		MaxActiveRiskPct:   6,
		MaxPositionUSD:     500,
		MaxTradesPerDay:    10,
		MaxTradesPerSymbol: 3,
		MaxDailyLossUSD:    50,
		MinRiskRewardRatio: 1.2,
		CooldownMinutes:    30,
		PauseDuration:      6 * time.Hour,
		DustEpsilon:        1e-8,
	}
	return cfg
}

type harness struct {
	auto    *Autopilot
	venue   *venueStub
	state   *risk.State
	journal *journal.Journal
	store   *journal.FileStore
	bus     *events.Bus
	alerts  *captureNotifier
}

func newHarness(t *testing.T, cfg *config.Config, targetEnabled bool, targetPct float64) *harness {
	venue := newVenueStub()
	store, err := journal.NewFileStore(t.TempDir())
	require.NoError(t, err)
	jnl := journal.New(nil, store, "test", zerolog.Nop())

	state := risk.NewState(targetEnabled, targetPct, targetPct, 6*time.Hour)
	gate := risk.NewGate(cfg.RiskConfig, state)

	market := marketdata.NewCache(venue, time.Minute)
	htf := marketdata.NewHTFProvider(market)
	detector := regime.NewDetector(config.RegimeConfig{
		ADXThreshold: 25, MinADX: 15, MinVolatilityPct: 0.1,
		ATRSpikeMultiplier: 2, BreakoutMarginATR: 0.25,
		MaxRangeWidthPct: 5, BBPeriod: 20, BBStdDev: 2,
	})
	orchestrator := strategy.NewOrchestrator(config.StrategyConfig{
		TrendPullbackPct: 0.2, TrendRSIMax: 70, RangeBandPercentile: 0.25,
		RangeRSIMax: 45, TrendStopATR: 2, TrendTargetATR: 3,
		BreakoutStopATR: 2.5, BreakoutTargetATR: 4, HTFAlignedBoost: 0.1,
	}, false)

	exec := executor.New(venue, cache.UUIDSource{}, executor.Config{
		Mode:             config.ExecModeBracket,
		FillTimeout:      time.Second,
		FillPollInterval: 10 * time.Millisecond,
		PlacementRetries: 2,
		MaxPositionUSD:   cfg.RiskConfig.MaxPositionUSD,
		DustEpsilon:      1e-8,
	}, zerolog.Nop())

	bus := events.NewBus(8)
	alerts := &captureNotifier{}

	auto := New(Deps{
		Config:       cfg,
		Exchange:     venue,
		Market:       market,
		HTF:          htf,
		Detector:     detector,
		Orchestrator: orchestrator,
		Gate:         gate,
		State:        state,
		Executor:     exec,
		Journal:      jnl,
		Watchdog:     watchdog.New(venue, 3, time.Second, time.Second),
		Bus:          bus,
		Notifier:     alerts,
		Scanner:      universe.New(venue, nil, config.UniverseConfig{}, cfg.TradingConfig.Symbols),
	})
	return &harness{auto: auto, venue: venue, state: state, journal: jnl, store: store, bus: bus, alerts: alerts}
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

func TestTickRecordsOneDecisionPerSymbol(t *testing.T) {
	cfg := testConfig(t, []string{"BTC/USD", "ETH/USD"})
	h := newHarness(t, cfg, false, 0)

	// Too few candles for any regime call; every symbol still gets a decision
	h.auto.tick(context.Background(), time.Minute)

	decisions, err := h.store.ReadDecisions(context.Background(), today())
	require.NoError(t, err)
	require.Len(t, decisions, 2)

	seen := map[string]int{}
	for _, d := range decisions {
		seen[d.Symbol]++
		assert.Equal(t, string(strategy.ActionHold), d.Action)
		assert.False(t, d.Executed)
	}
	assert.Equal(t, 1, seen["BTC/USD"])
	assert.Equal(t, 1, seen["ETH/USD"])
}

func TestKillSwitchFlattensAndPauses(t *testing.T) {
	cfg := testConfig(t, []string{"BTC/USD"})
	h := newHarness(t, cfg, false, 0)

	// First tick snapshots day-start equity at 1000
	h.auto.tick(context.Background(), time.Minute)
	paused, _, _ := h.state.GlobalPause()
	require.False(t, paused)

	// Hold a position so the kill switch has something to flatten
	h.state.RegisterPosition(risk.OpenPosition{
		Symbol: "BTC/USD", Side: "buy", Entry: 100, Stop: 98, Quantity: 1,
	})
	h.venue.setUSD(940) // Loss of 60 against a 50 limit

	h.auto.tick(context.Background(), time.Minute)

	paused, _, reason := h.state.GlobalPause()
	assert.True(t, paused)
	assert.Equal(t, "daily loss limit", reason)
	assert.Empty(t, h.state.Positions())

	// The flatten is a reduce-only market sell
	h.venue.mu.Lock()
	var reduces int
	for _, req := range h.venue.placed {
		if req.ReduceOnly && req.Type == kraken.OrderTypeMarket {
			reduces++
		}
	}
	h.venue.mu.Unlock()
	assert.Equal(t, 1, reduces)

	h.alerts.mu.Lock()
	defer h.alerts.mu.Unlock()
	require.NotEmpty(t, h.alerts.alerts)
	assert.Equal(t, "CRITICAL", h.alerts.alerts[len(h.alerts.alerts)-1].Severity)
}

func TestProfitTargetPauseStopsTrading(t *testing.T) {
	cfg := testConfig(t, []string{"BTC/USD"})
	h := newHarness(t, cfg, true, 0.01)

	h.auto.tick(context.Background(), time.Minute)
	decisions, err := h.store.ReadDecisions(context.Background(), today())
	require.NoError(t, err)
	baseline := len(decisions)

	// 1.5% up on the day crosses the 1% target
	h.venue.setUSD(1015)
	h.auto.tick(context.Background(), time.Minute)

	paused, _ := h.state.ProfitTargetPaused()
	assert.True(t, paused)

	decisions, err = h.store.ReadDecisions(context.Background(), today())
	require.NoError(t, err)
	assert.Equal(t, baseline, len(decisions), "no decisions once the target pause is active")
}

func TestExecutedDecisionPrecedesTrade(t *testing.T) {
	cfg := testConfig(t, []string{"BTC/USD"})
	h := newHarness(t, cfg, false, 0)

	signal := strategy.TradeSignal{
		Symbol: "BTC/USD", Action: strategy.ActionLong,
		EntryPrice: 100, StopLoss: 98, TakeProfit: 103,
		SizeMultiplier: 1, Reason: "test entry",
	}
	result := regime.Result{Regime: regime.TrendUp, Confidence: 0.8}
	verdict := risk.Verdict{Approved: true, RiskBudgetUSD: 20}

	h.auto.executeApproved(context.Background(), "BTC/USD", signal, result, verdict)

	decisions, err := h.store.ReadDecisions(context.Background(), today())
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.True(t, decisions[0].Executed)
	require.NotEmpty(t, decisions[0].CorrelationID)

	trades, err := h.store.ReadTrades(context.Background(), today())
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "open", trades[0].Status)
	assert.Equal(t, decisions[0].CorrelationID, trades[0].CorrelationID)

	pos, ok := h.state.Position("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, "buy", pos.Side)
	assert.Greater(t, pos.Quantity, 0.0)
}

func TestSupervisorClosesFilledBracket(t *testing.T) {
	cfg := testConfig(t, []string{"BTC/USD"})
	h := newHarness(t, cfg, false, 0)

	signal := strategy.TradeSignal{
		Symbol: "BTC/USD", Action: strategy.ActionLong,
		EntryPrice: 100, StopLoss: 98, TakeProfit: 103,
		SizeMultiplier: 1, Reason: "test entry",
	}
	h.auto.executeApproved(context.Background(), "BTC/USD", signal, regime.Result{Regime: regime.TrendUp}, risk.Verdict{Approved: true, RiskBudgetUSD: 20})

	h.auto.mu.Lock()
	bracket, ok := h.auto.brackets["BTC/USD"]
	h.auto.mu.Unlock()
	require.True(t, ok)

	// Simulate the take-profit filling at 103 and the stop being cancelled
	h.venue.mu.Lock()
	if tp, exists := h.venue.orders[bracket.tpID]; exists {
		tp.Status = kraken.StatusFilled
		tp.FilledQty = bracket.quantity
		tp.AvgPrice = 103
	}
	if stop, exists := h.venue.orders[bracket.stopID]; exists {
		stop.Status = kraken.StatusCancelled
	}
	h.venue.mu.Unlock()

	h.auto.supervisePositions(context.Background())

	_, open := h.state.Position("BTC/USD")
	assert.False(t, open)

	active, _ := h.state.CooldownActive("BTC/USD")
	assert.True(t, active, "closed symbol enters cooldown")

	trades, err := h.store.ReadTrades(context.Background(), today())
	require.NoError(t, err)
	var closed *journal.Trade
	for i := range trades {
		if trades[i].Status == "closed" {
			closed = &trades[i]
		}
	}
	require.NotNil(t, closed)
	assert.InDelta(t, (103-bracket.entryPrice)*bracket.quantity, closed.PnLUSD, 1e-9)
}

func TestOperatorPauseAndResume(t *testing.T) {
	cfg := testConfig(t, []string{"BTC/USD"})
	h := newHarness(t, cfg, false, 0)

	require.NoError(t, h.bus.Enqueue(events.Command{Type: events.CommandPause, Duration: time.Hour, Source: "test"}))
	h.auto.tick(context.Background(), time.Minute)
	paused, _, _ := h.state.GlobalPause()
	assert.True(t, paused)

	require.NoError(t, h.bus.Enqueue(events.Command{Type: events.CommandResume, Source: "test"}))
	h.auto.tick(context.Background(), time.Minute)
	paused, _, _ = h.state.GlobalPause()
	assert.False(t, paused)
}

func TestOperatorBracketRunsThroughGate(t *testing.T) {
	cfg := testConfig(t, []string{"BTC/USD"})
	h := newHarness(t, cfg, false, 0)

	require.NoError(t, h.bus.Enqueue(events.Command{
		Type: events.CommandBracket, Symbol: "BTC/USD", Stop: 98, Target: 103, Source: "test",
	}))
	h.auto.tick(context.Background(), time.Minute)

	pos, ok := h.state.Position("BTC/USD")
	require.True(t, ok, "approved operator bracket opens a position")
	assert.Greater(t, pos.Quantity, 0.0)

	trades, err := h.store.ReadTrades(context.Background(), today())
	require.NoError(t, err)
	require.NotEmpty(t, trades)
	assert.Equal(t, "open", trades[0].Status)
}

func TestOperatorBracketBlockedWhilePaused(t *testing.T) {
	cfg := testConfig(t, []string{"BTC/USD"})
	h := newHarness(t, cfg, false, 0)

	h.state.PauseGlobal(time.Hour, "test pause")
	require.NoError(t, h.bus.Enqueue(events.Command{
		Type: events.CommandBracket, Symbol: "BTC/USD", Stop: 98, Target: 103, Source: "test",
	}))
	h.auto.tick(context.Background(), time.Minute)

	_, ok := h.state.Position("BTC/USD")
	assert.False(t, ok, "the gate rejects operator brackets during a global pause")
}

func TestHeartbeatWritten(t *testing.T) {
	cfg := testConfig(t, []string{"BTC/USD"})
	h := newHarness(t, cfg, false, 0)

	h.auto.tick(context.Background(), time.Minute)

	doc, ok := h.auto.StatusDocument().(Heartbeat)
	require.True(t, ok)
	assert.True(t, doc.Running)
	assert.False(t, doc.LastLoopAt.IsZero())
	assert.InDelta(t, 1000, doc.EquityNow, 1e-9)

	assert.FileExists(t, cfg.TradingConfig.HeartbeatFile)
}
