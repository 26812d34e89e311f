package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kraken-trading-bot/config"
	"kraken-trading-bot/internal/kraken"
	"kraken-trading-bot/internal/strategy"
)

// seqIDs issues deterministic correlation ids
type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NextID(ctx context.Context, symbol string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("corr-%d", s.n)
}

// mockExchange scripts venue behavior for executor tests
type mockExchange struct {
	mu sync.Mutex

	atomic           bool
	balances         map[string]float64
	orders           map[string]*kraken.Order
	byClientID       map[string]string
	seq              int
	placed           []kraken.OrderRequest
	bracketCalls     int
	failStopLeg      bool
	failFlatten      bool
	flattenNoEffect  bool // Flatten accepted but balance never changes
	placeErrs        []error
	authFailures     int // Placements to reject with an auth error
	resetAuthCalls   int
	fillInstantly    bool
	meta             kraken.MarketMetadata
}

func newMockExchange(atomic bool) *mockExchange {
	return &mockExchange{
		atomic:        atomic,
		balances:      map[string]float64{"USD": 10000, "BTC": 0},
		orders:        make(map[string]*kraken.Order),
		byClientID:    make(map[string]string),
		fillInstantly: true,
		meta: kraken.MarketMetadata{
			Symbol: "BTC/USD", Native: "XXBTZUSD", Base: "BTC", Quote: "USD",
			MinQty: 0.0001, MinCost: 0.5, PricePrecision: 1, QtyPrecision: 8,
		},
	}
}

func (m *mockExchange) SupportsAtomicBracket() bool { return m.atomic }

func (m *mockExchange) ResetAuth() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetAuthCalls++
}

func (m *mockExchange) FetchTicker(ctx context.Context, symbol string) (*kraken.Ticker, error) {
	return &kraken.Ticker{Symbol: symbol, Last: 100}, nil
}

func (m *mockExchange) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]kraken.Candle, error) {
	return nil, nil
}

func (m *mockExchange) FetchBalance(ctx context.Context) (map[string]kraken.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]kraken.Balance)
	for asset, total := range m.balances {
		out[asset] = kraken.Balance{Free: total, Total: total}
	}
	return out, nil
}

func (m *mockExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]kraken.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var open []kraken.Order
	for _, o := range m.orders {
		if !o.Status.Terminal() && (symbol == "" || o.Symbol == symbol) {
			open = append(open, *o)
		}
	}
	return open, nil
}

func (m *mockExchange) nextOrderID() string {
	m.seq++
	return fmt.Sprintf("OID-%d", m.seq)
}

func (m *mockExchange) PlaceOrder(ctx context.Context, req kraken.OrderRequest) (*kraken.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.authFailures > 0 {
		m.authFailures--
		return nil, kraken.NewAPIError(kraken.ErrKindAuth, "EAPI:Invalid key", nil)
	}
	if len(m.placeErrs) > 0 {
		err := m.placeErrs[0]
		m.placeErrs = m.placeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if m.failStopLeg && req.Type == kraken.OrderTypeStopLoss {
		return nil, kraken.NewAPIError(kraken.ErrKindReject, "stop rejected", nil)
	}
	if req.ReduceOnly && req.Type == kraken.OrderTypeMarket && m.failFlatten {
		return nil, kraken.NewAPIError(kraken.ErrKindReject, "flatten rejected", nil)
	}

	m.placed = append(m.placed, req)
	order := &kraken.Order{
		ID: m.nextOrderID(), ClientID: req.ClientID, Symbol: req.Symbol,
		Side: req.Side, Type: req.Type, Quantity: req.Quantity,
		LimitPrice: req.LimitPrice, StopPrice: req.StopPrice,
		ReduceOnly: req.ReduceOnly, Status: kraken.StatusOpen,
		CreatedAt: time.Now().UTC(),
	}

	if req.Type == kraken.OrderTypeMarket && m.fillInstantly {
		order.Status = kraken.StatusFilled
		order.FilledQty = req.Quantity
		order.AvgPrice = 100
		if !m.flattenNoEffect || !req.ReduceOnly {
			if req.Side == kraken.SideBuy {
				m.balances["BTC"] += req.Quantity
				m.balances["USD"] -= req.Quantity * 100
			} else {
				m.balances["BTC"] -= req.Quantity
				m.balances["USD"] += req.Quantity * 100
			}
		}
	}

	m.orders[order.ID] = order
	if req.ClientID != "" {
		m.byClientID[req.ClientID] = order.ID
	}
	return order, nil
}

func (m *mockExchange) PlaceBracket(ctx context.Context, req kraken.BracketRequest) (*kraken.BracketResult, error) {
	m.mu.Lock()
	m.bracketCalls++
	m.mu.Unlock()

	entry, err := m.PlaceOrder(ctx, kraken.OrderRequest{
		Symbol: req.Symbol, Side: req.Side, Type: kraken.OrderTypeMarket,
		Quantity: req.Quantity, ClientID: req.ClientID,
	})
	if err != nil {
		return nil, err
	}
	stop, _ := m.PlaceOrder(ctx, kraken.OrderRequest{
		Symbol: req.Symbol, Side: kraken.SideSell, Type: kraken.OrderTypeStopLoss,
		Quantity: req.Quantity, StopPrice: req.StopPrice, ReduceOnly: true,
	})
	result := &kraken.BracketResult{Atomic: true, EntryOrder: entry, StopOrder: stop}
	if req.TakeProfitPrice > 0 {
		tp, _ := m.PlaceOrder(ctx, kraken.OrderRequest{
			Symbol: req.Symbol, Side: kraken.SideSell, Type: kraken.OrderTypeTakeProfit,
			Quantity: req.Quantity, StopPrice: req.TakeProfitPrice, ReduceOnly: true,
		})
		result.TakeProfit = tp
	}
	return result, nil
}

func (m *mockExchange) QueryOrder(ctx context.Context, id string) (*kraken.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, kraken.NewAPIError(kraken.ErrKindNotFound, "not found", nil)
	}
	c := *o
	return &c, nil
}

func (m *mockExchange) QueryOrderByClientID(ctx context.Context, clientID string) (*kraken.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byClientID[clientID]
	if !ok {
		return nil, kraken.NewAPIError(kraken.ErrKindNotFound, "not found", nil)
	}
	c := *m.orders[id]
	return &c, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return kraken.NewAPIError(kraken.ErrKindNotFound, "not found", nil)
	}
	if !o.Status.Terminal() {
		o.Status = kraken.StatusCancelled
	}
	return nil
}

func (m *mockExchange) MarketMetadata(ctx context.Context, symbol string) (*kraken.MarketMetadata, error) {
	meta := m.meta
	return &meta, nil
}

func (m *mockExchange) NormalizeSymbol(ctx context.Context, canonical string) (string, error) {
	return m.meta.Native, nil
}

func (m *mockExchange) ServerTime(ctx context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

var _ kraken.Exchange = (*mockExchange)(nil)

func testExecConfig() Config {
	return Config{
		Mode:             config.ExecModeBracket,
		FillTimeout:      2 * time.Second,
		FillPollInterval: 10 * time.Millisecond,
		PlacementRetries: 2,
		MaxPositionUSD:   500,
		DustEpsilon:      1e-8,
	}
}

func testSignal() strategy.TradeSignal {
	return strategy.TradeSignal{
		Symbol:         "BTC/USD",
		Action:         strategy.ActionLong,
		EntryPrice:     100,
		StopLoss:       98,
		TakeProfit:     103,
		SizeMultiplier: 1,
	}
}

func newTestExecutor(ex kraken.Exchange) *Executor {
	return New(ex, &seqIDs{}, testExecConfig(), zerolog.Nop())
}

func TestSizingHappyPath(t *testing.T) {
	// $20 budget over $2 risk-per-unit gives 10 units, clamped by the $500
	// position cap at price 100 to 5 units
	ex := newMockExchange(true)
	e := newTestExecutor(ex)

	outcome := e.ExecuteBracket(context.Background(), testSignal(), 20, 10000)

	require.Equal(t, OutcomePlaced, outcome.Status)
	assert.InDelta(t, 5.0, outcome.FilledQty, 1e-9)
	assert.NotEmpty(t, outcome.StopOrderID)
	assert.NotEmpty(t, outcome.TakeProfitID)
}

func TestSizingSkipsInvalidStop(t *testing.T) {
	ex := newMockExchange(true)
	e := newTestExecutor(ex)

	bad := testSignal()
	bad.StopLoss = bad.EntryPrice

	outcome := e.ExecuteBracket(context.Background(), bad, 20, 10000)
	assert.Equal(t, OutcomeSkipped, outcome.Status)
	assert.Contains(t, outcome.Reason, "invalid stop")
	assert.Zero(t, ex.bracketCalls)
}

func TestSizingBumpsToVenueMinimum(t *testing.T) {
	ex := newMockExchange(true)
	ex.meta.MinQty = 0.1 // Above the ~0.005 the tiny budget would produce
	e := newTestExecutor(ex)

	outcome := e.ExecuteBracket(context.Background(), testSignal(), 0.01, 10000)

	require.Equal(t, OutcomePlaced, outcome.Status)
	assert.InDelta(t, 0.105, outcome.FilledQty, 1e-9, "quantity bumped 5%% above the venue minimum")
}

func TestSizingMinimumBumpCarriesBuffer(t *testing.T) {
	ex := newMockExchange(true)
	ex.meta.MinQty = 0.01
	e := newTestExecutor(ex)

	// $0.014 budget over $2 risk-per-unit gives 0.007, below the 0.01
	// venue minimum
	outcome := e.ExecuteBracket(context.Background(), testSignal(), 0.014, 10000)

	require.Equal(t, OutcomePlaced, outcome.Status)
	assert.InDelta(t, 0.0105, outcome.FilledQty, 1e-9)
}

func TestSizingSkipsWhenBumpExceedsCash(t *testing.T) {
	ex := newMockExchange(true)
	ex.meta.MinQty = 0.1 // Buffered minimum notional $10.50 vs $5 available cash
	e := newTestExecutor(ex)

	outcome := e.ExecuteBracket(context.Background(), testSignal(), 0.01, 5)

	assert.Equal(t, OutcomeSkipped, outcome.Status)
	assert.Contains(t, outcome.Reason, "minimum")
	assert.Zero(t, ex.bracketCalls)
}

func TestSizingSkipsWhenBumpExceedsPositionCap(t *testing.T) {
	ex := newMockExchange(true)
	ex.meta.MinQty = 0.1
	cfg := testExecConfig()
	cfg.MaxPositionUSD = 10 // Below the $10.50 buffered minimum notional
	e := New(ex, &seqIDs{}, cfg, zerolog.Nop())

	outcome := e.ExecuteBracket(context.Background(), testSignal(), 0.01, 10000)

	assert.Equal(t, OutcomeSkipped, outcome.Status)
	assert.Contains(t, outcome.Reason, "minimum")
	assert.Zero(t, ex.bracketCalls)
}

func TestProtectivePricesRoundTowardEntry(t *testing.T) {
	// Price precision is one decimal: a long's 97.94 stop must round up to
	// 98.0, never down to 97.9 where the planned risk would widen, and the
	// 103.27 target must round down to 103.2
	ex := newMockExchange(true)
	e := newTestExecutor(ex)

	sig := testSignal()
	sig.StopLoss = 97.94
	sig.TakeProfit = 103.27

	outcome := e.ExecuteBracket(context.Background(), sig, 20, 10000)
	require.Equal(t, OutcomePlaced, outcome.Status)

	var stopPrice, targetPrice float64
	for _, req := range ex.placed {
		switch req.Type {
		case kraken.OrderTypeStopLoss:
			stopPrice = req.StopPrice
		case kraken.OrderTypeTakeProfit:
			targetPrice = req.StopPrice
		}
	}
	assert.InDelta(t, 98.0, stopPrice, 1e-9)
	assert.InDelta(t, 103.2, targetPrice, 1e-9)
}

func TestAuthRejectionRefreshesOnceAndRecovers(t *testing.T) {
	ex := newMockExchange(true)
	ex.authFailures = 1
	e := newTestExecutor(ex)

	outcome := e.ExecuteBracket(context.Background(), testSignal(), 20, 10000)

	require.Equal(t, OutcomePlaced, outcome.Status)
	assert.Equal(t, 1, ex.resetAuthCalls)
}

func TestPersistentAuthRejectionIsCritical(t *testing.T) {
	ex := newMockExchange(true)
	ex.authFailures = 4
	e := newTestExecutor(ex)

	outcome := e.ExecuteBracket(context.Background(), testSignal(), 20, 10000)

	require.Equal(t, OutcomeCriticalFailure, outcome.Status)
	assert.Contains(t, outcome.Reason, "auth rejected after credential refresh")
	assert.Equal(t, 1, ex.resetAuthCalls, "credentials refresh once, not in a loop")
}

func TestAtomicPathPreferred(t *testing.T) {
	ex := newMockExchange(true)
	e := newTestExecutor(ex)

	outcome := e.ExecuteBracket(context.Background(), testSignal(), 20, 10000)

	require.Equal(t, OutcomePlaced, outcome.Status)
	assert.Equal(t, 1, ex.bracketCalls)
}

func TestSequentialFallbackPlacesProtectiveLegs(t *testing.T) {
	ex := newMockExchange(false)
	e := newTestExecutor(ex)

	outcome := e.ExecuteBracket(context.Background(), testSignal(), 20, 10000)

	require.Equal(t, OutcomePlaced, outcome.Status)
	assert.Zero(t, ex.bracketCalls, "non-atomic venues never get batch placement")
	assert.NotEmpty(t, outcome.StopOrderID)
	assert.NotEmpty(t, outcome.TakeProfitID)

	// Protective legs are reduce_only and sized to the verified fill
	var stops, tps int
	for _, req := range ex.placed {
		switch req.Type {
		case kraken.OrderTypeStopLoss:
			stops++
			assert.True(t, req.ReduceOnly)
			assert.InDelta(t, outcome.FilledQty, req.Quantity, 1e-9)
		case kraken.OrderTypeTakeProfit:
			tps++
			assert.True(t, req.ReduceOnly)
		}
	}
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, tps)
}

func TestStopFailureFlattensAndVerifies(t *testing.T) {
	ex := newMockExchange(false)
	ex.failStopLeg = true
	e := newTestExecutor(ex)

	outcome := e.ExecuteBracket(context.Background(), testSignal(), 20, 10000)

	require.Equal(t, OutcomeFlattened, outcome.Status)
	assert.Contains(t, outcome.Reason, "stop placement failed")

	// The reducing market sell returned the base balance to baseline
	balances, _ := ex.FetchBalance(context.Background())
	assert.InDelta(t, 0, balances["BTC"].Total, 1e-9)
}

func TestFlattenRejectedIsCritical(t *testing.T) {
	ex := newMockExchange(false)
	ex.failStopLeg = true
	ex.failFlatten = true
	e := newTestExecutor(ex)

	outcome := e.ExecuteBracket(context.Background(), testSignal(), 20, 10000)

	require.Equal(t, OutcomeCriticalFailure, outcome.Status)
	assert.Contains(t, outcome.Reason, "flatten rejected")
}

func TestFlattenUnverifiedIsCritical(t *testing.T) {
	// The flatten order is accepted but the balance never moves, so the
	// re-read verification must fail
	ex := newMockExchange(false)
	ex.failStopLeg = true
	ex.flattenNoEffect = true
	e := newTestExecutor(ex)

	outcome := e.ExecuteBracket(context.Background(), testSignal(), 20, 10000)

	require.Equal(t, OutcomeCriticalFailure, outcome.Status)
	assert.Contains(t, outcome.Reason, "balance never returned to baseline")
}

func TestTransientEntryRetriesIdempotently(t *testing.T) {
	ex := newMockExchange(false)
	ex.placeErrs = []error{kraken.NewAPIError(kraken.ErrKindTransient, "timeout", nil)}
	e := newTestExecutor(ex)

	outcome := e.ExecuteBracket(context.Background(), testSignal(), 20, 10000)

	require.Equal(t, OutcomePlaced, outcome.Status)

	// Exactly one entry landed despite the retry
	entries := 0
	for _, req := range ex.placed {
		if req.Type == kraken.OrderTypeMarket && !req.ReduceOnly {
			entries++
		}
	}
	assert.Equal(t, 1, entries)
}

func TestNonTransientEntryRejectSkips(t *testing.T) {
	ex := newMockExchange(false)
	ex.placeErrs = []error{kraken.NewAPIError(kraken.ErrKindInsufficientFunds, "broke", nil)}
	e := newTestExecutor(ex)

	outcome := e.ExecuteBracket(context.Background(), testSignal(), 20, 10000)

	assert.Equal(t, OutcomeSkipped, outcome.Status)
	assert.Contains(t, outcome.Reason, "entry rejected")
}

func TestMarketOnlyModeSkipsProtectiveLegs(t *testing.T) {
	ex := newMockExchange(false)
	cfg := testExecConfig()
	cfg.Mode = config.ExecModeMarketOnly
	e := New(ex, &seqIDs{}, cfg, zerolog.Nop())

	outcome := e.ExecuteBracket(context.Background(), testSignal(), 20, 10000)

	require.Equal(t, OutcomePlaced, outcome.Status)
	assert.Empty(t, outcome.StopOrderID)
	for _, req := range ex.placed {
		assert.NotEqual(t, kraken.OrderTypeStopLoss, req.Type)
	}
}

func TestFlattenPositionCancelsProtectiveLegsFirst(t *testing.T) {
	ex := newMockExchange(false)
	e := newTestExecutor(ex)
	ctx := context.Background()

	outcome := e.ExecuteBracket(ctx, testSignal(), 20, 10000)
	require.Equal(t, OutcomePlaced, outcome.Status)

	require.NoError(t, e.FlattenPosition(ctx, "BTC/USD", kraken.SideSell, outcome.FilledQty))

	stop, err := ex.QueryOrder(ctx, outcome.StopOrderID)
	require.NoError(t, err)
	assert.Equal(t, kraken.StatusCancelled, stop.Status)

	balances, _ := ex.FetchBalance(ctx)
	assert.InDelta(t, 0, balances["BTC"].Total, 1e-9)
}
