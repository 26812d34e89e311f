package kraken

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMarket serves canned prices for paper client tests
type fakeMarket struct {
	last    float64
	candles []Candle
}

func (f *fakeMarket) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	return &Ticker{Symbol: symbol, Last: f.last, Bid: f.last - 1, Ask: f.last + 1, Time: time.Now().UTC()}, nil
}

func (f *fakeMarket) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	return f.candles, nil
}

func (f *fakeMarket) MarketMetadata(ctx context.Context, symbol string) (*MarketMetadata, error) {
	return &MarketMetadata{
		Symbol: symbol, Native: "XXBTZUSD", Base: "BTC", Quote: "USD",
		MinQty: 0.0001, MinCost: 0.5, PricePrecision: 1, QtyPrecision: 8,
	}, nil
}

func (f *fakeMarket) NormalizeSymbol(ctx context.Context, canonical string) (string, error) {
	return "XXBTZUSD", nil
}

func (f *fakeMarket) ServerTime(ctx context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

func newTestPaper(t *testing.T, market *fakeMarket) *PaperClient {
	t.Helper()
	p, err := NewPaperClient(market, PaperConfig{
		SlippageBps:  10,
		MakerFeeRate: 0.0016,
		TakerFeeRate: 0.0026,
		StatePath:    filepath.Join(t.TempDir(), "paper.json"),
		InitialBalances: map[string]float64{
			"USD": 10000,
		},
	})
	require.NoError(t, err)
	return p
}

func TestPaperMarketBuyAppliesSlippageAndFee(t *testing.T) {
	market := &fakeMarket{last: 50000}
	p := newTestPaper(t, market)
	ctx := context.Background()

	order, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol:   "BTC/USD",
		Side:     SideBuy,
		Type:     OrderTypeMarket,
		Quantity: 0.1,
	})
	require.NoError(t, err)

	// 10 bps slippage on a buy fills above last
	assert.Equal(t, StatusFilled, order.Status)
	assert.InDelta(t, 50050.0, order.AvgPrice, 0.001)
	assert.InDelta(t, 50050.0*0.1*0.0026, order.Fee, 0.001)

	balances, err := p.FetchBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, balances["BTC"].Total, 1e-9)
	assert.InDelta(t, 10000-5005-5005*0.0026, balances["USD"].Total, 0.01)
}

func TestPaperRejectsInsufficientFunds(t *testing.T) {
	market := &fakeMarket{last: 50000}
	p := newTestPaper(t, market)

	_, err := p.PlaceOrder(context.Background(), OrderRequest{
		Symbol:   "BTC/USD",
		Side:     SideBuy,
		Type:     OrderTypeMarket,
		Quantity: 1.0, // needs ~50k, account has 10k
	})
	require.Error(t, err)
	assert.Equal(t, ErrKindInsufficientFunds, KindOf(err))
}

func TestPaperBracketCreatesAllLegs(t *testing.T) {
	market := &fakeMarket{last: 50000}
	p := newTestPaper(t, market)

	result, err := p.PlaceBracket(context.Background(), BracketRequest{
		Symbol:          "BTC/USD",
		Side:            SideBuy,
		Quantity:        0.1,
		EntryKind:       EntryMarket,
		StopPrice:       49000,
		TakeProfitPrice: 52000,
		ClientID:        "corr-1",
	})
	require.NoError(t, err)

	assert.True(t, result.Atomic)
	assert.Equal(t, StatusFilled, result.EntryOrder.Status)
	require.NotNil(t, result.StopOrder)
	require.NotNil(t, result.TakeProfit)
	assert.Equal(t, SideSell, result.StopOrder.Side)
	assert.True(t, result.StopOrder.ReduceOnly)
	assert.Equal(t, 49000.0, result.StopOrder.StopPrice)
	assert.Equal(t, 52000.0, result.TakeProfit.StopPrice)
}

func TestPaperBracketIdempotentByClientID(t *testing.T) {
	market := &fakeMarket{last: 50000}
	p := newTestPaper(t, market)
	ctx := context.Background()

	req := BracketRequest{
		Symbol:    "BTC/USD",
		Side:      SideBuy,
		Quantity:  0.1,
		EntryKind: EntryMarket,
		StopPrice: 49000,
		ClientID:  "corr-dup",
	}

	first, err := p.PlaceBracket(ctx, req)
	require.NoError(t, err)
	second, err := p.PlaceBracket(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.EntryOrder.ID, second.EntryOrder.ID)

	balances, err := p.FetchBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, balances["BTC"].Total, 1e-9, "duplicate placement must not double the position")
}

func TestPaperStopTriggersBeforeTarget(t *testing.T) {
	// A single wide bar crosses both the stop and the target; the stop must
	// win the tie.
	market := &fakeMarket{last: 50000}
	p := newTestPaper(t, market)
	ctx := context.Background()

	_, err := p.PlaceBracket(ctx, BracketRequest{
		Symbol:          "BTC/USD",
		Side:            SideBuy,
		Quantity:        0.1,
		EntryKind:       EntryMarket,
		StopPrice:       49000,
		TakeProfitPrice: 52000,
		ClientID:        "corr-2",
	})
	require.NoError(t, err)

	market.candles = []Candle{{
		OpenTime: time.Now().UnixMilli(),
		Open:     50000, High: 53000, Low: 48000, Close: 50500,
		Timeframe: "1m",
	}}

	open, err := p.FetchOpenOrders(ctx, "BTC/USD")
	require.NoError(t, err)
	assert.Empty(t, open, "both legs should be terminal after the sweep")

	balances, err := p.FetchBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0, balances["BTC"].Total, 1e-9, "stop exit should have flattened the position")

	// Exited at the stop, not the target
	assert.Less(t, balances["USD"].Total, 10000.0)
}

func TestPaperLimitBracketLegsDormantUntilEntryFills(t *testing.T) {
	// The limit entry rests below the market with both protective legs
	// already created. One wide bar sweeps through both the stop level and
	// the entry limit: the stop must not sell base that was never bought,
	// so only the entry may fill in this sweep.
	market := &fakeMarket{last: 50000}
	p := newTestPaper(t, market)
	ctx := context.Background()

	result, err := p.PlaceBracket(ctx, BracketRequest{
		Symbol:          "BTC/USD",
		Side:            SideBuy,
		Quantity:        0.1,
		EntryKind:       EntryLimit,
		EntryLimitPrice: 49500,
		StopPrice:       49000,
		TakeProfitPrice: 52000,
		ClientID:        "corr-limit",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, result.EntryOrder.Status)

	market.candles = []Candle{{
		OpenTime: time.Now().UnixMilli(),
		Open:     50000, High: 50500, Low: 48500, Close: 49200,
		Timeframe: "1m",
	}}

	balances, err := p.FetchBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, balances["BTC"].Total, 1e-9, "only the entry fills while its legs are dormant")
	assert.Greater(t, balances["USD"].Total, 0.0)

	// On the next sweep the armed stop exits the position
	balances, err = p.FetchBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0, balances["BTC"].Total, 1e-9, "the armed stop flattened the position")

	stop, err := p.QueryOrder(ctx, result.StopOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, stop.Status)
	assert.Equal(t, 49000.0, stop.AvgPrice)
}

func TestPaperCancelledLimitEntryKillsProtectiveLegs(t *testing.T) {
	market := &fakeMarket{last: 50000}
	p := newTestPaper(t, market)
	ctx := context.Background()

	result, err := p.PlaceBracket(ctx, BracketRequest{
		Symbol:          "BTC/USD",
		Side:            SideBuy,
		Quantity:        0.1,
		EntryKind:       EntryLimit,
		EntryLimitPrice: 49500,
		StopPrice:       49000,
		ClientID:        "corr-dead",
	})
	require.NoError(t, err)

	require.NoError(t, p.CancelOrder(ctx, result.EntryOrder.ID))

	// A bar through the stop level must cancel the orphaned leg, not fill it
	market.candles = []Candle{{
		OpenTime: time.Now().UnixMilli(),
		Open:     50000, High: 50500, Low: 48000, Close: 48500,
		Timeframe: "1m",
	}}

	open, err := p.FetchOpenOrders(ctx, "BTC/USD")
	require.NoError(t, err)
	assert.Empty(t, open)

	stop, err := p.QueryOrder(ctx, result.StopOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stop.Status)

	balances, err := p.FetchBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10000, balances["USD"].Total, 1e-9)
}

func TestPaperStatePersistsAcrossRestart(t *testing.T) {
	market := &fakeMarket{last: 50000}
	statePath := filepath.Join(t.TempDir(), "paper.json")
	ctx := context.Background()

	p1, err := NewPaperClient(market, PaperConfig{
		TakerFeeRate:    0.0026,
		StatePath:       statePath,
		InitialBalances: map[string]float64{"USD": 10000},
	})
	require.NoError(t, err)

	_, err = p1.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTC/USD", Side: SideBuy, Type: OrderTypeMarket, Quantity: 0.05,
	})
	require.NoError(t, err)

	p2, err := NewPaperClient(market, PaperConfig{
		TakerFeeRate:    0.0026,
		StatePath:       statePath,
		InitialBalances: map[string]float64{"USD": 10000}, // Ignored: state file wins
	})
	require.NoError(t, err)

	balances, err := p2.FetchBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, balances["BTC"].Total, 1e-9)
	assert.Less(t, balances["USD"].Total, 10000.0)
}

func TestPaperCancelOrder(t *testing.T) {
	market := &fakeMarket{last: 50000}
	p := newTestPaper(t, market)
	ctx := context.Background()

	order, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTC/USD", Side: SideBuy, Type: OrderTypeLimit, Quantity: 0.1, LimitPrice: 45000,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, order.Status)

	require.NoError(t, p.CancelOrder(ctx, order.ID))

	got, err := p.QueryOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	err = p.CancelOrder(ctx, order.ID)
	require.Error(t, err)
}
