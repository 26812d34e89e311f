package kraken

import (
	"context"
	"time"
)

// Exchange defines the adapter contract consumed by the trading core.
// Live and paper variants satisfy it.
type Exchange interface {
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	FetchBalance(ctx context.Context) (map[string]Balance, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	PlaceBracket(ctx context.Context, req BracketRequest) (*BracketResult, error)
	QueryOrder(ctx context.Context, id string) (*Order, error)
	QueryOrderByClientID(ctx context.Context, clientID string) (*Order, error)
	CancelOrder(ctx context.Context, id string) error
	MarketMetadata(ctx context.Context, symbol string) (*MarketMetadata, error)
	NormalizeSymbol(ctx context.Context, canonical string) (string, error)
	ServerTime(ctx context.Context) (time.Time, error)

	// SupportsAtomicBracket reports whether PlaceBracket submits all legs
	// in a single request (WebSocket batch_add).
	SupportsAtomicBracket() bool

	// ResetAuth drops cached credentials/tokens so the next call
	// re-authenticates. Used by the watchdog recovery action.
	ResetAuth()
}

// Ensure both variants implement the contract
var _ Exchange = (*Client)(nil)
var _ Exchange = (*PaperClient)(nil)
