package kraken

import "time"

// Side is the order direction
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the venue order type
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopLoss   OrderType = "stop-loss"
	OrderTypeTakeProfit OrderType = "take-profit"
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusFilled    OrderStatus = "filled"
	StatusPartial   OrderStatus = "partial"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
	StatusUnknown   OrderStatus = "unknown"
)

// Terminal reports whether the status is final. Open and partial orders can
// still change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Candle represents one OHLCV bar. Bars are returned newest-last.
type Candle struct {
	OpenTime  int64   `json:"open_time"` // epoch milliseconds
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Timeframe string  `json:"timeframe"`
}

// Ticker represents the current top-of-book view for a symbol
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume24h float64   `json:"volume_24h"` // base units
	Time      time.Time `json:"time"`
}

// Balance represents a single currency balance
type Balance struct {
	Free  float64 `json:"free"`
	Used  float64 `json:"used"`
	Total float64 `json:"total"`
}

// Order represents an exchange order
type Order struct {
	ID          string      `json:"id"`
	ClientID    string      `json:"client_id,omitempty"`
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Type        OrderType   `json:"type"`
	Quantity    float64     `json:"quantity"`
	FilledQty   float64     `json:"filled_qty"`
	LimitPrice  float64     `json:"limit_price,omitempty"`
	StopPrice   float64     `json:"stop_price,omitempty"`
	AvgPrice    float64     `json:"avg_price,omitempty"`
	Fee         float64     `json:"fee,omitempty"`
	ReduceOnly  bool        `json:"reduce_only,omitempty"`
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
}

// OrderRequest describes a single order to place
type OrderRequest struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Type       OrderType `json:"type"`
	Quantity   float64   `json:"quantity"`
	LimitPrice float64   `json:"limit_price,omitempty"`
	StopPrice  float64   `json:"stop_price,omitempty"`
	ReduceOnly bool      `json:"reduce_only,omitempty"`
	ClientID   string    `json:"client_id,omitempty"` // Correlation id; used for idempotent retries
}

// EntryKind selects how a bracket enters
type EntryKind string

const (
	EntryMarket EntryKind = "market"
	EntryLimit  EntryKind = "limit"
)

// BracketRequest describes an entry with protective legs
type BracketRequest struct {
	Symbol          string    `json:"symbol"`
	Side            Side      `json:"side"`
	Quantity        float64   `json:"quantity"`
	EntryKind       EntryKind `json:"entry_kind"`
	EntryLimitPrice float64   `json:"entry_limit_price,omitempty"`
	StopPrice       float64   `json:"stop_price"`
	TakeProfitPrice float64   `json:"take_profit_price,omitempty"` // zero means no take-profit leg
	ClientID        string    `json:"client_id"`
}

// BracketResult reports the orders created for a bracket
type BracketResult struct {
	Atomic       bool   `json:"atomic"` // All legs accepted in one request
	EntryOrder   *Order `json:"entry_order"`
	StopOrder    *Order `json:"stop_order,omitempty"`
	TakeProfit   *Order `json:"take_profit,omitempty"`
}

// MarketMetadata holds per-pair trading constraints
type MarketMetadata struct {
	Symbol         string  `json:"symbol"`
	Native         string  `json:"native"` // Exchange-native pair name
	Base           string  `json:"base"`
	Quote          string  `json:"quote"`
	MinQty         float64 `json:"min_qty"`
	MinCost        float64 `json:"min_cost"`
	PricePrecision int32   `json:"price_precision"` // Decimal places
	QtyPrecision   int32   `json:"qty_precision"`
}
