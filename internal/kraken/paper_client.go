package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// marketData is the public-data surface the paper client delegates to the
// live venue. Paper trading uses real prices with simulated fills.
type marketData interface {
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	MarketMetadata(ctx context.Context, symbol string) (*MarketMetadata, error)
	NormalizeSymbol(ctx context.Context, canonical string) (string, error)
	ServerTime(ctx context.Context) (time.Time, error)
}

// PaperClient simulates the private trading surface against live market
// data. Balances and open orders persist across restarts as a JSON file.
type PaperClient struct {
	market marketData

	slippageBps float64
	makerFee    float64 // fraction, e.g. 0.0016
	takerFee    float64
	statePath   string

	mu         sync.Mutex
	balances   map[string]float64
	orders     map[string]*Order
	byClientID map[string]string
	legParent  map[string]string // Protective leg id -> resting entry id
	seq        int64
}

// paperState is the persisted snapshot
type paperState struct {
	Balances   map[string]float64 `json:"balances"`
	Orders     map[string]*Order  `json:"orders"`
	LegParents map[string]string  `json:"leg_parents,omitempty"`
	Seq        int64              `json:"seq"`
}

// PaperConfig controls the fill simulation
type PaperConfig struct {
	SlippageBps     float64
	MakerFeeRate    float64
	TakerFeeRate    float64
	StatePath       string
	InitialBalances map[string]float64
}

// NewPaperClient creates a paper client. Existing state at StatePath wins
// over InitialBalances.
func NewPaperClient(market marketData, cfg PaperConfig) (*PaperClient, error) {
	p := &PaperClient{
		market:      market,
		slippageBps: cfg.SlippageBps,
		makerFee:    cfg.MakerFeeRate,
		takerFee:    cfg.TakerFeeRate,
		statePath:   cfg.StatePath,
		balances:    make(map[string]float64),
		orders:      make(map[string]*Order),
		byClientID:  make(map[string]string),
		legParent:   make(map[string]string),
	}
	for asset, amount := range cfg.InitialBalances {
		p.balances[canonicalAsset(asset)] = amount
	}
	if err := p.loadState(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PaperClient) loadState() error {
	if p.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(p.statePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading paper state: %w", err)
	}
	var state paperState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parsing paper state: %w", err)
	}
	if state.Balances != nil {
		p.balances = state.Balances
	}
	if state.Orders != nil {
		p.orders = state.Orders
		for id, o := range p.orders {
			if o.ClientID != "" {
				p.byClientID[o.ClientID] = id
			}
		}
	}
	if state.LegParents != nil {
		p.legParent = state.LegParents
	}
	p.seq = state.Seq
	return nil
}

// saveState writes the snapshot atomically via temp file and rename.
// Caller holds the lock.
func (p *PaperClient) saveState() {
	if p.statePath == "" {
		return
	}
	state := paperState{Balances: p.balances, Orders: p.orders, LegParents: p.legParent, Seq: p.seq}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return
	}
	dir := filepath.Dir(p.statePath)
	os.MkdirAll(dir, 0755)
	tmp := p.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return
	}
	os.Rename(tmp, p.statePath)
}

func (p *PaperClient) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s-%d", prefix, p.seq)
}

// SupportsAtomicBracket is true for paper: all legs are created in one
// locked section, so partial brackets cannot occur.
func (p *PaperClient) SupportsAtomicBracket() bool { return true }

// ResetAuth is a no-op for paper trading
func (p *PaperClient) ResetAuth() {}

func (p *PaperClient) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	return p.market.FetchTicker(ctx, symbol)
}

func (p *PaperClient) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	return p.market.FetchOHLCV(ctx, symbol, timeframe, limit)
}

func (p *PaperClient) MarketMetadata(ctx context.Context, symbol string) (*MarketMetadata, error) {
	return p.market.MarketMetadata(ctx, symbol)
}

func (p *PaperClient) NormalizeSymbol(ctx context.Context, canonical string) (string, error) {
	return p.market.NormalizeSymbol(ctx, canonical)
}

func (p *PaperClient) ServerTime(ctx context.Context) (time.Time, error) {
	return p.market.ServerTime(ctx)
}

func (p *PaperClient) FetchBalance(ctx context.Context) (map[string]Balance, error) {
	if err := p.settleAll(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]Balance, len(p.balances))
	for asset, total := range p.balances {
		out[asset] = Balance{Free: total, Total: total}
	}
	return out, nil
}

func (p *PaperClient) FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	if err := p.settleAll(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var open []Order
	for _, o := range p.orders {
		if o.Status.Terminal() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		open = append(open, *o)
	}
	return open, nil
}

// fillPrice applies slippage against the taker: buys fill above last, sells
// below
func (p *PaperClient) fillPrice(last float64, side Side) float64 {
	adj := last * p.slippageBps / 10000
	if side == SideBuy {
		return last + adj
	}
	return last - adj
}

// applyFill mutates balances for an executed order. Caller holds the lock.
func (p *PaperClient) applyFill(ctx context.Context, order *Order, price, feeRate float64) error {
	meta, err := p.market.MarketMetadata(ctx, order.Symbol)
	if err != nil {
		return err
	}
	cost := order.Quantity * price
	fee := cost * feeRate

	if order.Side == SideBuy {
		if p.balances[meta.Quote] < cost+fee && !order.ReduceOnly {
			return NewAPIError(ErrKindInsufficientFunds,
				fmt.Sprintf("paper: need %.2f %s, have %.2f", cost+fee, meta.Quote, p.balances[meta.Quote]), nil)
		}
		p.balances[meta.Quote] -= cost + fee
		p.balances[meta.Base] += order.Quantity
	} else {
		if p.balances[meta.Base] < order.Quantity && !order.ReduceOnly {
			return NewAPIError(ErrKindInsufficientFunds,
				fmt.Sprintf("paper: need %.8f %s, have %.8f", order.Quantity, meta.Base, p.balances[meta.Base]), nil)
		}
		p.balances[meta.Base] -= order.Quantity
		p.balances[meta.Quote] += cost - fee
	}

	now := time.Now().UTC()
	order.Status = StatusFilled
	order.FilledQty = order.Quantity
	order.AvgPrice = price
	order.Fee = fee
	order.CompletedAt = now
	return nil
}

func (p *PaperClient) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	var last float64
	if req.Type == OrderTypeMarket {
		ticker, err := p.market.FetchTicker(ctx, req.Symbol)
		if err != nil {
			return nil, err
		}
		last = ticker.Last
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.ClientID != "" {
		if existing, ok := p.byClientID[req.ClientID]; ok {
			order := *p.orders[existing]
			return &order, nil
		}
	}

	order := &Order{
		ID:         p.nextID("paper"),
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		ReduceOnly: req.ReduceOnly,
		Status:     StatusOpen,
		CreatedAt:  time.Now().UTC(),
	}

	if req.Type == OrderTypeMarket {
		if err := p.applyFill(ctx, order, p.fillPrice(last, req.Side), p.takerFee); err != nil {
			order.Status = StatusRejected
			p.record(order)
			return nil, err
		}
	}
	p.record(order)
	return copyOrder(order), nil
}

// record stores the order and persists state. Caller holds the lock.
func (p *PaperClient) record(order *Order) {
	p.orders[order.ID] = order
	if order.ClientID != "" {
		p.byClientID[order.ClientID] = order.ID
	}
	p.saveState()
}

// PlaceBracket fills the entry immediately (market) and rests both
// protective legs. All three orders are created under one lock.
func (p *PaperClient) PlaceBracket(ctx context.Context, req BracketRequest) (*BracketResult, error) {
	ticker, err := p.market.FetchTicker(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.ClientID != "" {
		if existing, ok := p.byClientID[req.ClientID]; ok {
			return &BracketResult{Atomic: true, EntryOrder: copyOrder(p.orders[existing])}, nil
		}
	}

	now := time.Now().UTC()
	entry := &Order{
		ID:        p.nextID("paper"),
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      OrderTypeMarket,
		Quantity:  req.Quantity,
		Status:    StatusOpen,
		CreatedAt: now,
	}
	if req.EntryKind == EntryLimit {
		entry.Type = OrderTypeLimit
		entry.LimitPrice = req.EntryLimitPrice
	} else {
		if err := p.applyFill(ctx, entry, p.fillPrice(ticker.Last, req.Side), p.takerFee); err != nil {
			return nil, err
		}
	}
	p.record(entry)

	exitSide := SideSell
	if req.Side == SideSell {
		exitSide = SideBuy
	}

	stop := &Order{
		ID:         p.nextID("paper"),
		Symbol:     req.Symbol,
		Side:       exitSide,
		Type:       OrderTypeStopLoss,
		Quantity:   req.Quantity,
		StopPrice:  req.StopPrice,
		ReduceOnly: true,
		Status:     StatusOpen,
		CreatedAt:  now,
	}
	// Legs of a resting limit entry stay dormant until the entry fills
	if entry.Status != StatusFilled {
		p.legParent[stop.ID] = entry.ID
	}
	p.record(stop)

	result := &BracketResult{Atomic: true, EntryOrder: copyOrder(entry), StopOrder: copyOrder(stop)}

	if req.TakeProfitPrice > 0 {
		tp := &Order{
			ID:         p.nextID("paper"),
			Symbol:     req.Symbol,
			Side:       exitSide,
			Type:       OrderTypeTakeProfit,
			Quantity:   req.Quantity,
			StopPrice:  req.TakeProfitPrice,
			ReduceOnly: true,
			Status:     StatusOpen,
			CreatedAt:  now,
		}
		if entry.Status != StatusFilled {
			p.legParent[tp.ID] = entry.ID
		}
		p.record(tp)
		result.TakeProfit = copyOrder(tp)
	}
	return result, nil
}

// settleAll evaluates resting orders against the latest closed candle.
// Within one bar the stop is assumed to trigger before the target.
func (p *PaperClient) settleAll(ctx context.Context) error {
	p.mu.Lock()
	symbols := make(map[string]bool)
	for _, o := range p.orders {
		if !o.Status.Terminal() {
			symbols[o.Symbol] = true
		}
	}
	p.mu.Unlock()

	for symbol := range symbols {
		candles, err := p.market.FetchOHLCV(ctx, symbol, "1m", 2)
		if err != nil {
			return err
		}
		if len(candles) == 0 {
			continue
		}
		bar := candles[len(candles)-1]
		if err := p.settleSymbol(ctx, symbol, bar); err != nil {
			return err
		}
	}
	return nil
}

func (p *PaperClient) settleSymbol(ctx context.Context, symbol string, bar Candle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Stops first, then targets, then limits
	for _, pass := range []OrderType{OrderTypeStopLoss, OrderTypeTakeProfit, OrderTypeLimit} {
		for _, o := range p.orders {
			if o.Symbol != symbol || o.Type != pass || o.Status.Terminal() {
				continue
			}
			if dormant, dead := p.legGated(o); dormant {
				if dead {
					o.Status = StatusCancelled
					o.CompletedAt = time.Now().UTC()
				}
				continue
			}
			price, triggered := triggerPrice(o, bar)
			if !triggered {
				continue
			}
			if err := p.applyFill(ctx, o, price, feeForType(p, o.Type)); err != nil {
				// Typically a reduce-only leg whose sibling already closed
				// the position; cancel rather than fail the sweep.
				o.Status = StatusCancelled
				o.CompletedAt = time.Now().UTC()
			} else {
				p.cancelSiblings(o)
			}
		}
	}
	p.saveState()
	return nil
}

// legGated reports whether a protective leg must stay dormant because its
// entry has not filled yet. Legs of an entry that died without filling are
// dead themselves. Caller holds the lock.
func (p *PaperClient) legGated(o *Order) (dormant, dead bool) {
	parentID, ok := p.legParent[o.ID]
	if !ok {
		return false, false
	}
	parent, ok := p.orders[parentID]
	if !ok {
		return true, true
	}
	switch {
	case parent.Status == StatusFilled:
		delete(p.legParent, o.ID)
		return false, false
	case parent.Status.Terminal():
		delete(p.legParent, o.ID)
		return true, true
	}
	return true, false
}

func feeForType(p *PaperClient, t OrderType) float64 {
	if t == OrderTypeLimit {
		return p.makerFee
	}
	return p.takerFee
}

// triggerPrice reports whether the bar's range crossed the order's trigger
// and at what price the fill happens
func triggerPrice(o *Order, bar Candle) (float64, bool) {
	switch o.Type {
	case OrderTypeStopLoss:
		if o.Side == SideSell && bar.Low <= o.StopPrice {
			return o.StopPrice, true
		}
		if o.Side == SideBuy && bar.High >= o.StopPrice {
			return o.StopPrice, true
		}
	case OrderTypeTakeProfit:
		if o.Side == SideSell && bar.High >= o.StopPrice {
			return o.StopPrice, true
		}
		if o.Side == SideBuy && bar.Low <= o.StopPrice {
			return o.StopPrice, true
		}
	case OrderTypeLimit:
		if o.Side == SideBuy && bar.Low <= o.LimitPrice {
			return o.LimitPrice, true
		}
		if o.Side == SideSell && bar.High >= o.LimitPrice {
			return o.LimitPrice, true
		}
	}
	return 0, false
}

// cancelSiblings cancels the other reduce-only leg once one protective
// order fills. Caller holds the lock.
func (p *PaperClient) cancelSiblings(filled *Order) {
	if !filled.ReduceOnly {
		return
	}
	for _, o := range p.orders {
		if o.ID == filled.ID || o.Symbol != filled.Symbol || o.Status.Terminal() {
			continue
		}
		if o.ReduceOnly && o.Side == filled.Side && o.Quantity == filled.Quantity {
			o.Status = StatusCancelled
			o.CompletedAt = time.Now().UTC()
		}
	}
}

func (p *PaperClient) QueryOrder(ctx context.Context, id string) (*Order, error) {
	if err := p.settleAll(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[id]
	if !ok {
		return nil, NewAPIError(ErrKindNotFound, fmt.Sprintf("order %s not found", id), nil)
	}
	return copyOrder(o), nil
}

func (p *PaperClient) QueryOrderByClientID(ctx context.Context, clientID string) (*Order, error) {
	if err := p.settleAll(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.byClientID[clientID]
	if !ok {
		return nil, NewAPIError(ErrKindNotFound, fmt.Sprintf("no order with client id %s", clientID), nil)
	}
	return copyOrder(p.orders[id]), nil
}

func (p *PaperClient) CancelOrder(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[id]
	if !ok {
		return NewAPIError(ErrKindNotFound, fmt.Sprintf("order %s not found", id), nil)
	}
	if o.Status.Terminal() {
		return NewAPIError(ErrKindReject, fmt.Sprintf("order %s already %s", id, o.Status), nil)
	}
	o.Status = StatusCancelled
	o.CompletedAt = time.Now().UTC()
	p.saveState()
	return nil
}

func copyOrder(o *Order) *Order {
	c := *o
	return &c
}
