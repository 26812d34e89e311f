package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// tokenRefreshMargin is how long before expiry a cached WebSocket token is
// considered stale
const tokenRefreshMargin = time.Minute

// WSExecutor places order batches over the authenticated WebSocket v2
// endpoint. A batch_add carrying the entry and both protective legs is
// accepted or rejected as a unit, which is what makes brackets atomic.
type WSExecutor struct {
	client *Client
	url    string
	log    zerolog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	token       string
	tokenExpiry time.Time
	reqID       int64
}

// NewWSExecutor creates an executor for the given authenticated endpoint
// (wss://ws-auth.kraken.com/v2)
func NewWSExecutor(client *Client, wsURL string, log zerolog.Logger) *WSExecutor {
	return &WSExecutor{
		client: client,
		url:    wsURL,
		log:    log.With().Str("component", "ws_executor").Logger(),
	}
}

// InvalidateToken drops the cached auth token and connection
func (w *WSExecutor) InvalidateToken() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.token = ""
	w.tokenExpiry = time.Time{}
	w.closeLocked()
}

// Close shuts down the connection
func (w *WSExecutor) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeLocked()
}

func (w *WSExecutor) closeLocked() {
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// ensureToken returns a valid auth token, fetching a fresh one when the
// cached token is near expiry
func (w *WSExecutor) ensureToken(ctx context.Context) (string, error) {
	if w.token != "" && time.Until(w.tokenExpiry) > tokenRefreshMargin {
		return w.token, nil
	}
	token, lifetime, err := w.client.GetWebSocketsToken(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching websocket token: %w", err)
	}
	w.token = token
	w.tokenExpiry = time.Now().Add(lifetime)
	w.log.Debug().Time("expires", w.tokenExpiry).Msg("refreshed websocket token")
	return token, nil
}

// ensureConn returns a live connection, dialing if needed
func (w *WSExecutor) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	if w.conn != nil {
		return w.conn, nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return nil, NewAPIError(ErrKindTransient, "dialing websocket", err)
	}
	w.conn = conn
	return conn, nil
}

// wsOrder is one leg of a batch_add request
type wsOrder struct {
	OrderType  string      `json:"order_type"`
	Side       string      `json:"side"`
	OrderQty   float64     `json:"order_qty"`
	LimitPrice float64     `json:"limit_price,omitempty"`
	Triggers   *wsTriggers `json:"triggers,omitempty"`
	ReduceOnly bool        `json:"reduce_only,omitempty"`
	ClOrdID    string      `json:"cl_ord_id,omitempty"`
}

type wsTriggers struct {
	Price float64 `json:"price"`
}

type wsBatchRequest struct {
	Method string        `json:"method"`
	Params wsBatchParams `json:"params"`
	ReqID  int64         `json:"req_id"`
}

type wsBatchParams struct {
	Symbol string    `json:"symbol"`
	Orders []wsOrder `json:"orders"`
	Token  string    `json:"token"`
}

type wsBatchResponse struct {
	Method  string `json:"method"`
	ReqID   int64  `json:"req_id"`
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Result  []struct {
		OrderID string `json:"order_id"`
		ClOrdID string `json:"cl_ord_id"`
	} `json:"result"`
}

// PlaceBracket submits entry, stop-loss, and take-profit as one batch.
// Rejection of any leg rejects the whole batch; nothing rests on the book.
func (w *WSExecutor) PlaceBracket(ctx context.Context, req BracketRequest) (*BracketResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	token, err := w.ensureToken(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := w.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	exitSide := SideSell
	if req.Side == SideSell {
		exitSide = SideBuy
	}

	entry := wsOrder{
		OrderType: string(OrderTypeMarket),
		Side:      string(req.Side),
		OrderQty:  req.Quantity,
		ClOrdID:   req.ClientID,
	}
	if req.EntryKind == EntryLimit {
		entry.OrderType = string(OrderTypeLimit)
		entry.LimitPrice = req.EntryLimitPrice
	}

	orders := []wsOrder{
		entry,
		{
			OrderType:  string(OrderTypeStopLoss),
			Side:       string(exitSide),
			OrderQty:   req.Quantity,
			Triggers:   &wsTriggers{Price: req.StopPrice},
			ReduceOnly: true,
		},
	}
	if req.TakeProfitPrice > 0 {
		orders = append(orders, wsOrder{
			OrderType:  string(OrderTypeTakeProfit),
			Side:       string(exitSide),
			OrderQty:   req.Quantity,
			Triggers:   &wsTriggers{Price: req.TakeProfitPrice},
			ReduceOnly: true,
		})
	}

	w.reqID++
	batch := wsBatchRequest{
		Method: "batch_add",
		Params: wsBatchParams{
			Symbol: wsPairName(req.Symbol),
			Orders: orders,
			Token:  token,
		},
		ReqID: w.reqID,
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(batch); err != nil {
		w.closeLocked()
		return nil, NewAPIError(ErrKindTransient, "sending batch_add", err)
	}

	resp, err := w.awaitResponse(conn, batch.ReqID, deadline)
	if err != nil {
		w.closeLocked()
		return nil, err
	}
	if !resp.Success {
		return nil, classifyVenueError([]string{resp.Error})
	}

	result := &BracketResult{Atomic: true}
	now := time.Now().UTC()
	for i, leg := range resp.Result {
		order := &Order{
			ID:        leg.OrderID,
			ClientID:  leg.ClOrdID,
			Symbol:    req.Symbol,
			Quantity:  req.Quantity,
			Status:    StatusOpen,
			CreatedAt: now,
		}
		switch i {
		case 0:
			order.Side = req.Side
			order.ClientID = req.ClientID
			result.EntryOrder = order
		case 1:
			order.Side = exitSide
			order.Type = OrderTypeStopLoss
			order.StopPrice = req.StopPrice
			order.ReduceOnly = true
			result.StopOrder = order
		case 2:
			order.Side = exitSide
			order.Type = OrderTypeTakeProfit
			order.StopPrice = req.TakeProfitPrice
			order.ReduceOnly = true
			result.TakeProfit = order
		}
	}
	if result.EntryOrder == nil {
		return nil, NewAPIError(ErrKindUnknown, "batch_add succeeded without order ids", nil)
	}

	w.log.Info().
		Str("symbol", req.Symbol).
		Str("client_id", req.ClientID).
		Str("entry_id", result.EntryOrder.ID).
		Msg("atomic bracket accepted")
	return result, nil
}

// awaitResponse reads frames until the matching req_id arrives. Heartbeats
// and channel updates in between are skipped.
func (w *WSExecutor) awaitResponse(conn *websocket.Conn, reqID int64, deadline time.Time) (*wsBatchResponse, error) {
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, NewAPIError(ErrKindTransient, "reading batch_add response", err)
		}

		var resp wsBatchResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.Method == "batch_add" && resp.ReqID == reqID {
			return &resp, nil
		}
	}
}
