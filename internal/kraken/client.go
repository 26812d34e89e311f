package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// Client is the live Kraken REST client. Order placement prefers the
// WebSocket executor for atomic brackets when one is attached.
type Client struct {
	apiKey     string
	apiSecret  []byte // base64-decoded
	baseURL    string
	httpClient *http.Client
	nonce      atomic.Int64
	breaker    *gobreaker.CircuitBreaker
	pairs      *pairCache
	wsExec     *WSExecutor

	privLimiter *rateLimiter
	pubLimiter  *rateLimiter
}

// NewClient creates a new live client. The secret is the base64 string from
// the exchange; decoding failures surface on the first signed call.
func NewClient(apiKey, apiSecret, baseURL string, timeout time.Duration, pairTTL time.Duration) *Client {
	secret, _ := base64.StdEncoding.DecodeString(apiSecret)

	c := &Client{
		apiKey:    apiKey,
		apiSecret: secret,
		baseURL:   baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "kraken-rest",
			MaxRequests: 2,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		// Intermediate-tier counter: ceiling 20, decays 0.5/s. Public
		// endpoints are metered per IP at roughly one call per second.
		privLimiter: newRateLimiter(20, 0.5),
		pubLimiter:  newRateLimiter(10, 1),
	}
	c.pairs = newPairCache(c, pairTTL)
	c.nonce.Store(time.Now().UnixMilli())
	return c
}

// AttachWSExecutor wires a WebSocket executor for atomic bracket placement
func (c *Client) AttachWSExecutor(ws *WSExecutor) {
	c.wsExec = ws
}

// SupportsAtomicBracket reports whether batch_add placement is available
func (c *Client) SupportsAtomicBracket() bool {
	return c.wsExec != nil
}

// ResetAuth drops the cached WebSocket token so the next placement
// re-authenticates
func (c *Client) ResetAuth() {
	if c.wsExec != nil {
		c.wsExec.InvalidateToken()
	}
	c.httpClient.CloseIdleConnections()
}

// nextNonce returns a strictly increasing nonce
func (c *Client) nextNonce() int64 {
	for {
		prev := c.nonce.Load()
		next := time.Now().UnixMilli()
		if next <= prev {
			next = prev + 1
		}
		if c.nonce.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// sign computes the API-Sign header: HMAC-SHA512 over
// path + SHA256(nonce + body), keyed by the decoded secret.
func (c *Client) sign(path string, nonce int64, body string) string {
	digest := sha256.Sum256([]byte(strconv.FormatInt(nonce, 10) + body))
	mac := hmac.New(sha512.New, c.apiSecret)
	mac.Write([]byte(path))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// encodeForm URL-encodes params in sorted key order, keeping `[` and `]`
// literal inside parameter names so conditional-close keys like
// close[ordertype] survive the round trip.
func encodeForm(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		ek := url.QueryEscape(k)
		ek = strings.ReplaceAll(ek, "%5B", "[")
		ek = strings.ReplaceAll(ek, "%5D", "]")
		b.WriteString(ek)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

// apiResponse is the envelope every Kraken REST endpoint returns
type apiResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// public performs a GET against a public endpoint
func (c *Client) public(ctx context.Context, endpoint string, params map[string]string) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/0/public/%s", c.baseURL, endpoint)
	if len(params) > 0 {
		u += "?" + encodeForm(params)
	}

	if err := c.pubLimiter.wait(ctx, 1); err != nil {
		return nil, NewAPIError(ErrKindTransient, "rate limiter wait", err)
	}
	result, err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	})
	if KindOf(err) == ErrKindRate {
		c.pubLimiter.penalize()
	}
	return result, err
}

// private performs a signed POST against a private endpoint
func (c *Client) private(ctx context.Context, endpoint string, params map[string]string) (json.RawMessage, error) {
	path := "/0/private/" + endpoint
	u := c.baseURL + path

	if err := c.privLimiter.wait(ctx, endpointCost(endpoint)); err != nil {
		return nil, NewAPIError(ErrKindTransient, "rate limiter wait", err)
	}
	result, err := c.do(ctx, func() (*http.Request, error) {
		nonce := c.nextNonce()
		if params == nil {
			params = map[string]string{}
		}
		params["nonce"] = strconv.FormatInt(nonce, 10)
		body := encodeForm(params)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("API-Key", c.apiKey)
		req.Header.Set("API-Sign", c.sign(path, nonce, body))
		return req, nil
	})
	if KindOf(err) == ErrKindRate {
		c.privLimiter.penalize()
	}
	return result, err
}

// do executes a request through the circuit breaker and decodes the
// envelope. Venue errors are classified; transport errors are transient.
func (c *Client) do(ctx context.Context, build func() (*http.Request, error)) (json.RawMessage, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := build()
		if err != nil {
			return nil, NewAPIError(ErrKindUnknown, "building request", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, NewAPIError(ErrKindTransient, "transport error", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, NewAPIError(ErrKindTransient, "reading response", err)
		}
		if resp.StatusCode >= 500 {
			return nil, NewAPIError(ErrKindTransient, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, NewAPIError(ErrKindUnknown, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)), nil)
		}

		var envelope apiResponse
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, NewAPIError(ErrKindUnknown, "parsing response", err)
		}
		if len(envelope.Error) > 0 {
			return nil, classifyVenueError(envelope.Error)
		}
		return envelope.Result, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, NewAPIError(ErrKindTransient, "circuit breaker open", err)
		}
		return nil, err
	}
	return result.(json.RawMessage), nil
}

// retryPublic wraps read-only calls in bounded exponential backoff
func (c *Client) retryPublic(ctx context.Context, fn func() (json.RawMessage, error)) (json.RawMessage, error) {
	var out json.RawMessage
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
	), 2), ctx)
	err := backoff.Retry(func() error {
		res, err := fn()
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = res
		return nil
	}, bo)
	return out, err
}

// ServerTime fetches the venue clock. Used as the watchdog health probe.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	raw, err := c.public(ctx, "Time", nil)
	if err != nil {
		return time.Time{}, err
	}
	var result struct {
		UnixTime int64 `json:"unixtime"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return time.Time{}, NewAPIError(ErrKindUnknown, "parsing server time", err)
	}
	return time.Unix(result.UnixTime, 0).UTC(), nil
}

// FetchTicker fetches the current ticker for a canonical symbol
func (c *Client) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	native, err := c.NormalizeSymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	raw, err := c.retryPublic(ctx, func() (json.RawMessage, error) {
		return c.public(ctx, "Ticker", map[string]string{"pair": native})
	})
	if err != nil {
		return nil, err
	}

	var result map[string]struct {
		Ask    []string `json:"a"`
		Bid    []string `json:"b"`
		Last   []string `json:"c"`
		Volume []string `json:"v"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewAPIError(ErrKindUnknown, "parsing ticker", err)
	}

	for _, t := range result {
		ticker := &Ticker{
			Symbol: symbol,
			Ask:    parseFloat(first(t.Ask)),
			Bid:    parseFloat(first(t.Bid)),
			Last:   parseFloat(first(t.Last)),
			Time:   time.Now().UTC(),
		}
		if len(t.Volume) > 1 {
			ticker.Volume24h = parseFloat(t.Volume[1])
		}
		if ticker.Last <= 0 {
			return nil, NewAPIError(ErrKindUnknown, fmt.Sprintf("non-positive last price for %s", symbol), nil)
		}
		return ticker, nil
	}
	return nil, NewAPIError(ErrKindNotFound, fmt.Sprintf("no ticker for %s", symbol), nil)
}

// timeframeMinutes maps canonical timeframe names to OHLC interval minutes
func timeframeMinutes(timeframe string) (int, error) {
	switch timeframe {
	case "1m":
		return 1, nil
	case "5m":
		return 5, nil
	case "15m":
		return 15, nil
	case "30m":
		return 30, nil
	case "1h":
		return 60, nil
	case "4h":
		return 240, nil
	case "1d":
		return 1440, nil
	}
	return 0, NewAPIError(ErrKindUnknown, fmt.Sprintf("unsupported timeframe %q", timeframe), nil)
}

// FetchOHLCV fetches candles, newest last. The final candle is the forming
// bar; callers that need closed data must drop it.
func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	native, err := c.NormalizeSymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	interval, err := timeframeMinutes(timeframe)
	if err != nil {
		return nil, err
	}

	raw, err := c.retryPublic(ctx, func() (json.RawMessage, error) {
		return c.public(ctx, "OHLC", map[string]string{
			"pair":     native,
			"interval": strconv.Itoa(interval),
		})
	})
	if err != nil {
		return nil, err
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewAPIError(ErrKindUnknown, "parsing OHLC", err)
	}

	for key, val := range result {
		if key == "last" {
			continue
		}
		var rows [][]interface{}
		if err := json.Unmarshal(val, &rows); err != nil {
			return nil, NewAPIError(ErrKindUnknown, "parsing OHLC rows", err)
		}
		candles := make([]Candle, 0, len(rows))
		for _, row := range rows {
			if len(row) < 7 {
				continue
			}
			candles = append(candles, Candle{
				OpenTime:  int64(toFloat(row[0])) * 1000,
				Open:      toFloat(row[1]),
				High:      toFloat(row[2]),
				Low:       toFloat(row[3]),
				Close:     toFloat(row[4]),
				Volume:    toFloat(row[6]),
				Timeframe: timeframe,
			})
		}
		if limit > 0 && len(candles) > limit {
			candles = candles[len(candles)-limit:]
		}
		return candles, nil
	}
	return nil, NewAPIError(ErrKindNotFound, fmt.Sprintf("no OHLC data for %s", symbol), nil)
}

// FetchBalance fetches account balances keyed by canonical currency code
func (c *Client) FetchBalance(ctx context.Context) (map[string]Balance, error) {
	raw, err := c.private(ctx, "BalanceEx", nil)
	if err != nil {
		return nil, err
	}

	var result map[string]struct {
		Balance   string `json:"balance"`
		HoldTrade string `json:"hold_trade"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewAPIError(ErrKindUnknown, "parsing balance", err)
	}

	balances := make(map[string]Balance, len(result))
	for asset, b := range result {
		total := parseFloat(b.Balance)
		used := parseFloat(b.HoldTrade)
		balances[canonicalAsset(asset)] = Balance{
			Free:  total - used,
			Used:  used,
			Total: total,
		}
	}
	return balances, nil
}

// FetchOpenOrders fetches open orders, optionally filtered to one symbol
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	raw, err := c.private(ctx, "OpenOrders", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Open map[string]orderInfo `json:"open"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewAPIError(ErrKindUnknown, "parsing open orders", err)
	}

	orders := make([]Order, 0, len(result.Open))
	for id, info := range result.Open {
		order := info.toOrder(id)
		if symbol != "" && order.Symbol != symbol {
			native, err := c.NormalizeSymbol(ctx, symbol)
			if err != nil || order.Symbol != native {
				continue
			}
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// PlaceOrder submits a single order via AddOrder
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	native, err := c.NormalizeSymbol(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	params := map[string]string{
		"pair":      native,
		"type":      string(req.Side),
		"ordertype": string(req.Type),
		"volume":    strconv.FormatFloat(req.Quantity, 'f', -1, 64),
	}
	switch req.Type {
	case OrderTypeLimit:
		params["price"] = strconv.FormatFloat(req.LimitPrice, 'f', -1, 64)
	case OrderTypeStopLoss, OrderTypeTakeProfit:
		params["price"] = strconv.FormatFloat(req.StopPrice, 'f', -1, 64)
	}
	if req.ReduceOnly {
		params["reduce_only"] = "true"
	}
	if req.ClientID != "" {
		params["cl_ord_id"] = req.ClientID
	}

	raw, err := c.private(ctx, "AddOrder", params)
	if err != nil {
		return nil, err
	}

	var result struct {
		TxID []string `json:"txid"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewAPIError(ErrKindUnknown, "parsing AddOrder response", err)
	}
	if len(result.TxID) == 0 {
		return nil, NewAPIError(ErrKindReject, "AddOrder returned no transaction id", nil)
	}

	return &Order{
		ID:         result.TxID[0],
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
	}, nil
}

// PlaceBracket places entry plus protective legs. With a WebSocket executor
// attached the legs go out in one batch_add request; otherwise the entry is
// placed with a conditional-close stop (take-profit leg left to the caller).
func (c *Client) PlaceBracket(ctx context.Context, req BracketRequest) (*BracketResult, error) {
	if c.wsExec != nil {
		return c.wsExec.PlaceBracket(ctx, req)
	}

	native, err := c.NormalizeSymbol(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	params := map[string]string{
		"pair":   native,
		"type":   string(req.Side),
		"volume": strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		// Conditional close becomes the protective stop when the entry fills
		"close[ordertype]": string(OrderTypeStopLoss),
		"close[price]":     strconv.FormatFloat(req.StopPrice, 'f', -1, 64),
	}
	if req.EntryKind == EntryLimit {
		params["ordertype"] = string(OrderTypeLimit)
		params["price"] = strconv.FormatFloat(req.EntryLimitPrice, 'f', -1, 64)
	} else {
		params["ordertype"] = string(OrderTypeMarket)
	}
	if req.ClientID != "" {
		params["cl_ord_id"] = req.ClientID
	}

	raw, err := c.private(ctx, "AddOrder", params)
	if err != nil {
		return nil, err
	}

	var result struct {
		TxID []string `json:"txid"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewAPIError(ErrKindUnknown, "parsing AddOrder response", err)
	}
	if len(result.TxID) == 0 {
		return nil, NewAPIError(ErrKindReject, "AddOrder returned no transaction id", nil)
	}

	entry := &Order{
		ID:        result.TxID[0],
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Status:    StatusOpen,
		CreatedAt: time.Now().UTC(),
	}
	return &BracketResult{Atomic: false, EntryOrder: entry}, nil
}

// orderInfo mirrors the venue's order detail payload
type orderInfo struct {
	Status  string `json:"status"`
	Vol     string `json:"vol"`
	VolExec string `json:"vol_exec"`
	Price   string `json:"price"`
	Fee     string `json:"fee"`
	OpenTm  float64 `json:"opentm"`
	CloseTm float64 `json:"closetm"`
	ClOrdID string `json:"cl_ord_id"`
	Descr   struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
	} `json:"descr"`
}

func (info orderInfo) toOrder(id string) Order {
	qty := parseFloat(info.Vol)
	filled := parseFloat(info.VolExec)

	var status OrderStatus
	switch info.Status {
	case "open", "pending":
		if filled > 0 && filled < qty {
			status = StatusPartial
		} else {
			status = StatusOpen
		}
	case "closed":
		status = StatusFilled
	case "canceled", "expired":
		status = StatusCancelled
	default:
		status = StatusUnknown
	}

	order := Order{
		ID:        id,
		ClientID:  info.ClOrdID,
		Symbol:    info.Descr.Pair,
		Side:      Side(info.Descr.Type),
		Type:      OrderType(info.Descr.OrderType),
		Quantity:  qty,
		FilledQty: filled,
		AvgPrice:  parseFloat(info.Price),
		Fee:       parseFloat(info.Fee),
		Status:    status,
	}
	if info.OpenTm > 0 {
		order.CreatedAt = time.Unix(int64(info.OpenTm), 0).UTC()
	}
	if info.CloseTm > 0 {
		order.CompletedAt = time.Unix(int64(info.CloseTm), 0).UTC()
	}
	return order
}

// QueryOrder fetches an order by venue transaction id
func (c *Client) QueryOrder(ctx context.Context, id string) (*Order, error) {
	raw, err := c.private(ctx, "QueryOrders", map[string]string{"txid": id})
	if err != nil {
		return nil, err
	}

	var result map[string]orderInfo
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewAPIError(ErrKindUnknown, "parsing order query", err)
	}

	info, ok := result[id]
	if !ok {
		return nil, NewAPIError(ErrKindNotFound, fmt.Sprintf("order %s not found", id), nil)
	}
	order := info.toOrder(id)
	return &order, nil
}

// QueryOrderByClientID fetches an order by the client correlation id.
// Used to reconfirm idempotency before retrying a placement.
func (c *Client) QueryOrderByClientID(ctx context.Context, clientID string) (*Order, error) {
	raw, err := c.private(ctx, "QueryOrders", map[string]string{"cl_ord_id": clientID})
	if err != nil {
		return nil, err
	}

	var result map[string]orderInfo
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewAPIError(ErrKindUnknown, "parsing order query", err)
	}

	for id, info := range result {
		order := info.toOrder(id)
		order.ClientID = clientID
		return &order, nil
	}
	return nil, NewAPIError(ErrKindNotFound, fmt.Sprintf("no order with client id %s", clientID), nil)
}

// CancelOrder cancels an order by transaction id
func (c *Client) CancelOrder(ctx context.Context, id string) error {
	_, err := c.private(ctx, "CancelOrder", map[string]string{"txid": id})
	return err
}

// MarketMetadata returns trading constraints for a canonical symbol
func (c *Client) MarketMetadata(ctx context.Context, symbol string) (*MarketMetadata, error) {
	return c.pairs.metadata(ctx, symbol)
}

// ListPairs returns metadata for every tradable pair. Used by the
// universe scanner.
func (c *Client) ListPairs(ctx context.Context) ([]*MarketMetadata, error) {
	return c.pairs.all(ctx)
}

// NormalizeSymbol translates a canonical symbol (BTC/USD) to the venue's
// native pair name (XXBTZUSD)
func (c *Client) NormalizeSymbol(ctx context.Context, canonical string) (string, error) {
	meta, err := c.pairs.metadata(ctx, canonical)
	if err != nil {
		return "", err
	}
	return meta.Native, nil
}

// GetWebSocketsToken fetches a short-lived token for the authenticated
// WebSocket endpoint
func (c *Client) GetWebSocketsToken(ctx context.Context) (string, time.Duration, error) {
	raw, err := c.private(ctx, "GetWebSocketsToken", nil)
	if err != nil {
		return "", 0, err
	}
	var result struct {
		Token   string `json:"token"`
		Expires int64  `json:"expires"` // seconds
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", 0, NewAPIError(ErrKindUnknown, "parsing token response", err)
	}
	return result.Token, time.Duration(result.Expires) * time.Second, nil
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func toFloat(v interface{}) float64 {
	switch x := v.(type) {
	case string:
		return parseFloat(x)
	case float64:
		return x
	default:
		return 0
	}
}
