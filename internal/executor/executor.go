package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kraken-trading-bot/config"
	"kraken-trading-bot/internal/kraken"
	"kraken-trading-bot/internal/strategy"
)

// OutcomeStatus is the terminal state of one bracket execution
type OutcomeStatus string

const (
	OutcomePlaced          OutcomeStatus = "PLACED"
	OutcomeSkipped         OutcomeStatus = "SKIPPED"
	OutcomeFlattened       OutcomeStatus = "FLATTENED"
	OutcomeCriticalFailure OutcomeStatus = "CRITICAL_FAILURE"
)

// Outcome reports how a bracket execution ended. CriticalFailure means a
// position may be live without protection; the caller must pause trading.
type Outcome struct {
	Status        OutcomeStatus `json:"status"`
	CorrelationID string        `json:"correlation_id"`
	Reason        string        `json:"reason,omitempty"`
	EntryOrderID  string        `json:"entry_order_id,omitempty"`
	StopOrderID   string        `json:"stop_order_id,omitempty"`
	TakeProfitID  string        `json:"take_profit_id,omitempty"`
	FilledQty     float64       `json:"filled_qty,omitempty"`
	AvgPrice      float64       `json:"avg_price,omitempty"`
	FeePaid       float64       `json:"fee_paid,omitempty"`
}

// IDSource issues client correlation ids, one per bracket attempt
type IDSource interface {
	NextID(ctx context.Context, symbol string) string
}

// Config bundles the execution settings with the sizing limits the
// pre-flight step enforces
type Config struct {
	Mode             config.ExecutionMode
	LimitOffsetPct   float64
	FillTimeout      time.Duration
	FillPollInterval time.Duration
	PlacementRetries int
	MaxPositionUSD   float64
	DustEpsilon      float64
}

// Executor turns an approved TradeSignal into a protected position
type Executor struct {
	exchange kraken.Exchange
	ids      IDSource
	cfg      Config
	log      zerolog.Logger
}

func New(exchange kraken.Exchange, ids IDSource, cfg Config, log zerolog.Logger) *Executor {
	if cfg.FillPollInterval <= 0 {
		cfg.FillPollInterval = time.Second
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 30 * time.Second
	}
	if cfg.DustEpsilon <= 0 {
		cfg.DustEpsilon = 1e-8
	}
	return &Executor{
		exchange: exchange,
		ids:      ids,
		cfg:      cfg,
		log:      log.With().Str("component", "executor").Logger(),
	}
}

func skipped(corrID, format string, args ...interface{}) *Outcome {
	return &Outcome{Status: OutcomeSkipped, CorrelationID: corrID, Reason: fmt.Sprintf(format, args...)}
}

// entryRejected classifies an entry placement failure. An auth rejection
// that survived the credential refresh is critical: the loop must pause
// rather than keep skipping symbol after symbol.
func entryRejected(corrID, cause string, err error) *Outcome {
	if kraken.KindOf(err) == kraken.ErrKindAuth {
		return &Outcome{
			Status:        OutcomeCriticalFailure,
			CorrelationID: corrID,
			Reason:        fmt.Sprintf("%s: auth rejected after credential refresh: %v", cause, err),
		}
	}
	return skipped(corrID, "%s: %v", cause, err)
}

// placeOrder submits one order, refreshing venue credentials once on an
// auth rejection before a single retry. A second auth rejection stands.
func (e *Executor) placeOrder(ctx context.Context, req kraken.OrderRequest) (*kraken.Order, error) {
	order, err := e.exchange.PlaceOrder(ctx, req)
	if err != nil && kraken.KindOf(err) == kraken.ErrKindAuth {
		e.log.Warn().Err(err).Str("symbol", req.Symbol).Msg("auth rejected, refreshing credentials for one retry")
		e.exchange.ResetAuth()
		order, err = e.exchange.PlaceOrder(ctx, req)
	}
	return order, err
}

// roundDown truncates a quantity to the exchange's precision
func roundDown(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).RoundFloor(places).Float64()
	return f
}

// size runs the pre-flight sizing: budget over risk-per-unit, clamped to
// the position cap, rounded down, then bumped to 5% above the venue
// minimum only if the bump stays within both the cap and available cash
func (e *Executor) size(signal strategy.TradeSignal, riskBudgetUSD, availableCashUSD float64, meta *kraken.MarketMetadata) (float64, string) {
	riskPerUnit := signal.EntryPrice - signal.StopLoss
	if riskPerUnit < 0 {
		riskPerUnit = -riskPerUnit
	}
	if riskPerUnit <= 0 {
		return 0, fmt.Sprintf("invalid stop: entry %.6f, stop %.6f", signal.EntryPrice, signal.StopLoss)
	}

	qty := riskBudgetUSD / riskPerUnit
	if cap := e.cfg.MaxPositionUSD / signal.EntryPrice; qty > cap {
		qty = cap
	}
	qty = roundDown(qty, meta.QtyPrecision)

	notional := qty * signal.EntryPrice
	if qty < meta.MinQty || (meta.MinCost > 0 && notional < meta.MinCost) {
		floor := meta.MinQty
		if meta.MinCost > 0 {
			byCost := meta.MinCost / signal.EntryPrice
			if byCost > floor {
				floor = byCost
			}
		}
		// Land 5% above the venue floor so precision rounding or a stale
		// minimum cannot re-reject the order
		step := decimal.New(1, -meta.QtyPrecision)
		bumpedDec := decimal.NewFromFloat(floor).
			Mul(decimal.NewFromFloat(1.05)).
			Div(step).Ceil().Mul(step)
		bumped, _ := bumpedDec.Float64()
		bumpedNotional := bumped * signal.EntryPrice

		if bumpedNotional > e.cfg.MaxPositionUSD || bumpedNotional > availableCashUSD {
			return 0, fmt.Sprintf(
				"size %.8f below venue minimum %.8f and bumping to %.8f ($%.2f) exceeds cap $%.2f or cash $%.2f",
				qty, meta.MinQty, bumped, bumpedNotional, e.cfg.MaxPositionUSD, availableCashUSD)
		}
		qty = bumped
	}
	if qty <= 0 {
		return 0, "sized quantity is zero"
	}
	return qty, ""
}

// roundToward rounds a price to venue precision in a chosen direction, so
// each leg can round toward the entry rather than across it
func roundToward(v float64, places int32, up bool) float64 {
	d := decimal.NewFromFloat(v)
	if up {
		f, _ := d.RoundCeil(places).Float64()
		return f
	}
	f, _ := d.RoundFloor(places).Float64()
	return f
}

// ExecuteBracket places an entry with protective legs for an approved
// signal. Every exit path either leaves a protected position, no position,
// or reports CriticalFailure after an unverified flatten.
func (e *Executor) ExecuteBracket(ctx context.Context, signal strategy.TradeSignal, riskBudgetUSD, availableCashUSD float64) *Outcome {
	corrID := e.ids.NextID(ctx, signal.Symbol)
	log := e.log.With().Str("symbol", signal.Symbol).Str("correlation_id", corrID).Logger()

	meta, err := e.exchange.MarketMetadata(ctx, signal.Symbol)
	if err != nil {
		return skipped(corrID, "no market metadata: %v", err)
	}

	qty, sizeReason := e.size(signal, riskBudgetUSD, availableCashUSD, meta)
	if qty == 0 {
		log.Info().Str("reason", sizeReason).Msg("bracket skipped at sizing")
		return skipped(corrID, "%s", sizeReason)
	}

	long := sideFor(signal.Action) == kraken.SideBuy
	// Protective prices round toward the entry: venue precision must never
	// widen the planned risk or stretch the target
	stop := roundToward(signal.StopLoss, meta.PricePrecision, long)
	target := roundToward(signal.TakeProfit, meta.PricePrecision, !long)

	req := kraken.BracketRequest{
		Symbol:          signal.Symbol,
		Side:            sideFor(signal.Action),
		Quantity:        qty,
		EntryKind:       kraken.EntryMarket,
		StopPrice:       stop,
		TakeProfitPrice: target,
		ClientID:        corrID,
	}
	if e.cfg.Mode == config.ExecModeLimitBracket {
		req.EntryKind = kraken.EntryLimit
		offset := signal.EntryPrice * e.cfg.LimitOffsetPct / 100
		if req.Side == kraken.SideBuy {
			req.EntryLimitPrice = roundToward(signal.EntryPrice-offset, meta.PricePrecision, false)
		} else {
			req.EntryLimitPrice = roundToward(signal.EntryPrice+offset, meta.PricePrecision, true)
		}
	}
	if e.cfg.Mode == config.ExecModeMarketOnly {
		return e.executeMarketOnly(ctx, log, req)
	}

	// Baseline balance is captured before entry so a flatten can be
	// verified against it later
	baseline, err := e.baseBalance(ctx, meta.Base)
	if err != nil {
		return skipped(corrID, "cannot read balance before entry: %v", err)
	}

	if e.exchange.SupportsAtomicBracket() {
		return e.executeAtomic(ctx, log, req, meta, baseline)
	}
	return e.executeSequential(ctx, log, req, meta, baseline)
}

func sideFor(action strategy.Action) kraken.Side {
	if action == strategy.ActionShort {
		return kraken.SideSell
	}
	return kraken.SideBuy
}

func opposite(side kraken.Side) kraken.Side {
	if side == kraken.SideBuy {
		return kraken.SideSell
	}
	return kraken.SideBuy
}

func (e *Executor) baseBalance(ctx context.Context, asset string) (float64, error) {
	balances, err := e.exchange.FetchBalance(ctx)
	if err != nil {
		return 0, err
	}
	return balances[asset].Total, nil
}

// executeMarketOnly places a bare market entry. Protection is the risk
// layer's job in this mode.
func (e *Executor) executeMarketOnly(ctx context.Context, log zerolog.Logger, req kraken.BracketRequest) *Outcome {
	order, err := e.placeWithIdempotentRetry(ctx, kraken.OrderRequest{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     kraken.OrderTypeMarket,
		Quantity: req.Quantity,
		ClientID: req.ClientID,
	})
	if err != nil {
		return entryRejected(req.ClientID, "market entry rejected", err)
	}
	final, err := e.awaitFill(ctx, order.ID)
	if err != nil || final.Status != kraken.StatusFilled {
		return skipped(req.ClientID, "market entry did not fill: %v", err)
	}
	log.Info().Str("order_id", final.ID).Float64("qty", final.FilledQty).Msg("market-only entry filled")
	return &Outcome{
		Status:        OutcomePlaced,
		CorrelationID: req.ClientID,
		EntryOrderID:  final.ID,
		FilledQty:     final.FilledQty,
		AvgPrice:      final.AvgPrice,
		FeePaid:       final.Fee,
	}
}

// executeAtomic submits all legs in one request. Nothing to flatten on
// rejection: either all legs exist or none do.
func (e *Executor) executeAtomic(ctx context.Context, log zerolog.Logger, req kraken.BracketRequest, meta *kraken.MarketMetadata, baseline float64) *Outcome {
	var result *kraken.BracketResult
	var err error

	for attempt := 0; attempt <= e.cfg.PlacementRetries; attempt++ {
		if attempt > 0 {
			// A timed-out submit may still have landed; reconfirm by
			// correlation id before trying again
			if existing, qerr := e.exchange.QueryOrderByClientID(ctx, req.ClientID); qerr == nil {
				log.Warn().Str("order_id", existing.ID).Msg("retry found the bracket already placed")
				result = &kraken.BracketResult{Atomic: true, EntryOrder: existing}
				err = nil
				break
			}
		}
		result, err = e.exchange.PlaceBracket(ctx, req)
		if err != nil && kraken.KindOf(err) == kraken.ErrKindAuth {
			log.Warn().Err(err).Msg("auth rejected, refreshing credentials for one retry")
			e.exchange.ResetAuth()
			result, err = e.exchange.PlaceBracket(ctx, req)
		}
		if err == nil {
			break
		}
		if !kraken.IsTransient(err) {
			return entryRejected(req.ClientID, "atomic bracket rejected", err)
		}
	}
	if err != nil {
		return skipped(req.ClientID, "atomic bracket failed after retries: %v", err)
	}

	outcome := &Outcome{
		Status:        OutcomePlaced,
		CorrelationID: req.ClientID,
		EntryOrderID:  result.EntryOrder.ID,
	}
	if result.StopOrder != nil {
		outcome.StopOrderID = result.StopOrder.ID
	}
	if result.TakeProfit != nil {
		outcome.TakeProfitID = result.TakeProfit.ID
	}

	// The batch was accepted; wait for the entry fill to report quantity
	final, err := e.awaitFill(ctx, result.EntryOrder.ID)
	if err == nil && final != nil {
		outcome.FilledQty = final.FilledQty
		outcome.AvgPrice = final.AvgPrice
		outcome.FeePaid = final.Fee
	} else {
		outcome.FilledQty = req.Quantity
		outcome.AvgPrice = result.EntryOrder.AvgPrice
	}
	log.Info().
		Str("entry_id", outcome.EntryOrderID).
		Float64("qty", outcome.FilledQty).
		Msg("atomic bracket placed")
	return outcome
}

// executeSequential is the non-atomic fallback: entry, poll to terminal,
// then protective legs. A fill that cannot be protected is flattened.
func (e *Executor) executeSequential(ctx context.Context, log zerolog.Logger, req kraken.BracketRequest, meta *kraken.MarketMetadata, baseline float64) *Outcome {
	entryReq := kraken.OrderRequest{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     kraken.OrderTypeMarket,
		Quantity: req.Quantity,
		ClientID: req.ClientID,
	}
	if req.EntryKind == kraken.EntryLimit {
		entryReq.Type = kraken.OrderTypeLimit
		entryReq.LimitPrice = req.EntryLimitPrice
	}

	entry, err := e.placeWithIdempotentRetry(ctx, entryReq)
	if err != nil {
		return entryRejected(req.ClientID, "entry rejected", err)
	}

	final, err := e.awaitFill(ctx, entry.ID)
	if err != nil {
		// Entry state unknown; cancel and verify nothing filled
		e.exchange.CancelOrder(ctx, entry.ID)
		requeried, qerr := e.exchange.QueryOrder(ctx, entry.ID)
		if qerr == nil && requeried.FilledQty > 0 {
			final = requeried
		} else {
			return skipped(req.ClientID, "entry did not reach a terminal state: %v", err)
		}
	}

	switch final.Status {
	case kraken.StatusCancelled, kraken.StatusRejected:
		if final.FilledQty <= e.cfg.DustEpsilon {
			return skipped(req.ClientID, "entry %s: %s", final.ID, final.Status)
		}
		// Partial fill before cancellation still needs protection
	case kraken.StatusFilled, kraken.StatusPartial:
	default:
		// Timed out still open: cancel, re-check for partial fill
		e.exchange.CancelOrder(ctx, final.ID)
		requeried, qerr := e.exchange.QueryOrder(ctx, final.ID)
		if qerr == nil {
			final = requeried
		}
		if final.FilledQty <= e.cfg.DustEpsilon {
			return skipped(req.ClientID, "entry %s not filled within %s", final.ID, e.cfg.FillTimeout)
		}
	}

	filledQty := final.FilledQty
	exitSide := opposite(req.Side)

	stopOrder, err := e.placeOrder(ctx, kraken.OrderRequest{
		Symbol:     req.Symbol,
		Side:       exitSide,
		Type:       kraken.OrderTypeStopLoss,
		Quantity:   filledQty,
		StopPrice:  req.StopPrice,
		ReduceOnly: true,
	})
	if err != nil {
		log.Error().Err(err).Msg("protective stop rejected after entry fill, flattening")
		return e.flatten(ctx, log, req, meta, baseline, filledQty,
			fmt.Sprintf("stop placement failed: %v", err))
	}

	outcome := &Outcome{
		Status:        OutcomePlaced,
		CorrelationID: req.ClientID,
		EntryOrderID:  final.ID,
		StopOrderID:   stopOrder.ID,
		FilledQty:     filledQty,
		AvgPrice:      final.AvgPrice,
		FeePaid:       final.Fee,
	}

	if req.TakeProfitPrice > 0 {
		tpOrder, err := e.placeOrder(ctx, kraken.OrderRequest{
			Symbol:     req.Symbol,
			Side:       exitSide,
			Type:       kraken.OrderTypeTakeProfit,
			Quantity:   filledQty,
			StopPrice:  req.TakeProfitPrice,
			ReduceOnly: true,
		})
		if err != nil {
			// The stop is live, so the position is protected. Losing the
			// take-profit leg narrows the trade, it does not endanger it.
			log.Warn().Err(err).Msg("take-profit leg rejected, position remains stop-protected")
		} else {
			outcome.TakeProfitID = tpOrder.ID
		}
	}

	log.Info().
		Str("entry_id", outcome.EntryOrderID).
		Str("stop_id", outcome.StopOrderID).
		Float64("qty", filledQty).
		Msg("sequential bracket placed")
	return outcome
}

// flatten closes an unprotected fill with a reducing market order and
// verifies flatness by re-reading the balance, never by trusting response
// text
func (e *Executor) flatten(ctx context.Context, log zerolog.Logger, req kraken.BracketRequest, meta *kraken.MarketMetadata, baseline, filledQty float64, cause string) *Outcome {
	_, err := e.placeOrder(ctx, kraken.OrderRequest{
		Symbol:     req.Symbol,
		Side:       opposite(req.Side),
		Type:       kraken.OrderTypeMarket,
		Quantity:   filledQty,
		ReduceOnly: true,
	})
	if err != nil {
		log.Error().Err(err).Msg("flatten order rejected")
		return &Outcome{
			Status:        OutcomeCriticalFailure,
			CorrelationID: req.ClientID,
			FilledQty:     filledQty,
			Reason:        fmt.Sprintf("%s; flatten rejected: %v", cause, err),
		}
	}

	// Balance settlement is not instant; allow a few verification reads
	for attempt := 0; attempt < 3; attempt++ {
		time.Sleep(e.cfg.FillPollInterval)
		current, err := e.baseBalance(ctx, meta.Base)
		if err != nil {
			continue
		}
		residual := current - baseline
		if residual < 0 {
			residual = -residual
		}
		if residual <= e.cfg.DustEpsilon {
			log.Warn().Str("cause", cause).Msg("position flattened and verified flat")
			return &Outcome{
				Status:        OutcomeFlattened,
				CorrelationID: req.ClientID,
				FilledQty:     filledQty,
				Reason:        cause,
			}
		}
	}

	log.Error().Str("cause", cause).Msg("flatten could not be verified")
	return &Outcome{
		Status:        OutcomeCriticalFailure,
		CorrelationID: req.ClientID,
		FilledQty:     filledQty,
		Reason:        fmt.Sprintf("%s; flatten submitted but balance never returned to baseline", cause),
	}
}

// placeWithIdempotentRetry retries transient placement failures, but only
// after confirming via the correlation id that the prior attempt did not
// land
func (e *Executor) placeWithIdempotentRetry(ctx context.Context, req kraken.OrderRequest) (*kraken.Order, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.PlacementRetries; attempt++ {
		if attempt > 0 && req.ClientID != "" {
			if existing, err := e.exchange.QueryOrderByClientID(ctx, req.ClientID); err == nil {
				return existing, nil
			}
		}
		order, err := e.placeOrder(ctx, req)
		if err == nil {
			return order, nil
		}
		lastErr = err
		if !kraken.IsTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// awaitFill polls the order until it reaches a terminal state or the fill
// timeout elapses. A still-open order is returned as-is on timeout.
func (e *Executor) awaitFill(ctx context.Context, orderID string) (*kraken.Order, error) {
	deadline := time.Now().Add(e.cfg.FillTimeout)
	var last *kraken.Order

	for {
		order, err := e.exchange.QueryOrder(ctx, orderID)
		if err == nil {
			last = order
			if order.Status.Terminal() {
				return order, nil
			}
		}
		if time.Now().After(deadline) {
			if last != nil {
				return last, nil
			}
			return nil, fmt.Errorf("order %s: no successful query before timeout: %w", orderID, err)
		}
		select {
		case <-ctx.Done():
			if last != nil {
				return last, nil
			}
			return nil, ctx.Err()
		case <-time.After(e.cfg.FillPollInterval):
		}
	}
}

// FlattenPosition market-closes qty of an existing position. Used by the
// kill switch and sell_all commands. Verification follows the same
// balance-re-read rule as bracket flattens.
func (e *Executor) FlattenPosition(ctx context.Context, symbol string, side kraken.Side, qty float64) error {
	meta, err := e.exchange.MarketMetadata(ctx, symbol)
	if err != nil {
		return fmt.Errorf("flatten %s: %w", symbol, err)
	}

	// Cancel resting protective legs first so reduce_only sells do not race
	open, err := e.exchange.FetchOpenOrders(ctx, symbol)
	if err == nil {
		for _, o := range open {
			if o.ReduceOnly {
				e.exchange.CancelOrder(ctx, o.ID)
			}
		}
	}

	qty = roundDown(qty, meta.QtyPrecision)
	if qty <= 0 {
		return nil
	}
	_, err = e.placeOrder(ctx, kraken.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       kraken.OrderTypeMarket,
		Quantity:   qty,
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("flatten %s: %w", symbol, err)
	}
	return nil
}
