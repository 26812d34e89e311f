package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the primary relational journal backend on PostgreSQL
type PGStore struct {
	pool *pgxpool.Pool
}

// migrations are applied in order at startup. Idempotent by construction.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS decisions (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		action TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		regime TEXT NOT NULL DEFAULT '',
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		signals JSONB,
		executed BOOLEAN NOT NULL DEFAULT FALSE,
		correlation_id TEXT NOT NULL DEFAULT '',
		zin_version TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions (ts)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_symbol_ts ON decisions (symbol, ts)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		status TEXT NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		stop_loss DOUBLE PRECISION NOT NULL DEFAULT 0,
		take_profit DOUBLE PRECISION NOT NULL DEFAULT 0,
		exit_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		fee DOUBLE PRECISION NOT NULL DEFAULT 0,
		pnl_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		correlation_id TEXT NOT NULL,
		entry_order_id TEXT NOT NULL DEFAULT '',
		stop_order_id TEXT NOT NULL DEFAULT '',
		take_profit_id TEXT NOT NULL DEFAULT '',
		zin_version TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades (ts)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_correlation ON trades (correlation_id)`,
	`CREATE TABLE IF NOT EXISTS anomalies (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		severity TEXT NOT NULL,
		component TEXT NOT NULL,
		message TEXT NOT NULL,
		context JSONB,
		zin_version TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		zin_version TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS daily_summaries (
		date DATE PRIMARY KEY,
		trades INT NOT NULL DEFAULT 0,
		wins INT NOT NULL DEFAULT 0,
		losses INT NOT NULL DEFAULT 0,
		pnl_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		fees_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		equity_start DOUBLE PRECISION NOT NULL DEFAULT 0,
		equity_end DOUBLE PRECISION NOT NULL DEFAULT 0,
		zin_version TEXT NOT NULL DEFAULT ''
	)`,
}

// NewPGStore connects and applies migrations
func NewPGStore(ctx context.Context, connString string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("applying migration %d: %w", i, err)
		}
	}
	return &PGStore{pool: pool}, nil
}

func (p *PGStore) Close() {
	p.pool.Close()
}

func (p *PGStore) WriteDecision(ctx context.Context, d Decision) error {
	signals, _ := json.Marshal(d.Signals)
	_, err := p.pool.Exec(ctx,
		`INSERT INTO decisions (ts, symbol, action, reason, regime, confidence, signals, executed, correlation_id, zin_version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.TS.UTC(), d.Symbol, d.Action, d.Reason, d.Regime, d.Confidence, signals, d.Executed, d.CorrelationID, d.ZinVersion)
	if err != nil {
		return fmt.Errorf("inserting decision: %w", err)
	}
	return nil
}

func (p *PGStore) WriteTrade(ctx context.Context, t Trade) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO trades (ts, symbol, side, status, quantity, entry_price, stop_loss, take_profit, exit_price, fee, pnl_usd, correlation_id, entry_order_id, stop_order_id, take_profit_id, zin_version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.TS.UTC(), t.Symbol, t.Side, t.Status, t.Quantity, t.EntryPrice, t.StopLoss, t.TakeProfit,
		t.ExitPrice, t.Fee, t.PnLUSD, t.CorrelationID, t.EntryOrderID, t.StopOrderID, t.TakeProfitID, t.ZinVersion)
	if err != nil {
		return fmt.Errorf("inserting trade: %w", err)
	}
	return nil
}

func (p *PGStore) WriteAnomaly(ctx context.Context, a Anomaly) error {
	context_, _ := json.Marshal(a.Context)
	_, err := p.pool.Exec(ctx,
		`INSERT INTO anomalies (ts, severity, component, message, context, zin_version)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.TS.UTC(), string(a.Severity), a.Component, a.Message, context_, a.ZinVersion)
	if err != nil {
		return fmt.Errorf("inserting anomaly: %w", err)
	}
	return nil
}

func (p *PGStore) WriteSnapshot(ctx context.Context, s Snapshot) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO snapshots (ts, kind, payload, zin_version) VALUES ($1, $2, $3, $4)`,
		s.TS.UTC(), s.Kind, s.Payload, s.ZinVersion)
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	return nil
}

func (p *PGStore) UpsertDailySummary(ctx context.Context, s DailySummary) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO daily_summaries (date, trades, wins, losses, pnl_usd, fees_usd, equity_start, equity_end, zin_version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (date) DO UPDATE SET
			trades = EXCLUDED.trades,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			pnl_usd = EXCLUDED.pnl_usd,
			fees_usd = EXCLUDED.fees_usd,
			equity_start = EXCLUDED.equity_start,
			equity_end = EXCLUDED.equity_end,
			zin_version = EXCLUDED.zin_version`,
		s.Date, s.Trades, s.Wins, s.Losses, s.PnLUSD, s.FeesUSD, s.EquityStart, s.EquityEnd, s.ZinVersion)
	if err != nil {
		return fmt.Errorf("upserting daily summary: %w", err)
	}
	return nil
}

func (p *PGStore) ReadDecisions(ctx context.Context, date string) ([]Decision, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, fmt.Errorf("bad date %q: %w", date, err)
	}
	rows, err := p.pool.Query(ctx,
		`SELECT ts, symbol, action, reason, regime, confidence, signals, executed, correlation_id, zin_version
		 FROM decisions WHERE ts >= $1 AND ts < $2 ORDER BY id`,
		day, day.Add(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("querying decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var signals []byte
		if err := rows.Scan(&d.TS, &d.Symbol, &d.Action, &d.Reason, &d.Regime, &d.Confidence, &signals, &d.Executed, &d.CorrelationID, &d.ZinVersion); err != nil {
			return nil, fmt.Errorf("scanning decision: %w", err)
		}
		if len(signals) > 0 {
			json.Unmarshal(signals, &d.Signals)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PGStore) ReadTrades(ctx context.Context, date string) ([]Trade, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, fmt.Errorf("bad date %q: %w", date, err)
	}
	rows, err := p.pool.Query(ctx,
		`SELECT ts, symbol, side, status, quantity, entry_price, stop_loss, take_profit, exit_price, fee, pnl_usd, correlation_id, entry_order_id, stop_order_id, take_profit_id, zin_version
		 FROM trades WHERE ts >= $1 AND ts < $2 ORDER BY id`,
		day, day.Add(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("querying trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.TS, &t.Symbol, &t.Side, &t.Status, &t.Quantity, &t.EntryPrice, &t.StopLoss, &t.TakeProfit, &t.ExitPrice, &t.Fee, &t.PnLUSD, &t.CorrelationID, &t.EntryOrderID, &t.StopOrderID, &t.TakeProfitID, &t.ZinVersion); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

var _ Store = (*PGStore)(nil)
