package journal

import (
	"context"
	"time"
)

// Severity grades anomalies
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Decision is one per-symbol loop verdict. Exactly one is written per
// symbol per tick, executed or not.
type Decision struct {
	TS            time.Time          `json:"ts"`
	Symbol        string             `json:"symbol"`
	Action        string             `json:"action"`
	Reason        string             `json:"reason"`
	Regime        string             `json:"regime"`
	Confidence    float64            `json:"confidence"`
	Signals       map[string]float64 `json:"signals,omitempty"`
	Executed      bool               `json:"executed"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	ZinVersion    string             `json:"zin_version"`
}

// Trade records an executed entry or close
type Trade struct {
	TS            time.Time `json:"ts"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Status        string    `json:"status"` // open, closed, flattened
	Quantity      float64   `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	StopLoss      float64   `json:"stop_loss,omitempty"`
	TakeProfit    float64   `json:"take_profit,omitempty"`
	ExitPrice     float64   `json:"exit_price,omitempty"`
	Fee           float64   `json:"fee,omitempty"`
	PnLUSD        float64   `json:"pnl_usd,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	EntryOrderID  string    `json:"entry_order_id,omitempty"`
	StopOrderID   string    `json:"stop_order_id,omitempty"`
	TakeProfitID  string    `json:"take_profit_id,omitempty"`
	ZinVersion    string    `json:"zin_version"`
}

// Anomaly records an operational event worth an operator's attention
type Anomaly struct {
	TS         time.Time         `json:"ts"`
	Severity   Severity          `json:"severity"`
	Component  string            `json:"component"`
	Message    string            `json:"message"`
	Context    map[string]string `json:"context,omitempty"`
	ZinVersion string            `json:"zin_version"`
}

// Snapshot records a version or configuration state at a point in time
type Snapshot struct {
	TS         time.Time `json:"ts"`
	Kind       string    `json:"kind"` // version, config
	Payload    string    `json:"payload"`
	ZinVersion string    `json:"zin_version"`
}

// DailySummary aggregates one UTC day. Upserted by date.
type DailySummary struct {
	Date        string  `json:"date"` // YYYY-MM-DD UTC
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	PnLUSD      float64 `json:"pnl_usd"`
	FeesUSD     float64 `json:"fees_usd"`
	EquityStart float64 `json:"equity_start"`
	EquityEnd   float64 `json:"equity_end"`
	ZinVersion  string  `json:"zin_version"`
}

// Store is one journal backend. The composite journal writes through to
// two of these.
type Store interface {
	WriteDecision(ctx context.Context, d Decision) error
	WriteTrade(ctx context.Context, t Trade) error
	WriteAnomaly(ctx context.Context, a Anomaly) error
	WriteSnapshot(ctx context.Context, s Snapshot) error
	UpsertDailySummary(ctx context.Context, s DailySummary) error
	ReadDecisions(ctx context.Context, date string) ([]Decision, error)
	ReadTrades(ctx context.Context, date string) ([]Trade, error)
	Close()
}
