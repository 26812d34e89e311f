package journal

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Journal composes a primary store and a fallback in a write-through
// pattern. Writes go to both; success of either is sufficient. Reads
// prefer the primary. Log failures never block trading.
type Journal struct {
	primary  Store // may be nil when the database is disabled
	fallback Store
	version  string
	log      zerolog.Logger
}

// New creates the composite journal. primary may be nil.
func New(primary, fallback Store, version string, log zerolog.Logger) *Journal {
	return &Journal{
		primary:  primary,
		fallback: fallback,
		version:  version,
		log:      log.With().Str("component", "journal").Logger(),
	}
}

// Version returns the zin_version tag stamped on every record
func (j *Journal) Version() string { return j.version }

func (j *Journal) Close() {
	if j.primary != nil {
		j.primary.Close()
	}
	j.fallback.Close()
}

// writeThrough runs the write against both sinks. One success is enough;
// a single-sink failure degrades with a warning, a double failure is
// reported.
func (j *Journal) writeThrough(ctx context.Context, kind string, write func(Store) error) error {
	var primaryErr, fallbackErr error
	if j.primary != nil {
		primaryErr = write(j.primary)
	}
	fallbackErr = write(j.fallback)

	if primaryErr != nil {
		j.log.Warn().Err(primaryErr).Str("record", kind).Msg("primary journal write failed, fallback holds the record")
	}
	if fallbackErr != nil {
		j.log.Warn().Err(fallbackErr).Str("record", kind).Msg("fallback journal write failed")
	}

	if j.primary != nil && primaryErr != nil && fallbackErr != nil {
		return primaryErr
	}
	if j.primary == nil && fallbackErr != nil {
		return fallbackErr
	}
	return nil
}

func (j *Journal) stamp(ts *time.Time) time.Time {
	if ts.IsZero() {
		*ts = time.Now().UTC()
	}
	return ts.UTC()
}

// RecordDecision writes the Decision with the version tag applied
func (j *Journal) RecordDecision(ctx context.Context, d Decision) error {
	d.TS = j.stamp(&d.TS)
	d.ZinVersion = j.version
	return j.writeThrough(ctx, "decision", func(s Store) error { return s.WriteDecision(ctx, d) })
}

// RecordTrade writes the Trade. The caller must have recorded the matching
// Decision first.
func (j *Journal) RecordTrade(ctx context.Context, t Trade) error {
	t.TS = j.stamp(&t.TS)
	t.ZinVersion = j.version
	return j.writeThrough(ctx, "trade", func(s Store) error { return s.WriteTrade(ctx, t) })
}

// RecordAnomaly writes an Anomaly and mirrors it to the process log
func (j *Journal) RecordAnomaly(ctx context.Context, a Anomaly) error {
	a.TS = j.stamp(&a.TS)
	a.ZinVersion = j.version

	event := j.log.Warn()
	if a.Severity == SeverityCritical {
		event = j.log.Error()
	}
	event.Str("component", a.Component).Str("severity", string(a.Severity)).Msg(a.Message)

	return j.writeThrough(ctx, "anomaly", func(s Store) error { return s.WriteAnomaly(ctx, a) })
}

// RecordSnapshot writes a version or config snapshot
func (j *Journal) RecordSnapshot(ctx context.Context, s Snapshot) error {
	s.TS = j.stamp(&s.TS)
	s.ZinVersion = j.version
	return j.writeThrough(ctx, "snapshot", func(st Store) error { return st.WriteSnapshot(ctx, s) })
}

// UpsertDailySummary replaces the day's summary in both sinks
func (j *Journal) UpsertDailySummary(ctx context.Context, s DailySummary) error {
	s.ZinVersion = j.version
	return j.writeThrough(ctx, "daily_summary", func(st Store) error { return st.UpsertDailySummary(ctx, s) })
}

// Decisions reads one day's decisions, primary first
func (j *Journal) Decisions(ctx context.Context, date string) ([]Decision, error) {
	if j.primary != nil {
		if out, err := j.primary.ReadDecisions(ctx, date); err == nil {
			return out, nil
		}
	}
	return j.fallback.ReadDecisions(ctx, date)
}

// Trades reads one day's trades, primary first
func (j *Journal) Trades(ctx context.Context, date string) ([]Trade, error) {
	if j.primary != nil {
		if out, err := j.primary.ReadTrades(ctx, date); err == nil {
			return out, nil
		}
	}
	return j.fallback.ReadTrades(ctx, date)
}
