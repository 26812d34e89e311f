package universe

import (
	"context"
	"sort"
	"sync"
	"time"

	"kraken-trading-bot/config"
	"kraken-trading-bot/internal/kraken"
	"kraken-trading-bot/internal/logging"
)

// PairLister enumerates tradable pairs. The live client implements it;
// when unavailable the scanner falls back to the static symbol list.
type PairLister interface {
	ListPairs(ctx context.Context) ([]*kraken.MarketMetadata, error)
}

// Scanner maintains the dynamic trading universe: pairs quoted in the
// configured currency, ranked by 24h USD volume, filtered by
// whitelist/blacklist, capped at max_symbols. Rescans on an interval.
type Scanner struct {
	exchange kraken.Exchange
	lister   PairLister
	cfg      config.UniverseConfig
	static   []string
	log      *logging.Logger

	mu        sync.RWMutex
	symbols   []string
	scannedAt time.Time
}

// New creates a scanner. staticSymbols is the configured list used when
// scanning is disabled or fails.
func New(exchange kraken.Exchange, lister PairLister, cfg config.UniverseConfig, staticSymbols []string) *Scanner {
	return &Scanner{
		exchange: exchange,
		lister:   lister,
		cfg:      cfg,
		static:   staticSymbols,
		symbols:  staticSymbols,
		log:      logging.WithComponent("universe"),
	}
}

// Symbols returns the current universe, rescanning when the interval has
// elapsed. Always returns something tradable.
func (s *Scanner) Symbols(ctx context.Context) []string {
	if !s.cfg.Enabled || s.lister == nil {
		return s.static
	}

	s.mu.RLock()
	fresh := time.Since(s.scannedAt) < s.cfg.ScanInterval && len(s.symbols) > 0
	current := s.symbols
	s.mu.RUnlock()
	if fresh {
		return current
	}

	scanned, err := s.scan(ctx)
	if err != nil || len(scanned) == 0 {
		s.log.Warn("universe scan failed, keeping previous set", "error", err)
		return current
	}

	s.mu.Lock()
	s.symbols = scanned
	s.scannedAt = time.Now()
	s.mu.Unlock()

	s.log.Info("universe refreshed", "symbols", len(scanned))
	return scanned
}

type rankedPair struct {
	symbol    string
	volumeUSD float64
}

func (s *Scanner) scan(ctx context.Context) ([]string, error) {
	pairs, err := s.lister.ListPairs(ctx)
	if err != nil {
		return nil, err
	}

	blacklisted := make(map[string]bool, len(s.cfg.Blacklist))
	for _, sym := range s.cfg.Blacklist {
		blacklisted[sym] = true
	}
	whitelisted := make(map[string]bool, len(s.cfg.Whitelist))
	for _, sym := range s.cfg.Whitelist {
		whitelisted[sym] = true
	}

	var ranked []rankedPair
	for _, meta := range pairs {
		if meta.Quote != s.cfg.QuoteCurrency || blacklisted[meta.Symbol] {
			continue
		}
		if len(whitelisted) > 0 && !whitelisted[meta.Symbol] {
			continue
		}
		ticker, err := s.exchange.FetchTicker(ctx, meta.Symbol)
		if err != nil {
			continue
		}
		volumeUSD := ticker.Volume24h * ticker.Last
		if volumeUSD < s.cfg.MinVolumeUSD {
			continue
		}
		ranked = append(ranked, rankedPair{symbol: meta.Symbol, volumeUSD: volumeUSD})
	}

	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].volumeUSD > ranked[j].volumeUSD
	})
	if s.cfg.MaxSymbols > 0 && len(ranked) > s.cfg.MaxSymbols {
		ranked = ranked[:s.cfg.MaxSymbols]
	}

	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.symbol
	}
	return out, nil
}
