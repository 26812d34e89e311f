package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// assetAliases maps Kraken's legacy asset codes to canonical ones. The
// translation is applied on both inbound and outbound symbols.
var assetAliases = map[string]string{
	"XBT": "BTC",
	"XDG": "DOGE",
}

// canonicalAliases is the reverse mapping
var canonicalAliases = map[string]string{
	"BTC":  "XBT",
	"DOGE": "XDG",
}

// canonicalAsset strips Kraken's X/Z class prefixes and legacy codes.
// "XXBT" and "XBT.F" both become "BTC".
func canonicalAsset(asset string) string {
	// Staking and earn suffixes
	if i := strings.IndexByte(asset, '.'); i > 0 {
		asset = asset[:i]
	}
	if len(asset) == 4 && (asset[0] == 'X' || asset[0] == 'Z') {
		asset = asset[1:]
	}
	if canonical, ok := assetAliases[asset]; ok {
		return canonical
	}
	return asset
}

// legacyAsset maps a canonical code back to the venue's legacy code
func legacyAsset(asset string) string {
	if legacy, ok := canonicalAliases[asset]; ok {
		return legacy
	}
	return asset
}

// pairCache holds AssetPairs metadata with a TTL. Symbol lookups hit the
// cache; the venue is queried at most once per TTL window.
type pairCache struct {
	client *Client
	ttl    time.Duration

	mu        sync.RWMutex
	byKey     map[string]*MarketMetadata // canonical "BTC/USD" -> metadata
	fetchedAt time.Time
}

func newPairCache(client *Client, ttl time.Duration) *pairCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &pairCache{
		client: client,
		ttl:    ttl,
		byKey:  make(map[string]*MarketMetadata),
	}
}

// assetPairInfo mirrors the AssetPairs response entry
type assetPairInfo struct {
	WSName       string `json:"wsname"` // e.g. "XBT/USD"
	Base         string `json:"base"`
	Quote        string `json:"quote"`
	PairDecimals int32  `json:"pair_decimals"`
	LotDecimals  int32  `json:"lot_decimals"`
	OrderMin     string `json:"ordermin"`
	CostMin      string `json:"costmin"`
	Status       string `json:"status"`
}

// refresh reloads the pair table if the TTL has elapsed
func (p *pairCache) refresh(ctx context.Context) error {
	p.mu.RLock()
	fresh := time.Since(p.fetchedAt) < p.ttl && len(p.byKey) > 0
	p.mu.RUnlock()
	if fresh {
		return nil
	}

	raw, err := p.client.retryPublic(ctx, func() (json.RawMessage, error) {
		return p.client.public(ctx, "AssetPairs", nil)
	})
	if err != nil {
		return err
	}

	var result map[string]assetPairInfo
	if err := json.Unmarshal(raw, &result); err != nil {
		return NewAPIError(ErrKindUnknown, "parsing asset pairs", err)
	}

	table := make(map[string]*MarketMetadata, len(result))
	for native, info := range result {
		if info.Status != "" && info.Status != "online" {
			continue
		}
		base := canonicalAsset(info.Base)
		quote := canonicalAsset(info.Quote)
		key := base + "/" + quote
		table[key] = &MarketMetadata{
			Symbol:         key,
			Native:         native,
			Base:           base,
			Quote:          quote,
			MinQty:         parseFloat(info.OrderMin),
			MinCost:        parseFloat(info.CostMin),
			PricePrecision: info.PairDecimals,
			QtyPrecision:   info.LotDecimals,
		}
	}
	if len(table) == 0 {
		return NewAPIError(ErrKindUnknown, "asset pair table came back empty", nil)
	}

	p.mu.Lock()
	p.byKey = table
	p.fetchedAt = time.Now()
	p.mu.Unlock()
	return nil
}

// metadata resolves a canonical symbol to its trading constraints. Legacy
// spellings like XBT/USD resolve to the same entry as BTC/USD.
func (p *pairCache) metadata(ctx context.Context, symbol string) (*MarketMetadata, error) {
	if err := p.refresh(ctx); err != nil {
		return nil, err
	}

	key := canonicalSymbol(symbol)

	p.mu.RLock()
	meta, ok := p.byKey[key]
	p.mu.RUnlock()
	if !ok {
		return nil, NewAPIError(ErrKindNotFound, fmt.Sprintf("unknown trading pair %s", symbol), nil)
	}
	return meta, nil
}

// all returns every online pair's metadata
func (p *pairCache) all(ctx context.Context) ([]*MarketMetadata, error) {
	if err := p.refresh(ctx); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*MarketMetadata, 0, len(p.byKey))
	for _, meta := range p.byKey {
		out = append(out, meta)
	}
	return out, nil
}

// canonicalSymbol normalizes a "BASE/QUOTE" symbol: uppercase, aliases
// resolved. Applying it twice gives the same result.
func canonicalSymbol(symbol string) string {
	parts := strings.SplitN(strings.ToUpper(strings.TrimSpace(symbol)), "/", 2)
	if len(parts) != 2 {
		return strings.ToUpper(strings.TrimSpace(symbol))
	}
	return canonicalAsset(parts[0]) + "/" + canonicalAsset(parts[1])
}

// wsPairName returns the WebSocket pair spelling ("BTC/USD" -> "XBT/USD")
func wsPairName(symbol string) string {
	parts := strings.SplitN(canonicalSymbol(symbol), "/", 2)
	if len(parts) != 2 {
		return symbol
	}
	return legacyAsset(parts[0]) + "/" + legacyAsset(parts[1])
}
