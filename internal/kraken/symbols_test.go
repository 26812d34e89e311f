package kraken

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalAsset(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"legacy bitcoin", "XBT", "BTC"},
		{"classed bitcoin", "XXBT", "BTC"},
		{"legacy doge", "XDG", "DOGE"},
		{"classed doge", "XXDG", "DOGE"},
		{"classed fiat", "ZUSD", "USD"},
		{"staking suffix", "XBT.F", "BTC"},
		{"modern code untouched", "SOL", "SOL"},
		{"four letter non classed", "ATOM", "ATOM"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, canonicalAsset(tt.input))
		})
	}
}

func TestCanonicalSymbol(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"BTC/USD", "BTC/USD"},
		{"XBT/USD", "BTC/USD"},
		{"xbt/usd", "BTC/USD"},
		{"XDG/USD", "DOGE/USD"},
		{" eth/usd ", "ETH/USD"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, canonicalSymbol(tt.input))
		})
	}
}

// Normalizing twice must give the same answer as normalizing once
func TestCanonicalSymbolIdempotent(t *testing.T) {
	for _, symbol := range []string{"XBT/USD", "BTC/USD", "XDG/EUR", "SOL/USD"} {
		once := canonicalSymbol(symbol)
		assert.Equal(t, once, canonicalSymbol(once), "symbol %s", symbol)
	}
}

func TestWSPairName(t *testing.T) {
	assert.Equal(t, "XBT/USD", wsPairName("BTC/USD"))
	assert.Equal(t, "XDG/USD", wsPairName("DOGE/USD"))
	assert.Equal(t, "ETH/USD", wsPairName("ETH/USD"))
}

func TestEncodeFormPreservesBrackets(t *testing.T) {
	encoded := encodeForm(map[string]string{
		"pair":             "XXBTZUSD",
		"close[ordertype]": "stop-loss",
		"close[price]":     "49000.5",
	})

	assert.Contains(t, encoded, "close[ordertype]=stop-loss")
	assert.Contains(t, encoded, "close[price]=49000.5")
	assert.NotContains(t, encoded, "%5B")
}

func TestClassifyVenueError(t *testing.T) {
	tests := []struct {
		code     string
		expected ErrKind
	}{
		{"EOrder:Insufficient funds", ErrKindInsufficientFunds},
		{"EOrder:Order minimum not met", ErrKindInvalidSize},
		{"EAPI:Rate limit exceeded", ErrKindRate},
		{"EAPI:Invalid key", ErrKindAuth},
		{"EAPI:Invalid nonce", ErrKindAuth},
		{"EService:Unavailable", ErrKindTransient},
		{"EOrder:Unknown order", ErrKindNotFound},
		{"EOrder:Scheduled orders limit exceeded", ErrKindReject},
		{"ESomething:Never seen before", ErrKindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := classifyVenueError([]string{tt.code})
			assert.Equal(t, tt.expected, KindOf(err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewAPIError(ErrKindTransient, "x", nil)))
	assert.True(t, IsTransient(NewAPIError(ErrKindRate, "x", nil)))
	assert.False(t, IsTransient(NewAPIError(ErrKindAuth, "x", nil)))
	assert.False(t, IsTransient(NewAPIError(ErrKindInsufficientFunds, "x", nil)))
}
