package kraken

import (
	"testing"

	"github.com/web3guy0/arbengine/types"
)

func TestCurrencyPrefixMapping(t *testing.T) {
	cases := map[string]string{
		"XXBT": "BTC",
		"XETH": "ETH",
		"ZUSD": "USD",
		"ZEUR": "EUR",
		"USDT": "USDT", // unmapped code passes through unchanged
	}
	for wire, canon := range cases {
		if got := canonicalize(wire); got != canon {
			t.Errorf("canonicalize(%q) = %q, want %q", wire, got, canon)
		}
	}
}

func TestWirePairRoundTrip(t *testing.T) {
	pair := types.TradingPair{Base: "BTC", Quote: "USD"}
	wire := wirePair(pair)
	if wire != "XXBTZUSD" {
		t.Fatalf("expected XXBTZUSD, got %s", wire)
	}
}

func TestPairFromWire(t *testing.T) {
	pair, ok := pairFromWire("XBT/USD")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if pair.Base != "BTC" || pair.Quote != "USD" {
		t.Fatalf("unexpected pair: %+v", pair)
	}
}
