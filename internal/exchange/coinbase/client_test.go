package coinbase

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/arbengine/types"
)

func TestProductIDRoundTrip(t *testing.T) {
	pair := types.TradingPair{Base: "btc", Quote: "usd"}
	id := productID(pair)
	if id != "BTC-USD" {
		t.Fatalf("expected BTC-USD, got %s", id)
	}

	got, ok := pairFromProductID(id)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if got.Base != "BTC" || got.Quote != "USD" {
		t.Fatalf("unexpected pair: %+v", got)
	}
}

func TestPairFromProductIDRejectsMissingSeparator(t *testing.T) {
	if _, ok := pairFromProductID("BTCUSD"); ok {
		t.Fatal("expected ok=false without a '-' separator")
	}
}

func TestParseLevelsSkipsMalformedRows(t *testing.T) {
	raw := [][]string{
		{"50000.00", "1.5"},
		{"not-a-number", "1"},
		{"49999.00"},
		{"49998.00", "2.0"},
	}
	levels := parseLevels(raw, 0)
	if len(levels) != 2 {
		t.Fatalf("expected 2 valid levels, got %d", len(levels))
	}
	if !levels[0].Price.Equal(decimal.RequireFromString("50000.00")) {
		t.Fatalf("unexpected first level price: %s", levels[0].Price)
	}
}

func TestParseLevelsRespectsLimit(t *testing.T) {
	raw := [][]string{{"1", "1"}, {"2", "1"}, {"3", "1"}}
	levels := parseLevels(raw, 2)
	if len(levels) != 2 {
		t.Fatalf("expected limit of 2 levels, got %d", len(levels))
	}
}

func TestSignIsDeterministic(t *testing.T) {
	c := &Client{apiSecret: "c2VjcmV0LWJ5dGVz"} // base64("secret-bytes")
	sig1, err := c.sign("123", "GET", "/accounts", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sig2, err := c.sign("123", "GET", "/accounts", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig1 != sig2 {
		t.Fatalf("expected deterministic signature, got %s vs %s", sig1, sig2)
	}

	sig3, err := c.sign("124", "GET", "/accounts", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig1 == sig3 {
		t.Fatal("expected a different timestamp to change the signature")
	}
}

func TestAuthenticateRequiresPassphrase(t *testing.T) {
	c := &Client{}
	err := c.Authenticate(map[string]string{"api_key": "k", "api_secret": "s"})
	if err == nil {
		t.Fatal("expected an error when passphrase is missing")
	}
}

func TestMapOrderStatus(t *testing.T) {
	cases := map[string]types.OrderStatus{
		"done":      types.OrderFilled,
		"filled":    types.OrderFilled,
		"open":      types.OrderNew,
		"pending":   types.OrderNew,
		"rejected":  types.OrderRejected,
		"cancelled": types.OrderCanceled,
		"unknown":   types.OrderNew,
	}
	for wire, want := range cases {
		if got := mapOrderStatus(wire); got != want {
			t.Errorf("mapOrderStatus(%q) = %v, want %v", wire, got, want)
		}
	}
}
