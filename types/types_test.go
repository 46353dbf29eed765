package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestTradingPairEqualCaseInsensitive(t *testing.T) {
	a := TradingPair{Base: "btc", Quote: "USDT"}
	b := TradingPair{Base: "BTC", Quote: "usdt"}
	if !a.Equal(b) {
		t.Fatalf("expected %v to equal %v", a, b)
	}
	if a.String() != "BTC/USDT" {
		t.Fatalf("unexpected string form: %s", a.String())
	}
}

func TestOrderBookCrossedDetection(t *testing.T) {
	cases := []struct {
		name    string
		book    OrderBook
		crossed bool
	}{
		{
			name: "normal book",
			book: OrderBook{
				Bids: []OrderBookLevel{{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}},
				Asks: []OrderBookLevel{{Price: decimal.NewFromInt(101), Quantity: decimal.NewFromInt(1)}},
			},
			crossed: false,
		},
		{
			name: "crossed book",
			book: OrderBook{
				Bids: []OrderBookLevel{{Price: decimal.NewFromInt(101), Quantity: decimal.NewFromInt(1)}},
				Asks: []OrderBookLevel{{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}},
			},
			crossed: true,
		},
		{
			name: "one sided",
			book: OrderBook{
				Bids: []OrderBookLevel{{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}},
			},
			crossed: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.book.Crossed(); got != tc.crossed {
				t.Fatalf("Crossed() = %v, want %v", got, tc.crossed)
			}
		})
	}
}

func TestQuoteFromBookRequiresBothSides(t *testing.T) {
	book := OrderBook{
		Bids: []OrderBookLevel{{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(2)}},
	}
	if _, ok := QuoteFromBook(book); ok {
		t.Fatal("expected ok=false with empty ask side")
	}

	book.Asks = []OrderBookLevel{{Price: decimal.NewFromInt(101), Quantity: decimal.NewFromInt(3)}}
	q, ok := QuoteFromBook(book)
	if !ok {
		t.Fatal("expected ok=true with both sides present")
	}
	if !q.BestBidPx.Equal(decimal.NewFromInt(100)) || !q.BestAskPx.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("unexpected quote: %+v", q)
	}
}

func TestBalanceValid(t *testing.T) {
	b := NewBalance("coinbase", "USDT", decimal.NewFromInt(100), decimal.NewFromInt(60), decimal.NewFromInt(40))
	if !b.Valid() {
		t.Fatal("expected balance to be valid")
	}

	bad := NewBalance("coinbase", "USDT", decimal.NewFromInt(100), decimal.NewFromInt(60), decimal.NewFromInt(50))
	if bad.Valid() {
		t.Fatal("expected balance to be invalid when available+reserved != total")
	}

	negative := NewBalance("coinbase", "USDT", decimal.NewFromInt(-1), decimal.Zero, decimal.Zero)
	if negative.Valid() {
		t.Fatal("expected negative total to be invalid")
	}
}

func TestRiskProfilePresetsOrdering(t *testing.T) {
	c, b, a := ConservativeProfile(), BalancedProfile(), AggressiveProfile()
	if !(c.MaxCapitalPerTradePct.LessThan(b.MaxCapitalPerTradePct) &&
		b.MaxCapitalPerTradePct.LessThan(a.MaxCapitalPerTradePct)) {
		t.Fatal("expected MaxCapitalPerTradePct to increase Conservative < Balanced < Aggressive")
	}
	if !(c.MinProfitPct.GreaterThan(b.MinProfitPct) && b.MinProfitPct.GreaterThan(a.MinProfitPct)) {
		t.Fatal("expected MinProfitPct to decrease Conservative > Balanced > Aggressive")
	}
}
