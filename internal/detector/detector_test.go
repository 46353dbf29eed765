package detector

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/arbengine/internal/aggregator"
	"github.com/web3guy0/arbengine/types"
)

func mustDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func takerFee(exchangeID types.ExchangeID) decimal.Decimal {
	return mustDec("0.001")
}

func pairEvent(now time.Time, krakenBid string) aggregator.Event {
	pair := types.TradingPair{Base: "BTC", Quote: "USDT"}
	return aggregator.Event{
		Pair:            pair,
		UpdatedExchange: "kraken",
		BookByExchange: map[types.ExchangeID]types.OrderBook{
			"coinbase": {
				ExchangeID: "coinbase",
				Pair:       pair,
				Timestamp:  now,
				Bids:       []types.OrderBookLevel{{Price: mustDec("49990"), Quantity: mustDec("1.0")}},
				Asks:       []types.OrderBookLevel{{Price: mustDec("50000"), Quantity: mustDec("1.0")}},
			},
			"kraken": {
				ExchangeID: "kraken",
				Pair:       pair,
				Timestamp:  now,
				Bids:       []types.OrderBookLevel{{Price: mustDec(krakenBid), Quantity: mustDec("0.5")}},
				Asks:       []types.OrderBookLevel{{Price: mustDec("50120"), Quantity: mustDec("0.5")}},
			},
		},
	}
}

func TestDetectDropsUnprofitableSpread(t *testing.T) {
	now := time.Now().UTC()
	d := New(Thresholds{MinProfitPct: mustDec("0.1"), MinTradeQty: decimal.Zero, ExpectedTickInterval: time.Second}, takerFee)

	_, ok := d.Detect(pairEvent(now, "50100"), decimal.Zero, now)
	if ok {
		t.Fatal("expected no opportunity emitted when net profit <= 0")
	}
}

func TestDetectEmitsProfitableSpread(t *testing.T) {
	now := time.Now().UTC()
	d := New(Thresholds{MinProfitPct: mustDec("0.1"), MinTradeQty: decimal.Zero, ExpectedTickInterval: time.Second}, takerFee)

	opp, ok := d.Detect(pairEvent(now, "50200"), decimal.Zero, now)
	if !ok {
		t.Fatal("expected opportunity to be emitted")
	}
	if opp.BuyExchange != "coinbase" || opp.SellExchange != "kraken" {
		t.Fatalf("unexpected exchanges: buy=%s sell=%s", opp.BuyExchange, opp.SellExchange)
	}
	if !opp.EffectiveQty.Equal(mustDec("0.5")) {
		t.Fatalf("expected qty 0.5, got %s", opp.EffectiveQty)
	}
	wantNet := mustDec("49.9")
	diff := opp.EstProfitQuote.Sub(wantNet).Abs()
	if diff.GreaterThan(mustDec("0.01")) {
		t.Fatalf("expected net profit ~49.9, got %s", opp.EstProfitQuote)
	}
	if opp.Status != types.StatusDetected {
		t.Fatalf("expected status Detected, got %s", opp.Status)
	}
}

func TestDetectStalenessGuard(t *testing.T) {
	now := time.Now().UTC()
	d := New(Thresholds{MinProfitPct: mustDec("0.01"), MinTradeQty: decimal.Zero, ExpectedTickInterval: 500 * time.Millisecond}, takerFee)

	event := pairEvent(now, "50200")
	stale := event.BookByExchange["coinbase"]
	stale.Timestamp = now.Add(-10 * time.Second)
	event.BookByExchange["coinbase"] = stale

	if _, ok := d.Detect(event, decimal.Zero, now); ok {
		t.Fatal("expected no opportunity using a stale book")
	}
}

func TestDetectIsDeterministic(t *testing.T) {
	now := time.Now().UTC()
	d := New(Thresholds{MinProfitPct: mustDec("0.1"), MinTradeQty: decimal.Zero, ExpectedTickInterval: time.Second}, takerFee)
	event := pairEvent(now, "50200")

	first, ok1 := d.Detect(event, decimal.Zero, now)
	second, ok2 := d.Detect(event, decimal.Zero, now)
	if ok1 != ok2 || !first.EstProfitQuote.Equal(second.EstProfitQuote) {
		t.Fatal("expected identical results for identical inputs")
	}
}
