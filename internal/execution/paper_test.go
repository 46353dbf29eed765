package execution

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/arbengine/types"
)

func bookWith(exchangeID types.ExchangeID, bidPx, askPx string) types.OrderBook {
	return types.OrderBook{
		ExchangeID: exchangeID,
		Pair:       types.TradingPair{Base: "BTC", Quote: "USDT"},
		Timestamp:  time.Now().UTC(),
		Bids:       []types.OrderBookLevel{{Price: mustDec(bidPx), Quantity: mustDec("1.0")}},
		Asks:       []types.OrderBookLevel{{Price: mustDec(askPx), Quantity: mustDec("1.0")}},
	}
}

func TestPaperExecutorFillsAndUpdatesBalances(t *testing.T) {
	pair := types.TradingPair{Base: "BTC", Quote: "USDT"}
	initial := map[types.ExchangeID][]types.Balance{
		"coinbase": ample("coinbase"),
		"kraken":   ample("kraken"),
	}
	lookup := func(p types.TradingPair) map[types.ExchangeID]types.OrderBook {
		return map[types.ExchangeID]types.OrderBook{
			"coinbase": bookWith("coinbase", "49990", "50000"),
			"kraken":   bookWith("kraken", "50200", "50210"),
		}
	}
	p := NewPaperExecutor(initial, lookup, nil)

	opp := testOpp()
	opp.Pair = pair
	result, err := p.Execute(context.Background(), opp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsSuccess {
		t.Fatal("expected paper fill to succeed")
	}

	buyBTC := p.Balance("coinbase", "BTC")
	if !buyBTC.Total.Equal(mustDec("10.1")) {
		t.Fatalf("expected buy-side BTC balance to increase by 0.1, got %s", buyBTC.Total)
	}
	sellBTC := p.Balance("kraken", "BTC")
	if !sellBTC.Total.Equal(mustDec("9.9")) {
		t.Fatalf("expected sell-side BTC balance to decrease by 0.1, got %s", sellBTC.Total)
	}

	if len(p.TradeHistory()) != 1 {
		t.Fatalf("expected 1 recorded trade, got %d", len(p.TradeHistory()))
	}
}

func TestPaperExecutorRejectsOnInsufficientBalance(t *testing.T) {
	initial := map[types.ExchangeID][]types.Balance{
		"coinbase": {types.NewBalance("coinbase", "USDT", mustDec("1"), mustDec("1"), decimal.Zero)},
		"kraken":   ample("kraken"),
	}
	lookup := func(p types.TradingPair) map[types.ExchangeID]types.OrderBook {
		return map[types.ExchangeID]types.OrderBook{
			"coinbase": bookWith("coinbase", "49990", "50000"),
			"kraken":   bookWith("kraken", "50200", "50210"),
		}
	}
	p := NewPaperExecutor(initial, lookup, nil)

	if _, err := p.Execute(context.Background(), testOpp()); err == nil {
		t.Fatal("expected insufficient balance error")
	}
}

func TestPaperExecutorFlattensBuyLegWhenSellLegRejected(t *testing.T) {
	initial := map[types.ExchangeID][]types.Balance{
		"coinbase": ample("coinbase"),
		"kraken":   ample("kraken"),
	}
	lookup := func(p types.TradingPair) map[types.ExchangeID]types.OrderBook {
		return map[types.ExchangeID]types.OrderBook{
			"coinbase": bookWith("coinbase", "49990", "50000"),
			"kraken": { // no bids: the sell leg has nothing to fill against
				ExchangeID: "kraken",
				Pair:       types.TradingPair{Base: "BTC", Quote: "USDT"},
				Timestamp:  time.Now().UTC(),
				Asks:       []types.OrderBookLevel{{Price: mustDec("50210"), Quantity: mustDec("1.0")}},
			},
		}
	}
	p := NewPaperExecutor(initial, lookup, nil)

	result, err := p.Execute(context.Background(), testOpp())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsSuccess {
		t.Fatal("expected the rejected sell leg to fail the trade")
	}
	if result.Err == "" {
		t.Fatal("expected a failure reason")
	}
	if result.BuyExecution == nil || result.SellExecution == nil {
		t.Fatal("expected both the fill and the flatten to be recorded")
	}
	if !result.ProfitAbs.IsNegative() {
		t.Fatalf("expected a crossing-spread loss, got %s", result.ProfitAbs)
	}

	buyBTC := p.Balance("coinbase", "BTC")
	if !buyBTC.Total.Equal(mustDec("10")) {
		t.Fatalf("expected the flatten to fully unwind the bought BTC, got %s", buyBTC.Total)
	}
	sellBTC := p.Balance("kraken", "BTC")
	if !sellBTC.Total.Equal(mustDec("10")) {
		t.Fatalf("expected the sell exchange balance untouched, got %s", sellBTC.Total)
	}

	if len(p.TradeHistory()) != 1 {
		t.Fatalf("expected 1 recorded trade, got %d", len(p.TradeHistory()))
	}
}

func TestDefaultPaperBalancesSeedsAllExchangesAndCurrencies(t *testing.T) {
	pairs := []types.TradingPair{{Base: "BTC", Quote: "USDT"}}
	balances := DefaultPaperBalances([]types.ExchangeID{"coinbase", "kraken"}, pairs)
	if len(balances) != 2 {
		t.Fatalf("expected 2 exchanges seeded, got %d", len(balances))
	}
	for _, ex := range []types.ExchangeID{"coinbase", "kraken"} {
		if len(balances[ex]) != 2 {
			t.Fatalf("expected 2 currencies seeded for %s, got %d", ex, len(balances[ex]))
		}
	}
}
