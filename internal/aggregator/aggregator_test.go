package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/arbengine/types"
)

func book(exchangeID types.ExchangeID, ts time.Time) types.OrderBook {
	return types.OrderBook{
		ExchangeID: exchangeID,
		Pair:       types.TradingPair{Base: "BTC", Quote: "USDT"},
		Timestamp:  ts,
		Bids:       []types.OrderBookLevel{{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}},
		Asks:       []types.OrderBookLevel{{Price: decimal.NewFromInt(101), Quantity: decimal.NewFromInt(1)}},
	}
}

func TestIngestDropsOlderBook(t *testing.T) {
	a := New()
	pair := types.TradingPair{Base: "BTC", Quote: "USDT"}
	now := time.Now().UTC()

	a.Ingest(book("coinbase", now))
	a.Ingest(book("coinbase", now.Add(-time.Second))) // stale, dropped

	latest := a.Latest(pair)
	if !latest["coinbase"].Timestamp.Equal(now) {
		t.Fatalf("expected latest timestamp %v, got %v", now, latest["coinbase"].Timestamp)
	}
}

func TestSubscribeReceivesBroadcast(t *testing.T) {
	a := New()
	a.Start(context.Background(), []types.TradingPair{{Base: "BTC", Quote: "USDT"}}, []types.ExchangeID{"coinbase"})
	defer a.Stop()

	ch, unsubscribe := a.Subscribe()
	defer unsubscribe()

	a.Ingest(book("coinbase", time.Now().UTC()))

	select {
	case ev := <-ch:
		if ev.UpdatedExchange != "coinbase" {
			t.Fatalf("unexpected updated exchange: %s", ev.UpdatedExchange)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast event")
	}
}

func TestDeliverDropsOldestOnOverflow(t *testing.T) {
	a := New()
	ch, unsubscribe := a.Subscribe()
	defer unsubscribe()

	base := time.Now().UTC()
	for i := 0; i < subscriberQueueDepth+10; i++ {
		a.Ingest(book("coinbase", base.Add(time.Duration(i)*time.Millisecond)))
	}

	if len(ch) != subscriberQueueDepth {
		t.Fatalf("expected channel full at capacity %d, got %d", subscriberQueueDepth, len(ch))
	}
	// The 10 oldest events were evicted, so the first one left is i=10.
	want := base.Add(10 * time.Millisecond)
	if got := (<-ch).BookByExchange["coinbase"].Timestamp; !got.Equal(want) {
		t.Fatalf("expected oldest remaining event at %v, got %v", want, got)
	}
}

func TestStalenessGuard(t *testing.T) {
	now := time.Now().UTC()
	stale := book("coinbase", now.Add(-10*time.Second))
	if !Staleness(stale, 500*time.Millisecond, now) {
		t.Fatal("expected book older than 2x tick interval to be stale")
	}
	fresh := book("coinbase", now)
	if Staleness(fresh, 500*time.Millisecond, now) {
		t.Fatal("expected fresh book to not be stale")
	}
}
