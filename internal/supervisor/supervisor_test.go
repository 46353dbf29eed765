package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/arbengine/internal/aggregator"
	"github.com/web3guy0/arbengine/internal/detector"
	"github.com/web3guy0/arbengine/internal/exchange"
	"github.com/web3guy0/arbengine/internal/execution"
	"github.com/web3guy0/arbengine/internal/risk"
	"github.com/web3guy0/arbengine/types"
)

func mustDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

var errNotSubscribed = errors.New("not subscribed")

// stubClient is a minimal ManagedClient: it never actually dials anything,
// it just lets the test push OrderBook updates into whatever pair the
// Supervisor subscribed to.
type stubClient struct {
	id types.ExchangeID

	mu   sync.Mutex
	subs map[types.TradingPair]chan types.OrderBook
}

func newStubClient(id types.ExchangeID) *stubClient {
	return &stubClient{id: id, subs: make(map[types.TradingPair]chan types.OrderBook)}
}

func (c *stubClient) ExchangeID() types.ExchangeID               { return c.id }
func (c *stubClient) Connect(ctx context.Context) error           { return nil }
func (c *stubClient) Close() error                                { return nil }
func (c *stubClient) Authenticate(map[string]string) error        { return nil }
func (c *stubClient) Run(ctx context.Context)                     { <-ctx.Done() }
func (c *stubClient) Stop()                                       {}
func (c *stubClient) GetStatus() exchange.Status {
	return exchange.Status{ExchangeID: c.id, Healthy: true}
}

func (c *stubClient) SubscribeOrderBook(ctx context.Context, pair types.TradingPair) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[pair]; !ok {
		c.subs[pair] = make(chan types.OrderBook, 8)
	}
	return nil
}

func (c *stubClient) UnsubscribeOrderBook(pair types.TradingPair) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, pair)
	return nil
}

func (c *stubClient) OrderBookUpdates(pair types.TradingPair) (<-chan types.OrderBook, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.subs[pair]
	if !ok {
		return nil, errNotSubscribed
	}
	return ch, nil
}

func (c *stubClient) GetOrderBookSnapshot(ctx context.Context, pair types.TradingPair, depth int) (types.OrderBook, error) {
	return types.OrderBook{}, nil
}
func (c *stubClient) GetBalances(ctx context.Context) ([]types.Balance, error) { return nil, nil }
func (c *stubClient) GetFeeSchedule(ctx context.Context) (types.FeeSchedule, error) {
	return types.FeeSchedule{ExchangeID: c.id}, nil
}
func (c *stubClient) PlaceMarketOrder(ctx context.Context, pair types.TradingPair, side types.OrderSide, qty string) (types.Order, error) {
	return types.Order{}, nil
}
func (c *stubClient) PlaceLimitOrder(ctx context.Context, pair types.TradingPair, side types.OrderSide, price, qty string) (types.Order, error) {
	return types.Order{}, nil
}

func (c *stubClient) push(pair types.TradingPair, book types.OrderBook) {
	c.mu.Lock()
	ch, ok := c.subs[pair]
	c.mu.Unlock()
	if ok {
		ch <- book
	}
}

// stubRunner emulates an Executor/PaperExecutor: every Execute call
// succeeds immediately and reports its result via onResult, exactly as the
// real backends invoke their own OnResult hook before returning.
type stubRunner struct {
	onResult func(types.TradeResult)
}

func (r *stubRunner) Execute(ctx context.Context, opp types.ArbitrageOpportunity) (types.TradeResult, error) {
	result := types.TradeResult{
		ID:            types.NewOpportunityID(),
		OpportunityID: opp.ID,
		IsSuccess:     true,
		ProfitAbs:     mustDec("5"),
		Timestamp:     time.Now().UTC(),
	}
	if r.onResult != nil {
		r.onResult(result)
	}
	return result, nil
}

func testPair() types.TradingPair {
	return types.TradingPair{Base: "BTC", Quote: "USDT"}
}

func permissiveProfile() types.RiskProfile {
	return types.RiskProfile{
		Name:                  "Test",
		MinProfitPct:          mustDec("0.01"),
		MaxCapitalPerTradePct: mustDec("1"),
		MaxCapitalPerAssetPct: mustDec("1"),
		MaxSlippagePct:        mustDec("100"),
		DailyLossLimitPct:     mustDec("100"),
		MaxConcurrentTrades:   5,
		UsePriceProtection:    false,
	}
}

func TestSupervisorDetectsApprovesAndExecutesEndToEnd(t *testing.T) {
	pair := testPair()
	coinbase := newStubClient("coinbase")
	kraken := newStubClient("kraken")

	agg := aggregator.New()
	det := detector.New(detector.Thresholds{
		MinProfitPct:         mustDec("0.01"),
		MinTradeQty:          mustDec("0.0001"),
		ExpectedTickInterval: time.Minute,
	}, func(types.ExchangeID) decimal.Decimal { return decimal.Zero })

	gate := risk.NewGate(permissiveProfile(), mustDec("10000"), nil)
	breaker := risk.NewCircuitBreaker(100, mustDec("1"), time.Minute)
	runner := &stubRunner{}
	pool := execution.NewPool(runner, 2)

	sup := New(
		DefaultConfig(),
		map[types.ExchangeID]ManagedClient{"coinbase": coinbase, "kraken": kraken},
		agg, det, gate, breaker, pool, nil, nil,
		[]types.TradingPair{pair},
	)
	runner.onResult = sup.RecordTradeResult

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("unexpected error starting supervisor: %v", err)
	}
	defer sup.Stop(context.Background())

	// Let the pump goroutines subscribe before pushing books.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		coinbase.mu.Lock()
		_, subscribed := coinbase.subs[pair]
		coinbase.mu.Unlock()
		if subscribed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	now := time.Now().UTC()
	coinbase.push(pair, types.OrderBook{
		ExchangeID: "coinbase", Pair: pair, Timestamp: now,
		Bids: []types.OrderBookLevel{{Price: mustDec("49990"), Quantity: mustDec("1")}},
		Asks: []types.OrderBookLevel{{Price: mustDec("50000"), Quantity: mustDec("1")}},
	})
	kraken.push(pair, types.OrderBook{
		ExchangeID: "kraken", Pair: pair, Timestamp: now,
		Bids: []types.OrderBookLevel{{Price: mustDec("50200"), Quantity: mustDec("1")}},
		Asks: []types.OrderBookLevel{{Price: mustDec("50210"), Quantity: mustDec("1")}},
	})

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if gate.GetState().Equity.GreaterThan(mustDec("10000")) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	state := gate.GetState()
	if !state.Equity.Equal(mustDec("10005")) {
		t.Fatalf("expected equity to reflect the simulated $5 profit, got %s", state.Equity)
	}
	if state.OpenTrades != 0 {
		t.Fatalf("expected open_trades to return to 0 after settlement, got %d", state.OpenTrades)
	}
}

func TestBackoffForCapsAtMax(t *testing.T) {
	backoff := backoffFor(20, time.Second, 10*time.Second)
	if backoff > 11*time.Second {
		t.Fatalf("expected backoff capped near 10s, got %s", backoff)
	}
}

func TestRunSupervisedRestartsAfterPanic(t *testing.T) {
	sup := &Supervisor{cfg: Config{MaxTaskRestarts: 5, TaskInitialBackoff: time.Millisecond, TaskMaxBackoff: 5 * time.Millisecond}}

	var calls int32
	var mu sync.Mutex
	ctx, cancel := context.WithCancel(context.Background())

	sup.wg.Add(1)
	go sup.runSupervised(ctx, "flaky", func(ctx context.Context) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			panic("boom")
		}
		<-ctx.Done()
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	sup.wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls < 2 {
		t.Fatalf("expected the task to be restarted after its panic, got %d calls", calls)
	}
}
