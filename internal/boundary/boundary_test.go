package boundary

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/arbengine/internal/aggregator"
	"github.com/web3guy0/arbengine/internal/detector"
	"github.com/web3guy0/arbengine/internal/execution"
	"github.com/web3guy0/arbengine/internal/risk"
	"github.com/web3guy0/arbengine/internal/storage"
	"github.com/web3guy0/arbengine/internal/supervisor"
	"github.com/web3guy0/arbengine/types"
)

type noopRunner struct{}

func (noopRunner) Execute(ctx context.Context, opp types.ArbitrageOpportunity) (types.TradeResult, error) {
	return types.TradeResult{OpportunityID: opp.ID, IsSuccess: true, Timestamp: time.Now().UTC()}, nil
}

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	pair := types.TradingPair{Base: "BTC", Quote: "USDT"}
	agg := aggregator.New()
	det := detector.New(detector.Thresholds{
		MinProfitPct:         decimal.NewFromFloat(0.1),
		MinTradeQty:          decimal.NewFromFloat(0.0001),
		ExpectedTickInterval: time.Minute,
	}, func(types.ExchangeID) decimal.Decimal { return decimal.Zero })
	gate := risk.NewGate(types.BalancedProfile(), decimal.NewFromInt(10000), nil)
	breaker := risk.NewCircuitBreaker(5, decimal.NewFromFloat(0.2), time.Minute)
	pool := execution.NewPool(noopRunner{}, 1)

	sup := supervisor.New(
		supervisor.DefaultConfig(),
		map[types.ExchangeID]supervisor.ManagedClient{},
		agg, det, gate, breaker, pool, nil, nil,
		[]types.TradingPair{pair},
	)
	return New(sup, nil)
}

func TestAdapterStartStopIdempotent(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start should be idempotent, got: %v", err)
	}
	if !a.GetStatus().Running {
		t.Fatal("expected status to report running after Start")
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop should be idempotent, got: %v", err)
	}
	if a.GetStatus().Running {
		t.Fatal("expected status to report stopped after Stop")
	}
}

func TestAdapterUpdateConfigurationAcceptsRiskProfile(t *testing.T) {
	a := newTestAdapter(t)
	conservative := types.ConservativeProfile()
	if err := a.UpdateConfiguration(ConfigUpdate{RiskProfile: &conservative}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAdapterQueriesReturnEmptyWithoutRepository(t *testing.T) {
	a := newTestAdapter(t)
	opps, err := a.GetOpportunities(storage.TimeRange{}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opps != nil {
		t.Fatalf("expected nil opportunities without a repository, got %v", opps)
	}
}
