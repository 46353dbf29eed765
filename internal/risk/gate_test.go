package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/arbengine/internal/errs"
	"github.com/web3guy0/arbengine/types"
)

func mustDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testOpportunity() types.ArbitrageOpportunity {
	return types.ArbitrageOpportunity{
		ID:             types.NewOpportunityID(),
		Pair:           types.TradingPair{Base: "BTC", Quote: "USDT"},
		BuyExchange:    "coinbase",
		SellExchange:   "kraken",
		BuyPrice:       mustDec("50000"),
		SellPrice:      mustDec("50200"),
		EffectiveQty:   mustDec("0.1"),
		SpreadAbs:      mustDec("200"),
		SpreadPct:      mustDec("0.4"),
		EstProfitQuote: mustDec("10"),
		DetectedAt:     time.Now().UTC(),
		Status:         types.StatusDetected,
	}
}

// conservativeOpportunity widens testOpportunity's 0.4% spread to 0.6% so it
// clears ConservativeProfile's 0.5% MinProfitPct.
func conservativeOpportunity() types.ArbitrageOpportunity {
	opp := testOpportunity()
	opp.SellPrice = mustDec("50300")
	opp.SpreadAbs = mustDec("300")
	opp.SpreadPct = mustDec("0.6")
	return opp
}

func TestGateApprovesQualifyingOpportunity(t *testing.T) {
	profile := types.BalancedProfile()
	g := NewGate(profile, mustDec("100000"), nil)

	opp, ok, err := g.Evaluate(testOpportunity())
	if !ok || err != nil {
		t.Fatalf("expected approval, got ok=%v err=%v", ok, err)
	}
	if opp.Status != types.StatusDetected {
		t.Fatalf("approved opportunity should retain its status, got %s", opp.Status)
	}
	if g.GetState().OpenTrades != 1 {
		t.Fatalf("expected open_trades=1, got %d", g.GetState().OpenTrades)
	}
}

func TestGateRejectsSpreadBelowMinProfit(t *testing.T) {
	profile := types.BalancedProfile() // MinProfitPct = 0.25
	g := NewGate(profile, mustDec("100000"), nil)

	opp := testOpportunity()
	opp.SpreadPct = mustDec("0.01")

	got, ok, err := g.Evaluate(opp)
	if ok {
		t.Fatal("expected rejection")
	}
	if got.Status != types.StatusMissed || got.RejectionReason != errs.ReasonMinProfitPct {
		t.Fatalf("expected Missed/%s, got %s/%s", errs.ReasonMinProfitPct, got.Status, got.RejectionReason)
	}
}

func TestGateRejectsOnMaxConcurrentTrades(t *testing.T) {
	profile := types.ConservativeProfile() // MaxConcurrentTrades = 1
	g := NewGate(profile, mustDec("100000"), nil)

	first, ok, err := g.Evaluate(conservativeOpportunity())
	if !ok || err != nil {
		t.Fatalf("expected first trade approved, got ok=%v err=%v", ok, err)
	}
	_ = first

	second, ok, err := g.Evaluate(conservativeOpportunity())
	if ok {
		t.Fatal("expected second concurrent opportunity to be rejected")
	}
	if second.Status != types.StatusMissed || second.RejectionReason != errs.ReasonMaxConcurrentTrades {
		t.Fatalf("expected Missed/%s, got %s/%s", errs.ReasonMaxConcurrentTrades, second.Status, second.RejectionReason)
	}
	if err == nil {
		t.Fatal("expected a RiskRejection error")
	}
}

func TestGateRejectsOnDailyLossLimit(t *testing.T) {
	profile := types.ConservativeProfile() // DailyLossLimitPct = 1.0 (1%)
	g := NewGate(profile, mustDec("100000"), nil)

	opp, ok, _ := g.Evaluate(conservativeOpportunity())
	if !ok {
		t.Fatal("expected initial approval")
	}
	g.RecordOutcome(opp, mustDec("-2000")) // 2% loss, exceeds 1% daily limit

	second, ok, err := g.Evaluate(conservativeOpportunity())
	if ok {
		t.Fatal("expected rejection after breaching daily loss limit")
	}
	if second.RejectionReason != errs.ReasonDailyLossLimit {
		t.Fatalf("expected reason %s, got %s", errs.ReasonDailyLossLimit, second.RejectionReason)
	}
	if err == nil {
		t.Fatal("expected a RiskRejection error")
	}
}

func TestGateRecordOutcomeDecrementsOpenTrades(t *testing.T) {
	profile := types.BalancedProfile()
	g := NewGate(profile, mustDec("100000"), nil)

	opp, ok, _ := g.Evaluate(testOpportunity())
	if !ok {
		t.Fatal("expected approval")
	}
	g.RecordOutcome(opp, mustDec("50"))

	if g.GetState().OpenTrades != 0 {
		t.Fatalf("expected open_trades=0 after RecordOutcome, got %d", g.GetState().OpenTrades)
	}
}

func TestCircuitBreakerTripsOnConsecutiveLosses(t *testing.T) {
	cb := NewCircuitBreaker(3, mustDec("0.10"), time.Minute)

	for i := 0; i < 3; i++ {
		if !cb.Allow(mustDec("1000")) {
			t.Fatalf("breaker tripped too early at iteration %d", i)
		}
		cb.RecordLoss()
	}
	if !cb.IsTripped() {
		t.Fatal("expected breaker tripped after 3 consecutive losses")
	}
	if cb.Allow(mustDec("1000")) {
		t.Fatal("expected Allow to return false while tripped")
	}
}

func TestCircuitBreakerTripsOnDrawdown(t *testing.T) {
	cb := NewCircuitBreaker(10, mustDec("0.10"), time.Minute)

	cb.Allow(mustDec("1000")) // establishes peak
	if cb.Allow(mustDec("850")) {
		t.Fatal("expected drawdown beyond 10% to trip the breaker")
	}
	if !cb.IsTripped() {
		t.Fatal("expected tripped state")
	}
}
