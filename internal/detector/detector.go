// Package detector computes the single best cross-exchange arbitrage
// opportunity per aggregator tick. Detection is a pure, deterministic
// function of its inputs — no randomness, no hidden state.
package detector

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/arbengine/internal/aggregator"
	"github.com/web3guy0/arbengine/types"
)

// Thresholds carries the filters applied after candidate scoring.
type Thresholds struct {
	MinProfitPct          decimal.Decimal
	MinTradeQty           decimal.Decimal
	ExpectedTickInterval  time.Duration
	RiskCapQty            decimal.Decimal // not read by Detect, which computes capitalCap / buy_price itself per candidate
}

// FeeLookup resolves the taker fee rate for an exchange.
type FeeLookup func(exchangeID types.ExchangeID) decimal.Decimal

// Detector consumes aggregator events and produces qualified
// ArbitrageOpportunity values.
type Detector struct {
	thresholds Thresholds
	fees       FeeLookup
}

// New constructs a Detector.
func New(thresholds Thresholds, fees FeeLookup) *Detector {
	return &Detector{thresholds: thresholds, fees: fees}
}

type candidate struct {
	buyExchange  types.ExchangeID
	sellExchange types.ExchangeID
	buyAsk       types.OrderBookLevel
	sellBid      types.OrderBookLevel
	qty          decimal.Decimal
	grossProfit  decimal.Decimal
	fees         decimal.Decimal
	netProfit    decimal.Decimal
	spreadPct    decimal.Decimal
}

// Detect implements the algorithm of spec.md §4.3 over one aggregator
// event's book_by_exchange map. now is the reference time for the
// staleness guard. capitalCap bounds effective quantity by
// capital_cap/buy_price. Returns ok=false when no candidate survives
// filtering.
func (d *Detector) Detect(event aggregator.Event, capitalCap decimal.Decimal, now time.Time) (types.ArbitrageOpportunity, bool) {
	exchangeIDs := make([]types.ExchangeID, 0, len(event.BookByExchange))
	for id := range event.BookByExchange {
		exchangeIDs = append(exchangeIDs, id)
	}
	sort.Slice(exchangeIDs, func(i, j int) bool { return exchangeIDs[i] < exchangeIDs[j] })

	var candidates []candidate
	for _, a := range exchangeIDs {
		for _, b := range exchangeIDs {
			if a == b {
				continue
			}
			bookA := event.BookByExchange[a]
			bookB := event.BookByExchange[b]
			if aggregator.Staleness(bookA, d.thresholds.ExpectedTickInterval, now) ||
				aggregator.Staleness(bookB, d.thresholds.ExpectedTickInterval, now) {
				continue
			}
			buyAsk := bookA.BestAsk()
			sellBid := bookB.BestBid()
			if !buyAsk.Valid() || !sellBid.Valid() {
				continue
			}
			if !sellBid.Price.GreaterThan(buyAsk.Price) {
				continue
			}

			qty := decimal.Min(buyAsk.Quantity, sellBid.Quantity)
			if capitalCap.GreaterThan(decimal.Zero) {
				maxQtyByCapital := capitalCap.Div(buyAsk.Price)
				qty = decimal.Min(qty, maxQtyByCapital)
			}
			if !qty.GreaterThan(decimal.Zero) {
				continue
			}

			grossProfit := sellBid.Price.Sub(buyAsk.Price).Mul(qty)
			feeA := d.fees(a)
			feeB := d.fees(b)
			fees := qty.Mul(buyAsk.Price).Mul(feeA).Add(qty.Mul(sellBid.Price).Mul(feeB))
			netProfit := grossProfit.Sub(fees)
			spreadPct := sellBid.Price.Div(buyAsk.Price).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))

			candidates = append(candidates, candidate{
				buyExchange:  a,
				sellExchange: b,
				buyAsk:       buyAsk,
				sellBid:      sellBid,
				qty:          qty,
				grossProfit:  grossProfit,
				fees:         fees,
				netProfit:    netProfit,
				spreadPct:    spreadPct,
			})
		}
	}

	best, ok := bestCandidate(candidates)
	if !ok {
		return types.ArbitrageOpportunity{}, false
	}

	if best.spreadPct.LessThan(d.thresholds.MinProfitPct) {
		return types.ArbitrageOpportunity{}, false
	}
	if best.qty.LessThan(d.thresholds.MinTradeQty) {
		return types.ArbitrageOpportunity{}, false
	}

	ts := event.BookByExchange[best.buyExchange].Timestamp
	if event.BookByExchange[best.sellExchange].Timestamp.After(ts) {
		ts = event.BookByExchange[best.sellExchange].Timestamp
	}

	return types.ArbitrageOpportunity{
		ID:             types.NewOpportunityID(),
		Pair:           event.Pair,
		BuyExchange:    best.buyExchange,
		SellExchange:   best.sellExchange,
		BuyPrice:       best.buyAsk.Price,
		SellPrice:      best.sellBid.Price,
		EffectiveQty:   best.qty,
		SpreadAbs:      best.sellBid.Price.Sub(best.buyAsk.Price),
		SpreadPct:      best.spreadPct,
		EstProfitQuote: best.netProfit,
		EstFeesQuote:   best.fees,
		DetectedAt:     ts,
		Status:         types.StatusDetected,
	}, true
}

// bestCandidate picks the candidate with maximum net_profit among those
// where net_profit > 0; ties break by larger effective_quantity, then by
// lexicographic (buy_exchange, sell_exchange).
func bestCandidate(candidates []candidate) (candidate, bool) {
	var best candidate
	found := false
	for _, c := range candidates {
		if !c.netProfit.GreaterThan(decimal.Zero) {
			continue
		}
		if !found {
			best = c
			found = true
			continue
		}
		if c.netProfit.GreaterThan(best.netProfit) {
			best = c
			continue
		}
		if c.netProfit.Equal(best.netProfit) {
			if c.qty.GreaterThan(best.qty) {
				best = c
				continue
			}
			if c.qty.Equal(best.qty) {
				if c.buyExchange < best.buyExchange ||
					(c.buyExchange == best.buyExchange && c.sellExchange < best.sellExchange) {
					best = c
				}
			}
		}
	}
	return best, found
}
