package execution

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/arbengine/internal/errs"
	"github.com/web3guy0/arbengine/types"
)

// BookLookup resolves the latest known per-exchange book map for a pair,
// the shape aggregator.Aggregator.Latest returns. Kept as a function type
// so this package never imports internal/aggregator.
type BookLookup func(pair types.TradingPair) map[types.ExchangeID]types.OrderBook

// DefaultPaperBalances seeds every configured exchange with a generous
// quote-currency float and a modest base-asset float, enough to exercise
// the paired-leg protocol without external configuration.
func DefaultPaperBalances(exchanges []types.ExchangeID, pairs []types.TradingPair) map[types.ExchangeID][]types.Balance {
	out := make(map[types.ExchangeID][]types.Balance, len(exchanges))
	seen := make(map[types.Currency]bool)
	var currencies []types.Currency
	for _, p := range pairs {
		for _, c := range []types.Currency{p.Base, p.Quote} {
			cc := c.Canon()
			if !seen[cc] {
				seen[cc] = true
				currencies = append(currencies, cc)
			}
		}
	}
	for _, ex := range exchanges {
		var balances []types.Balance
		for _, c := range currencies {
			amount := decimal.NewFromInt(100000)
			if c != "USD" && c != "USDT" && c != "USDC" && c != "EUR" {
				amount = decimal.NewFromInt(10)
			}
			balances = append(balances, types.NewBalance(ex, c, amount, amount, decimal.Zero))
		}
		out[ex] = balances
	}
	return out
}

// PaperExecutor implements the same Execute contract as Executor but never
// touches the network: fills are simulated against the Aggregator's
// latest known book, and balances live in an in-memory ledger.
type PaperExecutor struct {
	mu        sync.Mutex
	balances  map[types.ExchangeID]map[types.Currency]types.Balance
	latestBook BookLookup
	fees      map[types.ExchangeID]types.FeeSchedule

	trades   []types.TradeResult
	onResult func(types.TradeResult)
}

// NewPaperExecutor seeds the ledger from initial and wires latestBook for
// fill pricing. A nil initial leaves the ledger empty; there is no fallback
// to DefaultPaperBalances here.
func NewPaperExecutor(initial map[types.ExchangeID][]types.Balance, latestBook BookLookup, fees map[types.ExchangeID]types.FeeSchedule) *PaperExecutor {
	p := &PaperExecutor{
		balances:   make(map[types.ExchangeID]map[types.Currency]types.Balance),
		latestBook: latestBook,
		fees:       fees,
	}
	for exchangeID, balances := range initial {
		m := make(map[types.Currency]types.Balance, len(balances))
		for _, b := range balances {
			m[b.Currency.Canon()] = b
		}
		p.balances[exchangeID] = m
	}
	log.Info().Int("exchanges", len(initial)).Msg("📝 paper executor initialized")
	return p
}

// OnResult sets a callback invoked with every completed TradeResult.
func (p *PaperExecutor) OnResult(fn func(types.TradeResult)) {
	p.onResult = fn
}

// Execute simulates the paired-leg fill for opp: each leg fills at the
// best opposing book level currently known to the Aggregator, clamped by
// the requested limit price if one is supplied by the caller via
// opp.BuyPrice/opp.SellPrice already reflecting the detector's chosen
// levels.
func (p *PaperExecutor) Execute(ctx context.Context, opp types.ArbitrageOpportunity) (types.TradeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	opp.Status = types.StatusExecuting

	book := p.latestBook(opp.Pair)
	buyBook, sellBook := book[opp.BuyExchange], book[opp.SellExchange]

	buyAsk := buyBook.BestAsk()
	if !buyAsk.Valid() {
		return types.TradeResult{}, &errs.ExecutionError{OpportunityID: opp.ID.String(), Leg: "buy", Err: &errs.ProtocolError{ExchangeID: string(opp.BuyExchange), Raw: "no live quote for paper fill"}}
	}

	sellBid := sellBook.BestBid()
	fillPrice := decimal.Min(opp.BuyPrice, buyAsk.Price)
	qty := decimal.Min(opp.EffectiveQty, buyAsk.Quantity)
	if sellBid.Valid() {
		qty = decimal.Min(qty, sellBid.Quantity)
	}

	quoteNeeded := qty.Mul(fillPrice)
	if !p.availableLocked(opp.BuyExchange, opp.Pair.Quote).GreaterThanOrEqual(quoteNeeded) {
		return types.TradeResult{}, &errs.InsufficientBalanceError{
			ExchangeID: string(opp.BuyExchange),
			Currency:   string(opp.Pair.Quote),
			Required:   quoteNeeded.String(),
			Available:  p.availableLocked(opp.BuyExchange, opp.Pair.Quote).String(),
		}
	}

	// Buy leg always fills once its own quote/balance checks pass; whether
	// the sell leg can follow is decided next.
	buyFee := quoteNeeded.Mul(p.takerRateLocked(opp.BuyExchange))
	now := time.Now().UTC()
	p.applyLocked(opp.BuyExchange, opp.Pair.Quote, quoteNeeded.Add(buyFee).Neg())
	p.applyLocked(opp.BuyExchange, opp.Pair.Base, qty)
	buyExec := &types.TradeExecution{
		TradeID: types.NewOpportunityID(), ExchangeID: opp.BuyExchange, Pair: opp.Pair,
		Side: types.SideBuy, OrderType: types.OrderTypeMarket, Price: fillPrice, Quantity: qty,
		Fee: buyFee, FeeCurrency: opp.Pair.Quote, Timestamp: now, OpportunityID: opp.ID,
	}

	sellRejected := !sellBid.Valid() || !p.availableLocked(opp.SellExchange, opp.Pair.Base).GreaterThanOrEqual(qty)
	if sellRejected {
		return p.flattenAndFailLocked(opp, buyBook, buyExec, qty, quoteNeeded, buyFee), nil
	}

	sellFillPrice := decimal.Max(opp.SellPrice, sellBid.Price)
	sellNotional := qty.Mul(sellFillPrice)
	sellFee := sellNotional.Mul(p.takerRateLocked(opp.SellExchange))

	p.applyLocked(opp.SellExchange, opp.Pair.Base, qty.Neg())
	p.applyLocked(opp.SellExchange, opp.Pair.Quote, sellNotional.Sub(sellFee))

	sellExec := &types.TradeExecution{
		TradeID: types.NewOpportunityID(), ExchangeID: opp.SellExchange, Pair: opp.Pair,
		Side: types.SideSell, OrderType: types.OrderTypeMarket, Price: sellFillPrice, Quantity: qty,
		Fee: sellFee, FeeCurrency: opp.Pair.Quote, Timestamp: now, OpportunityID: opp.ID,
	}

	profit := sellNotional.Sub(quoteNeeded).Sub(buyFee).Sub(sellFee)
	result := types.TradeResult{
		ID:              types.NewOpportunityID(),
		OpportunityID:   opp.ID,
		IsSuccess:       true,
		BuyExecution:    buyExec,
		SellExecution:   sellExec,
		ProfitAbs:       profit,
		ExecutionTimeMs: time.Since(opp.DetectedAt).Milliseconds(),
		Timestamp:       now,
	}
	if quoteNeeded.GreaterThan(decimal.Zero) {
		result.ProfitPct = profit.Div(quoteNeeded).Mul(decimal.NewFromInt(100))
	}

	p.trades = append(p.trades, result)
	if p.onResult != nil {
		p.onResult(result)
	}

	log.Info().
		Str("opportunity_id", opp.ID.String()).
		Str("profit_abs", profit.StringFixed(6)).
		Msg("📝 paper trade filled")

	return result, nil
}

// flattenAndFailLocked implements the paper-mode side of spec §4.5 step 5:
// the sell leg rejected (no opposing quote, or insufficient base balance on
// the sell exchange) after the buy leg already filled, so the bought
// quantity is sold straight back on the buy exchange's own bid to flatten
// the resulting inventory. The crossed bid/ask on that single exchange is
// realized as a loss, matching a live one-leg-rejected reconciliation.
// Caller must hold p.mu.
func (p *PaperExecutor) flattenAndFailLocked(opp types.ArbitrageOpportunity, buyBook types.OrderBook, buyExec *types.TradeExecution, qty, quoteNeeded, buyFee decimal.Decimal) types.TradeResult {
	flattenBid := buyBook.BestBid()
	flattenPrice := flattenBid.Price
	if !flattenBid.Valid() {
		flattenPrice = buyExec.Price // no bid at all: assume no further slippage beyond the original ask
	}

	proceeds := qty.Mul(flattenPrice)
	flattenFee := proceeds.Mul(p.takerRateLocked(opp.BuyExchange))
	net := proceeds.Sub(flattenFee)

	p.applyLocked(opp.BuyExchange, opp.Pair.Base, qty.Neg())
	p.applyLocked(opp.BuyExchange, opp.Pair.Quote, net)

	now := time.Now().UTC()
	flattenExec := &types.TradeExecution{
		TradeID: types.NewOpportunityID(), ExchangeID: opp.BuyExchange, Pair: opp.Pair,
		Side: types.SideSell, OrderType: types.OrderTypeMarket, Price: flattenPrice, Quantity: qty,
		Fee: flattenFee, FeeCurrency: opp.Pair.Quote, Timestamp: now, OpportunityID: opp.ID,
	}

	profit := net.Sub(quoteNeeded).Sub(buyFee)
	result := types.TradeResult{
		ID:              types.NewOpportunityID(),
		OpportunityID:   opp.ID,
		IsSuccess:       false,
		Err:             "sell leg rejected; buy leg flattened",
		BuyExecution:    buyExec,
		SellExecution:   flattenExec,
		ProfitAbs:       profit,
		ExecutionTimeMs: time.Since(opp.DetectedAt).Milliseconds(),
		Timestamp:       now,
	}
	if quoteNeeded.GreaterThan(decimal.Zero) {
		result.ProfitPct = profit.Div(quoteNeeded).Mul(decimal.NewFromInt(100))
	}

	p.trades = append(p.trades, result)
	if p.onResult != nil {
		p.onResult(result)
	}

	log.Warn().
		Str("opportunity_id", opp.ID.String()).
		Str("profit_abs", profit.StringFixed(6)).
		Msg("🚨 paper sell leg rejected; buy leg flattened at a loss")

	return result
}

func (p *PaperExecutor) availableLocked(exchangeID types.ExchangeID, currency types.Currency) decimal.Decimal {
	m, ok := p.balances[exchangeID]
	if !ok {
		return decimal.Zero
	}
	b, ok := m[currency.Canon()]
	if !ok {
		return decimal.Zero
	}
	return b.Available
}

func (p *PaperExecutor) takerRateLocked(exchangeID types.ExchangeID) decimal.Decimal {
	if fs, ok := p.fees[exchangeID]; ok {
		return fs.TakerRate
	}
	return decimal.NewFromFloat(0.001)
}

func (p *PaperExecutor) applyLocked(exchangeID types.ExchangeID, currency types.Currency, delta decimal.Decimal) {
	m, ok := p.balances[exchangeID]
	if !ok {
		m = make(map[types.Currency]types.Balance)
		p.balances[exchangeID] = m
	}
	cc := currency.Canon()
	b := m[cc]
	b.ExchangeID = exchangeID
	b.Currency = cc
	b.Total = b.Total.Add(delta)
	b.Available = b.Available.Add(delta)
	b.Timestamp = time.Now().UTC()
	m[cc] = b
}

// Balance returns a snapshot of one exchange/currency balance.
func (p *PaperExecutor) Balance(exchangeID types.ExchangeID, currency types.Currency) types.Balance {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.balances[exchangeID]; ok {
		return m[currency.Canon()]
	}
	return types.Balance{}
}

// TradeHistory returns every simulated trade recorded so far, oldest
// first, as a copy of the executor's in-memory history. The Repository does
// not read this history; it receives trades only through OnResult.
func (p *PaperExecutor) TradeHistory() []types.TradeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.TradeResult, len(p.trades))
	copy(out, p.trades)
	return out
}
