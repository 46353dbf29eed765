// Package execution carries an approved ArbitrageOpportunity through the
// paired-leg buy/sell protocol of spec §4.5, live against real exchanges
// or, in paper mode, against an in-memory balance ledger.
package execution

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/arbengine/internal/errs"
	"github.com/web3guy0/arbengine/internal/exchange"
	"github.com/web3guy0/arbengine/types"
)

// Registry resolves an exchange id to the live client used to place
// orders on it.
type Registry map[types.ExchangeID]exchange.Client

// Config holds executor-wide settings.
type Config struct {
	MaxExecutionTime time.Duration // default 3s, spec §4.5 max_execution_time_ms
}

// DefaultConfig returns the spec's default timing.
func DefaultConfig() Config {
	return Config{MaxExecutionTime: 3 * time.Second}
}

// Executor issues the two legs of an approved opportunity concurrently and
// reconciles partial or rejected fills.
type Executor struct {
	registry Registry
	config   Config

	mu          sync.Mutex
	activeTrades int64

	onResult func(types.TradeResult)
}

// New constructs an Executor.
func New(registry Registry, config Config) *Executor {
	log.Info().
		Dur("max_execution_time", config.MaxExecutionTime).
		Int("exchanges", len(registry)).
		Msg("⚡ executor initialized (live)")
	return &Executor{registry: registry, config: config}
}

// OnResult sets a callback invoked with every completed TradeResult,
// success or failure.
func (e *Executor) OnResult(fn func(types.TradeResult)) {
	e.onResult = fn
}

// legOutcome is the terminal state of one leg of the paired trade.
type legOutcome struct {
	exchangeID types.ExchangeID
	side       types.OrderSide
	order      types.Order
	err        error
	startedAt  time.Time
}

// Execute runs the C5 protocol: reserve balances, issue both legs
// concurrently, reconcile, and return the TradeResult. opp must already
// have passed risk approval; Execute marks it Executing internally.
func (e *Executor) Execute(ctx context.Context, opp types.ArbitrageOpportunity) (types.TradeResult, error) {
	opp.Status = types.StatusExecuting

	buyClient, ok := e.registry[opp.BuyExchange]
	if !ok {
		err := &errs.AuthError{ExchangeID: string(opp.BuyExchange), Reason: "exchange not registered with executor"}
		return types.TradeResult{}, &errs.ExecutionError{OpportunityID: opp.ID.String(), Leg: "buy", Err: err}
	}
	sellClient, ok := e.registry[opp.SellExchange]
	if !ok {
		err := &errs.AuthError{ExchangeID: string(opp.SellExchange), Reason: "exchange not registered with executor"}
		return types.TradeResult{}, &errs.ExecutionError{OpportunityID: opp.ID.String(), Leg: "sell", Err: err}
	}

	if err := e.checkBalances(ctx, buyClient, sellClient, opp); err != nil {
		return types.TradeResult{}, err
	}

	e.mu.Lock()
	e.activeTrades++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.activeTrades--
		e.mu.Unlock()
	}()

	execCtx, cancel := context.WithTimeout(ctx, e.config.MaxExecutionTime)
	defer cancel()

	var wg sync.WaitGroup
	outcomes := make([]legOutcome, 2)
	wg.Add(2)

	buyStart := time.Now()
	go func() {
		defer wg.Done()
		order, err := buyClient.PlaceMarketOrder(execCtx, opp.Pair, types.SideBuy, opp.EffectiveQty.String())
		outcomes[0] = legOutcome{exchangeID: opp.BuyExchange, side: types.SideBuy, order: order, err: err, startedAt: buyStart}
	}()

	sellStart := time.Now()
	go func() {
		defer wg.Done()
		order, err := sellClient.PlaceMarketOrder(execCtx, opp.Pair, types.SideSell, opp.EffectiveQty.String())
		outcomes[1] = legOutcome{exchangeID: opp.SellExchange, side: types.SideSell, order: order, err: err, startedAt: sellStart}
	}()

	wg.Wait()

	skew := outcomes[1].startedAt.Sub(outcomes[0].startedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > 50*time.Millisecond {
		log.Warn().
			Str("opportunity_id", opp.ID.String()).
			Dur("skew", skew).
			Msg("⚠️ paired legs started more than 50ms apart")
	}

	return e.reconcile(execCtx, opp, outcomes[0], outcomes[1]), nil
}

// checkBalances requires available quote on the buy exchange and available
// base on the sell exchange before issuing either leg.
func (e *Executor) checkBalances(ctx context.Context, buyClient, sellClient exchange.Client, opp types.ArbitrageOpportunity) error {
	buyBalances, err := buyClient.GetBalances(ctx)
	if err != nil {
		return &errs.ExecutionError{OpportunityID: opp.ID.String(), Leg: "buy", Err: err}
	}
	requiredQuote := opp.EffectiveQty.Mul(opp.BuyPrice)
	if !hasSufficientBalance(buyBalances, opp.Pair.Quote, requiredQuote) {
		return &errs.InsufficientBalanceError{
			ExchangeID: string(opp.BuyExchange),
			Currency:   string(opp.Pair.Quote),
			Required:   requiredQuote.String(),
			Available:  availableBalance(buyBalances, opp.Pair.Quote).String(),
		}
	}

	sellBalances, err := sellClient.GetBalances(ctx)
	if err != nil {
		return &errs.ExecutionError{OpportunityID: opp.ID.String(), Leg: "sell", Err: err}
	}
	if !hasSufficientBalance(sellBalances, opp.Pair.Base, opp.EffectiveQty) {
		return &errs.InsufficientBalanceError{
			ExchangeID: string(opp.SellExchange),
			Currency:   string(opp.Pair.Base),
			Required:   opp.EffectiveQty.String(),
			Available:  availableBalance(sellBalances, opp.Pair.Base).String(),
		}
	}
	return nil
}

func hasSufficientBalance(balances []types.Balance, currency types.Currency, required decimal.Decimal) bool {
	return availableBalance(balances, currency).GreaterThanOrEqual(required)
}

func availableBalance(balances []types.Balance, currency types.Currency) decimal.Decimal {
	for _, b := range balances {
		if b.Currency.Equal(currency) {
			return b.Available
		}
	}
	return decimal.Zero
}

// reconcile implements spec §4.5 step 5: both filled, both partial,
// one-filled-one-rejected, and timeout cases.
func (e *Executor) reconcile(ctx context.Context, opp types.ArbitrageOpportunity, buyLeg, sellLeg legOutcome) types.TradeResult {
	result := types.TradeResult{
		ID:            types.NewOpportunityID(),
		OpportunityID: opp.ID,
		Timestamp:     time.Now().UTC(),
	}

	buyFilled := buyLeg.err == nil && buyLeg.order.FilledQty.GreaterThan(decimal.Zero)
	sellFilled := sellLeg.err == nil && sellLeg.order.FilledQty.GreaterThan(decimal.Zero)

	switch {
	case buyFilled && sellFilled && buyLeg.order.Status == types.OrderFilled && sellLeg.order.Status == types.OrderFilled:
		result.IsSuccess = true

	case buyFilled && sellFilled:
		// Both partially filled: reconcile at the smaller quantity, flatten the excess.
		q := decimal.Min(buyLeg.order.FilledQty, sellLeg.order.FilledQty)
		if buyLeg.order.FilledQty.GreaterThan(q) {
			excess := buyLeg.order.FilledQty.Sub(q)
			e.flatten(ctx, opp.BuyExchange, opp.Pair, types.SideSell, excess)
		}
		if sellLeg.order.FilledQty.GreaterThan(q) {
			excess := sellLeg.order.FilledQty.Sub(q)
			e.flatten(ctx, opp.SellExchange, opp.Pair, types.SideBuy, excess)
		}
		buyLeg.order.FilledQty = q
		sellLeg.order.FilledQty = q
		result.IsSuccess = true

	case buyFilled && !sellFilled:
		// Buy leg filled, sell leg rejected/timed out: flatten the buy side.
		e.flatten(ctx, opp.BuyExchange, opp.Pair, types.SideSell, buyLeg.order.FilledQty)
		result.IsSuccess = false
		result.Err = "sell leg failed; buy leg flattened"

	case !buyFilled && sellFilled:
		// Sell leg filled (shorted inventory), buy leg rejected/timed out: flatten the sell side.
		e.flatten(ctx, opp.SellExchange, opp.Pair, types.SideBuy, sellLeg.order.FilledQty)
		result.IsSuccess = false
		result.Err = "buy leg failed; sell leg flattened"

	default:
		result.IsSuccess = false
		result.Err = "both legs failed"
	}

	if buyLeg.order.FilledQty.GreaterThan(decimal.Zero) {
		result.BuyExecution = toExecution(opp, buyLeg, e.takerRate(buyLeg.exchangeID))
	}
	if sellLeg.order.FilledQty.GreaterThan(decimal.Zero) {
		result.SellExecution = toExecution(opp, sellLeg, e.takerRate(sellLeg.exchangeID))
	}

	if result.IsSuccess && result.BuyExecution != nil && result.SellExecution != nil {
		buyNotional := result.BuyExecution.Price.Mul(result.BuyExecution.Quantity)
		sellNotional := result.SellExecution.Price.Mul(result.SellExecution.Quantity)
		fees := result.BuyExecution.Fee.Add(result.SellExecution.Fee)
		result.ProfitAbs = sellNotional.Sub(buyNotional).Sub(fees)
		if buyNotional.GreaterThan(decimal.Zero) {
			result.ProfitPct = result.ProfitAbs.Div(buyNotional).Mul(decimal.NewFromInt(100))
		}
	}
	result.ExecutionTimeMs = time.Since(opp.DetectedAt).Milliseconds()

	if e.onResult != nil {
		e.onResult(result)
	}

	log.Info().
		Str("opportunity_id", opp.ID.String()).
		Bool("success", result.IsSuccess).
		Str("profit_abs", result.ProfitAbs.StringFixed(6)).
		Msg("📒 trade reconciled")

	return result
}

// flatten issues an immediate opposite-side market order on exchangeID to
// close out an unwanted fill, per spec §4.5 step 5. Errors are logged but
// not further retried: a stuck residual position is an operator alert, not
// something the executor can resolve unattended.
func (e *Executor) flatten(ctx context.Context, exchangeID types.ExchangeID, pair types.TradingPair, side types.OrderSide, qty decimal.Decimal) {
	client, ok := e.registry[exchangeID]
	if !ok || !qty.GreaterThan(decimal.Zero) {
		return
	}
	flattenCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.PlaceMarketOrder(flattenCtx, pair, side, qty.String()); err != nil {
		log.Error().
			Err(err).
			Str("exchange", string(exchangeID)).
			Str("pair", pair.String()).
			Str("qty", qty.String()).
			Msg("🚨 flatten order failed; residual exposure remains")
	}
}

// takerRate queries the exchange's live Fees capability for its current
// taker rate, falling back to a conservative default if the client isn't
// registered or the query fails.
func (e *Executor) takerRate(exchangeID types.ExchangeID) decimal.Decimal {
	client, ok := e.registry[exchangeID]
	if !ok {
		return defaultTakerRate
	}
	feeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	schedule, err := client.GetFeeSchedule(feeCtx)
	if err != nil {
		log.Warn().Err(err).Str("exchange", string(exchangeID)).Msg("⚠️ could not fetch fee schedule, using fallback taker rate")
		return defaultTakerRate
	}
	return schedule.TakerRate
}

// defaultTakerRate is used only when a live fee schedule can't be fetched.
var defaultTakerRate = decimal.NewFromFloat(0.001)

func toExecution(opp types.ArbitrageOpportunity, leg legOutcome, feeRate decimal.Decimal) *types.TradeExecution {
	notional := leg.order.AvgFillPrice.Mul(leg.order.FilledQty)
	return &types.TradeExecution{
		TradeID:       types.NewOpportunityID(),
		ExchangeID:    leg.exchangeID,
		Pair:          opp.Pair,
		Side:          leg.side,
		OrderType:     types.OrderTypeMarket,
		Price:         leg.order.AvgFillPrice,
		Quantity:      leg.order.FilledQty,
		Fee:           notional.Mul(feeRate),
		FeeCurrency:   opp.Pair.Quote,
		Timestamp:     leg.order.LastUpdated,
		OpportunityID: opp.ID,
	}
}

// ActiveTrades reports the number of in-flight Execute calls, for the
// Supervisor's graceful-shutdown drain.
func (e *Executor) ActiveTrades() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeTrades
}
