// Package risk implements the centralized approval gate standing between
// the detector and the executor: every opportunity passes through Gate
// before an order is placed.
package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/arbengine/internal/errs"
	"github.com/web3guy0/arbengine/types"
)

// SizeFn computes the sized notional (quote currency) and base-asset
// quantity the executor would actually send for an opportunity capped by
// profile.max_capital_per_trade_pct, given current equity. Supplied by the
// caller so Gate stays decoupled from execution sizing policy.
type SizeFn func(opp types.ArbitrageOpportunity, equity decimal.Decimal, profile types.RiskProfile) (sizedNotional, sizedBaseQty decimal.Decimal)

// Gate is the centralized risk approval system: six ordered checks, run
// against a single opportunity at a time, in the order the checks are
// listed below.
type Gate struct {
	mu sync.Mutex

	profile types.RiskProfile
	sizeFn  SizeFn

	equity            decimal.Decimal
	equityAtDayStart  decimal.Decimal
	realizedLossToday decimal.Decimal // positive number = cumulative loss
	openTrades        int
	exposureByAsset   map[types.Currency]decimal.Decimal
	lastResetDay      int
}

// NewGate constructs a Gate seeded with starting equity. sizeFn defaults
// to DefaultSizeFn when nil.
func NewGate(profile types.RiskProfile, startingEquity decimal.Decimal, sizeFn SizeFn) *Gate {
	if sizeFn == nil {
		sizeFn = DefaultSizeFn
	}
	g := &Gate{
		profile:          profile,
		sizeFn:           sizeFn,
		equity:           startingEquity,
		equityAtDayStart: startingEquity,
		exposureByAsset:  make(map[types.Currency]decimal.Decimal),
		lastResetDay:     time.Now().UTC().YearDay(),
	}
	log.Info().
		Str("profile", profile.Name).
		Str("equity", startingEquity.StringFixed(2)).
		Int("max_concurrent_trades", profile.MaxConcurrentTrades).
		Msg("🛡️ risk gate initialized")
	return g
}

// DefaultSizeFn caps notional at max_capital_per_trade_pct*equity, never
// exceeding the opportunity's own effective_quantity*buy_price.
func DefaultSizeFn(opp types.ArbitrageOpportunity, equity decimal.Decimal, profile types.RiskProfile) (decimal.Decimal, decimal.Decimal) {
	capNotional := equity.Mul(profile.MaxCapitalPerTradePct)
	notional := opp.EffectiveQty.Mul(opp.BuyPrice)
	if notional.GreaterThan(capNotional) && opp.BuyPrice.GreaterThan(decimal.Zero) {
		notional = capNotional
		qty := capNotional.Div(opp.BuyPrice)
		return notional, qty
	}
	return notional, opp.EffectiveQty
}

// Evaluate runs the six ordered checks of spread_pct, max_capital_per_trade,
// max_capital_per_asset, max_concurrent_trades, daily_loss_limit and
// (conditionally) max_slippage against opp. On success it increments
// open_trades and returns the opportunity unchanged with ok=true. On
// failure it returns the opportunity marked Missed with RejectionReason
// set, ok=false, and a *errs.RiskRejection describing the failed check —
// callers must persist the Missed opportunity regardless of branch.
func (g *Gate) Evaluate(opp types.ArbitrageOpportunity) (types.ArbitrageOpportunity, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.checkDayResetLocked()

	reject := func(reason string) (types.ArbitrageOpportunity, bool, error) {
		opp.Status = types.StatusMissed
		opp.RejectionReason = reason
		log.Debug().
			Str("opportunity_id", opp.ID.String()).
			Str("pair", opp.Pair.String()).
			Str("reason", reason).
			Msg("🚫 opportunity rejected by risk gate")
		return opp, false, &errs.RiskRejection{Reason: reason}
	}

	// 1. spread_pct >= profile.min_profit_pct
	if opp.SpreadPct.LessThan(g.profile.MinProfitPct) {
		return reject(errs.ReasonMinProfitPct)
	}

	sizedNotional, sizedBaseQty := g.sizeFn(opp, g.equity, g.profile)

	// 2. sized_notional <= max_capital_per_trade_pct * equity
	maxPerTrade := g.equity.Mul(g.profile.MaxCapitalPerTradePct)
	if sizedNotional.GreaterThan(maxPerTrade) {
		return reject(errs.ReasonMaxCapitalPerTrade)
	}

	// 3. exposure_in_asset(base) + sized_notional_base <= max_capital_per_asset_pct * equity
	maxPerAsset := g.equity.Mul(g.profile.MaxCapitalPerAssetPct)
	existingExposure := g.exposureByAsset[opp.Pair.Base.Canon()]
	if existingExposure.Add(sizedNotional).GreaterThan(maxPerAsset) {
		return reject(errs.ReasonMaxCapitalPerAsset)
	}

	// 4. open_trades < max_concurrent_trades
	if g.openTrades >= g.profile.MaxConcurrentTrades {
		return reject(errs.ReasonMaxConcurrentTrades)
	}

	// 5. realized_loss_today <= daily_loss_limit_pct * equity_at_day_start
	dailyLimit := g.equityAtDayStart.Mul(g.profile.DailyLossLimitPct).Div(decimal.NewFromInt(100))
	if g.realizedLossToday.GreaterThan(dailyLimit) {
		return reject(errs.ReasonDailyLossLimit)
	}

	// 6. price protection: limit offset from best book must not exceed max_slippage_pct
	if g.profile.UsePriceProtection {
		offsetPct := opp.SpreadAbs.Div(opp.BuyPrice).Mul(decimal.NewFromInt(100)).Abs()
		if offsetPct.GreaterThan(g.profile.MaxSlippagePct) {
			return reject(errs.ReasonMaxSlippagePct)
		}
	}

	g.openTrades++
	g.exposureByAsset[opp.Pair.Base.Canon()] = existingExposure.Add(sizedBaseQty.Mul(opp.BuyPrice))

	log.Info().
		Str("opportunity_id", opp.ID.String()).
		Str("pair", opp.Pair.String()).
		Str("sized_notional", sizedNotional.StringFixed(2)).
		Int("open_trades", g.openTrades).
		Msg("✅ opportunity approved by risk gate")

	return opp, true, nil
}

// RecordOutcome updates open_trades, realized_pnl_today and per-asset
// exposure after an execution completes. pnl is signed: negative for a
// loss.
func (g *Gate) RecordOutcome(opp types.ArbitrageOpportunity, pnl decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.checkDayResetLocked()

	if g.openTrades > 0 {
		g.openTrades--
	}
	g.equity = g.equity.Add(pnl)
	if pnl.IsNegative() {
		g.realizedLossToday = g.realizedLossToday.Add(pnl.Abs())
	}

	asset := opp.Pair.Base.Canon()
	notional := opp.EffectiveQty.Mul(opp.BuyPrice)
	remaining := g.exposureByAsset[asset].Sub(notional)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	g.exposureByAsset[asset] = remaining

	log.Info().
		Str("opportunity_id", opp.ID.String()).
		Str("pnl", pnl.StringFixed(2)).
		Str("equity", g.equity.StringFixed(2)).
		Int("open_trades", g.openTrades).
		Msg("📒 risk gate recorded trade outcome")
}

// checkDayResetLocked resets the daily loss counter and equity_at_day_start
// at UTC midnight. Caller must hold g.mu.
func (g *Gate) checkDayResetLocked() {
	today := time.Now().UTC().YearDay()
	if g.lastResetDay == today {
		return
	}
	g.lastResetDay = today
	g.equityAtDayStart = g.equity
	g.realizedLossToday = decimal.Zero
	log.Info().Str("equity_at_day_start", g.equity.StringFixed(2)).Msg("📅 risk gate daily counters reset")
}

// State is a point-in-time snapshot of the gate's counters, for
// dashboards and the control-plane status surface.
type State struct {
	Equity            decimal.Decimal
	EquityAtDayStart  decimal.Decimal
	RealizedLossToday decimal.Decimal
	OpenTrades        int
}

// GetState returns the current counters.
func (g *Gate) GetState() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		Equity:            g.equity,
		EquityAtDayStart:  g.equityAtDayStart,
		RealizedLossToday: g.realizedLossToday,
		OpenTrades:        g.openTrades,
	}
}

// SetEquity replaces the tracked equity figure, e.g. after reconciling
// against a fetched exchange balance.
func (g *Gate) SetEquity(equity decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.equity = equity
}

// SetProfile atomically swaps the active risk profile. Per spec.md §6,
// the new thresholds apply starting with the next opportunity Evaluate
// sees; any trade already counted in open_trades is unaffected.
func (g *Gate) SetProfile(profile types.RiskProfile) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profile = profile
	log.Info().Str("profile", profile.Name).Msg("⚙️ risk gate profile updated")
}

// Seed restores realized_loss_today after a restart, from trades persisted
// earlier the same UTC day. Orphaned in-flight trades from a crash are
// never re-counted into open_trades — the executor holds no live order
// state across a restart, so the reconciler marks them Failed instead.
func (g *Gate) Seed(realizedLossToday decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkDayResetLocked()
	g.realizedLossToday = realizedLossToday
}
