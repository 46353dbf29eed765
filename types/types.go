// Package types holds the domain model shared across every component of the
// arbitrage engine: books, opportunities, orders, fills, balances and risk
// profiles. Types are plain structs built on decimal.Decimal — floating
// point is never used for price or quantity.
package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ExchangeID identifies a market data / execution venue, e.g. "coinbase".
type ExchangeID string

// Currency is a short currency code (BTC, USDT, ...). Equality is
// case-insensitive.
type Currency string

// Canon returns the canonical (uppercase) form of the currency code.
func (c Currency) Canon() Currency {
	return Currency(strings.ToUpper(string(c)))
}

// Equal compares two currencies case-insensitively.
func (c Currency) Equal(other Currency) bool {
	return c.Canon() == other.Canon()
}

// TradingPair is a base/quote currency pair. Equality is case-insensitive.
type TradingPair struct {
	Base  Currency
	Quote Currency
}

// Canon returns the pair with both legs upper-cased, for use as a map key.
func (p TradingPair) Canon() TradingPair {
	return TradingPair{Base: p.Base.Canon(), Quote: p.Quote.Canon()}
}

// Equal compares two pairs case-insensitively.
func (p TradingPair) Equal(other TradingPair) bool {
	return p.Canon() == other.Canon()
}

// String renders the pair as "BASE/QUOTE".
func (p TradingPair) String() string {
	c := p.Canon()
	return string(c.Base) + "/" + string(c.Quote)
}

// OrderBookLevel is a single resting price level.
type OrderBookLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Valid reports whether the level has strictly positive price and quantity.
func (l OrderBookLevel) Valid() bool {
	return l.Price.GreaterThan(decimal.Zero) && l.Quantity.GreaterThan(decimal.Zero)
}

// OrderBook is a reconstructed L2 book for one exchange/pair at a point in
// time. Bids are ordered price-descending, asks price-ascending.
type OrderBook struct {
	ExchangeID ExchangeID
	Pair       TradingPair
	Timestamp  time.Time
	Bids       []OrderBookLevel
	Asks       []OrderBookLevel
}

// BestBid returns the top of the bid side, or the zero level if empty.
func (b OrderBook) BestBid() OrderBookLevel {
	if len(b.Bids) == 0 {
		return OrderBookLevel{}
	}
	return b.Bids[0]
}

// BestAsk returns the top of the ask side, or the zero level if empty.
func (b OrderBook) BestAsk() OrderBookLevel {
	if len(b.Asks) == 0 {
		return OrderBookLevel{}
	}
	return b.Asks[0]
}

// Crossed reports whether the book violates best_bid < best_ask with both
// sides present.
func (b OrderBook) Crossed() bool {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return false
	}
	return b.BestBid().Price.GreaterThanOrEqual(b.BestAsk().Price)
}

// PriceQuote is the derived best-bid/best-ask projection of an OrderBook,
// produced only when both sides are non-empty and positive.
type PriceQuote struct {
	ExchangeID ExchangeID
	Pair       TradingPair
	Timestamp  time.Time
	BestBidPx  decimal.Decimal
	BestBidQty decimal.Decimal
	BestAskPx  decimal.Decimal
	BestAskQty decimal.Decimal
}

// QuoteFromBook derives a PriceQuote from an OrderBook, returning ok=false
// if either side is empty or non-positive.
func QuoteFromBook(b OrderBook) (PriceQuote, bool) {
	bid, ask := b.BestBid(), b.BestAsk()
	if !bid.Valid() || !ask.Valid() {
		return PriceQuote{}, false
	}
	return PriceQuote{
		ExchangeID: b.ExchangeID,
		Pair:       b.Pair,
		Timestamp:  b.Timestamp,
		BestBidPx:  bid.Price,
		BestBidQty: bid.Quantity,
		BestAskPx:  ask.Price,
		BestAskQty: ask.Quantity,
	}, true
}

// OpportunityStatus is the lifecycle state of an ArbitrageOpportunity.
type OpportunityStatus string

const (
	StatusDetected  OpportunityStatus = "Detected"
	StatusExecuting OpportunityStatus = "Executing"
	StatusExecuted  OpportunityStatus = "Executed"
	StatusFailed    OpportunityStatus = "Failed"
	StatusMissed    OpportunityStatus = "Missed"
)

// ArbitrageOpportunity is an immutable-after-emission candidate cross-
// exchange trade.
type ArbitrageOpportunity struct {
	ID              uuid.UUID
	Pair            TradingPair
	BuyExchange     ExchangeID
	SellExchange    ExchangeID
	BuyPrice        decimal.Decimal
	SellPrice       decimal.Decimal
	EffectiveQty    decimal.Decimal
	SpreadAbs       decimal.Decimal
	SpreadPct       decimal.Decimal
	EstProfitQuote  decimal.Decimal
	EstFeesQuote    decimal.Decimal
	DetectedAt      time.Time
	Status          OpportunityStatus
	RejectionReason string // set when Status is Missed or Failed
}

// NewOpportunityID generates a fresh opportunity id.
func NewOpportunityID() uuid.UUID { return uuid.New() }

// OrderSide is Buy or Sell.
type OrderSide string

const (
	SideBuy  OrderSide = "Buy"
	SideSell OrderSide = "Sell"
)

// OrderType is Market or Limit.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// OrderStatus is the lifecycle state of an Order.
type OrderStatus string

const (
	OrderNew             OrderStatus = "New"
	OrderPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderFilled          OrderStatus = "Filled"
	OrderCanceled        OrderStatus = "Canceled"
	OrderRejected        OrderStatus = "Rejected"
	OrderExpired         OrderStatus = "Expired"
)

// Terminal reports whether the status is one that will not change further.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

// Order is a single leg sent to an exchange.
type Order struct {
	ID           uuid.UUID
	ExchangeID   ExchangeID
	Pair         TradingPair
	Side         OrderSide
	Type         OrderType
	Status       OrderStatus
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	CreatedAt    time.Time
	LastUpdated  time.Time
}

// TradeExecution is an atomic fill record for one leg.
type TradeExecution struct {
	TradeID       uuid.UUID
	ExchangeID    ExchangeID
	Pair          TradingPair
	Side          OrderSide
	OrderType     OrderType
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Fee           decimal.Decimal
	FeeCurrency   Currency
	Timestamp     time.Time
	OpportunityID uuid.UUID
}

// TradeResult is the outcome of one paired-leg execution attempt.
type TradeResult struct {
	ID              uuid.UUID
	OpportunityID   uuid.UUID
	IsSuccess       bool
	BuyExecution    *TradeExecution
	SellExecution   *TradeExecution
	ProfitAbs       decimal.Decimal
	ProfitPct       decimal.Decimal
	Err             string
	ExecutionTimeMs int64
	Timestamp       time.Time
}

// Balance is per-exchange, per-currency account balance.
type Balance struct {
	ExchangeID ExchangeID
	Currency   Currency
	Total      decimal.Decimal
	Available  decimal.Decimal
	Reserved   decimal.Decimal
	Timestamp  time.Time
}

// balanceEpsilon is the tolerance allowed between Total and
// Available+Reserved, in quote-currency units.
var balanceEpsilon = decimal.New(1, -7)

// NewBalance is the single constructor for Balance, fixing total/available/
// reserved argument order so no ambiguous call site can arise.
func NewBalance(exchangeID ExchangeID, currency Currency, total, available, reserved decimal.Decimal) Balance {
	return Balance{
		ExchangeID: exchangeID,
		Currency:   currency,
		Total:      total,
		Available:  available,
		Reserved:   reserved,
		Timestamp:  time.Now().UTC(),
	}
}

// Valid checks the Balance invariants.
func (b Balance) Valid() bool {
	if b.Total.IsNegative() || b.Available.IsNegative() || b.Reserved.IsNegative() {
		return false
	}
	diff := b.Total.Sub(b.Available.Add(b.Reserved)).Abs()
	return diff.LessThanOrEqual(balanceEpsilon)
}

// FeeSchedule is maker/taker/withdrawal fee fractions for one exchange.
type FeeSchedule struct {
	ExchangeID     ExchangeID
	MakerRate      decimal.Decimal
	TakerRate      decimal.Decimal
	WithdrawalRate decimal.Decimal
	HasWithdrawal  bool
}

// RiskProfile governs the risk gate's capital and concurrency limits.
type RiskProfile struct {
	Name                  string
	MaxCapitalPerTradePct decimal.Decimal
	MaxCapitalPerAssetPct decimal.Decimal
	MinProfitPct          decimal.Decimal
	MaxSlippagePct        decimal.Decimal
	StopLossPct           decimal.Decimal
	DailyLossLimitPct     decimal.Decimal
	MaxConcurrentTrades   int
	UsePriceProtection    bool
}

// ConservativeProfile, BalancedProfile and AggressiveProfile are the three
// preset risk profiles.
func ConservativeProfile() RiskProfile {
	return RiskProfile{
		Name:                  "Conservative",
		MaxCapitalPerTradePct: decimal.NewFromFloat(0.05),
		MaxCapitalPerAssetPct: decimal.NewFromFloat(0.15),
		MinProfitPct:          decimal.NewFromFloat(0.5),
		MaxSlippagePct:        decimal.NewFromFloat(0.1),
		StopLossPct:           decimal.NewFromFloat(1.0),
		DailyLossLimitPct:     decimal.NewFromFloat(1.0),
		MaxConcurrentTrades:   1,
		UsePriceProtection:    true,
	}
}

func BalancedProfile() RiskProfile {
	return RiskProfile{
		Name:                  "Balanced",
		MaxCapitalPerTradePct: decimal.NewFromFloat(0.10),
		MaxCapitalPerAssetPct: decimal.NewFromFloat(0.30),
		MinProfitPct:          decimal.NewFromFloat(0.25),
		MaxSlippagePct:        decimal.NewFromFloat(0.25),
		StopLossPct:           decimal.NewFromFloat(2.0),
		DailyLossLimitPct:     decimal.NewFromFloat(3.0),
		MaxConcurrentTrades:   3,
		UsePriceProtection:    true,
	}
}

func AggressiveProfile() RiskProfile {
	return RiskProfile{
		Name:                  "Aggressive",
		MaxCapitalPerTradePct: decimal.NewFromFloat(0.25),
		MaxCapitalPerAssetPct: decimal.NewFromFloat(0.50),
		MinProfitPct:          decimal.NewFromFloat(0.1),
		MaxSlippagePct:        decimal.NewFromFloat(0.5),
		StopLossPct:           decimal.NewFromFloat(5.0),
		DailyLossLimitPct:     decimal.NewFromFloat(6.0),
		MaxConcurrentTrades:   8,
		UsePriceProtection:    false,
	}
}
