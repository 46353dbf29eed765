package exchange

import (
	"context"

	"github.com/web3guy0/arbengine/types"
)

// Transport is the capability to establish and tear down a streaming
// connection. Implemented per wire protocol (Coinbase-style, Kraken-style)
// and composed into a ManagedConnection rather than inherited.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
}

// Auth is the capability to sign and attach exchange-specific credentials
// to outgoing requests.
type Auth interface {
	Authenticate(credentials map[string]string) error
}

// BookStream is the capability to subscribe/unsubscribe to an L2 book feed
// and read the reconstructed book.
type BookStream interface {
	SubscribeOrderBook(ctx context.Context, pair types.TradingPair) error
	UnsubscribeOrderBook(pair types.TradingPair) error
	OrderBookUpdates(pair types.TradingPair) (<-chan types.OrderBook, error)
	GetOrderBookSnapshot(ctx context.Context, pair types.TradingPair, depth int) (types.OrderBook, error)
}

// Orders is the capability to place orders.
type Orders interface {
	PlaceMarketOrder(ctx context.Context, pair types.TradingPair, side types.OrderSide, qty string) (types.Order, error)
	PlaceLimitOrder(ctx context.Context, pair types.TradingPair, side types.OrderSide, price, qty string) (types.Order, error)
}

// Balances is the capability to query account balances.
type Balances interface {
	GetBalances(ctx context.Context) ([]types.Balance, error)
}

// Fees is the capability to query the exchange's current fee schedule.
type Fees interface {
	GetFeeSchedule(ctx context.Context) (types.FeeSchedule, error)
}

// Client is the full capability set a concrete exchange implementation
// provides. A ManagedConnection wraps an implementation of this interface
// and layers on reconnect/backoff/circuit-breaker/heartbeat behavior
// common to every wire protocol.
type Client interface {
	Transport
	Auth
	BookStream
	Orders
	Balances
	Fees

	ExchangeID() types.ExchangeID
}
