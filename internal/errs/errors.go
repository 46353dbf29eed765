// Package errs defines the typed error taxonomy propagated from exchange
// clients, the risk gate, the executor and the repository. Each type is
// built to work with errors.As/errors.Is through wrapping with
// fmt.Errorf("...: %w", err).
package errs

import "fmt"

// TransportError wraps network, timeout and protocol-transport failures.
// Retried transparently by the managed connection.
type TransportError struct {
	ExchangeID string
	Op         string
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error [%s/%s]: %v", e.ExchangeID, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError is fatal to the calling operation: bad credentials or a
// missing auxiliary credential such as a passphrase.
type AuthError struct {
	ExchangeID string
	Reason     string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error [%s]: %s", e.ExchangeID, e.Reason)
}

// ProtocolError marks a malformed exchange message. The message is
// discarded and the stream continues.
type ProtocolError struct {
	ExchangeID string
	Raw        string
	Err        error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error [%s]: %v (raw=%q)", e.ExchangeID, e.Err, truncate(e.Raw, 200))
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// CrossedBookError signals an L2 invariant violation (best_bid >= best_ask).
// Triggers a full resync.
type CrossedBookError struct {
	ExchangeID string
	Pair       string
	BestBid    string
	BestAsk    string
}

func (e *CrossedBookError) Error() string {
	return fmt.Sprintf("crossed book [%s/%s]: best_bid=%s best_ask=%s", e.ExchangeID, e.Pair, e.BestBid, e.BestAsk)
}

// ConfigError marks a missing or invalid configuration value. Surfaced at
// startup; prevents the owning component from starting.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error [%s]: %s", e.Field, e.Reason)
}

// InsufficientBalanceError is a pre-trade guard failure. The opportunity is
// marked Failed.
type InsufficientBalanceError struct {
	ExchangeID string
	Currency   string
	Required   string
	Available  string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance [%s/%s]: required=%s available=%s",
		e.ExchangeID, e.Currency, e.Required, e.Available)
}

// RiskRejection carries the explicit reason code assigned by the risk
// gate. The opportunity is marked Missed.
type RiskRejection struct {
	Reason string
}

func (e *RiskRejection) Error() string {
	return fmt.Sprintf("risk rejection: %s", e.Reason)
}

// ExecutionError means one leg of a paired trade failed; it triggers the
// reconciliation protocol.
type ExecutionError struct {
	OpportunityID string
	Leg           string // "buy" or "sell"
	Err           error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution error [%s/%s leg]: %v", e.OpportunityID, e.Leg, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// PersistenceError means the repository is unavailable. storage.DurableWriter
// retries the write with backoff for up to 30s before falling back to its
// bounded in-memory buffer.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error [%s]: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Risk rejection reason codes, referenced by name rather than magic
// strings so callers and tests agree.
const (
	ReasonMinProfitPct        = "min_profit_pct"
	ReasonMaxCapitalPerTrade  = "max_capital_per_trade_pct"
	ReasonMaxCapitalPerAsset  = "max_capital_per_asset_pct"
	ReasonMaxConcurrentTrades = "max_concurrent_trades"
	ReasonDailyLossLimit      = "daily_loss_limit_pct"
	ReasonMaxSlippagePct      = "max_slippage_pct"
)
