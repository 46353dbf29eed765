package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// CircuitBreaker is a supervisor-level kill switch layered on top of Gate:
// it halts new approvals after consecutive losing trades or excessive
// drawdown from peak equity, independent of the per-trade daily_loss_limit
// check. The Supervisor consults it before calling Gate.Evaluate.
type CircuitBreaker struct {
	mu sync.Mutex

	maxConsecutiveLosses int
	maxDrawdownPct        decimal.Decimal
	cooldown              time.Duration

	consecutiveLosses int
	peakEquity        decimal.Decimal
	tripped           bool
	trippedAt         time.Time
	reason            string
}

// NewCircuitBreaker constructs a CircuitBreaker. maxDrawdownPct is a
// fraction of peak equity (e.g. 0.10 = 10%).
func NewCircuitBreaker(maxConsecutiveLosses int, maxDrawdownPct decimal.Decimal, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxConsecutiveLosses: maxConsecutiveLosses,
		maxDrawdownPct:       maxDrawdownPct,
		cooldown:             cooldown,
	}
}

// Allow reports whether new trades may be approved, given current equity.
// Updates peak equity and auto-resets after cooldown elapses.
func (cb *CircuitBreaker) Allow(equity decimal.Decimal) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if equity.GreaterThan(cb.peakEquity) {
		cb.peakEquity = equity
	}

	if cb.tripped {
		if time.Since(cb.trippedAt) > cb.cooldown {
			cb.tripped = false
			cb.consecutiveLosses = 0
			log.Info().Msg("✅ circuit breaker reset after cooldown")
			return true
		}
		return false
	}

	if !cb.peakEquity.IsZero() {
		drawdown := cb.peakEquity.Sub(equity).Div(cb.peakEquity)
		if drawdown.GreaterThan(cb.maxDrawdownPct) {
			cb.trip("max drawdown exceeded")
			return false
		}
	}
	return true
}

// RecordLoss registers a losing trade and trips the breaker once
// consecutive losses reach the configured threshold.
func (cb *CircuitBreaker) RecordLoss() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveLosses++
	if cb.consecutiveLosses >= cb.maxConsecutiveLosses {
		cb.trip("max consecutive losses")
	}
}

// RecordWin clears the consecutive-loss counter.
func (cb *CircuitBreaker) RecordWin() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveLosses = 0
}

func (cb *CircuitBreaker) trip(reason string) {
	cb.tripped = true
	cb.trippedAt = time.Now()
	cb.reason = reason
	log.Warn().
		Str("reason", reason).
		Int("consecutive_losses", cb.consecutiveLosses).
		Dur("cooldown", cb.cooldown).
		Msg("🚨 circuit breaker tripped")
}

// IsTripped reports the current trip state without mutating it.
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.tripped
}

// Reason returns the trip reason, or "" if not tripped.
func (cb *CircuitBreaker) Reason() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.tripped {
		return ""
	}
	return cb.reason
}

// ForceReset manually clears the breaker, e.g. from an operator command.
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tripped = false
	cb.consecutiveLosses = 0
	log.Info().Msg("circuit breaker manually reset")
}
