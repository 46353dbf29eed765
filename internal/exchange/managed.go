package exchange

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/arbengine/internal/errs"
	"github.com/web3guy0/arbengine/types"
)

// ManagedConnection wraps a wire-specific Transport with the reconnect,
// exponential backoff, circuit breaker, heartbeat and idle-timeout
// behavior common to every exchange — replacing the ad hoc reconnect
// loop each concrete client used to hand-roll.
type ManagedConnection struct {
	exchangeID types.ExchangeID
	transport  Transport
	onResync   func(ctx context.Context) error // full L2 resync after reconnect

	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxAttempts    int
	breakerCooldown time.Duration
	heartbeatEvery time.Duration
	idleLimit      time.Duration

	mu            sync.RWMutex
	attempts      int
	breakerOpen   bool
	breakerUntil  time.Time
	lastMsgAt     time.Time
	lastErr       error
	running       bool
	stopCh        chan struct{}
	reconnectsTot int
}

// ManagedConnectionConfig carries the tunables from spec.md §4.1's
// resilience paragraph.
type ManagedConnectionConfig struct {
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	MaxAttempts     int
	BreakerCooldown time.Duration
	HeartbeatEvery  time.Duration
	IdleLimit       time.Duration
}

// DefaultManagedConnectionConfig matches spec.md §4.1 exactly: initial 1s
// backoff, 30s cap, jitter +-10%, 10 attempts before the breaker opens for
// 300s, 30s heartbeat, 120s idle timeout.
func DefaultManagedConnectionConfig() ManagedConnectionConfig {
	return ManagedConnectionConfig{
		InitialBackoff:  1 * time.Second,
		MaxBackoff:      30 * time.Second,
		MaxAttempts:     10,
		BreakerCooldown: 300 * time.Second,
		HeartbeatEvery:  30 * time.Second,
		IdleLimit:       120 * time.Second,
	}
}

// NewManagedConnection wraps transport with resilience behavior. onResync
// is invoked after every successful (re)connect to perform a full L2
// resync of any subscribed books.
func NewManagedConnection(exchangeID types.ExchangeID, transport Transport, cfg ManagedConnectionConfig, onResync func(ctx context.Context) error) *ManagedConnection {
	return &ManagedConnection{
		exchangeID:      exchangeID,
		transport:       transport,
		onResync:        onResync,
		initialBackoff:  cfg.InitialBackoff,
		maxBackoff:      cfg.MaxBackoff,
		maxAttempts:     cfg.MaxAttempts,
		breakerCooldown: cfg.BreakerCooldown,
		heartbeatEvery:  cfg.HeartbeatEvery,
		idleLimit:       cfg.IdleLimit,
		stopCh:          make(chan struct{}),
	}
}

// Run connects and supervises the connection until ctx is canceled or Stop
// is called. It reconnects on failure per the backoff/breaker policy and
// triggers onResync after every successful connect.
func (m *ManagedConnection) Run(ctx context.Context) {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		if m.breakerTripped() {
			log.Warn().
				Str("exchange", string(m.exchangeID)).
				Time("until", m.breakerUntilTime()).
				Msg("🚨 circuit breaker open, suspending reconnect attempts")
			if !m.waitBreaker(ctx) {
				return
			}
		}

		if err := m.transport.Connect(ctx); err != nil {
			m.recordFailure(err)
			if !m.sleepBackoff(ctx) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.attempts = 0
		m.lastMsgAt = time.Now().UTC()
		m.lastErr = nil
		m.reconnectsTot++
		m.mu.Unlock()

		log.Info().Str("exchange", string(m.exchangeID)).Msg("🔌 connected")

		if m.onResync != nil {
			if err := m.onResync(ctx); err != nil {
				log.Error().Err(err).Str("exchange", string(m.exchangeID)).Msg("resync after connect failed")
			}
		}

		// Block until the transport drops, ctx is canceled, or Stop fires.
		// The wire-specific client is responsible for updating
		// MarkMessage on every received frame; we just wait here for the
		// transport to signal closure via ctx or an idle timeout.
		m.waitUntilDisconnected(ctx)

		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		log.Warn().Str("exchange", string(m.exchangeID)).Msg("disconnected, reconnecting")
	}
}

// waitUntilDisconnected polls idle health at heartbeatEvery until the
// connection goes unhealthy, ctx is canceled, or Stop fires.
func (m *ManagedConnection) waitUntilDisconnected(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if !m.Healthy() {
				_ = m.transport.Close()
				return
			}
		}
	}
}

// MarkMessage records receipt of a message, resetting the idle clock.
func (m *ManagedConnection) MarkMessage() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastMsgAt = time.Now().UTC()
}

// Healthy reports !breaker && (now-last_msg) < idle_limit. It does not
// check whether the transport is currently open; a connection with no
// message seen yet is reported unhealthy.
func (m *ManagedConnection) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.breakerOpen && time.Now().UTC().Before(m.breakerUntil) {
		return false
	}
	if m.lastMsgAt.IsZero() {
		return false
	}
	return time.Since(m.lastMsgAt) < m.idleLimit
}

// ForceReconnect closes the transport. It does not wake Run: the
// reconnect happens only once Run's heartbeat check sees no message within
// the idle limit. No client in this repository calls it on a Close frame.
func (m *ManagedConnection) ForceReconnect() {
	_ = m.transport.Close()
}

// Stop tears down the managed connection permanently.
func (m *ManagedConnection) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()
	close(m.stopCh)
	_ = m.transport.Close()
}

func (m *ManagedConnection) recordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	m.lastErr = &errs.TransportError{ExchangeID: string(m.exchangeID), Op: "connect", Err: err}
	if m.attempts >= m.maxAttempts {
		m.breakerOpen = true
		m.breakerUntil = time.Now().UTC().Add(m.breakerCooldown)
		log.Error().
			Str("exchange", string(m.exchangeID)).
			Int("attempts", m.attempts).
			Msg("🚨 max reconnect attempts exhausted, opening circuit breaker")
	}
}

func (m *ManagedConnection) breakerTripped() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breakerOpen && time.Now().UTC().Before(m.breakerUntil)
}

func (m *ManagedConnection) breakerUntilTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breakerUntil
}

func (m *ManagedConnection) waitBreaker(ctx context.Context) bool {
	m.mu.RLock()
	until := m.breakerUntil
	m.mu.RUnlock()
	d := time.Until(until)
	if d < 0 {
		d = 0
	}
	select {
	case <-ctx.Done():
		return false
	case <-m.stopCh:
		return false
	case <-time.After(d):
	}
	m.mu.Lock()
	m.breakerOpen = false
	m.attempts = 0
	m.mu.Unlock()
	return true
}

// sleepBackoff waits exponential-backoff(attempts) with +-10% jitter,
// capped at maxBackoff, returning false if ctx/stop fired during the wait.
func (m *ManagedConnection) sleepBackoff(ctx context.Context) bool {
	m.mu.RLock()
	attempts := m.attempts
	m.mu.RUnlock()

	backoff := time.Duration(float64(m.initialBackoff) * math.Pow(2, float64(attempts-1)))
	if backoff > m.maxBackoff {
		backoff = m.maxBackoff
	}
	jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(backoff))
	wait := backoff + jitter
	if wait < 0 {
		wait = 0
	}

	select {
	case <-ctx.Done():
		return false
	case <-m.stopCh:
		return false
	case <-time.After(wait):
		return true
	}
}

// Status is the connection health snapshot exposed through the boundary
// package's get_status surface.
type Status struct {
	ExchangeID       types.ExchangeID
	Healthy          bool
	BreakerOpen      bool
	LastError        string
	ReconnectCount   int
	LastMessageAgo   time.Duration
}

// GetStatus returns the current connection status.
func (m *ManagedConnection) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var lastErrStr string
	if m.lastErr != nil {
		lastErrStr = m.lastErr.Error()
	}
	var ago time.Duration
	if !m.lastMsgAt.IsZero() {
		ago = time.Since(m.lastMsgAt)
	}
	return Status{
		ExchangeID:     m.exchangeID,
		Healthy:        m.Healthy(),
		BreakerOpen:    m.breakerOpen && time.Now().UTC().Before(m.breakerUntil),
		LastError:      lastErrStr,
		ReconnectCount: m.reconnectsTot,
		LastMessageAgo: ago,
	}
}
