// Package supervisor owns the pipeline's lifecycle: it wires the
// aggregator, detector, risk gate and executor together, starts one
// supervised goroutine per long-lived task (connection, book-update pump,
// per-pair detection, periodic compaction), and restarts any task that
// panics with exponential backoff — generalizing the teacher's
// connection-level reconnect/backoff idiom to arbitrary background work.
package supervisor

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/arbengine/internal/aggregator"
	"github.com/web3guy0/arbengine/internal/detector"
	"github.com/web3guy0/arbengine/internal/exchange"
	"github.com/web3guy0/arbengine/internal/execution"
	"github.com/web3guy0/arbengine/internal/risk"
	"github.com/web3guy0/arbengine/internal/storage"
	"github.com/web3guy0/arbengine/types"
)

// ManagedClient is the subset of a concrete exchange client (coinbase.Client,
// kraken.Client) the Supervisor drives directly: the full capability set
// plus its own managed-connection lifecycle.
type ManagedClient interface {
	exchange.Client
	Run(ctx context.Context)
	Stop()
	GetStatus() exchange.Status
}

// Config carries the tunables of spec.md §5/§6 the Supervisor itself
// consumes.
type Config struct {
	CapitalCap              decimal.Decimal
	MaxTaskRestarts         int
	TaskInitialBackoff      time.Duration
	TaskMaxBackoff          time.Duration
	CompactionInterval      time.Duration
	MaxExecutionTime        time.Duration
	PersistenceFlushInterval time.Duration
}

// DefaultConfig mirrors the reconnect backoff envelope used throughout the
// pipeline (1s initial, 30s cap) and a daily compaction sweep.
func DefaultConfig() Config {
	return Config{
		MaxTaskRestarts:          10,
		TaskInitialBackoff:       1 * time.Second,
		TaskMaxBackoff:           30 * time.Second,
		CompactionInterval:       24 * time.Hour,
		MaxExecutionTime:         3 * time.Second,
		PersistenceFlushInterval: 15 * time.Second,
	}
}

// Supervisor owns every long-lived goroutine in the pipeline and exposes
// the operations spec.md §6 describes as the external control surface.
type Supervisor struct {
	cfg Config

	clients    map[types.ExchangeID]ManagedClient
	aggregator *aggregator.Aggregator
	detector   *detector.Detector
	gate       *risk.Gate
	breaker    *risk.CircuitBreaker
	pool       *execution.Pool
	repo       *storage.Repository
	durable    *storage.DurableWriter
	reconciler *execution.Reconciler
	pairs      []types.TradingPair

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[uuid.UUID]types.ArbitrageOpportunity
}

// New wires the pipeline's components together. cfg should be
// DefaultConfig() adjusted by the caller's loaded configuration.
func New(
	cfg Config,
	clients map[types.ExchangeID]ManagedClient,
	agg *aggregator.Aggregator,
	det *detector.Detector,
	gate *risk.Gate,
	breaker *risk.CircuitBreaker,
	pool *execution.Pool,
	repo *storage.Repository,
	reconciler *execution.Reconciler,
	pairs []types.TradingPair,
) *Supervisor {
	var durable *storage.DurableWriter
	if repo != nil {
		durable = storage.NewDurableWriter(repo)
	}
	return &Supervisor{
		cfg:        cfg,
		clients:    clients,
		aggregator: agg,
		detector:   det,
		gate:       gate,
		breaker:    breaker,
		pool:       pool,
		repo:       repo,
		durable:    durable,
		reconciler: reconciler,
		pairs:      pairs,
		pending:    make(map[uuid.UUID]types.ArbitrageOpportunity),
	}
}

// Start recovers any orphaned in-flight executions from a previous crash,
// replays today's realized P&L into the risk gate, then launches one
// supervised goroutine per connection, per-pair book pump, per-pair
// detection loop, and the periodic TTL compaction sweep. Start is
// idempotent.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	if s.reconciler != nil {
		if n, err := s.reconciler.RecoverOrphanedExecutions(); err != nil {
			log.Error().Err(err).Msg("❌ orphan execution recovery failed")
		} else if n > 0 {
			log.Warn().Int("count", n).Msg("⚠️ recovered orphaned executions from a previous run")
		}
		if s.gate != nil {
			if err := s.reconciler.ReplayDailyPnL(s.gate); err != nil {
				log.Error().Err(err).Msg("❌ daily P&L replay failed")
			}
		}
	}

	s.aggregator.Start(runCtx, s.pairs, s.exchangeIDs())

	for id, client := range s.clients {
		id, client := id, client
		s.wg.Add(1)
		go s.runSupervised(runCtx, "connection:"+string(id), func(ctx context.Context) {
			client.Run(ctx)
		})

		for _, pair := range s.pairs {
			pair := pair
			s.wg.Add(1)
			go s.runSupervised(runCtx, "ingest:"+string(id)+":"+pair.String(), func(ctx context.Context) {
				s.pumpBookUpdates(ctx, client, pair)
			})
		}
	}

	s.wireOutcomeCallbacks()

	for _, pair := range s.pairs {
		pair := pair
		s.wg.Add(1)
		go s.runSupervised(runCtx, "detect:"+pair.String(), func(ctx context.Context) {
			s.detectLoop(ctx, pair)
		})
	}

	if s.repo != nil {
		s.wg.Add(1)
		go s.runSupervised(runCtx, "compaction", s.compactionLoop)
	}
	if s.durable != nil {
		s.wg.Add(1)
		go s.runSupervised(runCtx, "persistence-flush", s.flushLoop)
	}

	log.Info().Int("exchanges", len(s.clients)).Int("pairs", len(s.pairs)).Msg("⚡ supervisor started")
	return nil
}

// Stop cancels every supervised task and waits (bounded by ctx) for
// in-flight executions to finish before the connections are torn down.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	if s.pool != nil {
		drainCtx := ctx
		if s.cfg.MaxExecutionTime > 0 {
			var cancelDrain context.CancelFunc
			drainCtx, cancelDrain = context.WithTimeout(ctx, s.cfg.MaxExecutionTime)
			defer cancelDrain()
		}
		s.pool.Drain(drainCtx)
		s.pool.Close()
	}

	for _, client := range s.clients {
		client.Stop()
	}
	s.aggregator.Stop()

	s.wg.Wait()
	log.Info().Msg("🛑 supervisor stopped")
	return nil
}

func (s *Supervisor) exchangeIDs() []types.ExchangeID {
	out := make([]types.ExchangeID, 0, len(s.clients))
	for id := range s.clients {
		out = append(out, id)
	}
	return out
}

// pumpBookUpdates keeps a (client, pair) subscription alive for the life
// of ctx: SubscribeOrderBook is idempotent, so re-issuing it after the
// update channel closes (a crossed-book resync unsubscribes and
// resubscribes the pair, replacing the channel) simply fetches the fresh one.
func (s *Supervisor) pumpBookUpdates(ctx context.Context, client ManagedClient, pair types.TradingPair) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := client.SubscribeOrderBook(ctx, pair); err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		ch, err := client.OrderBookUpdates(pair)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for book := range ch {
			s.aggregator.Ingest(book)
		}
		if ctx.Err() != nil {
			return
		}
		// channel closed by a resync/reconnect; loop back and resubscribe.
	}
}

// detectLoop consumes merged aggregator events for one pair, runs
// detection, gates the result through the circuit breaker and risk gate,
// persists every opportunity (approved or Missed), and submits approved
// trades to the execution pool.
func (s *Supervisor) detectLoop(ctx context.Context, pair types.TradingPair) {
	events, unsubscribe := s.aggregator.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Pair != pair {
				continue
			}
			s.handleEvent(ctx, event)
		}
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, event aggregator.Event) {
	opp, found := s.detector.Detect(event, s.cfg.CapitalCap, time.Now().UTC())
	if !found {
		return
	}

	if s.breaker != nil && !s.breaker.Allow(s.gate.GetState().Equity) {
		opp.Status = types.StatusMissed
		opp.RejectionReason = "circuit breaker open"
		s.persistOpportunity(opp)
		log.Warn().Str("opportunity_id", opp.ID.String()).Msg("🚫 opportunity skipped: circuit breaker open")
		return
	}

	evaluated, approved, err := s.gate.Evaluate(opp)
	s.persistOpportunity(evaluated)
	if !approved {
		log.Debug().Err(err).Str("opportunity_id", evaluated.ID.String()).Msg("🚫 opportunity rejected by risk gate")
		return
	}

	evaluated.Status = types.StatusExecuting
	s.persistOpportunity(evaluated)

	s.pendingMu.Lock()
	s.pending[evaluated.ID] = evaluated
	s.pendingMu.Unlock()

	s.pool.Submit(ctx, evaluated)
}

// wireOutcomeCallbacks installs the pool's OnFailure hook and assumes the
// Runner's own OnResult hook (wired by main at construction time) already
// routes completed trades back into recordOutcome; Start calls this once,
// before the per-pair detect goroutines are launched.
func (s *Supervisor) wireOutcomeCallbacks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return
	}
	s.pool.OnFailure(func(opp types.ArbitrageOpportunity, err error) {
		opp.Status = types.StatusFailed
		opp.RejectionReason = err.Error()
		s.persistOpportunity(opp)
		s.takePending(opp.ID)
		s.gate.RecordOutcome(opp, decimal.Zero)
		if s.breaker != nil {
			s.breaker.RecordLoss()
		}
	})
	s.pool.OnMissed(func(opp types.ArbitrageOpportunity) {
		s.takePending(opp.ID)
		s.persistOpportunity(opp)
		log.Warn().Str("opportunity_id", opp.ID.String()).Msg("🚮 opportunity missed: execution queue overflow")
	})
}

func (s *Supervisor) takePending(id uuid.UUID) (types.ArbitrageOpportunity, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	opp, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return opp, ok
}

// RecordTradeResult is the Runner-side OnResult callback main wires into
// the chosen Executor/PaperExecutor: it looks up the opportunity that was
// submitted to the pool, persists the trade, updates the opportunity's
// terminal status, and feeds the outcome back into the risk gate and
// circuit breaker.
func (s *Supervisor) RecordTradeResult(result types.TradeResult) {
	opportunity, ok := s.takePending(result.OpportunityID)
	if !ok {
		log.Warn().Str("opportunity_id", result.OpportunityID.String()).Msg("⚠️ trade result for unknown/already-settled opportunity")
		opportunity = types.ArbitrageOpportunity{ID: result.OpportunityID}
	}

	opportunity.Status = types.StatusExecuted
	if !result.IsSuccess {
		opportunity.Status = types.StatusFailed
		opportunity.RejectionReason = result.Err
	}
	s.persistOpportunity(opportunity)

	if s.durable != nil {
		if err := s.durable.SaveTrade(result); err != nil {
			log.Error().Err(err).Str("trade_id", result.ID.String()).Msg("❌ failed to persist trade result, buffered")
		}
	}

	s.gate.RecordOutcome(opportunity, result.ProfitAbs)
	if s.breaker != nil {
		if result.ProfitAbs.IsNegative() {
			s.breaker.RecordLoss()
		} else {
			s.breaker.RecordWin()
		}
	}
}

func (s *Supervisor) persistOpportunity(opp types.ArbitrageOpportunity) {
	if s.durable == nil {
		return
	}
	if err := s.durable.SaveOpportunity(opp); err != nil {
		log.Error().Err(err).Str("opportunity_id", opp.ID.String()).Msg("❌ failed to persist opportunity, buffered")
	}
}

// flushLoop periodically retries any writes parked in the durable buffer
// after a prior persistence outage.
func (s *Supervisor) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PersistenceFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.durable.Flush(); n > 0 {
				log.Info().Int("flushed", n).Msg("🗄️ persistence buffer drained")
			}
		}
	}
}

// compactionLoop runs the repository's TTL sweep once a day until ctx is
// canceled.
func (s *Supervisor) compactionLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CompactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.repo.CompactOlderThan(time.Now().UTC()); err != nil {
				log.Error().Err(err).Msg("❌ TTL compaction failed")
			}
		}
	}
}

// runSupervised runs fn in a loop, recovering from panics and restarting
// with exponential backoff (+-10% jitter, capped at TaskMaxBackoff). A
// task that exceeds MaxTaskRestarts is permanently abandoned rather than
// retried forever — an operator must restart the process. fn returning
// normally while ctx is still live (an unexpected exit, not cancellation)
// is treated the same as a panic: restart, don't silently stop.
func (s *Supervisor) runSupervised(ctx context.Context, name string, fn func(ctx context.Context)) {
	defer s.wg.Done()

	restarts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		s.runOnce(ctx, name, fn)

		if ctx.Err() != nil {
			return
		}

		restarts++
		if restarts > s.cfg.MaxTaskRestarts {
			log.Error().Str("task", name).Int("restarts", restarts).Msg("🚨 task exceeded its restart budget, abandoning")
			return
		}

		wait := backoffFor(restarts, s.cfg.TaskInitialBackoff, s.cfg.TaskMaxBackoff)
		log.Warn().Str("task", name).Int("attempt", restarts).Dur("backoff", wait).Msg("🔁 restarting supervised task")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, name string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("task", name).Interface("panic", r).Msg("🚨 supervised task panicked")
		}
	}()
	fn(ctx)
}

func backoffFor(attempt int, initial, max time.Duration) time.Duration {
	backoff := time.Duration(float64(initial) * math.Pow(2, float64(attempt-1)))
	if backoff > max {
		backoff = max
	}
	jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(backoff))
	wait := backoff + jitter
	if wait < 0 {
		wait = 0
	}
	return wait
}

// GateState exposes the risk gate's counters for the boundary layer's
// status surface.
func (s *Supervisor) GateState() risk.State {
	return s.gate.GetState()
}

// UpdateRiskProfile swaps the active risk profile atomically; it takes
// effect on the next opportunity the detect loop evaluates, per spec.md §6.
func (s *Supervisor) UpdateRiskProfile(profile types.RiskProfile) {
	s.gate.SetProfile(profile)
}

// Running reports whether Start has been called without a matching Stop.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ExchangeStatuses returns the current connection health of every managed
// exchange client.
func (s *Supervisor) ExchangeStatuses() map[types.ExchangeID]exchange.Status {
	out := make(map[types.ExchangeID]exchange.Status, len(s.clients))
	for id, client := range s.clients {
		out[id] = client.GetStatus()
	}
	return out
}
