package execution

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/arbengine/types"
)

// Runner is the common Execute contract shared by Executor (live) and
// PaperExecutor (simulated) — the pool is indifferent to which backs it.
type Runner interface {
	Execute(ctx context.Context, opp types.ArbitrageOpportunity) (types.TradeResult, error)
}

type queuedOpp struct {
	ctx context.Context
	opp types.ArbitrageOpportunity
}

// Pool bounds concurrent Execute calls to size, per spec §5's
// max_concurrent_executions worker pool. Submit hands off into a bounded
// queue (capacity size*4) ahead of the worker semaphore rather than
// blocking the caller: once the queue is full, the oldest undelivered
// opportunity is dropped and reported via OnMissed instead of
// back-pressuring the detect loop.
type Pool struct {
	runner Runner
	sem    chan struct{}
	wg     sync.WaitGroup

	onFailure func(opp types.ArbitrageOpportunity, err error)
	onMissed  func(opp types.ArbitrageOpportunity)

	queueMu  sync.Mutex
	queue    []queuedOpp
	queueCap int
	notify   chan struct{}

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewPool constructs a Pool of the given worker count and a hand-off queue
// sized at size*4.
func NewPool(runner Runner, size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		runner:   runner,
		sem:      make(chan struct{}, size),
		queueCap: size * 4,
		notify:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	log.Info().Int("workers", size).Int("queue_capacity", p.queueCap).Msg("⚙️ execution pool started")
	go p.dispatchLoop()
	return p
}

// OnFailure sets a callback invoked when Execute itself returns an error
// (pre-flight failures: missing registry entry, insufficient balance).
// Successful calls report their outcome via the Runner's own OnResult hook.
func (p *Pool) OnFailure(fn func(opp types.ArbitrageOpportunity, err error)) {
	p.onFailure = fn
}

// OnMissed sets a callback invoked when Submit drops the oldest undelivered
// opportunity because the hand-off queue is full.
func (p *Pool) OnMissed(fn func(opp types.ArbitrageOpportunity)) {
	p.onMissed = fn
}

// Submit enqueues opp for execution and returns immediately; it never
// blocks on a free worker slot. If the queue is already at capacity, the
// oldest queued opportunity is evicted and reported via OnMissed to make
// room for opp.
func (p *Pool) Submit(ctx context.Context, opp types.ArbitrageOpportunity) {
	p.wg.Add(1) // released either by a worker completing, or by the drop/cancel paths below

	var dropped *types.ArbitrageOpportunity
	p.queueMu.Lock()
	if len(p.queue) >= p.queueCap {
		d := p.queue[0].opp
		dropped = &d
		p.queue = p.queue[1:]
	}
	p.queue = append(p.queue, queuedOpp{ctx: ctx, opp: opp})
	p.queueMu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}

	if dropped != nil {
		p.wg.Done() // the evicted opportunity will never reach a worker
		dropped.Status = types.StatusMissed
		dropped.RejectionReason = "execution queue overflow"
		log.Warn().Str("opportunity_id", dropped.ID.String()).Msg("🚮 execution queue full; dropping oldest undelivered opportunity")
		if p.onMissed != nil {
			p.onMissed(*dropped)
		}
	}
}

// dispatchLoop moves queued opportunities onto a worker slot as one frees
// up, blocking only on the worker semaphore (never on the queue itself)
// until Close is called.
func (p *Pool) dispatchLoop() {
	for {
		p.queueMu.Lock()
		if len(p.queue) == 0 {
			p.queueMu.Unlock()
			select {
			case <-p.notify:
				continue
			case <-p.stopCh:
				return
			}
		}
		p.queueMu.Unlock()

		// Take a worker slot before dequeuing, so a waiting opportunity stays
		// in the queue (and counts toward queueCap) until it can run.
		select {
		case p.sem <- struct{}{}:
		case <-p.stopCh:
			return
		}

		p.queueMu.Lock()
		item := p.queue[0] // Submit never shrinks the queue, so it is still non-empty
		p.queue = p.queue[1:]
		p.queueMu.Unlock()

		if item.ctx.Err() != nil {
			<-p.sem
			p.wg.Done() // canceled while it waited in the queue
			continue
		}

		go func(item queuedOpp) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			if _, err := p.runner.Execute(item.ctx, item.opp); err != nil {
				log.Error().
					Err(err).
					Str("opportunity_id", item.opp.ID.String()).
					Msg("❌ execution failed before any leg was placed")
				if p.onFailure != nil {
					p.onFailure(item.opp, err)
				}
			}
		}(item)
	}
}

// Drain waits for all in-flight executions to finish, used by the
// Supervisor during graceful shutdown (bounded by the caller's context
// deadline, typically max_execution_time_ms).
func (p *Pool) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("⏱️ execution pool drain timed out; trades may still be in flight")
	}
}

// Close stops the dispatch loop. Safe to call more than once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.stopCh) })
}
