// Package aggregator fans multiple per-exchange order book streams into a
// unified per-pair view, broadcasting merged events to any number of
// subscribers without blocking producers.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/arbengine/types"
)

// subscriberQueueDepth is the bounded per-subscriber channel capacity
// (spec.md §5: capacity >= 256).
const subscriberQueueDepth = 256

// Event is a merged update: which (exchange, pair) just changed, plus the
// full current per-exchange book map for that pair.
type Event struct {
	Pair            types.TradingPair
	UpdatedExchange types.ExchangeID
	BookByExchange  map[types.ExchangeID]types.OrderBook
}

// Aggregator maintains the latest OrderBook per (exchange, pair) and
// broadcasts merged events to all current subscribers.
type Aggregator struct {
	mu         sync.RWMutex
	books      map[types.TradingPair]map[types.ExchangeID]types.OrderBook
	subs       map[int]chan Event
	nextSubID  int
	dropCounts map[int]uint64
	running    bool
	cancel     context.CancelFunc
}

// New constructs an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{
		books:      make(map[types.TradingPair]map[types.ExchangeID]types.OrderBook),
		subs:       make(map[int]chan Event),
		dropCounts: make(map[int]uint64),
	}
}

// Start marks the aggregator running; idempotent. The pairs/exchanges
// arguments are informational (used for logging and latest() pre-seeding)
// since book updates are pushed in via Ingest rather than pulled.
func (a *Aggregator) Start(ctx context.Context, pairs []types.TradingPair, exchanges []types.ExchangeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running = true
	for _, p := range pairs {
		if _, ok := a.books[p]; !ok {
			a.books[p] = make(map[types.ExchangeID]types.OrderBook)
		}
	}
	log.Info().Int("pairs", len(pairs)).Int("exchanges", len(exchanges)).Msg("aggregator started")
	go func() {
		<-runCtx.Done()
	}()
}

// Stop tears the aggregator down; idempotent.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.running = false
	if a.cancel != nil {
		a.cancel()
	}
	for id, ch := range a.subs {
		close(ch)
		delete(a.subs, id)
	}
}

// Ingest records a fresh OrderBook from a Market Data Client and broadcasts
// a merged event. A book older than the most-recent for the same
// (exchange, pair) is dropped.
func (a *Aggregator) Ingest(book types.OrderBook) {
	a.mu.Lock()
	existing, ok := a.books[book.Pair]
	if !ok {
		existing = make(map[types.ExchangeID]types.OrderBook)
		a.books[book.Pair] = existing
	}
	if prev, ok := existing[book.ExchangeID]; ok && !book.Timestamp.After(prev.Timestamp) {
		a.mu.Unlock()
		return
	}
	existing[book.ExchangeID] = book

	snapshot := make(map[types.ExchangeID]types.OrderBook, len(existing))
	for k, v := range existing {
		snapshot[k] = v
	}
	event := Event{Pair: book.Pair, UpdatedExchange: book.ExchangeID, BookByExchange: snapshot}

	subs := make([]chan Event, 0, len(a.subs))
	ids := make([]int, 0, len(a.subs))
	for id, ch := range a.subs {
		subs = append(subs, ch)
		ids = append(ids, id)
	}
	a.mu.Unlock()

	for i, ch := range subs {
		a.deliver(ids[i], ch, event)
	}
}

// deliver sends event to ch, dropping the oldest queued event for that
// consumer on overflow rather than blocking the producer.
func (a *Aggregator) deliver(id int, ch chan Event, event Event) {
	select {
	case ch <- event:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- event:
	default:
		a.mu.Lock()
		a.dropCounts[id]++
		a.mu.Unlock()
	}
}

// Subscribe returns a new bounded event channel; multiple subscribers
// receive independent broadcasts (multi-fan-out).
func (a *Aggregator) Subscribe() (<-chan Event, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextSubID
	a.nextSubID++
	ch := make(chan Event, subscriberQueueDepth)
	a.subs[id] = ch
	unsubscribe := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if existing, ok := a.subs[id]; ok {
			close(existing)
			delete(a.subs, id)
			delete(a.dropCounts, id)
		}
	}
	return ch, unsubscribe
}

// Latest returns a non-blocking snapshot of the current
// exchange->OrderBook map for pair.
func (a *Aggregator) Latest(pair types.TradingPair) map[types.ExchangeID]types.OrderBook {
	a.mu.RLock()
	defer a.mu.RUnlock()
	existing, ok := a.books[pair]
	if !ok {
		return nil
	}
	out := make(map[types.ExchangeID]types.OrderBook, len(existing))
	for k, v := range existing {
		out[k] = v
	}
	return out
}

// DropCount returns the number of events dropped for a subscriber id due
// to queue overflow, for diagnostics/tests.
func (a *Aggregator) DropCount(id int) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dropCounts[id]
}

// Staleness reports whether an OrderBook is too old to use for detection:
// age > 2 * expectedTickInterval.
func Staleness(book types.OrderBook, expectedTickInterval time.Duration, now time.Time) bool {
	return now.Sub(book.Timestamp) > 2*expectedTickInterval
}
