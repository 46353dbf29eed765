package exchange

import (
	"sort"
	"sync"
	"time"

	"github.com/web3guy0/arbengine/types"
)

// maxBookDepth is the number of levels retained per side after each batch
// of deltas is applied; deeper levels are dropped.
const maxBookDepth = 100

// DeltaSide identifies which side of the book a Delta applies to.
type DeltaSide string

const (
	DeltaBid DeltaSide = "bid"
	DeltaAsk DeltaSide = "ask"
)

// Delta is a single L2 book update. Size == 0 removes the level at Price;
// otherwise the level at Price is replaced with Size.
type Delta struct {
	Side  DeltaSide
	Price string
	Size  string
}

// LocalBook reconstructs and owns one exchange's L2 book for a single
// trading pair. It is mutated only by its owning market data client;
// Snapshot returns an immutable copy for readers.
type LocalBook struct {
	mu         sync.RWMutex
	exchangeID types.ExchangeID
	pair       types.TradingPair
	bids       map[string]types.OrderBookLevel // keyed by normalized price string
	asks       map[string]types.OrderBookLevel
	lastMsgAt  time.Time
}

// NewLocalBook creates an empty book for the given exchange/pair.
func NewLocalBook(exchangeID types.ExchangeID, pair types.TradingPair) *LocalBook {
	return &LocalBook{
		exchangeID: exchangeID,
		pair:       pair,
		bids:       make(map[string]types.OrderBookLevel),
		asks:       make(map[string]types.OrderBookLevel),
	}
}

// Reset clears the book, used before a resubscribe/resync.
func (b *LocalBook) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = make(map[string]types.OrderBookLevel)
	b.asks = make(map[string]types.OrderBookLevel)
}

// LoadSnapshot replaces the book contents wholesale, as happens on a fresh
// REST/inline snapshot fetch during subscribe.
func (b *LocalBook) LoadSnapshot(bids, asks []types.OrderBookLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = make(map[string]types.OrderBookLevel, len(bids))
	b.asks = make(map[string]types.OrderBookLevel, len(asks))
	for _, lvl := range bids {
		if lvl.Valid() {
			b.bids[lvl.Price.String()] = lvl
		}
	}
	for _, lvl := range asks {
		if lvl.Valid() {
			b.asks[lvl.Price.String()] = lvl
		}
	}
	b.lastMsgAt = time.Now().UTC()
	b.trimLocked()
}

// ApplyDeltas applies a batch of deltas in order, then trims both sides to
// maxBookDepth. Returns true if the resulting book is crossed
// (best_bid >= best_ask with both sides populated) — the caller must
// discard the update and trigger a resync.
func (b *LocalBook) ApplyDeltas(deltas []types.OrderBookLevel, sides []DeltaSide) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, lvl := range deltas {
		side := sides[i]
		key := lvl.Price.String()
		if side == DeltaBid {
			if lvl.Quantity.IsZero() {
				delete(b.bids, key)
			} else if lvl.Valid() {
				b.bids[key] = lvl
			}
		} else {
			if lvl.Quantity.IsZero() {
				delete(b.asks, key)
			} else if lvl.Valid() {
				b.asks[key] = lvl
			}
		}
	}
	b.lastMsgAt = time.Now().UTC()
	b.trimLocked()
	return b.crossedLocked()
}

// trimLocked retains only the top maxBookDepth levels per side. Caller
// must hold the write lock.
func (b *LocalBook) trimLocked() {
	if len(b.bids) > maxBookDepth {
		sorted := sortedLevels(b.bids, true)
		b.bids = toMap(sorted[:maxBookDepth])
	}
	if len(b.asks) > maxBookDepth {
		sorted := sortedLevels(b.asks, false)
		b.asks = toMap(sorted[:maxBookDepth])
	}
}

func (b *LocalBook) crossedLocked() bool {
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return false
	}
	bids := sortedLevels(b.bids, true)
	asks := sortedLevels(b.asks, false)
	return bids[0].Price.GreaterThanOrEqual(asks[0].Price)
}

// Snapshot returns an immutable OrderBook reflecting the current state,
// bids price-descending, asks price-ascending, both capped at depth.
func (b *LocalBook) Snapshot(depth int) types.OrderBook {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bids := sortedLevels(b.bids, true)
	asks := sortedLevels(b.asks, false)
	if depth > 0 {
		if len(bids) > depth {
			bids = bids[:depth]
		}
		if len(asks) > depth {
			asks = asks[:depth]
		}
	}
	return types.OrderBook{
		ExchangeID: b.exchangeID,
		Pair:       b.pair,
		Timestamp:  b.lastMsgAt,
		Bids:       bids,
		Asks:       asks,
	}
}

// LastMessageAt reports when the book was last mutated, used for the
// idle-timeout health check.
func (b *LocalBook) LastMessageAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastMsgAt
}

func sortedLevels(m map[string]types.OrderBookLevel, descending bool) []types.OrderBookLevel {
	out := make([]types.OrderBookLevel, 0, len(m))
	for _, lvl := range m {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

func toMap(levels []types.OrderBookLevel) map[string]types.OrderBookLevel {
	m := make(map[string]types.OrderBookLevel, len(levels))
	for _, lvl := range levels {
		m[lvl.Price.String()] = lvl
	}
	return m
}
