package storage

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/arbengine/types"
)

// Default retry/buffer envelope for the §7 PersistenceError fallback: a
// write is retried with backoff for up to 30s before it's parked in a
// bounded (10k) buffer instead of being dropped outright.
const (
	defaultRetryBudget    = 30 * time.Second
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	durableBufferCap      = 10000
)

type bufferedWrite struct {
	isTrade     bool
	opportunity types.ArbitrageOpportunity
	trade       types.TradeResult
}

// DurableWriter wraps a Repository with the retry-and-buffer fallback spec
// §7 describes for PersistenceError: writes are retried with backoff for up
// to retryBudget, and a write that still can't land is kept in a bounded
// (capacity 10k) in-memory buffer rather than discarded, oldest dropped
// first on overflow. Flush drains the buffer once the repository recovers.
type DurableWriter struct {
	repo *Repository

	retryBudget    time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu      sync.Mutex
	buffer  []bufferedWrite
	dropped int64
}

// NewDurableWriter wraps repo with the spec's 30s/10k envelope. repo must
// be non-nil.
func NewDurableWriter(repo *Repository) *DurableWriter {
	return newDurableWriter(repo, defaultRetryBudget, defaultInitialBackoff, defaultMaxBackoff)
}

func newDurableWriter(repo *Repository, retryBudget, initialBackoff, maxBackoff time.Duration) *DurableWriter {
	return &DurableWriter{
		repo:           repo,
		retryBudget:    retryBudget,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
	}
}

// SaveOpportunity retries repo.SaveOpportunity with backoff; on persistent
// failure the opportunity is buffered and the original error returned so
// the caller can still log it.
func (w *DurableWriter) SaveOpportunity(o types.ArbitrageOpportunity) error {
	err := w.retry(func() error { return w.repo.SaveOpportunity(o) })
	if err != nil {
		w.pushBuffer(bufferedWrite{opportunity: o})
	}
	return err
}

// SaveTrade retries repo.SaveTrade with backoff; on persistent failure the
// trade is buffered and the original error returned.
func (w *DurableWriter) SaveTrade(t types.TradeResult) error {
	err := w.retry(func() error { return w.repo.SaveTrade(t) })
	if err != nil {
		w.pushBuffer(bufferedWrite{isTrade: true, trade: t})
	}
	return err
}

// BufferedLen reports how many writes are currently parked in the buffer.
func (w *DurableWriter) BufferedLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

func (w *DurableWriter) pushBuffer(bw bufferedWrite) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buffer) >= durableBufferCap {
		w.buffer = w.buffer[1:]
		w.dropped++
		log.Warn().Int64("dropped_total", w.dropped).Msg("⚠️ persistence buffer full, dropping oldest unwritten record")
	}
	w.buffer = append(w.buffer, bw)
}

// Flush retries every buffered write once against the repository, in
// submission order, stopping at the first failure (the repository is
// presumed still unavailable) and re-queuing everything from that point
// on. Returns the number of writes successfully drained.
func (w *DurableWriter) Flush() int {
	w.mu.Lock()
	pending := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	var flushed int
	for i, bw := range pending {
		var err error
		if bw.isTrade {
			err = w.repo.SaveTrade(bw.trade)
		} else {
			err = w.repo.SaveOpportunity(bw.opportunity)
		}
		if err != nil {
			w.mu.Lock()
			w.buffer = append(append([]bufferedWrite{}, pending[i:]...), w.buffer...)
			if len(w.buffer) > durableBufferCap {
				w.buffer = w.buffer[len(w.buffer)-durableBufferCap:]
			}
			w.mu.Unlock()
			break
		}
		flushed++
	}
	if flushed > 0 {
		log.Info().Int("flushed", flushed).Msg("🗄️ drained buffered persistence writes")
	}
	return flushed
}

func (w *DurableWriter) retry(fn func() error) error {
	deadline := time.Now().Add(w.retryBudget)
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		wait := w.backoff(attempt)
		if time.Now().Add(wait).After(deadline) {
			log.Error().Err(err).Dur("retried_for", w.retryBudget).Msg("❌ persistence write exhausted its retry budget, buffering")
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("🔁 retrying persistence write")
		time.Sleep(wait)
	}
}

func (w *DurableWriter) backoff(attempt int) time.Duration {
	backoff := time.Duration(float64(w.initialBackoff) * math.Pow(2, float64(attempt-1)))
	if backoff > w.maxBackoff {
		backoff = w.maxBackoff
	}
	jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(backoff))
	wait := backoff + jitter
	if wait < 0 {
		wait = 0
	}
	return wait
}
