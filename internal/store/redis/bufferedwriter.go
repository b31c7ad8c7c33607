package redis

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"signalrelay/internal/model"
	"signalrelay/internal/resilience"
)

// BufferedWriter wraps a TickStore whose writes run through a circuit
// breaker. While the circuit is open, ticks are held locally (newest per
// symbol) and flushed when the circuit closes again.
type BufferedWriter struct {
	store *TickStore
	ctx   context.Context

	mu      sync.Mutex
	pending map[string]model.Tick
	maxBuf  int // max symbols held while open (default: 10000)

	OnBuffer func()          // called when a tick is buffered (for metrics)
	OnFlush  func(count int) // called after flushing buffered ticks
}

// NewBufferedWriter creates a BufferedWriter over store. The store must have
// a circuit breaker; its state-change callback is chained to trigger flushes.
func NewBufferedWriter(ctx context.Context, store *TickStore, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		store:   store,
		ctx:     ctx,
		pending: make(map[string]model.Tick, 256),
		maxBuf:  maxBufferSize,
	}

	if cb := store.cb; cb != nil {
		prev := cb.OnStateChange
		cb.OnStateChange = func(name string, from, to resilience.State) {
			if prev != nil {
				prev(name, from, to)
			}
			if to == resilience.StateClosed {
				go bw.flush()
			}
		}
	}
	return bw
}

// Put writes t through the breaker; an open circuit buffers the tick.
func (bw *BufferedWriter) Put(ctx context.Context, t model.Tick) error {
	err := bw.store.Put(ctx, t)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		bw.buffer(t)
		return nil
	}
	return err
}

// LatestPrice reads through to the store.
func (bw *BufferedWriter) LatestPrice(ctx context.Context, symbol string) (int64, bool, error) {
	return bw.store.LatestPrice(ctx, symbol)
}

func (bw *BufferedWriter) buffer(t model.Tick) {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	cur, ok := bw.pending[t.Symbol]
	if ok && !t.Newer(cur) {
		return
	}
	if !ok && len(bw.pending) >= bw.maxBuf {
		log.Warn().Str("symbol", t.Symbol).Msg("[buffered-writer] buffer full, dropping tick")
		return
	}
	bw.pending[t.Symbol] = t

	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// flush replays buffered ticks. The compare-and-set script discards any
// that became stale while the circuit was open.
func (bw *BufferedWriter) flush() {
	bw.mu.Lock()
	if len(bw.pending) == 0 {
		bw.mu.Unlock()
		return
	}
	toFlush := bw.pending
	bw.pending = make(map[string]model.Tick, 256)
	bw.mu.Unlock()

	flushed := 0
	for _, t := range toFlush {
		if err := bw.store.Put(bw.ctx, t); err != nil {
			log.Warn().Err(err).Str("symbol", t.Symbol).Msg("[buffered-writer] flush failed")
			continue
		}
		flushed++
	}

	log.Info().Int("count", flushed).Msg("[buffered-writer] flushed buffered ticks")
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount returns the number of symbols waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.pending)
}
