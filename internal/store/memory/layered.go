package memory

import (
	"context"

	"github.com/rs/zerolog/log"

	"signalrelay/internal/model"
)

// Backend is the shared tick store behind the in-memory layer.
type Backend interface {
	model.TickReader
	model.TickWriter
}

// Layered serves reads from memory first and falls back to a shared
// backend (Redis). Writes go to both; a backend write failure is logged
// and returned but the memory copy is kept.
type Layered struct {
	l1 *TickStore
	l2 Backend
}

// NewLayered puts l1 in front of l2. l2 may be nil.
func NewLayered(l1 *TickStore, l2 Backend) *Layered {
	return &Layered{l1: l1, l2: l2}
}

// Put writes t to memory and then to the backend.
func (l *Layered) Put(ctx context.Context, t model.Tick) error {
	l.l1.put(t)
	if l.l2 == nil {
		return nil
	}
	if err := l.l2.Put(ctx, t); err != nil {
		log.Warn().Err(err).Str("symbol", t.Symbol).Msg("[ticks] backend write failed")
		return err
	}
	return nil
}

// LatestPrice returns the memory copy if present, else asks the backend.
func (l *Layered) LatestPrice(ctx context.Context, symbol string) (int64, bool, error) {
	if p, ok, _ := l.l1.LatestPrice(ctx, symbol); ok {
		return p, true, nil
	}
	if l.l2 == nil {
		return 0, false, nil
	}
	return l.l2.LatestPrice(ctx, symbol)
}
