// Package memory holds in-process tick stores.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"signalrelay/internal/model"
)

// TickStore keeps the latest tick per symbol in memory. Readers never
// take a lock; writers compare-and-swap the per-symbol pointer.
type TickStore struct {
	ticks sync.Map // symbol -> *atomic.Pointer[model.Tick]
}

// NewTickStore returns an empty store.
func NewTickStore() *TickStore {
	return &TickStore{}
}

// Put stores t unless a strictly newer tick is already held.
func (s *TickStore) Put(_ context.Context, t model.Tick) error {
	s.put(t)
	return nil
}

func (s *TickStore) put(t model.Tick) {
	v, _ := s.ticks.LoadOrStore(t.Symbol, new(atomic.Pointer[model.Tick]))
	p := v.(*atomic.Pointer[model.Tick])
	next := &t
	for {
		cur := p.Load()
		if cur != nil && !t.Newer(*cur) {
			return
		}
		if p.CompareAndSwap(cur, next) {
			return
		}
	}
}

// LatestPrice returns the newest stored price for symbol.
func (s *TickStore) LatestPrice(_ context.Context, symbol string) (int64, bool, error) {
	t, ok := s.Latest(symbol)
	return t.Price, ok, nil
}

// Latest returns the newest stored tick for symbol.
func (s *TickStore) Latest(symbol string) (model.Tick, bool) {
	v, ok := s.ticks.Load(symbol)
	if !ok {
		return model.Tick{}, false
	}
	t := v.(*atomic.Pointer[model.Tick]).Load()
	if t == nil {
		return model.Tick{}, false
	}
	return *t, true
}

// Len returns the number of symbols held.
func (s *TickStore) Len() int {
	n := 0
	s.ticks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
