// Package bus fans market ticks out to independent consumers.
package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"signalrelay/internal/logger"
	"signalrelay/internal/metrics"
	"signalrelay/internal/model"
)

// FanOut broadcasts ticks from one input channel to every subscriber. A
// full subscriber channel drops the tick for that subscriber only, so a
// slow consumer never blocks the feed.
type FanOut struct {
	mu      sync.RWMutex
	subs    []subscriber
	bufSize int
	metrics *metrics.Metrics
	log     zerolog.Logger
}

type subscriber struct {
	name string
	ch   chan model.Tick
}

// New creates a FanOut whose subscriber channels hold bufSize ticks.
func New(bufSize int, m *metrics.Metrics) *FanOut {
	return &FanOut{bufSize: bufSize, metrics: m, log: logger.Component("bus")}
}

// Subscribe registers a named subscriber. Call before Run.
func (f *FanOut) Subscribe(name string) <-chan model.Tick {
	ch := make(chan model.Tick, f.bufSize)
	f.mu.Lock()
	f.subs = append(f.subs, subscriber{name: name, ch: ch})
	f.mu.Unlock()
	return ch
}

// Run forwards input until ctx is cancelled or input is closed, then
// closes every subscriber channel.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Tick) {
	defer func() {
		f.mu.RLock()
		for _, s := range f.subs {
			close(s.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for _, s := range f.subs {
				select {
				case s.ch <- t:
				default:
					f.metrics.FanoutDrop(s.name)
					f.log.Debug().Str("subscriber", s.name).Str("symbol", t.Symbol).Msg("subscriber full, dropping tick")
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat is the fill level of one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.subs))
	for i, s := range f.subs {
		stats[i] = ChannelStat{Name: s.name, Len: len(s.ch), Cap: cap(s.ch)}
	}
	return stats
}
