package bus

import (
	"context"

	"signalrelay/internal/logger"
	"signalrelay/internal/model"
)

// Store writes every tick from in to w until in is closed. Write errors
// are logged and the tick is skipped.
func Store(ctx context.Context, in <-chan model.Tick, w model.TickWriter) {
	l := logger.Component("bus")
	for t := range in {
		if err := w.Put(ctx, t); err != nil {
			l.Warn().Err(err).Str("symbol", t.Symbol).Msg("tick write failed")
		}
	}
}

// Each calls fn for every tick from in until in is closed.
func Each(in <-chan model.Tick, fn func(model.Tick)) {
	for t := range in {
		fn(t)
	}
}
