package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalrelay/internal/model"
)

var t0 = time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

func TestTickStore_NewestWins(t *testing.T) {
	s := NewTickStore()
	ctx := context.Background()

	_, ok, err := s.LatestPrice(ctx, "43650")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, model.Tick{Symbol: "43650", Price: 100, ObservedAt: t0.Add(time.Second)}))
	require.NoError(t, s.Put(ctx, model.Tick{Symbol: "43650", Price: 90, ObservedAt: t0}))

	p, ok, _ := s.LatestPrice(ctx, "43650")
	assert.True(t, ok)
	assert.Equal(t, int64(100), p)

	// Equal timestamp: later insertion wins.
	require.NoError(t, s.Put(ctx, model.Tick{Symbol: "43650", Price: 105, ObservedAt: t0.Add(time.Second)}))
	p, _, _ = s.LatestPrice(ctx, "43650")
	assert.Equal(t, int64(105), p)
	assert.Equal(t, 1, s.Len())
}

func TestTickStore_ConcurrentWriters(t *testing.T) {
	s := NewTickStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Put(ctx, model.Tick{Symbol: "X", Price: int64(i), ObservedAt: t0.Add(time.Duration(i) * time.Millisecond)})
		}(i)
	}
	wg.Wait()

	p, ok, _ := s.LatestPrice(ctx, "X")
	assert.True(t, ok)
	assert.Equal(t, int64(99), p)
}

type fakeBackend struct {
	prices map[string]int64
	puts   int
	putErr error
}

func (f *fakeBackend) Put(_ context.Context, t model.Tick) error {
	f.puts++
	if f.putErr != nil {
		return f.putErr
	}
	f.prices[t.Symbol] = t.Price
	return nil
}

func (f *fakeBackend) LatestPrice(_ context.Context, symbol string) (int64, bool, error) {
	p, ok := f.prices[symbol]
	return p, ok, nil
}

func TestLayered(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{prices: map[string]int64{"remote": 777}}
	l := NewLayered(NewTickStore(), backend)

	p, ok, err := l.LatestPrice(ctx, "remote")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(777), p)

	require.NoError(t, l.Put(ctx, model.Tick{Symbol: "local", Price: 5, ObservedAt: t0}))
	assert.Equal(t, 1, backend.puts)
	assert.Equal(t, int64(5), backend.prices["local"])

	backend.putErr = errors.New("redis down")
	err = l.Put(ctx, model.Tick{Symbol: "local", Price: 6, ObservedAt: t0.Add(time.Second)})
	assert.Error(t, err)
	p, _, _ = l.LatestPrice(ctx, "local")
	assert.Equal(t, int64(6), p)

	_, ok, _ = NewLayered(NewTickStore(), nil).LatestPrice(ctx, "none")
	assert.False(t, ok)
}
