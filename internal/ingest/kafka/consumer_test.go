package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalrelay/internal/engine"
	"signalrelay/internal/metrics"
	"signalrelay/internal/model"
)

type fakeEngine struct {
	mu       sync.Mutex
	entries  []engine.EntryRequest
	exits    []engine.ExitRequest
	revised  []string
	killed   []string
	entryErr []error // consumed in order
	accepted bool
}

func (f *fakeEngine) ProcessEntrySignal(_ context.Context, req engine.EntryRequest) (engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, req)
	if len(f.entryErr) > 0 {
		err := f.entryErr[0]
		f.entryErr = f.entryErr[1:]
		return engine.Result{Accepted: f.accepted}, err
	}
	return engine.Result{Accepted: true}, nil
}

func (f *fakeEngine) ProcessExitSignal(_ context.Context, req engine.ExitRequest) (engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exits = append(f.exits, req)
	return engine.Result{Accepted: true}, nil
}

func (f *fakeEngine) ReviseRiskParameters(_ context.Context, uid string, sl, tg *int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revised = append(f.revised, uid)
	return true, nil
}

func (f *fakeEngine) ForceKill(_ context.Context, uid string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, uid)
	return false, nil
}

func (f *fakeEngine) entryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type fakeReader struct {
	msgs      chan kafkago.Message
	mu        sync.Mutex
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafkago.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

const entryMsg = `{"type":"ENTRY","token":"13","signal":"BUY_ENTRY","unique_id":"u1","strike_price_token":"43650","stop_loss":90}`

func newConsumer(eng Engine, r Reader) *Consumer {
	return New(r, eng, Config{RetryBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, nil, metrics.NewMetrics())
}

func TestHandle_Routing(t *testing.T) {
	eng := &fakeEngine{}
	c := newConsumer(eng, &fakeReader{})
	ctx := context.Background()

	require.NoError(t, c.Handle(ctx, []byte(entryMsg)))
	require.NoError(t, c.Handle(ctx, []byte(`{"token":"13","signal":"BUY_EXIT","unique_id":"u1"}`)))
	require.NoError(t, c.Handle(ctx, []byte(`{"type":"REVISE","unique_id":"u1","target":"120.5"}`)))
	require.NoError(t, c.Handle(ctx, []byte(`{"type":"KILL","unique_id":"u1"}`)))

	require.Len(t, eng.entries, 1)
	assert.Equal(t, int64(9000), eng.entries[0].StopLoss)
	assert.Equal(t, model.SideBuy, eng.entries[0].Side)
	assert.Len(t, eng.exits, 1)
	assert.Equal(t, []string{"u1"}, eng.revised)
	assert.Equal(t, []string{"u1"}, eng.killed)
}

func TestHandle_MalformedIsAcknowledged(t *testing.T) {
	eng := &fakeEngine{}
	c := newConsumer(eng, &fakeReader{})
	ctx := context.Background()

	for _, raw := range []string{
		`not json`,
		`{"type":"PING","unique_id":"u1"}`,
		`{"type":"ENTRY","signal":"BUY_ENTRY","unique_id":"u1"}`,
		`{"type":"ENTRY","token":"13","signal":"BUY_EXIT","unique_id":"u1"}`,
		`{"type":"KILL"}`,
	} {
		assert.NoError(t, c.Handle(ctx, []byte(raw)), raw)
	}
	assert.Empty(t, eng.entries)
	assert.Empty(t, eng.killed)
}

func TestHandle_ErrorClassification(t *testing.T) {
	ctx := context.Background()

	eng := &fakeEngine{entryErr: []error{model.ErrDuplicateSignal}}
	assert.NoError(t, newConsumer(eng, &fakeReader{}).Handle(ctx, []byte(entryMsg)))

	eng = &fakeEngine{entryErr: []error{errors.New("database is locked")}}
	assert.Error(t, newConsumer(eng, &fakeReader{}).Handle(ctx, []byte(entryMsg)))

	eng = &fakeEngine{entryErr: []error{errors.New("roster down")}, accepted: true}
	assert.NoError(t, newConsumer(eng, &fakeReader{}).Handle(ctx, []byte(entryMsg)))
}

func TestRun_RetriesThenCommits(t *testing.T) {
	eng := &fakeEngine{entryErr: []error{errors.New("busy"), errors.New("busy")}}
	r := &fakeReader{msgs: make(chan kafkago.Message, 2)}
	r.msgs <- kafkago.Message{Offset: 10, Value: []byte(entryMsg)}
	r.msgs <- kafkago.Message{Offset: 11, Value: []byte(`garbage`)}

	h := metrics.NewHealthStatus()
	c := New(r, eng, Config{RetryBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(r.commits()) == 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{10, 11}, r.commits())
	assert.Equal(t, 3, eng.entryCount())
	assert.True(t, r.closed)
	assert.True(t, h.KafkaEnabled)
}
