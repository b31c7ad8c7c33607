package clickhouse

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalrelay/internal/model"
)

type recordingDB struct {
	mu      sync.Mutex
	queries []string
	args    [][]any
}

func (r *recordingDB) ExecContext(_ context.Context, q string, args ...any) (sql.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, q)
	r.args = append(r.args, args)
	return nil, nil
}

func (r *recordingDB) inserts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, q := range r.queries {
		if strings.HasPrefix(q, "INSERT") {
			n++
		}
	}
	return n
}

func closed(id int64) model.Order {
	at := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	return model.Order{ID: id, TraderID: 1, Status: model.StatusClosed, ExitTime: &at, Qty: 1}
}

func TestStoreBatch_SkipsOpenOrders(t *testing.T) {
	db := &recordingDB{}
	a := newArchive(db, Config{Table: "trades"})

	require.NoError(t, a.StoreBatch(context.Background(), []model.Order{closed(1), {ID: 2, Status: model.StatusOpen}, closed(3)}))

	require.Len(t, db.queries, 1)
	assert.Contains(t, db.queries[0], "INSERT INTO trades")
	assert.Equal(t, 2, strings.Count(db.queries[0], "(?, ?"))
	assert.Len(t, db.args[0], 32)

	require.NoError(t, a.StoreBatch(context.Background(), []model.Order{{ID: 4}}))
	assert.Len(t, db.queries, 1)
}

func TestRun_FlushesOnBatchSizeAndShutdown(t *testing.T) {
	db := &recordingDB{}
	a := newArchive(db, Config{BatchSize: 2, FlushWait: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	a.Record(closed(1))
	a.Record(closed(2))
	assert.Eventually(t, func() bool { return db.inserts() == 1 }, time.Second, 5*time.Millisecond)

	a.Record(closed(3))
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, 2, db.inserts())
}

func TestRecord_DropsWhenFull(t *testing.T) {
	a := newArchive(&recordingDB{}, Config{BatchSize: 1})
	for i := 0; i < 20; i++ {
		a.Record(closed(int64(i)))
	}
	assert.Equal(t, int64(12), a.Dropped())
}

func TestBuildDSN(t *testing.T) {
	dsn := buildDSN(Config{Host: "ch", Database: "analytics", User: "u", Password: "p@ss"})
	assert.True(t, strings.HasPrefix(dsn, "clickhouse://u:p%40ss@ch:9000/analytics?"))
	assert.Contains(t, dsn, "dial_timeout=5s")
}
