// Package clickhouse archives closed trades to ClickHouse for analytics.
// Archiving is asynchronous and never blocks order handling.
package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/rs/zerolog/log"

	"signalrelay/internal/model"
)

// Config configures the archive.
type Config struct {
	Host      string
	Port      int
	Database  string
	User      string
	Password  string
	Table     string
	BatchSize int
	FlushWait time.Duration
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Archive batches closed orders and inserts them with multi-row VALUES.
type Archive struct {
	db        execer
	closer    func() error
	table     string
	batchSize int
	flushWait time.Duration

	ch      chan model.Order
	dropped atomic.Int64
}

// Open connects to ClickHouse and creates the table if needed.
func Open(cfg Config) (*Archive, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("clickhouse host is required")
	}
	db, err := sql.Open("clickhouse", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	a := newArchive(db, cfg)
	a.closer = db.Close
	if err := a.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Str("host", cfg.Host).Str("table", a.table).Msg("[clickhouse] archive ready")
	return a, nil
}

func newArchive(db execer, cfg Config) *Archive {
	a := &Archive{
		db:        db,
		table:     cfg.Table,
		batchSize: cfg.BatchSize,
		flushWait: cfg.FlushWait,
	}
	if a.table == "" {
		a.table = "relay_trades"
	}
	if a.batchSize <= 0 {
		a.batchSize = 200
	}
	if a.flushWait <= 0 {
		a.flushWait = 2 * time.Second
	}
	a.ch = make(chan model.Order, a.batchSize*8)
	return a
}

// InitSchema creates the trades table (idempotent).
func (a *Archive) InitSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+a.table+` (
		order_id      Int64,
		trader_id     Int64,
		broker        LowCardinality(String),
		unique_id     String,
		symbol        String,
		underlying    LowCardinality(String),
		option_type   LowCardinality(String),
		side          LowCardinality(String),
		qty           Int64,
		entry_price   Int64,
		exit_price    Int64,
		pnl           Int64,
		pnl_percent   Float64,
		exit_reason   LowCardinality(String),
		entry_time    DateTime64(3),
		exit_time     DateTime64(3)
	) ENGINE = ReplacingMergeTree
	ORDER BY (trader_id, order_id)`)
	if err != nil {
		return fmt.Errorf("clickhouse init schema: %w", err)
	}
	return nil
}

// Record queues a closed order. A full queue drops the row with a warning.
func (a *Archive) Record(o model.Order) {
	select {
	case a.ch <- o:
	default:
		a.dropped.Add(1)
		log.Warn().Int64("order_id", o.ID).Msg("[clickhouse] archive queue full, dropping trade")
	}
}

// Dropped returns how many rows were dropped on a full queue.
func (a *Archive) Dropped() int64 { return a.dropped.Load() }

// Run drains the queue, inserting when a batch fills or FlushWait passes.
// Pending rows are flushed when ctx is cancelled.
func (a *Archive) Run(ctx context.Context) {
	batch := make([]model.Order, 0, a.batchSize)
	ticker := time.NewTicker(a.flushWait)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := a.StoreBatch(ctx, batch); err != nil {
			log.Error().Err(err).Int("rows", len(batch)).Msg("[clickhouse] batch insert failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case o := <-a.ch:
					batch = append(batch, o)
				default:
					fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					flush(fctx)
					cancel()
					return
				}
			}
		case o := <-a.ch:
			batch = append(batch, o)
			if len(batch) >= a.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// StoreBatch inserts closed orders in one statement.
func (a *Archive) StoreBatch(ctx context.Context, orders []model.Order) error {
	values := make([]string, 0, len(orders))
	args := make([]any, 0, len(orders)*16)
	for _, o := range orders {
		if o.Status != model.StatusClosed || o.ExitTime == nil {
			continue
		}
		values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			o.ID, o.TraderID, string(o.Broker), o.UniqueID, o.Symbol, o.Underlying, o.OptionType,
			string(o.Side), o.Qty, o.EntryPrice, o.ExitPrice, o.PnL, o.PnLPercent,
			string(o.ExitReason), o.EntryTime, *o.ExitTime,
		)
	}
	if len(values) == 0 {
		return nil
	}
	q := fmt.Sprintf(`INSERT INTO %s (order_id, trader_id, broker, unique_id, symbol, underlying,
		option_type, side, qty, entry_price, exit_price, pnl, pnl_percent, exit_reason, entry_time, exit_time)
		VALUES %s`, a.table, strings.Join(values, ","))
	if _, err := a.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("clickhouse insert: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (a *Archive) Close() error {
	if a.closer != nil {
		return a.closer()
	}
	return nil
}

func buildDSN(cfg Config) string {
	port := cfg.Port
	if port == 0 {
		port = 9000
	}
	u := &url.URL{
		Scheme: "clickhouse",
		Host:   fmt.Sprintf("%s:%d", cfg.Host, port),
		Path:   "/" + cfg.Database,
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	q := url.Values{}
	q.Set("dial_timeout", "5s")
	q.Set("read_timeout", "10s")
	u.RawQuery = q.Encode()
	return u.String()
}
