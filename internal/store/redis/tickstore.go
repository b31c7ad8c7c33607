package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"signalrelay/internal/model"
	"signalrelay/internal/resilience"
)

const (
	keyPrefix        = "ltp:"
	defaultLatestTTL = 24 * time.Hour
)

// putLatest replaces the stored tick only when the incoming ts is not older.
// KEYS[1] = ltp:<symbol>; ARGV = price, ts (unix micros, exact in a Lua number), qty, exchange, ttl seconds.
var putLatest = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'price', ARGV[1], 'ts', ARGV[2], 'qty', ARGV[3], 'exchange', ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return 1
`)

// Config configures the Redis tick store.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
	TTL      time.Duration // expiry of ltp keys, default 24h
}

// TickStore keeps the latest traded price per symbol in Redis hashes.
type TickStore struct {
	client *goredis.Client
	cb     *resilience.CircuitBreaker
	ttl    time.Duration
}

// Client returns the underlying Redis client for health checks.
func (s *TickStore) Client() *goredis.Client { return s.client }

// New connects to Redis and pings the server.
func New(cfg Config, cb *resilience.CircuitBreaker) (*TickStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Info().Str("addr", cfg.Addr).Msg("[redis] connected")
	return NewWithClient(client, cb, cfg.TTL), nil
}

// NewWithClient wraps an existing client. cb may be nil.
func NewWithClient(client *goredis.Client, cb *resilience.CircuitBreaker, ttl time.Duration) *TickStore {
	if ttl <= 0 {
		ttl = defaultLatestTTL
	}
	return &TickStore{client: client, cb: cb, ttl: ttl}
}

// Put stores t if it is at least as new as the stored tick.
func (s *TickStore) Put(ctx context.Context, t model.Tick) error {
	if t.Symbol == "" {
		return errors.New("tick without symbol")
	}
	write := func() error {
		return putLatest.Run(ctx, s.client, []string{keyPrefix + t.Symbol},
			t.Price, t.ObservedAt.UnixMicro(), t.Qty, t.Exchange, int64(s.ttl/time.Second)).Err()
	}
	if s.cb == nil {
		return write()
	}
	return s.cb.Execute(write)
}

// LatestPrice returns the stored price for symbol; found is false when no
// tick has been stored.
func (s *TickStore) LatestPrice(ctx context.Context, symbol string) (int64, bool, error) {
	t, ok, err := s.Latest(ctx, symbol)
	if err != nil || !ok {
		return 0, false, err
	}
	return t.Price, true, nil
}

// Latest returns the full stored tick for symbol.
func (s *TickStore) Latest(ctx context.Context, symbol string) (model.Tick, bool, error) {
	vals, err := s.client.HMGet(ctx, keyPrefix+symbol, "price", "ts", "qty", "exchange").Result()
	if errors.Is(err, goredis.Nil) {
		return model.Tick{}, false, nil
	}
	if err != nil {
		return model.Tick{}, false, fmt.Errorf("redis hmget %s: %w", symbol, err)
	}
	if len(vals) < 4 || vals[0] == nil {
		return model.Tick{}, false, nil
	}

	t := model.Tick{Symbol: symbol}
	if t.Price, err = parseInt(vals[0]); err != nil {
		return model.Tick{}, false, fmt.Errorf("redis price %s: %w", symbol, err)
	}
	if us, err := parseInt(vals[1]); err == nil {
		t.ObservedAt = time.UnixMicro(us).UTC()
	}
	t.Qty, _ = parseInt(vals[2])
	if ex, ok := vals[3].(string); ok {
		t.Exchange = ex
	}
	return t, true, nil
}

// Close closes the Redis connection.
func (s *TickStore) Close() error {
	return s.client.Close()
}

func parseInt(v any) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected type %T", v)
	}
	return strconv.ParseInt(s, 10, 64)
}
