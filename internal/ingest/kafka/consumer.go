// Package kafka consumes strategy signals from a Kafka topic and feeds them
// to the engine with at-least-once semantics.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"signalrelay/internal/engine"
	"signalrelay/internal/logger"
	"signalrelay/internal/metrics"
	"signalrelay/internal/model"
)

// Message types carried in the envelope.
const (
	TypeEntry  = "ENTRY"
	TypeExit   = "EXIT"
	TypeRevise = "REVISE"
	TypeKill   = "KILL"
)

// Envelope is one message on the signals topic. ENTRY and EXIT carry a
// full signal; REVISE carries unique_id plus stop_loss/target; KILL only
// unique_id. An empty type is derived from the signal field.
type Envelope struct {
	Type string `json:"type"`
	engine.SignalMessage
}

// Engine is the subset of the engine the consumer drives.
type Engine interface {
	ProcessEntrySignal(ctx context.Context, req engine.EntryRequest) (engine.Result, error)
	ProcessExitSignal(ctx context.Context, req engine.ExitRequest) (engine.Result, error)
	ReviseRiskParameters(ctx context.Context, uniqueID string, stopLoss, target *int64) (bool, error)
	ForceKill(ctx context.Context, uniqueID string) (bool, error)
}

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Config configures the consumer.
type Config struct {
	Brokers      []string
	Topic        string
	GroupID      string
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

// Consumer reads the signals topic one message at a time so that an EXIT
// is never handled before the ENTRY that precedes it on the partition.
type Consumer struct {
	reader     Reader
	eng        Engine
	health     *metrics.HealthStatus
	metrics    *metrics.Metrics
	backoff    time.Duration
	maxBackoff time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

var validate = validator.New()

// NewReader creates a consumer-group reader for cfg.
func NewReader(cfg Config) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		StartOffset:    kafkago.FirstOffset,
		CommitInterval: 0,
	})
}

// New creates a Consumer over r. health and m may be nil.
func New(r Reader, eng Engine, cfg Config, health *metrics.HealthStatus, m *metrics.Metrics) *Consumer {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Consumer{
		reader:     r,
		eng:        eng,
		health:     health,
		metrics:    m,
		backoff:    cfg.RetryBackoff,
		maxBackoff: cfg.MaxBackoff,
		log:        logger.Component("kafka"),
		now:        time.Now,
	}
}

// Run consumes until ctx is cancelled. Offsets are committed only after a
// message has been handled; retryable failures block the partition and are
// retried with backoff.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	c.setHealth(true)
	c.log.Info().Msg("kafka consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info().Msg("kafka consumer stopped")
				return nil
			}
			c.setHealth(false)
			c.log.Error().Err(err).Msg("fetch failed")
			if !sleep(ctx, c.backoff) {
				return nil
			}
			continue
		}
		c.setHealth(true)

		if !c.handleWithRetry(ctx, msg) {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Error().Err(err).Int64("offset", msg.Offset).Msg("commit failed")
		}
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, msg kafkago.Message) bool {
	delay := c.backoff
	for attempt := 1; ; attempt++ {
		err := c.Handle(ctx, msg.Value)
		if err == nil {
			return true
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Int("partition", msg.Partition).
			Int64("offset", msg.Offset).Dur("backoff", delay).Msg("signal handling failed, retrying")
		if !sleep(ctx, delay) {
			return false
		}
		delay = min(delay*2, c.maxBackoff)
	}
}

// Handle processes one raw message. It returns an error only when the
// message should be retried; malformed and duplicate messages are logged
// and acknowledged.
func (c *Consumer) Handle(ctx context.Context, raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.drop("unknown", "malformed payload", err)
		return nil
	}
	typ, err := env.kind()
	if err != nil {
		c.drop("unknown", "unknown message type", err)
		return nil
	}
	if env.UniqueID == "" {
		c.drop(typ, "missing unique_id", model.ErrInvalidSignal)
		return nil
	}

	switch typ {
	case TypeEntry, TypeExit:
		if err := validate.Struct(&env.SignalMessage); err != nil {
			c.drop(typ, "invalid signal", err)
			return nil
		}
		return c.signal(ctx, typ, &env.SignalMessage)
	case TypeRevise:
		sl, tg := engine.RiskRevision{StopLoss: env.StopLoss, Target: env.Target}.Paise()
		ok, err := c.eng.ReviseRiskParameters(ctx, env.UniqueID, sl, tg)
		return c.result(typ, env.UniqueID, ok, err)
	default:
		ok, err := c.eng.ForceKill(ctx, env.UniqueID)
		return c.result(typ, env.UniqueID, ok, err)
	}
}

func (c *Consumer) signal(ctx context.Context, typ string, m *engine.SignalMessage) error {
	var (
		res engine.Result
		err error
	)
	if typ == TypeEntry {
		req, cerr := m.EntryRequest(c.now())
		if cerr != nil {
			c.drop(typ, "invalid signal", cerr)
			return nil
		}
		res, err = c.eng.ProcessEntrySignal(ctx, req)
	} else {
		req, cerr := m.ExitRequest(c.now())
		if cerr != nil {
			c.drop(typ, "invalid signal", cerr)
			return nil
		}
		res, err = c.eng.ProcessExitSignal(ctx, req)
	}

	switch {
	case errors.Is(err, model.ErrDuplicateSignal):
		c.metrics.Kafka(typ, "duplicate")
		return nil
	case errors.Is(err, model.ErrInvalidSignal):
		c.drop(typ, "invalid signal", err)
		return nil
	case err != nil && res.Accepted:
		// Recorded but not fanned out; replaying would only hit the
		// duplicate check.
		c.metrics.Kafka(typ, "error")
		c.log.Error().Err(err).Str("unique_id", m.UniqueID).Bool("reconcile", true).Msg("signal recorded but not dispatched")
		return nil
	case err != nil:
		c.metrics.Kafka(typ, "retry")
		return fmt.Errorf("%s %s: %w", strings.ToLower(typ), m.UniqueID, err)
	}
	c.metrics.Kafka(typ, "ok")
	return nil
}

func (c *Consumer) result(typ, uid string, ok bool, err error) error {
	if err != nil {
		c.metrics.Kafka(typ, "retry")
		return fmt.Errorf("%s %s: %w", strings.ToLower(typ), uid, err)
	}
	if !ok {
		c.metrics.Kafka(typ, "ignored")
		c.log.Info().Str("type", typ).Str("unique_id", uid).Msg("no matching open signal")
		return nil
	}
	c.metrics.Kafka(typ, "ok")
	return nil
}

func (c *Consumer) drop(typ, msg string, err error) {
	c.metrics.Kafka(typ, "malformed")
	c.log.Warn().Err(err).Str("type", typ).Msg(msg)
}

func (c *Consumer) setHealth(ok bool) {
	if c.health != nil {
		c.health.SetKafka(true, ok)
	}
}

func (e *Envelope) kind() (string, error) {
	t := strings.ToUpper(strings.TrimSpace(e.Type))
	if t == "" {
		cat, err := e.Category()
		if err != nil {
			return "", err
		}
		return string(cat), nil
	}
	switch t {
	case TypeEntry, TypeExit, TypeRevise, TypeKill:
		return t, nil
	}
	return "", fmt.Errorf("type %q", e.Type)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
