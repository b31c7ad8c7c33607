// Package feed streams last-traded prices from the Angel One SmartStream
// websocket into the relay's tick pipeline.
package feed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"signalrelay/internal/logger"
	"signalrelay/internal/metrics"
	"signalrelay/internal/model"
	"signalrelay/pkg/smartconnect"
)

// Config configures the feed.
type Config struct {
	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string

	// Tokens are "exchangeType:token" pairs, e.g. "2:43650".
	Tokens []string

	RootURL           string // SmartAPI REST root, default production
	StreamURL         string // SmartStream URL, default production
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// Feed logs in, subscribes and reconnects with backoff until stopped.
type Feed struct {
	cfg     Config
	tokens  []smartconnect.TokenListEntry
	out     chan<- model.Tick
	health  *metrics.HealthStatus
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

// New validates cfg and returns a Feed that writes ticks to out.
func New(cfg Config, out chan<- model.Tick, health *metrics.HealthStatus, m *metrics.Metrics) (*Feed, error) {
	tokens, err := ParseTokens(cfg.Tokens)
	if err != nil {
		return nil, err
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = time.Minute
	}
	return &Feed{
		cfg:     cfg,
		tokens:  tokens,
		out:     out,
		health:  health,
		metrics: m,
		log:     logger.Component("feed"),
		now:     time.Now,
	}, nil
}

// ParseTokens groups "exchangeType:token" entries by exchange type.
func ParseTokens(raw []string) ([]smartconnect.TokenListEntry, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("feed: no tokens to subscribe")
	}
	byEx := make(map[int][]string)
	var order []int
	for _, r := range raw {
		exStr, tok, ok := strings.Cut(strings.TrimSpace(r), ":")
		ex, err := strconv.Atoi(exStr)
		if !ok || err != nil || tok == "" {
			return nil, fmt.Errorf("feed: bad token %q, want exchangeType:token", r)
		}
		if _, known := smartconnect.ExchangeNames[ex]; !known {
			return nil, fmt.Errorf("feed: unknown exchange type %d", ex)
		}
		if _, seen := byEx[ex]; !seen {
			order = append(order, ex)
		}
		byEx[ex] = append(byEx[ex], tok)
	}
	out := make([]smartconnect.TokenListEntry, 0, len(order))
	for _, ex := range order {
		out = append(out, smartconnect.TokenListEntry{ExchangeType: ex, Tokens: byEx[ex]})
	}
	return out, nil
}

// Run keeps a session alive until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	if f.health != nil {
		f.health.SetFeedEnabled(true)
	}
	delay := f.cfg.ReconnectDelay
	for {
		connected, err := f.session(ctx)
		f.setConnected(false)
		if ctx.Err() != nil {
			f.log.Info().Msg("feed stopped")
			return nil
		}
		if connected {
			delay = f.cfg.ReconnectDelay
		}
		f.metrics.FeedReconnect()
		f.log.Warn().Err(err).Dur("retry_in", delay).Msg("feed disconnected")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		delay = min(delay*2, f.cfg.MaxReconnectDelay)
	}
}

// session runs one login plus websocket connection. connected reports
// whether the subscription went through.
func (f *Feed) session(ctx context.Context) (connected bool, err error) {
	code, err := totp.GenerateCode(f.cfg.TOTPSecret, f.now())
	if err != nil {
		return false, fmt.Errorf("feed totp: %w", err)
	}
	sc := smartconnect.New(smartconnect.Config{APIKey: f.cfg.APIKey, RootURL: f.cfg.RootURL})
	sess, err := sc.GenerateSession(ctx, f.cfg.ClientCode, f.cfg.Password, code)
	if err != nil {
		return false, fmt.Errorf("feed login: %w", err)
	}

	stream, err := smartconnect.NewStream(smartconnect.StreamConfig{
		URL:        f.cfg.StreamURL,
		AuthToken:  sess.JWTToken,
		APIKey:     f.cfg.APIKey,
		ClientCode: f.cfg.ClientCode,
		FeedToken:  sess.FeedToken,
	})
	if err != nil {
		return false, err
	}

	err = stream.Run(ctx, smartconnect.ModeLTP, f.tokens, func() {
		connected = true
		f.setConnected(true)
		f.log.Info().Interface("tokens", f.tokens).Msg("feed subscribed")
	}, f.onTick)
	return connected, err
}

func (f *Feed) onTick(st smartconnect.StreamTick) {
	t := toTick(st, f.now)
	f.metrics.Tick()
	if f.health != nil {
		f.health.SetLastTickTime(t.ObservedAt)
	}
	select {
	case f.out <- t:
	default:
		f.log.Warn().Str("symbol", t.Symbol).Msg("tick channel full, dropping tick")
	}
}

func (f *Feed) setConnected(v bool) {
	if f.health != nil {
		f.health.SetFeedConnected(v)
	}
}

func toTick(st smartconnect.StreamTick, now func() time.Time) model.Tick {
	exchange := smartconnect.ExchangeNames[st.ExchangeType]
	if exchange == "" {
		exchange = "EX_" + strconv.Itoa(st.ExchangeType)
	}
	at := now().UTC()
	if st.ExchangeTimestamp > 0 {
		at = time.UnixMilli(st.ExchangeTimestamp).UTC()
	}
	return model.Tick{
		Symbol:     st.Token,
		Exchange:   exchange,
		Price:      st.LTP,
		Qty:        st.LastTradedQty,
		ObservedAt: at,
	}
}
