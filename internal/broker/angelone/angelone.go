// Package angelone places orders through the Angel One SmartAPI. Sessions
// are opened with client code, password and a TOTP derived from the stored
// secret, then cached per account until they expire or are rejected.
package angelone

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog/log"

	"signalrelay/internal/broker"
	"signalrelay/internal/model"
	"signalrelay/pkg/smartconnect"
)

// Config configures the AngelOne adapter.
type Config struct {
	RootURL    string
	HTTPClient *http.Client
	SessionTTL time.Duration // default 6h
}

type sessionKey struct{ apiKey, clientCode string }

type session struct {
	mu      sync.Mutex
	sc      *smartconnect.SmartConnect
	expires time.Time
}

// Adapter implements broker.Adapter for Angel One.
type Adapter struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	sessions map[sessionKey]*session
}

// New creates an AngelOne adapter.
func New(cfg Config) *Adapter {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 6 * time.Hour
	}
	return &Adapter{cfg: cfg, now: time.Now, sessions: make(map[sessionKey]*session)}
}

func (a *Adapter) Name() model.Broker { return model.BrokerAngelOne }

// PlaceOrder places an intraday market order on NFO or BFO. SmartAPI does
// not report a fill price on placement.
func (a *Adapter) PlaceOrder(ctx context.Context, creds model.Credentials, req broker.OrderRequest) (broker.Result, error) {
	sc, err := a.client(ctx, creds)
	if err != nil {
		return broker.Result{}, err
	}

	exchange := req.Instrument.Exchange
	if exchange == "" {
		exchange = "NFO"
	}
	orderID, err := sc.PlaceOrder(ctx, smartconnect.OrderParams{
		Variety:         "NORMAL",
		TradingSymbol:   req.Instrument.TradingSymbol,
		SymbolToken:     req.Instrument.Token,
		TransactionType: string(req.Side),
		Exchange:        exchange,
		OrderType:       "MARKET",
		ProductType:     "INTRADAY",
		Duration:        "DAY",
		Quantity:        strconv.FormatInt(req.Qty, 10),
		OrderTag:        req.Tag,
	})
	if err != nil {
		if errors.Is(err, smartconnect.ErrTokenExpired) {
			a.drop(creds)
		}
		return broker.Result{}, classify(err, true)
	}

	log.Debug().Str("component", "broker").Str("broker", "ANGELONE").Str("account", creds.ClientCode).
		Str("order_id", orderID).Msg("order placed")
	return broker.Result{BrokerOrderID: orderID}, nil
}

// client returns a logged-in SmartConnect for the account, logging in when
// there is no live session.
func (a *Adapter) client(ctx context.Context, creds model.Credentials) (*smartconnect.SmartConnect, error) {
	if creds.APIKey == "" || creds.ClientCode == "" || creds.Password == "" || creds.TOTPSecret == "" {
		return nil, &broker.RejectedError{Broker: model.BrokerAngelOne, Code: "CREDENTIALS", Message: "incomplete credentials"}
	}
	key := sessionKey{creds.APIKey, creds.ClientCode}

	a.mu.Lock()
	s, ok := a.sessions[key]
	if !ok {
		s = &session{}
		a.sessions[key] = s
	}
	a.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sc != nil && a.now().Before(s.expires) {
		return s.sc, nil
	}

	code, err := totp.GenerateCode(creds.TOTPSecret, a.now())
	if err != nil {
		return nil, &broker.RejectedError{Broker: model.BrokerAngelOne, Code: "TOTP", Message: err.Error()}
	}
	sc := smartconnect.New(smartconnect.Config{
		APIKey:     creds.APIKey,
		RootURL:    a.cfg.RootURL,
		HTTPClient: a.cfg.HTTPClient,
	})
	if _, err := sc.GenerateSession(ctx, creds.ClientCode, creds.Password, code); err != nil {
		return nil, classify(err, false)
	}
	log.Info().Str("component", "broker").Str("broker", "ANGELONE").Str("account", creds.ClientCode).Msg("session opened")
	s.sc = sc
	s.expires = a.now().Add(a.cfg.SessionTTL)
	return sc, nil
}

func (a *Adapter) drop(creds model.Credentials) {
	a.mu.Lock()
	delete(a.sessions, sessionKey{creds.APIKey, creds.ClientCode})
	a.mu.Unlock()
}

// classify maps SmartAPI errors onto broker errors. An expired token while
// placing is retryable since the next attempt logs in again; at login it
// means the credentials are wrong.
func classify(err error, placing bool) error {
	var apiErr *smartconnect.APIError
	switch {
	case errors.Is(err, smartconnect.ErrTokenExpired):
		if placing {
			return &broker.TransportError{Broker: model.BrokerAngelOne, Err: err}
		}
		return &broker.RejectedError{Broker: model.BrokerAngelOne, Code: "AUTH", Message: err.Error()}
	case errors.As(err, &apiErr):
		return &broker.RejectedError{Broker: model.BrokerAngelOne, Code: apiErr.Code, Message: apiErr.Message}
	}
	return &broker.TransportError{Broker: model.BrokerAngelOne, Err: err}
}
