// Package dhan places orders through the Dhan v2 REST API.
package dhan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"signalrelay/internal/broker"
	"signalrelay/internal/model"
)

const defaultBaseURL = "https://api.dhan.co"

// Config configures the Dhan adapter.
type Config struct {
	BaseURL    string
	Timeout    time.Duration // default 10s, ignored when HTTPClient is set
	HTTPClient *http.Client
}

// Adapter implements broker.Adapter for Dhan.
type Adapter struct {
	baseURL string
	client  *http.Client
}

// New creates a Dhan adapter.
func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Adapter{baseURL: strings.TrimRight(cfg.BaseURL, "/"), client: cfg.HTTPClient}
}

func (a *Adapter) Name() model.Broker { return model.BrokerDhan }

type orderBody struct {
	DhanClientID    string  `json:"dhanClientId"`
	CorrelationID   string  `json:"correlationId,omitempty"`
	TransactionType string  `json:"transactionType"`
	ExchangeSegment string  `json:"exchangeSegment"`
	ProductType     string  `json:"productType"`
	OrderType       string  `json:"orderType"`
	Validity        string  `json:"validity"`
	SecurityID      string  `json:"securityId"`
	Quantity        int64   `json:"quantity"`
	Price           float64 `json:"price"`
}

type orderResponse struct {
	OrderID      string `json:"orderId"`
	OrderStatus  string `json:"orderStatus"`
	ErrorType    string `json:"errorType"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Segment maps an instrument exchange to the Dhan exchange segment.
func Segment(exchange string) string {
	if exchange == "BFO" {
		return "BSE_FNO"
	}
	return "NSE_FNO"
}

// PlaceOrder places an intraday market order. Dhan does not return a fill
// price on placement, so the result price is always unknown.
func (a *Adapter) PlaceOrder(ctx context.Context, creds model.Credentials, req broker.OrderRequest) (broker.Result, error) {
	if creds.ClientID == "" || creds.AccessToken == "" {
		return broker.Result{}, &broker.RejectedError{Broker: model.BrokerDhan, Code: "CREDENTIALS", Message: "missing client id or access token"}
	}
	body, err := json.Marshal(orderBody{
		DhanClientID:    creds.ClientID,
		CorrelationID:   req.Tag,
		TransactionType: string(req.Side),
		ExchangeSegment: Segment(req.Instrument.Exchange),
		ProductType:     "INTRADAY",
		OrderType:       "MARKET",
		Validity:        "DAY",
		SecurityID:      req.Instrument.Token,
		Quantity:        req.Qty,
		Price:           0,
	})
	if err != nil {
		return broker.Result{}, err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v2/orders", bytes.NewReader(body))
	if err != nil {
		return broker.Result{}, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")
	hreq.Header.Set("access-token", creds.AccessToken)

	resp, err := a.client.Do(hreq)
	if err != nil {
		return broker.Result{}, &broker.TransportError{Broker: model.BrokerDhan, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return broker.Result{}, &broker.TransportError{Broker: model.BrokerDhan, Err: err}
	}
	if resp.StatusCode >= 500 {
		return broker.Result{}, &broker.TransportError{Broker: model.BrokerDhan, Err: fmt.Errorf("http %d: %s", resp.StatusCode, snippet(raw))}
	}

	var out orderResponse
	if jerr := json.Unmarshal(raw, &out); jerr != nil {
		if resp.StatusCode >= 400 {
			return broker.Result{}, &broker.RejectedError{Broker: model.BrokerDhan, Code: "HTTP" + strconv.Itoa(resp.StatusCode), Message: snippet(raw)}
		}
		// 2xx with a body we cannot read: the order may exist
		return broker.Result{}, &broker.TransportError{Broker: model.BrokerDhan, Err: fmt.Errorf("decode response: %w", jerr)}
	}

	if resp.StatusCode >= 400 || out.ErrorCode != "" || out.ErrorMessage != "" {
		code := out.ErrorCode
		if code == "" {
			code = "HTTP" + strconv.Itoa(resp.StatusCode)
		}
		return broker.Result{}, &broker.RejectedError{Broker: model.BrokerDhan, Code: code, Message: out.ErrorMessage}
	}
	if out.OrderID == "" {
		return broker.Result{}, &broker.TransportError{Broker: model.BrokerDhan, Err: fmt.Errorf("response without orderId: %s", snippet(raw))}
	}

	log.Debug().Str("component", "broker").Str("broker", "DHAN").Str("account", creds.ClientID).
		Str("order_id", out.OrderID).Str("order_status", out.OrderStatus).Msg("order placed")
	return broker.Result{BrokerOrderID: out.OrderID}, nil
}

func snippet(b []byte) string {
	if len(b) > 256 {
		b = b[:256]
	}
	return string(b)
}
