// Package broker places orders with the brokerages a trader has linked.
// Each brokerage is an Adapter; the Retrier wraps adapter calls with the
// retry policy and a per-broker circuit breaker.
package broker

import (
	"context"

	"signalrelay/internal/model"
)

// Adapter places market orders with one brokerage.
type Adapter interface {
	Name() model.Broker

	// PlaceOrder submits a market order using the trader's credentials.
	// Errors are *RejectedError when the broker refused the order and
	// *TransportError when the outcome is unknown or the call failed.
	PlaceOrder(ctx context.Context, creds model.Credentials, req OrderRequest) (Result, error)
}

// OrderRequest is one market order.
type OrderRequest struct {
	Instrument model.Instrument
	Side       model.Side
	Qty        int64
	Tag        string // idempotency key, see Tag
}

// Result is an accepted order. PriceKnown is false when the broker did not
// report a fill price with the placement response.
type Result struct {
	BrokerOrderID string
	Price         int64 // paise
	PriceKnown    bool
}
