// Package paper simulates order placement for dry runs. Orders fill
// immediately at the latest tick with a configurable slippage.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"signalrelay/internal/broker"
	"signalrelay/internal/model"
)

// Fill is one simulated execution.
type Fill struct {
	OrderID  string       `json:"order_id"`
	Symbol   string       `json:"symbol"`
	Side     model.Side   `json:"side"`
	Qty      int64        `json:"qty"`
	Price    int64        `json:"price"`    // paise, 0 when no tick was available
	Slippage int64        `json:"slippage"` // paise
	Tag      string       `json:"tag"`
	Account  string       `json:"account"`
	FilledAt time.Time    `json:"filled_at"`
	Broker   model.Broker `json:"broker"`
}

// Adapter is a broker.Adapter that never leaves the process.
type Adapter struct {
	ticks       model.TickReader
	slippageBps int64 // basis points, e.g. 5 = 0.05%

	mu       sync.Mutex
	orderSeq int64
	fills    []Fill
}

// New creates a paper adapter pricing fills from ticks.
func New(ticks model.TickReader, slippageBps int64) *Adapter {
	return &Adapter{ticks: ticks, slippageBps: slippageBps}
}

func (p *Adapter) Name() model.Broker { return model.BrokerPaper }

// PlaceOrder fills req at the latest tick; buys fill higher and sells
// lower by the slippage. Without a tick the price is unknown.
func (p *Adapter) PlaceOrder(ctx context.Context, creds model.Credentials, req broker.OrderRequest) (broker.Result, error) {
	if req.Qty <= 0 {
		return broker.Result{}, &broker.RejectedError{Broker: model.BrokerPaper, Code: "QTY", Message: "quantity must be positive"}
	}
	symbol := req.Instrument.PriceSymbol()

	var price int64
	known := false
	if p.ticks != nil {
		ltp, found, err := p.ticks.LatestPrice(ctx, symbol)
		if err != nil {
			log.Warn().Str("component", "paper").Str("symbol", symbol).Err(err).Msg("tick lookup failed")
		}
		if found && ltp > 0 {
			price, known = ltp, true
		}
	}

	slippage := int64(0)
	if known && p.slippageBps > 0 {
		slippage = price * p.slippageBps / 10000
		if req.Side == model.SideBuy {
			price += slippage
		} else {
			price -= slippage
		}
	}

	p.mu.Lock()
	p.orderSeq++
	orderID := fmt.Sprintf("PAPER-%d", p.orderSeq)
	p.fills = append(p.fills, Fill{
		OrderID:  orderID,
		Symbol:   symbol,
		Side:     req.Side,
		Qty:      req.Qty,
		Price:    price,
		Slippage: slippage,
		Tag:      req.Tag,
		Account:  creds.Account(),
		FilledAt: time.Now(),
		Broker:   creds.Broker,
	})
	p.mu.Unlock()

	log.Info().Str("component", "paper").Str("order_id", orderID).Str("side", string(req.Side)).
		Str("symbol", symbol).Int64("qty", req.Qty).Int64("price", price).Int64("slip", slippage).
		Str("broker", string(creds.Broker)).Msg("paper fill")

	return broker.Result{BrokerOrderID: orderID, Price: price, PriceKnown: known}, nil
}

// Fills returns a snapshot of all fills.
func (p *Adapter) Fills() []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]Fill, len(p.fills))
	copy(cp, p.fills)
	return cp
}
