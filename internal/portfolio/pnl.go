// Package portfolio computes realized and running P&L for ledger orders.
package portfolio

import (
	"context"

	"signalrelay/internal/model"
)

// Realized returns the P&L in paise of a round trip opened on side at
// entry and closed at exit.
func Realized(side model.Side, entry, exit, qty int64) int64 {
	if side == model.SideSell {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}

// RealizedPercent returns pnl as a percentage of the entry notional.
// An unknown entry price (0) yields 0.
func RealizedPercent(pnl, entry, qty int64) float64 {
	return model.Percent(pnl, entry*qty)
}

// Close fills the exit side of o and computes its realized P&L.
func Close(o *model.Order, c model.CloseFill) {
	t := c.Time.UTC()
	o.Status = model.StatusClosed
	o.ExitPrice = c.Price
	o.ExitTime = &t
	o.ExitBrokerOrderID = c.BrokerOrderID
	o.ExitReason = c.Reason
	o.PnL = Realized(o.Side, o.EntryPrice, o.ExitPrice, o.Qty)
	o.PnLPercent = RealizedPercent(o.PnL, o.EntryPrice, o.Qty)
	o.UpdatedAt = t
}

// Running is the mark-to-market view of one open order.
type Running struct {
	OrderID  int64   `json:"order_id"`
	TraderID int64   `json:"trader_id"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Qty      int64   `json:"qty"`
	Entry    int64   `json:"entry_price"`
	LTP      int64   `json:"ltp"`
	PnL      int64   `json:"pnl"`
	Percent  float64 `json:"pnl_percent"`
	Priced   bool    `json:"priced"`
}

// Summary aggregates realized and running P&L, in paise.
type Summary struct {
	TraderID        int64     `json:"trader_id,omitempty"`
	Realized        int64     `json:"realized_pnl"`
	Unrealized      int64     `json:"unrealized_pnl"`
	Total           int64     `json:"total_pnl"`
	OpenPositions   int       `json:"open_positions"`
	ClosedPositions int       `json:"closed_positions"`
	Wins            int       `json:"wins"`
	Losses          int       `json:"losses"`
	Open            []Running `json:"open,omitempty"`
}

// Calculator marks open orders against the latest ticks.
type Calculator struct {
	ticks model.TickReader
}

// NewCalculator creates a Calculator over the given tick reader.
func NewCalculator(ticks model.TickReader) *Calculator {
	return &Calculator{ticks: ticks}
}

// Mark returns the running P&L of an open order. Orders without a tick,
// or whose tick lookup fails, come back with Priced=false.
func (c *Calculator) Mark(ctx context.Context, o *model.Order) Running {
	r := Running{
		OrderID:  o.ID,
		TraderID: o.TraderID,
		Symbol:   o.Symbol,
		Side:     string(o.Side),
		Qty:      o.Qty,
		Entry:    o.EntryPrice,
	}
	if c.ticks == nil {
		return r
	}
	ltp, ok, err := c.ticks.LatestPrice(ctx, o.StrikeToken)
	if err != nil || !ok {
		return r
	}
	r.LTP = ltp
	r.PnL = Realized(o.Side, o.EntryPrice, ltp, o.Qty)
	r.Percent = RealizedPercent(r.PnL, o.EntryPrice, o.Qty)
	r.Priced = true
	return r
}

// Summarize folds orders into a Summary. Unpriced open orders count as
// open positions but add nothing to Unrealized.
func (c *Calculator) Summarize(ctx context.Context, orders []model.Order) Summary {
	var s Summary
	for i := range orders {
		o := &orders[i]
		if o.IsDeleted {
			continue
		}
		switch o.Status {
		case model.StatusClosed:
			s.ClosedPositions++
			s.Realized += o.PnL
			switch {
			case o.PnL > 0:
				s.Wins++
			case o.PnL < 0:
				s.Losses++
			}
		case model.StatusOpen:
			s.OpenPositions++
			r := c.Mark(ctx, o)
			if r.Priced {
				s.Unrealized += r.PnL
			}
			s.Open = append(s.Open, r)
		}
	}
	s.Total = s.Realized + s.Unrealized
	return s
}
