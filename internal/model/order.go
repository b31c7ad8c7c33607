package model

import "time"

// OrderStatus is the lifecycle state of a ledger order.
type OrderStatus string

const (
	StatusOpen   OrderStatus = "OPEN"
	StatusClosed OrderStatus = "CLOSED"
)

// ExitReason records why an order was closed.
type ExitReason string

const (
	ExitSignal     ExitReason = "SIGNAL"
	ExitTarget     ExitReason = "TARGET"
	ExitStopLoss   ExitReason = "STOPLOSS"
	ExitKillSwitch ExitReason = "KILL_SWITCH"
	ExitManual     ExitReason = "MANUAL"
)

// Order is one trader's execution record for a signal. A trader with two
// broker credentials owns one order per broker leg.
type Order struct {
	ID                int64       `json:"id"`
	TraderID          int64       `json:"trader_id"`
	Broker            Broker      `json:"broker"`
	SignalID          int64       `json:"signal_id"`
	UniqueID          string      `json:"unique_id"`
	InstrumentToken   string      `json:"instrument_token"`
	StrikeToken       string      `json:"strike_token"`
	Symbol            string      `json:"symbol"`
	Exchange          string      `json:"exchange"`
	Underlying        string      `json:"underlying"`
	OptionType        string      `json:"option_type"`
	Side              Side        `json:"side"`
	Qty               int64       `json:"qty"`
	EntryPrice        int64       `json:"entry_price"` // paise
	ExitPrice         int64       `json:"exit_price"`  // paise
	Status            OrderStatus `json:"status"`
	EntryTime         time.Time   `json:"entry_time"`
	ExitTime          *time.Time  `json:"exit_time,omitempty"`
	BrokerOrderID     string      `json:"broker_order_id"`
	ExitBrokerOrderID string      `json:"exit_broker_order_id,omitempty"`
	ExitReason        ExitReason  `json:"exit_reason,omitempty"`
	PnL               int64       `json:"pnl"` // paise, realized once CLOSED
	PnLPercent        float64     `json:"pnl_percent"`
	IsDeleted         bool        `json:"-"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// IsOpen reports whether the order still holds a position.
func (o *Order) IsOpen() bool { return o.Status == StatusOpen && !o.IsDeleted }

// Instrument returns the instrument the order was placed on.
func (o *Order) Instrument() Instrument {
	return Instrument{
		Token:         o.StrikeToken,
		Exchange:      o.Exchange,
		TradingSymbol: o.Symbol,
		Underlying:    o.Underlying,
		OptionType:    o.OptionType,
	}
}

// OrderFilter narrows ledger listings. Zero values mean "any".
type OrderFilter struct {
	TraderID int64
	SignalID int64
	Status   OrderStatus
	Limit    int
}
