package model

// OutcomeStatus is the result of one trader leg of a fan-out.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "SUCCESS"
	OutcomeFailed  OutcomeStatus = "FAILED"
	OutcomeSkipped OutcomeStatus = "SKIPPED"
)

// ErrorKind classifies a FAILED outcome.
type ErrorKind string

const (
	KindBrokerRejected    ErrorKind = "BROKER_REJECTED"
	KindBrokerUnavailable ErrorKind = "BROKER_UNAVAILABLE"
	KindLedgerWrite       ErrorKind = "LEDGER_WRITE_FAILED"
	KindLedgerRead        ErrorKind = "LEDGER_READ_FAILED"
	KindInstrumentInvalid ErrorKind = "INSTRUMENT_INVALID"
	KindPanic             ErrorKind = "PANIC"
)

// Outcome is the per-trader result of dispatching one signal.
type Outcome struct {
	TraderID      int64         `json:"trader_id"`
	Broker        Broker        `json:"broker"`
	Status        OutcomeStatus `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	ErrorKind     ErrorKind     `json:"error_kind,omitempty"`
	OrderID       int64         `json:"order_id,omitempty"`
	BrokerOrderID string        `json:"broker_order_id,omitempty"`
	Price         int64         `json:"price,omitempty"` // paise
	Qty           int64         `json:"qty,omitempty"`
}
