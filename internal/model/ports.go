package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the engine from concrete storage (SQLite,
// Redis, Postgres). Each implementation satisfies one or more of them.

// SignalLog is the idempotent record of processed signals.
type SignalLog interface {
	// RecordEntry appends an ENTRY row. Returns ErrDuplicateSignal if one
	// already exists for the unique_id.
	RecordEntry(ctx context.Context, in NewEntry) (*Signal, error)

	// RecordExit appends an EXIT row. Returns ErrDuplicateSignal if one
	// already exists, and the recorded row together with ErrUnknownSignal
	// when there is no matching ENTRY.
	RecordExit(ctx context.Context, in NewExit) (*Signal, error)

	// ReviseRiskParameters updates stop_loss and/or target of the ENTRY.
	// nil leaves a field unchanged. Returns ErrNotFound if absent.
	ReviseRiskParameters(ctx context.Context, uniqueID string, stopLoss, target *int64) error

	GetEntry(ctx context.Context, uniqueID string) (*Signal, error)
	GetExit(ctx context.Context, uniqueID string) (*Signal, error)
	GetByID(ctx context.Context, id int64) (*Signal, error)
}

// OrderLedger owns per-trader order rows.
type OrderLedger interface {
	// Open inserts an OPEN order. Returns ErrDuplicateOrder if the trader
	// leg already holds an OPEN order for the signal.
	Open(ctx context.Context, o *Order) error

	// FindOpen returns the OPEN order of a trader leg for a signal.
	FindOpen(ctx context.Context, traderID int64, broker Broker, signalID int64) (*Order, error)

	// CloseOrder transitions an OPEN order to CLOSED and records realized P&L.
	CloseOrder(ctx context.Context, id int64, c CloseFill) (*Order, error)

	ListOpen(ctx context.Context) ([]Order, error)
	ListOpenBySignal(ctx context.Context, signalID int64) ([]Order, error)
	List(ctx context.Context, f OrderFilter) ([]Order, error)
	SoftDelete(ctx context.Context, id int64) error
}

// CloseFill carries the exit side of an order.
type CloseFill struct {
	Price         int64
	Time          time.Time
	BrokerOrderID string
	Reason        ExitReason
}

// TickReader resolves the latest price for a symbol.
type TickReader interface {
	// LatestPrice returns found=false when no tick exists yet.
	LatestPrice(ctx context.Context, symbol string) (int64, bool, error)
}

// TickWriter stores ticks, keeping the newest per symbol.
type TickWriter interface {
	Put(ctx context.Context, t Tick) error
}

// InstrumentStore looks up contracts in the instrument master.
type InstrumentStore interface {
	// Instrument returns ErrNotFound for unknown tokens.
	Instrument(ctx context.Context, token string) (*Instrument, error)
}

// KillSwitchStore persists operator kill switches.
type KillSwitchStore interface {
	ActivateKillSwitch(ctx context.Context, k *KillSwitch) error
	DeactivateKillSwitch(ctx context.Context, id int64) error
	MarkKillSwitchExecuted(ctx context.Context, id int64, positionsClosed int64) error
	ListKillSwitches(ctx context.Context, activeOnly bool) ([]KillSwitch, error)
}
