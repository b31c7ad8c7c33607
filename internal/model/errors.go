package model

import "errors"

var (
	// ErrDuplicateSignal is returned when a signal with the same unique_id
	// and category was already recorded.
	ErrDuplicateSignal = errors.New("duplicate signal")

	// ErrUnknownSignal accompanies an EXIT recorded without a prior ENTRY.
	// It is soft: the EXIT row exists and processing continues.
	ErrUnknownSignal = errors.New("unknown signal: no prior entry")

	// ErrInvalidSignal marks a signal missing required fields.
	ErrInvalidSignal = errors.New("invalid signal")

	ErrNotFound       = errors.New("not found")
	ErrDuplicateOrder = errors.New("open order already exists for trader leg")
	ErrAlreadyClosed  = errors.New("order already closed")
	ErrInvalidQty     = errors.New("order qty must be positive")

	// ErrPriceUnresolved marks a price that fell back to zero.
	ErrPriceUnresolved = errors.New("price unresolved")

	// ErrLedgerWrite marks a ledger write that failed after the broker
	// accepted the order. These need manual reconciliation.
	ErrLedgerWrite = errors.New("ledger write failed")
)
