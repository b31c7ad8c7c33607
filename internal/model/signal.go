package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Side is the direction of a signal or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that closes a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Category distinguishes opening and closing signals.
type Category string

const (
	CategoryEntry Category = "ENTRY"
	CategoryExit  Category = "EXIT"
)

// Signal is one row of the signal log. Rows are immutable except for
// StopLoss and Target, which an operator may revise on the ENTRY row.
type Signal struct {
	ID              int64     `json:"id"`
	UniqueID        string    `json:"unique_id"`
	InstrumentToken string    `json:"instrument_token"`
	StrikeToken     string    `json:"strike_token"`
	StrategyCode    string    `json:"strategy_code"`
	Side            Side      `json:"side"`
	Category        Category  `json:"category"`
	StopLoss        int64     `json:"stop_loss"` // paise, 0 = unset
	Target          int64     `json:"target"`    // paise, 0 = unset
	Timestamp       time.Time `json:"timestamp"`
	CreatedAt       time.Time `json:"created_at"`
}

// Type returns the platform signal type, e.g. BUY_ENTRY or SELL_EXIT.
func (s *Signal) Type() string {
	return string(s.Side) + "_" + string(s.Category)
}

// Ref returns the opaque reference handed to the dispatcher.
func (s *Signal) Ref() SignalRef {
	return SignalRef{ID: s.ID, UniqueID: s.UniqueID, Category: s.Category}
}

// SignalRef identifies a recorded signal row.
type SignalRef struct {
	ID       int64    `json:"id"`
	UniqueID string   `json:"unique_id"`
	Category Category `json:"category"`
}

func (r SignalRef) String() string {
	return r.UniqueID + "/" + string(r.Category) + "#" + strconv.FormatInt(r.ID, 10)
}

// NewEntry is the input for recording an ENTRY signal.
type NewEntry struct {
	UniqueID        string
	InstrumentToken string
	StrikeToken     string
	StrategyCode    string
	Side            Side
	StopLoss        int64
	Target          int64
	Timestamp       time.Time
}

// NewExit is the input for recording an EXIT signal.
type NewExit struct {
	UniqueID     string
	StrikeToken  string
	StrategyCode string
	Timestamp    time.Time
}

// ParseSignalType splits a platform signal type such as SELL_EXIT.
func ParseSignalType(s string) (Side, Category, error) {
	side, cat, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(s)), "_")
	if !ok || !Side(side).Valid() || (Category(cat) != CategoryEntry && Category(cat) != CategoryExit) {
		return "", "", fmt.Errorf("%w: signal type %q", ErrInvalidSignal, s)
	}
	return Side(side), Category(cat), nil
}
