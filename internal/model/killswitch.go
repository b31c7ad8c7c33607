package model

import "time"

// CloseType selects the instrument class and direction a kill switch covers.
type CloseType string

const (
	CloseAll         CloseType = "ALL"
	CloseNifties     CloseType = "NIFTIES"
	CloseEquities    CloseType = "EQUITIES"
	CloseBuyNifties  CloseType = "BUY_NIFTIES"
	CloseSellNifties CloseType = "SELL_NIFTIES"
	CloseCE          CloseType = "CE"
	ClosePE          CloseType = "PE"
)

// CloseForAll matches every underlying.
const CloseForAll = "ALL"

// KillSwitch is an operator override forcing exit of matching positions.
type KillSwitch struct {
	ID              int64      `json:"id"`
	CloseType       CloseType  `json:"close_type"`
	CloseFor        string     `json:"close_for"` // underlying or ALL
	Reason          string     `json:"reason"`
	IsActive        bool       `json:"is_active"`
	PositionsClosed int64      `json:"positions_closed"`
	TriggeredAt     time.Time  `json:"triggered_at"`
	ExecutedAt      *time.Time `json:"executed_at,omitempty"`
	DeactivatedAt   *time.Time `json:"deactivated_at,omitempty"`
}

// Matches reports whether the switch scopes the given order.
func (k *KillSwitch) Matches(o *Order) bool {
	if !k.IsActive {
		return false
	}
	if k.CloseFor != "" && k.CloseFor != CloseForAll && k.CloseFor != o.Underlying {
		return false
	}
	index := IsIndexUnderlying(o.Underlying)
	switch k.CloseType {
	case CloseAll, "":
		return true
	case CloseNifties:
		return index
	case CloseEquities:
		return !index
	case CloseBuyNifties:
		return index && o.Side == SideBuy
	case CloseSellNifties:
		return index && o.Side == SideSell
	case CloseCE:
		return o.OptionType == "CE"
	case ClosePE:
		return o.OptionType == "PE"
	}
	return false
}

// ValidCloseType reports whether t is a known close type.
func ValidCloseType(t CloseType) bool {
	switch t {
	case CloseAll, CloseNifties, CloseEquities, CloseBuyNifties, CloseSellNifties, CloseCE, ClosePE:
		return true
	}
	return false
}
