package model

import "strconv"

// Instrument represents a tradeable derivative contract from the instrument master.
type Instrument struct {
	Token         string `json:"token"`
	Exchange      string `json:"exchange"` // NFO, BFO
	TradingSymbol string `json:"trading_symbol"`
	Underlying    string `json:"underlying"`  // NIFTY, BANKNIFTY, ...
	OptionType    string `json:"option_type"` // CE, PE, FUT or empty
	Strike        int64  `json:"strike"`      // paise
	Expiry        string `json:"expiry"`
	LotSize       int64  `json:"lot_size"`
}

// Key returns a unique key for this instrument: "exchange:token".
func (i *Instrument) Key() string {
	return i.Exchange + ":" + i.Token
}

// PriceSymbol is the key ticks for this instrument are stored under.
func (i *Instrument) PriceSymbol() string {
	return i.Token
}

// Index underlyings by the instrument token strategies send for them.
var indexUnderlyings = map[string]string{
	"13":  "NIFTY",
	"25":  "BANKNIFTY",
	"27":  "FINNIFTY",
	"442": "MIDCPNIFTY",
	"51":  "SENSEX",
	"69":  "BANKEX",
}

// UnderlyingForToken maps an index instrument token to its name.
// Unknown tokens map to "".
func UnderlyingForToken(token string) string {
	return indexUnderlyings[token]
}

// IsIndexUnderlying reports whether name is one of the index derivatives
// grouped as NIFTIES by the kill switch.
func IsIndexUnderlying(name string) bool {
	for _, n := range indexUnderlyings {
		if n == name {
			return true
		}
	}
	return false
}

// FallbackInstrument builds an instrument for a strike token missing from
// the instrument master: symbol is the token, lot size 1.
func FallbackInstrument(instrumentToken, strikeToken string) Instrument {
	underlying := UnderlyingForToken(instrumentToken)
	exchange := "NFO"
	if underlying == "SENSEX" || underlying == "BANKEX" {
		exchange = "BFO"
	}
	return Instrument{
		Token:         strikeToken,
		Exchange:      exchange,
		TradingSymbol: strikeToken,
		Underlying:    underlying,
		LotSize:       1,
	}
}

// StrikeRupees formats the strike for logs.
func (i *Instrument) StrikeRupees() string {
	return strconv.FormatFloat(FromPaise(i.Strike), 'f', 2, 64)
}
