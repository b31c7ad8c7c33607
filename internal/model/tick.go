package model

import "time"

// Tick is one last-traded-price observation for an instrument.
// Price is stored as int64 in paise (1 INR = 100 paise) to avoid float drift.
type Tick struct {
	Symbol     string    `json:"symbol"` // instrument token
	Exchange   string    `json:"exchange"`
	Price      int64     `json:"price"` // paise (LTP)
	Qty        int64     `json:"qty"`   // last traded quantity
	ObservedAt time.Time `json:"observed_at"`
}

// Newer reports whether t should replace cur as the latest tick.
// Equal timestamps favour the later insertion.
func (t Tick) Newer(cur Tick) bool {
	return !t.ObservedAt.Before(cur.ObservedAt)
}
