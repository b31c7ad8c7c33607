package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePaise(t *testing.T) {
	p, err := ParsePaise("123.45")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), p)

	p, err = ParsePaise("150")
	require.NoError(t, err)
	assert.Equal(t, int64(15000), p)

	_, err = ParsePaise("abc")
	assert.Error(t, err)
}

func TestRupeesToPaise_Rounds(t *testing.T) {
	assert.Equal(t, int64(12345), RupeesToPaise(123.45))
	assert.Equal(t, int64(10), RupeesToPaise(0.1))
	assert.Equal(t, 123.45, FromPaise(12345))
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 13.33, Percent(2000, 15000))
	assert.Equal(t, 0.0, Percent(100, 0))
}

func TestSide_Opposite(t *testing.T) {
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
}

func TestSignal_Type(t *testing.T) {
	s := Signal{Side: SideSell, Category: CategoryExit}
	assert.Equal(t, "SELL_EXIT", s.Type())
}

func TestTick_NewerTieFavoursLater(t *testing.T) {
	ts := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	cur := Tick{Symbol: "55116", Price: 100, ObservedAt: ts}
	assert.True(t, Tick{Price: 101, ObservedAt: ts}.Newer(cur))
	assert.False(t, Tick{Price: 99, ObservedAt: ts.Add(-time.Second)}.Newer(cur))
}

func TestFallbackInstrument(t *testing.T) {
	inst := FallbackInstrument("25", "55116")
	assert.Equal(t, "BANKNIFTY", inst.Underlying)
	assert.Equal(t, "NFO", inst.Exchange)
	assert.Equal(t, int64(1), inst.LotSize)

	inst = FallbackInstrument("51", "8000")
	assert.Equal(t, "BFO", inst.Exchange)
}

func TestKillSwitch_Matches(t *testing.T) {
	niftyCE := &Order{Underlying: "NIFTY", OptionType: "CE", Side: SideBuy}
	bankPE := &Order{Underlying: "BANKNIFTY", OptionType: "PE", Side: SideSell}
	equity := &Order{Underlying: "RELIANCE", Side: SideBuy}

	cases := []struct {
		name string
		k    KillSwitch
		o    *Order
		want bool
	}{
		{"all", KillSwitch{IsActive: true, CloseType: CloseAll, CloseFor: CloseForAll}, equity, true},
		{"inactive", KillSwitch{IsActive: false, CloseType: CloseAll}, equity, false},
		{"nifties hits index", KillSwitch{IsActive: true, CloseType: CloseNifties}, bankPE, true},
		{"nifties skips equity", KillSwitch{IsActive: true, CloseType: CloseNifties}, equity, false},
		{"equities", KillSwitch{IsActive: true, CloseType: CloseEquities}, equity, true},
		{"buy nifties skips sell", KillSwitch{IsActive: true, CloseType: CloseBuyNifties}, bankPE, false},
		{"sell nifties", KillSwitch{IsActive: true, CloseType: CloseSellNifties}, bankPE, true},
		{"ce", KillSwitch{IsActive: true, CloseType: CloseCE}, niftyCE, true},
		{"pe skips ce", KillSwitch{IsActive: true, CloseType: ClosePE}, niftyCE, false},
		{"close_for filters underlying", KillSwitch{IsActive: true, CloseType: CloseAll, CloseFor: "NIFTY"}, bankPE, false},
		{"close_for match", KillSwitch{IsActive: true, CloseType: CloseNifties, CloseFor: "BANKNIFTY"}, bankPE, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.k.Matches(tc.o))
		})
	}
}
