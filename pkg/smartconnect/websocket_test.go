package smartconnect

import (
	"encoding/binary"
	"testing"
)

func TestParseTick_RoundTrip(t *testing.T) {
	in := StreamTick{Mode: ModeLTP, ExchangeType: NSE_FO, Token: "43650", Sequence: 7, ExchangeTimestamp: 1772426400000, LTP: 2250050}
	got, err := ParseTick(EncodeTick(in))
	if err != nil {
		t.Fatal(err)
	}
	if got != in {
		t.Errorf("got %+v, want %+v", got, in)
	}
}

func TestParseTick_QuoteQuantity(t *testing.T) {
	b := EncodeTick(StreamTick{Mode: ModeQuote, ExchangeType: NSE_CM, Token: "2885", LTP: 125000})
	qty := make([]byte, 8)
	binary.LittleEndian.PutUint64(qty, 75)
	b = append(b, qty...)

	got, err := ParseTick(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastTradedQty != 75 {
		t.Errorf("qty = %d, want 75", got.LastTradedQty)
	}
}

func TestParseTick_Rejects(t *testing.T) {
	if _, err := ParseTick(make([]byte, 10)); err == nil {
		t.Error("short packet accepted")
	}
	if _, err := ParseTick(make([]byte, 51)); err == nil {
		t.Error("packet without token accepted")
	}
}

func TestNewStream_RequiresCredentials(t *testing.T) {
	if _, err := NewStream(StreamConfig{APIKey: "k"}); err == nil {
		t.Error("expected error")
	}
	s, err := NewStream(StreamConfig{AuthToken: "a", APIKey: "k", ClientCode: "c", FeedToken: "f"})
	if err != nil {
		t.Fatal(err)
	}
	if s.cfg.URL != StreamURL {
		t.Errorf("url = %q", s.cfg.URL)
	}
}
