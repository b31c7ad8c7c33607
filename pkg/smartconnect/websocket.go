package smartconnect

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SmartStream v2 endpoint and protocol constants.
const (
	StreamURL         = "wss://smartapisocket.angelone.in/smart-stream"
	HeartBeatMessage  = "ping"
	HeartBeatInterval = 10 * time.Second

	SubscribeAction   = 1
	UnsubscribeAction = 0

	ModeLTP       = 1
	ModeQuote     = 2
	ModeSnapQuote = 3

	NSE_CM = 1
	NSE_FO = 2
	BSE_CM = 3
	BSE_FO = 4
	MCX_FO = 5
	NCX_FO = 7
	CDE_FO = 13
)

// ExchangeNames maps SmartStream exchange types to exchange codes.
var ExchangeNames = map[int]string{
	NSE_CM: "NSE",
	NSE_FO: "NFO",
	BSE_CM: "BSE",
	BSE_FO: "BFO",
	MCX_FO: "MCX",
	NCX_FO: "NCX",
	CDE_FO: "CDS",
}

// TokenListEntry groups tokens of one exchange type for a subscription.
type TokenListEntry struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

// StreamTick is the LTP prefix common to every SmartStream binary packet.
// Prices are paise as sent by the exchange.
type StreamTick struct {
	Mode              int
	ExchangeType      int
	Token             string
	Sequence          int64
	ExchangeTimestamp int64 // epoch millis
	LTP               int64
	LastTradedQty     int64 // QUOTE and SNAP_QUOTE only
}

// StreamConfig configures a SmartStream connection.
type StreamConfig struct {
	URL        string // default StreamURL
	AuthToken  string
	APIKey     string
	ClientCode string
	FeedToken  string
	Dialer     *websocket.Dialer
}

// Stream is one SmartStream websocket session. Reconnection is left to the
// caller: Run returns when the connection drops.
type Stream struct {
	cfg     StreamConfig
	writeMu sync.Mutex
}

// NewStream validates cfg and returns a Stream.
func NewStream(cfg StreamConfig) (*Stream, error) {
	if cfg.AuthToken == "" || cfg.APIKey == "" || cfg.ClientCode == "" || cfg.FeedToken == "" {
		return nil, errors.New("smartstream: auth token, api key, client code and feed token are required")
	}
	if cfg.URL == "" {
		cfg.URL = StreamURL
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Stream{cfg: cfg}, nil
}

// Run dials, subscribes tokens in mode and calls onTick for every market
// packet until ctx is cancelled (nil error) or the connection fails.
// onConnected, when set, is called once the subscription is sent.
func (s *Stream) Run(ctx context.Context, mode int, tokens []TokenListEntry, onConnected func(), onTick func(StreamTick)) error {
	header := http.Header{}
	header.Set("Authorization", s.cfg.AuthToken)
	header.Set("x-api-key", s.cfg.APIKey)
	header.Set("x-client-code", s.cfg.ClientCode)
	header.Set("x-feed-token", s.cfg.FeedToken)

	conn, resp, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("smartstream dial: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("smartstream dial: %w", err)
	}
	defer conn.Close()

	if err := s.write(conn, websocket.TextMessage, subscribeRequest(mode, tokens)); err != nil {
		return fmt.Errorf("smartstream subscribe: %w", err)
	}
	if onConnected != nil {
		onConnected()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-runCtx.Done()
		_ = s.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()
	go s.heartbeat(runCtx, conn)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("smartstream read: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue // "pong" and control text frames
		}
		t, err := ParseTick(data)
		if err != nil {
			continue
		}
		onTick(t)
	}
}

func (s *Stream) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(HeartBeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(conn, websocket.TextMessage, []byte(HeartBeatMessage)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (s *Stream) write(conn *websocket.Conn, mt int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(mt, data)
}

func subscribeRequest(mode int, tokens []TokenListEntry) []byte {
	b, _ := json.Marshal(map[string]any{
		"correlationID": "relayfeed",
		"action":        SubscribeAction,
		"params": map[string]any{
			"mode":      mode,
			"tokenList": tokens,
		},
	})
	return b
}

// ParseTick decodes the little-endian SmartStream binary packet header:
// mode(1) exchange(1) token(25, NUL padded) seq(8) exch_ts(8) ltp(8), then
// last traded quantity(8) for QUOTE and SNAP_QUOTE packets.
func ParseTick(b []byte) (StreamTick, error) {
	if len(b) < 51 {
		return StreamTick{}, fmt.Errorf("smartstream packet too short: %d bytes", len(b))
	}
	t := StreamTick{
		Mode:              int(b[0]),
		ExchangeType:      int(b[1]),
		Token:             cString(b[2:27]),
		Sequence:          int64(binary.LittleEndian.Uint64(b[27:35])),
		ExchangeTimestamp: int64(binary.LittleEndian.Uint64(b[35:43])),
		LTP:               int64(binary.LittleEndian.Uint64(b[43:51])),
	}
	if t.Token == "" {
		return StreamTick{}, errors.New("smartstream packet without token")
	}
	if (t.Mode == ModeQuote || t.Mode == ModeSnapQuote) && len(b) >= 59 {
		t.LastTradedQty = int64(binary.LittleEndian.Uint64(b[51:59]))
	}
	return t, nil
}

// EncodeTick builds an LTP packet; the inverse of ParseTick for LTP mode.
func EncodeTick(t StreamTick) []byte {
	b := make([]byte, 51)
	b[0] = byte(t.Mode)
	b[1] = byte(t.ExchangeType)
	copy(b[2:27], t.Token)
	binary.LittleEndian.PutUint64(b[27:35], uint64(t.Sequence))
	binary.LittleEndian.PutUint64(b[35:43], uint64(t.ExchangeTimestamp))
	binary.LittleEndian.PutUint64(b[43:51], uint64(t.LTP))
	return b
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
