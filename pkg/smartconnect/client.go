// Package smartconnect is a small client for the Angel One SmartAPI REST
// endpoints the relay needs: password+TOTP login and order placement.
//
// Usage example:
//
//	sc := smartconnect.New(smartconnect.Config{APIKey: "your_api_key"})
//	sess, err := sc.GenerateSession(ctx, "CLIENTID", "PASSWORD", "123456")
//	if err != nil { ... }
//	orderID, err := sc.PlaceOrder(ctx, smartconnect.OrderParams{
//	    Variety: "NORMAL", TradingSymbol: "NIFTY02MAR2622500CE", SymbolToken: "43650",
//	    TransactionType: "BUY", Exchange: "NFO", OrderType: "MARKET",
//	    ProductType: "INTRADAY", Duration: "DAY", Quantity: "75",
//	})
package smartconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config configures a SmartConnect client.
type Config struct {
	APIKey      string
	AccessToken string

	RootURL    string        // default: https://apiconnect.angelone.in
	Timeout    time.Duration // default: 7s, ignored when HTTPClient is set
	HTTPClient *http.Client

	ClientPublicIP string // default 106.193.147.98
	ClientLocalIP  string // default: first non-loopback IPv4, else 127.0.0.1
	ClientMAC      string // default: first interface MAC
}

// SmartConnect holds one logged-in (or not yet logged-in) API session.
// It is safe for concurrent use once the session is established.
type SmartConnect struct {
	apiKey      string
	accessToken string
	feedToken   string
	userID      string

	rootURL    string
	httpClient *http.Client

	clientPublicIP string
	clientLocalIP  string
	clientMAC      string
}

const defaultRoot = "https://apiconnect.angelone.in"

var routes = map[string]string{
	"api.login":       "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.order.place": "/rest/secure/angelbroking/order/v1/placeOrder",
}

// ErrTokenExpired is returned when the API rejects the session token.
var ErrTokenExpired = errors.New("smartapi session expired")

// APIError is a well-formed response with status=false.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("smartapi %s: %s", e.Code, e.Message)
}

// HTTPError is a non-2xx response that did not carry an API error body.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("smartapi http %d: %s", e.StatusCode, e.Body)
}

// New initializes the client. It does no network I/O.
func New(cfg Config) *SmartConnect {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.ClientLocalIP == "" {
		cfg.ClientLocalIP = localIP()
	}
	if cfg.ClientPublicIP == "" {
		cfg.ClientPublicIP = "106.193.147.98"
	}
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = macAddress()
	}

	return &SmartConnect{
		apiKey:         cfg.APIKey,
		accessToken:    cfg.AccessToken,
		rootURL:        strings.TrimRight(cfg.RootURL, "/"),
		httpClient:     cfg.HTTPClient,
		clientPublicIP: cfg.ClientPublicIP,
		clientLocalIP:  cfg.ClientLocalIP,
		clientMAC:      cfg.ClientMAC,
	}
}

func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, address := range addrs {
		if ipNet, ok := address.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return "127.0.0.1"
}

func macAddress() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}

// ---- Helpers ----

func (sc *SmartConnect) requestHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-ClientLocalIP", sc.clientLocalIP)
	h.Set("X-ClientPublicIP", sc.clientPublicIP)
	h.Set("X-MACAddress", sc.clientMAC)
	h.Set("X-PrivateKey", sc.apiKey)
	h.Set("X-UserType", "USER")
	h.Set("X-SourceID", "WEB")
	if sc.accessToken != "" {
		h.Set("Authorization", "Bearer "+sc.accessToken)
	}
	return h
}

type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

// post sends params as JSON and decodes the standard envelope. Transport
// failures are returned unwrapped so callers can classify them.
func (sc *SmartConnect) post(ctx context.Context, route string, params any) (*envelope, error) {
	uri, ok := routes[route]
	if !ok {
		return nil, fmt.Errorf("unknown route: %s", route)
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sc.rootURL+uri, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header = sc.requestHeaders()

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("route", route).Int("status", resp.StatusCode).Msg("[smartconnect] response")

	var env envelope
	if jerr := json.Unmarshal(raw, &env); jerr != nil {
		if resp.StatusCode >= 300 {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(raw))}
		}
		return nil, fmt.Errorf("couldn't parse JSON response: %w", jerr)
	}

	if env.ErrorType == "TokenException" || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &env, fmt.Errorf("%w: %s", ErrTokenExpired, env.Message)
	}
	if resp.StatusCode >= 500 {
		return &env, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(raw))}
	}
	if !env.Status {
		code := env.ErrorCode
		if code == "" {
			code = fmt.Sprintf("HTTP%d", resp.StatusCode)
		}
		return &env, &APIError{Code: code, Message: env.Message}
	}
	return &env, nil
}

func truncate(s string) string {
	if len(s) > 256 {
		return s[:256]
	}
	return s
}

// ---- Session ----

// Session carries the tokens returned by a successful login.
type Session struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

// GenerateSession logs in with client code, password and a current TOTP
// and stores the returned tokens on the client.
func (sc *SmartConnect) GenerateSession(ctx context.Context, clientCode, password, totp string) (*Session, error) {
	env, err := sc.post(ctx, "api.login", map[string]string{
		"clientcode": clientCode,
		"password":   password,
		"totp":       totp,
	})
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(env.Data, &s); err != nil || s.JWTToken == "" {
		return nil, errors.New("unexpected login response format")
	}
	sc.accessToken = s.JWTToken
	sc.feedToken = s.FeedToken
	sc.userID = clientCode
	return &s, nil
}

// FeedToken returns the feed token of the current session.
func (sc *SmartConnect) FeedToken() string { return sc.feedToken }

// UserID returns the client code of the current session.
func (sc *SmartConnect) UserID() string { return sc.userID }

// ---- Orders ----

// OrderParams is the placeOrder request body.
type OrderParams struct {
	Variety         string `json:"variety"`
	TradingSymbol   string `json:"tradingsymbol"`
	SymbolToken     string `json:"symboltoken"`
	TransactionType string `json:"transactiontype"`
	Exchange        string `json:"exchange"`
	OrderType       string `json:"ordertype"`
	ProductType     string `json:"producttype"`
	Duration        string `json:"duration"`
	Price           string `json:"price,omitempty"`
	Quantity        string `json:"quantity"`
	OrderTag        string `json:"ordertag,omitempty"`
}

// PlaceOrder places an order and returns the broker order id.
func (sc *SmartConnect) PlaceOrder(ctx context.Context, p OrderParams) (string, error) {
	env, err := sc.post(ctx, "api.order.place", p)
	if err != nil {
		return "", err
	}
	var data struct {
		OrderID       string `json:"orderid"`
		UniqueOrderID string `json:"uniqueorderid"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.OrderID == "" {
		return "", fmt.Errorf("invalid place order response: %s", truncate(string(env.Data)))
	}
	return data.OrderID, nil
}
