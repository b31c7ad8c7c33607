package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalrelay/internal/engine"
	"signalrelay/internal/metrics"
	"signalrelay/internal/model"
	"signalrelay/internal/portfolio"
)

type fakeService struct {
	entry    engine.EntryRequest
	exit     engine.ExitRequest
	entryErr error
	revised  struct {
		uid    string
		sl, tg *int64
	}
	known   map[string]bool
	filter  model.OrderFilter
	switchK *model.KillSwitch
}

func (f *fakeService) ProcessEntrySignal(_ context.Context, req engine.EntryRequest) (engine.Result, error) {
	f.entry = req
	if f.entryErr != nil {
		return engine.Result{}, f.entryErr
	}
	return engine.Result{Accepted: true, SignalID: 1, UniqueID: req.UniqueID, Succeeded: 2}, nil
}

func (f *fakeService) ProcessExitSignal(_ context.Context, req engine.ExitRequest) (engine.Result, error) {
	f.exit = req
	return engine.Result{Accepted: true, SignalID: 2, UniqueID: req.UniqueID}, nil
}

func (f *fakeService) ReviseRiskParameters(_ context.Context, uid string, sl, tg *int64) (bool, error) {
	f.revised.uid, f.revised.sl, f.revised.tg = uid, sl, tg
	return f.known[uid], nil
}

func (f *fakeService) ForceKill(_ context.Context, uid string) (bool, error) {
	return f.known[uid], nil
}

func (f *fakeService) ActivateKillSwitch(_ context.Context, k *model.KillSwitch) error {
	k.ID = 9
	f.switchK = k
	return nil
}

func (f *fakeService) DeactivateKillSwitch(_ context.Context, id int64) error {
	if id != 9 {
		return model.ErrNotFound
	}
	return nil
}

func (f *fakeService) KillSwitches(context.Context, bool) ([]model.KillSwitch, error) {
	return nil, nil
}

func (f *fakeService) Orders(_ context.Context, flt model.OrderFilter) ([]model.Order, error) {
	f.filter = flt
	return []model.Order{{ID: 1, TraderID: flt.TraderID}}, nil
}

func (f *fakeService) PnL(_ context.Context, flt model.OrderFilter) (portfolio.Summary, error) {
	return portfolio.Summary{TraderID: flt.TraderID, Realized: 500}, nil
}

func newTestServer(svc *fakeService) *Server {
	return NewServer(ServerConfig{Addr: ":0"}, NewHandler(svc, nil, metrics.NewMetrics()))
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	var resp Response
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

const entryBody = `{"token":"13","signal":"BUY_ENTRY","unique_id":"u1","strike_price_token":"43650",
"strategy_code":"ORB","stop_loss":"90.50","target":130}`

func TestPostEntry(t *testing.T) {
	svc := &fakeService{}
	rec, resp := do(t, newTestServer(svc), http.MethodPost, "/api/v1/signals/entry", entryBody)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "u1", svc.entry.UniqueID)
	assert.Equal(t, model.SideBuy, svc.entry.Side)
	assert.Equal(t, "13", svc.entry.InstrumentToken)
	assert.Equal(t, int64(9050), svc.entry.StopLoss)
	assert.Equal(t, int64(13000), svc.entry.Target)
	assert.False(t, svc.entry.Timestamp.IsZero())
}

func TestPostEntry_Validation(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(svc)

	rec, _ := do(t, s, http.MethodPost, "/api/v1/signals/entry", `{"token":"13","signal":"HOLD","unique_id":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_ONEOF")

	rec, _ = do(t, s, http.MethodPost, "/api/v1/signals/entry", `{"token":"13","signal":"BUY_EXIT","unique_id":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/api/v1/signals/entry", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostEntry_DuplicateIsConflict(t *testing.T) {
	svc := &fakeService{entryErr: model.ErrDuplicateSignal}
	rec, _ := do(t, newTestServer(svc), http.MethodPost, "/api/v1/signals/entry", entryBody)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_DUPLICATE_SIGNAL")
}

func TestPostEntry_InternalError(t *testing.T) {
	svc := &fakeService{entryErr: errors.New("disk full")}
	rec, _ := do(t, newTestServer(svc), http.MethodPost, "/api/v1/signals/entry", entryBody)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk full")
}

func TestPostExit(t *testing.T) {
	svc := &fakeService{}
	body := `{"token":"13","signal":"SELL_EXIT","unique_id":"u1","strike_price_token":"43650","timestamp":"2026-03-02T10:00:00Z"}`
	rec, _ := do(t, newTestServer(svc), http.MethodPost, "/api/v1/signals/exit", body)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "u1", svc.exit.UniqueID)
	assert.Equal(t, 10, svc.exit.Timestamp.Hour())
}

func TestPatchRisk(t *testing.T) {
	svc := &fakeService{known: map[string]bool{"u1": true}}
	s := newTestServer(svc)

	rec, _ := do(t, s, http.MethodPatch, "/api/v1/signals/u1/risk", `{"target":"150.25"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, svc.revised.sl)
	require.NotNil(t, svc.revised.tg)
	assert.Equal(t, int64(15025), *svc.revised.tg)

	rec, _ = do(t, s, http.MethodPatch, "/api/v1/signals/nope/risk", `{"target":1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, s, http.MethodPatch, "/api/v1/signals/u1/risk", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostKill(t *testing.T) {
	svc := &fakeService{known: map[string]bool{"u1": true}}
	s := newTestServer(svc)

	rec, _ := do(t, s, http.MethodPost, "/api/v1/signals/u1/kill", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, s, http.MethodPost, "/api/v1/signals/u2/kill", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetOrders(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(svc)

	rec, _ := do(t, s, http.MethodGet, "/api/v1/orders?trader_id=7&status=OPEN", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(7), svc.filter.TraderID)
	assert.Equal(t, model.StatusOpen, svc.filter.Status)
	assert.Equal(t, 200, svc.filter.Limit)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	rec, _ = do(t, s, http.MethodGet, "/api/v1/orders?status=PENDING", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPnL(t *testing.T) {
	rec, _ := do(t, newTestServer(&fakeService{}), http.MethodGet, "/api/v1/pnl?trader_id=3", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"realized_pnl":500`)
}

func TestKillSwitchRoutes(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(svc)

	rec, _ := do(t, s, http.MethodPost, "/api/v1/killswitches", `{"close_type":"CE","reason":"vol spike"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, svc.switchK)
	assert.Equal(t, model.CloseCE, svc.switchK.CloseType)
	assert.Equal(t, "ALL", svc.switchK.CloseFor)

	rec, _ = do(t, s, http.MethodPost, "/api/v1/killswitches", `{"close_type":"FUTURES"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, s, http.MethodGet, "/api/v1/killswitches", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rows":[]`)

	rec, _ = do(t, s, http.MethodDelete, "/api/v1/killswitches/9", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = do(t, s, http.MethodDelete, "/api/v1/killswitches/4", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = do(t, s, http.MethodDelete, "/api/v1/killswitches/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := metrics.NewHealthStatus()
	s := NewServer(ServerConfig{}, NewHandler(&fakeService{}, h, metrics.NewMetrics()))

	rec, _ := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, _ = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
