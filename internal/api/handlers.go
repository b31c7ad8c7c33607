package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"signalrelay/internal/engine"
	"signalrelay/internal/metrics"
	"signalrelay/internal/model"
	"signalrelay/internal/portfolio"
)

// Service is the engine surface the API drives.
type Service interface {
	ProcessEntrySignal(ctx context.Context, req engine.EntryRequest) (engine.Result, error)
	ProcessExitSignal(ctx context.Context, req engine.ExitRequest) (engine.Result, error)
	ReviseRiskParameters(ctx context.Context, uniqueID string, stopLoss, target *int64) (bool, error)
	ForceKill(ctx context.Context, uniqueID string) (bool, error)
	ActivateKillSwitch(ctx context.Context, k *model.KillSwitch) error
	DeactivateKillSwitch(ctx context.Context, id int64) error
	KillSwitches(ctx context.Context, activeOnly bool) ([]model.KillSwitch, error)
	Orders(ctx context.Context, f model.OrderFilter) ([]model.Order, error)
	PnL(ctx context.Context, f model.OrderFilter) (portfolio.Summary, error)
}

// Handler serves the relay's HTTP routes. Health and Metrics may be nil.
type Handler struct {
	svc     Service
	health  *metrics.HealthStatus
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(svc Service, health *metrics.HealthStatus, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, health: health, metrics: m, now: time.Now}
}

func (h *Handler) postEntry(c echo.Context) error {
	var msg engine.SignalMessage
	if errs := ReadAndValidateRequest(c, &msg); errs != nil {
		return badRequestResponse(c, errs)
	}
	req, err := msg.EntryRequest(h.now())
	if err != nil {
		return errorResponse(c, err)
	}
	res, err := h.svc.ProcessEntrySignal(c.Request().Context(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return createdResponse(c, res)
}

func (h *Handler) postExit(c echo.Context) error {
	var msg engine.SignalMessage
	if errs := ReadAndValidateRequest(c, &msg); errs != nil {
		return badRequestResponse(c, errs)
	}
	req, err := msg.ExitRequest(h.now())
	if err != nil {
		return errorResponse(c, err)
	}
	res, err := h.svc.ProcessExitSignal(c.Request().Context(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return createdResponse(c, res)
}

func (h *Handler) patchRisk(c echo.Context) error {
	var rev engine.RiskRevision
	if errs := ReadAndValidateRequest(c, &rev); errs != nil {
		return badRequestResponse(c, errs)
	}
	sl, tg := rev.Paise()
	if sl == nil && tg == nil {
		return errorResponse(c, BadRequestError("stop_loss or target is required"))
	}
	uid := c.Param("unique_id")
	ok, err := h.svc.ReviseRiskParameters(c.Request().Context(), uid, sl, tg)
	if err != nil {
		return errorResponse(c, err)
	}
	if !ok {
		return errorResponse(c, NotFoundError("no entry signal "+uid))
	}
	return successResponse(c, map[string]any{"unique_id": uid, "updated": true})
}

func (h *Handler) postKill(c echo.Context) error {
	uid := c.Param("unique_id")
	ok, err := h.svc.ForceKill(c.Request().Context(), uid)
	if err != nil {
		return errorResponse(c, err)
	}
	if !ok {
		return errorResponse(c, NotFoundError("no open entry signal "+uid))
	}
	return successResponse(c, map[string]any{"unique_id": uid, "killed": true})
}

type orderQuery struct {
	TraderID int64  `query:"trader_id" validate:"gte=0"`
	SignalID int64  `query:"signal_id" validate:"gte=0"`
	Status   string `query:"status" validate:"omitempty,oneof=OPEN CLOSED"`
	Limit    int    `query:"limit" default:"200" validate:"gte=1,lte=1000"`
}

func (q orderQuery) filter() model.OrderFilter {
	return model.OrderFilter{TraderID: q.TraderID, SignalID: q.SignalID, Status: model.OrderStatus(q.Status), Limit: q.Limit}
}

func (h *Handler) getOrders(c echo.Context) error {
	var q orderQuery
	if errs := ReadAndValidateRequest(c, &q); errs != nil {
		return badRequestResponse(c, errs)
	}
	orders, err := h.svc.Orders(c.Request().Context(), q.filter())
	if err != nil {
		return errorResponse(c, err)
	}
	return listResponse(c, orders)
}

func (h *Handler) getPnL(c echo.Context) error {
	var q orderQuery
	if errs := ReadAndValidateRequest(c, &q); errs != nil {
		return badRequestResponse(c, errs)
	}
	s, err := h.svc.PnL(c.Request().Context(), q.filter())
	if err != nil {
		return errorResponse(c, err)
	}
	return successResponse(c, s)
}

type killSwitchRequest struct {
	CloseType string `json:"close_type" default:"ALL" validate:"oneof=ALL NIFTIES EQUITIES BUY_NIFTIES SELL_NIFTIES CE PE"`
	CloseFor  string `json:"close_for" default:"ALL" validate:"oneof=ALL NIFTY BANKNIFTY FINNIFTY MIDCPNIFTY SENSEX BANKEX"`
	Reason    string `json:"reason" validate:"max=256"`
}

func (h *Handler) postKillSwitch(c echo.Context) error {
	var req killSwitchRequest
	if errs := ReadAndValidateRequest(c, &req); errs != nil {
		return badRequestResponse(c, errs)
	}
	k := &model.KillSwitch{CloseType: model.CloseType(req.CloseType), CloseFor: req.CloseFor, Reason: req.Reason}
	if err := h.svc.ActivateKillSwitch(c.Request().Context(), k); err != nil {
		return errorResponse(c, err)
	}
	return createdResponse(c, k)
}

func (h *Handler) getKillSwitches(c echo.Context) error {
	active := c.QueryParam("active") != "false"
	ks, err := h.svc.KillSwitches(c.Request().Context(), active)
	if err != nil {
		return errorResponse(c, err)
	}
	return listResponse(c, ks)
}

func (h *Handler) deleteKillSwitch(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return errorResponse(c, BadRequestError("invalid kill switch id"))
	}
	if err := h.svc.DeactivateKillSwitch(c.Request().Context(), id); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) healthz(c echo.Context) error {
	if h.health == nil {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	}
	r, code := h.health.Report()
	return c.JSON(code, r)
}
