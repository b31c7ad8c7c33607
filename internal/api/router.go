package api

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes mounts the API on e.
//
//	POST   /api/v1/signals/entry
//	POST   /api/v1/signals/exit
//	PATCH  /api/v1/signals/:unique_id/risk
//	POST   /api/v1/signals/:unique_id/kill
//	GET    /api/v1/orders
//	GET    /api/v1/pnl
//	GET    /api/v1/killswitches
//	POST   /api/v1/killswitches
//	DELETE /api/v1/killswitches/:id
//	GET    /healthz
//	GET    /metrics
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.healthz)
	if h.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.metrics.Handler()))
	}

	v1 := e.Group("/api/v1")

	signals := v1.Group("/signals")
	signals.POST("/entry", h.postEntry)
	signals.POST("/exit", h.postExit)
	signals.PATCH("/:unique_id/risk", h.patchRisk)
	signals.POST("/:unique_id/kill", h.postKill)

	v1.GET("/orders", h.getOrders)
	v1.GET("/pnl", h.getPnL)

	v1.GET("/killswitches", h.getKillSwitches)
	v1.POST("/killswitches", h.postKillSwitch)
	v1.DELETE("/killswitches/:id", h.deleteKillSwitch)
}
