package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Response is the JSON envelope of every API reply.
type Response struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ListData wraps list results.
type ListData struct {
	Rows  any `json:"rows"`
	Total int `json:"total"`
}

func dataResponse(c echo.Context, status int, data any) error {
	return c.JSON(status, Response{Status: status, Message: http.StatusText(status), Data: data})
}

func successResponse(c echo.Context, data any) error {
	return dataResponse(c, http.StatusOK, data)
}

func createdResponse(c echo.Context, data any) error {
	return dataResponse(c, http.StatusCreated, data)
}

func listResponse[T any](c echo.Context, rows []T) error {
	if rows == nil {
		rows = []T{}
	}
	return successResponse(c, ListData{Rows: rows, Total: len(rows)})
}

func badRequestResponse(c echo.Context, data any) error {
	return dataResponse(c, http.StatusBadRequest, data)
}

// errorResponse writes err as an AppError envelope. Server-side failures
// are logged; client errors are not.
func errorResponse(c echo.Context, err error) error {
	appErr := FromError(err)
	if appErr.Status >= http.StatusInternalServerError {
		reqLogger(c).Error().Err(err).Msg("request failed")
	}
	return dataResponse(c, appErr.Status, []*AppError{appErr})
}
