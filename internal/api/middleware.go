package api

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"signalrelay/internal/logger"
)

const loggerKey = "logger"

// requestLogging logs each request and stores a request-scoped logger on
// the echo context.
func requestLogging(base zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			start := time.Now()
			l := base.With().Str("method", req.Method).Str("path", c.Path()).Logger()
			c.Set(loggerKey, l)

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			ev := l.Info()
			if status >= http.StatusInternalServerError {
				ev = l.Error()
			}
			ev.Int("status", status).Dur("latency", time.Since(start)).Str("remote", c.RealIP()).Msg("http")
			return nil
		}
	}
}

func recoverPanics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					reqLogger(c).Error().Str("panic", fmt.Sprint(r)).Bytes("stack", debug.Stack()).Msg("handler panic")
					err = errorResponse(c, InternalError("something went wrong"))
				}
			}()
			return next(c)
		}
	}
}

func reqLogger(c echo.Context) *zerolog.Logger {
	if l, ok := c.Get(loggerKey).(zerolog.Logger); ok {
		return logger.Ctx(c.Request().Context(), l)
	}
	l := logger.Component("api")
	return &l
}
