// Package middleware provides Echo middleware for dispatch, logging, metrics
// and security headers.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// ContextKeyRequestID is the echo.Context key holding the request id.
const ContextKeyRequestID = "request_id"

// RequestLogger returns an Echo middleware that logs each request with slog.
// The request id is taken from X-Request-Id when the client sent one and is
// never added to the proxied response.
func RequestLogger(logger *slog.Logger, mode string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			req := c.Request()
			rid := req.Header.Get(echo.HeaderXRequestID)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set(ContextKeyRequestID, rid)

			err := next(c)

			res := c.Response()
			logger.Log(req.Context(), levelFor(res.Status), "request",
				"mode", mode,
				"method", req.Method,
				"host", req.Host,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", rid,
				"remote_ip", c.RealIP(),
				"bytes_in", req.ContentLength,
				"bytes_out", res.Size,
			)

			return err
		}
	}
}

// levelFor raises server-side failures to warn so they stand out from the
// relayed traffic.
func levelFor(status int) slog.Level {
	if status >= http.StatusInternalServerError {
		return slog.LevelWarn
	}
	return slog.LevelInfo
}
