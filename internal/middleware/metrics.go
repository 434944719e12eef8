package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"cf-access-proxy-go/internal/metrics"
)

// MetricsMiddleware counts every proxied request by method, status and mode.
// CONNECT requests are counted but kept out of the in-flight gauge and the
// latency histogram: a tunnel lives as long as the client keeps it open and
// is covered by the tunnel metrics instead.
func MetricsMiddleware(m *metrics.Metrics, mode string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tunnel := c.Request().Method == http.MethodConnect
			if !tunnel {
				m.RequestsInFlight.Inc()
				defer m.RequestsInFlight.Dec()
			}

			start := time.Now()
			err := next(c)

			labels := []string{
				metrics.NormalizeMethod(c.Request().Method),
				strconv.Itoa(statusOf(c, err)),
				mode,
			}
			m.RequestsTotal.WithLabelValues(labels...).Inc()
			if !tunnel {
				m.RequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
			}
			return err
		}
	}
}

// statusOf returns the status the client will see. An *echo.HTTPError is
// written later by the central error handler, so its code wins.
func statusOf(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}
