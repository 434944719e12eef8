package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cf-access-proxy-go/internal/metrics"
)

// RegisterRoutes wires the relay onto every path of the proxy listener.
// CONNECT never reaches the router; it is dispatched before routing.
func RegisterRoutes(e *echo.Echo, relay *RelayHandler) {
	e.Any("/*", relay.Handle)
}

// RegisterAdminRoutes wires health, status and metrics onto the admin listener.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, m *metrics.Metrics, metricsPath string) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if m != nil && metricsPath != "" {
		e.GET(metricsPath, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
