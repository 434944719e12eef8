package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"cf-access-proxy-go/internal/config"
	"cf-access-proxy-go/internal/model"
	"cf-access-proxy-go/internal/tunnel"
)

// Version is a string type for dependency injection of the build version.
type Version string

// ConnCounter reports how many client connections the proxy listener holds.
type ConnCounter interface {
	Open() int64
}

// HealthHandler serves health and status endpoints on the admin listener.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	tracker *tunnel.Tracker
	conns   ConnCounter
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, tracker *tunnel.Tracker, conns ConnCounter) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, tracker: tracker, conns: conns}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	Status          string `json:"status"`
	Mode            string `json:"mode"`
	Version         string `json:"version"`
	UpstreamURL     string `json:"upstream_url,omitempty"`
	ClientID        string `json:"client_id"`
	ActiveTunnels   int    `json:"active_tunnels"`
	OpenConnections int64  `json:"open_connections"`
}

// Status returns proxy status information. Credentials are masked.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := StatusResponse{
		Status:   "ok",
		Mode:     string(h.cfg.Mode()),
		Version:  string(h.version),
		ClientID: config.Mask(h.cfg.Access.ClientID),
	}
	if h.cfg.Mode() == model.ModeReverse {
		resp.UpstreamURL = h.cfg.Upstream.URL
	}
	if h.tracker != nil {
		resp.ActiveTunnels = h.tracker.Active()
	}
	if h.conns != nil {
		resp.OpenConnections = h.conns.Open()
	}
	return c.JSON(http.StatusOK, resp)
}
