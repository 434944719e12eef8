package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"cf-access-proxy-go/internal/client"
	"cf-access-proxy-go/internal/metrics"
	"cf-access-proxy-go/internal/tunnel"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// Dialer opens raw upstream connections for tunnels.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// TunnelHandler serves CONNECT by splicing the client socket to a dialed
// upstream socket.
type TunnelHandler struct {
	dialer  Dialer
	tracker *tunnel.Tracker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewTunnelHandler creates a TunnelHandler. The metrics parameter is optional.
func NewTunnelHandler(d Dialer, tracker *tunnel.Tracker, m *metrics.Metrics, logger *slog.Logger) *TunnelHandler {
	return &TunnelHandler{
		dialer:  d,
		tracker: tracker,
		metrics: m,
		logger:  logger.With("component", "tunnel_handler"),
	}
}

// Handle dials the CONNECT authority, answers 200 and splices until either
// side finishes. A dial failure is answered with 502 and nothing is hijacked.
func (h *TunnelHandler) Handle(c echo.Context) error {
	req := c.Request()

	target, err := tunnel.ParseTarget(req.Host)
	if err != nil {
		h.logger.Info("rejected CONNECT authority", "authority", req.Host)
		return c.String(http.StatusBadRequest, "Bad Request: "+err.Error())
	}

	sess := tunnel.NewSession(target, h.logger)

	upstream, err := h.dialer.Dial(req.Context(), target)
	if err != nil {
		sess.Close()
		kind := client.ErrorKind(err)
		h.count(metrics.TunnelDialFailed)
		if h.metrics != nil {
			h.metrics.UpstreamErrors.WithLabelValues(kind).Inc()
		}
		h.logger.Warn("tunnel dial failed",
			"target", target,
			"kind", kind,
			"err", err,
		)
		return c.String(http.StatusBadGateway, "Bad Gateway: "+dialMessage(kind))
	}

	untrack, err := h.tracker.Track(sess)
	if err != nil {
		_ = upstream.Close()
		sess.Close()
		return c.String(http.StatusServiceUnavailable, "Service Unavailable: proxy is shutting down")
	}
	defer untrack()

	conn, rw, err := c.Response().Hijack()
	if err != nil {
		_ = upstream.Close()
		sess.Close()
		h.count(metrics.TunnelHijackFail)
		h.logger.Error("hijack failed", "target", target, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "connection cannot be tunneled")
	}
	c.Response().Status = http.StatusOK
	c.Response().Committed = true

	// Bytes the client pipelined after the CONNECT head belong to the tunnel.
	var head []byte
	if n := rw.Reader.Buffered(); n > 0 {
		peeked, _ := rw.Reader.Peek(n)
		head = append([]byte(nil), peeked...)
	}
	_ = conn.SetDeadline(time.Time{})

	if _, err := conn.Write([]byte(connectEstablished)); err != nil {
		_ = conn.Close()
		_ = upstream.Close()
		sess.Close()
		h.logger.Debug("client went away before tunnel start", "target", target, "err", err)
		return nil
	}

	if err := sess.Establish(conn, upstream); err != nil {
		_ = conn.Close()
		_ = upstream.Close()
		return nil
	}

	h.count(metrics.TunnelEstablished)
	if h.metrics != nil {
		h.metrics.TunnelsActive.Inc()
		defer h.metrics.TunnelsActive.Dec()
	}
	h.logger.Info("tunnel established", "tunnel_id", sess.ID, "target", target)

	err = sess.Splice(h.tracker.Context(), head)
	if h.metrics != nil {
		h.metrics.TunnelBytes.WithLabelValues(metrics.DirectionUpstream).Add(float64(sess.BytesUp()))
		h.metrics.TunnelBytes.WithLabelValues(metrics.DirectionDownstream).Add(float64(sess.BytesDown()))
	}

	attrs := []any{
		"tunnel_id", sess.ID,
		"target", target,
		"sent", humanize.Bytes(uint64(sess.BytesUp())),
		"received", humanize.Bytes(uint64(sess.BytesDown())),
		"duration_ms", time.Since(sess.Started).Milliseconds(),
	}
	switch {
	case err == nil:
		h.logger.Info("tunnel closed", attrs...)
	case errors.Is(err, context.Canceled):
		h.logger.Info("tunnel closed by shutdown", attrs...)
	default:
		h.logger.Warn("tunnel closed with error", append(attrs, "err", err)...)
	}
	return nil
}

func (h *TunnelHandler) count(result string) {
	if h.metrics != nil {
		h.metrics.TunnelsTotal.WithLabelValues(result).Inc()
	}
}

func dialMessage(kind string) string {
	switch kind {
	case client.KindTimeout:
		return "upstream connect timed out"
	case client.KindDNS:
		return "upstream host unreachable"
	}
	return "upstream connection failed"
}
