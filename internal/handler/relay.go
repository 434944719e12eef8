package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"cf-access-proxy-go/internal/client"
	"cf-access-proxy-go/internal/metrics"
	"cf-access-proxy-go/internal/model"
	"cf-access-proxy-go/internal/service"
)

// StatusClientClosed marks requests whose client went away before a response
// could be written. It is recorded in logs and metrics only, never sent.
const StatusClientClosed = 499

const relayBufferSize = 32 * 1024

// ErrPartialResponse reports an upstream body failure after the response
// headers were already committed to the client.
var ErrPartialResponse = errors.New("partial response")

// RelayHandler forwards ordinary HTTP requests upstream and streams the
// response back.
type RelayHandler struct {
	service *service.RelayService
	secret  string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler. secret is redacted from every
// logged error. The metrics parameter is optional.
func NewRelayHandler(svc *service.RelayService, secret string, m *metrics.Metrics, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		secret:  secret,
		metrics: m,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Handle relays the request and streams the upstream response verbatim.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Target:        req.URL,
		Host:          req.Host,
		Scheme:        scheme,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	res := c.Response()
	dst := res.Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	// Nil values keep net/http from synthesizing headers the upstream did not send.
	for _, key := range []string{"Content-Type", "Date"} {
		if _, ok := dst[key]; !ok {
			dst[key] = nil
		}
	}

	res.WriteHeader(resp.StatusCode)
	h.stream(c, resp.Body)
	return nil
}

// stream copies the upstream body to the client, flushing after every chunk.
// An upstream failure after the status line went out cannot become a 502:
// the connection is aborted so the client observes a truncated response.
func (h *RelayHandler) stream(c echo.Context, body io.Reader) {
	req := c.Request()
	res := c.Response()
	buf := make([]byte, relayBufferSize)

	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := res.Write(buf[:n]); werr != nil {
				h.logger.Debug("client went away during response",
					"err", h.sanitizeError(werr),
					"path", req.URL.Path,
					"written", humanize.Bytes(uint64(written)),
				)
				return
			}
			written += int64(n)
			res.Flush()
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			return
		}
		if req.Context().Err() != nil {
			h.logger.Debug("client went away during response",
				"err", h.sanitizeError(rerr),
				"path", req.URL.Path,
				"written", humanize.Bytes(uint64(written)),
			)
			return
		}

		h.logger.Warn("partial response aborted",
			"err", h.sanitizeError(fmt.Errorf("%w: %w", ErrPartialResponse, rerr)),
			"method", req.Method,
			"path", req.URL.Path,
			"status", res.Status,
			"written", humanize.Bytes(uint64(written)),
		)
		if h.metrics != nil {
			h.metrics.RelayAborts.Inc()
		}
		panic(http.ErrAbortHandler)
	}
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	req := c.Request()

	if errors.Is(err, service.ErrInvalidTarget) {
		h.logger.Info("rejected request target",
			"target", req.RequestURI,
			"method", req.Method,
		)
		return c.String(http.StatusBadRequest, "Bad Request: "+service.ErrInvalidTarget.Error())
	}

	if req.Context().Err() != nil {
		h.logger.Debug("client canceled request",
			"path", req.URL.Path,
		)
		c.Response().Status = StatusClientClosed
		return nil
	}

	kind := client.ErrorKind(err)
	if h.metrics != nil {
		h.metrics.UpstreamErrors.WithLabelValues(kind).Inc()
	}
	h.logger.Error("upstream error",
		"err", h.sanitizeError(err),
		"kind", kind,
		"method", req.Method,
		"path", req.URL.Path,
	)

	var msg string
	switch kind {
	case client.KindTimeout:
		msg = "upstream request timed out"
	case client.KindDNS:
		msg = "upstream host unreachable"
	case client.KindConnect:
		msg = "upstream connection failed"
	default:
		msg = "upstream request failed"
	}
	return c.String(http.StatusBadGateway, "Bad Gateway: "+msg)
}

// sanitizeError redacts the injected secret from error messages.
func (h *RelayHandler) sanitizeError(err error) string {
	return redact(err.Error(), h.secret)
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "[REDACTED]")
}
