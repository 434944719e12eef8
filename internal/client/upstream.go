// Package client provides the outbound leg of the proxy: one HTTP round trip
// per relayed request and raw TCP dials for CONNECT tunnels.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"cf-access-proxy-go/internal/config"
	"cf-access-proxy-go/internal/metrics"
	"cf-access-proxy-go/internal/model"
)

// Error kinds used for logging and the upstream error counter.
const (
	KindTimeout = "timeout"
	KindDNS     = "dns"
	KindConnect = "connect"
	KindOther   = "other"
)

// Upstream sends requests to origins. Redirects are never followed and no
// connection is reused across client requests.
type Upstream struct {
	transport *http.Transport
	dialer    *net.Dialer
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewUpstream creates an Upstream from the upstream timeouts in cfg.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstream(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Upstream {
	dialer := &net.Dialer{
		Timeout:   time.Duration(cfg.Upstream.ConnectTimeoutSeconds) * time.Second,
		KeepAlive: 30 * time.Second,
	}
	upstreamTimeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second

	transport := &http.Transport{
		// Ignore HTTP_PROXY and friends: this process is the proxy.
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		DisableKeepAlives:     true,
		DisableCompression:    true,
		ResponseHeaderTimeout: upstreamTimeout,
		TLSHandshakeTimeout:   upstreamTimeout,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.Upstream.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed origins
		},
	}

	return &Upstream{
		transport: transport,
		dialer:    dialer,
		logger:    logger.With("component", "upstream_client"),
		metrics:   m,
	}
}

// RoundTrip performs exactly one request against the origin named by req.URL
// and returns the raw response. The caller is responsible for closing the
// response body. Canceling the request context aborts the upstream call.
func (c *Upstream) RoundTrip(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.transport.RoundTrip(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// Dial opens a TCP connection to addr (host:port) within the connect timeout.
func (c *Upstream) Dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", addr, err)
	}
	return conn, nil
}

// CloseIdleConnections releases any transport resources. Keep-alives are
// disabled, so this only matters for in-progress TLS handshakes on shutdown.
func (c *Upstream) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}

// ErrorKind classifies a network error from RoundTrip or Dial.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnect
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindConnect
	}
	return KindOther
}
