package handler

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"cf-access-proxy-go/internal/client"
	"cf-access-proxy-go/internal/config"
	"cf-access-proxy-go/internal/metrics"
	"cf-access-proxy-go/internal/middleware"
	"cf-access-proxy-go/internal/service"
	"cf-access-proxy-go/internal/tunnel"
)

const (
	testClientID     = "test-client-id-0001"
	testClientSecret = "test-client-secret-0002"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(command, upstream string) *config.Config {
	return &config.Config{
		Command: command,
		Access:  config.AccessConfig{ClientID: testClientID, ClientSecret: testClientSecret},
		Upstream: config.UpstreamConfig{
			URL:                   upstream,
			TimeoutSeconds:        10,
			ConnectTimeoutSeconds: 2,
		},
	}
}

type testProxy struct {
	*httptest.Server
	metrics *metrics.Metrics
	tracker *tunnel.Tracker
}

// newTestProxy assembles the proxy listener the way the binary does and
// serves it from an httptest server.
func newTestProxy(t *testing.T, cfg *config.Config) *testProxy {
	t.Helper()

	m := metrics.New()
	tracker := tunnel.NewTracker()
	uc := client.NewUpstream(cfg, discard, m)
	svc, err := service.NewRelayService(uc, cfg, discard)
	if err != nil {
		t.Fatalf("NewRelayService: %v", err)
	}
	relay := NewRelayHandler(svc, cfg.Access.ClientSecret, m, discard)

	var connect echo.HandlerFunc
	if svc.Mode() == "forward" {
		connect = NewTunnelHandler(uc, tracker, m, discard).Handle
	}

	e := echo.New()
	e.Pre(echomw.Recover())
	e.Pre(middleware.RequestLogger(discard, string(svc.Mode())))
	e.Pre(middleware.MetricsMiddleware(m, string(svc.Mode())))
	e.Pre(middleware.ConnectDispatch(connect))
	RegisterRoutes(e, relay)

	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		tracker.CloseAll()
		srv.Close()
	})
	return &testProxy{Server: srv, metrics: m, tracker: tracker}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
