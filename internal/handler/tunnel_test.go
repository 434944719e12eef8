package handler

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"cf-access-proxy-go/internal/config"
	"cf-access-proxy-go/internal/metrics"
)

// startEchoServer accepts connections and echoes each one back.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = c.Close() }()
				_, _ = io.Copy(struct{ io.Writer }{c}, struct{ io.Reader }{c})
			}()
		}
	}()
	return ln.Addr().String()
}

// sendConnect writes a CONNECT request plus extra bytes and returns the
// parsed response along with the reader positioned after the header block.
func sendConnect(t *testing.T, proxyAddr, authority, extra string) (net.Conn, *bufio.Reader, *http.Response) {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		t.Fatalf("SetDeadline: %v", err)
	}

	if _, err := io.WriteString(conn, "CONNECT "+authority+" HTTP/1.1\r\nHost: "+authority+"\r\n\r\n"+extra); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return conn, br, resp
}

func TestTunnel_ConnectEstablishedAndSpliced(t *testing.T) {
	target := startEchoServer(t)
	proxy := newTestProxy(t, testConfig(config.CommandForward, ""))
	proxyAddr := strings.TrimPrefix(proxy.URL, "http://")

	conn, br, resp := sendConnect(t, proxyAddr, target, "early:")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Status != "200 Connection Established" {
		t.Errorf("status line = %q, want %q", resp.Status, "200 Connection Established")
	}

	if _, err := io.WriteString(conn, "hello"); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, len("early:hello"))
	if _, err := io.ReadFull(br, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "early:hello" {
		t.Errorf("echoed = %q, want %q", got, "early:hello")
	}

	waitFor(t, "one active tunnel", func() bool { return proxy.tracker.Active() == 1 })
	_ = conn.Close()
	waitFor(t, "tunnel teardown", func() bool { return proxy.tracker.Active() == 0 })

	if v := testutil.ToFloat64(proxy.metrics.TunnelsTotal.WithLabelValues(metrics.TunnelEstablished)); v != 1 {
		t.Errorf("established tunnels = %v, want 1", v)
	}
	waitFor(t, "client_to_upstream byte count", func() bool {
		return testutil.ToFloat64(proxy.metrics.TunnelBytes.WithLabelValues(metrics.DirectionUpstream)) == float64(len("early:hello"))
	})
}

func TestTunnel_UnreachableTargetIs502(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	target := ln.Addr().String()
	_ = ln.Close()

	proxy := newTestProxy(t, testConfig(config.CommandForward, ""))
	proxyAddr := strings.TrimPrefix(proxy.URL, "http://")

	_, _, resp := sendConnect(t, proxyAddr, target, "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if !strings.Contains(string(body), "upstream connection failed") {
		t.Errorf("body = %q, want it to mention the connection failure", body)
	}

	if n := proxy.tracker.Active(); n != 0 {
		t.Errorf("active tunnels = %d, want 0", n)
	}
	if v := testutil.ToFloat64(proxy.metrics.TunnelsTotal.WithLabelValues(metrics.TunnelDialFailed)); v != 1 {
		t.Errorf("dial failures = %v, want 1", v)
	}
}

func TestTunnel_UnusablePortIs502(t *testing.T) {
	proxy := newTestProxy(t, testConfig(config.CommandForward, ""))
	proxyAddr := strings.TrimPrefix(proxy.URL, "http://")

	for _, authority := range []string{"127.0.0.1:99999", "127.0.0.1:70000"} {
		t.Run(authority, func(t *testing.T) {
			_, _, resp := sendConnect(t, proxyAddr, authority, "")
			if resp.StatusCode != http.StatusBadGateway {
				t.Errorf("status = %d, want 502", resp.StatusCode)
			}
		})
	}
	if v := testutil.ToFloat64(proxy.metrics.TunnelsTotal.WithLabelValues(metrics.TunnelDialFailed)); v != 2 {
		t.Errorf("dial failures = %v, want 2", v)
	}
}

func TestTunnel_EmptyHostIs400(t *testing.T) {
	proxy := newTestProxy(t, testConfig(config.CommandForward, ""))
	proxyAddr := strings.TrimPrefix(proxy.URL, "http://")

	_, _, resp := sendConnect(t, proxyAddr, ":443", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTunnel_ReverseModeRejectsConnect(t *testing.T) {
	proxy := newTestProxy(t, testConfig(config.CommandReverse, "http://127.0.0.1:1"))
	proxyAddr := strings.TrimPrefix(proxy.URL, "http://")

	_, _, resp := sendConnect(t, proxyAddr, "example.com:443", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestTunnel_CloseAllTearsDownLiveTunnel(t *testing.T) {
	target := startEchoServer(t)
	proxy := newTestProxy(t, testConfig(config.CommandForward, ""))
	proxyAddr := strings.TrimPrefix(proxy.URL, "http://")

	_, br, resp := sendConnect(t, proxyAddr, target, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	waitFor(t, "one active tunnel", func() bool { return proxy.tracker.Active() == 1 })

	proxy.tracker.CloseAll()

	if _, err := io.ReadAll(br); err != nil {
		t.Errorf("read after CloseAll: %v, want clean EOF", err)
	}
	waitFor(t, "tunnel teardown", func() bool { return proxy.tracker.Active() == 0 })
}
