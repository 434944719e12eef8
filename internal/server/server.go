// Package server runs an Echo instance on a TCP listener with graceful,
// deadline-bounded shutdown that also covers hijacked tunnel connections.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"syscall"

	"github.com/labstack/echo/v4"
	"go.uber.org/multierr"

	"cf-access-proxy-go/internal/metrics"
	"cf-access-proxy-go/internal/tunnel"
)

// ErrAddrInUse is wrapped by Start when the listen address is already bound.
var ErrAddrInUse = errors.New("address already in use")

// ClassifyBindError wraps a listen error, marking "address in use" so callers
// can tell it apart from other bind failures.
func ClassifyBindError(addr string, err error) error {
	if errors.Is(err, syscall.EADDRINUSE) {
		return fmt.Errorf("bind %s: %w: %w", addr, ErrAddrInUse, err)
	}
	return fmt.Errorf("bind %s: %w", addr, err)
}

// ConnCounter tracks client connections through http.Server.ConnState.
// Hijacked connections leave the count; tunnels are tracked separately.
type ConnCounter struct {
	open  atomic.Int64
	gauge func(delta float64)
}

// NewConnCounter creates a ConnCounter. The metrics parameter is optional.
func NewConnCounter(m *metrics.Metrics) *ConnCounter {
	c := &ConnCounter{gauge: func(float64) {}}
	if m != nil {
		c.gauge = m.ConnectionsOpen.Add
	}
	return c
}

// Hook is an http.Server.ConnState callback.
func (c *ConnCounter) Hook(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		c.open.Add(1)
		c.gauge(1)
	case http.StateHijacked, http.StateClosed:
		c.open.Add(-1)
		c.gauge(-1)
	}
}

// Open returns the number of connections currently held.
func (c *ConnCounter) Open() int64 {
	return c.open.Load()
}

// Server owns one listener and the Echo instance serving it.
type Server struct {
	name    string
	echo    *echo.Echo
	addr    string
	tracker *tunnel.Tracker
	conns   *ConnCounter
	logger  *slog.Logger

	ln   net.Listener
	errs chan error
}

// New creates a Server. tracker and conns may be nil.
func New(name string, e *echo.Echo, addr string, tracker *tunnel.Tracker, conns *ConnCounter, logger *slog.Logger) *Server {
	if conns != nil {
		e.Server.ConnState = conns.Hook
	}
	return &Server{
		name:    name,
		echo:    e,
		addr:    addr,
		tracker: tracker,
		conns:   conns,
		logger:  logger.With("component", "server", "listener", name),
		errs:    make(chan error, 1),
	}
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return ClassifyBindError(s.addr, err)
	}
	s.ln = ln

	s.logger.Info("starting server", "addr", ln.Addr().String())
	go func() {
		if err := s.echo.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "err", err)
			s.errs <- err
		}
		close(s.errs)
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Errors delivers a fatal serve error, if any. It is closed once serving stops.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// OpenConns returns the number of client connections currently held.
func (s *Server) OpenConns() int64 {
	if s.conns == nil {
		return 0
	}
	return s.conns.Open()
}

// Stop stops accepting, then waits for in-flight requests and tunnels until
// ctx is done. Whatever is still open at the deadline is closed.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.echo.Shutdown(ctx)
	if s.tracker != nil {
		if active := s.tracker.Active(); active > 0 {
			s.logger.Info("draining tunnels", "active", active)
		}
		err = multierr.Append(err, s.tracker.Drain(ctx))
	}

	if err != nil {
		s.logger.Warn("drain deadline reached; closing remaining connections", "err", err)
		err = multierr.Append(err, s.echo.Close())
	}
	if s.tracker != nil {
		s.tracker.CloseAll()
	}
	return err
}
