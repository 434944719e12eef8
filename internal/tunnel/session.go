// Package tunnel splices bytes between a hijacked client connection and an
// upstream TCP connection for CONNECT requests.
package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle position of a tunnel session.
type State int32

const (
	StateAwaitingUpstream State = iota
	StateTunneling
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingUpstream:
		return "awaiting_upstream_connect"
	case StateTunneling:
		return "tunneling"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const copyBufferSize = 32 * 1024

// Session is one CONNECT tunnel. Both sockets are closed exactly once.
type Session struct {
	ID      string
	Target  string
	Started time.Time

	client   net.Conn
	upstream net.Conn

	state     atomic.Int32
	closeOnce sync.Once
	bytesUp   atomic.Int64
	bytesDown atomic.Int64

	logger *slog.Logger
}

// NewSession creates a session for target in the awaiting-upstream state.
func NewSession(target string, logger *slog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:      id,
		Target:  target,
		Started: time.Now(),
		logger:  logger.With("tunnel_id", id, "target", target),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Establish attaches both connections and moves the session to tunneling.
// It fails if the session was already closed; the caller then owns the conns.
func (s *Session) Establish(client, upstream net.Conn) error {
	s.client = client
	s.upstream = upstream
	if !s.state.CompareAndSwap(int32(StateAwaitingUpstream), int32(StateTunneling)) {
		return net.ErrClosed
	}
	return nil
}

// BytesUp returns the bytes copied from the client to the upstream.
func (s *Session) BytesUp() int64 { return s.bytesUp.Load() }

// BytesDown returns the bytes copied from the upstream to the client.
func (s *Session) BytesDown() int64 { return s.bytesDown.Load() }

// Close tears the session down. It is safe to call more than once and from
// any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateClosed)))
		if prev != StateTunneling {
			return
		}
		_ = s.client.Close()
		_ = s.upstream.Close()
	})
}

// Splice copies bytes in both directions until both sides finish, either side
// fails, or ctx is canceled. head holds client bytes read before the hijack
// and is sent upstream first. On EOF from one side the other side's write
// half is shut down. Splice always leaves the session closed.
func (s *Session) Splice(ctx context.Context, head []byte) error {
	if s.State() != StateTunneling {
		return net.ErrClosed
	}

	g, gctx := errgroup.WithContext(ctx)
	// Fires on the first copy error, on ctx cancel, or once Wait returns.
	stop := context.AfterFunc(gctx, s.Close)
	defer stop()
	defer s.Close()

	if len(head) > 0 {
		n, err := s.upstream.Write(head)
		s.bytesUp.Add(int64(n))
		if err != nil {
			return s.result(ctx, err)
		}
	}

	g.Go(func() error {
		return s.pipe(s.upstream, s.client, &s.bytesUp)
	})
	g.Go(func() error {
		return s.pipe(s.client, s.upstream, &s.bytesDown)
	})

	err := g.Wait()
	s.logger.Debug("tunnel finished",
		"bytes_up", s.BytesUp(),
		"bytes_down", s.BytesDown(),
		"duration_ms", time.Since(s.Started).Milliseconds(),
	)
	return s.result(ctx, err)
}

// pipe copies src into dst and half-closes dst when src reaches EOF.
func (s *Session) pipe(dst, src net.Conn, counter *atomic.Int64) error {
	buf := make([]byte, copyBufferSize)
	n, err := io.CopyBuffer(dst, src, buf)
	counter.Add(n)
	if err != nil {
		return err
	}
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	return nil
}

// result hides errors caused by our own teardown.
func (s *Session) result(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
