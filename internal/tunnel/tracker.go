package tunnel

import (
	"context"
	"errors"
	"sync"
)

// ErrTrackerClosed is returned by Track once CloseAll has run.
var ErrTrackerClosed = errors.New("tunnel tracker closed")

// Tracker keeps the set of live sessions so shutdown can wait for them or
// tear them down. Hijacked connections are invisible to http.Server.Shutdown.
type Tracker struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
	wg       sync.WaitGroup
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		sessions: make(map[*Session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Context is canceled when CloseAll runs. Pass it to Session.Splice.
func (t *Tracker) Context() context.Context {
	return t.ctx
}

// Track registers s. The returned func must be called once the session ends.
func (t *Tracker) Track(s *Session) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTrackerClosed
	}
	t.sessions[s] = struct{}{}
	t.wg.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.sessions, s)
			t.mu.Unlock()
			t.wg.Done()
		})
	}, nil
}

// Active returns the number of live sessions.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Drain waits until every tracked session has ended or ctx is done.
func (t *Tracker) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseAll refuses new sessions and closes every live one.
func (t *Tracker) CloseAll() {
	t.mu.Lock()
	t.closed = true
	live := make([]*Session, 0, len(t.sessions))
	for s := range t.sessions {
		live = append(live, s)
	}
	t.mu.Unlock()

	t.cancel()
	for _, s := range live {
		s.Close()
	}
}
