package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"clocklink/internal/link"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeConn records writes. failAt makes the n-th write (1-based) fail.
type fakeConn struct {
	name string
	log  *callLog

	mu      sync.Mutex
	writes  []string
	failAt  int
	inbox   []byte
	closed   int
	closeErr error
	lossErr  error

	done chan struct{}
	once sync.Once
}

func newFakeConn(name string, log *callLog) *fakeConn {
	return &fakeConn{name: name, log: log, done: make(chan struct{})}
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAt > 0 && len(c.writes)+1 == c.failAt {
		c.failAt = 0
		return 0, errors.New("write /dev/rfcomm0: broken pipe")
	}
	c.writes = append(c.writes, string(p))
	return len(p), nil
}

func (c *fakeConn) Drain() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.inbox
	c.inbox = nil
	return out
}

func (c *fakeConn) push(s string) {
	c.mu.Lock()
	c.inbox = append(c.inbox, s...)
	c.mu.Unlock()
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lossErr
}

// lose simulates the peer dropping the link.
func (c *fakeConn) lose(err error) {
	c.mu.Lock()
	c.lossErr = err
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	err := c.closeErr
	c.mu.Unlock()
	if c.log != nil {
		c.log.add("close " + c.name)
	}
	c.once.Do(func() { close(c.done) })
	return err
}

func (c *fakeConn) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeDialer struct {
	log   *callLog
	conns map[string]*fakeConn
	errs  map[string]error
	block bool // wait for ctx instead of connecting
}

func (d *fakeDialer) Dial(ctx context.Context, t link.Target) (link.Conn, error) {
	d.log.add("dial " + t.Address)
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := d.errs[t.Address]; err != nil {
		return nil, err
	}
	c := newFakeConn(t.Address, d.log)
	if d.conns == nil {
		d.conns = make(map[string]*fakeConn)
	}
	d.conns[t.Address] = c
	return c, nil
}

type fakeDiscoverer struct {
	targets []link.Target
	err     error
}

func (d *fakeDiscoverer) Scan(context.Context) ([]link.Target, error) {
	return d.targets, d.err
}

type fakeGate struct {
	granted bool
	err     error
}

func (g *fakeGate) EnsureGranted(context.Context) (bool, error) {
	return g.granted, g.err
}

// fakeClock advances by d whenever After(d) is called and fires immediately.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) waited() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

type fixture struct {
	sess   *Session
	dialer *fakeDialer
	clock  *fakeClock
	events *EventBus
	states *stateRecorder
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (r *stateRecorder) handle(e Event) {
	r.mu.Lock()
	r.states = append(r.states, e.Data.(ConnectionState))
	r.mu.Unlock()
}

func (r *stateRecorder) kinds() []StateKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StateKind, len(r.states))
	for i, s := range r.states {
		out[i] = s.Kind
	}
	return out
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	log := &callLog{}
	events := NewEventBus(testLogger())
	rec := &stateRecorder{}
	events.On(EventStatusChanged, rec.handle)
	clock := newFakeClock()
	dialer := &fakeDialer{log: log}
	sess := New(dialer, &fakeDiscoverer{}, nil, events, NewStatusStore(events), clock, cfg, testLogger())
	return &fixture{sess: sess, dialer: dialer, clock: clock, events: events, states: rec}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
