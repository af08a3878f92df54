// Package session owns the single link to the clock: connect, disconnect,
// spaced command delivery and non-blocking reads, with every transition
// published to a StatusStore.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"clocklink/internal/link"
	"clocklink/internal/protocol"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultScanTimeout    = 12 * time.Second
	DefaultCommandDelay   = 500 * time.Millisecond
)

// Config holds session timing. Zero values take the defaults above.
type Config struct {
	ConnectTimeout time.Duration
	ScanTimeout    time.Duration
	CommandDelay   time.Duration
}

// Session manages at most one active link. Connect, Disconnect, Send and
// SendSequence run one at a time; a caller waits for the current holder or
// until its context ends.
type Session struct {
	dialer     link.Dialer
	discoverer link.Discoverer
	gate       link.PermissionGate
	status     *StatusStore
	events     *EventBus
	clock      Clock
	cfg        Config
	logger     *slog.Logger

	sem chan struct{}

	mu         sync.Mutex // guards the fields below; held only briefly
	conn       link.Conn
	target     link.Target
	handle     uint64
	nextHandle uint64
}

// New creates a session. gate may be nil, in which case scanning is always
// permitted. clock defaults to SystemClock.
func New(dialer link.Dialer, discoverer link.Discoverer, gate link.PermissionGate, events *EventBus, status *StatusStore, clock Clock, cfg Config, logger *slog.Logger) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}
	if cfg.CommandDelay <= 0 {
		cfg.CommandDelay = DefaultCommandDelay
	}
	if clock == nil {
		clock = SystemClock
	}
	return &Session{
		dialer:     dialer,
		discoverer: discoverer,
		gate:       gate,
		status:     status,
		events:     events,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.With("component", "session"),
		sem:        make(chan struct{}, 1),
	}
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() { <-s.sem }

func (s *Session) emit(typ string, data any) {
	if s.events != nil {
		s.events.Emit(Event{Type: typ, Data: data})
	}
}

// ScanDevices checks device permissions, then lists connectable targets.
func (s *Session) ScanDevices(ctx context.Context) ([]link.Target, error) {
	if s.gate != nil {
		ok, err := s.gate.EnsureGranted(ctx)
		if err != nil {
			s.logger.Warn("permission check failed", "err", err)
			return nil, &Error{Kind: KindPermissionDenied, Reason: SanitizeMessage(err), Err: err}
		}
		if !ok {
			return nil, &Error{Kind: KindPermissionDenied}
		}
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()
	targets, err := s.discoverer.Scan(sctx)
	if err != nil {
		s.logger.Warn("scan failed", "err", err)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Kind: KindTimeout, Err: err}
		}
		return nil, &Error{Kind: KindScanFailed, Reason: SanitizeMessage(err), Err: err}
	}
	s.emit(EventScanComplete, len(targets))
	return targets, nil
}

// Connect opens a link to target, tearing down any existing link first.
// On failure the state goes Failed then Disconnected and the returned error
// carries a sanitised reason.
func (s *Session) Connect(ctx context.Context, target link.Target) (ConnectionState, error) {
	if err := s.acquire(ctx); err != nil {
		return s.status.Get(), err
	}
	defer s.release()

	if s.current() != nil {
		s.logger.Info("replacing active link", "old", s.target.Address, "new", target.Address)
		s.closeLocked()
	}

	s.logger.Info("connecting", "target", target.Address, "name", target.Name)
	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	conn, err := s.dialer.Dial(dctx, target)
	if err != nil {
		var serr *Error
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			serr = &Error{Kind: KindTimeout, Err: err}
		case ctx.Err() != nil:
			serr = &Error{Kind: KindConnectFailed, Reason: "Connection cancelled", Err: err}
		default:
			serr = &Error{Kind: KindConnectFailed, Reason: SanitizeMessage(err), Err: err}
		}
		s.logger.Warn("connect failed", "target", target.Address, "err", err)
		reason := serr.Error()
		now := s.clock.Now()
		s.status.set(ConnectionState{Kind: Failed, Target: &target, Reason: reason, Since: now})
		s.status.set(ConnectionState{Kind: Disconnected, Reason: reason, Since: now})
		return s.status.Get(), serr
	}

	s.mu.Lock()
	s.nextHandle++
	s.conn = conn
	s.target = target
	s.handle = s.nextHandle
	handle := s.handle
	s.mu.Unlock()

	go s.watch(conn, handle)

	st := ConnectionState{Kind: Connected, Target: &target, Handle: handle, Since: s.clock.Now()}
	s.status.set(st)
	s.logger.Info("connected", "target", target.Address, "handle", handle)
	return st, nil
}

// Disconnect closes the active link. It is a no-op when disconnected and
// never fails; a close error is logged.
func (s *Session) Disconnect() {
	s.sem <- struct{}{}
	defer s.release()

	if s.current() == nil {
		return
	}
	s.closeLocked()
}

// Close releases the link on shutdown.
func (s *Session) Close() {
	s.Disconnect()
}

// closeLocked tears down the active link. Caller holds the semaphore.
func (s *Session) closeLocked() {
	s.mu.Lock()
	conn, target := s.conn, s.target
	s.conn = nil
	s.target = link.Target{}
	s.handle = 0
	s.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		s.logger.Warn("close link", "target", target.Address, "err", err, "reason", SanitizeMessage(err))
	}
	s.status.set(ConnectionState{Kind: Disconnected, Since: s.clock.Now()})
	s.logger.Info("disconnected", "target", target.Address)
}

// dropLocked handles an involuntary disconnect. Caller holds the semaphore.
func (s *Session) dropLocked(handle uint64, reason string) {
	s.mu.Lock()
	if s.conn == nil || s.handle != handle {
		s.mu.Unlock()
		return
	}
	conn, target := s.conn, s.target
	s.conn = nil
	s.target = link.Target{}
	s.handle = 0
	s.mu.Unlock()

	_ = conn.Close()
	s.status.set(ConnectionState{Kind: Disconnected, Reason: reason, Since: s.clock.Now()})
	s.logger.Warn("link lost", "target", target.Address, "reason", reason)
}

// watch waits for the link to end. A remote loss resets the session; a
// local close has already done so and the handle no longer matches.
func (s *Session) watch(conn link.Conn, handle uint64) {
	<-conn.Done()
	err := conn.Err()
	if err == nil {
		return
	}
	s.sem <- struct{}{}
	defer s.release()
	s.logger.Debug("link reported loss", "handle", handle, "err", err)
	s.dropLocked(handle, SanitizeMessage(err))
}

func (s *Session) current() link.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Send writes one command line in a single write.
func (s *Session) Send(ctx context.Context, cmd protocol.Command) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.sendLocked(cmd)
}

func (s *Session) sendLocked(cmd protocol.Command) error {
	s.mu.Lock()
	conn, handle := s.conn, s.handle
	s.mu.Unlock()
	if conn == nil {
		return &Error{Kind: KindNotConnected}
	}

	line := cmd.Line()
	n, err := conn.Write(line)
	if err == nil && n < len(line) {
		err = io.ErrShortWrite
	}
	if err != nil {
		s.logger.Warn("write failed", "command", cmd.Redacted(), "err", err)
		reason := SanitizeMessage(err)
		s.dropLocked(handle, reason)
		return &Error{Kind: KindTransmitFailed, Reason: reason, Err: err}
	}

	s.logger.Debug("command sent", "command", cmd.Redacted())
	s.emit(EventCommandSent, cmd.Redacted())
	return nil
}

// SendSequence sends cmds in order with delay between consecutive sends
// (none before the first or after the last). A non-positive delay uses the
// configured default. It stops at the first failure and returns a
// *SequenceError saying how many commands were applied; those stay applied.
func (s *Session) SendSequence(ctx context.Context, cmds []protocol.Command, delay time.Duration) error {
	if delay <= 0 {
		delay = s.cfg.CommandDelay
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	for i, cmd := range cmds {
		if i > 0 {
			select {
			case <-s.clock.After(delay):
			case <-ctx.Done():
				return &SequenceError{Applied: i, Total: len(cmds), Err: ctx.Err()}
			}
		}
		if err := s.sendLocked(cmd); err != nil {
			return &SequenceError{Applied: i, Total: len(cmds), Err: err}
		}
	}
	return nil
}

// ReceiveLine returns whatever the device has sent since the last call,
// without blocking. ok is false when nothing is buffered or there is no
// link. No line assembly is done.
func (s *Session) ReceiveLine() (string, bool) {
	conn := s.current()
	if conn == nil {
		return "", false
	}
	b := conn.Drain()
	if len(b) == 0 {
		return "", false
	}
	text := string(b)
	s.logger.Debug("device output", "text", text)
	s.emit(EventDeviceOutput, text)
	return text, true
}

// Status returns the current connection snapshot.
func (s *Session) Status() ConnectionState {
	return s.status.Get()
}

// IsConnected reports whether a link is up.
func (s *Session) IsConnected() bool {
	return s.status.Get().Kind == Connected
}
