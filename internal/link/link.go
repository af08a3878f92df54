// Package link defines the byte-stream transport between the controller and
// the clock. Backend: serial ports (RFCOMM TTYs bound to the clock's serial
// profile, or a wired UART) via go.bug.st/serial.
package link

import (
	"context"
	"path/filepath"
)

// Target is a peer the controller can connect to.
type Target struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    *int   `json:"rssi,omitempty"`
	Bonded  bool   `json:"bonded"`
}

// Conn is an established link. Writes are passed to the transport in a
// single call; incoming bytes are buffered by the implementation until
// drained.
type Conn interface {
	Write(p []byte) (int, error)

	// Drain returns and clears whatever has been received since the last
	// call. It never blocks and returns nil when nothing is buffered.
	Drain() []byte

	// Done is closed when the link is lost or closed. Err then reports why
	// (nil after a local Close).
	Done() <-chan struct{}
	Err() error

	Close() error
}

// Dialer opens links to targets.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Conn, error)
}

// Discoverer lists the peers that can currently be dialed. Each call returns
// a fresh slice with no ordering guarantee.
type Discoverer interface {
	Scan(ctx context.Context) ([]Target, error)
}

// PermissionGate is consulted before scanning.
type PermissionGate interface {
	EnsureGranted(ctx context.Context) (bool, error)
}

// matchAny reports whether name matches one of the glob patterns. An empty
// pattern list matches everything.
func matchAny(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}
