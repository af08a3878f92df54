package session

import (
	"fmt"
	"sync"
	"time"

	"clocklink/internal/link"
)

// StateKind is the coarse connection state.
type StateKind int

const (
	Disconnected StateKind = iota
	Connected
	Failed
)

func (k StateKind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("StateKind(%d)", int(k))
}

func (k StateKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *StateKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "disconnected":
		*k = Disconnected
	case "connected":
		*k = Connected
	case "failed":
		*k = Failed
	default:
		return fmt.Errorf("unknown state %q", b)
	}
	return nil
}

// ConnectionState is a snapshot of the link. Target and Handle are set when
// Connected. Reason is set when Failed, and kept on the Disconnected state
// that follows a failure or a lost link.
type ConnectionState struct {
	Kind   StateKind    `json:"state"`
	Target *link.Target `json:"target,omitempty"`
	Handle uint64       `json:"handle,omitempty"`
	Reason string       `json:"reason,omitempty"`
	Since  time.Time    `json:"since"`
}

// StatusStore holds the current ConnectionState. Any goroutine may read it;
// only Session writes.
type StatusStore struct {
	mu     sync.RWMutex
	state  ConnectionState
	events *EventBus
}

// NewStatusStore creates a store in the Disconnected state. events may be nil.
func NewStatusStore(events *EventBus) *StatusStore {
	return &StatusStore{
		state:  ConnectionState{Kind: Disconnected, Since: time.Now()},
		events: events,
	}
}

// Get returns the latest snapshot.
func (s *StatusStore) Get() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *StatusStore) set(st ConnectionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if s.events != nil {
		s.events.Emit(Event{Type: EventStatusChanged, Data: st})
	}
}
