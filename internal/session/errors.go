package session

import "fmt"

// ErrorKind classifies link-layer failures.
type ErrorKind int

const (
	KindNotConnected ErrorKind = iota + 1
	KindConnectFailed
	KindTransmitFailed
	KindPermissionDenied
	KindTimeout
	KindProtocol
	KindScanFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotConnected:
		return "not_connected"
	case KindConnectFailed:
		return "connect_failed"
	case KindTransmitFailed:
		return "transmit_failed"
	case KindPermissionDenied:
		return "permission_denied"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol_error"
	case KindScanFailed:
		return "scan_failed"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// message is the user-facing text for an error of this kind with no reason.
func (k ErrorKind) message() string {
	switch k {
	case KindNotConnected:
		return "No device connected. Please connect first."
	case KindConnectFailed:
		return "Failed to connect to device"
	case KindTransmitFailed:
		return "Failed to send command"
	case KindPermissionDenied:
		return "Permission required to access devices"
	case KindTimeout:
		return "Connection timeout"
	case KindProtocol:
		return "Unexpected response from device"
	case KindScanFailed:
		return "Unable to scan for devices"
	}
	return "An unexpected error occurred"
}

// Error is returned by Session operations. Reason is already sanitised and
// safe to show; Err keeps the raw cause for logs and errors.Is.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason == "" || e.Reason == e.Kind.message() {
		return e.Kind.message()
	}
	return e.Kind.message() + ": " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrNotConnected     = &Error{Kind: KindNotConnected}
	ErrConnectFailed    = &Error{Kind: KindConnectFailed}
	ErrTransmitFailed   = &Error{Kind: KindTransmitFailed}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrProtocol         = &Error{Kind: KindProtocol}
	ErrScanFailed       = &Error{Kind: KindScanFailed}
)

// SequenceError reports a SendSequence that stopped early. Applied commands
// stay applied on the device.
type SequenceError struct {
	Applied int
	Total   int
	Err     error
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("%d of %d commands applied: %v", e.Applied, e.Total, e.Err)
}

func (e *SequenceError) Unwrap() error { return e.Err }
