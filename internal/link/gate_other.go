//go:build !unix

package link

import (
	"context"
	"log/slog"
)

// DeviceAccessGate always grants access on platforms without POSIX device
// permissions; the OS prompts on open instead.
type DeviceAccessGate struct{}

// NewDeviceAccessGate creates a gate.
func NewDeviceAccessGate(_ []string, _ *slog.Logger) *DeviceAccessGate {
	return &DeviceAccessGate{}
}

// EnsureGranted returns true unless ctx is done.
func (g *DeviceAccessGate) EnsureGranted(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return true, nil
}
