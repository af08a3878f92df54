//go:build unix

package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.bug.st/serial"
	"golang.org/x/sys/unix"
)

// DeviceAccessGate grants scanning when the process can open at least one of
// the matching device nodes for reading and writing. On Linux this is usually
// membership of the dialout group.
type DeviceAccessGate struct {
	patterns []string
	logger   *slog.Logger

	listPorts func() ([]string, error)
	access    func(path string) error
}

// NewDeviceAccessGate creates a gate over ports matching patterns.
func NewDeviceAccessGate(patterns []string, logger *slog.Logger) *DeviceAccessGate {
	return &DeviceAccessGate{
		patterns:  patterns,
		logger:    logger.With("component", "permission"),
		listPorts: serial.GetPortsList,
		access: func(path string) error {
			return unix.Access(path, unix.R_OK|unix.W_OK)
		},
	}
}

// EnsureGranted reports false only when matching nodes exist and every one
// of them refuses access. With no matching nodes there is nothing to deny.
func (g *DeviceAccessGate) EnsureGranted(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ports, err := g.listPorts()
	if err != nil {
		return false, fmt.Errorf("list serial ports: %w", err)
	}

	denied := 0
	candidates := 0
	for _, p := range ports {
		if !matchAny(p, g.patterns) {
			continue
		}
		candidates++
		err := g.access(p)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			denied++
			g.logger.Debug("device access denied", "port", p)
		}
	}
	if candidates > 0 && denied == candidates {
		g.logger.Warn("no accessible serial devices; add the user to the dialout group", "denied", denied)
		return false, nil
	}
	return true, nil
}
