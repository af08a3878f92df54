package link

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.bug.st/serial/enumerator"
)

// DefaultPortPatterns matches RFCOMM bindings and the usual USB serial nodes.
var DefaultPortPatterns = []string{"/dev/rfcomm*", "/dev/ttyUSB*", "/dev/ttyACM*"}

// SerialDiscoverer lists serial ports as targets. RFCOMM nodes exist only for
// peers bound (paired) at the radio layer, so they are reported as bonded.
type SerialDiscoverer struct {
	patterns   []string
	extraPaths []string
	logger     *slog.Logger

	// listPorts is swapped in tests.
	listPorts func() ([]*enumerator.PortDetails, error)
}

// NewSerialDiscoverer creates a discoverer filtering ports by glob patterns.
// extraPaths (e.g. /dev/serial/by-id links) are added when they exist.
func NewSerialDiscoverer(patterns, extraPaths []string, logger *slog.Logger) *SerialDiscoverer {
	return &SerialDiscoverer{
		patterns:   patterns,
		extraPaths: extraPaths,
		logger:     logger.With("component", "discovery"),
		listPorts:  enumerator.GetDetailedPortsList,
	}
}

// Scan enumerates serial ports.
func (d *SerialDiscoverer) Scan(ctx context.Context) ([]Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ports, err := d.listPorts()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	seen := make(map[string]bool)
	targets := make([]Target, 0, len(ports)+len(d.extraPaths))
	for _, p := range ports {
		if !matchAny(p.Name, d.patterns) || seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		targets = append(targets, targetFromPort(p))
	}
	for _, path := range d.extraPaths {
		if seen[path] {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			d.logger.Debug("extra port not present", "path", path, "err", err)
			continue
		}
		seen[path] = true
		targets = append(targets, Target{
			ID:      path,
			Name:    filepath.Base(path),
			Address: path,
			Bonded:  isRFCOMM(path),
		})
	}

	d.logger.Info("scan complete", "found", len(targets))
	return targets, nil
}

func targetFromPort(p *enumerator.PortDetails) Target {
	name := filepath.Base(p.Name)
	if p.IsUSB && p.Product != "" {
		name = p.Product
	}
	id := p.Name
	if p.IsUSB && p.SerialNumber != "" {
		id = fmt.Sprintf("usb:%s:%s:%s", p.VID, p.PID, p.SerialNumber)
	}
	return Target{
		ID:      id,
		Name:    name,
		Address: p.Name,
		Bonded:  isRFCOMM(p.Name),
	}
}

func isRFCOMM(path string) bool {
	return strings.HasPrefix(filepath.Base(path), "rfcomm")
}
