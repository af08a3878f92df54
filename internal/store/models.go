package store

import (
	"time"

	"clocklink/internal/link"
	"clocklink/internal/protocol"
)

// Profile is a saved, named clock configuration.
type Profile struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Config    protocol.ClockConfig `json:"config"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Backup is the export document. Import accepts any subset of its fields.
type Backup struct {
	Config     *protocol.ClockConfig `json:"config"`
	Profiles   []*Profile            `json:"profiles"`
	LastDevice *link.Target          `json:"last_device,omitempty"`
	ExportedAt time.Time             `json:"exported_at"`
}
