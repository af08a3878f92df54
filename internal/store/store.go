package store

import (
	"errors"

	"clocklink/internal/link"
	"clocklink/internal/protocol"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// ConfigStore persists the clock configuration last applied to the device.
type ConfigStore interface {
	// LoadConfig returns the saved config merged over the defaults, or the
	// defaults when nothing has been saved.
	LoadConfig() (protocol.ClockConfig, error)
	SaveConfig(cfg protocol.ClockConfig) error
}

// Store defines the persistence interface.
type Store interface {
	ConfigStore

	// Profiles are named configs the user can re-apply.
	SaveProfile(name string, cfg protocol.ClockConfig) (*Profile, error)
	GetProfile(id string) (*Profile, error)
	UpdateProfile(id, name string, cfg protocol.ClockConfig) (*Profile, error)
	DeleteProfile(id string) error
	ListProfiles() ([]*Profile, error)

	SaveLastDevice(target link.Target) error
	LoadLastDevice() (*link.Target, error)

	// ClearAll drops config, profiles and the last device.
	ClearAll() error

	Export() ([]byte, error)
	Import(data []byte) error

	Close() error
}
