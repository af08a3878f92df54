package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"clocklink/internal/link"
	"clocklink/internal/protocol"
)

var (
	bucketSettings = []byte("settings")
	bucketProfiles = []byte("profiles")
	keyConfig      = []byte("clock_config")
	keyLastDevice  = []byte("last_device")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err := db.Update(createBuckets); err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

func createBuckets(tx *bolt.Tx) error {
	for _, b := range [][]byte{bucketSettings, bucketProfiles} {
		if _, err := tx.CreateBucketIfNotExists(b); err != nil {
			return err
		}
	}
	return nil
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return b, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func (s *BoltStore) LoadConfig() (protocol.ClockConfig, error) {
	cfg := protocol.DefaultConfig()
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketSettings)
		if err != nil {
			return err
		}
		data := b.Get(keyConfig)
		if data == nil {
			return nil
		}
		// Unmarshal over the defaults so fields missing from older records
		// keep their default values.
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return protocol.DefaultConfig(), fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (s *BoltStore) SaveConfig(cfg protocol.ClockConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketSettings)
		if err != nil {
			return err
		}
		return putJSON(b, keyConfig, cfg)
	})
}

func (s *BoltStore) SaveProfile(name string, cfg protocol.ClockConfig) (*Profile, error) {
	var p *Profile
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketProfiles)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		now := s.now().UTC()
		p = &Profile{
			ID:        strconv.FormatUint(seq, 10),
			Name:      name,
			Config:    cfg,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return putJSON(b, []byte(p.ID), p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *BoltStore) GetProfile(id string) (*Profile, error) {
	var p Profile
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketProfiles)
		if err != nil {
			return err
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("profile %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProfile renames and replaces the config of an existing profile in a
// single transaction. CreatedAt is kept; UpdatedAt is bumped.
func (s *BoltStore) UpdateProfile(id, name string, cfg protocol.ClockConfig) (*Profile, error) {
	var p Profile
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketProfiles)
		if err != nil {
			return err
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("profile %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		p.Name = name
		p.Config = cfg
		p.UpdatedAt = s.now().UTC()
		return putJSON(b, []byte(id), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) DeleteProfile(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketProfiles)
		if err != nil {
			return err
		}
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("profile %s: %w", id, ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

// ListProfiles returns all profiles, oldest first.
func (s *BoltStore) ListProfiles() ([]*Profile, error) {
	var profiles []*Profile
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProfiles)
		if b == nil {
			return nil // no bucket = no profiles
		}
		profiles = make([]*Profile, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var p Profile
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("profile %s: %w", k, err)
			}
			profiles = append(profiles, &p)
			return nil
		})
	})
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].CreatedAt.Before(profiles[j].CreatedAt)
	})
	return profiles, err
}

func (s *BoltStore) SaveLastDevice(target link.Target) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketSettings)
		if err != nil {
			return err
		}
		return putJSON(b, keyLastDevice, target)
	})
}

func (s *BoltStore) LoadLastDevice() (*link.Target, error) {
	var t link.Target
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketSettings)
		if err != nil {
			return err
		}
		data := b.Get(keyLastDevice)
		if data == nil {
			return fmt.Errorf("last device: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ClearAll() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSettings, bucketProfiles} {
			if tx.Bucket(name) == nil {
				continue
			}
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return createBuckets(tx)
	})
}

// Export returns config, profiles and the last device as indented JSON.
func (s *BoltStore) Export() ([]byte, error) {
	cfg, err := s.LoadConfig()
	if err != nil {
		return nil, err
	}
	profiles, err := s.ListProfiles()
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	backup := Backup{
		Config:     &cfg,
		Profiles:   profiles,
		ExportedAt: s.now().UTC(),
	}
	if last, err := s.LoadLastDevice(); err == nil {
		backup.LastDevice = last
	}
	return json.MarshalIndent(backup, "", "  ")
}

// Import restores a document produced by Export. Sections absent from the
// document are left untouched; a present profiles list replaces all
// existing profiles. Everything is written in one transaction.
func (s *BoltStore) Import(data []byte) error {
	var backup struct {
		Config     json.RawMessage `json:"config"`
		Profiles   []*Profile      `json:"profiles"`
		LastDevice *link.Target    `json:"last_device"`
	}
	if err := json.Unmarshal(data, &backup); err != nil {
		return fmt.Errorf("parse backup: %w", err)
	}
	var cfg *protocol.ClockConfig
	if len(backup.Config) > 0 && string(backup.Config) != "null" {
		c := protocol.DefaultConfig()
		if err := json.Unmarshal(backup.Config, &c); err != nil {
			return fmt.Errorf("parse backup config: %w", err)
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("backup config: %w", err)
		}
		cfg = &c
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		settings, err := bucket(tx, bucketSettings)
		if err != nil {
			return err
		}
		if cfg != nil {
			if err := putJSON(settings, keyConfig, cfg); err != nil {
				return err
			}
		}
		if backup.LastDevice != nil {
			if err := putJSON(settings, keyLastDevice, backup.LastDevice); err != nil {
				return err
			}
		}
		if backup.Profiles == nil {
			return nil
		}

		if err := tx.DeleteBucket(bucketProfiles); err != nil {
			return err
		}
		profiles, err := tx.CreateBucket(bucketProfiles)
		if err != nil {
			return err
		}
		var maxSeq uint64
		for _, p := range backup.Profiles {
			if p == nil || p.ID == "" {
				continue
			}
			if n, err := strconv.ParseUint(p.ID, 10, 64); err == nil && n > maxSeq {
				maxSeq = n
			}
			if err := putJSON(profiles, []byte(p.ID), p); err != nil {
				return err
			}
		}
		// Keep new profile IDs from colliding with imported ones.
		return profiles.SetSequence(maxSeq)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
