// Package store persists the bridge's small amount of durable state: the
// last connected sensor and the cached auto-switch preference. It is backed
// by a single bbolt file.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"github.com/airscales/airscale-bridge/internal/ble"
)

var (
	bucketDevices = []byte("devices")
	bucketState   = []byte("state")

	keyLast       = []byte("last_device")
	keyAutoSwitch = []byte("auto_switch")
)

// ErrNoWifiMAC is returned when saving an identity that carries no WiFi MAC,
// which is the stable key devices are stored under.
var ErrNoWifiMAC = errors.New("store: identity has no WiFi MAC")

// Store is a bbolt-backed ble.DeviceStore.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// record is the stored form of a sensor.
type record struct {
	ble.Identity
	SavedAt time.Time `json:"saved_at"`
}

var _ ble.DeviceStore = (*Store)(nil)

// Open opens (creating if needed) the state file at fname.
func Open(fname string) (*Store, error) {
	db, err := bbolt.Open(fname, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open state db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketDevices, bucketState} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("could not create %q bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not setup state db buckets: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the state file.
func (s *Store) Close() error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("could not close state db: %w", err)
		}
		s.db = nil
	}
	return nil
}

// SavedDevice returns the last connected sensor.
func (s *Store) SavedDevice() (ble.Identity, bool, error) {
	var (
		id ble.Identity
		ok bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		mac := tx.Bucket(bucketState).Get(keyLast)
		if mac == nil {
			return nil
		}
		raw := tx.Bucket(bucketDevices).Get(mac)
		if raw == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		id, ok = rec.Identity, true
		return nil
	})
	if err != nil {
		return ble.Identity{}, false, fmt.Errorf("could not read saved device: %w", err)
	}
	return id, ok, nil
}

// SaveDevice records id as the last connected sensor. Every sensor ever
// saved is kept, keyed by WiFi MAC, so Devices can list them.
func (s *Store) SaveDevice(id ble.Identity) error {
	key := id.Key()
	if key == "" {
		return ErrNoWifiMAC
	}
	id.WifiMAC = key

	raw, err := json.Marshal(record{Identity: id, SavedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("could not encode device: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketDevices).Put([]byte(key), raw); err != nil {
			return err
		}
		return tx.Bucket(bucketState).Put(keyLast, []byte(key))
	})
	if err != nil {
		return fmt.Errorf("could not save device %s: %w", key, err)
	}
	return nil
}

// ForgetDevice clears the last-connected pointer and that sensor's record.
func (s *Store) ForgetDevice() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		state := tx.Bucket(bucketState)
		if mac := state.Get(keyLast); mac != nil {
			if err := tx.Bucket(bucketDevices).Delete(append([]byte(nil), mac...)); err != nil {
				return err
			}
		}
		return state.Delete(keyLast)
	})
	if err != nil {
		return fmt.Errorf("could not forget device: %w", err)
	}
	return nil
}

// Devices lists every remembered sensor.
func (s *Store) Devices() ([]ble.Identity, error) {
	var out []ble.Identity
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("could not decode device %s: %w", k, err)
			}
			out = append(out, rec.Identity)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("could not list devices: %w", err)
	}
	return out, nil
}

// AutoSwitch returns the cached auto-switch preference, if one was stored.
func (s *Store) AutoSwitch() (enabled, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketState).Get(keyAutoSwitch)
		if v == nil {
			return nil
		}
		b, err := strconv.ParseBool(string(v))
		if err != nil {
			return err
		}
		enabled, ok = b, true
		return nil
	})
	if err != nil {
		return false, false, fmt.Errorf("could not read auto-switch preference: %w", err)
	}
	return enabled, ok, nil
}

// SetAutoSwitch caches the auto-switch preference.
func (s *Store) SetAutoSwitch(enabled bool) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Put(keyAutoSwitch, []byte(strconv.FormatBool(enabled)))
	})
	if err != nil {
		return fmt.Errorf("could not save auto-switch preference: %w", err)
	}
	return nil
}
