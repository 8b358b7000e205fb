package ble

import "sync"

// MemoryStore is a DeviceStore that forgets everything on exit. Used by
// one-shot commands and when no state file is configured.
type MemoryStore struct {
	mu         sync.Mutex
	device     *Identity
	autoSwitch *bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) SavedDevice() (Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return Identity{}, false, nil
	}
	return *s.device, true, nil
}

func (s *MemoryStore) SaveDevice(id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = &id
	return nil
}

func (s *MemoryStore) ForgetDevice() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = nil
	return nil
}

func (s *MemoryStore) AutoSwitch() (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoSwitch == nil {
		return false, false, nil
	}
	return *s.autoSwitch, true, nil
}

func (s *MemoryStore) SetAutoSwitch(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSwitch = &enabled
	return nil
}

var _ DeviceStore = (*MemoryStore)(nil)
